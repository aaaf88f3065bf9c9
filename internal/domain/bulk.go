package domain

// BulkItemResult is the outcome of one id inside a bulk request
type BulkItemResult struct {
	ID      int    `json:"id"`
	Success bool   `json:"success"`
	Skipped bool   `json:"skipped,omitempty"`
	Error   string `json:"error,omitempty"`
}

// BulkResult is returned by every bulk endpoint
type BulkResult struct {
	OperationID    string           `json:"operationId"`
	TotalRequested int              `json:"totalRequested"`
	SuccessCount   int              `json:"successCount"`
	FailureCount   int              `json:"failureCount"`
	SkippedCount   int              `json:"skippedCount"`
	Results        []BulkItemResult `json:"results"`
}
