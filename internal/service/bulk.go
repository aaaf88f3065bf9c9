package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"baliseregistry/internal/domain"
	"baliseregistry/internal/metrics"
)

// BulkOperation names a bulk endpoint
type BulkOperation string

const (
	BulkLock   BulkOperation = "lock"
	BulkUnlock BulkOperation = "unlock"
	BulkUpload BulkOperation = "upload"
	BulkDelete BulkOperation = "delete"
	BulkCreate BulkOperation = "create"
)

const DefaultBulkChunkSize = 10

// SkipError marks a bulk item that was already in the requested state
type SkipError struct {
	Reason string
}

func (e *SkipError) Error() string {
	return e.Reason
}

func skipped(err error) error {
	return &SkipError{Reason: err.Error()}
}

// BulkItemFunc applies an operation to one balise
type BulkItemFunc func(ctx context.Context, id int) error

// BulkOrchestrator runs a bulk operation chunk by chunk. Items inside a
// chunk run concurrently, a chunk finishes before the next one starts. One
// item failing, even by panicking, never affects its siblings.
type BulkOrchestrator struct {
	chunkSize int
	log       *zap.Logger
	metrics   *metrics.Metrics
}

func NewBulkOrchestrator(chunkSize int, log *zap.Logger, m *metrics.Metrics) *BulkOrchestrator {
	if chunkSize <= 0 {
		chunkSize = DefaultBulkChunkSize
	}
	return &BulkOrchestrator{
		chunkSize: chunkSize,
		log:       log.Named("bulk"),
		metrics:   m,
	}
}

// Process applies exec to every id and aggregates the outcome. Results keep
// the order of ids.
func (o *BulkOrchestrator) Process(ctx context.Context, op BulkOperation, ids []int, exec BulkItemFunc) *domain.BulkResult {
	started := time.Now()
	operationID := uuid.NewString()
	log := o.log.With(zap.String("operation", string(op)), zap.String("operation_id", operationID))

	results := make([]domain.BulkItemResult, len(ids))
	for start := 0; start < len(ids); start += o.chunkSize {
		end := start + o.chunkSize
		if end > len(ids) {
			end = len(ids)
		}

		var group errgroup.Group
		for i := start; i < end; i++ {
			group.Go(func() error {
				results[i] = o.runItem(ctx, log, ids[i], exec)
				return nil
			})
		}
		group.Wait()
	}

	result := o.collect(op, operationID, results)
	o.metrics.ObserveBulk(string(op), time.Since(started))
	log.Info("bulk operation finished",
		zap.Int("total", result.TotalRequested),
		zap.Int("success", result.SuccessCount),
		zap.Int("skipped", result.SkippedCount),
		zap.Int("failed", result.FailureCount),
		zap.Duration("took", time.Since(started)),
	)
	return result
}

func (o *BulkOrchestrator) runItem(ctx context.Context, log *zap.Logger, id int, exec BulkItemFunc) (result domain.BulkItemResult) {
	result.ID = id

	defer func() {
		if r := recover(); r != nil {
			log.Error("bulk item panicked", zap.Int("balise", id), zap.Any("panic", r), zap.Stack("stack"))
			result = domain.BulkItemResult{ID: id, Error: fmt.Sprintf("internal error: %v", r)}
		}
	}()

	err := exec(ctx, id)
	if err == nil {
		result.Success = true
		return result
	}

	var skip *SkipError
	if errors.As(err, &skip) {
		result.Skipped = true
		result.Error = skip.Reason
		return result
	}

	log.Warn("bulk item failed", zap.Int("balise", id), zap.Error(err))
	result.Error = err.Error()
	return result
}

// collect turns per item results into the response and counts them
func (o *BulkOrchestrator) collect(op BulkOperation, operationID string, results []domain.BulkItemResult) *domain.BulkResult {
	out := &domain.BulkResult{
		OperationID:    operationID,
		TotalRequested: len(results),
		Results:        results,
	}

	for _, r := range results {
		switch {
		case r.Success:
			out.SuccessCount++
			o.metrics.RecordBulkItem(string(op), metrics.OutcomeSuccess)
		case r.Skipped:
			out.SkippedCount++
			o.metrics.RecordBulkItem(string(op), metrics.OutcomeSkipped)
		default:
			out.FailureCount++
			o.metrics.RecordBulkItem(string(op), metrics.OutcomeFailure)
		}
	}

	return out
}

// NormalizeIDs validates a bulk id list and drops repeated ids, keeping the
// first occurrence
func NormalizeIDs(ids []int, idRange IDRange) ([]int, error) {
	if len(ids) == 0 {
		return nil, validationError("ids must be a non-empty array")
	}

	seen := make(map[int]struct{}, len(ids))
	unique := make([]int, 0, len(ids))
	for _, id := range ids {
		if !idRange.Contains(id) {
			return nil, validationError("balise id %d is outside the range %s", id, idRange)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}

	return unique, nil
}
