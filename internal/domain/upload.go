package domain

// UploadFile is one file of a create-or-update request
type UploadFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// UpdateOrCreateResult describes what an upload did to a balise.
// PreviousVersion is nil when the balise is effectively new.
type UpdateOrCreateResult struct {
	SecondaryID     int      `json:"secondaryId"`
	NewVersion      int      `json:"newVersion"`
	PreviousVersion *int     `json:"previousVersion,omitempty"`
	FilesUploaded   []string `json:"filesUploaded"`
	IsNewBalise     bool     `json:"isNewBalise"`
}

// ArchiveResult describes a completed archival
type ArchiveResult struct {
	SecondaryID         int      `json:"secondaryId"`
	ArchivedSecondaryID string   `json:"archivedSecondaryId"`
	ArchivedVersions    int      `json:"archivedVersions"`
	CopiedBlobs         int      `json:"copiedBlobs"`
	OrphanedBlobs       []string `json:"orphanedBlobs,omitempty"`
}
