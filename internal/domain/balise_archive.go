package domain

import (
	"time"

	"github.com/lib/pq"
)

// BaliseArchive is the terminal copy of a live balise. ArchivedSecondaryID
// never collides with a later live record reusing the same SecondaryID.
type BaliseArchive struct {
	ArchivedSecondaryID string         `json:"archivedSecondaryId" db:"archived_secondary_id"`
	SecondaryID         int            `json:"secondaryId" db:"secondary_id"`
	Version             int            `json:"version" db:"version"`
	VersionStatus       VersionStatus  `json:"versionStatus" db:"version_status"`
	Description         string         `json:"description" db:"description"`
	FileTypes           pq.StringArray `json:"fileTypes" db:"file_types"`
	CreatedBy           string         `json:"createdBy" db:"created_by"`
	CreatedTime         time.Time      `json:"createdTime" db:"created_time"`
	DeletedAt           time.Time      `json:"deletedAt" db:"deleted_at"`
	DeletedBy           string         `json:"deletedBy" db:"deleted_by"`
}

// BaliseArchiveVersion is the archived copy of one history row
type BaliseArchiveVersion struct {
	ID                  int64          `json:"id" db:"id"`
	ArchivedSecondaryID string         `json:"archivedSecondaryId" db:"archived_secondary_id"`
	SecondaryID         int            `json:"secondaryId" db:"secondary_id"`
	Version             int            `json:"version" db:"version"`
	VersionStatus       VersionStatus  `json:"versionStatus" db:"version_status"`
	Description         string         `json:"description" db:"description"`
	FileTypes           pq.StringArray `json:"fileTypes" db:"file_types"`
	CreatedBy           string         `json:"createdBy" db:"created_by"`
	CreatedTime         time.Time      `json:"createdTime" db:"created_time"`
	VersionCreatedTime  time.Time      `json:"versionCreatedTime" db:"version_created_time"`
}

// NewBaliseArchive builds the archive row for a live balise deleted by deletedBy
func NewBaliseArchive(archivedID string, b *Balise, deletedBy string, at time.Time) BaliseArchive {
	return BaliseArchive{
		ArchivedSecondaryID: archivedID,
		SecondaryID:         b.SecondaryID,
		Version:             b.Version,
		VersionStatus:       b.VersionStatus,
		Description:         b.Description,
		FileTypes:           append(pq.StringArray(nil), b.FileTypes...),
		CreatedBy:           b.CreatedBy,
		CreatedTime:         b.CreatedTime,
		DeletedAt:           at,
		DeletedBy:           deletedBy,
	}
}

// NewBaliseArchiveVersion copies a history row under an archived id
func NewBaliseArchiveVersion(archivedID string, v BaliseVersion) BaliseArchiveVersion {
	return BaliseArchiveVersion{
		ArchivedSecondaryID: archivedID,
		SecondaryID:         v.SecondaryID,
		Version:             v.Version,
		VersionStatus:       v.VersionStatus,
		Description:         v.Description,
		FileTypes:           append(pq.StringArray(nil), v.FileTypes...),
		CreatedBy:           v.CreatedBy,
		CreatedTime:         v.CreatedTime,
		VersionCreatedTime:  v.VersionCreatedTime,
	}
}
