package domain

import (
	"time"

	"github.com/lib/pq"
)

// BaliseVersion is an append-only snapshot of a superseded live record
type BaliseVersion struct {
	ID                 int64          `json:"id" db:"id"`
	SecondaryID        int            `json:"secondaryId" db:"secondary_id"`
	Version            int            `json:"version" db:"version"`
	VersionStatus      VersionStatus  `json:"versionStatus" db:"version_status"`
	Description        string         `json:"description" db:"description"`
	FileTypes          pq.StringArray `json:"fileTypes" db:"file_types"`
	CreatedBy          string         `json:"createdBy" db:"created_by"`
	CreatedTime        time.Time      `json:"createdTime" db:"created_time"`
	VersionCreatedTime time.Time      `json:"versionCreatedTime" db:"version_created_time"`
}
