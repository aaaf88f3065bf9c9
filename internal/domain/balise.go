package domain

import (
	"time"

	"github.com/lib/pq"
)

type VersionStatus string

const (
	VersionStatusOfficial    VersionStatus = "OFFICIAL"
	VersionStatusUnconfirmed VersionStatus = "UNCONFIRMED"
)

// Valid reports whether s is one of the known version statuses
func (s VersionStatus) Valid() bool {
	return s == VersionStatusOfficial || s == VersionStatusUnconfirmed
}

// Balise is the live record. FileTypes holds the filenames attached to the
// current version, in upload order.
type Balise struct {
	SecondaryID     int            `json:"secondaryId" db:"secondary_id"`
	Version         int            `json:"version" db:"version"`
	VersionStatus   VersionStatus  `json:"versionStatus" db:"version_status"`
	Description     string         `json:"description" db:"description"`
	FileTypes       pq.StringArray `json:"fileTypes" db:"file_types"`
	Locked          bool           `json:"locked" db:"locked"`
	LockedBy        *string        `json:"lockedBy,omitempty" db:"locked_by"`
	LockedAtVersion *int           `json:"lockedAtVersion,omitempty" db:"locked_at_version"`
	LockReason      *string        `json:"lockReason,omitempty" db:"lock_reason"`
	CreatedBy       string         `json:"createdBy" db:"created_by"`
	CreatedTime     time.Time      `json:"createdTime" db:"created_time"`
	DeletedAt       *time.Time     `json:"deletedAt,omitempty" db:"deleted_at"`
	DeletedBy       *string        `json:"deletedBy,omitempty" db:"deleted_by"`
}

// IsLockedBy reports whether the balise is currently locked by userID
func (b *Balise) IsLockedBy(userID string) bool {
	return b.Locked && b.LockedBy != nil && *b.LockedBy == userID
}

// Owner returns the current lock owner or an empty string
func (b *Balise) Owner() string {
	if b.LockedBy == nil {
		return ""
	}
	return *b.LockedBy
}

// Snapshot captures the mutable fields of the live record as a history row.
func (b *Balise) Snapshot(at time.Time) BaliseVersion {
	return BaliseVersion{
		SecondaryID:        b.SecondaryID,
		Version:            b.Version,
		VersionStatus:      b.VersionStatus,
		Description:        b.Description,
		FileTypes:          append(pq.StringArray(nil), b.FileTypes...),
		CreatedBy:          b.CreatedBy,
		CreatedTime:        b.CreatedTime,
		VersionCreatedTime: at,
	}
}
