package service

import (
	"errors"
	"fmt"

	"github.com/zeebo/errs"
)

var (
	ErrNotFound           = errors.New("balise not found")
	ErrNoConfirmedVersion = errors.New("no confirmed version available")
	ErrVersionNotFound    = errors.New("version not found")
	ErrFileNotFound       = errors.New("file not found")
	ErrValidation         = errors.New("validation failed")
	ErrPermissionDenied   = errors.New("permission denied")
	ErrArchiveCopy        = errors.New("archive copy failed")
)

// ErrConcurrentModification means a guarded write lost a race, retrying may succeed
var ErrConcurrentModification = errors.New("balise was modified concurrently")

// ArchiveError is the error class of the archival protocol
var ArchiveError = errs.Class("archive")

// LockConflictKind names why a lock transition or a write was rejected
type LockConflictKind string

const (
	ConflictAlreadyLocked   LockConflictKind = "already_locked"
	ConflictAlreadyUnlocked LockConflictKind = "already_unlocked"
	ConflictNotLocked       LockConflictKind = "not_locked"
	ConflictLockedByOther   LockConflictKind = "locked_by_other"
)

// LockConflictError is returned when the lock state does not allow an
// operation. Owner is the current lock owner, empty when unlocked.
type LockConflictError struct {
	ID    int
	Kind  LockConflictKind
	Owner string
}

func (e *LockConflictError) Error() string {
	switch e.Kind {
	case ConflictAlreadyLocked:
		return fmt.Sprintf("balise %d is already locked by %s", e.ID, e.Owner)
	case ConflictAlreadyUnlocked:
		return fmt.Sprintf("balise %d is not locked", e.ID)
	case ConflictNotLocked:
		return fmt.Sprintf("balise %d must be locked before it can be modified", e.ID)
	case ConflictLockedByOther:
		return fmt.Sprintf("balise %d is locked by %s", e.ID, e.Owner)
	}
	return fmt.Sprintf("lock conflict on balise %d", e.ID)
}

// IsSkip reports whether the conflict means the balise is already in the
// requested state. Bulk operations report such items as skipped.
func (e *LockConflictError) IsSkip() bool {
	return e.Kind == ConflictAlreadyLocked || e.Kind == ConflictAlreadyUnlocked
}

// AsLockConflict extracts a *LockConflictError from err
func AsLockConflict(err error) (*LockConflictError, bool) {
	var conflict *LockConflictError
	if errors.As(err, &conflict) {
		return conflict, true
	}
	return nil, false
}

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
