package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"baliseregistry/internal/domain"
	"baliseregistry/internal/metrics"
	"baliseregistry/internal/repository"
)

// LockService moves balises between the unlocked and locked states
type LockService struct {
	store   BaliseStore
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewLockService(store BaliseStore, log *zap.Logger, m *metrics.Metrics) *LockService {
	return &LockService{
		store:   store,
		log:     log.Named("lock"),
		metrics: m,
	}
}

// CheckWriteAccess requires b to be locked by userID
func CheckWriteAccess(b *domain.Balise, userID string) error {
	if !b.Locked {
		return &LockConflictError{ID: b.SecondaryID, Kind: ConflictNotLocked}
	}
	if !b.IsLockedBy(userID) {
		return &LockConflictError{ID: b.SecondaryID, Kind: ConflictLockedByOther, Owner: b.Owner()}
	}
	return nil
}

// Lock takes the lock on an unlocked balise in a single conditional update.
// A balise that is already locked, even by caller, yields an already_locked
// conflict carrying the current owner.
func (s *LockService) Lock(ctx context.Context, caller domain.Principal, id int, reason *string) (*domain.Balise, error) {
	if !caller.CanWrite() {
		return nil, fmt.Errorf("%w: write access required to lock balise %d", ErrPermissionDenied, id)
	}

	b, ok, err := s.store.AcquireLock(ctx, id, caller.UserID, reason)
	if err != nil {
		return nil, err
	}
	if ok {
		s.log.Info("balise locked", zap.Int("balise", id), zap.String("user", caller.UserID), zap.Int("version", b.Version))
		return b, nil
	}

	// No row matched: either the balise is missing or somebody holds the lock
	current, err := s.store.GetBySecondaryID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: balise %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if !current.Locked {
		// released between the update and the read
		return nil, fmt.Errorf("balise %d changed while locking: %w", id, ErrConcurrentModification)
	}

	s.metrics.RecordLockConflict(string(ConflictAlreadyLocked))
	return nil, &LockConflictError{ID: id, Kind: ConflictAlreadyLocked, Owner: current.Owner()}
}

// Unlock releases the lock. Only the owner or an admin may do so. Any
// UNCONFIRMED version of the balise becomes OFFICIAL.
func (s *LockService) Unlock(ctx context.Context, caller domain.Principal, id int) error {
	if !caller.CanWrite() {
		return fmt.Errorf("%w: write access required to unlock balise %d", ErrPermissionDenied, id)
	}

	b, err := s.store.GetBySecondaryID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("%w: balise %d", ErrNotFound, id)
	}
	if err != nil {
		return err
	}

	if err := unlockAllowed(caller, b); err != nil {
		s.metrics.RecordLockConflict(string(err.Kind))
		return err
	}

	owner := b.Owner()
	err = s.store.ReleaseLock(ctx, id, owner)
	if errors.Is(err, repository.ErrConditionFailed) {
		return fmt.Errorf("balise %d changed while unlocking: %w", id, ErrConcurrentModification)
	}
	if err != nil {
		return err
	}

	s.log.Info("balise unlocked",
		zap.Int("balise", id),
		zap.String("user", caller.UserID),
		zap.String("owner", owner),
		zap.Bool("confirmed", b.VersionStatus == domain.VersionStatusUnconfirmed),
	)
	return nil
}

func unlockAllowed(caller domain.Principal, b *domain.Balise) *LockConflictError {
	if !b.Locked {
		return &LockConflictError{ID: b.SecondaryID, Kind: ConflictAlreadyUnlocked}
	}
	if !b.IsLockedBy(caller.UserID) && !caller.IsAdmin {
		return &LockConflictError{ID: b.SecondaryID, Kind: ConflictLockedByOther, Owner: b.Owner()}
	}
	return nil
}
