package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"baliseregistry/internal/domain"
	"baliseregistry/internal/repository"
	"baliseregistry/internal/service/s3"
)

// UpdateOrCreateInput is one create-or-update request for a single balise.
// A nil Description keeps the current one. An empty VersionStatus means
// OFFICIAL.
type UpdateOrCreateInput struct {
	BaliseID      int
	Files         []domain.UploadFile
	Description   *string
	VersionStatus domain.VersionStatus
	Caller        domain.Principal
}

// UploadService creates balises and rolls them to new versions
type UploadService struct {
	store   BaliseStore
	blobs   s3.Storage
	idRange IDRange
	log     *zap.Logger
	now     func() time.Time
}

func NewUploadService(store BaliseStore, blobs s3.Storage, idRange IDRange, log *zap.Logger) *UploadService {
	return &UploadService{
		store:   store,
		blobs:   blobs,
		idRange: idRange,
		log:     log.Named("upload"),
		now:     time.Now,
	}
}

// UpdateOrCreate creates the balise on first use, otherwise requires the
// caller's lock and either bumps the version (with files) or only changes
// the description (without files).
//
// The whole change runs under the write lock of the balise, so the version
// path the files are put under belongs to this request alone until it is
// committed or discarded.
func (s *UploadService) UpdateOrCreate(ctx context.Context, in UpdateOrCreateInput) (*domain.UpdateOrCreateResult, error) {
	if err := s.validate(&in); err != nil {
		return nil, err
	}

	release, err := s.store.AcquireWriteLock(ctx, in.BaliseID)
	if err != nil {
		return nil, err
	}
	defer release()

	current, err := s.store.GetBySecondaryID(ctx, in.BaliseID)
	if errors.Is(err, repository.ErrNotFound) {
		return s.create(ctx, in)
	}
	if err != nil {
		return nil, err
	}

	if err := CheckWriteAccess(current, in.Caller.UserID); err != nil {
		return nil, err
	}

	if len(in.Files) == 0 {
		return s.updateDescription(ctx, in, current)
	}
	return s.supersede(ctx, in, current)
}

// PreCreate inserts empty version 0 balises and returns the ids that did
// not exist before
func (s *UploadService) PreCreate(ctx context.Context, caller domain.Principal, ids []int) ([]int, error) {
	if !caller.CanWrite() {
		return nil, fmt.Errorf("%w: write access required to create balises", ErrPermissionDenied)
	}
	for _, id := range ids {
		if !s.idRange.Contains(id) {
			return nil, validationError("balise id %d is outside the range %s", id, s.idRange)
		}
	}

	created, err := s.store.CreateMany(ctx, ids, caller.UserID)
	if err != nil {
		return nil, err
	}

	s.log.Info("balises pre-created", zap.Ints("balises", created), zap.String("user", caller.UserID))
	return created, nil
}

func (s *UploadService) validate(in *UpdateOrCreateInput) error {
	if !in.Caller.CanWrite() {
		return fmt.Errorf("%w: write access required to upload balise %d", ErrPermissionDenied, in.BaliseID)
	}
	if !s.idRange.Contains(in.BaliseID) {
		return validationError("balise id %d is outside the range %s", in.BaliseID, s.idRange)
	}

	if in.VersionStatus == "" {
		in.VersionStatus = domain.VersionStatusOfficial
	}
	if !in.VersionStatus.Valid() {
		return validationError("unknown version status %q", in.VersionStatus)
	}

	seen := make(map[string]struct{}, len(in.Files))
	for _, file := range in.Files {
		id, err := validateFilename(file.Name, s.idRange)
		if err != nil {
			return err
		}
		if id != in.BaliseID {
			return validationError("file %q belongs to balise %d, not %d", file.Name, id, in.BaliseID)
		}
		if _, ok := seen[file.Name]; ok {
			return validationError("file %q is uploaded twice", file.Name)
		}
		seen[file.Name] = struct{}{}
	}

	return nil
}

func (s *UploadService) create(ctx context.Context, in UpdateOrCreateInput) (*domain.UpdateOrCreateResult, error) {
	version := 0
	if len(in.Files) > 0 {
		version = 1
	}

	balise := &domain.Balise{
		SecondaryID:   in.BaliseID,
		Version:       version,
		VersionStatus: domain.VersionStatusOfficial,
		Description:   derefOr(in.Description, ""),
		FileTypes:     fileNames(in.Files),
		CreatedBy:     in.Caller.UserID,
	}
	if version > 0 && in.VersionStatus == domain.VersionStatusUnconfirmed {
		// the creator keeps the lock so that the draft can be confirmed later
		balise.VersionStatus = domain.VersionStatusUnconfirmed
		holdLock(balise, in.Caller.UserID, version, nil)
	}

	uploaded, err := s.uploadFiles(ctx, in.BaliseID, version, in.Files)
	if err != nil {
		return nil, err
	}

	if err := s.store.Create(ctx, balise); err != nil {
		s.discard(ctx, in.BaliseID, uploaded)
		if errors.Is(err, repository.ErrAlreadyExists) {
			return nil, fmt.Errorf("balise %d was created concurrently: %w", in.BaliseID, ErrConcurrentModification)
		}
		return nil, err
	}

	s.log.Info("balise created",
		zap.Int("balise", in.BaliseID),
		zap.Int("version", version),
		zap.String("user", in.Caller.UserID),
		zap.Strings("files", balise.FileTypes),
	)

	return &domain.UpdateOrCreateResult{
		SecondaryID:   in.BaliseID,
		NewVersion:    version,
		FilesUploaded: balise.FileTypes,
		IsNewBalise:   true,
	}, nil
}

func (s *UploadService) updateDescription(ctx context.Context, in UpdateOrCreateInput, current *domain.Balise) (*domain.UpdateOrCreateResult, error) {
	if in.Description == nil {
		return nil, validationError("balise %d: either files or a description are required", in.BaliseID)
	}

	err := s.store.UpdateDescription(ctx, in.BaliseID, *in.Description, in.Caller.UserID)
	if errors.Is(err, repository.ErrConditionFailed) {
		return nil, fmt.Errorf("balise %d changed during the update: %w", in.BaliseID, ErrConcurrentModification)
	}
	if err != nil {
		return nil, err
	}

	previous := current.Version
	return &domain.UpdateOrCreateResult{
		SecondaryID:     in.BaliseID,
		NewVersion:      current.Version,
		PreviousVersion: &previous,
		FilesUploaded:   []string{},
	}, nil
}

func (s *UploadService) supersede(ctx context.Context, in UpdateOrCreateInput, current *domain.Balise) (*domain.UpdateOrCreateResult, error) {
	newVersion := current.Version + 1
	now := s.now()

	uploaded, err := s.uploadFiles(ctx, in.BaliseID, newVersion, in.Files)
	if err != nil {
		return nil, err
	}

	// version 0 has nothing worth keeping
	var snapshot *domain.BaliseVersion
	if current.Version > 0 {
		snap := current.Snapshot(now)
		snapshot = &snap
	}

	next := &domain.Balise{
		SecondaryID:   in.BaliseID,
		Version:       newVersion,
		VersionStatus: in.VersionStatus,
		Description:   derefOr(in.Description, current.Description),
		FileTypes:     fileNames(in.Files),
		CreatedBy:     in.Caller.UserID,
		CreatedTime:   now,
	}
	if in.VersionStatus == domain.VersionStatusUnconfirmed {
		lockedAt := newVersion
		if current.LockedAtVersion != nil {
			lockedAt = *current.LockedAtVersion
		}
		holdLock(next, in.Caller.UserID, lockedAt, current.LockReason)
	}

	err = s.store.SupersedeVersion(ctx, current, next, snapshot)
	if err != nil {
		s.discard(ctx, in.BaliseID, uploaded)
		if errors.Is(err, repository.ErrConditionFailed) {
			return nil, fmt.Errorf("balise %d changed during the upload: %w", in.BaliseID, ErrConcurrentModification)
		}
		return nil, err
	}

	s.log.Info("balise version created",
		zap.Int("balise", in.BaliseID),
		zap.Int("version", newVersion),
		zap.String("status", string(in.VersionStatus)),
		zap.String("user", in.Caller.UserID),
	)

	result := &domain.UpdateOrCreateResult{
		SecondaryID:   in.BaliseID,
		NewVersion:    newVersion,
		FilesUploaded: next.FileTypes,
		IsNewBalise:   current.Version == 0,
	}
	if current.Version > 0 {
		previous := current.Version
		result.PreviousVersion = &previous
	}
	return result, nil
}

// uploadFiles puts every file under the version path. On failure every
// attempted key is removed again, a cancelled put may still have landed.
// The caller holds the write lock, nothing committed lives on that path.
func (s *UploadService) uploadFiles(ctx context.Context, id, version int, files []domain.UploadFile) ([]string, error) {
	if len(files) == 0 {
		return nil, nil
	}

	transfers := putTransfers(s.blobs, files, func(name string) string {
		return liveBlobKey(id, version, name)
	})

	uploaded, err := runTransfers(ctx, transfers)
	if err != nil {
		s.discard(ctx, id, transferKeys(transfers))
		return nil, fmt.Errorf("failed to upload files of balise %d: %w", id, err)
	}
	return uploaded, nil
}

// discard removes blobs written for a change that was not committed
func (s *UploadService) discard(ctx context.Context, id int, keys []string) {
	if len(keys) == 0 {
		return
	}
	failed, err := deleteBlobs(context.WithoutCancel(ctx), s.blobs, keys)
	if err != nil {
		s.log.Error("failed to remove uploaded files",
			zap.Int("balise", id),
			zap.Strings("keys", failed),
			zap.Error(err),
		)
	}
}

func holdLock(b *domain.Balise, userID string, atVersion int, reason *string) {
	owner := userID
	b.Locked = true
	b.LockedBy = &owner
	b.LockedAtVersion = &atVersion
	b.LockReason = reason
}

func fileNames(files []domain.UploadFile) pq.StringArray {
	names := make(pq.StringArray, 0, len(files))
	for _, file := range files {
		names = append(names, file.Name)
	}
	return names
}

func derefOr(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
