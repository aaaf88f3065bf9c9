package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"baliseregistry/internal/domain"
)

// BulkUploadInput is a multipart bulk upload. Files are grouped by the
// balise id their name carries. Descriptions overrides Description per id.
type BulkUploadInput struct {
	Files         []domain.UploadFile
	Description   *string
	Descriptions  map[int]string
	VersionStatus domain.VersionStatus
}

// BulkService exposes the bulk variants of lock, unlock, upload, delete and
// create
type BulkService struct {
	orchestrator *BulkOrchestrator
	locks        *LockService
	uploads      *UploadService
	archives     *ArchiveService
	store        BaliseStore
	idRange      IDRange
	log          *zap.Logger
}

func NewBulkService(
	orchestrator *BulkOrchestrator,
	locks *LockService,
	uploads *UploadService,
	archives *ArchiveService,
	store BaliseStore,
	idRange IDRange,
	log *zap.Logger,
) *BulkService {
	return &BulkService{
		orchestrator: orchestrator,
		locks:        locks,
		uploads:      uploads,
		archives:     archives,
		store:        store,
		idRange:      idRange,
		log:          log.Named("bulk"),
	}
}

// Lock locks every id. Ids that are already locked or do not exist are
// skipped.
func (s *BulkService) Lock(ctx context.Context, caller domain.Principal, ids []int, reason *string) (*domain.BulkResult, error) {
	ids, err := s.prepare(caller, ids)
	if err != nil {
		return nil, err
	}

	return s.orchestrator.Process(ctx, BulkLock, ids, func(ctx context.Context, id int) error {
		_, err := s.locks.Lock(ctx, caller, id, reason)
		if conflict, ok := AsLockConflict(err); ok && conflict.IsSkip() {
			return skipped(err)
		}
		if errors.Is(err, ErrNotFound) {
			return skipped(err)
		}
		return err
	}), nil
}

// Unlock unlocks every id. Ids that are not locked are skipped, ids locked
// by somebody else fail unless caller is admin.
func (s *BulkService) Unlock(ctx context.Context, caller domain.Principal, ids []int) (*domain.BulkResult, error) {
	ids, err := s.prepare(caller, ids)
	if err != nil {
		return nil, err
	}

	return s.orchestrator.Process(ctx, BulkUnlock, ids, func(ctx context.Context, id int) error {
		err := s.locks.Unlock(ctx, caller, id)
		if conflict, ok := AsLockConflict(err); ok && conflict.IsSkip() {
			return skipped(err)
		}
		return err
	}), nil
}

// Delete archives every id. Each archival is isolated, a failed one has
// already rolled back its own copies when it is reported.
func (s *BulkService) Delete(ctx context.Context, caller domain.Principal, ids []int) (*domain.BulkResult, error) {
	ids, err := s.prepare(caller, ids)
	if err != nil {
		return nil, err
	}

	return s.orchestrator.Process(ctx, BulkDelete, ids, func(ctx context.Context, id int) error {
		_, err := s.archives.Archive(ctx, caller, id)
		return err
	}), nil
}

// Create pre-creates empty balises. Ids that already exist are skipped.
func (s *BulkService) Create(ctx context.Context, caller domain.Principal, ids []int) (*domain.BulkResult, error) {
	ids, err := s.prepare(caller, ids)
	if err != nil {
		return nil, err
	}

	created, err := s.uploads.PreCreate(ctx, caller, ids)
	if err != nil {
		return nil, err
	}

	createdSet := make(map[int]struct{}, len(created))
	for _, id := range created {
		createdSet[id] = struct{}{}
	}

	results := make([]domain.BulkItemResult, 0, len(ids))
	for _, id := range ids {
		if _, ok := createdSet[id]; ok {
			results = append(results, domain.BulkItemResult{ID: id, Success: true})
			continue
		}
		results = append(results, domain.BulkItemResult{
			ID:      id,
			Skipped: true,
			Error:   fmt.Sprintf("balise %d already exists", id),
		})
	}

	return s.orchestrator.collect(BulkCreate, uuid.NewString(), results), nil
}

// Upload creates or updates every balise named by the uploaded files. All
// filenames must be valid and every existing balise must be locked by
// caller, otherwise nothing is uploaded.
func (s *BulkService) Upload(ctx context.Context, caller domain.Principal, in BulkUploadInput) (*domain.BulkResult, error) {
	if !caller.CanWrite() {
		return nil, fmt.Errorf("%w: write access required", ErrPermissionDenied)
	}

	groups, ids, err := s.groupFiles(in.Files)
	if err != nil {
		return nil, err
	}
	for id := range in.Descriptions {
		if _, ok := groups[id]; !ok {
			return nil, validationError("description given for balise %d but no file names it", id)
		}
	}

	existing, err := s.store.ListBySecondaryIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range existing {
		if err := CheckWriteAccess(&existing[i], caller.UserID); err != nil {
			return nil, err
		}
	}

	return s.orchestrator.Process(ctx, BulkUpload, ids, func(ctx context.Context, id int) error {
		description := in.Description
		if d, ok := in.Descriptions[id]; ok {
			description = &d
		}

		_, err := s.uploads.UpdateOrCreate(ctx, UpdateOrCreateInput{
			BaliseID:      id,
			Files:         groups[id],
			Description:   description,
			VersionStatus: in.VersionStatus,
			Caller:        caller,
		})
		return err
	}), nil
}

// groupFiles parses every filename and groups the files by balise id.
// The returned ids are sorted.
func (s *BulkService) groupFiles(files []domain.UploadFile) (map[int][]domain.UploadFile, []int, error) {
	if len(files) == 0 {
		return nil, nil, validationError("at least one file is required")
	}

	groups := make(map[int][]domain.UploadFile)
	names := make(map[string]struct{}, len(files))
	for _, file := range files {
		id, err := validateFilename(file.Name, s.idRange)
		if err != nil {
			return nil, nil, err
		}
		if _, ok := names[file.Name]; ok {
			return nil, nil, validationError("file %q is uploaded twice", file.Name)
		}
		names[file.Name] = struct{}{}
		groups[id] = append(groups[id], file)
	}

	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	return groups, ids, nil
}

func (s *BulkService) prepare(caller domain.Principal, ids []int) ([]int, error) {
	if !caller.CanWrite() {
		return nil, fmt.Errorf("%w: write access required", ErrPermissionDenied)
	}
	return NormalizeIDs(ids, s.idRange)
}
