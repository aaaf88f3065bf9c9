package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"baliseregistry/internal/domain"
	"baliseregistry/internal/repository"
	"baliseregistry/internal/service/s3"
)

// BaliseService answers read requests, always through the version resolver
type BaliseService struct {
	store    BaliseStore
	blobs    s3.Storage
	resolver *VersionResolver
	log      *zap.Logger
}

func NewBaliseService(store BaliseStore, blobs s3.Storage, resolver *VersionResolver, log *zap.Logger) *BaliseService {
	return &BaliseService{
		store:    store,
		blobs:    blobs,
		resolver: resolver,
		log:      log.Named("balise"),
	}
}

// Get returns the balise as caller may see it. A non-nil version asks for
// that exact version, which only admins and the lock owner may do.
func (s *BaliseService) Get(ctx context.Context, caller domain.Principal, id int, version *int) (*domain.Balise, error) {
	if !caller.CanRead() {
		return nil, fmt.Errorf("%w: read access required", ErrPermissionDenied)
	}

	b, err := s.getLive(ctx, id)
	if err != nil {
		return nil, err
	}

	if version == nil {
		return s.resolver.Resolve(ctx, caller, b)
	}

	if err := CheckSpecificVersionAccess(caller, b, *version); err != nil {
		return nil, err
	}
	if *version == b.Version {
		return b, nil
	}

	v, err := s.store.GetVersion(ctx, id, *version)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: balise %d has no version %d", ErrVersionNotFound, id, *version)
	}
	if err != nil {
		return nil, err
	}

	merged := mergeOfficialVersion(*b, *v)
	return &merged, nil
}

// List returns every live balise resolved for caller, ordered by id
func (s *BaliseService) List(ctx context.Context, caller domain.Principal) ([]domain.Balise, error) {
	if !caller.CanRead() {
		return nil, fmt.Errorf("%w: read access required", ErrPermissionDenied)
	}

	balises, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}

	return s.resolver.ResolveMany(ctx, caller, balises)
}

// ListVersions returns the history rows of a balise that caller may see
func (s *BaliseService) ListVersions(ctx context.Context, caller domain.Principal, id int) ([]domain.BaliseVersion, error) {
	if !caller.CanRead() {
		return nil, fmt.Errorf("%w: read access required", ErrPermissionDenied)
	}

	b, err := s.getLive(ctx, id)
	if err != nil {
		return nil, err
	}

	versions, err := s.store.ListVersions(ctx, id)
	if err != nil {
		return nil, err
	}

	return FilterHistoryForUser(caller, b, versions), nil
}

// Download streams one file of the version caller is entitled to
func (s *BaliseService) Download(ctx context.Context, caller domain.Principal, id int, version *int, filename string) (s3.Object, error) {
	view, err := s.Get(ctx, caller, id, version)
	if err != nil {
		return nil, err
	}

	if !containsFile(view.FileTypes, filename) {
		return nil, fmt.Errorf("%w: %s in version %d of balise %d", ErrFileNotFound, filename, view.Version, id)
	}

	key := liveBlobKey(id, view.Version, filename)
	obj, err := s.blobs.GetObject(ctx, key)
	if errors.Is(err, s3.ErrObjectNotFound) {
		s.log.Warn("file listed on balise is missing from storage", zap.Int("balise", id), zap.String("key", key))
		return nil, fmt.Errorf("%w: %s", ErrFileNotFound, key)
	}
	if err != nil {
		return nil, err
	}

	return obj, nil
}

func (s *BaliseService) getLive(ctx context.Context, id int) (*domain.Balise, error) {
	b, err := s.store.GetBySecondaryID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: balise %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func containsFile(files []string, name string) bool {
	for _, f := range files {
		if f == name {
			return true
		}
	}
	return false
}
