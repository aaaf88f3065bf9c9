package service

import (
	"context"
	"fmt"

	"baliseregistry/internal/domain"
)

// BaliseStore is the persistence the balise services need. It is satisfied
// by *repository.BaliseRepository.
type BaliseStore interface {
	// AcquireWriteLock serializes the writers of id. Blobs of a new version
	// are only put while it is held. The returned func releases it.
	AcquireWriteLock(ctx context.Context, id int) (func(), error)
	GetBySecondaryID(ctx context.Context, id int) (*domain.Balise, error)
	List(ctx context.Context) ([]domain.Balise, error)
	ListBySecondaryIDs(ctx context.Context, ids []int) ([]domain.Balise, error)
	Create(ctx context.Context, balise *domain.Balise) error
	CreateMany(ctx context.Context, ids []int, createdBy string) ([]int, error)
	UpdateDescription(ctx context.Context, id int, description string, userID string) error
	AcquireLock(ctx context.Context, id int, userID string, reason *string) (*domain.Balise, bool, error)
	ReleaseLock(ctx context.Context, id int, owner string) error
	SupersedeVersion(ctx context.Context, current *domain.Balise, next *domain.Balise, snapshot *domain.BaliseVersion) error
	ListVersions(ctx context.Context, id int) ([]domain.BaliseVersion, error)
	GetVersion(ctx context.Context, id int, version int) (*domain.BaliseVersion, error)
	LatestOfficialVersions(ctx context.Context, ids []int) (map[int]domain.BaliseVersion, error)
}

// ArchiveStore commits an archival. It is satisfied by
// *repository.ArchiveRepository.
type ArchiveStore interface {
	Archive(ctx context.Context, archive domain.BaliseArchive, versions []domain.BaliseArchiveVersion, owner string) error
}

// liveBlobKey is the blob path of a file attached to a live version
func liveBlobKey(id, version int, filename string) string {
	return fmt.Sprintf("balise_%d/v%d/%s", id, version, filename)
}

// archiveBlobKey is the blob path of a file after archival
func archiveBlobKey(archivedID string, version int, filename string) string {
	return fmt.Sprintf("archive/%s/v%d/%s", archivedID, version, filename)
}
