package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"baliseregistry/internal/domain"
	"baliseregistry/internal/metrics"
	"baliseregistry/internal/repository"
	"baliseregistry/internal/service/s3"
)

// ArchiveService deletes balises by moving them, history and files
// included, into the archive. The phases always run in the order
// copy, commit, cleanup.
type ArchiveService struct {
	store    BaliseStore
	archives ArchiveStore
	blobs    s3.Storage
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

func NewArchiveService(store BaliseStore, archives ArchiveStore, blobs s3.Storage, log *zap.Logger, m *metrics.Metrics) *ArchiveService {
	return &ArchiveService{
		store:    store,
		archives: archives,
		blobs:    blobs,
		log:      log.Named("archive"),
		metrics:  m,
		now:      time.Now,
	}
}

// archivedFile is one blob to move, identified by version and filename
type archivedFile struct {
	version  int
	filename string
}

// Archive moves balise id into the archive. The caller must hold its lock.
//
// A failed copy leaves the live balise untouched and removes the archive
// copies already made. A failed commit leaves both the live data and the
// archive copies in place. Live blobs that cannot be removed after the
// commit are reported in OrphanedBlobs.
func (s *ArchiveService) Archive(ctx context.Context, caller domain.Principal, id int) (*domain.ArchiveResult, error) {
	if !caller.CanWrite() {
		return nil, fmt.Errorf("%w: write access required to delete balise %d", ErrPermissionDenied, id)
	}

	// held until cleanup, a new balise reusing id must not put blobs under
	// the live paths this archival is about to remove
	release, err := s.store.AcquireWriteLock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer release()

	b, err := s.store.GetBySecondaryID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: balise %d", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	if err := CheckWriteAccess(b, caller.UserID); err != nil {
		return nil, err
	}

	history, err := s.store.ListVersions(ctx, id)
	if err != nil {
		return nil, err
	}

	now := s.now()
	archivedID := fmt.Sprintf("%d_%d", id, now.UnixMilli())
	files := collectFiles(b, history)

	log := s.log.With(zap.Int("balise", id), zap.String("archived_id", archivedID))

	// Phase 1: copy
	transfers := s.copyTransfers(id, archivedID, files)
	copied, err := runTransfers(ctx, transfers)
	if err != nil {
		s.metrics.RecordArchiveFailure(metrics.PhaseCopy)
		log.Error("archive copy failed, live data untouched", zap.Error(err))
		// a cancelled copy may still have landed, so every destination goes
		if _, cleanupErr := deleteBlobs(context.WithoutCancel(ctx), s.blobs, transferKeys(transfers)); cleanupErr != nil {
			log.Warn("failed to remove partial archive copies", zap.Error(cleanupErr))
		}
		return nil, ArchiveError.Wrap(fmt.Errorf("%w: balise %d: %v", ErrArchiveCopy, id, err))
	}

	// Phase 2: commit
	archive := domain.NewBaliseArchive(archivedID, b, caller.UserID, now)
	archiveVersions := make([]domain.BaliseArchiveVersion, 0, len(history))
	for _, v := range history {
		archiveVersions = append(archiveVersions, domain.NewBaliseArchiveVersion(archivedID, v))
	}

	err = s.archives.Archive(ctx, archive, archiveVersions, caller.UserID)
	if err != nil {
		s.metrics.RecordArchiveFailure(metrics.PhaseCommit)
		log.Error("archive commit failed, live data and archive copies kept", zap.Error(err))
		if errors.Is(err, repository.ErrConditionFailed) {
			return nil, fmt.Errorf("balise %d changed during archival: %w", id, ErrConcurrentModification)
		}
		return nil, ArchiveError.Wrap(err)
	}

	// Phase 3: cleanup, never fatal
	liveKeys := make([]string, 0, len(files))
	for _, f := range files {
		liveKeys = append(liveKeys, liveBlobKey(id, f.version, f.filename))
	}
	orphaned, err := deleteBlobs(context.WithoutCancel(ctx), s.blobs, liveKeys)
	if err != nil {
		s.metrics.RecordArchiveFailure(metrics.PhaseCleanup)
		s.metrics.RecordOrphanedBlobs(len(orphaned))
		log.Warn("live files left behind after archival", zap.Strings("keys", orphaned), zap.Error(err))
	}

	log.Info("balise archived",
		zap.String("user", caller.UserID),
		zap.Int("versions", len(history)),
		zap.Int("files", len(copied)),
	)

	return &domain.ArchiveResult{
		SecondaryID:         id,
		ArchivedSecondaryID: archivedID,
		ArchivedVersions:    len(history),
		CopiedBlobs:         len(copied),
		OrphanedBlobs:       orphaned,
	}, nil
}

func (s *ArchiveService) copyTransfers(id int, archivedID string, files []archivedFile) []blobTransfer {
	transfers := make([]blobTransfer, 0, len(files))
	for _, f := range files {
		src := liveBlobKey(id, f.version, f.filename)
		dst := archiveBlobKey(archivedID, f.version, f.filename)
		transfers = append(transfers, blobTransfer{
			Key: dst,
			Run: func(ctx context.Context) error {
				return s.blobs.CopyObject(ctx, src, dst)
			},
		})
	}
	return transfers
}

// collectFiles lists every (version, filename) pair of the live row and its
// history. Each version is taken once, the live row wins.
func collectFiles(b *domain.Balise, history []domain.BaliseVersion) []archivedFile {
	seen := make(map[int]struct{}, len(history)+1)
	var files []archivedFile

	add := func(version int, names []string) {
		if _, ok := seen[version]; ok {
			return
		}
		seen[version] = struct{}{}
		for _, name := range names {
			files = append(files, archivedFile{version: version, filename: name})
		}
	}

	add(b.Version, b.FileTypes)
	for _, v := range history {
		add(v.Version, v.FileTypes)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].version != files[j].version {
			return files[i].version < files[j].version
		}
		return files[i].filename < files[j].filename
	})
	return files
}
