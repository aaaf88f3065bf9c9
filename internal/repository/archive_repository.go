package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"baliseregistry/internal/domain"
)

type ArchiveRepository struct {
	db *sqlx.DB
}

func NewArchiveRepository(db *sqlx.DB) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

// Archive moves a balise and its history into the archive tables in one
// transaction. The live row is only removed while it is still locked by
// owner at archive.Version, otherwise ErrConditionFailed is returned and
// nothing changes.
func (r *ArchiveRepository) Archive(ctx context.Context, archive domain.BaliseArchive, versions []domain.BaliseArchiveVersion, owner string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	archiveQuery := `
        INSERT INTO balise_archives (
            archived_secondary_id, secondary_id, version, version_status, description,
            file_types, created_by, created_time, deleted_at, deleted_by
        )
        VALUES (
            :archived_secondary_id, :secondary_id, :version, :version_status, :description,
            :file_types, :created_by, :created_time, :deleted_at, :deleted_by
        )`

	if _, err := tx.NamedExecContext(ctx, archiveQuery, archive); err != nil {
		return fmt.Errorf("failed to create archive %s: %w", archive.ArchivedSecondaryID, err)
	}

	if len(versions) > 0 {
		versionsQuery := `
            INSERT INTO balise_archive_versions (
                archived_secondary_id, secondary_id, version, version_status, description,
                file_types, created_by, created_time, version_created_time
            )
            VALUES (
                :archived_secondary_id, :secondary_id, :version, :version_status, :description,
                :file_types, :created_by, :created_time, :version_created_time
            )`

		if _, err := tx.NamedExecContext(ctx, versionsQuery, versions); err != nil {
			return fmt.Errorf("failed to create archive versions for %s: %w", archive.ArchivedSecondaryID, err)
		}
	}

	// History goes first, balise_versions references the live row
	if _, err := tx.ExecContext(ctx, `DELETE FROM balise_versions WHERE secondary_id = $1`, archive.SecondaryID); err != nil {
		return fmt.Errorf("failed to delete versions of balise %d: %w", archive.SecondaryID, err)
	}

	result, err := tx.ExecContext(
		ctx,
		`DELETE FROM balises WHERE secondary_id = $1 AND locked_by = $2 AND version = $3`,
		archive.SecondaryID,
		owner,
		archive.Version,
	)
	if err != nil {
		return fmt.Errorf("failed to delete balise %d: %w", archive.SecondaryID, err)
	}
	if err := requireOneRow(result); err != nil {
		return err
	}

	return tx.Commit()
}
