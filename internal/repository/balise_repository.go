package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"baliseregistry/internal/domain"
)

var (
	// ErrNotFound is returned when no live row matches the requested id
	ErrNotFound = errors.New("record not found")
	// ErrAlreadyExists is returned when inserting a secondary id that is taken
	ErrAlreadyExists = errors.New("record already exists")
	// ErrConditionFailed is returned when a guarded update matched no row
	ErrConditionFailed = errors.New("conditional update matched no row")
)

const uniqueViolation = "23505"

// writeLockClass is the first key of the advisory locks taken on balise ids
const writeLockClass = 0x62616c

const baliseColumns = `secondary_id, version, version_status, description, file_types,
        locked, locked_by, locked_at_version, lock_reason,
        created_by, created_time, deleted_at, deleted_by`

const versionColumns = `id, secondary_id, version, version_status, description, file_types,
        created_by, created_time, version_created_time`

type BaliseRepository struct {
	db *sqlx.DB
}

func NewBaliseRepository(db *sqlx.DB) *BaliseRepository {
	return &BaliseRepository{db: db}
}

// GetBySecondaryID returns the live balise or ErrNotFound
func (r *BaliseRepository) GetBySecondaryID(ctx context.Context, id int) (*domain.Balise, error) {
	var balise domain.Balise
	query := `SELECT ` + baliseColumns + ` FROM balises WHERE secondary_id = $1 AND deleted_at IS NULL`

	err := r.db.GetContext(ctx, &balise, query, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get balise %d: %w", id, err)
	}

	return &balise, nil
}

// List returns every live balise ordered by secondary id
func (r *BaliseRepository) List(ctx context.Context) ([]domain.Balise, error) {
	var balises []domain.Balise
	query := `SELECT ` + baliseColumns + ` FROM balises WHERE deleted_at IS NULL ORDER BY secondary_id`

	if err := r.db.SelectContext(ctx, &balises, query); err != nil {
		return nil, fmt.Errorf("failed to list balises: %w", err)
	}

	return balises, nil
}

// ListBySecondaryIDs returns the live balises among ids. Missing ids are
// silently absent from the result.
func (r *BaliseRepository) ListBySecondaryIDs(ctx context.Context, ids []int) ([]domain.Balise, error) {
	var balises []domain.Balise
	query := `
        SELECT ` + baliseColumns + `
        FROM balises
        WHERE secondary_id = ANY($1) AND deleted_at IS NULL
        ORDER BY secondary_id`

	if err := r.db.SelectContext(ctx, &balises, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to list balises by ids: %w", err)
	}

	return balises, nil
}

// Create inserts a new live balise and fills CreatedTime
func (r *BaliseRepository) Create(ctx context.Context, balise *domain.Balise) error {
	query := `
        INSERT INTO balises (
            secondary_id, version, version_status, description, file_types,
            locked, locked_by, locked_at_version, lock_reason, created_by
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING created_time`

	err := r.db.QueryRowContext(
		ctx,
		query,
		balise.SecondaryID,
		balise.Version,
		balise.VersionStatus,
		balise.Description,
		balise.FileTypes,
		balise.Locked,
		balise.LockedBy,
		balise.LockedAtVersion,
		balise.LockReason,
		balise.CreatedBy,
	).Scan(&balise.CreatedTime)
	if isUniqueViolation(err) {
		return ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("failed to create balise %d: %w", balise.SecondaryID, err)
	}

	return nil
}

// CreateMany pre-creates empty version-0 balises and returns the ids that
// were actually inserted. Ids that already exist are left untouched.
func (r *BaliseRepository) CreateMany(ctx context.Context, ids []int, createdBy string) ([]int, error) {
	query := `
        INSERT INTO balises (secondary_id, version, version_status, description, file_types, created_by)
        SELECT id, 0, 'OFFICIAL', '', '{}', $2
        FROM unnest($1::integer[]) AS id
        ON CONFLICT (secondary_id) DO NOTHING
        RETURNING secondary_id`

	var created []int
	if err := r.db.SelectContext(ctx, &created, query, pq.Array(ids), createdBy); err != nil {
		return nil, fmt.Errorf("failed to pre-create balises: %w", err)
	}

	return created, nil
}

// UpdateDescription changes only the description of the live row. The row
// must still be locked by userID.
func (r *BaliseRepository) UpdateDescription(ctx context.Context, id int, description string, userID string) error {
	query := `
        UPDATE balises
        SET description = $1
        WHERE secondary_id = $2 AND locked_by = $3 AND deleted_at IS NULL`

	result, err := r.db.ExecContext(ctx, query, description, id, userID)
	if err != nil {
		return fmt.Errorf("failed to update description of balise %d: %w", id, err)
	}

	return requireOneRow(result)
}

// AcquireLock locks the balise only if it is currently unlocked. The
// returned bool is false when no row was updated, either because the balise
// does not exist or because it is already locked.
func (r *BaliseRepository) AcquireLock(ctx context.Context, id int, userID string, reason *string) (*domain.Balise, bool, error) {
	var balise domain.Balise
	query := `
        UPDATE balises
        SET locked = TRUE,
            locked_by = $2,
            locked_at_version = version,
            lock_reason = $3
        WHERE secondary_id = $1 AND locked = FALSE AND deleted_at IS NULL
        RETURNING ` + baliseColumns

	err := r.db.GetContext(ctx, &balise, query, id, userID, reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to lock balise %d: %w", id, err)
	}

	return &balise, true, nil
}

// ReleaseLock clears the lock held by owner. Every UNCONFIRMED history row
// and the live row are flipped to OFFICIAL in the same transaction.
func (r *BaliseRepository) ReleaseLock(ctx context.Context, id int, owner string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
        UPDATE balises
        SET locked = FALSE,
            locked_by = NULL,
            locked_at_version = NULL,
            lock_reason = NULL,
            version_status = 'OFFICIAL'
        WHERE secondary_id = $1 AND locked_by = $2 AND deleted_at IS NULL`

	result, err := tx.ExecContext(ctx, query, id, owner)
	if err != nil {
		return fmt.Errorf("failed to unlock balise %d: %w", id, err)
	}
	if err := requireOneRow(result); err != nil {
		return err
	}

	confirmQuery := `
        UPDATE balise_versions
        SET version_status = 'OFFICIAL'
        WHERE secondary_id = $1 AND version_status = 'UNCONFIRMED'`

	if _, err := tx.ExecContext(ctx, confirmQuery, id); err != nil {
		return fmt.Errorf("failed to confirm versions of balise %d: %w", id, err)
	}

	return tx.Commit()
}

// SupersedeVersion replaces the live row by next. When snapshot is set the
// current row is first copied into balise_versions. The update only applies
// if the live row still has current.Version and is locked by the uploader.
// When next is unlocked every UNCONFIRMED history row becomes OFFICIAL, as
// on ReleaseLock.
func (r *BaliseRepository) SupersedeVersion(ctx context.Context, current *domain.Balise, next *domain.Balise, snapshot *domain.BaliseVersion) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if snapshot != nil {
		if err := insertVersion(ctx, tx, snapshot); err != nil {
			return err
		}
	}

	query := `
        UPDATE balises
        SET version = $1,
            version_status = $2,
            description = $3,
            file_types = $4,
            locked = $5,
            locked_by = $6,
            locked_at_version = $7,
            lock_reason = $8,
            created_by = $9,
            created_time = $10
        WHERE secondary_id = $11 AND version = $12 AND locked_by = $13 AND deleted_at IS NULL`

	result, err := tx.ExecContext(
		ctx,
		query,
		next.Version,
		next.VersionStatus,
		next.Description,
		next.FileTypes,
		next.Locked,
		next.LockedBy,
		next.LockedAtVersion,
		next.LockReason,
		next.CreatedBy,
		next.CreatedTime,
		current.SecondaryID,
		current.Version,
		current.Owner(),
	)
	if err != nil {
		return fmt.Errorf("failed to update balise %d: %w", current.SecondaryID, err)
	}
	if err := requireOneRow(result); err != nil {
		return err
	}

	// the lock ends with this version, drafts made under it are confirmed
	if !next.Locked {
		confirmQuery := `
        UPDATE balise_versions
        SET version_status = 'OFFICIAL'
        WHERE secondary_id = $1 AND version_status = 'UNCONFIRMED'`

		if _, err := tx.ExecContext(ctx, confirmQuery, current.SecondaryID); err != nil {
			return fmt.Errorf("failed to confirm versions of balise %d: %w", current.SecondaryID, err)
		}
	}

	return tx.Commit()
}

// AcquireWriteLock blocks until the session advisory lock of id is held.
// Writers keep it while blobs of a new version are written, so no two of
// them ever put to the same version path. The returned func releases the
// lock; if that fails the connection is dropped, which releases it too.
func (r *BaliseRepository) AcquireWriteLock(ctx context.Context, id int) (func(), error) {
	conn, err := r.db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1::int, $2::int)`, writeLockClass, id); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to lock balise %d for writing: %w", id, err)
	}

	return func() {
		_, err := conn.ExecContext(context.Background(), `SELECT pg_advisory_unlock($1::int, $2::int)`, writeLockClass, id)
		if err != nil {
			conn.Raw(func(any) error { return driver.ErrBadConn })
		}
		conn.Close()
	}, nil
}

// ListVersions returns every history row of a balise, newest first
func (r *BaliseRepository) ListVersions(ctx context.Context, id int) ([]domain.BaliseVersion, error) {
	var versions []domain.BaliseVersion
	query := `
        SELECT ` + versionColumns + `
        FROM balise_versions
        WHERE secondary_id = $1
        ORDER BY version DESC`

	if err := r.db.SelectContext(ctx, &versions, query, id); err != nil {
		return nil, fmt.Errorf("failed to list versions of balise %d: %w", id, err)
	}

	return versions, nil
}

// GetVersion returns one history row or ErrNotFound
func (r *BaliseRepository) GetVersion(ctx context.Context, id int, version int) (*domain.BaliseVersion, error) {
	var v domain.BaliseVersion
	query := `SELECT ` + versionColumns + ` FROM balise_versions WHERE secondary_id = $1 AND version = $2`

	err := r.db.GetContext(ctx, &v, query, id, version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get version %d of balise %d: %w", version, id, err)
	}

	return &v, nil
}

// LatestOfficialVersions returns, in a single query, the newest OFFICIAL
// history row of each id. Version 0 never qualifies.
func (r *BaliseRepository) LatestOfficialVersions(ctx context.Context, ids []int) (map[int]domain.BaliseVersion, error) {
	result := make(map[int]domain.BaliseVersion, len(ids))
	if len(ids) == 0 {
		return result, nil
	}

	var versions []domain.BaliseVersion
	query := `
        SELECT DISTINCT ON (secondary_id) ` + versionColumns + `
        FROM balise_versions
        WHERE secondary_id = ANY($1) AND version_status = 'OFFICIAL' AND version > 0
        ORDER BY secondary_id, version DESC`

	if err := r.db.SelectContext(ctx, &versions, query, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("failed to get latest official versions: %w", err)
	}

	for _, v := range versions {
		result[v.SecondaryID] = v
	}

	return result, nil
}

func insertVersion(ctx context.Context, tx *sqlx.Tx, v *domain.BaliseVersion) error {
	query := `
        INSERT INTO balise_versions (
            secondary_id, version, version_status, description, file_types,
            created_by, created_time, version_created_time
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id`

	err := tx.QueryRowContext(
		ctx,
		query,
		v.SecondaryID,
		v.Version,
		v.VersionStatus,
		v.Description,
		v.FileTypes,
		v.CreatedBy,
		v.CreatedTime,
		v.VersionCreatedTime,
	).Scan(&v.ID)
	if isUniqueViolation(err) {
		return ErrConditionFailed
	}
	if err != nil {
		return fmt.Errorf("failed to create version %d of balise %d: %w", v.Version, v.SecondaryID, err)
	}

	return nil
}

func requireOneRow(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rowsAffected == 0 {
		return ErrConditionFailed
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
