package repo

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

// CatalogRepositoryPG implements domain.CatalogRepository using PostgreSQL.
type CatalogRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository constructs a new catalog repository instance.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepositoryPG {
	return &CatalogRepositoryPG{pool: pool}
}

// GetByID fetches a catalog entry by its identifier.
func (r *CatalogRepositoryPG) GetByID(ctx context.Context, id string) (*domain.CatalogEntry, error) {
	row := r.pool.QueryRow(ctx, `
SELECT id, owner_ref, job_id, primary_key, thumbnail_key, created_at, deleted_at
FROM catalog_entries
WHERE id = $1;
`, id)
	var entry domain.CatalogEntry
	if err := row.Scan(&entry.ID, &entry.OwnerRef, &entry.JobID, &entry.PrimaryKey, &entry.ThumbnailKey, &entry.CreatedAt, &entry.DeletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

// ListVisible returns non-deleted entries ordered by creation time.
func (r *CatalogRepositoryPG) ListVisible(ctx context.Context, limit, offset int) ([]domain.CatalogEntry, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, owner_ref, job_id, primary_key, thumbnail_key, created_at, deleted_at
FROM catalog_entries
WHERE deleted_at IS NULL
ORDER BY created_at ASC, id ASC
LIMIT $1 OFFSET $2;
`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// ListByJobID returns all entries produced by the job, deleted or not.
func (r *CatalogRepositoryPG) ListByJobID(ctx context.Context, jobID string) ([]domain.CatalogEntry, error) {
	rows, err := r.pool.Query(ctx, `
SELECT id, owner_ref, job_id, primary_key, thumbnail_key, created_at, deleted_at
FROM catalog_entries
WHERE job_id = $1
ORDER BY created_at ASC, id ASC;
`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Count returns the number of catalog rows including soft-deleted ones.
func (r *CatalogRepositoryPG) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM catalog_entries;`).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// SoftDelete marks the entry deleted iff it is still visible. The
// deleted_at IS NULL condition keeps a concurrent legitimate re-write from
// being clobbered by a reconciliation pass.
func (r *CatalogRepositoryPG) SoftDelete(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
UPDATE catalog_entries
SET deleted_at = $2
WHERE id = $1 AND deleted_at IS NULL;
`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func scanEntries(rows pgx.Rows) ([]domain.CatalogEntry, error) {
	var entries []domain.CatalogEntry
	for rows.Next() {
		var entry domain.CatalogEntry
		if err := rows.Scan(&entry.ID, &entry.OwnerRef, &entry.JobID, &entry.PrimaryKey, &entry.ThumbnailKey, &entry.CreatedAt, &entry.DeletedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

var _ domain.CatalogRepository = (*CatalogRepositoryPG)(nil)
