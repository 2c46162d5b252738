package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
)

const jobColumns = `id, owner_ref, job_type, provider, prompt, quantity, aspect_ratio, status,
provider_handle, result_locator, attempt_count, finalize_attempts, next_poll_at, last_error,
queued_at, completed_at, artifact_refs`

// JobRepositoryPG implements domain.JobRepository and domain.FinalizeStore
// on PostgreSQL. Every mutation is a single conditional UPDATE keyed on the
// current status, so a terminal row can never be written again.
type JobRepositoryPG struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(pool *pgxpool.Pool) *JobRepositoryPG {
	return &JobRepositoryPG{pool: pool}
}

// Enqueue inserts a new job record.
func (r *JobRepositoryPG) Enqueue(ctx context.Context, job *domain.Job) error {
	query := `
INSERT INTO jobs (id, owner_ref, job_type, provider, prompt, quantity, aspect_ratio, status,
                  provider_handle, result_locator, attempt_count, finalize_attempts,
                  next_poll_at, last_error, queued_at, artifact_refs)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16);
`
	_, err := r.pool.Exec(ctx, query,
		job.ID,
		job.OwnerRef,
		job.Type,
		job.Provider,
		job.Prompt,
		job.Quantity,
		job.AspectRatio,
		job.Status,
		job.ProviderHandle,
		job.ResultLocator,
		job.AttemptCount,
		job.FinalizeAttempts,
		job.NextPollAt,
		job.LastError,
		job.QueuedAt,
		job.ArtifactRefs,
	)
	return err
}

// GetByID fetches a job by its identifier.
func (r *JobRepositoryPG) GetByID(ctx context.Context, jobID string) (*domain.Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1;`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// SetProviderHandle records the provider's opaque handle after start succeeds
// and pulls next_poll_at forward so the first poll happens promptly. Until the
// handle lands the job carries a next_poll_at past the start deadline, which
// keeps workers from claiming a submission that is still mid-start.
func (r *JobRepositoryPG) SetProviderHandle(ctx context.Context, jobID, handle string, pollAt time.Time) error {
	query := `
UPDATE jobs
SET provider_handle = $2, next_poll_at = $3
WHERE id = $1 AND status IN ('queued', 'in_progress');
`
	tag, err := r.pool.Exec(ctx, query, jobID, handle, pollAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTerminalJob
	}
	return nil
}

// ClaimDue atomically selects due jobs and advances their next_poll_at by the
// lease window. SKIP LOCKED keeps concurrent scheduler instances from
// claiming the same rows.
func (r *JobRepositoryPG) ClaimDue(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]domain.Job, error) {
	query := `
WITH due AS (
    SELECT id
    FROM jobs
    WHERE status IN ('queued', 'in_progress') AND next_poll_at <= $2
    ORDER BY next_poll_at ASC
    FOR UPDATE SKIP LOCKED
    LIMIT $1
)
UPDATE jobs
SET next_poll_at = $3
WHERE id IN (SELECT id FROM due)
RETURNING ` + jobColumns + `;
`
	rows, err := r.pool.Query(ctx, query, limit, now, now.Add(lease))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, nil
}

// RecordPending stores a pending poll outcome and the next due time.
func (r *JobRepositoryPG) RecordPending(ctx context.Context, jobID string, attemptCount int, nextPollAt time.Time) error {
	query := `
UPDATE jobs
SET status = 'in_progress',
    attempt_count = $2,
    next_poll_at = $3
WHERE id = $1 AND status IN ('queued', 'in_progress');
`
	return r.conditionalExec(ctx, query, jobID, attemptCount, nextPollAt)
}

// RecordResultLocator persists the terminal result locator ahead of
// materialization so a failed finalize can retry without re-polling.
func (r *JobRepositoryPG) RecordResultLocator(ctx context.Context, jobID string, attemptCount int, locator string) error {
	query := `
UPDATE jobs
SET status = 'in_progress',
    attempt_count = $2,
    result_locator = $3
WHERE id = $1 AND status IN ('queued', 'in_progress');
`
	return r.conditionalExec(ctx, query, jobID, attemptCount, locator)
}

// RecordFinalizeFailure schedules the next finalize retry.
func (r *JobRepositoryPG) RecordFinalizeFailure(ctx context.Context, jobID string, finalizeAttempts int, nextPollAt time.Time, lastErr string) error {
	query := `
UPDATE jobs
SET finalize_attempts = $2,
    next_poll_at = $3,
    last_error = $4
WHERE id = $1 AND status IN ('queued', 'in_progress');
`
	return r.conditionalExec(ctx, query, jobID, finalizeAttempts, nextPollAt, lastErr)
}

// RecordFailure finalizes the job as failed.
func (r *JobRepositoryPG) RecordFailure(ctx context.Context, jobID string, attemptCount int, lastErr string, completedAt time.Time) error {
	query := `
UPDATE jobs
SET status = 'failed',
    attempt_count = $2,
    last_error = $3,
    completed_at = $4,
    next_poll_at = NULL
WHERE id = $1 AND status IN ('queued', 'in_progress');
`
	return r.conditionalExec(ctx, query, jobID, attemptCount, lastErr, completedAt)
}

// FinalizeSuccess marks the job succeeded and creates its catalog entry in
// one transaction. If either statement fails nothing is committed and the job
// stays non-terminal.
func (r *JobRepositoryPG) FinalizeSuccess(ctx context.Context, jobID string, entry *domain.CatalogEntry, refs []string, completedAt time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
UPDATE jobs
SET status = 'succeeded',
    artifact_refs = $2,
    last_error = '',
    completed_at = $3,
    next_poll_at = NULL
WHERE id = $1 AND status IN ('queued', 'in_progress');
`, jobID, refs, completedAt)
	if err != nil {
		return fmt.Errorf("finalize job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTerminalJob
	}

	if _, err := tx.Exec(ctx, `
INSERT INTO catalog_entries (id, owner_ref, job_id, primary_key, thumbnail_key, created_at)
VALUES ($1, $2, $3, $4, $5, $6);
`, entry.ID, entry.OwnerRef, entry.JobID, entry.PrimaryKey, entry.ThumbnailKey, entry.CreatedAt); err != nil {
		return fmt.Errorf("insert catalog entry: %w", err)
	}

	return tx.Commit(ctx)
}

func (r *JobRepositoryPG) conditionalExec(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrTerminalJob
	}
	return nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var job domain.Job
	if err := row.Scan(
		&job.ID,
		&job.OwnerRef,
		&job.Type,
		&job.Provider,
		&job.Prompt,
		&job.Quantity,
		&job.AspectRatio,
		&job.Status,
		&job.ProviderHandle,
		&job.ResultLocator,
		&job.AttemptCount,
		&job.FinalizeAttempts,
		&job.NextPollAt,
		&job.LastError,
		&job.QueuedAt,
		&job.CompletedAt,
		&job.ArtifactRefs,
	); err != nil {
		return nil, err
	}
	return &job, nil
}

var (
	_ domain.JobRepository = (*JobRepositoryPG)(nil)
	_ domain.FinalizeStore = (*JobRepositoryPG)(nil)
)
