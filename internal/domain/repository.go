package domain

import (
	"context"
	"time"
)

// JobRepository defines persistence for job lifecycle state.
//
// ClaimDue is the lease primitive: it must atomically select due jobs and
// advance their next_poll_at by the lease window so that no two concurrent
// callers can claim the same job within one lease. Every mutation is a
// narrow conditional update keyed on the current status so a job can never
// leave a terminal state.
type JobRepository interface {
	Enqueue(ctx context.Context, job *Job) error
	GetByID(ctx context.Context, jobID string) (*Job, error)

	// SetProviderHandle records the handle returned by a successful start call
	// and makes the job due for polling at pollAt.
	SetProviderHandle(ctx context.Context, jobID, handle string, pollAt time.Time) error

	// ClaimDue selects up to limit non-terminal jobs whose next_poll_at is at
	// or before now and pushes their next_poll_at to now+lease in the same
	// atomic step.
	ClaimDue(ctx context.Context, limit int, now time.Time, lease time.Duration) ([]Job, error)

	// RecordPending stores the outcome of a poll that returned pending: the
	// new attempt count and the backoff-computed next poll time. It also
	// moves a queued job to in_progress.
	RecordPending(ctx context.Context, jobID string, attemptCount int, nextPollAt time.Time) error

	// RecordResultLocator persists the provider's terminal result locator
	// before materialization begins, so a failed finalize can be retried
	// without re-polling the provider.
	RecordResultLocator(ctx context.Context, jobID string, attemptCount int, locator string) error

	// RecordFinalizeFailure bumps the finalize attempt counter and schedules
	// the next finalize retry. The job stays non-terminal.
	RecordFinalizeFailure(ctx context.Context, jobID string, finalizeAttempts int, nextPollAt time.Time, lastErr string) error

	// RecordFailure finalizes the job as failed.
	RecordFailure(ctx context.Context, jobID string, attemptCount int, lastErr string, completedAt time.Time) error
}

// FinalizeStore commits a successful materialization: the catalog entry, the
// artifact refs and the succeeded status land in one logical transaction, or
// not at all. Only the materializer calls this.
type FinalizeStore interface {
	FinalizeSuccess(ctx context.Context, jobID string, entry *CatalogEntry, refs []string, completedAt time.Time) error
}

// CatalogRepository handles persistence for user-visible catalog entries.
type CatalogRepository interface {
	GetByID(ctx context.Context, id string) (*CatalogEntry, error)
	ListVisible(ctx context.Context, limit, offset int) ([]CatalogEntry, error)
	ListByJobID(ctx context.Context, jobID string) ([]CatalogEntry, error)

	// Count returns the number of catalog rows including soft-deleted ones.
	Count(ctx context.Context) (int, error)

	// SoftDelete marks an entry deleted iff it is still visible, returning
	// whether this call performed the delete. The condition keeps a
	// concurrent legitimate re-write from being clobbered.
	SoftDelete(ctx context.Context, id string, now time.Time) (bool, error)
}
