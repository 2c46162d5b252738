// Package memory provides mutex-guarded in-memory implementations of the
// domain repositories. They back tests and single-node development runs where
// no database is configured; the Postgres implementations in adapter/repo are
// the production path.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"server/internal/domain"
)

// JobStore implements domain.JobRepository and domain.FinalizeStore in memory.
type JobStore struct {
	mu      sync.Mutex
	jobs    map[string]*domain.Job
	catalog *CatalogStore
}

// NewJobStore constructs an empty JobStore. The catalog store is required so
// FinalizeSuccess can create the catalog entry in the same critical section
// as the status flip.
func NewJobStore(catalog *CatalogStore) *JobStore {
	return &JobStore{
		jobs:    make(map[string]*domain.Job),
		catalog: catalog,
	}
}

func (s *JobStore) Enqueue(_ context.Context, job *domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return domain.ErrDuplicateOperation
	}
	clone := cloneJob(job)
	s.jobs[job.ID] = &clone
	return nil
}

func (s *JobStore) GetByID(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := cloneJob(job)
	return &clone, nil
}

func (s *JobStore) SetProviderHandle(_ context.Context, jobID, handle string, pollAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return domain.ErrTerminalJob
	}
	job.ProviderHandle = handle
	next := pollAt
	job.NextPollAt = &next
	return nil
}

// ClaimDue selects due non-terminal jobs ordered by next_poll_at and advances
// their next_poll_at by the lease window inside the same critical section, so
// concurrent callers can never claim the same job within one lease.
func (s *JobStore) ClaimDue(_ context.Context, limit int, now time.Time, lease time.Duration) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.Job
	for _, job := range s.jobs {
		if job.Status.Terminal() || job.NextPollAt == nil {
			continue
		}
		if job.NextPollAt.After(now) {
			continue
		}
		due = append(due, job)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NextPollAt.Equal(*due[j].NextPollAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].NextPollAt.Before(*due[j].NextPollAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]domain.Job, 0, len(due))
	for _, job := range due {
		leased := now.Add(lease)
		job.NextPollAt = &leased
		claimed = append(claimed, cloneJob(job))
	}
	return claimed, nil
}

func (s *JobStore) RecordPending(_ context.Context, jobID string, attemptCount int, nextPollAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return domain.ErrTerminalJob
	}
	job.Status = domain.JobStatusInProgress
	job.AttemptCount = attemptCount
	next := nextPollAt
	job.NextPollAt = &next
	return nil
}

func (s *JobStore) RecordResultLocator(_ context.Context, jobID string, attemptCount int, locator string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return domain.ErrTerminalJob
	}
	job.Status = domain.JobStatusInProgress
	job.AttemptCount = attemptCount
	job.ResultLocator = locator
	return nil
}

func (s *JobStore) RecordFinalizeFailure(_ context.Context, jobID string, finalizeAttempts int, nextPollAt time.Time, lastErr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return domain.ErrTerminalJob
	}
	job.FinalizeAttempts = finalizeAttempts
	job.LastError = lastErr
	next := nextPollAt
	job.NextPollAt = &next
	return nil
}

func (s *JobStore) RecordFailure(_ context.Context, jobID string, attemptCount int, lastErr string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return domain.ErrTerminalJob
	}
	job.Status = domain.JobStatusFailed
	job.AttemptCount = attemptCount
	job.LastError = lastErr
	done := completedAt
	job.CompletedAt = &done
	job.NextPollAt = nil
	return nil
}

// FinalizeSuccess commits the succeeded status, the artifact refs and the
// catalog entry as one atomic step.
func (s *JobStore) FinalizeSuccess(_ context.Context, jobID string, entry *domain.CatalogEntry, refs []string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return domain.ErrTerminalJob
	}
	if err := s.catalog.insert(entry); err != nil {
		return err
	}
	job.Status = domain.JobStatusSucceeded
	job.ArtifactRefs = append([]string(nil), refs...)
	job.LastError = ""
	done := completedAt
	job.CompletedAt = &done
	job.NextPollAt = nil
	return nil
}

func cloneJob(job *domain.Job) domain.Job {
	clone := *job
	if job.NextPollAt != nil {
		next := *job.NextPollAt
		clone.NextPollAt = &next
	}
	if job.CompletedAt != nil {
		done := *job.CompletedAt
		clone.CompletedAt = &done
	}
	clone.ArtifactRefs = append([]string(nil), job.ArtifactRefs...)
	return clone
}

var (
	_ domain.JobRepository = (*JobStore)(nil)
	_ domain.FinalizeStore = (*JobStore)(nil)
)
