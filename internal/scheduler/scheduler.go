// Package scheduler drives the polling lifecycle: on a fixed tick it claims
// due jobs under the store's lease, polls providers under a bounded
// concurrency limit, and routes each outcome back into the job store. The
// store is the single source of truth, so any number of scheduler instances
// can run against the same database.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/materializer"
	"server/internal/notify"
	"server/internal/provider"
)

// Config tunes the scheduler loop.
type Config struct {
	TickInterval        time.Duration
	ClaimBatch          int
	PollConcurrency     int64
	PollTimeout         time.Duration
	Lease               time.Duration
	Backoff             domain.BackoffPolicy
	MaxAttempts         int
	MaxFinalizeAttempts int
	FinalizeRetryDelay  time.Duration

	// StartGrace is how long after QueuedAt a claimed job may still be
	// missing its provider handle before it is treated as an orphaned start.
	StartGrace time.Duration

	// Clock overrides the time source; nil means time.Now.
	Clock func() time.Time
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 2 * time.Second
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = 20
	}
	if c.PollConcurrency <= 0 {
		c.PollConcurrency = 8
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Second
	}
	if c.Lease <= 0 {
		c.Lease = 2 * time.Minute
	}
	if c.Backoff == (domain.BackoffPolicy{}) {
		c.Backoff = domain.DefaultBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 120
	}
	if c.MaxFinalizeAttempts <= 0 {
		c.MaxFinalizeAttempts = 5
	}
	if c.FinalizeRetryDelay <= 0 {
		c.FinalizeRetryDelay = 15 * time.Second
	}
	if c.StartGrace <= 0 {
		c.StartGrace = time.Minute
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// Scheduler polls claimed jobs and applies their outcomes.
type Scheduler struct {
	jobs      domain.JobRepository
	providers *provider.Registry
	mat       *materializer.Materializer
	events    notify.Broadcaster
	logger    infra.Logger
	cfg       Config
	sem       *semaphore.Weighted
}

// New constructs a Scheduler.
func New(jobs domain.JobRepository, providers *provider.Registry, mat *materializer.Materializer, events notify.Broadcaster, logger infra.Logger, cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	return &Scheduler{
		jobs:      jobs,
		providers: providers,
		mat:       mat,
		events:    events,
		logger:    logger,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.PollConcurrency),
	}
}

// Run loops until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info().
		Dur("tick", s.cfg.TickInterval).
		Int("claim_batch", s.cfg.ClaimBatch).
		Int64("poll_concurrency", s.cfg.PollConcurrency).
		Msg("scheduler: started")

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("scheduler: stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("scheduler: tick failed")
			}
		}
	}
}

// Tick claims one batch of due jobs and processes them concurrently under the
// poll semaphore, returning once the whole batch has been handled. Each poll
// carries its own timeout so one stuck provider call cannot starve the rest.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.cfg.Clock()
	claimed, err := s.jobs.ClaimDue(ctx, s.cfg.ClaimBatch, now, s.cfg.Lease)
	if err != nil {
		return fmt.Errorf("claim due jobs: %w", err)
	}
	if len(claimed) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	for _, job := range claimed {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			// Polls already launched for this batch must drain before the
			// tick reports back, or they would outlive Run on cancellation.
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(job domain.Job) {
			defer s.sem.Release(1)
			defer wg.Done()
			s.process(ctx, job)
		}(job)
	}
	wg.Wait()
	return nil
}

func (s *Scheduler) process(ctx context.Context, job domain.Job) {
	adapter, resolved := s.providers.Select(job.Provider)
	if adapter == nil {
		s.fail(ctx, job.ID, job.AttemptCount, fmt.Sprintf("provider %q not configured", job.Provider))
		return
	}

	// A job that already holds a terminal result locator is on the finalize
	// retry path: the provider outcome is settled, only the artifact side
	// needs to be replayed.
	if job.ResultLocator != "" {
		s.finalize(ctx, job, adapter, job.ResultLocator)
		return
	}

	// An empty handle means the submitting process has not recorded the
	// provider's reply yet. Within the start grace the job is checked back
	// later instead of failed; past it the start is considered orphaned.
	if job.ProviderHandle == "" {
		if s.cfg.Clock().Sub(job.QueuedAt) < s.cfg.StartGrace {
			next := job.QueuedAt.Add(s.cfg.StartGrace)
			if err := s.jobs.RecordPending(ctx, job.ID, job.AttemptCount, next); err != nil {
				s.logger.Error().Err(err).Str("job_id", job.ID).Msg("scheduler: record pending failed")
			}
			return
		}
		s.fail(ctx, job.ID, job.AttemptCount, "job has no provider handle")
		return
	}

	attempt := job.AttemptCount + 1
	pollCtx, cancel := context.WithTimeout(ctx, s.cfg.PollTimeout)
	result, err := adapter.Poll(pollCtx, provider.Handle(job.ProviderHandle))
	cancel()

	if err != nil {
		if provider.IsPermanent(err) {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Str("provider", resolved).Msg("scheduler: permanent poll failure")
			s.fail(ctx, job.ID, attempt, "generation no longer available at provider")
			return
		}
		// Timeouts and unclassified faults are treated as transient.
		s.logger.Warn().Err(err).Str("job_id", job.ID).Str("provider", resolved).Int("attempt", attempt).Msg("scheduler: transient poll failure")
		s.reschedule(ctx, job.ID, attempt)
		return
	}

	switch result.Outcome {
	case provider.OutcomePending:
		s.reschedule(ctx, job.ID, attempt)
	case provider.OutcomeFailed:
		s.logger.Info().Str("job_id", job.ID).Str("provider", resolved).Str("reason", result.Message).Msg("scheduler: job failed at provider")
		s.fail(ctx, job.ID, attempt, shortMessage(result.Message))
	case provider.OutcomeSucceeded:
		if err := s.jobs.RecordResultLocator(ctx, job.ID, attempt, result.ResultLocator); err != nil {
			s.logger.Error().Err(err).Str("job_id", job.ID).Msg("scheduler: record result locator failed")
			return
		}
		job.AttemptCount = attempt
		s.finalize(ctx, job, adapter, result.ResultLocator)
	default:
		s.fail(ctx, job.ID, attempt, fmt.Sprintf("unknown poll outcome %q", result.Outcome))
	}
}

// reschedule records a pending attempt, enforcing the attempt cap.
func (s *Scheduler) reschedule(ctx context.Context, jobID string, attempt int) {
	if attempt >= s.cfg.MaxAttempts {
		s.fail(ctx, jobID, attempt, "max poll attempts exceeded")
		return
	}
	next := s.cfg.Clock().Add(s.cfg.Backoff.Delay(attempt))
	if err := s.jobs.RecordPending(ctx, jobID, attempt, next); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("scheduler: record pending failed")
	}
}

func (s *Scheduler) finalize(ctx context.Context, job domain.Job, adapter provider.Adapter, locator string) {
	entry, err := s.mat.Finalize(ctx, &job, adapter, locator)
	if err == nil {
		s.events.Publish(notify.Event{Kind: notify.KindCreated, ID: entry.ID})
		s.events.Publish(notify.Event{Kind: notify.KindUpdated, ID: job.ID})
		return
	}

	var fe *materializer.FinalizeError
	if errors.As(err, &fe) && fe.Permanent {
		s.logger.Error().Err(err).Str("job_id", job.ID).Msg("scheduler: finalize failed permanently")
		s.fail(ctx, job.ID, job.AttemptCount, "finalize: result payload unavailable")
		return
	}

	attempts := job.FinalizeAttempts + 1
	if attempts >= s.cfg.MaxFinalizeAttempts {
		s.logger.Error().Err(err).Str("job_id", job.ID).Int("finalize_attempts", attempts).Msg("scheduler: finalize retries exhausted")
		s.fail(ctx, job.ID, job.AttemptCount, "finalize: artifact write failed")
		return
	}
	s.logger.Warn().Err(err).Str("job_id", job.ID).Int("finalize_attempts", attempts).Msg("scheduler: finalize failed, scheduling retry")
	next := s.cfg.Clock().Add(s.cfg.FinalizeRetryDelay)
	if recErr := s.jobs.RecordFinalizeFailure(ctx, job.ID, attempts, next, "finalize: "+shortMessage(err.Error())); recErr != nil {
		s.logger.Error().Err(recErr).Str("job_id", job.ID).Msg("scheduler: record finalize failure failed")
	}
}

func (s *Scheduler) fail(ctx context.Context, jobID string, attempt int, message string) {
	if err := s.jobs.RecordFailure(ctx, jobID, attempt, shortMessage(message), s.cfg.Clock()); err != nil {
		s.logger.Error().Err(err).Str("job_id", jobID).Msg("scheduler: record failure failed")
		return
	}
	s.events.Publish(notify.Event{Kind: notify.KindUpdated, ID: jobID})
}

// shortMessage keeps user-visible failure text short and free of provider
// internals; the full detail is already logged.
func shortMessage(message string) string {
	const limit = 200
	if len(message) > limit {
		return message[:limit]
	}
	return message
}
