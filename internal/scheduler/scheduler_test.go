package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/adapter/memory"
	"server/internal/domain"
	"server/internal/materializer"
	"server/internal/notify"
	"server/internal/provider"
	"server/internal/storage"
)

// scriptedAdapter replays a fixed sequence of poll results and serves one
// payload for every locator.
type scriptedAdapter struct {
	mu      sync.Mutex
	results []pollStep
	polls   int
	fetches int
	payload provider.Payload
}

type pollStep struct {
	result provider.PollResult
	err    error
}

func (a *scriptedAdapter) Name() string { return "scripted" }

func (a *scriptedAdapter) Start(context.Context, provider.StartRequest) (provider.Handle, error) {
	return "scripted-handle", nil
}

func (a *scriptedAdapter) Poll(context.Context, provider.Handle) (provider.PollResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.polls >= len(a.results) {
		return provider.PollResult{}, errors.New("no scripted result left")
	}
	step := a.results[a.polls]
	a.polls++
	return step.result, step.err
}

func (a *scriptedAdapter) Fetch(context.Context, string) (provider.Payload, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fetches++
	return a.payload, nil
}

// flakyBlobStore fails the first n Put calls, then delegates.
type flakyBlobStore struct {
	storage.BlobStore
	mu       sync.Mutex
	failures int
}

func (s *flakyBlobStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return "", errors.New("transient write fault")
	}
	return s.BlobStore.Put(ctx, key, data)
}

type fixture struct {
	jobs    *memory.JobStore
	catalog *memory.CatalogStore
	hub     *notify.Hub
	events  chan notify.Event
	sched   *Scheduler
	clock   *fakeClock
	adapter *scriptedAdapter
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, adapter *scriptedAdapter, blobs storage.BlobStore) *fixture {
	t.Helper()
	catalog := memory.NewCatalogStore()
	jobs := memory.NewJobStore(catalog)
	if blobs == nil {
		fileStore, err := storage.NewFileStore(t.TempDir())
		if err != nil {
			t.Fatalf("NewFileStore: %v", err)
		}
		blobs = fileStore
	}

	registry := provider.NewRegistry("scripted")
	registry.Register(adapter, "scripted")

	clock := &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	hub := notify.NewHub(zerolog.Nop())
	mat := materializer.New(blobs, jobs, zerolog.Nop(), materializer.Options{
		FetchAttempts: 2,
		FetchDelay:    time.Millisecond,
		Clock:         clock.Now,
	})
	sched := New(jobs, registry, mat, hub, zerolog.Nop(), Config{
		ClaimBatch:          10,
		PollTimeout:         time.Second,
		Lease:               time.Minute,
		MaxAttempts:         10,
		MaxFinalizeAttempts: 3,
		FinalizeRetryDelay:  15 * time.Second,
		Clock:               clock.Now,
	})

	return &fixture{
		jobs:    jobs,
		catalog: catalog,
		hub:     hub,
		events:  hub.Subscribe(),
		sched:   sched,
		clock:   clock,
		adapter: adapter,
	}
}

func (f *fixture) enqueue(t *testing.T, id string) {
	t.Helper()
	now := f.clock.Now()
	job := &domain.Job{
		ID:             id,
		OwnerRef:       "owner-1",
		Type:           domain.JobTypeImageGenerate,
		Provider:       "scripted",
		Prompt:         "a quiet harbor",
		Quantity:       1,
		Status:         domain.JobStatusQueued,
		ProviderHandle: "scripted-handle",
		QueuedAt:       now,
		NextPollAt:     &now,
	}
	if err := f.jobs.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

// tick advances the clock far past any backoff delay and runs one batch.
func (f *fixture) tick(t *testing.T) {
	t.Helper()
	if err := f.sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	f.clock.Advance(10 * time.Minute)
}

func (f *fixture) drainEvents() []notify.Event {
	var events []notify.Event
	for {
		select {
		case event := <-f.events:
			events = append(events, event)
			continue
		default:
		}
		return events
	}
}

func pending() pollStep {
	return pollStep{result: provider.PollResult{Outcome: provider.OutcomePending}}
}

func succeeded(locator string) pollStep {
	return pollStep{result: provider.PollResult{Outcome: provider.OutcomeSucceeded, ResultLocator: locator}}
}

func TestPendingPollsThenSuccess(t *testing.T) {
	adapter := &scriptedAdapter{
		results: []pollStep{pending(), pending(), pending(), succeeded("loc-1")},
		payload: provider.Payload{Data: []byte("image"), MIME: "image/png"},
	}
	f := newFixture(t, adapter, nil)
	f.enqueue(t, "job-1")

	for i := 0; i < 3; i++ {
		f.tick(t)
		job, err := f.jobs.GetByID(context.Background(), "job-1")
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if job.Status != domain.JobStatusInProgress {
			t.Fatalf("status after pending poll %d = %s, want in_progress", i+1, job.Status)
		}
		if job.AttemptCount != i+1 {
			t.Fatalf("attempt count = %d, want %d", job.AttemptCount, i+1)
		}
	}

	f.tick(t)

	job, err := f.jobs.GetByID(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("final status = %s, want succeeded", job.Status)
	}
	if job.AttemptCount != 4 {
		t.Fatalf("attempt count = %d, want 4", job.AttemptCount)
	}

	entries, err := f.catalog.ListByJobID(context.Background(), "job-1")
	if err != nil || len(entries) != 1 {
		t.Fatalf("catalog entries = %v (err=%v), want exactly 1", entries, err)
	}

	events := f.drainEvents()
	created, updated := 0, 0
	for _, event := range events {
		switch event.Kind {
		case notify.KindCreated:
			created++
		case notify.KindUpdated:
			updated++
		}
	}
	if created != 1 {
		t.Fatalf("created events = %d, want 1", created)
	}
	if updated != 1 {
		t.Fatalf("updated events = %d, want 1", updated)
	}
}

func TestPermanentPollErrorFailsJob(t *testing.T) {
	adapter := &scriptedAdapter{
		results: []pollStep{{err: &provider.PermanentPollError{Message: "operation expired"}}},
	}
	f := newFixture(t, adapter, nil)
	f.enqueue(t, "job-1")

	f.tick(t)

	job, err := f.jobs.GetByID(context.Background(), "job-1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.AttemptCount != 1 {
		t.Fatalf("attempt count = %d, want 1", job.AttemptCount)
	}
	if job.LastError == "" {
		t.Fatalf("last error not recorded")
	}
	if n, _ := f.catalog.Count(context.Background()); n != 0 {
		t.Fatalf("catalog count = %d, want 0", n)
	}

	events := f.drainEvents()
	if len(events) != 1 || events[0].Kind != notify.KindUpdated {
		t.Fatalf("events = %v, want one updated", events)
	}
}

func TestTransientPollErrorReschedules(t *testing.T) {
	adapter := &scriptedAdapter{
		results: []pollStep{
			{err: &provider.TransientPollError{Err: errors.New("rate limited")}},
			succeeded("loc-1"),
		},
		payload: provider.Payload{Data: []byte("image"), MIME: "image/png"},
	}
	f := newFixture(t, adapter, nil)
	f.enqueue(t, "job-1")

	f.tick(t)
	job, _ := f.jobs.GetByID(context.Background(), "job-1")
	if job.Status != domain.JobStatusInProgress || job.AttemptCount != 1 {
		t.Fatalf("after transient fault: status=%s attempts=%d, want in_progress/1", job.Status, job.AttemptCount)
	}

	f.tick(t)
	job, _ = f.jobs.GetByID(context.Background(), "job-1")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("status after retry = %s, want succeeded", job.Status)
	}
}

func TestMaxAttemptsExhaustedFailsJob(t *testing.T) {
	steps := make([]pollStep, 12)
	for i := range steps {
		steps[i] = pending()
	}
	adapter := &scriptedAdapter{results: steps}
	f := newFixture(t, adapter, nil)
	f.enqueue(t, "job-1")

	for i := 0; i < 10; i++ {
		f.tick(t)
	}

	job, _ := f.jobs.GetByID(context.Background(), "job-1")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed after attempt cap", job.Status)
	}
	if job.LastError != "max poll attempts exceeded" {
		t.Fatalf("last error = %q", job.LastError)
	}
}

func TestFinalizeRetrySkipsProviderPoll(t *testing.T) {
	adapter := &scriptedAdapter{
		results: []pollStep{succeeded("loc-1")},
		payload: provider.Payload{Data: []byte("image"), MIME: "image/png"},
	}
	fileStore, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	flaky := &flakyBlobStore{BlobStore: fileStore, failures: 1}
	f := newFixture(t, adapter, flaky)
	f.enqueue(t, "job-1")

	// First tick: the poll succeeds but the artifact write fails, so the
	// job keeps its result locator and schedules a finalize retry.
	f.tick(t)
	job, _ := f.jobs.GetByID(context.Background(), "job-1")
	if job.Status.Terminal() {
		t.Fatalf("job terminal after failed finalize, status = %s", job.Status)
	}
	if job.ResultLocator != "loc-1" {
		t.Fatalf("result locator = %q, want loc-1", job.ResultLocator)
	}
	if job.FinalizeAttempts != 1 {
		t.Fatalf("finalize attempts = %d, want 1", job.FinalizeAttempts)
	}

	// Second tick: finalize replays without touching the provider again.
	f.tick(t)
	job, _ = f.jobs.GetByID(context.Background(), "job-1")
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("status after finalize retry = %s, want succeeded", job.Status)
	}
	if adapter.polls != 1 {
		t.Fatalf("provider polled %d times, want 1", adapter.polls)
	}
	if entries, _ := f.catalog.ListByJobID(context.Background(), "job-1"); len(entries) != 1 {
		t.Fatalf("catalog entries = %d, want 1", len(entries))
	}
}

func TestFinalizeRetriesExhaustedFailsJob(t *testing.T) {
	adapter := &scriptedAdapter{
		results: []pollStep{succeeded("loc-1")},
		payload: provider.Payload{Data: []byte("image"), MIME: "image/png"},
	}
	fileStore, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	flaky := &flakyBlobStore{BlobStore: fileStore, failures: 100}
	f := newFixture(t, adapter, flaky)
	f.enqueue(t, "job-1")

	// MaxFinalizeAttempts is 3: two retries get recorded, the third failure
	// finalizes the job as failed.
	for i := 0; i < 3; i++ {
		f.tick(t)
	}

	job, _ := f.jobs.GetByID(context.Background(), "job-1")
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed after finalize retries", job.Status)
	}
	if job.LastError != "finalize: artifact write failed" {
		t.Fatalf("last error = %q", job.LastError)
	}
	if n, _ := f.catalog.Count(context.Background()); n != 0 {
		t.Fatalf("catalog count = %d, want 0", n)
	}
}

func enqueueWithoutHandle(t *testing.T, f *fixture, id string) {
	t.Helper()
	now := f.clock.Now()
	job := &domain.Job{
		ID:         id,
		OwnerRef:   "owner-1",
		Type:       domain.JobTypeImageGenerate,
		Provider:   "scripted",
		Prompt:     "x",
		Status:     domain.JobStatusQueued,
		QueuedAt:   now,
		NextPollAt: &now,
	}
	if err := f.jobs.Enqueue(context.Background(), job); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}

func TestJobWithoutHandleWithinGraceReschedules(t *testing.T) {
	adapter := &scriptedAdapter{}
	f := newFixture(t, adapter, nil)
	enqueueWithoutHandle(t, f, "job-1")

	if err := f.sched.Tick(context.Background()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	stored, _ := f.jobs.GetByID(context.Background(), "job-1")
	if stored.Status.Terminal() {
		t.Fatalf("status = %s, want non-terminal within the start grace", stored.Status)
	}
	if stored.NextPollAt == nil || !stored.NextPollAt.Equal(stored.QueuedAt.Add(time.Minute)) {
		t.Fatalf("next_poll_at = %v, want queued_at + start grace", stored.NextPollAt)
	}
	if adapter.polls != 0 {
		t.Fatalf("provider polled for a job without a handle")
	}
}

func TestJobWithoutHandlePastGraceFails(t *testing.T) {
	adapter := &scriptedAdapter{}
	f := newFixture(t, adapter, nil)
	enqueueWithoutHandle(t, f, "job-1")

	f.tick(t)
	f.tick(t)

	stored, _ := f.jobs.GetByID(context.Background(), "job-1")
	if stored.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", stored.Status)
	}
	if stored.LastError != "job has no provider handle" {
		t.Fatalf("last_error = %q", stored.LastError)
	}
	if adapter.polls != 0 {
		t.Fatalf("provider polled for a job without a handle")
	}
}

// cancelingAdapter cancels the tick context from inside its first poll and
// then lingers, so the tick must drain the in-flight poll before returning.
type cancelingAdapter struct {
	scriptedAdapter
	inFlight atomic.Int32
	cancel   context.CancelFunc
}

func (a *cancelingAdapter) Poll(context.Context, provider.Handle) (provider.PollResult, error) {
	a.inFlight.Add(1)
	defer a.inFlight.Add(-1)
	a.cancel()
	time.Sleep(200 * time.Millisecond)
	return provider.PollResult{Outcome: provider.OutcomePending}, nil
}

func TestTickDrainsPollsOnCancel(t *testing.T) {
	adapter := &cancelingAdapter{}
	catalog := memory.NewCatalogStore()
	jobs := memory.NewJobStore(catalog)
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	registry := provider.NewRegistry("scripted")
	registry.Register(adapter, "scripted")
	mat := materializer.New(blobs, jobs, zerolog.Nop(), materializer.Options{})
	sched := New(jobs, registry, mat, notify.NewHub(zerolog.Nop()), zerolog.Nop(), Config{
		ClaimBatch:      10,
		PollConcurrency: 1,
		PollTimeout:     time.Second,
		Lease:           time.Minute,
	})

	now := time.Now()
	for _, id := range []string{"job-1", "job-2"} {
		job := &domain.Job{
			ID:             id,
			OwnerRef:       "owner-1",
			Type:           domain.JobTypeImageGenerate,
			Provider:       "scripted",
			Prompt:         "x",
			Status:         domain.JobStatusQueued,
			ProviderHandle: "scripted-handle",
			QueuedAt:       now,
			NextPollAt:     &now,
		}
		if err := jobs.Enqueue(context.Background(), job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	adapter.cancel = cancel

	if err := sched.Tick(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Tick error = %v, want context.Canceled", err)
	}
	if n := adapter.inFlight.Load(); n != 0 {
		t.Fatalf("in-flight polls after Tick = %d, want 0", n)
	}
}
