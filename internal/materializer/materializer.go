// Package materializer turns a terminal provider result into persisted
// artifacts and a catalog entry. It is the only component allowed to move a
// job from in_progress to succeeded, and it does so atomically with the
// catalog insert: a partial artifact write leaves the job non-terminal so the
// finalize retry path can run again.
package materializer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/provider"
	"server/internal/storage"
)

// FinalizeError wraps a materialization failure. Permanent failures (result
// payload unfetchable after bounded retries) finalize the job as failed;
// everything else is retried on the finalize path.
type FinalizeError struct {
	Permanent bool
	Err       error
}

func (e *FinalizeError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("finalize: %v", e.Err)
	}
	return fmt.Sprintf("finalize (retryable): %v", e.Err)
}

func (e *FinalizeError) Unwrap() error { return e.Err }

// Options tunes the materializer.
type Options struct {
	// FetchAttempts bounds retries of the provider result fetch. This is a
	// short inner loop, distinct from the polling backoff.
	FetchAttempts int
	FetchDelay    time.Duration
	Clock         func() time.Time
}

// Materializer fetches terminal payloads, derives renditions and commits the
// success transaction.
type Materializer struct {
	blobs         storage.BlobStore
	store         domain.FinalizeStore
	logger        infra.Logger
	fetchAttempts int
	fetchDelay    time.Duration
	now           func() time.Time
}

// New constructs a Materializer.
func New(blobs storage.BlobStore, store domain.FinalizeStore, logger infra.Logger, opts Options) *Materializer {
	attempts := opts.FetchAttempts
	if attempts <= 0 {
		attempts = 3
	}
	delay := opts.FetchDelay
	if delay <= 0 {
		delay = time.Second
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	return &Materializer{
		blobs:         blobs,
		store:         store,
		logger:        logger,
		fetchAttempts: attempts,
		fetchDelay:    delay,
		now:           now,
	}
}

// Finalize runs the full materialization for one succeeded poll outcome:
// fetch the payload, derive the thumbnail, write both artifacts, then commit
// the catalog entry and the succeeded status in one transaction. The returned
// entry is nil when an error is returned.
func (m *Materializer) Finalize(ctx context.Context, job *domain.Job, adapter provider.Adapter, locator string) (*domain.CatalogEntry, error) {
	payload, err := m.fetchPayload(ctx, adapter, locator)
	if err != nil {
		return nil, &FinalizeError{Permanent: true, Err: fmt.Errorf("fetch result: %w", err)}
	}

	thumb, err := DeriveThumbnail(payload, job.ID)
	if err != nil {
		return nil, &FinalizeError{Permanent: true, Err: fmt.Errorf("derive thumbnail: %w", err)}
	}

	primaryKey, thumbKey := artifactKeys(job, payload.MIME)

	savedPrimary, err := m.blobs.Put(ctx, primaryKey, payload.Data)
	if err != nil {
		return nil, &FinalizeError{Err: fmt.Errorf("write primary artifact: %w", err)}
	}
	savedThumb, err := m.blobs.Put(ctx, thumbKey, thumb)
	if err != nil {
		return nil, &FinalizeError{Err: fmt.Errorf("write thumbnail artifact: %w", err)}
	}

	entry := &domain.CatalogEntry{
		ID:           uuid.NewString(),
		OwnerRef:     job.OwnerRef,
		JobID:        job.ID,
		PrimaryKey:   savedPrimary,
		ThumbnailKey: savedThumb,
		CreatedAt:    m.now(),
	}
	refs := []string{savedPrimary, savedThumb}

	if err := m.store.FinalizeSuccess(ctx, job.ID, entry, refs, m.now()); err != nil {
		return nil, &FinalizeError{Err: fmt.Errorf("commit success: %w", err)}
	}

	m.logger.Info().
		Str("job_id", job.ID).
		Str("primary_key", savedPrimary).
		Str("thumbnail_key", savedThumb).
		Msg("materializer: job finalized")

	return entry, nil
}

func (m *Materializer) fetchPayload(ctx context.Context, adapter provider.Adapter, locator string) (provider.Payload, error) {
	var lastErr error
	for attempt := 1; attempt <= m.fetchAttempts; attempt++ {
		payload, err := adapter.Fetch(ctx, locator)
		if err == nil {
			if len(payload.Data) == 0 {
				return provider.Payload{}, fmt.Errorf("empty result payload for locator %q", locator)
			}
			return payload, nil
		}
		lastErr = err
		m.logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Str("locator", locator).
			Msg("materializer: fetch attempt failed")
		if attempt < m.fetchAttempts {
			select {
			case <-ctx.Done():
				return provider.Payload{}, ctx.Err()
			case <-time.After(m.fetchDelay):
			}
		}
	}
	return provider.Payload{}, fmt.Errorf("exhausted %d fetch attempts: %w", m.fetchAttempts, lastErr)
}

// artifactKeys derives stable, collision-free storage keys from the job id.
func artifactKeys(job *domain.Job, mime string) (string, string) {
	category := "images"
	if job.Type == domain.JobTypeVideoGenerate {
		category = "videos"
	}
	ext := extensionForMIME(mime)
	if ext == "" {
		ext = ".bin"
	}
	primary := fmt.Sprintf("generated/%s/%s/primary%s", category, job.ID, ext)
	thumb := fmt.Sprintf("generated/%s/%s/thumb.png", category, job.ID)
	return primary, thumb
}

func extensionForMIME(mime string) string {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return ".png"
	case "image/jpeg", "image/jpg":
		return ".jpg"
	case "video/mp4":
		return ".mp4"
	case "text/plain":
		return ".txt"
	default:
		return ""
	}
}
