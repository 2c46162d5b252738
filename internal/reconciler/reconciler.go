// Package reconciler keeps the catalog consistent with the artifact store.
// A scan walks every visible catalog entry, checks both artifact keys for
// physical existence, and soft-deletes entries whose backing blobs are gone.
// No row is ever physically removed and no lock is held that blocks job
// store writes: every correction is a narrow conditional update.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/notify"
	"server/internal/storage"
)

const scanPageSize = 200

// Reconciler audits catalog entries against the blob store.
type Reconciler struct {
	catalog domain.CatalogRepository
	blobs   storage.BlobStore
	events  notify.Broadcaster
	logger  infra.Logger
	now     func() time.Time
}

// New constructs a Reconciler. clock may be nil for time.Now.
func New(catalog domain.CatalogRepository, blobs storage.BlobStore, events notify.Broadcaster, logger infra.Logger, clock func() time.Time) *Reconciler {
	if clock == nil {
		clock = time.Now
	}
	return &Reconciler{
		catalog: catalog,
		blobs:   blobs,
		events:  events,
		logger:  logger,
		now:     clock,
	}
}

// Scan audits every visible entry once and returns the report. Scanning is
// idempotent: entries soft-deleted by one pass are invisible to the next, so
// a second run with no intervening writes cleans nothing.
func (r *Reconciler) Scan(ctx context.Context) (domain.SyncReport, error) {
	var report domain.SyncReport

	total, err := r.catalog.Count(ctx)
	if err != nil {
		return report, fmt.Errorf("count catalog: %w", err)
	}
	report.TotalRecords = total

	offset := 0
	for {
		entries, err := r.catalog.ListVisible(ctx, scanPageSize, offset)
		if err != nil {
			return report, fmt.Errorf("list catalog page: %w", err)
		}
		if len(entries) == 0 {
			break
		}

		removedThisPage := 0
		for _, entry := range entries {
			ok, err := r.entryIntact(ctx, entry)
			if err != nil {
				return report, err
			}
			if ok {
				report.ValidRecords++
				continue
			}

			report.OrphanedRecords++
			deleted, err := r.catalog.SoftDelete(ctx, entry.ID, r.now())
			if err != nil {
				return report, fmt.Errorf("soft delete entry %s: %w", entry.ID, err)
			}
			// A false return means another pass deleted the entry first;
			// either way the row has left the visible set.
			removedThisPage++
			if deleted {
				report.CleanedRecords++
				r.events.Publish(notify.Event{Kind: notify.KindDeleted, ID: entry.ID})
				r.logger.Info().
					Str("entry_id", entry.ID).
					Str("primary_key", entry.PrimaryKey).
					Str("thumbnail_key", entry.ThumbnailKey).
					Msg("reconciler: soft-deleted orphaned entry")
			}
		}

		// Rows that dropped out of the visible set shift later rows down, so
		// hold the offset back by that many to not skip any.
		offset += len(entries) - removedThisPage
	}

	r.logger.Info().
		Int("total", report.TotalRecords).
		Int("valid", report.ValidRecords).
		Int("orphaned", report.OrphanedRecords).
		Int("cleaned", report.CleanedRecords).
		Msg("reconciler: scan complete")

	return report, nil
}

// RunPeriodic scans on a fixed cadence until the context is canceled.
func (r *Reconciler) RunPeriodic(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Scan(ctx); err != nil {
				r.logger.Error().Err(err).Msg("reconciler: periodic scan failed")
			}
		}
	}
}

func (r *Reconciler) entryIntact(ctx context.Context, entry domain.CatalogEntry) (bool, error) {
	primaryOK, err := r.blobs.Exists(ctx, entry.PrimaryKey)
	if err != nil {
		return false, fmt.Errorf("check primary key %q: %w", entry.PrimaryKey, err)
	}
	if !primaryOK {
		return false, nil
	}
	thumbOK, err := r.blobs.Exists(ctx, entry.ThumbnailKey)
	if err != nil {
		return false, fmt.Errorf("check thumbnail key %q: %w", entry.ThumbnailKey, err)
	}
	return thumbOK, nil
}
