package reconciler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"server/internal/adapter/memory"
	"server/internal/domain"
	"server/internal/notify"
	"server/internal/storage"
)

func seedCatalog(t *testing.T, jobs *memory.JobStore, blobs storage.BlobStore, n int) []domain.CatalogEntry {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	entries := make([]domain.CatalogEntry, 0, n)
	for i := 0; i < n; i++ {
		jobID := fmt.Sprintf("job-%03d", i)
		job := &domain.Job{
			ID:         jobID,
			OwnerRef:   "owner-1",
			Type:       domain.JobTypeImageGenerate,
			Provider:   "synthetic",
			Prompt:     "x",
			Status:     domain.JobStatusInProgress,
			QueuedAt:   now,
			NextPollAt: &now,
		}
		if err := jobs.Enqueue(ctx, job); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}

		primary, err := blobs.Put(ctx, fmt.Sprintf("generated/images/%s/primary.png", jobID), []byte("p"))
		if err != nil {
			t.Fatalf("Put primary: %v", err)
		}
		thumb, err := blobs.Put(ctx, fmt.Sprintf("generated/images/%s/thumb.png", jobID), []byte("t"))
		if err != nil {
			t.Fatalf("Put thumb: %v", err)
		}

		entry := domain.CatalogEntry{
			ID:           fmt.Sprintf("entry-%03d", i),
			OwnerRef:     "owner-1",
			JobID:        jobID,
			PrimaryKey:   primary,
			ThumbnailKey: thumb,
			CreatedAt:    now,
		}
		if err := jobs.FinalizeSuccess(ctx, jobID, &entry, []string{primary, thumb}, now); err != nil {
			t.Fatalf("FinalizeSuccess: %v", err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func newScanFixture(t *testing.T) (*Reconciler, *memory.CatalogStore, storage.BlobStore, []domain.CatalogEntry, *notify.Hub) {
	t.Helper()
	catalog := memory.NewCatalogStore()
	jobs := memory.NewJobStore(catalog)
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	entries := seedCatalog(t, jobs, blobs, 3)
	hub := notify.NewHub(zerolog.Nop())
	recon := New(catalog, blobs, hub, zerolog.Nop(), nil)
	return recon, catalog, blobs, entries, hub
}

func TestScanAllIntact(t *testing.T) {
	recon, _, _, _, _ := newScanFixture(t)

	report, err := recon.Scan(context.Background())
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	want := domain.SyncReport{TotalRecords: 3, ValidRecords: 3}
	if report != want {
		t.Fatalf("report = %+v, want %+v", report, want)
	}
}

func TestScanSoftDeletesOrphans(t *testing.T) {
	recon, catalog, blobs, entries, hub := newScanFixture(t)
	ctx := context.Background()

	// Losing either artifact orphans the entry: delete the whole pair for
	// one entry and just the thumbnail for another.
	if err := blobs.Delete(ctx, entries[0].PrimaryKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := blobs.Delete(ctx, entries[0].ThumbnailKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := blobs.Delete(ctx, entries[1].ThumbnailKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	events := hub.Subscribe()
	report, err := recon.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	want := domain.SyncReport{TotalRecords: 3, OrphanedRecords: 2, CleanedRecords: 2, ValidRecords: 1}
	if report != want {
		t.Fatalf("report = %+v, want %+v", report, want)
	}

	deleted := 0
	for {
		select {
		case event := <-events:
			if event.Kind != notify.KindDeleted {
				t.Fatalf("event kind = %q, want deleted", event.Kind)
			}
			deleted++
			continue
		default:
		}
		break
	}
	if deleted != 2 {
		t.Fatalf("deleted events = %d, want 2", deleted)
	}

	// Rows survive as soft-deleted: total stays 3, visible drops to 1.
	total, err := catalog.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if total != 3 {
		t.Fatalf("total after scan = %d, want 3", total)
	}
	visible, err := catalog.ListVisible(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListVisible: %v", err)
	}
	if len(visible) != 1 || visible[0].ID != entries[2].ID {
		t.Fatalf("visible = %v, want only %s", visible, entries[2].ID)
	}
}

func TestScanIsIdempotent(t *testing.T) {
	recon, _, blobs, entries, _ := newScanFixture(t)
	ctx := context.Background()

	if err := blobs.Delete(ctx, entries[0].PrimaryKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	first, err := recon.Scan(ctx)
	if err != nil {
		t.Fatalf("first Scan: %v", err)
	}
	if first.CleanedRecords != 1 {
		t.Fatalf("first scan cleaned = %d, want 1", first.CleanedRecords)
	}

	second, err := recon.Scan(ctx)
	if err != nil {
		t.Fatalf("second Scan: %v", err)
	}
	want := domain.SyncReport{TotalRecords: 3, ValidRecords: 2}
	if second != want {
		t.Fatalf("second report = %+v, want %+v", second, want)
	}
}

// pagedCatalog narrows ListVisible pages and lets chosen entries vanish
// between being listed and being soft-deleted, as a concurrent pass would.
type pagedCatalog struct {
	*memory.CatalogStore
	pageSize int
	vanish   map[string]bool
}

func (c *pagedCatalog) ListVisible(ctx context.Context, limit, offset int) ([]domain.CatalogEntry, error) {
	if limit > c.pageSize {
		limit = c.pageSize
	}
	return c.CatalogStore.ListVisible(ctx, limit, offset)
}

func (c *pagedCatalog) SoftDelete(ctx context.Context, id string, now time.Time) (bool, error) {
	if c.vanish[id] {
		delete(c.vanish, id)
		if _, err := c.CatalogStore.SoftDelete(ctx, id, now); err != nil {
			return false, err
		}
	}
	return c.CatalogStore.SoftDelete(ctx, id, now)
}

func TestScanConcurrentDeleteDoesNotSkipEntries(t *testing.T) {
	ctx := context.Background()
	catalog := memory.NewCatalogStore()
	jobs := memory.NewJobStore(catalog)
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	entries := seedCatalog(t, jobs, blobs, 4)

	// The second entry is orphaned, and its row vanishes under the scan
	// before the scan's own soft delete lands.
	if err := blobs.Delete(ctx, entries[1].PrimaryKey); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	paged := &pagedCatalog{
		CatalogStore: catalog,
		pageSize:     2,
		vanish:       map[string]bool{entries[1].ID: true},
	}
	recon := New(paged, blobs, notify.NewHub(zerolog.Nop()), zerolog.Nop(), nil)

	report, err := recon.Scan(ctx)
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if report.ValidRecords != 3 {
		t.Fatalf("valid = %d, want 3 (no visible entry skipped)", report.ValidRecords)
	}
	if report.TotalRecords != 4 || report.OrphanedRecords != 1 || report.CleanedRecords != 0 {
		t.Fatalf("report = %+v", report)
	}
}
