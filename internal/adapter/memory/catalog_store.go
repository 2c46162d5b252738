package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"server/internal/domain"
)

// CatalogStore implements domain.CatalogRepository in memory.
type CatalogStore struct {
	mu      sync.Mutex
	entries map[string]*domain.CatalogEntry
}

// NewCatalogStore constructs an empty CatalogStore.
func NewCatalogStore() *CatalogStore {
	return &CatalogStore{entries: make(map[string]*domain.CatalogEntry)}
}

// insert is called by JobStore.FinalizeSuccess while it holds its own lock;
// CatalogStore has an independent lock so the nesting is safe.
func (s *CatalogStore) insert(entry *domain.CatalogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[entry.ID]; ok {
		return domain.ErrDuplicateOperation
	}
	clone := cloneEntry(entry)
	s.entries[entry.ID] = &clone
	return nil
}

func (s *CatalogStore) GetByID(_ context.Context, id string) (*domain.CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	clone := cloneEntry(entry)
	return &clone, nil
}

func (s *CatalogStore) ListVisible(_ context.Context, limit, offset int) ([]domain.CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var visible []*domain.CatalogEntry
	for _, entry := range s.entries {
		if entry.DeletedAt == nil {
			visible = append(visible, entry)
		}
	}
	sort.Slice(visible, func(i, j int) bool {
		if visible[i].CreatedAt.Equal(visible[j].CreatedAt) {
			return visible[i].ID < visible[j].ID
		}
		return visible[i].CreatedAt.Before(visible[j].CreatedAt)
	})

	if offset > len(visible) {
		offset = len(visible)
	}
	visible = visible[offset:]
	if limit > 0 && len(visible) > limit {
		visible = visible[:limit]
	}

	out := make([]domain.CatalogEntry, 0, len(visible))
	for _, entry := range visible {
		out = append(out, cloneEntry(entry))
	}
	return out, nil
}

func (s *CatalogStore) ListByJobID(_ context.Context, jobID string) ([]domain.CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.CatalogEntry
	for _, entry := range s.entries {
		if entry.JobID == jobID {
			out = append(out, cloneEntry(entry))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *CatalogStore) Count(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries), nil
}

func (s *CatalogStore) SoftDelete(_ context.Context, id string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[id]
	if !ok {
		return false, domain.ErrNotFound
	}
	if entry.DeletedAt != nil {
		return false, nil
	}
	deleted := now
	entry.DeletedAt = &deleted
	return true, nil
}

func cloneEntry(entry *domain.CatalogEntry) domain.CatalogEntry {
	clone := *entry
	if entry.DeletedAt != nil {
		deleted := *entry.DeletedAt
		clone.DeletedAt = &deleted
	}
	return clone
}

var _ domain.CatalogRepository = (*CatalogStore)(nil)
