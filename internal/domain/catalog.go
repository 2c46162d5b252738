package domain

import "time"

// CatalogEntry is one user-visible media item backed by artifacts in the blob
// store. Entries are soft-deleted only: DeletedAt marks an entry invisible
// without removing the row.
type CatalogEntry struct {
	ID           string
	OwnerRef     string
	JobID        string
	PrimaryKey   string
	ThumbnailKey string
	CreatedAt    time.Time
	DeletedAt    *time.Time
}

// Visible reports whether the entry should appear in listings.
func (e *CatalogEntry) Visible() bool {
	return e != nil && e.DeletedAt == nil
}

// SyncReport summarizes one reconciliation pass over the catalog.
type SyncReport struct {
	TotalRecords    int `json:"total_records"`
	OrphanedRecords int `json:"orphaned_records"`
	CleanedRecords  int `json:"cleaned_records"`
	ValidRecords    int `json:"valid_records"`
}
