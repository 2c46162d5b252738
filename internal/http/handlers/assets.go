package handlers

import (
	"errors"
	"net/http"
	"path"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"server/internal/domain"
)

const defaultListLimit = 50

type assetView struct {
	ID           string     `json:"id"`
	OwnerRef     string     `json:"owner_ref"`
	JobID        string     `json:"job_id,omitempty"`
	PrimaryKey   string     `json:"primary_key"`
	ThumbnailKey string     `json:"thumbnail_key"`
	CreatedAt    time.Time  `json:"created_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

func toAssetViews(entries []domain.CatalogEntry) []assetView {
	views := make([]assetView, 0, len(entries))
	for _, entry := range entries {
		views = append(views, assetView{
			ID:           entry.ID,
			OwnerRef:     entry.OwnerRef,
			JobID:        entry.JobID,
			PrimaryKey:   entry.PrimaryKey,
			ThumbnailKey: entry.ThumbnailKey,
			CreatedAt:    entry.CreatedAt,
			DeletedAt:    entry.DeletedAt,
		})
	}
	return views
}

// ListAssets returns visible catalog entries, newest last.
func (a *App) ListAssets(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit)
	offset := queryInt(r, "offset", 0)

	entries, err := a.Catalog.ListVisible(r.Context(), limit, offset)
	if err != nil {
		a.Logger.Error().Err(err).Msg("handlers: list assets failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list assets")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"assets": toAssetViews(entries)})
}

// DownloadAsset streams the primary artifact of a visible catalog entry.
func (a *App) DownloadAsset(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	entry, err := a.Catalog.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "asset not found")
			return
		}
		a.error(w, http.StatusInternalServerError, "internal", "failed to load asset")
		return
	}
	if !entry.Visible() {
		a.error(w, http.StatusNotFound, "not_found", "asset not found")
		return
	}

	key := entry.PrimaryKey
	if r.URL.Query().Get("rendition") == "thumbnail" {
		key = entry.ThumbnailKey
	}
	data, err := a.Blobs.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			a.error(w, http.StatusNotFound, "not_found", "artifact missing from store")
			return
		}
		a.Logger.Error().Err(err).Str("key", key).Msg("handlers: read artifact failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to read artifact")
		return
	}

	w.Header().Set("Content-Type", contentTypeForKey(key))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func contentTypeForKey(key string) string {
	switch path.Ext(key) {
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".mp4":
		return "video/mp4"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
