package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/notify"
	"server/internal/provider"
	"server/internal/reconciler"
	"server/internal/storage"
)

// App is the handler container: every route method hangs off it and pulls
// its collaborators from here.
type App struct {
	Jobs      domain.JobRepository
	Catalog   domain.CatalogRepository
	Providers *provider.Registry
	Blobs     storage.BlobStore
	Recon     *reconciler.Reconciler
	Hub       *notify.Hub
	Logger    infra.Logger

	// Pool is optional; when set the health endpoint pings the database.
	Pool *pgxpool.Pool

	// Clock overrides the time source; nil means time.Now.
	Clock func() time.Time
}

func (a *App) now() time.Time {
	if a.Clock != nil {
		return a.Clock()
	}
	return time.Now()
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error": errCode, "message": message})
}
