package handlers

import (
	"context"
	"net/http"
	"time"
)

// Health reports liveness, pinging the database when one is configured.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"status": "ok"}
	if a.Pool != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := a.Pool.Ping(ctx); err != nil {
			status["status"] = "degraded"
			status["database"] = "unreachable"
			a.json(w, http.StatusServiceUnavailable, status)
			return
		}
		status["database"] = "ok"
	}
	a.json(w, http.StatusOK, status)
}
