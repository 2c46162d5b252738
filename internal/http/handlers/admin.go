package handlers

import "net/http"

// TriggerReconcile runs one reconciliation scan and returns its report.
func (a *App) TriggerReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := a.Recon.Scan(r.Context())
	if err != nil {
		a.Logger.Error().Err(err).Msg("handlers: reconcile scan failed")
		a.error(w, http.StatusInternalServerError, "internal", "reconciliation failed")
		return
	}
	a.json(w, http.StatusOK, report)
}
