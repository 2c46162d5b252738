package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// StreamEvents handles GET /v1/events: a server-sent-events stream of change
// notifications. Delivery is best-effort; a client that reconnects re-queries
// the job and asset endpoints for current truth.
func (a *App) StreamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		a.error(w, http.StatusInternalServerError, "internal", "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// An initial comment frame forces headers out so clients know the
	// stream is live before the first event.
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ch := a.Hub.Subscribe()
	defer a.Hub.Unsubscribe(ch)

	for {
		select {
		case event, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: change\ndata: %s\n\n", payload)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
