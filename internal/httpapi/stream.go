package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"staffportal.org/internal/obs"
	"staffportal.org/internal/restriction"
)

// handleRestrictionStream serves restriction events for one workspace as
// Server-Sent Events. Each change is an event named after its kind; applied
// and lifted changes are followed by a "notice" event.
func (a *API) handleRestrictionStream(w http.ResponseWriter, r *http.Request, id string) {
	if a.propagator == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	if _, ok := a.authorize(w, r, id); !ok {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	events := make(chan restriction.Event, 8)
	sub, err := a.propagator.Subscribe(ctx, id, func(e restriction.Event) {
		select {
		case events <- e:
		case <-ctx.Done():
		}
	})
	if err != nil {
		obs.Error("restriction subscribe failed", map[string]any{
			"workspace_id": id,
			"request_id":   RequestIDFromContext(r.Context()),
			"error":        err,
		})
		writeError(w, r, http.StatusInternalServerError, "failed to subscribe")
		return
	}
	defer func() {
		cancel()
		sub.Unsubscribe()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Send an initial comment to establish the stream
	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(a.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			return
		case <-heartbeat.C:
			if _, err := w.Write([]byte(": ping\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case e := <-events:
			if err := writeEvent(w, e.Kind.String(), e); err != nil {
				return
			}
			if n, ok := e.Notice(); ok {
				if err := writeEvent(w, "notice", n); err != nil {
					return
				}
			}
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, payload)
	return err
}
