package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// streamInterval is how often the event stream polls the mirror.
var streamInterval = 2 * time.Second

// handleRunStream serves a Server-Sent Events stream of a run's pipeline
// events. It polls the mirror and sends each new event as one JSON message.
// When the run leaves the running state it sends a "done" event.
func (s *Server) handleRunStream(w http.ResponseWriter, r *http.Request, runID string) {
	if s.db == nil {
		http.Error(w, "event mirror disabled", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	lastID := 0
	tick := time.NewTicker(streamInterval)
	defer tick.Stop()

	for {
		ctx := r.Context()
		run, err := s.db.GetRun(ctx, runID)
		if err != nil || run == nil {
			sendDone("run not found")
			return
		}

		events, err := s.db.GetRunEvents(ctx, runID)
		if err != nil {
			sendDone("event query failed")
			return
		}
		for _, e := range events {
			if e.ID <= lastID {
				continue
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "id: %d\ndata: %s\n\n", e.ID, data)
			lastID = e.ID
		}
		flusher.Flush()

		if run.Status != "running" {
			sendDone(run.Status)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
	}
}
