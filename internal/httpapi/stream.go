// internal/httpapi/stream.go
package httpapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/user/sandboxd/internal/types"
)

const subscriberBuffer = 256

// handleEvents serves the resumable event stream. Clients reconnect with
// the last cursor they processed; every record past it is delivered in
// order, then the stream either ends (follow=0) or keeps following live
// appends with idle heartbeats.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	cursor, follow, ok := parseStreamQuery(w, r)
	if !ok {
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	last := cursor
	writeRecord := func(rec types.Record) error {
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\ndata: %s\n\n", rec.Cursor, data); err != nil {
			return err
		}
		flusher.Flush()
		last = rec.Cursor
		return nil
	}

	// Subscribe before replaying so no record falls in the gap; the live
	// channel is drained with a cursor guard to skip replay duplicates.
	var live chan types.Record
	var overflowed atomic.Bool
	var unsubscribe func()
	if follow {
		live = make(chan types.Record, subscriberBuffer)
		unsubscribe = s.log.Subscribe(func(rec types.Record) {
			select {
			case live <- rec:
			default:
				// Slow client: ending its stream is its problem alone.
				overflowed.Store(true)
			}
		})
		defer unsubscribe()
	}

	for _, rec := range s.log.FromCursor(cursor) {
		if err := writeRecord(rec); err != nil {
			return
		}
	}

	if !follow {
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	idle := true

	for {
		select {
		case rec := <-live:
			if overflowed.Load() {
				slog.Warn("event stream client too slow, dropping connection", "cursor", last)
				return
			}
			if rec.Cursor <= last {
				continue
			}
			if err := writeRecord(rec); err != nil {
				return
			}
			idle = false
		case <-ticker.C:
			if idle {
				if _, err := fmt.Fprintf(w, "event: heartbeat\ndata: {\"cursor\":%d}\n\n", last); err != nil {
					return
				}
				flusher.Flush()
			}
			idle = true
		case <-r.Context().Done():
			return
		}
	}
}

func parseStreamQuery(w http.ResponseWriter, r *http.Request) (cursor int64, follow bool, ok bool) {
	if q := r.URL.Query().Get("cursor"); q != "" {
		n, err := strconv.ParseInt(q, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, `{"error":"invalid cursor"}`, http.StatusBadRequest)
			return 0, false, false
		}
		cursor = n
	}
	f := r.URL.Query().Get("follow")
	follow = f == "1" || f == "true"
	return cursor, follow, true
}
