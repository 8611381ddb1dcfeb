package httpapi

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/user/sandboxd/internal/types"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The daemon serves exactly one sandbox on localhost; origin checks
	// belong to the fronting proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// wsHeartbeat is the idle keepalive frame; records go out as plain Record
// JSON so both stream flavors share one client decoder.
type wsHeartbeat struct {
	Heartbeat bool  `json:"heartbeat"`
	Cursor    int64 `json:"cursor"`
}

// handleEventsWS serves the same replay+follow contract as the SSE stream
// over a websocket, for clients that cannot hold an event-stream response
// open.
func (s *Server) handleEventsWS(w http.ResponseWriter, r *http.Request) {
	cursor, follow, ok := parseStreamQuery(w, r)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reader goroutine: we never expect inbound frames, but reading is how
	// gorilla surfaces the close handshake.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	last := cursor
	writeRecord := func(rec types.Record) error {
		if err := conn.WriteJSON(rec); err != nil {
			return err
		}
		last = rec.Cursor
		return nil
	}

	var live chan types.Record
	var overflowed atomic.Bool
	if follow {
		live = make(chan types.Record, subscriberBuffer)
		unsubscribe := s.log.Subscribe(func(rec types.Record) {
			select {
			case live <- rec:
			default:
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
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return
	}

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	idle := true

	for {
		select {
		case rec := <-live:
			if overflowed.Load() {
				slog.Warn("websocket client too slow, dropping connection", "cursor", last)
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
				if err := conn.WriteJSON(wsHeartbeat{Heartbeat: true, Cursor: last}); err != nil {
					return
				}
			}
			idle = true
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}
