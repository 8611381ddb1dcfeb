// internal/httpapi/server.go

// Package httpapi is the daemon's HTTP surface: the resumable event stream,
// a websocket mirror of it, and the prompt/abort/state endpoints the UI
// drives the agent with. Authentication and routing beyond this one sandbox
// live in front of the daemon, not here.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/user/sandboxd/internal/eventlog"
	"github.com/user/sandboxd/internal/projection"
	"github.com/user/sandboxd/internal/types"
)

// Server routes requests for one sandbox daemon.
type Server struct {
	log       *eventlog.Log
	engine    *projection.Engine
	provider  types.Provider
	heartbeat time.Duration
	mux       *http.ServeMux
}

// NewServer wires the daemon surface. heartbeat is the idle interval for
// stream keepalives.
func NewServer(log *eventlog.Log, engine *projection.Engine, provider types.Provider, heartbeat time.Duration) *Server {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	s := &Server{
		log:       log,
		engine:    engine,
		provider:  provider,
		heartbeat: heartbeat,
		mux:       http.NewServeMux(),
	}
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /events", s.handleEvents)
	s.mux.HandleFunc("GET /events/ws", s.handleEventsWS)
	s.mux.HandleFunc("GET /state", s.handleState)
	s.mux.HandleFunc("GET /agent/state", s.handleAgentState)
	s.mux.HandleFunc("POST /prompt", s.handlePrompt)
	s.mux.HandleFunc("POST /abort", s.handleAbort)
	return s
}

// ServeHTTP delegates to the internal mux, implementing http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// promptRequest is the JSON body for POST /prompt.
type promptRequest struct {
	Message           string   `json:"message"`
	Images            []string `json:"images,omitempty"`
	StreamingBehavior string   `json:"streamingBehavior,omitempty"`
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	var req promptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}
	if req.Message == "" {
		http.Error(w, `{"error":"message is required"}`, http.StatusBadRequest)
		return
	}

	err := s.provider.SendPrompt(r.Context(), types.Prompt{
		Message:           req.Message,
		Images:            req.Images,
		StreamingBehavior: req.StreamingBehavior,
	})
	if err != nil {
		slog.Error("send prompt failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	// Audit copy in the event stream; projection ignores the type.
	payload, _ := json.Marshal(req)
	rec := s.log.Append(types.Event{
		Source:  types.SourceDaemon,
		Type:    "prompt",
		Payload: payload,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"cursor": rec.Cursor})
}

func (s *Server) handleAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.provider.Abort(r.Context()); err != nil {
		slog.Error("abort failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}

	// The interruption event force-closes the active turn in projection.
	rec := s.log.Append(types.Event{
		Source: types.SourceDaemon,
		Type:   types.EventInterrupt,
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"cursor": rec.Cursor})
}

// stateResponse is a projection snapshot for UI boot.
type stateResponse struct {
	LastCursor int64           `json:"lastCursor"`
	Turns      []types.Turn    `json:"turns"`
	Messages   []types.Message `json:"messages"`
}

// handleAgentState asks the subprocess itself over the correlated
// request/response channel. Note this forces the lazy provider into
// existence.
func (s *Server) handleAgentState(w http.ResponseWriter, r *http.Request) {
	data, err := s.provider.State(r.Context())
	if err != nil {
		slog.Error("agent state failed", "error", err)
		http.Error(w, `{"error":"agent unavailable"}`, http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	resp := stateResponse{
		LastCursor: s.log.LastCursor(),
		Turns:      s.engine.Turns(),
		Messages:   s.engine.Messages(),
	}
	if resp.Turns == nil {
		resp.Turns = []types.Turn{}
	}
	if resp.Messages == nil {
		resp.Messages = []types.Message{}
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
