// internal/agent/supervisor.go
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/user/sandboxd/internal/types"
)

// Supervisor defers subprocess creation and transparently replaces the
// provider when the factory's revision changes. External subscribers
// registered on the supervisor are rewired onto each new provider, so
// long-lived consumers never notice restarts.
//
// All externally observable calls serialize through one mutex: provider
// recreation must be single-flight.
type Supervisor struct {
	mu       sync.Mutex
	factory  types.Factory
	provider types.Provider
	revision int64
	started  bool
	ctx      context.Context
	handlers map[int]func(types.Event)
	unsubs   map[int]func()
	nextID   int
}

// NewSupervisor wraps a factory. No subprocess is created until the first
// externally observable call.
func NewSupervisor(f types.Factory) *Supervisor {
	return &Supervisor{
		factory:  f,
		handlers: make(map[int]func(types.Event)),
		unsubs:   make(map[int]func()),
	}
}

// ensure recreates the provider if none exists or the revision moved.
// Caller must hold s.mu.
func (s *Supervisor) ensure() (types.Provider, error) {
	rev := s.factory.Revision()
	if s.provider != nil && rev == s.revision {
		return s.provider, nil
	}

	if s.provider != nil {
		for id, unsub := range s.unsubs {
			unsub()
			delete(s.unsubs, id)
		}
		if err := s.provider.Stop(); err != nil {
			slog.Warn("stop previous provider", "error", err)
		}
		slog.Info("replacing agent provider", "old_revision", s.revision, "new_revision", rev)
	}

	p, err := s.factory.New(rev)
	if err != nil {
		s.provider = nil
		s.emitError(fmt.Errorf("create provider: %w", err))
		return nil, fmt.Errorf("create provider: %w", err)
	}
	s.provider = p
	s.revision = rev

	for id, fn := range s.handlers {
		s.unsubs[id] = p.OnEvent(fn)
	}

	if s.started {
		ctx := s.ctx
		if ctx == nil {
			ctx = context.Background()
		}
		if err := p.Start(ctx); err != nil {
			s.emitError(fmt.Errorf("start provider: %w", err))
			return nil, fmt.Errorf("start provider: %w", err)
		}
	}
	return p, nil
}

// emitError surfaces a supervisor-level failure as a daemon error event.
// Caller must hold s.mu.
func (s *Supervisor) emitError(err error) {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	ev := types.Event{
		Source:  types.SourceDaemon,
		Type:    "error",
		Payload: payload,
		At:      time.Now().UTC(),
	}
	for _, fn := range s.handlers {
		fn(ev)
	}
}

// Start marks the supervisor started and starts the current provider if one
// already exists. It does not force a provider into existence: creation
// stays deferred until the first call that needs one.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx = ctx
	s.started = true
	if s.provider != nil {
		return s.provider.Start(ctx)
	}
	return nil
}

func (s *Supervisor) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.started = false
	for id, unsub := range s.unsubs {
		unsub()
		delete(s.unsubs, id)
	}
	if s.provider == nil {
		return nil
	}
	err := s.provider.Stop()
	s.provider = nil
	return err
}

func (s *Supervisor) SendPrompt(ctx context.Context, p types.Prompt) error {
	s.mu.Lock()
	provider, err := s.ensure()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return provider.SendPrompt(ctx, p)
}

func (s *Supervisor) Abort(ctx context.Context) error {
	s.mu.Lock()
	provider, err := s.ensure()
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return provider.Abort(ctx)
}

func (s *Supervisor) State(ctx context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	provider, err := s.ensure()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return provider.State(ctx)
}

// OnEvent registers a handler that survives provider restarts. Registration
// alone does not force a provider into existence.
func (s *Supervisor) OnEvent(fn func(types.Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.handlers[id] = fn
	if s.provider != nil {
		s.unsubs[id] = s.provider.OnEvent(fn)
	}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.handlers, id)
			if unsub, ok := s.unsubs[id]; ok {
				unsub()
				delete(s.unsubs, id)
			}
			s.mu.Unlock()
		})
	}
}
