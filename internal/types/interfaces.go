// internal/types/interfaces.go
package types

import (
	"context"
	"encoding/json"
)

// Provider drives one agent subprocess. The lazy supervisor implements the
// same interface so callers never see restarts.
type Provider interface {
	Start(ctx context.Context) error
	Stop() error
	SendPrompt(ctx context.Context, p Prompt) error
	Abort(ctx context.Context) error
	// OnEvent registers a handler for agent activity events. The returned
	// function unsubscribes and is safe to call more than once.
	OnEvent(fn func(Event)) func()
	// State asks the subprocess for its current state over the correlated
	// request/response channel.
	State(ctx context.Context) (json.RawMessage, error)
}

// Factory creates providers for the lazy supervisor. Revision changes when
// the subprocess environment (credentials, working directory) has changed
// enough that the current provider must be replaced.
type Factory interface {
	New(revision int64) (Provider, error)
	Revision() int64
}
