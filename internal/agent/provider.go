// internal/agent/provider.go
package agent

import (
	"context"
	"encoding/json"
	"time"

	"github.com/user/sandboxd/internal/types"
)

// ProcessProvider is the real types.Provider: one agent subprocess behind a
// Transport.
type ProcessProvider struct {
	transport *Transport
}

// NewProcessProvider wraps a configured transport.
func NewProcessProvider(t *Transport) *ProcessProvider {
	return &ProcessProvider{transport: t}
}

func (p *ProcessProvider) Start(ctx context.Context) error {
	return p.transport.Start(ctx)
}

func (p *ProcessProvider) Stop() error {
	return p.transport.Stop()
}

// SendPrompt writes a prompt command. Fire-and-forget: the agent answers
// through the event stream, not a correlated response.
func (p *ProcessProvider) SendPrompt(_ context.Context, prompt types.Prompt) error {
	cmd := map[string]any{"type": "prompt", "message": prompt.Message}
	if len(prompt.Images) > 0 {
		cmd["images"] = prompt.Images
	}
	if prompt.StreamingBehavior != "" {
		cmd["streamingBehavior"] = prompt.StreamingBehavior
	}
	return p.transport.Send(cmd)
}

func (p *ProcessProvider) Abort(_ context.Context) error {
	return p.transport.Send(map[string]any{"type": "abort"})
}

func (p *ProcessProvider) State(ctx context.Context) (json.RawMessage, error) {
	return p.transport.SendCommand(ctx, "get_state", nil)
}

// OnEvent adapts raw agent lines into Events. Timestamps are stamped here,
// at the transport boundary; the projection layer only ever reads them.
func (p *ProcessProvider) OnEvent(fn func(types.Event)) func() {
	return p.transport.OnLine(func(eventType string, payload json.RawMessage) {
		fn(types.Event{
			Source:  types.SourceAgent,
			Type:    eventType,
			Payload: payload,
			At:      time.Now().UTC(),
		})
	})
}
