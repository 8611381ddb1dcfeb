// internal/projection/engine.go

// Package projection rebuilds semantic conversational turns from the raw
// interleaved agent event stream. The engine is a deterministic state
// machine: replaying the same record sequence always yields identical
// aggregates, because every timestamp it stamps comes from the events
// themselves.
package projection

import (
	"encoding/json"
	"sync"

	"github.com/user/sandboxd/internal/types"
)

// CompletedTurn is handed to the sink when a turn reaches a terminal state.
// It carries value copies: the engine keeps exclusive ownership of the live
// aggregates.
type CompletedTurn struct {
	Turn     types.Turn
	Messages []types.Message
	Records  []types.Record
}

// Engine projects one sandbox's event stream into Turn, Message, and
// ToolCallRecord aggregates. Apply must be called in strict cursor order
// from a single dispatcher; the mutex exists only so snapshot readers on
// other goroutines see consistent state.
type Engine struct {
	mu sync.Mutex

	turns    []*types.Turn
	messages map[types.MessageID]*types.Message
	msgOrder []types.MessageID

	active        *types.Turn
	activeRecords []types.Record
	streamByRole  map[types.Role]types.MessageID
	pendingTools  map[string]bool
	lastAssistant types.MessageID

	onTurn func(CompletedTurn)
}

// New creates an empty engine. onTurn, if non-nil, is invoked synchronously
// each time a turn completes or is interrupted.
func New(onTurn func(CompletedTurn)) *Engine {
	return &Engine{
		messages:     make(map[types.MessageID]*types.Message),
		streamByRole: make(map[types.Role]types.MessageID),
		pendingTools: make(map[string]bool),
		onTurn:       onTurn,
	}
}

// Apply folds one record into the aggregates.
func (e *Engine) Apply(rec types.Record) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ev := decode(rec.Event)

	// Message and tool activity implicitly opens a turn when none is
	// running. turn_end and interruptions never open one, and unknown
	// event types pass through unprojected.
	switch ev.Type {
	case types.EventTurnStart, types.EventMessageStart, types.EventMessageDelta,
		types.EventMessageEnd, types.EventToolStart, types.EventToolUpdate,
		types.EventToolEnd:
		e.ensureTurn(rec)
	}

	// Every record observed while a turn is running belongs to that turn's
	// raw archive, including the one that closes it.
	if e.active != nil {
		e.activeRecords = append(e.activeRecords, rec)
	}

	switch ev.Type {
	case types.EventTurnStart:
		// Turn already opened above; a turn_start during a running turn is
		// a duplicate and changes nothing.

	case types.EventMessageStart:
		m := e.resolveMessage(rec, ev)
		m.Status = types.MessageStreaming
		e.applyMessageBody(m, ev)

	case types.EventMessageDelta:
		m := e.resolveMessage(rec, ev)
		m.Status = types.MessageStreaming
		e.applyMessageBody(m, ev)

	case types.EventMessageEnd:
		m := e.resolveMessage(rec, ev)
		e.applyMessageBody(m, ev)
		m.Status = types.MessageComplete
		e.touchTrace(string(m.ID), string(m.Status))
		delete(e.streamByRole, m.Role)
		if m.Role == types.RoleAssistant {
			e.lastAssistant = m.ID
		}

	case types.EventToolStart:
		e.upsertToolCall(rec, ev, types.ToolCallRunning)

	case types.EventToolUpdate:
		e.upsertToolCall(rec, ev, types.ToolCallRunning)

	case types.EventToolEnd:
		status := types.ToolCallDone
		if ev.Error != "" {
			status = types.ToolCallError
		}
		tc := e.upsertToolCall(rec, ev, status)
		if tc.EndedAt == nil {
			end := rec.Event.At
			tc.EndedAt = &end
		}
		delete(e.pendingTools, string(tc.ID))

	case types.EventTurnEnd:
		if e.active == nil {
			return
		}
		// A turn_end is terminal only when the agent is actually done: a
		// tool-use stop reason, or unsettled tool-call requests on the
		// terminating message, mean it is pausing to run tools and the
		// same turn stays open.
		if types.StopReasonIsToolUse(ev.StopReason) || len(e.pendingTools) > 0 {
			return
		}
		e.closeActive(types.TurnCompleted, rec)

	case types.EventInterrupt:
		if e.active != nil {
			e.closeActive(types.TurnInterrupted, rec)
		}

	case types.EventAgentEnd:
		if e.active != nil {
			e.closeActive(types.TurnCompleted, rec)
		}
	}
}

// ensureTurn opens a turn if none is running. Callers hold e.mu.
func (e *Engine) ensureTurn(rec types.Record) {
	if e.active != nil {
		return
	}
	t := &types.Turn{
		Index:     len(e.turns),
		Status:    types.TurnRunning,
		StartedAt: rec.Event.At,
		ToolCalls: []*types.ToolCallRecord{},
		Timeline:  []types.TraceItem{},
	}
	e.turns = append(e.turns, t)
	e.active = t
}

// resolveMessage finds or creates the message a message event refers to.
// Identity comes from the provider signature when present; otherwise the
// currently streaming message for the role, falling back to a synthesized
// cursor+role id. Callers hold e.mu.
func (e *Engine) resolveMessage(rec types.Record, ev types.AgentEvent) *types.Message {
	role := types.RoleAssistant
	if ev.Message != nil && ev.Message.Role != "" {
		role = ev.Message.Role
	}

	var id types.MessageID
	if ev.Message != nil && ev.Message.ID != "" {
		id = types.MessageID(ev.Message.ID)
	} else if current, ok := e.streamByRole[role]; ok {
		id = current
	} else {
		id = types.SynthMessageID(rec.Cursor, role)
	}

	if m, ok := e.messages[id]; ok {
		return m
	}

	m := &types.Message{
		ID:        id,
		Role:      role,
		Status:    types.MessagePending,
		Cursor:    rec.Cursor,
		TurnIndex: e.active.Index,
	}
	e.messages[id] = m
	e.msgOrder = append(e.msgOrder, id)
	// Later events for the same role without an explicit id attach to this
	// message until it completes.
	e.streamByRole[role] = id

	e.active.Timeline = append(e.active.Timeline, types.TraceItem{
		Kind:   "message",
		RefID:  string(id),
		Label:  string(role),
		Status: string(types.MessagePending),
		At:     rec.Event.At,
	})
	return m
}

// applyMessageBody merges event text into the message, records pending
// tool-call requests, and keeps the timeline entry current. Callers hold
// e.mu.
func (e *Engine) applyMessageBody(m *types.Message, ev types.AgentEvent) {
	text := ev.Text
	var thinking string
	if ev.Message != nil {
		if ev.Message.Text != "" {
			text = ev.Message.Text
		}
		thinking = ev.Message.Thinking
		for _, req := range ev.Message.ToolCalls {
			if req.ID != "" {
				e.pendingTools[req.ID] = true
			}
		}
	}
	if text != "" {
		m.Text = mergeText(m.Text, text)
	}
	if thinking != "" {
		m.Thinking = mergeText(m.Thinking, thinking)
	}
	e.touchTrace(string(m.ID), string(m.Status))
}

// upsertToolCall creates the ToolCallRecord and its single timeline entry on
// first sight of an id, then updates both in place. Status never reverts
// from a settled state. Callers hold e.mu.
func (e *Engine) upsertToolCall(rec types.Record, ev types.AgentEvent, status types.ToolCallStatus) *types.ToolCallRecord {
	id := types.ToolCallID(ev.ToolCallID)
	if id == "" {
		id = types.ToolCallID(types.SynthMessageID(rec.Cursor, types.RoleTool))
	}

	for _, tc := range e.active.ToolCalls {
		if tc.ID == id {
			if tc.Status == types.ToolCallRunning {
				tc.Status = status
			}
			if ev.ToolName != "" {
				tc.ToolName = ev.ToolName
			}
			e.touchTrace(string(id), string(tc.Status))
			return tc
		}
	}

	tc := &types.ToolCallRecord{
		ID:        id,
		ToolName:  ev.ToolName,
		Status:    status,
		Cursor:    rec.Cursor,
		StartedAt: rec.Event.At,
	}
	e.active.ToolCalls = append(e.active.ToolCalls, tc)
	e.active.Timeline = append(e.active.Timeline, types.TraceItem{
		Kind:   "tool",
		RefID:  string(id),
		Label:  ev.ToolName,
		Status: string(status),
		At:     rec.Event.At,
	})
	return tc
}

// touchTrace updates the timeline entry for refID in place. Callers hold
// e.mu.
func (e *Engine) touchTrace(refID, status string) {
	if e.active == nil {
		return
	}
	for i := range e.active.Timeline {
		if e.active.Timeline[i].RefID == refID {
			e.active.Timeline[i].Status = status
			return
		}
	}
}

// closeActive transitions the running turn to a terminal state, flushes
// still-streaming messages, and emits the completed turn. Callers hold e.mu.
func (e *Engine) closeActive(status types.TurnStatus, rec types.Record) {
	t := e.active
	t.Status = status
	end := rec.Event.At
	t.EndedAt = &end
	t.FinalAssistantMessageID = e.lastAssistant

	var msgs []types.Message
	for _, id := range e.msgOrder {
		m := e.messages[id]
		if m.TurnIndex != t.Index {
			continue
		}
		if m.Status == types.MessageStreaming || m.Status == types.MessagePending {
			m.Status = types.MessageComplete
			e.touchTrace(string(m.ID), string(m.Status))
		}
		msgs = append(msgs, *m)
	}

	done := CompletedTurn{
		Turn:     copyTurn(t),
		Messages: msgs,
		Records:  e.activeRecords,
	}

	e.active = nil
	e.activeRecords = nil
	e.streamByRole = make(map[types.Role]types.MessageID)
	e.pendingTools = make(map[string]bool)
	e.lastAssistant = ""

	if e.onTurn != nil {
		e.onTurn(done)
	}
}

// Turns returns deep copies of all turns, for snapshot readers.
func (e *Engine) Turns() []types.Turn {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Turn, len(e.turns))
	for i, t := range e.turns {
		out[i] = copyTurn(t)
	}
	return out
}

// Messages returns copies of all projected messages in first-seen order.
func (e *Engine) Messages() []types.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]types.Message, 0, len(e.msgOrder))
	for _, id := range e.msgOrder {
		out = append(out, *e.messages[id])
	}
	return out
}

func copyTurn(t *types.Turn) types.Turn {
	out := *t
	out.ToolCalls = make([]*types.ToolCallRecord, len(t.ToolCalls))
	for i, tc := range t.ToolCalls {
		c := *tc
		out.ToolCalls[i] = &c
	}
	out.Timeline = append([]types.TraceItem(nil), t.Timeline...)
	if t.EndedAt != nil {
		end := *t.EndedAt
		out.EndedAt = &end
	}
	return out
}

// decode tolerantly parses an event payload into the fields projection
// cares about. Anything unparseable is treated as an unknown event.
func decode(ev types.Event) types.AgentEvent {
	out := types.AgentEvent{Type: ev.Type}
	if len(ev.Payload) == 0 {
		return out
	}
	var parsed types.AgentEvent
	if err := json.Unmarshal(ev.Payload, &parsed); err != nil {
		return out
	}
	parsed.Type = ev.Type
	return parsed
}

// mergeText folds a streamed chunk into accumulated text. Providers are
// inconsistent about cumulative resends versus pure deltas, so: a longer
// chunk that extends the accumulated text replaces it, a chunk the
// accumulated text already starts with is stale and ignored, anything else
// is an incremental delta and appends.
func mergeText(accumulated, chunk string) string {
	if len(chunk) > len(accumulated) && startsWith(chunk, accumulated) {
		return chunk
	}
	if startsWith(accumulated, chunk) {
		return accumulated
	}
	return accumulated + chunk
}

func startsWith(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
