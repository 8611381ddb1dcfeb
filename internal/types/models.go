// internal/types/models.go
package types

import (
	"encoding/json"
	"time"
)

// Source identifies where an event originated.
type Source string

const (
	SourceDaemon Source = "daemon"
	SourceAgent  Source = "agent"
)

// Event is one entry in the sandbox event stream. Payload is kept opaque so
// unknown event types survive the log and persistence untouched.
type Event struct {
	Source  Source          `json:"source"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	At      time.Time       `json:"at"`
}

// Record is an Event after the log has assigned it a cursor. Cursors start
// at 1 and are strictly increasing for the lifetime of one log instance.
type Record struct {
	Cursor int64 `json:"cursor"`
	Event  Event `json:"event"`
}

// Role is the speaker of a Message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// MessageStatus tracks a message through streaming delivery.
type MessageStatus string

const (
	MessagePending   MessageStatus = "pending"
	MessageStreaming MessageStatus = "streaming"
	MessageComplete  MessageStatus = "complete"
	MessageError     MessageStatus = "error"
)

// Message is a projected conversational message. Identity comes from the
// provider's signature when it supplies one, otherwise it is synthesized
// from the cursor of the first event plus the role. Re-delivery of the same
// id upserts in place.
type Message struct {
	ID        MessageID     `json:"id"`
	Role      Role          `json:"role"`
	Text      string        `json:"text"`
	Thinking  string        `json:"thinking,omitempty"`
	Status    MessageStatus `json:"status"`
	Cursor    int64         `json:"cursor,omitempty"`
	TurnIndex int           `json:"turnIndex"`
}

// TurnStatus is the lifecycle state of a Turn.
type TurnStatus string

const (
	TurnRunning     TurnStatus = "running"
	TurnCompleted   TurnStatus = "completed"
	TurnInterrupted TurnStatus = "interrupted"
)

// ToolCallStatus tracks a tool call from start to settlement. It only moves
// forward: running to done, or running to error.
type ToolCallStatus string

const (
	ToolCallRunning ToolCallStatus = "running"
	ToolCallDone    ToolCallStatus = "done"
	ToolCallError   ToolCallStatus = "error"
)

// ToolCallRecord is one tool invocation inside a turn.
type ToolCallRecord struct {
	ID        ToolCallID     `json:"id"`
	ToolName  string         `json:"toolName"`
	Status    ToolCallStatus `json:"status"`
	Cursor    int64          `json:"cursor"`
	StartedAt time.Time      `json:"startedAt"`
	EndedAt   *time.Time     `json:"endedAt,omitempty"`
}

// TraceItem is one entry in a turn's rendering timeline. Tool entries are
// created once per tool-call id and updated in place as the call settles.
type TraceItem struct {
	Kind   string    `json:"kind"`
	RefID  string    `json:"refId"`
	Label  string    `json:"label,omitempty"`
	Status string    `json:"status,omitempty"`
	At     time.Time `json:"at"`
}

// Turn is one human-visible unit of agent work: a prompt, zero or more
// tool-use rounds, and a terminal response. EndedAt is set at most once, on
// the transition to a terminal status.
type Turn struct {
	Index                   int               `json:"index"`
	Status                  TurnStatus        `json:"status"`
	StartedAt               time.Time         `json:"startedAt"`
	EndedAt                 *time.Time        `json:"endedAt,omitempty"`
	ToolCalls               []*ToolCallRecord `json:"toolCalls"`
	Timeline                []TraceItem       `json:"timeline"`
	FinalAssistantMessageID MessageID         `json:"finalAssistantMessageId,omitempty"`
}

// Prompt is an outbound user prompt for the agent subprocess.
type Prompt struct {
	Message           string   `json:"message"`
	Images            []string `json:"images,omitempty"`
	StreamingBehavior string   `json:"streamingBehavior,omitempty"`
}

// Streaming behaviors for prompts sent while a turn may still be running.
const (
	BehaviorSteer    = "steer"
	BehaviorFollowUp = "followUp"
)

// AgentEvent is the decoded view of an inbound agent line. Only the fields
// turn projection cares about are named; everything else stays in the raw
// payload.
type AgentEvent struct {
	Type       string       `json:"type"`
	Message    *WireMessage `json:"message,omitempty"`
	Text       string       `json:"text,omitempty"`
	ToolName   string       `json:"toolName,omitempty"`
	ToolCallID string       `json:"toolCallId,omitempty"`
	StopReason string       `json:"stopReason,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// WireMessage is the message body carried by message_* agent events.
type WireMessage struct {
	ID        string            `json:"id,omitempty"`
	Role      Role              `json:"role"`
	Text      string            `json:"text,omitempty"`
	Thinking  string            `json:"thinking,omitempty"`
	ToolCalls []WireToolRequest `json:"toolCalls,omitempty"`
}

// WireToolRequest is a pending tool-call request attached to an assistant
// message. Its presence on a turn-ending message means the agent intends to
// keep working.
type WireToolRequest struct {
	ID       string `json:"id"`
	ToolName string `json:"toolName"`
}

// Event type discriminators used by the subprocess protocol.
const (
	EventTurnStart    = "turn_start"
	EventTurnEnd      = "turn_end"
	EventMessageStart = "message_start"
	EventMessageDelta = "message_update"
	EventMessageEnd   = "message_end"
	EventToolStart    = "tool_execution_start"
	EventToolUpdate   = "tool_execution_update"
	EventToolEnd      = "tool_execution_end"
	EventAgentEnd     = "agent_end"
	EventInterrupt    = "interrupt"
	EventResponse     = "response"
)

// Stop reasons that keep a turn open across a turn_end event.
func StopReasonIsToolUse(reason string) bool {
	return reason == "toolUse" || reason == "tool_use"
}
