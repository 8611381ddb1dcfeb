package projection

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/user/sandboxd/internal/types"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// feed builds records with sequential cursors from (type, payload) pairs and
// applies them to a fresh engine.
func feed(e *Engine, events ...map[string]any) []types.Record {
	recs := make([]types.Record, 0, len(events))
	for i, body := range events {
		payload, _ := json.Marshal(body)
		rec := types.Record{
			Cursor: int64(i + 1),
			Event: types.Event{
				Source:  types.SourceAgent,
				Type:    body["type"].(string),
				Payload: payload,
				At:      t0.Add(time.Duration(i) * time.Second),
			},
		}
		recs = append(recs, rec)
		e.Apply(rec)
	}
	return recs
}

func msg(role, id, text string) map[string]any {
	m := map[string]any{"role": role, "text": text}
	if id != "" {
		m["id"] = id
	}
	return m
}

func TestEndToEndScenario(t *testing.T) {
	var completed []CompletedTurn
	e := New(func(ct CompletedTurn) { completed = append(completed, ct) })

	feed(e,
		map[string]any{"type": "turn_start"},
		map[string]any{"type": "message_end", "message": msg("user", "", "hi")},
		map[string]any{"type": "tool_execution_start", "toolCallId": "t1", "toolName": "bash"},
		map[string]any{"type": "tool_execution_end", "toolCallId": "t1"},
		map[string]any{"type": "message_end", "message": msg("assistant", "", "done")},
		map[string]any{"type": "turn_end", "stopReason": "endTurn"},
	)

	if len(completed) != 1 {
		t.Fatalf("expected 1 completed turn, got %d", len(completed))
	}
	turn := completed[0].Turn
	if turn.Status != types.TurnCompleted {
		t.Errorf("expected completed, got %s", turn.Status)
	}
	if len(turn.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(turn.ToolCalls))
	}
	tc := turn.ToolCalls[0]
	if tc.ID != "t1" || tc.Status != types.ToolCallDone || tc.ToolName != "bash" {
		t.Errorf("unexpected tool call: %+v", tc)
	}
	if tc.EndedAt == nil {
		t.Error("tool call should have an end time")
	}

	final, ok := findMessage(completed[0].Messages, turn.FinalAssistantMessageID)
	if !ok {
		t.Fatalf("final assistant message %q not in batch", turn.FinalAssistantMessageID)
	}
	if final.Text != "done" || final.Role != types.RoleAssistant {
		t.Errorf("final message should be the assistant 'done', got %+v", final)
	}
	if len(completed[0].Records) != 6 {
		t.Errorf("expected all 6 records in the turn archive, got %d", len(completed[0].Records))
	}
}

func findMessage(msgs []types.Message, id types.MessageID) (types.Message, bool) {
	for _, m := range msgs {
		if m.ID == id {
			return m, true
		}
	}
	return types.Message{}, false
}

func TestToolUseStopReasonKeepsTurnOpen(t *testing.T) {
	var completed int
	e := New(func(CompletedTurn) { completed++ })

	feed(e,
		map[string]any{"type": "turn_start"},
		map[string]any{"type": "message_end", "message": msg("assistant", "", "running a tool")},
		map[string]any{"type": "turn_end", "stopReason": "toolUse"},
	)
	if completed != 0 {
		t.Fatalf("turn_end with stopReason toolUse must not close the turn")
	}
	turns := e.Turns()
	if len(turns) != 1 || turns[0].Status != types.TurnRunning {
		t.Fatalf("turn should still be running: %+v", turns)
	}

	// A plain turn_end right after does close it.
	payload, _ := json.Marshal(map[string]any{"type": "turn_end"})
	e.Apply(types.Record{Cursor: 4, Event: types.Event{Source: types.SourceAgent, Type: "turn_end", Payload: payload, At: t0}})
	if completed != 1 {
		t.Errorf("plain turn_end should close the turn")
	}
}

func TestPendingToolRequestsKeepTurnOpen(t *testing.T) {
	var completed int
	e := New(func(CompletedTurn) { completed++ })

	feed(e,
		map[string]any{"type": "turn_start"},
		map[string]any{"type": "message_end", "message": map[string]any{
			"role": "assistant", "text": "let me check",
			"toolCalls": []map[string]any{{"id": "t9", "toolName": "bash"}},
		}},
		map[string]any{"type": "turn_end", "stopReason": "endTurn"},
	)
	if completed != 0 {
		t.Fatal("unsettled tool requests must keep the turn open")
	}

	feed2 := []map[string]any{
		{"type": "tool_execution_start", "toolCallId": "t9", "toolName": "bash"},
		{"type": "tool_execution_end", "toolCallId": "t9"},
		{"type": "turn_end", "stopReason": "endTurn"},
	}
	for i, body := range feed2 {
		payload, _ := json.Marshal(body)
		e.Apply(types.Record{Cursor: int64(10 + i), Event: types.Event{
			Source: types.SourceAgent, Type: body["type"].(string), Payload: payload, At: t0,
		}})
	}
	if completed != 1 {
		t.Errorf("turn should close once the tool settled, completed=%d", completed)
	}
}

func TestStreamedDeltaMerge(t *testing.T) {
	e := New(nil)
	feed(e,
		map[string]any{"type": "message_start", "message": msg("assistant", "m1", "Hel")},
		map[string]any{"type": "message_update", "message": msg("assistant", "m1", "Hello")},
		map[string]any{"type": "message_update", "message": msg("assistant", "m1", "Hello wor")},
		map[string]any{"type": "message_update", "message": msg("assistant", "m1", "Hello world")},
		map[string]any{"type": "message_end", "message": msg("assistant", "m1", "")},
	)

	msgs := e.Messages()
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one message, got %d", len(msgs))
	}
	if msgs[0].Text != "Hello world" {
		t.Errorf("expected %q, got %q", "Hello world", msgs[0].Text)
	}
	if msgs[0].Status != types.MessageComplete {
		t.Errorf("message_end should mark the message complete, got %s", msgs[0].Status)
	}
}

func TestStaleAndIncrementalDeltas(t *testing.T) {
	e := New(nil)
	feed(e,
		map[string]any{"type": "message_start", "message": msg("assistant", "m1", "Hello world")},
		// Stale cumulative resend: kept, not appended.
		map[string]any{"type": "message_update", "message": msg("assistant", "m1", "Hello")},
		// Incremental-only delta: appended.
		map[string]any{"type": "message_update", "message": msg("assistant", "m1", ", bye")},
	)

	msgs := e.Messages()
	if msgs[0].Text != "Hello world, bye" {
		t.Errorf("got %q", msgs[0].Text)
	}
}

func TestToolCallSingleRecordAndTrace(t *testing.T) {
	e := New(nil)
	feed(e,
		map[string]any{"type": "tool_execution_start", "toolCallId": "t1", "toolName": "bash"},
		map[string]any{"type": "tool_execution_update", "toolCallId": "t1"},
		map[string]any{"type": "tool_execution_update", "toolCallId": "t1"},
		map[string]any{"type": "tool_execution_end", "toolCallId": "t1"},
	)

	turns := e.Turns()
	if len(turns) != 1 {
		t.Fatalf("tool event should implicitly open a turn, got %d turns", len(turns))
	}
	if len(turns[0].ToolCalls) != 1 {
		t.Fatalf("expected exactly one ToolCallRecord, got %d", len(turns[0].ToolCalls))
	}
	if turns[0].ToolCalls[0].Status != types.ToolCallDone {
		t.Errorf("expected done, got %s", turns[0].ToolCalls[0].Status)
	}

	traces := 0
	for _, item := range turns[0].Timeline {
		if item.Kind == "tool" && item.RefID == "t1" {
			traces++
		}
	}
	if traces != 1 {
		t.Errorf("expected exactly one timeline trace for t1, got %d", traces)
	}
}

func TestToolErrorStatus(t *testing.T) {
	e := New(nil)
	feed(e,
		map[string]any{"type": "tool_execution_start", "toolCallId": "t1", "toolName": "bash"},
		map[string]any{"type": "tool_execution_end", "toolCallId": "t1", "error": "exit 1"},
	)
	turns := e.Turns()
	if turns[0].ToolCalls[0].Status != types.ToolCallError {
		t.Errorf("expected error status, got %s", turns[0].ToolCalls[0].Status)
	}
}

func TestSteerDoesNotOpenNewTurn(t *testing.T) {
	e := New(nil)
	feed(e,
		map[string]any{"type": "turn_start"},
		map[string]any{"type": "message_end", "message": msg("user", "", "first")},
		// Steer: user message while the turn is still running.
		map[string]any{"type": "message_end", "message": msg("user", "", "also do this")},
	)

	turns := e.Turns()
	if len(turns) != 1 {
		t.Fatalf("steer must not open a second turn, got %d", len(turns))
	}
	msgs := e.Messages()
	if len(msgs) != 2 {
		t.Fatalf("both user messages should be recorded, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.TurnIndex != 0 {
			t.Errorf("steer message should join turn 0, got %d", m.TurnIndex)
		}
		if m.Cursor == 0 {
			t.Errorf("steer message should keep its own cursor")
		}
	}
}

func TestFollowUpOpensNewTurn(t *testing.T) {
	e := New(nil)
	feed(e,
		map[string]any{"type": "turn_start"},
		map[string]any{"type": "message_end", "message": msg("user", "", "first")},
		map[string]any{"type": "turn_end"},
		// Follow-up: user message after the prior turn terminated.
		map[string]any{"type": "message_end", "message": msg("user", "", "next thing")},
	)

	turns := e.Turns()
	if len(turns) != 2 {
		t.Fatalf("follow-up should open turn 1, got %d turns", len(turns))
	}
	if turns[0].Status != types.TurnCompleted || turns[1].Status != types.TurnRunning {
		t.Errorf("unexpected statuses: %s / %s", turns[0].Status, turns[1].Status)
	}
}

func TestInterruptForceCloses(t *testing.T) {
	var completed []CompletedTurn
	e := New(func(ct CompletedTurn) { completed = append(completed, ct) })

	feed(e,
		map[string]any{"type": "turn_start"},
		map[string]any{"type": "message_start", "message": msg("assistant", "m1", "working on")},
		// Interruption closes even with a tool-use shaped ending.
		map[string]any{"type": "interrupt"},
	)

	if len(completed) != 1 || completed[0].Turn.Status != types.TurnInterrupted {
		t.Fatalf("expected one interrupted turn, got %+v", completed)
	}
	// The still-streaming message is flushed to complete.
	m, ok := findMessage(completed[0].Messages, "m1")
	if !ok || m.Status != types.MessageComplete {
		t.Errorf("streaming message should be flushed to complete: %+v", m)
	}
}

func TestUnknownEventsPassThrough(t *testing.T) {
	var completed []CompletedTurn
	e := New(func(ct CompletedTurn) { completed = append(completed, ct) })

	feed(e,
		map[string]any{"type": "turn_start"},
		map[string]any{"type": "usage_report"},
		map[string]any{"type": "turn_end"},
	)

	if len(e.Turns()) != 1 {
		t.Fatalf("unknown events must not open or affect turns")
	}
	// But they are preserved in the raw archive of the running turn.
	if len(completed) != 1 || len(completed[0].Records) != 3 {
		t.Errorf("expected unknown event in the turn archive")
	}
}

func TestReplayDeterminism(t *testing.T) {
	events := []map[string]any{
		{"type": "turn_start"},
		{"type": "message_end", "message": msg("user", "", "hi")},
		{"type": "message_start", "message": msg("assistant", "m1", "thin")},
		{"type": "message_update", "message": msg("assistant", "m1", "thinking done")},
		{"type": "tool_execution_start", "toolCallId": "t1", "toolName": "read"},
		{"type": "tool_execution_end", "toolCallId": "t1"},
		{"type": "message_end", "message": msg("assistant", "m1", "")},
		{"type": "turn_end", "stopReason": "endTurn"},
		{"type": "message_end", "message": msg("user", "", "follow up")},
		{"type": "interrupt"},
	}

	run := func() ([]types.Turn, []types.Message) {
		e := New(nil)
		feed(e, events...)
		return e.Turns(), e.Messages()
	}

	turns1, msgs1 := run()
	turns2, msgs2 := run()
	if !reflect.DeepEqual(turns1, turns2) {
		t.Errorf("turn state differs between identical replays:\n%+v\n%+v", turns1, turns2)
	}
	if !reflect.DeepEqual(msgs1, msgs2) {
		t.Errorf("message state differs between identical replays:\n%+v\n%+v", msgs1, msgs2)
	}
}

func TestMessageUpsertNoDuplicates(t *testing.T) {
	e := New(nil)
	feed(e,
		map[string]any{"type": "message_end", "message": msg("assistant", "m1", "hello")},
		// Re-delivery of the same id upserts, never duplicates.
		map[string]any{"type": "message_end", "message": msg("assistant", "m1", "hello")},
	)
	if n := len(e.Messages()); n != 1 {
		t.Errorf("expected 1 message after redelivery, got %d", n)
	}
}
