package agent

import (
	"context"
	"testing"

	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/store"
	"github.com/wilbur182/forge-agent/pkg/store/jsonl"
	"github.com/wilbur182/forge-agent/pkg/tools"
	"github.com/wilbur182/forge-agent/pkg/transport"
)

// scriptedStreamer replays one message.Message per call, in order, ignoring
// tctx/opts beyond what a test wants to assert on.
type scriptedStreamer struct {
	responses []message.Message
	calls     int
}

func (s *scriptedStreamer) Stream(ctx context.Context, model string, tctx transport.Context, opts transport.Options, events transport.Sink) (message.Message, error) {
	if s.calls >= len(s.responses) {
		return message.NewAssistantMessage(model, message.StopReasonStop, message.Block{Text: &message.TextBlock{Text: "done"}}), nil
	}
	resp := s.responses[s.calls]
	s.calls++
	return resp, nil
}

func newTestSession(t *testing.T) store.Session {
	t.Helper()
	dir := t.TempDir()
	m, err := jsonl.NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.NewAgent(&store.Agent{ID: "default", Name: "Default"}); err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	sess, err := m.NewSession("default", "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	t.Cleanup(func() { sess.Close() })
	return sess
}

func TestLoop_Prompt_SimpleStop(t *testing.T) {
	sess := newTestSession(t)
	streamer := &scriptedStreamer{responses: []message.Message{
		message.NewAssistantMessage("m", message.StopReasonStop, message.Block{Text: &message.TextBlock{Text: "hi there"}}),
	}}
	loop := &Loop{Session: sess, Streamer: streamer, Model: "m"}

	reason, err := loop.Prompt(context.Background(), message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "hello"}}))
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if reason != FinishStop {
		t.Fatalf("reason = %v, want %v", reason, FinishStop)
	}
	entries := sess.GetEntries()
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
}

func TestLoop_Prompt_DispatchesToolThenStops(t *testing.T) {
	sess := newTestSession(t)
	registry := tools.NewRegistry()
	registry.Register(&tools.ListFilesTool{})

	streamer := &scriptedStreamer{responses: []message.Message{
		message.NewAssistantMessage("m", message.StopReasonToolUse, message.Block{
			ToolCall: &message.ToolCallBlock{ID: "call-1", Name: "ls", Arguments: map[string]any{"path": "."}},
		}),
		message.NewAssistantMessage("m", message.StopReasonStop, message.Block{Text: &message.TextBlock{Text: "done"}}),
	}}
	loop := &Loop{Session: sess, Streamer: streamer, Tools: registry, Model: "m"}

	reason, err := loop.Prompt(context.Background(), message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "list files"}}))
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if reason != FinishStop {
		t.Fatalf("reason = %v, want %v", reason, FinishStop)
	}

	entries := sess.GetEntries()
	// user prompt, assistant tool_use, tool result, assistant stop
	if len(entries) != 4 {
		t.Fatalf("len(entries) = %d, want 4", len(entries))
	}
	if entries[2].Message == nil || entries[2].Message.Kind != message.KindToolResult {
		t.Fatalf("entries[2] = %+v, want a tool_result message", entries[2])
	}
}

func TestLoop_Prompt_DeniedToolCallSkipsExecution(t *testing.T) {
	sess := newTestSession(t)
	registry := tools.NewRegistry()
	registry.Register(&tools.ListFilesTool{})

	streamer := &scriptedStreamer{responses: []message.Message{
		message.NewAssistantMessage("m", message.StopReasonToolUse, message.Block{
			ToolCall: &message.ToolCallBlock{ID: "call-1", Name: "ls", Arguments: map[string]any{"path": "."}},
		}),
		message.NewAssistantMessage("m", message.StopReasonStop, message.Block{Text: &message.TextBlock{Text: "done"}}),
	}}
	loop := &Loop{
		Session:  sess,
		Streamer: streamer,
		Tools:    registry,
		Model:    "m",
		OnApproval: func(call message.ToolCallBlock) bool {
			return false
		},
	}

	if _, err := loop.Prompt(context.Background(), message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "list files"}})); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	entries := sess.GetEntries()
	toolResult := entries[2]
	if toolResult.Message == nil || !toolResult.Message.IsError {
		t.Fatalf("toolResult = %+v, want an error result (denied)", toolResult)
	}
}

func TestLoop_Prompt_SteeringFlushesRemainingCalls(t *testing.T) {
	sess := newTestSession(t)
	registry := tools.NewRegistry()
	registry.Register(&tools.ListFilesTool{})

	streamer := &scriptedStreamer{responses: []message.Message{
		message.NewAssistantMessage("m", message.StopReasonToolUse,
			message.Block{ToolCall: &message.ToolCallBlock{ID: "call-1", Name: "ls", Arguments: map[string]any{"path": "."}}},
			message.Block{ToolCall: &message.ToolCallBlock{ID: "call-2", Name: "ls", Arguments: map[string]any{"path": "."}}},
		),
		message.NewAssistantMessage("m", message.StopReasonStop, message.Block{Text: &message.TextBlock{Text: "done"}}),
	}}
	steeringDelivered := false
	loop := &Loop{
		Session:  sess,
		Streamer: streamer,
		Tools:    registry,
		Model:    "m",
		GetSteeringMessages: func() []message.Message {
			if steeringDelivered {
				return nil
			}
			steeringDelivered = true
			return []message.Message{message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "actually, stop"}})}
		},
	}

	reason, err := loop.Prompt(context.Background(), message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "list files twice"}}))
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if reason != FinishStop {
		t.Fatalf("reason = %v, want %v", reason, FinishStop)
	}

	entries := sess.GetEntries()
	// user prompt, assistant tool_use(2 calls), 2x synthetic error tool result, steering user msg, assistant stop
	if len(entries) != 6 {
		t.Fatalf("len(entries) = %d, want 6: %+v", len(entries), entries)
	}
	for _, idx := range []int{2, 3} {
		if entries[idx].Message == nil || entries[idx].Message.Kind != message.KindToolResult || !entries[idx].Message.IsError {
			t.Fatalf("entries[%d] = %+v, want a synthetic error tool_result", idx, entries[idx])
		}
	}
}

func TestLoop_Continue_FailsWithNoMessages(t *testing.T) {
	sess := newTestSession(t)
	loop := &Loop{Session: sess, Streamer: &scriptedStreamer{}, Model: "m"}

	if _, err := loop.Continue(context.Background()); err != ErrNoMessages {
		t.Fatalf("err = %v, want ErrNoMessages", err)
	}
}

func TestLoop_Continue_FailsWhenLastMessageIsTerminalAssistant(t *testing.T) {
	sess := newTestSession(t)
	if _, err := sess.AppendMessage(message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "hi"}})); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := sess.AppendMessage(message.NewAssistantMessage("m", message.StopReasonStop, message.Block{Text: &message.TextBlock{Text: "hello"}})); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	loop := &Loop{Session: sess, Streamer: &scriptedStreamer{}, Model: "m"}
	if _, err := loop.Continue(context.Background()); err != ErrLastMessageAssistant {
		t.Fatalf("err = %v, want ErrLastMessageAssistant", err)
	}
}

func TestLoop_ContextOverflowReportedAsFinishReason(t *testing.T) {
	sess := newTestSession(t)
	streamer := &scriptedStreamer{responses: []message.Message{
		{Kind: message.KindAssistant, Model: "m", StopReason: message.StopReasonError, ErrorMessage: "400 context_length_exceeded: too many tokens"},
	}}
	loop := &Loop{Session: sess, Streamer: streamer, Model: "m"}

	reason, err := loop.Prompt(context.Background(), message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "hello"}}))
	if err != nil {
		t.Fatalf("Prompt: %v", err)
	}
	if reason != FinishContextOverflow {
		t.Fatalf("reason = %v, want %v", reason, FinishContextOverflow)
	}
}

func TestLoop_Prompt_RejectsReentrantCall(t *testing.T) {
	sess := newTestSession(t)
	loop := &Loop{Session: sess, Streamer: &scriptedStreamer{}, Model: "m"}
	loop.streaming.Store(true)

	if _, err := loop.Prompt(context.Background(), message.NewUserMessage()); err != ErrAlreadyStreaming {
		t.Fatalf("err = %v, want ErrAlreadyStreaming", err)
	}
}
