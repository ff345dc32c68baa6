// Package agent implements the turn engine driving a single session: one
// model call, classify its stop reason, dispatch any tool calls it made,
// and decide whether another turn is needed, generalized from
// operative/pkg/controller/controller.go's step/callModel/executeTool
// dispatch-on-last-entry-role switch into spec.md §4.5's synchronous
// IDLE -> TURN_START -> STREAMING -> TOOL_DISPATCH|TERMINAL state machine.
// operative drives this as an async pub/sub loop reacting to store writes;
// Loop instead drives it as one blocking call per turn, since forge has no
// separate store-subscriber process to hand control back to.
package agent

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/store"
	"github.com/wilbur182/forge-agent/pkg/tools"
	"github.com/wilbur182/forge-agent/pkg/transport"
)

// FinishReason reports why Run stopped driving turns.
type FinishReason string

const (
	FinishStop            FinishReason = "stop"
	FinishAborted         FinishReason = "aborted"
	FinishContextOverflow FinishReason = "context_overflow"
	FinishError           FinishReason = "error"
)

// Errors returned by Continue's preconditions, per spec.md §4.5.
var (
	ErrNoMessages           = errors.New("agent: session has no messages to continue from")
	ErrLastMessageAssistant = errors.New("agent: last message is already a terminal assistant turn; use follow-up instead")
	ErrAlreadyStreaming     = errors.New("agent: loop is already streaming a turn")
)

// EventSink receives the agent_start/turn_start/message_*/tool_execution_*/
// turn_end/agent_end events spec.md §4.5 names, in the order that section
// guarantees. No pack repo emits this exact event set — operative publishes
// raw store entries instead — so this interface is new, shaped like the
// teacher's other small single-purpose injected capabilities (one method
// per event, no shared envelope type).
type EventSink interface {
	AgentStart()
	TurnStart()
	MessageStart()
	MessageUpdate(partial message.Message)
	MessageEnd(msg message.Message)
	ToolExecutionStart(call message.ToolCallBlock)
	ToolExecutionEnd(result message.Message)
	TurnEnd()
	AgentEnd(reason FinishReason)
}

// NopEventSink implements EventSink with no-op methods.
type NopEventSink struct{}

func (NopEventSink) AgentStart()                             {}
func (NopEventSink) TurnStart()                               {}
func (NopEventSink) MessageStart()                            {}
func (NopEventSink) MessageUpdate(message.Message)            {}
func (NopEventSink) MessageEnd(message.Message)               {}
func (NopEventSink) ToolExecutionStart(message.ToolCallBlock) {}
func (NopEventSink) ToolExecutionEnd(message.Message)         {}
func (NopEventSink) TurnEnd()                                 {}
func (NopEventSink) AgentEnd(FinishReason)                    {}

// Loop drives one session's turns against one transport.Streamer and one
// tools.Registry. The injected callbacks let callers customize context
// assembly (compaction, steering) without the loop itself depending on
// pkg/compaction or any particular UI.
type Loop struct {
	Session  store.Session
	Streamer transport.Streamer
	Tools    *tools.Registry
	Events   EventSink

	Model           string
	SystemPrompt    string
	Cwd             string
	ReasoningEffort string
	ContextWindow   *int

	// ConvertToLLM reduces the session's full history to what the
	// transport should see. Defaults to message.ToLLMView. A caller with
	// an abort policy (spec.md §4.5: an aborted assistant message is not
	// replayed to future turns) can wrap ToLLMView to filter it out.
	ConvertToLLM func([]message.Message) []message.Message

	// TransformContext runs on the raw session history before
	// ConvertToLLM, the hook point for pkg/compaction's should_compact
	// check: a caller can compact first and re-read BuildSessionContext,
	// or simply return history unchanged.
	TransformContext func([]message.Message) []message.Message

	// GetSteeringMessages returns any user messages queued while the loop
	// is mid-turn. A non-empty return between tool calls causes the loop
	// to synthesize error ToolResults for the remaining calls in that
	// turn, append the steering messages, and start a new turn, per
	// spec.md §4.5.
	GetSteeringMessages func() []message.Message

	// GetFollowUpMessages returns messages to append and continue on once
	// a turn ends with StopReasonStop, instead of going TERMINAL. Used for
	// e.g. a scripted multi-step prompt sequence; returns nil/empty by
	// default behavior (TERMINAL).
	GetFollowUpMessages func() []message.Message

	// OnApproval gates a tool call before execution; returning false
	// denies it without running the tool. Nil means every call is
	// allowed.
	OnApproval func(call message.ToolCallBlock) bool

	streaming atomic.Bool
	aborted   atomic.Bool
}

func (l *Loop) sink() EventSink {
	if l.Events != nil {
		return l.Events
	}
	return NopEventSink{}
}

func (l *Loop) convertToLLM(history []message.Message) []message.Message {
	if l.ConvertToLLM != nil {
		return l.ConvertToLLM(history)
	}
	return message.ToLLMView(history)
}

// Abort requests cooperative cancellation. The current stream stops at its
// next event boundary (transport.Options.Cancel), any tool call already
// dispatched is allowed to finish, and no further tool calls in that turn
// run. The partial assistant message is still recorded with
// StopReasonAborted.
func (l *Loop) Abort() {
	l.aborted.Store(true)
}

// Continue runs turns until the loop reaches TERMINAL (or Abort/context
// cancellation), starting from the session's current leaf. The session must
// already have at least one message, and its last message must not already
// be a terminal-stop assistant turn (use a follow-up message / Prompt
// instead).
func (l *Loop) Continue(ctx context.Context) (FinishReason, error) {
	if !l.streaming.CompareAndSwap(false, true) {
		return FinishError, ErrAlreadyStreaming
	}
	defer l.streaming.Store(false)
	l.aborted.Store(false)

	entries := l.Session.GetEntries()
	if len(entries) == 0 {
		return FinishError, ErrNoMessages
	}
	if leaf, ok := l.Session.GetLeafEntry(); ok && leaf.Type == store.EntryTypeMessage && leaf.Message != nil {
		if leaf.Message.Kind == message.KindAssistant && leaf.Message.StopReason != "" && leaf.Message.StopReason != message.StopReasonToolUse {
			return FinishError, ErrLastMessageAssistant
		}
	}

	return l.run(ctx)
}

// Prompt appends msg to the session and runs turns until TERMINAL. It does
// not itself enforce the "last message not terminal assistant" precondition
// Continue does, since appending a new user message is always valid.
func (l *Loop) Prompt(ctx context.Context, msg message.Message) (FinishReason, error) {
	if !l.streaming.CompareAndSwap(false, true) {
		return FinishError, ErrAlreadyStreaming
	}
	defer l.streaming.Store(false)
	l.aborted.Store(false)

	if _, err := l.Session.AppendMessage(msg); err != nil {
		return FinishError, err
	}
	return l.run(ctx)
}

// run drives turns until one returns a terminal outcome, emitting
// agent_start/agent_end around the whole sequence per spec.md §4.5.
func (l *Loop) run(ctx context.Context) (FinishReason, error) {
	l.sink().AgentStart()
	reason, err := l.driveTurns(ctx)
	l.sink().AgentEnd(reason)
	return reason, err
}

func (l *Loop) driveTurns(ctx context.Context) (FinishReason, error) {
	for {
		l.sink().TurnStart()
		again, reason, err := l.runTurn(ctx)
		l.sink().TurnEnd()
		if err != nil {
			return FinishError, err
		}
		if !again {
			return reason, nil
		}
	}
}

// runTurn implements one TURN_START -> STREAMING -> TOOL_DISPATCH|TERMINAL
// step of spec.md §4.5's state machine, grounded on controller.go's
// callModel (build instructions, convert entries, call the provider,
// append the response) followed by its step's tool-call branch
// (executeTool per ToolCall block).
func (l *Loop) runTurn(ctx context.Context) (again bool, reason FinishReason, err error) {
	history, err := l.Session.BuildSessionContext()
	if err != nil {
		return false, FinishError, err
	}
	if l.TransformContext != nil {
		history = l.TransformContext(history)
	}
	llmView := l.convertToLLM(history)

	var toolDefs []transport.ToolDef
	if l.Tools != nil {
		for _, t := range l.Tools.List() {
			toolDefs = append(toolDefs, transport.ToolDef{
				Name:        t.Name(),
				Description: t.Description(),
				InputSchema: t.InputSchema(),
			})
		}
	}

	tctx := transport.Context{
		SystemPrompt: l.SystemPrompt,
		Messages:     llmView,
		Tools:        toolDefs,
		Cwd:          l.Cwd,
	}
	turnCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()
	opts := transport.Options{
		Cancel:          l.cancelChan(turnCtx),
		ReasoningEffort: l.ReasoningEffort,
	}

	l.sink().MessageStart()
	assistantMsg, err := l.Streamer.Stream(ctx, l.Model, tctx, opts, &eventAdapter{sink: l.sink()})
	if err != nil {
		return false, FinishError, err
	}
	if assistantMsg.Kind == "" {
		assistantMsg.Kind = message.KindAssistant
	}
	if _, err := l.Session.AppendMessage(assistantMsg); err != nil {
		return false, FinishError, err
	}
	l.sink().MessageEnd(assistantMsg)

	switch assistantMsg.StopReason {
	case message.StopReasonToolUse:
		return l.dispatchTools(ctx, assistantMsg)

	case message.StopReasonAborted:
		return false, FinishAborted, nil

	case message.StopReasonError:
		if transport.IsContextOverflow(assistantMsg, l.ContextWindow) {
			return false, FinishContextOverflow, nil
		}
		return false, FinishError, errors.New(assistantMsg.ErrorMessage)

	default: // StopReasonStop and anything unrecognized behave the same
		if l.GetFollowUpMessages != nil {
			followUps := l.GetFollowUpMessages()
			if len(followUps) > 0 {
				for _, m := range followUps {
					if _, err := l.Session.AppendMessage(m); err != nil {
						return false, FinishError, err
					}
				}
				return true, FinishStop, nil
			}
		}
		return false, FinishStop, nil
	}
}

// dispatchTools executes every ToolCall block of assistantMsg in order,
// checking for queued steering messages between calls and flushing them
// (synthesizing error results for the remaining calls) the moment one
// appears, per spec.md §4.5's queued-message injection rule: checked only
// between individual tool calls of a turn and between turns, never
// mid-stream.
func (l *Loop) dispatchTools(ctx context.Context, assistantMsg message.Message) (bool, FinishReason, error) {
	var calls []message.ToolCallBlock
	for _, b := range assistantMsg.AssistantBlocks {
		if b.ToolCall != nil {
			calls = append(calls, *b.ToolCall)
		}
	}

	for i, call := range calls {
		if l.GetSteeringMessages != nil {
			if steering := l.GetSteeringMessages(); len(steering) > 0 {
				for _, remaining := range calls[i:] {
					errMsg := message.NewToolResultMessage(remaining.ID, true, "skipped: a new message arrived before this tool call ran")
					if _, err := l.Session.AppendMessage(errMsg); err != nil {
						return false, FinishError, err
					}
					l.sink().ToolExecutionEnd(errMsg)
				}
				for _, m := range steering {
					if _, err := l.Session.AppendMessage(m); err != nil {
						return false, FinishError, err
					}
				}
				return true, FinishStop, nil
			}
		}

		l.sink().ToolExecutionStart(call)

		var result message.Message
		if l.OnApproval != nil && !l.OnApproval(call) {
			result = message.NewToolResultMessage(call.ID, true, "denied: this tool call was not approved")
		} else if l.aborted.Load() {
			result = message.NewToolResultMessage(call.ID, true, "skipped: the turn was aborted before this tool call ran")
		} else {
			result = l.Tools.Dispatch(ctx, call.ID, call.Name, call.Arguments)
		}

		if _, err := l.Session.AppendMessage(result); err != nil {
			return false, FinishError, err
		}
		l.sink().ToolExecutionEnd(result)
	}

	if l.aborted.Load() {
		return false, FinishAborted, nil
	}
	return true, FinishStop, nil
}

// cancelPollInterval is how often cancelChan re-checks the abort flag. It
// only needs to be short relative to a human's patience for Abort to take
// effect at the next SSE event boundary, not short relative to CPU time.
const cancelPollInterval = 25 * time.Millisecond

// cancelChan bridges ctx.Done and the cooperative abort flag onto the
// single closed-channel contract transport.Options.Cancel expects. Polled
// at SSE event boundaries by every adapter, so a short-lived goroutine per
// turn is an acceptable cost (matches each adapter's own per-call-stream
// lifetime).
func (l *Loop) cancelChan(ctx context.Context) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		defer close(ch)
		ticker := time.NewTicker(cancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if l.aborted.Load() {
					return
				}
			}
		}
	}()
	return ch
}

// eventAdapter implements transport.Sink by forwarding every delta as a
// MessageUpdate(partial) event, rebuilding the in-progress assistant
// message's block list each time. spec.md §4.5 only names message_update
// as carrying "a partial message", not a lower-level per-block delta
// shape, so this is the adapter boundary between transport.Sink's
// content-indexed callbacks and EventSink's coarser message-level view.
type eventAdapter struct {
	sink EventSink

	blocks  []message.Block
	indexOf map[int]int // contentIndex -> index into blocks
	textBuf map[int]*strings.Builder
}

func (a *eventAdapter) ensure() {
	if a.indexOf == nil {
		a.indexOf = make(map[int]int)
	}
	if a.textBuf == nil {
		a.textBuf = make(map[int]*strings.Builder)
	}
}

func (a *eventAdapter) blockAt(contentIndex int) int {
	a.ensure()
	if idx, ok := a.indexOf[contentIndex]; ok {
		return idx
	}
	a.blocks = append(a.blocks, message.Block{})
	idx := len(a.blocks) - 1
	a.indexOf[contentIndex] = idx
	return idx
}

func (a *eventAdapter) emit() {
	a.sink.MessageUpdate(message.Message{Kind: message.KindAssistant, AssistantBlocks: a.blocks})
}

func (a *eventAdapter) TextStart(contentIndex int) {
	a.ensure()
	idx := a.blockAt(contentIndex)
	a.textBuf[contentIndex] = &strings.Builder{}
	a.blocks[idx] = message.Block{Text: &message.TextBlock{}}
	a.emit()
}

func (a *eventAdapter) TextDelta(contentIndex int, text string) {
	idx := a.blockAt(contentIndex)
	a.textBuf[contentIndex].WriteString(text)
	a.blocks[idx] = message.Block{Text: &message.TextBlock{Text: a.textBuf[contentIndex].String()}}
	a.emit()
}

func (a *eventAdapter) TextEnd(contentIndex int) { a.emit() }

func (a *eventAdapter) ThinkingStart(contentIndex int) {
	a.ensure()
	idx := a.blockAt(contentIndex)
	a.textBuf[contentIndex] = &strings.Builder{}
	a.blocks[idx] = message.Block{Thinking: &message.ThinkingBlock{}}
	a.emit()
}

func (a *eventAdapter) ThinkingDelta(contentIndex int, text string) {
	idx := a.blockAt(contentIndex)
	a.textBuf[contentIndex].WriteString(text)
	a.blocks[idx] = message.Block{Thinking: &message.ThinkingBlock{Thinking: a.textBuf[contentIndex].String()}}
	a.emit()
}

func (a *eventAdapter) ThinkingEnd(contentIndex int) { a.emit() }

func (a *eventAdapter) ToolCallStart(contentIndex int, id, name string) {
	idx := a.blockAt(contentIndex)
	a.blocks[idx] = message.Block{ToolCall: &message.ToolCallBlock{ID: id, Name: name}}
	a.emit()
}

func (a *eventAdapter) ToolCallDelta(contentIndex int, partialJSON string) {
	// Arguments are only materialized by the adapter once complete (each
	// transport.Streamer implementation accumulates and parses partial
	// JSON itself); the event-level view just reports the call is still
	// filling in.
	a.emit()
}

func (a *eventAdapter) ToolCallEnd(contentIndex int) { a.emit() }
