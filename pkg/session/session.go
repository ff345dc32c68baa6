// Package session implements spec.md §4/§5's agent session: the
// user-facing object that binds the session store (pkg/store), the turn
// engine (pkg/agent), and the compaction engine (pkg/compaction) into
// prompt/continue/compact/branch/navigate/execute_bash/resume, enforcing
// the "one cooperative task at a time per session" rule.
//
// This package previously held the teacher's original, agent-less
// pkg/session/jsonl storage layer (Manager.New/Session.Append over a raw
// Role/Content model with no Agent presets or tree navigation). That
// layer's entire job is now done, more completely, by pkg/store/jsonl
// (Agent presets, BuildSessionContext/compaction resolution, tree
// queries) — keeping both would mean two JSONL session stores doing the
// same thing, one of them unreachable from any SPEC_FULL.md operation.
// Dropping it freed this package's name for the role spec.md actually
// calls out separately from the store: the façade binding C2 through C6,
// grounded on the single-goroutine-per-session assumption implicit in the
// teacher's Runner.Start event loop (one session processed per dispatched
// event, never concurrently).
package session

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"sync"

	"github.com/wilbur182/forge-agent/pkg/agent"
	"github.com/wilbur182/forge-agent/pkg/compaction"
	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/store"
	"github.com/wilbur182/forge-agent/pkg/tools"
	"github.com/wilbur182/forge-agent/pkg/transport"
)

// ErrAlreadyStreaming is returned by every serialized operation
// (Prompt/Continue/Compact/Branch/NavigateTree/ExecuteBash) when another
// one is already in flight, per spec.md §5's scheduling model.
var ErrAlreadyStreaming = errors.New("session: another operation is already running on this session")

// BashShell is the interpreter AgentSession.ExecuteBash invokes commands
// with, overridable for tests.
var BashShell = "/bin/sh"

// AgentSession binds one store.Session to one transport.Streamer, one
// tools.Registry, and one compaction.Engine, enforcing spec.md §5's
// single-cooperative-task rule with a streaming flag guarded by mu rather
// than the agent.Loop's own atomic (a session-level operation like Compact
// or ExecuteBash must also be excluded while a turn streams, and vice
// versa — a single mutex covers every operation this type exposes).
type AgentSession struct {
	Store         store.Session
	Loop          *agent.Loop
	Compactor     *compaction.Engine
	ContextWindow int

	mu        sync.Mutex
	streaming bool
}

// New wires a store.Session, transport.Streamer, and tools.Registry into
// an AgentSession, constructing the agent.Loop and compaction.Engine with
// TransformContext set to run should_compact/compact automatically before
// every turn, per spec.md §4.6 "triggered... automatically: before a turn,
// if usage + reserve exceeds the window".
func New(sess store.Session, streamer transport.Streamer, registry *tools.Registry, model, systemPrompt, cwd string, contextWindow int, settings compaction.Settings) *AgentSession {
	as := &AgentSession{
		Store:         sess,
		ContextWindow: contextWindow,
	}
	as.Compactor = &compaction.Engine{
		Session:      sess,
		Streamer:     streamer,
		Settings:     settings,
		SystemPrompt: systemPrompt,
		Model:        model,
	}
	as.Loop = &agent.Loop{
		Session:          sess,
		Streamer:         streamer,
		Tools:            registry,
		Model:            model,
		SystemPrompt:     systemPrompt,
		Cwd:              cwd,
		ContextWindow:    &as.ContextWindow,
		TransformContext: as.maybeCompact,
	}
	return as
}

// maybeCompact is the agent.Loop.TransformContext hook: it runs before
// every turn's context is reduced to the LLM view, compacting first if
// the session's last reported usage already crosses should_compact's
// threshold against ContextWindow.
func (as *AgentSession) maybeCompact(history []message.Message) []message.Message {
	if as.Compactor.ShouldCompact(as.ContextWindow) {
		if _, err := as.Compactor.Compact(context.Background(), ""); err != nil {
			// Compaction failing must never block the turn itself (spec.md
			// §4.6: "if compaction is disabled, surfaced as a transport
			// error" only applies to genuine overflow, not a failed
			// best-effort pre-turn compaction attempt).
			return history
		}
		rebuilt, err := as.Store.BuildSessionContext()
		if err == nil {
			return rebuilt
		}
	}
	return history
}

// acquire marks the session as streaming, or returns ErrAlreadyStreaming if
// another operation already holds it. Call release when done.
func (as *AgentSession) acquire() error {
	as.mu.Lock()
	defer as.mu.Unlock()
	if as.streaming {
		return ErrAlreadyStreaming
	}
	as.streaming = true
	return nil
}

func (as *AgentSession) release() {
	as.mu.Lock()
	as.streaming = false
	as.mu.Unlock()
}

// Prompt appends msg as a user turn and drives the loop until it reaches a
// terminal state.
func (as *AgentSession) Prompt(ctx context.Context, msg message.Message) (agent.FinishReason, error) {
	if err := as.acquire(); err != nil {
		return "", err
	}
	defer as.release()
	return as.Loop.Prompt(ctx, msg)
}

// Continue resumes driving the loop from the session's current leaf
// without appending a new user message (e.g. after a tool approval was
// granted out of band, or to retry following a transport error).
func (as *AgentSession) Continue(ctx context.Context) (agent.FinishReason, error) {
	if err := as.acquire(); err != nil {
		return "", err
	}
	defer as.release()
	return as.Loop.Continue(ctx)
}

// Compact runs one compaction pass with customInstructions (empty to use
// the default prompt), serialized against every other operation the way
// spec.md §5 requires.
func (as *AgentSession) Compact(ctx context.Context, customInstructions string) (store.Entry, error) {
	if err := as.acquire(); err != nil {
		return store.Entry{}, err
	}
	defer as.release()
	return as.Compactor.Compact(ctx, customInstructions)
}

// Branch moves the session's leaf pointer to entryID without altering the
// graph, per spec.md's tree-navigation model.
func (as *AgentSession) Branch(entryID string) error {
	if err := as.acquire(); err != nil {
		return err
	}
	defer as.release()
	return as.Store.Branch(entryID)
}

// NavigateTree moves the leaf pointer to entryID and, if that entry is a
// user message, returns its text so the caller's editor can be
// pre-populated with it — SPEC_FULL.md §8's "tree navigation with
// editor-text pre-population" supplement, ported from original_source's
// agent_session_tree_navigation test.
func (as *AgentSession) NavigateTree(entryID string) (editorText string, err error) {
	if err := as.acquire(); err != nil {
		return "", err
	}
	defer as.release()

	if err := as.Store.Branch(entryID); err != nil {
		return "", err
	}
	entry, ok := as.Store.GetEntry(entryID)
	if !ok {
		return "", fmt.Errorf("session: entry %q not found", entryID)
	}
	if entry.Type != store.EntryTypeMessage || entry.Message == nil || entry.Message.Kind != message.KindUser {
		return "", nil
	}
	for _, b := range entry.Message.UserBlocks {
		if b.Text != nil {
			editorText += b.Text.Text
		}
	}
	return editorText, nil
}

// ExecuteBash runs command as a child process via os/exec, appending the
// result as a KindBashExecution entry directly (not a tool call/result
// pair — this is a direct "run a shell command" session operation, the
// way a REPL's !command escape works, distinct from the agent's own bash
// tool). ctx cancellation kills the child process, per spec.md §5
// "Suspension points" (tool execution/bash child process).
func (as *AgentSession) ExecuteBash(ctx context.Context, command string) (store.Entry, error) {
	if err := as.acquire(); err != nil {
		return store.Entry{}, err
	}
	defer as.release()

	output, err := runShell(ctx, command)
	if err != nil {
		output += fmt.Sprintf("\n[error: %v]", err)
	}
	return as.Store.AppendMessage(message.NewBashExecutionMessage(command, output))
}

func runShell(ctx context.Context, command string) (string, error) {
	cmd := exec.CommandContext(ctx, BashShell, "-c", command)
	out, runErr := cmd.CombinedOutput()
	if ctx.Err() != nil {
		return string(out), ctx.Err()
	}
	return string(out), runErrAsNil(runErr)
}

// runErrAsNil reports a non-zero exit status as part of the captured
// output rather than as a Go error — a shell command's non-zero exit is
// ordinary, not exceptional.
func runErrAsNil(err error) error {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil
	}
	return err
}

// Resume reloads sess.Store from disk, for the multi-process resume case
// where another process appended to the same session file.
func (as *AgentSession) Resume() error {
	if err := as.acquire(); err != nil {
		return err
	}
	defer as.release()
	return as.Store.Refresh()
}
