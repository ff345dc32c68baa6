package compaction

import (
	"context"
	"testing"

	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/store"
	"github.com/wilbur182/forge-agent/pkg/store/jsonl"
	"github.com/wilbur182/forge-agent/pkg/transport"
)

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

func text(n int) string {
	s := make([]byte, n)
	for i := range s {
		s[i] = 'a'
	}
	return string(s)
}

func appendUser(t *testing.T, sess store.Session, s string) store.Entry {
	t.Helper()
	e, err := sess.AppendMessage(message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: s}}))
	if err != nil {
		t.Fatalf("AppendMessage(user): %v", err)
	}
	return e
}

func appendAssistantStop(t *testing.T, sess store.Session, s string) store.Entry {
	t.Helper()
	e, err := sess.AppendMessage(message.NewAssistantMessage("m", message.StopReasonStop, message.Block{Text: &message.TextBlock{Text: s}}))
	if err != nil {
		t.Fatalf("AppendMessage(assistant): %v", err)
	}
	return e
}

func TestShouldCompact(t *testing.T) {
	if ShouldCompact(100, 200000, DefaultSettings) {
		t.Fatal("should not compact well under the window")
	}
	if !ShouldCompact(190000, 200000, DefaultSettings) {
		t.Fatal("should compact once usage exceeds window-reserve")
	}
	if ShouldCompact(190000, 200000, Settings{Enabled: false, ReserveTokens: 16384, KeepRecentTokens: 20000}) {
		t.Fatal("disabled settings must never trigger compaction")
	}
}

func TestContextTokens_PrefersTotal(t *testing.T) {
	total := 42
	u := message.Usage{InputTokens: 10, OutputTokens: 10, TotalTokens: &total}
	if got := ContextTokens(u); got != 42 {
		t.Fatalf("ContextTokens = %d, want 42", got)
	}
	u2 := message.Usage{InputTokens: 10, OutputTokens: 5, CacheRead: 1, CacheWrite: 1}
	if got := ContextTokens(u2); got != 17 {
		t.Fatalf("ContextTokens = %d, want 17", got)
	}
}

func TestPrepare_CleanTurnCut(t *testing.T) {
	sess := newTestSession(t)
	appendUser(t, sess, text(40))
	appendAssistantStop(t, sess, text(40))
	msg1 := appendUser(t, sess, text(40))
	appendAssistantStop(t, sess, text(40))

	entries := sess.GetEntries()
	prep, ok := Prepare(entries, Settings{Enabled: true, ReserveTokens: 16384, KeepRecentTokens: 15})
	if !ok {
		t.Fatal("Prepare returned ok=false, want a plan")
	}
	if prep.IsSplitTurn {
		t.Fatal("expected a clean turn cut, got split turn")
	}
	if prep.FirstKeptEntryID != msg1.ID {
		t.Fatalf("FirstKeptEntryID = %q, want %q", prep.FirstKeptEntryID, msg1.ID)
	}
	if len(prep.MessagesToSummarize) != 2 {
		t.Fatalf("len(MessagesToSummarize) = %d, want 2", len(prep.MessagesToSummarize))
	}
	if len(prep.TurnPrefixMessages) != 0 {
		t.Fatalf("len(TurnPrefixMessages) = %d, want 0", len(prep.TurnPrefixMessages))
	}
}

func TestPrepare_SplitTurnCut(t *testing.T) {
	sess := newTestSession(t)
	appendUser(t, sess, text(40))        // 0: msg0, 10 tok
	appendAssistantStop(t, sess, text(40)) // 1: resp0, 10 tok
	appendUser(t, sess, text(40))          // 2: msgA, 10 tok

	toolUse, err := sess.AppendMessage(message.NewAssistantMessage("m", message.StopReasonToolUse, message.Block{
		ToolCall: &message.ToolCallBlock{ID: "call-1", Name: "read", Arguments: map[string]any{"path": "x"}},
	})) // 3: 16 chars -> 4 tok
	if err != nil {
		t.Fatalf("AppendMessage(toolUse): %v", err)
	}
	_, err = sess.AppendMessage(message.NewToolResultMessage("call-1", false, text(8))) // 4: 8 chars -> 2 tok
	if err != nil {
		t.Fatalf("AppendMessage(toolResult): %v", err)
	}
	respA := appendAssistantStop(t, sess, text(40)) // 5: 10 tok, kept (end of turn A)
	appendUser(t, sess, text(40))                   // 6: msgB, 10 tok
	appendAssistantStop(t, sess, text(40))          // 7: respB, 10 tok

	entries := sess.GetEntries()
	if len(entries) != 8 {
		t.Fatalf("len(entries) = %d, want 8", len(entries))
	}

	prep, ok := Prepare(entries, Settings{Enabled: true, ReserveTokens: 16384, KeepRecentTokens: 31})
	if !ok {
		t.Fatal("Prepare returned ok=false, want a plan")
	}
	if !prep.IsSplitTurn {
		t.Fatal("expected a split turn cut")
	}
	if prep.FirstKeptEntryID != respA.ID {
		t.Fatalf("FirstKeptEntryID = %q, want %q (end of turn A)", prep.FirstKeptEntryID, respA.ID)
	}
	if len(prep.MessagesToSummarize) != 2 {
		t.Fatalf("len(MessagesToSummarize) = %d, want 2 (msg0, resp0)", len(prep.MessagesToSummarize))
	}
	if len(prep.TurnPrefixMessages) != 3 {
		t.Fatalf("len(TurnPrefixMessages) = %d, want 3 (msgA, toolUse, toolResult)", len(prep.TurnPrefixMessages))
	}
	if prep.TurnPrefixMessages[0].Kind != message.KindUser {
		t.Fatalf("TurnPrefixMessages[0].Kind = %v, want KindUser", prep.TurnPrefixMessages[0].Kind)
	}
	_ = toolUse
}

func TestPrepare_IdempotentWhenAlreadyCompacted(t *testing.T) {
	sess := newTestSession(t)
	first := appendUser(t, sess, text(40))
	appendAssistantStop(t, sess, text(40))

	if _, err := sess.AppendCompaction(store.CompactionEntry{
		Summary:          "a summary",
		FirstKeptEntryID: first.ID,
		TokensBefore:     10,
	}); err != nil {
		t.Fatalf("AppendCompaction: %v", err)
	}

	entries := sess.GetEntries()
	if _, ok := Prepare(entries, DefaultSettings); ok {
		t.Fatal("Prepare should be a no-op when the leaf is already a Compaction entry")
	}
}

func TestExtractFileOperations_UnionsWithPriorCompaction(t *testing.T) {
	entries := []store.Entry{
		{
			ID:   "c1",
			Type: store.EntryTypeCompaction,
			Compaction: &store.CompactionEntry{
				Summary:  "prior",
				FromHook: false,
				Details: &store.CompactionDetails{
					ReadFiles:     []string{"a.go"},
					ModifiedFiles: []string{"b.go"},
				},
			},
		},
	}

	msgs := []message.Message{
		message.NewAssistantMessage("m", message.StopReasonToolUse, message.Block{
			ToolCall: &message.ToolCallBlock{Name: "write", Arguments: map[string]any{"path": "c.go"}},
		}),
	}

	ops := extractFileOperations(msgs, entries, 0)
	if !ops.Read["a.go"] {
		t.Fatal("expected a.go carried over from prior compaction's read files")
	}
	if !ops.Edited["b.go"] {
		t.Fatal("expected b.go carried over from prior compaction's modified files (folded into Edited)")
	}
	if !ops.Written["c.go"] {
		t.Fatal("expected c.go recorded from the new write tool call")
	}

	read, modified := ComputeFileLists(ops)
	if len(read) != 1 || read[0] != "a.go" {
		t.Fatalf("read files = %v, want [a.go]", read)
	}
	if len(modified) != 2 || modified[0] != "b.go" || modified[1] != "c.go" {
		t.Fatalf("modified files = %v, want [b.go c.go]", modified)
	}
}

func TestExtractFileOperations_ReadThenModifiedDropsFromReadList(t *testing.T) {
	msgs := []message.Message{
		message.NewAssistantMessage("m", message.StopReasonToolUse,
			message.Block{ToolCall: &message.ToolCallBlock{Name: "read", Arguments: map[string]any{"path": "x.go"}}},
			message.Block{ToolCall: &message.ToolCallBlock{Name: "edit", Arguments: map[string]any{"path": "x.go"}}},
		),
	}
	ops := extractFileOperations(msgs, nil, -1)
	read, modified := ComputeFileLists(ops)
	if len(read) != 0 {
		t.Fatalf("read files = %v, want empty (x.go was also modified)", read)
	}
	if len(modified) != 1 || modified[0] != "x.go" {
		t.Fatalf("modified files = %v, want [x.go]", modified)
	}
}

func TestFormatFileOperations(t *testing.T) {
	if got := FormatFileOperations(nil, nil); got != "" {
		t.Fatalf("FormatFileOperations(nil, nil) = %q, want empty", got)
	}
	got := FormatFileOperations([]string{"a.go"}, []string{"b.go"})
	if got == "" {
		t.Fatal("expected a non-empty formatted block")
	}
	if !contains(got, "<read-files>") || !contains(got, "a.go") || !contains(got, "<modified-files>") || !contains(got, "b.go") {
		t.Fatalf("formatted block missing expected sections: %q", got)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}

func TestBuildSummarizationRequest_Ordering(t *testing.T) {
	prep := &Preparation{
		PreviousSummary:     "earlier summary",
		MessagesToSummarize: []message.Message{message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "old question"}})},
		IsSplitTurn:         true,
		TurnPrefixMessages:  []message.Message{message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "turn prefix"}})},
	}

	tctx := BuildSummarizationRequest(prep, "system prompt", "", nil)
	if tctx.SystemPrompt != "system prompt" {
		t.Fatalf("SystemPrompt = %q", tctx.SystemPrompt)
	}
	// previous summary (assistant), old question (user), instructions (user), turn prefix (user)
	if len(tctx.Messages) != 4 {
		t.Fatalf("len(Messages) = %d, want 4: %+v", len(tctx.Messages), tctx.Messages)
	}
	if tctx.Messages[0].Kind != message.KindAssistant {
		t.Fatalf("Messages[0].Kind = %v, want KindAssistant (previous summary)", tctx.Messages[0].Kind)
	}
	if tctx.Messages[len(tctx.Messages)-1].UserBlocks[0].Text.Text != "turn prefix" {
		t.Fatal("expected the turn-prefix message to be appended last")
	}
}

// stubStreamer returns a fixed assistant summary message regardless of the
// request it's given.
type stubStreamer struct {
	summary string
	calls   int
}

func (s *stubStreamer) Stream(ctx context.Context, model string, tctx transport.Context, opts transport.Options, events transport.Sink) (message.Message, error) {
	s.calls++
	return message.NewAssistantMessage(model, message.StopReasonStop, message.Block{Text: &message.TextBlock{Text: s.summary}}), nil
}

func TestEngine_Compact_SplicesSummary(t *testing.T) {
	sess := newTestSession(t)
	appendUser(t, sess, text(40))
	appendAssistantStop(t, sess, text(40))
	msg1 := appendUser(t, sess, text(40))
	appendAssistantStop(t, sess, text(40))

	streamer := &stubStreamer{summary: "dense summary"}
	engine := &Engine{
		Session:  sess,
		Streamer: streamer,
		Settings: Settings{Enabled: true, ReserveTokens: 16384, KeepRecentTokens: 15},
		Model:    "m",
	}

	entry, err := engine.Compact(context.Background(), "")
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if streamer.calls != 1 {
		t.Fatalf("streamer.calls = %d, want 1", streamer.calls)
	}
	if entry.Type != store.EntryTypeCompaction {
		t.Fatalf("entry.Type = %v, want EntryTypeCompaction", entry.Type)
	}
	if entry.Compaction.FirstKeptEntryID != msg1.ID {
		t.Fatalf("FirstKeptEntryID = %q, want %q", entry.Compaction.FirstKeptEntryID, msg1.ID)
	}
	if !contains(entry.Compaction.Summary, "dense summary") {
		t.Fatalf("Summary = %q, want it to contain the model's summary text", entry.Compaction.Summary)
	}

	// A second compaction attempt is a no-op: the leaf is now a Compaction entry.
	if _, err := engine.Compact(context.Background(), ""); err != ErrNothingToCompact {
		t.Fatalf("err = %v, want ErrNothingToCompact", err)
	}
}

// cancellingHook cancels every compaction it sees.
type cancellingHook struct{}

func (cancellingHook) Before(ctx context.Context, prep *Preparation) (*Replacement, bool, error) {
	return nil, true, nil
}
func (cancellingHook) After(ctx context.Context, prep *Preparation, entry store.Entry) error { return nil }

func TestEngine_Compact_HookCancels(t *testing.T) {
	sess := newTestSession(t)
	appendUser(t, sess, text(40))
	appendAssistantStop(t, sess, text(40))
	appendUser(t, sess, text(40))
	appendAssistantStop(t, sess, text(40))

	engine := &Engine{
		Session:  sess,
		Streamer: &stubStreamer{summary: "unused"},
		Settings: Settings{Enabled: true, ReserveTokens: 16384, KeepRecentTokens: 15},
		Model:    "m",
		Hooks:    []CompactionHook{cancellingHook{}},
	}

	if _, err := engine.Compact(context.Background(), ""); err != ErrCompactionCancelled {
		t.Fatalf("err = %v, want ErrCompactionCancelled", err)
	}
}

// replacingHook supplies its own summary, skipping the LLM call entirely.
type replacingHook struct{ summary string }

func (h replacingHook) Before(ctx context.Context, prep *Preparation) (*Replacement, bool, error) {
	return &Replacement{Summary: h.summary}, false, nil
}
func (replacingHook) After(ctx context.Context, prep *Preparation, entry store.Entry) error { return nil }

func TestEngine_Compact_HookReplacesSummary(t *testing.T) {
	sess := newTestSession(t)
	appendUser(t, sess, text(40))
	appendAssistantStop(t, sess, text(40))
	appendUser(t, sess, text(40))
	appendAssistantStop(t, sess, text(40))

	streamer := &stubStreamer{summary: "should not be used"}
	engine := &Engine{
		Session:  sess,
		Streamer: streamer,
		Settings: Settings{Enabled: true, ReserveTokens: 16384, KeepRecentTokens: 15},
		Model:    "m",
		Hooks:    []CompactionHook{replacingHook{summary: "hook-provided summary"}},
	}

	entry, err := engine.Compact(context.Background(), "")
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if streamer.calls != 0 {
		t.Fatalf("streamer.calls = %d, want 0 (hook replacement should skip the LLM call)", streamer.calls)
	}
	if !contains(entry.Compaction.Summary, "hook-provided summary") {
		t.Fatalf("Summary = %q, want it to contain the hook's summary", entry.Compaction.Summary)
	}
	if !entry.Compaction.FromHook {
		t.Fatal("FromHook should be true when a hook supplied the replacement")
	}
}
