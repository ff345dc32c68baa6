package jsonl

import (
	"os"
	"testing"

	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/store"
)

func setupManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if err := m.NewAgent(&store.Agent{ID: "default", Name: "Default", Instructions: "be helpful"}); err != nil {
		t.Fatalf("NewAgent: %v", err)
	}
	return m
}

func TestSession_AppendAndContext(t *testing.T) {
	m := setupManager(t)
	sess, err := m.NewSession("default", "")
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	defer sess.Close()

	u, err := sess.AppendMessage(message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "hi"}}))
	if err != nil {
		t.Fatalf("AppendMessage user: %v", err)
	}
	a, err := sess.AppendMessage(message.NewAssistantMessage("m", message.StopReasonStop,
		message.Block{Text: &message.TextBlock{Text: "hello"}}))
	if err != nil {
		t.Fatalf("AppendMessage assistant: %v", err)
	}

	if sess.LeafID() != a.ID {
		t.Fatalf("LeafID = %s, want %s", sess.LeafID(), a.ID)
	}
	if a.ParentID == nil || *a.ParentID != u.ID {
		t.Fatalf("assistant entry parent = %v, want %s", a.ParentID, u.ID)
	}

	ctx, err := sess.BuildSessionContext()
	if err != nil {
		t.Fatalf("BuildSessionContext: %v", err)
	}
	if len(ctx) != 2 {
		t.Fatalf("context length = %d, want 2", len(ctx))
	}
	if ctx[0].Kind != message.KindUser || ctx[1].Kind != message.KindAssistant {
		t.Fatalf("unexpected context kinds: %+v", ctx)
	}

	// Branch back to the user message and append a fresh reply: compaction-free
	// resolution and leaf bookkeeping both fall out of the same Branch+Append path.
	if err := sess.Branch(u.ID); err != nil {
		t.Fatalf("Branch: %v", err)
	}
	b2, err := sess.AppendMessage(message.NewAssistantMessage("m", message.StopReasonStop,
		message.Block{Text: &message.TextBlock{Text: "second reply"}}))
	if err != nil {
		t.Fatalf("AppendMessage after branch: %v", err)
	}
	if b2.ParentID == nil || *b2.ParentID != u.ID {
		t.Fatalf("branched entry parent = %v, want %s", b2.ParentID, u.ID)
	}
}

func TestSession_CompactionResolution(t *testing.T) {
	m := setupManager(t)
	sess, _ := m.NewSession("default", "")
	defer sess.Close()

	e1, _ := sess.AppendMessage(message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "one"}}))
	sess.AppendMessage(message.NewAssistantMessage("m", message.StopReasonStop, message.Block{Text: &message.TextBlock{Text: "two"}}))
	e3, _ := sess.AppendMessage(message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "three"}}))

	_, err := sess.AppendCompaction(store.CompactionEntry{
		Summary:          "condensed history",
		FirstKeptEntryID: e3.ID,
		TokensBefore:     500,
	})
	if err != nil {
		t.Fatalf("AppendCompaction: %v", err)
	}

	ctx, err := sess.BuildSessionContext()
	if err != nil {
		t.Fatalf("BuildSessionContext: %v", err)
	}
	if len(ctx) != 2 {
		t.Fatalf("context length = %d, want 2 (compaction summary + kept user message), got %+v", len(ctx), ctx)
	}
	if ctx[0].Kind != message.KindCompactionSummary {
		t.Fatalf("first message kind = %s, want compaction summary", ctx[0].Kind)
	}
	if ctx[1].Kind != message.KindUser {
		t.Fatalf("second message kind = %s, want user", ctx[1].Kind)
	}
	_ = e1
}

func TestSession_Persistence(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(dir)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	m.NewAgent(&store.Agent{ID: "default", Name: "Default"})

	sess, _ := m.NewSession("default", "")
	entry, _ := sess.AppendMessage(message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "hi"}}))
	id := sess.ID()
	sess.Close()

	reloaded, err := m.LoadSession(id)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	defer reloaded.Close()

	if reloaded.LeafID() != entry.ID {
		t.Fatalf("reloaded LeafID = %s, want %s", reloaded.LeafID(), entry.ID)
	}
	if _, ok := os.Stat(reloaded.Path()); ok != nil {
		t.Fatalf("session file missing: %v", ok)
	}
}

func TestSession_LabelsAndTree(t *testing.T) {
	m := setupManager(t)
	sess, _ := m.NewSession("default", "")
	defer sess.Close()

	e1, _ := sess.AppendMessage(message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "root"}}))
	if _, err := sess.SetLabel(e1.ID, "checkpoint"); err != nil {
		t.Fatalf("SetLabel: %v", err)
	}

	tree, err := sess.GetTree()
	if err != nil {
		t.Fatalf("GetTree: %v", err)
	}
	if len(tree) == 0 {
		t.Fatal("expected at least one root in tree")
	}
	if tree[0].Entry.ID != e1.ID {
		t.Fatalf("root entry = %s, want %s", tree[0].Entry.ID, e1.ID)
	}
	if tree[0].Label != "checkpoint" {
		t.Fatalf("root label = %q, want checkpoint", tree[0].Label)
	}
}

func TestSession_BranchWithSummaryAndCreateBranchedSession(t *testing.T) {
	m := setupManager(t)
	sess, _ := m.NewSession("default", "")
	defer sess.Close()

	e1, _ := sess.AppendMessage(message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "topic a"}}))
	sess.AppendMessage(message.NewAssistantMessage("m", message.StopReasonStop, message.Block{Text: &message.TextBlock{Text: "reply a"}}))

	bsEntry, err := sess.BranchWithSummary(e1.ID, "discarded the first topic")
	if err != nil {
		t.Fatalf("BranchWithSummary: %v", err)
	}
	if sess.LeafID() != bsEntry.ID {
		t.Fatalf("LeafID after BranchWithSummary = %s, want %s", sess.LeafID(), bsEntry.ID)
	}

	branched, err := sess.CreateBranchedSession(m, sess.LeafID())
	if err != nil {
		t.Fatalf("CreateBranchedSession: %v", err)
	}
	defer branched.Close()

	entries := branched.GetEntries()
	if len(entries) != 2 {
		t.Fatalf("branched session entry count = %d, want 2", len(entries))
	}
}

func TestManager_ForkFromAndListSessions(t *testing.T) {
	m := setupManager(t)
	sess, _ := m.NewSession("default", "")
	sess.AppendMessage(message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "hi"}}))
	sourceID := sess.ID()
	sess.Close()

	forked, err := m.ForkFrom(sourceID)
	if err != nil {
		t.Fatalf("ForkFrom: %v", err)
	}
	defer forked.Close()

	if len(forked.GetEntries()) != 1 {
		t.Fatalf("forked entries = %d, want 1", len(forked.GetEntries()))
	}

	metas, err := m.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("ListSessions returned %d sessions, want 2", len(metas))
	}

	recent, err := m.ContinueRecent()
	if err != nil {
		t.Fatalf("ContinueRecent: %v", err)
	}
	recent.Close()
}

func TestSession_CustomEntries(t *testing.T) {
	m := setupManager(t)
	sess, _ := m.NewSession("default", "")
	defer sess.Close()

	_, err := sess.AppendCustomEntry("plugin.note", map[string]any{"key": "value"})
	if err != nil {
		t.Fatalf("AppendCustomEntry: %v", err)
	}
	_, err = sess.AppendCustomMessage("user-visible text", "banner", nil)
	if err != nil {
		t.Fatalf("AppendCustomMessage: %v", err)
	}

	ctx, err := sess.BuildSessionContext()
	if err != nil {
		t.Fatalf("BuildSessionContext: %v", err)
	}
	// opaque Custom entry contributes nothing to the LLM view; CustomMessage
	// renders as a hook message.
	if len(ctx) != 1 {
		t.Fatalf("context length = %d, want 1, got %+v", len(ctx), ctx)
	}
	if ctx[0].Kind != message.KindHookMessage {
		t.Fatalf("context[0].Kind = %s, want hook message", ctx[0].Kind)
	}
}
