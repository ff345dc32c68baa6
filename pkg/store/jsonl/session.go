package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/store"
)

// Session implements store.Session over a single JSONL file, generalized
// from the teacher's pkg/store/jsonl/session.go onto message.Message
// payloads and the tree/fsync/leaf-first-ordering additions described in
// SPEC_FULL.md §6.2.
type Session struct {
	mu         sync.RWMutex
	id         string
	filePath   string
	entries    map[string]store.Entry // id -> entry
	order      []string                // ids in file order, for GetEntries
	leafID     string
	fileHandle *os.File
	labels     map[string]string // target entry id -> current label
	notify     func(string)
	header     store.Header
}

func (s *Session) ID() string     { return s.id }
func (s *Session) Path() string   { return s.filePath }
func (s *Session) LeafID() string { return s.leafID }
func (s *Session) Header() store.Header {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.header
}

// Append persists e as a child of the current leaf (unless e.ParentID is
// already set) and advances the leaf pointer. Unlike the teacher, every
// Append calls File.Sync() after the write, per spec.md §4.2's fsync
// policy: a crash must never leave the file containing a line that was
// never durably committed.
func (s *Session) Append(e store.Entry) (store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID == "" {
		e.ID = store.NewEntryID()
	}
	if e.ParentID == nil && s.leafID != "" {
		pid := s.leafID
		e.ParentID = &pid
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	if err := s.writeLine(e); err != nil {
		return store.Entry{}, err
	}
	if err := s.fileHandle.Sync(); err != nil {
		return store.Entry{}, fmt.Errorf("fsync session file: %w", err)
	}

	s.entries[e.ID] = e
	s.order = append(s.order, e.ID)
	s.leafID = e.ID

	if e.Type == store.EntryTypeLabel && e.Label != nil {
		s.labels[e.Label.TargetID] = e.Label.Label
	}

	if s.notify != nil {
		s.notify(s.id)
	}

	return e, nil
}

func (s *Session) AppendMessage(msg message.Message) (store.Entry, error) {
	return s.Append(store.Entry{Type: store.EntryTypeMessage, Message: &msg})
}

func (s *Session) AppendThinkingLevelChange(level string) (store.Entry, error) {
	return s.Append(store.Entry{
		Type:          store.EntryTypeThinkingLevel,
		ThinkingLevel: &store.ThinkingLevelEntry{Level: level},
	})
}

func (s *Session) AppendModelChange(model string) (store.Entry, error) {
	return s.Append(store.Entry{
		Type:        store.EntryTypeModelChange,
		ModelChange: &store.ModelChangeEntry{Model: model},
	})
}

func (s *Session) AppendCompaction(c store.CompactionEntry) (store.Entry, error) {
	return s.Append(store.Entry{Type: store.EntryTypeCompaction, Compaction: &c})
}

func (s *Session) AppendCustomEntry(customType string, data map[string]any) (store.Entry, error) {
	return s.Append(store.Entry{
		Type:   store.EntryTypeCustom,
		Custom: &store.CustomEntry{CustomType: customType, Data: data},
	})
}

func (s *Session) AppendCustomMessage(userContent, displayHint string, details map[string]any) (store.Entry, error) {
	return s.Append(store.Entry{
		Type: store.EntryTypeCustomMessage,
		CustomMessage: &store.CustomMessageEntry{
			UserContent: userContent,
			DisplayHint: displayHint,
			Details:     details,
		},
	})
}

func (s *Session) SetLabel(targetID string, label string) (store.Entry, error) {
	return s.Append(store.Entry{
		Type:  store.EntryTypeLabel,
		Label: &store.LabelEntry{TargetID: targetID, Label: label},
	})
}

// Branch moves the leaf pointer to entryID without altering the graph.
func (s *Session) Branch(entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID != "" {
		if _, ok := s.entries[entryID]; !ok {
			return fmt.Errorf("entry not found: %s", entryID)
		}
	}
	s.leafID = entryID
	return nil
}

func (s *Session) BranchWithSummary(entryID string, summary string) (store.Entry, error) {
	if err := s.Branch(entryID); err != nil {
		return store.Entry{}, err
	}
	return s.Append(store.Entry{
		Type:          store.EntryTypeBranchSummary,
		BranchSummary: &store.BranchSummaryEntry{Summary: summary, FromID: entryID},
	})
}

// CreateBranchedSession walks the parent chain from leafID back to the
// root and replays it, in order, into a brand-new session created via mgr,
// reusing this session's agent and recording this session as its parent.
func (s *Session) CreateBranchedSession(mgr store.Manager, leafID string) (store.Session, error) {
	s.mu.RLock()
	path, err := s.pathToLocked(leafID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	agentID := ""
	if s.header.Agent != nil {
		agentID = s.header.Agent.ID
	}

	newSess, err := mgr.NewSession(agentID, s.id)
	if err != nil {
		return nil, err
	}

	for _, e := range path {
		if _, err := newSess.Append(e); err != nil {
			newSess.Close()
			return nil, fmt.Errorf("replaying entry %s: %w", e.ID, err)
		}
	}

	return newSess, nil
}

// pathToLocked returns the linear path from root to id, inclusive. Caller
// must hold s.mu.
func (s *Session) pathToLocked(id string) ([]store.Entry, error) {
	var path []store.Entry
	cur := id
	for cur != "" {
		e, ok := s.entries[cur]
		if !ok {
			return nil, fmt.Errorf("broken parent link: %s", cur)
		}
		path = append([]store.Entry{e}, path...)
		if e.ParentID == nil {
			break
		}
		cur = *e.ParentID
	}
	return path, nil
}

func (s *Session) GetEntry(id string) (store.Entry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	return e, ok
}

func (s *Session) GetChildren(id string) []store.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var children []store.Entry
	for _, e := range s.entries {
		if e.ParentID != nil && *e.ParentID == id {
			children = append(children, e)
		}
	}
	sort.Slice(children, func(i, j int) bool { return children[i].Timestamp.Before(children[j].Timestamp) })
	return children
}

func (s *Session) GetEntries() []store.Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]store.Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id])
	}
	return out
}

func (s *Session) GetLeafEntry() (store.Entry, bool) {
	s.mu.RLock()
	leaf := s.leafID
	s.mu.RUnlock()
	if leaf == "" {
		return store.Entry{}, false
	}
	return s.GetEntry(leaf)
}

func (s *Session) GetBranch(leafID string) ([]store.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pathToLocked(leafID)
}

// BuildSessionContext builds the linear history from the current leaf back
// to root and resolves the most recent compaction entry on that path the
// way the teacher's GetContext does: once a compaction entry is found, the
// result is that compaction entry itself followed by every subsequent
// entry from FirstKeptEntryID onward (skipping any further compaction
// entries), discarding everything compacted away. The resolved entries are
// then converted to message.Message via message.ToLLMView's sibling
// conversion in entriesToMessages.
func (s *Session) BuildSessionContext() ([]message.Message, error) {
	s.mu.RLock()
	fullPath, err := s.pathToLocked(s.leafID)
	s.mu.RUnlock()
	if err != nil {
		return nil, err
	}

	resolved := resolveCompaction(fullPath)
	return entriesToMessages(resolved), nil
}

// resolveCompaction implements the GetContext resolution rule: find the
// last (most recent) compaction entry on the path; if found, keep it plus
// everything from its FirstKeptEntryID onward, dropping anything before it
// and any earlier compaction entries now covered by it.
func resolveCompaction(fullPath []store.Entry) []store.Entry {
	compactionIndex := -1
	for i := len(fullPath) - 1; i >= 0; i-- {
		if fullPath[i].Type == store.EntryTypeCompaction {
			compactionIndex = i
			break
		}
	}
	if compactionIndex == -1 {
		return fullPath
	}

	mostRecent := fullPath[compactionIndex].Compaction
	resolved := []store.Entry{fullPath[compactionIndex]}
	include := false
	for _, e := range fullPath {
		if e.ID == mostRecent.FirstKeptEntryID {
			include = true
		}
		if include && e.Type != store.EntryTypeCompaction {
			resolved = append(resolved, e)
		}
	}
	return resolved
}

// entriesToMessages converts resolved session entries into the message
// slice an LLM transport/compaction engine consumes. Non-message entry
// kinds are rendered the way message.ToLLMView expects to see them so the
// conversion composes cleanly: compaction/branch-summary entries become
// KindCompactionSummary/KindBranchSummary messages, custom-message entries
// become hook messages, and everything else without LLM-visible content
// (ModelChange, ThinkingLevel, Label, opaque Custom) is dropped.
func entriesToMessages(entries []store.Entry) []message.Message {
	out := make([]message.Message, 0, len(entries))
	for _, e := range entries {
		switch e.Type {
		case store.EntryTypeMessage:
			if e.Message != nil {
				out = append(out, *e.Message)
			}
		case store.EntryTypeCompaction:
			if e.Compaction != nil {
				out = append(out, message.NewCompactionSummaryMessage(e.Compaction.Summary))
			}
		case store.EntryTypeBranchSummary:
			if e.BranchSummary != nil {
				out = append(out, message.NewBranchSummaryMessage(e.BranchSummary.Summary))
			}
		case store.EntryTypeCustomMessage:
			if e.CustomMessage != nil {
				out = append(out, message.NewHookMessage(e.CustomMessage.UserContent))
			}
		}
	}
	return out
}

// GetTree returns the full session as a hierarchical tree. Siblings at
// every level are ordered by timestamp, except the subtree containing the
// current leaf is moved to the front, matching spec.md §4.2's get_tree()
// contract (the teacher sorts purely by timestamp).
func (s *Session) GetTree() ([]store.TreeNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byParent := make(map[string][]store.Entry)
	var roots []store.Entry
	onLeafPath := make(map[string]bool)
	for cur := s.leafID; cur != ""; {
		onLeafPath[cur] = true
		e, ok := s.entries[cur]
		if !ok || e.ParentID == nil {
			break
		}
		cur = *e.ParentID
	}

	for _, e := range s.entries {
		if e.ParentID == nil {
			roots = append(roots, e)
		} else {
			byParent[*e.ParentID] = append(byParent[*e.ParentID], e)
		}
	}

	leafFirstSort := func(entries []store.Entry) {
		sort.Slice(entries, func(i, j int) bool {
			li, lj := onLeafPath[entries[i].ID], onLeafPath[entries[j].ID]
			if li != lj {
				return li
			}
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		})
	}

	var build func(store.Entry) store.TreeNode
	build = func(e store.Entry) store.TreeNode {
		node := store.TreeNode{Entry: e, Label: s.labels[e.ID]}
		children := byParent[e.ID]
		leafFirstSort(children)
		for _, c := range children {
			node.Children = append(node.Children, build(c))
		}
		return node
	}

	leafFirstSort(roots)
	tree := make([]store.TreeNode, 0, len(roots))
	for _, r := range roots {
		tree = append(tree, build(r))
	}
	return tree, nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fileHandle != nil {
		return s.fileHandle.Close()
	}
	return nil
}

func (s *Session) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = s.fileHandle.Write(append(data, '\n'))
	return err
}

// Refresh re-scans the file from the start, picking up entries appended by
// another process sharing this session directory (spec.md §4.2 / §5
// "Shared resources"). New entries are merged in; the leaf pointer is
// advanced only if the scan found a later entry than what's already
// in memory.
func (s *Session) Refresh() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.fileHandle.Seek(0, 0); err != nil {
		return err
	}
	scanner := bufio.NewScanner(s.fileHandle)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	if !scanner.Scan() {
		return nil
	}

	var lastID string
	for scanner.Scan() {
		var e store.Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		if _, known := s.entries[e.ID]; !known {
			s.order = append(s.order, e.ID)
			lastID = e.ID
		}
		s.entries[e.ID] = e

		if e.Type == store.EntryTypeLabel && e.Label != nil {
			s.labels[e.Label.TargetID] = e.Label.Label
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if lastID != "" {
		s.leafID = lastID
	}
	return nil
}
