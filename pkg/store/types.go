package store

import (
	"time"

	"github.com/wilbur182/forge-agent/pkg/message"
)

// EntryType discriminates the payload a Entry carries.
type EntryType string

const (
	EntryTypeMessage       EntryType = "message"
	EntryTypeCompaction    EntryType = "compaction"
	EntryTypeBranchSummary EntryType = "branch_summary"
	EntryTypeModelChange   EntryType = "model_change"
	EntryTypeThinkingLevel EntryType = "thinking_level"
	EntryTypeLabel         EntryType = "label"
	EntryTypeCustom        EntryType = "custom"
	EntryTypeCustomMessage EntryType = "custom_message"
)

// Agent is an optional named preset bundling a system prompt, default
// model, and an allow-list of tools, carried over from the teacher's
// store.Agent so cmd/forge can offer multiple presets the way the
// teacher's TUI agent-selection screen does (SPEC_FULL.md §8).
type Agent struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Instructions string   `json:"instructions"`
	Model        string   `json:"model,omitempty"`
	Tools        []string `json:"tools,omitempty"`
}

// Header is the first line of a session's JSONL file.
type Header struct {
	Type          string    `json:"type"`
	ID            string    `json:"id"`
	Version       int       `json:"version"`
	CreatedAt     time.Time `json:"createdAt"`
	Cwd           string    `json:"cwd"`
	ParentSession *string   `json:"parentSession,omitempty"`
	Agent         *Agent    `json:"agent,omitempty"`
}

// currentVersion is the Header.Version this package writes. LoadSession
// migrates any file whose header reports an older version.
const currentVersion = 2

// CurrentVersion returns the Header.Version new sessions are written with.
func CurrentVersion() int { return currentVersion }

// CompactionDetails records which files a compaction pass observed as read
// or modified, ported from original_source's CompactionDetails so a
// subsequent compaction can seed its own file-operations extraction from
// the previous one (compaction.rs extract_file_operations).
type CompactionDetails struct {
	ReadFiles     []string `json:"readFiles"`
	ModifiedFiles []string `json:"modifiedFiles"`
}

// CompactionEntry is the payload of an EntryTypeCompaction entry.
type CompactionEntry struct {
	Summary          string             `json:"summary"`
	FirstKeptEntryID string             `json:"firstKeptEntryId"`
	TokensBefore     int                `json:"tokensBefore"`
	FromHook         bool               `json:"fromHook,omitempty"`
	Details          *CompactionDetails `json:"details,omitempty"`
}

// BranchSummaryEntry is the payload of an EntryTypeBranchSummary entry.
type BranchSummaryEntry struct {
	Summary string `json:"summary"`
	FromID  string `json:"fromId"`
}

// ModelChangeEntry is the payload of an EntryTypeModelChange entry.
type ModelChangeEntry struct {
	Model string `json:"model"`
}

// ThinkingLevelEntry is the payload of an EntryTypeThinkingLevel entry.
type ThinkingLevelEntry struct {
	Level string `json:"level"`
}

// LabelEntry is the payload of an EntryTypeLabel entry: a bookmark string
// associated with an earlier entry, identified by TargetID. An empty Label
// clears a previously set bookmark.
type LabelEntry struct {
	TargetID string `json:"targetId"`
	Label    string `json:"label,omitempty"`
}

// CustomEntry carries an opaque, application-defined payload that never
// participates in the LLM view (BuildSessionContext drops it).
type CustomEntry struct {
	CustomType string         `json:"customType"`
	Data       map[string]any `json:"data"`
}

// CustomMessageEntry is a display-visible custom entry: it carries user-
// facing text, a display hint for the TUI, and optional structured detail,
// matching spec.md's CustomMessage message variant (distinct from the
// opaque CustomEntry above, which the teacher's plain Custom entry already
// covered).
type CustomMessageEntry struct {
	UserContent string         `json:"userContent"`
	DisplayHint string         `json:"displayHint,omitempty"`
	Details     map[string]any `json:"details,omitempty"`
}

// Entry is one line of a session's JSONL body: a node in the append-only,
// parent-linked session graph. Exactly one of the payload pointers is
// non-nil, selected by Type.
type Entry struct {
	ID        string    `json:"id"`
	ParentID  *string   `json:"parentId,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Type      EntryType `json:"type"`

	Message       *message.Message    `json:"message,omitempty"`
	Compaction    *CompactionEntry    `json:"compaction,omitempty"`
	BranchSummary *BranchSummaryEntry `json:"branchSummary,omitempty"`
	ModelChange   *ModelChangeEntry   `json:"modelChange,omitempty"`
	ThinkingLevel *ThinkingLevelEntry `json:"thinkingLevel,omitempty"`
	Label         *LabelEntry         `json:"label,omitempty"`
	Custom        *CustomEntry        `json:"custom,omitempty"`
	CustomMessage *CustomMessageEntry `json:"customMessage,omitempty"`
}

// TreeNode is a node in a session's rendered tree, produced by GetTree.
type TreeNode struct {
	Entry    Entry      `json:"entry"`
	Children []TreeNode `json:"children,omitempty"`
	Label    string     `json:"label,omitempty"`
}

// SessionMeta summarizes a session for listing, grounded on the teacher's
// index.json SessionMeta shape.
type SessionMeta struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	CreatedAt  time.Time `json:"createdAt"`
	ModifiedAt time.Time `json:"modifiedAt"`
	Label      string    `json:"label,omitempty"`
	AgentID    string    `json:"agentId,omitempty"`
}
