package store

import "github.com/wilbur182/forge-agent/pkg/message"

// Manager creates, loads, and lists sessions in a directory, generalized
// from the teacher's pkg/store/interfaces.go Manager.
type Manager interface {
	// NewSession creates a session, optionally bound to an agent preset and
	// optionally recording a parent session (for ForkFrom/branch exports).
	NewSession(agentID, parentSessionID string) (Session, error)

	// LoadSession opens an existing session file by ID, migrating it in
	// place first if its header reports an older Version.
	LoadSession(id string) (Session, error)

	// ContinueRecent scans the managed directory for the most recently
	// modified well-formed session file and loads it.
	ContinueRecent() (Session, error)

	// ForkFrom creates a new session that is a full copy of an existing
	// session's entries, recording the source as ParentSession.
	ForkFrom(id string) (Session, error)

	// ListSessions returns metadata for every session file in the managed
	// directory.
	ListSessions() ([]SessionMeta, error)

	// Subscribe returns a channel that emits session IDs whenever any
	// managed session is appended to, whether by this process or, via the
	// directory watch, another one.
	Subscribe() <-chan string

	// NewAgent, UpdateAgent, DeleteAgent, ListAgents, GetAgent manage the
	// named Agent presets stored alongside sessions.
	NewAgent(a *Agent) error
	UpdateAgent(a *Agent) error
	DeleteAgent(id string) error
	ListAgents() ([]Agent, error)
	GetAgent(id string) (*Agent, error)
}

// Session is a single conversation's append-only entry log: the leaf
// pointer, tree/branch queries, and persistence, generalized from the
// teacher's pkg/store/interfaces.go Session onto message.Message payloads.
type Session interface {
	ID() string
	Path() string
	Header() Header
	LeafID() string

	// Append adds entry as a child of the current leaf (if ParentID is
	// unset) and advances the leaf pointer, returning the entry with its ID
	// and Timestamp populated.
	Append(entry Entry) (Entry, error)

	// AppendMessage is a convenience wrapper appending an
	// EntryTypeMessage entry.
	AppendMessage(msg message.Message) (Entry, error)

	AppendThinkingLevelChange(level string) (Entry, error)
	AppendModelChange(model string) (Entry, error)
	AppendCompaction(c CompactionEntry) (Entry, error)
	AppendCustomEntry(customType string, data map[string]any) (Entry, error)
	AppendCustomMessage(userContent, displayHint string, details map[string]any) (Entry, error)

	// SetLabel associates a bookmark string with targetID (empty label
	// clears it).
	SetLabel(targetID string, label string) (Entry, error)

	// Branch moves the leaf pointer to entryID without altering the graph.
	Branch(entryID string) error

	// BranchWithSummary branches and records a BranchSummary entry
	// describing the abandoned path.
	BranchWithSummary(entryID string, summary string) (Entry, error)

	// CreateBranchedSession walks the parent chain from leafID back to the
	// root and replays it into a brand-new session created via mgr.
	CreateBranchedSession(mgr Manager, leafID string) (Session, error)

	// GetEntry looks up a single entry by ID.
	GetEntry(id string) (Entry, bool)

	// GetChildren returns the entries whose ParentID is id.
	GetChildren(id string) []Entry

	// GetEntries returns every entry in file order.
	GetEntries() []Entry

	// GetLeafEntry returns the entry the leaf pointer currently refers to.
	GetLeafEntry() (Entry, bool)

	// GetBranch returns the linear path from root to leafID (inclusive),
	// without resolving compaction.
	GetBranch(leafID string) ([]Entry, error)

	// BuildSessionContext builds the linear history from the current leaf
	// back to root, resolving the most recent compaction the way
	// spec.md §4.6 "Context resolution" describes, and converts it to the
	// message.Message slice the agent loop/transport consume.
	BuildSessionContext() ([]message.Message, error)

	// GetTree returns the full session as a hierarchical tree, with the
	// subtree containing the current leaf ordered first at every level.
	GetTree() ([]TreeNode, error)

	// Refresh reloads session state from the underlying storage, for
	// multi-process resume.
	Refresh() error

	Close() error
}
