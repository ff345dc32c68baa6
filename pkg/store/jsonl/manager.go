// Package jsonl implements store.Manager and store.Session on top of
// newline-delimited JSON files, one per session, generalized from the
// teacher's pkg/store/jsonl/{manager,session}.go. Session listing and
// resume are done by scanning the session directory directly (spec.md
// §4.2 "Resume": most recent well-formed session file, malformed lines
// skipped individually) rather than through a separate index.json side
// file the teacher maintained — removing that side file also removes the
// class of bugs where the index and the directory disagree.
package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	"github.com/wilbur182/forge-agent/pkg/store"
)

// Manager implements store.Manager using one JSONL file per session under
// rootDir/sessions and one JSON file per agent under rootDir/agents.
type Manager struct {
	rootDir  string
	agentDir string
	sessDir  string

	mu   sync.RWMutex
	subs []chan string

	watcher *fsnotify.Watcher
}

// NewManager creates (if needed) the rootDir/{agents,sessions} layout and
// starts a directory watch so Subscribe also wakes on writes made by other
// processes sharing the same session directory (spec.md §5 "Shared
// resources"; grounded on wilbur182-forge's use of fsnotify, absent from
// the teacher, which only fans out in-process events).
func NewManager(rootDir string) (*Manager, error) {
	m := &Manager{
		rootDir:  rootDir,
		agentDir: filepath.Join(rootDir, "agents"),
		sessDir:  filepath.Join(rootDir, "sessions"),
	}
	if err := os.MkdirAll(m.agentDir, 0755); err != nil {
		return nil, fmt.Errorf("creating agent directory: %w", err)
	}
	if err := os.MkdirAll(m.sessDir, 0755); err != nil {
		return nil, fmt.Errorf("creating session directory: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("starting session directory watch: %w", err)
	}
	if err := w.Add(m.sessDir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching session directory: %w", err)
	}
	m.watcher = w

	go m.watchLoop()
	return m, nil
}

func (m *Manager) watchLoop() {
	for {
		select {
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			id := strings.TrimSuffix(filepath.Base(ev.Name), ".jsonl")
			m.publish(id)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			slog.Error("session directory watch error", "error", err)
		}
	}
}

func (m *Manager) Subscribe() <-chan string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan string, 10)
	m.subs = append(m.subs, ch)
	return ch
}

func (m *Manager) publish(id string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subs {
		select {
		case sub <- id:
		default:
		}
	}
}


// NewSession creates a new session file, resolving agentID against the
// agent store the same way the teacher's NewSession does: explicit id,
// else "default", else the first agent found, else a freshly created
// bare-bones default agent.
func (m *Manager) NewSession(agentID, parentSessionID string) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, err := m.resolveAgentLocked(agentID)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	path := filepath.Join(m.sessDir, id+".jsonl")

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("creating session file: %w", err)
	}

	s := &Session{
		id:         id,
		filePath:   path,
		entries:    make(map[string]store.Entry),
		order:      nil,
		fileHandle: f,
		labels:     make(map[string]string),
		notify:     m.publish,
	}

	header := store.Header{
		Type:      "session",
		ID:        id,
		Version:   store.CurrentVersion(),
		CreatedAt: time.Now(),
		Agent:     agent,
	}
	if parentSessionID != "" {
		header.ParentSession = &parentSessionID
	}
	s.header = header

	if err := s.writeLine(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing session header: %w", err)
	}

	return s, nil
}

func (m *Manager) resolveAgentLocked(agentID string) (*store.Agent, error) {
	if agentID == "" {
		agentID = "default"
	}
	agent, err := m.GetAgent(agentID)
	if err == nil {
		return agent, nil
	}
	if agentID != "default" {
		return nil, fmt.Errorf("getting agent %s: %w", agentID, err)
	}

	agents, listErr := m.listAgentsLocked()
	if listErr == nil && len(agents) > 0 {
		return &agents[0], nil
	}

	fallback := &store.Agent{
		ID:           "default",
		Name:         "Default Agent",
		Instructions: "You are a helpful coding assistant.",
	}
	if createErr := m.newAgentLocked(fallback); createErr != nil {
		return nil, fmt.Errorf("creating default agent: %w", createErr)
	}
	return fallback, nil
}

// LoadSession opens an existing session file, migrating it in place first
// if its header's Version predates store.CurrentVersion() (spec.md §4.2
// "Migration"; original_source/tests/session_manager_migration.rs).
func (m *Manager) LoadSession(id string) (store.Session, error) {
	path := filepath.Join(m.sessDir, id+".jsonl")

	if err := migrateIfStale(path); err != nil {
		return nil, fmt.Errorf("migrating session %s: %w", id, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening session file: %w", err)
	}

	s := &Session{
		filePath:   path,
		entries:    make(map[string]store.Entry),
		fileHandle: f,
		labels:     make(map[string]string),
		notify:     m.publish,
	}

	if err := m.loadEntries(s); err != nil {
		f.Close()
		return nil, fmt.Errorf("loading entries: %w", err)
	}

	return s, nil
}

// ContinueRecent scans the session directory for the most recently
// modified, well-formed session file. Malformed files (unparseable header)
// are skipped rather than failing the scan, per spec.md §4.2 "Resume".
func (m *Manager) ContinueRecent() (store.Session, error) {
	metas, err := m.ListSessions()
	if err != nil {
		return nil, err
	}
	if len(metas) == 0 {
		return nil, fmt.Errorf("no sessions found in %s", m.sessDir)
	}
	return m.LoadSession(metas[0].ID)
}

// ForkFrom creates a new session that is a full, order-preserving copy of
// an existing session's entries, reusing the source session's agent and
// recording it as ParentSession.
func (m *Manager) ForkFrom(id string) (store.Session, error) {
	source, err := m.LoadSession(id)
	if err != nil {
		return nil, err
	}
	defer source.Close()

	header := source.Header()
	agentID := ""
	if header.Agent != nil {
		agentID = header.Agent.ID
	}

	dest, err := m.NewSession(agentID, source.ID())
	if err != nil {
		return nil, err
	}

	for _, e := range source.GetEntries() {
		if _, err := dest.Append(e); err != nil {
			dest.Close()
			return nil, fmt.Errorf("copying entry %s: %w", e.ID, err)
		}
	}

	return dest, nil
}

// ListSessions scans the session directory directly: one stat+header-read
// per *.jsonl file, sorted by modification time descending. Files whose
// header can't be parsed are skipped individually rather than aborting the
// whole scan.
func (m *Manager) ListSessions() ([]store.SessionMeta, error) {
	entries, err := os.ReadDir(m.sessDir)
	if err != nil {
		return nil, fmt.Errorf("reading session directory: %w", err)
	}

	var metas []store.SessionMeta
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".jsonl" {
			continue
		}
		path := filepath.Join(m.sessDir, e.Name())
		meta, ok := readSessionMeta(path)
		if !ok {
			continue
		}
		metas = append(metas, meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		return metas[i].ModifiedAt.After(metas[j].ModifiedAt)
	})

	return metas, nil
}

func readSessionMeta(path string) (store.SessionMeta, bool) {
	info, err := os.Stat(path)
	if err != nil {
		return store.SessionMeta{}, false
	}

	f, err := os.Open(path)
	if err != nil {
		return store.SessionMeta{}, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	if !scanner.Scan() {
		return store.SessionMeta{}, false
	}
	var h store.Header
	if err := json.Unmarshal(scanner.Bytes(), &h); err != nil {
		return store.SessionMeta{}, false
	}

	meta := store.SessionMeta{
		ID:         h.ID,
		Path:       path,
		CreatedAt:  h.CreatedAt,
		ModifiedAt: info.ModTime(),
	}
	if h.Agent != nil {
		meta.AgentID = h.Agent.ID
	}
	return meta, true
}

// Agent methods, unchanged in shape from the teacher: one JSON file per
// agent under rootDir/agents.

func (m *Manager) listAgentsLocked() ([]store.Agent, error) {
	if _, err := os.Stat(m.agentDir); os.IsNotExist(err) {
		return nil, nil
	}

	entries, err := os.ReadDir(m.agentDir)
	if err != nil {
		return nil, err
	}

	var agents []store.Agent
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(m.agentDir, e.Name()))
		if err != nil {
			continue
		}
		var a store.Agent
		if err := json.Unmarshal(data, &a); err == nil {
			agents = append(agents, a)
		}
	}
	return agents, nil
}

func (m *Manager) newAgentLocked(a *store.Agent) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.agentDir, a.ID+".json"), data, 0644)
}

func (m *Manager) NewAgent(a *store.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.newAgentLocked(a)
}

func (m *Manager) UpdateAgent(a *store.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		return fmt.Errorf("agent id is required for update")
	}
	path := filepath.Join(m.agentDir, a.ID+".json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("agent %s not found", a.ID)
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

func (m *Manager) DeleteAgent(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	path := filepath.Join(m.agentDir, id+".json")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("agent %s not found", id)
	}
	return os.Remove(path)
}

func (m *Manager) ListAgents() ([]store.Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listAgentsLocked()
}

func (m *Manager) GetAgent(id string) (*store.Agent, error) {
	data, err := os.ReadFile(filepath.Join(m.agentDir, id+".json"))
	if err != nil {
		return nil, err
	}
	var a store.Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// maxLineSize bounds a single JSONL line (a session header or entry).
// Compaction summaries and tool outputs are the largest entries this
// module writes; 8MiB leaves ample headroom above anything realistic.
const maxLineSize = 8 * 1024 * 1024

// loadEntries reads every line of s.fileHandle into memory: the header
// into s.header/s.id, and each entry into s.entries/s.order, tracking the
// last successfully parsed entry id as the leaf pointer. A malformed entry
// line is skipped rather than aborting the load (spec.md §4.2 "Resume").
func (m *Manager) loadEntries(s *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.fileHandle.Seek(0, io.SeekStart); err != nil {
		return err
	}

	scanner := bufio.NewScanner(s.fileHandle)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	if scanner.Scan() {
		var h store.Header
		if err := json.Unmarshal(scanner.Bytes(), &h); err != nil {
			return fmt.Errorf("unmarshaling header: %w", err)
		}
		s.id = h.ID
		s.header = h
	}

	var lastID string
	for scanner.Scan() {
		var e store.Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			slog.Warn("skipping malformed session entry", "session", s.id, "error", err)
			continue
		}
		s.entries[e.ID] = e
		s.order = append(s.order, e.ID)
		lastID = e.ID

		if e.Type == store.EntryTypeLabel && e.Label != nil {
			s.labels[e.Label.TargetID] = e.Label.Label
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	s.leafID = lastID
	return nil
}

