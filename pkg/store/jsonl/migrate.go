package jsonl

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/wilbur182/forge-agent/pkg/store"
)

// migrateIfStale rewrites a session file in place when its header reports a
// Version older than store.CurrentVersion(). The only migration this
// module currently performs (spec.md §4.2 "Migration",
// original_source/tests/session_manager_migration.rs) is assigning an id
// to any legacy entry that lacks one and relinking ParentID to point at the
// entry immediately before it in file order, then bumping the header's
// Version. Files already at the current version are left untouched.
func migrateIfStale(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading session file: %w", err)
	}

	lines := splitLines(data)
	if len(lines) == 0 {
		return nil
	}

	var header store.Header
	if err := json.Unmarshal(lines[0], &header); err != nil {
		return fmt.Errorf("unmarshaling header: %w", err)
	}
	if header.Version >= store.CurrentVersion() {
		return nil
	}

	entries := make([]store.Entry, 0, len(lines)-1)
	for _, line := range lines[1:] {
		var e store.Entry
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}

	var previousID string
	for i := range entries {
		if entries[i].ID == "" {
			entries[i].ID = store.NewEntryID()
		}
		if entries[i].ParentID == nil && previousID != "" {
			pid := previousID
			entries[i].ParentID = &pid
		}
		previousID = entries[i].ID
	}

	header.Version = store.CurrentVersion()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("rewriting session file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	if err := enc.Encode(header); err != nil {
		return err
	}
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
