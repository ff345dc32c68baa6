package tools

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/wilbur182/forge-agent/pkg/message"
)

// ListFilesTool lists the entries of a directory.
type ListFilesTool struct{}

func (t *ListFilesTool) Name() string  { return "ls" }
func (t *ListFilesTool) Label() string { return "List files" }

func (t *ListFilesTool) Description() string {
	return "List files and directories at a given path."
}

func (t *ListFilesTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "The directory path to list."},
		},
		"required": []string{"path"},
	}
}

func (t *ListFilesTool) Execute(ctx context.Context, callID string, args map[string]any) (message.Message, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return message.Message{}, fmt.Errorf("argument 'path' is required")
	}

	slog.Debug("ls", "path", path)
	entries, err := os.ReadDir(path)
	if err != nil {
		return message.Message{}, fmt.Errorf("listing %s: %w", path, err)
	}

	var b strings.Builder
	for _, e := range entries {
		if e.IsDir() {
			fmt.Fprintf(&b, "%s/\n", e.Name())
		} else {
			fmt.Fprintf(&b, "%s\n", e.Name())
		}
	}
	return message.NewToolResultMessage(callID, false, b.String()), nil
}

// ReadFileTool reads a file's full contents.
type ReadFileTool struct{}

func (t *ReadFileTool) Name() string  { return "read" }
func (t *ReadFileTool) Label() string { return "Read file" }

func (t *ReadFileTool) Description() string {
	return "Read the contents of a file."
}

func (t *ReadFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "The file path to read."},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, callID string, args map[string]any) (message.Message, error) {
	path, _ := args["path"].(string)
	if path == "" {
		return message.Message{}, fmt.Errorf("argument 'path' is required")
	}

	slog.Debug("read", "path", path)
	data, err := os.ReadFile(path)
	if err != nil {
		return message.Message{}, fmt.Errorf("reading %s: %w", path, err)
	}
	return message.NewToolResultMessage(callID, false, string(data)), nil
}

// WriteFileTool overwrites (or creates) a file with the given content.
type WriteFileTool struct{}

func (t *WriteFileTool) Name() string  { return "write" }
func (t *WriteFileTool) Label() string { return "Write file" }

func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating it (and parent directories) if necessary."
}

func (t *WriteFileTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "The file path to write to."},
			"content": map[string]any{"type": "string", "description": "The content to write."},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, callID string, args map[string]any) (message.Message, error) {
	path, _ := args["path"].(string)
	content, _ := args["content"].(string)
	if path == "" {
		return message.Message{}, fmt.Errorf("argument 'path' is required")
	}

	slog.Debug("write", "path", path, "size", len(content))

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return message.Message{}, fmt.Errorf("creating parent directories for %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return message.Message{}, fmt.Errorf("writing %s: %w", path, err)
	}
	return message.NewToolResultMessage(callID, false, fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}

// EditTool performs an exact, unique string replacement in an existing
// file, the way a careful inline editor does: it refuses when oldString is
// absent or ambiguous rather than guessing.
type EditTool struct{}

func (t *EditTool) Name() string  { return "edit" }
func (t *EditTool) Label() string { return "Edit file" }

func (t *EditTool) Description() string {
	return "Replace an exact, unique occurrence of old_string with new_string in a file."
}

func (t *EditTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":        map[string]any{"type": "string", "description": "The file path to edit."},
			"old_string":  map[string]any{"type": "string", "description": "Exact text to replace."},
			"new_string":  map[string]any{"type": "string", "description": "Replacement text."},
			"replace_all": map[string]any{"type": "boolean", "description": "Replace every occurrence instead of requiring uniqueness."},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditTool) Execute(ctx context.Context, callID string, args map[string]any) (message.Message, error) {
	path, _ := args["path"].(string)
	oldString, _ := args["old_string"].(string)
	newString, _ := args["new_string"].(string)
	replaceAll, _ := args["replace_all"].(bool)
	if path == "" {
		return message.Message{}, fmt.Errorf("argument 'path' is required")
	}
	if oldString == newString {
		return message.Message{}, fmt.Errorf("old_string and new_string must differ")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return message.Message{}, fmt.Errorf("reading %s: %w", path, err)
	}
	content := string(data)

	count := strings.Count(content, oldString)
	if count == 0 {
		return message.Message{}, fmt.Errorf("old_string not found in %s", path)
	}
	if count > 1 && !replaceAll {
		return message.Message{}, fmt.Errorf("old_string is not unique in %s (%d occurrences); pass replace_all or widen the match", path, count)
	}

	var updated string
	if replaceAll {
		updated = strings.ReplaceAll(content, oldString, newString)
	} else {
		updated = strings.Replace(content, oldString, newString, 1)
	}

	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		return message.Message{}, fmt.Errorf("writing %s: %w", path, err)
	}
	return message.NewToolResultMessage(callID, false, fmt.Sprintf("edited %s", path)), nil
}
