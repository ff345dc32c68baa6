package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/wilbur182/forge-agent/pkg/message"
)

const maxSearchResults = 200

// GrepTool searches file contents under a path for lines matching a regular
// expression, the way a ripgrep-style tool would but implemented directly
// over the standard library so it needs no external binary.
type GrepTool struct{}

func (t *GrepTool) Name() string  { return "grep" }
func (t *GrepTool) Label() string { return "Search file contents" }

func (t *GrepTool) Description() string {
	return "Search file contents under a path for lines matching a regular expression."
}

func (t *GrepTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Regular expression to search for."},
			"path":    map[string]any{"type": "string", "description": "Directory or file to search."},
		},
		"required": []string{"pattern", "path"},
	}
}

func (t *GrepTool) Execute(ctx context.Context, callID string, args map[string]any) (message.Message, error) {
	pattern, _ := args["pattern"].(string)
	path, _ := args["path"].(string)
	if pattern == "" || path == "" {
		return message.Message{}, fmt.Errorf("arguments 'pattern' and 'path' are required")
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return message.Message{}, fmt.Errorf("invalid pattern: %w", err)
	}

	var b strings.Builder
	matches := 0
	walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if matches >= maxSearchResults {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && d.Name() != "." {
				return filepath.SkipDir
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		f, openErr := os.Open(p)
		if openErr != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			if re.MatchString(scanner.Text()) {
				fmt.Fprintf(&b, "%s:%d:%s\n", p, lineNo, scanner.Text())
				matches++
				if matches >= maxSearchResults {
					break
				}
			}
		}
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		return message.Message{}, fmt.Errorf("searching %s: %w", path, walkErr)
	}

	if matches == 0 {
		return message.NewToolResultMessage(callID, false, "no matches"), nil
	}
	return message.NewToolResultMessage(callID, false, b.String()), nil
}

// FindTool locates files under a path whose name matches a glob pattern.
type FindTool struct{}

func (t *FindTool) Name() string  { return "find" }
func (t *FindTool) Label() string { return "Find files" }

func (t *FindTool) Description() string {
	return "Find files under a path whose name matches a glob pattern."
}

func (t *FindTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Glob pattern to match file names against, e.g. '*.go'."},
			"path":    map[string]any{"type": "string", "description": "Directory to search."},
		},
		"required": []string{"pattern", "path"},
	}
}

func (t *FindTool) Execute(ctx context.Context, callID string, args map[string]any) (message.Message, error) {
	pattern, _ := args["pattern"].(string)
	path, _ := args["path"].(string)
	if pattern == "" || path == "" {
		return message.Message{}, fmt.Errorf("arguments 'pattern' and 'path' are required")
	}

	var results []string
	walkErr := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if len(results) >= maxSearchResults {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && d.Name() != "." {
				return filepath.SkipDir
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		ok, matchErr := filepath.Match(pattern, d.Name())
		if matchErr == nil && ok {
			results = append(results, p)
		}
		return nil
	})
	if walkErr != nil && walkErr != filepath.SkipAll {
		return message.Message{}, fmt.Errorf("searching %s: %w", path, walkErr)
	}

	if len(results) == 0 {
		return message.NewToolResultMessage(callID, false, "no matches"), nil
	}
	return message.NewToolResultMessage(callID, false, strings.Join(results, "\n")), nil
}
