package tools

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/wilbur182/forge-agent/pkg/message"
)

// BashTool runs a shell command via os/exec, honoring the caller's context:
// when ctx is canceled (the session's cooperative-cancel flag, per spec.md
// §5 "Suspension points"), the child process is killed rather than left to
// run to completion.
type BashTool struct {
	// Shell is the interpreter invoked with "-c". Defaults to "/bin/sh".
	Shell string
	// Timeout bounds a single command when non-zero. Zero means no bound
	// beyond ctx's own deadline/cancellation.
	Timeout time.Duration
}

func (t *BashTool) Name() string  { return "bash" }
func (t *BashTool) Label() string { return "Run command" }

func (t *BashTool) Description() string {
	return "Execute a shell command and return its combined stdout/stderr."
}

func (t *BashTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "description": "The shell command to run."},
		},
		"required": []string{"command"},
	}
}

func (t *BashTool) Execute(ctx context.Context, callID string, args map[string]any) (message.Message, error) {
	command, _ := args["command"].(string)
	if command == "" {
		return message.Message{}, fmt.Errorf("argument 'command' is required")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if t.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, t.Timeout)
		defer cancel()
	}

	shell := t.Shell
	if shell == "" {
		shell = "/bin/sh"
	}

	slog.Debug("bash", "command", command)
	cmd := exec.CommandContext(runCtx, shell, "-c", command)

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	runErr := cmd.Run()
	output := out.String()

	if runErr != nil {
		if runCtx.Err() != nil {
			output += fmt.Sprintf("\n[command canceled: %v]", runCtx.Err())
		}
		return message.NewToolResultMessage(callID, true, output), nil
	}
	return message.NewToolResultMessage(callID, false, output), nil
}
