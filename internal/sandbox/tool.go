package sandbox

import (
	"context"
	"fmt"

	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/tools"
)

// BashTool adapts a Manager into a pkg/tools.Tool, letting cmd/forge wire a
// bash tool backed by a per-session container instead of pkg/tools.
// BashTool's local os/exec. Grounded on pkg/tools.BashTool's own shape
// (same name/schema, so a session's transcript and the model's tool-call
// contract are unaffected by which backend is wired); SessionID is baked
// in at construction since one container is reused for every command a
// given session issues.
type BashTool struct {
	Manager   Manager
	SessionID string
}

var _ tools.Tool = (*BashTool)(nil)

func (t *BashTool) Name() string  { return "bash" }
func (t *BashTool) Label() string { return "Run command (sandboxed)" }

func (t *BashTool) Description() string {
	return "Execute a shell command inside an isolated per-session container and return its combined stdout/stderr."
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

	res, err := t.Manager.Run(ctx, t.SessionID, command)
	if err != nil {
		return message.NewToolResultMessage(callID, true, err.Error()), nil
	}
	return message.NewToolResultMessage(callID, res.ExitCode != 0, res.Output), nil
}
