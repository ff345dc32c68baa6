package openai

import (
	"testing"

	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/transport"
)

func TestConvertInput_UserAndToolResult(t *testing.T) {
	msgs := []message.Message{
		message.NewUserMessage(message.Block{Text: &message.TextBlock{Text: "hi"}}),
		message.NewToolResultMessage("call-1", false, "42"),
	}
	items, instructions, err := convertInput(msgs)
	if err != nil {
		t.Fatalf("convertInput: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("len(items) = %d, want 2", len(items))
	}
	if instructions != "" {
		t.Fatalf("instructions = %q, want empty", instructions)
	}
}

func TestConvertInput_AssistantToolCallCarriesForward(t *testing.T) {
	msgs := []message.Message{
		message.NewAssistantMessage("gpt-x", message.StopReasonToolUse, message.Block{
			ToolCall: &message.ToolCallBlock{ID: "call-1", Name: "read", Arguments: map[string]any{"path": "a.go"}},
		}),
	}
	items, _, err := convertInput(msgs)
	if err != nil {
		t.Fatalf("convertInput: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1 (the function_call item)", len(items))
	}
}

func TestConvertInput_BashExecutionRendersAsUserText(t *testing.T) {
	msgs := []message.Message{
		message.NewBashExecutionMessage("echo hi", "hi\n"),
	}
	items, _, err := convertInput(msgs)
	if err != nil {
		t.Fatalf("convertInput: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("len(items) = %d, want 1", len(items))
	}
}

func TestConvertTools(t *testing.T) {
	tools := []transport.ToolDef{
		{
			Name:        "read",
			Description: "Read a file",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"path": map[string]any{"type": "string"},
				},
				"required": []string{"path"},
			},
		},
	}
	out, err := convertTools(tools)
	if err != nil {
		t.Fatalf("convertTools: %v", err)
	}
	if len(out) != 1 {
		t.Fatalf("len(out) = %d, want 1", len(out))
	}
	if out[0].OfFunction == nil || out[0].OfFunction.Name != "read" {
		t.Fatalf("OfFunction = %+v, want Name=read", out[0].OfFunction)
	}
}

func TestBlocksText_ConcatenatesTextBlocksOnly(t *testing.T) {
	blocks := []message.Block{
		{Text: &message.TextBlock{Text: "hello"}},
		{ToolCall: &message.ToolCallBlock{ID: "x", Name: "y"}},
	}
	if got := blocksText(blocks); got != "hello" {
		t.Fatalf("blocksText = %q, want %q", got, "hello")
	}
}
