package codex

import (
	"testing"

	"github.com/wilbur182/forge-agent/pkg/message"
)

func TestNormalizeModel(t *testing.T) {
	cases := map[string]string{
		"gpt-5.1-codex":        "gpt-5.1-codex",
		"gpt 5 codex mini":     "codex-mini-latest",
		"gpt-5.2-codex":        "gpt-5.2-codex",
		"":                     "gpt-5.1",
		"openai/gpt-5.1-codex": "gpt-5.1-codex",
	}
	for in, want := range cases {
		if got := normalizeModel(in); got != want {
			t.Errorf("normalizeModel(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClampReasoningEffort_CodexMiniClampsXHighToHigh(t *testing.T) {
	got := clampReasoningEffort("gpt-5.1-codex-mini", "xhigh")
	if got != "high" {
		t.Fatalf("clampReasoningEffort = %q, want %q", got, "high")
	}
}

func TestClampReasoningEffort_Gpt52CodexSupportsXHigh(t *testing.T) {
	got := clampReasoningEffort("gpt-5.2-codex", "xhigh")
	if got != "xhigh" {
		t.Fatalf("clampReasoningEffort = %q, want %q", got, "xhigh")
	}
}

func TestClampReasoningEffort_CodexDoesNotSupportMinimal(t *testing.T) {
	got := clampReasoningEffort("gpt-5.1-codex", "minimal")
	if got != "low" {
		t.Fatalf("clampReasoningEffort = %q, want %q", got, "low")
	}
}

func TestFabricateOrphanedToolResults(t *testing.T) {
	msgs := []message.Message{
		message.NewToolResultMessage("call-orphan", false, "some output"),
		message.NewAssistantMessage("gpt-5.1-codex", message.StopReasonToolUse, message.Block{
			ToolCall: &message.ToolCallBlock{ID: "call-known", Name: "read"},
		}),
		message.NewToolResultMessage("call-known", false, "file contents"),
	}
	out := fabricateOrphanedToolResults(msgs)
	if len(out) != 3 {
		t.Fatalf("len(out) = %d, want 3", len(out))
	}
	if out[0].Kind != message.KindHookMessage {
		t.Fatalf("out[0].Kind = %s, want hook_message (orphaned)", out[0].Kind)
	}
	if out[2].Kind != message.KindToolResult {
		t.Fatalf("out[2].Kind = %s, want tool_result (matched)", out[2].Kind)
	}
}
