package message

import "testing"

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		name string
		msg  Message
		want int
	}{
		{
			name: "user text",
			msg:  NewUserMessage(Block{Text: &TextBlock{Text: "abcd"}}),
			want: 1,
		},
		{
			name: "user image",
			msg:  NewUserMessage(Block{Image: &ImageBlock{Data: "x", MediaType: "image/png"}}),
			want: ceilDiv(imageCharEquivalent, 4),
		},
		{
			name: "assistant image free",
			msg:  NewAssistantMessage("m", StopReasonStop, Block{Image: &ImageBlock{Data: "x"}}),
			want: 0,
		},
		{
			name: "assistant tool call counts name and args",
			msg: NewAssistantMessage("m", StopReasonToolUse, Block{ToolCall: &ToolCallBlock{
				Name:      "read",
				Arguments: map[string]any{"path": "a.go"},
			}}),
			want: ceilDiv(len("read")+len(`{"path":"a.go"}`), 4),
		},
		{
			name: "tool result with image",
			msg:  NewToolResultMessageWithImage("id1", false, "ok", &ImageBlock{Data: "x", MediaType: "image/png"}),
			want: ceilDiv(2+imageCharEquivalent, 4),
		},
		{
			name: "bash execution",
			msg:  NewBashExecutionMessage("ls -la", "file1\nfile2"),
			want: ceilDiv(len("ls -la")+len("file1\nfile2"), 4),
		},
		{
			name: "branch summary",
			msg:  NewBranchSummaryMessage("did things"),
			want: ceilDiv(len("did things"), 4),
		},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := EstimateTokens(c.msg)
			if got != c.want {
				t.Errorf("EstimateTokens(%s) = %d, want %d", c.name, got, c.want)
			}
		})
	}
}

func TestToLLMView(t *testing.T) {
	msgs := []Message{
		NewUserMessage(Block{Text: &TextBlock{Text: "hi"}}),
		NewCustomMessage("note", map[string]any{"k": "v"}),
		NewHookMessage("reminder"),
		NewBranchSummaryMessage("summary text"),
		NewAssistantMessage("m", StopReasonStop, Block{Text: &TextBlock{Text: "hello"}}),
	}

	view := ToLLMView(msgs)
	if len(view) != 4 {
		t.Fatalf("expected Custom to be dropped, got %d messages: %+v", len(view), view)
	}
	if view[0].Kind != KindUser {
		t.Errorf("expected first message kind user, got %s", view[0].Kind)
	}
	if view[1].Role() != RoleUser || view[1].UserBlocks[0].Text.Text != "reminder" {
		t.Errorf("hook message did not render as user text: %+v", view[1])
	}
	if view[2].Role() != RoleUser || view[2].UserBlocks[0].Text.Text != "summary text" {
		t.Errorf("branch summary did not render as user text: %+v", view[2])
	}
	if view[3].Kind != KindAssistant {
		t.Errorf("expected last message kind assistant, got %s", view[3].Kind)
	}
}

func TestRole(t *testing.T) {
	cases := []struct {
		msg  Message
		want Role
	}{
		{NewUserMessage(), RoleUser},
		{NewAssistantMessage("m", StopReasonStop), RoleAssistant},
		{NewToolResultMessage("id", false, "x"), RoleTool},
		{NewBashExecutionMessage("x", "y"), RoleUser},
	}
	for _, c := range cases {
		if got := c.msg.Role(); got != c.want {
			t.Errorf("Role() = %s, want %s", got, c.want)
		}
	}
}
