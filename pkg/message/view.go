package message

// ToLLMView converts a session's raw message history into the subset and
// shape an LLM transport can actually consume: User, Assistant,
// ToolResult and BashExecution messages pass through unchanged and
// order-preserved (each adapter renders BashExecution itself);
// BranchSummary and CompactionSummary messages are rendered as plain user
// text turns (a provider has no native notion of either); Custom messages
// are dropped entirely, since their payload is opaque application data with
// no display text; HookMessage is rendered as a user text turn carrying
// HookText/HookBlocks, the same way a tool's injected note would read to
// the model.
func ToLLMView(msgs []Message) []Message {
	out := make([]Message, 0, len(msgs))
	for _, m := range msgs {
		switch m.Kind {
		case KindUser, KindAssistant, KindToolResult, KindBashExecution:
			out = append(out, m)
		case KindHookMessage:
			blocks := m.HookBlocks
			if m.HookText != "" {
				blocks = append([]Block{{Text: &TextBlock{Text: m.HookText}}}, blocks...)
			}
			out = append(out, NewUserMessage(blocks...))
		case KindBranchSummary, KindCompactionSummary:
			out = append(out, NewUserMessage(Block{Text: &TextBlock{Text: m.Summary}}))
		case KindCustom:
			// dropped: opaque application payload, nothing to show a provider
		}
	}
	return out
}
