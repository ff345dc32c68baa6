package message

import "encoding/json"

// imageCharEquivalent is the fixed character-count stand-in for an inline
// image used by estimateTokens, ported from
// original_source/src/core/compaction.rs::estimate_tokens. It is only
// charged for User/ToolResult/HookMessage images; an image inside an
// assistant message contributes zero, matching the original exactly.
const imageCharEquivalent = 4800

// EstimateTokens approximates the token cost of a single message by
// counting characters and dividing by four, rounding up. The per-Kind
// accounting mirrors original_source/src/core/compaction.rs::estimate_tokens
// block for block:
//   - User: sum of text block lengths; images cost imageCharEquivalent.
//   - Assistant: sum of text/thinking lengths plus each tool call's name and
//     marshaled arguments; images cost zero (assistant messages do not
//     carry inbound images).
//   - ToolResult: result text length plus imageCharEquivalent if an image
//     result is present.
//   - BashExecution: command length plus output length.
//   - Custom/HookMessage: text/blocks exactly like User, images charged.
//   - BranchSummary/CompactionSummary: summary length.
func EstimateTokens(m Message) int {
	chars := 0
	switch m.Kind {
	case KindUser:
		chars += blockChars(m.UserBlocks, true)
	case KindAssistant:
		chars += blockChars(m.AssistantBlocks, false)
	case KindToolResult:
		chars += len(m.ResultText)
		if m.ResultImg != nil {
			chars += imageCharEquivalent
		}
	case KindBashExecution:
		chars += len(m.Command) + len(m.Output)
	case KindCustom, KindHookMessage:
		chars += len(m.HookText)
		chars += blockChars(m.HookBlocks, true)
	case KindBranchSummary, KindCompactionSummary:
		chars += len(m.Summary)
	}
	return ceilDiv(chars, 4)
}

func blockChars(blocks []Block, chargeImages bool) int {
	chars := 0
	for _, b := range blocks {
		switch {
		case b.Text != nil:
			chars += len(b.Text.Text)
		case b.Thinking != nil:
			chars += len(b.Thinking.Thinking)
		case b.ToolCall != nil:
			chars += len(b.ToolCall.Name)
			if b.ToolCall.Arguments != nil {
				if enc, err := json.Marshal(b.ToolCall.Arguments); err == nil {
					chars += len(enc)
				}
			}
		case b.Image != nil && chargeImages:
			chars += imageCharEquivalent
		}
	}
	return chars
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
