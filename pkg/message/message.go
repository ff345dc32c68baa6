// Package message defines the provider-neutral message and content-block
// model shared by the session store, the agent loop, and every transport
// adapter. It mirrors the shape of store.Content in the original session
// package, generalized into a tagged-union Message type with a Kind
// discriminator so the agent loop and compaction engine can work with a
// single slice type regardless of where a message came from.
package message

import "time"

// Kind discriminates the variants of Message.
type Kind string

const (
	KindUser               Kind = "user"
	KindAssistant          Kind = "assistant"
	KindToolResult         Kind = "tool_result"
	KindBashExecution      Kind = "bash_execution"
	KindCustom             Kind = "custom"
	KindHookMessage        Kind = "hook_message"
	KindBranchSummary      Kind = "branch_summary"
	KindCompactionSummary  Kind = "compaction_summary"
)

// Role is the LLM-facing role a Message maps to once converted via
// ToLLMView. It is coarser than Kind: several Kinds collapse onto the same
// Role when handed to a provider.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
	RoleSystem    Role = "system"
)

// StopReason explains why an assistant turn ended.
type StopReason string

const (
	StopReasonStop      StopReason = "stop"
	StopReasonToolUse   StopReason = "toolUse"
	StopReasonAborted   StopReason = "aborted"
	StopReasonError     StopReason = "error"
	StopReasonStreaming StopReason = "streaming"
)

// TextBlock is plain text content, optionally carrying an opaque provider
// signature (e.g. Anthropic's thought signatures on cache-eligible blocks).
type TextBlock struct {
	Text      string `json:"text"`
	Signature []byte `json:"signature,omitempty"`
}

// ThinkingBlock is a reasoning/thinking trace block.
type ThinkingBlock struct {
	Thinking  string `json:"thinking"`
	Signature []byte `json:"signature,omitempty"`
}

// ToolCallBlock is an assistant-issued tool invocation.
type ToolCallBlock struct {
	ID               string         `json:"id"`
	Name             string         `json:"name"`
	Arguments        map[string]any `json:"arguments"`
	ThoughtSignature []byte         `json:"thoughtSignature,omitempty"`
}

// ImageBlock is inline image content, base64-encoded the way store.Content
// encodes it, with a media type such as "image/png".
type ImageBlock struct {
	Data      string `json:"data"`
	MediaType string `json:"mediaType"`
}

// Block is a tagged union over the four content-block kinds a message may
// carry. At most one of the embedded pointers is non-nil.
type Block struct {
	Text     *TextBlock     `json:"text,omitempty"`
	Thinking *ThinkingBlock `json:"thinking,omitempty"`
	ToolCall *ToolCallBlock `json:"toolCall,omitempty"`
	Image    *ImageBlock    `json:"image,omitempty"`
}

// Usage reports token and cost accounting for an assistant turn. TotalTokens
// and the cost fields are pointers because providers do not always report
// them; callers fall back to InputTokens+OutputTokens+CacheRead+CacheWrite
// when TotalTokens is nil (see compaction.ContextTokens).
type Usage struct {
	InputTokens  int      `json:"inputTokens"`
	OutputTokens int      `json:"outputTokens"`
	CacheRead    int      `json:"cacheRead"`
	CacheWrite   int      `json:"cacheWrite"`
	TotalTokens  *int     `json:"totalTokens,omitempty"`
	CostUSD      *float64 `json:"costUsd,omitempty"`
	TotalCostUSD *float64 `json:"totalCostUsd,omitempty"`
}

// Message is the tagged union of every message variant that can appear in
// a session's context. Only the field group below that matches Kind is
// populated; the rest are zero values.
type Message struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	// KindUser
	UserBlocks []Block `json:"userBlocks,omitempty"`

	// KindAssistant
	AssistantBlocks []Block    `json:"assistantBlocks,omitempty"`
	Model           string     `json:"model,omitempty"`
	StopReason      StopReason `json:"stopReason,omitempty"`
	Usage           *Usage     `json:"usage,omitempty"`
	ErrorMessage    string     `json:"errorMessage,omitempty"`

	// KindToolResult
	ToolCallID string  `json:"toolCallId,omitempty"`
	IsError    bool    `json:"isError,omitempty"`
	ResultText string  `json:"resultText,omitempty"`
	ResultImg  *ImageBlock `json:"resultImage,omitempty"`

	// KindBashExecution
	Command string `json:"command,omitempty"`
	Output  string `json:"output,omitempty"`

	// KindCustom / KindHookMessage
	CustomType string         `json:"customType,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	HookText   string         `json:"hookText,omitempty"`
	HookBlocks []Block        `json:"hookBlocks,omitempty"`

	// KindBranchSummary / KindCompactionSummary
	Summary string `json:"summary,omitempty"`
}

// NewUserMessage builds a KindUser message from one or more content blocks.
func NewUserMessage(blocks ...Block) Message {
	return Message{Kind: KindUser, Timestamp: time.Now(), UserBlocks: blocks}
}

// NewAssistantMessage builds a KindAssistant message.
func NewAssistantMessage(model string, stopReason StopReason, blocks ...Block) Message {
	return Message{
		Kind:            KindAssistant,
		Timestamp:       time.Now(),
		AssistantBlocks: blocks,
		Model:           model,
		StopReason:      stopReason,
	}
}

// NewToolResultMessage builds a KindToolResult message.
func NewToolResultMessage(toolCallID string, isError bool, text string) Message {
	return Message{
		Kind:       KindToolResult,
		Timestamp:  time.Now(),
		ToolCallID: toolCallID,
		IsError:    isError,
		ResultText: text,
	}
}

// NewToolResultMessageWithImage builds a KindToolResult message carrying an
// image result block alongside (or instead of) text, for tools such as a
// screenshot capture that return visual output.
func NewToolResultMessageWithImage(toolCallID string, isError bool, text string, img *ImageBlock) Message {
	m := NewToolResultMessage(toolCallID, isError, text)
	m.ResultImg = img
	return m
}

// NewBashExecutionMessage builds a KindBashExecution message.
func NewBashExecutionMessage(command, output string) Message {
	return Message{Kind: KindBashExecution, Timestamp: time.Now(), Command: command, Output: output}
}

// NewCustomMessage builds a KindCustom message with an opaque payload.
func NewCustomMessage(customType string, data map[string]any) Message {
	return Message{Kind: KindCustom, Timestamp: time.Now(), CustomType: customType, Data: data}
}

// NewHookMessage builds a KindHookMessage message injected by a compaction
// or tool hook rather than the model or the user.
func NewHookMessage(text string, blocks ...Block) Message {
	return Message{Kind: KindHookMessage, Timestamp: time.Now(), HookText: text, HookBlocks: blocks}
}

// NewBranchSummaryMessage builds a KindBranchSummary message recorded when a
// session branches with an LLM-authored summary of the discarded path.
func NewBranchSummaryMessage(summary string) Message {
	return Message{Kind: KindBranchSummary, Timestamp: time.Now(), Summary: summary}
}

// NewCompactionSummaryMessage builds a KindCompactionSummary message, the
// synthetic entry a compaction run leaves behind in place of the messages
// it condensed.
func NewCompactionSummaryMessage(summary string) Message {
	return Message{Kind: KindCompactionSummary, Timestamp: time.Now(), Summary: summary}
}

// Role maps a Message's Kind onto the coarser Role an LLM transport expects.
func (m Message) Role() Role {
	switch m.Kind {
	case KindUser, KindBashExecution, KindHookMessage:
		return RoleUser
	case KindAssistant:
		return RoleAssistant
	case KindToolResult:
		return RoleTool
	case KindBranchSummary, KindCompactionSummary:
		return RoleUser
	case KindCustom:
		return RoleUser
	default:
		return RoleUser
	}
}
