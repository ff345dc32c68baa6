// Package transport defines the provider-neutral streaming contract every
// model adapter (anthropic, openai, codex, gemini) implements, generalized
// from the teacher's pkg/models.ModelProvider/ModelStream pair into a
// single blocking Stream call driven by a push-style Sink, matching
// spec.md §4.4's suspension-point model (network reads are the only
// blocking operation C4 performs).
package transport

import (
	"context"
	"strings"

	"github.com/wilbur182/forge-agent/pkg/message"
)

// ToolDef is a tool advertised to the model, the transport-facing
// projection of tools.Tool (name/description/schema only; no Execute).
type ToolDef struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Context is everything a Stream call needs to know about the
// conversation: the resolved system prompt, the message history already
// reduced through compaction (pkg/store.Session.BuildSessionContext), the
// tools available, and the working directory some providers interpolate
// into their system prompt.
type Context struct {
	SystemPrompt string
	Messages     []message.Message
	Tools        []ToolDef
	Cwd          string
}

// Options carries the per-call knobs that aren't part of the conversation
// itself.
type Options struct {
	// Cancel is closed to request cooperative cancellation. Adapters poll
	// it at SSE event boundaries and abandon the stream shortly after,
	// per spec.md §4.5 "Abort".
	Cancel <-chan struct{}

	// ReasoningEffort is a provider-defined string ("low"/"medium"/"high"
	// or similar); adapters that don't support it ignore it, pkg/transport/codex
	// clamps it to the model's supported set.
	ReasoningEffort string
}

// Sink receives streaming events as an adapter decodes them. ContentIndex
// identifies which content block within the eventual assistant message an
// event belongs to, so a caller can render multiple concurrent
// text/thinking/tool-call blocks without buffering the whole turn.
type Sink interface {
	TextStart(contentIndex int)
	TextDelta(contentIndex int, text string)
	TextEnd(contentIndex int)

	ThinkingStart(contentIndex int)
	ThinkingDelta(contentIndex int, text string)
	ThinkingEnd(contentIndex int)

	ToolCallStart(contentIndex int, id, name string)
	ToolCallDelta(contentIndex int, partialJSON string)
	ToolCallEnd(contentIndex int)
}

// NopSink implements Sink with no-op methods, embeddable by callers that
// only care about some events.
type NopSink struct{}

func (NopSink) TextStart(int)             {}
func (NopSink) TextDelta(int, string)     {}
func (NopSink) TextEnd(int)               {}
func (NopSink) ThinkingStart(int)         {}
func (NopSink) ThinkingDelta(int, string) {}
func (NopSink) ThinkingEnd(int)           {}
func (NopSink) ToolCallStart(int, string, string) {}
func (NopSink) ToolCallDelta(int, string)         {}
func (NopSink) ToolCallEnd(int)                   {}

// Streamer is the contract every provider adapter implements.
type Streamer interface {
	// Stream drives one assistant turn, emitting incremental events to
	// events as they arrive and returning the fully assembled assistant
	// message once the stream ends (successfully, on cancellation, or on
	// error — errors are reported via message.StopReasonError /
	// ErrorMessage rather than a non-nil error whenever the failure is a
	// provider response rather than a transport-level failure to even
	// establish the stream).
	Stream(ctx context.Context, model string, tctx Context, opts Options, events Sink) (message.Message, error)
}

// overflowSignatures is the closed set of substrings providers are known
// to include in a context-length-exceeded error message, cross-checked
// against haasonsaas-nexus's provider error classification
// (internal/agent/providers/errors.go) and the overflow handling spec.md
// §4.4 implies every adapter must detect the same way regardless of
// provider.
var overflowSignatures = []string{
	"context_length_exceeded",
	"context length exceeded",
	"maximum context length",
	"context window",
	"too many tokens",
	"prompt is too long",
	"input is too long",
	"request too large",
	"exceeds the model's maximum",
}

// IsContextOverflow reports whether msg represents a context-window
// overflow: either a known provider error substring in ErrorMessage, or
// (when window is given) the message's own reported usage already meeting
// or exceeding the model's context window.
func IsContextOverflow(msg message.Message, window *int) bool {
	if msg.ErrorMessage != "" {
		lower := strings.ToLower(msg.ErrorMessage)
		for _, sig := range overflowSignatures {
			if strings.Contains(lower, sig) {
				return true
			}
		}
	}
	if window != nil && msg.Usage != nil {
		total := msg.Usage.InputTokens + msg.Usage.OutputTokens + msg.Usage.CacheRead + msg.Usage.CacheWrite
		if msg.Usage.TotalTokens != nil {
			total = *msg.Usage.TotalTokens
		}
		if total >= *window {
			return true
		}
	}
	return false
}
