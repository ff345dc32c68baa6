// Package codex wraps pkg/transport/openai to talk to OpenAI's ChatGPT-plan
// "Codex" bridge: the same Responses API, reached through a different
// endpoint that expects model aliasing, a fixed system-prompt bridge
// message, and reasoning-effort clamping per model family. Ported from
// original_source/src/api/openai_codex/{request_transformer,prompts}.rs,
// which implement this translation for a Rust caller; the OpenAI Responses
// event decoding itself is unchanged and delegated to pkg/transport/openai.
package codex

import (
	"context"
	"fmt"
	"strings"

	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/transport"
	"github.com/wilbur182/forge-agent/pkg/transport/openai"
)

// forgeBridge adapts a Codex model's built-in tool expectations (apply_patch,
// update_plan, ...) to forge's own tool set, injected as the front of the
// system prompt whenever tools are offered. Ported from request_transformer.rs's
// add_codex_bridge_message / prompts.rs's CODEX_PI_BRIDGE.
const forgeBridge = `# Codex running inside forge

You are running a Codex model through forge, a terminal coding assistant. The
tools and rules differ from the Codex CLI.

## Tool replacements

- apply_patch does not exist — use "edit" for all file modifications.
- update_plan/read_plan do not exist — there is no plan tool here.

## Available tools

- read  - read file contents
- bash  - execute bash commands
- edit  - modify files with exact find/replace (read before edit)
- write - create or overwrite files
- grep  - search file contents (read-only)
- find  - find files by glob pattern (read-only)
- ls    - list directory contents (read-only)

Use edit for surgical changes; write only for new files or full rewrites.
Prefer grep/find/ls over bash for discovery.

Below are additional system instructions you must follow when responding:
`

// modelAliases normalizes the many Codex model name variants (effort
// suffixes, legacy names) down to the handful of canonical models the
// Responses API actually serves. Ported from request_transformer.rs's
// get_model_map; this is the original's full alias table, not a subset.
var modelAliases = map[string]string{
	"gpt-5.1-codex":        "gpt-5.1-codex",
	"gpt-5.1-codex-low":    "gpt-5.1-codex",
	"gpt-5.1-codex-medium": "gpt-5.1-codex",
	"gpt-5.1-codex-high":   "gpt-5.1-codex",

	"gpt-5.1-codex-max":        "gpt-5.1-codex-max",
	"gpt-5.1-codex-max-low":    "gpt-5.1-codex-max",
	"gpt-5.1-codex-max-medium": "gpt-5.1-codex-max",
	"gpt-5.1-codex-max-high":   "gpt-5.1-codex-max",
	"gpt-5.1-codex-max-xhigh":  "gpt-5.1-codex-max",

	"gpt-5.2":        "gpt-5.2",
	"gpt-5.2-none":   "gpt-5.2",
	"gpt-5.2-low":    "gpt-5.2",
	"gpt-5.2-medium": "gpt-5.2",
	"gpt-5.2-high":   "gpt-5.2",
	"gpt-5.2-xhigh":  "gpt-5.2",

	"gpt-5.2-codex":        "gpt-5.2-codex",
	"gpt-5.2-codex-low":    "gpt-5.2-codex",
	"gpt-5.2-codex-medium": "gpt-5.2-codex",
	"gpt-5.2-codex-high":   "gpt-5.2-codex",
	"gpt-5.2-codex-xhigh":  "gpt-5.2-codex",

	"gpt-5.1-codex-mini":        "gpt-5.1-codex-mini",
	"gpt-5.1-codex-mini-medium": "gpt-5.1-codex-mini",
	"gpt-5.1-codex-mini-high":   "gpt-5.1-codex-mini",

	"gpt-5.1":             "gpt-5.1",
	"gpt-5.1-none":        "gpt-5.1",
	"gpt-5.1-low":         "gpt-5.1",
	"gpt-5.1-medium":      "gpt-5.1",
	"gpt-5.1-high":        "gpt-5.1",
	"gpt-5.1-chat-latest": "gpt-5.1",

	"gpt-5-codex":               "gpt-5.1-codex",
	"codex-mini-latest":         "gpt-5.1-codex-mini",
	"gpt-5-codex-mini":          "gpt-5.1-codex-mini",
	"gpt-5-codex-mini-medium":   "gpt-5.1-codex-mini",
	"gpt-5-codex-mini-high":     "gpt-5.1-codex-mini",
	"gpt-5":                     "gpt-5.1",
	"gpt-5-mini":                "gpt-5.1",
	"gpt-5-nano":                "gpt-5.1",
}

const defaultModel = "gpt-5.1"

// normalizeModel maps a requested model name onto its canonical Codex form,
// falling back to fuzzy substring matches and finally defaultModel. Ported
// from request_transformer.rs's normalize_model.
func normalizeModel(model string) string {
	if model == "" {
		return defaultModel
	}
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	if canon, ok := modelAliases[model]; ok {
		return canon
	}
	lower := strings.ToLower(model)
	for key, canon := range modelAliases {
		if strings.ToLower(key) == lower {
			return canon
		}
	}
	switch {
	case strings.Contains(lower, "gpt-5.2-codex"), strings.Contains(lower, "gpt 5.2 codex"):
		return "gpt-5.2-codex"
	case strings.Contains(lower, "gpt-5.2"), strings.Contains(lower, "gpt 5.2"):
		return "gpt-5.2"
	case strings.Contains(lower, "gpt-5.1-codex-max"), strings.Contains(lower, "gpt 5.1 codex max"):
		return "gpt-5.1-codex-max"
	case strings.Contains(lower, "gpt-5.1-codex-mini"), strings.Contains(lower, "gpt 5.1 codex mini"):
		return "gpt-5.1-codex-mini"
	case strings.Contains(lower, "codex-mini-latest"), strings.Contains(lower, "gpt-5-codex-mini"), strings.Contains(lower, "gpt 5 codex mini"):
		return "codex-mini-latest"
	case strings.Contains(lower, "gpt-5.1-codex"), strings.Contains(lower, "gpt 5.1 codex"):
		return "gpt-5.1-codex"
	case strings.Contains(lower, "gpt-5.1"), strings.Contains(lower, "gpt 5.1"):
		return "gpt-5.1"
	case strings.Contains(lower, "codex"):
		return "gpt-5.1-codex"
	case strings.Contains(lower, "gpt-5"), strings.Contains(lower, "gpt 5"):
		return "gpt-5.1"
	default:
		return defaultModel
	}
}

// reasoningLevels is the closed set of effort strings the Responses API
// accepts; anything else collapses to "medium".
var reasoningLevels = map[string]bool{
	"none": true, "minimal": true, "low": true, "medium": true, "high": true, "xhigh": true,
}

// clampReasoningEffort enforces each model family's supported effort range,
// ported from request_transformer.rs's get_reasoning_config.
func clampReasoningEffort(canonModel, effort string) string {
	lower := strings.ToLower(canonModel)
	isGpt52Codex := strings.Contains(lower, "gpt-5.2-codex")
	isGpt52General := strings.Contains(lower, "gpt-5.2") && !isGpt52Codex
	isCodexMax := strings.Contains(lower, "codex-max")
	isCodexMini := strings.Contains(lower, "codex-mini")
	isCodex := strings.Contains(lower, "codex") && !isCodexMini
	isLightweight := !isCodexMini && (strings.Contains(lower, "nano") || strings.Contains(lower, "mini"))
	isGpt51General := strings.Contains(lower, "gpt-5.1") && !isCodex && !isCodexMax && !isCodexMini

	supportsXHigh := isGpt52General || isGpt52Codex || isCodexMax
	supportsNone := isGpt52General || isGpt51General

	if !reasoningLevels[effort] {
		switch {
		case isCodexMini:
			effort = "medium"
		case supportsXHigh:
			effort = "high"
		case isLightweight:
			effort = "minimal"
		default:
			effort = "medium"
		}
	}

	if isCodexMini {
		switch effort {
		case "none", "minimal", "low":
			effort = "medium"
		case "xhigh":
			effort = "high"
		}
		if effort != "high" && effort != "medium" {
			effort = "medium"
		}
	}
	if !supportsXHigh && effort == "xhigh" {
		effort = "high"
	}
	if !supportsNone && effort == "none" {
		effort = "low"
	}
	if isCodex && effort == "minimal" {
		effort = "low"
	}
	return effort
}

// Transport streams completions through the Codex bridge, delegating the
// actual Responses API call to an embedded openai.Transport.
type Transport struct {
	inner *openai.Transport
}

// Config configures a Transport.
type Config struct {
	APIKey  string
	BaseURL string
}

// New creates a Transport from config.
func New(cfg Config) (*Transport, error) {
	inner, err := openai.New(openai.Config{APIKey: cfg.APIKey, BaseURL: cfg.BaseURL})
	if err != nil {
		return nil, fmt.Errorf("codex: %w", err)
	}
	return &Transport{inner: inner}, nil
}

func (t *Transport) Stream(ctx context.Context, model string, tctx transport.Context, opts transport.Options, events transport.Sink) (message.Message, error) {
	canonModel := normalizeModel(model)

	hasTools := len(tctx.Tools) > 0
	if hasTools {
		if tctx.SystemPrompt != "" {
			tctx.SystemPrompt = forgeBridge + "\n\n" + tctx.SystemPrompt
		} else {
			tctx.SystemPrompt = forgeBridge
		}
	}

	tctx.Messages = fabricateOrphanedToolResults(tctx.Messages)

	if opts.ReasoningEffort != "" {
		opts.ReasoningEffort = clampReasoningEffort(canonModel, strings.ToLower(opts.ReasoningEffort))
	}

	return t.inner.Stream(ctx, canonModel, tctx, opts, events)
}

// fabricateOrphanedToolResults converts a ToolResult message whose
// ToolCallID doesn't match any assistant tool call earlier in the same
// slice into a hook message, so the Responses API never receives a
// function_call_output with no matching function_call — it rejects those.
// Ported from request_transformer.rs's handle_orphaned_outputs, adapted
// from mutating a raw JSON item list to filtering message.Message values.
func fabricateOrphanedToolResults(msgs []message.Message) []message.Message {
	knownCallIDs := make(map[string]bool)
	for _, m := range msgs {
		if m.Kind != message.KindAssistant {
			continue
		}
		for _, b := range m.AssistantBlocks {
			if b.ToolCall != nil {
				knownCallIDs[b.ToolCall.ID] = true
			}
		}
	}

	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Kind == message.KindToolResult && !knownCallIDs[m.ToolCallID] {
			text := m.ResultText
			const maxLen = 16000
			if len(text) > maxLen {
				text = text[:maxLen] + "\n...[truncated]"
			}
			out = append(out, message.NewHookMessage(fmt.Sprintf("[Previous tool result; call_id=%s]: %s", m.ToolCallID, text)))
			continue
		}
		out = append(out, m)
	}
	return out
}
