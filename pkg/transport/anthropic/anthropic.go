// Package anthropic implements transport.Streamer over Anthropic's Messages
// API, grounded on haasonsaas-nexus's internal/agent/providers/anthropic.go
// SSE event switch, adapted from that provider's channel-of-chunks shape
// onto transport.Sink's push-callback shape.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/transport"
)

// Transport streams completions through the Anthropic Messages API.
type Transport struct {
	client    anthropic.Client
	maxTokens int64
}

// Config configures a Transport.
type Config struct {
	APIKey    string
	BaseURL   string
	MaxTokens int64 // defaults to 8192 when zero
}

// New creates a Transport from config.
func New(cfg Config) (*Transport, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	return &Transport{client: anthropic.NewClient(opts...), maxTokens: maxTokens}, nil
}

func (t *Transport) Stream(ctx context.Context, model string, tctx transport.Context, opts transport.Options, events transport.Sink) (message.Message, error) {
	params, err := t.buildParams(model, tctx)
	if err != nil {
		return message.Message{}, fmt.Errorf("anthropic: building request: %w", err)
	}

	stream := t.client.Messages.NewStreaming(ctx, params)
	return processStream(stream, model, opts, events)
}

func (t *Transport) buildParams(model string, tctx transport.Context) (anthropic.MessageNewParams, error) {
	messages, err := convertMessages(tctx.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: t.maxTokens,
	}
	if tctx.SystemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: tctx.SystemPrompt}}
	}
	if len(tctx.Tools) > 0 {
		tools, err := convertTools(tctx.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = tools
	}
	return params, nil
}

// convertMessages maps message.Message onto Anthropic's MessageParam,
// translating ToolResult messages into a user message carrying a
// ToolResultBlock and collapsing BashExecution/HookMessage/
// BranchSummary/CompactionSummary into plain user text, matching the
// Role() collapse message.ToLLMView already performs upstream.
func convertMessages(msgs []message.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam
	for _, m := range message.ToLLMView(msgs) {
		switch m.Kind {
		case message.KindUser:
			result = append(result, anthropic.NewUserMessage(blocksToParams(m.UserBlocks)...))
		case message.KindAssistant:
			content := blocksToParams(m.AssistantBlocks)
			if len(content) == 0 {
				continue
			}
			result = append(result, anthropic.NewAssistantMessage(content...))
		case message.KindToolResult:
			block := anthropic.NewToolResultBlock(m.ToolCallID, m.ResultText, m.IsError)
			result = append(result, anthropic.NewUserMessage(block))
		case message.KindBashExecution:
			text := fmt.Sprintf("$ %s\n%s", m.Command, m.Output)
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(text)))
		case message.KindHookMessage:
			if m.HookText != "" {
				result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(m.HookText)))
			}
		case message.KindBranchSummary, message.KindCompactionSummary:
			result = append(result, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Summary)))
		}
	}
	return result, nil
}

func blocksToParams(blocks []message.Block) []anthropic.ContentBlockParamUnion {
	var out []anthropic.ContentBlockParamUnion
	for _, b := range blocks {
		switch {
		case b.Text != nil:
			out = append(out, anthropic.NewTextBlock(b.Text.Text))
		case b.ToolCall != nil:
			out = append(out, anthropic.NewToolUseBlock(b.ToolCall.ID, b.ToolCall.Arguments, b.ToolCall.Name))
		case b.Image != nil:
			out = append(out, anthropic.NewImageBlockBase64(b.Image.MediaType, b.Image.Data))
		}
	}
	return out
}

func convertTools(tools []transport.ToolDef) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		schemaJSON, err := json.Marshal(tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("marshaling schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(schemaJSON, &schema); err != nil {
			return nil, fmt.Errorf("invalid schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		result = append(result, param)
	}
	return result, nil
}

// maxEmptyStreamEvents bounds consecutive no-op SSE events before the
// stream is treated as malformed (haasonsaas-nexus's same constant and
// rationale).
const maxEmptyStreamEvents = 300

// processStream drains an Anthropic SSE stream, forwarding each event to
// events and assembling the final assistant message.
func processStream(stream interface {
	Next() bool
	Current() anthropic.MessageStreamEventUnion
	Err() error
}, model string, opts transport.Options, events transport.Sink) (message.Message, error) {
	var blocks []message.Block
	var toolInput strings.Builder
	var textBuf strings.Builder
	var thinkingBuf strings.Builder
	var curToolCall *anthropic.ToolUseBlock
	var usage message.Usage
	emptyCount := 0
	inThinking := false
	contentIndex := -1
	apiStopReason := ""

	finish := func(stopReason message.StopReason, errMsg string) message.Message {
		if stopReason == message.StopReasonStop && apiStopReason == "tool_use" {
			stopReason = message.StopReasonToolUse
		}
		return message.Message{
			Kind:            message.KindAssistant,
			AssistantBlocks: blocks,
			Model:           model,
			StopReason:      stopReason,
			Usage:           &usage,
			ErrorMessage:    errMsg,
		}
	}

	for stream.Next() {
		select {
		case <-opts.Cancel:
			return finish(message.StopReasonAborted, ""), nil
		default:
		}

		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			ms := event.AsMessageStart()
			usage.InputTokens = int(ms.Message.Usage.InputTokens)
			usage.CacheRead = int(ms.Message.Usage.CacheReadInputTokens)
			usage.CacheWrite = int(ms.Message.Usage.CacheCreationInputTokens)
			processed = true

		case "content_block_start":
			cb := event.AsContentBlockStart().ContentBlock
			contentIndex++
			switch cb.Type {
			case "thinking":
				inThinking = true
				thinkingBuf.Reset()
				events.ThinkingStart(contentIndex)
				processed = true
			case "tool_use":
				tu := cb.AsToolUse()
				curToolCall = &anthropic.ToolUseBlock{ID: tu.ID, Name: tu.Name}
				toolInput.Reset()
				events.ToolCallStart(contentIndex, tu.ID, tu.Name)
				processed = true
			case "text":
				textBuf.Reset()
				events.TextStart(contentIndex)
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					textBuf.WriteString(delta.Text)
					events.TextDelta(contentIndex, delta.Text)
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					thinkingBuf.WriteString(delta.Thinking)
					events.ThinkingDelta(contentIndex, delta.Thinking)
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					toolInput.WriteString(delta.PartialJSON)
					events.ToolCallDelta(contentIndex, delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			switch {
			case inThinking:
				events.ThinkingEnd(contentIndex)
				blocks = append(blocks, message.Block{Thinking: &message.ThinkingBlock{Thinking: thinkingBuf.String()}})
				inThinking = false
				processed = true
			case curToolCall != nil:
				var args map[string]any
				raw := toolInput.String()
				if raw != "" {
					_ = json.Unmarshal([]byte(raw), &args)
				}
				events.ToolCallEnd(contentIndex)
				blocks = append(blocks, message.Block{ToolCall: &message.ToolCallBlock{
					ID: curToolCall.ID, Name: curToolCall.Name, Arguments: args,
				}})
				curToolCall = nil
				processed = true
			case textBuf.Len() > 0:
				events.TextEnd(contentIndex)
				blocks = append(blocks, message.Block{Text: &message.TextBlock{Text: textBuf.String()}})
				processed = true
			}

		case "message_delta":
			md := event.AsMessageDelta()
			if md.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(md.Usage.OutputTokens)
			}
			if md.Delta.StopReason != "" {
				apiStopReason = string(md.Delta.StopReason)
			}
			processed = true

		case "message_stop":
			return finish(message.StopReasonStop, ""), nil

		case "error":
			return finish(message.StopReasonError, "anthropic stream error"), nil
		}

		if processed {
			emptyCount = 0
		} else {
			emptyCount++
			if emptyCount >= maxEmptyStreamEvents {
				return finish(message.StopReasonError, "stream appears malformed: too many empty events"), nil
			}
		}
	}

	if err := stream.Err(); err != nil {
		return finish(message.StopReasonError, err.Error()), nil
	}
	return finish(message.StopReasonStop, ""), nil
}
