// Package openai implements transport.Streamer over OpenAI's Responses API,
// grounded on intelligencedev-manifold's internal/llm/openai/client.go
// chatStreamResponses (the only pack repo driving openai-go's Responses
// streaming directly rather than the older Chat Completions endpoint),
// adapted from that function's llm.StreamHandler callbacks onto
// transport.Sink's content-indexed push events.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/responses"
	"github.com/openai/openai-go/shared"

	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/transport"
)

// Transport streams completions through the OpenAI Responses API.
type Transport struct {
	client openai.Client
}

// Config configures a Transport.
type Config struct {
	APIKey  string
	BaseURL string
}

// New creates a Transport from config.
func New(cfg Config) (*Transport, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Transport{client: openai.NewClient(opts...)}, nil
}

func (t *Transport) Stream(ctx context.Context, model string, tctx transport.Context, opts transport.Options, events transport.Sink) (message.Message, error) {
	params, err := buildParams(model, tctx, opts)
	if err != nil {
		return message.Message{}, fmt.Errorf("openai: building request: %w", err)
	}

	stream := t.client.Responses.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	return processStream(stream, model, opts, events)
}

func buildParams(model string, tctx transport.Context, opts transport.Options) (responses.ResponseNewParams, error) {
	params := responses.ResponseNewParams{Model: responses.ResponsesModel(model)}

	input, instructions, err := convertInput(tctx.Messages)
	if err != nil {
		return responses.ResponseNewParams{}, err
	}
	if len(input) > 0 {
		params.Input.OfInputItemList = input
	}

	if tctx.SystemPrompt != "" {
		if instructions != "" {
			instructions = tctx.SystemPrompt + "\n\n" + instructions
		} else {
			instructions = tctx.SystemPrompt
		}
	}
	if instructions != "" {
		params.Instructions = param.NewOpt(instructions)
	}

	if len(tctx.Tools) > 0 {
		tools, err := convertTools(tctx.Tools)
		if err != nil {
			return responses.ResponseNewParams{}, err
		}
		params.Tools = tools
	}

	if opts.ReasoningEffort != "" {
		params.Reasoning.Effort = shared.ReasoningEffort(opts.ReasoningEffort)
	}

	return params, nil
}

// convertInput maps message.ToLLMView's reduced message slice onto the
// Responses API's flat input-item list, collecting any system-role text
// into instructions the same way adaptResponsesInput does: plain assistant
// text is omitted from the item list (the Responses API reconstructs it
// from the prior turn's own output), but the tool calls an assistant turn
// made are carried forward as function_call items, and their eventual
// results as function_call_output items.
func convertInput(msgs []message.Message) (items responses.ResponseInputParam, instructions string, err error) {
	items = make(responses.ResponseInputParam, 0, len(msgs))
	var sys []string

	for _, m := range message.ToLLMView(msgs) {
		switch m.Kind {
		case message.KindUser:
			text := blocksText(m.UserBlocks)
			if text == "" {
				text = " "
			}
			part := responses.ResponseInputContentParamOfInputText(text)
			items = append(items, responses.ResponseInputItemUnionParam{
				OfInputMessage: &responses.ResponseInputItemMessageParam{
					Content: responses.ResponseInputMessageContentListParam{part},
					Role:    "user",
				},
			})

		case message.KindAssistant:
			for _, b := range m.AssistantBlocks {
				if b.ToolCall == nil {
					continue
				}
				argsJSON, marshalErr := json.Marshal(b.ToolCall.Arguments)
				if marshalErr != nil {
					return nil, "", fmt.Errorf("marshaling tool call arguments for %s: %w", b.ToolCall.Name, marshalErr)
				}
				items = append(items, responses.ResponseInputItemParamOfFunctionCall(string(argsJSON), b.ToolCall.ID, b.ToolCall.Name))
			}

		case message.KindToolResult:
			out := m.ResultText
			if out == "" {
				out = "{}"
			}
			items = append(items, responses.ResponseInputItemParamOfFunctionCallOutput(m.ToolCallID, out))

		case message.KindBashExecution:
			text := fmt.Sprintf("$ %s\n%s", m.Command, m.Output)
			part := responses.ResponseInputContentParamOfInputText(text)
			items = append(items, responses.ResponseInputItemUnionParam{
				OfInputMessage: &responses.ResponseInputItemMessageParam{
					Content: responses.ResponseInputMessageContentListParam{part},
					Role:    "user",
				},
			})
		}
	}

	if len(sys) > 0 {
		instructions = strings.Join(sys, "\n\n")
	}
	return items, instructions, nil
}

func blocksText(blocks []message.Block) string {
	var sb strings.Builder
	for _, b := range blocks {
		if b.Text != nil {
			sb.WriteString(b.Text.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

// convertTools builds Responses function tools in non-strict mode, the
// same deliberate relaxation client.go's adaptResponsesTools documents:
// strict mode requires "required" to list every key in properties, which
// would reject tools with genuinely optional arguments.
func convertTools(tools []transport.ToolDef) ([]responses.ToolUnionParam, error) {
	out := make([]responses.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		fn := responses.FunctionToolParam{
			Name:        tool.Name,
			Description: param.NewOpt(tool.Description),
			Parameters:  tool.InputSchema,
			Strict:      param.NewOpt(false),
		}
		out = append(out, responses.ToolUnionParam{OfFunction: &fn})
	}
	return out, nil
}

// callAcc accumulates a function/custom-tool call's arguments across the
// Responses API's added/delta/done event triplet, keyed by output index
// (mirrors client.go's chatStreamResponses accumulator).
type callAcc struct {
	name string
	id   string
	args strings.Builder
	done bool
}

// processStream drains an OpenAI Responses SSE stream, forwarding each
// event to events and assembling the final assistant message.
func processStream(stream interface {
	Next() bool
	Current() responses.ResponseStreamEventUnion
	Err() error
}, model string, opts transport.Options, events transport.Sink) (message.Message, error) {
	var blocks []message.Block
	var textBuf strings.Builder
	var usage message.Usage
	acc := map[int64]*callAcc{}
	contentIndex := -1
	textOpen := false

	emitToolCall := func(ca *callAcc) {
		var args map[string]any
		raw := ca.args.String()
		if raw != "" {
			_ = json.Unmarshal([]byte(raw), &args)
		}
		contentIndex++
		events.ToolCallStart(contentIndex, ca.id, ca.name)
		if raw != "" {
			events.ToolCallDelta(contentIndex, raw)
		}
		events.ToolCallEnd(contentIndex)
		blocks = append(blocks, message.Block{ToolCall: &message.ToolCallBlock{
			ID: ca.id, Name: ca.name, Arguments: args,
		}})
	}

	finish := func(stopReason message.StopReason, errMsg string) message.Message {
		if stopReason == message.StopReasonStop {
			for _, ca := range acc {
				if !ca.done {
					stopReason = message.StopReasonToolUse
					break
				}
			}
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
		switch v := event.AsAny().(type) {
		case responses.ResponseTextDeltaEvent:
			if !textOpen {
				contentIndex++
				textOpen = true
				textBuf.Reset()
				events.TextStart(contentIndex)
			}
			if v.Delta != "" {
				textBuf.WriteString(v.Delta)
				events.TextDelta(contentIndex, v.Delta)
			}

		case responses.ResponseOutputItemAddedEvent:
			if fn := v.Item.AsFunctionCall(); fn.Name != "" || fn.CallID != "" {
				ca := acc[v.OutputIndex]
				if ca == nil {
					ca = &callAcc{}
					acc[v.OutputIndex] = ca
				}
				ca.name = fn.Name
				ca.id = fn.CallID
				if ca.id == "" {
					ca.id = fn.ID
				}
				if fn.Arguments != "" && ca.args.Len() == 0 {
					ca.args.WriteString(fn.Arguments)
				}
			}
			if ct := v.Item.AsCustomToolCall(); ct.Name != "" || ct.CallID != "" {
				ca := acc[v.OutputIndex]
				if ca == nil {
					ca = &callAcc{}
					acc[v.OutputIndex] = ca
				}
				ca.name = ct.Name
				ca.id = ct.CallID
				if ca.id == "" {
					ca.id = ct.ID
				}
				if ct.Input != "" && ca.args.Len() == 0 {
					ca.args.WriteString(ct.Input)
				}
			}

		case responses.ResponseFunctionCallArgumentsDeltaEvent:
			ca := acc[v.OutputIndex]
			if ca == nil {
				ca = &callAcc{}
				acc[v.OutputIndex] = ca
			}
			if v.Delta != "" {
				ca.args.WriteString(v.Delta)
			}

		case responses.ResponseFunctionCallArgumentsDoneEvent:
			ca := acc[v.OutputIndex]
			if ca == nil {
				ca = &callAcc{}
				acc[v.OutputIndex] = ca
			}
			if !ca.done {
				if ca.args.Len() == 0 && v.Arguments != "" {
					ca.args.WriteString(v.Arguments)
				}
				ca.done = true
				emitToolCall(ca)
			}

		case responses.ResponseCustomToolCallInputDeltaEvent:
			ca := acc[v.OutputIndex]
			if ca == nil {
				ca = &callAcc{}
				acc[v.OutputIndex] = ca
			}
			if v.Delta != "" {
				ca.args.WriteString(v.Delta)
			}

		case responses.ResponseCustomToolCallInputDoneEvent:
			ca := acc[v.OutputIndex]
			if ca == nil {
				ca = &callAcc{}
				acc[v.OutputIndex] = ca
			}
			if !ca.done {
				if ca.args.Len() == 0 && v.Input != "" {
					ca.args.WriteString(v.Input)
				}
				ca.done = true
				emitToolCall(ca)
			}

		case responses.ResponseCompletedEvent:
			if textOpen {
				events.TextEnd(contentIndex)
				blocks = append(blocks, message.Block{Text: &message.TextBlock{Text: textBuf.String()}})
				textOpen = false
			}
			usage.InputTokens = int(v.Response.Usage.InputTokens)
			usage.OutputTokens = int(v.Response.Usage.OutputTokens)
			total := int(v.Response.Usage.TotalTokens)
			usage.TotalTokens = &total
			usage.CacheRead = int(v.Response.Usage.InputTokensDetails.CachedTokens)
			return finish(message.StopReasonStop, ""), nil
		}
	}

	if err := stream.Err(); err != nil {
		return finish(message.StopReasonError, err.Error()), nil
	}
	return finish(message.StopReasonStop, ""), nil
}
