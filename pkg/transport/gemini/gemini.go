// Package gemini implements transport.Streamer over Google's Gemini API,
// grounded on haasonsaas-nexus's internal/agent/providers/google.go
// (GoogleProvider.Complete/processStreamResponse/convertMessages/buildConfig)
// and its internal/agent/toolconv/gemini.go (ToGeminiTools/ToGeminiSchema),
// adapted from that provider's channel-of-chunks shape onto
// transport.Sink's push-callback shape, generalized from the
// non-streaming-tool-call assumption the teacher makes (Gemini delivers a
// FunctionCall's arguments whole, never as deltas) into single-shot
// ToolCallStart/Delta/End triplets per transport.Sink's contract.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/wilbur182/forge-agent/pkg/message"
	"github.com/wilbur182/forge-agent/pkg/transport"
)

// Transport streams completions through the Gemini API.
type Transport struct {
	client *genai.Client
}

// Config configures a Transport.
type Config struct {
	APIKey string
}

// New creates a Transport from config.
func New(ctx context.Context, cfg Config) (*Transport, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini: API key is required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	return &Transport{client: client}, nil
}

func (t *Transport) Stream(ctx context.Context, model string, tctx transport.Context, opts transport.Options, events transport.Sink) (message.Message, error) {
	contents, err := convertMessages(tctx.Messages)
	if err != nil {
		return message.Message{}, fmt.Errorf("gemini: %w", err)
	}
	config := buildConfig(tctx)

	var blocks []message.Block
	var textBuf strings.Builder
	var usage message.Usage
	contentIndex := -1
	textOpen := false
	callIndex := 0

	finish := func(stopReason message.StopReason, errMsg string) message.Message {
		return message.Message{
			Kind:            message.KindAssistant,
			AssistantBlocks: blocks,
			Model:           model,
			StopReason:      stopReason,
			Usage:           &usage,
			ErrorMessage:    errMsg,
		}
	}

	closeText := func() {
		if textOpen {
			events.TextEnd(contentIndex)
			blocks = append(blocks, message.Block{Text: &message.TextBlock{Text: textBuf.String()}})
			textOpen = false
		}
	}

	for resp, streamErr := range t.client.Models.GenerateContentStream(ctx, model, contents, config) {
		select {
		case <-opts.Cancel:
			return finish(message.StopReasonAborted, ""), nil
		default:
		}

		if streamErr != nil {
			closeText()
			return finish(message.StopReasonError, streamErr.Error()), nil
		}
		if resp == nil {
			continue
		}

		sawToolCall := false
		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					if !textOpen {
						contentIndex++
						textOpen = true
						textBuf.Reset()
						events.TextStart(contentIndex)
					}
					textBuf.WriteString(part.Text)
					events.TextDelta(contentIndex, part.Text)
				}
				if part.FunctionCall != nil {
					closeText()
					sawToolCall = true
					callIndex++
					id := fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, callIndex)
					argsJSON, _ := json.Marshal(part.FunctionCall.Args)
					contentIndex++
					events.ToolCallStart(contentIndex, id, part.FunctionCall.Name)
					events.ToolCallDelta(contentIndex, string(argsJSON))
					events.ToolCallEnd(contentIndex)
					blocks = append(blocks, message.Block{ToolCall: &message.ToolCallBlock{
						ID: id, Name: part.FunctionCall.Name, Arguments: part.FunctionCall.Args,
					}})
				}
			}
		}

		if resp.UsageMetadata != nil {
			usage.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
			usage.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
			total := int(resp.UsageMetadata.TotalTokenCount)
			usage.TotalTokens = &total
		}
		if sawToolCall {
			return finish(message.StopReasonToolUse, ""), nil
		}
	}

	closeText()
	return finish(message.StopReasonStop, ""), nil
}

// convertMessages maps message.ToLLMView's reduced history onto Gemini's
// Content/Part model: user turns keep RoleUser, assistant turns become
// RoleModel (carrying FunctionCall parts for any tool calls they made),
// and tool results become RoleUser FunctionResponse parts, matching
// GoogleProvider.convertMessages's role mapping. The system prompt is
// carried separately via buildConfig/SystemInstruction, not as a message.
func convertMessages(msgs []message.Message) ([]*genai.Content, error) {
	view := message.ToLLMView(msgs)

	// Resolve each tool result's call name by scanning earlier assistant
	// tool calls in the same history, the way getToolNameFromID does.
	callNames := make(map[string]string)
	for _, m := range view {
		if m.Kind != message.KindAssistant {
			continue
		}
		for _, b := range m.AssistantBlocks {
			if b.ToolCall != nil {
				callNames[b.ToolCall.ID] = b.ToolCall.Name
			}
		}
	}

	var result []*genai.Content
	for _, m := range view {
		content := &genai.Content{}

		switch m.Kind {
		case message.KindUser:
			content.Role = genai.RoleUser
			for _, b := range m.UserBlocks {
				if b.Text != nil {
					content.Parts = append(content.Parts, &genai.Part{Text: b.Text.Text})
				}
				if b.Image != nil {
					data, err := decodeImage(b.Image.Data)
					if err != nil {
						return nil, err
					}
					content.Parts = append(content.Parts, &genai.Part{
						InlineData: &genai.Blob{Data: data, MIMEType: b.Image.MediaType},
					})
				}
			}

		case message.KindAssistant:
			content.Role = genai.RoleModel
			for _, b := range m.AssistantBlocks {
				if b.Text != nil {
					content.Parts = append(content.Parts, &genai.Part{Text: b.Text.Text})
				}
				if b.ToolCall != nil {
					content.Parts = append(content.Parts, &genai.Part{
						FunctionCall: &genai.FunctionCall{Name: b.ToolCall.Name, Args: b.ToolCall.Arguments},
					})
				}
			}

		case message.KindToolResult:
			content.Role = genai.RoleUser
			var response map[string]any
			if err := json.Unmarshal([]byte(m.ResultText), &response); err != nil {
				response = map[string]any{"result": m.ResultText, "error": m.IsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: callNames[m.ToolCallID], Response: response},
			})

		case message.KindBashExecution:
			content.Role = genai.RoleUser
			content.Parts = append(content.Parts, &genai.Part{Text: fmt.Sprintf("$ %s\n%s", m.Command, m.Output)})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result, nil
}

func decodeImage(base64Data string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		return nil, fmt.Errorf("decoding image data: %w", err)
	}
	return data, nil
}

func buildConfig(tctx transport.Context) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if tctx.SystemPrompt != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: tctx.SystemPrompt}}}
	}
	if len(tctx.Tools) > 0 {
		config.Tools = convertTools(tctx.Tools)
	}
	return config
}

// convertTools builds Gemini function declarations from the tool schema
// map, the same tree-walk toolconv.ToGeminiSchema performs.
func convertTools(tools []transport.ToolDef) []*genai.Tool {
	if len(tools) == 0 {
		return nil
	}
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  schemaToGemini(tool.InputSchema),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// schemaToGemini converts a JSON-Schema-shaped map into Gemini's typed
// Schema tree, ported from toolconv.ToGeminiSchema.
func schemaToGemini(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = schemaToGemini(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if required, ok := schemaMap["required"].([]string); ok {
		schema.Required = append(schema.Required, required...)
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = schemaToGemini(items)
	}

	return schema
}
