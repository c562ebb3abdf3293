package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tachyon-beep/elspeth/callclient"
	"github.com/tachyon-beep/elspeth/retry"
)

// anthropicAPI is the thin seam between AnthropicBackend and the real
// SDK, mirroring graph/model/anthropic/anthropic.go's anthropicClient:
// "This allows for easy mocking in tests." It returns the already
// converted response map rather than a raw SDK type, so fakes in tests
// never need to construct SDK response structs.
type anthropicAPI interface {
	createMessage(ctx context.Context, modelName, systemPrompt string, messages []Message, tools []ToolSpec) (map[string]any, error)
}

type defaultAnthropicClient struct {
	apiKey string
}

func (c *defaultAnthropicClient) createMessage(ctx context.Context, model, systemPrompt string, messages []Message, tools []ToolSpec) (map[string]any, error) {
	client := anthropicsdk.NewClient(option.WithAPIKey(c.apiKey))

	params := anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(model),
		Messages:  convertAnthropicMessages(messages),
		MaxTokens: 4096,
	}
	if systemPrompt != "" {
		params.System = []anthropicsdk.TextBlockParam{{Text: systemPrompt}}
	}
	if len(tools) > 0 {
		params.Tools = convertAnthropicTools(tools)
	}

	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return convertAnthropicResponse(resp), nil
}

// AnthropicBackend dispatches Requests to Claude. Grounded on
// graph/model/anthropic/anthropic.go's ChatModel: system-prompt
// extraction, message/tool conversion and response decoding are carried
// over near-verbatim, adapted from the typed Message/ChatOut shape to
// the audited client's map[string]any Request/Response.
type AnthropicBackend struct {
	apiKey       string
	defaultModel string
	client       anthropicAPI
}

// NewAnthropicBackend returns a Backend targeting modelName by default;
// a per-call override is read from Request.Data["model"].
func NewAnthropicBackend(apiKey, modelName string) *AnthropicBackend {
	if modelName == "" {
		modelName = "claude-sonnet-4-5-20250929"
	}
	return &AnthropicBackend{apiKey: apiKey, defaultModel: modelName, client: &defaultAnthropicClient{apiKey: apiKey}}
}

func (b *AnthropicBackend) Invoke(ctx context.Context, req callclient.Request) (callclient.Response, error) {
	if b.apiKey == "" {
		return callclient.Response{}, errors.New("llm: anthropic API key is required")
	}

	systemPrompt, convo := splitSystemPrompt(extractMessages(req.Data))
	tools := extractToolSpecs(req.Data)

	out, err := b.client.createMessage(ctx, modelName(req.Data, b.defaultModel), systemPrompt, convo, tools)
	if err != nil {
		if isAnthropicCapacityError(err) {
			return callclient.Response{}, &retry.CapacityError{Cause: err}
		}
		return callclient.Response{}, fmt.Errorf("llm: anthropic call: %w", err)
	}

	return callclient.Response{Data: out}, nil
}

func convertAnthropicMessages(messages []Message) []anthropicsdk.MessageParam {
	out := make([]anthropicsdk.MessageParam, len(messages))
	for i, m := range messages {
		switch m.Role {
		case "assistant":
			out[i] = anthropicsdk.NewAssistantMessage(anthropicsdk.NewTextBlock(m.Content))
		default:
			out[i] = anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(m.Content))
		}
	}
	return out
}

func convertAnthropicTools(tools []ToolSpec) []anthropicsdk.ToolUnionParam {
	out := make([]anthropicsdk.ToolUnionParam, len(tools))
	for i, t := range tools {
		var properties any
		var required []string
		if t.Schema != nil {
			if props, ok := t.Schema["properties"]; ok {
				properties = props
			}
			if req, ok := t.Schema["required"].([]string); ok {
				required = req
			}
		}
		out[i] = anthropicsdk.ToolUnionParam{
			OfTool: &anthropicsdk.ToolParam{
				Name:        t.Name,
				Description: anthropicsdk.String(t.Description),
				InputSchema: anthropicsdk.ToolInputSchemaParam{Properties: properties, Required: required},
			},
		}
	}
	return out
}

func convertAnthropicResponse(resp *anthropicsdk.Message) map[string]any {
	var text strings.Builder
	var toolCalls []map[string]any
	for _, block := range resp.Content {
		switch b := block.AsAny().(type) {
		case anthropicsdk.TextBlock:
			if text.Len() > 0 {
				text.WriteByte('\n')
			}
			text.WriteString(b.Text)
		case anthropicsdk.ToolUseBlock:
			toolCalls = append(toolCalls, map[string]any{"name": b.Name, "input": b.Input})
		}
	}
	out := map[string]any{"text": text.String()}
	if toolCalls != nil {
		out["tool_calls"] = toolCalls
	}
	return out
}

// isAnthropicCapacityError matches the 429/overloaded error text the
// SDK surfaces, per the same string-pattern classification
// graph/model/openai/openai.go's isRateLimitError uses rather than
// relying on unstable SDK-internal error types.
func isAnthropicCapacityError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate_limit") || strings.Contains(msg, "overloaded")
}
