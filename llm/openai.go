package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/tachyon-beep/elspeth/callclient"
	"github.com/tachyon-beep/elspeth/retry"
	openaisdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// OpenAIBackend dispatches Requests to OpenAI's chat completions API.
// Grounded on graph/model/openai/openai.go's ChatModel, with the
// per-call retry loop removed: this domain's retry manager
// (retry.Manager, wrapping the whole transform, not just the HTTP call)
// already owns backoff, so the backend stays a single attempt that
// classifies rate limits into retry.CapacityError instead of retrying
// internally.
type OpenAIBackend struct {
	apiKey       string
	defaultModel string
	client       openaiAPI
}

// openaiAPI is the thin seam between OpenAIBackend and the real SDK,
// mirroring graph/model/anthropic/anthropic.go's mockable client field
// so Invoke can be exercised without a network call. It returns the
// already converted response map rather than a raw SDK type, so fakes
// in tests never need to construct SDK response structs.
type openaiAPI interface {
	createChatCompletion(ctx context.Context, modelName string, messages []Message, tools []ToolSpec) (map[string]any, error)
}

type defaultOpenAIClient struct {
	apiKey string
}

func (c *defaultOpenAIClient) createChatCompletion(ctx context.Context, model string, messages []Message, tools []ToolSpec) (map[string]any, error) {
	client := openaisdk.NewClient(option.WithAPIKey(c.apiKey))

	params := openaisdk.ChatCompletionNewParams{
		Model:    openaisdk.ChatModel(model),
		Messages: convertOpenAIMessages(messages),
	}
	if len(tools) > 0 {
		params.Tools = convertOpenAITools(tools)
	}

	resp, err := client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return convertOpenAIResponse(resp), nil
}

// NewOpenAIBackend returns a Backend targeting modelName by default; a
// per-call override is read from Request.Data["model"].
func NewOpenAIBackend(apiKey, modelName string) *OpenAIBackend {
	if modelName == "" {
		modelName = "gpt-4o"
	}
	return &OpenAIBackend{apiKey: apiKey, defaultModel: modelName, client: &defaultOpenAIClient{apiKey: apiKey}}
}

func (b *OpenAIBackend) Invoke(ctx context.Context, req callclient.Request) (callclient.Response, error) {
	if b.apiKey == "" {
		return callclient.Response{}, errors.New("llm: openai API key is required")
	}

	out, err := b.client.createChatCompletion(ctx, modelName(req.Data, b.defaultModel), extractMessages(req.Data), extractToolSpecs(req.Data))
	if err != nil {
		if isOpenAICapacityError(err) {
			return callclient.Response{}, &retry.CapacityError{Cause: err}
		}
		return callclient.Response{}, fmt.Errorf("llm: openai call: %w", err)
	}

	return callclient.Response{Data: out}, nil
}

func convertOpenAIMessages(messages []Message) []openaisdk.ChatCompletionMessageParamUnion {
	out := make([]openaisdk.ChatCompletionMessageParamUnion, len(messages))
	for i, m := range messages {
		switch m.Role {
		case "system":
			out[i] = openaisdk.SystemMessage(m.Content)
		case "assistant":
			out[i] = openaisdk.AssistantMessage(m.Content)
		default:
			out[i] = openaisdk.UserMessage(m.Content)
		}
	}
	return out
}

func convertOpenAITools(tools []ToolSpec) []openaisdk.ChatCompletionToolParam {
	out := make([]openaisdk.ChatCompletionToolParam, len(tools))
	for i, t := range tools {
		out[i] = openaisdk.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        t.Name,
				Description: openaisdk.String(t.Description),
				Parameters:  shared.FunctionParameters(t.Schema),
			},
		}
	}
	return out
}

func convertOpenAIResponse(resp *openaisdk.ChatCompletion) map[string]any {
	out := map[string]any{}
	if len(resp.Choices) == 0 {
		return out
	}
	msg := resp.Choices[0].Message
	out["text"] = msg.Content
	if len(msg.ToolCalls) > 0 {
		calls := make([]map[string]any, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			calls[i] = map[string]any{"name": tc.Function.Name, "arguments_json": tc.Function.Arguments}
		}
		out["tool_calls"] = calls
	}
	return out
}

// isOpenAICapacityError mirrors graph/model/openai/openai.go's
// isRateLimitError/isTransientError string-pattern classification.
func isOpenAICapacityError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "503")
}
