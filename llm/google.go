package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/tachyon-beep/elspeth/callclient"
	"github.com/tachyon-beep/elspeth/retry"
	"google.golang.org/api/option"
)

// GoogleBackend dispatches Requests to Gemini. Grounded on
// graph/model/google/google.go's ChatModel: message-to-Part conversion,
// tool-declaration conversion, and the safety-filter-aware response
// decoding are carried over, trimmed to the single request/response
// shape the audited client needs.
type GoogleBackend struct {
	apiKey       string
	defaultModel string
	client       googleAPI
}

// googleAPI is the thin seam between GoogleBackend and the real SDK,
// mirroring the mockable-client pattern graph/model/anthropic/anthropic.go
// uses so Invoke can be exercised without a network call. It returns the
// already converted response map (or a *SafetyFilterError) rather than a
// raw SDK type, so fakes in tests never need to construct SDK structs.
type googleAPI interface {
	generateContent(ctx context.Context, model string, messages []Message, tools []ToolSpec) (map[string]any, error)
}

type defaultGoogleClient struct {
	apiKey string
}

func (c *defaultGoogleClient) generateContent(ctx context.Context, model string, messages []Message, tools []ToolSpec) (map[string]any, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(c.apiKey))
	if err != nil {
		return nil, fmt.Errorf("llm: create google client: %w", err)
	}
	defer func() { _ = client.Close() }()

	genModel := client.GenerativeModel(model)
	if len(tools) > 0 {
		genModel.Tools = convertGoogleTools(tools)
	}

	resp, err := genModel.GenerateContent(ctx, convertGoogleParts(messages)...)
	if err != nil {
		return nil, err
	}
	return convertGoogleResponse(resp)
}

// NewGoogleBackend returns a Backend targeting modelName by default; a
// per-call override is read from Request.Data["model"].
func NewGoogleBackend(apiKey, modelName string) *GoogleBackend {
	if modelName == "" {
		modelName = "gemini-2.5-flash"
	}
	return &GoogleBackend{apiKey: apiKey, defaultModel: modelName, client: &defaultGoogleClient{apiKey: apiKey}}
}

func (b *GoogleBackend) Invoke(ctx context.Context, req callclient.Request) (callclient.Response, error) {
	if b.apiKey == "" {
		return callclient.Response{}, errors.New("llm: google API key is required")
	}

	out, err := b.client.generateContent(ctx, modelName(req.Data, b.defaultModel), extractMessages(req.Data), extractToolSpecs(req.Data))
	if err != nil {
		var safetyErr *SafetyFilterError
		if errors.As(err, &safetyErr) {
			return callclient.Response{}, safetyErr
		}
		if isGoogleCapacityError(err) {
			return callclient.Response{}, &retry.CapacityError{Cause: err}
		}
		return callclient.Response{}, fmt.Errorf("llm: google call: %w", err)
	}
	return callclient.Response{Data: out}, nil
}

func convertGoogleParts(messages []Message) []genai.Part {
	var parts []genai.Part
	for _, m := range messages {
		if m.Content != "" {
			parts = append(parts, genai.Text(m.Content))
		}
	}
	return parts
}

func convertGoogleTools(tools []ToolSpec) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, len(tools))
	for i, t := range tools {
		declarations[i] = &genai.FunctionDeclaration{Name: t.Name, Description: t.Description}
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// SafetyFilterError is returned when Gemini blocks a response on
// content-safety grounds, matching graph/model/google/google.go's
// SafetyFilterError so callers can errors.As for it specifically.
type SafetyFilterError struct {
	Category string
}

func (e *SafetyFilterError) Error() string {
	return "llm: google blocked response: " + e.Category
}

func convertGoogleResponse(resp *genai.GenerateContentResponse) (map[string]any, error) {
	if len(resp.Candidates) == 0 {
		return nil, &SafetyFilterError{Category: "no_candidates"}
	}
	cand := resp.Candidates[0]
	if cand.FinishReason == genai.FinishReasonSafety {
		return nil, &SafetyFilterError{Category: "safety"}
	}

	var text strings.Builder
	if cand.Content != nil {
		for _, part := range cand.Content.Parts {
			if t, ok := part.(genai.Text); ok {
				if text.Len() > 0 {
					text.WriteByte('\n')
				}
				text.WriteString(string(t))
			}
		}
	}
	return map[string]any{"text": text.String()}, nil
}

// isGoogleCapacityError mirrors the string-pattern classification used
// throughout this package for providers whose SDK error types aren't a
// stable public contract.
func isGoogleCapacityError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "resource_exhausted") || strings.Contains(msg, "quota")
}
