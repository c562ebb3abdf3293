package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/tachyon-beep/elspeth/callclient"
	"github.com/tachyon-beep/elspeth/retry"
)

type fakeOpenAIClient struct {
	out      map[string]any
	err      error
	calls    int
	model    string
	messages []Message
	tools    []ToolSpec
}

func (f *fakeOpenAIClient) createChatCompletion(_ context.Context, model string, messages []Message, tools []ToolSpec) (map[string]any, error) {
	f.calls++
	f.model, f.messages, f.tools = model, messages, tools
	return f.out, f.err
}

func TestOpenAIBackendInvokeReturnsText(t *testing.T) {
	fake := &fakeOpenAIClient{out: map[string]any{"text": "hi back"}}
	b := &OpenAIBackend{apiKey: "k", defaultModel: "gpt-test", client: fake}

	resp, err := b.Invoke(context.Background(), callclient.Request{Data: map[string]any{
		"model":    "gpt-override",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Data["text"] != "hi back" {
		t.Errorf("expected text %q, got %q", "hi back", resp.Data["text"])
	}
	if fake.model != "gpt-override" {
		t.Errorf("expected per-call model override to win, got %q", fake.model)
	}
	if fake.calls != 1 {
		t.Errorf("expected 1 call, got %d", fake.calls)
	}
}

func TestOpenAIBackendInvokeClassifiesCapacityError(t *testing.T) {
	fake := &fakeOpenAIClient{err: errors.New("429 rate limit exceeded")}
	b := &OpenAIBackend{apiKey: "k", defaultModel: "gpt-test", client: fake}

	_, err := b.Invoke(context.Background(), callclient.Request{Data: map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}})

	var capErr *retry.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected *retry.CapacityError, got %v", err)
	}
}

func TestOpenAIBackendInvokeWrapsOtherErrors(t *testing.T) {
	fake := &fakeOpenAIClient{err: errors.New("invalid_request_error: bad schema")}
	b := &OpenAIBackend{apiKey: "k", defaultModel: "gpt-test", client: fake}

	_, err := b.Invoke(context.Background(), callclient.Request{Data: map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}})

	var capErr *retry.CapacityError
	if errors.As(err, &capErr) {
		t.Fatalf("did not expect a capacity error, got %v", err)
	}
	if err == nil {
		t.Fatal("expected an error")
	}
}
