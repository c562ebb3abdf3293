package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/tachyon-beep/elspeth/callclient"
	"github.com/tachyon-beep/elspeth/retry"
)

type fakeGoogleClient struct {
	out   map[string]any
	err   error
	calls int
	model string
}

func (f *fakeGoogleClient) generateContent(_ context.Context, model string, _ []Message, _ []ToolSpec) (map[string]any, error) {
	f.calls++
	f.model = model
	return f.out, f.err
}

func TestGoogleBackendInvokeReturnsText(t *testing.T) {
	fake := &fakeGoogleClient{out: map[string]any{"text": "gemini says hi"}}
	b := &GoogleBackend{apiKey: "k", defaultModel: "gemini-test", client: fake}

	resp, err := b.Invoke(context.Background(), callclient.Request{Data: map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Data["text"] != "gemini says hi" {
		t.Errorf("expected text %q, got %q", "gemini says hi", resp.Data["text"])
	}
	if fake.model != "gemini-test" {
		t.Errorf("expected default model, got %q", fake.model)
	}
}

func TestGoogleBackendInvokeSurfacesSafetyFilterError(t *testing.T) {
	fake := &fakeGoogleClient{err: &SafetyFilterError{Category: "safety"}}
	b := &GoogleBackend{apiKey: "k", defaultModel: "gemini-test", client: fake}

	_, err := b.Invoke(context.Background(), callclient.Request{Data: map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}})

	var safetyErr *SafetyFilterError
	if !errors.As(err, &safetyErr) {
		t.Fatalf("expected *SafetyFilterError, got %v", err)
	}
	if safetyErr.Category != "safety" {
		t.Errorf("expected category %q, got %q", "safety", safetyErr.Category)
	}
}

func TestGoogleBackendInvokeClassifiesCapacityError(t *testing.T) {
	fake := &fakeGoogleClient{err: errors.New("429 resource_exhausted: quota exceeded")}
	b := &GoogleBackend{apiKey: "k", defaultModel: "gemini-test", client: fake}

	_, err := b.Invoke(context.Background(), callclient.Request{Data: map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	}})

	var capErr *retry.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected *retry.CapacityError, got %v", err)
	}
}
