package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tachyon-beep/elspeth/callclient"
)

type recordingBackend struct {
	calls int
	last  callclient.Request
}

func (b *recordingBackend) Invoke(_ context.Context, req callclient.Request) (callclient.Response, error) {
	b.calls++
	b.last = req
	return callclient.Response{Data: map[string]any{"text": "ok"}}, nil
}

func newSafetyServer(t *testing.T, severity int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{{"category": "Hate", "severity": severity}},
		})
	}))
}

func newRequest(prompt string) callclient.Request {
	return callclient.Request{Data: map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": prompt}},
	}}
}

func TestContentSafetyMiddlewarePassesCleanPrompt(t *testing.T) {
	srv := newSafetyServer(t, 1)
	defer srv.Close()

	next := &recordingBackend{}
	mw, err := NewContentSafetyMiddleware(next, ContentSafetyConfig{Endpoint: srv.URL, Key: "k"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	resp, err := mw.Invoke(context.Background(), newRequest("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Data["text"] != "ok" {
		t.Errorf("expected delegated response, got %+v", resp.Data)
	}
	if next.calls != 1 {
		t.Errorf("expected next backend to be called once, got %d", next.calls)
	}
}

func TestContentSafetyMiddlewareAbortsFlaggedPrompt(t *testing.T) {
	srv := newSafetyServer(t, 6)
	defer srv.Close()

	next := &recordingBackend{}
	mw, err := NewContentSafetyMiddleware(next, ContentSafetyConfig{Endpoint: srv.URL, Key: "k", SeverityThreshold: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = mw.Invoke(context.Background(), newRequest("bad stuff"))
	if err == nil {
		t.Fatal("expected abort error for flagged prompt")
	}
	if next.calls != 0 {
		t.Errorf("expected next backend not to be called, got %d calls", next.calls)
	}
}

func TestContentSafetyMiddlewareMasksFlaggedPrompt(t *testing.T) {
	srv := newSafetyServer(t, 6)
	defer srv.Close()

	next := &recordingBackend{}
	mw, err := NewContentSafetyMiddleware(next, ContentSafetyConfig{
		Endpoint: srv.URL, Key: "k", SeverityThreshold: 4, OnViolation: ViolationMask, Mask: "[BLOCKED]",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = mw.Invoke(context.Background(), newRequest("bad stuff"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if next.calls != 1 {
		t.Fatalf("expected next backend to be called once, got %d", next.calls)
	}
	messages, _ := next.last.Data["messages"].([]any)
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	msg := messages[0].(map[string]any)
	if msg["content"] != "[BLOCKED]" {
		t.Errorf("expected masked content, got %q", msg["content"])
	}
}

func TestContentSafetyMiddlewareSkipsOnErrorWhenConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	next := &recordingBackend{}
	mw, err := NewContentSafetyMiddleware(next, ContentSafetyConfig{
		Endpoint: srv.URL, Key: "k", OnError: ErrorSkip, RetryAttempts: 1,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = mw.Invoke(context.Background(), newRequest("hello"))
	if err != nil {
		t.Fatalf("expected on_error=skip to swallow the failure, got %v", err)
	}
	if next.calls != 1 {
		t.Errorf("expected next backend to be called once, got %d", next.calls)
	}
}

func TestContentSafetyMiddlewareAbortsOnErrorByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	next := &recordingBackend{}
	mw, err := NewContentSafetyMiddleware(next, ContentSafetyConfig{Endpoint: srv.URL, Key: "k", RetryAttempts: 1})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = mw.Invoke(context.Background(), newRequest("hello"))
	if err == nil {
		t.Fatal("expected on_error=abort to propagate the failure")
	}
	if next.calls != 0 {
		t.Errorf("expected next backend not to be called, got %d calls", next.calls)
	}
}
