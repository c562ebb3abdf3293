package llm_test

import (
	"context"
	"errors"
	"testing"

	"github.com/tachyon-beep/elspeth/callclient"
	"github.com/tachyon-beep/elspeth/landscape"
	"github.com/tachyon-beep/elspeth/llm"
	"github.com/tachyon-beep/elspeth/plugin"
	"github.com/tachyon-beep/elspeth/retry"
	"github.com/tachyon-beep/elspeth/token"
	"golang.org/x/time/rate"
)

type echoBackend struct {
	failures int
	calls    int
}

func (b *echoBackend) Invoke(ctx context.Context, req callclient.Request) (callclient.Response, error) {
	b.calls++
	if b.calls <= b.failures {
		return callclient.Response{}, &retry.CapacityError{Cause: errors.New("429")}
	}
	msgs, _ := req.Data["messages"].([]any)
	return callclient.Response{Data: map[string]any{"text": "reply", "seen": len(msgs)}}, nil
}

func newTransformFixture(t *testing.T) (landscape.Store, string) {
	t.Helper()
	store, err := landscape.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	if _, err := store.BeginRun(ctx, landscape.Run{RunID: "run-1", Status: landscape.RunRunning}); err != nil {
		t.Fatalf("BeginRun: %v", err)
	}
	if _, err := store.RegisterNode(ctx, landscape.Node{NodeID: "src-1", RunID: "run-1", NodeType: landscape.NodeSource}); err != nil {
		t.Fatalf("RegisterNode src: %v", err)
	}
	if _, err := store.RegisterNode(ctx, landscape.Node{NodeID: "llm-1", RunID: "run-1", NodeType: landscape.NodeTransform}); err != nil {
		t.Fatalf("RegisterNode xf: %v", err)
	}
	tokens := token.New(store)
	tok, err := tokens.CreateInitialToken(ctx, "run-1", "src-1", 0, landscape.PipelineRow{
		Fields: []string{"prompt"},
		Values: map[string]any{"prompt": []any{map[string]any{"role": "user", "content": "hi"}}},
	})
	if err != nil {
		t.Fatalf("CreateInitialToken: %v", err)
	}
	state, err := store.BeginNodeState(ctx, landscape.NodeState{TokenID: tok.TokenID, NodeID: "llm-1", RunID: "run-1", StepIndex: 1, Attempt: 0})
	if err != nil {
		t.Fatalf("BeginNodeState: %v", err)
	}
	return store, state.StateID
}

func TestCallTransformWritesReplyToOutputField(t *testing.T) {
	store, stateID := newTransformFixture(t)
	ctx := callclient.WithCallContext(context.Background(), "run-1", stateID)
	client := callclient.New(store, callclient.NewPool(2, rate.Inf), &echoBackend{})

	tr, err := llm.NewCallTransform(llm.CallTransformConfig{
		Name:        "llm-1",
		Client:      client,
		InputField:  "prompt",
		OutputField: "reply",
	})
	if err != nil {
		t.Fatalf("NewCallTransform: %v", err)
	}

	row := landscape.PipelineRow{
		Fields: []string{"prompt"},
		Values: map[string]any{"prompt": []any{map[string]any{"role": "user", "content": "hi"}}},
	}
	res, err := tr.Process(ctx, row)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != plugin.TransformSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	got, ok := res.Row.Get("reply")
	if !ok || got != "reply" {
		t.Fatalf("expected reply field = %q, got %v (present=%v)", "reply", got, ok)
	}
}

func TestCallTransformRequiresCallContext(t *testing.T) {
	store, _ := newTransformFixture(t)
	client := callclient.New(store, callclient.NewPool(2, rate.Inf), &echoBackend{})

	tr, err := llm.NewCallTransform(llm.CallTransformConfig{
		Name:        "llm-1",
		Client:      client,
		InputField:  "prompt",
		OutputField: "reply",
	})
	if err != nil {
		t.Fatalf("NewCallTransform: %v", err)
	}

	_, err = tr.Process(context.Background(), landscape.PipelineRow{})
	if err == nil {
		t.Fatalf("expected error when ctx carries no call context")
	}
}

func TestCallTransformPropagatesCapacityErrorUnwrapped(t *testing.T) {
	store, stateID := newTransformFixture(t)
	ctx := callclient.WithCallContext(context.Background(), "run-1", stateID)
	client := callclient.New(store, callclient.NewPool(2, rate.Inf), &echoBackend{failures: 1})

	tr, err := llm.NewCallTransform(llm.CallTransformConfig{
		Name:        "llm-1",
		Client:      client,
		InputField:  "prompt",
		OutputField: "reply",
	})
	if err != nil {
		t.Fatalf("NewCallTransform: %v", err)
	}

	row := landscape.PipelineRow{
		Fields: []string{"prompt"},
		Values: map[string]any{"prompt": []any{map[string]any{"role": "user", "content": "hi"}}},
	}
	_, err = tr.Process(ctx, row)
	var capErr *retry.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected CapacityError to propagate unwrapped, got %v", err)
	}
}

func TestCallTransformMissingInputFieldIsTerminalError(t *testing.T) {
	store, stateID := newTransformFixture(t)
	ctx := callclient.WithCallContext(context.Background(), "run-1", stateID)
	client := callclient.New(store, callclient.NewPool(2, rate.Inf), &echoBackend{})

	tr, err := llm.NewCallTransform(llm.CallTransformConfig{
		Name:        "llm-1",
		Client:      client,
		InputField:  "prompt",
		OutputField: "reply",
	})
	if err != nil {
		t.Fatalf("NewCallTransform: %v", err)
	}

	res, err := tr.Process(ctx, landscape.PipelineRow{Fields: []string{}, Values: map[string]any{}})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Status != plugin.TransformError {
		t.Fatalf("expected terminal error result, got %+v", res)
	}
}
