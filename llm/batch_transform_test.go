package llm_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"golang.org/x/time/rate"

	"github.com/tachyon-beep/elspeth/callclient"
	"github.com/tachyon-beep/elspeth/landscape"
	"github.com/tachyon-beep/elspeth/llm"
	"github.com/tachyon-beep/elspeth/plugin"
	"github.com/tachyon-beep/elspeth/token"
)

// concurrentEchoBackend is safe for the concurrent Invoke calls
// CallBatchTransform.ProcessBatch dispatches, unlike transform_test.go's
// echoBackend which assumes single-row Process's single-caller use.
type concurrentEchoBackend struct {
	mu    sync.Mutex
	calls int
}

func (b *concurrentEchoBackend) Invoke(ctx context.Context, req callclient.Request) (callclient.Response, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	msgs, _ := req.Data["messages"].([]any)
	text := ""
	if len(msgs) > 0 {
		if m, ok := msgs[0].(map[string]any); ok {
			text, _ = m["content"].(string)
		}
	}
	return callclient.Response{Data: map[string]any{"text": "reply:" + text}}, nil
}

func newBatchTransformFixture(t *testing.T, n int) (landscape.Store, string, []landscape.PipelineRow) {
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
	if _, err := store.RegisterNode(ctx, landscape.Node{NodeID: "llm-batch", RunID: "run-1", NodeType: landscape.NodeAggregation}); err != nil {
		t.Fatalf("RegisterNode xf: %v", err)
	}

	rows := make([]landscape.PipelineRow, n)
	for i := range rows {
		rows[i] = landscape.PipelineRow{
			Fields: []string{"prompt"},
			Values: map[string]any{"prompt": []any{map[string]any{"role": "user", "content": fmt.Sprintf("row-%d", i)}}},
		}
	}

	tokens := token.New(store)
	tok, err := tokens.CreateInitialToken(ctx, "run-1", "src-1", 0, landscape.PipelineRow{
		Fields: []string{"prompt"},
		Values: map[string]any{"prompt": []any{map[string]any{"role": "user", "content": "triggering"}}},
	})
	if err != nil {
		t.Fatalf("CreateInitialToken: %v", err)
	}
	state, err := store.BeginNodeState(ctx, landscape.NodeState{TokenID: tok.TokenID, NodeID: "llm-batch", RunID: "run-1", StepIndex: 1, Attempt: 0})
	if err != nil {
		t.Fatalf("BeginNodeState: %v", err)
	}
	return store, state.StateID, rows
}

func TestCallBatchTransformDispatchesOneCallPerRowConcurrently(t *testing.T) {
	store, stateID, rows := newBatchTransformFixture(t, 8)
	ctx := callclient.WithCallContext(context.Background(), "run-1", stateID)
	backend := &concurrentEchoBackend{}
	client := callclient.New(store, callclient.NewPool(4, rate.Inf), backend)

	tr, err := llm.NewCallBatchTransform(llm.CallBatchTransformConfig{
		Name:        "llm-batch",
		Client:      client,
		InputField:  "prompt",
		OutputField: "reply",
	})
	if err != nil {
		t.Fatalf("NewCallBatchTransform: %v", err)
	}

	res, err := tr.ProcessBatch(ctx, rows)
	if err != nil {
		t.Fatalf("ProcessBatch: %v", err)
	}
	if res.Status != plugin.TransformMulti {
		t.Fatalf("expected TransformMulti, got %v", res.Status)
	}
	if len(res.Rows) != len(rows) {
		t.Fatalf("expected %d output rows, got %d", len(rows), len(res.Rows))
	}
	for i, row := range res.Rows {
		got, ok := row.Get("reply")
		want := fmt.Sprintf("reply:row-%d", i)
		if !ok || got != want {
			t.Errorf("row %d: expected reply %q, got %v (present=%v)", i, want, got, ok)
		}
	}

	backend.mu.Lock()
	calls := backend.calls
	backend.mu.Unlock()
	if calls != len(rows) {
		t.Fatalf("expected %d backend calls, got %d", len(rows), calls)
	}
}

func TestCallBatchTransformRequiresCallContext(t *testing.T) {
	store, _, rows := newBatchTransformFixture(t, 2)
	client := callclient.New(store, callclient.NewPool(2, rate.Inf), &concurrentEchoBackend{})

	tr, err := llm.NewCallBatchTransform(llm.CallBatchTransformConfig{
		Name:        "llm-batch",
		Client:      client,
		InputField:  "prompt",
		OutputField: "reply",
	})
	if err != nil {
		t.Fatalf("NewCallBatchTransform: %v", err)
	}

	if _, err := tr.ProcessBatch(context.Background(), rows); err == nil {
		t.Fatalf("expected error when ctx carries no call context")
	}
}

func TestCallBatchTransformMissingFieldFailsWholeBatch(t *testing.T) {
	store, stateID, rows := newBatchTransformFixture(t, 3)
	ctx := callclient.WithCallContext(context.Background(), "run-1", stateID)
	client := callclient.New(store, callclient.NewPool(3, rate.Inf), &concurrentEchoBackend{})

	tr, err := llm.NewCallBatchTransform(llm.CallBatchTransformConfig{
		Name:        "llm-batch",
		Client:      client,
		InputField:  "missing",
		OutputField: "reply",
	})
	if err != nil {
		t.Fatalf("NewCallBatchTransform: %v", err)
	}

	if _, err := tr.ProcessBatch(ctx, rows); err == nil {
		t.Fatalf("expected error when input field is absent from every row")
	}
}
