package token_test

import (
	"context"
	"testing"

	"github.com/tachyon-beep/elspeth/landscape"
	"github.com/tachyon-beep/elspeth/token"
)

func newTestStore(t *testing.T) landscape.Store {
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
	if _, err := store.RegisterNode(ctx, landscape.Node{NodeID: "src-1", RunID: "run-1", PluginName: "csv_source", NodeType: landscape.NodeSource}); err != nil {
		t.Fatalf("RegisterNode: %v", err)
	}
	return store
}

func TestCreateInitialToken(t *testing.T) {
	store := newTestStore(t)
	mgr := token.New(store)
	ctx := context.Background()

	row := landscape.PipelineRow{Fields: []string{"a"}, Values: map[string]any{"a": 1}}
	tok, err := mgr.CreateInitialToken(ctx, "run-1", "src-1", 0, row)
	if err != nil {
		t.Fatalf("CreateInitialToken: %v", err)
	}
	if tok.TokenID == "" || tok.RowID == "" {
		t.Fatalf("expected minted ids, got %+v", tok)
	}
	if got, _ := tok.RowData.Get("a"); got != int64(1) && got != 1 {
		t.Fatalf("row data not preserved: %+v", tok.RowData)
	}
}

func TestForkTokenDeepCopyIsolation(t *testing.T) {
	store := newTestStore(t)
	mgr := token.New(store)
	ctx := context.Background()

	row := landscape.PipelineRow{
		Fields: []string{"nested"},
		Values: map[string]any{"nested": map[string]any{"x": 1}},
	}
	parent, err := mgr.CreateInitialToken(ctx, "run-1", "src-1", 0, row)
	if err != nil {
		t.Fatalf("CreateInitialToken: %v", err)
	}

	children, forkGroupID, err := mgr.ForkToken(ctx, parent, []string{"left", "right"}, 1, nil)
	if err != nil {
		t.Fatalf("ForkToken: %v", err)
	}
	if len(children) != 2 {
		t.Fatalf("expected 2 children, got %d", len(children))
	}
	if forkGroupID == "" {
		t.Fatalf("expected non-empty fork_group_id")
	}
	for _, c := range children {
		if c.ForkGroupID != forkGroupID {
			t.Fatalf("child fork_group_id mismatch: got %q want %q", c.ForkGroupID, forkGroupID)
		}
	}

	// Mutate one sibling's nested structure; the other must be unaffected.
	nested, _ := children[0].RowData.Get("nested")
	nestedMap, ok := nested.(map[string]any)
	if !ok {
		t.Fatalf("expected nested map, got %T", nested)
	}
	nestedMap["x"] = 999

	otherNested, _ := children[1].RowData.Get("nested")
	otherMap, ok := otherNested.(map[string]any)
	if !ok {
		t.Fatalf("expected nested map, got %T", otherNested)
	}
	if otherMap["x"] == 999 {
		t.Fatalf("sibling row data shares structure: mutation leaked across fork")
	}
}

func TestUpdateRowDataPreservesLineage(t *testing.T) {
	store := newTestStore(t)
	mgr := token.New(store)
	ctx := context.Background()

	row := landscape.PipelineRow{Fields: []string{"a"}, Values: map[string]any{"a": 1}}
	parent, err := mgr.CreateInitialToken(ctx, "run-1", "src-1", 0, row)
	if err != nil {
		t.Fatalf("CreateInitialToken: %v", err)
	}
	children, forkGroupID, err := mgr.ForkToken(ctx, parent, []string{"only"}, 1, nil)
	if err != nil {
		t.Fatalf("ForkToken: %v", err)
	}

	updated, err := mgr.UpdateRowData(ctx, children[0].TokenID, landscape.PipelineRow{
		Fields: []string{"a"}, Values: map[string]any{"a": 2},
	})
	if err != nil {
		t.Fatalf("UpdateRowData: %v", err)
	}
	if updated.ForkGroupID != forkGroupID {
		t.Fatalf("fork_group_id not preserved: got %q want %q", updated.ForkGroupID, forkGroupID)
	}
	if updated.BranchName != children[0].BranchName {
		t.Fatalf("branch_name not preserved: got %q want %q", updated.BranchName, children[0].BranchName)
	}
	if got, _ := updated.RowData.Get("a"); got != int64(2) && got != 2 {
		t.Fatalf("row data not updated: %+v", updated.RowData)
	}
}

func TestCoalesceTokensReferencesAllParents(t *testing.T) {
	store := newTestStore(t)
	mgr := token.New(store)
	ctx := context.Background()

	row := landscape.PipelineRow{Fields: []string{"a"}, Values: map[string]any{"a": 1}}
	parent, err := mgr.CreateInitialToken(ctx, "run-1", "src-1", 0, row)
	if err != nil {
		t.Fatalf("CreateInitialToken: %v", err)
	}
	children, _, err := mgr.ForkToken(ctx, parent, []string{"left", "right"}, 1, nil)
	if err != nil {
		t.Fatalf("ForkToken: %v", err)
	}

	merged := landscape.PipelineRow{Fields: []string{"a"}, Values: map[string]any{"a": 3}}
	coalesced, err := mgr.CoalesceTokens(ctx, children, merged, 2)
	if err != nil {
		t.Fatalf("CoalesceTokens: %v", err)
	}
	if coalesced.JoinGroupID == "" {
		t.Fatalf("expected non-empty join_group_id")
	}
	if len(coalesced.ParentTokenIDs) != 2 {
		t.Fatalf("expected 2 parent ids, got %d: %+v", len(coalesced.ParentTokenIDs), coalesced.ParentTokenIDs)
	}
}
