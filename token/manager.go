// Package token implements the token manager described in spec.md §4.2:
// the single authority for minting, forking, expanding and coalescing the
// tokens that carry a row through the pipeline. Methods return new Token
// values read back from the store and leave the caller's Token as it was.
// ForkToken, ExpandToken and CoalesceTokens each commit their landscape
// records in one store transaction; CreateInitialToken makes two store
// calls (CreateRow, then CreateToken).
package token

import (
	"context"
	"fmt"

	"github.com/tachyon-beep/elspeth/landscape"
)

// Manager creates, forks, expands and coalesces tokens against a landscape
// store. It holds no state of its own beyond the store handle; all
// durable state lives in landscape so a Manager can be recreated freely
// across process restarts (resume).
type Manager struct {
	store landscape.Store
}

// New returns a Manager backed by store.
func New(store landscape.Store) *Manager {
	return &Manager{store: store}
}

// CreateInitialToken persists sourceRow as a new Row and mints its first
// Token at step 0.
func (m *Manager) CreateInitialToken(ctx context.Context, runID, sourceNodeID string, rowIndex int, sourceRow landscape.PipelineRow) (landscape.Token, error) {
	hash, err := landscape.Hash(sourceRow)
	if err != nil {
		return landscape.Token{}, fmt.Errorf("token: hash source row: %w", err)
	}
	row, err := m.store.CreateRow(ctx, landscape.Row{
		RunID:          runID,
		SourceNodeID:   sourceNodeID,
		RowIndex:       rowIndex,
		Data:           sourceRow,
		SourceDataHash: hash,
	})
	if err != nil {
		return landscape.Token{}, fmt.Errorf("token: create row: %w", err)
	}
	return m.store.CreateToken(ctx, landscape.Token{
		RowID:          row.RowID,
		StepInPipeline: 0,
		RowData:        sourceRow.Clone(),
	})
}

// CreateTokenForExistingRow mints a fresh token against a row that was
// already persisted in an earlier run attempt (the resume path: the row
// survives, only its processing token needs recreating).
func (m *Manager) CreateTokenForExistingRow(ctx context.Context, rowID string, rowData landscape.PipelineRow) (landscape.Token, error) {
	return m.store.CreateToken(ctx, landscape.Token{
		RowID:          rowID,
		StepInPipeline: 0,
		RowData:        rowData.Clone(),
	})
}

// ForkToken creates one child token per named branch, all sharing the
// parent's row_id and a freshly allocated fork_group_id. Each child's
// row_data is an independent deep copy: either of override (when non-nil)
// or of the parent's own row_data. Siblings never share nested mutable
// structure — mutating one's row_data after the fork must never be
// visible to another.
func (m *Manager) ForkToken(ctx context.Context, parent landscape.Token, branches []string, step int, overrides map[string]landscape.PipelineRow) ([]landscape.Token, string, error) {
	specs := make([]landscape.ForkSpec, len(branches))
	for i, name := range branches {
		spec := landscape.ForkSpec{BranchName: name}
		if override, ok := overrides[name]; ok {
			cp := override.Clone()
			spec.RowData = &cp
		}
		specs[i] = spec
	}
	return m.store.ForkToken(ctx, parent, step, specs)
}

// ExpandToken creates one child token per row produced by a deaggregating
// transform, deep-copying each row so siblings share no nested structure.
func (m *Manager) ExpandToken(ctx context.Context, parent landscape.Token, expandedRows []landscape.PipelineRow, step int) ([]landscape.Token, string, error) {
	specs := make([]landscape.ExpandSpec, len(expandedRows))
	for i, r := range expandedRows {
		specs[i] = landscape.ExpandSpec{RowData: r.Clone()}
	}
	return m.store.ExpandToken(ctx, parent, step, specs)
}

// CoalesceTokens merges all of parents into one child token referencing
// every parent for lineage, allocating a fresh join_group_id.
func (m *Manager) CoalesceTokens(ctx context.Context, parents []landscape.Token, mergedData landscape.PipelineRow, step int) (landscape.Token, error) {
	return m.store.CoalesceToken(ctx, parents, mergedData.Clone(), step)
}

// UpdateRowData stores newData as the row_data of token tokenID and
// returns the updated token. The
// token's identity and lineage metadata — branch_name, fork_group_id,
// expand_group_id, join_group_id — are preserved untouched; only
// row_data and its content hash change.
func (m *Manager) UpdateRowData(ctx context.Context, tokenID string, newData landscape.PipelineRow) (landscape.Token, error) {
	return m.store.UpdateRowData(ctx, tokenID, newData.Clone())
}
