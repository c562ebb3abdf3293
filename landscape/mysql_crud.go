package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *MySQLStore) BeginRun(ctx context.Context, run Run) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if run.RunID == "" {
		run.RunID = NewID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	run.Status = RunRunning

	settingsJSON, err := marshalJSON(run.Settings)
	if err != nil {
		return Run{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, completed_at, status, canonical_version, config_hash, settings_json)
		VALUES (?, ?, NULL, ?, ?, ?, ?)`,
		run.RunID, run.StartedAt, run.Status, run.CanonicalVersion, run.ConfigHash, settingsJSON,
	)
	if err != nil {
		return Run{}, fmt.Errorf("landscape: begin run: %w", err)
	}
	return run, nil
}

func (s *MySQLStore) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	switch status {
	case RunCompleted, RunFailed, RunAborted:
	default:
		return fmt.Errorf("%w: terminal run status %q", ErrCorrupt, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ?`, status, time.Now().UTC(), runID)
	if err != nil {
		return fmt.Errorf("landscape: complete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *MySQLStore) GetRun(ctx context.Context, runID string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `SELECT run_id, started_at, completed_at, status, canonical_version, config_hash, settings_json FROM runs WHERE run_id = ?`, runID)
	var r Run
	var startedAt time.Time
	var completedAt sql.NullTime
	var settingsJSON string
	if err := row.Scan(&r.RunID, &startedAt, &completedAt, &r.Status, &r.CanonicalVersion, &r.ConfigHash, &settingsJSON); err != nil {
		if err == sql.ErrNoRows {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	r.StartedAt = startedAt
	if completedAt.Valid {
		t := completedAt.Time
		r.CompletedAt = &t
	}
	settings, err := unmarshalJSON[map[string]any](settingsJSON)
	if err != nil {
		return Run{}, fmt.Errorf("%w: settings_json: %v", ErrCorrupt, err)
	}
	r.Settings = settings
	return r, nil
}

func (s *MySQLStore) RegisterNode(ctx context.Context, node Node) (Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if node.NodeID == "" {
		node.NodeID = NewID()
	}
	configJSON, err := marshalJSON(node.Config)
	if err != nil {
		return Node{}, err
	}
	fieldsJSON, err := marshalJSON(node.SchemaConfig.Fields)
	if err != nil {
		return Node{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO nodes (node_id, run_id, plugin_name, plugin_version, node_type, config_json, config_hash, schema_hash, schema_mode, schema_fields_json, determinism, sequence_in_pipeline, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		node.NodeID, node.RunID, node.PluginName, node.PluginVersion, node.NodeType, configJSON, node.ConfigHash, node.SchemaHash, node.SchemaConfig.Mode, fieldsJSON, node.Determinism, node.SequenceInPipeline, time.Now().UTC(),
	)
	if err != nil {
		return Node{}, fmt.Errorf("landscape: register node: %w", err)
	}
	return node, nil
}

func (s *MySQLStore) RegisterEdge(ctx context.Context, edge Edge) (Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if edge.EdgeID == "" {
		edge.EdgeID = NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		edge.EdgeID, edge.RunID, edge.FromNodeID, edge.ToNodeID, edge.Label, edge.DefaultMode, time.Now().UTC(),
	)
	if err != nil {
		return Edge{}, fmt.Errorf("landscape: register edge: %w", err)
	}
	return edge, nil
}

func (s *MySQLStore) CreateRow(ctx context.Context, row Row) (Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.RowID == "" {
		row.RowID = NewID()
	}
	dataRef, err := s.storeRowData(ctx, s.db, row.Data)
	if err != nil {
		return Row{}, err
	}
	if row.SourceDataHash == "" {
		row.SourceDataHash = dataRef
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO rows_tbl (row_id, run_id, source_node_id, row_index, data_ref, source_data_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.RowID, row.RunID, row.SourceNodeID, row.RowIndex, dataRef, row.SourceDataHash, time.Now().UTC(),
	)
	if err != nil {
		return Row{}, fmt.Errorf("landscape: create row: %w", err)
	}
	return row, nil
}

func (s *MySQLStore) insertToken(ctx context.Context, ex execer, tok Token, parents []string) (Token, error) {
	if tok.TokenID == "" {
		tok.TokenID = NewID()
	}
	rowDataRef, err := s.storeRowData(ctx, ex, tok.RowData)
	if err != nil {
		return Token{}, err
	}
	var runID string
	_ = s.db.QueryRowContext(ctx, `SELECT run_id FROM rows_tbl WHERE row_id = ?`, tok.RowID).Scan(&runID)

	_, err = ex.ExecContext(ctx, `
		INSERT INTO tokens (token_id, run_id, row_id, branch_name, fork_group_id, expand_group_id, join_group_id, step_in_pipeline, row_data_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tok.TokenID, runID, tok.RowID, tok.BranchName, tok.ForkGroupID, tok.ExpandGroupID, tok.JoinGroupID, tok.StepInPipeline, rowDataRef, time.Now().UTC(),
	)
	if err != nil {
		return Token{}, fmt.Errorf("landscape: create token: %w", err)
	}
	for i, parentID := range parents {
		if _, err := ex.ExecContext(ctx, `INSERT INTO token_parents (child_token_id, parent_token_id, ordinal) VALUES (?, ?, ?)`, tok.TokenID, parentID, i); err != nil {
			return Token{}, fmt.Errorf("landscape: record token parent: %w", err)
		}
	}
	return tok, nil
}

func (s *MySQLStore) CreateToken(ctx context.Context, tok Token) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertToken(ctx, s.db, tok, nil)
}

func (s *MySQLStore) ForkToken(ctx context.Context, parent Token, step int, branches []ForkSpec) ([]Token, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = tx.Rollback() }()

	forkGroupID := NewID()
	children := make([]Token, 0, len(branches))
	for _, b := range branches {
		var data PipelineRow
		if b.RowData != nil {
			data = b.RowData.Clone()
		} else {
			data = parent.RowData.Clone()
		}
		child := Token{RowID: parent.RowID, BranchName: b.BranchName, ForkGroupID: forkGroupID, StepInPipeline: step, RowData: data}
		child, err = s.insertToken(ctx, tx, child, []string{parent.TokenID})
		if err != nil {
			return nil, "", err
		}
		children = append(children, child)
	}
	if err := s.recordOutcomeTx(ctx, tx, parent.TokenID, OutcomeForked, OutcomeReferent{ForkGroupID: forkGroupID}); err != nil {
		return nil, "", err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", err
	}
	return children, forkGroupID, nil
}

func (s *MySQLStore) ExpandToken(ctx context.Context, parent Token, step int, rows []ExpandSpec) ([]Token, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = tx.Rollback() }()

	expandGroupID := NewID()
	children := make([]Token, 0, len(rows))
	for _, r := range rows {
		child := Token{RowID: parent.RowID, ExpandGroupID: expandGroupID, StepInPipeline: step, RowData: r.RowData.Clone()}
		child, err = s.insertToken(ctx, tx, child, []string{parent.TokenID})
		if err != nil {
			return nil, "", err
		}
		children = append(children, child)
	}
	if err := s.recordOutcomeTx(ctx, tx, parent.TokenID, OutcomeExpanded, OutcomeReferent{ExpandGroupID: expandGroupID}); err != nil {
		return nil, "", err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", err
	}
	return children, expandGroupID, nil
}

func (s *MySQLStore) CoalesceToken(ctx context.Context, parents []Token, merged PipelineRow, step int) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Token{}, err
	}
	defer func() { _ = tx.Rollback() }()

	joinGroupID := NewID()
	parentIDs := make([]string, len(parents))
	for i, p := range parents {
		parentIDs[i] = p.TokenID
	}
	child := Token{RowID: parents[0].RowID, JoinGroupID: joinGroupID, StepInPipeline: step, RowData: merged.Clone()}
	child, err = s.insertToken(ctx, tx, child, parentIDs)
	if err != nil {
		return Token{}, err
	}
	for _, p := range parents {
		if err := s.recordOutcomeTx(ctx, tx, p.TokenID, OutcomeCoalesced, OutcomeReferent{JoinGroupID: joinGroupID}); err != nil {
			return Token{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return Token{}, err
	}
	return child, nil
}

func (s *MySQLStore) UpdateRowData(ctx context.Context, tokenID string, data PipelineRow) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, err := s.storeRowData(ctx, s.db, data)
	if err != nil {
		return Token{}, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tokens SET row_data_ref = ? WHERE token_id = ?`, ref, tokenID)
	if err != nil {
		return Token{}, fmt.Errorf("landscape: update row data: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Token{}, ErrNotFound
	}
	return s.getTokenLocked(ctx, tokenID)
}

func (s *MySQLStore) RecordTokenOutcome(ctx context.Context, tokenID string, outcome TokenOutcome, referent OutcomeReferent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordOutcomeTx(ctx, s.db, tokenID, outcome, referent)
}

// recordOutcomeTx enforces "exactly one terminal outcome" per token, but
// treats buffered/consumed_in_batch as provisional markers an aggregation
// node may record before a token's real terminal outcome is known.
func (s *MySQLStore) recordOutcomeTx(ctx context.Context, ex execer, tokenID string, outcome TokenOutcome, referent OutcomeReferent) error {
	res, err := ex.ExecContext(ctx, `
		UPDATE tokens SET outcome = ?, outcome_sink_name = ?, outcome_fork_group_id = ?, outcome_expand_group_id = ?, outcome_join_group_id = ?, outcome_batch_id = ?, outcome_error_hash = ?
		WHERE token_id = ? AND outcome IN ('', ?, ?)`,
		outcome, referent.SinkName, referent.ForkGroupID, referent.ExpandGroupID, referent.JoinGroupID, referent.BatchID, referent.ErrorHash, tokenID,
		OutcomeBuffered, OutcomeConsumedInBatch,
	)
	if err != nil {
		return fmt.Errorf("landscape: record token outcome: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("landscape: token %s already has a terminal outcome or does not exist", tokenID)
	}
	return nil
}

func (s *MySQLStore) getTokenLocked(ctx context.Context, tokenID string) (Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_id, row_id, branch_name, fork_group_id, expand_group_id, join_group_id, step_in_pipeline,
		       outcome, outcome_sink_name, outcome_fork_group_id, outcome_expand_group_id, outcome_join_group_id, outcome_batch_id, outcome_error_hash,
		       row_data_ref, created_at
		FROM tokens WHERE token_id = ?`, tokenID)
	t, rowDataRef, createdAt, err := scanTokenRowTimed(row)
	if err != nil {
		return Token{}, err
	}
	t.CreatedAt = createdAt
	if rowDataRef != "" {
		data, err := s.loadRowData(ctx, rowDataRef)
		if err != nil {
			return Token{}, err
		}
		t.RowData = data
	}
	parents, err := s.getTokenParentsLocked(ctx, tokenID)
	if err != nil {
		return Token{}, err
	}
	for _, p := range parents {
		t.ParentTokenIDs = append(t.ParentTokenIDs, p.ParentTokenID)
	}
	return t, nil
}

// scanTokenRowTimed mirrors scanTokenRow but scans created_at as a native
// time.Time (MySQL's driver returns DATETIME columns typed when
// parseTime=true is set in the DSN, unlike SQLite's text storage).
func scanTokenRowTimed(row rowScanner) (Token, string, time.Time, error) {
	var t Token
	var rowDataRef string
	var createdAt time.Time
	err := row.Scan(&t.TokenID, &t.RowID, &t.BranchName, &t.ForkGroupID, &t.ExpandGroupID, &t.JoinGroupID, &t.StepInPipeline,
		&t.Outcome, &t.OutcomeReferent.SinkName, &t.OutcomeReferent.ForkGroupID, &t.OutcomeReferent.ExpandGroupID, &t.OutcomeReferent.JoinGroupID, &t.OutcomeReferent.BatchID, &t.OutcomeReferent.ErrorHash,
		&rowDataRef, &createdAt)
	if err == sql.ErrNoRows {
		return Token{}, "", time.Time{}, ErrNotFound
	}
	if err != nil {
		return Token{}, "", time.Time{}, err
	}
	return t, rowDataRef, createdAt, nil
}

func (s *MySQLStore) getTokenParentsLocked(ctx context.Context, childTokenID string) ([]TokenParent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT child_token_id, parent_token_id, ordinal FROM token_parents WHERE child_token_id = ? ORDER BY ordinal`, childTokenID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []TokenParent
	for rows.Next() {
		var tp TokenParent
		if err := rows.Scan(&tp.ChildTokenID, &tp.ParentTokenID, &tp.Ordinal); err != nil {
			return nil, err
		}
		out = append(out, tp)
	}
	return out, rows.Err()
}

func (s *MySQLStore) GetTokenParents(ctx context.Context, childTokenID string) ([]TokenParent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTokenParentsLocked(ctx, childTokenID)
}
