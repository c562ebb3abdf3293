package landscape

import (
	"context"
	"database/sql"
	"fmt"
)

// storeRowData canonicalizes and content-addresses a PipelineRow, returning
// the payload ref to persist alongside the owning row/token.
func (s *SQLiteStore) storeRowData(ctx context.Context, ex execer, data PipelineRow) (string, error) {
	canon, err := Canonicalize(data)
	if err != nil {
		return "", fmt.Errorf("landscape: canonicalize row data: %w", err)
	}
	return s.putPayloadTx(ctx, ex, canon)
}

// loadRowData reverses storeRowData for the given ref. Callers already
// hold s.mu, so it reads the payloads table directly instead of going
// through GetPayload.
func (s *SQLiteStore) loadRowData(ctx context.Context, ref string) (PipelineRow, error) {
	var raw []byte
	var purged int
	err := s.db.QueryRowContext(ctx, `SELECT data, purged FROM payloads WHERE hash = ?`, ref).Scan(&raw, &purged)
	if err == sql.ErrNoRows {
		return PipelineRow{}, ErrNotFound
	}
	if err != nil {
		return PipelineRow{}, err
	}
	if purged == 1 {
		return PipelineRow{}, fmt.Errorf("landscape: payload %s purged", ref)
	}
	return unmarshalJSON[PipelineRow](string(raw))
}

func (s *SQLiteStore) CreateRow(ctx context.Context, row Row) (Row, error) {
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
		INSERT INTO rows (row_id, run_id, source_node_id, row_index, data_ref, source_data_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		row.RowID, row.RunID, row.SourceNodeID, row.RowIndex, dataRef, row.SourceDataHash, now(),
	)
	if err != nil {
		return Row{}, fmt.Errorf("landscape: create row: %w", err)
	}
	return row, nil
}

func (s *SQLiteStore) CreateToken(ctx context.Context, tok Token) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertToken(ctx, s.db, tok, nil)
}

// insertToken persists tok (minting an id and a row-data payload ref if
// needed) and its parent lineage rows inside ex, which may be s.db or an
// open transaction.
func (s *SQLiteStore) insertToken(ctx context.Context, ex queryer, tok Token, parents []string) (Token, error) {
	if tok.TokenID == "" {
		tok.TokenID = NewID()
	}
	rowDataRef, err := s.storeRowData(ctx, ex, tok.RowData)
	if err != nil {
		return Token{}, err
	}

	var runID string
	row := ex.QueryRowContext(ctx, `SELECT run_id FROM rows WHERE row_id = ?`, tok.RowID)
	if err := row.Scan(&runID); err != nil && err != sql.ErrNoRows {
		return Token{}, fmt.Errorf("landscape: lookup row run_id: %w", err)
	}

	_, err = ex.ExecContext(ctx, `
		INSERT INTO tokens (token_id, run_id, row_id, branch_name, fork_group_id, expand_group_id, join_group_id, step_in_pipeline, row_data_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tok.TokenID, runID, tok.RowID, tok.BranchName, tok.ForkGroupID, tok.ExpandGroupID, tok.JoinGroupID, tok.StepInPipeline, rowDataRef, now(),
	)
	if err != nil {
		return Token{}, fmt.Errorf("landscape: create token: %w", err)
	}

	for i, parentID := range parents {
		if _, err := ex.ExecContext(ctx, `INSERT INTO token_parents (child_token_id, parent_token_id, ordinal) VALUES (?, ?, ?)`,
			tok.TokenID, parentID, i); err != nil {
			return Token{}, fmt.Errorf("landscape: record token parent: %w", err)
		}
	}
	return tok, nil
}

func (s *SQLiteStore) ForkToken(ctx context.Context, parent Token, step int, branches []ForkSpec) ([]Token, string, error) {
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
		child := Token{
			RowID:          parent.RowID,
			BranchName:     b.BranchName,
			ForkGroupID:    forkGroupID,
			StepInPipeline: step,
			RowData:        data,
		}
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

func (s *SQLiteStore) ExpandToken(ctx context.Context, parent Token, step int, rows []ExpandSpec) ([]Token, string, error) {
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
		child := Token{
			RowID:          parent.RowID,
			ExpandGroupID:  expandGroupID,
			StepInPipeline: step,
			RowData:        r.RowData.Clone(),
		}
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

func (s *SQLiteStore) CoalesceToken(ctx context.Context, parents []Token, merged PipelineRow, step int) (Token, error) {
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

	child := Token{
		RowID:          parents[0].RowID,
		JoinGroupID:    joinGroupID,
		StepInPipeline: step,
		RowData:        merged.Clone(),
	}
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

func (s *SQLiteStore) UpdateRowData(ctx context.Context, tokenID string, data PipelineRow) (Token, error) {
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

func (s *SQLiteStore) RecordTokenOutcome(ctx context.Context, tokenID string, outcome TokenOutcome, referent OutcomeReferent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recordOutcomeTx(ctx, s.db, tokenID, outcome, referent)
}

// recordOutcomeTx enforces "exactly one terminal outcome" per token, but
// treats buffered/consumed_in_batch as provisional markers an aggregation
// node may record before a token's real terminal outcome is known (the
// same token_id is later completed, failed, etc. once its batch flushes).
// Any other existing outcome is final and blocks the write.
func (s *SQLiteStore) recordOutcomeTx(ctx context.Context, ex execer, tokenID string, outcome TokenOutcome, referent OutcomeReferent) error {
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

func (s *SQLiteStore) getTokenLocked(ctx context.Context, tokenID string) (Token, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT token_id, row_id, branch_name, fork_group_id, expand_group_id, join_group_id, step_in_pipeline,
		       outcome, outcome_sink_name, outcome_fork_group_id, outcome_expand_group_id, outcome_join_group_id, outcome_batch_id, outcome_error_hash,
		       row_data_ref, created_at
		FROM tokens WHERE token_id = ?`, tokenID)
	t, rowDataRef, createdAt, err := scanTokenRow(row)
	if err != nil {
		return Token{}, err
	}
	t.CreatedAt = parseTime(createdAt)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTokenRow(row rowScanner) (Token, string, string, error) {
	var t Token
	var rowDataRef, createdAt string
	err := row.Scan(&t.TokenID, &t.RowID, &t.BranchName, &t.ForkGroupID, &t.ExpandGroupID, &t.JoinGroupID, &t.StepInPipeline,
		&t.Outcome, &t.OutcomeReferent.SinkName, &t.OutcomeReferent.ForkGroupID, &t.OutcomeReferent.ExpandGroupID, &t.OutcomeReferent.JoinGroupID, &t.OutcomeReferent.BatchID, &t.OutcomeReferent.ErrorHash,
		&rowDataRef, &createdAt)
	if err == sql.ErrNoRows {
		return Token{}, "", "", ErrNotFound
	}
	if err != nil {
		return Token{}, "", "", err
	}
	return t, rowDataRef, createdAt, nil
}

func (s *SQLiteStore) getTokenParentsLocked(ctx context.Context, childTokenID string) ([]TokenParent, error) {
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

func (s *SQLiteStore) GetTokenParents(ctx context.Context, childTokenID string) ([]TokenParent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTokenParentsLocked(ctx, childTokenID)
}
