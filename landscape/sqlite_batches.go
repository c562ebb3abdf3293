package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *SQLiteStore) CreateBatch(ctx context.Context, b Batch) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.BatchID == "" {
		b.BatchID = NewID()
	}
	if b.Status == "" {
		b.Status = BatchDraft
	}
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now().UTC()
	}
	reasonJSON, err := marshalJSON(b.TriggerReason)
	if err != nil {
		return Batch{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO batches (batch_id, run_id, aggregation_node_id, attempt, status, trigger_type, trigger_reason_json, aggregation_state_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.BatchID, b.RunID, b.AggregationNodeID, b.Attempt, b.Status, b.TriggerType, reasonJSON, b.AggregationStateID, b.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Batch{}, fmt.Errorf("landscape: create batch: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) AddBatchMember(ctx context.Context, batchID string, tokenID string, ordinal int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES (?, ?, ?)`, batchID, tokenID, ordinal)
	if err != nil {
		return fmt.Errorf("landscape: add batch member: %w", err)
	}
	return nil
}

func (s *SQLiteStore) UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE batches SET status = ? WHERE batch_id = ?`, status, batchID)
	if err != nil {
		return fmt.Errorf("landscape: update batch status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CompleteBatch(ctx context.Context, batchID string, aggregationStateID string, completedAt time.Time) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, aggregation_state_id = ?, completed_at = ? WHERE batch_id = ?`,
		BatchCompleted, aggregationStateID, completedAt.UTC().Format(time.RFC3339Nano), batchID,
	)
	if err != nil {
		return Batch{}, fmt.Errorf("landscape: complete batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Batch{}, ErrNotFound
	}
	return s.getBatchLocked(ctx, batchID)
}

// RetryBatch creates a fresh batch with attempt = prior+1 and copies the
// failed batch's members; the prior batch row is left untouched (batches
// are append-only, per spec.md's "artifacts are append-only" and §4.4's
// retry_batch contract).
func (s *SQLiteStore) RetryBatch(ctx context.Context, failedBatchID string) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prior, err := s.getBatchLocked(ctx, failedBatchID)
	if err != nil {
		return Batch{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Batch{}, err
	}
	defer func() { _ = tx.Rollback() }()

	next := prior
	next.BatchID = NewID()
	next.Attempt = prior.Attempt + 1
	next.Status = BatchDraft
	next.AggregationStateID = ""
	next.CompletedAt = nil
	next.CreatedAt = time.Now().UTC()

	reasonJSON, err := marshalJSON(next.TriggerReason)
	if err != nil {
		return Batch{}, err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO batches (batch_id, run_id, aggregation_node_id, attempt, status, trigger_type, trigger_reason_json, aggregation_state_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		next.BatchID, next.RunID, next.AggregationNodeID, next.Attempt, next.Status, next.TriggerType, reasonJSON, next.AggregationStateID, next.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Batch{}, fmt.Errorf("landscape: retry batch: %w", err)
	}

	members, err := s.getBatchMembersTx(ctx, tx, failedBatchID)
	if err != nil {
		return Batch{}, err
	}
	for _, m := range members {
		if _, err := tx.ExecContext(ctx, `INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES (?, ?, ?)`, next.BatchID, m.TokenID, m.Ordinal); err != nil {
			return Batch{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Batch{}, err
	}
	return next, nil
}

func (s *SQLiteStore) getBatchLocked(ctx context.Context, batchID string) (Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT batch_id, run_id, aggregation_node_id, attempt, status, trigger_type, trigger_reason_json, aggregation_state_id, created_at, completed_at
		FROM batches WHERE batch_id = ?`, batchID)
	return scanBatch(row)
}

func scanBatch(row rowScanner) (Batch, error) {
	var b Batch
	var reasonJSON, createdAt string
	var completedAt sql.NullString
	err := row.Scan(&b.BatchID, &b.RunID, &b.AggregationNodeID, &b.Attempt, &b.Status, &b.TriggerType, &reasonJSON, &b.AggregationStateID, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return Batch{}, ErrNotFound
	}
	if err != nil {
		return Batch{}, err
	}
	b.CreatedAt = parseTime(createdAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		b.CompletedAt = &t
	}
	reason, err := unmarshalJSON[map[string]any](reasonJSON)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: trigger_reason_json: %v", ErrCorrupt, err)
	}
	b.TriggerReason = reason
	return b, nil
}

func (s *SQLiteStore) getBatchMembersTx(ctx context.Context, ex queryer, batchID string) ([]BatchMember, error) {
	rows, err := ex.QueryContext(ctx, `SELECT batch_id, token_id, ordinal FROM batch_members WHERE batch_id = ? ORDER BY ordinal`, batchID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []BatchMember
	for rows.Next() {
		var m BatchMember
		if err := rows.Scan(&m.BatchID, &m.TokenID, &m.Ordinal); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetBatchMembers(ctx context.Context, batchID string) ([]BatchMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBatchMembersTx(ctx, s.db, batchID)
}
