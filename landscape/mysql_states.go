package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *MySQLStore) BeginNodeState(ctx context.Context, ns NodeState) (NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ns.StateID == "" {
		ns.StateID = NewID()
	}
	if ns.StartedAt.IsZero() {
		ns.StartedAt = time.Now().UTC()
	}
	ns.Status = NodeStateRunning
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO node_states (state_id, token_id, node_id, run_id, step_index, input_hash, status, attempt, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ns.StateID, ns.TokenID, ns.NodeID, ns.RunID, ns.StepIndex, ns.InputHash, ns.Status, ns.Attempt, ns.StartedAt,
	)
	if err != nil {
		return NodeState{}, fmt.Errorf("landscape: begin node state: %w", err)
	}
	return ns, nil
}

func (s *MySQLStore) CompleteNodeState(ctx context.Context, stateID string, status NodeStateStatus, outputHash string, completedAt time.Time) (NodeState, error) {
	switch status {
	case NodeStateCompleted, NodeStateFailed:
	default:
		return NodeState{}, fmt.Errorf("%w: node state status %q", ErrCorrupt, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var startedAt time.Time
	if err := s.db.QueryRowContext(ctx, `SELECT started_at FROM node_states WHERE state_id = ?`, stateID).Scan(&startedAt); err != nil {
		if err == sql.ErrNoRows {
			return NodeState{}, ErrNotFound
		}
		return NodeState{}, err
	}
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	duration := completedAt.Sub(startedAt).Milliseconds()

	_, err := s.db.ExecContext(ctx, `UPDATE node_states SET status = ?, output_hash = ?, duration_ms = ?, completed_at = ? WHERE state_id = ?`,
		status, outputHash, duration, completedAt, stateID)
	if err != nil {
		return NodeState{}, fmt.Errorf("landscape: complete node state: %w", err)
	}
	return s.getNodeStateLocked(ctx, stateID)
}

func (s *MySQLStore) getNodeStateLocked(ctx context.Context, stateID string) (NodeState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state_id, token_id, node_id, run_id, step_index, input_hash, output_hash, status, duration_ms, attempt, started_at, completed_at
		FROM node_states WHERE state_id = ?`, stateID)
	return scanNodeStateTimed(row)
}

func scanNodeStateTimed(row rowScanner) (NodeState, error) {
	var ns NodeState
	var startedAt time.Time
	var completedAt sql.NullTime
	err := row.Scan(&ns.StateID, &ns.TokenID, &ns.NodeID, &ns.RunID, &ns.StepIndex, &ns.InputHash, &ns.OutputHash, &ns.Status, &ns.DurationMs, &ns.Attempt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return NodeState{}, ErrNotFound
	}
	if err != nil {
		return NodeState{}, err
	}
	ns.StartedAt = startedAt
	if completedAt.Valid {
		t := completedAt.Time
		ns.CompletedAt = &t
	}
	return ns, nil
}

func (s *MySQLStore) RecordRoutingEvent(ctx context.Context, ev RoutingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reasonJSON, err := marshalJSON(ev.Reason)
	if err != nil {
		return err
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO routing_events (state_id, edge_id, mode, reason_json, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		ev.StateID, ev.EdgeID, ev.Mode, reasonJSON, ev.RecordedAt)
	if err != nil {
		return fmt.Errorf("landscape: record routing event: %w", err)
	}
	return nil
}

func (s *MySQLStore) AllocateCallIndex(ctx context.Context, stateID string, callType CallType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	err = tx.QueryRowContext(ctx, `SELECT next_index FROM call_index_counters WHERE state_id = ? AND call_type = ? FOR UPDATE`, stateID, callType).Scan(&next)
	if err == sql.ErrNoRows {
		next = 0
		if _, err := tx.ExecContext(ctx, `INSERT INTO call_index_counters (state_id, call_type, next_index) VALUES (?, ?, ?)`, stateID, callType, next+1); err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE call_index_counters SET next_index = ? WHERE state_id = ? AND call_type = ?`, next+1, stateID, callType); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *MySQLStore) RecordCall(ctx context.Context, call Call) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if call.CallID == "" {
		call.CallID = NewID()
	}
	if call.CreatedAt.IsZero() {
		call.CreatedAt = time.Now().UTC()
	}

	var runID string
	if err := s.db.QueryRowContext(ctx, `SELECT run_id FROM node_states WHERE state_id = ?`, call.StateID).Scan(&runID); err != nil {
		if err == sql.ErrNoRows {
			return Call{}, fmt.Errorf("landscape: record call: %w: state_id %s", ErrNotFound, call.StateID)
		}
		return Call{}, err
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO calls (call_id, state_id, run_id, call_index, call_type, status, request_hash, response_hash, request_ref, response_ref, latency_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		call.CallID, call.StateID, runID, call.CallIndex, call.CallType, call.Status, call.RequestHash, call.ResponseHash, call.RequestRef, call.ResponseRef, call.LatencyMs, call.CreatedAt,
	)
	if err != nil {
		return Call{}, fmt.Errorf("%w: %v", ErrDuplicateCallIndex, err)
	}
	return call, nil
}

func (s *MySQLStore) FindCallByRequestHash(ctx context.Context, runID string, callType CallType, requestHash string, occurrence int) (Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, state_id, call_index, call_type, status, request_hash, response_hash, request_ref, response_ref, latency_ms, created_at
		FROM calls WHERE run_id = ? AND call_type = ? AND request_hash = ?
		ORDER BY created_at, call_id`, runID, callType, requestHash)
	if err != nil {
		return Call{}, err
	}
	defer func() { _ = rows.Close() }()

	idx := 0
	for rows.Next() {
		c, err := scanCallTimed(rows)
		if err != nil {
			return Call{}, err
		}
		if idx == occurrence {
			return c, nil
		}
		idx++
	}
	if err := rows.Err(); err != nil {
		return Call{}, err
	}
	return Call{}, ErrNotFound
}

func scanCallTimed(row rowScanner) (Call, error) {
	var c Call
	var createdAt time.Time
	err := row.Scan(&c.CallID, &c.StateID, &c.CallIndex, &c.CallType, &c.Status, &c.RequestHash, &c.ResponseHash, &c.RequestRef, &c.ResponseRef, &c.LatencyMs, &createdAt)
	if err == sql.ErrNoRows {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, err
	}
	c.CreatedAt = createdAt
	return c, nil
}

func (s *MySQLStore) RegisterArtifact(ctx context.Context, a Artifact) (Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a.ArtifactID == "" {
		a.ArtifactID = NewID()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, run_id, produced_by_state_id, sink_node_id, artifact_type, path_or_uri, content_hash, size_bytes, idempotency_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ArtifactID, a.RunID, a.ProducedByState, a.SinkNodeID, a.ArtifactType, a.PathOrURI, a.ContentHash, a.SizeBytes, a.IdempotencyKey, a.CreatedAt,
	)
	if err != nil {
		return Artifact{}, fmt.Errorf("landscape: register artifact: %w", err)
	}
	return a, nil
}

// --- Batches ---------------------------------------------------------

func (s *MySQLStore) CreateBatch(ctx context.Context, b Batch) (Batch, error) {
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
		b.BatchID, b.RunID, b.AggregationNodeID, b.Attempt, b.Status, b.TriggerType, reasonJSON, b.AggregationStateID, b.CreatedAt,
	)
	if err != nil {
		return Batch{}, fmt.Errorf("landscape: create batch: %w", err)
	}
	return b, nil
}

func (s *MySQLStore) AddBatchMember(ctx context.Context, batchID string, tokenID string, ordinal int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT INTO batch_members (batch_id, token_id, ordinal) VALUES (?, ?, ?)`, batchID, tokenID, ordinal)
	if err != nil {
		return fmt.Errorf("landscape: add batch member: %w", err)
	}
	return nil
}

func (s *MySQLStore) UpdateBatchStatus(ctx context.Context, batchID string, status BatchStatus) error {
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

func (s *MySQLStore) CompleteBatch(ctx context.Context, batchID string, aggregationStateID string, completedAt time.Time) (Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if completedAt.IsZero() {
		completedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `UPDATE batches SET status = ?, aggregation_state_id = ?, completed_at = ? WHERE batch_id = ?`,
		BatchCompleted, aggregationStateID, completedAt, batchID)
	if err != nil {
		return Batch{}, fmt.Errorf("landscape: complete batch: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Batch{}, ErrNotFound
	}
	return s.getBatchLocked(ctx, batchID)
}

func (s *MySQLStore) RetryBatch(ctx context.Context, failedBatchID string) (Batch, error) {
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
		next.BatchID, next.RunID, next.AggregationNodeID, next.Attempt, next.Status, next.TriggerType, reasonJSON, next.AggregationStateID, next.CreatedAt,
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

func (s *MySQLStore) getBatchLocked(ctx context.Context, batchID string) (Batch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT batch_id, run_id, aggregation_node_id, attempt, status, trigger_type, trigger_reason_json, aggregation_state_id, created_at, completed_at
		FROM batches WHERE batch_id = ?`, batchID)
	return scanBatchTimed(row)
}

func scanBatchTimed(row rowScanner) (Batch, error) {
	var b Batch
	var reasonJSON string
	var createdAt time.Time
	var completedAt sql.NullTime
	err := row.Scan(&b.BatchID, &b.RunID, &b.AggregationNodeID, &b.Attempt, &b.Status, &b.TriggerType, &reasonJSON, &b.AggregationStateID, &createdAt, &completedAt)
	if err == sql.ErrNoRows {
		return Batch{}, ErrNotFound
	}
	if err != nil {
		return Batch{}, err
	}
	b.CreatedAt = createdAt
	if completedAt.Valid {
		t := completedAt.Time
		b.CompletedAt = &t
	}
	reason, err := unmarshalJSON[map[string]any](reasonJSON)
	if err != nil {
		return Batch{}, fmt.Errorf("%w: trigger_reason_json: %v", ErrCorrupt, err)
	}
	b.TriggerReason = reason
	return b, nil
}

func (s *MySQLStore) getBatchMembersTx(ctx context.Context, ex queryer, batchID string) ([]BatchMember, error) {
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

func (s *MySQLStore) GetBatchMembers(ctx context.Context, batchID string) ([]BatchMember, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getBatchMembersTx(ctx, s.db, batchID)
}
