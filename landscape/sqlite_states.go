package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *SQLiteStore) BeginNodeState(ctx context.Context, ns NodeState) (NodeState, error) {
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
		ns.StateID, ns.TokenID, ns.NodeID, ns.RunID, ns.StepIndex, ns.InputHash, ns.Status, ns.Attempt, ns.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return NodeState{}, fmt.Errorf("landscape: begin node state: %w", err)
	}
	return ns, nil
}

func (s *SQLiteStore) CompleteNodeState(ctx context.Context, stateID string, status NodeStateStatus, outputHash string, completedAt time.Time) (NodeState, error) {
	switch status {
	case NodeStateCompleted, NodeStateFailed:
	default:
		return NodeState{}, fmt.Errorf("%w: node state status %q", ErrCorrupt, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var startedAtStr string
	if err := s.db.QueryRowContext(ctx, `SELECT started_at FROM node_states WHERE state_id = ?`, stateID).Scan(&startedAtStr); err != nil {
		if err == sql.ErrNoRows {
			return NodeState{}, ErrNotFound
		}
		return NodeState{}, err
	}
	startedAt := parseTime(startedAtStr)
	duration := completedAt.Sub(startedAt).Milliseconds()

	_, err := s.db.ExecContext(ctx, `
		UPDATE node_states SET status = ?, output_hash = ?, duration_ms = ?, completed_at = ? WHERE state_id = ?`,
		status, outputHash, duration, completedAt.UTC().Format(time.RFC3339Nano), stateID,
	)
	if err != nil {
		return NodeState{}, fmt.Errorf("landscape: complete node state: %w", err)
	}
	return s.getNodeStateLocked(ctx, stateID)
}

func (s *SQLiteStore) getNodeStateLocked(ctx context.Context, stateID string) (NodeState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT state_id, token_id, node_id, run_id, step_index, input_hash, output_hash, status, duration_ms, attempt, started_at, completed_at
		FROM node_states WHERE state_id = ?`, stateID)
	return scanNodeState(row)
}

func scanNodeState(row rowScanner) (NodeState, error) {
	var ns NodeState
	var startedAt string
	var completedAt sql.NullString
	err := row.Scan(&ns.StateID, &ns.TokenID, &ns.NodeID, &ns.RunID, &ns.StepIndex, &ns.InputHash, &ns.OutputHash, &ns.Status, &ns.DurationMs, &ns.Attempt, &startedAt, &completedAt)
	if err == sql.ErrNoRows {
		return NodeState{}, ErrNotFound
	}
	if err != nil {
		return NodeState{}, err
	}
	ns.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		ns.CompletedAt = &t
	}
	return ns, nil
}

func (s *SQLiteStore) RecordRoutingEvent(ctx context.Context, ev RoutingEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	reasonJSON, err := marshalJSON(ev.Reason)
	if err != nil {
		return err
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO routing_events (state_id, edge_id, mode, reason_json, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		ev.StateID, ev.EdgeID, ev.Mode, reasonJSON, ev.RecordedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("landscape: record routing event: %w", err)
	}
	return nil
}

// --- External calls ------------------------------------------------------

func (s *SQLiteStore) AllocateCallIndex(ctx context.Context, stateID string, callType CallType) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	err = tx.QueryRowContext(ctx, `SELECT next_index FROM call_index_counters WHERE state_id = ? AND call_type = ?`, stateID, callType).Scan(&next)
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

func (s *SQLiteStore) RecordCall(ctx context.Context, call Call) (Call, error) {
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
		call.CallID, call.StateID, runID, call.CallIndex, call.CallType, call.Status, call.RequestHash, call.ResponseHash, call.RequestRef, call.ResponseRef, call.LatencyMs, call.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Call{}, fmt.Errorf("%w: %v", ErrDuplicateCallIndex, err)
	}
	return call, nil
}

func (s *SQLiteStore) FindCallByRequestHash(ctx context.Context, runID string, callType CallType, requestHash string, occurrence int) (Call, error) {
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
		c, err := scanCall(rows)
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

func scanCall(row rowScanner) (Call, error) {
	var c Call
	var createdAt string
	err := row.Scan(&c.CallID, &c.StateID, &c.CallIndex, &c.CallType, &c.Status, &c.RequestHash, &c.ResponseHash, &c.RequestRef, &c.ResponseRef, &c.LatencyMs, &createdAt)
	if err == sql.ErrNoRows {
		return Call{}, ErrNotFound
	}
	if err != nil {
		return Call{}, err
	}
	c.CreatedAt = parseTime(createdAt)
	return c, nil
}

// --- Artifacts -------------------------------------------------------------

func (s *SQLiteStore) RegisterArtifact(ctx context.Context, a Artifact) (Artifact, error) {
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
		a.ArtifactID, a.RunID, a.ProducedByState, a.SinkNodeID, a.ArtifactType, a.PathOrURI, a.ContentHash, a.SizeBytes, a.IdempotencyKey, a.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return Artifact{}, fmt.Errorf("landscape: register artifact: %w", err)
	}
	return a, nil
}
