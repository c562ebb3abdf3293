package landscape

import (
	"context"
	"time"
)

func (s *MySQLStore) GetRows(ctx context.Context, runID string, page Page) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id, run_id, source_node_id, row_index, data_ref, source_data_hash
		FROM rows_tbl WHERE run_id = ? ORDER BY created_at, row_id`+pageClause(page), runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var r Row
		var dataRef string
		if err := rows.Scan(&r.RowID, &r.RunID, &r.SourceNodeID, &r.RowIndex, &dataRef, &r.SourceDataHash); err != nil {
			return nil, err
		}
		data, err := s.loadRowData(ctx, dataRef)
		if err != nil {
			return nil, err
		}
		r.Data = data
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *MySQLStore) GetTokens(ctx context.Context, runID string, page Page) ([]Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT token_id, row_id, branch_name, fork_group_id, expand_group_id, join_group_id, step_in_pipeline,
		       outcome, outcome_sink_name, outcome_fork_group_id, outcome_expand_group_id, outcome_join_group_id, outcome_batch_id, outcome_error_hash,
		       row_data_ref, created_at
		FROM tokens WHERE run_id = ? ORDER BY created_at, token_id`+pageClause(page), runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Token
	for rows.Next() {
		t, rowDataRef, createdAt, err := scanTokenRowTimed(rows)
		if err != nil {
			return nil, err
		}
		t.CreatedAt = createdAt
		data, err := s.loadRowData(ctx, rowDataRef)
		if err != nil {
			return nil, err
		}
		t.RowData = data
		parents, err := s.getTokenParentsLocked(ctx, t.TokenID)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			t.ParentTokenIDs = append(t.ParentTokenIDs, p.ParentTokenID)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *MySQLStore) GetNodeStatesForToken(ctx context.Context, tokenID string, page Page) ([]NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryNodeStates(ctx, `WHERE token_id = ?`, tokenID, page)
}

func (s *MySQLStore) GetNodeStatesForRun(ctx context.Context, runID string, page Page) ([]NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryNodeStates(ctx, `WHERE run_id = ?`, runID, page)
}

func (s *MySQLStore) queryNodeStates(ctx context.Context, where string, arg string, page Page) ([]NodeState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state_id, token_id, node_id, run_id, step_index, input_hash, output_hash, status, duration_ms, attempt, started_at, completed_at
		FROM node_states `+where+` ORDER BY started_at, state_id`+pageClause(page), arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []NodeState
	for rows.Next() {
		ns, err := scanNodeStateTimed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func (s *MySQLStore) GetNodes(ctx context.Context, runID string, page Page) ([]Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT node_id, run_id, plugin_name, plugin_version, node_type, config_json, config_hash, schema_hash, schema_mode, schema_fields_json, determinism, sequence_in_pipeline
		FROM nodes WHERE run_id = ? ORDER BY sequence_in_pipeline, node_id`+pageClause(page), runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Node
	for rows.Next() {
		var n Node
		var configJSON, fieldsJSON string
		if err := rows.Scan(&n.NodeID, &n.RunID, &n.PluginName, &n.PluginVersion, &n.NodeType, &configJSON, &n.ConfigHash, &n.SchemaHash, &n.SchemaConfig.Mode, &fieldsJSON, &n.Determinism, &n.SequenceInPipeline); err != nil {
			return nil, err
		}
		cfg, err := unmarshalJSON[map[string]any](configJSON)
		if err != nil {
			return nil, err
		}
		n.Config = cfg
		fields, err := unmarshalJSON[[]string](fieldsJSON)
		if err != nil {
			return nil, err
		}
		n.SchemaConfig.Fields = fields
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *MySQLStore) GetEdges(ctx context.Context, runID string, page Page) ([]Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT edge_id, run_id, from_node_id, to_node_id, label, default_mode
		FROM edges WHERE run_id = ? ORDER BY created_at, edge_id`+pageClause(page), runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Edge
	for rows.Next() {
		var e Edge
		if err := rows.Scan(&e.EdgeID, &e.RunID, &e.FromNodeID, &e.ToNodeID, &e.Label, &e.DefaultMode); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *MySQLStore) GetTokenParentsForRun(ctx context.Context, runID string, page Page) ([]TokenParent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT tp.child_token_id, tp.parent_token_id, tp.ordinal
		FROM token_parents tp JOIN tokens t ON t.token_id = tp.child_token_id
		WHERE t.run_id = ? ORDER BY t.created_at, tp.child_token_id, tp.ordinal`+pageClause(page), runID)
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

func (s *MySQLStore) GetRoutingEventsForRun(ctx context.Context, runID string, page Page) ([]RoutingEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT re.state_id, re.edge_id, re.mode, re.reason_json, re.recorded_at
		FROM routing_events re JOIN node_states ns ON ns.state_id = re.state_id
		WHERE ns.run_id = ? ORDER BY re.recorded_at, re.state_id`+pageClause(page), runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []RoutingEvent
	for rows.Next() {
		var ev RoutingEvent
		var reasonJSON string
		var recordedAt time.Time
		if err := rows.Scan(&ev.StateID, &ev.EdgeID, &ev.Mode, &reasonJSON, &recordedAt); err != nil {
			return nil, err
		}
		reason, err := unmarshalJSON[map[string]any](reasonJSON)
		if err != nil {
			return nil, err
		}
		ev.Reason = reason
		ev.RecordedAt = recordedAt
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *MySQLStore) GetCallsForRun(ctx context.Context, runID string, page Page) ([]Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, state_id, call_index, call_type, status, request_hash, response_hash, request_ref, response_ref, latency_ms, created_at
		FROM calls WHERE run_id = ? ORDER BY created_at, call_id`+pageClause(page), runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Call
	for rows.Next() {
		c, err := scanCallTimed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *MySQLStore) GetBatchesForRun(ctx context.Context, runID string, page Page) ([]Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT batch_id, run_id, aggregation_node_id, attempt, status, trigger_type, trigger_reason_json, aggregation_state_id, created_at, completed_at
		FROM batches WHERE run_id = ? ORDER BY created_at, batch_id`+pageClause(page), runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Batch
	for rows.Next() {
		b, err := scanBatchTimed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *MySQLStore) GetArtifactsForRun(ctx context.Context, runID string, page Page) ([]Artifact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, run_id, produced_by_state_id, sink_node_id, artifact_type, path_or_uri, content_hash, size_bytes, idempotency_key, created_at
		FROM artifacts WHERE run_id = ? ORDER BY created_at, artifact_id`+pageClause(page), runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Artifact
	for rows.Next() {
		var a Artifact
		var createdAt time.Time
		if err := rows.Scan(&a.ArtifactID, &a.RunID, &a.ProducedByState, &a.SinkNodeID, &a.ArtifactType, &a.PathOrURI, &a.ContentHash, &a.SizeBytes, &a.IdempotencyKey, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = createdAt
		out = append(out, a)
	}
	return out, rows.Err()
}
