package landscape

import (
	"context"
)

// pageClause renders the LIMIT suffix for a Page; cursor-based paging
// (page.After) is resolved by the caller embedding an extra WHERE clause,
// since each reader's ordering key differs.
func pageClause(p Page) string {
	if p.Limit <= 0 {
		return ""
	}
	return " LIMIT " + itoa(p.Limit)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func (s *SQLiteStore) GetRows(ctx context.Context, runID string, page Page) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT row_id, run_id, source_node_id, row_index, data_ref, source_data_hash
		FROM rows WHERE run_id = ? ORDER BY created_at, row_id`+pageClause(page), runID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	var refs []string
	for rows.Next() {
		var r Row
		var dataRef string
		if err := rows.Scan(&r.RowID, &r.RunID, &r.SourceNodeID, &r.RowIndex, &dataRef, &r.SourceDataHash); err != nil {
			return nil, err
		}
		out = append(out, r)
		refs = append(refs, dataRef)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close() // release the single connection before the payload reads
	for i, ref := range refs {
		data, err := s.loadRowData(ctx, ref)
		if err != nil {
			return nil, err
		}
		out[i].Data = data
	}
	return out, nil
}

func (s *SQLiteStore) GetTokens(ctx context.Context, runID string, page Page) ([]Token, error) {
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
	var refs []string
	for rows.Next() {
		t, rowDataRef, createdAt, err := scanTokenRow(rows)
		if err != nil {
			return nil, err
		}
		t.CreatedAt = parseTime(createdAt)
		out = append(out, t)
		refs = append(refs, rowDataRef)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	_ = rows.Close() // release the single connection before the follow-up reads
	for i, ref := range refs {
		data, err := s.loadRowData(ctx, ref)
		if err != nil {
			return nil, err
		}
		out[i].RowData = data
		parents, err := s.getTokenParentsLocked(ctx, out[i].TokenID)
		if err != nil {
			return nil, err
		}
		for _, p := range parents {
			out[i].ParentTokenIDs = append(out[i].ParentTokenIDs, p.ParentTokenID)
		}
	}
	return out, nil
}

func (s *SQLiteStore) GetNodeStatesForToken(ctx context.Context, tokenID string, page Page) ([]NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryNodeStates(ctx, `WHERE token_id = ?`, tokenID, page)
}

func (s *SQLiteStore) GetNodeStatesForRun(ctx context.Context, runID string, page Page) ([]NodeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queryNodeStates(ctx, `WHERE run_id = ?`, runID, page)
}

func (s *SQLiteStore) queryNodeStates(ctx context.Context, where string, arg string, page Page) ([]NodeState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state_id, token_id, node_id, run_id, step_index, input_hash, output_hash, status, duration_ms, attempt, started_at, completed_at
		FROM node_states `+where+` ORDER BY started_at, state_id`+pageClause(page), arg)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []NodeState
	for rows.Next() {
		ns, err := scanNodeState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetNodes(ctx context.Context, runID string, page Page) ([]Node, error) {
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

func (s *SQLiteStore) GetEdges(ctx context.Context, runID string, page Page) ([]Edge, error) {
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

func (s *SQLiteStore) GetTokenParentsForRun(ctx context.Context, runID string, page Page) ([]TokenParent, error) {
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

func (s *SQLiteStore) GetRoutingEventsForRun(ctx context.Context, runID string, page Page) ([]RoutingEvent, error) {
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
		var reasonJSON, recordedAt string
		if err := rows.Scan(&ev.StateID, &ev.EdgeID, &ev.Mode, &reasonJSON, &recordedAt); err != nil {
			return nil, err
		}
		reason, err := unmarshalJSON[map[string]any](reasonJSON)
		if err != nil {
			return nil, err
		}
		ev.Reason = reason
		ev.RecordedAt = parseTime(recordedAt)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetCallsForRun(ctx context.Context, runID string, page Page) ([]Call, error) {
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
		c, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetBatchesForRun(ctx context.Context, runID string, page Page) ([]Batch, error) {
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
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetArtifactsForRun(ctx context.Context, runID string, page Page) ([]Artifact, error) {
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
		var createdAt string
		if err := rows.Scan(&a.ArtifactID, &a.RunID, &a.ProducedByState, &a.SinkNodeID, &a.ArtifactType, &a.PathOrURI, &a.ContentHash, &a.SizeBytes, &a.IdempotencyKey, &createdAt); err != nil {
			return nil, err
		}
		a.CreatedAt = parseTime(createdAt)
		out = append(out, a)
	}
	return out, rows.Err()
}
