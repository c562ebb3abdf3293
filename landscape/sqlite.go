package landscape

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is the default, zero-setup Store backend: a single SQLite
// file (or ":memory:") holding the full landscape schema. Grounded on the
// teacher's store.SQLiteStore — WAL mode, a single writer connection, and
// PRAGMA-tuned busy timeout carry over unchanged; the schema itself is
// this domain's run/node/edge/row/token/... tables rather than generic
// workflow steps.
type SQLiteStore struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// NewSQLiteStore opens (and migrates, if needed) a SQLite-backed landscape
// store at path. Use ":memory:" for tests.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("landscape: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("landscape: %s: %w", pragma, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			status TEXT NOT NULL,
			canonical_version TEXT NOT NULL,
			config_hash TEXT NOT NULL,
			settings_json TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			plugin_name TEXT NOT NULL,
			plugin_version TEXT NOT NULL,
			node_type TEXT NOT NULL,
			config_json TEXT NOT NULL,
			config_hash TEXT NOT NULL,
			schema_hash TEXT NOT NULL,
			schema_mode TEXT NOT NULL,
			schema_fields_json TEXT NOT NULL,
			determinism TEXT NOT NULL,
			sequence_in_pipeline INTEGER NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (run_id, node_id)
		)`,
		`CREATE TABLE IF NOT EXISTS edges (
			edge_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			from_node_id TEXT NOT NULL,
			to_node_id TEXT NOT NULL,
			label TEXT NOT NULL,
			default_mode TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rows (
			row_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			source_node_id TEXT NOT NULL,
			row_index INTEGER NOT NULL,
			data_ref TEXT NOT NULL,
			source_data_hash TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			row_id TEXT NOT NULL,
			branch_name TEXT NOT NULL DEFAULT '',
			fork_group_id TEXT NOT NULL DEFAULT '',
			expand_group_id TEXT NOT NULL DEFAULT '',
			join_group_id TEXT NOT NULL DEFAULT '',
			step_in_pipeline INTEGER NOT NULL,
			outcome TEXT NOT NULL DEFAULT '',
			outcome_sink_name TEXT NOT NULL DEFAULT '',
			outcome_fork_group_id TEXT NOT NULL DEFAULT '',
			outcome_expand_group_id TEXT NOT NULL DEFAULT '',
			outcome_join_group_id TEXT NOT NULL DEFAULT '',
			outcome_batch_id TEXT NOT NULL DEFAULT '',
			outcome_error_hash TEXT NOT NULL DEFAULT '',
			row_data_ref TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS token_parents (
			child_token_id TEXT NOT NULL,
			parent_token_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			PRIMARY KEY (child_token_id, parent_token_id)
		)`,
		`CREATE TABLE IF NOT EXISTS node_states (
			state_id TEXT PRIMARY KEY,
			token_id TEXT NOT NULL,
			node_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			step_index INTEGER NOT NULL,
			input_hash TEXT NOT NULL,
			output_hash TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			attempt INTEGER NOT NULL,
			started_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS routing_events (
			state_id TEXT NOT NULL,
			edge_id TEXT NOT NULL,
			mode TEXT NOT NULL,
			reason_json TEXT NOT NULL,
			recorded_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS batches (
			batch_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			aggregation_node_id TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			status TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			trigger_reason_json TEXT NOT NULL,
			aggregation_state_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS batch_members (
			batch_id TEXT NOT NULL,
			token_id TEXT NOT NULL,
			ordinal INTEGER NOT NULL,
			PRIMARY KEY (batch_id, token_id)
		)`,
		`CREATE TABLE IF NOT EXISTS calls (
			call_id TEXT PRIMARY KEY,
			state_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			call_index INTEGER NOT NULL,
			call_type TEXT NOT NULL,
			status TEXT NOT NULL,
			request_hash TEXT NOT NULL,
			response_hash TEXT NOT NULL DEFAULT '',
			request_ref TEXT NOT NULL DEFAULT '',
			response_ref TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL,
			UNIQUE (state_id, call_type, call_index)
		)`,
		`CREATE TABLE IF NOT EXISTS call_index_counters (
			state_id TEXT NOT NULL,
			call_type TEXT NOT NULL,
			next_index INTEGER NOT NULL,
			PRIMARY KEY (state_id, call_type)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			produced_by_state_id TEXT NOT NULL,
			sink_node_id TEXT NOT NULL,
			artifact_type TEXT NOT NULL,
			path_or_uri TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			size_bytes INTEGER NOT NULL,
			idempotency_key TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS payloads (
			hash TEXT PRIMARY KEY,
			data BLOB,
			purged INTEGER NOT NULL DEFAULT 0,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_rows_run_created ON rows(run_id, created_at, row_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tokens_run_created ON tokens(run_id, created_at, token_id)`,
		`CREATE INDEX IF NOT EXISTS idx_nodestates_token ON node_states(token_id, started_at, state_id)`,
		`CREATE INDEX IF NOT EXISTS idx_nodestates_run ON node_states(run_id, started_at, state_id)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_run ON calls(run_id, created_at, call_id)`,
		`CREATE INDEX IF NOT EXISTS idx_calls_hash ON calls(run_id, call_type, request_hash, call_index)`,
		`CREATE INDEX IF NOT EXISTS idx_batches_run ON batches(run_id, created_at, batch_id)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_run ON artifacts(run_id, created_at, artifact_id)`,
		`CREATE INDEX IF NOT EXISTS idx_nodes_run ON nodes(run_id, sequence_in_pipeline)`,
		`CREATE INDEX IF NOT EXISTS idx_edges_run ON edges(run_id, created_at, edge_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("landscape: schema: %w (stmt=%s)", err, stmt)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func parseTime(v string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, v)
	return t
}

func marshalJSON(v any) (string, error) {
	if v == nil {
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func unmarshalJSON[T any](s string) (T, error) {
	var out T
	if s == "" || s == "null" {
		return out, nil
	}
	err := json.Unmarshal([]byte(s), &out)
	return out, err
}

// --- Run lifecycle ---------------------------------------------------

func (s *SQLiteStore) BeginRun(ctx context.Context, run Run) (Run, error) {
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
		return Run{}, fmt.Errorf("landscape: marshal settings: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, started_at, completed_at, status, canonical_version, config_hash, settings_json)
		VALUES (?, ?, NULL, ?, ?, ?, ?)`,
		run.RunID, run.StartedAt.Format(time.RFC3339Nano), run.Status, run.CanonicalVersion, run.ConfigHash, settingsJSON,
	)
	if err != nil {
		return Run{}, fmt.Errorf("landscape: begin run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status RunStatus) error {
	switch status {
	case RunCompleted, RunFailed, RunAborted:
	default:
		return fmt.Errorf("%w: terminal run status %q", ErrCorrupt, status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET status = ?, completed_at = ? WHERE run_id = ?`,
		status, now(), runID)
	if err != nil {
		return fmt.Errorf("landscape: complete run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := s.db.QueryRowContext(ctx, `SELECT run_id, started_at, completed_at, status, canonical_version, config_hash, settings_json FROM runs WHERE run_id = ?`, runID)
	var r Run
	var startedAt string
	var completedAt sql.NullString
	var settingsJSON string
	if err := row.Scan(&r.RunID, &startedAt, &completedAt, &r.Status, &r.CanonicalVersion, &r.ConfigHash, &settingsJSON); err != nil {
		if err == sql.ErrNoRows {
			return Run{}, ErrNotFound
		}
		return Run{}, err
	}
	r.StartedAt = parseTime(startedAt)
	if completedAt.Valid {
		t := parseTime(completedAt.String)
		r.CompletedAt = &t
	}
	settings, err := unmarshalJSON[map[string]any](settingsJSON)
	if err != nil {
		return Run{}, fmt.Errorf("%w: settings_json: %v", ErrCorrupt, err)
	}
	r.Settings = settings
	return r, nil
}

// --- Setup -------------------------------------------------------------

func (s *SQLiteStore) RegisterNode(ctx context.Context, node Node) (Node, error) {
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
		node.NodeID, node.RunID, node.PluginName, node.PluginVersion, node.NodeType, configJSON, node.ConfigHash, node.SchemaHash, node.SchemaConfig.Mode, fieldsJSON, node.Determinism, node.SequenceInPipeline, now(),
	)
	if err != nil {
		return Node{}, fmt.Errorf("landscape: register node: %w", err)
	}
	return node, nil
}

func (s *SQLiteStore) RegisterEdge(ctx context.Context, edge Edge) (Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if edge.EdgeID == "" {
		edge.EdgeID = NewID()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO edges (edge_id, run_id, from_node_id, to_node_id, label, default_mode, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		edge.EdgeID, edge.RunID, edge.FromNodeID, edge.ToNodeID, edge.Label, edge.DefaultMode, now(),
	)
	if err != nil {
		return Edge{}, fmt.Errorf("landscape: register edge: %w", err)
	}
	return edge, nil
}

// --- Payload store -------------------------------------------------------

// putPayloadTx stores data under its content hash inside tx (or s.db if
// tx is nil), returning the hash as the ref. Concurrent writers of the
// same hash collapse onto one row via INSERT OR IGNORE.
func (s *SQLiteStore) putPayloadTx(ctx context.Context, ex execer, data []byte) (string, error) {
	hash := HashBytes(data)
	_, err := ex.ExecContext(ctx, `INSERT OR IGNORE INTO payloads (hash, data, purged, created_at) VALUES (?, ?, 0, ?)`, hash, data, now())
	if err != nil {
		return "", fmt.Errorf("landscape: put payload: %w", err)
	}
	return hash, nil
}

func (s *SQLiteStore) PutPayload(ctx context.Context, hash string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putPayloadTx(ctx, s.db, data)
}

func (s *SQLiteStore) GetPayload(ctx context.Context, ref string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var data []byte
	var purged int
	err := s.db.QueryRowContext(ctx, `SELECT data, purged FROM payloads WHERE hash = ?`, ref).Scan(&data, &purged)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if purged == 1 {
		return nil, fmt.Errorf("landscape: payload %s purged", ref)
	}
	return data, nil
}

func (s *SQLiteStore) PurgePayload(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE payloads SET data = NULL, purged = 1 WHERE hash = ?`, ref)
	return err
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	execer
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}
