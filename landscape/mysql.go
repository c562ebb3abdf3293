package landscape

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is the PostgreSQL/MySQL-class alternative Store backend named
// in spec.md §4.1 ("PostgreSQL-class is acceptable"). It implements the
// identical Store contract as SQLiteStore against a server-backed engine,
// for deployments that already run MySQL and want the landscape to share
// it rather than ship a separate SQLite file. Grounded on the same
// single-writer-aware, PRAGMA-tuned shape as the teacher's SQLite store,
// adapted to MySQL's connection-pool and upsert idioms (INSERT IGNORE /
// ON DUPLICATE KEY UPDATE in place of SQLite's INSERT OR IGNORE / ON
// CONFLICT).
type MySQLStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewMySQLStore opens a MySQL-backed landscape store using dsn (the
// go-sql-driver/mysql DSN form, e.g.
// "user:pass@tcp(127.0.0.1:3306)/elspeth?parseTime=true").
func NewMySQLStore(ctx context.Context, dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("landscape: open mysql: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("landscape: ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) createSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			run_id VARCHAR(64) PRIMARY KEY,
			started_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6) NULL,
			status VARCHAR(32) NOT NULL,
			canonical_version VARCHAR(64) NOT NULL,
			config_hash VARCHAR(128) NOT NULL,
			settings_json JSON NOT NULL
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS nodes (
			node_id VARCHAR(64) NOT NULL,
			run_id VARCHAR(64) NOT NULL,
			plugin_name VARCHAR(255) NOT NULL,
			plugin_version VARCHAR(64) NOT NULL,
			node_type VARCHAR(32) NOT NULL,
			config_json JSON NOT NULL,
			config_hash VARCHAR(128) NOT NULL,
			schema_hash VARCHAR(128) NOT NULL,
			schema_mode VARCHAR(32) NOT NULL,
			schema_fields_json JSON NOT NULL,
			determinism VARCHAR(32) NOT NULL,
			sequence_in_pipeline INT NOT NULL,
			created_at DATETIME(6) NOT NULL,
			PRIMARY KEY (run_id, node_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS edges (
			edge_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			from_node_id VARCHAR(64) NOT NULL,
			to_node_id VARCHAR(64) NOT NULL,
			label VARCHAR(255) NOT NULL,
			default_mode VARCHAR(16) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_edges_run (run_id, created_at, edge_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS rows_tbl (
			row_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			source_node_id VARCHAR(64) NOT NULL,
			row_index INT NOT NULL,
			data_ref VARCHAR(80) NOT NULL,
			source_data_hash VARCHAR(80) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_rows_run (run_id, created_at, row_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS tokens (
			token_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			row_id VARCHAR(64) NOT NULL,
			branch_name VARCHAR(255) NOT NULL DEFAULT '',
			fork_group_id VARCHAR(64) NOT NULL DEFAULT '',
			expand_group_id VARCHAR(64) NOT NULL DEFAULT '',
			join_group_id VARCHAR(64) NOT NULL DEFAULT '',
			step_in_pipeline INT NOT NULL,
			outcome VARCHAR(32) NOT NULL DEFAULT '',
			outcome_sink_name VARCHAR(255) NOT NULL DEFAULT '',
			outcome_fork_group_id VARCHAR(64) NOT NULL DEFAULT '',
			outcome_expand_group_id VARCHAR(64) NOT NULL DEFAULT '',
			outcome_join_group_id VARCHAR(64) NOT NULL DEFAULT '',
			outcome_batch_id VARCHAR(64) NOT NULL DEFAULT '',
			outcome_error_hash VARCHAR(80) NOT NULL DEFAULT '',
			row_data_ref VARCHAR(80) NOT NULL,
			created_at DATETIME(6) NOT NULL,
			INDEX idx_tokens_run (run_id, created_at, token_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS token_parents (
			child_token_id VARCHAR(64) NOT NULL,
			parent_token_id VARCHAR(64) NOT NULL,
			ordinal INT NOT NULL,
			PRIMARY KEY (child_token_id, parent_token_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS node_states (
			state_id VARCHAR(64) PRIMARY KEY,
			token_id VARCHAR(64) NOT NULL,
			node_id VARCHAR(64) NOT NULL,
			run_id VARCHAR(64) NOT NULL,
			step_index INT NOT NULL,
			input_hash VARCHAR(80) NOT NULL,
			output_hash VARCHAR(80) NOT NULL DEFAULT '',
			status VARCHAR(32) NOT NULL,
			duration_ms BIGINT NOT NULL DEFAULT 0,
			attempt INT NOT NULL,
			started_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6) NULL,
			INDEX idx_nodestates_token (token_id, started_at, state_id),
			INDEX idx_nodestates_run (run_id, started_at, state_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS routing_events (
			state_id VARCHAR(64) NOT NULL,
			edge_id VARCHAR(64) NOT NULL,
			mode VARCHAR(16) NOT NULL,
			reason_json JSON NOT NULL,
			recorded_at DATETIME(6) NOT NULL,
			INDEX idx_routing_state (state_id, recorded_at)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS batches (
			batch_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			aggregation_node_id VARCHAR(64) NOT NULL,
			attempt INT NOT NULL,
			status VARCHAR(32) NOT NULL,
			trigger_type VARCHAR(32) NOT NULL,
			trigger_reason_json JSON NOT NULL,
			aggregation_state_id VARCHAR(64) NOT NULL DEFAULT '',
			created_at DATETIME(6) NOT NULL,
			completed_at DATETIME(6) NULL,
			INDEX idx_batches_run (run_id, created_at, batch_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS batch_members (
			batch_id VARCHAR(64) NOT NULL,
			token_id VARCHAR(64) NOT NULL,
			ordinal INT NOT NULL,
			PRIMARY KEY (batch_id, token_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS calls (
			call_id VARCHAR(64) PRIMARY KEY,
			state_id VARCHAR(64) NOT NULL,
			run_id VARCHAR(64) NOT NULL,
			call_index INT NOT NULL,
			call_type VARCHAR(16) NOT NULL,
			status VARCHAR(16) NOT NULL,
			request_hash VARCHAR(80) NOT NULL,
			response_hash VARCHAR(80) NOT NULL DEFAULT '',
			request_ref VARCHAR(80) NOT NULL DEFAULT '',
			response_ref VARCHAR(80) NOT NULL DEFAULT '',
			latency_ms BIGINT NOT NULL DEFAULT 0,
			created_at DATETIME(6) NOT NULL,
			UNIQUE KEY uniq_call_index (state_id, call_type, call_index),
			INDEX idx_calls_run (run_id, created_at, call_id),
			INDEX idx_calls_hash (run_id, call_type, request_hash, call_index)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS call_index_counters (
			state_id VARCHAR(64) NOT NULL,
			call_type VARCHAR(16) NOT NULL,
			next_index INT NOT NULL,
			PRIMARY KEY (state_id, call_type)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id VARCHAR(64) PRIMARY KEY,
			run_id VARCHAR(64) NOT NULL,
			produced_by_state_id VARCHAR(64) NOT NULL,
			sink_node_id VARCHAR(64) NOT NULL,
			artifact_type VARCHAR(64) NOT NULL,
			path_or_uri VARCHAR(1024) NOT NULL,
			content_hash VARCHAR(80) NOT NULL,
			size_bytes BIGINT NOT NULL,
			idempotency_key VARCHAR(128) NOT NULL DEFAULT '',
			created_at DATETIME(6) NOT NULL,
			INDEX idx_artifacts_run (run_id, created_at, artifact_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS payloads (
			hash VARCHAR(80) PRIMARY KEY,
			data LONGBLOB,
			purged TINYINT NOT NULL DEFAULT 0,
			created_at DATETIME(6) NOT NULL
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("landscape: mysql schema: %w (stmt=%s)", err, stmt)
		}
	}
	return nil
}

func (s *MySQLStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *MySQLStore) putPayloadTx(ctx context.Context, ex execer, data []byte) (string, error) {
	hash := HashBytes(data)
	_, err := ex.ExecContext(ctx, `INSERT IGNORE INTO payloads (hash, data, purged, created_at) VALUES (?, ?, 0, ?)`, hash, data, time.Now().UTC())
	if err != nil {
		return "", fmt.Errorf("landscape: put payload: %w", err)
	}
	return hash, nil
}

func (s *MySQLStore) PutPayload(ctx context.Context, hash string, data []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.putPayloadTx(ctx, s.db, data)
}

func (s *MySQLStore) GetPayload(ctx context.Context, ref string) ([]byte, error) {
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

func (s *MySQLStore) PurgePayload(ctx context.Context, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `UPDATE payloads SET data = NULL, purged = 1 WHERE hash = ?`, ref)
	return err
}

func (s *MySQLStore) storeRowData(ctx context.Context, ex execer, data PipelineRow) (string, error) {
	canon, err := Canonicalize(data)
	if err != nil {
		return "", fmt.Errorf("landscape: canonicalize row data: %w", err)
	}
	return s.putPayloadTx(ctx, ex, canon)
}

// loadRowData reverses storeRowData for the given ref. Callers already
// hold s.mu, so it reads the payloads table directly instead of going
// through GetPayload.
func (s *MySQLStore) loadRowData(ctx context.Context, ref string) (PipelineRow, error) {
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

// The remainder of MySQLStore's Store implementation (run/node/edge/row/
// token/node-state/call/batch/artifact CRUD and the paged readers) lives
// in mysql_crud.go, mysql_states.go and mysql_readers.go and mirrors
// SQLiteStore's method bodies. Its statements use "?" placeholders, which
// both modernc.org/sqlite and go-sql-driver/mysql accept.
