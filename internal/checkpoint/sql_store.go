package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"chimera/internal/workflow"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Dialect selects the SQL flavour spoken by SQLStore.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// SQLStore keeps one row per job with the snapshot as a JSON text column.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect

	schemaMu    sync.Mutex
	schemaReady bool
}

// NewSQLStore wraps an open database handle.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenPostgres connects through the pgx stdlib driver.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return NewSQLStore(db, DialectPostgres), nil
}

// OpenSQLite opens (or creates) a SQLite database file. ":memory:" keeps the
// database in process and pins the pool to one connection.
func OpenSQLite(path string) (*SQLStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	memory := path == ":memory:"
	if !memory {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	pragmas := []string{"PRAGMA busy_timeout=5000"}
	if memory {
		db.SetMaxOpenConns(1)
	} else {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL", "PRAGMA synchronous=NORMAL")
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	return NewSQLStore(db, DialectSQLite), nil
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) ensureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	// A failed attempt is not remembered; the next call tries again.
	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()
	if s.schemaReady {
		return nil
	}
	ts := "TIMESTAMP WITH TIME ZONE"
	if s.dialect == DialectSQLite {
		ts = "TIMESTAMP"
	}
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS workflow_checkpoints (
    job_id TEXT PRIMARY KEY,
    stage TEXT NOT NULL,
    state TEXT NOT NULL,
    updated_at ` + ts + ` NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_workflow_checkpoints_stage ON workflow_checkpoints(stage)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create checkpoint schema: %w", err)
		}
	}
	s.schemaReady = true
	return nil
}

// rebind rewrites ? placeholders to $n for postgres.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) Save(ctx context.Context, st workflow.State) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	id, err := normalizeID(st.JobID)
	if err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	data, err := encode(st)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
INSERT INTO workflow_checkpoints (job_id, stage, state, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (job_id)
DO UPDATE SET stage=excluded.stage, state=excluded.state, updated_at=excluded.updated_at`),
		id, string(st.Stage), string(data), st.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", id, err)
	}
	return nil
}

func (s *SQLStore) Load(ctx context.Context, jobID string) (workflow.State, error) {
	if s == nil {
		return workflow.State{}, fmt.Errorf("store is nil")
	}
	id, err := normalizeID(jobID)
	if err != nil {
		return workflow.State{}, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return workflow.State{}, err
	}
	var raw string
	err = s.db.QueryRowContext(ctx, s.rebind(`SELECT state FROM workflow_checkpoints WHERE job_id=?`), id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return workflow.State{}, ErrNotFound
	}
	if err != nil {
		return workflow.State{}, fmt.Errorf("load checkpoint %s: %w", id, err)
	}
	return decode(id, []byte(raw))
}

func (s *SQLStore) Delete(ctx context.Context, jobID string) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	id, err := normalizeID(jobID)
	if err != nil {
		return err
	}
	if err := s.ensureSchema(ctx); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM workflow_checkpoints WHERE job_id=?`), id)
	if err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, stage workflow.Stage) ([]workflow.State, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, err
	}
	query := `SELECT job_id, state FROM workflow_checkpoints`
	var args []any
	if stage != "" {
		query += ` WHERE stage=?`
		args = append(args, string(stage))
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	out := []workflow.State{}
	for rows.Next() {
		var id, raw string
		if err := rows.Scan(&id, &raw); err != nil {
			return nil, err
		}
		st, err := decode(id, []byte(raw))
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortNewestFirst(out)
	return out, nil
}
