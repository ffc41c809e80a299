package sessions

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/haasonsaas/parley/internal/credentials"
)

// Dialect selects SQL placeholder style and driver.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// CurrentSchemaVersion is the latest SQLite schema version.
const CurrentSchemaVersion = 1

const schemaV1 = `
CREATE TABLE IF NOT EXISTS sessions (
  id                    TEXT PRIMARY KEY,
  turns                 TEXT NOT NULL,
  archive_cursor        BIGINT NOT NULL DEFAULT 0,
  archive_summary       TEXT NOT NULL DEFAULT '',
  credential_kind       TEXT NOT NULL DEFAULT 'absent',
  credential_expires_at BIGINT,
  created_at            BIGINT NOT NULL,
  last_active           BIGINT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_last_active ON sessions(last_active);
`

const sessionColumns = `id, turns, archive_cursor, archive_summary, credential_kind, credential_expires_at, created_at, last_active`

// PoolConfig tunes the connection pool. Zero values keep driver defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPoolConfig returns pool settings for the postgres dialect.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

// SQLStore implements Store on SQLite or Postgres. Turns are stored as a JSON
// column; timestamps as Unix milliseconds.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an open database. The schema must already exist.
func NewSQLStore(db *sql.DB, dialect Dialect) *SQLStore {
	return &SQLStore{db: db, dialect: dialect}
}

// OpenSQLite opens (creating if needed) a WAL-mode SQLite database at path and
// applies migrations.
func OpenSQLite(path string) (*SQLStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journalMode); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to verify journal mode: %w", err)
	}
	if journalMode != "wal" {
		db.Close()
		return nil, fmt.Errorf("expected WAL mode, got %s", journalMode)
	}

	store := NewSQLStore(db, DialectSQLite)
	if err := store.migrateSQLite(); err != nil {
		db.Close()
		return nil, err
	}
	_ = os.Chmod(path, 0o600)
	return store, nil
}

// OpenPostgres connects to a Postgres-compatible database and ensures the
// schema exists.
func OpenPostgres(dsn string, pool PoolConfig) (*SQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if pool.MaxOpenConns > 0 {
		db.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	if pool.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	}

	timeout := pool.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaV1); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return NewSQLStore(db, DialectPostgres), nil
}

// DB exposes the underlying connection.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// Close closes the database.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) migrateSQLite() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version;").Scan(&version); err != nil {
		return fmt.Errorf("failed to get user_version: %w", err)
	}
	if version < 1 {
		if _, err := s.db.Exec(schemaV1); err != nil {
			return fmt.Errorf("migration 1 failed: %w", err)
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version=%d", 1)); err != nil {
			return fmt.Errorf("failed to set user_version: %w", err)
		}
	}
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

func (s *SQLStore) Create(ctx context.Context, state *State) error {
	if state == nil {
		return errors.New("session is required")
	}
	if err := state.Validate(); err != nil {
		return err
	}
	args, err := rowArgs(state)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`), args...)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrExists
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*State, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	state, err := scanState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return state, nil
}

func (s *SQLStore) Save(ctx context.Context, state *State) error {
	if state == nil {
		return errors.New("session is required")
	}
	if err := state.Validate(); err != nil {
		return err
	}
	args, err := rowArgs(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
		  turns = excluded.turns,
		  archive_cursor = excluded.archive_cursor,
		  archive_summary = excluded.archive_summary,
		  credential_kind = excluded.credential_kind,
		  credential_expires_at = excluded.credential_expires_at,
		  last_active = excluded.last_active`), args...)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM sessions WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns sessions ordered by ID.
func (s *SQLStore) List(ctx context.Context, opts ListOptions) ([]*State, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if !opts.IdleSince.IsZero() {
		query += ` WHERE last_active < ?`
		args = append(args, opts.IdleSince.UnixMilli())
	}
	query += ` ORDER BY id`
	switch {
	case opts.Limit > 0:
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	case opts.Offset > 0 && s.dialect == DialectSQLite:
		query += ` LIMIT -1`
	}
	if opts.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, opts.Offset)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*State
	for rows.Next() {
		state, err := scanState(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		out = append(out, state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, nil
}

func rowArgs(state *State) ([]any, error) {
	turns := state.Turns
	if turns == nil {
		turns = []Turn{}
	}
	turnsJSON, err := json.Marshal(turns)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal turns: %w", err)
	}
	var expires any
	if !state.Credential.ExpiresAt.IsZero() {
		expires = state.Credential.ExpiresAt.UnixMilli()
	}
	kind := state.Credential.Kind
	if kind == "" {
		kind = credentials.KindAbsent
	}
	return []any{
		state.ID,
		string(turnsJSON),
		state.ArchiveCursor,
		state.ArchiveSummary,
		string(kind),
		expires,
		state.CreatedAt.UnixMilli(),
		state.LastActive.UnixMilli(),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*State, error) {
	var (
		state      State
		turnsJSON  string
		kind       string
		expires    sql.NullInt64
		createdAt  int64
		lastActive int64
	)
	if err := row.Scan(&state.ID, &turnsJSON, &state.ArchiveCursor, &state.ArchiveSummary,
		&kind, &expires, &createdAt, &lastActive); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(turnsJSON), &state.Turns); err != nil {
		return nil, fmt.Errorf("failed to unmarshal turns: %w", err)
	}
	state.Credential.Kind = credentials.Kind(kind)
	if expires.Valid {
		state.Credential.ExpiresAt = time.UnixMilli(expires.Int64).UTC()
	}
	state.CreatedAt = time.UnixMilli(createdAt).UTC()
	state.LastActive = time.UnixMilli(lastActive).UTC()
	return &state, nil
}
