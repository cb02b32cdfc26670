package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Register Postgres SQL driver.
	_ "github.com/lib/pq"
	// Register SQLite SQL driver.
	_ "modernc.org/sqlite"
)

type sqlDialect string

const (
	dialectSQLite   sqlDialect = "sqlite"
	dialectPostgres sqlDialect = "postgres"
)

// SQLStore is the persistent tier, backed by SQLite or Postgres. Rows live
// in the ai_cache table keyed by request_hash. All timestamps are written in
// UTC.
type SQLStore struct {
	db      *sql.DB
	dialect sqlDialect
}

// NewSQLiteStore creates a SQLite-backed persistent store.
// dsn can be a file path (e.g. /tmp/cache.db) or SQLite DSN.
func NewSQLiteStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "fluxguard-cache.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache store: %w", err)
	}
	// :memory: databases are per connection.
	db.SetMaxOpenConns(1)
	store := &SQLStore{db: db, dialect: dialectSQLite}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStore creates a Postgres-backed persistent store.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres cache store: %w", err)
	}
	store := &SQLStore{db: db, dialect: dialectPostgres}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewSQLStore opens a store for driver "sqlite" or "postgres".
func NewSQLStore(driver, dsn string) (*SQLStore, error) {
	switch sqlDialect(strings.ToLower(strings.TrimSpace(driver))) {
	case dialectSQLite, "":
		return NewSQLiteStore(dsn)
	case dialectPostgres, "postgresql":
		return NewPostgresStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported cache store driver %q", driver)
	}
}

func (s *SQLStore) init() error {
	if err := s.db.Ping(); err != nil {
		return fmt.Errorf("ping %s cache store: %w", s.dialect, err)
	}

	var ddl string
	switch s.dialect {
	case dialectPostgres:
		ddl = `
CREATE TABLE IF NOT EXISTS ai_cache (
	request_hash TEXT PRIMARY KEY,
	operation TEXT NOT NULL DEFAULT '',
	response_data TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_cache_expires_at ON ai_cache(expires_at);`
	default:
		ddl = `
CREATE TABLE IF NOT EXISTS ai_cache (
	request_hash TEXT PRIMARY KEY,
	operation TEXT NOT NULL DEFAULT '',
	response_data TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	expires_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_ai_cache_expires_at ON ai_cache(expires_at);`
	}

	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize %s cache schema: %w", s.dialect, err)
	}
	return nil
}

// Get implements PersistentStore.
func (s *SQLStore) Get(ctx context.Context, key string, now time.Time) (*Entry, bool, error) {
	row := s.db.QueryRowContext(ctx, s.bind(`
SELECT request_hash, operation, response_data, created_at, updated_at, expires_at
FROM ai_cache WHERE request_hash = ? AND expires_at > ?`), key, now.UTC())

	var (
		e    Entry
		data string
	)
	err := row.Scan(&e.Key, &e.Operation, &data, &e.CreatedAt, &e.UpdatedAt, &e.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cache entry: %w", err)
	}
	e.Value = []byte(data)
	return &e, true, nil
}

// Upsert implements PersistentStore.
func (s *SQLStore) Upsert(ctx context.Context, e Entry) error {
	now := time.Now().UTC()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = e.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, s.bind(`
INSERT INTO ai_cache(request_hash, operation, response_data, created_at, updated_at, expires_at)
VALUES(?, ?, ?, ?, ?, ?)
ON CONFLICT(request_hash) DO UPDATE SET
	operation = excluded.operation,
	response_data = excluded.response_data,
	updated_at = excluded.updated_at,
	expires_at = excluded.expires_at`),
		e.Key,
		e.Operation,
		string(e.Value),
		e.CreatedAt.UTC(),
		e.UpdatedAt.UTC(),
		e.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

// Delete implements PersistentStore. Missing keys are not an error.
func (s *SQLStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM ai_cache WHERE request_hash = ?`), key); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	return nil
}

// DeleteExpired removes rows with expires_at < now and returns how many.
func (s *SQLStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.bind(`DELETE FROM ai_cache WHERE expires_at < ?`), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete expired cache entries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("count deleted cache entries: %w", err)
	}
	return n, nil
}

// Count implements PersistentStore.
func (s *SQLStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ai_cache`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count cache entries: %w", err)
	}
	return n, nil
}

// CountActive implements PersistentStore.
func (s *SQLStore) CountActive(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT COUNT(*) FROM ai_cache WHERE expires_at > ?`), now.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active cache entries: %w", err)
	}
	return n, nil
}

// Bounds implements PersistentStore.
func (s *SQLStore) Bounds(ctx context.Context) (*time.Time, *time.Time, error) {
	oldest, err := s.edge(ctx, "ASC")
	if err != nil {
		return nil, nil, err
	}
	newest, err := s.edge(ctx, "DESC")
	if err != nil {
		return nil, nil, err
	}
	return oldest, newest, nil
}

// edge selects the column itself rather than MIN/MAX so SQLite keeps the
// declared DATETIME type and the driver can scan into time.Time.
func (s *SQLStore) edge(ctx context.Context, order string) (*time.Time, error) {
	var t time.Time
	err := s.db.QueryRowContext(ctx, `SELECT created_at FROM ai_cache ORDER BY created_at `+order+` LIMIT 1`).Scan(&t)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cache entry bounds: %w", err)
	}
	return &t, nil
}

// Close implements PersistentStore.
func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) bind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var (
		b      strings.Builder
		argNum = 1
	)
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteString(fmt.Sprintf("$%d", argNum))
			argNum++
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
