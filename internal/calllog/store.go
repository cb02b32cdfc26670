// Package calllog persists one record per guarded AI call: which operation
// ran, where the answer came from and how long it took.
package calllog

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Outcome classifies how a guarded call was answered.
type Outcome string

// Outcome constants.
const (
	OutcomeOrigin        Outcome = "origin"
	OutcomeVolatileHit   Outcome = "volatile_hit"
	OutcomePersistentHit Outcome = "persistent_hit"
	OutcomeFallback      Outcome = "fallback"
	OutcomeError         Outcome = "error"
)

// Entry is one call-log record.
type Entry struct {
	TraceID      string    `json:"trace_id,omitempty"`
	Operation    string    `json:"operation"`
	Outcome      Outcome   `json:"outcome"`
	CacheKey     string    `json:"cache_key,omitempty"`
	LatencyMS    int64     `json:"latency_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// Writer persists call-log entries.
type Writer interface {
	Write(ctx context.Context, entry Entry) error
}

// NoopWriter ignores all log writes.
type NoopWriter struct{}

func (NoopWriter) Write(_ context.Context, _ Entry) error { return nil }

// Query filters List results.
type Query struct {
	Limit     int
	Offset    int
	Operation string
	Outcome   Outcome
}

// ListResult is one page of entries, newest first.
type ListResult struct {
	Data  []Entry `json:"data"`
	Total int     `json:"total"`
}

// SQLWriter persists entries to SQLite/Postgres.
type SQLWriter struct {
	db      *sql.DB
	dialect string
}

func NewSQLiteWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = "fluxguard-calls.db"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite call log writer: %w", err)
	}
	db.SetMaxOpenConns(1)
	w := &SQLWriter{db: db, dialect: "sqlite"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func NewPostgresWriter(dsn string) (*SQLWriter, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres call log writer: %w", err)
	}
	w := &SQLWriter{db: db, dialect: "postgres"}
	if err := w.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

// NewSQLWriter opens a writer for driver "sqlite" or "postgres".
func NewSQLWriter(driver, dsn string) (*SQLWriter, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "sqlite":
		return NewSQLiteWriter(dsn)
	case "postgres", "postgresql":
		return NewPostgresWriter(dsn)
	default:
		return nil, fmt.Errorf("unsupported call log driver %q", driver)
	}
}

func (w *SQLWriter) init() error {
	if err := w.db.Ping(); err != nil {
		return fmt.Errorf("ping %s call log writer: %w", w.dialect, err)
	}

	ddl := `
CREATE TABLE IF NOT EXISTS ai_call_log (
	id INTEGER PRIMARY KEY,
	trace_id TEXT,
	operation TEXT NOT NULL,
	outcome TEXT NOT NULL,
	cache_key TEXT,
	latency_ms INTEGER NOT NULL,
	error_message TEXT,
	created_at DATETIME NOT NULL
);`

	if w.dialect == "postgres" {
		ddl = `
CREATE TABLE IF NOT EXISTS ai_call_log (
	id BIGSERIAL PRIMARY KEY,
	trace_id TEXT,
	operation TEXT NOT NULL,
	outcome TEXT NOT NULL,
	cache_key TEXT,
	latency_ms BIGINT NOT NULL,
	error_message TEXT,
	created_at TIMESTAMPTZ NOT NULL
);`
	}

	if _, err := w.db.Exec(ddl); err != nil {
		return fmt.Errorf("initialize call log schema: %w", err)
	}
	return nil
}

func (w *SQLWriter) Write(ctx context.Context, entry Entry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := w.bind(`INSERT INTO ai_call_log(trace_id, operation, outcome, cache_key, latency_ms, error_message, created_at)
	VALUES(?, ?, ?, ?, ?, ?, ?)`)

	_, err := w.db.ExecContext(ctx, query,
		entry.TraceID,
		entry.Operation,
		string(entry.Outcome),
		entry.CacheKey,
		entry.LatencyMS,
		entry.ErrorMessage,
		entry.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("write call log: %w", err)
	}
	return nil
}

// List returns entries matching q, newest first. Limit defaults to 50.
func (w *SQLWriter) List(ctx context.Context, q Query) (*ListResult, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	var (
		where []string
		args  []any
	)
	if q.Operation != "" {
		where = append(where, "operation = ?")
		args = append(args, q.Operation)
	}
	if q.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(q.Outcome))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	result := &ListResult{Data: []Entry{}}
	if err := w.db.QueryRowContext(ctx, w.bind(`SELECT COUNT(*) FROM ai_call_log`+clause), args...).Scan(&result.Total); err != nil {
		return nil, fmt.Errorf("count call log: %w", err)
	}

	rows, err := w.db.QueryContext(ctx, w.bind(`SELECT trace_id, operation, outcome, cache_key, latency_ms, error_message, created_at
FROM ai_call_log`+clause+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`), append(args, q.Limit, q.Offset)...)
	if err != nil {
		return nil, fmt.Errorf("list call log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			e                      Entry
			outcome                string
			traceID, key, errorMsg sql.NullString
		)
		if err := rows.Scan(&traceID, &e.Operation, &outcome, &key, &e.LatencyMS, &errorMsg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan call log: %w", err)
		}
		e.TraceID = traceID.String
		e.Outcome = Outcome(outcome)
		e.CacheKey = key.String
		e.ErrorMessage = errorMsg.String
		result.Data = append(result.Data, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate call log: %w", err)
	}
	return result, nil
}

// DeleteBefore removes entries created before t and returns how many.
func (w *SQLWriter) DeleteBefore(ctx context.Context, t time.Time) (int64, error) {
	res, err := w.db.ExecContext(ctx, w.bind(`DELETE FROM ai_call_log WHERE created_at < ?`), t.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete call log: %w", err)
	}
	return res.RowsAffected()
}

func (w *SQLWriter) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

func (w *SQLWriter) bind(query string) string {
	if w.dialect != "postgres" {
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
