package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"conewatch/internal/config"
	"conewatch/internal/pipeline"
)

// ErrNotFound reports an unknown invocation ID.
var ErrNotFound = errors.New("invocation not found")

const defaultListLimit = 20

// timeLayout is fixed width so started_at sorts correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Entry is one stored invocation.
type Entry struct {
	ID         string    `json:"invocation_id" yaml:"invocation_id"`
	Step       string    `json:"step" yaml:"step"`
	Success    bool      `json:"success" yaml:"success"`
	Outcome    string    `json:"outcome" yaml:"outcome"`
	ExitCode   *int      `json:"exit_code,omitempty" yaml:"exit_code,omitempty"`
	TimedOut   bool      `json:"timed_out" yaml:"timed_out"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	DurationMS int64     `json:"duration_ms" yaml:"duration_ms"`
	Stdout     string    `json:"stdout,omitempty" yaml:"stdout,omitempty"`
	Stderr     string    `json:"stderr,omitempty" yaml:"stderr,omitempty"`
	Detail     string    `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// Store manages invocation history backed by SQLite.
type Store struct {
	db         *sql.DB
	path       string
	maxRecords int
}

// Open initializes or connects to the history database.
func Open(cfg *config.Config) (*Store, error) {
	if cfg == nil {
		return nil, errors.New("history store requires configuration")
	}
	dbPath := cfg.History.Path
	if dbPath == "" {
		dbPath = filepath.Join(cfg.Paths.StateDir, "history.db")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("ensure history directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath, maxRecords: cfg.History.MaxRecords}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Path returns the database location.
func (s *Store) Path() string { return s.path }

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Record stores result. It satisfies pipeline.Recorder.
func (s *Store) Record(ctx context.Context, result pipeline.Result) error {
	var exitCode any
	if result.ExitCode != nil {
		exitCode = *result.ExitCode
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invocations (
            id, step, success, outcome, exit_code, timed_out,
            started_at, duration_ms, stdout, stderr, detail
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		result.ID,
		result.Step,
		boolToInt(result.Success),
		string(result.Outcome),
		exitCode,
		boolToInt(result.TimedOut),
		result.StartedAt.UTC().Format(timeLayout),
		result.Duration.Milliseconds(),
		nullableString(result.Stdout),
		nullableString(result.Stderr),
		nullableString(result.Detail),
	)
	if err != nil {
		return fmt.Errorf("insert invocation: %w", err)
	}
	return s.prune(ctx)
}

func (s *Store) prune(ctx context.Context) error {
	if s.maxRecords <= 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM invocations WHERE rowid NOT IN (
            SELECT rowid FROM invocations ORDER BY started_at DESC, rowid DESC LIMIT ?
        )`, s.maxRecords)
	if err != nil {
		return fmt.Errorf("prune invocations: %w", err)
	}
	return nil
}

// List returns up to limit entries, newest first. A non-positive limit uses
// a small default.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, step, success, outcome, exit_code, timed_out,
            started_at, duration_ms, stdout, stderr, detail
        FROM invocations ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list invocations: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate invocations: %w", err)
	}
	return entries, nil
}

// Get fetches a single entry by invocation ID.
func (s *Store) Get(ctx context.Context, id string) (Entry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, step, success, outcome, exit_code, timed_out,
            started_at, duration_ms, stdout, stderr, detail
        FROM invocations WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return entry, err
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(1) FROM invocations").Scan(&n); err != nil {
		return 0, fmt.Errorf("count invocations: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		entry     Entry
		success   int
		timedOut  int
		exitCode  sql.NullInt64
		startedAt string
		stdout    sql.NullString
		stderr    sql.NullString
		detail    sql.NullString
	)
	if err := row.Scan(&entry.ID, &entry.Step, &success, &entry.Outcome, &exitCode, &timedOut,
		&startedAt, &entry.DurationMS, &stdout, &stderr, &detail); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Entry{}, err
		}
		return Entry{}, fmt.Errorf("scan invocation: %w", err)
	}
	entry.Success = success != 0
	entry.TimedOut = timedOut != 0
	if exitCode.Valid {
		code := int(exitCode.Int64)
		entry.ExitCode = &code
	}
	if ts, err := time.Parse(timeLayout, startedAt); err == nil {
		entry.StartedAt = ts
	}
	entry.Stdout = stdout.String
	entry.Stderr = stderr.String
	entry.Detail = detail.String
	return entry, nil
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}
