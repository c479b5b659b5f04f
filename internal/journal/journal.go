// Package journal keeps an append-only SQLite audit trail of what the
// mirror daemon did: one session per run, one row per applied change, one
// row per reconcile pass. It is a record, not a queue; nothing is replayed
// from it.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"

	"github.com/tonimelisma/foldersync/internal/sync"
)

// ErrNoSession is returned when recording before StartSession.
var ErrNoSession = errors.New("journal: no session started")

const (
	sqlInsertSession = `INSERT INTO sessions (id, source, destination, started_at)
		VALUES (?, ?, ?, ?)`

	sqlEndSession = `UPDATE sessions SET ended_at = ?, exit_error = ? WHERE id = ?`

	sqlInsertChange = `INSERT INTO changes
		(session_id, seq, kind, path, to_path, is_dir, applied_at, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlInsertReconcile = `INSERT INTO reconciles
		(session_id, started_at, duration_ms, files, dirs, bytes, skipped, outcome, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlRecentEntries = `SELECT 'change' AS source, session_id, applied_at AS at, kind, path,
			COALESCE(to_path, ''), is_dir, 0, 0, 0, 0, outcome, COALESCE(error, ''), id AS row_id
		FROM changes
		UNION ALL
		SELECT 'reconcile', session_id, started_at, 'reconcile', '',
			'', 0, files, dirs, bytes, duration_ms, outcome, COALESCE(error, ''), id
		FROM reconciles
		ORDER BY at DESC, row_id DESC
		LIMIT ?`

	sqlRecentSessions = `SELECT id, source, destination, started_at, ended_at, COALESCE(exit_error, '')
		FROM sessions
		ORDER BY started_at DESC
		LIMIT ?`
)

// Entry is one journal row, either an applied change or a reconcile pass.
type Entry struct {
	Source     string    `json:"source"` // "change" or "reconcile"
	SessionID  string    `json:"session_id"`
	At         time.Time `json:"at"`
	Kind       string    `json:"kind"`
	Path       string    `json:"path,omitempty"`
	To         string    `json:"to,omitempty"`
	IsDir      bool      `json:"is_dir,omitempty"`
	Files      int       `json:"files,omitempty"`
	Dirs       int       `json:"dirs,omitempty"`
	Bytes      int64     `json:"bytes,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	Outcome    string    `json:"outcome"`
	Error      string    `json:"error,omitempty"`
}

// Session is one daemon run.
type Session struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"`
	Destination string     `json:"destination"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	ExitError   string     `json:"exit_error,omitempty"`
}

// Journal is the sole writer to the journal database.
type Journal struct {
	db        *sql.DB
	logger    *slog.Logger
	nowFunc   func() time.Time // injectable for deterministic tests
	sessionID string
}

// Open opens (creating if needed) the journal at path and applies pending
// migrations. WAL mode with a single connection keeps writes serialized.
func Open(ctx context.Context, path string, logger *slog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("journal: creating directory for %s: %w", path, err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"+
			"&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal: opening database %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)

	if err := runMigrations(ctx, db, logger); err != nil {
		db.Close()
		return nil, err
	}

	logger.Debug("journal opened", slog.String("path", path))

	return &Journal{db: db, logger: logger, nowFunc: time.Now}, nil
}

// Close closes the database. It does not end the session; call EndSession
// first.
func (j *Journal) Close() error {
	return j.db.Close()
}

// SessionID returns the current session, or "" before StartSession.
func (j *Journal) SessionID() string {
	return j.sessionID
}

// StartSession opens a new session row for a mirror of source into
// destination. Subsequent records belong to it.
func (j *Journal) StartSession(ctx context.Context, source, destination string) (string, error) {
	id := uuid.New().String()

	if _, err := j.db.ExecContext(ctx, sqlInsertSession, id, source, destination, j.nowFunc().UnixNano()); err != nil {
		return "", fmt.Errorf("journal: starting session: %w", err)
	}

	j.sessionID = id
	j.logger.Info("journal session started", slog.String("session_id", id))

	return id, nil
}

// EndSession stamps the session's end time and the error the daemon exited
// with, if any.
func (j *Journal) EndSession(ctx context.Context, exitErr error) error {
	if j.sessionID == "" {
		return ErrNoSession
	}

	if _, err := j.db.ExecContext(ctx, sqlEndSession, j.nowFunc().UnixNano(), nullError(exitErr), j.sessionID); err != nil {
		return fmt.Errorf("journal: ending session %s: %w", j.sessionID, err)
	}

	return nil
}

// RecordChange stores the outcome of applying one queued change.
func (j *Journal) RecordChange(ctx context.Context, seq int64, c sync.Change, outcome sync.Outcome, cause error) error {
	if j.sessionID == "" {
		return ErrNoSession
	}

	var to sql.NullString
	if c.Kind == sync.ChangeMove {
		to = sql.NullString{String: c.To, Valid: true}
	}

	_, err := j.db.ExecContext(ctx, sqlInsertChange,
		j.sessionID, seq, c.Kind.String(), c.Path, to, c.IsDir,
		j.nowFunc().UnixNano(), string(outcome), nullError(cause),
	)
	if err != nil {
		return fmt.Errorf("journal: recording change %d: %w", seq, err)
	}

	return nil
}

// RecordReconcile stores one reconcile pass. The start time is derived from
// the report's duration.
func (j *Journal) RecordReconcile(ctx context.Context, report sync.ReconcileReport, outcome sync.Outcome, cause error) error {
	if j.sessionID == "" {
		return ErrNoSession
	}

	started := j.nowFunc().Add(-report.Duration)

	_, err := j.db.ExecContext(ctx, sqlInsertReconcile,
		j.sessionID, started.UnixNano(), report.Duration.Milliseconds(),
		report.Files, report.Dirs, report.Bytes, report.Skipped,
		string(outcome), nullError(cause),
	)
	if err != nil {
		return fmt.Errorf("journal: recording reconcile pass: %w", err)
	}

	return nil
}

// Recent returns the newest limit entries across all sessions, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := j.db.QueryContext(ctx, sqlRecentEntries, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: querying entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry

	for rows.Next() {
		var (
			e     Entry
			at    int64
			rowID int64
		)

		if err := rows.Scan(&e.Source, &e.SessionID, &at, &e.Kind, &e.Path, &e.To, &e.IsDir,
			&e.Files, &e.Dirs, &e.Bytes, &e.DurationMS, &e.Outcome, &e.Error, &rowID); err != nil {
			return nil, fmt.Errorf("journal: scanning entry: %w", err)
		}

		e.At = time.Unix(0, at)
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating entries: %w", err)
	}

	return entries, nil
}

// Sessions returns the newest limit sessions, newest first.
func (j *Journal) Sessions(ctx context.Context, limit int) ([]Session, error) {
	rows, err := j.db.QueryContext(ctx, sqlRecentSessions, limit)
	if err != nil {
		return nil, fmt.Errorf("journal: querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session

	for rows.Next() {
		var (
			s       Session
			started int64
			ended   sql.NullInt64
		)

		if err := rows.Scan(&s.ID, &s.Source, &s.Destination, &started, &ended, &s.ExitError); err != nil {
			return nil, fmt.Errorf("journal: scanning session: %w", err)
		}

		s.StartedAt = time.Unix(0, started)

		if ended.Valid {
			t := time.Unix(0, ended.Int64)
			s.EndedAt = &t
		}

		sessions = append(sessions, s)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("journal: iterating sessions: %w", err)
	}

	return sessions, nil
}

func nullError(err error) sql.NullString {
	if err == nil {
		return sql.NullString{}
	}

	return sql.NullString{String: err.Error(), Valid: true}
}
