// Package transcript persists runs and their messages to SQLite.
package transcript

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/haasonsaas/deckhand/internal/agent"
)

// ErrRunNotFound is returned when a run ID is unknown.
var ErrRunNotFound = errors.New("run not found")

// Run is one stored run.
type Run struct {
	ID         string
	Prompt     string
	StartedAt  time.Time
	FinishedAt *time.Time
	Turns      int
	StopReason string
	Error      string
	Messages   int
}

// Record is one stored message.
type Record struct {
	RunID     string
	Seq       int
	Message   agent.Message
	CreatedAt time.Time
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	prompt TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	finished_at TIMESTAMP,
	turns INTEGER NOT NULL DEFAULT 0,
	stop_reason TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS messages (
	run_id TEXT NOT NULL REFERENCES runs(id),
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	content TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (run_id, seq)
);
`

// Store reads and writes transcripts.
type Store struct {
	db *sql.DB

	stmtStartRun  *sql.Stmt
	stmtFinishRun *sql.Stmt
	stmtAppend    *sql.Stmt
}

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("transcript path is required")
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	store, err := newStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func newStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	var err error
	s.stmtStartRun, err = db.Prepare(`INSERT INTO runs (id, prompt, started_at) VALUES (?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare start run: %w", err)
	}
	s.stmtFinishRun, err = db.Prepare(`UPDATE runs SET finished_at = ?, turns = ?, stop_reason = ?, error = ? WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare finish run: %w", err)
	}
	s.stmtAppend, err = db.Prepare(`INSERT INTO messages (run_id, seq, role, content, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare append message: %w", err)
	}
	return s, nil
}

// StartRun records a new run.
func (s *Store) StartRun(ctx context.Context, runID, prompt string, startedAt time.Time) error {
	if runID == "" {
		return errors.New("run ID is required")
	}
	if _, err := s.stmtStartRun.ExecContext(ctx, runID, prompt, startedAt.UTC()); err != nil {
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// FinishRun stores how a run ended. runErr may be nil.
func (s *Store) FinishRun(ctx context.Context, runID string, turns int, reason string, runErr error, finishedAt time.Time) error {
	var errText string
	if runErr != nil {
		errText = runErr.Error()
	}
	res, err := s.stmtFinishRun.ExecContext(ctx, finishedAt.UTC(), turns, reason, errText, runID)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrRunNotFound
	}
	return nil
}

// Append stores msg as message seq of the run.
func (s *Store) Append(ctx context.Context, runID string, seq int, msg agent.Message, createdAt time.Time) error {
	content, err := json.Marshal(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if _, err := s.stmtAppend.ExecContext(ctx, runID, seq, string(msg.Role), string(content), createdAt.UTC()); err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.id, r.prompt, r.started_at, r.finished_at, r.turns, r.stop_reason, r.error,
			(SELECT COUNT(*) FROM messages m WHERE m.run_id = r.id)
		FROM runs r
		ORDER BY r.started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		var finished sql.NullTime
		if err := rows.Scan(&run.ID, &run.Prompt, &run.StartedAt, &finished, &run.Turns, &run.StopReason, &run.Error, &run.Messages); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			run.FinishedAt = &t
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Messages returns a run's messages in order.
func (s *Store) Messages(ctx context.Context, runID string) ([]Record, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, runID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up run: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, role, content, created_at FROM messages
		WHERE run_id = ? ORDER BY seq`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec := Record{RunID: runID}
		var role, content string
		if err := rows.Scan(&rec.Seq, &role, &content, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		rec.Message.Role = agent.Role(role)
		if err := json.Unmarshal([]byte(content), &rec.Message.Content); err != nil {
			return nil, fmt.Errorf("message %d of run %s: %w", rec.Seq, runID, err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Close releases the prepared statements and the database.
func (s *Store) Close() error {
	for _, stmt := range []*sql.Stmt{s.stmtStartRun, s.stmtFinishRun, s.stmtAppend} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}
