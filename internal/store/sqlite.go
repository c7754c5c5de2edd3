package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"taskmill/internal/domain"
)

var (
	// ErrNotFound means no run state exists for the requested task id.
	ErrNotFound = errors.New("run state not found")
	// ErrStorageUnavailable wraps any failure of the backing medium. Fatal for
	// the affected operation, not for the process.
	ErrStorageUnavailable = errors.New("storage unavailable")
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
PRAGMA synchronous=FULL;
CREATE TABLE IF NOT EXISTS run_state (
  task_id TEXT PRIMARY KEY,
  status TEXT NOT NULL CHECK(status IN ('idle','running','paused','error')) DEFAULT 'idle',
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  run_count INTEGER NOT NULL DEFAULT 0,
  error_count INTEGER NOT NULL DEFAULT 0,
  last_error TEXT,
  checkpoint BLOB,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS task_log (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  ts DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  action TEXT NOT NULL CHECK(action IN ('started','completed','error','timeout','paused','resumed')),
  message TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_task_log_task_ts ON task_log(task_id, ts DESC);
`
	_, err := db.Exec(schema)
	return err
}

// Store is the durable persistence surface shared by the scheduler loop, the
// registry, the checkpoint manager and the control interface. Writes are
// synchronous; a crash between two calls loses at most the in-progress one.
type Store interface {
	GetRunState(ctx context.Context, taskID string) (domain.TaskRunState, error)
	ListRunStates(ctx context.Context) ([]domain.TaskRunState, error)
	// PutRunState upserts the bookkeeping columns. The checkpoint column is
	// deliberately excluded: only SaveCheckpoint touches it, so the loop's
	// post-run write can never clobber a checkpoint the task saved mid-run.
	PutRunState(ctx context.Context, st domain.TaskRunState) error

	SaveCheckpoint(ctx context.Context, taskID string, payload []byte) error
	LoadCheckpoint(ctx context.Context, taskID string) ([]byte, bool, error)

	AppendLog(ctx context.Context, e domain.LogEntry) (string, error)
	QueryLog(ctx context.Context, taskID string, limit int) ([]domain.LogEntry, error)

	RecoverInterrupted(ctx context.Context, now time.Time) (int, error)
	Close() error
}

type sqliteStore struct{ db *sql.DB }

// New wraps an already-open database. The caller owns schema setup.
func New(db *sql.DB) Store { return &sqliteStore{db: db} }

// Open opens (creating parent directories if needed) a SQLite store at path
// and ensures the schema. The connection is limited to a single writer.
func Open(path string) (Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
		}
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
	}
	return New(db), nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func storageErr(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

const runStateCols = `task_id,status,last_run,next_run,run_count,error_count,last_error,updated_at`

func scanRunState(row interface{ Scan(...any) error }) (domain.TaskRunState, error) {
	var st domain.TaskRunState
	var lastRun sql.NullTime
	var lastErr sql.NullString
	err := row.Scan(&st.TaskID, &st.Status, &lastRun, &st.NextRun, &st.RunCount, &st.ErrorCount, &lastErr, &st.UpdatedAt)
	if err != nil {
		return domain.TaskRunState{}, err
	}
	if lastRun.Valid {
		t := lastRun.Time
		st.LastRun = &t
	}
	if lastErr.Valid {
		m := lastErr.String
		st.LastError = &m
	}
	return st, nil
}

func (s *sqliteStore) GetRunState(ctx context.Context, taskID string) (domain.TaskRunState, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+runStateCols+` FROM run_state WHERE task_id=?`, taskID)
	st, err := scanRunState(row)
	if err == sql.ErrNoRows {
		return domain.TaskRunState{}, ErrNotFound
	}
	if err != nil {
		return domain.TaskRunState{}, storageErr(err)
	}
	return st, nil
}

func (s *sqliteStore) ListRunStates(ctx context.Context) ([]domain.TaskRunState, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+runStateCols+` FROM run_state ORDER BY task_id`)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var states []domain.TaskRunState
	for rows.Next() {
		st, err := scanRunState(rows)
		if err != nil {
			return nil, storageErr(err)
		}
		states = append(states, st)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return states, nil
}

func (s *sqliteStore) PutRunState(ctx context.Context, st domain.TaskRunState) error {
	var lastRun sql.NullTime
	if st.LastRun != nil {
		lastRun = sql.NullTime{Time: *st.LastRun, Valid: true}
	}
	var lastErr sql.NullString
	if st.LastError != nil {
		lastErr = sql.NullString{String: *st.LastError, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO run_state (task_id,status,last_run,next_run,run_count,error_count,last_error,updated_at)
VALUES (?,?,?,?,?,?,?,CURRENT_TIMESTAMP)
ON CONFLICT(task_id) DO UPDATE SET
  status=excluded.status,
  last_run=excluded.last_run,
  next_run=excluded.next_run,
  run_count=excluded.run_count,
  error_count=excluded.error_count,
  last_error=excluded.last_error,
  updated_at=CURRENT_TIMESTAMP
`, st.TaskID, st.Status, lastRun, st.NextRun, st.RunCount, st.ErrorCount, lastErr)
	if err != nil {
		return storageErr(err)
	}
	return nil
}

func (s *sqliteStore) SaveCheckpoint(ctx context.Context, taskID string, payload []byte) error {
	// An empty payload is stored as NULL so Load never reports a checkpoint
	// that carries no data.
	if len(payload) == 0 {
		payload = nil
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE run_state SET checkpoint=?, updated_at=CURRENT_TIMESTAMP WHERE task_id=?`, payload, taskID)
	if err != nil {
		return storageErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqliteStore) LoadCheckpoint(ctx context.Context, taskID string) ([]byte, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT checkpoint FROM run_state WHERE task_id=?`, taskID)
	var payload []byte
	err := row.Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, false, ErrNotFound
	}
	if err != nil {
		return nil, false, storageErr(err)
	}
	if len(payload) == 0 {
		return nil, false, nil
	}
	return payload, true, nil
}

func (s *sqliteStore) AppendLog(ctx context.Context, e domain.LogEntry) (string, error) {
	id := e.ID
	if id == "" {
		id = "log_" + uuid.NewString()
	}
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	var durMS sql.NullInt64
	if e.Duration != nil {
		durMS = sql.NullInt64{Int64: e.Duration.Milliseconds(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO task_log (id,task_id,ts,action,message,duration_ms) VALUES (?,?,?,?,?,?)
`, id, e.TaskID, ts, e.Action, e.Message, durMS)
	if err != nil {
		return "", storageErr(err)
	}
	return id, nil
}

func (s *sqliteStore) QueryLog(ctx context.Context, taskID string, limit int) ([]domain.LogEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT id,task_id,ts,action,message,duration_ms FROM task_log`
	args := []any{}
	if taskID != "" {
		q += ` WHERE task_id=?`
		args = append(args, taskID)
	}
	q += ` ORDER BY ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()

	var entries []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		var durMS sql.NullInt64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Timestamp, &e.Action, &e.Message, &durMS); err != nil {
			return nil, storageErr(err)
		}
		if durMS.Valid {
			d := time.Duration(durMS.Int64) * time.Millisecond
			e.Duration = &d
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return entries, nil
}

// RecoverInterrupted repairs run states left in 'running' by an ungraceful
// shutdown: they become 'error' and immediately eligible again. Checkpoints
// are left untouched; the task decides whether its own marker is stale.
func (s *sqliteStore) RecoverInterrupted(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE run_state
SET status=?, last_error=?, next_run=?, updated_at=CURRENT_TIMESTAMP
WHERE status=?`, domain.StatusError, "interrupted, state unknown", now, domain.StatusRunning)
	if err != nil {
		return 0, storageErr(err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
