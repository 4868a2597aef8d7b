package tasks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// timeLayout is fixed width so that lexical order in SQLite matches
// chronological order. Stored times are always UTC.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) { return time.Parse(timeLayout, s) }

// Store persists tasks in SQLite.
type Store struct {
	db  *sql.DB
	loc *time.Location
	now func() time.Time

	// mu serializes writers within the process; _txlock=immediate covers
	// other processes sharing the file.
	mu sync.Mutex
}

// NewStore opens (creating if needed) the task database at dbPath. loc
// is the zone cron expressions are evaluated in; nil means UTC.
func NewStore(dbPath string, loc *time.Location) (*Store, error) {
	if loc == nil {
		loc = time.UTC
	}
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := dbPath + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db, loc: loc, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Location is the zone cron schedules are evaluated in.
func (s *Store) Location() *time.Location { return s.loc }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS tasks (
		id            TEXT PRIMARY KEY,
		description   TEXT NOT NULL,
		prompt        TEXT NOT NULL,
		session_id    TEXT NOT NULL DEFAULT '',
		schedule_json TEXT NOT NULL,
		status        TEXT NOT NULL,
		next_due      TEXT NOT NULL,
		last_fired_at TEXT,
		fire_count    INTEGER NOT NULL DEFAULT 0,
		created_at    TEXT NOT NULL,
		updated_at    TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_due, id);
	CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
	`)
	return err
}

const taskColumns = `id, description, prompt, session_id, schedule_json, status,
	next_due, last_fired_at, fire_count, created_at, updated_at`

// Create validates and persists a new pending task.
func (s *Store) Create(ctx context.Context, in NewTask) (*Task, error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidTask)
	}
	if err := in.Schedule.Validate(); err != nil {
		return nil, err
	}

	now := s.now()
	first, err := in.Schedule.First(now, s.loc)
	if err != nil {
		return nil, err
	}
	if !in.Schedule.Until.IsZero() && first.After(in.Schedule.Until) {
		return nil, fmt.Errorf("%w: first occurrence %s is after until", ErrInvalidSchedule, first.Format(time.RFC3339))
	}

	desc := strings.TrimSpace(in.Description)
	if desc == "" {
		desc = summarize(in.Prompt, 60)
	}

	t := &Task{
		ID:          NewID(),
		Description: desc,
		Prompt:      in.Prompt,
		SessionID:   in.SessionID,
		Schedule:    in.Schedule,
		Status:      StatusPending,
		NextDue:     first.UTC(),
		CreatedAt:   now.UTC(),
		UpdatedAt:   now.UTC(),
	}

	schedJSON, err := json.Marshal(t.Schedule)
	if err != nil {
		return nil, fmt.Errorf("marshal schedule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, description, prompt, session_id, schedule_json, status,
			next_due, fire_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
	`, t.ID, t.Description, t.Prompt, t.SessionID, string(schedJSON), string(t.Status),
		formatTime(t.NextDue), formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return t, nil
}

// Get returns one task, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

// ListOptions filters List.
type ListOptions struct {
	SessionID        string
	IncludeCompleted bool
}

// List returns tasks ordered by next due time, then id.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if !opts.IncludeCompleted {
		query += ` AND status = ?`
		args = append(args, string(StatusPending))
	}
	if opts.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, opts.SessionID)
	}
	query += ` ORDER BY next_due, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ListDue yields pending tasks due at or before now, ordered by next
// due time then id. Rows are read as the caller ranges, and each range
// runs a fresh query, so the sequence can be iterated again to observe
// later mutations. A read failure is yielded as a final (nil, err).
func (s *Store) ListDue(ctx context.Context, now time.Time) iter.Seq2[*Task, error] {
	return func(yield func(*Task, error) bool) {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = ? AND next_due <= ?
			ORDER BY next_due, id
		`, string(StatusPending), formatTime(now))
		if err != nil {
			yield(nil, fmt.Errorf("list due tasks: %w", err))
			return
		}
		defer rows.Close()

		for rows.Next() {
			t, err := scanTask(rows)
			if !yield(t, err) || err != nil {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(nil, fmt.Errorf("list due tasks: %w", err))
		}
	}
}

// Due collects ListDue into a slice.
func (s *Store) Due(ctx context.Context, now time.Time) ([]*Task, error) {
	var out []*Task
	for t, err := range s.ListDue(ctx, now) {
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Complete records that a task fired at now. One-time tasks become
// completed; completing an already completed task changes nothing.
// Recurring tasks advance to their first occurrence strictly after now
// in one step, however many occurrences were missed.
func (s *Store) Complete(ctx context.Context, id string, now time.Time) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	if cur.Status == StatusCompleted {
		return cur, nil
	}

	next := cur.complete(now, s.loc)
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, next_due = ?, last_fired_at = ?, fire_count = ?, updated_at = ?
		WHERE id = ?
	`, string(next.Status), formatTime(next.NextDue), formatTime(next.LastFiredAt),
		next.FireCount, formatTime(next.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// Delete removes a task. It returns ErrNotFound if id does not exist.
func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*Task, error) {
	var (
		t                         Task
		schedJSON, status         string
		nextDue, created, updated string
		lastFired                 sql.NullString
	)
	err := row.Scan(&t.ID, &t.Description, &t.Prompt, &t.SessionID, &schedJSON, &status,
		&nextDue, &lastFired, &t.FireCount, &created, &updated)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(schedJSON), &t.Schedule); err != nil {
		return nil, fmt.Errorf("task %s: decode schedule: %w", t.ID, err)
	}
	t.Status = Status(status)

	for _, f := range []struct {
		src string
		dst *time.Time
	}{
		{nextDue, &t.NextDue},
		{created, &t.CreatedAt},
		{updated, &t.UpdatedAt},
		{lastFired.String, &t.LastFiredAt},
	} {
		if f.src == "" {
			continue
		}
		v, err := parseTime(f.src)
		if err != nil {
			return nil, fmt.Errorf("task %s: %w", t.ID, err)
		}
		*f.dst = v
	}
	return &t, nil
}

func summarize(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
