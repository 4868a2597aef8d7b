package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/chatty/internal/tools"
)

const archiveTimeLayout = "2006-01-02T15:04:05.000000000Z"

// ArchiveStore keeps transcripts of reset and ended sessions in SQLite.
// Rows are only ever inserted.
type ArchiveStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewArchiveStore opens (creating if needed) the archive at dbPath.
func NewArchiveStore(dbPath string, logger *slog.Logger) (*ArchiveStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	s := &ArchiveStore{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate archive: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *ArchiveStore) Close() error {
	return s.db.Close()
}

func (s *ArchiveStore) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS archive_messages (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id     TEXT NOT NULL,
		role           TEXT NOT NULL,
		content        TEXT NOT NULL,
		tool_calls     TEXT,
		tool_call_id   TEXT,
		tool_name      TEXT,
		timestamp      TEXT NOT NULL,
		archived_at    TEXT NOT NULL,
		archive_reason TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_archive_session ON archive_messages(session_id, id);
	`)
	return err
}

// Archive implements Archiver. The batch is written in one transaction.
func (s *ArchiveStore) Archive(ctx context.Context, sessionID string, msgs []Message, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO archive_messages
			(session_id, role, content, tool_calls, tool_call_id, tool_name, timestamp, archived_at, archive_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	archivedAt := time.Now().UTC().Format(archiveTimeLayout)
	for _, m := range msgs {
		var calls sql.NullString
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("marshal tool calls: %w", err)
			}
			calls = sql.NullString{String: string(data), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, sessionID, string(m.Role), m.Content, calls,
			nullString(m.ToolCallID), nullString(m.ToolName),
			m.Timestamp.UTC().Format(archiveTimeLayout), archivedAt, reason); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	s.logger.Debug("transcript archived", "session_id", sessionID, "messages", len(msgs), "reason", reason)
	return nil
}

// Transcript returns every archived message of a session in the order
// it was archived.
func (s *ArchiveStore) Transcript(ctx context.Context, sessionID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT role, content, tool_calls, tool_call_id, tool_name, timestamp
		FROM archive_messages
		WHERE session_id = ?
		ORDER BY id
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query transcript: %w", err)
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var (
			m                       Message
			role, ts                string
			calls, callID, toolName sql.NullString
		)
		if err := rows.Scan(&role, &m.Content, &calls, &callID, &toolName, &ts); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Role = Role(role)
		m.ToolCallID, m.ToolName = callID.String, toolName.String
		if calls.Valid {
			var tc []tools.Call
			if err := json.Unmarshal([]byte(calls.String), &tc); err != nil {
				return nil, fmt.Errorf("decode tool calls: %w", err)
			}
			m.ToolCalls = tc
		}
		if m.Timestamp, err = time.Parse(archiveTimeLayout, ts); err != nil {
			return nil, fmt.Errorf("parse timestamp: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Summary describes one archived session.
type Summary struct {
	SessionID string    `json:"session_id"`
	Messages  int       `json:"messages"`
	First     time.Time `json:"first"`
	Last      time.Time `json:"last"`
}

// Sessions lists archived sessions, most recent first.
func (s *ArchiveStore) Sessions(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, COUNT(*), MIN(timestamp), MAX(timestamp)
		FROM archive_messages
		GROUP BY session_id
		ORDER BY MAX(timestamp) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum         Summary
			first, last string
		)
		if err := rows.Scan(&sum.SessionID, &sum.Messages, &first, &last); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sum.First, _ = time.Parse(archiveTimeLayout, first)
		sum.Last, _ = time.Parse(archiveTimeLayout, last)
		out = append(out, sum)
	}
	return out, rows.Err()
}

// ExportMarkdown renders an archived transcript as markdown.
func (s *ArchiveStore) ExportMarkdown(ctx context.Context, sessionID string) (string, error) {
	msgs, err := s.Transcript(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotFound, sessionID)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Session %s\n\n", sessionID)
	fmt.Fprintf(&sb, "**Messages:** %d\n\n---\n\n", len(msgs))
	for _, m := range msgs {
		ts := m.Timestamp.Format("2006-01-02 15:04:05")
		switch m.Role {
		case RoleTool:
			fmt.Fprintf(&sb, "### Tool %s [%s]\n\n```\n%s\n```\n\n", m.ToolName, ts, m.Content)
		case RoleAssistant:
			fmt.Fprintf(&sb, "### Assistant [%s]\n\n%s\n\n", ts, m.Content)
			for _, c := range m.ToolCalls {
				args, _ := json.Marshal(c.Arguments)
				fmt.Fprintf(&sb, "- calls `%s` %s\n", c.Name, args)
			}
			if len(m.ToolCalls) > 0 {
				sb.WriteString("\n")
			}
		default:
			fmt.Fprintf(&sb, "### User [%s]\n\n%s\n\n", ts, m.Content)
		}
	}
	return sb.String(), nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
