// Package usage keeps an append-only ledger of model token usage, one
// record per conversation turn, and answers cost summaries over time
// ranges. Records are normally fed from turn_complete events on the bus.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/chatty/internal/events"
)

// timeLayout is fixed width so string order is time order.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Record is the token usage of one turn.
type Record struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	SessionID    string    `json:"session_id,omitempty"`
	Model        string    `json:"model"`
	Result       string    `json:"result"`
	Rounds       int       `json:"rounds"`
	InputTokens  int       `json:"input_tokens"`
	OutputTokens int       `json:"output_tokens"`
	CostUSD      float64   `json:"cost_usd"`
}

// Summary aggregates records.
type Summary struct {
	Turns        int     `json:"turns"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// PriceFunc prices a token count for a model in USD.
type PriceFunc func(model string, inputTokens, outputTokens int) float64

// Store is the SQLite ledger. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStore opens (creating if needed) the ledger at dbPath.
func NewStore(dbPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open usage database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate usage schema: %w", err)
	}
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS turns (
		id            TEXT PRIMARY KEY,
		timestamp     TEXT NOT NULL,
		session_id    TEXT,
		model         TEXT NOT NULL,
		result        TEXT NOT NULL,
		rounds        INTEGER NOT NULL,
		input_tokens  INTEGER NOT NULL,
		output_tokens INTEGER NOT NULL,
		cost_usd      REAL NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_turns_timestamp ON turns(timestamp);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turns(session_id);
	`)
	return err
}

// Record appends rec, filling in a UUIDv7 id and the current time when
// they are unset.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate usage record id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO turns (id, timestamp, session_id, model, result, rounds, input_tokens, output_tokens, cost_usd)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Timestamp.UTC().Format(timeLayout), rec.SessionID, rec.Model, rec.Result,
		rec.Rounds, rec.InputTokens, rec.OutputTokens, rec.CostUSD,
	)
	if err != nil {
		return fmt.Errorf("insert usage record: %w", err)
	}
	return nil
}

// Summary totals the records in [start, end).
func (s *Store) Summary(ctx context.Context, start, end time.Time) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM turns WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(timeLayout), end.UTC().Format(timeLayout),
	)
	var sum Summary
	if err := row.Scan(&sum.Turns, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
		return nil, fmt.Errorf("query usage summary: %w", err)
	}
	return &sum, nil
}

// SummaryByModel totals the records in [start, end) per model.
func (s *Store) SummaryByModel(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.groupedBy(ctx, "model", start, end)
}

// SummaryBySession totals the records in [start, end) per session.
func (s *Store) SummaryBySession(ctx context.Context, start, end time.Time) (map[string]*Summary, error) {
	return s.groupedBy(ctx, "session_id", start, end)
}

// groupedBy is only called with column names from this file.
func (s *Store) groupedBy(ctx context.Context, column string, start, end time.Time) (map[string]*Summary, error) {
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0), COALESCE(SUM(cost_usd), 0)
		 FROM turns WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s`,
		column, column,
	)
	rows, err := s.db.QueryContext(ctx, query, start.UTC().Format(timeLayout), end.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("query usage by %s: %w", column, err)
	}
	defer rows.Close()

	out := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.Turns, &sum.InputTokens, &sum.OutputTokens, &sum.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage by %s: %w", column, err)
		}
		out[key] = &sum
	}
	return out, rows.Err()
}

// Collect records every turn_complete event until ctx ends. price may
// be nil, in which case every turn is free.
func (s *Store) Collect(ctx context.Context, bus *events.Bus, price PriceFunc) {
	sub := bus.Subscribe(256)
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.C:
			if !ok {
				return
			}
			if e.Kind != events.KindTurnComplete {
				continue
			}
			rec := FromEvent(e)
			if price != nil {
				rec.CostUSD = price(rec.Model, rec.InputTokens, rec.OutputTokens)
			}
			if err := s.Record(context.WithoutCancel(ctx), rec); err != nil {
				s.logger.Warn("usage record failed", "session_id", e.SessionID, "error", err)
			}
		}
	}
}

// FromEvent builds a record from a turn_complete event.
func FromEvent(e events.Event) Record {
	model, _ := e.Data["model"].(string)
	result, _ := e.Data["result"].(string)
	return Record{
		Timestamp:    e.Timestamp,
		SessionID:    e.SessionID,
		Model:        model,
		Result:       result,
		Rounds:       intField(e.Data, "rounds"),
		InputTokens:  intField(e.Data, "input_tokens"),
		OutputTokens: intField(e.Data, "output_tokens"),
	}
}

// intField reads a count that may have been through a JSON round trip.
func intField(data map[string]any, key string) int {
	switch v := data[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}
