// Package usage provides persistent tracking of judging requests.
// Records are append-only and indexed by timestamp and requester for
// aggregation queries.
package usage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Outcome values describe how a judging request ended.
const (
	// OutcomeImage means the verdict was delivered as a rendered image.
	OutcomeImage = "image"
	// OutcomeTextFallback means rendering failed and the verdict went
	// out as plain text.
	OutcomeTextFallback = "text_fallback"
	// OutcomeFailed means the completion call failed and the user got a
	// generic error notice.
	OutcomeFailed = "failed"
)

// Record represents a single judging request.
type Record struct {
	ID               string
	Timestamp        time.Time
	MessageID        int64
	UserID           int64
	GroupID          int64 // zero for direct messages
	Template         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	Outcome          string
}

// Summary holds aggregated request and token totals.
type Summary struct {
	TotalRecords          int
	TotalPromptTokens     int64
	TotalCompletionTokens int64
}

// Store is an append-only SQLite store for judgement records. All
// public methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore creates a judgement store at the given database path. The
// schema is created automatically on first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open judgement database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate judgement schema: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS judgements (
		id                TEXT PRIMARY KEY,
		timestamp         TEXT NOT NULL,
		message_id        INTEGER NOT NULL,
		user_id           INTEGER NOT NULL,
		group_id          INTEGER NOT NULL,
		template          TEXT NOT NULL,
		model             TEXT,
		prompt_tokens     INTEGER NOT NULL,
		completion_tokens INTEGER NOT NULL,
		outcome           TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_judgements_timestamp ON judgements(timestamp);
	CREATE INDEX IF NOT EXISTS idx_judgements_user ON judgements(user_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record persists a judgement record. If rec.ID is empty, a UUIDv7 is
// generated. The context is used for cancellation only.
func (s *Store) Record(ctx context.Context, rec Record) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("generate judgement record ID: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO judgements
			(id, timestamp, message_id, user_id, group_id, template, model,
			 prompt_tokens, completion_tokens, outcome)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID,
		rec.Timestamp.UTC().Format(time.RFC3339),
		rec.MessageID,
		rec.UserID,
		rec.GroupID,
		rec.Template,
		rec.Model,
		rec.PromptTokens,
		rec.CompletionTokens,
		rec.Outcome,
	)
	if err != nil {
		return fmt.Errorf("insert judgement record: %w", err)
	}
	return nil
}

// Summary returns aggregated totals for records within [start, end).
func (s *Store) Summary(start, end time.Time) (*Summary, error) {
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		 FROM judgements
		 WHERE timestamp >= ? AND timestamp < ?`,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)

	var sum Summary
	if err := row.Scan(&sum.TotalRecords, &sum.TotalPromptTokens, &sum.TotalCompletionTokens); err != nil {
		return nil, fmt.Errorf("query judgement summary: %w", err)
	}
	return &sum, nil
}

// SummaryByTemplate returns per-template aggregated totals for records
// within [start, end).
func (s *Store) SummaryByTemplate(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("template", start, end)
}

// SummaryByOutcome returns per-outcome aggregated totals for records
// within [start, end).
func (s *Store) SummaryByOutcome(start, end time.Time) (map[string]*Summary, error) {
	return s.summaryGroupedBy("outcome", start, end)
}

func (s *Store) summaryGroupedBy(column string, start, end time.Time) (map[string]*Summary, error) {
	// column is always a compile-time constant from our own methods,
	// never user input, so embedding it directly is safe.
	query := fmt.Sprintf(
		`SELECT COALESCE(%s, ''), COUNT(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		 FROM judgements
		 WHERE timestamp >= ? AND timestamp < ?
		 GROUP BY %s
		 ORDER BY COUNT(*) DESC`,
		column, column,
	)

	rows, err := s.db.Query(query,
		start.UTC().Format(time.RFC3339),
		end.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return nil, fmt.Errorf("query judgements by %s: %w", column, err)
	}
	defer rows.Close()

	result := make(map[string]*Summary)
	for rows.Next() {
		var key string
		var sum Summary
		if err := rows.Scan(&key, &sum.TotalRecords, &sum.TotalPromptTokens, &sum.TotalCompletionTokens); err != nil {
			return nil, fmt.Errorf("scan judgements by %s: %w", column, err)
		}
		result[key] = &sum
	}
	return result, rows.Err()
}
