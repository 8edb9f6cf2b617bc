package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/baatcheet/keyrouter/pkg/models"
)

// Ledger is the append-only history of dispatch attempts, backed by SQLite.
type Ledger struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS usage_events (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL,
	key_index INTEGER NOT NULL,
	key_fingerprint TEXT NOT NULL,
	capability TEXT NOT NULL,
	outcome TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	latency_ms INTEGER NOT NULL DEFAULT 0,
	user_id TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_events_provider_time ON usage_events(provider, created_at);
CREATE INDEX IF NOT EXISTS idx_events_time ON usage_events(created_at);
`

// New opens the ledger database and runs auto-migration.
func New(dbPath string) (*Ledger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate ledger db: %w", err)
	}

	return &Ledger{db: db}, nil
}

// Record stores an event. Missing ids and timestamps are filled in.
func (l *Ledger) Record(ctx context.Context, ev models.UsageEvent) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO usage_events (id, provider, key_index, key_fingerprint, capability, outcome, status_code, latency_ms, user_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, string(ev.Provider), ev.KeyIndex, ev.KeyFingerprint, string(ev.Capability), string(ev.Outcome),
		ev.StatusCode, ev.Latency.Milliseconds(), ev.UserID, ev.Detail, ev.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record usage event: %w", err)
	}
	return nil
}

// QueryByProvider returns events since a given time, newest first.
// An empty provider matches every provider.
func (l *Ledger) QueryByProvider(ctx context.Context, provider models.Provider, since time.Time) ([]models.UsageEvent, error) {
	query := `SELECT id, provider, key_index, key_fingerprint, capability, outcome, status_code, latency_ms, user_id, detail, created_at
		 FROM usage_events WHERE created_at >= ?`
	args := []any{since}
	if provider != "" {
		query += ` AND provider = ?`
		args = append(args, string(provider))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query usage events: %w", err)
	}
	defer rows.Close()

	var events []models.UsageEvent
	for rows.Next() {
		var ev models.UsageEvent
		var latencyMs int64
		if err := rows.Scan(&ev.ID, &ev.Provider, &ev.KeyIndex, &ev.KeyFingerprint, &ev.Capability, &ev.Outcome,
			&ev.StatusCode, &latencyMs, &ev.UserID, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage event: %w", err)
		}
		ev.Latency = time.Duration(latencyMs) * time.Millisecond
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountByKey returns how many events with outcome a key produced since a
// given time. An empty outcome counts every event.
func (l *Ledger) CountByKey(ctx context.Context, provider models.Provider, keyIndex int, outcome models.Outcome, since time.Time) (int64, error) {
	query := `SELECT COUNT(*) FROM usage_events WHERE provider = ? AND key_index = ? AND created_at >= ?`
	args := []any{string(provider), keyIndex, since}
	if outcome != "" {
		query += ` AND outcome = ?`
		args = append(args, string(outcome))
	}

	var count int64
	if err := l.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count usage events: %w", err)
	}
	return count, nil
}

// Summary returns outcome counts grouped by provider and key since a given
// time, optionally filtered by provider.
func (l *Ledger) Summary(ctx context.Context, provider models.Provider, since time.Time) ([]models.UsageSummary, error) {
	query := `SELECT provider, key_index,
		SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END),
		SUM(CASE WHEN outcome = 'quota_exceeded' THEN 1 ELSE 0 END),
		SUM(CASE WHEN outcome = 'transient' THEN 1 ELSE 0 END),
		SUM(CASE WHEN outcome = 'fatal' THEN 1 ELSE 0 END),
		COUNT(*)
		FROM usage_events WHERE created_at >= ?`
	args := []any{since}
	if provider != "" {
		query += ` AND provider = ?`
		args = append(args, string(provider))
	}
	query += ` GROUP BY provider, key_index ORDER BY provider, key_index`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.Provider, &s.KeyIndex, &s.Successes, &s.QuotaExceeded, &s.Transient, &s.Fatal, &s.Total); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Prune deletes events older than before and returns how many were removed.
func (l *Ledger) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM usage_events WHERE created_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("prune usage events: %w", err)
	}
	return res.RowsAffected()
}

// Close releases the database connection.
func (l *Ledger) Close() error {
	return l.db.Close()
}
