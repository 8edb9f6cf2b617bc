package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/baatcheet/keyrouter/pkg/models"
)

// Store keeps the latest key snapshot in SQLite. Each Save replaces the
// previous snapshot.
type Store struct {
	db *sql.DB
}

// Stats describes the stored snapshot.
type Stats struct {
	Keys    int64     `json:"keys"`
	TakenAt time.Time `json:"taken_at,omitzero"`
}

const createSnapshotTable = `
CREATE TABLE IF NOT EXISTS key_states (
	provider TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	key_index INTEGER NOT NULL,
	used_today INTEGER NOT NULL,
	window_started_at DATETIME,
	exhausted INTEGER NOT NULL DEFAULT 0,
	exhausted_reason TEXT NOT NULL DEFAULT '',
	failures_today INTEGER NOT NULL DEFAULT 0,
	last_success_at DATETIME,
	last_failure_at DATETIME,
	taken_at DATETIME NOT NULL,
	PRIMARY KEY (provider, fingerprint)
);
`

// New opens the snapshot database and runs auto-migration.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}

	if _, err := db.Exec(createSnapshotTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate snapshot db: %w", err)
	}

	return &Store{db: db}, nil
}

// Load returns the stored snapshot. ok is false when the table is empty.
func (s *Store) Load(ctx context.Context) (models.RegistrySnapshot, bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT provider, fingerprint, key_index, used_today, window_started_at, exhausted, exhausted_reason,
		        failures_today, last_success_at, last_failure_at, taken_at
		 FROM key_states ORDER BY provider, key_index`)
	if err != nil {
		return models.RegistrySnapshot{}, false, fmt.Errorf("snapshot load: %w", err)
	}
	defer rows.Close()

	var snap models.RegistrySnapshot
	for rows.Next() {
		var st models.KeyState
		var windowStarted, lastSuccess, lastFailure sql.NullTime
		var takenAt time.Time
		if err := rows.Scan(&st.Provider, &st.Fingerprint, &st.Index, &st.UsedToday, &windowStarted,
			&st.Exhausted, &st.ExhaustedReason, &st.FailuresToday, &lastSuccess, &lastFailure, &takenAt); err != nil {
			return models.RegistrySnapshot{}, false, fmt.Errorf("scan key state: %w", err)
		}
		st.WindowStartedAt = windowStarted.Time
		st.LastSuccessAt = lastSuccess.Time
		st.LastFailureAt = lastFailure.Time
		if takenAt.After(snap.TakenAt) {
			snap.TakenAt = takenAt
		}
		snap.Keys = append(snap.Keys, st)
	}
	if err := rows.Err(); err != nil {
		return models.RegistrySnapshot{}, false, err
	}
	return snap, len(snap.Keys) > 0, nil
}

// Save replaces the stored snapshot with snap in a single transaction.
func (s *Store) Save(ctx context.Context, snap models.RegistrySnapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("snapshot save: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM key_states`); err != nil {
		return fmt.Errorf("snapshot save: %w", err)
	}

	takenAt := snap.TakenAt
	if takenAt.IsZero() {
		takenAt = time.Now().UTC()
	}
	for _, st := range snap.Keys {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO key_states (provider, fingerprint, key_index, used_today, window_started_at, exhausted,
			  exhausted_reason, failures_today, last_success_at, last_failure_at, taken_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			string(st.Provider), st.Fingerprint, st.Index, st.UsedToday, nullTime(st.WindowStartedAt), st.Exhausted,
			st.ExhaustedReason, st.FailuresToday, nullTime(st.LastSuccessAt), nullTime(st.LastFailureAt), takenAt,
		)
		if err != nil {
			return fmt.Errorf("snapshot save %s key %d: %w", st.Provider, st.Index, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("snapshot commit: %w", err)
	}
	return nil
}

// Stats returns the number of stored keys and the snapshot time.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM key_states`).Scan(&st.Keys); err != nil {
		return Stats{}, fmt.Errorf("snapshot stats: %w", err)
	}
	if st.Keys == 0 {
		return st, nil
	}
	err := s.db.QueryRowContext(ctx, `SELECT taken_at FROM key_states ORDER BY taken_at DESC LIMIT 1`).Scan(&st.TakenAt)
	if err != nil {
		return Stats{}, fmt.Errorf("snapshot stats: %w", err)
	}
	return st, nil
}

// Clear removes the stored snapshot.
func (s *Store) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM key_states`); err != nil {
		return fmt.Errorf("snapshot clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
