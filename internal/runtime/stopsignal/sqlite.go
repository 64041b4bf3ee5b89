package stopsignal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
)

// SQLiteStore persists stop flags in the shared runtime database.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore creates the stop_signals table when missing. Rows are keyed by lane.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS stop_signals (
		lane_key TEXT PRIMARY KEY,
		set_at_ms INTEGER NOT NULL
	)`); err != nil {
		return nil, fmt.Errorf("migrate stop_signals: %w", err)
	}
	return &SQLiteStore{db: db, now: time.Now}, nil
}

func (s *SQLiteStore) SetStop(ctx context.Context, sessionID string, role chat.Role) error {
	key, err := laneKey(sessionID, role)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO stop_signals (lane_key, set_at_ms) VALUES (?, ?)
		 ON CONFLICT(lane_key) DO UPDATE SET set_at_ms = excluded.set_at_ms`,
		key, s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("set stop: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IsStopped(ctx context.Context, sessionID string, role chat.Role) (bool, error) {
	key, err := laneKey(sessionID, role)
	if err != nil {
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM stop_signals WHERE lane_key = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("read stop: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) Clear(ctx context.Context, sessionID string, role chat.Role) error {
	key, err := laneKey(sessionID, role)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM stop_signals WHERE lane_key = ?`, key); err != nil {
		return fmt.Errorf("clear stop: %w", err)
	}
	return nil
}
