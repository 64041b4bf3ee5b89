package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteLedger records processed messages under a primary key.
type SQLiteLedger struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteLedger creates the processed_messages table when missing.
func NewSQLiteLedger(db *sql.DB) (*SQLiteLedger, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS processed_messages (
		session_id TEXT NOT NULL,
		message_id TEXT NOT NULL,
		outcome TEXT NOT NULL,
		processed_at_ms INTEGER NOT NULL,
		PRIMARY KEY (session_id, message_id)
	)`); err != nil {
		return nil, fmt.Errorf("migrate processed_messages: %w", err)
	}
	return &SQLiteLedger{db: db, now: time.Now}, nil
}

func (l *SQLiteLedger) Lookup(ctx context.Context, sessionID, messageID string) (Record, bool, error) {
	rec := Record{SessionID: sessionID, MessageID: messageID}
	var processedAt int64
	err := l.db.QueryRowContext(ctx,
		`SELECT outcome, processed_at_ms FROM processed_messages WHERE session_id = ? AND message_id = ?`,
		sessionID, messageID).Scan(&rec.Outcome, &processedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup processed message: %w", err)
	}
	rec.ProcessedAt = time.UnixMilli(processedAt)
	return rec, true, nil
}

func (l *SQLiteLedger) MarkProcessed(ctx context.Context, rec Record) (bool, error) {
	rec, err := normalize(rec, l.now)
	if err != nil {
		return false, err
	}
	res, err := l.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed_messages (session_id, message_id, outcome, processed_at_ms) VALUES (?, ?, ?, ?)`,
		rec.SessionID, rec.MessageID, rec.Outcome, rec.ProcessedAt.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	return n == 1, nil
}
