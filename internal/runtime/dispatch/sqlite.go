package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dispatch_messages (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id TEXT NOT NULL UNIQUE,
	lane TEXT NOT NULL,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	payload BLOB,
	enqueued_at_ms INTEGER NOT NULL,
	attempts INTEGER NOT NULL DEFAULT 0,
	visible_at_ms INTEGER NOT NULL,
	receipt TEXT,
	lease_until_ms INTEGER
);

CREATE INDEX IF NOT EXISTS idx_dispatch_lane ON dispatch_messages(lane, seq);

CREATE TABLE IF NOT EXISTS dispatch_dead_letters (
	message_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	user_id TEXT NOT NULL,
	role TEXT NOT NULL,
	payload BLOB,
	enqueued_at_ms INTEGER NOT NULL,
	attempts INTEGER NOT NULL,
	reason TEXT NOT NULL,
	dead_at_ms INTEGER NOT NULL
);
`

// SQLiteQueue is a durable Queue in the local runtime database. Messages survive process
// restarts; in-flight leases left behind by a crashed worker lapse after the visibility timeout.
type SQLiteQueue struct {
	db   *sql.DB
	opts Options

	mu      sync.Mutex
	changed chan struct{}
	closed  bool
}

// NewSQLiteQueue migrates the queue tables and returns the queue.
func NewSQLiteQueue(db *sql.DB, opts Options) (*SQLiteQueue, error) {
	if db == nil {
		return nil, fmt.Errorf("db is required")
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		return nil, fmt.Errorf("migrate dispatch tables: %w", err)
	}
	return &SQLiteQueue{db: db, opts: opts.normalized(), changed: make(chan struct{})}, nil
}

func (q *SQLiteQueue) Enqueue(ctx context.Context, msg QueuedMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if q.isClosed() {
		return ErrClosed
	}
	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = q.opts.Now()
	}
	at := msg.EnqueuedAt.UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO dispatch_messages
		 (message_id, lane, session_id, user_id, role, payload, enqueued_at_ms, visible_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.MessageID, msg.LaneKey(), msg.SessionID, msg.UserID, string(msg.Role), []byte(msg.Payload), at, at)
	if err != nil {
		return fmt.Errorf("enqueue message: %w", err)
	}
	q.signal()
	return nil
}

func (q *SQLiteQueue) Receive(ctx context.Context) (Delivery, error) {
	for {
		if q.isClosed() {
			return Delivery{}, ErrClosed
		}
		q.mu.Lock()
		changed := q.changed
		q.mu.Unlock()

		d, ok, dead, err := q.claim(ctx)
		q.opts.deadLettered(dead)
		if err != nil {
			return Delivery{}, err
		}
		if ok {
			return d, nil
		}

		timer := time.NewTimer(q.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Delivery{}, ctx.Err()
		case <-changed:
		case <-timer.C:
		}
		timer.Stop()
	}
}

func (q *SQLiteQueue) claim(ctx context.Context) (Delivery, bool, []DeadLetter, error) {
	now := q.opts.Now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return Delivery{}, false, nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	dead, err := q.expireTx(ctx, tx, now)
	if err != nil {
		return Delivery{}, false, nil, err
	}

	var (
		seq        int64
		msg        QueuedMessage
		role       string
		payload    []byte
		enqueuedAt int64
		attempts   int
	)
	err = tx.QueryRowContext(ctx, `
		SELECT m.seq, m.message_id, m.session_id, m.user_id, m.role, m.payload, m.enqueued_at_ms, m.attempts
		FROM dispatch_messages m
		JOIN (SELECT lane, MIN(seq) AS head FROM dispatch_messages GROUP BY lane) h ON m.seq = h.head
		WHERE m.receipt IS NULL AND m.visible_at_ms <= ?
		ORDER BY m.visible_at_ms, m.seq
		LIMIT 1`, now.UnixMilli()).Scan(&seq, &msg.MessageID, &msg.SessionID, &msg.UserID, &role, &payload, &enqueuedAt, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		if err := tx.Commit(); err != nil {
			return Delivery{}, false, nil, fmt.Errorf("commit claim: %w", err)
		}
		return Delivery{}, false, dead, nil
	}
	if err != nil {
		return Delivery{}, false, nil, fmt.Errorf("select lane head: %w", err)
	}

	receipt := ulid.Make().String()
	if _, err := tx.ExecContext(ctx,
		`UPDATE dispatch_messages SET receipt = ?, attempts = attempts + 1, lease_until_ms = ? WHERE seq = ?`,
		receipt, now.Add(q.opts.VisibilityTimeout).UnixMilli(), seq); err != nil {
		return Delivery{}, false, nil, fmt.Errorf("lease message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Delivery{}, false, nil, fmt.Errorf("commit claim: %w", err)
	}

	msg.Role = chat.Role(role)
	msg.Payload = json.RawMessage(payload)
	msg.EnqueuedAt = time.UnixMilli(enqueuedAt)
	msg.Attempt = attempts + 1
	return Delivery{Message: msg, Receipt: receipt}, true, dead, nil
}

func (q *SQLiteQueue) expireTx(ctx context.Context, tx *sql.Tx, now time.Time) ([]DeadLetter, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT message_id, attempts FROM dispatch_messages WHERE receipt IS NOT NULL AND lease_until_ms <= ?`,
		now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("scan expired leases: %w", err)
	}
	type expired struct {
		id       string
		attempts int
	}
	var lapsed []expired
	for rows.Next() {
		var e expired
		if err := rows.Scan(&e.id, &e.attempts); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan expired leases: %w", err)
		}
		lapsed = append(lapsed, e)
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("scan expired leases: %w", err)
	}

	var dead []DeadLetter
	for _, e := range lapsed {
		if e.attempts >= q.opts.MaxAttempts {
			dl, err := deadLetterTx(ctx, tx, e.id, now)
			if err != nil {
				return nil, err
			}
			dead = append(dead, dl)
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE dispatch_messages SET receipt = NULL, lease_until_ms = NULL, visible_at_ms = ? WHERE message_id = ?`,
			now.UnixMilli(), e.id); err != nil {
			return nil, fmt.Errorf("expire lease: %w", err)
		}
	}
	return dead, nil
}

func (q *SQLiteQueue) Ack(ctx context.Context, d Delivery) error {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM dispatch_messages WHERE message_id = ? AND receipt = ?`, d.Message.MessageID, d.Receipt)
	if err != nil {
		return fmt.Errorf("ack message: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("ack message: %w", err)
	} else if n == 0 {
		return ErrStaleReceipt
	}
	q.signal()
	return nil
}

func (q *SQLiteQueue) Release(ctx context.Context, d Delivery, delay time.Duration) error {
	now := q.opts.Now()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var attempts int
	err = tx.QueryRowContext(ctx,
		`SELECT attempts FROM dispatch_messages WHERE message_id = ? AND receipt = ?`,
		d.Message.MessageID, d.Receipt).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrStaleReceipt
	}
	if err != nil {
		return fmt.Errorf("release message: %w", err)
	}

	var dead []DeadLetter
	if attempts >= q.opts.MaxAttempts {
		dl, err := deadLetterTx(ctx, tx, d.Message.MessageID, now)
		if err != nil {
			return err
		}
		dead = append(dead, dl)
	} else if _, err := tx.ExecContext(ctx,
		`UPDATE dispatch_messages SET receipt = NULL, lease_until_ms = NULL, visible_at_ms = ? WHERE message_id = ?`,
		now.Add(delay).UnixMilli(), d.Message.MessageID); err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release: %w", err)
	}
	q.opts.deadLettered(dead)
	q.signal()
	return nil
}

func (q *SQLiteQueue) Requeue(ctx context.Context, d Delivery) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE dispatch_messages
		 SET receipt = NULL, lease_until_ms = NULL, visible_at_ms = ?, attempts = MAX(attempts - 1, 0)
		 WHERE message_id = ? AND receipt = ?`,
		q.opts.Now().UnixMilli(), d.Message.MessageID, d.Receipt)
	if err != nil {
		return fmt.Errorf("requeue message: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrStaleReceipt
	}
	q.signal()
	return nil
}

func deadLetterTx(ctx context.Context, tx *sql.Tx, messageID string, now time.Time) (DeadLetter, error) {
	var (
		dl         DeadLetter
		role       string
		payload    []byte
		enqueuedAt int64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT message_id, session_id, user_id, role, payload, enqueued_at_ms, attempts FROM dispatch_messages WHERE message_id = ?`,
		messageID).Scan(&dl.Message.MessageID, &dl.Message.SessionID, &dl.Message.UserID, &role, &payload, &enqueuedAt, &dl.Attempts)
	if err != nil {
		return DeadLetter{}, fmt.Errorf("load dead letter: %w", err)
	}
	dl.Message.Role = chat.Role(role)
	dl.Message.Payload = json.RawMessage(payload)
	dl.Message.EnqueuedAt = time.UnixMilli(enqueuedAt)
	dl.Message.Attempt = dl.Attempts
	dl.Reason = ReasonMaxAttempts
	dl.DeadAt = now

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO dispatch_dead_letters
		 (message_id, session_id, user_id, role, payload, enqueued_at_ms, attempts, reason, dead_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.Message.MessageID, dl.Message.SessionID, dl.Message.UserID, role, payload, enqueuedAt, dl.Attempts, dl.Reason, now.UnixMilli()); err != nil {
		return DeadLetter{}, fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dispatch_messages WHERE message_id = ?`, messageID); err != nil {
		return DeadLetter{}, fmt.Errorf("remove dead letter: %w", err)
	}
	return dl, nil
}

func (q *SQLiteQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	rows, err := q.db.QueryContext(ctx,
		`SELECT message_id, session_id, user_id, role, payload, enqueued_at_ms, attempts, reason, dead_at_ms
		 FROM dispatch_dead_letters ORDER BY dead_at_ms, message_id`)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var out []DeadLetter
	for rows.Next() {
		var (
			dl         DeadLetter
			role       string
			payload    []byte
			enqueuedAt int64
			deadAt     int64
		)
		if err := rows.Scan(&dl.Message.MessageID, &dl.Message.SessionID, &dl.Message.UserID, &role, &payload,
			&enqueuedAt, &dl.Attempts, &dl.Reason, &deadAt); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		dl.Message.Role = chat.Role(role)
		dl.Message.Payload = json.RawMessage(payload)
		dl.Message.EnqueuedAt = time.UnixMilli(enqueuedAt)
		dl.Message.Attempt = dl.Attempts
		dl.DeadAt = time.UnixMilli(deadAt)
		out = append(out, dl)
	}
	return out, rows.Err()
}

// Depth returns the number of queued and in-flight messages.
func (q *SQLiteQueue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM dispatch_messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

func (q *SQLiteQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.changed)
		q.changed = make(chan struct{})
	}
	return nil
}

func (q *SQLiteQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *SQLiteQueue) signal() {
	q.mu.Lock()
	defer q.mu.Unlock()
	close(q.changed)
	q.changed = make(chan struct{})
}
