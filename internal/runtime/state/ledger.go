// Package state holds the processed-message ledger used to skip redelivered work.
package state

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// Record marks one message as handled to a terminal acknowledgement.
type Record struct {
	SessionID   string
	MessageID   string
	Outcome     string
	ProcessedAt time.Time
}

// Validate checks required record fields.
func (r Record) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(r.MessageID) == "" {
		return fmt.Errorf("message_id is required")
	}
	if strings.TrimSpace(r.Outcome) == "" {
		return fmt.Errorf("outcome is required")
	}
	return nil
}

// Ledger is a durable set of processed message ids.
type Ledger interface {
	// Lookup returns the record for a processed message.
	Lookup(ctx context.Context, sessionID, messageID string) (Record, bool, error)
	// MarkProcessed inserts rec; false indicates the message was already recorded.
	MarkProcessed(ctx context.Context, rec Record) (bool, error)
}

// MemoryLedger is an in-process Ledger scoped by session.
type MemoryLedger struct {
	mu      sync.RWMutex
	now     func() time.Time
	records map[string]map[string]Record
}

// NewMemoryLedger constructs an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{now: time.Now, records: make(map[string]map[string]Record)}
}

func (l *MemoryLedger) Lookup(_ context.Context, sessionID, messageID string) (Record, bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	session := l.records[strings.TrimSpace(sessionID)]
	if session == nil {
		return Record{}, false, nil
	}
	rec, ok := session[strings.TrimSpace(messageID)]
	return rec, ok, nil
}

func (l *MemoryLedger) MarkProcessed(_ context.Context, rec Record) (bool, error) {
	rec, err := normalize(rec, l.now)
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.records[rec.SessionID]; !ok {
		l.records[rec.SessionID] = make(map[string]Record)
	}
	if _, exists := l.records[rec.SessionID][rec.MessageID]; exists {
		return false, nil
	}
	l.records[rec.SessionID][rec.MessageID] = rec
	return true, nil
}

func normalize(rec Record, now func() time.Time) (Record, error) {
	rec.SessionID = strings.TrimSpace(rec.SessionID)
	rec.MessageID = strings.TrimSpace(rec.MessageID)
	if err := rec.Validate(); err != nil {
		return Record{}, err
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = now()
	}
	return rec, nil
}
