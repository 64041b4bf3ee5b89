// Package dispatch implements the durable per-lane ordered queue between the edge and the
// pipeline supervisor.
//
// A lane is one (session, role) pair. Within a lane messages are handed out strictly in
// enqueue order and never while an earlier message of the lane is still in flight; a released
// or expired message stays at the head of its lane. Each hand-out increments the message's
// attempt counter, and a message that has been delivered MaxAttempts times is moved to the
// dead-letter path instead of becoming visible again.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
)

var (
	// ErrClosed is returned by operations on a closed queue.
	ErrClosed = errors.New("dispatch queue closed")
	// ErrStaleReceipt is returned when a delivery no longer owns its message, typically
	// because its visibility window expired and the message was handed out again.
	ErrStaleReceipt = errors.New("stale delivery receipt")
)

// ReasonMaxAttempts is recorded on messages dead-lettered after exhausting their attempts.
const ReasonMaxAttempts = "max_attempts_exceeded"

// QueuedMessage is the unit enqueued by the edge.
type QueuedMessage struct {
	MessageID  string          `json:"message_id"`
	SessionID  string          `json:"session_id"`
	UserID     string          `json:"user_id"`
	Role       chat.Role       `json:"role"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	// Attempt is 1 on first delivery. It is assigned by the queue, never by producers.
	Attempt int `json:"attempt,omitempty"`
}

// Validate checks routing fields.
func (m QueuedMessage) Validate() error {
	if strings.TrimSpace(m.MessageID) == "" {
		return fmt.Errorf("message_id is required")
	}
	if strings.TrimSpace(m.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(m.UserID) == "" {
		return fmt.Errorf("user_id is required")
	}
	return m.Role.Validate()
}

// LaneKey identifies the ordering lane of the message.
func (m QueuedMessage) LaneKey() string {
	return LaneKey(m.SessionID, m.Role)
}

// LaneKey joins a session and role into a lane identifier.
func LaneKey(sessionID string, role chat.Role) string {
	return strings.TrimSpace(sessionID) + "/" + string(role)
}

// Delivery is one hand-out of a message to the consumer.
type Delivery struct {
	Message QueuedMessage
	Receipt string
}

// DeadLetter is a message removed from the live queue after exhausting its attempts.
type DeadLetter struct {
	Message  QueuedMessage `json:"message"`
	Attempts int           `json:"attempts"`
	Reason   string        `json:"reason"`
	DeadAt   time.Time     `json:"dead_at"`
}

// Queue is the consumer and producer contract shared by all backends.
type Queue interface {
	// Enqueue durably stores msg. Re-enqueueing a message id that is still queued is a no-op.
	Enqueue(ctx context.Context, msg QueuedMessage) error
	// Receive blocks until a message is available or ctx ends.
	Receive(ctx context.Context) (Delivery, error)
	// Ack removes the delivered message permanently.
	Ack(ctx context.Context, d Delivery) error
	// Release returns the message to the head of its lane after delay without acknowledging it.
	Release(ctx context.Context, d Delivery, delay time.Duration) error
	// Requeue returns a delivery that was never started to the head of its lane, visible
	// immediately, without spending the attempt its claim used.
	Requeue(ctx context.Context, d Delivery) error
	// DeadLetters lists dead-lettered messages for inspection.
	DeadLetters(ctx context.Context) ([]DeadLetter, error)
	Close() error
}

// Options configures redelivery for all backends.
type Options struct {
	MaxAttempts       int
	VisibilityTimeout time.Duration
	// PollInterval bounds how long a polling backend sleeps between empty claims.
	PollInterval time.Duration
	// OnDeadLetter is invoked outside queue locks for each dead-lettered message.
	OnDeadLetter func(DeadLetter)
	Now          func() time.Time
}

func (o Options) normalized() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 50
	}
	if o.VisibilityTimeout <= 0 {
		o.VisibilityTimeout = 15 * time.Minute
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 50 * time.Millisecond
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

func (o Options) deadLettered(letters []DeadLetter) {
	if o.OnDeadLetter == nil {
		return
	}
	for _, dl := range letters {
		o.OnDeadLetter(dl)
	}
}
