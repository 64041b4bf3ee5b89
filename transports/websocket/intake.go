// Package websocket is the chat edge: it accepts client connections, registers them for
// delivery, turns inbound envelopes into queued messages or stop requests, and pushes frames
// back to live sockets.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/connection"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/dispatch"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/stopsignal"
	"github.com/oklog/ulid/v2"
)

// ErrInvalidEnvelope marks client input that was rejected before enqueueing.
var ErrInvalidEnvelope = errors.New("invalid envelope")

// Receipt describes how an envelope was applied.
type Receipt struct {
	Action    chat.Action
	SessionID string
	Role      chat.Role
	MessageID string
	// Handle is the connection after any slot move the envelope caused.
	Handle connection.Handle
}

// Intake applies inbound envelopes.
type Intake struct {
	queue    dispatch.Queue
	registry connection.Registry
	stops    stopsignal.Store
	now      func() time.Time
	newID    func() string
}

// NewIntake wires the queue, registry and stop store used by the edge.
func NewIntake(queue dispatch.Queue, registry connection.Registry, stops stopsignal.Store) (*Intake, error) {
	if queue == nil || registry == nil || stops == nil {
		return nil, fmt.Errorf("queue, registry and stop store are required")
	}
	return &Intake{
		queue:    queue,
		registry: registry,
		stops:    stops,
		now:      time.Now,
		newID:    func() string { return ulid.Make().String() },
	}, nil
}

// Accept decodes raw and either records a stop or enqueues a chat turn. Envelope fields left
// empty fall back to the connection's session and role; a missing custom_message_id is minted.
// An envelope naming another session or role moves the connection to that slot.
func (in *Intake) Accept(ctx context.Context, conn connection.Handle, raw []byte) (Receipt, error) {
	env, err := chat.DecodeEnvelope(raw)
	if err != nil {
		return Receipt{Handle: conn}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}

	if env.IsStop() {
		sessionID, role := env.SessionID, env.Role
		if strings.TrimSpace(sessionID) == "" {
			sessionID = conn.SessionID
		}
		if role == "" {
			role = conn.Role
		}
		if err := in.stops.SetStop(ctx, sessionID, role); err != nil {
			return Receipt{Handle: conn}, fmt.Errorf("set stop: %w", err)
		}
		return Receipt{Action: chat.ActionStop, SessionID: sessionID, Role: role, Handle: conn}, nil
	}

	if strings.TrimSpace(env.SessionID) == "" {
		env.SessionID = conn.SessionID
	}
	if env.Role == "" {
		env.Role = conn.Role
	}
	if strings.TrimSpace(env.CustomMessageID) == "" {
		env.CustomMessageID = in.newID()
	}
	if env.EntryType == "" {
		env.EntryType = chat.EntryCommon
	}

	if env.SessionID != conn.SessionID || env.Role != conn.Role {
		moved := conn
		moved.SessionID = env.SessionID
		moved.Role = env.Role
		moved.LastSeenAt = in.now()
		if _, err := in.registry.Register(ctx, moved); err != nil {
			return Receipt{Handle: conn}, fmt.Errorf("register connection: %w", err)
		}
		conn = moved
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return Receipt{Handle: conn}, fmt.Errorf("encode payload: %w", err)
	}
	msg := dispatch.QueuedMessage{
		MessageID:  env.CustomMessageID,
		SessionID:  env.SessionID,
		UserID:     env.UserID,
		Role:       env.Role,
		Payload:    payload,
		EnqueuedAt: in.now(),
	}
	if err := in.queue.Enqueue(ctx, msg); err != nil {
		return Receipt{Handle: conn}, fmt.Errorf("enqueue: %w", err)
	}
	return Receipt{SessionID: msg.SessionID, Role: msg.Role, MessageID: msg.MessageID, Handle: conn}, nil
}
