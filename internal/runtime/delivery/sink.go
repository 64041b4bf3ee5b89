// Package delivery pushes run frames to the live connection registered for a session and role.
//
// Delivery is best-effort: a missing, superseded or closed connection drops the frame, and the
// sink never reports transport trouble back to the pipeline.
package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/observability/logging"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/observability/telemetry"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/connection"
)

// ErrGone reports that the target connection no longer exists.
var ErrGone = errors.New("connection gone")

// Pusher writes an encoded frame to one connection.
type Pusher interface {
	Push(ctx context.Context, connectionID string, payload []byte) error
}

// PusherFunc adapts a function to Pusher.
type PusherFunc func(ctx context.Context, connectionID string, payload []byte) error

func (f PusherFunc) Push(ctx context.Context, connectionID string, payload []byte) error {
	return f(ctx, connectionID, payload)
}

// Drop reasons reported on frames_dropped_total.
const (
	DropNoConnection = "no_connection"
	DropAfterEnd     = "after_end"
	DropGone         = "gone"
	DropPushFailed   = "push_failed"
)

// Sink resolves the live connection for each frame and pushes it.
type Sink struct {
	registry connection.Registry
	pusher   Pusher
	fence    *Fence
	logger   *slog.Logger
	now      func() time.Time
}

// Option customizes a sink.
type Option func(*Sink)

// WithLogger replaces the sink logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithFence shares a frame fence between sinks.
func WithFence(fence *Fence) Option {
	return func(s *Sink) {
		if fence != nil {
			s.fence = fence
		}
	}
}

// NewSink returns a sink over registry and pusher.
func NewSink(registry connection.Registry, pusher Pusher, opts ...Option) (*Sink, error) {
	if registry == nil {
		return nil, fmt.Errorf("connection registry is required")
	}
	if pusher == nil {
		return nil, fmt.Errorf("pusher is required")
	}
	s := &Sink{
		registry: registry,
		pusher:   pusher,
		fence:    NewFence(),
		logger:   logging.New("delivery"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Send delivers frame to the connection holding (sessionID, role). Only an invalid frame is an
// error; every delivery problem is logged, counted and swallowed.
func (s *Sink) Send(ctx context.Context, sessionID string, role chat.Role, frame chat.Frame) error {
	frame.SessionID = sessionID
	frame.Role = role
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("invalid %s frame: %w", frame.MessageType, err)
	}
	if !s.fence.Admit(&frame) {
		s.dropped(frame, DropAfterEnd)
		return nil
	}

	handle, ok, err := s.registry.Resolve(ctx, sessionID, role)
	if err != nil {
		logging.FromContext(ctx, s.logger).Warn("resolve connection failed", "error", err)
		s.dropped(frame, DropNoConnection)
		return nil
	}
	if !ok {
		s.dropped(frame, DropNoConnection)
		return nil
	}

	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	err = s.pusher.Push(ctx, handle.ConnectionID, payload)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrGone):
		if unregErr := s.registry.Unregister(ctx, handle.ConnectionID); unregErr != nil {
			logging.FromContext(ctx, s.logger).Warn("unregister gone connection failed", "connection_id", handle.ConnectionID, "error", unregErr)
		}
		s.dropped(frame, DropGone)
	default:
		logging.FromContext(ctx, s.logger).Warn("push frame failed", "connection_id", handle.ConnectionID, "message_type", frame.MessageType, "error", err)
		s.dropped(frame, DropPushFailed)
	}
	return nil
}

// SendTo pushes frame straight to one connection, bypassing the registry and the fence. The edge
// uses it to answer a connection that sent an invalid envelope.
func (s *Sink) SendTo(ctx context.Context, connectionID string, frame chat.Frame) error {
	if err := frame.Validate(); err != nil {
		return fmt.Errorf("invalid %s frame: %w", frame.MessageType, err)
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := s.pusher.Push(ctx, connectionID, payload); err != nil && !errors.Is(err, ErrGone) {
		return err
	}
	return nil
}

func (s *Sink) dropped(frame chat.Frame, reason string) {
	telemetry.DefaultEmitter().EmitMetric(
		telemetry.MetricFramesDroppedTotal,
		1,
		"count",
		map[string]string{
			"reason":       reason,
			"message_type": string(frame.MessageType),
		},
		telemetry.Correlation{
			SessionID:   frame.SessionID,
			MessageID:   frame.CustomMessageID,
			Role:        string(frame.Role),
			EmittedBy:   "delivery_sink",
			TimestampMS: s.now().UnixMilli(),
		},
	)
}
