// Package pipeline drives queued messages through the stage chain.
//
// One Supervisor serves every lane. Each run moves RECEIVED -> PREPROCESSING ->
// INTENTION_DETECTED -> (AGENT_EXECUTING) -> GENERATING -> STREAMING -> COMPLETE, and may end in
// CANCELLED or FAILED from any non-terminal state. The stop flag is read at every boundary and
// between streamed chunks, never inside a stage call.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/observability/logging"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/dispatch"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/stage"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/state"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/stopsignal"
	"github.com/oklog/ulid/v2"
)

// Sender delivers frames to the live connection of a session and role.
type Sender interface {
	Send(ctx context.Context, sessionID string, role chat.Role, frame chat.Frame) error
}

// Outcome is how a delivery was settled.
type Outcome string

const (
	OutcomeComplete  Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
	// OutcomeDuplicate marks a redelivered message that an earlier run already settled.
	OutcomeDuplicate Outcome = "duplicate"
)

// Result summarizes one processed delivery.
type Result struct {
	Outcome     Outcome
	State       State
	ResponseID  string
	Transitions []Transition
	Err         error
}

// Config bounds run execution.
type Config struct {
	StageTimeout       time.Duration
	RetryBase          time.Duration
	RetryMax           time.Duration
	MaxAgentIterations int
	Lanes              int
	LaneCapacity       int
	// StopPollInterval throttles stop checks between streamed chunks. The first chunk and
	// every stage boundary always check.
	StopPollInterval time.Duration
	// DepthSampleInterval controls queue_depth sampling in Run; zero disables it.
	DepthSampleInterval time.Duration
}

func (c Config) withDefaults() Config {
	if c.StageTimeout <= 0 {
		c.StageTimeout = 2 * time.Minute
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = 5 * time.Minute
	}
	if c.MaxAgentIterations < 1 {
		c.MaxAgentIterations = 5
	}
	if c.Lanes < 1 {
		c.Lanes = 8
	}
	if c.LaneCapacity < 1 {
		c.LaneCapacity = 16
	}
	if c.StopPollInterval < 0 {
		c.StopPollInterval = 0
	}
	return c
}

// Deps are the collaborators of a Supervisor.
type Deps struct {
	Queue  dispatch.Queue
	Stages stage.Set
	Stops  stopsignal.Store
	Ledger state.Ledger
	Sink   Sender
}

// Supervisor executes pipeline runs.
type Supervisor struct {
	deps   Deps
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
	newID  func() string
}

// Option customizes a supervisor.
type Option func(*Supervisor)

// WithLogger replaces the supervisor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator replaces the response message id generator.
func WithIDGenerator(fn func() string) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewSupervisor validates deps and applies config defaults.
func NewSupervisor(deps Deps, cfg Config, opts ...Option) (*Supervisor, error) {
	switch {
	case deps.Queue == nil:
		return nil, fmt.Errorf("dispatch queue is required")
	case deps.Stops == nil:
		return nil, fmt.Errorf("stop-signal store is required")
	case deps.Ledger == nil:
		return nil, fmt.Errorf("processed ledger is required")
	case deps.Sink == nil:
		return nil, fmt.Errorf("delivery sink is required")
	}
	if err := deps.Stages.Validate(); err != nil {
		return nil, err
	}
	s := &Supervisor{
		deps:   deps,
		cfg:    cfg.withDefaults(),
		logger: logging.New("pipeline"),
		now:    time.Now,
		newID:  func() string { return ulid.Make().String() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Process runs one delivery to a terminal state and settles it on the queue: COMPLETE and
// CANCELLED acknowledge, FAILED releases for redelivery with backoff.
func (s *Supervisor) Process(ctx context.Context, d dispatch.Delivery) Result {
	msg := d.Message
	ctx = logging.WithRun(ctx, msg.SessionID, msg.MessageID, string(msg.Role))
	logger := logging.FromContext(ctx, s.logger)

	if rec, ok, err := s.deps.Ledger.Lookup(ctx, msg.SessionID, msg.MessageID); err != nil {
		logger.Warn("ledger lookup failed", "error", err)
	} else if ok {
		logger.Info("acknowledging already settled message", "prior_outcome", rec.Outcome, "attempt", msg.Attempt)
		if err := s.deps.Queue.Ack(ctx, d); err != nil {
			logger.Warn("ack duplicate failed", "error", err)
		}
		return Result{Outcome: OutcomeDuplicate, State: StateReceived}
	}

	r := &run{
		s:          s,
		d:          d,
		msg:        msg,
		state:      StateReceived,
		responseID: s.newID(),
		logger:     logger,
		startedAt:  s.now(),
	}
	result := r.execute(ctx)
	s.emitRunLatency(r, result)
	return result
}

// errStopObserved aborts a generate stream when a stop is seen between chunks.
var errStopObserved = errors.New("stop observed")
