package pipeline

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/internal/observability/telemetry"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/dispatch"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/executionpool"
)

type depthReporter interface {
	Depth(ctx context.Context) (int, error)
}

// Run pulls deliveries until ctx is cancelled or the queue closes, dispatching each onto the
// lane pool keyed by its lane. In-flight runs are allowed to finish before Run returns.
func (s *Supervisor) Run(ctx context.Context) error {
	pool := executionpool.NewPool(s.cfg.Lanes, s.cfg.LaneCapacity, executionpool.WithErrorHandler(func(task executionpool.Task, err error) {
		s.logger.Debug("lane task settled with error", "task_id", task.ID, "lane", task.Key, "error", err)
	}))
	// runs outlive ctx so shutdown never strands a half-streamed answer
	runCtx := context.WithoutCancel(ctx)

	if s.cfg.DepthSampleInterval > 0 {
		if reporter, ok := s.deps.Queue.(depthReporter); ok {
			go s.sampleDepth(ctx, reporter)
		}
	}

	var runErr error
	backoff := 0
	for {
		d, err := s.deps.Queue.Receive(ctx)
		if err != nil {
			if errors.Is(err, dispatch.ErrClosed) || ctx.Err() != nil {
				break
			}
			backoff++
			delay := dispatch.RetryDelay(backoff, s.cfg.RetryBase, s.cfg.RetryMax)
			s.logger.Warn("receive failed", "error", err, "retry_in", delay.String())
			if !sleep(ctx, delay) {
				break
			}
			continue
		}
		backoff = 0

		delivery := d
		task := executionpool.Task{
			ID:  delivery.Message.MessageID + "#" + strconv.Itoa(delivery.Message.Attempt),
			Key: delivery.Message.LaneKey(),
			Run: func() error {
				return s.Process(runCtx, delivery).Err
			},
		}
		if err := pool.SubmitWait(ctx, task); err != nil {
			// never started, so the claim must not count as an attempt
			if reqErr := s.deps.Queue.Requeue(runCtx, delivery); reqErr != nil {
				s.logger.Warn("requeue unstarted delivery failed", "message_id", delivery.Message.MessageID, "error", reqErr)
			}
			if ctx.Err() == nil {
				runErr = err
			}
			break
		}
	}

	if err := pool.Drain(runCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (s *Supervisor) sampleDepth(ctx context.Context, reporter depthReporter) {
	ticker := time.NewTicker(s.cfg.DepthSampleInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		depth, err := reporter.Depth(ctx)
		if err != nil {
			s.logger.Debug("queue depth sample failed", "error", err)
			continue
		}
		telemetry.DefaultEmitter().EmitMetric(
			telemetry.MetricQueueDepth,
			float64(depth),
			"messages",
			nil,
			telemetry.Correlation{EmittedBy: emittedBy, TimestampMS: s.now().UnixMilli()},
		)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
