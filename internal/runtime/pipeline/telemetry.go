package pipeline

import (
	"log/slog"
	"strconv"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/internal/observability/logging"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/observability/telemetry"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/dispatch"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/stage"
)

const emittedBy = "pipeline_supervisor"

func (s *Supervisor) correlation(r *run, stageName string) telemetry.Correlation {
	return telemetry.Correlation{
		SessionID:   r.msg.SessionID,
		MessageID:   r.msg.MessageID,
		Role:        string(r.msg.Role),
		Stage:       stageName,
		Lane:        r.msg.LaneKey(),
		Attempt:     r.msg.Attempt,
		EmittedBy:   emittedBy,
		TimestampMS: s.now().UnixMilli(),
	}
}

func (s *Supervisor) emitTransition(r *run, tr Transition) {
	telemetry.DefaultEmitter().EmitLog(
		"stage_transition",
		"info",
		"pipeline run transition",
		map[string]string{
			"from":    string(tr.From),
			"to":      string(tr.To),
			"trigger": string(tr.Trigger),
		},
		s.correlation(r, string(tr.To)),
	)
}

func (s *Supervisor) emitStageLatency(r *run, name stage.Name, elapsed time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	corr := s.correlation(r, string(name))
	telemetry.DefaultEmitter().EmitMetric(
		telemetry.MetricStageLatencyMS,
		float64(elapsed.Milliseconds()),
		"ms",
		map[string]string{"stage": string(name), "outcome": outcome},
		corr,
	)
	end := corr.TimestampMS
	telemetry.DefaultEmitter().EmitSpan("stage_invocation", "stage", end-elapsed.Milliseconds(), end, map[string]string{"stage": string(name), "outcome": outcome}, corr)
}

func (s *Supervisor) emitRunLatency(r *run, result Result) {
	telemetry.DefaultEmitter().EmitMetric(
		telemetry.MetricRunLatencyMS,
		float64(s.now().Sub(r.startedAt).Milliseconds()),
		"ms",
		map[string]string{"outcome": string(result.Outcome), "state": string(result.State)},
		s.correlation(r, ""),
	)
}

func (s *Supervisor) emitCancel(r *run) {
	telemetry.DefaultEmitter().EmitMetric(
		telemetry.MetricCancelTotal,
		1,
		"count",
		map[string]string{"cancelled_from": string(r.cancelledFrom())},
		s.correlation(r, ""),
	)
}

func (s *Supervisor) emitRedelivery(r *run, failed stage.Name, delay time.Duration) {
	telemetry.DefaultEmitter().EmitMetric(
		telemetry.MetricRedeliveryTotal,
		1,
		"count",
		map[string]string{
			"stage":    string(failed),
			"attempt":  strconv.Itoa(r.msg.Attempt),
			"delay_ms": strconv.FormatInt(delay.Milliseconds(), 10),
		},
		s.correlation(r, string(failed)),
	)
}

func (r *run) cancelledFrom() State {
	if len(r.trail) == 0 {
		return StateReceived
	}
	return r.trail[len(r.trail)-1].From
}

// DeadLetterObserver returns a dispatch dead-letter hook that logs and counts dead letters.
func DeadLetterObserver(logger *slog.Logger) func(dispatch.DeadLetter) {
	if logger == nil {
		logger = logging.New("dispatch")
	}
	return func(dl dispatch.DeadLetter) {
		logger.Error("message dead-lettered",
			"session_id", dl.Message.SessionID,
			"message_id", dl.Message.MessageID,
			"role", string(dl.Message.Role),
			"attempts", dl.Attempts,
			"reason", dl.Reason,
		)
		corr := telemetry.Correlation{
			SessionID:   dl.Message.SessionID,
			MessageID:   dl.Message.MessageID,
			Role:        string(dl.Message.Role),
			Lane:        dl.Message.LaneKey(),
			Attempt:     dl.Attempts,
			EmittedBy:   "dispatch_queue",
			TimestampMS: dl.DeadAt.UnixMilli(),
		}
		telemetry.DefaultEmitter().EmitMetric(telemetry.MetricDeadLetterTotal, 1, "count", map[string]string{"reason": dl.Reason}, corr)
		telemetry.DefaultEmitter().EmitLog("dead_lettered", "error", "message dead-lettered", map[string]string{"reason": dl.Reason}, corr)
	}
}
