package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/dispatch"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/stage"
	"github.com/aws-samples/Intelli-Agent-sub000/internal/runtime/state"
)

// run is the mutable state of one PipelineRun. It is owned by a single lane goroutine.
type run struct {
	s          *Supervisor
	d          dispatch.Delivery
	msg        dispatch.QueuedMessage
	state      State
	trail      []Transition
	responseID string
	logger     *slog.Logger
	startedAt  time.Time
	lastStop   time.Time
	streamDone bool
}

func (r *run) execute(ctx context.Context) Result {
	if r.stopped(ctx) {
		return r.cancel(ctx)
	}
	if err := r.advance(ctx, StatePreprocessing, TriggerDequeued); err != nil {
		return r.fail(ctx, err)
	}
	query, chatbotConfig, err := decodePayload(r.msg.Payload)
	if err != nil {
		return r.fail(ctx, &stage.Error{Stage: stage.Preprocess, Reason: "invalid_payload", Err: err})
	}
	base := stage.Request{
		SessionID:       r.msg.SessionID,
		MessageID:       r.msg.MessageID,
		Role:            r.msg.Role,
		Attempt:         r.msg.Attempt,
		NormalizedInput: query,
		Config:          chatbotConfig,
	}
	set := r.s.deps.Stages

	var pre stage.PreprocessResult
	err = r.invoke(ctx, stage.Preprocess, func(ctx context.Context) error {
		var callErr error
		pre, callErr = set.Preprocessor.Preprocess(ctx, base)
		return callErr
	})
	if err != nil {
		return r.fail(ctx, err)
	}

	if r.stopped(ctx) {
		return r.cancel(ctx)
	}
	if err := r.advance(ctx, StateIntentionDetected, TriggerPreprocessed); err != nil {
		return r.fail(ctx, err)
	}
	base.NormalizedInput = pre.NormalizedQuery
	intentReq, err := base.WithPrior(pre)
	if err != nil {
		return r.fail(ctx, &stage.Error{Stage: stage.Intention, Err: err})
	}
	var intent stage.IntentionResult
	err = r.invoke(ctx, stage.Intention, func(ctx context.Context) error {
		var callErr error
		intent, callErr = set.Intention.Detect(ctx, intentReq)
		return callErr
	})
	if err != nil {
		return r.fail(ctx, err)
	}

	if r.stopped(ctx) {
		return r.cancel(ctx)
	}
	var params stage.GenerateParams
	if intent.Trivial {
		if err := r.advance(ctx, StateGenerating, TriggerFastPath); err != nil {
			return r.fail(ctx, err)
		}
		if intent.CannedResponse != "" {
			return r.streamText(ctx, intent.CannedResponse, intent.RefDocs)
		}
		params = stage.GenerateParams{Prompt: pre.NormalizedQuery, RefDocs: intent.RefDocs, Config: chatbotConfig}
	} else {
		if err := r.advance(ctx, StateAgentExecuting, TriggerAgentRequired); err != nil {
			return r.fail(ctx, err)
		}
		var instruction stage.AgentResult
		err = r.invoke(ctx, stage.Agent, func(ctx context.Context) error {
			var callErr error
			instruction, callErr = stage.ResolveAgent(ctx, set, base, pre, intent, r.s.cfg.MaxAgentIterations)
			return callErr
		})
		if err != nil {
			return r.fail(ctx, err)
		}
		if r.stopped(ctx) {
			return r.cancel(ctx)
		}
		if err := r.advance(ctx, StateGenerating, TriggerAgentResolved); err != nil {
			return r.fail(ctx, err)
		}
		if instruction.Kind == stage.AgentDirect {
			return r.streamText(ctx, instruction.Text, nil)
		}
		params = *instruction.Generate
		if params.Config == nil {
			params.Config = chatbotConfig
		}
	}

	genReq, err := base.WithPrior(params)
	if err != nil {
		return r.fail(ctx, &stage.Error{Stage: stage.Generate, Err: err})
	}
	err = r.invoke(ctx, stage.Generate, func(ctx context.Context) error {
		return set.Generator.Generate(ctx, genReq, func(chunk stage.Chunk) error {
			return r.forward(ctx, chunk)
		})
	})
	if errors.Is(err, errStopObserved) {
		return r.cancel(ctx)
	}
	if err != nil {
		return r.fail(ctx, err)
	}
	return r.finish(ctx)
}

// forward relays one generated chunk. The first chunk moves the run to STREAMING.
func (r *run) forward(ctx context.Context, chunk stage.Chunk) error {
	if r.streamDone {
		return nil
	}
	if r.state == StateGenerating {
		if r.stopped(ctx) {
			return errStopObserved
		}
		if err := r.advance(ctx, StateStreaming, TriggerFirstChunk); err != nil {
			return err
		}
	} else if r.stopDue() && r.stopped(ctx) {
		return errStopObserved
	}

	switch chunk.Type {
	case stage.ChunkText:
		return r.send(ctx, chat.ChunkFrame(r.msg.SessionID, r.msg.Role, r.msg.MessageID, chunk.Text))
	case stage.ChunkContext:
		return r.send(ctx, chat.ContextFrame(r.msg.SessionID, r.msg.Role, r.msg.MessageID, chunk.RefDocs, chunk.AdditionalKwargs))
	case stage.ChunkEnd:
		r.streamDone = true
		return nil
	default:
		return fmt.Errorf("unsupported chunk type %q", chunk.Type)
	}
}

// streamText delivers a complete answer produced without the generate stage.
func (r *run) streamText(ctx context.Context, text string, refs []chat.RefDoc) Result {
	if err := r.forward(ctx, stage.Chunk{Type: stage.ChunkText, Text: text}); err != nil {
		if errors.Is(err, errStopObserved) {
			return r.cancel(ctx)
		}
		return r.fail(ctx, err)
	}
	if len(refs) > 0 {
		if err := r.forward(ctx, stage.Chunk{Type: stage.ChunkContext, RefDocs: refs}); err != nil {
			if errors.Is(err, errStopObserved) {
				return r.cancel(ctx)
			}
			return r.fail(ctx, err)
		}
	}
	return r.finish(ctx)
}

func (r *run) finish(ctx context.Context) Result {
	if r.state == StateGenerating {
		if r.stopped(ctx) {
			return r.cancel(ctx)
		}
		if err := r.advance(ctx, StateStreaming, TriggerFirstChunk); err != nil {
			return r.fail(ctx, err)
		}
	}
	if r.stopped(ctx) {
		return r.cancel(ctx)
	}
	if err := r.advance(ctx, StateComplete, TriggerFinalChunk); err != nil {
		return r.fail(ctx, err)
	}
	if err := r.send(ctx, chat.EndFrame(r.msg.SessionID, r.msg.Role, r.msg.MessageID, r.responseID, chat.StatusCompleted)); err != nil {
		r.logger.Warn("send end frame failed", "error", err)
	}
	r.settle(ctx, OutcomeComplete)
	return r.result(OutcomeComplete, nil)
}

func (r *run) cancel(ctx context.Context) Result {
	if err := r.advance(ctx, StateCancelled, TriggerStopObserved); err != nil {
		r.logger.Error("cancel transition rejected", "error", err)
	}
	if err := r.send(ctx, chat.EndFrame(r.msg.SessionID, r.msg.Role, r.msg.MessageID, r.responseID, chat.StatusCancelled)); err != nil {
		r.logger.Warn("send cancellation frame failed", "error", err)
	}
	r.s.emitCancel(r)
	r.settle(ctx, OutcomeCancelled)
	return r.result(OutcomeCancelled, nil)
}

// fail leaves the message unacknowledged and hands it back to the queue after a backoff delay.
// The queue dead-letters it once its attempts are spent.
func (r *run) fail(ctx context.Context, cause error) Result {
	if err := r.advance(ctx, StateFailed, TriggerStageFailed); err != nil {
		r.logger.Error("fail transition rejected", "error", err)
	}
	stageName, _ := stage.StageOf(cause)
	r.logger.Error("pipeline run failed", "stage", string(stageName), "attempt", r.msg.Attempt, "error", cause)

	if err := r.s.deps.Stops.Clear(ctx, r.msg.SessionID, r.msg.Role); err != nil {
		r.logger.Warn("clear stop flag failed", "error", err)
	}
	delay := dispatch.RetryDelay(r.msg.Attempt, r.s.cfg.RetryBase, r.s.cfg.RetryMax)
	if err := r.s.deps.Queue.Release(ctx, r.d, delay); err != nil {
		r.logger.Warn("release failed", "error", err)
	}
	r.s.emitRedelivery(r, stageName, delay)
	return r.result(OutcomeFailed, cause)
}

// settle records the outcome before acknowledging so a crash between the two is absorbed by
// ledger dedup on redelivery.
func (r *run) settle(ctx context.Context, outcome Outcome) {
	if _, err := r.s.deps.Ledger.MarkProcessed(ctx, state.Record{
		SessionID:   r.msg.SessionID,
		MessageID:   r.msg.MessageID,
		Outcome:     string(outcome),
		ProcessedAt: r.s.now(),
	}); err != nil {
		r.logger.Warn("mark processed failed", "error", err)
	}
	if err := r.s.deps.Queue.Ack(ctx, r.d); err != nil {
		r.logger.Warn("ack failed", "error", err)
	}
	if err := r.s.deps.Stops.Clear(ctx, r.msg.SessionID, r.msg.Role); err != nil {
		r.logger.Warn("clear stop flag failed", "error", err)
	}
}

func (r *run) advance(ctx context.Context, to State, trigger Trigger) error {
	tr := Transition{From: r.state, To: to, Trigger: trigger}
	if err := tr.Validate(); err != nil {
		return err
	}
	r.state = to
	r.trail = append(r.trail, tr)
	r.logger.Debug("run transition", "from", string(tr.From), "to", string(tr.To), "trigger", string(tr.Trigger))
	r.s.emitTransition(r, tr)

	if to == StateGenerating {
		return r.send(ctx, chat.StartFrame(r.msg.SessionID, r.msg.Role, r.msg.MessageID))
	}
	return nil
}

// invoke runs one stage call under the stage timeout and records its latency.
func (r *run) invoke(ctx context.Context, name stage.Name, call func(context.Context) error) error {
	stageCtx, cancel := context.WithTimeout(ctx, r.s.cfg.StageTimeout)
	defer cancel()

	started := r.s.now()
	err := call(stageCtx)
	r.s.emitStageLatency(r, name, r.s.now().Sub(started), err)
	if err == nil || errors.Is(err, errStopObserved) {
		return err
	}
	return stage.Wrap(name, err)
}

// stopped reads the stop flag. A store error is logged and treated as not stopped.
func (r *run) stopped(ctx context.Context) bool {
	r.lastStop = r.s.now()
	stopped, err := r.s.deps.Stops.IsStopped(ctx, r.msg.SessionID, r.msg.Role)
	if err != nil {
		r.logger.Warn("stop flag read failed", "error", err)
		return false
	}
	return stopped
}

func (r *run) stopDue() bool {
	return r.s.now().Sub(r.lastStop) >= r.s.cfg.StopPollInterval
}

func (r *run) send(ctx context.Context, frame chat.Frame) error {
	return r.s.deps.Sink.Send(ctx, r.msg.SessionID, r.msg.Role, frame)
}

func (r *run) result(outcome Outcome, err error) Result {
	return Result{
		Outcome:     outcome,
		State:       r.state,
		ResponseID:  r.responseID,
		Transitions: append([]Transition(nil), r.trail...),
		Err:         err,
	}
}

// decodePayload accepts either a bare JSON string query or an inbound envelope.
func decodePayload(raw json.RawMessage) (string, map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return "", nil, fmt.Errorf("payload is empty")
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text, nil, nil
	}
	var env chat.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, fmt.Errorf("decode payload: %w", err)
	}
	return env.Query, env.ChatbotConfig, nil
}
