package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"
)

type blockingSink struct {
	block <-chan struct{}
}

func (s blockingSink) Export(ctx context.Context, _ Event) error {
	select {
	case <-s.block:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestPipelineEmitIsNonBlockingWhenQueueIsFull(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	pipeline := NewPipeline(blockingSink{block: block}, Config{
		QueueCapacity: 1,
		ExportTimeout: 5 * time.Millisecond,
	})
	defer func() {
		close(block)
		_ = pipeline.Close()
	}()

	start := time.Now()
	for i := 0; i < 2000; i++ {
		pipeline.EmitLog("queue-pressure", "debug", "message", nil, Correlation{
			SessionID:   "sess-1",
			MessageID:   "msg-1",
			TimestampMS: int64(i + 1),
			EmittedBy:   "supervisor",
			Lane:        "lane-0",
		})
	}
	elapsed := time.Since(start)
	if elapsed > 200*time.Millisecond {
		t.Fatalf("expected non-blocking emit under pressure, took %s", elapsed)
	}

	stats := pipeline.Stats()
	if stats.Dropped == 0 {
		t.Fatalf("expected dropped events under queue pressure, got %+v", stats)
	}
}

type failingSink struct{}

func (failingSink) Export(context.Context, Event) error { return errors.New("collector unavailable") }

func TestPipelineCountsExportFailures(t *testing.T) {
	t.Parallel()

	pipeline := NewPipeline(failingSink{}, Config{QueueCapacity: 8})
	for i := 0; i < 3; i++ {
		pipeline.EmitMetric(MetricCancelTotal, 1, "count", nil, Correlation{SessionID: "s1"})
	}
	if err := pipeline.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}

	stats := pipeline.Stats()
	if stats.Enqueued != 3 || stats.ExportFailures != 3 || stats.Exported != 0 {
		t.Fatalf("expected every export to fail and be counted, got %+v", stats)
	}
}

func TestPipelineTrimsAttributesAndDropsEmptyKeys(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	pipeline := NewPipeline(sink, Config{})
	pipeline.EmitLog("run_transition", "info", "entered streaming", map[string]string{" to ": " STREAMING ", " ": "dropped"}, Correlation{Attempt: -2})
	_ = pipeline.Close()

	events := sink.Events()
	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	attrs := events[0].Log.Attributes
	if len(attrs) != 1 || attrs["to"] != "STREAMING" {
		t.Fatalf("unexpected attributes: %+v", attrs)
	}
	if events[0].Correlation.Attempt != 0 || events[0].TimestampMS == 0 {
		t.Fatalf("expected clamped attempt and a stamped timestamp, got %+v", events[0])
	}
}

func TestPipelineExportsMetricSpanAndLogEvents(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	pipeline := NewPipeline(sink, Config{QueueCapacity: 16})

	correlation := Correlation{
		SessionID:   "sess-tel",
		MessageID:   "msg-tel",
		Role:        " end-user ",
		Stage:       "PREPROCESSING",
		Attempt:     2,
		TimestampMS: 100,
		EmittedBy:   "supervisor",
		Lane:        "lane-3",
	}
	pipeline.EmitMetric(MetricStageLatencyMS, 5, "ms", map[string]string{"stage": "preprocess"}, correlation)
	pipeline.EmitSpan("pipeline_run", "run", 100, 105, map[string]string{"outcome": "complete"}, correlation)
	pipeline.EmitLog("stage_transition", "info", "entered preprocessing", map[string]string{"to": "PREPROCESSING"}, correlation)

	if err := pipeline.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	events := sink.Events()
	if len(events) != 3 {
		t.Fatalf("expected 3 exported events, got %d", len(events))
	}
	if events[0].Kind != EventKindMetric || events[0].Metric == nil || events[0].Metric.Name != MetricStageLatencyMS {
		t.Fatalf("unexpected metric event: %+v", events[0])
	}
	if events[1].Kind != EventKindSpan || events[1].Span == nil || events[1].Span.Name != "pipeline_run" {
		t.Fatalf("unexpected span event: %+v", events[1])
	}
	if events[2].Kind != EventKindLog || events[2].Log == nil || events[2].Log.Name != "stage_transition" {
		t.Fatalf("unexpected log event: %+v", events[2])
	}
	for _, event := range events {
		if event.Correlation.SessionID != "sess-tel" || event.Correlation.Role != "end-user" || event.Correlation.Attempt != 2 {
			t.Fatalf("unexpected correlation payload: %+v", event.Correlation)
		}
		if event.TimestampMS != 100 {
			t.Fatalf("expected correlation timestamp to drive event timestamp, got %d", event.TimestampMS)
		}
	}
}

func TestDefaultEmitterCanBeOverridden(t *testing.T) {
	sink := NewMemorySink()
	pipeline := NewPipeline(sink, Config{QueueCapacity: 8})
	defer func() {
		SetDefaultEmitter(nil)
		_ = pipeline.Close()
	}()

	SetDefaultEmitter(pipeline)
	DefaultEmitter().EmitMetric(MetricDeadLetterTotal, 1, "count", nil, Correlation{
		SessionID:   "sess-default",
		TimestampMS: 1,
	})

	_ = pipeline.Close()
	events := sink.Events()
	if len(events) != 1 || events[0].Metric == nil || events[0].Metric.Name != MetricDeadLetterTotal {
		t.Fatalf("expected default emitter to route through pipeline, got %+v", events)
	}
}

func TestMemorySinkSumsMetricSamples(t *testing.T) {
	t.Parallel()

	sink := NewMemorySink()
	pipeline := NewPipeline(sink, Config{QueueCapacity: 16})
	for i := 0; i < 3; i++ {
		pipeline.EmitMetric(MetricFramesDroppedTotal, 1, "count", map[string]string{"reason": "no_connection"}, Correlation{SessionID: "s"})
	}
	pipeline.EmitMetric(MetricRedeliveryTotal, 1, "count", nil, Correlation{SessionID: "s"})
	_ = pipeline.Close()

	if got := sink.Sum(MetricFramesDroppedTotal); got != 3 {
		t.Fatalf("expected 3 dropped frames, got %v", got)
	}
	if got := sink.Sum(MetricCancelTotal); got != 0 {
		t.Fatalf("expected no cancels, got %v", got)
	}
}
