package telemetry

import (
	"context"
	"sync/atomic"
)

// Runtime metric names.
const (
	MetricQueueDepth      = "queue_depth"
	MetricRedeliveryTotal = "redelivery_total"
	MetricDeadLetterTotal = "dead_letter_total"
	MetricStageLatencyMS  = "stage_latency_ms"
	// MetricRunLatencyMS is measured from dequeue to the run's terminal state.
	MetricRunLatencyMS = "run_latency_ms"
	MetricCancelTotal  = "cancel_total"
	// MetricFramesDroppedTotal counts frames with no live connection and frames after END.
	MetricFramesDroppedTotal = "frames_dropped_total"
)

// EventKind discriminates the payload carried by an Event.
type EventKind string

const (
	EventKindMetric EventKind = "metric"
	EventKindSpan   EventKind = "span"
	EventKindLog    EventKind = "log"
)

// Correlation ties an event to the run, lane and stage that produced it.
type Correlation struct {
	SessionID   string `json:"session_id,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	Role        string `json:"role,omitempty"`
	Stage       string `json:"stage,omitempty"`
	Lane        string `json:"lane,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	EmittedBy   string `json:"emitted_by,omitempty"`
	TimestampMS int64  `json:"timestamp_ms,omitempty"`
}

type MetricEvent struct {
	Name       string            `json:"name"`
	Value      float64           `json:"value"`
	Unit       string            `json:"unit,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type SpanEvent struct {
	Name       string            `json:"name"`
	Kind       string            `json:"kind"`
	StartMS    int64             `json:"start_ms"`
	EndMS      int64             `json:"end_ms"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

type LogEvent struct {
	Name       string            `json:"name"`
	Severity   string            `json:"severity"`
	Message    string            `json:"message"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// Event is one emission. Exactly one of Metric, Span and Log is set, matching Kind.
type Event struct {
	Kind        EventKind    `json:"kind"`
	TimestampMS int64        `json:"timestamp_ms"`
	Correlation Correlation  `json:"correlation"`
	Metric      *MetricEvent `json:"metric,omitempty"`
	Span        *SpanEvent   `json:"span,omitempty"`
	Log         *LogEvent    `json:"log,omitempty"`
}

// Sink exports events. It is called from a single goroutine.
type Sink interface {
	Export(context.Context, Event) error
}

// Emitter is what runtime code records telemetry through. Implementations must not block.
type Emitter interface {
	EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation)
	EmitSpan(name, kind string, startMS, endMS int64, attributes map[string]string, correlation Correlation)
	EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation)
}

type noopEmitter struct{}

func (noopEmitter) EmitMetric(string, float64, string, map[string]string, Correlation)    {}
func (noopEmitter) EmitSpan(string, string, int64, int64, map[string]string, Correlation) {}
func (noopEmitter) EmitLog(string, string, string, map[string]string, Correlation)        {}

type emitterRef struct{ Emitter }

var defaultEmitter atomic.Pointer[emitterRef]

// SetDefaultEmitter installs the process-wide emitter. Nil restores the no-op emitter.
func SetDefaultEmitter(emitter Emitter) {
	if emitter == nil {
		emitter = noopEmitter{}
	}
	defaultEmitter.Store(&emitterRef{emitter})
}

// DefaultEmitter returns the process-wide emitter, a no-op until one is installed.
func DefaultEmitter() Emitter {
	if ref := defaultEmitter.Load(); ref != nil {
		return ref.Emitter
	}
	return noopEmitter{}
}
