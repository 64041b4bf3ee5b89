package telemetry

import (
	"context"
	"log/slog"
	"sync"
)

// MemorySink keeps exported events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

func NewMemorySink() *MemorySink {
	return &MemorySink{events: make([]Event, 0, 64)}
}

func (s *MemorySink) Export(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// Events returns a copy of all exported events.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Sum adds up the values of every sample of a metric.
func (s *MemorySink) Sum(metric string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, event := range s.events {
		if event.Metric != nil && event.Metric.Name == metric {
			total += event.Metric.Value
		}
	}
	return total
}

// LogSink mirrors events into a structured logger at debug level. Log events keep their
// own severity.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "telemetry")}
}

func (s *LogSink) Export(ctx context.Context, event Event) error {
	attrs := []any{
		"kind", string(event.Kind),
		"session_id", event.Correlation.SessionID,
		"message_id", event.Correlation.MessageID,
		"lane", event.Correlation.Lane,
	}
	level := slog.LevelDebug
	msg := ""
	switch {
	case event.Metric != nil:
		msg = event.Metric.Name
		attrs = append(attrs, "value", event.Metric.Value, "unit", event.Metric.Unit, "attributes", event.Metric.Attributes)
	case event.Span != nil:
		msg = event.Span.Name
		attrs = append(attrs, "duration_ms", event.Span.EndMS-event.Span.StartMS, "attributes", event.Span.Attributes)
	case event.Log != nil:
		msg = event.Log.Name
		level = severityLevel(event.Log.Severity)
		attrs = append(attrs, "message", event.Log.Message, "attributes", event.Log.Attributes)
	}
	s.logger.Log(ctx, level, msg, attrs...)
	return nil
}

func severityLevel(severity string) slog.Level {
	switch severity {
	case "error":
		return slog.LevelError
	case "warn", "warning":
		return slog.LevelWarn
	case "info":
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
