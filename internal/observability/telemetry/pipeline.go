package telemetry

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueCapacity = 256
	defaultExportTimeout = 200 * time.Millisecond
)

// Config bounds the pipeline buffer and each export call.
type Config struct {
	QueueCapacity int
	ExportTimeout time.Duration
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	Enqueued       uint64
	Dropped        uint64
	Exported       uint64
	ExportFailures uint64
	QueueDepth     int
}

// Pipeline buffers events and exports them to a Sink on one background goroutine. Emits never
// block; an event arriving while the buffer is full is dropped and counted.
type Pipeline struct {
	sink          Sink
	exportTimeout time.Duration
	events        chan Event
	done          chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup

	enqueued       atomic.Uint64
	dropped        atomic.Uint64
	exported       atomic.Uint64
	exportFailures atomic.Uint64
}

type discardSink struct{}

func (discardSink) Export(context.Context, Event) error { return nil }

// NewPipeline starts exporting to sink. A nil sink discards events.
func NewPipeline(sink Sink, cfg Config) *Pipeline {
	if sink == nil {
		sink = discardSink{}
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = defaultQueueCapacity
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = defaultExportTimeout
	}
	p := &Pipeline{
		sink:          sink,
		exportTimeout: cfg.ExportTimeout,
		events:        make(chan Event, cfg.QueueCapacity),
		done:          make(chan struct{}),
	}
	p.wg.Add(1)
	go p.loop()
	return p
}

// Close exports what is already buffered and stops the background goroutine.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)
		p.wg.Wait()
	})
	return nil
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Enqueued:       p.enqueued.Load(),
		Dropped:        p.dropped.Load(),
		Exported:       p.exported.Load(),
		ExportFailures: p.exportFailures.Load(),
		QueueDepth:     len(p.events),
	}
}

func (p *Pipeline) EmitMetric(name string, value float64, unit string, attributes map[string]string, correlation Correlation) {
	event := newEvent(EventKindMetric, correlation)
	event.Metric = &MetricEvent{
		Name:       strings.TrimSpace(name),
		Value:      value,
		Unit:       strings.TrimSpace(unit),
		Attributes: cleanAttributes(attributes),
	}
	p.offer(event)
}

func (p *Pipeline) EmitSpan(name, kind string, startMS, endMS int64, attributes map[string]string, correlation Correlation) {
	event := newEvent(EventKindSpan, correlation)
	event.Span = &SpanEvent{
		Name:       strings.TrimSpace(name),
		Kind:       strings.TrimSpace(kind),
		StartMS:    max(startMS, 0),
		EndMS:      max(endMS, 0),
		Attributes: cleanAttributes(attributes),
	}
	p.offer(event)
}

func (p *Pipeline) EmitLog(name, severity, message string, attributes map[string]string, correlation Correlation) {
	event := newEvent(EventKindLog, correlation)
	event.Log = &LogEvent{
		Name:       strings.TrimSpace(name),
		Severity:   strings.TrimSpace(severity),
		Message:    message,
		Attributes: cleanAttributes(attributes),
	}
	p.offer(event)
}

func (p *Pipeline) offer(event Event) {
	select {
	case p.events <- event:
		p.enqueued.Add(1)
	default:
		p.dropped.Add(1)
	}
}

func (p *Pipeline) loop() {
	defer p.wg.Done()
	for {
		select {
		case event := <-p.events:
			p.export(event)
		case <-p.done:
			for {
				select {
				case event := <-p.events:
					p.export(event)
				default:
					return
				}
			}
		}
	}
}

func (p *Pipeline) export(event Event) {
	ctx, cancel := context.WithTimeout(context.Background(), p.exportTimeout)
	defer cancel()
	if err := p.sink.Export(ctx, event); err != nil {
		p.exportFailures.Add(1)
		return
	}
	p.exported.Add(1)
}

// newEvent stamps the event with the correlation timestamp, or now when the caller left it unset.
func newEvent(kind EventKind, c Correlation) Event {
	c.SessionID = strings.TrimSpace(c.SessionID)
	c.MessageID = strings.TrimSpace(c.MessageID)
	c.Role = strings.TrimSpace(c.Role)
	c.Stage = strings.TrimSpace(c.Stage)
	c.Lane = strings.TrimSpace(c.Lane)
	c.EmittedBy = strings.TrimSpace(c.EmittedBy)
	c.Attempt = max(c.Attempt, 0)
	c.TimestampMS = max(c.TimestampMS, 0)

	ts := c.TimestampMS
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return Event{Kind: kind, TimestampMS: ts, Correlation: c}
}

// cleanAttributes trims keys and values and drops empty keys.
func cleanAttributes(in map[string]string) map[string]string {
	var out map[string]string
	for k, v := range in {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		if out == nil {
			out = make(map[string]string, len(in))
		}
		out[k] = strings.TrimSpace(v)
	}
	return out
}
