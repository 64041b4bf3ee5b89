package telemetry

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	EnvTelemetryEnabled          = "INTELLI_TELEMETRY_ENABLED"
	EnvTelemetryOTLPHTTPEndpoint = "INTELLI_TELEMETRY_OTLP_HTTP_ENDPOINT"
	// EnvTelemetryOTLPHeaders holds comma-separated key=value pairs sent with every export.
	EnvTelemetryOTLPHeaders     = "INTELLI_TELEMETRY_OTLP_HEADERS"
	EnvTelemetryServiceName     = "INTELLI_TELEMETRY_SERVICE_NAME"
	EnvTelemetryQueueCapacity   = "INTELLI_TELEMETRY_QUEUE_CAPACITY"
	EnvTelemetryExportTimeoutMS = "INTELLI_TELEMETRY_EXPORT_TIMEOUT_MS"
	// EnvTelemetryLogEvents mirrors events into the process log when no collector is set.
	EnvTelemetryLogEvents = "INTELLI_TELEMETRY_LOG_EVENTS"
)

// EnvConfig captures env-configured telemetry settings.
type EnvConfig struct {
	Enabled       bool
	Endpoint      string
	Headers       map[string]string
	ServiceName   string
	QueueCapacity int
	ExportTimeout time.Duration
	LogEvents     bool
}

// EnvConfigFromEnv parses telemetry settings through getenv.
func EnvConfigFromEnv(getenv func(string) string) (EnvConfig, error) {
	if getenv == nil {
		return EnvConfig{}, fmt.Errorf("getenv is required")
	}
	lookup := func(key string) string { return strings.TrimSpace(getenv(key)) }
	cfg := EnvConfig{
		Enabled:       true,
		Endpoint:      lookup(EnvTelemetryOTLPHTTPEndpoint),
		ServiceName:   lookup(EnvTelemetryServiceName),
		QueueCapacity: 256,
		ExportTimeout: 200 * time.Millisecond,
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{EnvTelemetryEnabled, &cfg.Enabled},
		{EnvTelemetryLogEvents, &cfg.LogEvents},
	}
	for _, entry := range bools {
		raw := lookup(entry.key)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return EnvConfig{}, fmt.Errorf("%s parse error: %w", entry.key, err)
		}
		*entry.dst = v
	}

	if raw := lookup(EnvTelemetryQueueCapacity); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return EnvConfig{}, fmt.Errorf("%s must be integer >=1", EnvTelemetryQueueCapacity)
		}
		cfg.QueueCapacity = v
	}
	if raw := lookup(EnvTelemetryExportTimeoutMS); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			return EnvConfig{}, fmt.Errorf("%s must be integer >=1", EnvTelemetryExportTimeoutMS)
		}
		cfg.ExportTimeout = time.Duration(v) * time.Millisecond
	}

	headers, err := parseHeaders(lookup(EnvTelemetryOTLPHeaders))
	if err != nil {
		return EnvConfig{}, err
	}
	cfg.Headers = headers
	return cfg, nil
}

func parseHeaders(raw string) (map[string]string, error) {
	if raw == "" {
		return nil, nil
	}
	headers := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(key) == "" {
			return nil, fmt.Errorf("%s entries must be key=value", EnvTelemetryOTLPHeaders)
		}
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return headers, nil
}

// NewPipelineFromEnv returns nil when telemetry is disabled. Events go to the OTLP collector
// when one is configured, to logger when log mirroring is on, and are discarded otherwise.
func NewPipelineFromEnv(getenv func(string) string, logger *slog.Logger) (*Pipeline, error) {
	cfg, err := EnvConfigFromEnv(getenv)
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return nil, nil
	}

	var sink Sink = discardSink{}
	switch {
	case cfg.Endpoint != "":
		httpSink, err := NewOTLPHTTPSink(OTLPHTTPSinkConfig{
			Endpoint:    cfg.Endpoint,
			ServiceName: cfg.ServiceName,
			Headers:     cfg.Headers,
			Client:      &http.Client{Timeout: cfg.ExportTimeout},
		})
		if err != nil {
			return nil, err
		}
		sink = httpSink
	case cfg.LogEvents:
		sink = NewLogSink(logger)
	}

	return NewPipeline(sink, Config{
		QueueCapacity: cfg.QueueCapacity,
		ExportTimeout: cfg.ExportTimeout,
	}), nil
}
