package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"strings"
)

// OTLPHTTPSinkConfig defines collector export settings.
type OTLPHTTPSinkConfig struct {
	Endpoint    string
	ServiceName string
	// InstanceID distinguishes processes of one service; defaults to the hostname.
	InstanceID string
	Headers    map[string]string
	Client     *http.Client
}

// OTLPHTTPSink posts each event as JSON to the collector path for its kind.
type OTLPHTTPSink struct {
	baseURL  *url.URL
	resource exportResource
	headers  map[string]string
	client   *http.Client
}

type exportResource struct {
	ServiceName string `json:"service.name"`
	InstanceID  string `json:"service.instance.id,omitempty"`
}

type exportRequest struct {
	Resource exportResource `json:"resource"`
	Event    Event          `json:"event"`
}

func NewOTLPHTTPSink(cfg OTLPHTTPSinkConfig) (*OTLPHTTPSink, error) {
	rawEndpoint := strings.TrimSpace(cfg.Endpoint)
	if rawEndpoint == "" {
		return nil, fmt.Errorf("otlp endpoint is required")
	}
	parsed, err := url.Parse(rawEndpoint)
	if err != nil {
		return nil, fmt.Errorf("parse otlp endpoint: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("otlp endpoint must include scheme and host")
	}

	res := exportResource{
		ServiceName: strings.TrimSpace(cfg.ServiceName),
		InstanceID:  strings.TrimSpace(cfg.InstanceID),
	}
	if res.ServiceName == "" {
		res.ServiceName = "intelli-agent-runtime"
	}
	if res.InstanceID == "" {
		res.InstanceID, _ = os.Hostname()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &OTLPHTTPSink{baseURL: parsed, resource: res, headers: cfg.Headers, client: client}, nil
}

func (s *OTLPHTTPSink) Export(ctx context.Context, event Event) error {
	payload, err := json.Marshal(exportRequest{Resource: s.resource, Event: event})
	if err != nil {
		return fmt.Errorf("marshal telemetry event: %w", err)
	}

	u := *s.baseURL
	u.Path = path.Join("/", strings.TrimRight(u.Path, "/"), collectorPath(event.Kind))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build export request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("export request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("export status %d", resp.StatusCode)
	}
	return nil
}

func collectorPath(kind EventKind) string {
	switch kind {
	case EventKindMetric:
		return "v1/metrics"
	case EventKindSpan:
		return "v1/traces"
	default:
		return "v1/logs"
	}
}
