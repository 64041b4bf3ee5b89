package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxErrorBody = 4096

// HTTPConfig points each stage at a JSON-over-HTTP endpoint.
type HTTPConfig struct {
	Endpoints     map[Name]string
	StaticHeaders map[string]string
	Client        *http.Client
}

// HTTPStages invokes stages over HTTP. Unary stages exchange JSON; the generate stage answers
// with a text/event-stream whose data lines are Chunk objects.
type HTTPStages struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPStages validates endpoints for the required stages.
func NewHTTPStages(cfg HTTPConfig) (*HTTPStages, error) {
	for _, name := range []Name{Preprocess, Intention, Agent, Generate} {
		if strings.TrimSpace(cfg.Endpoints[name]) == "" {
			return nil, fmt.Errorf("%s endpoint is required", name)
		}
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	if cfg.StaticHeaders == nil {
		cfg.StaticHeaders = map[string]string{}
	}
	return &HTTPStages{cfg: cfg, client: client}, nil
}

// Set exposes the endpoints as a stage chain.
func (h *HTTPStages) Set() Set {
	set := Set{Preprocessor: h, Intention: h, Agent: h, Generator: h}
	if strings.TrimSpace(h.cfg.Endpoints[Tool]) != "" {
		set.Tools = h
	}
	return set
}

func (h *HTTPStages) Preprocess(ctx context.Context, req Request) (PreprocessResult, error) {
	var out PreprocessResult
	return out, h.call(ctx, Preprocess, req, &out)
}

func (h *HTTPStages) Detect(ctx context.Context, req Request) (IntentionResult, error) {
	var out IntentionResult
	return out, h.call(ctx, Intention, req, &out)
}

func (h *HTTPStages) Plan(ctx context.Context, req Request) (AgentResult, error) {
	var out AgentResult
	return out, h.call(ctx, Agent, req, &out)
}

func (h *HTTPStages) Execute(ctx context.Context, req Request, calls []ToolCall) ([]ToolResult, error) {
	body := struct {
		Request
		ToolCalls []ToolCall `json:"tool_calls"`
	}{Request: req, ToolCalls: calls}
	var out []ToolResult
	return out, h.call(ctx, Tool, body, &out)
}

func (h *HTTPStages) Generate(ctx context.Context, req Request, emit func(Chunk) error) error {
	resp, err := h.do(ctx, Generate, req, "text/event-stream")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	sawEnd := false
	err = parseSSE(resp.Body, func(ev sseEvent) error {
		if ev.Event == "error" {
			return &Error{Stage: Generate, Retryable: true, Reason: "stream_error", Err: errors.New(ev.Data)}
		}
		var chunk Chunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return &Error{Stage: Generate, Reason: "invalid_chunk", Err: err}
		}
		if err := chunk.Validate(); err != nil {
			return &Error{Stage: Generate, Reason: "invalid_chunk", Err: err}
		}
		if chunk.Type == ChunkEnd {
			sawEnd = true
		}
		return emit(chunk)
	})
	if err != nil {
		return Wrap(Generate, err)
	}
	if !sawEnd {
		return &Error{Stage: Generate, Retryable: true, Reason: "stream_truncated", Err: io.ErrUnexpectedEOF}
	}
	return nil
}

func (h *HTTPStages) call(ctx context.Context, name Name, body any, out any) error {
	resp, err := h.do(ctx, name, body, "application/json")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &Error{Stage: name, Reason: "invalid_response", Err: err}
	}
	return nil
}

func (h *HTTPStages) do(ctx context.Context, name Name, body any, accept string) (*http.Response, error) {
	endpoint := strings.TrimSpace(h.cfg.Endpoints[name])
	if endpoint == "" {
		return nil, &Error{Stage: name, Reason: "endpoint_missing", Err: fmt.Errorf("no endpoint for %s", name)}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, &Error{Stage: name, Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, &Error{Stage: name, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", accept)
	for key, value := range h.cfg.StaticHeaders {
		httpReq.Header.Set(key, value)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, Wrap(name, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
		return resp, nil
	}
	defer resp.Body.Close()
	sample, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return nil, statusError(name, resp.StatusCode, sample)
}

func statusError(name Name, status int, body []byte) error {
	err := fmt.Errorf("status %d: %s", status, strings.TrimSpace(string(body)))
	switch {
	case status == http.StatusTooManyRequests:
		return &Error{Stage: name, Retryable: true, Reason: "overload", Err: err}
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return &Error{Stage: name, Retryable: true, Reason: "timeout", Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &Error{Stage: name, Reason: "auth_or_policy_block", Err: err}
	case status >= 400 && status <= 499:
		return &Error{Stage: name, Reason: "client_error", Err: err}
	default:
		return &Error{Stage: name, Retryable: true, Reason: "server_error", Err: err}
	}
}
