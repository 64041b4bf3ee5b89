// Package stage defines the contracts of the external pipeline stages and the clients that
// invoke them. Stages are stateless and idempotent with respect to a message id; the supervisor
// treats each call as atomic.
package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
)

// Name identifies a stage.
type Name string

const (
	Preprocess Name = "preprocess"
	Intention  Name = "intention"
	Agent      Name = "agent"
	Tool       Name = "tool"
	Generate   Name = "generate"
)

// Request is the input every stage receives.
type Request struct {
	SessionID        string          `json:"session_id"`
	MessageID        string          `json:"message_id"`
	Role             chat.Role       `json:"role"`
	Attempt          int             `json:"attempt,omitempty"`
	NormalizedInput  string          `json:"normalized_input"`
	PriorStageOutput json.RawMessage `json:"prior_stage_output,omitempty"`
	Config           map[string]any  `json:"chatbot_config,omitempty"`
}

// Validate checks the correlation fields required by every stage.
func (r Request) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("session_id is required")
	}
	if strings.TrimSpace(r.MessageID) == "" {
		return fmt.Errorf("message_id is required")
	}
	return nil
}

// WithPrior returns a copy of r carrying v as the prior stage output.
func (r Request) WithPrior(v any) (Request, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return Request{}, fmt.Errorf("encode prior stage output: %w", err)
	}
	r.PriorStageOutput = raw
	return r, nil
}

// Turn is one prior exchange in the resolved history window.
type Turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// PreprocessResult is the normalized query and history window.
type PreprocessResult struct {
	NormalizedQuery string `json:"normalized_query"`
	History         []Turn `json:"history,omitempty"`
}

// IntentionResult classifies the query. Trivial intentions skip the agent.
type IntentionResult struct {
	Name           string        `json:"name"`
	Trivial        bool          `json:"trivial,omitempty"`
	CannedResponse string        `json:"canned_response,omitempty"`
	RefDocs        []chat.RefDoc `json:"ref_docs,omitempty"`
}

// ChunkType discriminates generate stream frames.
type ChunkType string

const (
	ChunkText    ChunkType = "chunk"
	ChunkContext ChunkType = "context"
	ChunkEnd     ChunkType = "end"
)

// Chunk is one frame emitted by the generate stage.
type Chunk struct {
	Type             ChunkType      `json:"type"`
	Text             string         `json:"text,omitempty"`
	RefDocs          []chat.RefDoc  `json:"ref_docs,omitempty"`
	AdditionalKwargs map[string]any `json:"ddb_additional_kwargs,omitempty"`
}

// Validate checks the chunk discriminator.
func (c Chunk) Validate() error {
	switch c.Type {
	case ChunkText, ChunkEnd:
		return nil
	case ChunkContext:
		if len(c.RefDocs) == 0 && len(c.AdditionalKwargs) == 0 {
			return fmt.Errorf("context chunk requires ref_docs or ddb_additional_kwargs")
		}
		return nil
	default:
		return fmt.Errorf("unsupported chunk type: %q", c.Type)
	}
}

// Preprocessor normalizes the raw query and resolves history.
type Preprocessor interface {
	Preprocess(ctx context.Context, req Request) (PreprocessResult, error)
}

// IntentionDetector classifies the normalized query.
type IntentionDetector interface {
	Detect(ctx context.Context, req Request) (IntentionResult, error)
}

// Planner is the agent stage: it returns one instruction per call.
type Planner interface {
	Plan(ctx context.Context, req Request) (AgentResult, error)
}

// ToolExecutor runs tool calls requested by the agent.
type ToolExecutor interface {
	Execute(ctx context.Context, req Request, calls []ToolCall) ([]ToolResult, error)
}

// Generator streams the answer. emit returning an error stops the stream with that error.
type Generator interface {
	Generate(ctx context.Context, req Request, emit func(Chunk) error) error
}

// Set is the full stage chain invoked by the supervisor.
type Set struct {
	Preprocessor Preprocessor
	Intention    IntentionDetector
	Agent        Planner
	// Tools is optional; without it a tool-call instruction fails the agent stage.
	Tools     ToolExecutor
	Generator Generator
}

// Validate checks required stages are present.
func (s Set) Validate() error {
	switch {
	case s.Preprocessor == nil:
		return fmt.Errorf("preprocess stage is required")
	case s.Intention == nil:
		return fmt.Errorf("intention stage is required")
	case s.Agent == nil:
		return fmt.Errorf("agent stage is required")
	case s.Generator == nil:
		return fmt.Errorf("generate stage is required")
	}
	return nil
}
