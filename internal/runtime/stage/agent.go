package stage

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws-samples/Intelli-Agent-sub000/api/chat"
)

// AgentKind discriminates AgentResult.
type AgentKind string

const (
	// AgentDirect carries final text that is streamed as-is.
	AgentDirect AgentKind = "direct"
	// AgentToolCalls asks for tools to run before the agent is consulted again.
	AgentToolCalls AgentKind = "tool_calls"
	// AgentDelegate hands generation parameters to the generate stage.
	AgentDelegate AgentKind = "delegate"
)

// ToolCall is one tool invocation requested by the agent.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ToolResult is fed back to the agent on its next iteration.
type ToolResult struct {
	CallID string          `json:"call_id"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// GenerateParams is the generate stage input chosen by the agent.
type GenerateParams struct {
	Prompt  string         `json:"prompt"`
	RefDocs []chat.RefDoc  `json:"ref_docs,omitempty"`
	Config  map[string]any `json:"config,omitempty"`
}

// AgentResult is the tagged agent instruction.
type AgentResult struct {
	Kind      AgentKind       `json:"kind"`
	Text      string          `json:"text,omitempty"`
	ToolCalls []ToolCall      `json:"tool_calls,omitempty"`
	Generate  *GenerateParams `json:"generate,omitempty"`
}

// Direct returns a final-text instruction.
func Direct(text string) AgentResult {
	return AgentResult{Kind: AgentDirect, Text: text}
}

// CallTools returns a tool-call instruction.
func CallTools(calls ...ToolCall) AgentResult {
	return AgentResult{Kind: AgentToolCalls, ToolCalls: calls}
}

// Delegate returns a generate instruction.
func Delegate(params GenerateParams) AgentResult {
	return AgentResult{Kind: AgentDelegate, Generate: &params}
}

// Validate enforces the payload required by each kind.
func (r AgentResult) Validate() error {
	switch r.Kind {
	case AgentDirect:
		return nil
	case AgentToolCalls:
		if len(r.ToolCalls) == 0 {
			return fmt.Errorf("tool_calls result requires at least one call")
		}
		for _, call := range r.ToolCalls {
			if strings.TrimSpace(call.Name) == "" {
				return fmt.Errorf("tool call name is required")
			}
		}
		return nil
	case AgentDelegate:
		if r.Generate == nil {
			return fmt.Errorf("delegate result requires generate params")
		}
		return nil
	default:
		return fmt.Errorf("unsupported agent result kind: %q", r.Kind)
	}
}

// agentIteration is the prior-stage payload the agent sees on each loop pass.
type agentIteration struct {
	Preprocess  PreprocessResult `json:"preprocess"`
	Intention   IntentionResult  `json:"intention"`
	Iteration   int              `json:"iteration"`
	ToolResults []ToolResult     `json:"tool_results,omitempty"`
}

// ResolveAgent runs the agent until it returns a Direct or Delegate instruction, executing
// requested tools between iterations. It is one logical call from the supervisor's side.
func ResolveAgent(ctx context.Context, set Set, req Request, pre PreprocessResult, intent IntentionResult, maxIterations int) (AgentResult, error) {
	if maxIterations < 1 {
		maxIterations = 1
	}
	iteration := agentIteration{Preprocess: pre, Intention: intent}
	for i := 1; i <= maxIterations; i++ {
		iteration.Iteration = i
		agentReq, err := req.WithPrior(iteration)
		if err != nil {
			return AgentResult{}, &Error{Stage: Agent, Err: err}
		}
		result, err := set.Agent.Plan(ctx, agentReq)
		if err != nil {
			return AgentResult{}, Wrap(Agent, err)
		}
		if err := result.Validate(); err != nil {
			return AgentResult{}, &Error{Stage: Agent, Reason: "invalid_result", Err: err}
		}
		if result.Kind != AgentToolCalls {
			return result, nil
		}
		if set.Tools == nil {
			return AgentResult{}, &Error{Stage: Tool, Reason: "no_tool_executor", Err: fmt.Errorf("agent requested %d tool calls", len(result.ToolCalls))}
		}
		results, err := set.Tools.Execute(ctx, agentReq, result.ToolCalls)
		if err != nil {
			return AgentResult{}, Wrap(Tool, err)
		}
		iteration.ToolResults = append(iteration.ToolResults, results...)
	}
	return AgentResult{}, &Error{Stage: Agent, Retryable: true, Reason: "max_iterations", Err: ErrMaxIterations}
}
