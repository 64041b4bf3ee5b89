package stage

import "context"

// PreprocessFunc adapts a function to Preprocessor.
type PreprocessFunc func(ctx context.Context, req Request) (PreprocessResult, error)

func (f PreprocessFunc) Preprocess(ctx context.Context, req Request) (PreprocessResult, error) {
	return f(ctx, req)
}

// IntentionFunc adapts a function to IntentionDetector.
type IntentionFunc func(ctx context.Context, req Request) (IntentionResult, error)

func (f IntentionFunc) Detect(ctx context.Context, req Request) (IntentionResult, error) {
	return f(ctx, req)
}

// PlanFunc adapts a function to Planner.
type PlanFunc func(ctx context.Context, req Request) (AgentResult, error)

func (f PlanFunc) Plan(ctx context.Context, req Request) (AgentResult, error) {
	return f(ctx, req)
}

// ToolFunc adapts a function to ToolExecutor.
type ToolFunc func(ctx context.Context, req Request, calls []ToolCall) ([]ToolResult, error)

func (f ToolFunc) Execute(ctx context.Context, req Request, calls []ToolCall) ([]ToolResult, error) {
	return f(ctx, req, calls)
}

// GenerateFunc adapts a function to Generator.
type GenerateFunc func(ctx context.Context, req Request, emit func(Chunk) error) error

func (f GenerateFunc) Generate(ctx context.Context, req Request, emit func(Chunk) error) error {
	return f(ctx, req, emit)
}
