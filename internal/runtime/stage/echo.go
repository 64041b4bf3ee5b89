package stage

import (
	"context"
	"strings"
)

var greetings = map[string]struct{}{
	"hi": {}, "hello": {}, "hey": {}, "你好": {}, "thanks": {}, "thank you": {},
}

// EchoSet is a self-contained stage chain for local runs: greetings take the trivial path and
// anything else is streamed back word by word through the generate stage.
func EchoSet() Set {
	return Set{
		Preprocessor: PreprocessFunc(func(_ context.Context, req Request) (PreprocessResult, error) {
			return PreprocessResult{NormalizedQuery: strings.Join(strings.Fields(req.NormalizedInput), " ")}, nil
		}),
		Intention: IntentionFunc(func(_ context.Context, req Request) (IntentionResult, error) {
			pre, err := DecodePrior[PreprocessResult](req)
			if err != nil {
				return IntentionResult{}, err
			}
			q := strings.ToLower(strings.Trim(pre.NormalizedQuery, " !.?"))
			if _, ok := greetings[q]; ok {
				return IntentionResult{Name: "greeting", Trivial: true, CannedResponse: "Hello! How can I help you today?"}, nil
			}
			return IntentionResult{Name: "echo"}, nil
		}),
		Agent: PlanFunc(func(_ context.Context, req Request) (AgentResult, error) {
			iteration, err := DecodePrior[agentIteration](req)
			if err != nil {
				return AgentResult{}, err
			}
			return Delegate(GenerateParams{Prompt: iteration.Preprocess.NormalizedQuery}), nil
		}),
		Generator: GenerateFunc(func(ctx context.Context, req Request, emit func(Chunk) error) error {
			params, err := DecodePrior[GenerateParams](req)
			if err != nil {
				return err
			}
			words := strings.Fields(params.Prompt)
			for i, word := range words {
				if err := ctx.Err(); err != nil {
					return err
				}
				if i < len(words)-1 {
					word += " "
				}
				if err := emit(Chunk{Type: ChunkText, Text: word}); err != nil {
					return err
				}
			}
			return emit(Chunk{Type: ChunkEnd})
		}),
	}
}
