package stage

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

type fakeLambda struct {
	payloads  map[string][]byte
	fnErr     map[string]string
	err       error
	functions []string
}

func (f *fakeLambda) Invoke(_ context.Context, in *lambda.InvokeInput, _ ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	name := aws.ToString(in.FunctionName)
	f.functions = append(f.functions, name)
	if f.err != nil {
		return nil, f.err
	}
	out := &lambda.InvokeOutput{StatusCode: 200, Payload: f.payloads[name]}
	if msg, ok := f.fnErr[name]; ok {
		out.FunctionError = aws.String(msg)
	}
	return out, nil
}

type fakeStream struct {
	events chan types.InvokeWithResponseStreamResponseEvent
	err    error
	closed bool
}

func newFakeStream(err error, events ...types.InvokeWithResponseStreamResponseEvent) *fakeStream {
	ch := make(chan types.InvokeWithResponseStreamResponseEvent, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return &fakeStream{events: ch, err: err}
}

func (s *fakeStream) Events() <-chan types.InvokeWithResponseStreamResponseEvent { return s.events }

func (s *fakeStream) Close() error {
	s.closed = true
	return nil
}

func (s *fakeStream) Err() error { return s.err }

func payloadEvent(s string) types.InvokeWithResponseStreamResponseEvent {
	return &types.InvokeWithResponseStreamResponseEventMemberPayloadChunk{
		Value: types.InvokeResponseStreamUpdate{Payload: []byte(s)},
	}
}

func completeEvent(code string) types.InvokeWithResponseStreamResponseEvent {
	ev := types.InvokeWithResponseStreamCompleteEvent{}
	if code != "" {
		ev.ErrorCode = aws.String(code)
		ev.ErrorDetails = aws.String("handler crashed")
	}
	return &types.InvokeWithResponseStreamResponseEventMemberInvokeComplete{Value: ev}
}

var testFunctions = map[Name]string{
	Preprocess: "fn-preprocess",
	Intention:  "fn-intention",
	Agent:      "fn-agent",
	Generate:   "fn-generate",
}

func TestLambdaStagesInvoke(t *testing.T) {
	t.Parallel()

	agent, _ := json.Marshal(Direct("forty two"))
	client := &fakeLambda{payloads: map[string][]byte{"fn-agent": agent}}
	stages, err := newLambdaStages(client, nil, testFunctions)
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	result, err := stages.Plan(context.Background(), testRequest())
	if err != nil {
		t.Fatalf("unexpected plan error: %v", err)
	}
	if result.Kind != AgentDirect || result.Text != "forty two" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(client.functions) != 1 || client.functions[0] != "fn-agent" {
		t.Fatalf("unexpected invoked functions: %v", client.functions)
	}
}

func TestLambdaStagesFunctionErrorAndThrottle(t *testing.T) {
	t.Parallel()

	client := &fakeLambda{fnErr: map[string]string{"fn-intention": "Unhandled"}, payloads: map[string][]byte{"fn-intention": []byte(`{"errorMessage":"boom"}`)}}
	stages, _ := newLambdaStages(client, nil, testFunctions)
	_, err := stages.Detect(context.Background(), testRequest())
	var stageErr *Error
	if !errors.As(err, &stageErr) || stageErr.Reason != "function_error" || !stageErr.Retryable {
		t.Fatalf("expected retryable function error, got %v", err)
	}

	client.err = &types.TooManyRequestsException{Message: aws.String("slow down")}
	_, err = stages.Preprocess(context.Background(), testRequest())
	if !errors.As(err, &stageErr) || stageErr.Stage != Preprocess || !stageErr.Retryable || stageErr.Reason != "throttled" {
		t.Fatalf("expected throttled preprocess error, got %v", err)
	}

	client.err = &types.InvalidRequestContentException{Message: aws.String("bad json")}
	_, err = stages.Preprocess(context.Background(), testRequest())
	if !errors.As(err, &stageErr) || stageErr.Retryable {
		t.Fatalf("expected non-retryable client error, got %v", err)
	}
}

func TestLambdaStagesGenerateSplitsLinesAcrossPayloads(t *testing.T) {
	t.Parallel()

	stream := newFakeStream(nil,
		payloadEvent(`{"type":"chunk","text":"Hel`),
		payloadEvent("lo\"}\n{\"type\":\"chunk\",\"text\":\" world\"}\n"),
		payloadEvent(`{"type":"end"}`),
		completeEvent(""),
	)
	opener := func(_ context.Context, function string, payload []byte) (responseStream, error) {
		if function != "fn-generate" || !strings.Contains(string(payload), "sess-1") {
			t.Errorf("unexpected stream open %s %s", function, payload)
		}
		return stream, nil
	}
	stages, _ := newLambdaStages(&fakeLambda{}, opener, testFunctions)

	var text strings.Builder
	var last ChunkType
	err := stages.Generate(context.Background(), testRequest(), func(c Chunk) error {
		text.WriteString(c.Text)
		last = c.Type
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected generate error: %v", err)
	}
	if text.String() != "Hello world" || last != ChunkEnd {
		t.Fatalf("unexpected stream %q ending %q", text.String(), last)
	}
	if !stream.closed {
		t.Fatalf("expected stream to be closed")
	}
}

func TestLambdaStagesGenerateInvokeCompleteError(t *testing.T) {
	t.Parallel()

	stream := newFakeStream(nil, payloadEvent("{\"type\":\"chunk\",\"text\":\"a\"}\n"), completeEvent("Unhandled"))
	opener := func(context.Context, string, []byte) (responseStream, error) { return stream, nil }
	stages, _ := newLambdaStages(&fakeLambda{}, opener, testFunctions)

	chunks := 0
	err := stages.Generate(context.Background(), testRequest(), func(Chunk) error {
		chunks++
		return nil
	})
	var stageErr *Error
	if !errors.As(err, &stageErr) || stageErr.Reason != "function_error" {
		t.Fatalf("expected function error, got %v", err)
	}
	if chunks != 1 {
		t.Fatalf("expected the chunk before the failure to be emitted, got %d", chunks)
	}
}

func TestNewLambdaStagesRequiresFunctions(t *testing.T) {
	t.Parallel()

	if _, err := newLambdaStages(&fakeLambda{}, nil, map[Name]string{Agent: "x"}); err == nil {
		t.Fatalf("expected missing function error")
	}
	if _, err := NewLambdaStages(nil, testFunctions); err == nil {
		t.Fatalf("expected nil client error")
	}
}
