package stage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/aws-samples/Intelli-Agent-sub000/internal/awsclient"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/lambda/types"
)

type lambdaClient interface {
	Invoke(ctx context.Context, params *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// responseStream is the subset of the Lambda response event stream the generate stage reads.
type responseStream interface {
	Events() <-chan types.InvokeWithResponseStreamResponseEvent
	Close() error
	Err() error
}

type streamOpener func(ctx context.Context, function string, payload []byte) (responseStream, error)

// LambdaStages invokes each stage as a Lambda function. Unary stages use Invoke; generate uses
// InvokeWithResponseStream and expects newline-delimited Chunk JSON in the payload stream.
type LambdaStages struct {
	client     lambdaClient
	openStream streamOpener
	functions  map[Name]string
}

// NewLambdaStages wires stage names to function names or ARNs.
func NewLambdaStages(client *lambda.Client, functions map[Name]string) (*LambdaStages, error) {
	if client == nil {
		return nil, fmt.Errorf("lambda client is required")
	}
	opener := func(ctx context.Context, function string, payload []byte) (responseStream, error) {
		out, err := client.InvokeWithResponseStream(ctx, &lambda.InvokeWithResponseStreamInput{
			FunctionName: aws.String(function),
			Payload:      payload,
		})
		if err != nil {
			return nil, err
		}
		return out.GetStream(), nil
	}
	return newLambdaStages(client, opener, functions)
}

func newLambdaStages(client lambdaClient, opener streamOpener, functions map[Name]string) (*LambdaStages, error) {
	for _, name := range []Name{Preprocess, Intention, Agent, Generate} {
		if strings.TrimSpace(functions[name]) == "" {
			return nil, fmt.Errorf("%s function is required", name)
		}
	}
	return &LambdaStages{client: client, openStream: opener, functions: functions}, nil
}

// Set exposes the functions as a stage chain.
func (l *LambdaStages) Set() Set {
	set := Set{Preprocessor: l, Intention: l, Agent: l, Generator: l}
	if strings.TrimSpace(l.functions[Tool]) != "" {
		set.Tools = l
	}
	return set
}

func (l *LambdaStages) Preprocess(ctx context.Context, req Request) (PreprocessResult, error) {
	var out PreprocessResult
	return out, l.invoke(ctx, Preprocess, req, &out)
}

func (l *LambdaStages) Detect(ctx context.Context, req Request) (IntentionResult, error) {
	var out IntentionResult
	return out, l.invoke(ctx, Intention, req, &out)
}

func (l *LambdaStages) Plan(ctx context.Context, req Request) (AgentResult, error) {
	var out AgentResult
	return out, l.invoke(ctx, Agent, req, &out)
}

func (l *LambdaStages) Execute(ctx context.Context, req Request, calls []ToolCall) ([]ToolResult, error) {
	body := struct {
		Request
		ToolCalls []ToolCall `json:"tool_calls"`
	}{Request: req, ToolCalls: calls}
	var out []ToolResult
	return out, l.invoke(ctx, Tool, body, &out)
}

func (l *LambdaStages) Generate(ctx context.Context, req Request, emit func(Chunk) error) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return &Error{Stage: Generate, Err: err}
	}
	stream, err := l.openStream(ctx, l.functions[Generate], payload)
	if err != nil {
		return sdkError(Generate, err)
	}
	defer stream.Close()

	var pending bytes.Buffer
	sawEnd := false
	flushLines := func(final bool) error {
		for {
			line, readErr := pending.ReadBytes('\n')
			if readErr == io.EOF && !final {
				// keep the partial line for the next payload chunk
				rest := append([]byte(nil), line...)
				pending.Reset()
				pending.Write(rest)
				return nil
			}
			if text := strings.TrimSpace(string(line)); text != "" {
				var chunk Chunk
				if err := json.Unmarshal([]byte(text), &chunk); err != nil {
					return &Error{Stage: Generate, Reason: "invalid_chunk", Err: err}
				}
				if err := chunk.Validate(); err != nil {
					return &Error{Stage: Generate, Reason: "invalid_chunk", Err: err}
				}
				if chunk.Type == ChunkEnd {
					sawEnd = true
				}
				if err := emit(chunk); err != nil {
					return err
				}
			}
			if readErr == io.EOF {
				return nil
			}
		}
	}

	for event := range stream.Events() {
		switch ev := event.(type) {
		case *types.InvokeWithResponseStreamResponseEventMemberPayloadChunk:
			pending.Write(ev.Value.Payload)
			if err := flushLines(false); err != nil {
				return Wrap(Generate, err)
			}
		case *types.InvokeWithResponseStreamResponseEventMemberInvokeComplete:
			if code := aws.ToString(ev.Value.ErrorCode); code != "" {
				return &Error{Stage: Generate, Retryable: true, Reason: "function_error", Err: fmt.Errorf("%s: %s", code, aws.ToString(ev.Value.ErrorDetails))}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return sdkError(Generate, err)
	}
	if err := flushLines(true); err != nil {
		return Wrap(Generate, err)
	}
	if !sawEnd {
		return &Error{Stage: Generate, Retryable: true, Reason: "stream_truncated", Err: io.ErrUnexpectedEOF}
	}
	return nil
}

func (l *LambdaStages) invoke(ctx context.Context, name Name, body any, out any) error {
	function := strings.TrimSpace(l.functions[name])
	if function == "" {
		return &Error{Stage: name, Reason: "function_missing", Err: fmt.Errorf("no function for %s", name)}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return &Error{Stage: name, Err: err}
	}
	resp, err := l.client.Invoke(ctx, &lambda.InvokeInput{
		FunctionName: aws.String(function),
		Payload:      payload,
	})
	if err != nil {
		return sdkError(name, err)
	}
	if fnErr := aws.ToString(resp.FunctionError); fnErr != "" {
		return &Error{Stage: name, Retryable: true, Reason: "function_error", Err: fmt.Errorf("%s: %s", fnErr, strings.TrimSpace(string(resp.Payload)))}
	}
	if err := json.Unmarshal(resp.Payload, out); err != nil {
		return &Error{Stage: name, Reason: "invalid_response", Err: err}
	}
	return nil
}

func sdkError(name Name, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Wrap(name, err)
	}
	return &Error{Stage: name, Retryable: awsclient.Retryable(err), Reason: string(awsclient.Classify(err)), Err: err}
}
