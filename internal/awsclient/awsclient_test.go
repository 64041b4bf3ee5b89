package awsclient

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/smithy-go"
)

type fakeAPIError struct {
	code  string
	msg   string
	fault smithy.ErrorFault
}

func (e fakeAPIError) Error() string {
	return e.code + ": " + e.msg
}

func (e fakeAPIError) ErrorCode() string {
	return e.code
}

func (e fakeAPIError) ErrorMessage() string {
	return e.msg
}

func (e fakeAPIError) ErrorFault() smithy.ErrorFault {
	return e.fault
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		err       error
		want      Class
		retryable bool
	}{
		{name: "nil", err: nil, want: ClassNone},
		{name: "cancelled", err: context.Canceled, want: ClassCancelled},
		{name: "deadline", err: fmt.Errorf("wrap: %w", context.DeadlineExceeded), want: ClassTimeout, retryable: true},
		{name: "throttle", err: fakeAPIError{code: "ThrottlingException", fault: smithy.FaultClient}, want: ClassThrottled, retryable: true},
		{name: "conditional", err: fmt.Errorf("put: %w", fakeAPIError{code: "ConditionalCheckFailedException", fault: smithy.FaultClient}), want: ClassConditional},
		{name: "gone", err: fakeAPIError{code: "GoneException", fault: smithy.FaultClient}, want: ClassGone},
		{name: "missing table", err: fakeAPIError{code: "ResourceNotFoundException", fault: smithy.FaultClient}, want: ClassNotFound},
		{name: "validation", err: fakeAPIError{code: "ValidationException", fault: smithy.FaultClient}, want: ClassClient},
		{name: "server", err: fakeAPIError{code: "InternalServerError", fault: smithy.FaultServer}, want: ClassServer, retryable: true},
		{name: "transport", err: errors.New("connection reset"), want: ClassTransport, retryable: true},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Classify(tt.err); got != tt.want {
				t.Fatalf("expected class %q, got %q", tt.want, got)
			}
			if got := Retryable(tt.err); got != tt.retryable {
				t.Fatalf("expected retryable=%v, got %v", tt.retryable, got)
			}
		})
	}
}

func TestIsHelpers(t *testing.T) {
	t.Parallel()

	if !IsGone(fakeAPIError{code: "GoneException"}) {
		t.Fatalf("expected gone classification")
	}
	if !IsConditionalCheckFailed(fakeAPIError{code: "ConditionalCheckFailedException"}) {
		t.Fatalf("expected conditional classification")
	}
	if IsGone(errors.New("boom")) {
		t.Fatalf("expected plain error not to be gone")
	}
}

func TestLoaderCachesConfig(t *testing.T) {
	t.Parallel()

	calls := 0
	loader := NewLoader("")
	loader.loadCfg = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		calls++
		var opts awsconfig.LoadOptions
		for _, fn := range optFns {
			if err := fn(&opts); err != nil {
				return aws.Config{}, err
			}
		}
		return aws.Config{Region: opts.Region}, nil
	}

	for i := 0; i < 3; i++ {
		cfg, err := loader.Config(context.Background())
		if err != nil {
			t.Fatalf("unexpected load error: %v", err)
		}
		if cfg.Region != "us-east-1" {
			t.Fatalf("expected default region, got %q", cfg.Region)
		}
	}
	if calls != 1 {
		t.Fatalf("expected config to load once, got %d", calls)
	}
}

func TestLoaderWrapsError(t *testing.T) {
	t.Parallel()

	loader := NewLoader("eu-west-1")
	loader.loadCfg = func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error) {
		return aws.Config{}, errors.New("no credentials")
	}
	if _, err := loader.Config(context.Background()); err == nil {
		t.Fatalf("expected load error")
	}
}
