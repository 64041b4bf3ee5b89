// Package awsclient loads shared AWS configuration and classifies SDK errors.
package awsclient

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/smithy-go"
)

// Class is the retry classification of an AWS error.
type Class string

const (
	ClassNone        Class = ""
	ClassCancelled   Class = "cancelled"
	ClassTimeout     Class = "timeout"
	ClassThrottled   Class = "throttled"
	ClassConditional Class = "conditional_check_failed"
	ClassGone        Class = "gone"
	ClassNotFound    Class = "not_found"
	ClassClient      Class = "client_error"
	ClassServer      Class = "server_error"
	ClassTransport   Class = "transport_error"
)

// Loader resolves aws.Config once per region.
type Loader struct {
	mu      sync.Mutex
	region  string
	cfg     aws.Config
	loaded  bool
	loadCfg func(ctx context.Context, optFns ...func(*awsconfig.LoadOptions) error) (aws.Config, error)
}

// NewLoader returns a loader for region, defaulting to us-east-1.
func NewLoader(region string) *Loader {
	if strings.TrimSpace(region) == "" {
		region = "us-east-1"
	}
	return &Loader{region: region, loadCfg: awsconfig.LoadDefaultConfig}
}

// Config loads the default credential chain on first use.
func (l *Loader) Config(ctx context.Context) (aws.Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.loaded {
		return l.cfg, nil
	}
	cfg, err := l.loadCfg(ctx, awsconfig.WithRegion(l.region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	l.cfg = cfg
	l.loaded = true
	return cfg, nil
}

// Classify maps err onto a retry class.
func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	if errors.Is(err, context.Canceled) {
		return ClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTimeout
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ProvisionedThroughputExceededException",
			"RequestLimitExceeded", "LimitExceededException", "AWS.SimpleQueueService.RequestThrottled":
			return ClassThrottled
		case "ConditionalCheckFailedException", "TransactionConflictException":
			return ClassConditional
		case "GoneException":
			return ClassGone
		case "ResourceNotFoundException", "AWS.SimpleQueueService.NonExistentQueue", "QueueDoesNotExist":
			return ClassNotFound
		}
		if apiErr.ErrorFault() == smithy.FaultClient {
			return ClassClient
		}
		return ClassServer
	}
	return ClassTransport
}

// Retryable reports whether an operation failing with err may succeed on retry.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassTimeout, ClassThrottled, ClassServer, ClassTransport:
		return true
	default:
		return false
	}
}

// IsGone reports a closed API Gateway connection.
func IsGone(err error) bool {
	return Classify(err) == ClassGone
}

// IsConditionalCheckFailed reports a rejected DynamoDB condition expression.
func IsConditionalCheckFailed(err error) bool {
	return Classify(err) == ClassConditional
}
