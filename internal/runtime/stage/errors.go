package stage

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrTimeout marks a stage that exceeded its invocation bound.
	ErrTimeout = errors.New("stage timed out")
	// ErrMaxIterations marks an agent tool loop that never converged.
	ErrMaxIterations = errors.New("agent exceeded max iterations")
)

// Error wraps a stage failure with its retry classification.
type Error struct {
	Stage     Name
	Retryable bool
	Reason    string
	Err       error
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s stage failed (%s): %v", e.Stage, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s stage failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap attributes err to stage, classifying context and network errors. Existing stage errors
// pass through unchanged.
func Wrap(stage Name, err error) error {
	if err == nil {
		return nil
	}
	var stageErr *Error
	if errors.As(err, &stageErr) {
		return err
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Stage: stage, Retryable: true, Reason: "timeout", Err: fmt.Errorf("%w: %w", ErrTimeout, err)}
	case errors.Is(err, context.Canceled):
		return &Error{Stage: stage, Reason: "cancelled", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &Error{Stage: stage, Retryable: true, Reason: "transport", Err: err}
	}
	return &Error{Stage: stage, Retryable: true, Err: err}
}

// StageOf returns the stage an error is attributed to, if any.
func StageOf(err error) (Name, bool) {
	var stageErr *Error
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return "", false
}
