package cli

import (
	"context"
	"errors"
	"fmt"

	"fieldweaver/internal/accum"
	"fieldweaver/internal/coord"
	"fieldweaver/internal/transport"
	"fieldweaver/internal/worker"
)

const (
	ExitSuccess            = 0
	ExitAggregationFailure = 1
	ExitInvalidInvocation  = 2
	ExitConfigError        = 3
	ExitInternalError      = 4
)

// CLIResult is what a command run reports back to main.
type CLIResult struct {
	ExitCode int
	RunID    string
	State    coord.State
}

// InvocationError carries a semantic exit code for failures detected before
// any work starts.
type InvocationError struct {
	ExitCode int
	Message  string
	Err      error
}

func (e *InvocationError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *InvocationError) Unwrap() error { return e.Err }

func invalidInvocationf(format string, args ...any) error {
	return &InvocationError{ExitCode: ExitInvalidInvocation, Message: fmt.Sprintf(format, args...)}
}

func configError(err error) error {
	return &InvocationError{ExitCode: ExitConfigError, Err: err}
}

// ExitCode maps an error to a semantic exit code. Failures of the job itself
// (engine, grid, transport, incomplete collection, cancellation) are
// ExitAggregationFailure; unknown errors are ExitInternalError.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var invErr *InvocationError
	if errors.As(err, &invErr) && invErr != nil {
		if invErr.ExitCode != 0 {
			return invErr.ExitCode
		}
		return ExitInvalidInvocation
	}
	var (
		ie *coord.IncompleteAggregationError
		sr *coord.StaleResultError
		se *worker.SimulationError
		me *accum.MismatchedGridError
		te *transport.TransportError
	)
	switch {
	case errors.As(err, &ie), errors.As(err, &sr), errors.As(err, &se), errors.As(err, &me), errors.As(err, &te):
		return ExitAggregationFailure
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ExitAggregationFailure
	default:
		return ExitInternalError
	}
}
