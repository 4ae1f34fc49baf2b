package runlog

import (
	"context"
	"errors"

	"fieldweaver/internal/accum"
	"fieldweaver/internal/coord"
	"fieldweaver/internal/transport"
	"fieldweaver/internal/worker"
)

// failureFromError classifies the error that ended a run. The most specific
// domain error found in the chain wins; anything else is a system failure.
func failureFromError(err error) (Failure, error) {
	if err == nil {
		return Failure{}, errors.New("nil error")
	}

	var ie *coord.IncompleteAggregationError
	if errors.As(err, &ie) && ie != nil {
		return Failure{
			FailureClass: FailureClassIncomplete,
			ErrorCode:    "Timeout",
			ErrorMessage: ie.Error(),
			Missing:      append([]int(nil), ie.Missing...),
			Retryable:    true,
		}, nil
	}

	var se *worker.SimulationError
	if errors.As(err, &se) && se != nil {
		return Failure{
			FailureClass: FailureClassSimulation,
			WorkerID:     intPtr(se.WorkerID),
			ErrorCode:    "EngineFailed",
			ErrorMessage: se.Error(),
			Retryable:    true,
		}, nil
	}

	var me *accum.MismatchedGridError
	if errors.As(err, &me) && me != nil {
		return Failure{
			FailureClass: FailureClassGrid,
			ErrorCode:    "MismatchedGrid",
			ErrorMessage: me.Error(),
			Retryable:    false,
		}, nil
	}

	var sr *coord.StaleResultError
	if errors.As(err, &sr) && sr != nil {
		return Failure{
			FailureClass: FailureClassTransport,
			WorkerID:     intPtr(sr.WorkerID),
			ErrorCode:    "StaleResult",
			ErrorMessage: sr.Error(),
			Retryable:    false,
		}, nil
	}

	var te *transport.TransportError
	if errors.As(err, &te) && te != nil {
		f := Failure{
			FailureClass: FailureClassTransport,
			ErrorCode:    "TransportFailed",
			ErrorMessage: te.Error(),
			Retryable:    true,
		}
		if te.WorkerID >= 0 {
			f.WorkerID = intPtr(te.WorkerID)
		}
		return f, nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Failure{
			FailureClass: FailureClassSystem,
			ErrorCode:    "Cancelled",
			ErrorMessage: err.Error(),
			Retryable:    true,
		}, nil
	}

	return Failure{
		FailureClass: FailureClassSystem,
		ErrorCode:    "UnknownError",
		ErrorMessage: err.Error(),
		Retryable:    true,
	}, nil
}

func intPtr(v int) *int { return &v }
