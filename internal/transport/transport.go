// Package transport moves task descriptors out to workers and their results
// back to the coordinator.
//
// Results come back in whatever order workers finish. Both bindings share the
// Transport interface, so the coordinator never knows which one it drives.
package transport

import (
	"context"
	"errors"
	"fmt"

	"fieldweaver/internal/field"
)

// Transport is the send/receive contract between coordinator and workers.
//
// Receive returns the next result from any outstanding worker. A failure
// raised by the worker itself (a *worker.SimulationError) is returned as is;
// failures of the exchange are *TransportError. When ctx ends first, Receive
// returns ctx.Err() unwrapped.
type Transport interface {
	Send(ctx context.Context, workerID int, desc field.TaskDescriptor) error
	Receive(ctx context.Context) (field.WorkerResult, error)
}

var (
	ErrClosed        = errors.New("transport closed")
	ErrNoOutstanding = errors.New("no outstanding workers")
)

// TransportError is a send or receive failure of the exchange itself.
type TransportError struct {
	Op       string
	WorkerID int
	Err      error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	if e.WorkerID < 0 {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s (worker %d): %v", e.Op, e.WorkerID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// anyWorker marks a TransportError not tied to one worker.
const anyWorker = -1
