package transport

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"fieldweaver/internal/field"
	"fieldweaver/internal/worker"
)

type outcome struct {
	result field.WorkerResult
	err    error
}

// Local is the in-process message-passing binding. Every Send starts a
// goroutine that runs the task once a concurrency slot is free; finished
// results go to a single channel that Receive drains regardless of sender.
type Local struct {
	task   *worker.Task
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	slots  *semaphore.Weighted
	done   chan outcome

	mu      sync.Mutex
	pending int
	closed  bool
}

// NewLocal returns a Local running at most concurrency tasks at a time.
func NewLocal(task *worker.Task, concurrency int, logger *zap.Logger) (*Local, error) {
	if task == nil {
		return nil, fmt.Errorf("local transport requires a worker task")
	}
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be > 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	return &Local{
		task:   task,
		logger: logger,
		ctx:    gctx,
		cancel: cancel,
		group:  g,
		slots:  semaphore.NewWeighted(int64(concurrency)),
		done:   make(chan outcome),
	}, nil
}

// Send never blocks on the task itself. ctx bounds the task's execution.
func (l *Local) Send(ctx context.Context, workerID int, desc field.TaskDescriptor) error {
	if err := ctx.Err(); err != nil {
		return &TransportError{Op: "send", WorkerID: workerID, Err: err}
	}
	if desc.WorkerID != workerID {
		return &TransportError{Op: "send", WorkerID: workerID, Err: fmt.Errorf("descriptor addressed to worker %d", desc.WorkerID)}
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return &TransportError{Op: "send", WorkerID: workerID, Err: ErrClosed}
	}
	l.pending++
	l.mu.Unlock()

	l.logger.Debug("task queued", zap.Int("worker_id", workerID))
	l.group.Go(func() error {
		if err := l.slots.Acquire(l.ctx, 1); err != nil {
			return nil
		}
		runCtx, stop := mergeCancel(ctx, l.ctx)
		res, err := l.task.Result(runCtx, desc)
		stop()
		l.slots.Release(1)

		select {
		case l.done <- outcome{result: res, err: err}:
		case <-l.ctx.Done():
		}
		return nil
	})
	return nil
}

func (l *Local) Receive(ctx context.Context) (field.WorkerResult, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return field.WorkerResult{}, &TransportError{Op: "receive", WorkerID: anyWorker, Err: ErrClosed}
	}
	if l.pending == 0 {
		l.mu.Unlock()
		return field.WorkerResult{}, &TransportError{Op: "receive", WorkerID: anyWorker, Err: ErrNoOutstanding}
	}
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return field.WorkerResult{}, ctx.Err()
	case <-l.ctx.Done():
		return field.WorkerResult{}, &TransportError{Op: "receive", WorkerID: anyWorker, Err: ErrClosed}
	case o := <-l.done:
		l.mu.Lock()
		l.pending--
		l.mu.Unlock()
		if o.err != nil {
			return field.WorkerResult{}, o.err
		}
		l.logger.Debug("result received", zap.Int("worker_id", o.result.WorkerID))
		return o.result, nil
	}
}

// Close cancels running tasks and waits for every goroutine to exit.
// It is safe to call more than once.
func (l *Local) Close() error {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.cancel()
	return l.group.Wait()
}

// mergeCancel returns a context that ends when either a or b ends.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
