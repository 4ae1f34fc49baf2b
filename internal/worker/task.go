// Package worker runs one simulation task through an external engine and
// turns the engine's grid into a Sample.
package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"fieldweaver/internal/field"
)

// Engine computes a field grid for a task. Implementations are black boxes:
// physics, beam and magnetic-field setup all live behind this call.
type Engine interface {
	Simulate(ctx context.Context, desc field.TaskDescriptor) (field.Grid, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, desc field.TaskDescriptor) (field.Grid, error)

func (f EngineFunc) Simulate(ctx context.Context, desc field.TaskDescriptor) (field.Grid, error) {
	return f(ctx, desc)
}

// SimulationError means the engine did not produce a usable sample.
// It is never retried here.
type SimulationError struct {
	WorkerID int
	Err      error
}

func (e *SimulationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("simulation failed for worker %d: %v", e.WorkerID, e.Err)
}

func (e *SimulationError) Unwrap() error { return e.Err }

// Task is the WorkerTask: it owns an Engine and nothing else.
type Task struct {
	Engine Engine
	Logger *zap.Logger
}

// NewTask returns a Task running engine.
func NewTask(engine Engine, logger *zap.Logger) *Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Task{Engine: engine, Logger: logger}
}

// Run executes desc once. Given an explicit seed the result is whatever the
// engine makes reproducible for that seed; Run adds no randomness of its own.
func (t *Task) Run(ctx context.Context, desc field.TaskDescriptor) (field.Sample, error) {
	if t == nil || t.Engine == nil {
		return field.Sample{}, fmt.Errorf("worker task has no engine")
	}
	if err := desc.Validate(); err != nil {
		return field.Sample{}, fmt.Errorf("invalid task descriptor: %w", err)
	}
	log := t.logger().With(zap.String("job", desc.Job), zap.Int("worker_id", desc.WorkerID), zap.String("role", string(desc.Role)))

	start := time.Now()
	log.Debug("simulation started", zap.Int("particles", desc.Particles))
	grid, err := t.Engine.Simulate(ctx, desc)
	if err != nil {
		log.Warn("simulation failed", zap.Error(err))
		return field.Sample{}, &SimulationError{WorkerID: desc.WorkerID, Err: err}
	}
	want := desc.Shape()
	if grid.IsZero() || !want.Compatible(grid.Shape()) {
		err := fmt.Errorf("engine returned grid %s, task asked for %s", grid.Shape(), want)
		log.Warn("simulation failed", zap.Error(err))
		return field.Sample{}, &SimulationError{WorkerID: desc.WorkerID, Err: err}
	}

	st := grid.Stats()
	log.Debug("simulation finished",
		zap.Duration("elapsed", time.Since(start)),
		zap.Float64("min", st.Min),
		zap.Float64("max", st.Max),
	)
	return field.Sample{Grid: grid, Particles: desc.Particles}, nil
}

// Result runs desc and packages the outcome for a Transport.
func (t *Task) Result(ctx context.Context, desc field.TaskDescriptor) (field.WorkerResult, error) {
	s, err := t.Run(ctx, desc)
	if err != nil {
		return field.WorkerResult{}, err
	}
	return field.WorkerResult{WorkerID: desc.WorkerID, Sample: s, DescriptorHash: desc.Hash()}, nil
}

func (t *Task) logger() *zap.Logger {
	if t.Logger == nil {
		return zap.NewNop()
	}
	return t.Logger
}
