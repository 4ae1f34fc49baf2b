package coord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"fieldweaver/internal/accum"
	"fieldweaver/internal/field"
	"fieldweaver/internal/trace"
	"fieldweaver/internal/transport"
	"fieldweaver/internal/worker"
)

const tracerName = "fieldweaver/internal/coord"

// TaskSource derives the immutable descriptor for each worker id.
type TaskSource interface {
	Descriptor(workerID int) (field.TaskDescriptor, error)
}

// WeightFunc returns the merge weight for a stochastic worker.
type WeightFunc func(workerID int) float64

// Contribution is one merged result, as offered to a ContributionLog.
type Contribution struct {
	Job            string
	WorkerID       int
	Role           field.TaskRole
	Weight         float64
	Particles      int
	DescriptorHash field.DescriptorHash
}

// ContributionLog persists merged contributions. A failing log is reported
// but never fails the job.
type ContributionLog interface {
	RecordContribution(ctx context.Context, c Contribution) error
}

// Config describes one job. Workers is the number of stochastic workers; the
// ideal worker is always dispatched in addition, so Workers+1 results are
// expected.
type Config struct {
	Job       string
	Workers   int
	Tasks     TaskSource
	Weight    WeightFunc
	Normalize bool
}

func (c Config) validate() error {
	var errs []error
	if c.Job == "" {
		errs = append(errs, errors.New("job is required"))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1 (got %d)", c.Workers))
	}
	if c.Tasks == nil {
		errs = append(errs, errors.New("task source is required"))
	}
	return errors.Join(errs...)
}

// Result is the outcome of a COMPLETE or PARTIAL collection. Ideal and
// Composite are zero Grids when nothing contributed to them.
type Result struct {
	Job       string
	State     State
	Ideal     field.Grid
	Composite field.Grid
	Weight    float64
	Received  []int
	Missing   []int
}

type Option func(*Coordinator)

func WithLogger(l *zap.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithTraceSink records every collection decision into s.
func WithTraceSink(s trace.Sink) Option {
	return func(c *Coordinator) { c.sink = s }
}

func WithContributionLog(l ContributionLog) Option {
	return func(c *Coordinator) { c.contributions = l }
}

// WithTracerProvider overrides the global OpenTelemetry provider.
func WithTracerProvider(tp oteltrace.TracerProvider) Option {
	return func(c *Coordinator) {
		if tp != nil {
			c.tracer = tp.Tracer(tracerName)
		}
	}
}

// Coordinator runs the collection protocol for one job.
type Coordinator struct {
	cfg       Config
	transport transport.Transport
	acc       *accum.Accumulator

	logger        *zap.Logger
	sink          trace.Sink
	contributions ContributionLog
	tracer        oteltrace.Tracer

	state    State
	expected map[int]field.DescriptorHash
	received map[int]bool
	missing  []int
}

func New(cfg Config, t transport.Transport, opts ...Option) (*Coordinator, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid coordinator config: %w", err)
	}
	if t == nil {
		return nil, errors.New("transport is required")
	}
	if cfg.Weight == nil {
		n := float64(cfg.Workers)
		cfg.Weight = func(int) float64 { return 1 / n }
	}
	c := &Coordinator{
		cfg:       cfg,
		transport: t,
		acc:       accum.New(),
		logger:    zap.NewNop(),
		sink:      trace.NopSink{},
		tracer:    otel.Tracer(tracerName),
		state:     StateIdle,
		expected:  make(map[int]field.DescriptorHash, cfg.Workers+1),
		received:  make(map[int]bool, cfg.Workers+1),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("job", cfg.Job))
	return c, nil
}

func (c *Coordinator) State() State { return c.state }

// Accumulator exposes the live accumulator, e.g. for hierarchical
// composition through AsSample. Callers must not merge into it.
func (c *Coordinator) Accumulator() *accum.Accumulator { return c.acc }

// Dispatch sends the ideal descriptor (worker 0) and one stochastic
// descriptor per worker 1..Workers. A failed send leaves the coordinator
// FAILED and is returned as is.
func (c *Coordinator) Dispatch(ctx context.Context) (err error) {
	if err := transition(&c.state, StateIdle, StateDispatched); err != nil {
		return err
	}
	ctx, span := c.tracer.Start(ctx, "coord.Dispatch", oteltrace.WithAttributes(
		attribute.String("fieldweaver.job", c.cfg.Job),
		attribute.Int("fieldweaver.workers", c.cfg.Workers),
	))
	defer func() { endSpan(span, err) }()

	for id := field.IdealWorkerID; id <= c.cfg.Workers; id++ {
		desc, err := c.cfg.Tasks.Descriptor(id)
		if err != nil {
			c.fail(StateDispatched)
			return fmt.Errorf("descriptor for worker %d: %w", id, err)
		}
		if err := c.transport.Send(ctx, id, desc); err != nil {
			c.fail(StateDispatched)
			c.record(trace.EventFailed, id, "SendFailed")
			c.logger.Error("dispatch failed", zap.Int("worker_id", id), zap.Error(err))
			return err
		}
		c.expected[id] = desc.Hash()
		c.record(trace.EventDispatched, id, "")
	}
	c.logger.Info("dispatched", zap.Int("workers", c.cfg.Workers))
	return transition(&c.state, StateDispatched, StateCollecting)
}

// Collect receives results until every dispatched worker has reported or
// timeout elapses; timeout <= 0 waits for ctx alone.
//
// On timeout, PolicyStrict fails with *IncompleteAggregationError and
// PolicyTolerant ends PARTIAL. Worker and transport failures end FAILED and
// are returned unmodified, as is cancellation of ctx.
func (c *Coordinator) Collect(ctx context.Context, timeout time.Duration, policy Policy) (err error) {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return err
	}
	if c.state != StateCollecting {
		return fmt.Errorf("%w: collect requires %s, got %s", ErrInvalidState, StateCollecting, c.state)
	}
	ctx, span := c.tracer.Start(ctx, "coord.Collect", oteltrace.WithAttributes(
		attribute.String("fieldweaver.job", c.cfg.Job),
		attribute.String("fieldweaver.policy", string(policy)),
		attribute.Int64("fieldweaver.timeout_ms", timeout.Milliseconds()),
	))
	defer func() {
		span.SetAttributes(
			attribute.String("fieldweaver.state", string(c.state)),
			attribute.Float64("fieldweaver.weight", c.acc.Weight()),
		)
		endSpan(span, err)
	}()

	rctx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		rctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for len(c.received) < len(c.expected) {
		res, err := c.transport.Receive(rctx)
		if err != nil {
			if ctx.Err() != nil {
				c.fail(StateCollecting)
				c.logger.Warn("collection cancelled", zap.Error(ctx.Err()))
				return ctx.Err()
			}
			if rctx.Err() != nil {
				return c.timedOut(policy)
			}
			c.fail(StateCollecting)
			var se *worker.SimulationError
			if errors.As(err, &se) {
				c.record(trace.EventFailed, se.WorkerID, "Simulation")
			}
			c.logger.Error("collection failed", zap.Error(err))
			return err
		}
		if err := c.accept(ctx, res); err != nil {
			c.fail(StateCollecting)
			c.logger.Error("collection failed", zap.Int("worker_id", res.WorkerID), zap.Error(err))
			return err
		}
	}

	c.logger.Info("collection complete", zap.Float64("weight", c.acc.Weight()), zap.Int("merges", c.acc.Merges()))
	return transition(&c.state, StateCollecting, StateComplete)
}

// accept routes one result: the ideal worker to SetIdeal, everything else to
// Merge. Unknown and duplicate worker ids are dropped.
func (c *Coordinator) accept(ctx context.Context, res field.WorkerResult) error {
	id := res.WorkerID
	want, ok := c.expected[id]
	if !ok {
		c.record(trace.EventUnexpected, id, "NotDispatched")
		c.logger.Warn("dropping result from unknown worker", zap.Int("worker_id", id))
		return nil
	}
	if c.received[id] {
		c.record(trace.EventDuplicate, id, "AlreadyReceived")
		c.logger.Warn("dropping duplicate result", zap.Int("worker_id", id))
		return nil
	}
	if res.DescriptorHash != want {
		c.record(trace.EventRejected, id, "StaleDescriptor")
		return &StaleResultError{WorkerID: id, Want: want, Got: res.DescriptorHash}
	}

	role := field.RoleForWorker(id)
	weight := 0.0
	if role == field.RoleIdeal {
		if err := c.acc.SetIdeal(res.Sample.Grid); err != nil {
			c.record(trace.EventRejected, id, "Mismatch")
			return err
		}
		c.record(trace.EventIdealSet, id, "")
	} else {
		weight = c.cfg.Weight(id)
		if err := c.acc.Merge(res.Sample, weight); err != nil {
			c.record(trace.EventRejected, id, "Mismatch")
			return err
		}
		c.record(trace.EventMerged, id, "")
	}
	c.received[id] = true
	c.logger.Debug("result accepted",
		zap.Int("worker_id", id),
		zap.String("role", string(role)),
		zap.Float64("weight", weight),
		zap.Int("received", len(c.received)),
		zap.Int("expected", len(c.expected)),
	)

	if c.contributions != nil {
		err := c.contributions.RecordContribution(ctx, Contribution{
			Job:            c.cfg.Job,
			WorkerID:       id,
			Role:           role,
			Weight:         weight,
			Particles:      res.Sample.Particles,
			DescriptorHash: res.DescriptorHash,
		})
		if err != nil {
			c.logger.Warn("contribution not recorded", zap.Int("worker_id", id), zap.Error(err))
		}
	}
	return nil
}

func (c *Coordinator) timedOut(policy Policy) error {
	c.missing = c.outstanding()
	for _, id := range c.missing {
		c.record(trace.EventMissing, id, "Timeout")
	}
	weight := c.acc.Weight()
	c.logger.Warn("collection timed out",
		zap.Ints("missing", c.missing),
		zap.Float64("weight", weight),
		zap.String("policy", string(policy)),
	)
	if policy == PolicyStrict {
		c.fail(StateCollecting)
		missing := make([]int, len(c.missing))
		copy(missing, c.missing)
		return &IncompleteAggregationError{Job: c.cfg.Job, Missing: missing, Weight: weight}
	}
	return transition(&c.state, StateCollecting, StatePartial)
}

func (c *Coordinator) outstanding() []int {
	out := make([]int, 0, len(c.expected)-len(c.received))
	for id := range c.expected {
		if !c.received[id] {
			out = append(out, id)
		}
	}
	sort.Ints(out)
	return out
}

// Result is available after COMPLETE or PARTIAL. The composite is finalized
// with the configured normalization; it is absent when no stochastic result
// arrived, or when normalizing and the accumulated weight is zero.
func (c *Coordinator) Result() (Result, error) {
	if c.state != StateComplete && c.state != StatePartial {
		return Result{}, fmt.Errorf("%w: result requires %s or %s, got %s", ErrInvalidState, StateComplete, StatePartial, c.state)
	}
	out := Result{
		Job:     c.cfg.Job,
		State:   c.state,
		Weight:  c.acc.Weight(),
		Missing: append([]int(nil), c.missing...),
	}
	if ideal, ok := c.acc.Ideal(); ok {
		out.Ideal = ideal
	}
	if c.acc.Merges() > 0 {
		g, err := c.acc.Finalize(c.cfg.Normalize)
		switch {
		case err == nil:
			out.Composite = g
		case errors.Is(err, accum.ErrZeroWeight):
		default:
			return Result{}, err
		}
	}
	for id := range c.received {
		out.Received = append(out.Received, id)
	}
	sort.Ints(out.Received)
	return out, nil
}

func (c *Coordinator) fail(from State) {
	_ = transition(&c.state, from, StateFailed)
}

func (c *Coordinator) record(kind trace.EventKind, id int, reason string) {
	if id < 0 {
		return
	}
	trace.SafeRecord(c.sink, trace.Event{Kind: kind, WorkerID: id, Reason: reason})
}

func endSpan(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
