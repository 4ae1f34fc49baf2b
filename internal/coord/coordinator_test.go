package coord

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"fieldweaver/internal/accum"
	"fieldweaver/internal/field"
	"fieldweaver/internal/trace"
	"fieldweaver/internal/transport"
	"fieldweaver/internal/worker"
)

type templateSource struct{ base field.TaskDescriptor }

func (s templateSource) Descriptor(id int) (field.TaskDescriptor, error) {
	d := s.base.WithWorker(id)
	if d.Role == field.RoleIdeal {
		d.Particles = 1
	}
	return d, d.Validate()
}

func source() templateSource {
	return templateSource{base: field.TaskDescriptor{
		Job:         "pd",
		Quantity:    field.QuantityPowerDensity,
		Plane:       field.PlaneXY,
		NPoints:     [2]int{2, 2},
		Width:       [2]float64{0.05, 0.05},
		Translation: [3]float64{0, 0, 30},
		Particles:   10,
	}}
}

// fakeTransport answers Send with scripted results and replays them in the
// order given by script, then blocks until ctx ends.
type fakeTransport struct {
	grids   map[int][][]float64
	script  []int
	sendErr map[int]error
	recvErr error
	tamper  func(*field.WorkerResult)

	sent  map[int]field.TaskDescriptor
	queue []field.WorkerResult
}

func newFake(grids map[int][][]float64) *fakeTransport {
	return &fakeTransport{grids: grids, sent: map[int]field.TaskDescriptor{}}
}

func (f *fakeTransport) Send(_ context.Context, id int, desc field.TaskDescriptor) error {
	if err := f.sendErr[id]; err != nil {
		return err
	}
	f.sent[id] = desc
	return nil
}

func (f *fakeTransport) Receive(ctx context.Context) (field.WorkerResult, error) {
	if len(f.queue) == 0 && f.script != nil {
		for _, id := range f.script {
			desc := f.sent[id]
			g, err := field.FromRows(desc.Shape(), f.grids[id])
			if err != nil {
				return field.WorkerResult{}, err
			}
			res := field.WorkerResult{WorkerID: id, Sample: field.Sample{Grid: g, Particles: desc.Particles}, DescriptorHash: desc.Hash()}
			if f.tamper != nil {
				f.tamper(&res)
			}
			f.queue = append(f.queue, res)
		}
		f.script = nil
	}
	if len(f.queue) > 0 {
		res := f.queue[0]
		f.queue = f.queue[1:]
		return res, nil
	}
	if f.recvErr != nil {
		return field.WorkerResult{}, f.recvErr
	}
	<-ctx.Done()
	return field.WorkerResult{}, ctx.Err()
}

var endToEnd = map[int][][]float64{
	0: {{9, 9}, {9, 9}},
	1: {{1, 2}, {3, 4}},
	2: {{2, 2}, {2, 2}},
	3: {{0, 1}, {2, 3}},
	4: {{5, 0}, {1, 1}},
}

func newCoordinator(t *testing.T, workers int, tr transport.Transport, opts ...Option) *Coordinator {
	t.Helper()
	c, err := New(Config{Job: "pd", Workers: workers, Tasks: source(), Normalize: true}, tr, opts...)
	require.NoError(t, err)
	return c
}

func TestCoordinator_EndToEndTwoByTwo(t *testing.T) {
	ft := newFake(endToEnd)
	ft.script = []int{3, 0, 4, 1, 2}
	rec := trace.NewRecorder()
	c := newCoordinator(t, 4, ft, WithTraceSink(rec), WithTracerProvider(noop.NewTracerProvider()))

	require.NoError(t, c.Dispatch(context.Background()))
	assert.Equal(t, StateCollecting, c.State())
	require.Len(t, ft.sent, 5)
	assert.Equal(t, field.RoleIdeal, ft.sent[0].Role)
	assert.Equal(t, 1, ft.sent[0].Particles)
	assert.Equal(t, field.RoleStochastic, ft.sent[3].Role)

	require.NoError(t, c.Collect(context.Background(), time.Second, PolicyStrict))
	assert.Equal(t, StateComplete, c.State())

	res, err := c.Result()
	require.NoError(t, err)
	assert.Equal(t, StateComplete, res.State)
	assert.InDelta(t, 1.0, res.Weight, 1e-15)
	assert.Equal(t, [][]float64{{9, 9}, {9, 9}}, res.Ideal.Rows())
	rows := res.Composite.Rows()
	want := [][]float64{{2.0, 1.25}, {2.0, 2.5}}
	for j := range want {
		assert.InDeltaSlice(t, want[j], rows[j], 1e-15)
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, res.Received)
	assert.Empty(t, res.Missing)

	tr := rec.Trace("pd")
	assert.Equal(t, 5, tr.Count(trace.EventDispatched))
	assert.Equal(t, 1, tr.Count(trace.EventIdealSet))
	assert.Equal(t, 4, tr.Count(trace.EventMerged))
}

func partialGrids() map[int][][]float64 {
	g := map[int][][]float64{0: {{1, 1}, {1, 1}}}
	for id := 1; id <= 5; id++ {
		g[id] = [][]float64{{float64(id), 0}, {0, 1}}
	}
	return g
}

func TestCoordinator_PartialTimeoutTolerant(t *testing.T) {
	ft := newFake(partialGrids())
	ft.script = []int{0, 1, 2, 4, 5}
	rec := trace.NewRecorder()
	c := newCoordinator(t, 5, ft, WithTraceSink(rec))

	require.NoError(t, c.Dispatch(context.Background()))
	require.NoError(t, c.Collect(context.Background(), 50*time.Millisecond, PolicyTolerant))
	assert.Equal(t, StatePartial, c.State())

	res, err := c.Result()
	require.NoError(t, err)
	assert.Equal(t, StatePartial, res.State)
	assert.InDelta(t, 0.8, res.Weight, 1e-15)
	assert.Equal(t, []int{3}, res.Missing)
	require.False(t, res.Composite.IsZero())
	// (1+2+4+5)*0.2 / 0.8
	assert.InDelta(t, 3.0, res.Composite.At(0, 0), 1e-14)
	assert.InDelta(t, 1.0, res.Composite.At(1, 1), 1e-14)
	assert.Equal(t, 1, rec.Trace("pd").Count(trace.EventMissing))
}

func TestCoordinator_PartialTimeoutStrict(t *testing.T) {
	ft := newFake(partialGrids())
	ft.script = []int{0, 1, 2, 4, 5}
	c := newCoordinator(t, 5, ft)

	require.NoError(t, c.Dispatch(context.Background()))
	err := c.Collect(context.Background(), 50*time.Millisecond, PolicyStrict)

	var ie *IncompleteAggregationError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, []int{3}, ie.Missing)
	assert.InDelta(t, 0.8, ie.Weight, 1e-15)
	assert.Equal(t, StateFailed, c.State())

	_, err = c.Result()
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestCoordinator_DuplicateAndUnknownResultsAreDropped(t *testing.T) {
	ft := newFake(endToEnd)
	ft.script = []int{0, 1, 1, 2, 3, 2, 4}
	rec := trace.NewRecorder()
	c := newCoordinator(t, 4, ft, WithTraceSink(rec))
	require.NoError(t, c.Dispatch(context.Background()))

	stray := field.WorkerResult{WorkerID: 99}
	ft.queue = append(ft.queue, stray)

	require.NoError(t, c.Collect(context.Background(), time.Second, PolicyStrict))
	res, err := c.Result()
	require.NoError(t, err)
	assert.InDelta(t, 1.0, res.Weight, 1e-15)
	assert.InDelta(t, 1.25, res.Composite.At(1, 0), 1e-15)

	tr := rec.Trace("pd")
	assert.Equal(t, 2, tr.Count(trace.EventDuplicate))
	assert.Equal(t, 1, tr.Count(trace.EventUnexpected))
	assert.Equal(t, 4, c.Accumulator().Merges())
}

func TestCoordinator_EngineFailureIsReturnedUnmodified(t *testing.T) {
	cause := &worker.SimulationError{WorkerID: 2, Err: errors.New("no beam")}
	ft := newFake(endToEnd)
	ft.script = []int{0, 1}
	ft.recvErr = cause
	c := newCoordinator(t, 4, ft)

	require.NoError(t, c.Dispatch(context.Background()))
	err := c.Collect(context.Background(), time.Second, PolicyTolerant)
	assert.Same(t, cause, err)
	assert.Equal(t, StateFailed, c.State())
}

func TestCoordinator_SendFailureFailsDispatch(t *testing.T) {
	sendErr := &transport.TransportError{Op: "send", WorkerID: 2, Err: transport.ErrClosed}
	ft := newFake(endToEnd)
	ft.sendErr = map[int]error{2: sendErr}
	c := newCoordinator(t, 4, ft)

	err := c.Dispatch(context.Background())
	assert.Same(t, sendErr, err)
	assert.Equal(t, StateFailed, c.State())
	assert.ErrorIs(t, c.Collect(context.Background(), time.Second, PolicyStrict), ErrInvalidState)
}

func TestCoordinator_MismatchedGridFailsJob(t *testing.T) {
	grids := map[int][][]float64{0: {{1, 1}, {1, 1}}, 1: {{1, 1, 1}, {1, 1, 1}}}
	ft := newFake(grids)
	ft.script = []int{0, 1}
	c := newCoordinator(t, 1, ft)

	require.NoError(t, c.Dispatch(context.Background()))
	err := c.Collect(context.Background(), time.Second, PolicyTolerant)
	var me *accum.MismatchedGridError
	require.ErrorAs(t, err, &me)
	assert.Equal(t, StateFailed, c.State())
}

func TestCoordinator_StaleDescriptorFailsJob(t *testing.T) {
	ft := newFake(endToEnd)
	ft.script = []int{0, 1}
	ft.tamper = func(r *field.WorkerResult) {
		if r.WorkerID == 1 {
			r.DescriptorHash = "0000"
		}
	}
	c := newCoordinator(t, 4, ft)

	require.NoError(t, c.Dispatch(context.Background()))
	err := c.Collect(context.Background(), time.Second, PolicyTolerant)
	var se *StaleResultError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 1, se.WorkerID)
}

func TestCoordinator_ParentCancellationFails(t *testing.T) {
	ft := newFake(endToEnd)
	ft.script = []int{0}
	c := newCoordinator(t, 4, ft)
	require.NoError(t, c.Dispatch(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	err := c.Collect(ctx, time.Minute, PolicyTolerant)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateFailed, c.State())
}

func TestCoordinator_InvalidTransitions(t *testing.T) {
	c := newCoordinator(t, 1, newFake(nil))

	assert.ErrorIs(t, c.Collect(context.Background(), time.Second, PolicyStrict), ErrInvalidState)
	_, err := c.Result()
	assert.ErrorIs(t, err, ErrInvalidState)

	require.NoError(t, c.Dispatch(context.Background()))
	assert.ErrorIs(t, c.Dispatch(context.Background()), ErrInvalidState)
	assert.Error(t, c.Collect(context.Background(), time.Second, Policy("lenient")))
}

func TestCoordinator_IdealOnlyPartialHasNoComposite(t *testing.T) {
	ft := newFake(endToEnd)
	ft.script = []int{0}
	c := newCoordinator(t, 4, ft)

	require.NoError(t, c.Dispatch(context.Background()))
	require.NoError(t, c.Collect(context.Background(), 20*time.Millisecond, PolicyTolerant))
	res, err := c.Result()
	require.NoError(t, err)
	assert.True(t, res.Composite.IsZero())
	assert.False(t, res.Ideal.IsZero())
	assert.Equal(t, []int{1, 2, 3, 4}, res.Missing)
	assert.Zero(t, res.Weight)
}

type memLog struct{ got []Contribution }

func (m *memLog) RecordContribution(_ context.Context, c Contribution) error {
	m.got = append(m.got, c)
	return nil
}

func TestCoordinator_OffersContributionsAndCustomWeights(t *testing.T) {
	ft := newFake(endToEnd)
	ft.script = []int{0, 1, 2, 3, 4}
	log := &memLog{}
	c, err := New(Config{
		Job:     "pd",
		Workers: 4,
		Tasks:   source(),
		Weight:  func(id int) float64 { return float64(id) },
	}, ft, WithContributionLog(log))
	require.NoError(t, err)

	require.NoError(t, c.Dispatch(context.Background()))
	require.NoError(t, c.Collect(context.Background(), 0, PolicyStrict))
	res, err := c.Result()
	require.NoError(t, err)
	assert.InDelta(t, 10.0, res.Weight, 0)
	// unnormalized: 1*1 + 2*2 + 3*0 + 4*5
	assert.InDelta(t, 25.0, res.Composite.At(0, 0), 0)

	require.Len(t, log.got, 5)
	assert.Equal(t, field.RoleIdeal, log.got[0].Role)
	assert.Zero(t, log.got[0].Weight)
	assert.Equal(t, 10, log.got[1].Particles)
	assert.Equal(t, ft.sent[4].Hash(), log.got[4].DescriptorHash)
}

func TestCoordinator_HierarchicalCompositionMatchesFlat(t *testing.T) {
	run := func(workers int, grids map[int][][]float64) *Coordinator {
		ft := newFake(grids)
		for id := 0; id <= workers; id++ {
			ft.script = append(ft.script, id)
		}
		c := newCoordinator(t, workers, ft)
		require.NoError(t, c.Dispatch(context.Background()))
		require.NoError(t, c.Collect(context.Background(), time.Second, PolicyStrict))
		return c
	}
	left := run(2, map[int][][]float64{0: {{0, 0}, {0, 0}}, 1: {{1, 2}, {3, 4}}, 2: {{2, 2}, {2, 2}}})
	right := run(2, map[int][][]float64{0: {{0, 0}, {0, 0}}, 1: {{0, 1}, {2, 3}}, 2: {{5, 0}, {1, 1}}})

	parent := accum.New()
	for _, child := range []*Coordinator{left, right} {
		s, w, err := child.Accumulator().AsSample(20)
		require.NoError(t, err)
		require.NoError(t, parent.Merge(s, w/2))
	}
	g, err := parent.Finalize(true)
	require.NoError(t, err)
	assert.InDelta(t, 1.25, g.At(1, 0), 1e-15)
	assert.InDelta(t, 2.5, g.At(1, 1), 1e-15)
}

func TestStateMachine_Transitions(t *testing.T) {
	s := StateIdle
	require.NoError(t, transition(&s, StateIdle, StateDispatched))
	require.NoError(t, transition(&s, StateDispatched, StateCollecting))
	require.NoError(t, transition(&s, StateCollecting, StatePartial))
	assert.True(t, IsTerminal(s))

	assert.ErrorIs(t, transition(&s, StatePartial, StateCollecting), ErrInvalidState)
	assert.ErrorIs(t, transition(&s, StateCollecting, StateComplete), ErrInvalidState)
	assert.Equal(t, StatePartial, s)

	s = StateIdle
	assert.ErrorIs(t, transition(&s, StateIdle, StateComplete), ErrInvalidState)
	assert.Equal(t, StateIdle, s)
}

func TestCoordinator_EmitsSpans(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	ft := newFake(partialGrids())
	ft.script = []int{0, 1, 2, 4, 5}
	c := newCoordinator(t, 5, ft, WithTracerProvider(tp))
	require.NoError(t, c.Dispatch(context.Background()))
	err := c.Collect(context.Background(), 20*time.Millisecond, PolicyStrict)
	require.Error(t, err)

	spans := sr.Ended()
	require.Len(t, spans, 2)
	assert.Equal(t, "coord.Dispatch", spans[0].Name())
	assert.Equal(t, codes.Unset, spans[0].Status().Code)
	assert.Equal(t, "coord.Collect", spans[1].Name())
	assert.Equal(t, codes.Error, spans[1].Status().Code)

	var state string
	for _, kv := range spans[1].Attributes() {
		if kv.Key == "fieldweaver.state" {
			state = kv.Value.AsString()
		}
	}
	assert.Equal(t, string(StateFailed), state)
}
