package accum

import (
	"fmt"
	"math"

	"fieldweaver/internal/field"
)

// Accumulator holds the running compensated weighted sum of merged grids and,
// separately, the ideal baseline.
//
// State only grows: there is no way to retract a merge. The first of SetIdeal
// or Merge fixes the shape every later grid must be compatible with.
type Accumulator struct {
	shape    field.Shape
	hasShape bool

	sum  []float64
	comp []float64

	weight     float64
	weightComp float64
	merges     int

	ideal field.Grid
}

// New returns an empty Accumulator.
func New() *Accumulator {
	return &Accumulator{}
}

// SetIdeal stores the noise-free baseline. It never contributes to the
// weighted sum.
func (a *Accumulator) SetIdeal(g field.Grid) error {
	if g.IsZero() {
		return fmt.Errorf("set ideal: %w", ErrEmptyGrid)
	}
	if !a.ideal.IsZero() {
		return ErrIdealAlreadySet
	}
	if a.hasShape && !a.shape.Compatible(g.Shape()) {
		return &MismatchedGridError{Op: "set ideal", Want: a.shape, Got: g.Shape()}
	}
	a.establish(g.Shape())
	a.ideal = g
	return nil
}

// Merge adds weight*sample.Grid into the running sum.
//
// All validation happens before the first write, so a failed Merge leaves
// the accumulator exactly as it was.
func (a *Accumulator) Merge(s field.Sample, weight float64) error {
	g := s.Grid
	if g.IsZero() {
		return fmt.Errorf("merge: %w", ErrEmptyGrid)
	}
	if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
		return fmt.Errorf("merge: %w (got %g)", ErrNegativeWeight, weight)
	}
	if a.hasShape && !a.shape.Compatible(g.Shape()) {
		return &MismatchedGridError{Op: "merge", Want: a.shape, Got: g.Shape()}
	}

	a.establish(g.Shape())
	for k, v := range g.Values() {
		// The conversion forces the product to round on its own, so it is never
		// fused into the addition below.
		a.sum[k], a.comp[k] = neumaierAdd(a.sum[k], a.comp[k], float64(weight*v))
	}
	a.weight, a.weightComp = neumaierAdd(a.weight, a.weightComp, weight)
	a.merges++
	return nil
}

// Finalize returns the compensated per-point sum, divided by the total
// weight when normalize is true. It does not modify the accumulator and the
// returned Grid shares no memory with it.
func (a *Accumulator) Finalize(normalize bool) (field.Grid, error) {
	if !a.hasShape {
		return field.Grid{}, ErrEmpty
	}
	total := a.Weight()
	if normalize && total == 0 {
		return field.Grid{}, ErrZeroWeight
	}
	out := make([]float64, len(a.sum))
	for k := range a.sum {
		v := a.sum[k] + a.comp[k]
		if normalize {
			v /= total
		}
		out[k] = v
	}
	return field.NewGrid(a.shape, out)
}

// AsSample packages the normalized composite and its total weight so that it
// can be merged into a parent Accumulator as a single contribution.
func (a *Accumulator) AsSample(particles int) (field.Sample, float64, error) {
	g, err := a.Finalize(true)
	if err != nil {
		return field.Sample{}, 0, err
	}
	return field.Sample{Grid: g, Particles: particles}, a.Weight(), nil
}

// Weight is the compensated total of all merged weights.
func (a *Accumulator) Weight() float64 { return a.weight + a.weightComp }

// Merges is the number of successful Merge calls.
func (a *Accumulator) Merges() int { return a.merges }

// Ideal returns the baseline and whether one has been set.
func (a *Accumulator) Ideal() (field.Grid, bool) { return a.ideal, !a.ideal.IsZero() }

// Shape returns the established shape, if any.
func (a *Accumulator) Shape() (field.Shape, bool) { return a.shape, a.hasShape }

func (a *Accumulator) establish(s field.Shape) {
	if a.hasShape {
		return
	}
	a.shape = s
	a.hasShape = true
	a.sum = make([]float64, s.Len())
	a.comp = make([]float64, s.Len())
}

// neumaierAdd adds x to the running (sum, comp) pair, capturing the rounding
// residual of the addition in comp. The compensated value is sum+comp.
func neumaierAdd(sum, comp, x float64) (float64, float64) {
	t := sum + x
	if math.Abs(sum) >= math.Abs(x) {
		comp += (sum - t) + x
	} else {
		comp += (x - t) + sum
	}
	return t, comp
}
