package field

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Plane names the two spatial axes a grid spans.
type Plane string

const (
	PlaneXY Plane = "XY"
	PlaneXZ Plane = "XZ"
	PlaneYZ Plane = "YZ"
)

// ParsePlane accepts the canonical upper-case names.
func ParsePlane(raw string) (Plane, error) {
	switch p := Plane(raw); p {
	case PlaneXY, PlaneXZ, PlaneYZ:
		return p, nil
	default:
		return "", fmt.Errorf("invalid plane %q (expected XY|XZ|YZ)", raw)
	}
}

// axes returns the indices into a 3-vector of the plane's first axis, second
// axis and normal axis.
func (p Plane) axes() (a, b, n int, ok bool) {
	switch p {
	case PlaneXY:
		return 0, 1, 2, true
	case PlaneXZ:
		return 0, 2, 1, true
	case PlaneYZ:
		return 1, 2, 0, true
	default:
		return 0, 0, 0, false
	}
}

// Shape is the geometry of a Grid: NX points along the plane's first axis,
// NY along the second, over a Width rectangle centered on Translation.
type Shape struct {
	Plane       Plane      `json:"plane"`
	NX          int        `json:"nx"`
	NY          int        `json:"ny"`
	Width       [2]float64 `json:"width"`
	Translation [3]float64 `json:"translation"`
}

// Len is the number of grid points.
func (s Shape) Len() int { return s.NX * s.NY }

// Compatible reports whether two shapes may be merged point by point.
func (s Shape) Compatible(o Shape) bool {
	return s.NX == o.NX && s.NY == o.NY && s.Plane == o.Plane && s.Translation == o.Translation
}

func (s Shape) String() string {
	return fmt.Sprintf("%s %dx%d @(%g,%g,%g)", s.Plane, s.NX, s.NY,
		s.Translation[0], s.Translation[1], s.Translation[2])
}

func (s Shape) Validate() error {
	var errs []error
	if _, _, _, ok := s.Plane.axes(); !ok {
		errs = append(errs, fmt.Errorf("invalid plane %q", s.Plane))
	}
	if s.NX < 1 || s.NY < 1 {
		errs = append(errs, fmt.Errorf("point counts must be >= 1 (got %dx%d)", s.NX, s.NY))
	}
	for i, w := range s.Width {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			errs = append(errs, fmt.Errorf("width[%d] must be finite and >= 0 (got %g)", i, w))
		}
	}
	for i, t := range s.Translation {
		if math.IsNaN(t) || math.IsInf(t, 0) {
			errs = append(errs, fmt.Errorf("translation[%d] must be finite", i))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Point is a position in the lab frame.
type Point struct {
	X, Y, Z float64
}

// Grid is an immutable 2D array of field values over a Shape.
//
// Values are stored row-major: the value at (i, j) lives at j*NX+i, with i
// running along the plane's first axis.
type Grid struct {
	shape  Shape
	values []float64
}

// NewGrid validates shape and copies values into a new Grid.
func NewGrid(shape Shape, values []float64) (Grid, error) {
	if err := shape.Validate(); err != nil {
		return Grid{}, fmt.Errorf("invalid grid shape: %w", err)
	}
	if len(values) != shape.Len() {
		return Grid{}, fmt.Errorf("grid has %d values, shape %s needs %d", len(values), shape, shape.Len())
	}
	cp := make([]float64, len(values))
	copy(cp, values)
	return Grid{shape: shape, values: cp}, nil
}

// FromRows builds a Grid from rows of equal length; NY is the row count and
// NX the row length, overriding whatever base carries.
func FromRows(base Shape, rows [][]float64) (Grid, error) {
	if len(rows) == 0 {
		return Grid{}, errors.New("no rows")
	}
	nx := len(rows[0])
	values := make([]float64, 0, nx*len(rows))
	for j, row := range rows {
		if len(row) != nx {
			return Grid{}, fmt.Errorf("row %d has %d values, want %d", j, len(row), nx)
		}
		values = append(values, row...)
	}
	base.NX = nx
	base.NY = len(rows)
	return NewGrid(base, values)
}

func (g Grid) Shape() Shape { return g.shape }

func (g Grid) Len() int { return len(g.values) }

// IsZero reports whether g is the zero Grid (never constructed).
func (g Grid) IsZero() bool { return g.values == nil }

func (g Grid) Compatible(o Grid) bool { return g.shape.Compatible(o.shape) }

// At returns the value at (i, j). It panics when out of range, like a slice.
func (g Grid) At(i, j int) float64 {
	if i < 0 || i >= g.shape.NX || j < 0 || j >= g.shape.NY {
		panic(fmt.Sprintf("field: grid index (%d,%d) out of range %dx%d", i, j, g.shape.NX, g.shape.NY))
	}
	return g.values[j*g.shape.NX+i]
}

// Values returns a copy of the row-major values.
func (g Grid) Values() []float64 {
	cp := make([]float64, len(g.values))
	copy(cp, g.values)
	return cp
}

// Rows returns a copy of the values as NY rows of NX.
func (g Grid) Rows() [][]float64 {
	rows := make([][]float64, g.shape.NY)
	for j := range rows {
		row := make([]float64, g.shape.NX)
		copy(row, g.values[j*g.shape.NX:(j+1)*g.shape.NX])
		rows[j] = row
	}
	return rows
}

// Position returns the lab-frame position of point (i, j).
func (g Grid) Position(i, j int) Point {
	p := g.shape.Translation
	a, b, _, ok := g.shape.Plane.axes()
	if !ok {
		return Point{X: p[0], Y: p[1], Z: p[2]}
	}
	p[a] += offset(i, g.shape.NX, g.shape.Width[0])
	p[b] += offset(j, g.shape.NY, g.shape.Width[1])
	return Point{X: p[0], Y: p[1], Z: p[2]}
}

func offset(k, n int, width float64) float64 {
	if n <= 1 {
		return 0
	}
	return -width/2 + float64(k)*width/float64(n-1)
}

// Stats summarizes a grid's values.
type Stats struct {
	Min float64
	Max float64
	Sum float64
}

func (g Grid) Stats() Stats {
	if len(g.values) == 0 {
		return Stats{}
	}
	return Stats{
		Min: floats.Min(g.values),
		Max: floats.Max(g.values),
		Sum: floats.Sum(g.values),
	}
}

type gridJSON struct {
	Shape  Shape     `json:"shape"`
	Values []float64 `json:"values"`
}

func (g Grid) MarshalJSON() ([]byte, error) {
	if g.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(gridJSON{Shape: g.shape, Values: g.values})
}

func (g *Grid) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*g = Grid{}
		return nil
	}
	var raw gridJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := NewGrid(raw.Shape, raw.Values)
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}
