package accum

import (
	"errors"
	"fmt"

	"fieldweaver/internal/field"
)

var (
	ErrEmpty           = errors.New("accumulator has no established shape")
	ErrZeroWeight      = errors.New("cannot normalize: total weight is zero")
	ErrNegativeWeight  = errors.New("weight must be finite and >= 0")
	ErrIdealAlreadySet = errors.New("ideal baseline already set")
	ErrEmptyGrid       = errors.New("grid is empty")
)

// MismatchedGridError reports a grid whose shape is incompatible with the
// accumulator's established shape. The accumulator is left untouched.
type MismatchedGridError struct {
	Op   string
	Want field.Shape
	Got  field.Shape
}

func (e *MismatchedGridError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: mismatched grid: want %s, got %s", e.Op, e.Want, e.Got)
}
