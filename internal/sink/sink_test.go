package sink

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldweaver/internal/coord"
	"fieldweaver/internal/field"
)

func TestWriteRead_PartialWithoutIdeal(t *testing.T) {
	shape := field.Shape{Plane: field.PlaneXY, NX: 2, NY: 1, Width: [2]float64{1, 0}}
	composite, err := field.NewGrid(shape, []float64{0.5, 1.5})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "pd.field.json")
	require.NoError(t, Write(path, coord.Result{
		Job:       "pd",
		State:     coord.StatePartial,
		Composite: composite,
		Weight:    0.8,
		Received:  []int{1, 2},
		Missing:   []int{3},
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"ideal": null`)
	assert.Contains(t, string(raw), `"state": "PARTIAL"`)

	doc, err := Read(path)
	require.NoError(t, err)
	assert.Equal(t, "pd", doc.Job)
	assert.True(t, doc.Ideal.IsZero())
	assert.Equal(t, []float64{0.5, 1.5}, doc.Composite.Values())
	assert.Equal(t, []int{3}, doc.Missing)
	assert.InDelta(t, 0.8, doc.TotalWeight, 0)
}

func TestFromResult_NeverNullSlices(t *testing.T) {
	doc := FromResult(coord.Result{Job: "pd", State: coord.StateComplete})
	assert.NotNil(t, doc.Received)
	assert.NotNil(t, doc.Missing)
}
