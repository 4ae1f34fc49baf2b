// Package sink writes a job's ideal and composite grids to a JSON document.
package sink

import (
	"fmt"

	"fieldweaver/internal/atomicfile"
	"fieldweaver/internal/coord"
	"fieldweaver/internal/field"
)

// Document is the output file layout. Ideal and Composite are null when
// absent.
type Document struct {
	Job         string      `json:"job"`
	State       coord.State `json:"state"`
	TotalWeight float64     `json:"total_weight"`
	Received    []int       `json:"received"`
	Missing     []int       `json:"missing"`
	Ideal       field.Grid  `json:"ideal"`
	Composite   field.Grid  `json:"composite"`
}

func FromResult(res coord.Result) Document {
	doc := Document{
		Job:         res.Job,
		State:       res.State,
		TotalWeight: res.Weight,
		Received:    append([]int{}, res.Received...),
		Missing:     append([]int{}, res.Missing...),
		Ideal:       res.Ideal,
		Composite:   res.Composite,
	}
	return doc
}

// Write stores the result at path atomically.
func Write(path string, res coord.Result) error {
	if err := atomicfile.WriteJSON(path, FromResult(res), 0o644); err != nil {
		return fmt.Errorf("write output %s: %w", path, err)
	}
	return nil
}

// Read loads a document written by Write.
func Read(path string) (Document, error) {
	var doc Document
	if err := atomicfile.ReadJSONStrict(path, &doc); err != nil {
		return Document{}, fmt.Errorf("read output %s: %w", path, err)
	}
	return doc, nil
}
