package coord

import (
	"fmt"
	"strconv"
	"strings"

	"fieldweaver/internal/field"
)

// IncompleteAggregationError is a strict-policy timeout. Missing is sorted.
type IncompleteAggregationError struct {
	Job     string
	Missing []int
	Weight  float64
}

func (e *IncompleteAggregationError) Error() string {
	if e == nil {
		return ""
	}
	ids := make([]string, len(e.Missing))
	for i, id := range e.Missing {
		ids[i] = strconv.Itoa(id)
	}
	return fmt.Sprintf("aggregation of %q incomplete: missing workers [%s], achieved weight %g",
		e.Job, strings.Join(ids, " "), e.Weight)
}

// StaleResultError is a result produced from a different descriptor than the
// one dispatched, typically an artifact left over from an earlier run.
type StaleResultError struct {
	WorkerID int
	Want     field.DescriptorHash
	Got      field.DescriptorHash
}

func (e *StaleResultError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("stale result from worker %d: descriptor %s, dispatched %s", e.WorkerID, short(e.Got), short(e.Want))
}

func short(h field.DescriptorHash) string {
	s := string(h)
	if s == "" {
		return "<none>"
	}
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
