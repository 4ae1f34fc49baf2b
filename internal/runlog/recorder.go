package runlog

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldweaver/internal/coord"
)

// Recorder writes the lifecycle of a run into a Store: run.json at start,
// then either the outcome or failure.json.
type Recorder struct {
	Store *Store
	now   func() time.Time
}

func NewRecorder(store *Store) *Recorder {
	return &Recorder{Store: store}
}

// NewRunID returns a random (version 4) UUID.
func (r *Recorder) NewRunID() string {
	return uuid.NewString()
}

func (r *Recorder) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now().UTC()
}

func (r *Recorder) StartRun(run Run) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	if run.StartTime.IsZero() {
		run.StartTime = r.clock()
	}
	run.Status = RunStatusRunning
	run.EndTime = nil
	return r.Store.SaveRun(run)
}

// FinishRun records a COMPLETE or PARTIAL outcome.
func (r *Recorder) FinishRun(runID string, res coord.Result) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	run, err := r.Store.LoadRun(runID)
	if err != nil {
		return fmt.Errorf("load run: %w", err)
	}
	switch res.State {
	case coord.StateComplete:
		run.Status = RunStatusComplete
	case coord.StatePartial:
		run.Status = RunStatusPartial
	default:
		return fmt.Errorf("cannot finish run in state %s", res.State)
	}
	end := r.clock()
	run.EndTime = &end
	run.Weight = res.Weight
	run.Missing = append([]int{}, res.Missing...)
	return r.Store.SaveRun(run)
}

// RecordFailure classifies err, writes failure.json and marks the run failed.
func (r *Recorder) RecordFailure(runID string, err error) error {
	if r == nil || r.Store == nil {
		return errors.New("Store is required")
	}
	f, ferr := failureFromError(err)
	if ferr != nil {
		return ferr
	}
	if err := r.Store.SaveFailure(runID, f); err != nil {
		return err
	}
	run, lerr := r.Store.LoadRun(runID)
	if lerr != nil {
		return fmt.Errorf("load run: %w", lerr)
	}
	end := r.clock()
	run.EndTime = &end
	run.Status = RunStatusFailed
	if f.Missing != nil {
		run.Missing = append([]int{}, f.Missing...)
	}
	return r.Store.SaveRun(run)
}
