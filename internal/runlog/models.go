package runlog

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusPartial  RunStatus = "partial"
	RunStatusFailed   RunStatus = "failed"
)

// Run is the persistent metadata of one aggregation job attempt.
type Run struct {
	RunID     string     `json:"run_id"`
	Job       string     `json:"job"`
	TaskHash  string     `json:"task_hash"`
	Transport string     `json:"transport"`
	Policy    string     `json:"policy"`
	Workers   int        `json:"workers"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time"`
	Status    RunStatus  `json:"status"`
	Weight    float64    `json:"weight"`
	Missing   []int      `json:"missing"`
}

func (r Run) Validate() error {
	var errs []error
	if strings.TrimSpace(r.RunID) == "" {
		errs = append(errs, errors.New("run_id is required"))
	}
	if strings.TrimSpace(r.Job) == "" {
		errs = append(errs, errors.New("job is required"))
	}
	if r.StartTime.IsZero() {
		errs = append(errs, errors.New("start_time is required"))
	}
	if r.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1 (got %d)", r.Workers))
	}
	switch r.Status {
	case RunStatusRunning, RunStatusComplete, RunStatusPartial, RunStatusFailed:
	default:
		errs = append(errs, fmt.Errorf("invalid status %q", r.Status))
	}
	if r.Status != RunStatusRunning && r.EndTime == nil {
		errs = append(errs, fmt.Errorf("end_time is required for status %q", r.Status))
	}
	if r.Missing == nil {
		errs = append(errs, errors.New("missing must be an array (not null)"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

type FailureClass string

const (
	FailureClassSimulation FailureClass = "simulation"
	FailureClassGrid       FailureClass = "grid"
	FailureClassTransport  FailureClass = "transport"
	FailureClassIncomplete FailureClass = "incomplete"
	FailureClassSystem     FailureClass = "system"
)

// Failure is the recorded termination reason of a failed run.
//
// Retryable means rerunning the same job can plausibly succeed; a grid
// mismatch or stale artifact cannot.
type Failure struct {
	FailureClass FailureClass `json:"failure_class"`
	WorkerID     *int         `json:"worker_id,omitempty"`
	ErrorCode    string       `json:"error_code"`
	ErrorMessage string       `json:"error_message"`
	Missing      []int        `json:"missing,omitempty"`
	Retryable    bool         `json:"retryable"`
}

func (f Failure) Validate() error {
	var errs []error
	switch f.FailureClass {
	case FailureClassSimulation, FailureClassGrid, FailureClassTransport, FailureClassIncomplete, FailureClassSystem:
	default:
		errs = append(errs, fmt.Errorf("invalid failure_class %q", f.FailureClass))
	}
	if f.WorkerID != nil && *f.WorkerID < 0 {
		errs = append(errs, errors.New("worker_id must be >= 0 when provided"))
	}
	if strings.TrimSpace(f.ErrorCode) == "" {
		errs = append(errs, errors.New("error_code is required"))
	}
	if strings.TrimSpace(f.ErrorMessage) == "" {
		errs = append(errs, errors.New("error_message is required"))
	}
	if f.FailureClass == FailureClassIncomplete && len(f.Missing) == 0 {
		errs = append(errs, errors.New("missing is required for incomplete failures"))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
