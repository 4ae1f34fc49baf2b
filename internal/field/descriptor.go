package field

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Quantity is the scalar the engine computes at every grid point.
type Quantity string

const (
	QuantityFlux         Quantity = "flux"
	QuantityPowerDensity Quantity = "power_density"
)

// TaskRole distinguishes the noise-free baseline run from the statistical runs.
type TaskRole string

const (
	RoleIdeal      TaskRole = "ideal"
	RoleStochastic TaskRole = "stochastic"
)

// IdealWorkerID is the worker index that computes the ideal baseline.
const IdealWorkerID = 0

// RoleForWorker maps a worker index onto its task role.
func RoleForWorker(id int) TaskRole {
	if id == IdealWorkerID {
		return RoleIdeal
	}
	return RoleStochastic
}

// TaskDescriptor is the complete configuration of one simulation run.
//
// It is passed by value into every worker invocation; nothing in a run reads
// configuration from anywhere else.
type TaskDescriptor struct {
	Job         string     `json:"job"`
	WorkerID    int        `json:"worker_id"`
	Role        TaskRole   `json:"role"`
	Quantity    Quantity   `json:"quantity"`
	Plane       Plane      `json:"plane"`
	EnergyEV    float64    `json:"energy_ev,omitempty"`
	NPoints     [2]int     `json:"npoints"`
	Width       [2]float64 `json:"width"`
	Translation [3]float64 `json:"translation"`
	Particles   int        `json:"particles"`
	Seed        *int64     `json:"seed,omitempty"`
}

// Shape is the grid geometry the engine must produce for d.
func (d TaskDescriptor) Shape() Shape {
	return Shape{
		Plane:       d.Plane,
		NX:          d.NPoints[0],
		NY:          d.NPoints[1],
		Width:       d.Width,
		Translation: d.Translation,
	}
}

// WithWorker returns a copy of d addressed to worker id, with the role that
// index implies. The seed pointer is never shared between copies.
func (d TaskDescriptor) WithWorker(id int) TaskDescriptor {
	out := d
	out.WorkerID = id
	out.Role = RoleForWorker(id)
	if d.Seed != nil {
		s := *d.Seed
		out.Seed = &s
	}
	return out
}

func (d TaskDescriptor) Validate() error {
	var errs []error
	if strings.TrimSpace(d.Job) == "" {
		errs = append(errs, errors.New("job is required"))
	}
	if strings.ContainsAny(d.Job, `/\`) {
		errs = append(errs, fmt.Errorf("job %q must not contain path separators", d.Job))
	}
	if d.WorkerID < 0 {
		errs = append(errs, fmt.Errorf("worker_id must be >= 0 (got %d)", d.WorkerID))
	}
	if d.Role != RoleForWorker(d.WorkerID) {
		errs = append(errs, fmt.Errorf("role %q does not match worker_id %d", d.Role, d.WorkerID))
	}
	switch d.Quantity {
	case QuantityFlux:
		if !(d.EnergyEV > 0) || math.IsInf(d.EnergyEV, 0) {
			errs = append(errs, fmt.Errorf("energy_ev must be > 0 for flux (got %g)", d.EnergyEV))
		}
	case QuantityPowerDensity:
	default:
		errs = append(errs, fmt.Errorf("invalid quantity %q", d.Quantity))
	}
	if err := d.Shape().Validate(); err != nil {
		errs = append(errs, err)
	}
	if d.Particles < 1 {
		errs = append(errs, fmt.Errorf("particles must be >= 1 (got %d)", d.Particles))
	}
	if d.Role == RoleIdeal && d.Particles != 1 {
		errs = append(errs, fmt.Errorf("ideal task runs exactly one particle (got %d)", d.Particles))
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}
