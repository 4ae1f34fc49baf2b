// Package config loads a job file and derives the per-worker task
// descriptors from it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"fieldweaver/internal/coord"
	"fieldweaver/internal/field"
	"fieldweaver/internal/worker"
)

const (
	TransportLocal    = "local"
	TransportArtifact = "artifact"

	DefaultLedgerFile = "fieldweaver.db"
)

// Engine is how the external simulation engine is invoked.
type Engine struct {
	Command    []string          `yaml:"command"`
	Env        map[string]string `yaml:"env"`
	WorkingDir string            `yaml:"working_dir"`
}

// Job is one aggregation job as written in a YAML job file.
type Job struct {
	Name        string         `yaml:"job"`
	Quantity    field.Quantity `yaml:"quantity"`
	Plane       field.Plane    `yaml:"plane"`
	EnergyEV    float64        `yaml:"energy_ev"`
	NPoints     [2]int         `yaml:"npoints"`
	Width       [2]float64     `yaml:"width"`
	Translation [3]float64     `yaml:"translation"`

	Workers            int    `yaml:"workers"`
	ParticlesPerWorker int    `yaml:"particles_per_worker"`
	Seed               *int64 `yaml:"seed"`
	Normalize          *bool  `yaml:"normalize"`

	Timeout     time.Duration `yaml:"timeout"`
	Policy      coord.Policy  `yaml:"policy"`
	Transport   string        `yaml:"transport"`
	Concurrency int           `yaml:"concurrency"`
	ArtifactDir string        `yaml:"artifact_dir"`
	StateDir    string        `yaml:"state_dir"`
	Ledger      string        `yaml:"ledger"`
	Output      string        `yaml:"output"`

	Engine Engine `yaml:"engine"`
}

// overrides are the environment variables that take precedence over the
// job file. Unset variables leave the file's value alone.
type overrides struct {
	Job         string        `env:"FIELDWEAVER_JOB"`
	Workers     int           `env:"FIELDWEAVER_WORKERS"`
	Timeout     time.Duration `env:"FIELDWEAVER_TIMEOUT"`
	Policy      string        `env:"FIELDWEAVER_POLICY"`
	ArtifactDir string        `env:"FIELDWEAVER_ARTIFACT_DIR"`
	Concurrency int           `env:"FIELDWEAVER_CONCURRENCY"`
}

// Load reads the job file at path, applies defaults and environment
// overrides, and validates the result.
func Load(path string) (*Job, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job file %s: %w", path, err)
	}
	job, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("job file %s: %w", path, err)
	}
	return job, nil
}

// Parse is Load without the file read. Unknown keys are errors.
func Parse(data []byte) (*Job, error) {
	var job Job
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&job); err != nil {
		return nil, fmt.Errorf("failed to parse job: %w", err)
	}
	job.applyDefaults()
	if err := job.applyEnv(); err != nil {
		return nil, err
	}
	if err := job.Validate(); err != nil {
		return nil, err
	}
	return &job, nil
}

func (j *Job) applyDefaults() {
	if j.Policy == "" {
		j.Policy = coord.PolicyStrict
	}
	if j.Transport == "" {
		j.Transport = TransportLocal
	}
	if j.Concurrency == 0 {
		j.Concurrency = runtime.NumCPU()
	}
	if j.StateDir == "" {
		j.StateDir = "."
	}
	if j.Ledger == "" {
		j.Ledger = filepath.Join(j.StateDir, DefaultLedgerFile)
	}
	if j.Normalize == nil {
		t := true
		j.Normalize = &t
	}
}

func (j *Job) applyEnv() error {
	var o overrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if o.Job != "" {
		j.Name = o.Job
	}
	if o.Workers != 0 {
		j.Workers = o.Workers
	}
	if o.Timeout != 0 {
		j.Timeout = o.Timeout
	}
	if o.Policy != "" {
		j.Policy = coord.Policy(o.Policy)
	}
	if o.ArtifactDir != "" {
		j.ArtifactDir = o.ArtifactDir
	}
	if o.Concurrency != 0 {
		j.Concurrency = o.Concurrency
	}
	return nil
}

func (j *Job) Validate() error {
	if j == nil {
		return errors.New("job is nil")
	}
	var errs []error
	if err := j.template().Validate(); err != nil {
		errs = append(errs, err)
	}
	if j.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1 (got %d)", j.Workers))
	}
	if j.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must be >= 0 (got %s)", j.Timeout))
	}
	if _, err := coord.ParsePolicy(string(j.Policy)); err != nil {
		errs = append(errs, err)
	}
	switch j.Transport {
	case TransportLocal:
	case TransportArtifact:
		if strings.TrimSpace(j.ArtifactDir) == "" {
			errs = append(errs, errors.New("artifact_dir is required for the artifact transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid transport %q (want %q or %q)", j.Transport, TransportLocal, TransportArtifact))
	}
	if j.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 1 (got %d)", j.Concurrency))
	}
	if len(j.Engine.Command) == 0 || strings.TrimSpace(j.Engine.Command[0]) == "" {
		errs = append(errs, errors.New("engine.command is required"))
	}
	return errors.Join(errs...)
}

// template is the stochastic descriptor shared by every worker before it is
// addressed to one.
func (j *Job) template() field.TaskDescriptor {
	return field.TaskDescriptor{
		Job:         j.Name,
		WorkerID:    1,
		Role:        field.RoleStochastic,
		Quantity:    j.Quantity,
		Plane:       j.Plane,
		EnergyEV:    j.EnergyEV,
		NPoints:     j.NPoints,
		Width:       j.Width,
		Translation: j.Translation,
		Particles:   j.ParticlesPerWorker,
	}
}

// Descriptor derives the immutable task for worker id. Worker 0 computes the
// ideal baseline with a single particle; workers 1..Workers each run
// ParticlesPerWorker particles. With a base seed, worker id gets seed+id.
func (j *Job) Descriptor(id int) (field.TaskDescriptor, error) {
	if id < field.IdealWorkerID || id > j.Workers {
		return field.TaskDescriptor{}, fmt.Errorf("worker id %d out of range [0, %d]", id, j.Workers)
	}
	d := j.template().WithWorker(id)
	if d.Role == field.RoleIdeal {
		d.Particles = 1
	}
	if j.Seed != nil {
		s := *j.Seed + int64(id)
		d.Seed = &s
	}
	if err := d.Validate(); err != nil {
		return field.TaskDescriptor{}, err
	}
	return d, nil
}

// Normalized reports whether the composite is divided by the total weight.
func (j *Job) Normalized() bool {
	return j.Normalize == nil || *j.Normalize
}

// ExecEngine builds the engine binding described by the job file.
func (j *Job) ExecEngine() *worker.ExecEngine {
	return &worker.ExecEngine{
		Command:    append([]string(nil), j.Engine.Command...),
		Env:        j.Engine.Env,
		WorkingDir: j.Engine.WorkingDir,
	}
}

// OutputPath is where the sink writes; "{job}.field.json" in StateDir unless set.
func (j *Job) OutputPath() string {
	if j.Output != "" {
		return j.Output
	}
	return filepath.Join(j.StateDir, j.Name+".field.json")
}
