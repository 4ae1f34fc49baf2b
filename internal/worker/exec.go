package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strconv"
	"syscall"

	"fieldweaver/internal/field"
)

// stderrTail bounds how much engine stderr is carried in an error.
const stderrTail = 2048

// ExecEngine runs the simulation engine as an external command.
//
// The command receives the TaskDescriptor as JSON on stdin and the same
// facts as FIELDWEAVER_* environment variables. It must print one JSON
// object {"values": [...]} on stdout holding NX*NY row-major values.
//
// Only variables declared in Env, plus the FIELDWEAVER_* set, are visible to
// the command; the host environment is not passed through.
type ExecEngine struct {
	Command    []string
	Env        map[string]string
	WorkingDir string
}

type engineOutput struct {
	Values []float64 `json:"values"`
}

func (e *ExecEngine) Simulate(ctx context.Context, desc field.TaskDescriptor) (field.Grid, error) {
	if e == nil || len(e.Command) == 0 || e.Command[0] == "" {
		return field.Grid{}, errors.New("engine command is empty")
	}
	input, err := json.Marshal(desc)
	if err != nil {
		return field.Grid{}, fmt.Errorf("encode task descriptor: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = e.WorkingDir
	cmd.Env = buildIsolatedEnv(e.Env, desc)
	// Own process group so cancellation takes down anything the engine spawned.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return field.Grid{}, fmt.Errorf("failed to start engine: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-ctx.Done():
		if cmd.Process != nil {
			_ = syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		}
		<-done
		return field.Grid{}, fmt.Errorf("engine cancelled: %w", ctx.Err())
	case err = <-done:
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return field.Grid{}, fmt.Errorf("engine cancelled: %w", ctxErr)
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return field.Grid{}, fmt.Errorf("engine exited with code %d: %s", exitErr.ExitCode(), tail(stderr.Bytes()))
		}
		return field.Grid{}, fmt.Errorf("failed to execute engine: %w", err)
	}

	var out engineOutput
	dec := json.NewDecoder(bytes.NewReader(stdout.Bytes()))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return field.Grid{}, fmt.Errorf("parse engine output: %w", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return field.Grid{}, errors.New("parse engine output: trailing content")
	}
	g, err := field.NewGrid(desc.Shape(), out.Values)
	if err != nil {
		return field.Grid{}, fmt.Errorf("engine output: %w", err)
	}
	return g, nil
}

// buildIsolatedEnv starts from an empty environment, adds the declared
// variables, then the task facts. Task facts win over declared variables of
// the same name. The result is sorted.
func buildIsolatedEnv(declared map[string]string, desc field.TaskDescriptor) []string {
	env := make(map[string]string, len(declared)+8)
	for k, v := range declared {
		env[k] = v
	}
	env["FIELDWEAVER_JOB"] = desc.Job
	env["FIELDWEAVER_WORKER_ID"] = strconv.Itoa(desc.WorkerID)
	env["FIELDWEAVER_ROLE"] = string(desc.Role)
	env["FIELDWEAVER_QUANTITY"] = string(desc.Quantity)
	env["FIELDWEAVER_PARTICLES"] = strconv.Itoa(desc.Particles)
	if desc.Seed != nil {
		env["FIELDWEAVER_SEED"] = strconv.FormatInt(*desc.Seed, 10)
	}

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func tail(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > stderrTail {
		b = b[len(b)-stderrTail:]
	}
	return string(b)
}
