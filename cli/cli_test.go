package cli_test

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	icl "fieldweaver/internal/cli"
	"fieldweaver/internal/coord"
	"fieldweaver/internal/runlog"
	"fieldweaver/internal/sink"
)

// echoEngine prints a 2x2 grid filled with the worker id.
const echoEngine = `["sh", "-c", "echo \"{\\\"values\\\":[$FIELDWEAVER_WORKER_ID,$FIELDWEAVER_WORKER_ID,$FIELDWEAVER_WORKER_ID,$FIELDWEAVER_WORKER_ID]}\""]`

func writeJob(t *testing.T, dir, extra, command string) string {
	t.Helper()
	body := fmt.Sprintf(`job: flux
quantity: flux
plane: XY
energy_ev: 9000
npoints: [2, 2]
width: [0.01, 0.01]
translation: [0, 0, 20]
workers: 2
particles_per_worker: 10
seed: 7
timeout: 5s
state_dir: %q
%s
engine:
  command: %s
`, dir, extra, command)
	path := filepath.Join(dir, "job.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write job: %v", err)
	}
	return path
}

func run(t *testing.T, args ...string) (icl.CLIResult, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	res, err := icl.Run(context.Background(), args, &stdout, &stderr)
	return res, stdout.String(), err
}

func TestRun_LocalJobWritesComposite(t *testing.T) {
	dir := t.TempDir()
	jobPath := writeJob(t, dir, "", echoEngine)

	res, out, err := run(t, "run", "-c", jobPath)
	if err != nil {
		t.Fatalf("run err: %v", err)
	}
	if res.ExitCode != icl.ExitSuccess {
		t.Fatalf("exit: %d", res.ExitCode)
	}
	if res.State != coord.StateComplete {
		t.Fatalf("state: %s", res.State)
	}
	if res.RunID == "" {
		t.Fatalf("expected run id")
	}
	if !strings.Contains(out, "flux COMPLETE") {
		t.Fatalf("summary line: %q", out)
	}

	doc, err := sink.Read(filepath.Join(dir, "flux.field.json"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if got := doc.Ideal.Values(); len(got) != 4 || got[0] != 0 {
		t.Fatalf("ideal values: %v", got)
	}
	for i, v := range doc.Composite.Values() {
		if v != 1.5 {
			t.Fatalf("composite[%d] = %v, want 1.5", i, v)
		}
	}
	if doc.TotalWeight != 1 {
		t.Fatalf("total weight: %v", doc.TotalWeight)
	}

	store, err := runlog.NewStore(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	r, err := store.LoadRun(res.RunID)
	if err != nil {
		t.Fatalf("load run: %v", err)
	}
	if r.Status != runlog.RunStatusComplete {
		t.Fatalf("run status: %s", r.Status)
	}
	tr, err := store.LoadTrace(res.RunID)
	if err != nil {
		t.Fatalf("load trace: %v", err)
	}
	if len(tr.Events) == 0 {
		t.Fatalf("expected trace events")
	}

	_, status, err := run(t, "status", "-c", jobPath)
	if err != nil {
		t.Fatalf("status err: %v", err)
	}
	if !strings.Contains(status, res.RunID) || !strings.Contains(status, "contributions=3") {
		t.Fatalf("status output: %q", status)
	}
}

func TestRun_EngineFailureIsRecorded(t *testing.T) {
	dir := t.TempDir()
	jobPath := writeJob(t, dir, "", `["sh", "-c", "echo beam lost >&2; exit 3"]`)

	res, _, err := run(t, "run", "-c", jobPath)
	if err == nil {
		t.Fatalf("expected error")
	}
	if res.ExitCode != icl.ExitAggregationFailure {
		t.Fatalf("exit: %d", res.ExitCode)
	}
	if res.State != coord.StateFailed {
		t.Fatalf("state: %s", res.State)
	}

	store, err := runlog.NewStore(dir)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	f, err := store.LoadFailure(res.RunID)
	if err != nil {
		t.Fatalf("load failure: %v", err)
	}
	if f.ErrorCode != "EngineFailed" {
		t.Fatalf("failure code: %s", f.ErrorCode)
	}
	if _, err := os.Stat(filepath.Join(dir, "flux.field.json")); !os.IsNotExist(err) {
		t.Fatalf("no output expected after failure, stat err=%v", err)
	}
}

func TestRun_InvocationAndConfigErrors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("job: flux\nworkers: 0\nmystery: 1\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cases := []struct {
		name string
		args []string
		want int
	}{
		{"unknown flag", []string{"run", "--frobnicate"}, icl.ExitInvalidInvocation},
		{"missing config", []string{"run"}, icl.ExitInvalidInvocation},
		{"unknown command", []string{"explode", "-c", bad}, icl.ExitInvalidInvocation},
		{"collect off ideal", []string{"worker", "-c", bad, "--index", "2", "--collect"}, icl.ExitInvalidInvocation},
		{"bad job file", []string{"run", "-c", bad}, icl.ExitConfigError},
		{"missing job file", []string{"run", "-c", filepath.Join(dir, "nope.yaml")}, icl.ExitConfigError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, _, err := run(t, tc.args...)
			if err == nil {
				t.Fatalf("expected error")
			}
			if res.ExitCode != tc.want {
				t.Fatalf("exit: got %d want %d (err=%v)", res.ExitCode, tc.want, err)
			}
		})
	}
}

func TestWorker_ArtifactFlowWithCollectingIdeal(t *testing.T) {
	dir := t.TempDir()
	artifacts := filepath.Join(dir, "artifacts")
	jobPath := writeJob(t, dir, fmt.Sprintf("transport: artifact\nartifact_dir: %q", artifacts), echoEngine)

	for _, idx := range []string{"2", "1"} {
		res, out, err := run(t, "worker", "-c", jobPath, "--index", idx)
		if err != nil {
			t.Fatalf("worker %s err: %v", idx, err)
		}
		if res.ExitCode != icl.ExitSuccess {
			t.Fatalf("worker %s exit: %d", idx, res.ExitCode)
		}
		if !strings.Contains(out, "flux_"+idx+".json") {
			t.Fatalf("worker %s output: %q", idx, out)
		}
	}

	res, _, err := run(t, "worker", "-c", jobPath, "--index", "0", "--collect")
	if err != nil {
		t.Fatalf("collecting worker err: %v", err)
	}
	if res.State != coord.StateComplete {
		t.Fatalf("state: %s", res.State)
	}
	doc, err := sink.Read(filepath.Join(dir, "flux.field.json"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if len(doc.Received) != 3 || len(doc.Missing) != 0 {
		t.Fatalf("received=%v missing=%v", doc.Received, doc.Missing)
	}
}

func TestCollect_TimeoutFollowsPolicy(t *testing.T) {
	dir := t.TempDir()
	artifacts := filepath.Join(dir, "artifacts")
	jobPath := writeJob(t, dir, fmt.Sprintf("transport: artifact\nartifact_dir: %q", artifacts), echoEngine)

	for _, idx := range []string{"0", "1"} {
		if _, _, err := run(t, "worker", "-c", jobPath, "--index", idx); err != nil {
			t.Fatalf("worker %s err: %v", idx, err)
		}
	}

	t.Setenv("FIELDWEAVER_TIMEOUT", "500ms")
	res, _, err := run(t, "collect", "-c", jobPath)
	if err == nil {
		t.Fatalf("strict collect should fail")
	}
	if res.ExitCode != icl.ExitAggregationFailure || res.State != coord.StateFailed {
		t.Fatalf("strict: exit=%d state=%s", res.ExitCode, res.State)
	}

	t.Setenv("FIELDWEAVER_POLICY", "tolerant")
	res, out, err := run(t, "collect", "-c", jobPath)
	if err != nil {
		t.Fatalf("tolerant collect err: %v", err)
	}
	if res.ExitCode != icl.ExitSuccess || res.State != coord.StatePartial {
		t.Fatalf("tolerant: exit=%d state=%s", res.ExitCode, res.State)
	}
	if !strings.Contains(out, "missing=[2]") {
		t.Fatalf("summary: %q", out)
	}
	doc, err := sink.Read(filepath.Join(dir, "flux.field.json"))
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if doc.TotalWeight != 0.5 {
		t.Fatalf("total weight: %v", doc.TotalWeight)
	}
	// Normalized by the received weight only.
	for i, v := range doc.Composite.Values() {
		if v != 1 {
			t.Fatalf("composite[%d] = %v, want 1", i, v)
		}
	}
}
