package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"fieldweaver/internal/config"
	"fieldweaver/internal/coord"
	"fieldweaver/internal/field"
	"fieldweaver/internal/ledger"
	"fieldweaver/internal/logging"
	"fieldweaver/internal/runlog"
	"fieldweaver/internal/sink"
	"fieldweaver/internal/trace"
	"fieldweaver/internal/transport"
	"fieldweaver/internal/worker"
)

func (a *app) loadJob() (*config.Job, error) {
	job, err := config.Load(a.configPath)
	if err != nil {
		return nil, configError(err)
	}
	return job, nil
}

func (a *app) runJob(cmd *cobra.Command, _ []string) error {
	a.started = true
	job, err := a.loadJob()
	if err != nil {
		return err
	}
	log := logging.New(a.stderr, a.verbose).With(zap.String("role", RoleCoordinator.String()))
	defer func() { _ = log.Sync() }()

	var tr transport.Transport
	switch job.Transport {
	case config.TransportArtifact:
		art, err := transport.NewArtifact(job.ArtifactDir, job.Name, true, log)
		if err != nil {
			return configError(err)
		}
		tr = art
	default:
		local, err := transport.NewLocal(worker.NewTask(job.ExecEngine(), log), job.Concurrency, log)
		if err != nil {
			return configError(err)
		}
		defer func() { _ = local.Close() }()
		tr = local
	}
	return a.coordinate(cmd.Context(), job, tr, log)
}

func (a *app) runCollect(cmd *cobra.Command, _ []string) error {
	a.started = true
	job, err := a.loadJob()
	if err != nil {
		return err
	}
	if job.ArtifactDir == "" {
		return configError(errors.New("artifact_dir is required to collect artifacts"))
	}
	log := logging.New(a.stderr, a.verbose).With(zap.String("role", RoleCoordinator.String()))
	defer func() { _ = log.Sync() }()

	art, err := transport.NewArtifact(job.ArtifactDir, job.Name, false, log)
	if err != nil {
		return configError(err)
	}
	job.Transport = config.TransportArtifact
	return a.coordinate(cmd.Context(), job, art, log)
}

func (a *app) runWorker(cmd *cobra.Command, _ []string) error {
	role, taskRole, err := RoleForIndex(a.index, a.collect)
	if err != nil {
		return err
	}
	a.started = true
	job, err := a.loadJob()
	if err != nil {
		return err
	}
	if a.jobName != "" {
		job.Name = a.jobName
		if err := job.Validate(); err != nil {
			return configError(err)
		}
	}
	if job.ArtifactDir == "" {
		return configError(errors.New("artifact_dir is required for worker processes"))
	}
	if a.index > job.Workers {
		return invalidInvocationf("--index %d exceeds workers (%d)", a.index, job.Workers)
	}

	log := logging.New(a.stderr, a.verbose).With(
		zap.String("role", role.String()),
		zap.String("task_role", string(taskRole)),
		zap.Int("worker_id", a.index),
	)
	defer func() { _ = log.Sync() }()

	desc, err := workerDescriptor(job, a.index)
	if err != nil {
		return err
	}
	res, err := worker.NewTask(job.ExecEngine(), log).Result(cmd.Context(), desc)
	if err != nil {
		return err
	}
	if err := transport.WriteResult(job.ArtifactDir, job.Name, res); err != nil {
		return err
	}
	path := filepath.Join(job.ArtifactDir, transport.ArtifactName(job.Name, a.index))
	log.Info("artifact written", zap.String("path", path))
	fmt.Fprintln(a.stdout, path)

	if role != RoleCoordinator {
		return nil
	}
	art, err := transport.NewArtifact(job.ArtifactDir, job.Name, false, log)
	if err != nil {
		return configError(err)
	}
	job.Transport = config.TransportArtifact
	return a.coordinate(cmd.Context(), job, art, log)
}

// workerDescriptor prefers a task file published by a coordinator and falls
// back to deriving the descriptor from the job file.
func workerDescriptor(job *config.Job, index int) (field.TaskDescriptor, error) {
	taskPath := filepath.Join(job.ArtifactDir, transport.TaskName(job.Name, index))
	if _, err := os.Stat(taskPath); err == nil {
		return transport.ReadTask(job.ArtifactDir, job.Name, index)
	}
	desc, err := job.Descriptor(index)
	if err != nil {
		return field.TaskDescriptor{}, configError(err)
	}
	return desc, nil
}

// coordinate runs one job to a terminal state, recording the run, its trace
// and its contributions, and writes the output on COMPLETE or PARTIAL.
func (a *app) coordinate(ctx context.Context, job *config.Job, tr transport.Transport, log *zap.Logger) error {
	store, err := runlog.NewStore(job.StateDir)
	if err != nil {
		return configError(err)
	}
	rec := runlog.NewRecorder(store)
	runID := rec.NewRunID()
	a.result.RunID = runID
	log = log.With(zap.String("run_id", runID))

	ideal, err := job.Descriptor(field.IdealWorkerID)
	if err != nil {
		return configError(err)
	}
	if err := rec.StartRun(runlog.Run{
		RunID:     runID,
		Job:       job.Name,
		TaskHash:  string(ideal.Hash()),
		Transport: job.Transport,
		Policy:    string(job.Policy),
		Workers:   job.Workers,
	}); err != nil {
		return fmt.Errorf("start run: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(job.Ledger), 0o755); err != nil {
		return fmt.Errorf("ledger dir: %w", err)
	}
	lg, err := ledger.Open(job.Ledger)
	if err != nil {
		return err
	}
	defer func() { _ = lg.Close() }()

	events := trace.NewRecorder()
	c, err := coord.New(coord.Config{
		Job:       job.Name,
		Workers:   job.Workers,
		Tasks:     job,
		Normalize: job.Normalized(),
	}, tr,
		coord.WithLogger(log),
		coord.WithTraceSink(events),
		coord.WithContributionLog(lg.ForRun(runID)),
	)
	if err != nil {
		return configError(err)
	}

	err = c.Dispatch(ctx)
	if err == nil {
		err = c.Collect(ctx, job.Timeout, job.Policy)
	}
	a.result.State = c.State()
	if terr := store.SaveTrace(runID, events.Trace(job.Name)); terr != nil {
		log.Warn("trace not saved", zap.Error(terr))
	}
	if err != nil {
		if rerr := rec.RecordFailure(runID, err); rerr != nil {
			log.Warn("failure not recorded", zap.Error(rerr))
		}
		return err
	}

	res, err := c.Result()
	if err != nil {
		_ = rec.RecordFailure(runID, err)
		return err
	}
	out := job.OutputPath()
	if err := sink.Write(out, res); err != nil {
		_ = rec.RecordFailure(runID, err)
		return err
	}
	if err := rec.FinishRun(runID, res); err != nil {
		log.Warn("run not finalized", zap.Error(err))
	}
	if res.State == coord.StatePartial {
		log.Warn("job finished partial", zap.Ints("missing", res.Missing), zap.Float64("weight", res.Weight))
	}
	fmt.Fprintf(a.stdout, "%s %s weight=%g received=%d missing=%v output=%s run=%s\n",
		job.Name, res.State, res.Weight, len(res.Received), res.Missing, out, runID)
	return nil
}

func (a *app) runStatus(cmd *cobra.Command, _ []string) error {
	a.started = true
	job, err := a.loadJob()
	if err != nil {
		return err
	}
	store, err := runlog.NewStore(job.StateDir)
	if err != nil {
		return configError(err)
	}
	ids, err := store.ListRunIDs()
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "RUNS")
	for _, id := range ids {
		run, err := store.LoadRun(id)
		if err != nil {
			fmt.Fprintf(a.stdout, "  %s unreadable: %v\n", id, err)
			continue
		}
		if run.Job != job.Name {
			continue
		}
		fmt.Fprintf(a.stdout, "  %s %s %s weight=%g missing=%v\n", run.RunID, run.StartTime.Format("2006-01-02T15:04:05Z"), run.Status, run.Weight, run.Missing)
		if run.Status == runlog.RunStatusFailed {
			if f, err := store.LoadFailure(id); err == nil {
				fmt.Fprintf(a.stdout, "    %s/%s: %s\n", f.FailureClass, f.ErrorCode, f.ErrorMessage)
			}
		}
	}

	if _, err := os.Stat(job.Ledger); err != nil {
		return nil
	}
	lg, err := ledger.Open(job.Ledger)
	if err != nil {
		return err
	}
	defer func() { _ = lg.Close() }()
	sums, err := lg.Summaries(cmd.Context())
	if err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "CONTRIBUTIONS")
	for _, s := range sums {
		if s.Job != job.Name {
			continue
		}
		fmt.Fprintf(a.stdout, "  %s contributions=%d particles=%d weight=%g ideal=%t\n", s.RunID, s.Contributions, s.Particles, s.Weight, s.HasIdeal)
	}
	return nil
}
