// Package cli is the fieldweaver command line: it turns flags and a job file
// into a coordinator or worker process and maps outcomes to exit codes.
package cli

import (
	"context"
	"io"

	"github.com/spf13/cobra"
)

const (
	CmdRun     = "run"
	CmdWorker  = "worker"
	CmdCollect = "collect"
	CmdStatus  = "status"

	FlagConfig  = "config"
	FlagVerbose = "verbose"
	FlagIndex   = "index"
	FlagJob     = "job"
	FlagCollect = "collect"
)

type app struct {
	stdout io.Writer
	stderr io.Writer

	configPath string
	verbose    bool

	index   int
	jobName string
	collect bool

	// started is set once a command body runs; errors before that are
	// invocation errors.
	started bool
	result  CLIResult
}

// Run executes the command line in args (without argv[0]) and returns the
// semantic exit code alongside any error.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) (CLIResult, error) {
	a := &app{stdout: stdout, stderr: stderr}
	root := a.rootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	switch {
	case err == nil:
		a.result.ExitCode = ExitSuccess
	case !a.started:
		if _, ok := err.(*InvocationError); !ok {
			err = &InvocationError{ExitCode: ExitInvalidInvocation, Err: err}
		}
		a.result.ExitCode = ExitCode(err)
	default:
		a.result.ExitCode = ExitCode(err)
	}
	return a.result, err
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "fieldweaver",
		Short: "Aggregate radiation-field samples from independent simulation workers",
		Long: `fieldweaver dispatches one ideal and N stochastic simulation tasks to an
external engine, collects the resulting field grids in any order, and merges
them into a composite with compensated summation.

  fieldweaver run -c job.yaml                     # whole job in one process
  fieldweaver worker -c job.yaml --index 3        # one worker, writes {job}_3.json
  fieldweaver worker -c job.yaml --index 0 --collect
  fieldweaver collect -c job.yaml                 # merge artifacts already on disk
  fieldweaver status -c job.yaml                  # past runs and contributions`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &InvocationError{ExitCode: ExitInvalidInvocation, Err: err}
	})
	root.PersistentFlags().StringVarP(&a.configPath, FlagConfig, "c", "", "job file (YAML)")
	root.PersistentFlags().BoolVarP(&a.verbose, FlagVerbose, "v", false, "debug logging")
	_ = root.MarkPersistentFlagRequired(FlagConfig)

	runCmd := &cobra.Command{
		Use:   CmdRun,
		Short: "Dispatch, collect and merge a whole job",
		Args:  cobra.NoArgs,
		RunE:  a.runJob,
	}

	workerCmd := &cobra.Command{
		Use:   CmdWorker,
		Short: "Run one task and write its result artifact",
		Args:  cobra.NoArgs,
		RunE:  a.runWorker,
	}
	workerCmd.Flags().IntVar(&a.index, FlagIndex, -1, "worker index (0 is the ideal worker)")
	workerCmd.Flags().StringVar(&a.jobName, FlagJob, "", "job name, overriding the job file")
	workerCmd.Flags().BoolVar(&a.collect, FlagCollect, false, "with --index 0, also collect the job's artifacts")
	_ = workerCmd.MarkFlagRequired(FlagIndex)

	collectCmd := &cobra.Command{
		Use:   CmdCollect,
		Short: "Merge the result artifacts of a job",
		Args:  cobra.NoArgs,
		RunE:  a.runCollect,
	}

	statusCmd := &cobra.Command{
		Use:   CmdStatus,
		Short: "Show recorded runs and ledger contributions",
		Args:  cobra.NoArgs,
		RunE:  a.runStatus,
	}

	root.AddCommand(runCmd, workerCmd, collectCmd, statusCmd)
	return root
}
