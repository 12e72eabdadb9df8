package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/conductor/internal/jobexec"
	"github.com/roach88/conductor/internal/model"
	"github.com/roach88/conductor/internal/uow"
)

// HandlerLog is the built-in handler type that logs its payload.
const HandlerLog = "log"

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Node        string
	MetricsAddr string

	// Handlers registers handler types next to the built-in ones. Embedding
	// programs and tests set it before executing the command.
	Handlers map[string]jobexec.Handler
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return newRunCommand(&RunOptions{RootOptions: rootOpts})
}

func newRunCommand(opts *RunOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Acquire and execute jobs until interrupted",
		Long: `Start the job acquisition scheduler and the worker pool.

The scheduler locks due jobs in batches of acquisition.max_jobs and hands
them to workers.count workers. Failed jobs are retried according to their
retry specification; a job that runs out of retries raises an incident.

Example:
  conductor run
  conductor run --node worker-1 --metrics-addr :9090`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScheduler(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Node, "node", "", "lock owner id of this node (default host name plus random suffix)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "listen address of the /metrics endpoint")

	return cmd
}

func runScheduler(opts *RunOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	rt, err := openRuntime(cmd, opts.RootOptions, map[string]string{
		"node.id":      "node",
		"metrics.addr": "metrics-addr",
	})
	if err != nil {
		return f.Fail("run", err)
	}
	defer func() {
		if closeErr := rt.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	cfg := rt.cfg

	handlers := jobexec.NewHandlers()
	handlers.Register(HandlerLog, jobexec.HandlerFunc(func(_ context.Context, _ *uow.UnitOfWork, job *model.Job) error {
		slog.Info("job", "id", job.ID, "payload", job.Payload)
		return nil
	}))
	for name, h := range opts.Handlers {
		handlers.Register(name, h)
	}

	worker := jobexec.NewWorker(rt.exec, handlers, cfg.RetryPolicy(), cfg.Node.ID)
	worker.SetRecorder(rt.collector)
	pool := jobexec.NewPool(worker, cfg.Workers.Count, cfg.Workers.QueueSize)
	acquirer := jobexec.NewAcquirer(rt.exec, cfg.Node.ID, cfg.Acquisition.MaxJobs, cfg.Acquisition.LockDuration)
	scheduler := jobexec.NewScheduler(acquirer, pool, rt.management(), cfg.SchedulerOptions())
	scheduler.SetRecorder(rt.collector)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("node starting", "node", cfg.Node.ID, "workers", cfg.Workers.Count, "handlers", handlers.Types())
	fmt.Fprintf(cmd.OutOrStdout(), "Node %s started. Press Ctrl-C to stop.\n", cfg.Node.ID)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return scheduler.Run(ctx)
	})
	if cfg.Metrics.Addr != "" {
		g.Go(func() error {
			return rt.collector.Serve(ctx, cfg.Metrics.Addr)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "scheduler error", err)
	}

	slog.Info("node stopped gracefully")
	return nil
}
