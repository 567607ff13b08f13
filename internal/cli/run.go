package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/shard-recovery/internal/checkpoint"
	"github.com/ChuLiYu/shard-recovery/internal/config"
	"github.com/ChuLiYu/shard-recovery/internal/jobmanager"
	"github.com/ChuLiYu/shard-recovery/internal/metrics"
	"github.com/ChuLiYu/shard-recovery/internal/server"
	"github.com/ChuLiYu/shard-recovery/internal/snapshot"
	"github.com/ChuLiYu/shard-recovery/internal/supervisor"
	"github.com/ChuLiYu/shard-recovery/internal/worker"
	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

// ============================================================================
// Shared coordinator stack
// ============================================================================

// stack is everything run and serve host in one process.
type stack struct {
	cfg       *config.Config
	log       *slog.Logger
	registry  *prometheus.Registry
	collector *metrics.Collector
	manager   *jobmanager.Manager
	server    *server.Server
}

// newStack opens the checkpoint backend, builds the job manager and the
// server, and binds the listeners. Units spawned as processes dial the bound
// heartbeat address.
func newStack(ctx context.Context, cfg *config.Config, inProcess bool) (*stack, error) {
	log := slog.Default()
	backend, err := cfg.Storage.Open(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint storage: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.NewCollector(registry)

	st := &stack{cfg: cfg, log: log, registry: registry, collector: collector}
	factory := st.processFactory
	if inProcess {
		factory = func(spec types.JobSpec) (supervisor.Supervisor, error) {
			return st.inProcessSupervisor(spec, backend), nil
		}
	}

	st.manager, err = jobmanager.New(jobmanager.Config{
		Backend:          backend,
		Retention:        cfg.Storage.Retention,
		NewSupervisor:    factory,
		Defaults:         cfg.Job,
		JournalDir:       cfg.Journal.Dir,
		SyncJournal:      cfg.Journal.Sync,
		Snapshots:        snapshot.NewManager(cfg.Coordinator.RegistryPath),
		TickInterval:     cfg.Coordinator.TickInterval,
		TerminateTimeout: cfg.Coordinator.TerminateTimeout,
		SpawnTimeout:     cfg.Coordinator.SpawnTimeout,
		Metrics:          collector,
		Logger:           log,
	})
	if err != nil {
		return nil, err
	}

	st.server, err = server.New(server.Config{
		HTTPAddr: cfg.API.Addr,
		GRPCAddr: cfg.Coordinator.ListenAddr,
		Jobs:     st.manager,
		Logger:   log,
	})
	if err != nil {
		return nil, err
	}
	if err := st.server.Start(); err != nil {
		return nil, err
	}

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Metrics.Addr, registry); err != nil {
				log.Error("metrics server failed", "addr", cfg.Metrics.Addr, "error", err)
			}
		}()
	}
	return st, nil
}

// processFactory re-executes this binary as `trainctl worker` per unit.
func (st *stack) processFactory(spec types.JobSpec) (supervisor.Supervisor, error) {
	sup, err := supervisor.NewProcessSupervisor(supervisor.ProcessConfig{
		Command:     st.cfg.Worker.Command,
		Args:        workerArgs(configFile, spec, st.server.GRPCAddr()),
		KillTimeout: st.cfg.Worker.KillTimeout,
		Stdout:      os.Stderr,
		Stderr:      os.Stderr,
		Logger:      st.log,
	})
	if err != nil {
		return nil, err
	}
	return sup, nil
}

// inProcessSupervisor runs units as goroutines that report straight into
// the manager. Their commits feed the checkpoint metrics of this process;
// process units commit in their own address space and are not counted.
func (st *stack) inProcessSupervisor(spec types.JobSpec, backend checkpoint.Backend) supervisor.Supervisor {
	run := worker.UnitFunc(worker.Config{
		ShardCount:         spec.ShardCount,
		CheckpointInterval: spec.CheckpointInterval,
		HeartbeatInterval:  st.cfg.Worker.HeartbeatInterval,
		StepDelay:          st.cfg.Worker.StepDelay,
		FenceAfter:         spec.HeartbeatTimeout,
		Source:             worker.FileSource{Dir: st.cfg.Worker.DataDir},
		Checkpoints: checkpoint.NewStore(backend, checkpoint.Config{
			JobID:     spec.ID,
			Retention: st.cfg.Storage.Retention,
			Logger:    st.log,
			Observer:  st.collector,
		}),
		Heartbeats: worker.SenderFunc(func(_ context.Context, rec types.HeartbeatRecord) error {
			return st.manager.Record(rec.JobID, rec.Rank, rec)
		}),
		Logger: st.log,
	})
	return supervisor.NewInProcessSupervisor(run, st.cfg.Worker.KillTimeout)
}

// workerArgs is the command line of one `trainctl worker` process. Identity
// and the resume hint travel in the environment.
func workerArgs(cfgPath string, spec types.JobSpec, heartbeatAddr string) []string {
	args := []string{"worker",
		"--coordinator", heartbeatAddr,
		"--shard-count", strconv.Itoa(spec.ShardCount),
		"--checkpoint-interval", strconv.Itoa(spec.CheckpointInterval),
		"--fence-after", spec.HeartbeatTimeout.String(),
	}
	if cfgPath != "" {
		args = append(args, "--config", cfgPath)
	}
	return args
}

// close shuts the listeners and terminates units. Running jobs stay
// resumable.
func (st *stack) close() error {
	ctx, cancel := context.WithTimeout(context.Background(), st.cfg.Coordinator.TerminateTimeout+5*time.Second)
	defer cancel()
	return errors.Join(st.manager.Close(ctx), st.server.Shutdown(ctx))
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	var (
		spec      types.JobSpec
		inProcess bool
		lines     int
		restarts  int
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start one training job and wait for it",
		Long: `Create a job from the config defaults and the flags, supervise it until
it completes or fails, and print its summary. Interrupting run leaves the job
resumable by a later 'trainctl serve'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			spec.MaxRestarts, err = restartBudget(restarts, cmd.Flags().Changed("max-restarts"))
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runJob(ctx, cmd.OutOrStdout(), cfg, spec, inProcess, lines)
		},
	}

	cmd.Flags().StringVar(&spec.ID, "id", "", "job id (generated when empty)")
	cmd.Flags().IntVar(&spec.WorldSize, "world-size", 0, "number of ranks (config default when 0)")
	cmd.Flags().IntVar(&spec.ShardCount, "shards", 0, "number of data shards (config default when 0)")
	cmd.Flags().IntVar(&spec.CheckpointInterval, "checkpoint-interval", 0, "steps between checkpoints (config default when 0)")
	cmd.Flags().IntVar(&restarts, "max-restarts", 0, "restarts allowed per rank (config default when unset, 0 disables restarts)")
	cmd.Flags().BoolVar(&inProcess, "in-process", false, "run units as goroutines instead of processes")
	cmd.Flags().IntVar(&lines, "make-dataset", 0, "first write a dataset with this many lines per shard")

	return cmd
}

// restartBudget maps the --max-restarts flag onto JobSpec.MaxRestarts, where
// zero means "use the default".
func restartBudget(n int, set bool) (int, error) {
	switch {
	case !set:
		return 0, nil
	case n < 0:
		return 0, fmt.Errorf("--max-restarts: %d is negative", n)
	case n == 0:
		return jobmanager.NoRestarts, nil
	}
	return n, nil
}

func runJob(ctx context.Context, out io.Writer, cfg *config.Config, spec types.JobSpec, inProcess bool, lines int) error {
	if lines > 0 {
		shards := spec.ShardCount
		if shards == 0 {
			shards = cfg.Job.ShardCount
		}
		if err := worker.MakeDataset(cfg.Worker.DataDir, shards, lines); err != nil {
			return fmt.Errorf("failed to write dataset: %w", err)
		}
	}

	st, err := newStack(ctx, cfg, inProcess)
	if err != nil {
		return err
	}
	defer st.close()

	summary, err := st.manager.Create(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	id := summary.Spec.ID
	st.log.Info("job running", "job", id, "api", st.server.HTTPAddr(), "heartbeat", st.server.GRPCAddr())

	done, err := st.manager.Done(id)
	if err != nil {
		return err
	}
	select {
	case <-done:
	case <-ctx.Done():
		st.log.Info("interrupted, units will be terminated and the job stays resumable", "job", id)
		return nil
	}

	summary, err = st.manager.Get(id)
	if err != nil {
		return err
	}
	printSummary(out, summary)
	if summary.Status != types.JobCompleted {
		return fmt.Errorf("job %s %s: %s", id, summary.Status, summary.Reason)
	}
	return nil
}

// ============================================================================
// serve
// ============================================================================

func buildServeCommand() *cobra.Command {
	var inProcess bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator service",
		Long: `Serve the management API, the heartbeat endpoint and metrics. Jobs
that were running when the previous serve or run stopped are resumed from
their checkpoints.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return serve(ctx, cfg, inProcess)
		},
	}
	cmd.Flags().BoolVar(&inProcess, "in-process", false, "run units as goroutines instead of processes")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, inProcess bool) error {
	st, err := newStack(ctx, cfg, inProcess)
	if err != nil {
		return err
	}

	resumed, err := st.manager.Recover(ctx)
	if err != nil {
		st.log.Error("some jobs could not be resumed", "error", err)
	}
	st.log.Info("coordinator ready", "api", st.server.HTTPAddr(), "heartbeat", st.server.GRPCAddr(), "resumed", resumed)

	<-ctx.Done()
	st.log.Info("received shutdown signal, stopping gracefully")
	return st.close()
}
