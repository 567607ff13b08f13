package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/shard-recovery/internal/checkpoint"
	"github.com/ChuLiYu/shard-recovery/internal/config"
	"github.com/ChuLiYu/shard-recovery/internal/heartbeat"
	"github.com/ChuLiYu/shard-recovery/internal/worker"
)

// workerOptions are the flags the coordinator passes to every unit.
type workerOptions struct {
	coordinator        string
	shardCount         int
	checkpointInterval int
	fenceAfter         time.Duration
}

func buildWorkerCommand() *cobra.Command {
	var opts workerOptions

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run one execution unit",
		Long: `Run one attempt of one rank. The unit reads its identity from the
SR_JOB_ID, SR_RANK, SR_WORLD_SIZE and SR_ATTEMPT environment variables set by
the coordinator, resumes from the rank's latest checkpoint and reports
heartbeats to --coordinator.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return runWorker(ctx, cfg, opts, os.LookupEnv)
		},
	}

	cmd.Flags().StringVar(&opts.coordinator, "coordinator", "", "heartbeat endpoint (config coordinator.listen_addr when empty)")
	cmd.Flags().IntVar(&opts.shardCount, "shard-count", 0, "total shards of the job (config default when 0)")
	cmd.Flags().IntVar(&opts.checkpointInterval, "checkpoint-interval", 0, "steps between checkpoints (config default when 0)")
	cmd.Flags().DurationVar(&opts.fenceAfter, "fence-after", 0, "stop when no heartbeat is accepted for this long (0 disables)")

	return cmd
}

func runWorker(ctx context.Context, cfg *config.Config, opts workerOptions, lookup func(string) (string, bool)) error {
	unit, err := worker.FromEnv(lookup)
	if err != nil {
		return fmt.Errorf("invalid unit environment: %w", err)
	}
	if opts.coordinator == "" {
		opts.coordinator = cfg.Coordinator.ListenAddr
	}
	if opts.shardCount == 0 {
		opts.shardCount = cfg.Job.ShardCount
	}
	if opts.checkpointInterval == 0 {
		opts.checkpointInterval = cfg.Job.CheckpointInterval
	}

	backend, err := cfg.Storage.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint storage: %w", err)
	}
	conn, err := heartbeat.Dial(opts.coordinator)
	if err != nil {
		return err
	}
	defer conn.Close()

	log := slog.Default()
	r, err := worker.New(worker.Config{
		Unit:               unit,
		ShardCount:         opts.shardCount,
		CheckpointInterval: opts.checkpointInterval,
		HeartbeatInterval:  cfg.Worker.HeartbeatInterval,
		StepDelay:          cfg.Worker.StepDelay,
		FenceAfter:         opts.fenceAfter,
		Source:             worker.FileSource{Dir: cfg.Worker.DataDir},
		Checkpoints: checkpoint.NewStore(backend, checkpoint.Config{
			JobID:     unit.JobID,
			Retention: cfg.Storage.Retention,
			Logger:    log,
		}),
		Heartbeats: heartbeat.NewReporter(conn),
		Logger:     log,
	})
	if err != nil {
		return err
	}

	err = r.Run(ctx)
	if errors.Is(err, context.Canceled) {
		// terminated by the supervisor
		return nil
	}
	return err
}
