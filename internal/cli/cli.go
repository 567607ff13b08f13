// ============================================================================
// trainctl - command line interface
// ============================================================================
//
// Package: internal/cli
// Purpose: cobra commands for running jobs, hosting the coordinator, and
// acting as an execution unit
//
// Command Structure:
//
//	trainctl                       # root
//	├── run                        # create one job locally and wait for it
//	├── serve                      # long-running coordinator: API, heartbeats, metrics
//	├── worker                     # one execution unit (spawned by the coordinator)
//	├── plan                       # print the shard assignment of a job shape
//	├── status [job-id]            # query a running server
//	├── make-dataset               # write shard_NNNNN.txt files
//	├── --config, -c               # YAML config (defaults when empty)
//	└── --log-level                # debug, info, warn, error
//
// Signal Handling:
//
//	run and serve stop on SIGINT/SIGTERM. Units are terminated, but the job
//	registry keeps running jobs as running, so the next `serve` resumes them
//	from their checkpoints.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/shard-recovery/internal/config"
)

var (
	configFile string
	logLevel   string
)

// BuildCLI returns the root command.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "trainctl",
		Short: "trainctl: crash-recoverable sharded training coordinator",
		Long: `trainctl runs step-based training jobs over sharded data with:
- one execution unit per rank, supervised by heartbeats
- bounded restarts with exponential backoff
- atomic per-rank checkpoints on local disk or MinIO
- resume after coordinator restarts`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(logLevel)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (built-in defaults when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildServeCommand())
	rootCmd.AddCommand(buildWorkerCommand())
	rootCmd.AddCommand(buildPlanCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildMakeDatasetCommand())

	return rootCmd
}

// newLogger builds the text handler every command logs through.
func newLogger(level string) (*slog.Logger, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})), nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
