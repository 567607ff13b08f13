package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/shard-recovery/internal/server"
	"github.com/ChuLiYu/shard-recovery/internal/shard"
	"github.com/ChuLiYu/shard-recovery/internal/worker"
	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

// ============================================================================
// plan
// ============================================================================

func buildPlanCommand() *cobra.Command {
	var shards, worldSize int

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Print the shard assignment of every rank",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if shards == 0 {
				shards = cfg.Job.ShardCount
			}
			if worldSize == 0 {
				worldSize = cfg.Job.WorldSize
			}
			return printPlan(cmd.OutOrStdout(), shards, worldSize)
		},
	}
	cmd.Flags().IntVar(&shards, "shards", 0, "number of data shards (config default when 0)")
	cmd.Flags().IntVar(&worldSize, "world-size", 0, "number of ranks (config default when 0)")
	return cmd
}

func printPlan(out io.Writer, shards, worldSize int) error {
	plan, err := shard.Plan(shards, worldSize)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSHARDS")
	for rank, owned := range plan {
		ids := make([]string, len(owned))
		for i, s := range owned {
			ids[i] = fmt.Sprint(s)
		}
		fmt.Fprintf(tw, "%d\t%s\n", rank, strings.Join(ids, ","))
	}
	return tw.Flush()
}

// ============================================================================
// make-dataset
// ============================================================================

func buildMakeDatasetCommand() *cobra.Command {
	var (
		dir    string
		shards int
		lines  int
	)

	cmd := &cobra.Command{
		Use:   "make-dataset",
		Short: "Write a synthetic sharded dataset",
		Long:  "Write shard_00000.txt ... files with one 'sample_id=<n>, shard=<s>' line per sample.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if dir == "" {
				dir = cfg.Worker.DataDir
			}
			if shards == 0 {
				shards = cfg.Job.ShardCount
			}
			if err := worker.MakeDataset(dir, shards, lines); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %d shards x %d lines to %s\n", shards, lines, dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "output directory (config worker.data_dir when empty)")
	cmd.Flags().IntVar(&shards, "shards", 0, "number of shards (config default when 0)")
	cmd.Flags().IntVar(&lines, "lines", 100, "lines per shard")
	return cmd
}

// ============================================================================
// status
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var api string

	cmd := &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show job status from a running server",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if api == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				api = baseURL(cfg.API.Addr)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			if len(args) == 1 {
				return showJob(ctx, cmd.OutOrStdout(), api, args[0])
			}
			return showJobs(ctx, cmd.OutOrStdout(), api)
		},
	}
	cmd.Flags().StringVar(&api, "api", "", "API base URL (derived from config api.addr when empty)")
	return cmd
}

// baseURL turns a listen address into a URL a client can reach.
func baseURL(addr string) string {
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimSuffix(addr, "/")
	}
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	return "http://" + addr
}

func getJSON(ctx context.Context, url string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		var e server.ErrorResponse
		if json.NewDecoder(resp.Body).Decode(&e) == nil && e.Error != "" {
			return fmt.Errorf("server returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func showJobs(ctx context.Context, out io.Writer, api string) error {
	var jobs []types.JobSummary
	if err := getJSON(ctx, api+"/v1/jobs", &jobs); err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Fprintln(out, "no jobs")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tSTATUS\tRANKS\tCOMPLETED\tCREATED")
	for _, j := range jobs {
		completed := 0
		for _, w := range j.Workers {
			if w.State == types.WorkerCompleted {
				completed++
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", j.Spec.ID, j.Status, j.Spec.WorldSize, completed, j.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func showJob(ctx context.Context, out io.Writer, api, id string) error {
	var s types.JobSummary
	if err := getJSON(ctx, api+"/v1/jobs/"+id, &s); err != nil {
		return err
	}
	printSummary(out, s)
	return nil
}

// printSummary renders one job and its ranks.
func printSummary(out io.Writer, s types.JobSummary) {
	fmt.Fprintf(out, "job %s: %s", s.Spec.ID, s.Status)
	if s.Reason != "" {
		fmt.Fprintf(out, " (%s)", s.Reason)
	}
	fmt.Fprintln(out)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSTATE\tATTEMPT\tRESTARTS\tSTEP\tSHARD\tLINE\tLAST ERROR")
	for _, w := range s.Workers {
		fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			w.Rank, w.State, w.Attempt, w.RestartCount, w.Progress.Step, w.Progress.ShardIndex, w.Progress.LineIndex, w.LastError)
	}
	tw.Flush()
}
