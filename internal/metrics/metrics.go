// ============================================================================
// shard-recovery metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
//
// Metric families:
//
//  1. Counters (per job):
//     - shardrecovery_units_spawned_total: execution units started
//     - shardrecovery_spawn_failures_total: spawns that returned an error
//     - shardrecovery_stale_detections_total: ranks declared stale
//     - shardrecovery_restarts_total: restarts scheduled by the policy
//     - shardrecovery_terminate_timeouts_total: kills that did not finish in time
//     - shardrecovery_resumes_total{source}: resume points served, "checkpoint" or "scratch"
//     - shardrecovery_heartbeats_total: heartbeats accepted
//
//  2. Checkpoint commits made in this process (in-process units):
//     - shardrecovery_checkpoint_commits_total{result}: "ok" or "error"
//     - shardrecovery_checkpoint_commit_seconds: commit latency histogram
//
//  3. Gauges:
//     - shardrecovery_ranks{job,state}: ranks per lifecycle state
//
// Useful queries:
//
//	# restarts per minute, by job
//	rate(shardrecovery_restarts_total[1m])
//
//	# p95 commit latency
//	histogram_quantile(0.95, rate(shardrecovery_checkpoint_commit_seconds_bucket[5m]))
//
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

const namespace = "shardrecovery"

var allStates = []types.WorkerState{
	types.WorkerSpawning,
	types.WorkerRunning,
	types.WorkerStale,
	types.WorkerRestarting,
	types.WorkerCompleted,
	types.WorkerFailed,
}

// Collector holds every metric of the process.
type Collector struct {
	spawned           *prometheus.CounterVec
	spawnFailures     *prometheus.CounterVec
	staleDetections   *prometheus.CounterVec
	restarts          *prometheus.CounterVec
	terminateTimeouts *prometheus.CounterVec
	resumes           *prometheus.CounterVec
	heartbeats        *prometheus.CounterVec

	commits       *prometheus.CounterVec
	commitLatency prometheus.Histogram

	ranks *prometheus.GaugeVec
}

// NewCollector creates the metrics and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	f := promauto.With(reg)
	byJob := []string{"job"}
	return &Collector{
		spawned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "units_spawned_total",
			Help:      "Execution units started.",
		}, byJob),
		spawnFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spawn_failures_total",
			Help:      "Execution units that failed to start.",
		}, byJob),
		staleDetections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_detections_total",
			Help:      "Ranks whose heartbeat exceeded the timeout.",
		}, byJob),
		restarts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "restarts_total",
			Help:      "Restarts scheduled by the restart policy.",
		}, byJob),
		terminateTimeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminate_timeouts_total",
			Help:      "Terminate calls that did not complete within their bound.",
		}, byJob),
		resumes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resumes_total",
			Help:      "Resume points handed to new execution units.",
		}, []string{"job", "source"}),
		heartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Heartbeats accepted from execution units.",
		}, byJob),
		commits: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_commits_total",
			Help:      "Checkpoint commits by result.",
		}, []string{"result"}),
		commitLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "checkpoint_commit_seconds",
			Help:      "Checkpoint commit latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		ranks: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ranks",
			Help:      "Ranks per lifecycle state.",
		}, []string{"job", "state"}),
	}
}

func (c *Collector) UnitSpawned(jobID string)       { c.spawned.WithLabelValues(jobID).Inc() }
func (c *Collector) SpawnFailed(jobID string)       { c.spawnFailures.WithLabelValues(jobID).Inc() }
func (c *Collector) StaleDetected(jobID string)     { c.staleDetections.WithLabelValues(jobID).Inc() }
func (c *Collector) RestartScheduled(jobID string)  { c.restarts.WithLabelValues(jobID).Inc() }
func (c *Collector) TerminateTimedOut(jobID string) { c.terminateTimeouts.WithLabelValues(jobID).Inc() }
func (c *Collector) HeartbeatReceived(jobID string) { c.heartbeats.WithLabelValues(jobID).Inc() }

// Resumed counts one resume point by its source.
func (c *Collector) Resumed(jobID string, fromCheckpoint bool) {
	source := "scratch"
	if fromCheckpoint {
		source = "checkpoint"
	}
	c.resumes.WithLabelValues(jobID, source).Inc()
}

// SetRankStates publishes the per-state rank counts of a job. States absent
// from counts are set to zero.
func (c *Collector) SetRankStates(jobID string, counts map[types.WorkerState]int) {
	for _, st := range allStates {
		c.ranks.WithLabelValues(jobID, string(st)).Set(float64(counts[st]))
	}
}

// ObserveCommit records one checkpoint commit.
func (c *Collector) ObserveCommit(d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.commits.WithLabelValues(result).Inc()
	c.commitLatency.Observe(d.Seconds())
}

// ForgetJob drops every series labelled with jobID.
func (c *Collector) ForgetJob(jobID string) {
	labels := prometheus.Labels{"job": jobID}
	for _, v := range []*prometheus.CounterVec{
		c.spawned, c.spawnFailures, c.staleDetections, c.restarts,
		c.terminateTimeouts, c.resumes, c.heartbeats,
	} {
		v.DeletePartialMatch(labels)
	}
	c.ranks.DeletePartialMatch(labels)
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// StartServer serves /metrics on addr until ctx is cancelled.
func StartServer(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
