package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

func newTestCollector(t *testing.T) (*Collector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return NewCollector(reg), reg
}

func TestNewCollector(t *testing.T) {
	c, _ := newTestCollector(t)
	assert.NotNil(t, c.spawned)
	assert.NotNil(t, c.commitLatency)
	assert.NotNil(t, c.ranks)
}

func TestTwoCollectorsOnSeparateRegistries(t *testing.T) {
	assert.NotPanics(t, func() {
		NewCollector(prometheus.NewRegistry())
		NewCollector(prometheus.NewRegistry())
	})
}

func TestCounters(t *testing.T) {
	c, _ := newTestCollector(t)
	c.UnitSpawned("a")
	c.UnitSpawned("a")
	c.UnitSpawned("b")
	c.SpawnFailed("a")
	c.StaleDetected("a")
	c.RestartScheduled("a")
	c.TerminateTimedOut("a")
	c.HeartbeatReceived("a")
	c.Resumed("a", true)
	c.Resumed("a", false)
	c.Resumed("a", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.spawned.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.spawned.WithLabelValues("b")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.spawnFailures.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.staleDetections.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.restarts.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.terminateTimeouts.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.heartbeats.WithLabelValues("a")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.resumes.WithLabelValues("a", "checkpoint")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.resumes.WithLabelValues("a", "scratch")))
}

func TestSetRankStatesZeroesMissing(t *testing.T) {
	c, _ := newTestCollector(t)
	c.SetRankStates("a", map[types.WorkerState]int{types.WorkerRunning: 3, types.WorkerStale: 1})
	c.SetRankStates("a", map[types.WorkerState]int{types.WorkerRunning: 4})

	assert.Equal(t, 4.0, testutil.ToFloat64(c.ranks.WithLabelValues("a", "running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.ranks.WithLabelValues("a", "stale")))
}

func TestObserveCommit(t *testing.T) {
	c, _ := newTestCollector(t)
	c.ObserveCommit(10*time.Millisecond, nil)
	c.ObserveCommit(20*time.Millisecond, errors.New("disk full"))
	c.ObserveCommit(5*time.Millisecond, nil)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.commits.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.commits.WithLabelValues("error")))
	assert.Equal(t, 1, testutil.CollectAndCount(c.commitLatency))
}

func TestForgetJob(t *testing.T) {
	c, _ := newTestCollector(t)
	c.UnitSpawned("a")
	c.UnitSpawned("b")
	c.SetRankStates("a", map[types.WorkerState]int{types.WorkerRunning: 1})

	c.ForgetJob("a")
	assert.Equal(t, 1, testutil.CollectAndCount(c.spawned))
	assert.Equal(t, 0, testutil.CollectAndCount(c.ranks))
}

func TestHandlerServesMetrics(t *testing.T) {
	c, reg := newTestCollector(t)
	c.UnitSpawned("job-1")

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `shardrecovery_units_spawned_total{job="job-1"} 1`)
}
