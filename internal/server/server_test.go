package server

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/shard-recovery/internal/heartbeat"
	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

func startServer(t *testing.T, jobs Jobs) *Server {
	t.Helper()
	srv, err := New(Config{HTTPAddr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0", Jobs: jobs})
	require.NoError(t, err)
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})
	return srv
}

func TestNewRequiresJobs(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestServerServesAPIAndHeartbeats(t *testing.T) {
	jobs := newFakeJobs()
	_, err := jobs.Create(context.Background(), types.JobSpec{ID: "job-a", WorldSize: 1})
	require.NoError(t, err)
	srv := startServer(t, jobs)

	resp, err := http.Get("http://" + srv.HTTPAddr() + "/v1/jobs/job-a")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	conn, err := heartbeat.Dial(srv.GRPCAddr())
	require.NoError(t, err)
	defer conn.Close()
	reporter := heartbeat.NewReporter(conn)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, reporter.Report(ctx, types.HeartbeatRecord{JobID: "job-a", Rank: 0, Step: 4}))
	assert.Error(t, reporter.Report(ctx, types.HeartbeatRecord{JobID: "ghost", Rank: 0}))

	jobs.mu.Lock()
	defer jobs.mu.Unlock()
	require.Len(t, jobs.heartbeats, 1)
	assert.Equal(t, 4, jobs.heartbeats[0].Step)
}

func TestStartTwiceAndShutdownIdempotent(t *testing.T) {
	srv := startServer(t, newFakeJobs())
	assert.Error(t, srv.Start())

	ctx := context.Background()
	assert.NoError(t, srv.Shutdown(ctx))
	assert.NoError(t, srv.Shutdown(ctx))
}

func TestRunStopsOnCancel(t *testing.T) {
	srv, err := New(Config{HTTPAddr: "127.0.0.1:0", GRPCAddr: "127.0.0.1:0", Jobs: newFakeJobs()})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.HTTPAddr() != "" }, 5*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestStartFailsOnBusyPort(t *testing.T) {
	first := startServer(t, newFakeJobs())
	second, err := New(Config{HTTPAddr: first.HTTPAddr(), GRPCAddr: "127.0.0.1:0", Jobs: newFakeJobs()})
	require.NoError(t, err)
	assert.Error(t, second.Start())
	assert.Empty(t, second.GRPCAddr())
}
