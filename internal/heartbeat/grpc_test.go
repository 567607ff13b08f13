package heartbeat

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/shard-recovery/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

type memSink struct {
	mu   sync.Mutex
	jobs map[string][]types.HeartbeatRecord
}

func (s *memSink) Record(jobID string, rank int, rec types.HeartbeatRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return ErrUnknownJob
	}
	s.jobs[jobID] = append(s.jobs[jobID], rec)
	return nil
}

func startServer(t *testing.T, sink Sink) *Reporter {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	NewServer(sink, nil).Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return NewReporter(conn)
}

func TestReportRoundTrip(t *testing.T) {
	sink := &memSink{jobs: map[string][]types.HeartbeatRecord{"job-a": nil}}
	reporter := startServer(t, sink)

	ts := time.Date(2025, 3, 1, 12, 0, 0, 123, time.UTC)
	rec := types.HeartbeatRecord{
		JobID: "job-a", Rank: 3, Attempt: 2, Timestamp: ts,
		Step: 120, ShardIndex: 7, LineIndex: 44, Done: true,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, reporter.Report(ctx, rec))

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Len(t, sink.jobs["job-a"], 1)
	got := sink.jobs["job-a"][0]
	assert.Equal(t, rec.Rank, got.Rank)
	assert.Equal(t, rec.Attempt, got.Attempt)
	assert.Equal(t, rec.Step, got.Step)
	assert.Equal(t, rec.ShardIndex, got.ShardIndex)
	assert.Equal(t, rec.LineIndex, got.LineIndex)
	assert.True(t, got.Done)
	assert.True(t, ts.Equal(got.Timestamp))
}

func TestReportUnknownJob(t *testing.T) {
	reporter := startServer(t, &memSink{jobs: map[string][]types.HeartbeatRecord{}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := reporter.Report(ctx, types.HeartbeatRecord{JobID: "nope", Rank: 0})
	require.Error(t, err)
	assert.Equal(t, codes.NotFound, status.Code(err))
}

func TestReportRejectsMissingJobID(t *testing.T) {
	reporter := startServer(t, &memSink{jobs: map[string][]types.HeartbeatRecord{}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := reporter.Report(ctx, types.HeartbeatRecord{Rank: 1})
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

// monitorSink feeds a Monitor and rejects records it drops.
type monitorSink struct{ m *Monitor }

func (s monitorSink) Record(_ string, rank int, rec types.HeartbeatRecord) error {
	if !s.m.Record(rank, rec) {
		return ErrStaleAttempt
	}
	return nil
}

func TestReportSupersededAttempt(t *testing.T) {
	m := NewMonitor(nil)
	m.Expect(0, 3, time.Now())
	reporter := startServer(t, monitorSink{m: m})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := reporter.Report(ctx, types.HeartbeatRecord{JobID: "job-a", Rank: 0, Attempt: 2})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStaleAttempt)

	require.NoError(t, reporter.Report(ctx, types.HeartbeatRecord{JobID: "job-a", Rank: 0, Attempt: 3}))
	last, ok := m.Last(0)
	require.True(t, ok)
	assert.Equal(t, 3, last.Attempt)
}
