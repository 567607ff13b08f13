// Command demo runs one in-process training job, crashes one rank part way
// through, and shows the coordinator resume it from its last checkpoint.
//
//	go run ./cmd/demo [crash-rank]
//
// At the end every rank's model digest is compared with an uninterrupted run
// over the same samples.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/ChuLiYu/shard-recovery/internal/checkpoint"
	"github.com/ChuLiYu/shard-recovery/internal/jobmanager"
	"github.com/ChuLiYu/shard-recovery/internal/shard"
	"github.com/ChuLiYu/shard-recovery/internal/supervisor"
	"github.com/ChuLiYu/shard-recovery/internal/worker"
	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

const (
	worldSize     = 4
	shardCount    = 8
	linesPerShard = 25
	crashAfter    = 32 // steps of the first attempt before the crash
)

var errInjected = errors.New("injected crash")

// crashingSource fails after a number of samples.
type crashingSource struct {
	worker.SampleSource
	after int
	seen  int
}

func (s *crashingSource) Each(ctx context.Context, sh, from int, fn func(int, string) error) error {
	return s.SampleSource.Each(ctx, sh, from, func(line int, sample string) error {
		if s.seen >= s.after {
			return errInjected
		}
		s.seen++
		return fn(line, sample)
	})
}

func main() {
	crashRank := 1
	if len(os.Args) > 1 {
		r, err := strconv.Atoi(os.Args[1])
		if err != nil || r < 0 || r >= worldSize {
			fmt.Fprintf(os.Stderr, "Usage: go run ./cmd/demo [crash-rank 0..%d]\n", worldSize-1)
			os.Exit(1)
		}
		crashRank = r
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	dir, err := os.MkdirTemp("", "shard-recovery-demo-")
	if err != nil {
		fail(err)
	}
	defer os.RemoveAll(dir)

	backend, err := checkpoint.NewFSBackend(dir)
	if err != nil {
		fail(err)
	}
	data := worker.GenerateDataset(shardCount, linesPerShard)

	var m *jobmanager.Manager
	factory := func(spec types.JobSpec) (supervisor.Supervisor, error) {
		base := worker.Config{
			ShardCount:         spec.ShardCount,
			CheckpointInterval: spec.CheckpointInterval,
			HeartbeatInterval:  100 * time.Millisecond,
			StepDelay:          10 * time.Millisecond,
			FenceAfter:         spec.HeartbeatTimeout,
			Checkpoints:        checkpoint.NewStore(backend, checkpoint.Config{JobID: spec.ID}),
			Heartbeats: worker.SenderFunc(func(_ context.Context, rec types.HeartbeatRecord) error {
				return m.Record(rec.JobID, rec.Rank, rec)
			}),
		}
		run := func(ctx context.Context, req supervisor.SpawnRequest) error {
			cfg := base
			cfg.Source = data
			if req.Rank == crashRank && req.Attempt == 0 {
				cfg.Source = &crashingSource{SampleSource: data, after: crashAfter}
				fmt.Printf("💥 rank %d attempt 0 will crash after %d steps\n", req.Rank, crashAfter)
			} else if req.Attempt > 0 {
				fmt.Printf("🔁 rank %d attempt %d resuming at step %d\n", req.Rank, req.Attempt, req.Resume.Step)
			}
			return worker.UnitFunc(cfg)(ctx, req)
		}
		return supervisor.NewInProcessSupervisor(run, time.Second), nil
	}

	m, err = jobmanager.New(jobmanager.Config{
		Backend:       backend,
		NewSupervisor: factory,
		TickInterval:  100 * time.Millisecond,
	})
	if err != nil {
		fail(err)
	}
	ctx := context.Background()
	defer m.Close(ctx)

	spec := types.JobSpec{
		ID:                 "crash-demo",
		WorldSize:          worldSize,
		ShardCount:         shardCount,
		CheckpointInterval: 5,
		HeartbeatTimeout:   time.Second,
		MaxRestarts:        3,
		BackoffBase:        200 * time.Millisecond,
		BackoffMax:         2 * time.Second,
	}
	if _, err := m.Create(ctx, spec); err != nil {
		fail(err)
	}
	fmt.Printf("✓ job %s started: %d ranks over %d shards of %d lines\n\n", spec.ID, worldSize, shardCount, linesPerShard)

	done, _ := m.Done(spec.ID)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
wait:
	for {
		select {
		case <-done:
			break wait
		case <-ticker.C:
			s, _ := m.Get(spec.ID)
			line := "📊"
			for _, w := range s.Workers {
				line += fmt.Sprintf("  r%d:%-10s step=%-3d", w.Rank, w.State, w.Progress.Step)
			}
			fmt.Println(line)
		}
	}

	s, _ := m.Get(spec.ID)
	fmt.Printf("\njob %s: %s\n", s.Spec.ID, s.Status)
	for _, w := range s.Workers {
		fmt.Printf("  rank %d: attempt=%d restarts=%d step=%d\n", w.Rank, w.Attempt, w.RestartCount, w.Progress.Step)
	}

	fmt.Println("\nverifying model state against an uninterrupted run:")
	store := checkpoint.NewStore(backend, checkpoint.Config{JobID: spec.ID})
	ok := true
	for rank := 0; rank < worldSize; rank++ {
		cp, err := store.Latest(ctx, rank)
		if err != nil {
			fail(err)
		}
		got, err := worker.DecodeState(cp.Payload)
		if err != nil {
			fail(err)
		}
		owned, _ := shard.Assign(shardCount, worldSize, rank)
		var want worker.State
		for _, sh := range owned {
			for _, sample := range data[sh] {
				want.Apply(sample)
			}
		}
		match := got.Digest == want.Digest && got.Samples == want.Samples
		ok = ok && match
		fmt.Printf("  rank %d: samples=%d digest=%.12s match=%t\n", rank, got.Samples, got.Digest, match)
	}
	if !ok || s.Status != types.JobCompleted {
		os.Exit(1)
	}
	fmt.Println("\n✓ every rank trained each sample exactly once")
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "demo failed: %v\n", err)
	os.Exit(1)
}
