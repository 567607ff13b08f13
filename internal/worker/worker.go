// ============================================================================
// Execution unit runtime
// ============================================================================
//
// Package: internal/worker
//
// One Runner is one attempt of one rank. It is what `trainctl worker` runs
// inside a process spawned by the coordinator, and what the in-process
// supervisor runs as a goroutine in tests and in `run --in-process`.
//
// Lifecycle:
//
//	restore   Latest checkpoint of the rank, or the initial state
//	train     one step per sample over the rank's shards, in shard order,
//	          committing a checkpoint every CheckpointInterval steps
//	finish    final Done checkpoint, then a Done heartbeat, then return nil
//
// A heartbeat goroutine reports (step, shard, line) every HeartbeatInterval
// for the whole train phase. A failed periodic commit is logged and the next
// interval tries again; losing it costs at most one interval of rework.
//
// ============================================================================

package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/shard-recovery/internal/checkpoint"
	"github.com/ChuLiYu/shard-recovery/internal/heartbeat"
	"github.com/ChuLiYu/shard-recovery/internal/shard"
	"github.com/ChuLiYu/shard-recovery/internal/supervisor"
	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

const finalCommitAttempts = 3

// ErrFenced means the unit stopped itself because the coordinator rejected
// its attempt as superseded, or because no heartbeat was accepted for
// FenceAfter. The coordinator has either replaced it or is gone.
var ErrFenced = errors.New("heartbeats not accepted, unit fenced")

// Config wires one execution unit.
type Config struct {
	Unit               supervisor.SpawnRequest
	ShardCount         int
	CheckpointInterval int
	HeartbeatInterval  time.Duration
	StepDelay          time.Duration // artificial cost of one step
	FenceAfter         time.Duration // 0 disables self-fencing

	Source      SampleSource
	Checkpoints Checkpointer
	Heartbeats  HeartbeatSender
	Clock       func() time.Time
	Logger      *slog.Logger
}

// Runner executes one unit.
type Runner struct {
	cfg    Config
	shards []int
	log    *slog.Logger

	mu       sync.Mutex
	progress types.Progress
	state    State
}

// New validates cfg and computes the rank's shard assignment.
func New(cfg Config) (*Runner, error) {
	if cfg.Unit.JobID == "" {
		return nil, errors.New("worker: job id is required")
	}
	if cfg.Source == nil || cfg.Checkpoints == nil || cfg.Heartbeats == nil {
		return nil, errors.New("worker: source, checkpoints and heartbeats are required")
	}
	if cfg.CheckpointInterval <= 0 {
		return nil, fmt.Errorf("worker: checkpoint interval %d", cfg.CheckpointInterval)
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	shards, err := shard.Assign(cfg.ShardCount, cfg.Unit.WorldSize, cfg.Unit.Rank)
	if err != nil {
		return nil, fmt.Errorf("worker: %w", err)
	}
	return &Runner{
		cfg:    cfg,
		shards: shards,
		log:    cfg.Logger.With("job", cfg.Unit.JobID, "rank", cfg.Unit.Rank, "attempt", cfg.Unit.Attempt),
	}, nil
}

// FromEnv reads the unit's identity from the environment contract.
func FromEnv(lookup func(string) (string, bool)) (supervisor.SpawnRequest, error) {
	req, err := supervisor.DecodeEnv(lookup)
	if err != nil {
		return req, err
	}
	if req.Rank < 0 || req.Rank >= req.WorldSize {
		return req, fmt.Errorf("%s=%d outside [0, %d)", supervisor.EnvRank, req.Rank, req.WorldSize)
	}
	return req, nil
}

// UnitFunc adapts the runtime to the in-process supervisor. Unit is taken
// from each spawn request.
func UnitFunc(cfg Config) supervisor.RunFunc {
	return func(ctx context.Context, req supervisor.SpawnRequest) error {
		c := cfg
		c.Unit = req
		r, err := New(c)
		if err != nil {
			return err
		}
		return r.Run(ctx)
	}
}

// Shards returns the rank's assigned shards.
func (r *Runner) Shards() []int { return append([]int(nil), r.shards...) }

// Progress returns the last completed position.
func (r *Runner) Progress() types.Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// State returns a copy of the model state.
func (r *Runner) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// ============================================================================
// Run
// ============================================================================

// Run processes the rank's shards to completion. It returns ctx.Err() when
// cancelled and nil once the Done heartbeat was delivered.
func (r *Runner) Run(ctx context.Context) error {
	cp, resumed, err := r.restore(ctx)
	if err != nil {
		return err
	}
	if cp.Done {
		r.log.Info("rank already completed", "step", cp.Step)
		return r.announceDone(ctx)
	}
	r.log.Info("unit started", "shards", r.shards, "step", cp.Step, "shard", cp.ShardIndex, "line", cp.LineIndex, "resumed", resumed)

	trainCtx, fence := context.WithCancelCause(ctx)
	defer fence(nil)
	hbCtx, stopHeartbeats := context.WithCancel(trainCtx)
	var hbWg sync.WaitGroup
	hbWg.Add(1)
	go r.heartbeatLoop(hbCtx, &hbWg, fence)

	err = r.train(trainCtx, cp)
	stopHeartbeats()
	hbWg.Wait()
	if errors.Is(context.Cause(trainCtx), ErrFenced) && ctx.Err() == nil {
		r.log.Error("unit fenced, stopping", "fence_after", r.cfg.FenceAfter)
		return ErrFenced
	}
	if err != nil {
		return err
	}
	return r.finish(ctx)
}

func (r *Runner) restore(ctx context.Context) (types.Checkpoint, bool, error) {
	rank := r.cfg.Unit.Rank
	cp, err := r.cfg.Checkpoints.Latest(ctx, rank)
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		cp = types.Checkpoint{Rank: rank}
		if len(r.shards) > 0 {
			cp.ShardIndex = r.shards[0]
		}
		r.setPosition(cp, State{})
		return cp, false, nil
	case err != nil:
		return cp, false, fmt.Errorf("restore rank %d: %w", rank, err)
	}

	st, err := DecodeState(cp.Payload)
	if err != nil {
		return cp, false, fmt.Errorf("restore rank %d: %w", rank, err)
	}
	if hint := r.cfg.Unit.Resume; !hint.FromScratch && hint.Step != cp.Step {
		r.log.Warn("resume hint differs from latest checkpoint, using checkpoint", "hint_step", hint.Step, "step", cp.Step)
	}
	r.setPosition(cp, st)
	return cp, true, nil
}

func (r *Runner) setPosition(cp types.Checkpoint, st State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = types.Progress{Step: cp.Step, ShardIndex: cp.ShardIndex, LineIndex: cp.LineIndex}
	r.state = st
}

func (r *Runner) train(ctx context.Context, from types.Checkpoint) error {
	step := from.Step
	for _, s := range r.shards {
		if s < from.ShardIndex {
			continue
		}
		first := 0
		if s == from.ShardIndex {
			first = from.LineIndex
		}
		err := r.cfg.Source.Each(ctx, s, first, func(line int, sample string) error {
			step++
			r.mu.Lock()
			r.state.Apply(sample)
			r.progress = types.Progress{Step: step, ShardIndex: s, LineIndex: line + 1}
			r.mu.Unlock()

			if step%r.cfg.CheckpointInterval == 0 {
				if err := r.commit(ctx, false); err != nil {
					r.log.Warn("checkpoint failed, retrying next interval", "step", step, "error", err)
				}
			}
			return sleepCtx(ctx, r.cfg.StepDelay)
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) commit(ctx context.Context, done bool) error {
	r.mu.Lock()
	p, st := r.progress, r.state
	r.mu.Unlock()

	payload, err := st.Marshal()
	if err != nil {
		return err
	}
	return r.cfg.Checkpoints.Commit(ctx, r.cfg.Unit.Rank, types.Checkpoint{
		Step:       p.Step,
		ShardIndex: p.ShardIndex,
		LineIndex:  p.LineIndex,
		Done:       done,
		Payload:    payload,
	})
}

func (r *Runner) finish(ctx context.Context) error {
	var err error
	for i := 0; i < finalCommitAttempts; i++ {
		if i > 0 {
			if serr := sleepCtx(ctx, r.cfg.HeartbeatInterval); serr != nil {
				return serr
			}
		}
		if err = r.commit(ctx, true); err == nil {
			break
		}
		r.log.Warn("final checkpoint failed", "try", i+1, "error", err)
	}
	if err != nil {
		return fmt.Errorf("final checkpoint: %w", err)
	}
	r.log.Info("rank completed", "step", r.Progress().Step, "digest", r.State().Digest)
	return r.announceDone(ctx)
}

// announceDone retries the Done heartbeat until it is accepted or ctx ends.
func (r *Runner) announceDone(ctx context.Context) error {
	for {
		err := r.report(ctx, true)
		if err == nil {
			return nil
		}
		if errors.Is(err, heartbeat.ErrStaleAttempt) {
			r.log.Error("attempt superseded, completion not reported", "error", err)
			return ErrFenced
		}
		r.log.Debug("done heartbeat not delivered", "error", err)
		if err := sleepCtx(ctx, r.cfg.HeartbeatInterval); err != nil {
			return err
		}
	}
}

// ============================================================================
// Heartbeats
// ============================================================================

func (r *Runner) heartbeatLoop(ctx context.Context, wg *sync.WaitGroup, fence context.CancelCauseFunc) {
	defer wg.Done()
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()

	lastAccepted := r.cfg.Clock()
	for {
		err := r.report(ctx, false)
		switch {
		case err == nil:
			lastAccepted = r.cfg.Clock()
		case errors.Is(err, heartbeat.ErrStaleAttempt):
			r.log.Warn("attempt superseded", "error", err)
			fence(ErrFenced)
			return
		case ctx.Err() == nil:
			r.log.Warn("heartbeat failed", "error", err)
			if r.cfg.FenceAfter > 0 && r.cfg.Clock().Sub(lastAccepted) > r.cfg.FenceAfter {
				fence(ErrFenced)
				return
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) report(ctx context.Context, done bool) error {
	p := r.Progress()
	rctx, cancel := context.WithTimeout(ctx, r.cfg.HeartbeatInterval)
	defer cancel()
	return r.cfg.Heartbeats.Report(rctx, types.HeartbeatRecord{
		JobID:      r.cfg.Unit.JobID,
		Rank:       r.cfg.Unit.Rank,
		Attempt:    r.cfg.Unit.Attempt,
		Timestamp:  r.cfg.Clock(),
		Step:       p.Step,
		ShardIndex: p.ShardIndex,
		LineIndex:  p.LineIndex,
		Done:       done,
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
