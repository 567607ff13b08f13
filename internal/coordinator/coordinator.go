// ============================================================================
// Recovery coordinator
// ============================================================================
//
// Package coordinator runs one job: it spawns an execution unit per rank,
// watches heartbeats, and replaces units that go silent.
//
// Per-rank state machine:
//
//	spawning ──heartbeat──▶ running ──Done──▶ completed
//	    │                     │
//	    └──────timeout────────┴──▶ stale ──terminate, MayRestart──▶ restarting
//	                                 │                                  │
//	                                 └──limit──▶ failed      deadline ──┘──▶ spawning
//
// Each rank is advanced under its own mutex; ranks never lock each other.
// A published copy of every slot is kept under a separate RWMutex so status
// queries never wait for an in-flight spawn or terminate.
//
// Job level: all ranks completed → job completed; any rank failed → job
// failed and every live unit is terminated. Terminal states are sticky.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/shard-recovery/internal/checkpoint"
	"github.com/ChuLiYu/shard-recovery/internal/heartbeat"
	"github.com/ChuLiYu/shard-recovery/internal/journal"
	"github.com/ChuLiYu/shard-recovery/internal/restart"
	"github.com/ChuLiYu/shard-recovery/internal/supervisor"
	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

// ============================================================================
// Collaborators
// ============================================================================

// CheckpointReader resolves resume points. *checkpoint.Store implements it.
type CheckpointReader interface {
	Latest(ctx context.Context, rank int) (types.Checkpoint, error)
}

// EventLog receives lifecycle events. *journal.Journal implements it.
type EventLog interface {
	Append(ev journal.Event) error
}

// Recorder receives coordinator metrics. *metrics.Collector implements it.
type Recorder interface {
	UnitSpawned(jobID string)
	SpawnFailed(jobID string)
	StaleDetected(jobID string)
	RestartScheduled(jobID string)
	TerminateTimedOut(jobID string)
	Resumed(jobID string, fromCheckpoint bool)
	SetRankStates(jobID string, counts map[types.WorkerState]int)
}

type noopRecorder struct{}

func (noopRecorder) UnitSpawned(string)                              {}
func (noopRecorder) SpawnFailed(string)                              {}
func (noopRecorder) StaleDetected(string)                            {}
func (noopRecorder) RestartScheduled(string)                         {}
func (noopRecorder) TerminateTimedOut(string)                        {}
func (noopRecorder) Resumed(string, bool)                            {}
func (noopRecorder) SetRankStates(string, map[types.WorkerState]int) {}

// ============================================================================
// Configuration
// ============================================================================

// Config wires one coordinator.
type Config struct {
	Job types.JobSpec

	// TickInterval drives the background loop started by Start. Zero disables
	// the loop; callers then drive Tick themselves.
	TickInterval     time.Duration
	TerminateTimeout time.Duration // bound on one Terminate call
	SpawnTimeout     time.Duration // bound on one Spawn call

	// FirstAttempt numbers the initial units. A job resumed after a
	// coordinator restart starts above every attempt of the previous run so
	// heartbeats from orphaned units are ignored.
	FirstAttempt int

	Supervisor  supervisor.Supervisor
	Checkpoints CheckpointReader // nil: every unit starts from scratch
	Clock       func() time.Time
	Logger      *slog.Logger
	Metrics     Recorder
	Journal     EventLog
}

// ============================================================================
// Coordinator
// ============================================================================

type slot struct {
	mu sync.Mutex

	rank          int
	handle        supervisor.Handle
	state         types.WorkerState
	attempt       int
	nextRestartAt time.Time
	progress      types.Progress
	lastHeartbeat time.Time
	lastExit      *types.ExitInfo
	lastError     string
}

// Coordinator owns the WorkerSlots of one job.
type Coordinator struct {
	cfg     Config
	job     types.JobSpec
	log     *slog.Logger
	metrics Recorder
	monitor *heartbeat.Monitor
	policy  *restart.Policy
	slots   []*slot

	viewMu sync.RWMutex
	views  []types.WorkerSlot

	jobMu     sync.Mutex
	status    types.JobStatus
	reason    string
	createdAt time.Time
	endedAt   time.Time
	doneCh    chan struct{}
	started   bool
	stopped   bool
	stopCh    chan struct{}
	loopWg    sync.WaitGroup
}

// New validates cfg and builds a coordinator. No unit is spawned until Start.
func New(cfg Config) (*Coordinator, error) {
	job := cfg.Job
	if job.ID == "" {
		return nil, errors.New("coordinator: job id is required")
	}
	if job.WorldSize <= 0 {
		return nil, fmt.Errorf("coordinator: world size %d", job.WorldSize)
	}
	if job.HeartbeatTimeout <= 0 {
		return nil, fmt.Errorf("coordinator: heartbeat timeout %s", job.HeartbeatTimeout)
	}
	if cfg.Supervisor == nil {
		return nil, errors.New("coordinator: supervisor is required")
	}
	if cfg.FirstAttempt < 0 {
		return nil, fmt.Errorf("coordinator: first attempt %d", cfg.FirstAttempt)
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = noopRecorder{}
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = 10 * time.Second
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 10 * time.Second
	}

	c := &Coordinator{
		cfg:     cfg,
		job:     job,
		log:     cfg.Logger.With("job", job.ID),
		metrics: cfg.Metrics,
		monitor: heartbeat.NewMonitor(cfg.Clock),
		policy: restart.NewPolicy(restart.Config{
			MaxRestarts: job.MaxRestarts,
			BaseDelay:   job.BackoffBase,
			MaxDelay:    job.BackoffMax,
		}),
		slots:     make([]*slot, job.WorldSize),
		views:     make([]types.WorkerSlot, job.WorldSize),
		status:    types.JobRunning,
		createdAt: cfg.Clock(),
		doneCh:    make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
	for r := range c.slots {
		c.slots[r] = &slot{rank: r, state: types.WorkerSpawning, attempt: cfg.FirstAttempt}
		c.views[r] = types.WorkerSlot{Rank: r, State: types.WorkerSpawning, Attempt: cfg.FirstAttempt}
	}
	return c, nil
}

// Monitor exposes the heartbeat table so transports can feed it.
func (c *Coordinator) Monitor() *heartbeat.Monitor { return c.monitor }

// Record feeds one heartbeat into the monitor. A record of an attempt older
// than the rank's current one fails with heartbeat.ErrStaleAttempt.
func (c *Coordinator) Record(rank int, rec types.HeartbeatRecord) error {
	if rank < 0 || rank >= c.job.WorldSize {
		return fmt.Errorf("rank %d outside [0, %d)", rank, c.job.WorldSize)
	}
	if !c.monitor.Record(rank, rec) {
		return fmt.Errorf("%w: rank %d attempt %d", heartbeat.ErrStaleAttempt, rank, rec.Attempt)
	}
	return nil
}

// Start spawns a unit for every rank and, when TickInterval is set, starts
// the control loop. ctx bounds only the initial spawns.
func (c *Coordinator) Start(ctx context.Context) error {
	c.jobMu.Lock()
	if c.started {
		c.jobMu.Unlock()
		return errors.New("coordinator: already started")
	}
	c.started = true
	c.jobMu.Unlock()

	now := c.cfg.Clock()
	c.emit(journal.EventJobCreated, journal.JobRank, 0, fmt.Sprintf("world_size=%d shards=%d", c.job.WorldSize, c.job.ShardCount), now)

	var wg sync.WaitGroup
	for _, s := range c.slots {
		wg.Add(1)
		go func(s *slot) {
			defer wg.Done()
			s.mu.Lock()
			defer s.mu.Unlock()
			defer c.publish(s)
			if err := c.spawn(ctx, s, now, c.resumePoint(ctx, s.rank)); err != nil {
				// retried through the normal restart path on the next tick
				s.state = types.WorkerStale
			}
		}(s)
	}
	wg.Wait()
	c.updateGauges()

	if c.cfg.TickInterval > 0 {
		c.loopWg.Add(1)
		go c.loop()
	}
	c.log.Info("job started", "world_size", c.job.WorldSize, "tick", c.cfg.TickInterval)
	return nil
}

func (c *Coordinator) loop() {
	defer c.loopWg.Done()
	ticker := time.NewTicker(c.cfg.TickInterval)
	defer ticker.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.doneCh:
			return
		case <-ticker.C:
			c.Tick(ctx, c.cfg.Clock())
		}
	}
}

// Tick evaluates every rank once at now.
func (c *Coordinator) Tick(ctx context.Context, now time.Time) {
	if c.Status().Terminal() {
		return
	}

	var wg sync.WaitGroup
	for _, s := range c.slots {
		wg.Add(1)
		go func(s *slot) {
			defer wg.Done()
			c.evaluate(ctx, s, now)
		}(s)
	}
	wg.Wait()
	c.settle(ctx, now)
}

// ============================================================================
// Per-rank transitions (caller holds s.mu)
// ============================================================================

func (c *Coordinator) evaluate(ctx context.Context, s *slot, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	defer c.publish(s)

	if s.state.Terminal() || c.isStopped() {
		return
	}

	c.observeExit(s, now)

	if s.state == types.WorkerSpawning || s.state == types.WorkerRunning {
		if rec, ok := c.monitor.Last(s.rank); ok && rec.Attempt == s.attempt {
			s.progress = rec.Progress()
			s.lastHeartbeat = c.monitor.LastArrival(s.rank)
			if rec.Done {
				s.state = types.WorkerCompleted
				c.log.Info("rank completed", "rank", s.rank, "step", rec.Step)
				c.emit(journal.EventRankCompleted, s.rank, s.attempt, fmt.Sprintf("step=%d", rec.Step), now)
				return
			}
		}

		switch c.monitor.Status(s.rank, now, c.job.HeartbeatTimeout) {
		case heartbeat.Alive:
			s.state = types.WorkerRunning
			return
		case heartbeat.Unknown:
			return
		case heartbeat.Stale:
			s.state = types.WorkerStale
			c.metrics.StaleDetected(c.job.ID)
			c.log.Warn("heartbeat stale", "rank", s.rank, "attempt", s.attempt, "last_heartbeat", s.lastHeartbeat)
			c.emit(journal.EventHeartbeatStale, s.rank, s.attempt, fmt.Sprintf("last_step=%d", s.progress.Step), now)
		}
	}

	switch s.state {
	case types.WorkerStale:
		c.handleStale(ctx, s, now)
	case types.WorkerRestarting:
		if !now.Before(s.nextRestartAt) {
			c.respawn(ctx, s, now)
		}
	}
}

// handleStale kills the silent unit and asks the policy for a restart. A
// unit that cannot be confirmed dead is never replaced; the terminate is
// retried on the next tick.
func (c *Coordinator) handleStale(ctx context.Context, s *slot, now time.Time) {
	if s.handle != nil {
		tctx, cancel := context.WithTimeout(ctx, c.cfg.TerminateTimeout)
		err := c.cfg.Supervisor.Terminate(tctx, s.handle)
		cancel()
		if err != nil {
			s.lastError = err.Error()
			if errors.Is(err, supervisor.ErrSupervisorTimeout) {
				c.metrics.TerminateTimedOut(c.job.ID)
			}
			c.log.Error("terminate failed, unit may still be alive", "rank", s.rank, "handle", s.handle.ID(), "error", err)
			c.emit(journal.EventTerminateTimeout, s.rank, s.attempt, err.Error(), now)
			return
		}
		c.observeExit(s, now)
		s.handle = nil
	}

	d := c.policy.MayRestart(s.rank, now)
	if !d.Allow {
		if errors.Is(d.Reason, restart.ErrRestartLimitExceeded) {
			c.failRank(s, now, d.Reason)
			return
		}
		// a restart is already scheduled
		s.state = types.WorkerRestarting
		s.nextRestartAt = now.Add(d.Delay)
		return
	}

	s.state = types.WorkerRestarting
	s.nextRestartAt = now.Add(d.Delay)
	c.metrics.RestartScheduled(c.job.ID)
	c.log.Info("restart scheduled", "rank", s.rank, "delay", d.Delay, "restarts", c.policy.Count(s.rank))
	c.emit(journal.EventRestartScheduled, s.rank, s.attempt, fmt.Sprintf("delay=%s", d.Delay), now)

	if d.Delay <= 0 {
		c.respawn(ctx, s, now)
	}
}

// respawn starts the next attempt once the backoff deadline has passed. The
// attempt counts against the budget even when the spawn itself fails.
func (c *Coordinator) respawn(ctx context.Context, s *slot, now time.Time) {
	d := c.policy.MayRestart(s.rank, now)
	if !d.Allow {
		if errors.Is(d.Reason, restart.ErrRestartLimitExceeded) {
			c.failRank(s, now, d.Reason)
			return
		}
		s.nextRestartAt = now.Add(d.Delay)
		return
	}

	resume := c.resumePoint(ctx, s.rank)
	c.policy.RecordRestart(s.rank, now)
	s.attempt++
	if err := c.spawn(ctx, s, now, resume); err != nil {
		s.state = types.WorkerStale
	}
}

func (c *Coordinator) spawn(ctx context.Context, s *slot, now time.Time, resume types.ResumePoint) error {
	req := supervisor.SpawnRequest{
		JobID:     c.job.ID,
		Rank:      s.rank,
		WorldSize: c.job.WorldSize,
		Attempt:   s.attempt,
		Resume:    resume,
	}
	sctx, cancel := context.WithTimeout(ctx, c.cfg.SpawnTimeout)
	h, err := c.cfg.Supervisor.Spawn(sctx, req)
	cancel()
	if err != nil {
		s.lastError = err.Error()
		c.metrics.SpawnFailed(c.job.ID)
		c.log.Error("spawn failed", "rank", s.rank, "attempt", s.attempt, "error", err)
		c.emit(journal.EventSpawnFailed, s.rank, s.attempt, err.Error(), now)
		return err
	}

	s.handle = h
	s.state = types.WorkerSpawning
	s.nextRestartAt = time.Time{}
	s.lastExit = nil
	if !resume.FromScratch {
		s.progress = resume.Progress
	}
	c.monitor.Expect(s.rank, s.attempt, now)
	c.metrics.UnitSpawned(c.job.ID)
	c.log.Info("unit spawned", "rank", s.rank, "attempt", s.attempt, "handle", h.ID(),
		"resume_step", resume.Step, "from_scratch", resume.FromScratch)
	c.emit(journal.EventUnitSpawned, s.rank, s.attempt,
		fmt.Sprintf("resume_step=%d shard=%d line=%d scratch=%t", resume.Step, resume.ShardIndex, resume.LineIndex, resume.FromScratch), now)
	return nil
}

// resumePoint reads the rank's latest checkpoint. Any failure to resolve one
// means starting from scratch.
func (c *Coordinator) resumePoint(ctx context.Context, rank int) types.ResumePoint {
	if c.cfg.Checkpoints == nil {
		c.metrics.Resumed(c.job.ID, false)
		return types.ResumePoint{FromScratch: true}
	}
	cp, err := c.cfg.Checkpoints.Latest(ctx, rank)
	if err != nil {
		if !errors.Is(err, checkpoint.ErrNotFound) {
			c.log.Warn("checkpoint lookup failed, starting from scratch", "rank", rank, "error", err)
		}
		c.metrics.Resumed(c.job.ID, false)
		return types.ResumePoint{FromScratch: true}
	}
	c.metrics.Resumed(c.job.ID, true)
	return cp.ResumePoint()
}

// observeExit records the unit's exit status for diagnostics. It never
// changes the state: only heartbeats drive recovery.
func (c *Coordinator) observeExit(s *slot, now time.Time) {
	if s.handle == nil || s.lastExit != nil {
		return
	}
	st := c.cfg.Supervisor.PollExit(s.handle)
	if st.Running {
		return
	}
	s.lastExit = &types.ExitInfo{Code: st.Code, At: now}
	c.log.Info("unit exited", "rank", s.rank, "attempt", s.attempt, "code", st.Code)
	c.emit(journal.EventUnitExited, s.rank, s.attempt, fmt.Sprintf("code=%d", st.Code), now)
}

func (c *Coordinator) failRank(s *slot, now time.Time, reason error) {
	s.state = types.WorkerFailed
	s.lastError = reason.Error()
	s.nextRestartAt = time.Time{}
	c.log.Error("rank failed permanently", "rank", s.rank, "restarts", c.policy.Count(s.rank), "error", reason)
	c.emit(journal.EventRankFailed, s.rank, s.attempt, reason.Error(), now)
}

// ============================================================================
// Job level
// ============================================================================

func (c *Coordinator) settle(ctx context.Context, now time.Time) {
	counts := c.updateGauges()

	switch {
	case counts[types.WorkerFailed] > 0:
		if c.finish(types.JobFailed, fmt.Sprintf("%d rank(s) exhausted the restart budget", counts[types.WorkerFailed]), now) {
			c.terminateAll(ctx)
		}
	case counts[types.WorkerCompleted] == c.job.WorldSize:
		if c.finish(types.JobCompleted, "", now) {
			c.terminateAll(ctx)
		}
	}
}

// finish moves the job to a terminal status. It reports false when the job
// was already terminal.
func (c *Coordinator) finish(status types.JobStatus, reason string, now time.Time) bool {
	c.jobMu.Lock()
	if c.status.Terminal() {
		c.jobMu.Unlock()
		return false
	}
	c.status = status
	c.reason = reason
	c.endedAt = now
	close(c.doneCh)
	c.jobMu.Unlock()

	ev := journal.EventJobCompleted
	switch status {
	case types.JobFailed:
		ev = journal.EventJobFailed
		c.log.Error("job failed", "reason", reason)
	case types.JobStopped:
		ev = journal.EventJobStopped
		c.log.Info("job stopped")
	default:
		c.log.Info("job completed")
	}
	c.emit(ev, journal.JobRank, 0, reason, now)
	return true
}

// terminateAll kills every live unit concurrently and clears the handles.
func (c *Coordinator) terminateAll(ctx context.Context) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, s := range c.slots {
		wg.Add(1)
		go func(s *slot) {
			defer wg.Done()
			s.mu.Lock()
			defer s.mu.Unlock()
			defer c.publish(s)
			if s.handle == nil {
				return
			}
			tctx, cancel := context.WithTimeout(ctx, c.cfg.TerminateTimeout)
			err := c.cfg.Supervisor.Terminate(tctx, s.handle)
			cancel()
			if err != nil {
				s.lastError = err.Error()
				c.log.Error("terminate failed", "rank", s.rank, "handle", s.handle.ID(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("rank %d: %w", s.rank, err))
				mu.Unlock()
				return
			}
			c.observeExit(s, c.cfg.Clock())
			s.handle = nil
		}(s)
	}
	wg.Wait()
	return errors.Join(errs...)
}

// Stop terminates every live unit and marks the job stopped. A job that
// already completed or failed keeps its status. Calling Stop again is a no-op.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.jobMu.Lock()
	if c.stopped {
		c.jobMu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	c.jobMu.Unlock()

	c.loopWg.Wait()
	err := c.terminateAll(ctx)
	c.finish(types.JobStopped, "stopped by request", c.cfg.Clock())
	c.updateGauges()
	return err
}

func (c *Coordinator) isStopped() bool {
	c.jobMu.Lock()
	defer c.jobMu.Unlock()
	return c.stopped
}

// Done is closed once the job reaches a terminal status.
func (c *Coordinator) Done() <-chan struct{} { return c.doneCh }

// ============================================================================
// Read side
// ============================================================================

// publish copies s into the read-side view. Caller holds s.mu.
func (c *Coordinator) publish(s *slot) {
	v := types.WorkerSlot{
		Rank:          s.rank,
		State:         s.state,
		Attempt:       s.attempt,
		RestartCount:  c.policy.Count(s.rank),
		NextRestartAt: s.nextRestartAt,
		Progress:      s.progress,
		LastHeartbeat: s.lastHeartbeat,
		LastError:     s.lastError,
	}
	if s.handle != nil {
		v.HandleID = s.handle.ID()
	}
	if s.lastExit != nil {
		exit := *s.lastExit
		v.LastExit = &exit
	}

	c.viewMu.Lock()
	c.views[s.rank] = v
	c.viewMu.Unlock()
}

// Snapshot returns a copy of every slot as of the last completed transition.
func (c *Coordinator) Snapshot() []types.WorkerSlot {
	c.viewMu.RLock()
	defer c.viewMu.RUnlock()
	out := make([]types.WorkerSlot, len(c.views))
	for i, v := range c.views {
		out[i] = v
		if v.LastExit != nil {
			exit := *v.LastExit
			out[i].LastExit = &exit
		}
	}
	return out
}

// Status returns the job status.
func (c *Coordinator) Status() types.JobStatus {
	c.jobMu.Lock()
	defer c.jobMu.Unlock()
	return c.status
}

// Summary renders the job for the management layer.
func (c *Coordinator) Summary() types.JobSummary {
	workers := c.Snapshot()
	c.jobMu.Lock()
	defer c.jobMu.Unlock()
	return types.JobSummary{
		Spec:      c.job,
		Status:    c.status,
		Reason:    c.reason,
		CreatedAt: c.createdAt,
		EndedAt:   c.endedAt,
		Workers:   workers,
	}
}

func (c *Coordinator) updateGauges() map[types.WorkerState]int {
	counts := make(map[types.WorkerState]int)
	for _, v := range c.Snapshot() {
		counts[v.State]++
	}
	c.metrics.SetRankStates(c.job.ID, counts)
	return counts
}

func (c *Coordinator) emit(typ journal.EventType, rank, attempt int, detail string, now time.Time) {
	if c.cfg.Journal == nil {
		return
	}
	err := c.cfg.Journal.Append(journal.Event{
		Type:      typ,
		JobID:     c.job.ID,
		Rank:      rank,
		Attempt:   attempt,
		Detail:    detail,
		Timestamp: now,
	})
	if err != nil {
		c.log.Warn("journal append failed", "event", typ, "error", err)
	}
}
