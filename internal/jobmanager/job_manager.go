// ============================================================================
// shard-recovery job manager - registry of training jobs
// ============================================================================
//
// Package: internal/jobmanager
// File: job_manager.go
// Purpose: owns every job of the process and its per-job resources
//
// Per job:
//
//	coordinator   RecoveryCoordinator for the job's ranks
//	store         CheckpointStore rooted at <job id>/ in the shared backend
//	journal       <journal dir>/<job id>.journal lifecycle events
//	supervisor    built by the SupervisorFactory from the job spec
//
// Job lifecycle (owned by the coordinator, mirrored here):
//
//	Create ─▶ running ─┬─▶ completed
//	                   ├─▶ failed
//	                   └─▶ stopped   (Stop / Delete)
//
// Registry snapshots:
//
//	After every lifecycle change the manager writes a registry snapshot
//	(spec, status, generation of every job). Recover reads it on startup:
//	terminal jobs come back as read-only history, running jobs are started
//	again with the next generation. Their units resume from checkpoints.
//	Close terminates units without recording a status change, so an
//	orderly shutdown followed by Recover also resumes.
//
// Concurrency:
//
//	jobs map under an RWMutex; coordinator calls happen outside the lock.
//	Heartbeats are routed through Record, which only takes the read lock.
//
// ============================================================================

package jobmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/shard-recovery/internal/checkpoint"
	"github.com/ChuLiYu/shard-recovery/internal/coordinator"
	"github.com/ChuLiYu/shard-recovery/internal/heartbeat"
	"github.com/ChuLiYu/shard-recovery/internal/journal"
	"github.com/ChuLiYu/shard-recovery/internal/shard"
	"github.com/ChuLiYu/shard-recovery/internal/snapshot"
	"github.com/ChuLiYu/shard-recovery/internal/supervisor"
	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrDuplicateJob = errors.New("job already exists")
	ErrJobNotFound  = errors.New("job not found")
	ErrInvalidSpec  = errors.New("invalid job spec")
	ErrClosed       = errors.New("job manager closed")
)

// ============================================================================
// Configuration
// ============================================================================

// NoRestarts as JobSpec.MaxRestarts asks for a job without restarts. A zero
// MaxRestarts takes the configured default like every other zero field.
const NoRestarts = -1

// SupervisorFactory builds the supervisor that runs the units of one job.
type SupervisorFactory func(spec types.JobSpec) (supervisor.Supervisor, error)

// Metrics is everything the manager and its jobs report.
// *metrics.Collector implements it.
type Metrics interface {
	coordinator.Recorder
	HeartbeatReceived(jobID string)
	ForgetJob(jobID string)
}

// Config wires the manager.
type Config struct {
	Backend       checkpoint.Backend
	Retention     int
	NewSupervisor SupervisorFactory

	// Defaults fills the zero fields of created specs.
	Defaults types.JobSpec

	JournalDir  string // empty disables journals
	SyncJournal bool

	// Snapshots persists the registry; nil disables Recover.
	Snapshots *snapshot.Manager

	TickInterval     time.Duration
	TerminateTimeout time.Duration
	SpawnTimeout     time.Duration

	Metrics Metrics
	Clock   func() time.Time
	Logger  *slog.Logger
}

// ============================================================================
// Manager
// ============================================================================

type job struct {
	spec       types.JobSpec
	generation int
	coord      *coordinator.Coordinator // nil for history restored from a snapshot
	store      *checkpoint.Store
	journal    *journal.Journal
	history    snapshot.JobRecord
}

func (j *job) summary() types.JobSummary {
	if j.coord != nil {
		s := j.coord.Summary()
		if !j.history.CreatedAt.IsZero() {
			s.CreatedAt = j.history.CreatedAt
		}
		return s
	}
	return types.JobSummary{
		Spec:      j.spec,
		Status:    j.history.Status,
		Reason:    j.history.Reason,
		CreatedAt: j.history.CreatedAt,
		EndedAt:   j.history.EndedAt,
	}
}

func (j *job) record() snapshot.JobRecord {
	s := j.summary()
	return snapshot.JobRecord{
		Spec:       j.spec,
		Status:     s.Status,
		Reason:     s.Reason,
		CreatedAt:  s.CreatedAt,
		EndedAt:    s.EndedAt,
		Generation: j.generation,
	}
}

// Manager is safe for concurrent use.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu     sync.RWMutex
	jobs   map[string]*job
	closed bool

	persistMu sync.Mutex
	watchers  sync.WaitGroup
}

// New validates cfg and returns an empty manager.
func New(cfg Config) (*Manager, error) {
	if cfg.Backend == nil {
		return nil, errors.New("jobmanager: checkpoint backend is required")
	}
	if cfg.NewSupervisor == nil {
		return nil, errors.New("jobmanager: supervisor factory is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.JournalDir != "" {
		if err := os.MkdirAll(cfg.JournalDir, 0o755); err != nil {
			return nil, fmt.Errorf("jobmanager: journal dir: %w", err)
		}
	}
	return &Manager{
		cfg:  cfg,
		log:  cfg.Logger,
		jobs: make(map[string]*job),
	}, nil
}

// ValidateSpec checks a complete spec.
func ValidateSpec(spec types.JobSpec) error {
	var errs []error
	if _, err := shard.Plan(spec.ShardCount, spec.WorldSize); err != nil {
		errs = append(errs, err)
	}
	if spec.CheckpointInterval <= 0 {
		errs = append(errs, fmt.Errorf("checkpoint interval %d", spec.CheckpointInterval))
	}
	if spec.HeartbeatTimeout <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat timeout %s", spec.HeartbeatTimeout))
	}
	if spec.MaxRestarts < 0 {
		errs = append(errs, fmt.Errorf("max restarts %d", spec.MaxRestarts))
	}
	if spec.BackoffBase < 0 || spec.BackoffMax < 0 {
		errs = append(errs, fmt.Errorf("backoff %s/%s", spec.BackoffBase, spec.BackoffMax))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidSpec, errors.Join(errs...))
	}
	return nil
}

func (m *Manager) withDefaults(spec types.JobSpec) types.JobSpec {
	d := m.cfg.Defaults
	if spec.ID == "" {
		spec.ID = "job-" + uuid.NewString()[:8]
	}
	if spec.WorldSize == 0 {
		spec.WorldSize = d.WorldSize
	}
	if spec.ShardCount == 0 {
		spec.ShardCount = d.ShardCount
	}
	if spec.CheckpointInterval == 0 {
		spec.CheckpointInterval = d.CheckpointInterval
	}
	if spec.HeartbeatTimeout == 0 {
		spec.HeartbeatTimeout = d.HeartbeatTimeout
	}
	switch spec.MaxRestarts {
	case NoRestarts:
		spec.MaxRestarts = 0
	case 0:
		spec.MaxRestarts = d.MaxRestarts
	}
	if spec.BackoffBase == 0 {
		spec.BackoffBase = d.BackoffBase
	}
	if spec.BackoffMax == 0 {
		spec.BackoffMax = d.BackoffMax
	}
	return spec
}

// Create registers and starts a job.
//
// Parameters:
//   - spec: zero fields are taken from Config.Defaults; an empty ID gets a
//     generated one; MaxRestarts NoRestarts disables restarts
//
// Returns:
//   - the job summary right after the initial spawns
//   - ErrInvalidSpec, ErrDuplicateJob, ErrClosed, or a start failure
func (m *Manager) Create(ctx context.Context, spec types.JobSpec) (types.JobSummary, error) {
	spec = m.withDefaults(spec)
	if err := ValidateSpec(spec); err != nil {
		return types.JobSummary{}, err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return types.JobSummary{}, ErrClosed
	}
	if _, exists := m.jobs[spec.ID]; exists {
		m.mu.Unlock()
		return types.JobSummary{}, fmt.Errorf("%w: %s", ErrDuplicateJob, spec.ID)
	}
	// reserve the id while the job starts
	j := &job{spec: spec, history: snapshot.JobRecord{Status: types.JobRunning, CreatedAt: m.cfg.Clock()}}
	m.jobs[spec.ID] = j
	m.mu.Unlock()

	if err := m.start(ctx, j); err != nil {
		m.mu.Lock()
		delete(m.jobs, spec.ID)
		m.mu.Unlock()
		return types.JobSummary{}, err
	}
	m.persist()
	m.log.Info("job created", "job", spec.ID, "world_size", spec.WorldSize, "shards", spec.ShardCount)
	return m.summaryOf(j), nil
}

// start builds the per-job resources and starts the coordinator.
func (m *Manager) start(ctx context.Context, j *job) error {
	spec := j.spec
	store := checkpoint.NewStore(m.cfg.Backend, checkpoint.Config{
		JobID:     spec.ID,
		Retention: m.cfg.Retention,
		Logger:    m.log,
	})

	var jl *journal.Journal
	if m.cfg.JournalDir != "" {
		var err error
		jl, err = journal.Open(m.journalPath(spec.ID), m.cfg.SyncJournal)
		if err != nil {
			return fmt.Errorf("open journal for %s: %w", spec.ID, err)
		}
	}
	closeJournal := func() {
		if jl != nil {
			jl.Close()
		}
	}

	sup, err := m.cfg.NewSupervisor(spec)
	if err != nil {
		closeJournal()
		return fmt.Errorf("supervisor for %s: %w", spec.ID, err)
	}

	ccfg := coordinator.Config{
		Job:              spec,
		TickInterval:     m.cfg.TickInterval,
		TerminateTimeout: m.cfg.TerminateTimeout,
		SpawnTimeout:     m.cfg.SpawnTimeout,
		FirstAttempt:     j.generation * (spec.MaxRestarts + 1),
		Supervisor:       sup,
		Checkpoints:      store,
		Clock:            m.cfg.Clock,
		Logger:           m.log,
	}
	if m.cfg.Metrics != nil {
		ccfg.Metrics = m.cfg.Metrics
	}
	if jl != nil {
		ccfg.Journal = jl
	}
	coord, err := coordinator.New(ccfg)
	if err != nil {
		closeJournal()
		return err
	}

	// published before Start so first heartbeats find the coordinator
	m.mu.Lock()
	j.coord, j.store, j.journal = coord, store, jl
	m.mu.Unlock()
	if err := coord.Start(ctx); err != nil {
		m.mu.Lock()
		j.coord, j.store, j.journal = nil, nil, nil
		m.mu.Unlock()
		closeJournal()
		return err
	}

	m.watchers.Add(1)
	go m.watch(j, coord)
	return nil
}

// watch persists the registry once the job reaches a terminal status.
func (m *Manager) watch(j *job, coord *coordinator.Coordinator) {
	defer m.watchers.Done()
	<-coord.Done()
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return
	}
	s := coord.Summary()
	m.log.Info("job finished", "job", j.spec.ID, "status", s.Status, "reason", s.Reason)
	m.persist()
}

func (m *Manager) journalPath(id string) string {
	return filepath.Join(m.cfg.JournalDir, id+".journal")
}

// lookup returns the job and its coordinator, nil for history.
func (m *Manager) lookup(id string) (*job, *coordinator.Coordinator, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok || (j.coord == nil && j.history.Status == types.JobRunning) {
		return nil, nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return j, j.coord, nil
}

// Get returns the summary of one job.
func (m *Manager) Get(id string) (types.JobSummary, error) {
	j, _, err := m.lookup(id)
	if err != nil {
		return types.JobSummary{}, err
	}
	return m.summaryOf(j), nil
}

func (m *Manager) summaryOf(j *job) types.JobSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return j.summary()
}

// List returns every job, oldest first.
func (m *Manager) List() []types.JobSummary {
	m.mu.RLock()
	out := make([]types.JobSummary, 0, len(m.jobs))
	for _, j := range m.jobs {
		if j.coord == nil && j.history.Status == types.JobRunning {
			continue // still starting
		}
		out = append(out, j.summary())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.Before(out[b].CreatedAt)
		}
		return out[a].Spec.ID < out[b].Spec.ID
	})
	return out
}

// Done returns a channel closed when the job reaches a terminal status.
func (m *Manager) Done(id string) (<-chan struct{}, error) {
	_, coord, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if coord == nil {
		ch := make(chan struct{})
		close(ch)
		return ch, nil
	}
	return coord.Done(), nil
}

// Stop terminates the job's units. Stopping a terminal job changes nothing.
func (m *Manager) Stop(ctx context.Context, id string) (types.JobSummary, error) {
	j, coord, err := m.lookup(id)
	if err != nil {
		return types.JobSummary{}, err
	}
	if coord != nil {
		if err := coord.Stop(ctx); err != nil {
			m.log.Warn("stop left units behind", "job", id, "error", err)
		}
		m.persist()
	}
	return m.summaryOf(j), nil
}

// Delete stops the job and forgets it. With purge, its checkpoints and
// journal are removed too.
func (m *Manager) Delete(ctx context.Context, id string, purge bool) error {
	j, coord, err := m.lookup(id)
	if err != nil {
		return err
	}
	if coord != nil {
		if err := coord.Stop(ctx); err != nil {
			m.log.Warn("stop left units behind", "job", id, "error", err)
		}
	}

	m.mu.Lock()
	delete(m.jobs, id)
	m.mu.Unlock()

	if j.journal != nil {
		j.journal.Close()
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.ForgetJob(id)
	}

	var errs []error
	if purge {
		store := j.store
		if store == nil {
			store = checkpoint.NewStore(m.cfg.Backend, checkpoint.Config{JobID: id, Logger: m.log})
		}
		if err := store.Purge(ctx); err != nil {
			errs = append(errs, fmt.Errorf("purge checkpoints: %w", err))
		}
		if m.cfg.JournalDir != "" {
			if err := os.Remove(m.journalPath(id)); err != nil && !os.IsNotExist(err) {
				errs = append(errs, fmt.Errorf("remove journal: %w", err))
			}
		}
	}
	m.persist()
	m.log.Info("job deleted", "job", id, "purge", purge)
	return errors.Join(errs...)
}

// Events returns the last n journal events of the job, oldest first.
func (m *Manager) Events(id string, n int) ([]journal.Event, error) {
	j, _, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	if m.cfg.JournalDir == "" {
		return nil, nil
	}
	m.mu.RLock()
	jl := j.journal
	m.mu.RUnlock()
	if jl != nil {
		return jl.Tail(n)
	}
	// history: read the file left by the previous run
	path := m.journalPath(id)
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	old, err := journal.Open(path, false)
	if err != nil {
		return nil, err
	}
	defer old.Close()
	return old.Tail(n)
}

// Record routes a heartbeat to its job. It implements heartbeat.Sink.
func (m *Manager) Record(jobID string, rank int, rec types.HeartbeatRecord) error {
	m.mu.RLock()
	j, ok := m.jobs[jobID]
	var coord *coordinator.Coordinator
	if ok {
		coord = j.coord
	}
	m.mu.RUnlock()
	if coord == nil {
		return fmt.Errorf("%w: %w: %s", heartbeat.ErrUnknownJob, ErrJobNotFound, jobID)
	}
	if err := coord.Record(rank, rec); err != nil {
		return err
	}
	if m.cfg.Metrics != nil {
		m.cfg.Metrics.HeartbeatReceived(jobID)
	}
	return nil
}

// ============================================================================
// Registry persistence
// ============================================================================

func (m *Manager) persist() {
	if m.cfg.Snapshots == nil {
		return
	}
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return
	}
	reg := m.registryLocked()
	m.mu.RUnlock()
	m.writeRegistry(reg)
}

func (m *Manager) registryLocked() snapshot.Registry {
	reg := snapshot.Registry{Jobs: make(map[string]snapshot.JobRecord, len(m.jobs))}
	for id, j := range m.jobs {
		if j.coord == nil && j.history.Status == types.JobRunning {
			continue
		}
		reg.Jobs[id] = j.record()
	}
	return reg
}

func (m *Manager) writeRegistry(reg snapshot.Registry) {
	if err := m.cfg.Snapshots.Write(reg); err != nil {
		m.log.Error("registry snapshot failed", "path", m.cfg.Snapshots.GetPath(), "error", err)
	}
}

// Recover restores the registry snapshot. Terminal jobs come back as
// history; running jobs are started again with the next generation.
// It returns the ids of the resumed jobs.
func (m *Manager) Recover(ctx context.Context) ([]string, error) {
	if m.cfg.Snapshots == nil {
		return nil, nil
	}
	reg, err := m.cfg.Snapshots.Load()
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}

	ids := make([]string, 0, len(reg.Jobs))
	for id := range reg.Jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var resumed []string
	var errs []error
	for _, id := range ids {
		rec := reg.Jobs[id]
		m.mu.Lock()
		if _, exists := m.jobs[id]; exists {
			m.mu.Unlock()
			continue
		}
		if rec.Status.Terminal() {
			m.jobs[id] = &job{spec: rec.Spec, generation: rec.Generation, history: rec}
			m.mu.Unlock()
			continue
		}
		j := &job{spec: rec.Spec, generation: rec.Generation + 1, history: rec}
		m.jobs[id] = j
		m.mu.Unlock()

		if err := m.start(ctx, j); err != nil {
			m.log.Error("resume failed", "job", id, "error", err)
			m.mu.Lock()
			j.history.Status = types.JobFailed
			j.history.Reason = "resume failed: " + err.Error()
			j.history.EndedAt = m.cfg.Clock()
			m.mu.Unlock()
			errs = append(errs, fmt.Errorf("resume %s: %w", id, err))
			continue
		}
		m.log.Info("job resumed", "job", id, "generation", j.generation)
		resumed = append(resumed, id)
	}
	m.persist()
	return resumed, errors.Join(errs...)
}

// Close terminates every running job's units without recording a status
// change, then closes the journals.
func (m *Manager) Close(ctx context.Context) error {
	m.persistMu.Lock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.persistMu.Unlock()
		return nil
	}
	// the registry keeps the pre-shutdown statuses for Recover
	if m.cfg.Snapshots != nil {
		m.writeRegistry(m.registryLocked())
	}
	m.closed = true
	jobs := make([]*job, 0, len(m.jobs))
	for _, j := range m.jobs {
		jobs = append(jobs, j)
	}
	m.mu.Unlock()
	m.persistMu.Unlock()

	var errs []error
	for _, j := range jobs {
		if j.coord != nil {
			if err := j.coord.Stop(ctx); err != nil {
				errs = append(errs, fmt.Errorf("stop %s: %w", j.spec.ID, err))
			}
		}
	}
	m.watchers.Wait()
	for _, j := range jobs {
		if j.journal != nil {
			j.journal.Close()
		}
	}
	return errors.Join(errs...)
}
