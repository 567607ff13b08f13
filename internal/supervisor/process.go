package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// ProcessConfig describes how to launch a unit as an OS process.
type ProcessConfig struct {
	Command     string   // executable, usually the running trainctl binary
	Args        []string // e.g. ["worker", "--config", path]
	Env         []string // extra KEY=VALUE pairs shared by every unit
	Dir         string
	KillTimeout time.Duration // bound on each kill phase
	Stdout      io.Writer
	Stderr      io.Writer
	Logger      *slog.Logger
}

// ProcessSupervisor runs each unit in its own process group.
type ProcessSupervisor struct {
	cfg ProcessConfig
	log *slog.Logger
}

type processHandle struct {
	id   string
	cmd  *exec.Cmd
	done chan struct{}

	mu   sync.Mutex
	code int
}

func (h *processHandle) ID() string { return h.id }

// NewProcessSupervisor returns a supervisor for cfg. The current executable
// is used when cfg.Command is empty.
func NewProcessSupervisor(cfg ProcessConfig) (*ProcessSupervisor, error) {
	if cfg.Command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		cfg.Command = exe
	}
	if cfg.KillTimeout <= 0 {
		cfg.KillTimeout = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ProcessSupervisor{cfg: cfg, log: cfg.Logger}, nil
}

// Spawn starts a process for req. ctx only bounds the start itself; the
// process outlives it.
func (s *ProcessSupervisor) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	cmd := exec.Command(s.cfg.Command, s.cfg.Args...)
	cmd.Dir = s.cfg.Dir
	cmd.Env = append(append(os.Environ(), s.cfg.Env...), EncodeEnv(req)...)
	cmd.Stdout = s.cfg.Stdout
	cmd.Stderr = s.cfg.Stderr
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: rank %d: %w", ErrSpawn, req.Rank, err)
	}

	h := &processHandle{
		id:   fmt.Sprintf("%s/rank-%d/attempt-%d/pid-%d", req.JobID, req.Rank, req.Attempt, cmd.Process.Pid),
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		err := cmd.Wait()
		code := 0
		if err != nil {
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				code = exitErr.ExitCode()
			} else {
				code = -1
			}
		}
		h.mu.Lock()
		h.code = code
		h.mu.Unlock()
		close(h.done)
	}()

	s.log.Info("unit spawned", "job", req.JobID, "rank", req.Rank, "attempt", req.Attempt, "pid", cmd.Process.Pid)
	return h, nil
}

// Terminate kills the process group, then the process itself if the group
// kill did not take effect in time.
func (s *ProcessSupervisor) Terminate(ctx context.Context, h Handle) error {
	ph, ok := h.(*processHandle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	if exited(ph.done) {
		return nil
	}

	pid := ph.cmd.Process.Pid
	if err := killGroup(ph.cmd); err != nil {
		s.log.Warn("group kill failed", "handle", ph.id, "error", err)
	}
	if s.wait(ctx, ph.done) {
		return nil
	}

	s.log.Warn("unit survived group kill, escalating", "handle", ph.id, "pid", pid)
	if err := ph.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		s.log.Warn("process kill failed", "handle", ph.id, "error", err)
	}
	if s.wait(ctx, ph.done) {
		return nil
	}
	return fmt.Errorf("%w: %s did not exit", ErrSupervisorTimeout, ph.id)
}

func (s *ProcessSupervisor) wait(ctx context.Context, done <-chan struct{}) bool {
	timer := time.NewTimer(s.cfg.KillTimeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

// PollExit never blocks.
func (s *ProcessSupervisor) PollExit(h Handle) ExitStatus {
	ph, ok := h.(*processHandle)
	if !ok {
		return ExitStatus{Code: -1}
	}
	if !exited(ph.done) {
		return ExitStatus{Running: true}
	}
	ph.mu.Lock()
	defer ph.mu.Unlock()
	return ExitStatus{Code: ph.code}
}

func exited(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
