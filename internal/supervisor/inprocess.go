package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// RunFunc is the body of an in-process unit. It must return when ctx is
// cancelled; a nil return is exit code 0.
type RunFunc func(ctx context.Context, req SpawnRequest) error

// InProcessSupervisor runs units as goroutines. Terminate cancels the unit's
// context, which is the in-process equivalent of SIGKILL.
type InProcessSupervisor struct {
	run         RunFunc
	killTimeout time.Duration

	// BeforeSpawn, when set, can veto a spawn by returning an error.
	BeforeSpawn func(req SpawnRequest) error

	mu         sync.Mutex
	seq        int
	spawned    []SpawnRequest
	terminates int
}

type inProcHandle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	code int
}

func (h *inProcHandle) ID() string { return h.id }

// NewInProcessSupervisor returns a supervisor running run for every unit.
func NewInProcessSupervisor(run RunFunc, killTimeout time.Duration) *InProcessSupervisor {
	if killTimeout <= 0 {
		killTimeout = 5 * time.Second
	}
	return &InProcessSupervisor{run: run, killTimeout: killTimeout}
}

func (s *InProcessSupervisor) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawn, err)
	}
	if s.BeforeSpawn != nil {
		if err := s.BeforeSpawn(req); err != nil {
			return nil, fmt.Errorf("%w: rank %d: %w", ErrSpawn, req.Rank, err)
		}
	}

	s.mu.Lock()
	s.seq++
	id := fmt.Sprintf("%s/rank-%d/attempt-%d/unit-%d", req.JobID, req.Rank, req.Attempt, s.seq)
	s.spawned = append(s.spawned, req)
	s.mu.Unlock()

	unitCtx, cancel := context.WithCancel(context.Background())
	h := &inProcHandle{id: id, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		err := s.run(unitCtx, req)
		code := 0
		switch {
		case unitCtx.Err() != nil:
			code = -1
		case err != nil:
			code = 1
		}
		h.mu.Lock()
		h.code = code
		h.mu.Unlock()
	}()
	return h, nil
}

func (s *InProcessSupervisor) Terminate(ctx context.Context, h Handle) error {
	ih, ok := h.(*inProcHandle)
	if !ok {
		return fmt.Errorf("foreign handle %T", h)
	}
	if exited(ih.done) {
		return nil
	}
	s.mu.Lock()
	s.terminates++
	s.mu.Unlock()

	ih.cancel()
	timer := time.NewTimer(s.killTimeout)
	defer timer.Stop()
	select {
	case <-ih.done:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	return fmt.Errorf("%w: %s did not exit", ErrSupervisorTimeout, ih.id)
}

func (s *InProcessSupervisor) PollExit(h Handle) ExitStatus {
	ih, ok := h.(*inProcHandle)
	if !ok {
		return ExitStatus{Code: -1}
	}
	if !exited(ih.done) {
		return ExitStatus{Running: true}
	}
	ih.mu.Lock()
	defer ih.mu.Unlock()
	return ExitStatus{Code: ih.code}
}

// Spawned returns every request that produced a unit, in order.
func (s *InProcessSupervisor) Spawned() []SpawnRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SpawnRequest(nil), s.spawned...)
}

// Terminations returns how many live units Terminate was asked to kill.
func (s *InProcessSupervisor) Terminations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminates
}
