// Package restart decides whether and when a failed rank may be restarted.
package restart

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRestartLimitExceeded is terminal for the rank.
	ErrRestartLimitExceeded = errors.New("restart limit exceeded")
	// ErrBackoffPending means a restart is scheduled but not yet due.
	ErrBackoffPending = errors.New("restart backoff pending")
)

// Config holds the per-job restart limits.
type Config struct {
	MaxRestarts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration // zero means uncapped
}

// Decision is the outcome of MayRestart. Reason is set when Allow is false.
type Decision struct {
	Allow  bool
	Delay  time.Duration
	Reason error
}

type rankState struct {
	count      int
	pending    bool
	eligibleAt time.Time
}

// Policy tracks restart counts and backoff deadlines per rank. Counts are
// monotonic for the lifetime of the job.
type Policy struct {
	cfg   Config
	mu    sync.Mutex
	ranks map[int]*rankState
}

// NewPolicy returns an empty policy.
func NewPolicy(cfg Config) *Policy {
	return &Policy{cfg: cfg, ranks: make(map[int]*rankState)}
}

func (p *Policy) state(rank int) *rankState {
	st, ok := p.ranks[rank]
	if !ok {
		st = &rankState{}
		p.ranks[rank] = st
	}
	return st
}

// MayRestart reports whether rank may be restarted at now.
//
// The first call after a failure schedules the restart and returns the delay
// to wait. Calls before the deadline return ErrBackoffPending without
// changing anything, and calls after it return Allow with zero delay.
func (p *Policy) MayRestart(rank int, now time.Time) Decision {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.state(rank)
	if st.count >= p.cfg.MaxRestarts {
		return Decision{Reason: ErrRestartLimitExceeded}
	}
	if st.pending {
		if now.Before(st.eligibleAt) {
			return Decision{Delay: st.eligibleAt.Sub(now), Reason: ErrBackoffPending}
		}
		return Decision{Allow: true}
	}

	delay := p.Backoff(st.count)
	st.pending = true
	st.eligibleAt = now.Add(delay)
	return Decision{Allow: true, Delay: delay}
}

// RecordRestart counts one actual restart attempt of rank.
func (p *Policy) RecordRestart(rank int, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.state(rank)
	st.count++
	st.pending = false
	st.eligibleAt = time.Time{}
}

// Count returns the number of restarts recorded for rank.
func (p *Policy) Count(rank int) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.ranks[rank]; ok {
		return st.count
	}
	return 0
}

// EligibleAt returns the scheduled restart time of rank, zero if none.
func (p *Policy) EligibleAt(rank int) time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	if st, ok := p.ranks[rank]; ok && st.pending {
		return st.eligibleAt
	}
	return time.Time{}
}

// Backoff returns the delay before restart number n (counted from zero):
// BaseDelay * 2^n, capped at MaxDelay.
func (p *Policy) Backoff(n int) time.Duration {
	d := p.cfg.BaseDelay
	for i := 0; i < n; i++ {
		if p.cfg.MaxDelay > 0 && d >= p.cfg.MaxDelay {
			break
		}
		if d > time.Duration(1<<62)/2 {
			break
		}
		d *= 2
	}
	if p.cfg.MaxDelay > 0 && d > p.cfg.MaxDelay {
		d = p.cfg.MaxDelay
	}
	return d
}
