// Package heartbeat tracks the liveness of execution units.
//
// The monitor keeps an in-memory table keyed by rank. Staleness is judged
// only against the monitor's own clock at the moment a record arrives, so
// clock skew between the coordinator and the units cannot cause false
// positives.
package heartbeat

import (
	"errors"
	"sync"
	"time"

	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

// ErrStaleAttempt rejects a heartbeat of an attempt that has been replaced.
// A unit receiving it must stop.
var ErrStaleAttempt = errors.New("heartbeat from a superseded attempt")

// Status is the liveness verdict for one rank.
type Status int

const (
	Unknown Status = iota // no heartbeat yet, still within the grace period
	Alive
	Stale
)

func (s Status) String() string {
	switch s {
	case Alive:
		return "alive"
	case Stale:
		return "stale"
	default:
		return "unknown"
	}
}

type entry struct {
	attempt    int       // attempt currently expected for the rank
	expectedAt time.Time // start of the grace period
	arrival    time.Time // monitor-local time of the last accepted record, zero if none
	last       types.HeartbeatRecord
	hasRecord  bool
}

// Monitor is safe for concurrent use.
type Monitor struct {
	mu      sync.RWMutex
	now     func() time.Time
	entries map[int]*entry
}

// NewMonitor returns a monitor that stamps arrivals with now. A nil now uses
// time.Now.
func NewMonitor(now func() time.Time) *Monitor {
	if now == nil {
		now = time.Now
	}
	return &Monitor{now: now, entries: make(map[int]*entry)}
}

// Expect starts a grace period for a freshly spawned attempt of rank. Any
// earlier record of the rank is discarded.
func (m *Monitor) Expect(rank, attempt int, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[rank] = &entry{attempt: attempt, expectedAt: at}
}

// Record stores rec as the latest heartbeat of rank. It returns false when
// the record belongs to an older attempt and was dropped.
func (m *Monitor) Record(rank int, rec types.HeartbeatRecord) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[rank]
	if !ok {
		e = &entry{attempt: rec.Attempt}
		m.entries[rank] = e
	}
	if rec.Attempt < e.attempt {
		return false
	}
	if rec.Attempt > e.attempt {
		e.attempt = rec.Attempt
	}

	arrival := m.now()
	if arrival.Before(e.arrival) {
		arrival = e.arrival
	}
	e.arrival = arrival
	// a completion report is never replaced by a later in-flight one
	if e.hasRecord && e.last.Done && !rec.Done && e.last.Attempt == rec.Attempt {
		return true
	}
	e.last = rec
	e.hasRecord = true
	return true
}

// Status evaluates rank at now against timeout.
func (m *Monitor) Status(rank int, now time.Time, timeout time.Duration) Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.entries[rank]
	if !ok {
		return Unknown
	}
	if e.arrival.IsZero() {
		if !e.expectedAt.IsZero() && now.Sub(e.expectedAt) > timeout {
			return Stale
		}
		return Unknown
	}
	if now.Sub(e.arrival) > timeout {
		return Stale
	}
	return Alive
}

// Last returns the most recent accepted record of rank.
func (m *Monitor) Last(rank int) (types.HeartbeatRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[rank]
	if !ok || !e.hasRecord {
		return types.HeartbeatRecord{}, false
	}
	return e.last, true
}

// LastArrival returns the monitor-local time of the last accepted record.
func (m *Monitor) LastArrival(rank int) time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if e, ok := m.entries[rank]; ok {
		return e.arrival
	}
	return time.Time{}
}

// Forget drops all state of rank.
func (m *Monitor) Forget(rank int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, rank)
}
