package journal

import (
	"errors"
	"time"
)

// ============================================================================
// Event types
// ============================================================================

// EventType names a job lifecycle event.
type EventType string

const (
	EventJobCreated       EventType = "JOB_CREATED"
	EventUnitSpawned      EventType = "UNIT_SPAWNED"
	EventSpawnFailed      EventType = "SPAWN_FAILED"
	EventUnitExited       EventType = "UNIT_EXITED"
	EventHeartbeatStale   EventType = "HEARTBEAT_STALE"
	EventTerminateTimeout EventType = "TERMINATE_TIMEOUT"
	EventRestartScheduled EventType = "RESTART_SCHEDULED"
	EventRankCompleted    EventType = "RANK_COMPLETED"
	EventRankFailed       EventType = "RANK_FAILED"
	EventJobCompleted     EventType = "JOB_COMPLETED"
	EventJobFailed        EventType = "JOB_FAILED"
	EventJobStopped       EventType = "JOB_STOPPED"
)

// JobRank is the Rank of events that concern the whole job.
const JobRank = -1

// Event is one journal record. Seq, Timestamp and Checksum are assigned by
// Append when left zero.
type Event struct {
	Seq       uint64    `json:"seq"`
	Type      EventType `json:"type"`
	JobID     string    `json:"job_id"`
	Rank      int       `json:"rank"`
	Attempt   int       `json:"attempt,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Checksum  uint32    `json:"checksum"`
}

// Handler is called for each event during Replay.
type Handler func(ev Event) error

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorrupted        = errors.New("journal: record is corrupted")
	ErrChecksumMismatch = errors.New("journal: checksum mismatch")
	ErrClosed           = errors.New("journal: already closed")
)
