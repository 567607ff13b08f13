// Package types defines the domain model shared by the coordinator, the
// checkpoint store and the execution units.
package types

import (
	"encoding/json"
	"time"
)

// JobStatus is the job-level lifecycle state.
type JobStatus string

const (
	JobRunning   JobStatus = "running"   // at least one rank is not terminal
	JobCompleted JobStatus = "completed" // every rank reported completion
	JobFailed    JobStatus = "failed"    // a rank exhausted its restart budget
	JobStopped   JobStatus = "stopped"   // stopped or deleted by the management layer
)

// Terminal reports whether no further transitions can happen.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobStopped
}

// WorkerState is the per-rank lifecycle state owned by the coordinator.
type WorkerState string

const (
	WorkerSpawning   WorkerState = "spawning"   // unit requested, waiting for the first heartbeat
	WorkerRunning    WorkerState = "running"    // heartbeats arriving within the timeout
	WorkerStale      WorkerState = "stale"      // timeout exceeded, unit being terminated
	WorkerRestarting WorkerState = "restarting" // waiting for the backoff deadline
	WorkerCompleted  WorkerState = "completed"  // final step reached
	WorkerFailed     WorkerState = "failed"     // restart budget exhausted
)

// Terminal reports whether the state is sticky.
func (s WorkerState) Terminal() bool {
	return s == WorkerCompleted || s == WorkerFailed
}

// JobSpec is the immutable description of a training job.
type JobSpec struct {
	ID                 string        `json:"id" yaml:"id"`
	WorldSize          int           `json:"world_size" yaml:"world_size"`
	ShardCount         int           `json:"shard_count" yaml:"shard_count"`
	CheckpointInterval int           `json:"checkpoint_interval" yaml:"checkpoint_interval"` // steps between persists
	HeartbeatTimeout   time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	MaxRestarts        int           `json:"max_restarts" yaml:"max_restarts"`
	BackoffBase        time.Duration `json:"backoff_base" yaml:"backoff_base"`
	BackoffMax         time.Duration `json:"backoff_max" yaml:"backoff_max"`
}

// Progress is the last known (step, shard, line) position of a rank.
type Progress struct {
	Step       int `json:"step"`
	ShardIndex int `json:"shard_index"`
	LineIndex  int `json:"line_index"`
}

// ResumePoint is handed to a new execution unit. FromScratch is set when no
// checkpoint exists for the rank.
type ResumePoint struct {
	Progress
	FromScratch bool `json:"from_scratch"`
}

// HeartbeatRecord is the periodic liveness and progress signal of a unit.
// Timestamp is the sender's clock and is informational only.
type HeartbeatRecord struct {
	JobID      string    `json:"job_id"`
	Rank       int       `json:"rank"`
	Attempt    int       `json:"attempt"`
	Timestamp  time.Time `json:"timestamp"`
	Step       int       `json:"step"`
	ShardIndex int       `json:"shard_index"`
	LineIndex  int       `json:"line_index"`
	Done       bool      `json:"done"`
}

// Progress returns the progress tuple carried by the heartbeat.
func (h HeartbeatRecord) Progress() Progress {
	return Progress{Step: h.Step, ShardIndex: h.ShardIndex, LineIndex: h.LineIndex}
}

// Checkpoint is the unit of atomic persistence for one rank. ShardIndex and
// LineIndex name the next sample to process.
type Checkpoint struct {
	Rank        int             `json:"rank"`
	Step        int             `json:"step"`
	ShardIndex  int             `json:"shard_index"`
	LineIndex   int             `json:"line_index"`
	Done        bool            `json:"done,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CommittedAt time.Time       `json:"committed_at"`
}

// ResumePoint converts the checkpoint into a resume point.
func (c Checkpoint) ResumePoint() ResumePoint {
	return ResumePoint{Progress: Progress{Step: c.Step, ShardIndex: c.ShardIndex, LineIndex: c.LineIndex}}
}

// ExitInfo records the last observed exit of a rank's execution unit.
type ExitInfo struct {
	Code int       `json:"code"`
	At   time.Time `json:"at"`
}

// WorkerSlot is the coordinator's record for one rank. Values handed out to
// callers are copies.
type WorkerSlot struct {
	Rank          int         `json:"rank"`
	HandleID      string      `json:"handle_id,omitempty"`
	State         WorkerState `json:"state"`
	Attempt       int         `json:"attempt"`
	RestartCount  int         `json:"restart_count"`
	NextRestartAt time.Time   `json:"next_restart_at,omitempty"`
	Progress      Progress    `json:"progress"`
	LastHeartbeat time.Time   `json:"last_heartbeat,omitempty"`
	LastExit      *ExitInfo   `json:"last_exit,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
}

// JobSummary is what the management layer renders for a job.
type JobSummary struct {
	Spec      JobSpec      `json:"spec"`
	Status    JobStatus    `json:"status"`
	Reason    string       `json:"reason,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	EndedAt   time.Time    `json:"ended_at,omitempty"`
	Workers   []WorkerSlot `json:"workers"`
}
