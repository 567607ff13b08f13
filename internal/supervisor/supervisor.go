// Package supervisor starts, observes and kills execution units.
//
// An execution unit is one attempt of one rank. The coordinator never talks
// to units directly; it spawns them through a Supervisor, hands them their
// initialization context through the environment, and learns about them
// only through heartbeats and PollExit.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

var (
	// ErrSpawn wraps every failure to start a unit.
	ErrSpawn = errors.New("spawn failed")
	// ErrSupervisorTimeout means a unit did not exit within the terminate bound.
	ErrSupervisorTimeout = errors.New("supervisor operation timed out")
)

// SpawnRequest is everything a unit needs to know about itself.
type SpawnRequest struct {
	JobID     string
	Rank      int
	WorldSize int
	Attempt   int
	Resume    types.ResumePoint
}

// Handle identifies a spawned unit.
type Handle interface {
	ID() string
}

// ExitStatus is the result of PollExit. Code is meaningful only when Running
// is false; -1 means the unit was killed by a signal.
type ExitStatus struct {
	Running bool
	Code    int
}

// Supervisor is implemented by ProcessSupervisor and InProcessSupervisor.
type Supervisor interface {
	Spawn(ctx context.Context, req SpawnRequest) (Handle, error)
	// Terminate kills the unit and waits a bounded time for it to exit.
	// Terminating an exited unit is a no-op.
	Terminate(ctx context.Context, h Handle) error
	PollExit(h Handle) ExitStatus
}

// ============================================================================
// Environment contract
// ============================================================================

const (
	EnvJobID       = "SR_JOB_ID"
	EnvRank        = "SR_RANK"
	EnvWorldSize   = "SR_WORLD_SIZE"
	EnvAttempt     = "SR_ATTEMPT"
	EnvResumeStep  = "SR_RESUME_STEP"
	EnvResumeShard = "SR_RESUME_SHARD"
	EnvResumeLine  = "SR_RESUME_LINE"
)

// EncodeEnv renders req as KEY=VALUE pairs. The resume variables are omitted
// for a unit that starts from scratch.
func EncodeEnv(req SpawnRequest) []string {
	env := []string{
		EnvJobID + "=" + req.JobID,
		EnvRank + "=" + strconv.Itoa(req.Rank),
		EnvWorldSize + "=" + strconv.Itoa(req.WorldSize),
		EnvAttempt + "=" + strconv.Itoa(req.Attempt),
	}
	if !req.Resume.FromScratch {
		env = append(env,
			EnvResumeStep+"="+strconv.Itoa(req.Resume.Step),
			EnvResumeShard+"="+strconv.Itoa(req.Resume.ShardIndex),
			EnvResumeLine+"="+strconv.Itoa(req.Resume.LineIndex),
		)
	}
	return env
}

// DecodeEnv is the inverse of EncodeEnv. lookup is usually os.LookupEnv.
func DecodeEnv(lookup func(string) (string, bool)) (SpawnRequest, error) {
	var req SpawnRequest
	jobID, ok := lookup(EnvJobID)
	if !ok || jobID == "" {
		return req, fmt.Errorf("%s is not set", EnvJobID)
	}
	req.JobID = jobID

	ints := []struct {
		name     string
		dst      *int
		required bool
	}{
		{EnvRank, &req.Rank, true},
		{EnvWorldSize, &req.WorldSize, true},
		{EnvAttempt, &req.Attempt, false},
		{EnvResumeStep, &req.Resume.Step, false},
		{EnvResumeShard, &req.Resume.ShardIndex, false},
		{EnvResumeLine, &req.Resume.LineIndex, false},
	}
	for _, v := range ints {
		raw, ok := lookup(v.name)
		if !ok || raw == "" {
			if v.required {
				return req, fmt.Errorf("%s is not set", v.name)
			}
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil {
			return req, fmt.Errorf("%s: %w", v.name, err)
		}
		*v.dst = n
	}
	if _, ok := lookup(EnvResumeStep); !ok {
		req.Resume.FromScratch = true
	}
	return req, nil
}
