package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

// Checkpointer persists and resolves checkpoints. *checkpoint.Store implements it.
type Checkpointer interface {
	Latest(ctx context.Context, rank int) (types.Checkpoint, error)
	Commit(ctx context.Context, rank int, cp types.Checkpoint) error
}

// HeartbeatSender delivers heartbeats. *heartbeat.Reporter implements it.
type HeartbeatSender interface {
	Report(ctx context.Context, rec types.HeartbeatRecord) error
}

// SenderFunc adapts a function to HeartbeatSender.
type SenderFunc func(ctx context.Context, rec types.HeartbeatRecord) error

func (f SenderFunc) Report(ctx context.Context, rec types.HeartbeatRecord) error { return f(ctx, rec) }

// State is the opaque model state carried in checkpoint payloads. Each
// training step folds one sample into a rolling SHA-256 digest, so two runs
// over the same samples in the same order end with the same digest no matter
// how often they were interrupted.
type State struct {
	Digest  string `json:"digest"`
	Samples int    `json:"samples"`
}

// Apply performs one training step on sample.
func (s *State) Apply(sample string) {
	h := sha256.New()
	h.Write([]byte(s.Digest))
	h.Write([]byte{0})
	h.Write([]byte(sample))
	s.Digest = hex.EncodeToString(h.Sum(nil))
	s.Samples++
}

// Marshal encodes the state as a checkpoint payload.
func (s State) Marshal() (json.RawMessage, error) {
	return json.Marshal(s)
}

// DecodeState restores a state from a checkpoint payload. An empty payload
// is the initial state.
func DecodeState(payload json.RawMessage) (State, error) {
	var s State
	if len(payload) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(payload, &s); err != nil {
		return s, fmt.Errorf("decode model state: %w", err)
	}
	return s, nil
}
