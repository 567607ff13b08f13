// Package shard maps shards onto ranks.
//
// Ownership is static for the lifetime of a job: shard i belongs to rank
// i mod worldSize. The coordinator uses the mapping for display and the
// execution units use it to rebuild their own shard list after a restart, so
// both sides must get identical answers from identical inputs.
package shard

import (
	"errors"
	"fmt"
)

// ErrInvalidPartition reports inputs that cannot be partitioned.
var ErrInvalidPartition = errors.New("invalid partition")

// Assign returns the shard indices owned by rank, in ascending order.
func Assign(shardCount, worldSize, rank int) ([]int, error) {
	if err := validate(shardCount, worldSize); err != nil {
		return nil, err
	}
	if rank < 0 || rank >= worldSize {
		return nil, fmt.Errorf("%w: rank %d outside [0, %d)", ErrInvalidPartition, rank, worldSize)
	}

	owned := make([]int, 0, shardCount/worldSize+1)
	for i := rank; i < shardCount; i += worldSize {
		owned = append(owned, i)
	}
	return owned, nil
}

// Plan returns the assignment of every rank, indexed by rank.
func Plan(shardCount, worldSize int) ([][]int, error) {
	if err := validate(shardCount, worldSize); err != nil {
		return nil, err
	}
	plan := make([][]int, worldSize)
	for rank := range plan {
		owned, err := Assign(shardCount, worldSize, rank)
		if err != nil {
			return nil, err
		}
		plan[rank] = owned
	}
	return plan, nil
}

// Owner returns the rank that owns shardIndex.
func Owner(shardIndex, worldSize int) (int, error) {
	if worldSize <= 0 {
		return 0, fmt.Errorf("%w: world size %d", ErrInvalidPartition, worldSize)
	}
	if shardIndex < 0 {
		return 0, fmt.Errorf("%w: shard index %d", ErrInvalidPartition, shardIndex)
	}
	return shardIndex % worldSize, nil
}

func validate(shardCount, worldSize int) error {
	if worldSize <= 0 {
		return fmt.Errorf("%w: world size %d", ErrInvalidPartition, worldSize)
	}
	if shardCount <= 0 {
		return fmt.Errorf("%w: shard count %d", ErrInvalidPartition, shardCount)
	}
	return nil
}
