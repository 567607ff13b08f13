// ============================================================================
// Sample sources
// ============================================================================
//
// A SampleSource yields the line samples of one shard starting at a given
// line. The runtime walks its assigned shards through it, so the same loop
// serves on-disk datasets and in-memory fixtures.
//
// On-disk layout, one file per shard:
//
//	<dir>/shard_00000.txt
//	<dir>/shard_00001.txt
//	...
//
// Each line is one sample: "sample_id=<global id>, shard=<shard>".
//
// ============================================================================

package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrShardMissing means the data file of an assigned shard does not exist.
var ErrShardMissing = errors.New("shard data missing")

// SampleSource yields samples of a shard.
type SampleSource interface {
	// Each calls fn for every sample of shard with line index >= from, in
	// order. It stops at the first error returned by fn or when ctx is done.
	Each(ctx context.Context, shard, from int, fn func(line int, sample string) error) error
}

// ShardPath returns the data file of shard under dir.
func ShardPath(dir string, shard int) string {
	return filepath.Join(dir, fmt.Sprintf("shard_%05d.txt", shard))
}

// FileSource reads shards from a directory written by MakeDataset.
type FileSource struct {
	Dir string
}

func (s FileSource) Each(ctx context.Context, shard, from int, fn func(line int, sample string) error) error {
	f, err := os.Open(ShardPath(s.Dir, shard))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: shard %d in %s", ErrShardMissing, shard, s.Dir)
		}
		return fmt.Errorf("open shard %d: %w", shard, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		if line >= from {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := fn(line, sc.Text()); err != nil {
				return err
			}
		}
		line++
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read shard %d: %w", shard, err)
	}
	return nil
}

// MemorySource serves shards from memory, keyed by shard index.
type MemorySource map[int][]string

func (s MemorySource) Each(ctx context.Context, shard, from int, fn func(line int, sample string) error) error {
	lines, ok := s[shard]
	if !ok {
		return fmt.Errorf("%w: shard %d", ErrShardMissing, shard)
	}
	for i := from; i < len(lines); i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(i, lines[i]); err != nil {
			return err
		}
	}
	return nil
}

// Sample renders the sample with global id for shard.
func Sample(globalID, shard int) string {
	return fmt.Sprintf("sample_id=%d, shard=%d", globalID, shard)
}

// GenerateDataset builds the in-memory equivalent of MakeDataset.
func GenerateDataset(shards, linesPerShard int) MemorySource {
	src := make(MemorySource, shards)
	id := 0
	for s := 0; s < shards; s++ {
		lines := make([]string, linesPerShard)
		for i := range lines {
			lines[i] = Sample(id, s)
			id++
		}
		src[s] = lines
	}
	return src
}

// MakeDataset writes shards files of linesPerShard samples each under dir.
// Sample ids are global and increase across shards.
func MakeDataset(dir string, shards, linesPerShard int) error {
	if shards <= 0 || linesPerShard <= 0 {
		return fmt.Errorf("make dataset: shards=%d lines=%d must be positive", shards, linesPerShard)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("make dataset: %w", err)
	}
	id := 0
	for s := 0; s < shards; s++ {
		if err := writeShard(ShardPath(dir, s), s, id, linesPerShard); err != nil {
			return err
		}
		id += linesPerShard
	}
	return nil
}

func writeShard(path string, shard, firstID, lines int) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create shard %d: %w", shard, err)
	}
	w := bufio.NewWriter(f)
	for i := 0; i < lines; i++ {
		if _, err := fmt.Fprintln(w, Sample(firstID+i, shard)); err != nil {
			f.Close()
			return fmt.Errorf("write shard %d: %w", shard, err)
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write shard %d: %w", shard, err)
	}
	return f.Close()
}
