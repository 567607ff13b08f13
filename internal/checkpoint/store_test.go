package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/shard-recovery/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// faultyBackend fails Replace for keys matching failOn, simulating a crash
// after the temp write of that step.
type faultyBackend struct {
	Backend
	mu     sync.Mutex
	failOn string
}

func (f *faultyBackend) setFailOn(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failOn = s
}

func (f *faultyBackend) Replace(ctx context.Context, tmpKey, key string) error {
	f.mu.Lock()
	failOn := f.failOn
	f.mu.Unlock()
	if failOn != "" && strings.Contains(key, failOn) {
		return errors.New("injected crash")
	}
	return f.Backend.Replace(ctx, tmpKey, key)
}

type recordingObserver struct {
	mu   sync.Mutex
	ok   int
	fail int
}

func (o *recordingObserver) ObserveCommit(_ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.fail++
	} else {
		o.ok++
	}
}

func newTestStore(t *testing.T, retention int) (*Store, *faultyBackend) {
	t.Helper()
	fs, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)
	fb := &faultyBackend{Backend: fs}
	return NewStore(fb, Config{JobID: "job-1", Retention: retention}), fb
}

func cpAt(step, shard, line int) types.Checkpoint {
	return types.Checkpoint{
		Step:       step,
		ShardIndex: shard,
		LineIndex:  line,
		Payload:    json.RawMessage(`{"digest":"abc"}`),
	}
}

func TestLatestMissingIsNotFound(t *testing.T) {
	store, _ := newTestStore(t, 0)
	_, err := store.Latest(context.Background(), 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCommitAndLatest(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, 0)

	require.NoError(t, store.Commit(ctx, 2, cpAt(10, 2, 10)))
	require.NoError(t, store.Commit(ctx, 2, cpAt(20, 6, 3)))

	cp, err := store.Latest(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, cp.Rank)
	assert.Equal(t, 20, cp.Step)
	assert.Equal(t, 6, cp.ShardIndex)
	assert.Equal(t, 3, cp.LineIndex)
	assert.JSONEq(t, `{"digest":"abc"}`, string(cp.Payload))
	assert.False(t, cp.CommittedAt.IsZero())

	// other ranks are independent
	_, err = store.Latest(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

// TestCrashMidCommitKeepsLatest injects a failure at each visibility step in
// turn; Latest must keep returning the previous checkpoint every time.
func TestCrashMidCommitKeepsLatest(t *testing.T) {
	for _, failOn := range []string{"checkpoints/checkpoint-", "manifests/manifest-", pointerName} {
		t.Run(failOn, func(t *testing.T) {
			ctx := context.Background()
			store, fb := newTestStore(t, 0)
			require.NoError(t, store.Commit(ctx, 0, cpAt(20, 0, 20)))

			fb.setFailOn(failOn)
			err := store.Commit(ctx, 0, cpAt(30, 4, 2))
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrWrite)

			cp, err := store.Latest(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, 20, cp.Step)

			// the next commit succeeds once the fault clears
			fb.setFailOn("")
			require.NoError(t, store.Commit(ctx, 0, cpAt(30, 4, 2)))
			cp, err = store.Latest(ctx, 0)
			require.NoError(t, err)
			assert.Equal(t, 30, cp.Step)
		})
	}
}

func TestCrashOnFirstCommitIsNotFound(t *testing.T) {
	ctx := context.Background()
	store, fb := newTestStore(t, 0)
	fb.setFailOn(pointerName)

	require.ErrorIs(t, store.Commit(ctx, 1, cpAt(5, 1, 5)), ErrWrite)
	_, err := store.Latest(ctx, 1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNoTempObjectsLeftAfterFailure(t *testing.T) {
	ctx := context.Background()
	store, fb := newTestStore(t, 0)
	fb.setFailOn("manifests/")
	require.Error(t, store.Commit(ctx, 0, cpAt(1, 0, 1)))

	keys, err := fb.List(ctx, "job-1/")
	require.NoError(t, err)
	for _, k := range keys {
		assert.NotContains(t, k, ".tmp", "temp object %s left behind", k)
	}
}

func TestCorruptManifestFallsBack(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)
	store := NewStore(fs, Config{JobID: "job-1"})

	require.NoError(t, store.Commit(ctx, 3, cpAt(10, 3, 10)))
	require.NoError(t, store.Commit(ctx, 3, cpAt(20, 3, 20)))

	// damage the newest manifest in place
	path := filepath.Join(fs.Root(), filepath.FromSlash(store.ManifestKey(3, 2)))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	cp, err := store.Latest(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, 10, cp.Step)
}

func TestMissingCheckpointFallsBack(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)
	store := NewStore(fs, Config{JobID: "job-1"})

	require.NoError(t, store.Commit(ctx, 0, cpAt(10, 0, 10)))
	require.NoError(t, store.Commit(ctx, 0, cpAt(20, 0, 20)))
	require.NoError(t, fs.Delete(ctx, store.CheckpointKey(0, 2)))

	cp, err := store.Latest(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, cp.Step)
}

// TestRecommitSameStepKeepsOlderVersion commits the periodic and the final
// checkpoint of the same step; the older manifest must still resolve to its
// own object.
func TestRecommitSameStepKeepsOlderVersion(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)
	store := NewStore(fs, Config{JobID: "job-1"})

	require.NoError(t, store.Commit(ctx, 0, cpAt(10, 0, 10)))
	final := cpAt(10, 0, 10)
	final.Done = true
	require.NoError(t, store.Commit(ctx, 0, final))
	assert.NotEqual(t, store.CheckpointKey(0, 1), store.CheckpointKey(0, 2))

	cp, err := store.Latest(ctx, 0)
	require.NoError(t, err)
	assert.True(t, cp.Done)

	path := filepath.Join(fs.Root(), filepath.FromSlash(store.ManifestKey(0, 2)))
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	cp, err = store.Latest(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 10, cp.Step)
	assert.False(t, cp.Done, "version 1 must still name the periodic checkpoint")
}

func TestNothingResolvesIsNotFound(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)
	store := NewStore(fs, Config{JobID: "job-1"})

	require.NoError(t, store.Commit(ctx, 0, cpAt(10, 0, 10)))
	path := filepath.Join(fs.Root(), filepath.FromSlash(store.ManifestKey(0, 1)))
	require.NoError(t, os.WriteFile(path, []byte("garbage"), 0o644))

	_, err = store.Latest(ctx, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, err, ErrManifestCorrupt)
}

func TestCorruptPointerIsNotFound(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)
	store := NewStore(fs, Config{JobID: "job-1"})
	require.NoError(t, store.Commit(ctx, 0, cpAt(10, 0, 10)))

	path := filepath.Join(fs.Root(), filepath.FromSlash(store.PointerKey(0)))
	require.NoError(t, os.WriteFile(path, []byte("???"), 0o644))

	_, err = store.Latest(ctx, 0)
	assert.ErrorIs(t, err, ErrNotFound)

	// a later commit must not reuse the version of the existing manifest
	require.NoError(t, store.Commit(ctx, 0, cpAt(20, 0, 20)))
	cp, err := store.Latest(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 20, cp.Step)
	_, err = fs.Read(ctx, store.ManifestKey(0, 2))
	assert.NoError(t, err)
}

func TestRetentionPrunesOldVersions(t *testing.T) {
	ctx := context.Background()
	store, fb := newTestStore(t, 2)

	for step := 10; step <= 50; step += 10 {
		require.NoError(t, store.Commit(ctx, 0, cpAt(step, 0, step)))
	}

	versions, err := store.manifestVersions(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, versions)

	cps, err := store.checkpointVersions(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{4, 5}, cps)

	cp, err := store.Latest(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 50, cp.Step)

	keys, err := fb.List(ctx, "job-1/rank-0/")
	require.NoError(t, err)
	assert.Len(t, keys, 5) // two manifests, two checkpoints, LATEST
}

func TestPurgeRemovesJob(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)
	store := NewStore(fs, Config{JobID: "job-1"})
	other := NewStore(fs, Config{JobID: "job-10"})

	require.NoError(t, store.Commit(ctx, 0, cpAt(1, 0, 1)))
	require.NoError(t, store.Commit(ctx, 1, cpAt(1, 1, 1)))
	require.NoError(t, other.Commit(ctx, 0, cpAt(7, 0, 7)))

	require.NoError(t, store.Purge(ctx))

	_, err = store.Latest(ctx, 0)
	assert.ErrorIs(t, err, ErrNotFound)
	cp, err := other.Latest(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 7, cp.Step)
}

func TestObserverSeesOutcomes(t *testing.T) {
	ctx := context.Background()
	fs, err := NewFSBackend(t.TempDir())
	require.NoError(t, err)
	fb := &faultyBackend{Backend: fs}
	obs := &recordingObserver{}
	store := NewStore(fb, Config{JobID: "job-1", Observer: obs})

	require.NoError(t, store.Commit(ctx, 0, cpAt(1, 0, 1)))
	fb.setFailOn(pointerName)
	require.Error(t, store.Commit(ctx, 0, cpAt(2, 0, 2)))

	assert.Equal(t, 1, obs.ok)
	assert.Equal(t, 1, obs.fail)
}

// TestConcurrentReadersNeverSeePartialState runs Latest in a loop while
// commits advance; every read is either NotFound or a complete checkpoint.
func TestConcurrentReadersNeverSeePartialState(t *testing.T) {
	ctx := context.Background()
	store, _ := newTestStore(t, 3)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		last := 0
		for {
			select {
			case <-done:
				return
			default:
			}
			cp, err := store.Latest(ctx, 0)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if !assert.NoError(t, err) {
				return
			}
			assert.Equal(t, cp.Step, cp.LineIndex)
			assert.GreaterOrEqual(t, cp.Step, last)
			last = cp.Step
		}
	}()

	for step := 1; step <= 40; step++ {
		require.NoError(t, store.Commit(ctx, 0, cpAt(step, 0, step)))
	}
	close(done)
	wg.Wait()
}

func TestParseIndexed(t *testing.T) {
	v, ok := parseIndexed("manifest-0000000012.json", "manifest-")
	assert.True(t, ok)
	assert.Equal(t, 12, v)

	_, ok = parseIndexed("manifest-0000000012.json.tmp.123", "manifest-")
	assert.False(t, ok)
	_, ok = parseIndexed("checkpoint-abc.json", "checkpoint-")
	assert.False(t, ok)
}
