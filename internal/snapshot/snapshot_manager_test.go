package snapshot

// ============================================================================
// Registry snapshot tests: atomic write, load, version check, corruption
// ============================================================================

import (
	"fmt"
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

func testRecord(id string, status types.JobStatus, gen int) JobRecord {
	return JobRecord{
		Spec: types.JobSpec{
			ID:                 id,
			WorldSize:          4,
			ShardCount:         8,
			CheckpointInterval: 10,
			HeartbeatTimeout:   10 * time.Second,
			MaxRestarts:        3,
			BackoffBase:        500 * time.Millisecond,
			BackoffMax:         30 * time.Second,
		},
		Status:     status,
		CreatedAt:  time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		Generation: gen,
	}
}

func TestNewManager(t *testing.T) {
	manager := NewManager("registry.json")
	assert.NotNil(t, manager)
	assert.Equal(t, "registry.json", manager.GetPath())
}

func TestWriteAndLoad(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "registry.json"))

	done := testRecord("job-002", types.JobCompleted, 2)
	done.EndedAt = time.Date(2025, 1, 1, 1, 0, 0, 0, time.UTC)
	original := Registry{Jobs: map[string]JobRecord{
		"job-001": testRecord("job-001", types.JobRunning, 0),
		"job-002": done,
	}}

	require.NoError(t, manager.Write(original))

	loaded, err := manager.Load()
	require.NoError(t, err)
	assert.Equal(t, schemaVersion, loaded.SchemaVer)
	assert.False(t, loaded.SavedAt.IsZero())
	require.Len(t, loaded.Jobs, 2)
	for id, want := range original.Jobs {
		got, ok := loaded.Jobs[id]
		require.True(t, ok, "job %s should exist", id)
		assert.Equal(t, want.Spec, got.Spec)
		assert.Equal(t, want.Status, got.Status)
		assert.Equal(t, want.Generation, got.Generation)
		assert.True(t, want.EndedAt.Equal(got.EndedAt))
	}
}

// TestFirstBoot: no snapshot yet is an empty registry.
func TestFirstBoot(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "registry.json"))
	assert.False(t, manager.Exists())

	reg, err := manager.Load()
	require.NoError(t, err)
	assert.NotNil(t, reg.Jobs)
	assert.Empty(t, reg.Jobs)
}

func TestWriteCreatesDirectoryAndLeavesNoTemp(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")
	manager := NewManager(filepath.Join(dir, "registry.json"))
	require.NoError(t, manager.Write(Registry{}))
	assert.True(t, manager.Exists())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "registry.json", entries[0].Name())
}

func TestVersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 99, "jobs": {}}`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestCorrupted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"schema_version": 1, "jobs": {`), 0o644))

	_, err := NewManager(path).Load()
	assert.ErrorIs(t, err, ErrCorruptedSnapshot)
}

// TestWriteFailure: renaming onto a directory fails and the temp file is removed.
func TestWriteFailure(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.Mkdir(path, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(path, "keep"), nil, 0o644))

	err := NewManager(path).Write(Registry{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "rename"))

	matches, _ := filepath.Glob(path + ".tmp.*")
	assert.Empty(t, matches, "temp file must be cleaned up")
}

func TestConcurrentWritesAndReads(t *testing.T) {
	manager := NewManager(filepath.Join(t.TempDir(), "registry.json"))
	require.NoError(t, manager.Write(Registry{}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("job-%d", i)
			assert.NoError(t, manager.Write(Registry{Jobs: map[string]JobRecord{id: testRecord(id, types.JobRunning, i)}}))
		}(i)
		go func() {
			defer wg.Done()
			reg, err := manager.Load()
			assert.NoError(t, err)
			assert.LessOrEqual(t, len(reg.Jobs), 1)
		}()
	}
	wg.Wait()

	reg, err := manager.Load()
	require.NoError(t, err)
	assert.Len(t, reg.Jobs, 1)
}
