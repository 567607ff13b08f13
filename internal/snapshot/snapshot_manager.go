package snapshot

// ============================================================================
// Job registry snapshots
//
// 1. The job manager serializes every known job (spec, status, generation)
//    into one JSON file after each lifecycle change
// 2. Writes are atomic: temp file, fsync, rename, fsync of the directory
// 3. Load checks the schema version
// 4. On restart the registry tells the manager which jobs to resume
// ============================================================================

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
)

const schemaVersion = 1

// ============================================================================
// Data
// ============================================================================

// JobRecord is what survives a coordinator restart for one job.
type JobRecord struct {
	Spec      types.JobSpec   `json:"spec"`
	Status    types.JobStatus `json:"status"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	EndedAt   time.Time       `json:"ended_at,omitempty"`

	// Generation counts coordinator runs of the job; a resumed job gets the
	// next generation.
	Generation int `json:"generation"`
}

// Registry is the snapshot file content.
type Registry struct {
	SchemaVer int                  `json:"schema_version"`
	SavedAt   time.Time            `json:"saved_at"`
	Jobs      map[string]JobRecord `json:"jobs"`
}

// Manager reads and writes one registry file.
type Manager struct {
	path string
	mu   sync.Mutex
}

// NewManager returns a manager for path.
func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write atomically replaces the snapshot with reg.
func (m *Manager) Write(reg Registry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	reg.SchemaVer = schemaVersion
	if reg.SavedAt.IsZero() {
		reg.SavedAt = time.Now().UTC()
	}
	if reg.Jobs == nil {
		reg.Jobs = make(map[string]JobRecord)
	}

	// indented so operators can read it
	data, err := json.MarshalIndent(reg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(m.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpPath)
	}
	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("failed to sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp snapshot: %w", err)
	}

	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}

// Load reads the snapshot. A missing file is an empty registry.
func (m *Manager) Load() (Registry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var reg Registry
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Registry{SchemaVer: schemaVersion, Jobs: make(map[string]JobRecord)}, nil
		}
		return reg, fmt.Errorf("failed to read snapshot: %w", err)
	}

	if err := json.Unmarshal(data, &reg); err != nil {
		return reg, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if reg.SchemaVer != schemaVersion {
		return reg, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, reg.SchemaVer, schemaVersion)
	}
	if reg.Jobs == nil {
		reg.Jobs = make(map[string]JobRecord)
	}
	return reg, nil
}

// Exists reports whether a snapshot file is present.
func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// GetPath returns the snapshot file path.
func (m *Manager) GetPath() string {
	return m.path
}
