// Package checkpoint persists per-rank training progress.
//
// Every commit goes through the same sequence:
//
//  1. the checkpoint is written to a temp object next to its final key and synced
//  2. the temp object is atomically replaced onto rank-R/checkpoints/checkpoint-V.json,
//     where V is the manifest version being committed
//  3. a manifest naming that checkpoint is written the same way
//  4. only then is rank-R/LATEST replaced to name the new manifest
//
// A crash anywhere before step 4 leaves LATEST naming the previous manifest,
// so Latest always resolves to a fully written checkpoint or to nothing.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

// ============================================================================
// Errors
// ============================================================================

var (
	ErrWrite           = errors.New("checkpoint write failed")
	ErrManifestCorrupt = errors.New("checkpoint manifest is corrupt")
	ErrNotFound        = errors.New("no checkpoint")
)

const (
	schemaVersion = 1
	pointerName   = "LATEST"
)

// ============================================================================
// Persisted records
// ============================================================================

// Manifest names the checkpoint of one committed version.
type Manifest struct {
	SchemaVer   int       `json:"schema_ver"`
	Rank        int       `json:"rank"`
	Version     int       `json:"version"`
	Checkpoint  string    `json:"checkpoint"`
	Step        int       `json:"step"`
	Previous    string    `json:"previous,omitempty"`
	CommittedAt time.Time `json:"committed_at"`
}

type pointer struct {
	Manifest string `json:"manifest"`
	Version  int    `json:"version"`
}

// CommitObserver receives the outcome of every Commit. metrics.Collector
// implements it.
type CommitObserver interface {
	ObserveCommit(d time.Duration, err error)
}

// Config configures a Store.
type Config struct {
	JobID     string
	Retention int // manifests kept per rank after a commit; 0 keeps all
	Now       func() time.Time
	Logger    *slog.Logger
	Observer  CommitObserver
}

// Store implements the commit protocol for one job on top of a Backend.
type Store struct {
	backend Backend
	cfg     Config
	log     *slog.Logger

	// commits to the same rank are serialized so version numbers stay unique
	// within this process; ranks never share keys
	mu    sync.Mutex
	ranks map[int]*sync.Mutex
}

// NewStore returns a store rooted at cfg.JobID inside backend.
func NewStore(backend Backend, cfg Config) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Store{
		backend: backend,
		cfg:     cfg,
		log:     cfg.Logger.With("job", cfg.JobID),
		ranks:   make(map[int]*sync.Mutex),
	}
}

// ============================================================================
// Key layout
// ============================================================================

func (s *Store) rankPrefix(rank int) string {
	return path.Join(s.cfg.JobID, fmt.Sprintf("rank-%d", rank))
}

// CheckpointKey returns the final key of the checkpoint committed as version.
// Each version owns its checkpoint object, so re-committing a step never
// touches an object an older manifest names.
func (s *Store) CheckpointKey(rank, version int) string {
	return path.Join(s.rankPrefix(rank), "checkpoints", fmt.Sprintf("checkpoint-%010d.json", version))
}

// ManifestKey returns the final key of manifest version.
func (s *Store) ManifestKey(rank, version int) string {
	return path.Join(s.rankPrefix(rank), "manifests", fmt.Sprintf("manifest-%010d.json", version))
}

// PointerKey returns the key of the rank's LATEST pointer.
func (s *Store) PointerKey(rank int) string {
	return path.Join(s.rankPrefix(rank), pointerName)
}

func (s *Store) rankLock(rank int) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.ranks[rank]
	if !ok {
		l = &sync.Mutex{}
		s.ranks[rank] = l
	}
	return l
}

// ============================================================================
// Commit
// ============================================================================

// Commit durably persists cp as the rank's latest checkpoint. On any error
// the previous latest checkpoint stays in effect.
func (s *Store) Commit(ctx context.Context, rank int, cp types.Checkpoint) (err error) {
	start := time.Now()
	defer func() {
		if s.cfg.Observer != nil {
			s.cfg.Observer.ObserveCommit(time.Since(start), err)
		}
	}()

	l := s.rankLock(rank)
	l.Lock()
	defer l.Unlock()

	cp.Rank = rank
	cp.CommittedAt = s.cfg.Now().UTC()

	prev, version, err := s.nextVersion(ctx, rank)
	if err != nil {
		return fmt.Errorf("%w: resolve version: %w", ErrWrite, err)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("%w: encode checkpoint: %w", ErrWrite, err)
	}
	cpKey := s.CheckpointKey(rank, version)
	if err := s.put(ctx, cpKey, data); err != nil {
		return fmt.Errorf("%w: checkpoint step %d: %w", ErrWrite, cp.Step, err)
	}

	m := Manifest{
		SchemaVer:   schemaVersion,
		Rank:        rank,
		Version:     version,
		Checkpoint:  cpKey,
		Step:        cp.Step,
		Previous:    prev,
		CommittedAt: cp.CommittedAt,
	}
	mData, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("%w: encode manifest: %w", ErrWrite, err)
	}
	mKey := s.ManifestKey(rank, version)
	if err := s.put(ctx, mKey, mData); err != nil {
		return fmt.Errorf("%w: manifest %d: %w", ErrWrite, version, err)
	}

	pData, err := json.Marshal(pointer{Manifest: mKey, Version: version})
	if err != nil {
		return fmt.Errorf("%w: encode pointer: %w", ErrWrite, err)
	}
	if err := s.put(ctx, s.PointerKey(rank), pData); err != nil {
		return fmt.Errorf("%w: pointer: %w", ErrWrite, err)
	}

	s.log.Debug("checkpoint committed", "rank", rank, "step", cp.Step, "version", version)

	if s.cfg.Retention > 0 {
		if err := s.prune(ctx, rank, s.cfg.Retention); err != nil {
			s.log.Warn("checkpoint prune failed", "rank", rank, "error", err)
		}
	}
	return nil
}

// put writes data under key through a synced temp object and an atomic replace.
func (s *Store) put(ctx context.Context, key string, data []byte) error {
	tmpKey, err := s.backend.WriteTemp(ctx, key, data)
	if err != nil {
		return err
	}
	if err := s.backend.Replace(ctx, tmpKey, key); err != nil {
		if derr := s.backend.DiscardTemp(context.WithoutCancel(ctx), tmpKey); derr != nil {
			s.log.Warn("discard temp object", "key", tmpKey, "error", derr)
		}
		return err
	}
	return nil
}

// nextVersion returns the current manifest key (if any) and the version the
// next manifest and checkpoint must use. Without a readable pointer the
// version continues after the highest manifest on disk so an older manifest
// is never overwritten.
func (s *Store) nextVersion(ctx context.Context, rank int) (string, int, error) {
	p, err := s.readPointer(ctx, rank)
	if err == nil {
		return p.Manifest, p.Version + 1, nil
	}
	versions, lerr := s.manifestVersions(ctx, rank)
	if lerr != nil {
		return "", 0, lerr
	}
	if len(versions) == 0 {
		return "", 1, nil
	}
	return "", versions[len(versions)-1] + 1, nil
}

// ============================================================================
// Latest
// ============================================================================

// Latest returns the rank's most recent committed checkpoint. ErrNotFound
// means the rank must start from scratch.
func (s *Store) Latest(ctx context.Context, rank int) (types.Checkpoint, error) {
	p, err := s.readPointer(ctx, rank)
	if err != nil {
		if !errors.Is(err, ErrObjectNotExist) {
			s.log.Warn("checkpoint pointer unreadable", "rank", rank, "error", err)
		}
		return types.Checkpoint{}, fmt.Errorf("%w: rank %d", ErrNotFound, rank)
	}

	cp, err := s.resolve(ctx, rank, p.Manifest)
	if err == nil {
		return cp, nil
	}
	s.log.Warn("latest manifest unusable, falling back", "rank", rank, "manifest", p.Manifest, "error", err)
	firstErr := err

	versions, err := s.manifestVersions(ctx, rank)
	if err != nil {
		return types.Checkpoint{}, fmt.Errorf("%w: rank %d: %w", ErrNotFound, rank, firstErr)
	}
	for i := len(versions) - 1; i >= 0; i-- {
		if versions[i] >= p.Version {
			continue
		}
		cp, err := s.resolve(ctx, rank, s.ManifestKey(rank, versions[i]))
		if err == nil {
			s.log.Info("resumed from older manifest", "rank", rank, "version", versions[i], "step", cp.Step)
			return cp, nil
		}
	}
	return types.Checkpoint{}, fmt.Errorf("%w: rank %d: %w", ErrNotFound, rank, firstErr)
}

func (s *Store) readPointer(ctx context.Context, rank int) (pointer, error) {
	var p pointer
	data, err := s.backend.Read(ctx, s.PointerKey(rank))
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: pointer: %v", ErrManifestCorrupt, err)
	}
	if p.Manifest == "" || p.Version <= 0 {
		return p, fmt.Errorf("%w: pointer names no manifest", ErrManifestCorrupt)
	}
	return p, nil
}

// resolve reads a manifest and the checkpoint it names.
func (s *Store) resolve(ctx context.Context, rank int, manifestKey string) (types.Checkpoint, error) {
	var cp types.Checkpoint
	data, err := s.backend.Read(ctx, manifestKey)
	if err != nil {
		return cp, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return cp, fmt.Errorf("%w: %s: %v", ErrManifestCorrupt, manifestKey, err)
	}
	if m.SchemaVer != schemaVersion || m.Rank != rank || m.Checkpoint == "" {
		return cp, fmt.Errorf("%w: %s: unexpected header", ErrManifestCorrupt, manifestKey)
	}

	data, err = s.backend.Read(ctx, m.Checkpoint)
	if err != nil {
		return cp, err
	}
	if err := json.Unmarshal(data, &cp); err != nil {
		return cp, fmt.Errorf("%w: %s: %v", ErrManifestCorrupt, m.Checkpoint, err)
	}
	if cp.Step != m.Step {
		return cp, fmt.Errorf("%w: %s names step %d, checkpoint has %d", ErrManifestCorrupt, manifestKey, m.Step, cp.Step)
	}
	return cp, nil
}

// manifestVersions lists the committed manifest versions of rank, ascending.
func (s *Store) manifestVersions(ctx context.Context, rank int) ([]int, error) {
	prefix := path.Join(s.rankPrefix(rank), "manifests") + "/"
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var versions []int
	for _, k := range keys {
		if v, ok := parseIndexed(path.Base(k), "manifest-"); ok {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

// checkpointVersions lists the versions with a checkpoint object, ascending.
func (s *Store) checkpointVersions(ctx context.Context, rank int) ([]int, error) {
	prefix := path.Join(s.rankPrefix(rank), "checkpoints") + "/"
	keys, err := s.backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var versions []int
	for _, k := range keys {
		if v, ok := parseIndexed(path.Base(k), "checkpoint-"); ok {
			versions = append(versions, v)
		}
	}
	sort.Ints(versions)
	return versions, nil
}

// parseIndexed parses "<prefix><digits>.json". Temp objects never match.
func parseIndexed(name, prefix string) (int, bool) {
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, prefix), ".json")
	if digits == "" {
		return 0, false
	}
	n := 0
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

// ============================================================================
// Retention
// ============================================================================

// Prune keeps the newest keep manifests of rank and their checkpoints;
// older versions are deleted.
func (s *Store) Prune(ctx context.Context, rank, keep int) error {
	l := s.rankLock(rank)
	l.Lock()
	defer l.Unlock()
	return s.prune(ctx, rank, keep)
}

func (s *Store) prune(ctx context.Context, rank, keep int) error {
	if keep <= 0 {
		return nil
	}
	p, err := s.readPointer(ctx, rank)
	if err != nil {
		return nil
	}
	versions, err := s.manifestVersions(ctx, rank)
	if err != nil {
		return err
	}
	// only committed versions count; anything newer than the pointer is an
	// orphan of an interrupted commit and may still be in progress
	committed := versions[:0]
	for _, v := range versions {
		if v <= p.Version {
			committed = append(committed, v)
		}
	}
	if len(committed) <= keep {
		return nil
	}

	for _, v := range committed[:len(committed)-keep] {
		if err := s.backend.Delete(ctx, s.ManifestKey(rank, v)); err != nil {
			return err
		}
	}

	// checkpoints newer than the pointer belong to interrupted commits and
	// are left alone like their manifests
	oldest := committed[len(committed)-keep]
	cps, err := s.checkpointVersions(ctx, rank)
	if err != nil {
		return err
	}
	for _, v := range cps {
		if v < oldest {
			if err := s.backend.Delete(ctx, s.CheckpointKey(rank, v)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Purge deletes every object of the job.
func (s *Store) Purge(ctx context.Context) error {
	keys, err := s.backend.List(ctx, s.cfg.JobID+"/")
	if err != nil {
		return fmt.Errorf("list job objects: %w", err)
	}
	for _, k := range keys {
		if err := s.backend.Delete(ctx, k); err != nil {
			return fmt.Errorf("delete %s: %w", k, err)
		}
	}
	s.log.Info("checkpoints purged", "objects", len(keys))
	return nil
}
