// ============================================================================
// shard-recovery configuration
// ============================================================================
//
// Package: internal/config
//
// YAML layout (every section optional, missing values take defaults):
//
//	job:          default JobSpec for `trainctl run` and API creates
//	coordinator:  heartbeat listener, control loop timing, registry file
//	worker:       execution unit runtime (data dir, heartbeat interval)
//	storage:      checkpoint backend, "local" or "minio"
//	journal:      per-job event journal directory
//	metrics:      Prometheus endpoint
//	api:          management HTTP API
//
// Durations are Go duration strings ("500ms", "10s").
//
// MinIO credentials left empty in the file are read from
// SR_MINIO_ACCESS_KEY and SR_MINIO_SECRET_KEY.
//
// ============================================================================

package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ChuLiYu/shard-recovery/internal/checkpoint"
	"github.com/ChuLiYu/shard-recovery/pkg/types"
)

const (
	BackendLocal = "local"
	BackendMinio = "minio"

	EnvMinioAccessKey = "SR_MINIO_ACCESS_KEY"
	EnvMinioSecretKey = "SR_MINIO_SECRET_KEY"
)

// Config is the complete trainctl configuration.
type Config struct {
	Job types.JobSpec `yaml:"job"`

	Coordinator struct {
		ListenAddr       string        `yaml:"listen_addr"` // gRPC heartbeat endpoint
		TickInterval     time.Duration `yaml:"tick_interval"`
		TerminateTimeout time.Duration `yaml:"terminate_timeout"`
		SpawnTimeout     time.Duration `yaml:"spawn_timeout"`
		RegistryPath     string        `yaml:"registry_path"` // job registry snapshot for restarts
	} `yaml:"coordinator"`

	Worker struct {
		Command           string        `yaml:"command"` // empty: the running binary
		DataDir           string        `yaml:"data_dir"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		StepDelay         time.Duration `yaml:"step_delay"`
		KillTimeout       time.Duration `yaml:"kill_timeout"`
	} `yaml:"worker"`

	Storage Storage `yaml:"storage"`

	Journal struct {
		Dir  string `yaml:"dir"`
		Sync bool   `yaml:"sync"`
	} `yaml:"journal"`

	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Addr    string `yaml:"addr"`
	} `yaml:"metrics"`

	API struct {
		Addr string `yaml:"addr"`
	} `yaml:"api"`
}

// Storage selects and configures the checkpoint backend.
type Storage struct {
	Backend   string `yaml:"backend"`
	Retention int    `yaml:"retention"` // manifests kept per rank; 0 keeps all

	Local struct {
		Dir string `yaml:"dir"`
	} `yaml:"local"`

	Minio struct {
		Endpoint  string `yaml:"endpoint"`
		AccessKey string `yaml:"access_key"`
		SecretKey string `yaml:"secret_key"`
		Bucket    string `yaml:"bucket"`
		Prefix    string `yaml:"prefix"`
		UseSSL    bool   `yaml:"use_ssl"`
	} `yaml:"minio"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{
		Job: types.JobSpec{
			WorldSize:          4,
			ShardCount:         8,
			CheckpointInterval: 10,
			HeartbeatTimeout:   10 * time.Second,
			MaxRestarts:        3,
			BackoffBase:        500 * time.Millisecond,
			BackoffMax:         30 * time.Second,
		},
	}
	cfg.Coordinator.ListenAddr = "127.0.0.1:7070"
	cfg.Coordinator.TickInterval = 500 * time.Millisecond
	cfg.Coordinator.TerminateTimeout = 10 * time.Second
	cfg.Coordinator.SpawnTimeout = 10 * time.Second
	cfg.Coordinator.RegistryPath = "data/registry.json"

	cfg.Worker.DataDir = "data/shards"
	cfg.Worker.HeartbeatInterval = time.Second
	cfg.Worker.KillTimeout = 5 * time.Second

	cfg.Storage.Backend = BackendLocal
	cfg.Storage.Retention = 5
	cfg.Storage.Local.Dir = "data/checkpoints"
	cfg.Storage.Minio.Bucket = "shard-recovery"

	cfg.Journal.Dir = "data/journal"
	cfg.Journal.Sync = true

	cfg.Metrics.Enabled = true
	cfg.Metrics.Addr = ":9090"

	cfg.API.Addr = ":8080"
	return cfg
}

// Load reads path over the defaults. An empty path returns Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Storage.Minio.AccessKey == "" {
		c.Storage.Minio.AccessKey = strings.TrimSpace(os.Getenv(EnvMinioAccessKey))
	}
	if c.Storage.Minio.SecretKey == "" {
		c.Storage.Minio.SecretKey = strings.TrimSpace(os.Getenv(EnvMinioSecretKey))
	}
}

// Validate checks the sections that have no safe fallback.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Local.Dir == "" {
			errs = append(errs, errors.New("storage.local.dir is required"))
		}
	case BackendMinio:
		if strings.TrimSpace(c.Storage.Minio.Endpoint) == "" {
			errs = append(errs, errors.New("storage.minio.endpoint is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q: want %q or %q", c.Storage.Backend, BackendLocal, BackendMinio))
	}
	if c.Storage.Retention < 0 {
		errs = append(errs, fmt.Errorf("storage.retention %d is negative", c.Storage.Retention))
	}
	if c.Worker.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("worker.heartbeat_interval must be positive"))
	}
	if c.Coordinator.ListenAddr == "" {
		errs = append(errs, errors.New("coordinator.listen_addr is required"))
	}
	if c.Journal.Dir == "" {
		errs = append(errs, errors.New("journal.dir is required"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Open builds the configured checkpoint backend.
func (s Storage) Open(ctx context.Context) (checkpoint.Backend, error) {
	switch s.Backend {
	case BackendMinio:
		b, err := checkpoint.NewMinioBackend(ctx, checkpoint.MinioConfig{
			Endpoint:  s.Minio.Endpoint,
			AccessKey: s.Minio.AccessKey,
			SecretKey: s.Minio.SecretKey,
			Bucket:    s.Minio.Bucket,
			Prefix:    s.Minio.Prefix,
			UseSSL:    s.Minio.UseSSL,
		})
		if err != nil {
			return nil, err
		}
		return b, nil
	case BackendLocal, "":
		b, err := checkpoint.NewFSBackend(s.Local.Dir)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", s.Backend)
	}
}
