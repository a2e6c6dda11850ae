// Package engine wires the catalog, ledger, transforms and pipelines into
// the medallion runtime and starts its long-running services.
package engine

import (
	"errors"
	"fmt"
	"os"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/medallion/pkg/api"
	"github.com/ethpandaops/medallion/pkg/redis"
	"github.com/ethpandaops/medallion/pkg/scheduler"
	"github.com/ethpandaops/medallion/pkg/worker"
)

const (
	// BackendMemory keeps state in process; nothing survives a restart
	BackendMemory = "memory"
	// BackendRedis shares state between processes through Redis
	BackendRedis = "redis"
	// BackendSQLite keeps the ledger in a local SQLite file
	BackendSQLite = "sqlite"
)

var (
	// ErrRedisURLRequired is returned when a Redis backend is selected without a URL
	ErrRedisURLRequired = errors.New("redis URL is required")
	// ErrUnknownBackend is returned for an unsupported backend name
	ErrUnknownBackend = errors.New("unknown backend")
	// ErrIncompatibleBackends is returned when the ledger would outlive the catalog
	ErrIncompatibleBackends = errors.New("a persistent ledger requires a persistent catalog")
	// ErrPipelinePathRequired is returned when no pipeline path is configured
	ErrPipelinePathRequired = errors.New("at least one pipeline path is required")
)

// Config represents the complete engine configuration
type Config struct {
	// Core settings
	Logging         string `yaml:"logging" default:"info"`
	MetricsAddr     string `yaml:"metricsAddr" default:":9091"`
	HealthCheckAddr string `yaml:"healthCheckAddr"`
	PProfAddr       string `yaml:"pprofAddr"`

	// Dependencies
	Redis redis.Config `yaml:"redis"`

	// Storage
	Catalog CatalogConfig `yaml:"catalog"`
	Ledger  LedgerConfig  `yaml:"ledger"`

	// Definitions and raw inputs
	Pipelines PipelinesConfig `yaml:"pipelines"`
	Sources   SourcesConfig   `yaml:"sources"`

	// Services
	Scheduler scheduler.Config `yaml:"scheduler"`
	Worker    worker.Config    `yaml:"worker"`
	API       api.Config       `yaml:"api"`
}

// CatalogConfig selects the dataset catalog backend. An empty backend picks
// redis when a Redis URL is configured and memory otherwise.
type CatalogConfig struct {
	Backend string `yaml:"backend"`
}

// LedgerConfig selects the run ledger backend. An empty backend follows the
// catalog backend.
type LedgerConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path" default:"medallion.db"`
}

// PipelinesConfig lists the directories holding pipeline definitions
type PipelinesConfig struct {
	Paths []string `yaml:"paths" default:"[\"pipelines\"]"`
}

// SourcesConfig resolves relative source locations
type SourcesConfig struct {
	BaseDir string `yaml:"baseDir" default:"."`
}

// LoadConfig reads a YAML config file on top of the defaults. A missing file
// yields the defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	if err := defaults.Set(cfg); err != nil {
		return nil, err
	}

	yamlFile, err := os.ReadFile(path) //nolint:gosec // User-provided config file path
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	} else if err := yaml.Unmarshal(yamlFile, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates the configuration and resolves automatic backends
func (c *Config) Validate() error {
	if c.Catalog.Backend == "" {
		c.Catalog.Backend = BackendMemory
		if c.Redis.URL != "" {
			c.Catalog.Backend = BackendRedis
		}
	}

	if c.Ledger.Backend == "" {
		c.Ledger.Backend = c.Catalog.Backend
	}

	switch c.Catalog.Backend {
	case BackendMemory, BackendRedis:
	default:
		return fmt.Errorf("%w for catalog: %q", ErrUnknownBackend, c.Catalog.Backend)
	}

	switch c.Ledger.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("%w for ledger: %q", ErrUnknownBackend, c.Ledger.Backend)
	}

	if c.Catalog.Backend == BackendMemory && c.Ledger.Backend != BackendMemory {
		return fmt.Errorf("%w: ledger %s with catalog %s", ErrIncompatibleBackends, c.Ledger.Backend, c.Catalog.Backend)
	}

	if c.NeedsRedis() {
		if err := c.Redis.Validate(); err != nil {
			return err
		}
	}

	if len(c.Pipelines.Paths) == 0 {
		return ErrPipelinePathRequired
	}

	if err := c.Scheduler.Validate(); err != nil {
		return err
	}

	if err := c.Worker.Validate(); err != nil {
		return err
	}

	return c.API.Validate()
}

// NeedsRedis reports whether a storage backend depends on Redis
func (c *Config) NeedsRedis() bool {
	return c.Catalog.Backend == BackendRedis || c.Ledger.Backend == BackendRedis
}
