package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/creasty/defaults"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ethpandaops/medallion/internal/testutil"
	"github.com/ethpandaops/medallion/pkg/dataset"
	"github.com/ethpandaops/medallion/pkg/pipeline"
	r "github.com/ethpandaops/medallion/pkg/redis"
	"github.com/ethpandaops/medallion/pkg/tasks"
)

const flightsPipeline = `
name: flights
transforms:
  - name: ingest_flights
    bronze: {}
  - name: clean_flights
    silver:
      coerce:
        - {name: delay, type: float}
      required: [delay]
  - name: delay_stats
    gold:
      group_by: [origin]
      measures:
        - {name: total_flights, func: count}
        - {name: avg_delay, func: avg, column: delay}
stages:
  - name: bronze_flights
    transform: ingest_flights
    output: bronze.flights
    source:
      location: "data/flights-{{ .Environment }}.csv"
  - name: silver_flights
    transform: clean_flights
    inputs: [bronze.flights]
    output: silver.flights
  - name: gold_delays
    transform: delay_stats
    inputs: [silver.flights]
    output: gold.delay_stats
`

const flightsCSV = "origin,delay\nA,0\nA,20\nB,5\nC,\n"

func newConfig(t *testing.T) *Config {
	t.Helper()

	dir := testutil.WriteFiles(t, map[string]string{
		"pipelines/flights.yaml": flightsPipeline,
		"data/flights-dev.csv":   flightsCSV,
	})

	cfg := &Config{}
	require.NoError(t, defaults.Set(cfg))

	cfg.MetricsAddr = ""
	cfg.Pipelines.Paths = []string{filepath.Join(dir, "pipelines")}
	cfg.Sources.BaseDir = dir
	cfg.Ledger.Path = filepath.Join(dir, "state", "ledger.db")

	return cfg
}

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	return log
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(c *Config)
		wantErr     error
		wantCatalog string
		wantLedger  string
	}{
		{
			name:        "memory by default",
			mutate:      func(_ *Config) {},
			wantCatalog: BackendMemory,
			wantLedger:  BackendMemory,
		},
		{
			name:        "redis when url configured",
			mutate:      func(c *Config) { c.Redis.URL = "redis://localhost:6379" },
			wantCatalog: BackendRedis,
			wantLedger:  BackendRedis,
		},
		{
			name: "sqlite ledger with redis catalog",
			mutate: func(c *Config) {
				c.Redis.URL = "redis://localhost:6379"
				c.Ledger.Backend = BackendSQLite
			},
			wantCatalog: BackendRedis,
			wantLedger:  BackendSQLite,
		},
		{
			name:    "sqlite ledger with memory catalog",
			mutate:  func(c *Config) { c.Ledger.Backend = BackendSQLite },
			wantErr: ErrIncompatibleBackends,
		},
		{
			name:    "redis catalog without url",
			mutate:  func(c *Config) { c.Catalog.Backend = BackendRedis },
			wantErr: r.ErrURLRequired,
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Catalog.Backend = "postgres" },
			wantErr: ErrUnknownBackend,
		},
		{
			name:    "no pipeline paths",
			mutate:  func(c *Config) { c.Pipelines.Paths = nil },
			wantErr: ErrPipelinePathRequired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			require.NoError(t, defaults.Set(cfg))
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.wantCatalog, cfg.Catalog.Backend)
			assert.Equal(t, tt.wantLedger, cfg.Ledger.Backend)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logging)
	assert.Equal(t, []string{"pipelines"}, cfg.Pipelines.Paths)
	assert.Equal(t, "medallion", cfg.Redis.Prefix)
	assert.Equal(t, 10, cfg.Worker.Concurrency)
	assert.True(t, cfg.Scheduler.Enabled)
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging: debug
redis:
  url: redis://localhost:6379/1
ledger:
  backend: sqlite
  path: /tmp/ledger.db
pipelines:
  paths: [defs]
worker:
  concurrency: 2
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging)
	assert.Equal(t, BackendRedis, cfg.Catalog.Backend)
	assert.Equal(t, BackendSQLite, cfg.Ledger.Backend)
	assert.Equal(t, []string{"defs"}, cfg.Pipelines.Paths)
	assert.Equal(t, 2, cfg.Worker.Concurrency)
	assert.Equal(t, 30, cfg.Worker.ShutdownTimeout)
}

func TestService_RunInProcess(t *testing.T) {
	svc, err := NewService(quietLogger(), newConfig(t))
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, svc.Stop()) })

	ctx := context.Background()

	report, err := svc.Run(ctx, "flights", pipeline.RunContext{})
	require.NoError(t, err)
	require.True(t, report.Succeeded(), "%+v", report.Stages)

	gold, err := svc.Catalog().Resolve(ctx, dataset.NewID(dataset.LayerGold, "delay_stats"), 0)
	require.NoError(t, err)

	snap, err := svc.Catalog().Load(ctx, gold)
	require.NoError(t, err)
	require.Len(t, snap.Rows, 2)
	assert.Equal(t, "A", snap.Rows[0]["origin"])
	assert.Equal(t, int64(2), snap.Rows[0]["total_flights"])

	again, err := svc.Run(ctx, "flights", pipeline.RunContext{})
	require.NoError(t, err)

	for _, st := range again.Stages {
		assert.True(t, st.Reused, st.Stage)
	}

	_, err = svc.Run(ctx, "nope", pipeline.RunContext{})
	require.ErrorIs(t, err, pipeline.ErrPipelineNotFound)

	_, err = svc.Queue()
	require.ErrorIs(t, err, ErrRedisURLRequired)
}

func TestService_RedisAndSQLiteBackends(t *testing.T) {
	mr := testutil.NewMiniredis(t)

	cfg := newConfig(t)
	cfg.Redis.URL = "redis://" + mr.Addr()
	cfg.Ledger.Backend = BackendSQLite

	svc, err := NewService(quietLogger(), cfg)
	require.NoError(t, err)

	ctx := context.Background()

	report, err := svc.Run(ctx, "flights", pipeline.RunContext{RunID: "first"})
	require.NoError(t, err)
	require.True(t, report.Succeeded(), "%+v", report.Stages)
	require.NoError(t, svc.Stop())

	// A fresh engine over the same Redis and ledger file reuses every stage
	reopened, err := NewService(quietLogger(), cfg)
	require.NoError(t, err)

	t.Cleanup(func() { require.NoError(t, reopened.Stop()) })

	again, err := reopened.Run(ctx, "flights", pipeline.RunContext{RunID: "second"})
	require.NoError(t, err)

	for _, st := range again.Stages {
		assert.True(t, st.Reused, st.Stage)
	}

	queue, err := reopened.Queue()
	require.NoError(t, err)

	queued, err := queue.EnqueueRun(tasks.RunPayload{Pipeline: "flights"})
	require.NoError(t, err)
	assert.Equal(t, tasks.TriggerManual, queued.Trigger)
}

func TestNewService_InvalidPipeline(t *testing.T) {
	cfg := newConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.Pipelines.Paths[0], "broken.yaml"), []byte("name: broken\n"), 0o600))

	_, err := NewService(quietLogger(), cfg)
	require.ErrorIs(t, err, pipeline.ErrInvalidPipeline)
}
