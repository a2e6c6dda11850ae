package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // pprof is intentionally exposed when pprofAddr is configured
	"sort"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/medallion/pkg/api"
	"github.com/ethpandaops/medallion/pkg/catalog"
	"github.com/ethpandaops/medallion/pkg/ledger"
	"github.com/ethpandaops/medallion/pkg/observability"
	"github.com/ethpandaops/medallion/pkg/pipeline"
	"github.com/ethpandaops/medallion/pkg/scheduler"
	"github.com/ethpandaops/medallion/pkg/source"
	"github.com/ethpandaops/medallion/pkg/tasks"
	"github.com/ethpandaops/medallion/pkg/transform"
	"github.com/ethpandaops/medallion/pkg/worker"
)

// Role is a long-running service the engine can start
type Role string

const (
	RoleWorker    Role = "worker"
	RoleScheduler Role = "scheduler"
	RoleAPI       Role = "api"
)

// Service encapsulates the medallion runtime
type Service struct {
	config *Config
	log    logrus.FieldLogger

	redisClient *redis.Client
	queueOpt    *asynq.RedisClientOpt

	catalog   catalog.Tracker
	ledger    ledger.Ledger
	registry  *transform.Registry
	pipelines *pipeline.Set
	driver    *pipeline.Driver
	queue     *tasks.QueueManager

	scheduler scheduler.Service
	worker    worker.Service
	api       api.Service

	// Servers
	healthServer *http.Server
	pprofServer  *http.Server
}

// NewService builds the storage backends, loads every pipeline and prepares
// the stage driver. Long-running services are created by Start.
func NewService(log logrus.FieldLogger, cfg *Config) (*Service, error) {
	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &Service{
		config:   cfg,
		log:      log.WithField("service", "engine"),
		registry: transform.NewRegistry(),
	}

	if cfg.Redis.URL != "" {
		opts, err := cfg.Redis.Options()
		if err != nil {
			return nil, err
		}

		queueOpt, err := cfg.Redis.AsynqOptions()
		if err != nil {
			return nil, err
		}

		s.redisClient = redis.NewClient(opts)
		s.queueOpt = queueOpt
	}

	if err := s.openStorage(); err != nil {
		s.closeStorage()
		return nil, err
	}

	pipelines, err := pipeline.LoadSet(cfg.Pipelines.Paths, s.registry)
	if err != nil {
		s.closeStorage()
		return nil, fmt.Errorf("failed to load pipelines: %w", err)
	}

	s.pipelines = pipelines
	s.driver = pipeline.NewDriver(log, s.registry, s.catalog, s.ledger, source.NewLocalReader(log, cfg.Sources.BaseDir))

	s.log.WithFields(logrus.Fields{
		"catalog":    cfg.Catalog.Backend,
		"ledger":     cfg.Ledger.Backend,
		"pipelines":  pipelines.Len(),
		"transforms": len(s.registry.Names()),
	}).Info("Engine initialised")

	return s, nil
}

func (s *Service) openStorage() error {
	switch s.config.Catalog.Backend {
	case BackendRedis:
		s.catalog = catalog.NewRedisTracker(s.redisClient, s.config.Redis.PrefixKey("catalog"))
	default:
		s.catalog = catalog.NewMemoryTracker()
	}

	switch s.config.Ledger.Backend {
	case BackendRedis:
		s.ledger = ledger.NewRedisLedger(s.redisClient, s.config.Redis.PrefixKey("ledger"))
	case BackendSQLite:
		l, err := ledger.NewSQLiteLedger(s.config.Ledger.Path)
		if err != nil {
			return fmt.Errorf("failed to open ledger: %w", err)
		}
		s.ledger = l
	default:
		s.ledger = ledger.NewMemoryLedger()
	}

	return nil
}

func (s *Service) closeStorage() {
	if s.ledger != nil {
		if err := s.ledger.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close ledger")
		}
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			s.log.WithError(err).Warn("Failed to close Redis client")
		}
	}
}

// Catalog returns the dataset catalog
func (s *Service) Catalog() catalog.Tracker {
	return s.catalog
}

// Ledger returns the run ledger
func (s *Service) Ledger() ledger.Ledger {
	return s.ledger
}

// Pipelines returns the loaded pipeline definitions
func (s *Service) Pipelines() *pipeline.Set {
	return s.pipelines
}

// Run executes the named pipeline in process
func (s *Service) Run(ctx context.Context, name string, rc pipeline.RunContext) (*pipeline.Report, error) {
	def, err := s.pipelines.Get(name)
	if err != nil {
		return nil, err
	}

	return s.driver.Run(ctx, def, rc)
}

// Queue returns the run queue, connecting on first use
func (s *Service) Queue() (*tasks.QueueManager, error) {
	if s.queue != nil {
		return s.queue, nil
	}

	if s.queueOpt == nil {
		return nil, fmt.Errorf("%w: the run queue lives in Redis", ErrRedisURLRequired)
	}

	s.queue = tasks.NewQueueManager(s.queueOpt)

	return s.queue, nil
}

// Start starts the metrics and health servers and the requested roles
func (s *Service) Start(ctx context.Context, roles ...Role) error {
	s.log.WithField("roles", roles).Info("Starting Medallion Engine...")

	observability.StartMetricsServer(s.log, s.config.MetricsAddr)

	// Start health check server if configured
	if s.config.HealthCheckAddr != "" {
		s.startHealthCheck()
	}

	// Start pprof server if configured
	if s.config.PProfAddr != "" {
		s.startPProf()
	}

	for _, role := range roles {
		if err := s.startRole(ctx, role); err != nil {
			return fmt.Errorf("failed to start %s: %w", role, err)
		}
	}

	s.log.Info("Medallion Engine started successfully")

	return nil
}

func (s *Service) startRole(ctx context.Context, role Role) error {
	switch role {
	case RoleWorker:
		if s.queueOpt == nil {
			return ErrRedisURLRequired
		}

		svc, err := worker.NewService(s.log, &s.config.Worker, s.driver, s.pipelines, s.queueOpt)
		if err != nil {
			return err
		}

		s.worker = svc

		if err := s.watchQueues(); err != nil {
			s.log.WithError(err).Warn("Failed to register queue metrics")
		}

		return svc.Start(ctx)

	case RoleScheduler:
		if !s.config.Scheduler.Enabled {
			s.log.Info("Scheduler is disabled")
			return nil
		}

		queue, err := s.Queue()
		if err != nil {
			return err
		}

		svc, err := scheduler.NewService(s.log, &s.config.Scheduler, s.redisClient, s.config.Redis.Prefix, s.pipelines, queue)
		if err != nil {
			return err
		}

		s.scheduler = svc

		return svc.Start(ctx)

	case RoleAPI:
		s.api = api.NewService(&s.config.API, s.catalog, s.ledger, s.pipelines, s.log)

		return s.api.Start(ctx)
	}

	return fmt.Errorf("unknown role %q", role)
}

// watchQueues exports the depth of the queues this worker consumes
func (s *Service) watchQueues() error {
	queue, err := s.Queue()
	if err != nil {
		return err
	}

	queues := worker.Queues(s.pipelines, &s.config.Worker)

	names := make([]string, 0, len(queues))
	for name := range queues {
		names = append(names, name)
	}

	sort.Strings(names)

	return observability.RegisterCollector(tasks.NewQueueCollector(s.log, queue, names))
}

// Stop gracefully shuts down every started service and closes storage
func (s *Service) Stop() error {
	s.log.Info("Shutting down engine...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stopService := func(name string, stopFunc func() error) {
		if err := stopFunc(); err != nil {
			s.log.WithError(err).Errorf("Failed to stop %s", name)
		}
	}

	// 1. Stop scheduler first (stop creating new runs)
	if s.scheduler != nil {
		stopService("scheduler service", s.scheduler.Stop)
	}

	// 2. Stop worker (finish in-flight runs)
	if s.worker != nil {
		stopService("worker service", s.worker.Stop)
	}

	// 3. Stop API
	if s.api != nil {
		stopService("API service", s.api.Stop)
	}

	if s.queue != nil {
		stopService("run queue", s.queue.Close)
	}

	// 4. Close storage (now safe, nothing is using it)
	s.closeStorage()

	// Stop HTTP servers
	stopService("metrics server", func() error { return observability.StopMetricsServer(ctx) })

	if s.healthServer != nil {
		stopService("health check server", func() error { return s.healthServer.Shutdown(ctx) })
	}
	if s.pprofServer != nil {
		stopService("pprof server", func() error { return s.pprofServer.Shutdown(ctx) })
	}

	return nil
}

func (s *Service) startHealthCheck() {
	s.log.WithField("addr", s.config.HealthCheckAddr).Info("Starting health check server")

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	mux.HandleFunc("/ready", func(w http.ResponseWriter, req *http.Request) {
		if s.redisClient != nil {
			if err := s.redisClient.Ping(req.Context()).Err(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte("redis unavailable"))
				return
			}
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.healthServer = &http.Server{
		Addr:              s.config.HealthCheckAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.healthServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Health check server failed")
		}
	}()
}

func (s *Service) startPProf() {
	s.log.WithField("addr", s.config.PProfAddr).Info("Starting pprof server")

	s.pprofServer = &http.Server{
		Addr:              s.config.PProfAddr,
		ReadHeaderTimeout: 120 * time.Second,
	}

	go func() {
		if err := s.pprofServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Pprof server failed")
		}
	}()
}
