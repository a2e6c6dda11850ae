package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/medallion/pkg/api/handlers"
	"github.com/ethpandaops/medallion/pkg/catalog"
	"github.com/ethpandaops/medallion/pkg/ledger"
	"github.com/ethpandaops/medallion/pkg/pipeline"
)

// Service defines the API service interface
type Service interface {
	Start(ctx context.Context) error
	Stop() error
}

type service struct {
	app       *fiber.App
	server    *http.Server
	config    *Config
	catalog   catalog.Tracker
	ledger    ledger.Ledger
	pipelines *pipeline.Set
	log       logrus.FieldLogger
}

// NewService creates a new API service
func NewService(cfg *Config, tracker catalog.Tracker, runs ledger.Ledger, pipelines *pipeline.Set, log logrus.FieldLogger) Service {
	return &service{
		config:    cfg,
		catalog:   tracker,
		ledger:    runs,
		pipelines: pipelines,
		log:       log.WithField("service", "api"),
	}
}

// NewApp builds the Fiber app with every route mounted under /api/v1
func NewApp(cfg *Config, tracker catalog.Tracker, runs ledger.Ledger, pipelines *pipeline.Set, log logrus.FieldLogger) *fiber.App {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler,
		AppName:      "Medallion API",
	})

	setupMiddleware(app, cfg, log)

	server := handlers.NewServer(tracker, runs, pipelines, cfg.MaxSnapshotRows, log)
	server.Register(app.Group("/api/v1"))

	return app
}

// Start initializes and starts the API server
func (s *service) Start(_ context.Context) error {
	if !s.config.Enabled {
		s.log.Info("API service is disabled")
		return nil
	}

	s.app = NewApp(s.config, s.catalog, s.ledger, s.pipelines, s.log)

	// Create HTTP server with the Fiber app
	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           adaptor.FiberApp(s.app),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.log.WithField("addr", s.config.Addr).Info("Starting API server")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Server failed to start")
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server
func (s *service) Stop() error {
	if s.server == nil {
		return nil
	}

	s.log.Info("Stopping API server")

	ctx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	return nil
}
