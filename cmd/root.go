// Package cmd contains the CLI commands for medallion
package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/medallion/pkg/engine"
)

//nolint:gochecknoglobals // Global vars needed for cobra CLI
var (
	cfgFile string
	logger  *logrus.Logger
)

// rootCmd represents the base command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var rootCmd = &cobra.Command{
	Use:   "medallion",
	Short: "Medallion - layered Bronze, Silver and Gold data pipelines",
	Long: `Medallion runs declarative pipelines that ingest raw files into Bronze
datasets, clean them into Silver and aggregate them into Gold. Every dataset
is versioned, every run is recorded in an idempotency ledger, and re-runs over
unchanged inputs reuse the recorded outputs.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error, fatal, panic); overrides the config file")

	// Initialize logger
	logger = logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
}

func initConfig() {
	if cfgFile == "" {
		cfgFile = "./config.yaml"
	}
}

// setLogLevel applies the --log-level flag, falling back to the config value
func setLogLevel(configured string) {
	logLevel, err := rootCmd.PersistentFlags().GetString("log-level")
	if err != nil || logLevel == "" {
		logLevel = configured
	}

	level, parseErr := logrus.ParseLevel(logLevel)
	if parseErr != nil {
		logger.WithError(parseErr).Warn("Invalid log level, defaulting to info")
		level = logrus.InfoLevel
	}

	logger.SetLevel(level)
}

// newEngine loads the config file and builds the engine
func newEngine(cmd *cobra.Command, mutate ...func(cfg *engine.Config)) (*engine.Service, error) {
	// Silence usage on error
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true

	cfg, err := engine.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	for _, fn := range mutate {
		fn(cfg)
	}

	setLogLevel(cfg.Logging)

	return engine.NewService(logger, cfg)
}

// closeEngine stops the engine, logging any failure
func closeEngine(svc *engine.Service) {
	if err := svc.Stop(); err != nil {
		logger.WithError(err).Error("Failed to stop engine")
	}
}

// serveUntilSignal starts roles and blocks until SIGINT or SIGTERM
func serveUntilSignal(cmd *cobra.Command, roles ...engine.Role) error {
	svc, err := newEngine(cmd)
	if err != nil {
		return err
	}

	if err := svc.Start(cmd.Context(), roles...); err != nil {
		closeEngine(svc)
		return err
	}

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// Graceful shutdown
	return svc.Stop()
}
