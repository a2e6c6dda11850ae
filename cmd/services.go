package cmd

import (
	"github.com/spf13/cobra"

	"github.com/ethpandaops/medallion/pkg/engine"
)

//nolint:gochecknoglobals // Cobra commands are typically global
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the worker service",
	Long:  `The worker service consumes queued pipeline runs from Redis and executes them.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serveUntilSignal(cmd, engine.RoleWorker)
	},
}

//nolint:gochecknoglobals // Cobra commands are typically global
var schedulerCmd = &cobra.Command{
	Use:   "scheduler",
	Short: "Start the scheduler service",
	Long: `The scheduler enqueues runs for every pipeline that declares a cron
schedule. Instances elect a single leader through Redis.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serveUntilSignal(cmd, engine.RoleScheduler)
	},
}

//nolint:gochecknoglobals // Cobra commands are typically global
var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the read-only catalog API",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serveUntilSignal(cmd, engine.RoleAPI)
	},
}

//nolint:gochecknoglobals // Cobra commands are typically global
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the worker, scheduler and API in one process",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return serveUntilSignal(cmd, engine.RoleWorker, engine.RoleScheduler, engine.RoleAPI)
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
	rootCmd.AddCommand(schedulerCmd)
	rootCmd.AddCommand(apiCmd)
	rootCmd.AddCommand(serveCmd)
}
