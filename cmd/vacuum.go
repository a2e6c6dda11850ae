package cmd

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/ethpandaops/medallion/pkg/dataset"
)

// ErrInvalidRetain is returned when --retain is below one
var ErrInvalidRetain = errors.New("retain must be at least 1")

//nolint:gochecknoglobals // Command flags need to be global for cobra
var vacuumRetain int

// vacuumCmd represents the vacuum command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var vacuumCmd = &cobra.Command{
	Use:   "vacuum <layer.name>",
	Short: "Retire old versions of a dataset",
	Long: `Vacuum removes all but the newest --retain versions of a dataset. Retired
versions can no longer be resolved for time travel or pinned by a run.

Example:
  medallion vacuum bronze.flights --retain 5`,
	Args: cobra.ExactArgs(1),
	RunE: runVacuum,
}

func init() {
	rootCmd.AddCommand(vacuumCmd)

	vacuumCmd.Flags().IntVar(&vacuumRetain, "retain", 0, "Number of newest versions to keep")
	_ = vacuumCmd.MarkFlagRequired("retain")
}

func runVacuum(cmd *cobra.Command, args []string) error {
	id, err := dataset.ParseID(args[0])
	if err != nil {
		return err
	}

	if vacuumRetain < 1 {
		return ErrInvalidRetain
	}

	svc, err := newEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(svc)

	removed, err := svc.Catalog().Vacuum(cmd.Context(), id, vacuumRetain)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"dataset": id.String(),
		"removed": removed,
		"retain":  vacuumRetain,
	}).Info("Vacuumed dataset")

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Removed %d versions of %s\n", removed, id)

	return nil
}
