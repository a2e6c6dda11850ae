package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/medallion/pkg/dataset"
)

// datasetsCmd represents the datasets command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var datasetsCmd = &cobra.Command{
	Use:   "datasets [layer.name]",
	Short: "List datasets or the versions of one dataset",
	Long: `Without arguments datasets lists every committed dataset with its latest
version. Given a dataset ID it lists the versions that can still be resolved.

Examples:
  medallion datasets
  medallion datasets gold.flights_by_origin`,
	Args: cobra.MaximumNArgs(1),
	RunE: runDatasets,
}

func init() {
	rootCmd.AddCommand(datasetsCmd)
}

func runDatasets(cmd *cobra.Command, args []string) error {
	svc, err := newEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(svc)

	ctx := cmd.Context()
	tracker := svc.Catalog()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)

	if len(args) == 1 {
		id, err := dataset.ParseID(args[0])
		if err != nil {
			return err
		}

		versions, err := tracker.Versions(ctx, id)
		if err != nil {
			return err
		}

		_, _ = fmt.Fprintln(w, "VERSION\tROWS\tCOMMITTED")
		for _, v := range versions {
			_, _ = fmt.Fprintf(w, "%d\t%d\t%s\n", v.Ref.Version, v.Rows, v.CommittedAt.Format(time.RFC3339))
		}

		return w.Flush()
	}

	ids, err := tracker.Datasets(ctx)
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintln(w, "DATASET\tLAYER\tLATEST\tVERSIONS\tROWS")

	for _, id := range ids {
		versions, err := tracker.Versions(ctx, id)
		if err != nil {
			return err
		}

		if len(versions) == 0 {
			continue
		}

		latest := versions[len(versions)-1]
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", id, id.Layer, latest.Ref.Version, len(versions), latest.Rows)
	}

	return w.Flush()
}
