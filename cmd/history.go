package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/medallion/pkg/dataset"
	"github.com/ethpandaops/medallion/pkg/ledger"
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	historyPipeline  string
	historyTransform string
	historyOutput    string
	historyLimit     int
)

// historyCmd represents the history command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show run records from the ledger",
	Long: `History prints the ledger records of completed transform applications,
oldest first. Each record names the exact input versions a transform consumed
and the output version it produced.

Examples:
  medallion history --pipeline flights --limit 20
  medallion history --output gold.flights_by_origin`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)

	historyCmd.Flags().StringVar(&historyPipeline, "pipeline", "", "Only records of this pipeline")
	historyCmd.Flags().StringVar(&historyTransform, "transform", "", "Only records of this transform (name@version)")
	historyCmd.Flags().StringVar(&historyOutput, "output", "", "Only records producing this dataset (layer.name)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 50, "Show at most this many of the newest records (0 for all)")
}

func runHistory(cmd *cobra.Command, _ []string) error {
	filter := ledger.Filter{
		Pipeline:  historyPipeline,
		Transform: historyTransform,
		Limit:     historyLimit,
	}

	if historyOutput != "" {
		id, err := dataset.ParseID(historyOutput)
		if err != nil {
			return err
		}

		filter.Output = id
	}

	svc, err := newEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(svc)

	records, err := svc.Ledger().Records(cmd.Context(), filter)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "CREATED\tRUN\tPIPELINE\tSTAGE\tTRANSFORM\tINPUTS\tOUTPUT")

	for i := range records {
		r := &records[i]

		inputs := make([]string, 0, len(r.Inputs))
		for _, in := range r.Inputs {
			inputs = append(inputs, in.String())
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.CreatedAt.Format(time.RFC3339), r.RunID, r.Pipeline, r.Stage, r.Transform,
			strings.Join(inputs, ","), r.Output)
	}

	return w.Flush()
}
