package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ethpandaops/medallion/pkg/pipeline"
)

// pipelinesCmd represents the pipelines command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var pipelinesCmd = &cobra.Command{
	Use:   "pipelines",
	Short: "List loaded pipelines and their stage order",
	Args:  cobra.NoArgs,
	RunE:  runPipelines,
}

func init() {
	rootCmd.AddCommand(pipelinesCmd)
}

func runPipelines(cmd *cobra.Command, _ []string) error {
	svc, err := newEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(svc)

	set := svc.Pipelines()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "PIPELINE\tENVIRONMENT\tSCHEDULE\tSTAGES")

	for _, name := range set.Names() {
		def, err := set.Get(name)
		if err != nil {
			return err
		}

		graph, err := pipeline.BuildGraph(def)
		if err != nil {
			return err
		}

		schedule := def.Schedule
		if schedule == "" {
			schedule = "-"
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", def.Name, def.Environment, schedule, strings.Join(graph.Order(), " → "))
	}

	return w.Flush()
}
