package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/medallion/pkg/engine"
	"github.com/ethpandaops/medallion/pkg/pipeline"
	"github.com/ethpandaops/medallion/pkg/tasks"
)

var (
	// ErrRunNotSucceeded is returned when a run finished with failed or skipped stages
	ErrRunNotSucceeded = errors.New("pipeline run did not succeed")
	// ErrInvalidPin is returned for a pin without a version
	ErrInvalidPin = errors.New("pin must name a version, e.g. bronze.flights@2")
	// ErrUnknownOutput is returned for an unsupported --output value
	ErrUnknownOutput = errors.New("output must be one of text, yaml, json")
)

//nolint:gochecknoglobals // Command flags need to be global for cobra
var (
	runEnvironment string
	runID          string
	runPins        []string
	runOutput      string
	runEnqueue     bool
	runWait        bool
	runWaitTimeout time.Duration
)

// runCmd represents the run command
//
//nolint:gochecknoglobals // Cobra commands are typically global
var runCmd = &cobra.Command{
	Use:   "run <pipeline>",
	Short: "Run a pipeline once",
	Long: `Run executes every stage of a pipeline in dependency order and prints the
run report. Stages whose transform already ran over the same input versions
reuse the recorded output.

Examples:
  # Run the flights pipeline in process
  medallion run flights

  # Reproduce a run against an earlier Bronze version
  medallion run flights --pin bronze.flights@3

  # Hand the run to a worker instead
  medallion run flights --enqueue

  # Hand the run to a worker and print its report when it finishes
  medallion run flights --enqueue --wait --wait-timeout 10m`,
	Args: cobra.ExactArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runEnvironment, "env", "", "Environment override (defaults to the pipeline's environment)")
	runCmd.Flags().StringVar(&runID, "run-id", "", "Run ID (generated when empty)")
	runCmd.Flags().StringArrayVar(&runPins, "pin", nil, "Pin an input dataset version, e.g. bronze.flights@2 (repeatable)")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "text", "Report format: text, yaml or json")
	runCmd.Flags().BoolVar(&runEnqueue, "enqueue", false, "Enqueue the run for a worker instead of running it here")
	runCmd.Flags().BoolVar(&runWait, "wait", false, "With --enqueue, wait for the worker to finish and print the report")
	runCmd.Flags().DurationVar(&runWaitTimeout, "wait-timeout", 0, "Give up waiting after this long (0 waits indefinitely)")
}

// parsePins turns layer.name@version flags into run pins
func parsePins(raw []string) (map[string]uint64, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	pins := make(map[string]uint64, len(raw))

	for _, s := range raw {
		ref, err := pipeline.ParseInputRef(s)
		if err != nil {
			return nil, err
		}

		if ref.Version == 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidPin, s)
		}

		pins[ref.Dataset.String()] = ref.Version
	}

	return pins, nil
}

func runRun(cmd *cobra.Command, args []string) error {
	pins, err := parsePins(runPins)
	if err != nil {
		return err
	}

	switch runOutput {
	case "text", "yaml", "json":
	default:
		return fmt.Errorf("%w: %q", ErrUnknownOutput, runOutput)
	}

	svc, err := newEngine(cmd)
	if err != nil {
		return err
	}
	defer closeEngine(svc)

	if runEnqueue {
		return enqueueRun(cmd, svc, args[0], pins)
	}

	report, err := svc.Run(cmd.Context(), args[0], pipeline.RunContext{
		RunID:       runID,
		Environment: runEnvironment,
		Pins:        pins,
	})
	if err != nil {
		return err
	}

	return finishReport(cmd.OutOrStdout(), report)
}

// finishReport prints the report and turns an unsuccessful run into an error
func finishReport(w io.Writer, report *pipeline.Report) error {
	if err := writeReport(w, report, runOutput); err != nil {
		return err
	}

	if !report.Succeeded() {
		return fmt.Errorf("%w: %d failed, %d skipped", ErrRunNotSucceeded,
			report.Count(pipeline.StatusFailed), report.Count(pipeline.StatusSkipped))
	}

	return nil
}

func enqueueRun(cmd *cobra.Command, svc *engine.Service, name string, pins map[string]uint64) error {
	if _, err := svc.Pipelines().Get(name); err != nil {
		return err
	}

	queue, err := svc.Queue()
	if err != nil {
		return err
	}

	queued, err := queue.EnqueueRun(tasks.RunPayload{
		Pipeline:    name,
		RunID:       runID,
		Environment: runEnvironment,
		Pins:        pins,
		Trigger:     tasks.TriggerManual,
	})
	if err != nil {
		return err
	}

	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Enqueued run %s of %s\n", queued.RunID, name)

	if !runWait {
		return nil
	}

	ctx := cmd.Context()
	if runWaitTimeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, runWaitTimeout)
		defer cancel()
	}

	report, err := queue.WaitForRun(ctx, queued, time.Second)
	if err != nil {
		return fmt.Errorf("waiting for run %s: %w", queued.RunID, err)
	}

	return finishReport(cmd.OutOrStdout(), report)
}

func writeReport(w io.Writer, report *pipeline.Report, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")

		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()

		return enc.Encode(report)
	}

	_, _ = fmt.Fprintf(w, "Run %s of %s (%s) finished %s in %s\n\n",
		report.RunID, report.Pipeline, report.Environment, report.Status(),
		report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "STAGE\tSTATUS\tINPUTS\tOUTPUT\tREUSED\tATTEMPTS\tROWS\tERROR")

	for i := range report.Stages {
		st := &report.Stages[i]

		inputs := make([]string, 0, len(st.Inputs))
		for _, in := range st.Inputs {
			inputs = append(inputs, in.String())
		}

		output := "-"
		if st.Output != nil {
			output = st.Output.String()
		}

		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%d\t%d\t%s\n",
			st.Stage, st.Status, strings.Join(inputs, ","), output, st.Reused, st.Attempts, st.Rows, st.Error)
	}

	return tw.Flush()
}
