// Package pipeline sequences Bronze, Silver and Gold stages over the dataset
// catalog. Each stage resolves its input versions, consults the idempotency
// ledger, invokes its transform and commits the output with optimistic
// concurrency.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ethpandaops/medallion/pkg/catalog"
	"github.com/ethpandaops/medallion/pkg/dataset"
	"github.com/ethpandaops/medallion/pkg/ledger"
	"github.com/ethpandaops/medallion/pkg/observability"
	"github.com/ethpandaops/medallion/pkg/source"
	"github.com/ethpandaops/medallion/pkg/transform"
)

var (
	// ErrUpstreamFailed is the cause recorded on stages skipped because a
	// dependency did not succeed
	ErrUpstreamFailed = errors.New("upstream stage did not succeed")
	// ErrUnresolvedInput is returned when an input dataset has no resolvable version
	ErrUnresolvedInput = errors.New("input has no resolvable version")
	// ErrLedgerAppend is returned when the output was committed but the run record could not be written
	ErrLedgerAppend = errors.New("failed to append run record")
)

const (
	ledgerAppendAttempts = 3
	defaultAppendBackoff = 100 * time.Millisecond
)

// RunContext carries per-run parameters
type RunContext struct {
	// RunID identifies the run; generated when empty
	RunID string
	// Environment overrides the definition's environment when set
	Environment string
	// Pins fixes input versions by dataset ID ("bronze.flights") for
	// reproducible re-runs. A version pinned on a stage input wins.
	Pins map[string]uint64
	// Now is the logical run time used for ingestion metadata and location
	// templates; defaults to the wall clock
	Now time.Time
}

// Driver runs pipeline definitions
type Driver struct {
	log       logrus.FieldLogger
	registry  *transform.Registry
	catalog   catalog.Tracker
	ledger    ledger.Ledger
	reader    source.Reader
	templates *source.TemplateEngine

	appendBackoff time.Duration
}

// NewDriver creates a stage driver
func NewDriver(
	log logrus.FieldLogger,
	registry *transform.Registry,
	tracker catalog.Tracker,
	runs ledger.Ledger,
	reader source.Reader,
) *Driver {
	return &Driver{
		log:       log.WithField("component", "driver"),
		registry:  registry,
		catalog:   tracker,
		ledger:    runs,
		reader:    reader,
		templates: source.NewTemplateEngine(),

		appendBackoff: defaultAppendBackoff,
	}
}

// run holds the state of a single pipeline execution
type run struct {
	def      *Definition
	graph    *Graph
	rc       RunContext
	env      string
	log      logrus.FieldLogger
	results  map[string]*StageResult
	produced map[dataset.ID]dataset.Ref
}

// Run executes every stage in dependency order. The error return is reserved
// for definitions that cannot be sequenced; stage failures are reported in
// the returned Report, which always lists every stage.
func (d *Driver) Run(ctx context.Context, def *Definition, rc RunContext) (*Report, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	if err := def.Check(d.registry); err != nil {
		return nil, err
	}

	graph, err := BuildGraph(def)
	if err != nil {
		return nil, err
	}

	if rc.RunID == "" {
		rc.RunID = uuid.New().String()
	}

	if rc.Now.IsZero() {
		rc.Now = time.Now().UTC()
	}

	env := def.Environment
	if rc.Environment != "" {
		env = rc.Environment
	}

	r := &run{
		def:      def,
		graph:    graph,
		rc:       rc,
		env:      env,
		results:  make(map[string]*StageResult, len(def.Stages)),
		produced: make(map[dataset.ID]dataset.Ref),
		log: d.log.WithFields(logrus.Fields{
			"pipeline":    def.Name,
			"run_id":      rc.RunID,
			"environment": env,
		}),
	}

	report := &Report{
		RunID:       rc.RunID,
		Pipeline:    def.Name,
		Environment: env,
		StartedAt:   time.Now().UTC(),
	}

	r.log.WithField("stages", len(def.Stages)).Info("Starting pipeline run")

	for _, name := range graph.Order() {
		stage, err := graph.Stage(name)
		if err != nil {
			return nil, err
		}

		result := d.runStage(ctx, r, stage)
		r.results[name] = result

		observability.RecordStage(def.Name, name, string(result.Status), result.Duration.Seconds())
	}

	// report in definition order so callers see stages as declared
	for i := range def.Stages {
		report.Stages = append(report.Stages, *r.results[def.Stages[i].Name])
	}

	report.FinishedAt = time.Now().UTC()

	observability.RecordRun(def.Name, env, string(report.Status()), report.FinishedAt.Sub(report.StartedAt).Seconds())

	r.log.WithFields(logrus.Fields{
		"succeeded": report.Count(StatusSucceeded),
		"failed":    report.Count(StatusFailed),
		"skipped":   report.Count(StatusSkipped),
		"duration":  report.FinishedAt.Sub(report.StartedAt).String(),
	}).Info("Pipeline run finished")

	return report, nil
}

func (d *Driver) runStage(ctx context.Context, r *run, stage *Stage) *StageResult {
	start := time.Now()
	log := r.log.WithFields(logrus.Fields{"stage": stage.Name, "output": stage.Output.String()})

	result := &StageResult{Stage: stage.Name}

	if blocked := r.blockedBy(stage.Name); len(blocked) > 0 {
		result.Status = StatusSkipped
		result.Err = fmt.Errorf("%w: %s", ErrUpstreamFailed, strings.Join(blocked, ", "))
		result.Error = result.Err.Error()

		log.WithField("blocked_by", blocked).Warn("Skipping stage")

		return result
	}

	if err := ctx.Err(); err != nil {
		result.Status = StatusSkipped
		result.Err = err
		result.Error = err.Error()

		return result
	}

	def, err := d.registry.Get(stage.Transform)
	if err != nil {
		return failed(result, err, start)
	}

	result.Transform = def.Identity()

	for attempt := 1; attempt <= 2; attempt++ {
		result.Attempts = attempt

		err = d.attempt(ctx, r, stage, def, result, log)
		if err == nil {
			break
		}

		if !errors.Is(err, catalog.ErrConcurrentModification) || attempt == 2 {
			break
		}

		log.WithError(err).Warn("Concurrent modification, retrying stage with re-resolved inputs")
	}

	if err != nil {
		log.WithError(err).Error("Stage failed")
		observability.RecordError("driver", errorType(err))

		return failed(result, err, start)
	}

	result.Status = StatusSucceeded
	result.Duration = time.Since(start)
	r.produced[stage.Output] = *result.Output

	log.WithFields(logrus.Fields{
		"version": result.Output.Version,
		"reused":  result.Reused,
		"rows":    result.Rows,
	}).Info("Stage succeeded")

	return result
}

// attempt performs one resolve, lookup, invoke, commit and append cycle
func (d *Driver) attempt(
	ctx context.Context,
	r *run,
	stage *Stage,
	def *transform.Definition,
	result *StageResult,
	log logrus.FieldLogger,
) error {
	result.Reused = false
	result.Output = nil
	result.Rows = 0

	inputs, location, err := d.resolveInputs(ctx, r, stage)
	if err != nil {
		return err
	}

	refs := make([]dataset.Ref, len(inputs))
	for i, in := range inputs {
		refs[i] = in.Ref
	}

	result.Inputs = refs

	recorded, hit, err := d.recordedOutput(ctx, def.Identity(), refs, log)
	if err != nil {
		return err
	}

	observability.RecordLedgerLookup(stage.Name, hit)

	if hit {
		result.Output = &recorded
		result.Reused = true

		return nil
	}

	expectedPrior, err := d.currentVersion(ctx, stage.Output)
	if err != nil {
		return err
	}

	data, err := d.registry.Invoke(ctx, stage.Transform, &transform.Invocation{
		Inputs:      inputs,
		Source:      location,
		Environment: r.env,
		RunTime:     r.rc.Now,
	})
	if err != nil {
		return err
	}

	output, unchanged, err := d.currentOutput(ctx, stage.Output, expectedPrior, data)
	if err != nil {
		return err
	}

	if unchanged {
		log.WithField("version", output.Version).Info("Output matches the current version, recording it without a commit")

		result.Reused = true
	} else {
		output, err = d.catalog.Commit(ctx, stage.Output, data, expectedPrior)
		if err != nil {
			status := "error"
			if errors.Is(err, catalog.ErrConcurrentModification) {
				status = "conflict"
			}

			observability.RecordCommit(stage.Output.String(), status)

			return fmt.Errorf("commit %s: %w", stage.Output, err)
		}

		observability.RecordCommit(stage.Output.String(), "committed")
	}

	observability.RecordStageRows(r.def.Name, stage.Name, float64(data.Len()))

	result.Output = &output
	result.Rows = data.Len()

	return d.appendRecord(ctx, ledger.Record{
		ID:          uuid.New().String(),
		RunID:       r.rc.RunID,
		Pipeline:    r.def.Name,
		Environment: r.env,
		Stage:       stage.Name,
		Transform:   def.Identity(),
		Inputs:      refs,
		Output:      output,
		Status:      ledger.StatusSucceeded,
	}, log)
}

// recordedOutput returns the earliest recorded output for the inputs that
// still resolves. Outputs retired by vacuum are treated as a miss.
func (d *Driver) recordedOutput(
	ctx context.Context,
	identity string,
	refs []dataset.Ref,
	log logrus.FieldLogger,
) (dataset.Ref, bool, error) {
	records, err := d.ledger.Matches(ctx, identity, refs)
	if err != nil {
		return dataset.Ref{}, false, fmt.Errorf("ledger lookup: %w", err)
	}

	for i := range records {
		output := records[i].Output

		if _, err := d.catalog.Resolve(ctx, output.Dataset, output.Version); err != nil {
			if errors.Is(err, catalog.ErrVersionNotFound) {
				log.WithFields(logrus.Fields{
					"record": records[i].ID,
					"output": output.String(),
				}).Debug("Recorded output was vacuumed")

				continue
			}

			return dataset.Ref{}, false, fmt.Errorf("resolve recorded output %s: %w", output, err)
		}

		log.WithField("record", records[i].ID).Debug("Inputs unchanged, reusing recorded output")

		return output, true, nil
	}

	return dataset.Ref{}, false, nil
}

// currentOutput reports whether the current version of id already holds
// exactly data. This covers a commit whose run record was never written.
func (d *Driver) currentOutput(ctx context.Context, id dataset.ID, current uint64, data *dataset.Data) (dataset.Ref, bool, error) {
	if current == 0 {
		return dataset.Ref{}, false, nil
	}

	ref, err := d.catalog.Resolve(ctx, id, current)
	if err != nil {
		return dataset.Ref{}, false, fmt.Errorf("resolve output %s: %w", id, err)
	}

	snap, err := d.catalog.Load(ctx, ref)
	if err != nil {
		return dataset.Ref{}, false, fmt.Errorf("load %s: %w", ref, err)
	}

	have, err := (&dataset.Data{Schema: snap.Schema, Rows: snap.Rows}).Fingerprint()
	if err != nil {
		return dataset.Ref{}, false, err
	}

	want, err := data.Fingerprint()
	if err != nil {
		return dataset.Ref{}, false, err
	}

	return ref, have == want, nil
}

// appendRecord writes the run record, retrying transient ledger failures.
// The record ID is fixed up front so a retry after an unacknowledged write
// surfaces as a duplicate, which counts as written.
func (d *Driver) appendRecord(ctx context.Context, record ledger.Record, log logrus.FieldLogger) error {
	var err error

	for attempt := 1; attempt <= ledgerAppendAttempts; attempt++ {
		err = d.ledger.Append(ctx, record)
		if err == nil || errors.Is(err, ledger.ErrDuplicateRecord) {
			return nil
		}

		if attempt == ledgerAppendAttempts {
			break
		}

		log.WithError(err).WithField("attempt", attempt).Warn("Failed to append run record, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrLedgerAppend, ctx.Err())
		case <-time.After(time.Duration(attempt) * d.appendBackoff):
		}
	}

	return fmt.Errorf("%w: %w", ErrLedgerAppend, err)
}

// resolveInputs pins every input to a version. Bronze stages read their
// source and address it by content fingerprint.
func (d *Driver) resolveInputs(ctx context.Context, r *run, stage *Stage) ([]*dataset.Snapshot, string, error) {
	if stage.IsBronze() {
		location, err := d.templates.Render(stage.Source.Location, source.LocationVars{
			Environment: r.env,
			Pipeline:    r.def.Name,
			Stage:       stage.Name,
			RunID:       r.rc.RunID,
			Now:         r.rc.Now,
		})
		if err != nil {
			return nil, "", err
		}

		data, err := d.reader.Read(ctx, stage.Source.Format, location, stage.Source.Options)
		if err != nil {
			return nil, "", fmt.Errorf("read source: %w", err)
		}

		fingerprint, err := data.Fingerprint()
		if err != nil {
			return nil, "", err
		}

		return []*dataset.Snapshot{{
			Ref:    dataset.Ref{Dataset: stage.SourceID(), Fingerprint: fingerprint},
			Schema: data.Schema,
			Rows:   data.Rows,
		}}, location, nil
	}

	snapshots := make([]*dataset.Snapshot, 0, len(stage.Inputs))

	for _, in := range stage.Inputs {
		ref, err := r.resolve(ctx, d.catalog, in)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %s: %w", ErrUnresolvedInput, in, err)
		}

		snap, err := d.catalog.Load(ctx, ref)
		if err != nil {
			return nil, "", fmt.Errorf("load %s: %w", ref, err)
		}

		snapshots = append(snapshots, snap)
	}

	return snapshots, "", nil
}

// resolve picks the input version: stage pin, then run pin, then the version
// produced earlier in this run, then the latest committed version.
func (r *run) resolve(ctx context.Context, tracker catalog.Tracker, in InputRef) (dataset.Ref, error) {
	if in.Version > 0 {
		return tracker.Resolve(ctx, in.Dataset, in.Version)
	}

	if v, ok := r.rc.Pins[in.Dataset.String()]; ok && v > 0 {
		return tracker.Resolve(ctx, in.Dataset, v)
	}

	if ref, ok := r.produced[in.Dataset]; ok {
		return ref, nil
	}

	return tracker.Resolve(ctx, in.Dataset, 0)
}

func (d *Driver) currentVersion(ctx context.Context, id dataset.ID) (uint64, error) {
	ref, err := d.catalog.Resolve(ctx, id, 0)
	if errors.Is(err, catalog.ErrDatasetNotFound) {
		return 0, nil
	}

	if err != nil {
		return 0, fmt.Errorf("resolve output %s: %w", id, err)
	}

	return ref.Version, nil
}

// blockedBy returns the direct dependencies that did not succeed
func (r *run) blockedBy(name string) []string {
	var blocked []string

	for _, parent := range r.graph.Upstream(name) {
		if res, ok := r.results[parent]; !ok || res.Status != StatusSucceeded {
			blocked = append(blocked, parent)
		}
	}

	return blocked
}

func failed(result *StageResult, err error, start time.Time) *StageResult {
	result.Status = StatusFailed
	result.Err = err
	result.Error = err.Error()
	result.Duration = time.Since(start)

	return result
}

func errorType(err error) string {
	switch {
	case errors.Is(err, transform.ErrSchemaMismatch):
		return "schema_mismatch"
	case errors.Is(err, transform.ErrTransformExecution):
		return "transform_execution"
	case errors.Is(err, catalog.ErrConcurrentModification):
		return "concurrent_modification"
	case errors.Is(err, catalog.ErrVersionNotFound):
		return "version_not_found"
	default:
		return "other"
	}
}
