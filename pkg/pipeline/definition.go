package pipeline

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/creasty/defaults"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/medallion/pkg/dataset"
	"github.com/ethpandaops/medallion/pkg/source"
	"github.com/ethpandaops/medallion/pkg/transform"
)

var (
	// ErrInvalidPipeline is returned when a pipeline definition is malformed
	ErrInvalidPipeline = errors.New("invalid pipeline definition")
	// ErrDuplicateStage is returned when two stages share a name
	ErrDuplicateStage = errors.New("duplicate stage name")
	// ErrDuplicateProducer is returned when two stages write the same dataset
	ErrDuplicateProducer = errors.New("dataset has more than one producing stage")
	// ErrLayerViolation is returned when a stage reads from a layer its output may not derive from
	ErrLayerViolation = errors.New("layer violation")
	// ErrInvalidSchedule is returned for an unparsable cron schedule
	ErrInvalidSchedule = errors.New("invalid schedule")
)

//nolint:gochecknoglobals // shared cron parser
var scheduleParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Definition is a declarative pipeline: an ordered list of stages plus the
// policy-driven transforms they may reference.
type Definition struct {
	Name        string           `yaml:"name"`
	Schedule    string           `yaml:"schedule,omitempty"`
	Environment string           `yaml:"environment" default:"dev"`
	Transforms  []transform.Spec `yaml:"transforms,omitempty"`
	Stages      []Stage          `yaml:"stages"`
}

// Stage names its transform, the datasets it reads and the dataset it writes.
// Bronze stages read a Source instead of datasets.
type Stage struct {
	Name      string     `yaml:"name"`
	Transform string     `yaml:"transform"`
	Inputs    []InputRef `yaml:"inputs,omitempty"`
	Output    dataset.ID `yaml:"output"`
	Source    *Source    `yaml:"source,omitempty"`
}

// Source describes the raw file read by a Bronze stage. Location is a
// template rendered per run.
type Source struct {
	Format   source.Format     `yaml:"format" default:"csv"`
	Location string            `yaml:"location"`
	Options  map[string]string `yaml:"options,omitempty"`
}

// InputRef names an input dataset with an optional version pin. It accepts
// the short form "silver.flights" or "silver.flights@3".
type InputRef struct {
	Dataset dataset.ID `yaml:"dataset"`
	Version uint64     `yaml:"version,omitempty"`
}

// ParseInputRef parses the short form layer.name[@version]
func ParseInputRef(s string) (InputRef, error) {
	name, version, pinned := strings.Cut(s, "@")

	id, err := dataset.ParseID(name)
	if err != nil {
		return InputRef{}, err
	}

	ref := InputRef{Dataset: id}

	if pinned {
		v, err := strconv.ParseUint(version, 10, 64)
		if err != nil || v == 0 {
			return InputRef{}, fmt.Errorf("%w: invalid version pin %q", ErrInvalidPipeline, s)
		}
		ref.Version = v
	}

	return ref, nil
}

// String renders the short form
func (r InputRef) String() string {
	if r.Version == 0 {
		return r.Dataset.String()
	}

	return fmt.Sprintf("%s@%d", r.Dataset, r.Version)
}

// UnmarshalYAML accepts both the short scalar form and the mapping form
func (r *InputRef) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		parsed, err := ParseInputRef(value.Value)
		if err != nil {
			return err
		}

		*r = parsed

		return nil
	}

	type plain InputRef

	var p plain
	if err := value.Decode(&p); err != nil {
		return err
	}

	*r = InputRef(p)

	return nil
}

// IsBronze reports whether the stage ingests a source
func (s *Stage) IsBronze() bool {
	return s.Output.Layer == dataset.LayerBronze
}

// SourceID is the pseudo dataset addressing the raw input of a Bronze stage
func (s *Stage) SourceID() dataset.ID {
	return dataset.NewID(dataset.LayerSource, s.Name)
}

// Validate checks the stage in isolation
func (s *Stage) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("%w: stage name is required", ErrInvalidPipeline)
	}

	if s.Transform == "" {
		return fmt.Errorf("%w: stage %s: transform is required", ErrInvalidPipeline, s.Name)
	}

	if s.Output.IsZero() {
		return fmt.Errorf("%w: stage %s: output is required", ErrInvalidPipeline, s.Name)
	}

	if err := s.Output.Layer.Validate(); err != nil {
		return fmt.Errorf("%w: stage %s: %w", ErrInvalidPipeline, s.Name, err)
	}

	if s.IsBronze() {
		if s.Source == nil || s.Source.Location == "" {
			return fmt.Errorf("%w: bronze stage %s needs a source location", ErrInvalidPipeline, s.Name)
		}

		if err := s.Source.Format.Validate(); err != nil {
			return fmt.Errorf("%w: stage %s: %w", ErrInvalidPipeline, s.Name, err)
		}

		if len(s.Inputs) > 0 {
			return fmt.Errorf("%w: bronze stage %s reads from its source only", ErrLayerViolation, s.Name)
		}

		return nil
	}

	if s.Source != nil {
		return fmt.Errorf("%w: only bronze stages may read a source (stage %s)", ErrLayerViolation, s.Name)
	}

	if len(s.Inputs) == 0 {
		return fmt.Errorf("%w: stage %s has no inputs", ErrInvalidPipeline, s.Name)
	}

	for _, in := range s.Inputs {
		if in.Dataset == s.Output {
			return fmt.Errorf("%w: stage %s reads its own output", ErrInvalidPipeline, s.Name)
		}

		if !s.Output.Layer.CanDeriveFrom(in.Dataset.Layer) {
			return fmt.Errorf("%w: stage %s: %s cannot derive from %s", ErrLayerViolation, s.Name, s.Output, in.Dataset)
		}
	}

	return nil
}

// Validate checks the definition is sequenceable: unique stage names, a
// single producer per dataset and the layering rules.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidPipeline)
	}

	if len(d.Stages) == 0 {
		return fmt.Errorf("%w: %s has no stages", ErrInvalidPipeline, d.Name)
	}

	if d.Schedule != "" {
		if _, err := scheduleParser.Parse(d.Schedule); err != nil {
			return fmt.Errorf("%w: %q: %w", ErrInvalidSchedule, d.Schedule, err)
		}
	}

	names := make(map[string]struct{}, len(d.Stages))
	producers := make(map[dataset.ID]string, len(d.Stages))
	invocations := make(map[string]string, len(d.Stages))

	for i := range d.Stages {
		stage := &d.Stages[i]

		if err := stage.Validate(); err != nil {
			return err
		}

		if _, ok := names[stage.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateStage, stage.Name)
		}
		names[stage.Name] = struct{}{}

		if other, ok := producers[stage.Output]; ok {
			return fmt.Errorf("%w: %s is written by %s and %s", ErrDuplicateProducer, stage.Output, other, stage.Name)
		}
		producers[stage.Output] = stage.Name

		// the ledger keys on transform and inputs, so two stages sharing both
		// would reuse each other's output
		if !stage.IsBronze() {
			key := invocationKey(stage)
			if other, ok := invocations[key]; ok {
				return fmt.Errorf("%w: stages %s and %s run the same transform on the same inputs", ErrInvalidPipeline, other, stage.Name)
			}
			invocations[key] = stage.Name
		}
	}

	return nil
}

func invocationKey(stage *Stage) string {
	parts := make([]string, 0, len(stage.Inputs)+1)
	parts = append(parts, stage.Transform)

	for _, in := range stage.Inputs {
		parts = append(parts, in.String())
	}

	return strings.Join(parts, "|")
}

// Check verifies every stage references a registered transform whose layer
// and input arity match the stage.
func (d *Definition) Check(registry *transform.Registry) error {
	for i := range d.Stages {
		stage := &d.Stages[i]

		def, err := registry.Get(stage.Transform)
		if err != nil {
			return fmt.Errorf("stage %s: %w", stage.Name, err)
		}

		if def.Layer != stage.Output.Layer {
			return fmt.Errorf("%w: stage %s writes %s with %s transform %s", ErrLayerViolation, stage.Name, stage.Output, def.Layer, def.Name)
		}

		want := len(stage.Inputs)
		if stage.IsBronze() {
			want = 1
		}

		if len(def.Inputs) != want {
			return fmt.Errorf("%w: stage %s passes %d inputs to %s which declares %d", ErrInvalidPipeline, stage.Name, want, def.Name, len(def.Inputs))
		}
	}

	return nil
}

// Stage returns the named stage
func (d *Definition) Stage(name string) (*Stage, bool) {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i], true
		}
	}

	return nil, false
}

// ParseDefinition decodes a YAML pipeline definition and applies defaults
func ParseDefinition(b []byte) (*Definition, error) {
	def := &Definition{}
	if err := defaults.Set(def); err != nil {
		return nil, fmt.Errorf("failed to set defaults: %w", err)
	}

	if err := yaml.Unmarshal(b, def); err != nil {
		return nil, fmt.Errorf("failed to parse pipeline definition: %w", err)
	}

	for i := range def.Transforms {
		if err := defaults.Set(&def.Transforms[i]); err != nil {
			return nil, fmt.Errorf("failed to set transform defaults: %w", err)
		}
	}

	for i := range def.Stages {
		if src := def.Stages[i].Source; src != nil {
			if err := defaults.Set(src); err != nil {
				return nil, fmt.Errorf("failed to set source defaults: %w", err)
			}
		}
	}

	return def, nil
}

// LoadDefinition reads and validates a pipeline definition file
func LoadDefinition(path string) (*Definition, error) {
	b, err := os.ReadFile(path) //nolint:gosec // User-provided pipeline path
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline definition: %w", err)
	}

	def, err := ParseDefinition(b)
	if err != nil {
		return nil, err
	}

	if err := def.Validate(); err != nil {
		return nil, err
	}

	return def, nil
}
