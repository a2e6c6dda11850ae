package transform

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/ethpandaops/medallion/pkg/dataset"
)

// Spec is the YAML form of a policy-driven transform. Exactly one of Bronze,
// Silver or Gold must be set.
type Spec struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version" default:"1"`

	// Expect declares extra input columns the transform relies on
	Expect dataset.Schema `yaml:"expect,omitempty"`

	Bronze *BronzePolicy `yaml:"bronze,omitempty"`
	Silver *SilverPolicy `yaml:"silver,omitempty"`
	Gold   *GoldPolicy   `yaml:"gold,omitempty"`
}

// Layer returns the layer of the configured policy
func (s *Spec) Layer() (dataset.Layer, error) {
	var (
		layer dataset.Layer
		set   int
	)

	if s.Bronze != nil {
		layer = dataset.LayerBronze
		set++
	}

	if s.Silver != nil {
		layer = dataset.LayerSilver
		set++
	}

	if s.Gold != nil {
		layer = dataset.LayerGold
		set++
	}

	if set != 1 {
		return "", fmt.Errorf("%w: transform %q must set exactly one of bronze, silver or gold", ErrInvalidDefinition, s.Name)
	}

	return layer, nil
}

// Build turns the spec into a Definition
func (s *Spec) Build() (*Definition, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("%w: transform name is required", ErrInvalidDefinition)
	}

	layer, err := s.Layer()
	if err != nil {
		return nil, err
	}

	if err := s.Expect.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s expect: %w", ErrInvalidDefinition, s.Name, err)
	}

	var def *Definition

	switch layer {
	case dataset.LayerBronze:
		policy := *s.Bronze
		policy.Expect = policy.Expect.With(s.Expect...)
		def = Bronze(s.Name, s.Version, policy)
	case dataset.LayerSilver:
		def, err = Silver(s.Name, s.Version, *s.Silver, s.Expect)
	default:
		def, err = Gold(s.Name, s.Version, *s.Gold)
		if err == nil && len(s.Expect) > 0 {
			def.Inputs[0].Schema = def.Inputs[0].Schema.With(s.Expect...)
		}
	}

	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", s.Name, err)
	}

	def.Digest, err = s.Digest()
	if err != nil {
		return nil, fmt.Errorf("transform %s: %w", s.Name, err)
	}

	return def, nil
}

// Digest fingerprints the canonical YAML form of the spec, so any edit to a
// policy changes the transform identity even when Version is not bumped.
func (s *Spec) Digest() (string, error) {
	b, err := yaml.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("encode spec: %w", err)
	}

	return dataset.Fingerprint(b), nil
}

// RegisterSpecs builds and registers every spec
func (r *Registry) RegisterSpecs(specs []Spec) error {
	for i := range specs {
		def, err := specs[i].Build()
		if err != nil {
			return err
		}

		if err := r.Register(def); err != nil {
			return err
		}
	}

	return nil
}
