package transform

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethpandaops/medallion/pkg/dataset"
)

var (
	// ErrInvalidRules is returned when a bucketing rule list is malformed
	ErrInvalidRules = errors.New("invalid bucketing rules")
	// ErrNonNumericBucketValue is returned when a bucketed column holds a non-number
	ErrNonNumericBucketValue = errors.New("bucketed value is not numeric")
)

// Rule labels values up to and including Max. A rule without Max matches
// everything and may only appear last.
type Rule struct {
	Label string   `yaml:"label"`
	Max   *float64 `yaml:"max,omitempty"`
}

// AtMost builds a threshold rule
func AtMost(limit float64, label string) Rule {
	return Rule{Label: label, Max: &limit}
}

// Otherwise builds the catch-all rule
func Otherwise(label string) Rule {
	return Rule{Label: label}
}

// Rules is an ordered list evaluated first match wins
type Rules []Rule

// Validate checks labels are set, thresholds ascend and a catch-all, if
// present, comes last.
func (r Rules) Validate() error {
	if len(r) == 0 {
		return fmt.Errorf("%w: no rules", ErrInvalidRules)
	}

	for i, rule := range r {
		if rule.Label == "" {
			return fmt.Errorf("%w: rule %d has no label", ErrInvalidRules, i)
		}

		if rule.Max == nil && i != len(r)-1 {
			return fmt.Errorf("%w: catch-all rule %q must be last", ErrInvalidRules, rule.Label)
		}

		if i > 0 && rule.Max != nil && r[i-1].Max != nil && *rule.Max <= *r[i-1].Max {
			return fmt.Errorf("%w: thresholds must ascend (%v after %v)", ErrInvalidRules, *rule.Max, *r[i-1].Max)
		}
	}

	return nil
}

// Classify returns the label of the first rule matching v
func (r Rules) Classify(v float64) (string, bool) {
	for _, rule := range r {
		if rule.Max == nil || v <= *rule.Max {
			return rule.Label, true
		}
	}

	return "", false
}

// Bucket derives a categorical Target column from a numeric Column
type Bucket struct {
	Column string `yaml:"column"`
	Target string `yaml:"target"`
	Rules  Rules  `yaml:"rules"`
}

// SilverPolicy configures cleaning. Null records and records whose every
// value is null are always dropped. The steps then run in order: type
// coercion, required-column filtering, bucketing and full-row de-duplication.
type SilverPolicy struct {
	// Coerce converts columns to the given types. Unparsable values become null.
	Coerce dataset.Schema `yaml:"coerce,omitempty"`
	// Required drops rows holding a null in any of these columns
	Required []string `yaml:"required,omitempty"`
	// Buckets adds categorical columns
	Buckets []Bucket `yaml:"buckets,omitempty"`
	// Dedupe drops rows equal to an earlier row in every column
	Dedupe bool `yaml:"dedupe"`
}

// Validate checks the policy
func (p *SilverPolicy) Validate() error {
	if err := p.Coerce.Validate(); err != nil {
		return fmt.Errorf("%w: coerce: %w", ErrInvalidDefinition, err)
	}

	for _, b := range p.Buckets {
		if b.Column == "" || b.Target == "" {
			return fmt.Errorf("%w: bucket needs column and target", ErrInvalidDefinition)
		}

		if err := b.Rules.Validate(); err != nil {
			return fmt.Errorf("bucket %s: %w", b.Target, err)
		}
	}

	return nil
}

// expected returns the columns the policy reads
func (p *SilverPolicy) expected() dataset.Schema {
	var schema dataset.Schema

	add := func(name string) {
		if name != "" && schema.Index(name) < 0 {
			schema = append(schema, dataset.Column{Name: name, Type: dataset.TypeAny})
		}
	}

	for _, c := range p.Coerce {
		add(c.Name)
	}

	for _, name := range p.Required {
		add(name)
	}

	for _, b := range p.Buckets {
		add(b.Column)
	}

	return schema
}

func (p *SilverPolicy) outputSchema(in dataset.Schema) dataset.Schema {
	out := in

	for _, c := range p.Coerce {
		out = out.With(dataset.Column{Name: c.Name, Type: c.Type, Nullable: true})
	}

	for _, b := range p.Buckets {
		out = out.With(dataset.Column{Name: b.Target, Type: dataset.TypeString, Nullable: true})
	}

	return out
}

// Silver builds a cleaning transform reading a single Bronze input
func Silver(name, version string, policy SilverPolicy, expect dataset.Schema) (*Definition, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	inputSchema := policy.expected().With(expect...)

	return &Definition{
		Name:    name,
		Version: version,
		Layer:   dataset.LayerSilver,
		Inputs:  []Input{{Name: "bronze", Schema: inputSchema}},
		Output:  policy.outputSchema(inputSchema),
		Func: func(ctx context.Context, inv *Invocation) (*dataset.Data, error) {
			return policy.apply(ctx, inv.Inputs[0])
		},
	}, nil
}

func (p *SilverPolicy) apply(ctx context.Context, in *dataset.Snapshot) (*dataset.Data, error) {
	out := &dataset.Data{Schema: p.outputSchema(in.Schema)}
	seen := make(map[string]struct{})

	for i, row := range in.Rows {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		if isNullRow(row) {
			continue
		}

		cleaned := make(dataset.Row, len(row)+len(p.Buckets))
		for k, v := range row {
			cleaned[k] = v
		}

		for _, c := range p.Coerce {
			v, err := c.Type.Coerce(cleaned[c.Name])
			if err != nil {
				v = nil
			}
			cleaned[c.Name] = v
		}

		if hasNull(cleaned, p.Required) {
			continue
		}

		for _, b := range p.Buckets {
			label, err := b.classify(cleaned[b.Column])
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}
			cleaned[b.Target] = label
		}

		if p.Dedupe {
			key, err := out.Schema.RowKey(cleaned)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}

			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}

		out.Rows = append(out.Rows, cleaned)
	}

	return out, nil
}

func (b *Bucket) classify(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	f, ok := numeric(v)
	if !ok {
		return nil, fmt.Errorf("%w: %s=%v", ErrNonNumericBucketValue, b.Column, v)
	}

	label, ok := b.Rules.Classify(f)
	if !ok {
		return nil, nil
	}

	return label, nil
}

func isNullRow(row dataset.Row) bool {
	for _, v := range row {
		if v != nil {
			return false
		}
	}

	return true
}

func hasNull(row dataset.Row, columns []string) bool {
	for _, c := range columns {
		if row[c] == nil {
			return true
		}
	}

	return false
}
