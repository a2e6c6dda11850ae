package transform

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"

	"github.com/ethpandaops/medallion/pkg/dataset"
)

var (
	// ErrInvalidMeasure is returned for a malformed aggregate measure
	ErrInvalidMeasure = errors.New("invalid measure")
	// ErrColumnConflict is returned when a join would overwrite a column
	ErrColumnConflict = errors.New("join column conflict")
)

// AggregateFunc names an aggregate
type AggregateFunc string

const (
	AggCount AggregateFunc = "count"
	AggSum   AggregateFunc = "sum"
	AggAvg   AggregateFunc = "avg"
	AggMin   AggregateFunc = "min"
	AggMax   AggregateFunc = "max"
	// AggSumIf sums Column over rows matching Where, or counts matches when
	// Column is empty.
	AggSumIf AggregateFunc = "sum_if"
)

// Measure is a single aggregate output column
type Measure struct {
	Name   string        `yaml:"name"`
	Func   AggregateFunc `yaml:"func"`
	Column string        `yaml:"column,omitempty"`
	Where  *Condition    `yaml:"where,omitempty"`
}

// Validate checks the measure
func (m *Measure) Validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidMeasure)
	}

	switch m.Func {
	case AggCount:
	case AggSum, AggAvg, AggMin, AggMax:
		if m.Column == "" {
			return fmt.Errorf("%w: %s needs a column for %s", ErrInvalidMeasure, m.Name, m.Func)
		}
	case AggSumIf:
		if m.Where == nil {
			return fmt.Errorf("%w: %s needs a where condition", ErrInvalidMeasure, m.Name)
		}
	default:
		return fmt.Errorf("%w: %s has unknown func %q", ErrInvalidMeasure, m.Name, m.Func)
	}

	if m.Where != nil {
		if err := m.Where.Validate(); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrInvalidMeasure, m.Name, err)
		}
	}

	return nil
}

// outputType returns the result type given the input column type
func (m *Measure) outputType(in dataset.ColumnType) dataset.ColumnType {
	switch m.Func {
	case AggCount:
		return dataset.TypeInt
	case AggAvg:
		return dataset.TypeFloat
	case AggSumIf:
		if m.Column == "" {
			return dataset.TypeInt
		}
		return numericType(in)
	case AggSum:
		return numericType(in)
	default:
		return in
	}
}

func numericType(t dataset.ColumnType) dataset.ColumnType {
	if t == dataset.TypeInt {
		return dataset.TypeInt
	}

	return dataset.TypeFloat
}

// Join enriches each aggregated row with Columns from the second input,
// matching on On. On must be a subset of GroupBy. Rows without a match keep
// nulls in the joined columns; when the dimension repeats a key the first
// row in dimension order wins.
type Join struct {
	On      []string `yaml:"on"`
	Columns []string `yaml:"columns"`
}

// GoldPolicy configures aggregation. Rows are filtered, grouped by GroupBy and
// reduced to one row per group holding the group keys and every measure.
// Groups are emitted in key order and then optionally joined against a
// dimension. Without GroupBy the whole input collapses into one row.
type GoldPolicy struct {
	Filter   *Condition `yaml:"filter,omitempty"`
	GroupBy  []string   `yaml:"group_by,omitempty"`
	Measures []Measure  `yaml:"measures"`
	Join     *Join      `yaml:"join,omitempty"`
}

// Validate checks the policy
func (p *GoldPolicy) Validate() error {
	if len(p.Measures) == 0 && len(p.GroupBy) == 0 {
		return fmt.Errorf("%w: gold policy needs measures or group_by", ErrInvalidDefinition)
	}

	names := make(map[string]struct{})
	for _, g := range p.GroupBy {
		if _, ok := names[g]; ok {
			return fmt.Errorf("%w: %s", dataset.ErrDuplicateColumn, g)
		}
		names[g] = struct{}{}
	}

	for i := range p.Measures {
		m := &p.Measures[i]
		if err := m.Validate(); err != nil {
			return err
		}

		if _, ok := names[m.Name]; ok {
			return fmt.Errorf("%w: %s", dataset.ErrDuplicateColumn, m.Name)
		}
		names[m.Name] = struct{}{}
	}

	if p.Filter != nil {
		if err := p.Filter.Validate(); err != nil {
			return err
		}
	}

	if p.Join != nil {
		return p.Join.validate(p.GroupBy, names)
	}

	return nil
}

func (j *Join) validate(groupBy []string, taken map[string]struct{}) error {
	if len(j.On) == 0 || len(j.Columns) == 0 {
		return fmt.Errorf("%w: join needs on and columns", ErrInvalidDefinition)
	}

	for _, on := range j.On {
		if !slices.Contains(groupBy, on) {
			return fmt.Errorf("%w: join key %s is not in group_by", ErrInvalidDefinition, on)
		}
	}

	for _, c := range j.Columns {
		if _, ok := taken[c]; ok {
			return fmt.Errorf("%w: %s", ErrColumnConflict, c)
		}
		taken[c] = struct{}{}
	}

	return nil
}

func (p *GoldPolicy) expected() (primary, secondary dataset.Schema) {
	add := func(schema *dataset.Schema, name string, typ dataset.ColumnType) {
		if name == "" || schema.Index(name) >= 0 {
			return
		}

		*schema = append(*schema, dataset.Column{Name: name, Type: typ})
	}

	for _, g := range p.GroupBy {
		add(&primary, g, dataset.TypeAny)
	}

	if p.Filter != nil {
		add(&primary, p.Filter.Column, dataset.TypeAny)
	}

	for _, m := range p.Measures {
		if m.Where != nil {
			add(&primary, m.Where.Column, dataset.TypeAny)
		}
	}

	for _, m := range p.Measures {
		switch m.Func {
		case AggSum, AggAvg, AggSumIf:
			add(&primary, m.Column, dataset.TypeFloat)
		default:
			add(&primary, m.Column, dataset.TypeAny)
		}
	}

	if p.Join != nil {
		for _, on := range p.Join.On {
			add(&secondary, on, dataset.TypeAny)
		}

		for _, c := range p.Join.Columns {
			add(&secondary, c, dataset.TypeAny)
		}
	}

	return primary, secondary
}

func (p *GoldPolicy) outputSchema(in dataset.Schema) dataset.Schema {
	out := make(dataset.Schema, 0, len(p.GroupBy)+len(p.Measures))

	for _, g := range p.GroupBy {
		col, ok := in.Column(g)
		if !ok {
			col = dataset.Column{Name: g, Type: dataset.TypeAny}
		}
		out = append(out, dataset.Column{Name: g, Type: col.Type, Nullable: true})
	}

	for _, m := range p.Measures {
		inType := dataset.TypeFloat
		if col, ok := in.Column(m.Column); ok {
			inType = col.Type
		}

		out = append(out, dataset.Column{
			Name:     m.Name,
			Type:     m.outputType(inType),
			Nullable: m.Func != AggCount && !(m.Func == AggSumIf && m.Column == ""),
		})
	}

	if p.Join != nil {
		for _, c := range p.Join.Columns {
			out = append(out, dataset.Column{Name: c, Type: dataset.TypeAny, Nullable: true})
		}
	}

	return out
}

// Gold builds an aggregation transform over a Silver or Gold input. When the
// policy has a Join a second input is declared.
func Gold(name, version string, policy GoldPolicy) (*Definition, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}

	primary, secondary := policy.expected()

	inputs := []Input{{Name: "primary", Schema: primary}}
	if policy.Join != nil {
		inputs = append(inputs, Input{Name: "lookup", Schema: secondary})
	}

	return &Definition{
		Name:    name,
		Version: version,
		Layer:   dataset.LayerGold,
		Inputs:  inputs,
		Output:  declaredOutput(policy.outputSchema(primary)),
		Func: func(ctx context.Context, inv *Invocation) (*dataset.Data, error) {
			return policy.apply(ctx, inv.Inputs)
		},
	}, nil
}

// declaredOutput relaxes measure types that depend on the runtime input so
// the output contract only pins names and fixed types.
func declaredOutput(schema dataset.Schema) dataset.Schema {
	out := make(dataset.Schema, len(schema))
	for i, col := range schema {
		switch col.Type {
		case dataset.TypeInt, dataset.TypeFloat:
			col.Type = dataset.TypeFloat
		default:
			col.Type = dataset.TypeAny
		}
		out[i] = col
	}

	return out
}

func (p *GoldPolicy) apply(ctx context.Context, inputs []*dataset.Snapshot) (*dataset.Data, error) {
	schema := inputs[0].Schema
	rows := inputs[0].Rows

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	groups := make(map[string]*group)
	var order []string

	if len(p.GroupBy) == 0 {
		groups[""] = newGroup(p, nil)
		order = append(order, "")
	}

	keySchema := make(dataset.Schema, 0, len(p.GroupBy))
	for _, g := range p.GroupBy {
		col, _ := schema.Column(g)
		keySchema = append(keySchema, dataset.Column{Name: g, Type: col.Type})
	}

	for i, row := range rows {
		if row == nil {
			continue
		}

		if p.Filter != nil {
			ok, err := p.Filter.Match(row)
			if err != nil {
				return nil, fmt.Errorf("row %d: %w", i, err)
			}

			if !ok {
				continue
			}
		}

		key, err := keySchema.RowKey(row)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}

		if len(p.GroupBy) == 0 {
			key = ""
		}

		grp, ok := groups[key]
		if !ok {
			grp = newGroup(p, row)
			groups[key] = grp
			order = append(order, key)
		}

		if err := grp.add(row); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
	}

	sort.Slice(order, func(i, j int) bool {
		return lessKeys(groups[order[i]].keys, groups[order[j]].keys)
	})

	out := &dataset.Data{Schema: p.outputSchema(schema)}
	for _, key := range order {
		out.Rows = append(out.Rows, groups[key].result())
	}

	if p.Join != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := p.Join.apply(out, inputs[1]); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// lessKeys orders group keys column by column with nulls first
func lessKeys(a, b []any) bool {
	for i := range a {
		switch {
		case a[i] == nil && b[i] == nil:
			continue
		case a[i] == nil:
			return true
		case b[i] == nil:
			return false
		}

		cmp, err := compare(a[i], b[i])
		if err != nil {
			sa, sb := fmt.Sprint(a[i]), fmt.Sprint(b[i])
			if sa == sb {
				continue
			}
			return sa < sb
		}

		if cmp != 0 {
			return cmp < 0
		}
	}

	return false
}

type group struct {
	policy *GoldPolicy
	keys   []any
	accs   []*accumulator
}

func newGroup(p *GoldPolicy, row dataset.Row) *group {
	g := &group{policy: p, keys: make([]any, len(p.GroupBy)), accs: make([]*accumulator, len(p.Measures))}
	for i, name := range p.GroupBy {
		g.keys[i] = row[name]
	}

	for i := range p.Measures {
		g.accs[i] = &accumulator{measure: &p.Measures[i], allInt: true}
	}

	return g
}

func (g *group) add(row dataset.Row) error {
	for _, acc := range g.accs {
		if err := acc.add(row); err != nil {
			return err
		}
	}

	return nil
}

func (g *group) result() dataset.Row {
	row := make(dataset.Row, len(g.keys)+len(g.accs))
	for i, name := range g.policy.GroupBy {
		row[name] = g.keys[i]
	}

	for _, acc := range g.accs {
		row[acc.measure.Name] = acc.result()
	}

	return row
}

type accumulator struct {
	measure *Measure
	count   int64
	sum     float64
	isum    int64
	allInt  bool
	best    any
}

func (a *accumulator) add(row dataset.Row) error {
	m := a.measure

	if m.Where != nil {
		ok, err := m.Where.Match(row)
		if err != nil {
			return fmt.Errorf("measure %s: %w", m.Name, err)
		}

		if !ok {
			return nil
		}
	}

	if m.Column == "" {
		a.count++
		return nil
	}

	v := row[m.Column]

	if m.Func == AggCount {
		if v != nil {
			a.count++
		}
		return nil
	}

	if v == nil {
		return nil
	}

	switch m.Func {
	case AggMin, AggMax:
		if a.best == nil {
			a.best = v
			a.count++
			return nil
		}

		cmp, err := compare(v, a.best)
		if err != nil {
			return fmt.Errorf("measure %s: %w", m.Name, err)
		}

		if (m.Func == AggMin && cmp < 0) || (m.Func == AggMax && cmp > 0) {
			a.best = v
		}
		a.count++
	default:
		f, ok := numeric(v)
		if !ok {
			return fmt.Errorf("measure %s: %w: %v", m.Name, ErrIncomparable, v)
		}

		if i, isInt := v.(int64); isInt {
			a.isum += i
		} else {
			a.allInt = false
		}

		a.sum += f
		a.count++
	}

	return nil
}

func (a *accumulator) result() any {
	m := a.measure

	if m.Column == "" || m.Func == AggCount {
		return a.count
	}

	if a.count == 0 {
		return nil
	}

	switch m.Func {
	case AggMin, AggMax:
		return a.best
	case AggAvg:
		return a.sum / float64(a.count)
	default:
		if a.allInt {
			return a.isum
		}
		return a.sum
	}
}

// apply fills the joined columns of every aggregated row in place
func (j *Join) apply(out *dataset.Data, dim *dataset.Snapshot) error {
	keySchema := make(dataset.Schema, len(j.On))
	for i, on := range j.On {
		keySchema[i] = dataset.Column{Name: on, Type: dataset.TypeAny}
	}

	index := make(map[string]dataset.Row)

	for _, row := range dim.Rows {
		if row == nil || hasNull(row, j.On) {
			continue
		}

		key, err := keySchema.RowKey(row)
		if err != nil {
			return err
		}

		if _, ok := index[key]; !ok {
			index[key] = row
		}
	}

	for _, c := range j.Columns {
		if col, ok := dim.Schema.Column(c); ok {
			out.Schema = out.Schema.With(dataset.Column{Name: c, Type: col.Type, Nullable: true})
		}
	}

	for _, row := range out.Rows {
		var match dataset.Row
		if !hasNull(row, j.On) {
			key, err := keySchema.RowKey(row)
			if err != nil {
				return err
			}
			match = index[key]
		}

		for _, c := range j.Columns {
			if match == nil {
				row[c] = nil
				continue
			}
			row[c] = match[c]
		}
	}

	return nil
}
