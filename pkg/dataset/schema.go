package dataset

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var (
	// ErrInvalidColumnType is returned when a column type is not recognised
	ErrInvalidColumnType = errors.New("invalid column type")
	// ErrDuplicateColumn is returned when a schema names a column twice
	ErrDuplicateColumn = errors.New("duplicate column")
	// ErrEmptyColumnName is returned when a column has no name
	ErrEmptyColumnName = errors.New("column name is required")
	// ErrCoercion is returned when a value cannot be converted to a column type
	ErrCoercion = errors.New("cannot coerce value")
)

// ColumnType is the logical type of a column
type ColumnType string

const (
	TypeString    ColumnType = "string"
	TypeInt       ColumnType = "int"
	TypeFloat     ColumnType = "float"
	TypeBool      ColumnType = "bool"
	TypeTimestamp ColumnType = "timestamp"
	// TypeAny matches every type. Only meaningful in expected schemas.
	TypeAny ColumnType = "any"
)

//nolint:gochecknoglobals // fixed parse layouts
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

// Validate checks the type is known
func (t ColumnType) Validate() error {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeTimestamp, TypeAny:
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrInvalidColumnType, t)
	}
}

// Accepts reports whether a column of type actual satisfies an expectation of
// type t. Integers widen to floats; everything else must match.
func (t ColumnType) Accepts(actual ColumnType) bool {
	switch {
	case t == TypeAny:
		return true
	case t == actual:
		return true
	case t == TypeFloat && actual == TypeInt:
		return true
	default:
		return false
	}
}

// Coerce converts v to the column type. Nil stays nil.
func (t ColumnType) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}

	switch t {
	case TypeString:
		return coerceString(v)
	case TypeInt:
		return coerceInt(v)
	case TypeFloat:
		return coerceFloat(v)
	case TypeBool:
		return coerceBool(v)
	case TypeTimestamp:
		return coerceTimestamp(v)
	case TypeAny:
		return normalize(v), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidColumnType, t)
	}
}

// InferType returns the column type a value naturally maps to
func InferType(v any) ColumnType {
	switch normalize(v).(type) {
	case string:
		return TypeString
	case int64:
		return TypeInt
	case float64:
		return TypeFloat
	case bool:
		return TypeBool
	case time.Time:
		return TypeTimestamp
	default:
		return TypeAny
	}
}

func normalize(v any) any {
	switch x := v.(type) {
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		if x > math.MaxInt64 {
			return float64(x)
		}
		return int64(x)
	case uint:
		return int64(x)
	case float32:
		return float64(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return x.String()
	case time.Time:
		return x.UTC()
	default:
		return v
	}
}

func coerceString(v any) (any, error) {
	switch x := normalize(v).(type) {
	case string:
		return x, nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case time.Time:
		return x.Format(time.RFC3339Nano), nil
	default:
		return nil, fmt.Errorf("%w: %T to string", ErrCoercion, v)
	}
}

func coerceInt(v any) (any, error) {
	switch x := normalize(v).(type) {
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) || math.IsInf(x, 0) || math.IsNaN(x) {
			return nil, fmt.Errorf("%w: %v to int", ErrCoercion, x)
		}
		return int64(x), nil
	case string:
		s := strings.TrimSpace(x)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && finite(f) && f == math.Trunc(f) {
			return int64(f), nil
		}
		return nil, fmt.Errorf("%w: %q to int", ErrCoercion, x)
	default:
		return nil, fmt.Errorf("%w: %T to int", ErrCoercion, v)
	}
}

// coerceFloat only yields finite values; NaN and infinities cannot be encoded
func coerceFloat(v any) (any, error) {
	switch x := normalize(v).(type) {
	case float64:
		if !finite(x) {
			return nil, fmt.Errorf("%w: %v to float", ErrCoercion, x)
		}
		return x, nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil || !finite(f) {
			return nil, fmt.Errorf("%w: %q to float", ErrCoercion, x)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("%w: %T to float", ErrCoercion, v)
	}
}

func finite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func coerceBool(v any) (any, error) {
	switch x := normalize(v).(type) {
	case bool:
		return x, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(x))
		if err != nil {
			return nil, fmt.Errorf("%w: %q to bool", ErrCoercion, x)
		}
		return b, nil
	case int64:
		return x != 0, nil
	default:
		return nil, fmt.Errorf("%w: %T to bool", ErrCoercion, v)
	}
}

func coerceTimestamp(v any) (any, error) {
	switch x := normalize(v).(type) {
	case time.Time:
		return x, nil
	case int64:
		return time.Unix(x, 0).UTC(), nil
	case string:
		s := strings.TrimSpace(x)
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UTC(), nil
			}
		}
		return nil, fmt.Errorf("%w: %q to timestamp", ErrCoercion, x)
	default:
		return nil, fmt.Errorf("%w: %T to timestamp", ErrCoercion, v)
	}
}

// Column is a single typed column
type Column struct {
	Name     string     `json:"name" yaml:"name"`
	Type     ColumnType `json:"type" yaml:"type"`
	Nullable bool       `json:"nullable,omitempty" yaml:"nullable,omitempty"`
}

// Schema is an ordered list of columns
type Schema []Column

// Validate checks column names are present and unique and types are known
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s))
	for _, col := range s {
		if col.Name == "" {
			return ErrEmptyColumnName
		}

		if _, ok := seen[col.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateColumn, col.Name)
		}

		seen[col.Name] = struct{}{}

		if err := col.Type.Validate(); err != nil {
			return fmt.Errorf("column %s: %w", col.Name, err)
		}
	}

	return nil
}

// Index returns the position of the named column or -1
func (s Schema) Index(name string) int {
	for i, col := range s {
		if col.Name == name {
			return i
		}
	}

	return -1
}

// Column returns the named column
func (s Schema) Column(name string) (Column, bool) {
	if i := s.Index(name); i >= 0 {
		return s[i], true
	}

	return Column{}, false
}

// Names returns the column names in order
func (s Schema) Names() []string {
	names := make([]string, len(s))
	for i, col := range s {
		names[i] = col.Name
	}

	return names
}

// With returns a copy of the schema where each given column replaces the
// column of the same name in place, or is appended when absent.
func (s Schema) With(cols ...Column) Schema {
	out := make(Schema, len(s), len(s)+len(cols))
	copy(out, s)

	for _, col := range cols {
		if i := out.Index(col.Name); i >= 0 {
			out[i] = col
			continue
		}
		out = append(out, col)
	}

	return out
}

// Check performs the superset check: every expected column must be present
// with a compatible type. It returns one problem description per violation.
func (s Schema) Check(expected Schema) []string {
	var problems []string

	for _, want := range expected {
		have, ok := s.Column(want.Name)
		if !ok {
			problems = append(problems, fmt.Sprintf("missing column %q", want.Name))
			continue
		}

		if !want.Type.Accepts(have.Type) {
			problems = append(problems, fmt.Sprintf("column %q has type %s, expected %s", want.Name, have.Type, want.Type))
		}
	}

	return problems
}
