package transform

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/medallion/pkg/dataset"
)

var (
	// ErrInvalidOperator is returned for an unknown comparison operator
	ErrInvalidOperator = errors.New("invalid comparison operator")
	// ErrIncomparable is returned when two values cannot be ordered
	ErrIncomparable = errors.New("values are not comparable")
)

// Operator is a comparison operator
type Operator string

const (
	OpGT  Operator = "gt"
	OpGTE Operator = "gte"
	OpLT  Operator = "lt"
	OpLTE Operator = "lte"
	OpEQ  Operator = "eq"
	OpNE  Operator = "ne"
)

//nolint:gochecknoglobals // symbol aliases accepted in YAML
var operatorAliases = map[string]Operator{
	">":  OpGT,
	">=": OpGTE,
	"<":  OpLT,
	"<=": OpLTE,
	"=":  OpEQ,
	"==": OpEQ,
	"!=": OpNE,
}

// Normalize maps symbol aliases onto operator names
func (o Operator) Normalize() (Operator, error) {
	if alias, ok := operatorAliases[string(o)]; ok {
		return alias, nil
	}

	op := Operator(strings.ToLower(string(o)))
	switch op {
	case OpGT, OpGTE, OpLT, OpLTE, OpEQ, OpNE:
		return op, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOperator, o)
	}
}

// Condition compares a column against a constant
type Condition struct {
	Column string   `yaml:"column"`
	Op     Operator `yaml:"op"`
	Value  any      `yaml:"value"`
}

// Validate checks the condition is well formed
func (c *Condition) Validate() error {
	if c.Column == "" {
		return fmt.Errorf("%w: condition column is required", ErrInvalidDefinition)
	}

	if _, err := c.Op.Normalize(); err != nil {
		return err
	}

	return nil
}

// Match evaluates the condition. A null column value never matches.
func (c *Condition) Match(row dataset.Row) (bool, error) {
	v := row[c.Column]
	if v == nil {
		return false, nil
	}

	op, err := c.Op.Normalize()
	if err != nil {
		return false, err
	}

	cmp, err := compare(v, c.Value)
	if err != nil {
		if errors.Is(err, ErrIncomparable) && (op == OpEQ || op == OpNE) {
			return op == OpNE, nil
		}

		return false, fmt.Errorf("condition on %s: %w", c.Column, err)
	}

	switch op {
	case OpGT:
		return cmp > 0, nil
	case OpGTE:
		return cmp >= 0, nil
	case OpLT:
		return cmp < 0, nil
	case OpLTE:
		return cmp <= 0, nil
	case OpEQ:
		return cmp == 0, nil
	default:
		return cmp != 0, nil
	}
}

// numeric returns v as float64 when it is a number
func numeric(v any) (float64, bool) {
	f, err := dataset.TypeFloat.Coerce(v)
	if err != nil || f == nil {
		return 0, false
	}

	if _, isString := v.(string); isString {
		return 0, false
	}

	return f.(float64), true
}

// compare orders two non-null values: numbers numerically, timestamps
// chronologically, strings lexically, and false before true.
func compare(a, b any) (int, error) {
	if fa, ok := numeric(a); ok {
		if fb, ok := numeric(b); ok {
			switch {
			case fa < fb:
				return -1, nil
			case fa > fb:
				return 1, nil
			default:
				return 0, nil
			}
		}
	}

	switch x := a.(type) {
	case time.Time:
		y, err := dataset.TypeTimestamp.Coerce(b)
		if err != nil {
			return 0, fmt.Errorf("%w: %v and %v", ErrIncomparable, a, b)
		}
		return x.Compare(y.(time.Time)), nil
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, fmt.Errorf("%w: %v and %v", ErrIncomparable, a, b)
		}
		return strings.Compare(x, y), nil
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, fmt.Errorf("%w: %v and %v", ErrIncomparable, a, b)
		}
		switch {
		case x == y:
			return 0, nil
		case !x:
			return -1, nil
		default:
			return 1, nil
		}
	default:
		return 0, fmt.Errorf("%w: %v and %v", ErrIncomparable, a, b)
	}
}
