package transform

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSchemaMismatch is returned when an input lacks an expected column or
	// carries an incompatible type. Raised before the transform runs.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrTransformExecution is returned when the transform function fails
	ErrTransformExecution = errors.New("transform execution failed")
	// ErrOutputContract is returned when a transform's output does not satisfy
	// its declared output schema
	ErrOutputContract = errors.New("output does not satisfy declared schema")
	// ErrTransformNotFound is returned when invoking an unknown transform
	ErrTransformNotFound = errors.New("transform not found")
	// ErrAlreadyRegistered is returned when a name is registered twice
	ErrAlreadyRegistered = errors.New("transform already registered")
	// ErrInvalidDefinition is returned when a definition is incomplete
	ErrInvalidDefinition = errors.New("invalid transform definition")
)

// SchemaMismatchError lists every problem found on one input
type SchemaMismatchError struct {
	Transform string
	Input     string
	Problems  []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("%s: transform %s input %s: %s", ErrSchemaMismatch, e.Transform, e.Input, strings.Join(e.Problems, "; "))
}

// Unwrap makes errors.Is(err, ErrSchemaMismatch) hold
func (e *SchemaMismatchError) Unwrap() error {
	return ErrSchemaMismatch
}

// ExecutionError wraps a failure raised while evaluating a transform
type ExecutionError struct {
	Transform string
	Err       error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", ErrTransformExecution, e.Transform, e.Err)
}

// Unwrap exposes both ErrTransformExecution and the underlying cause
func (e *ExecutionError) Unwrap() []error {
	return []error{ErrTransformExecution, e.Err}
}
