// Package transform holds the named Bronze, Silver and Gold transform
// functions together with their input and output schema contracts.
//
// Transform functions must be deterministic and free of side effects other
// than the data they return: the same input snapshots must always produce the
// same output. The registry cannot verify this; the idempotency ledger relies
// on it.
package transform

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/medallion/pkg/dataset"
)

// Invocation carries the pinned input snapshots and run metadata
type Invocation struct {
	Inputs      []*dataset.Snapshot
	Source      string
	Environment string
	RunTime     time.Time
}

// Func evaluates a transform
type Func func(ctx context.Context, inv *Invocation) (*dataset.Data, error)

// Input is a named input contract
type Input struct {
	Name   string         `yaml:"name"`
	Schema dataset.Schema `yaml:"columns"`
}

// Definition is a registered transform
type Definition struct {
	Name    string
	Version string
	// Digest is the content address of the policy a definition was built
	// from. Empty for hand-written functions, which rely on Version alone.
	Digest string
	Layer  dataset.Layer
	Inputs []Input
	Output dataset.Schema
	Func   Func
}

// Identity returns name@version, suffixed with #digest for policy-built
// definitions. It is the transform part of the idempotency ledger key.
func (d *Definition) Identity() string {
	version := d.Version
	if version == "" {
		version = "1"
	}

	if d.Digest != "" {
		return fmt.Sprintf("%s@%s#%s", d.Name, version, d.Digest)
	}

	return fmt.Sprintf("%s@%s", d.Name, version)
}

// Validate checks the definition is complete
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidDefinition)
	}

	if d.Func == nil {
		return fmt.Errorf("%w: %s has no function", ErrInvalidDefinition, d.Name)
	}

	if err := d.Layer.Validate(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidDefinition, d.Name, err)
	}

	for _, in := range d.Inputs {
		if err := in.Schema.Validate(); err != nil {
			return fmt.Errorf("%w: %s input %s: %w", ErrInvalidDefinition, d.Name, in.Name, err)
		}
	}

	if err := d.Output.Validate(); err != nil {
		return fmt.Errorf("%w: %s output: %w", ErrInvalidDefinition, d.Name, err)
	}

	return nil
}

// Registry holds transform definitions by name
type Registry struct {
	mu         sync.RWMutex
	transforms map[string]*Definition
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		transforms: make(map[string]*Definition),
	}
}

// Register adds a definition
func (r *Registry) Register(def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.transforms[def.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, def.Name)
	}

	r.transforms[def.Name] = def

	return nil
}

// Get returns the named definition
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.transforms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTransformNotFound, name)
	}

	return def, nil
}

// Names returns all registered names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.transforms))
	for name := range r.transforms {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Invoke validates the inputs against the declared contracts and runs the
// transform. Schema problems are reported as *SchemaMismatchError before the
// function is called; failures during evaluation as *ExecutionError.
func (r *Registry) Invoke(ctx context.Context, name string, inv *Invocation) (*dataset.Data, error) {
	def, err := r.Get(name)
	if err != nil {
		return nil, err
	}

	if err := CheckInputs(def, inv.Inputs); err != nil {
		return nil, err
	}

	out, err := run(ctx, def, inv)
	if err != nil {
		return nil, &ExecutionError{Transform: def.Identity(), Err: err}
	}

	if out == nil {
		return nil, &ExecutionError{Transform: def.Identity(), Err: fmt.Errorf("%w: no data returned", ErrOutputContract)}
	}

	if problems := out.Schema.Check(def.Output); len(problems) > 0 {
		return nil, &ExecutionError{Transform: def.Identity(), Err: fmt.Errorf("%w: %v", ErrOutputContract, problems)}
	}

	return out, nil
}

// CheckInputs performs the superset check of every input snapshot against the
// definition's declared input schemas.
func CheckInputs(def *Definition, inputs []*dataset.Snapshot) error {
	if len(inputs) != len(def.Inputs) {
		return &SchemaMismatchError{
			Transform: def.Identity(),
			Input:     "*",
			Problems:  []string{fmt.Sprintf("expected %d inputs, got %d", len(def.Inputs), len(inputs))},
		}
	}

	for i, want := range def.Inputs {
		if inputs[i] == nil {
			return &SchemaMismatchError{Transform: def.Identity(), Input: want.Name, Problems: []string{"input is missing"}}
		}

		if problems := inputs[i].Schema.Check(want.Schema); len(problems) > 0 {
			return &SchemaMismatchError{Transform: def.Identity(), Input: want.Name, Problems: problems}
		}
	}

	return nil
}

func run(ctx context.Context, def *Definition, inv *Invocation) (out *dataset.Data, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("panic: %v", recovered)
		}
	}()

	return def.Func(ctx, inv)
}
