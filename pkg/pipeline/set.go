package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethpandaops/medallion/pkg/transform"
)

var (
	// ErrPipelineNotFound is returned when looking up an unknown pipeline
	ErrPipelineNotFound = errors.New("pipeline not found")
	// ErrDuplicatePipeline is returned when two files define the same pipeline
	ErrDuplicatePipeline = errors.New("duplicate pipeline name")
)

// Set holds the pipeline definitions loaded from disk
type Set struct {
	defs  map[string]*Definition
	files map[string]string
}

// DiscoverDefinitions walks paths and returns every YAML file found.
// Missing directories are skipped.
func DiscoverDefinitions(paths []string) ([]string, error) {
	var files []string

	for _, base := range paths {
		err := filepath.Walk(base, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				if os.IsNotExist(err) {
					return nil
				}
				return err
			}

			if info.IsDir() {
				return nil
			}

			ext := strings.ToLower(filepath.Ext(path))
			if ext == ".yaml" || ext == ".yml" {
				files = append(files, path)
			}

			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to discover pipelines in %s: %w", base, err)
		}
	}

	sort.Strings(files)

	return files, nil
}

// LoadSet loads every pipeline under paths, registers the transforms they
// declare and checks each stage against the registry.
func LoadSet(paths []string, registry *transform.Registry) (*Set, error) {
	files, err := DiscoverDefinitions(paths)
	if err != nil {
		return nil, err
	}

	set := NewSet()

	for _, file := range files {
		def, err := LoadDefinition(file)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}

		if err := set.Add(def, file); err != nil {
			return nil, err
		}

		if err := registry.RegisterSpecs(def.Transforms); err != nil {
			return nil, fmt.Errorf("%s: %w", file, err)
		}
	}

	for _, name := range set.Names() {
		if err := set.defs[name].Check(registry); err != nil {
			return nil, fmt.Errorf("pipeline %s: %w", name, err)
		}
	}

	return set, nil
}

// NewSet creates an empty set
func NewSet() *Set {
	return &Set{
		defs:  make(map[string]*Definition),
		files: make(map[string]string),
	}
}

// Add inserts a definition; origin names where it came from
func (s *Set) Add(def *Definition, origin string) error {
	if other, ok := s.files[def.Name]; ok {
		return fmt.Errorf("%w: %s defined in %s and %s", ErrDuplicatePipeline, def.Name, other, origin)
	}

	s.defs[def.Name] = def
	s.files[def.Name] = origin

	return nil
}

// Get returns the named pipeline
func (s *Set) Get(name string) (*Definition, error) {
	def, ok := s.defs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipelineNotFound, name)
	}

	return def, nil
}

// Names returns the pipeline names, sorted
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.defs))
	for name := range s.defs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Scheduled returns the pipelines that declare a cron schedule, sorted by name
func (s *Set) Scheduled() []*Definition {
	var out []*Definition

	for _, name := range s.Names() {
		if def := s.defs[name]; def.Schedule != "" {
			out = append(out, def)
		}
	}

	return out
}

// Len returns the number of pipelines
func (s *Set) Len() int {
	return len(s.defs)
}
