// Package dataset defines the versioned dataset model shared by the catalog,
// the ledger, the transform registry and the pipeline driver.
package dataset

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidLayer is returned when a layer name is not recognised
	ErrInvalidLayer = errors.New("invalid layer")
	// ErrInvalidID is returned when a dataset ID is not in layer.name form
	ErrInvalidID = errors.New("invalid dataset ID format, expected layer.name")
)

// Layer is a pipeline stage tier
type Layer string

const (
	// LayerSource addresses raw input outside the catalog. It never holds versions.
	LayerSource Layer = "source"
	// LayerBronze holds append-only snapshots of raw source data
	LayerBronze Layer = "bronze"
	// LayerSilver holds cleaned, deduplicated and enriched data
	LayerSilver Layer = "silver"
	// LayerGold holds aggregated, join-enriched data
	LayerGold Layer = "gold"
)

// ParseLayer converts a string to a Layer
func ParseLayer(s string) (Layer, error) {
	l := Layer(strings.ToLower(strings.TrimSpace(s)))
	if err := l.Validate(); err != nil {
		return "", err
	}

	return l, nil
}

// Validate checks the layer is one of the catalog layers
func (l Layer) Validate() error {
	switch l {
	case LayerBronze, LayerSilver, LayerGold:
		return nil
	case LayerSource:
		return fmt.Errorf("%w: %q is not a catalog layer", ErrInvalidLayer, l)
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLayer, l)
	}
}

// CanDeriveFrom reports whether a dataset in layer l may be produced from an
// input in layer input. Bronze reads raw sources only, Silver reads Bronze, and
// Gold reads Silver or other Gold datasets.
func (l Layer) CanDeriveFrom(input Layer) bool {
	switch l {
	case LayerBronze:
		return input == LayerSource
	case LayerSilver:
		return input == LayerBronze
	case LayerGold:
		return input == LayerSilver || input == LayerGold
	default:
		return false
	}
}

// ID identifies a dataset by layer and name
type ID struct {
	Layer Layer
	Name  string
}

// NewID creates an ID
func NewID(layer Layer, name string) ID {
	return ID{Layer: layer, Name: name}
}

// ParseID splits a "layer.name" string into an ID. The source pseudo-layer is
// accepted so that ledger records referencing raw inputs round-trip.
func ParseID(s string) (ID, error) {
	layer, name, ok := strings.Cut(s, ".")
	if !ok || name == "" {
		return ID{}, fmt.Errorf("%w: %s", ErrInvalidID, s)
	}

	l := Layer(strings.ToLower(layer))
	if l != LayerSource {
		if err := l.Validate(); err != nil {
			return ID{}, fmt.Errorf("%w: %s", ErrInvalidID, s)
		}
	}

	return ID{Layer: l, Name: name}, nil
}

// String renders the ID as layer.name
func (id ID) String() string {
	return fmt.Sprintf("%s.%s", id.Layer, id.Name)
}

// IsZero reports whether the ID is unset
func (id ID) IsZero() bool {
	return id.Layer == "" && id.Name == ""
}

// UnmarshalText allows IDs to be written as "layer.name" in YAML and JSON keys
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}

	*id = parsed

	return nil
}

// MarshalText renders the ID as "layer.name"
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}
