// Package catalog tracks dataset versions and schemas and serves time-travel
// reads. Every commit is compare-and-set against the version the writer last
// observed, so concurrent runners cannot overwrite each other's output.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethpandaops/medallion/pkg/dataset"
)

var (
	// ErrVersionNotFound is returned when a requested version was never committed
	ErrVersionNotFound = errors.New("version not found")
	// ErrDatasetNotFound is returned when a dataset has no committed versions.
	// It wraps ErrVersionNotFound.
	ErrDatasetNotFound = fmt.Errorf("dataset not found: %w", ErrVersionNotFound)
	// ErrConcurrentModification is returned when the expected prior version is stale
	ErrConcurrentModification = errors.New("concurrent modification")
	// ErrInvalidRetention is returned when vacuum is asked to keep no versions
	ErrInvalidRetention = errors.New("retain must be at least 1")
)

// Tracker maps datasets to their committed versions
type Tracker interface {
	// Resolve returns the ref for a committed version. asOf 0 means latest.
	Resolve(ctx context.Context, id dataset.ID, asOf uint64) (dataset.Ref, error)

	// Commit stores data as the next version of id. expectedPrior must equal
	// the current version (0 when none exists) or ErrConcurrentModification is
	// returned and nothing is written.
	Commit(ctx context.Context, id dataset.ID, data *dataset.Data, expectedPrior uint64) (dataset.Ref, error)

	// Load reads a committed snapshot
	Load(ctx context.Context, ref dataset.Ref) (*dataset.Snapshot, error)

	// Versions lists the resolvable versions of id in ascending order
	Versions(ctx context.Context, id dataset.ID) ([]Version, error)

	// Datasets lists every dataset with at least one commit
	Datasets(ctx context.Context) ([]dataset.ID, error)

	// Vacuum retires all but the newest retain versions and returns how many
	// were removed. It is only ever invoked explicitly.
	Vacuum(ctx context.Context, id dataset.ID, retain int) (int, error)
}

// Version describes one committed version
type Version struct {
	Ref         dataset.Ref `json:"ref"`
	Rows        int         `json:"rows"`
	CommittedAt time.Time   `json:"committed_at"`
}

func validateCommit(id dataset.ID, data *dataset.Data) error {
	if err := id.Layer.Validate(); err != nil {
		return err
	}

	if id.Name == "" {
		return fmt.Errorf("%w: empty name", dataset.ErrInvalidID)
	}

	return data.Schema.Validate()
}

func conflict(id dataset.ID, expected, current uint64) error {
	return fmt.Errorf("%w: %s expected version %d, current is %d", ErrConcurrentModification, id, expected, current)
}

func versionNotFound(id dataset.ID, version uint64) error {
	return fmt.Errorf("%w: %s@%d", ErrVersionNotFound, id, version)
}
