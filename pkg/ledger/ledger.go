// Package ledger is the append-only store of run records. A record maps a
// transform identity and the exact input versions it consumed to the output
// version it produced, so a re-run over unchanged inputs can be skipped.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/medallion/pkg/dataset"
	"github.com/google/uuid"
)

var (
	// ErrDuplicateRecord is returned when a record ID was already appended
	ErrDuplicateRecord = errors.New("duplicate run record")
	// ErrTransformRequired is returned when a record has no transform identity
	ErrTransformRequired = errors.New("record transform is required")
	// ErrStatusRequired is returned when a record has no status
	ErrStatusRequired = errors.New("record status is required")
)

// Status is the outcome a record describes
type Status string

const (
	// StatusSucceeded marks a stage whose output was committed
	StatusSucceeded Status = "succeeded"
)

// Record is one completed transform application
type Record struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	Pipeline    string        `json:"pipeline"`
	Environment string        `json:"environment"`
	Stage       string        `json:"stage"`
	Transform   string        `json:"transform"`
	Inputs      []dataset.Ref `json:"inputs"`
	Output      dataset.Ref   `json:"output"`
	Status      Status        `json:"status"`
	CreatedAt   time.Time     `json:"created_at"`
}

// Key returns the idempotency key of the record
func (r *Record) Key() string {
	return Key(r.Transform, r.Inputs)
}

// Key builds the idempotency key from a transform identity and its ordered
// input refs. Versioned inputs contribute their version, raw sources their
// content fingerprint.
func Key(transform string, inputs []dataset.Ref) string {
	parts := make([]string, 0, len(inputs)+1)
	parts = append(parts, transform)

	for _, in := range inputs {
		parts = append(parts, in.String())
	}

	return strings.Join(parts, "|")
}

// Filter narrows Records results. Zero values match everything.
type Filter struct {
	Transform string
	Pipeline  string
	Output    dataset.ID
	Limit     int
}

func (f Filter) matches(r *Record) bool {
	if f.Transform != "" && r.Transform != f.Transform && !strings.HasPrefix(r.Transform, f.Transform+"@") {
		return false
	}

	if f.Pipeline != "" && r.Pipeline != f.Pipeline {
		return false
	}

	if !f.Output.IsZero() && r.Output.Dataset != f.Output {
		return false
	}

	return true
}

// Ledger is the run record store
type Ledger interface {
	// Lookup returns the earliest succeeded record for the transform and
	// input tuple, or nil when there is none.
	Lookup(ctx context.Context, transform string, inputs []dataset.Ref) (*Record, error)

	// Matches returns every succeeded record for the transform and input
	// tuple in append order.
	Matches(ctx context.Context, transform string, inputs []dataset.Ref) ([]Record, error)

	// Append adds a record. Existing records are never changed or removed.
	Append(ctx context.Context, record Record) error

	// Records lists records in append order
	Records(ctx context.Context, filter Filter) ([]Record, error)

	// Close releases backend resources
	Close() error
}

// prepare validates a record and fills in the ID and timestamp when unset
func prepare(record *Record) error {
	if record.Transform == "" {
		return ErrTransformRequired
	}

	if record.Status == "" {
		return ErrStatusRequired
	}

	if record.ID == "" {
		record.ID = uuid.New().String()
	}

	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}

	return nil
}

func duplicate(id string) error {
	return fmt.Errorf("%w: %s", ErrDuplicateRecord, id)
}

func limit(records []Record, n int) []Record {
	if n > 0 && len(records) > n {
		return records[len(records)-n:]
	}

	return records
}
