package ledger

import (
	"context"
	"sync"

	"github.com/ethpandaops/medallion/pkg/dataset"
)

// MemoryLedger keeps records in process
type MemoryLedger struct {
	mu      sync.RWMutex
	records []Record
	index   map[string][]int
	ids     map[string]struct{}
}

// NewMemoryLedger creates an empty in-process ledger
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		index: make(map[string][]int),
		ids:   make(map[string]struct{}),
	}
}

// Lookup implements Ledger
func (m *MemoryLedger) Lookup(_ context.Context, transform string, inputs []dataset.Ref) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := m.index[Key(transform, inputs)]
	if len(matches) == 0 {
		return nil, nil
	}

	record := m.records[matches[0]]

	return &record, nil
}

// Matches implements Ledger
func (m *MemoryLedger) Matches(_ context.Context, transform string, inputs []dataset.Ref) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	matches := m.index[Key(transform, inputs)]

	out := make([]Record, 0, len(matches))
	for _, i := range matches {
		out = append(out, m.records[i])
	}

	return out, nil
}

// Append implements Ledger
func (m *MemoryLedger) Append(_ context.Context, record Record) error {
	if err := prepare(&record); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ids[record.ID]; ok {
		return duplicate(record.ID)
	}

	m.ids[record.ID] = struct{}{}
	m.records = append(m.records, record)

	if record.Status == StatusSucceeded {
		key := record.Key()
		m.index[key] = append(m.index[key], len(m.records)-1)
	}

	return nil
}

// Records implements Ledger
func (m *MemoryLedger) Records(_ context.Context, filter Filter) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Record, 0, len(m.records))
	for i := range m.records {
		if filter.matches(&m.records[i]) {
			out = append(out, m.records[i])
		}
	}

	return limit(out, filter.Limit), nil
}

// Close implements Ledger
func (m *MemoryLedger) Close() error {
	return nil
}

var _ Ledger = (*MemoryLedger)(nil)
