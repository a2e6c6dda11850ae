package catalog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethpandaops/medallion/pkg/dataset"
)

type memoryVersion struct {
	meta    Version
	encoded []byte
}

type memoryDataset struct {
	current  uint64
	versions map[uint64]*memoryVersion
}

// MemoryTracker is an in-process Tracker
type MemoryTracker struct {
	mu       sync.RWMutex
	datasets map[dataset.ID]*memoryDataset
	now      func() time.Time
}

// NewMemoryTracker creates an empty in-process tracker
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		datasets: make(map[dataset.ID]*memoryDataset),
		now:      time.Now,
	}
}

// Resolve implements Tracker
func (m *MemoryTracker) Resolve(_ context.Context, id dataset.ID, asOf uint64) (dataset.Ref, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ds, ok := m.datasets[id]
	if !ok || ds.current == 0 {
		return dataset.Ref{}, fmt.Errorf("%w: %s", ErrDatasetNotFound, id)
	}

	version := asOf
	if version == 0 {
		version = ds.current
	}

	v, ok := ds.versions[version]
	if !ok {
		return dataset.Ref{}, versionNotFound(id, version)
	}

	return v.meta.Ref, nil
}

// Commit implements Tracker
func (m *MemoryTracker) Commit(_ context.Context, id dataset.ID, data *dataset.Data, expectedPrior uint64) (dataset.Ref, error) {
	if err := validateCommit(id, data); err != nil {
		return dataset.Ref{}, err
	}

	// Encode outside the lock; the stored bytes are the immutable snapshot.
	encoded, err := data.Encode()
	if err != nil {
		return dataset.Ref{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.datasets[id]
	if !ok {
		ds = &memoryDataset{versions: make(map[uint64]*memoryVersion)}
	}

	if ds.current != expectedPrior {
		return dataset.Ref{}, conflict(id, expectedPrior, ds.current)
	}

	next := ds.current + 1
	ref := dataset.Ref{Dataset: id, Version: next, Fingerprint: dataset.Fingerprint(encoded)}

	ds.versions[next] = &memoryVersion{
		meta: Version{
			Ref:         ref,
			Rows:        data.Len(),
			CommittedAt: m.now().UTC(),
		},
		encoded: encoded,
	}
	ds.current = next
	m.datasets[id] = ds

	return ref, nil
}

// Load implements Tracker
func (m *MemoryTracker) Load(_ context.Context, ref dataset.Ref) (*dataset.Snapshot, error) {
	m.mu.RLock()
	ds, ok := m.datasets[ref.Dataset]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, ref.Dataset)
	}

	v, ok := ds.versions[ref.Version]
	m.mu.RUnlock()

	if !ok {
		return nil, versionNotFound(ref.Dataset, ref.Version)
	}

	data, err := dataset.Decode(v.encoded)
	if err != nil {
		return nil, err
	}

	return &dataset.Snapshot{
		Ref:         v.meta.Ref,
		Schema:      data.Schema,
		Rows:        data.Rows,
		CommittedAt: v.meta.CommittedAt,
	}, nil
}

// Versions implements Tracker
func (m *MemoryTracker) Versions(_ context.Context, id dataset.ID) ([]Version, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ds, ok := m.datasets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, id)
	}

	out := make([]Version, 0, len(ds.versions))
	for _, v := range ds.versions {
		out = append(out, v.meta)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Ref.Version < out[j].Ref.Version })

	return out, nil
}

// Datasets implements Tracker
func (m *MemoryTracker) Datasets(_ context.Context) ([]dataset.ID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]dataset.ID, 0, len(m.datasets))
	for id := range m.datasets {
		ids = append(ids, id)
	}

	sortIDs(ids)

	return ids, nil
}

// Vacuum implements Tracker
func (m *MemoryTracker) Vacuum(_ context.Context, id dataset.ID, retain int) (int, error) {
	if retain < 1 {
		return 0, ErrInvalidRetention
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.datasets[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrDatasetNotFound, id)
	}

	removed := 0
	for version := range ds.versions {
		if version+uint64(retain) <= ds.current {
			delete(ds.versions, version)
			removed++
		}
	}

	return removed, nil
}

func sortIDs(ids []dataset.ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

var _ Tracker = (*MemoryTracker)(nil)
