package stats

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records []ConnectionRecord
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Save(ctx context.Context, rec ConnectionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
	return nil
}

// List returns matching records, newest first. Records with equal
// timestamps are returned in reverse insertion order.
func (m *MemoryStore) List(ctx context.Context, filter Filter) ([]ConnectionRecord, error) {
	m.mu.RLock()
	out := make([]ConnectionRecord, 0, len(m.records))
	for i := len(m.records) - 1; i >= 0; i-- {
		if filter.Status == "" || m.records[i].Status == filter.Status {
			out = append(out, m.records[i])
		}
	}
	m.mu.RUnlock()

	slices.SortStableFunc(out, func(a, b ConnectionRecord) int {
		return b.Timestamp.Compare(a.Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) Count(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = nil
	return nil
}

func (m *MemoryStore) Prune(ctx context.Context, before time.Time, keep int) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	initial := len(m.records)
	if !before.IsZero() {
		m.records = slices.DeleteFunc(m.records, func(r ConnectionRecord) bool {
			return r.Timestamp.Before(before)
		})
	}
	if keep > 0 && len(m.records) > keep {
		slices.SortStableFunc(m.records, func(a, b ConnectionRecord) int {
			return a.Timestamp.Compare(b.Timestamp)
		})
		m.records = slices.Clone(m.records[len(m.records)-keep:])
	}
	return int64(initial - len(m.records)), nil
}

func (m *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }
