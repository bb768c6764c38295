package stats

import (
	"context"
	"time"
)

// DummyStore is a no-op Store, used when records are not kept.
type DummyStore struct{}

// NewDummyStore creates a new dummy store
func NewDummyStore() *DummyStore {
	return &DummyStore{}
}

func (d *DummyStore) Save(ctx context.Context, rec ConnectionRecord) error { return nil }

func (d *DummyStore) List(ctx context.Context, filter Filter) ([]ConnectionRecord, error) {
	return []ConnectionRecord{}, nil
}

func (d *DummyStore) Count(ctx context.Context) (int, error) { return 0, nil }

func (d *DummyStore) Clear(ctx context.Context) error { return nil }

func (d *DummyStore) Prune(ctx context.Context, before time.Time, keep int) (int64, error) {
	return 0, nil
}

func (d *DummyStore) HealthCheck(ctx context.Context) error { return nil }

func (d *DummyStore) Close() error { return nil }

// DummySink discards every record.
type DummySink struct{}

func (DummySink) Record(rec ConnectionRecord) {}
