package stats

import (
	"context"
	"time"
)

// Sink receives connection records from the proxy. Record must never block
// the caller's I/O path.
type Sink interface {
	Record(rec ConnectionRecord)
}

// Listener is notified of every record after it has been stored.
type Listener interface {
	Publish(rec ConnectionRecord)
}

// Filter narrows List results.
type Filter struct {
	Status Status // Empty matches every status
	Limit  int    // Zero or negative means no limit
}

// Store persists connection records. List returns records newest first.
type Store interface {
	Save(ctx context.Context, rec ConnectionRecord) error
	List(ctx context.Context, filter Filter) ([]ConnectionRecord, error)
	Count(ctx context.Context) (int, error)
	Clear(ctx context.Context) error

	// Prune deletes records older than before (when non-zero) and then all
	// but the newest keep records (when keep > 0).
	Prune(ctx context.Context, before time.Time, keep int) (int64, error)

	HealthCheck(ctx context.Context) error
	Close() error
}
