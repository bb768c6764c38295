package stats

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
)

// AsyncSink implements Sink over a Store with a bounded queue drained by a
// single background writer. When the queue is full new records are dropped.
type AsyncSink struct {
	store     Store
	listeners []Listener

	mu     sync.RWMutex
	closed bool
	queue  chan ConnectionRecord

	dropped atomic.Int64
	wg      sync.WaitGroup
}

// NewAsyncSink starts the writer goroutine. Listeners are notified after
// each record has been handed to the store.
func NewAsyncSink(store Store, queueSize int, listeners ...Listener) *AsyncSink {
	if queueSize <= 0 {
		queueSize = 1024
	}
	a := &AsyncSink{
		store:     store,
		listeners: listeners,
		queue:     make(chan ConnectionRecord, queueSize),
	}

	a.wg.Add(1)
	go a.writer()
	return a
}

// Record enqueues rec without blocking.
func (a *AsyncSink) Record(rec ConnectionRecord) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}

	select {
	case a.queue <- rec:
	default:
		n := a.dropped.Add(1)
		logger.Warn("Event queue full, dropped record %s for %s (%d dropped so far)", rec.ID, rec.URL, n)
	}
}

// Dropped returns how many records were discarded because the queue was full.
func (a *AsyncSink) Dropped() int64 {
	return a.dropped.Load()
}

// Store returns the underlying store for queries.
func (a *AsyncSink) Store() Store {
	return a.store
}

func (a *AsyncSink) writer() {
	defer a.wg.Done()

	logger.Debug("Starting event writer")
	for rec := range a.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.store.Save(ctx, rec); err != nil {
			logger.Error("Failed to store connection record %s: %v", rec.ID, err)
		}
		cancel()

		for _, l := range a.listeners {
			l.Publish(rec)
		}
	}
}

// Close stops accepting records, drains the queue and closes the store.
func (a *AsyncSink) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
	return a.store.Close()
}
