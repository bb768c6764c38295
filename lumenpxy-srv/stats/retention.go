package stats

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/lumenpxy/lumenpxy/lumenpxy-srv/logger"
)

// Pruner periodically applies the retention policy to a Store.
type Pruner struct {
	scheduler  gocron.Scheduler
	store      Store
	interval   time.Duration
	maxAge     time.Duration
	maxRecords int
	now        func() time.Time
	running    bool
	stopped    bool
}

// NewPruner creates a pruner. A zero maxAge or maxRecords disables that rule.
func NewPruner(store Store, interval, maxAge time.Duration, maxRecords int) (*Pruner, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("prune interval must be greater than zero")
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return &Pruner{
		scheduler:  scheduler,
		store:      store,
		interval:   interval,
		maxAge:     maxAge,
		maxRecords: maxRecords,
		now:        time.Now,
	}, nil
}

// Start schedules the prune job.
func (p *Pruner) Start(ctx context.Context) error {
	if p.running {
		return fmt.Errorf("pruner is already running")
	}

	_, err := p.scheduler.NewJob(
		gocron.DurationJob(p.interval),
		gocron.NewTask(func() {
			if _, err := p.PruneNow(ctx); err != nil {
				logger.Error("Failed to prune connection records: %v", err)
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create prune job: %w", err)
	}

	p.scheduler.Start()
	p.running = true
	return nil
}

// PruneNow applies the retention policy once.
func (p *Pruner) PruneNow(ctx context.Context) (int64, error) {
	var before time.Time
	if p.maxAge > 0 {
		before = p.now().Add(-p.maxAge)
	}
	if before.IsZero() && p.maxRecords <= 0 {
		return 0, nil
	}

	n, err := p.store.Prune(ctx, before, p.maxRecords)
	if err != nil {
		return n, err
	}
	if n > 0 {
		logger.Debug("Pruned %d connection records", n)
	}
	return n, nil
}

// Stop shuts the scheduler down. The scheduler owns goroutines even when
// Start was never called.
func (p *Pruner) Stop() error {
	if p.stopped {
		return nil
	}
	p.stopped = true
	p.running = false
	if err := p.scheduler.Shutdown(); err != nil {
		return fmt.Errorf("failed to stop scheduler: %w", err)
	}
	return nil
}
