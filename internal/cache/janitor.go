package cache

import (
	"log/slog"
	"time"

	"github.com/go-co-op/gocron"
)

// Janitor periodically prunes expired entries from a Store.
type Janitor struct {
	scheduler *gocron.Scheduler
	store     *Store
	interval  time.Duration
	logger    *slog.Logger
}

// NewJanitor creates a janitor that runs every interval.
func NewJanitor(store *Store, interval time.Duration, logger *slog.Logger) *Janitor {
	return &Janitor{
		scheduler: gocron.NewScheduler(time.UTC),
		store:     store,
		interval:  interval,
		logger:    logger,
	}
}

// Start schedules the prune job. A non-positive interval disables it.
func (j *Janitor) Start() error {
	if j.interval <= 0 {
		j.logger.Info("cache janitor disabled")
		return nil
	}
	_, err := j.scheduler.Every(j.interval).SingletonMode().Do(j.run)
	if err != nil {
		return err
	}
	j.scheduler.StartAsync()
	j.logger.Info("cache janitor started", "interval", j.interval)
	return nil
}

func (j *Janitor) run() {
	removed, err := j.store.Prune()
	if err != nil {
		j.logger.Warn("cache prune failed", "error", err)
		return
	}
	if removed > 0 {
		j.logger.Info("cache pruned", "removed", removed)
	}
}

// Stop stops the scheduler.
func (j *Janitor) Stop() {
	if j.scheduler != nil {
		j.scheduler.Stop()
	}
}
