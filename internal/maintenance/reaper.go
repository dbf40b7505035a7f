// Package maintenance runs the background housekeeping for the task queue:
// lease reaping and terminal-task retention cleanup.
package maintenance

import (
	"context"
	"errors"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/arkivo-backup/arkivo/internal/metrics"
)

// ReaperStore defines the interface for queue maintenance data access.
type ReaperStore interface {
	ReapExpiredLeases(ctx context.Context) (int64, error)
	CleanupTerminalTasks(ctx context.Context, retentionDays int) (int64, error)
}

// Reaper periodically returns expired RUNNING tasks to the queue and purges
// old terminal tasks. A reaped task keeps its payload and gains an attempt.
type Reaper struct {
	store         ReaperStore
	retentionDays int
	cron          *cron.Cron
	logger        zerolog.Logger
	mu            sync.Mutex
	running       bool
}

// NewReaper creates a new queue maintenance reaper.
func NewReaper(store ReaperStore, retentionDays int, logger zerolog.Logger) *Reaper {
	return &Reaper{
		store:         store,
		retentionDays: retentionDays,
		cron:          cron.New(),
		logger:        logger.With().Str("component", "reaper").Logger(),
	}
}

// Start begins the maintenance schedule: lease reaping every minute and
// retention cleanup daily at 3:00 AM UTC.
func (r *Reaper) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.running {
		return errors.New("reaper already running")
	}

	if _, err := r.cron.AddFunc("* * * * *", r.reapLeases); err != nil {
		return err
	}
	if _, err := r.cron.AddFunc("0 3 * * *", r.runCleanup); err != nil {
		return err
	}

	r.cron.Start()
	r.running = true

	r.logger.Info().
		Int("retention_days", r.retentionDays).
		Msg("queue reaper started")

	return nil
}

// Stop stops the reaper gracefully.
func (r *Reaper) Stop() context.Context {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return ctx
	}

	r.running = false
	r.logger.Info().Msg("stopping queue reaper")
	return r.cron.Stop()
}

// reapLeases returns tasks with expired leases to PENDING.
func (r *Reaper) reapLeases() {
	ctx := context.Background()

	reaped, err := r.store.ReapExpiredLeases(ctx)
	if err != nil {
		r.logger.Error().Err(err).Msg("lease reaping failed")
		return
	}
	if reaped == 0 {
		return
	}

	metrics.LeasesReaped.Add(float64(reaped))
	r.logger.Info().
		Int64("reaped", reaped).
		Msg("expired task leases returned to queue")
}

// runCleanup purges terminal tasks past the retention window.
func (r *Reaper) runCleanup() {
	ctx := context.Background()

	r.logger.Info().
		Int("retention_days", r.retentionDays).
		Msg("starting terminal task cleanup")

	deleted, err := r.store.CleanupTerminalTasks(ctx, r.retentionDays)
	if err != nil {
		r.logger.Error().Err(err).Msg("terminal task cleanup failed")
		return
	}

	metrics.TasksCleaned.Add(float64(deleted))
	r.logger.Info().
		Int64("deleted_rows", deleted).
		Int("retention_days", r.retentionDays).
		Msg("terminal task cleanup completed")
}

// RunNow triggers an immediate reap and cleanup (useful for testing).
func (r *Reaper) RunNow() {
	r.reapLeases()
	r.runCleanup()
}
