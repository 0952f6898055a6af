package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ZackBotkin/SimQLe/internal/domain"
	"github.com/ZackBotkin/SimQLe/internal/repository"
)

const (
	defaultReapInterval = 30 * time.Second
	reapTimeout         = 15 * time.Second
)

// Reaper errors out runs stuck in the running state past a cutoff, which
// happens when a worker dies mid-run. It returns nil from NewReaper when no
// TTL is configured.
type Reaper struct {
	runs     repository.RunRepository
	logger   *slog.Logger
	interval time.Duration
	runTTL   time.Duration

	now func() time.Time
}

// NewReaper constructs a stale-run reaper. It returns nil when runTTL is not
// positive.
func NewReaper(runs repository.RunRepository, logger *slog.Logger, interval, runTTL time.Duration) *Reaper {
	if runs == nil || runTTL <= 0 {
		return nil
	}
	if interval <= 0 {
		interval = defaultReapInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		runs:     runs,
		logger:   logger.With("component", "reaper"),
		interval: interval,
		runTTL:   runTTL,
		now:      time.Now,
	}
}

// Run executes the reap loop until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	if r == nil {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started", "interval", r.interval, "run_ttl", r.runTTL)
	r.reap(ctx)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		case <-ticker.C:
			r.reap(ctx)
		}
	}
}

func (r *Reaper) reap(parent context.Context) {
	timeout := reapTimeout
	if r.interval < timeout {
		timeout = r.interval
	}
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	cutoff := r.now().Add(-r.runTTL)
	stale, err := r.runs.ListRunsWithStatusUpdatedBefore(ctx, domain.StatusRunning, cutoff)
	if err != nil {
		r.logger.Warn("failed to list stale runs", "error", err)
		return
	}
	for _, run := range stale {
		msg := fmt.Sprintf("run abandoned after %s without progress", r.runTTL)
		if err := r.runs.UpdateRunStatus(ctx, run.ID, domain.StatusErrored, msg); err != nil {
			r.logger.Warn("failed to error out stale run", "run_id", run.ID, "error", err)
			continue
		}
		r.logger.Info("stale run marked errored", "run_id", run.ID, "updated_at", run.UpdatedAt)
	}
}
