package jobs

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// Sweeper fails unfinished runs that have shown no progress since before.
type Sweeper interface {
	FailStale(ctx context.Context, before time.Time) (int, error)
}

// Reaper periodically fails runs whose job can no longer be alive. A run is
// stale once it has been idle for longer than MaxAge.
type Reaper struct {
	sweepers []Sweeper
	maxAge   time.Duration
	interval time.Duration
	logger   *zap.Logger
	now      func() time.Time
}

func NewReaper(maxAge, interval time.Duration, logger *zap.Logger, sweepers ...Sweeper) *Reaper {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		sweepers: sweepers,
		maxAge:   maxAge,
		interval: interval,
		logger:   logger,
		now:      time.Now,
	}
}

// SweepOnce runs every sweeper with the given cutoff.
func (r *Reaper) SweepOnce(ctx context.Context, before time.Time) (int, error) {
	var (
		total int
		errs  error
	)
	for _, s := range r.sweepers {
		n, err := s.FailStale(ctx, before)
		total += n
		if err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if total > 0 {
		r.logger.Warn("failed stale runs", zap.Int("count", total), zap.Time("before", before))
	}
	return total, errs
}

// Run sweeps on every tick until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SweepOnce(ctx, r.now().Add(-r.maxAge)); err != nil && ctx.Err() == nil {
				r.logger.Error("stale run sweep failed", zap.Error(err))
			}
		}
	}
}
