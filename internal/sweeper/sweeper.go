// Package sweeper periodically promotes promotions out of their hold period.
package sweeper

import (
	"context"
	"time"

	"github.com/VidGrowLab/vidgrow/internal/monitoring"
	"go.uber.org/zap"
)

const defaultInterval = time.Minute

// HoldExpirer transitions every lapsed hold and reports how many rows moved.
type HoldExpirer interface {
	ExpireHolds(ctx context.Context) (int64, error)
}

// Sweeper drives the hold expiry sweep on a fixed interval. The underlying
// sweep is a single conditional update, so overlapping runs are harmless.
type Sweeper struct {
	expirer  HoldExpirer
	logger   *zap.Logger
	interval time.Duration
}

// New wires a Sweeper. A non-positive interval falls back to one minute.
func New(expirer HoldExpirer, logger *zap.Logger, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	return &Sweeper{expirer: expirer, logger: logger, interval: interval}
}

// Run sweeps until the context is cancelled. Errors are logged, not fatal:
// the next tick retries.
func (sweeper *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(sweeper.interval)
	defer ticker.Stop()

	sweeper.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sweeper.sweep(ctx)
		}
	}
}

func (sweeper *Sweeper) sweep(ctx context.Context) {
	count, err := sweeper.expirer.ExpireHolds(ctx)
	if err != nil {
		sweeper.logger.Warn("hold sweep failed", zap.Error(err))
		return
	}
	if count > 0 {
		monitoring.HoldsExpiredTotal.Add(float64(count))
		sweeper.logger.Info("holds expired", zap.Int64("count", count))
	}
}
