package webhook

import (
	"context"
	"time"

	"log/slog"

	"github.com/skiff-sh/skiff/pkg/clock"
)

const sweepBatchSize = 100

// Sweeper periodically re-attempts retrying deliveries that are due. The
// persisted delivery record is the queue; the sweep guarantees at-least-once
// invocation of due retries.
type Sweeper struct {
	svc      Service
	clk      clock.Clock
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(svc Service, clk clock.Clock, interval time.Duration, logger *slog.Logger) Sweeper {
	return Sweeper{svc: svc, clk: clk, interval: interval, logger: logger}
}

// Run sweeps until the context is cancelled.
func (sw Sweeper) Run(ctx context.Context) {
	if sw.interval <= 0 {
		return
	}
	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sw.Sweep(ctx)
		}
	}
}

// Sweep attempts every due delivery once.
func (sw Sweeper) Sweep(ctx context.Context) {
	due, err := sw.svc.repo.ListDueDeliveries(ctx, sw.clk.Now(), sweepBatchSize)
	if err != nil {
		sw.logger.Error("list due webhook deliveries", "error", err)
		return
	}
	for i := range due {
		if err := sw.svc.AttemptDelivery(ctx, &due[i]); err != nil {
			sw.logger.Error("retry webhook delivery", "delivery_id", due[i].ID, "error", err)
		}
	}
}
