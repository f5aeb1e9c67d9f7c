package dividends

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs sweeps on a fixed interval until the context is done.
type Scheduler struct {
	distributor *Distributor
	interval    time.Duration
	logger      *zap.Logger
}

// NewScheduler creates a scheduler sweeping every interval.
func NewScheduler(d *Distributor, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{distributor: d, interval: interval, logger: logger}
}

// Run sweeps once immediately, then on every tick. Sweep errors are logged;
// the loop keeps running until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.distributor.Sweep(ctx, time.Now().UTC()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("dividend sweep", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
