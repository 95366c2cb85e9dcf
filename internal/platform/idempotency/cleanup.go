package idempotency

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Cleaner periodically purges expired records from a Store.
type Cleaner struct {
	store     Store
	interval  time.Duration
	batchSize int
	clock     clockFunc
	logger    *zap.Logger
}

// NewCleaner builds a Cleaner. Non-positive interval or batch size fall back to one hour and 200 records.
func NewCleaner(store Store, interval time.Duration, batchSize int, logger *zap.Logger) *Cleaner {
	if interval <= 0 {
		interval = time.Hour
	}
	if batchSize <= 0 {
		batchSize = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cleaner{
		store:     store,
		interval:  interval,
		batchSize: batchSize,
		clock:     time.Now,
		logger:    logger.Named("idempotency"),
	}
}

// Sweep removes expired records until a batch comes back short.
func (c *Cleaner) Sweep(ctx context.Context) (int, error) {
	total := 0
	for {
		removed, err := c.store.CleanupExpired(ctx, c.clock().UTC(), c.batchSize)
		total += removed
		if err != nil {
			return total, err
		}
		if removed < c.batchSize {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

// Run sweeps on every tick until ctx is done.
func (c *Cleaner) Run(ctx context.Context) {
	if c == nil || c.store == nil {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := c.Sweep(ctx)
			if err != nil && ctx.Err() == nil {
				c.logger.Warn("cleanup expired keys", zap.Int("removed", removed), zap.Error(err))
				continue
			}
			if removed > 0 {
				c.logger.Debug("cleaned expired keys", zap.Int("removed", removed))
			}
		}
	}
}
