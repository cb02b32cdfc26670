package cache

import (
	"context"
	"time"
)

// Sweeper periodically removes expired persistent entries.
type Sweeper struct {
	cache    *Tiered
	interval time.Duration
}

// NewSweeper creates a Sweeper. interval <= 0 means one hour.
func NewSweeper(c *Tiered, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{cache: c, interval: interval}
}

// Run blocks, cleaning up every interval until ctx is cancelled. Cleanup
// failures are logged by the cache and do not stop the loop.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.cache.log.Info("cache sweeper started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.cache.log.Info("cache sweeper stopped")
			return
		case <-ticker.C:
			_, _ = s.cache.CleanupExpired(ctx)
		}
	}
}
