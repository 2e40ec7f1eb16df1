package auth

import (
	"context"
	"time"
)

// DefaultTokenCleanupInterval is used when no interval is configured.
const DefaultTokenCleanupInterval = time.Hour

// StartTokenJanitor periodically removes expired tokens until ctx is done.
func (s *Service) StartTokenJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultTokenCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.PurgeExpired(ctx)
			if err != nil {
				s.logger.Error("cleanup expired tokens", "err", err)
				continue
			}
			if n > 0 {
				s.logger.Info("expired tokens removed", "count", n)
			}
		}
	}
}
