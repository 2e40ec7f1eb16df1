package chat

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	KnowledgeRateLimit  = 3
	KnowledgeRateWindow = time.Minute
)

type toolSessionContextKey struct{}

// WithToolSession tags ctx with the browser session tool calls are charged to.
func WithToolSession(ctx context.Context, key string) context.Context {
	if key == "" {
		return ctx
	}
	return context.WithValue(ctx, toolSessionContextKey{}, key)
}

// ToolSessionFromContext returns the key set by WithToolSession.
func ToolSessionFromContext(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(toolSessionContextKey{}).(string)
	return key, ok && key != ""
}

// toolRateLimiter allows limit calls per window for every key.
type toolRateLimiter struct {
	limit    int
	every    rate.Limit
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	lastSeen map[string]time.Time
	window   time.Duration
}

func newToolRateLimiter(limit int, window time.Duration) *toolRateLimiter {
	return &toolRateLimiter{
		limit:    limit,
		every:    rate.Every(window / time.Duration(limit)),
		limiters: make(map[string]*rate.Limiter),
		lastSeen: make(map[string]time.Time),
		window:   window,
	}
}

func (l *toolRateLimiter) Allow(key string) bool {
	now := time.Now()
	l.mu.Lock()
	limiter, ok := l.limiters[key]
	if !ok {
		limiter = rate.NewLimiter(l.every, l.limit)
		l.limiters[key] = limiter
	}
	l.lastSeen[key] = now
	l.pruneLocked(now)
	l.mu.Unlock()
	return limiter.AllowN(now, 1)
}

// pruneLocked forgets keys idle long enough for their bucket to be full again
func (l *toolRateLimiter) pruneLocked(now time.Time) {
	for key, seen := range l.lastSeen {
		if now.Sub(seen) > l.window {
			delete(l.lastSeen, key)
			delete(l.limiters, key)
		}
	}
}
