package session

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultIdleTimeout evicts browser sessions nobody touched for this long.
const DefaultIdleTimeout = 30 * time.Minute

type entry struct {
	controller *Controller
	lastUsed   time.Time
}

// Registry keeps one Controller per browser session.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	factory func(key string) (*Controller, error)
	idle    time.Duration
	now     func() time.Time
	onEvict func(key string)
	logger  *slog.Logger
}

// NewRegistry builds controllers on demand with factory. onEvict, if set, runs after a
// session is dropped.
func NewRegistry(factory func(key string) (*Controller, error), idle time.Duration, onEvict func(string), logger *slog.Logger) *Registry {
	if idle <= 0 {
		idle = DefaultIdleTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries: make(map[string]*entry),
		factory: factory,
		idle:    idle,
		now:     time.Now,
		onEvict: onEvict,
		logger:  logger,
	}
}

// Get returns the controller of key, starting a new one on first use.
func (r *Registry) Get(key string) (*Controller, error) {
	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		e.lastUsed = r.now()
		r.mu.Unlock()
		return e.controller, nil
	}
	r.mu.Unlock()

	ctrl, err := r.factory(key)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if e, ok := r.entries[key]; ok {
		// lost a race with another request of the same session
		e.lastUsed = r.now()
		r.mu.Unlock()
		return e.controller, nil
	}
	r.entries[key] = &entry{controller: ctrl, lastUsed: r.now()}
	r.mu.Unlock()

	ctrl.Start()
	return ctrl, nil
}

// Lookup returns the controller of key without creating one.
func (r *Registry) Lookup(key string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, false
	}
	e.lastUsed = r.now()
	return e.controller, true
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Run evicts idle sessions every interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = r.idle / 2
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.CloseAll()
			return
		case <-ticker.C:
			r.EvictIdle()
		}
	}
}

// EvictIdle drops sessions idle longer than the timeout, except ones still sending.
func (r *Registry) EvictIdle() int {
	cutoff := r.now().Add(-r.idle)
	var stale []string
	r.mu.Lock()
	for key, e := range r.entries {
		if e.lastUsed.Before(cutoff) && !e.controller.Sending() {
			stale = append(stale, key)
		}
	}
	r.mu.Unlock()
	for _, key := range stale {
		r.drop(key)
	}
	if len(stale) > 0 {
		r.logger.Info("idle sessions evicted", "count", len(stale))
	}
	return len(stale)
}

// CloseAll drops every session.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	keys := make([]string, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	r.mu.Unlock()
	for _, key := range keys {
		r.drop(key)
	}
}

func (r *Registry) drop(key string) {
	r.mu.Lock()
	e, ok := r.entries[key]
	delete(r.entries, key)
	r.mu.Unlock()
	if !ok {
		return
	}
	e.controller.Close()
	if r.onEvict != nil {
		r.onEvict(key)
	}
}
