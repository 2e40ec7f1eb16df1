package session

import (
	"sync"

	"supportchat/internal/models"
)

// IdentitySource delivers identity changes for a browser session key.
type IdentitySource interface {
	Subscribe(key string, fn func(models.Identity)) func()
}

// Watcher keeps the latest identity of one browser session.
type Watcher struct {
	mu          sync.RWMutex
	source      IdentitySource
	key         string
	identity    models.Identity
	unsubscribe func()
}

func NewWatcher(source IdentitySource, key string) *Watcher {
	return &Watcher{source: source, key: key}
}

// Start subscribes once. onChange runs for every notification that changes the identity.
func (w *Watcher) Start(onChange func(prev, next models.Identity)) {
	w.mu.Lock()
	if w.unsubscribe != nil {
		w.mu.Unlock()
		return
	}
	// placeholder so a re-entrant Start is a no-op while subscribing
	w.unsubscribe = func() {}
	w.mu.Unlock()

	unsubscribe := w.source.Subscribe(w.key, func(next models.Identity) {
		w.mu.Lock()
		prev := w.identity
		w.identity = next
		w.mu.Unlock()
		if prev != next && onChange != nil {
			onChange(prev, next)
		}
	})

	w.mu.Lock()
	w.unsubscribe = unsubscribe
	w.mu.Unlock()
}

// Identity returns the latest identity, anonymous before any sign in.
func (w *Watcher) Identity() models.Identity {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.identity
}

// Stop unsubscribes from the identity source.
func (w *Watcher) Stop() {
	w.mu.Lock()
	unsubscribe := w.unsubscribe
	w.unsubscribe = nil
	w.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}
