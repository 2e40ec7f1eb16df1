package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"supportchat/internal/models"
	"supportchat/internal/redis"
)

const redisSessionChannel = "auth:session"

type sessionMessage struct {
	Origin   string          `json:"origin"`
	Key      string          `json:"key"`
	Identity models.Identity `json:"identity"`
}

type subscriber struct {
	id int
	fn func(models.Identity)
}

// Notifier tracks the signed-in identity of every browser session and tells subscribers
// when it changes. With redis configured, changes are broadcast to the other instances.
type Notifier struct {
	mu      sync.Mutex
	current map[string]models.Identity
	subs    map[string][]subscriber
	nextID  int

	// deliver serializes callbacks per key so subscribers observe changes in publish order
	// while a slow subscriber only holds up its own browser session
	deliver map[string]*sync.Mutex

	rdb    *redis.Client
	origin string
	logger *slog.Logger
}

// NewNotifier builds a notifier. rdb may be nil for a single instance.
func NewNotifier(rdb *redis.Client, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		current: make(map[string]models.Identity),
		subs:    make(map[string][]subscriber),
		deliver: make(map[string]*sync.Mutex),
		rdb:     rdb,
		origin:  uuid.NewString(),
		logger:  logger,
	}
}

// Current returns the identity known for key, anonymous when unknown.
func (n *Notifier) Current(key string) models.Identity {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.current[key]
}

// Publish records identity for key and notifies its subscribers.
func (n *Notifier) Publish(ctx context.Context, key string, identity models.Identity) {
	n.apply(key, identity)
	n.broadcast(ctx, key, identity)
}

// Sync publishes identity only when it differs from the recorded one. It reports whether a
// change was published.
func (n *Notifier) Sync(ctx context.Context, key string, identity models.Identity) bool {
	n.mu.Lock()
	prev, known := n.current[key]
	n.mu.Unlock()
	if known && prev == identity {
		return false
	}
	if !known && !identity.SignedIn() {
		n.mu.Lock()
		n.current[key] = identity
		n.mu.Unlock()
		return false
	}
	n.Publish(ctx, key, identity)
	return true
}

// Subscribe registers fn for identity changes of key. fn is invoked right away with the
// current identity. The returned function unsubscribes.
func (n *Notifier) Subscribe(key string, fn func(models.Identity)) func() {
	lock := n.deliveryLock(key)
	lock.Lock()
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs[key] = append(n.subs[key], subscriber{id: id, fn: fn})
	cur := n.current[key]
	n.mu.Unlock()
	fn(cur)
	lock.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			list := n.subs[key]
			for i, s := range list {
				if s.id == id {
					n.subs[key] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			if len(n.subs[key]) == 0 {
				delete(n.subs, key)
			}
		})
	}
}

// Forget drops the recorded identity of key once nothing listens to it.
func (n *Notifier) Forget(key string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.subs[key]) == 0 {
		delete(n.current, key)
		delete(n.deliver, key)
	}
}

// Listen applies identity changes broadcast by other instances until ctx is done.
func (n *Notifier) Listen(ctx context.Context) error {
	if n.rdb == nil {
		return nil
	}
	ch, err := n.rdb.Subscribe(ctx, redisSessionChannel)
	if err != nil {
		return err
	}
	go func() {
		for payload := range ch {
			var msg sessionMessage
			if err := json.Unmarshal([]byte(payload), &msg); err != nil {
				n.logger.Warn("session broadcast decode failed", "err", err)
				continue
			}
			if msg.Origin == n.origin || msg.Key == "" {
				continue
			}
			n.apply(msg.Key, msg.Identity)
		}
	}()
	return nil
}

func (n *Notifier) deliveryLock(key string) *sync.Mutex {
	n.mu.Lock()
	defer n.mu.Unlock()
	lock, ok := n.deliver[key]
	if !ok {
		lock = &sync.Mutex{}
		n.deliver[key] = lock
	}
	return lock
}

func (n *Notifier) apply(key string, identity models.Identity) {
	lock := n.deliveryLock(key)
	lock.Lock()
	defer lock.Unlock()
	n.mu.Lock()
	n.current[key] = identity
	fns := make([]func(models.Identity), 0, len(n.subs[key]))
	for _, s := range n.subs[key] {
		fns = append(fns, s.fn)
	}
	n.mu.Unlock()
	for _, fn := range fns {
		fn(identity)
	}
}

func (n *Notifier) broadcast(ctx context.Context, key string, identity models.Identity) {
	if n.rdb == nil {
		return
	}
	payload, err := json.Marshal(sessionMessage{Origin: n.origin, Key: key, Identity: identity})
	if err != nil {
		n.logger.Warn("session broadcast marshal failed", "err", err)
		return
	}
	if err := n.rdb.Publish(ctx, redisSessionChannel, payload); err != nil {
		n.logger.Warn("session broadcast publish failed", "err", err)
	}
}
