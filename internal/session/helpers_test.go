package session

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"supportchat/internal/auth"
	"supportchat/internal/models"
)

const testGreeting = "Hi, how can I help?"

var alice = models.Identity{UserID: "1", Email: "alice@example.com"}

type memStore struct {
	mu        sync.Mutex
	docs      map[string]models.Conversation
	nextID    int
	creates   []models.Conversation
	createErr error
	listErr   error
}

func newMemStore(seed ...models.Conversation) *memStore {
	s := &memStore{docs: map[string]models.Conversation{}}
	for _, conv := range seed {
		s.docs[conv.ID] = conv.Clone()
	}
	return s
}

func (s *memStore) Create(_ context.Context, _ string, conv models.Conversation) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	s.nextID++
	conv.ID = fmt.Sprintf("conv-%d", s.nextID)
	s.docs[conv.ID] = conv.Clone()
	s.creates = append(s.creates, conv.Clone())
	return conv.ID, nil
}

func (s *memStore) Update(_ context.Context, _ string, id string, conv models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[id]; !ok {
		return fmt.Errorf("missing %s", id)
	}
	conv.ID = id
	s.docs[id] = conv.Clone()
	return nil
}

func (s *memStore) ListAll(_ context.Context, _ string) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	out := make([]models.Conversation, 0, len(s.docs))
	for _, conv := range s.docs {
		out = append(out, conv.Clone())
	}
	return out, nil
}

func (s *memStore) doc(id string) (models.Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.docs[id]
	return conv.Clone(), ok
}

// syncQueue applies updates immediately and records them.
type syncQueue struct {
	mu      sync.Mutex
	store   *memStore
	updates []models.Conversation
	drained []string
	reject  error
}

func (q *syncQueue) Enqueue(conv models.Conversation) error {
	q.mu.Lock()
	if q.reject != nil {
		q.mu.Unlock()
		return q.reject
	}
	q.updates = append(q.updates, conv.Clone())
	q.mu.Unlock()
	return q.store.Update(context.Background(), "conversations", conv.ID, conv)
}

func (q *syncQueue) Drain(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drained = append(q.drained, id)
	return nil
}

func (q *syncQueue) history() []models.Conversation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.Conversation(nil), q.updates...)
}

type step struct {
	data   string
	err    error
	before func()
}

// scriptedSource hands out bodies that replay steps, one per Read.
type scriptedSource struct {
	mu       sync.Mutex
	steps    chan step
	openErr  error
	requests [][]models.Message
}

func newScriptedSource(steps ...step) *scriptedSource {
	ch := make(chan step, len(steps))
	for _, s := range steps {
		ch <- s
	}
	close(ch)
	return &scriptedSource{steps: ch}
}

func newLiveSource() *scriptedSource {
	return &scriptedSource{steps: make(chan step)}
}

func (s *scriptedSource) Open(ctx context.Context, msgs []models.Message) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, msgs)
	if s.openErr != nil {
		return nil, s.openErr
	}
	return &scriptedBody{ctx: ctx, steps: s.steps}, nil
}

func (s *scriptedSource) opened() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

type scriptedBody struct {
	ctx   context.Context
	steps chan step
}

func (b *scriptedBody) Read(p []byte) (int, error) {
	select {
	case st, ok := <-b.steps:
		if !ok {
			return 0, io.EOF
		}
		if st.before != nil {
			st.before()
		}
		if st.err != nil {
			return 0, st.err
		}
		return copy(p, st.data), nil
	case <-b.ctx.Done():
		return 0, b.ctx.Err()
	}
}

func (b *scriptedBody) Close() error { return nil }

type harness struct {
	ctrl      *Controller
	store     *memStore
	queue     *syncQueue
	source    *scriptedSource
	notifier  *auth.Notifier
	snapshots []Snapshot
	mu        sync.Mutex
}

func newHarness(t *testing.T, source *scriptedSource, seed ...models.Conversation) *harness {
	t.Helper()
	h := &harness{
		store:    newMemStore(seed...),
		source:   source,
		notifier: auth.NewNotifier(nil, nil),
	}
	h.queue = &syncQueue{store: h.store}
	ctrl, err := NewController(Options{
		Key:        "sid",
		Greeting:   testGreeting,
		Store:      h.store,
		Updates:    h.queue,
		Source:     source,
		Identities: h.notifier,
		OnChange: func(s Snapshot) {
			h.mu.Lock()
			h.snapshots = append(h.snapshots, s)
			h.mu.Unlock()
		},
		Now: func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	ctrl.Start()
	t.Cleanup(ctrl.Close)
	h.ctrl = ctrl
	return h
}

func (h *harness) signIn(identity models.Identity) {
	h.notifier.Publish(context.Background(), "sid", identity)
}

func (h *harness) lastContent() string {
	msgs := h.ctrl.Snapshot().Messages
	return msgs[len(msgs)-1].Content
}
