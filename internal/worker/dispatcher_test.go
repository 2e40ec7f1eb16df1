package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supportchat/internal/models"
)

type recorder struct {
	mu      sync.Mutex
	applied map[string][]string
	active  map[string]int
	overlap atomic.Bool
	delay   time.Duration
}

func newRecorder(delay time.Duration) *recorder {
	return &recorder{applied: map[string][]string{}, active: map[string]int{}, delay: delay}
}

func (r *recorder) apply(_ context.Context, job Job) error {
	key := job.Conversation.ID
	r.mu.Lock()
	r.active[key]++
	if r.active[key] > 1 {
		r.overlap.Store(true)
	}
	r.mu.Unlock()

	time.Sleep(r.delay)

	r.mu.Lock()
	r.active[key]--
	last := job.Conversation.Messages[len(job.Conversation.Messages)-1].Content
	r.applied[key] = append(r.applied[key], last)
	r.mu.Unlock()
	return nil
}

func (r *recorder) history(key string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.applied[key]...)
}

func snapshot(id, content string) models.Conversation {
	return models.Conversation{
		ID: id,
		Messages: []models.Message{
			{Role: models.RoleUser, Content: "question"},
			{Role: models.RoleAssistant, Content: content},
		},
	}
}

func TestDispatcherAppliesInOrderPerConversation(t *testing.T) {
	rec := newRecorder(2 * time.Millisecond)
	d := NewDispatcher(Config{MinWorkers: 2, MaxWorkers: 4}, rec.apply, nil)
	defer d.Close(context.Background())

	ids := []string{"a", "b", "c"}
	var want = map[string]string{}
	for i := 1; i <= 20; i++ {
		for _, id := range ids {
			content := fmt.Sprintf("%s-%02d", id, i)
			require.NoError(t, d.Enqueue(snapshot(id, content)))
			want[id] = content
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range ids {
		require.NoError(t, d.Drain(ctx, id))
		got := rec.history(id)
		require.NotEmpty(t, got)
		assert.Equal(t, want[id], got[len(got)-1], "final write for %s", id)
		for i := 1; i < len(got); i++ {
			assert.Less(t, got[i-1], got[i], "writes for %s applied out of order", id)
		}
	}
	assert.False(t, rec.overlap.Load(), "two writes of one conversation ran concurrently")
}

func TestDispatcherCoalescesWaitingSnapshots(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var mu sync.Mutex
	var applied []string
	apply := func(_ context.Context, job Job) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		applied = append(applied, job.Conversation.Messages[1].Content)
		mu.Unlock()
		return nil
	}
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1}, apply, nil)
	defer d.Close(context.Background())

	require.NoError(t, d.Enqueue(snapshot("a", "1")))
	<-started
	for _, c := range []string{"2", "3", "4"} {
		require.NoError(t, d.Enqueue(snapshot("a", c)))
	}
	assert.Equal(t, 1, d.Pending())
	close(release)

	require.NoError(t, d.Drain(context.Background(), "a"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"1", "4"}, applied)
}

func TestDispatcherBusyAndClosed(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	apply := func(context.Context, Job) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1}, apply, nil)

	require.NoError(t, d.Enqueue(snapshot("a", "1")))
	<-started
	require.NoError(t, d.Enqueue(snapshot("b", "1")))
	assert.ErrorIs(t, d.Enqueue(snapshot("c", "1")), ErrDispatcherBusy)
	require.NoError(t, d.Enqueue(snapshot("b", "2")), "waiting snapshot should be replaced, not rejected")
	assert.Error(t, d.Enqueue(models.Conversation{}))

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	assert.ErrorIs(t, d.Enqueue(snapshot("a", "2")), ErrDispatcherClosed)
}

func TestDispatcherKeepsFollowUpOfRunningConversationWhenFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	var (
		mu      sync.Mutex
		applied []string
	)
	apply := func(_ context.Context, job Job) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		mu.Lock()
		applied = append(applied, job.Conversation.ID+":"+job.Conversation.Messages[1].Content)
		mu.Unlock()
		return nil
	}
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1}, apply, nil)
	defer d.Close(context.Background())

	require.NoError(t, d.Enqueue(snapshot("a", "partial")))
	<-started
	require.NoError(t, d.Enqueue(snapshot("b", "1")))
	require.Equal(t, 1, d.Pending())

	require.NoError(t, d.Enqueue(snapshot("a", "final")))
	assert.ErrorIs(t, d.Enqueue(snapshot("c", "1")), ErrDispatcherBusy)

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Drain(ctx, "a"))
	require.NoError(t, d.Drain(ctx, "b"))

	mu.Lock()
	defer mu.Unlock()
	var forA []string
	for _, entry := range applied {
		if entry[0] == 'a' {
			forA = append(forA, entry)
		}
	}
	assert.Equal(t, []string{"a:partial", "a:final"}, forA)
}

func TestDispatcherSwallowsApplyErrors(t *testing.T) {
	var calls atomic.Int32
	apply := func(_ context.Context, job Job) error {
		calls.Add(1)
		if job.Conversation.Messages[1].Content == "bad" {
			return errors.New("store down")
		}
		return nil
	}
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 2}, apply, nil)
	defer d.Close(context.Background())

	require.NoError(t, d.Enqueue(snapshot("a", "bad")))
	require.NoError(t, d.Drain(context.Background(), "a"))
	require.NoError(t, d.Enqueue(snapshot("a", "good")))
	require.NoError(t, d.Drain(context.Background(), "a"))
	assert.Equal(t, int32(2), calls.Load())
}

func TestDispatcherDrainUnknownAndCanceled(t *testing.T) {
	release := make(chan struct{})
	apply := func(context.Context, Job) error {
		<-release
		return nil
	}
	d := NewDispatcher(Config{MinWorkers: 1, MaxWorkers: 1}, apply, nil)
	defer func() {
		close(release)
		d.Close(context.Background())
	}()

	require.NoError(t, d.Drain(context.Background(), "missing"))
	require.NoError(t, d.Enqueue(snapshot("a", "1")))
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, d.Drain(ctx, "a"), context.DeadlineExceeded)
}

func TestUpdateApply(t *testing.T) {
	store := &fakeUpdater{}
	apply := UpdateApply(store, "conversations")
	require.NoError(t, apply(context.Background(), Job{Conversation: snapshot("x", "done")}))
	assert.Equal(t, "conversations/x", store.last)
}

type fakeUpdater struct{ last string }

func (f *fakeUpdater) Update(_ context.Context, collection, id string, _ models.Conversation) error {
	f.last = collection + "/" + id
	return nil
}
