package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"supportchat/internal/models"
)

func TestNotifierSubscribeReceivesCurrentAndChanges(t *testing.T) {
	n := NewNotifier(nil, nil)
	ctx := context.Background()
	alice := models.Identity{UserID: "1", Email: "alice@example.com"}

	var got []models.Identity
	unsubscribe := n.Subscribe("sid", func(id models.Identity) {
		got = append(got, id)
	})
	n.Publish(ctx, "sid", alice)
	n.Publish(ctx, "other", models.Identity{UserID: "2"})
	n.Publish(ctx, "sid", models.Anonymous())
	unsubscribe()
	n.Publish(ctx, "sid", alice)

	want := []models.Identity{models.Anonymous(), alice, models.Anonymous()}
	if len(got) != len(want) {
		t.Fatalf("got %d notifications, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("notification %d = %+v, want %+v", i, got[i], want[i])
		}
	}
	if cur := n.Current("sid"); cur != alice {
		t.Fatalf("Current = %+v", cur)
	}
}

func TestNotifierSyncPublishesOnlyChanges(t *testing.T) {
	n := NewNotifier(nil, nil)
	ctx := context.Background()
	alice := models.Identity{UserID: "1", Email: "alice@example.com"}

	calls := 0
	defer n.Subscribe("sid", func(models.Identity) { calls++ })()
	calls = 0

	if n.Sync(ctx, "sid", models.Anonymous()) {
		t.Fatalf("anonymous sync on fresh key should not publish")
	}
	if !n.Sync(ctx, "sid", alice) {
		t.Fatalf("expected sign in to publish")
	}
	if n.Sync(ctx, "sid", alice) {
		t.Fatalf("repeated identity should not publish")
	}
	if !n.Sync(ctx, "sid", models.Anonymous()) {
		t.Fatalf("expected sign out to publish")
	}
	if calls != 2 {
		t.Fatalf("expected 2 callbacks, got %d", calls)
	}
}

func TestNotifierSlowSubscriberOnlyBlocksItsOwnKey(t *testing.T) {
	n := NewNotifier(nil, nil)
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	slow := n.Subscribe("slow", func(id models.Identity) {
		if id.SignedIn() {
			close(entered)
			<-release
		}
	})
	defer slow()

	go n.Publish(ctx, "slow", models.Identity{UserID: "1"})
	<-entered

	got := make(chan models.Identity, 2)
	defer n.Subscribe("fast", func(id models.Identity) { got <- id })()
	<-got
	n.Publish(ctx, "fast", models.Identity{UserID: "2"})

	select {
	case id := <-got:
		if id.UserID != "2" {
			t.Fatalf("fast subscriber got %+v", id)
		}
	case <-time.After(time.Second):
		t.Fatalf("publish on another key waited for a slow subscriber")
	}
	close(release)
}

func TestNotifierForget(t *testing.T) {
	n := NewNotifier(nil, nil)
	ctx := context.Background()
	n.Publish(ctx, "sid", models.Identity{UserID: "1"})
	unsubscribe := n.Subscribe("sid", func(models.Identity) {})
	n.Forget("sid")
	if !n.Current("sid").SignedIn() {
		t.Fatalf("forget must keep identities that still have listeners")
	}
	unsubscribe()
	n.Forget("sid")
	if n.Current("sid").SignedIn() {
		t.Fatalf("expected identity dropped")
	}
}

func TestNotifierBroadcastAcrossInstances(t *testing.T) {
	client := newTestRedis(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := NewNotifier(client, nil)
	b := NewNotifier(client, nil)
	if err := b.Listen(ctx); err != nil {
		t.Fatalf("Listen: %v", err)
	}

	var mu sync.Mutex
	received := make(chan models.Identity, 4)
	defer b.Subscribe("sid", func(id models.Identity) {
		mu.Lock()
		defer mu.Unlock()
		received <- id
	})()
	<-received

	alice := models.Identity{UserID: "1", Email: "alice@example.com"}
	a.Publish(ctx, "sid", alice)
	select {
	case got := <-received:
		if got != alice {
			t.Fatalf("got %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("broadcast not received")
	}
}
