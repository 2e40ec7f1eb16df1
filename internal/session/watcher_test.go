package session

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"supportchat/internal/auth"
	"supportchat/internal/models"
)

func TestWatcherReportsChangesOnly(t *testing.T) {
	notifier := auth.NewNotifier(nil, nil)
	w := NewWatcher(notifier, "k")
	var changes [][2]models.Identity
	w.Start(func(prev, next models.Identity) {
		changes = append(changes, [2]models.Identity{prev, next})
	})
	// a second Start keeps the single subscription
	w.Start(func(prev, next models.Identity) { t.Fatal("second subscription") })

	ctx := context.Background()
	notifier.Publish(ctx, "k", alice)
	notifier.Publish(ctx, "k", alice)
	notifier.Publish(ctx, "other", models.Identity{UserID: "9"})
	notifier.Publish(ctx, "k", models.Anonymous())

	assert.Equal(t, [][2]models.Identity{
		{models.Anonymous(), alice},
		{alice, models.Anonymous()},
	}, changes)
	assert.Equal(t, models.Anonymous(), w.Identity())
}

func TestWatcherStopUnsubscribes(t *testing.T) {
	notifier := auth.NewNotifier(nil, nil)
	w := NewWatcher(notifier, "k")
	calls := 0
	w.Start(func(models.Identity, models.Identity) { calls++ })
	w.Stop()
	w.Stop()
	notifier.Publish(context.Background(), "k", alice)
	assert.Zero(t, calls)
	assert.Equal(t, models.Anonymous(), w.Identity())
}
