package worker

import (
	"context"
	"errors"

	"supportchat/internal/models"
)

var (
	// ErrDispatcherBusy is returned when the pending write limit is reached.
	ErrDispatcherBusy = errors.New("dispatcher queue full")
	// ErrDispatcherClosed is returned for writes enqueued after Close.
	ErrDispatcherClosed = errors.New("dispatcher closed")
)

// Job carries the full conversation snapshot to persist.
type Job struct {
	Conversation models.Conversation
	stop         bool
}

func (j Job) key() string {
	return j.Conversation.ID
}

// ApplyFunc persists one job.
type ApplyFunc func(ctx context.Context, job Job) error

// Updater is the store write the dispatcher drives.
type Updater interface {
	Update(ctx context.Context, collection, id string, conv models.Conversation) error
}

// UpdateApply persists every job as an update of collection.
func UpdateApply(store Updater, collection string) ApplyFunc {
	return func(ctx context.Context, job Job) error {
		return store.Update(ctx, collection, job.Conversation.ID, job.Conversation)
	}
}
