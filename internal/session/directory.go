package session

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"supportchat/internal/models"
)

// Lister fetches every document of a collection.
type Lister interface {
	ListAll(ctx context.Context, collection string) ([]models.Conversation, error)
}

// Directory is the in-memory, most-recent-first list of the signed-in user's conversations.
type Directory struct {
	mu         sync.RWMutex
	store      Lister
	collection string
	owner      string
	items      []models.Conversation
	logger     *slog.Logger
}

func NewDirectory(store Lister, collection string, logger *slog.Logger) *Directory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{store: store, collection: collection, logger: logger}
}

// Load replaces the list with identity's conversations sorted by descending timestamp.
// A store failure is logged and leaves the list empty.
func (d *Directory) Load(ctx context.Context, identity models.Identity) {
	if !identity.SignedIn() {
		d.Clear()
		return
	}
	all, err := d.store.ListAll(ctx, d.collection)
	if err != nil {
		d.logger.Warn("load conversations failed", "owner", identity.UserID, "err", err)
		d.mu.Lock()
		d.owner = identity.UserID
		d.items = nil
		d.mu.Unlock()
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	fetched := make(map[string]bool, len(all))
	items := make([]models.Conversation, 0, len(all))
	for _, conv := range all {
		if conv.Owner != identity.UserID {
			continue
		}
		fetched[conv.ID] = true
		items = append(items, conv)
	}
	// keep conversations prepended while the fetch was in flight
	if d.owner == identity.UserID {
		for _, conv := range d.items {
			if !fetched[conv.ID] {
				items = append(items, conv)
			}
		}
	}
	sortByRecency(items)
	d.owner = identity.UserID
	d.items = items
}

// Prepend puts a newly created conversation at the front without a re-fetch.
func (d *Directory) Prepend(conv models.Conversation) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.items = append([]models.Conversation{conv.Clone()}, d.removeLocked(conv.ID)...)
}

// Refresh replaces the stored snapshot of conv and moves it to the front. Conversations
// not in the list, such as another user's after a sign-out, are ignored.
func (d *Directory) Refresh(conv models.Conversation) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	rest := d.removeLocked(conv.ID)
	if len(rest) == len(d.items) {
		return false
	}
	d.items = append([]models.Conversation{conv.Clone()}, rest...)
	return true
}

// Get returns the snapshot with the given id.
func (d *Directory) Get(id string) (models.Conversation, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, conv := range d.items {
		if conv.ID == id {
			return conv.Clone(), true
		}
	}
	return models.Conversation{}, false
}

// List returns a copy of the current entries in display order.
func (d *Directory) List() []models.Conversation {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]models.Conversation, len(d.items))
	for i, conv := range d.items {
		out[i] = conv.Clone()
	}
	return out
}

func (d *Directory) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.items)
}

// Clear drops every entry.
func (d *Directory) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.owner = ""
	d.items = nil
}

func (d *Directory) removeLocked(id string) []models.Conversation {
	out := make([]models.Conversation, 0, len(d.items))
	for _, conv := range d.items {
		if conv.ID != id {
			out = append(out, conv)
		}
	}
	return out
}

func sortByRecency(items []models.Conversation) {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Timestamp.After(items[j].Timestamp)
	})
}
