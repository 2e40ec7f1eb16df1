package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"supportchat/internal/config"
	apperrors "supportchat/internal/errors"
	"supportchat/internal/models"
)

var (
	ErrEmptyMessage        = errors.New("message is empty")
	ErrInputDisabled       = errors.New("input is disabled")
	ErrUnknownConversation = errors.New("conversation not found")
	ErrSendInterrupted     = errors.New("send interrupted")
)

const (
	previewLength = 50
	drainTimeout  = 10 * time.Second
)

// DocumentStore creates and lists conversation documents.
type DocumentStore interface {
	Lister
	Create(ctx context.Context, collection string, conv models.Conversation) (string, error)
	Update(ctx context.Context, collection, id string, conv models.Conversation) error
}

// UpdateQueue applies conversation updates in the background, in order per conversation.
type UpdateQueue interface {
	Enqueue(conv models.Conversation) error
	Drain(ctx context.Context, id string) error
}

// Source opens the streamed reply for a transcript.
type Source interface {
	Open(ctx context.Context, msgs []models.Message) (io.ReadCloser, error)
}

// Options wires a Controller.
type Options struct {
	Key        string
	Greeting   string
	Collection string
	HideDelay  time.Duration
	Store      DocumentStore
	Updates    UpdateQueue
	Source     Source
	Identities IdentitySource
	Logger     *slog.Logger
	// OnChange receives a snapshot after every state transition.
	OnChange func(Snapshot)
	Now      func() time.Time
}

// Controller owns the displayed transcript of one browser session and keeps it in sync
// with the conversation store.
type Controller struct {
	mu         sync.Mutex
	key        string
	greeting   string
	collection string
	transcript Transcript
	mode       Mode
	sending    bool
	cancelSend context.CancelFunc
	// gen changes on every transition that abandons an in-flight send
	gen uint64

	store     DocumentStore
	updates   UpdateQueue
	source    Source
	directory *Directory
	watcher   *Watcher
	panel     *HistoryPanel
	logger    *slog.Logger
	onChange  func(Snapshot)
	now       func() time.Time
}

func NewController(opts Options) (*Controller, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("store is required")
	case opts.Updates == nil:
		return nil, errors.New("update queue is required")
	case opts.Source == nil:
		return nil, errors.New("reply source is required")
	case opts.Identities == nil:
		return nil, errors.New("identity source is required")
	}
	if opts.Greeting == "" {
		opts.Greeting = config.DefaultGreeting
	}
	if opts.Collection == "" {
		opts.Collection = "conversations"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger.With("session", opts.Key)
	c := &Controller{
		key:        opts.Key,
		greeting:   opts.Greeting,
		collection: opts.Collection,
		transcript: NewTranscript(opts.Greeting),
		mode:       NewChat(),
		store:      opts.Store,
		updates:    opts.Updates,
		source:     opts.Source,
		directory:  NewDirectory(opts.Store, opts.Collection, logger),
		watcher:    NewWatcher(opts.Identities, opts.Key),
		logger:     logger,
		onChange:   opts.OnChange,
		now:        opts.Now,
	}
	c.panel = NewHistoryPanel(opts.HideDelay, c.notify)
	return c, nil
}

// Start subscribes to identity changes of the session.
func (c *Controller) Start() {
	c.watcher.Start(c.onIdentity)
}

// Close stops watching identities and abandons any in-flight send.
func (c *Controller) Close() {
	c.watcher.Stop()
	c.mu.Lock()
	c.interruptLocked()
	c.mu.Unlock()
	c.panel.Hide()
}

// Send appends the user message and a reply placeholder, persists the conversation for
// signed-in users, and streams the reply into the placeholder. onDelta observes every
// fragment. It returns the full reply text.
func (c *Controller) Send(ctx context.Context, content string, onDelta func(string) error) (string, error) {
	if strings.TrimSpace(content) == "" {
		return "", ErrEmptyMessage
	}

	c.mu.Lock()
	if c.sending || !c.mode.InputEnabled() {
		c.mu.Unlock()
		return "", ErrInputDisabled
	}
	identity := c.watcher.Identity()
	request := c.transcript.Append(models.Message{Role: models.RoleUser, Content: content})
	local := request.Append(models.Message{Role: models.RoleAssistant})
	c.transcript = local
	c.sending = true
	c.gen++
	gen := c.gen
	mode := c.mode
	sendCtx, cancel := context.WithCancel(ctx)
	c.cancelSend = cancel
	c.mu.Unlock()
	c.notify()

	defer func() {
		cancel()
		c.mu.Lock()
		if c.gen == gen {
			c.sending = false
			c.cancelSend = nil
		}
		c.mu.Unlock()
		c.notify()
	}()

	convID := ""
	if identity.SignedIn() {
		convID = c.persistStart(sendCtx, gen, mode, identity, local)
	}
	if convID != "" {
		// interrupted and failed sends settle too, keeping their partial reply
		defer func() { c.settle(ctx, convID, identity, local) }()
	}

	body, err := c.source.Open(sendCtx, request.Messages())
	if err != nil {
		c.logger.Warn("open reply stream failed", "err", err)
		return "", apperrors.NewStreamError(err)
	}
	defer body.Close()

	full, err := Ingest(sendCtx, body, func(delta string) error {
		local = local.AppendToLast(delta)
		c.mu.Lock()
		if c.gen == gen {
			c.transcript = local
		}
		c.mu.Unlock()
		if convID != "" {
			c.enqueue(convID, identity, local)
		}
		if onDelta != nil {
			return onDelta(delta)
		}
		return nil
	})
	if err != nil {
		if c.abandoned(gen) {
			c.logger.Info("send interrupted", "conversation", convID, "received", len(full))
			return full, ErrSendInterrupted
		}
		c.logger.Warn("reply stream failed", "conversation", convID, "received", len(full), "err", err)
		return full, err
	}
	return full, nil
}

// settle issues the last write of a send, waits for it, and updates the history entry.
func (c *Controller) settle(ctx context.Context, convID string, identity models.Identity, local Transcript) {
	conv, queueErr := c.enqueue(convID, identity, local)
	drainCtx, done := context.WithTimeout(context.WithoutCancel(ctx), drainTimeout)
	defer done()
	if err := c.updates.Drain(drainCtx, convID); err != nil {
		c.logger.Warn("final conversation write still pending", "conversation", convID, "err", err)
	}
	if queueErr != nil {
		// earlier writes are done, so writing directly still lands last
		if err := c.store.Update(drainCtx, c.collection, convID, conv); err != nil {
			c.logger.Warn("final conversation write failed", "conversation", convID, "err", err)
		}
	}
	c.directory.Refresh(conv)
}

// persistStart writes the conversation before the reply starts and returns the id every
// later write targets. Failures leave the send unpersisted.
func (c *Controller) persistStart(ctx context.Context, gen uint64, mode Mode, identity models.Identity, local Transcript) string {
	if mode.Kind == ModeContinuing {
		c.enqueue(mode.ConversationID, identity, local)
		return mode.ConversationID
	}
	conv := models.Conversation{
		Owner:     identity.UserID,
		Messages:  local.Messages(),
		Timestamp: c.now().UTC(),
	}
	id, err := c.store.Create(ctx, c.collection, conv)
	if err != nil {
		c.logger.Warn("create conversation failed", "err", err)
		return ""
	}
	conv.ID = id
	c.mu.Lock()
	if c.gen == gen {
		c.mode = Continuing(id)
	}
	c.mu.Unlock()
	c.directory.Prepend(conv)
	c.notify()
	return id
}

func (c *Controller) abandoned(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen != gen
}

func (c *Controller) enqueue(id string, identity models.Identity, local Transcript) (models.Conversation, error) {
	conv := models.Conversation{
		ID:        id,
		Owner:     identity.UserID,
		Messages:  local.Messages(),
		Timestamp: c.now().UTC(),
	}
	err := c.updates.Enqueue(conv)
	if err != nil {
		c.logger.Warn("queue conversation update failed", "conversation", id, "err", err)
	}
	return conv, err
}

// NewChat resets to a fresh transcript holding only the greeting.
func (c *Controller) NewChat() {
	c.mu.Lock()
	c.resetLocked()
	c.mu.Unlock()
	c.notify()
}

// ViewConversation shows a stored conversation read-only.
func (c *Controller) ViewConversation(id string) error {
	conv, ok := c.directory.Get(id)
	if !ok {
		return ErrUnknownConversation
	}
	c.mu.Lock()
	c.interruptLocked()
	c.mode = ViewingHistory(id)
	c.transcript = Transcript(conv.Messages).Clone()
	c.panel.Select(id)
	c.mu.Unlock()
	c.notify()
	return nil
}

// ToggleHistory opens or starts closing the history panel.
func (c *Controller) ToggleHistory() {
	c.panel.Toggle()
	c.notify()
}

func (c *Controller) onIdentity(prev, next models.Identity) {
	c.logger.Info("identity changed", "signed_in", next.SignedIn())
	if prev.UserID != next.UserID {
		c.mu.Lock()
		c.resetLocked()
		c.mu.Unlock()
	}
	if next.SignedIn() {
		c.directory.Load(context.Background(), next)
	} else {
		c.directory.Clear()
		c.panel.Hide()
	}
	c.notify()
}

func (c *Controller) resetLocked() {
	c.interruptLocked()
	c.mode = NewChat()
	c.transcript = NewTranscript(c.greeting)
	c.panel.Deselect()
}

// interruptLocked abandons the in-flight send, if any. Its stream stops and its late
// fragments no longer reach the displayed transcript.
func (c *Controller) interruptLocked() {
	c.gen++
	if c.sending {
		c.sending = false
		if c.cancelSend != nil {
			c.cancelSend()
			c.cancelSend = nil
		}
	}
}

// Sending reports whether a send is in flight.
func (c *Controller) Sending() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sending
}

// Identity returns the current identity of the session.
func (c *Controller) Identity() models.Identity {
	return c.watcher.Identity()
}

// Directory exposes the session's conversation list.
func (c *Controller) Directory() *Directory {
	return c.directory
}

// HistoryItem is one row of the history panel.
type HistoryItem struct {
	ID        string    `json:"id"`
	Preview   string    `json:"preview"`
	Timestamp time.Time `json:"timestamp"`
	Selected  bool      `json:"selected"`
}

// HistoryView is the history panel as the page renders it.
type HistoryView struct {
	Visible bool          `json:"visible"`
	Closing bool          `json:"closing"`
	Items   []HistoryItem `json:"items"`
}

// Snapshot is the renderable state of the session.
type Snapshot struct {
	Mode           string           `json:"mode"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Messages       []models.Message `json:"messages"`
	InputEnabled   bool             `json:"input_enabled"`
	Sending        bool             `json:"sending"`
	Identity       models.Identity  `json:"identity"`
	History        HistoryView      `json:"history"`
}

// Snapshot captures the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	snap := Snapshot{
		Mode:           c.mode.Kind.String(),
		ConversationID: c.mode.ConversationID,
		Messages:       c.transcript.Messages(),
		InputEnabled:   c.mode.InputEnabled() && !c.sending,
		Sending:        c.sending,
	}
	c.mu.Unlock()

	identity := c.watcher.Identity()
	snap.Identity = identity
	snap.History.Items = []HistoryItem{}
	if !identity.SignedIn() {
		return snap
	}
	visible, closing := c.panel.State()
	snap.History.Visible = visible
	snap.History.Closing = closing
	selected := c.panel.Selected()
	for _, conv := range c.directory.List() {
		snap.History.Items = append(snap.History.Items, HistoryItem{
			ID:        conv.ID,
			Preview:   preview(conv.Messages),
			Timestamp: conv.Timestamp,
			Selected:  conv.ID == selected,
		})
	}
	return snap
}

func (c *Controller) notify() {
	if c.onChange != nil {
		c.onChange(c.Snapshot())
	}
}

func preview(msgs []models.Message) string {
	if len(msgs) == 0 {
		return "..."
	}
	runes := []rune(msgs[len(msgs)-1].Content)
	if len(runes) > previewLength {
		runes = runes[:previewLength]
	}
	return string(runes) + "..."
}
