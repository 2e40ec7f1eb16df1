package session

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "supportchat/internal/errors"
	"supportchat/internal/models"
)

func TestStartsInNewChatWithGreeting(t *testing.T) {
	h := newHarness(t, newScriptedSource())
	snap := h.ctrl.Snapshot()
	assert.Equal(t, "new_chat", snap.Mode)
	assert.True(t, snap.InputEnabled)
	assert.Equal(t, []models.Message{{Role: models.RoleAssistant, Content: testGreeting}}, snap.Messages)
}

func TestSendAnonymousStreamsWithoutPersisting(t *testing.T) {
	h := newHarness(t, newScriptedSource(step{data: "Hel"}, step{data: "lo "}, step{data: "world"}))

	var deltas []string
	full, err := h.ctrl.Send(context.Background(), "hi", func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", full)
	assert.Equal(t, full, strings.Join(deltas, ""))

	snap := h.ctrl.Snapshot()
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, models.Message{Role: models.RoleUser, Content: "hi"}, snap.Messages[1])
	assert.Equal(t, models.Message{Role: models.RoleAssistant, Content: "Hello world"}, snap.Messages[2])
	assert.Equal(t, "new_chat", snap.Mode)
	assert.False(t, snap.Sending)
	assert.True(t, snap.InputEnabled)

	assert.Empty(t, h.store.creates)
	assert.Empty(t, h.queue.history())
	assert.Empty(t, snap.History.Items)
}

func TestSendRequestExcludesPlaceholder(t *testing.T) {
	h := newHarness(t, newScriptedSource(step{data: "ok"}))
	_, err := h.ctrl.Send(context.Background(), "question", nil)
	require.NoError(t, err)
	require.Len(t, h.source.requests, 1)
	assert.Equal(t, []models.Message{
		{Role: models.RoleAssistant, Content: testGreeting},
		{Role: models.RoleUser, Content: "question"},
	}, h.source.requests[0])
}

func TestSendDecodesMultiByteAcrossChunks(t *testing.T) {
	text := "héllo 🙂 wörld"
	raw := []byte(text)
	// split inside the two-byte é and inside the four-byte emoji
	emoji := strings.Index(text, "🙂")
	steps := []step{
		{data: string(raw[:2])},
		{data: string(raw[2:emoji+2])},
		{data: string(raw[emoji+2:])},
	}
	h := newHarness(t, newScriptedSource(steps...))

	var deltas []string
	full, err := h.ctrl.Send(context.Background(), "hi", func(d string) error {
		deltas = append(deltas, d)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, text, full)
	assert.Equal(t, text, strings.Join(deltas, ""))
	assert.Equal(t, text, h.lastContent())
}

func TestSendEmptyIsNoop(t *testing.T) {
	h := newHarness(t, newScriptedSource(step{data: "x"}))
	before := h.ctrl.Snapshot()
	for _, content := range []string{"", "   ", "\n\t"} {
		_, err := h.ctrl.Send(context.Background(), content, nil)
		assert.ErrorIs(t, err, ErrEmptyMessage)
	}
	assert.Equal(t, before, h.ctrl.Snapshot())
	assert.Zero(t, h.source.opened())
}

func TestSendSignedInCreatesThenUpdates(t *testing.T) {
	h := newHarness(t, newScriptedSource(step{data: "Hello"}, step{data: "!"}))
	h.signIn(alice)

	full, err := h.ctrl.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	require.Equal(t, "Hello!", full)

	require.Len(t, h.store.creates, 1)
	created := h.store.creates[0]
	assert.Equal(t, "conv-1", created.ID)
	assert.Equal(t, alice.UserID, created.Owner)
	assert.Equal(t, []models.Message{
		{Role: models.RoleAssistant, Content: testGreeting},
		{Role: models.RoleUser, Content: "hi"},
		{Role: models.RoleAssistant, Content: ""},
	}, created.Messages)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, "continuing", snap.Mode)
	assert.Equal(t, "conv-1", snap.ConversationID)
	require.NotEmpty(t, snap.History.Items)
	assert.Equal(t, "conv-1", snap.History.Items[0].ID)

	updates := h.queue.history()
	require.Len(t, updates, 3, "one write per delta plus the final write")
	for _, u := range updates {
		assert.Equal(t, "conv-1", u.ID)
	}
	assert.Equal(t, "Hello", updates[0].Messages[2].Content)
	assert.Equal(t, "Hello!", updates[2].Messages[2].Content)
	assert.Equal(t, []string{"conv-1"}, h.queue.drained)

	stored, ok := h.store.doc("conv-1")
	require.True(t, ok)
	assert.Equal(t, "Hello!", stored.Messages[2].Content)
}

func TestSendContinuingUpdatesSameConversation(t *testing.T) {
	h := newHarness(t, newScriptedSource(step{data: "one"}))
	h.signIn(alice)
	_, err := h.ctrl.Send(context.Background(), "first", nil)
	require.NoError(t, err)

	h.source.steps = make(chan step, 1)
	h.source.steps <- step{data: "two"}
	close(h.source.steps)
	_, err = h.ctrl.Send(context.Background(), "second", nil)
	require.NoError(t, err)

	assert.Len(t, h.store.creates, 1)
	stored, _ := h.store.doc("conv-1")
	require.Len(t, stored.Messages, 5)
	assert.Equal(t, "two", stored.Messages[4].Content)
	assert.Equal(t, 1, h.ctrl.Directory().Len())
}

func TestSendCreateFailureStillStreams(t *testing.T) {
	h := newHarness(t, newScriptedSource(step{data: "reply"}))
	h.signIn(alice)
	h.store.createErr = apperrors.NewStoreError("create", "conversations", "", errors.New("offline"))

	full, err := h.ctrl.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "reply", full)
	assert.Equal(t, "new_chat", h.ctrl.Snapshot().Mode)
	assert.Empty(t, h.queue.history())
}

func TestFinalWriteGoesDirectWhenQueueRefuses(t *testing.T) {
	h := newHarness(t, newScriptedSource(step{data: "all "}, step{data: "done"}))
	h.signIn(alice)
	h.queue.reject = errors.New("queue full")

	full, err := h.ctrl.Send(context.Background(), "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "all done", full)
	assert.Empty(t, h.queue.history())

	stored, ok := h.store.doc("conv-1")
	require.True(t, ok)
	assert.Equal(t, "all done", stored.Messages[2].Content)
}

func TestStreamErrorKeepsPartialAndReenablesInput(t *testing.T) {
	boom := errors.New("connection reset")
	h := newHarness(t, newScriptedSource(step{data: "partial"}, step{err: boom}))
	h.signIn(alice)

	full, err := h.ctrl.Send(context.Background(), "hi", nil)
	require.Error(t, err)
	assert.True(t, apperrors.IsStreamError(err))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "partial", full)

	snap := h.ctrl.Snapshot()
	require.Len(t, snap.Messages, 3)
	assert.Equal(t, testGreeting, snap.Messages[0].Content)
	assert.Equal(t, "hi", snap.Messages[1].Content)
	assert.Equal(t, "partial", snap.Messages[2].Content)
	assert.False(t, snap.Sending)
	assert.True(t, snap.InputEnabled)

	stored, _ := h.store.doc("conv-1")
	assert.Equal(t, "partial", stored.Messages[2].Content)
}

func TestOpenFailureIsStreamError(t *testing.T) {
	source := newScriptedSource()
	source.openErr = errors.New("dial tcp: refused")
	h := newHarness(t, source)

	_, err := h.ctrl.Send(context.Background(), "hi", nil)
	assert.ErrorIs(t, err, apperrors.ErrStream)
	assert.True(t, h.ctrl.Snapshot().InputEnabled)
	assert.Len(t, h.ctrl.Snapshot().Messages, 3)
}

func TestSendRejectedWhileInFlight(t *testing.T) {
	source := newLiveSource()
	h := newHarness(t, source)

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Send(context.Background(), "first", nil)
		done <- err
	}()
	require.Eventually(t, func() bool { return h.ctrl.Sending() }, time.Second, time.Millisecond)

	snap := h.ctrl.Snapshot()
	assert.False(t, snap.InputEnabled)
	_, err := h.ctrl.Send(context.Background(), "second", nil)
	assert.ErrorIs(t, err, ErrInputDisabled)

	close(source.steps)
	require.NoError(t, <-done)
	assert.Len(t, h.ctrl.Snapshot().Messages, 3)
}

func TestViewHistoryDisablesInputAndNewChatResets(t *testing.T) {
	older := models.Conversation{
		ID:        "old",
		Owner:     alice.UserID,
		Messages:  []models.Message{{Role: models.RoleUser, Content: "where is my order?"}, {Role: models.RoleAssistant, Content: "shipped"}},
		Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	h := newHarness(t, newScriptedSource(step{data: "x"}), older)
	h.signIn(alice)

	require.NoError(t, h.ctrl.ViewConversation("old"))
	snap := h.ctrl.Snapshot()
	assert.Equal(t, "viewing_history", snap.Mode)
	assert.False(t, snap.InputEnabled)
	assert.Equal(t, older.Messages, snap.Messages)
	require.Len(t, snap.History.Items, 1)
	assert.True(t, snap.History.Items[0].Selected)

	_, err := h.ctrl.Send(context.Background(), "more", nil)
	assert.ErrorIs(t, err, ErrInputDisabled)
	assert.Zero(t, h.source.opened())

	h.ctrl.NewChat()
	snap = h.ctrl.Snapshot()
	assert.Equal(t, "new_chat", snap.Mode)
	assert.True(t, snap.InputEnabled)
	assert.Equal(t, []models.Message{{Role: models.RoleAssistant, Content: testGreeting}}, snap.Messages)
	assert.False(t, snap.History.Items[0].Selected)

	assert.ErrorIs(t, h.ctrl.ViewConversation("missing"), ErrUnknownConversation)
}

func TestNewChatInterruptsInFlightSend(t *testing.T) {
	source := newLiveSource()
	h := newHarness(t, source)
	h.signIn(alice)

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Send(context.Background(), "hi", nil)
		done <- err
	}()
	source.steps <- step{data: "part"}
	require.Eventually(t, func() bool { return h.lastContent() == "part" }, time.Second, time.Millisecond)

	h.ctrl.NewChat()
	assert.ErrorIs(t, <-done, ErrSendInterrupted)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, "new_chat", snap.Mode)
	assert.True(t, snap.InputEnabled)
	assert.Equal(t, []models.Message{{Role: models.RoleAssistant, Content: testGreeting}}, snap.Messages)

	stored, ok := h.store.doc("conv-1")
	require.True(t, ok)
	assert.Equal(t, "part", stored.Messages[2].Content, "partial reply persisted to its own conversation")
}

func TestInterruptedSendRefreshesHistoryEntry(t *testing.T) {
	source := newLiveSource()
	h := newHarness(t, source)
	h.signIn(alice)

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Send(context.Background(), "first", nil)
		done <- err
	}()
	source.steps <- step{data: "answer one"}
	source.steps <- step{err: io.EOF}
	require.NoError(t, <-done)

	go func() {
		_, err := h.ctrl.Send(context.Background(), "second", nil)
		done <- err
	}()
	source.steps <- step{data: "partial two"}
	require.Eventually(t, func() bool { return h.lastContent() == "partial two" }, time.Second, time.Millisecond)
	h.ctrl.NewChat()
	assert.ErrorIs(t, <-done, ErrSendInterrupted)

	stored, ok := h.store.doc("conv-1")
	require.True(t, ok)
	listed, ok := h.ctrl.Directory().Get("conv-1")
	require.True(t, ok)
	assert.Equal(t, stored.Messages, listed.Messages)
	require.Len(t, listed.Messages, 5)
	assert.Equal(t, "partial two", listed.Messages[4].Content)
}

func TestStreamErrorRefreshesHistoryEntry(t *testing.T) {
	h := newHarness(t, newScriptedSource(step{data: "half"}, step{err: errors.New("reset")}))
	h.signIn(alice)

	_, err := h.ctrl.Send(context.Background(), "hi", nil)
	require.Error(t, err)
	listed, ok := h.ctrl.Directory().Get("conv-1")
	require.True(t, ok)
	assert.Equal(t, "half", listed.Messages[2].Content)
	assert.Equal(t, []string{"conv-1"}, h.queue.drained)
}

func TestStrayDeltaDoesNotClobberViewedConversation(t *testing.T) {
	viewed := models.Conversation{
		ID:        "viewed",
		Owner:     alice.UserID,
		Messages:  []models.Message{{Role: models.RoleUser, Content: "old question"}},
		Timestamp: time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC),
	}
	source := newLiveSource()
	h := newHarness(t, source, viewed)
	h.signIn(alice)

	done := make(chan error, 1)
	go func() {
		_, err := h.ctrl.Send(context.Background(), "hi", nil)
		done <- err
	}()
	source.steps <- step{data: "first"}
	// the switch lands while the next chunk is already on its way
	source.steps <- step{data: " late", before: func() {
		assert.NoError(t, h.ctrl.ViewConversation("viewed"))
	}}
	assert.ErrorIs(t, <-done, ErrSendInterrupted)

	snap := h.ctrl.Snapshot()
	assert.Equal(t, "viewing_history", snap.Mode)
	assert.Equal(t, viewed.Messages, snap.Messages)

	stored, _ := h.store.doc("conv-1")
	assert.Equal(t, "first late", stored.Messages[2].Content)
	untouched, _ := h.store.doc("viewed")
	assert.Equal(t, viewed.Messages, untouched.Messages)
}

func TestIdentityChangeReloadsDirectory(t *testing.T) {
	mine := models.Conversation{ID: "a", Owner: alice.UserID, Messages: []models.Message{{Role: models.RoleUser, Content: "mine"}}, Timestamp: time.Unix(10, 0)}
	theirs := models.Conversation{ID: "b", Owner: "2", Messages: []models.Message{{Role: models.RoleUser, Content: "theirs"}}, Timestamp: time.Unix(20, 0)}
	h := newHarness(t, newScriptedSource(), mine, theirs)

	snap := h.ctrl.Snapshot()
	assert.Empty(t, snap.History.Items)

	h.signIn(alice)
	h.ctrl.ToggleHistory()
	snap = h.ctrl.Snapshot()
	require.Len(t, snap.History.Items, 1)
	assert.Equal(t, "a", snap.History.Items[0].ID)
	assert.True(t, snap.History.Visible)
	assert.Equal(t, alice, snap.Identity)

	require.NoError(t, h.ctrl.ViewConversation("a"))
	h.signIn(models.Anonymous())
	snap = h.ctrl.Snapshot()
	assert.Empty(t, snap.History.Items)
	assert.False(t, snap.History.Visible)
	assert.Equal(t, "new_chat", snap.Mode)
	assert.Len(t, snap.Messages, 1)
}

func TestPreviewTruncatesLastMessage(t *testing.T) {
	long := strings.Repeat("ä", 60)
	assert.Equal(t, strings.Repeat("ä", 50)+"...", preview([]models.Message{{Content: "x"}, {Content: long}}))
	assert.Equal(t, "short...", preview([]models.Message{{Content: "short"}}))
	assert.Equal(t, "...", preview(nil))
}

func TestOnChangeReceivesTransitions(t *testing.T) {
	h := newHarness(t, newScriptedSource(step{data: "x"}))
	_, err := h.ctrl.Send(context.Background(), "hi", nil)
	require.NoError(t, err)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.GreaterOrEqual(t, len(h.snapshots), 2)
	assert.True(t, h.snapshots[0].Sending)
	assert.False(t, h.snapshots[len(h.snapshots)-1].Sending)
}

func TestNewControllerValidatesOptions(t *testing.T) {
	_, err := NewController(Options{})
	assert.Error(t, err)
}

var _ io.ReadCloser = (*scriptedBody)(nil)
