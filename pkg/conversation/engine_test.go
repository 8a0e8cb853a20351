package conversation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/jsontime"

	"github.com/parley-im/parley-go/pkg/conversation"
	"github.com/parley-im/parley-go/pkg/gateway"
	"github.com/parley-im/parley-go/pkg/types"
)

type stubAPI struct {
	mu sync.Mutex

	sendFunc     func(ctx context.Context, chatID string, payload gateway.SendMessageRequest) (*types.Message, error)
	messagesFunc func(ctx context.Context, chatID string, limit int) ([]types.Message, error)

	sent        []gateway.SendMessageRequest
	edits       []int64
	deletes     []int64
	reactionErr error
	added       []string
	removed     []string
	readUpTo    []int64
}

func (s *stubAPI) Messages(ctx context.Context, chatID string, limit int) ([]types.Message, error) {
	if s.messagesFunc != nil {
		return s.messagesFunc(ctx, chatID, limit)
	}
	return nil, nil
}

func (s *stubAPI) SendMessage(ctx context.Context, chatID string, payload gateway.SendMessageRequest) (*types.Message, error) {
	s.mu.Lock()
	s.sent = append(s.sent, payload)
	s.mu.Unlock()
	if s.sendFunc != nil {
		return s.sendFunc(ctx, chatID, payload)
	}
	return nil, nil
}

func (s *stubAPI) EditMessage(_ context.Context, messageID int64, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.edits = append(s.edits, messageID)
	return nil
}

func (s *stubAPI) DeleteMessage(_ context.Context, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, messageID)
	return nil
}

func (s *stubAPI) AddReaction(_ context.Context, _ int64, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactionErr != nil {
		return s.reactionErr
	}
	s.added = append(s.added, emoji)
	return nil
}

func (s *stubAPI) RemoveReaction(_ context.Context, _ int64, emoji string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reactionErr != nil {
		return s.reactionErr
	}
	s.removed = append(s.removed, emoji)
	return nil
}

func (s *stubAPI) MarkRead(_ context.Context, _ string, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readUpTo = append(s.readUpTo, messageID)
	return nil
}

func (s *stubAPI) lastNonce() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return ""
	}
	return s.sent[len(s.sent)-1].Nonce
}

type stubRooms struct {
	mu          sync.Mutex
	joins       []string
	leaves      []string
	stopTypings []string
}

func (s *stubRooms) JoinChat(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.joins = append(s.joins, chatID)
	return nil
}

func (s *stubRooms) LeaveChat(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaves = append(s.leaves, chatID)
	return nil
}

func (s *stubRooms) StopTyping(chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopTypings = append(s.stopTypings, chatID)
	return nil
}

func newTestEngine(api *stubAPI, rooms *stubRooms, mutate ...func(*conversation.Config)) *conversation.Engine {
	cfg := conversation.Config{
		ChatID: "general",
		SelfID: "alice",
		API:    api,
		Rooms:  rooms,
	}
	for _, fn := range mutate {
		fn(&cfg)
	}
	return conversation.NewEngine(cfg)
}

func confirmed(id int64, sender, body string) *types.Message {
	return &types.Message{
		ID:          id,
		ChatID:      "general",
		SenderID:    sender,
		Body:        body,
		ContentType: types.ContentTypeText,
		SentAt:      jsontime.UM(time.Now()),
	}
}

func TestSendConfirmDeleteScenario(t *testing.T) {
	ctx := context.Background()
	api := &stubAPI{}
	rooms := &stubRooms{}
	engine := newTestEngine(api, rooms)

	require.NoError(t, engine.SendMessage(ctx, "hello", types.ContentTypeText, nil, 0))
	view := engine.Snapshot()
	require.Len(t, view, 1)
	assert.True(t, view[0].Pending)
	assert.Equal(t, "hello", view[0].Body)
	nonce := api.lastNonce()
	require.NotEmpty(t, nonce)
	// Sending implies the local user stopped typing.
	assert.Equal(t, []string{"general"}, rooms.stopTypings)

	event := confirmed(501, "alice", "hello")
	event.Nonce = nonce
	engine.HandleMessage(ctx, event)

	view = engine.Snapshot()
	require.Len(t, view, 1)
	assert.False(t, view[0].Pending)
	assert.EqualValues(t, 501, view[0].ID)

	engine.HandleDeleted(ctx, &types.MessageDelete{
		ChatID:    "general",
		MessageID: 501,
		DeletedAt: jsontime.UM(time.Now()),
	})
	view = engine.Snapshot()
	require.Len(t, view, 1)
	assert.EqualValues(t, 501, view[0].ID)
	assert.True(t, view[0].Deleted())
	assert.Empty(t, view[0].Body)
}

func TestSendFailureRollsBackOptimisticInsert(t *testing.T) {
	api := &stubAPI{
		sendFunc: func(context.Context, string, gateway.SendMessageRequest) (*types.Message, error) {
			return nil, errors.New("network down")
		},
	}
	engine := newTestEngine(api, &stubRooms{})

	err := engine.SendMessage(context.Background(), "hello", types.ContentTypeText, nil, 0)
	assert.ErrorContains(t, err, "network down")
	assert.Empty(t, engine.Snapshot())
}

func TestNoDuplicateConfirmation(t *testing.T) {
	ctx := context.Background()
	api := &stubAPI{}
	engine := newTestEngine(api, &stubRooms{})

	require.NoError(t, engine.SendMessage(ctx, "hello", types.ContentTypeText, nil, 0))
	event := confirmed(501, "alice", "hello")
	event.Nonce = api.lastNonce()

	for n := 0; n < 3; n++ {
		engine.HandleMessage(ctx, event)
	}

	view := engine.Snapshot()
	require.Len(t, view, 1)
	assert.EqualValues(t, 501, view[0].ID)
	assert.False(t, view[0].Pending)
}

func TestOutOfOrderConfirmationKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	api := &stubAPI{}
	engine := newTestEngine(api, &stubRooms{})

	require.NoError(t, engine.SendMessage(ctx, "first", types.ContentTypeText, nil, 0))
	nonceA := api.lastNonce()
	require.NoError(t, engine.SendMessage(ctx, "second", types.ContentTypeText, nil, 0))
	nonceB := api.lastNonce()

	// B confirms before A.
	eventB := confirmed(502, "alice", "second")
	eventB.Nonce = nonceB
	engine.HandleMessage(ctx, eventB)
	eventA := confirmed(501, "alice", "first")
	eventA.Nonce = nonceA
	engine.HandleMessage(ctx, eventA)

	view := engine.Snapshot()
	require.Len(t, view, 2)
	assert.Equal(t, "first", view[0].Body)
	assert.EqualValues(t, 501, view[0].ID)
	assert.Equal(t, "second", view[1].Body)
	assert.EqualValues(t, 502, view[1].ID)
}

func TestHeuristicMatchWithoutNonce(t *testing.T) {
	ctx := context.Background()
	api := &stubAPI{}
	engine := newTestEngine(api, &stubRooms{})

	require.NoError(t, engine.SendMessage(ctx, "hello", types.ContentTypeText, nil, 0))
	// The delivery path did not echo the nonce.
	engine.HandleMessage(ctx, confirmed(501, "alice", "hello"))

	view := engine.Snapshot()
	require.Len(t, view, 1)
	assert.EqualValues(t, 501, view[0].ID)
	assert.False(t, view[0].Pending)
}

func TestForeignMessageAppends(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(&stubAPI{}, &stubRooms{})

	engine.HandleMessage(ctx, confirmed(501, "bob", "hi"))
	engine.HandleMessage(ctx, confirmed(502, "bob", "there"))
	// Events for other conversations are ignored.
	other := confirmed(503, "bob", "elsewhere")
	other.ChatID = "random"
	engine.HandleMessage(ctx, other)

	view := engine.Snapshot()
	require.Len(t, view, 2)
	assert.Equal(t, "hi", view[0].Body)
	assert.Equal(t, "there", view[1].Body)
}

func TestEditIsNeverOptimistic(t *testing.T) {
	ctx := context.Background()
	api := &stubAPI{}
	engine := newTestEngine(api, &stubRooms{})
	engine.HandleMessage(ctx, confirmed(501, "alice", "helo"))

	require.NoError(t, engine.EditMessage(ctx, 501, "hello"))
	assert.Equal(t, []int64{501}, api.edits)
	// Still the old body until the event lands.
	assert.Equal(t, "helo", engine.Snapshot()[0].Body)

	engine.HandleEdited(ctx, &types.MessageEdit{
		ChatID:    "general",
		MessageID: 501,
		Body:      "hello",
		EditedAt:  jsontime.UM(time.Now()),
	})
	view := engine.Snapshot()
	assert.Equal(t, "hello", view[0].Body)
	assert.False(t, view[0].EditedAt.IsZero())
}

func TestOperationsOnPendingMessagesAreRejected(t *testing.T) {
	ctx := context.Background()
	api := &stubAPI{}
	engine := newTestEngine(api, &stubRooms{})
	require.NoError(t, engine.SendMessage(ctx, "hello", types.ContentTypeText, nil, 0))
	pendingID := engine.Snapshot()[0].ID

	assert.Error(t, engine.EditMessage(ctx, pendingID, "nope"))
	assert.Error(t, engine.DeleteMessage(ctx, pendingID))
	assert.Error(t, engine.ToggleReaction(ctx, pendingID, "👍"))
	assert.Empty(t, api.edits)
	assert.Empty(t, api.deletes)
}

func TestReadReceiptIsCumulative(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(&stubAPI{}, &stubRooms{})
	engine.HandleMessage(ctx, confirmed(501, "alice", "one"))
	engine.HandleMessage(ctx, confirmed(502, "alice", "two"))
	engine.HandleMessage(ctx, confirmed(503, "alice", "three"))

	engine.HandleRead(ctx, &types.ReadReceipt{
		ChatID:    "general",
		MessageID: 502,
		UserID:    "bob",
		ReadAt:    jsontime.UM(time.Now()),
	})

	view := engine.Snapshot()
	assert.False(t, view[0].ReadAt.IsZero())
	assert.False(t, view[1].ReadAt.IsZero())
	assert.True(t, view[2].ReadAt.IsZero())
}

func TestReactionOptimisticThenAuthoritative(t *testing.T) {
	ctx := context.Background()
	api := &stubAPI{}
	engine := newTestEngine(api, &stubRooms{})
	engine.HandleMessage(ctx, confirmed(501, "bob", "hi"))

	require.NoError(t, engine.ToggleReaction(ctx, 501, "👍"))
	view := engine.Snapshot()
	require.Len(t, view[0].Reactions, 1)
	assert.Equal(t, types.Reaction{Emoji: "👍", UserID: "alice"}, view[0].Reactions[0])
	assert.Equal(t, []string{"👍"}, api.added)

	// Another client won the race; the server's set is authoritative.
	engine.HandleReactions(ctx, &types.ReactionUpdate{
		ChatID:    "general",
		MessageID: 501,
		Reactions: []types.Reaction{{Emoji: "🎉", UserID: "carol"}},
	})
	view = engine.Snapshot()
	require.Len(t, view[0].Reactions, 1)
	assert.Equal(t, "🎉", view[0].Reactions[0].Emoji)

	// Toggling off a reaction that is no longer ours adds, not removes.
	require.NoError(t, engine.ToggleReaction(ctx, 501, "🎉"))
	assert.Len(t, engine.Snapshot()[0].Reactions, 2)
}

func TestReactionFailureRevertsSilently(t *testing.T) {
	ctx := context.Background()
	api := &stubAPI{reactionErr: errors.New("boom")}
	engine := newTestEngine(api, &stubRooms{})
	engine.HandleMessage(ctx, confirmed(501, "bob", "hi"))

	err := engine.ToggleReaction(ctx, 501, "👍")
	assert.ErrorContains(t, err, "boom")
	assert.Empty(t, engine.Snapshot()[0].Reactions)
}

func TestTypingTTL(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(&stubAPI{}, &stubRooms{}, func(cfg *conversation.Config) {
		cfg.TypingTTL = 300 * time.Millisecond
	})

	engine.HandleTyping(ctx, &types.TypingIndicator{ChatID: "general", UserID: "bob", DisplayName: "Bob"})
	require.Len(t, engine.TypingUsers(), 1)
	assert.Equal(t, "Bob", engine.TypingUsers()[0].DisplayName)

	// A repeat event restarts the TTL instead of duplicating the entry.
	time.Sleep(200 * time.Millisecond)
	engine.HandleTyping(ctx, &types.TypingIndicator{ChatID: "general", UserID: "bob", DisplayName: "Bob"})
	time.Sleep(200 * time.Millisecond)
	assert.Len(t, engine.TypingUsers(), 1)

	assert.Eventually(t, func() bool {
		return len(engine.TypingUsers()) == 0
	}, 2*time.Second, 20*time.Millisecond)
}

func TestTypingRefreshBeatsExpiryRace(t *testing.T) {
	ctx := context.Background()
	var mu sync.Mutex
	updates := 0
	engine := newTestEngine(&stubAPI{}, &stubRooms{}, func(cfg *conversation.Config) {
		cfg.TypingTTL = 2 * time.Millisecond
		cfg.OnUpdate = func() {
			mu.Lock()
			updates++
			mu.Unlock()
		}
	})

	ind := &types.TypingIndicator{ChatID: "general", UserID: "bob", DisplayName: "Bob"}
	engine.HandleTyping(ctx, ind)
	require.Len(t, engine.TypingUsers(), 1)

	// Refresh faster than the TTL for long enough that expiry invocations
	// repeatedly race the refreshes. The participant must never flicker out:
	// an eviction would show up as an extra update (and a re-insert as yet
	// another) beyond the initial insert.
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		engine.HandleTyping(ctx, ind)
		require.Len(t, engine.TypingUsers(), 1)
		time.Sleep(time.Millisecond)
	}
	mu.Lock()
	assert.Equal(t, 1, updates)
	mu.Unlock()

	// Once the refreshes stop, the TTL still evicts.
	assert.Eventually(t, func() bool {
		return len(engine.TypingUsers()) == 0
	}, time.Second, 5*time.Millisecond)
}

func TestTypingStopsOnExplicitStop(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(&stubAPI{}, &stubRooms{})

	engine.HandleTyping(ctx, &types.TypingIndicator{ChatID: "general", UserID: "bob", DisplayName: "Bob"})
	require.Len(t, engine.TypingUsers(), 1)

	engine.HandleStopTyping(ctx, &types.TypingIndicator{ChatID: "general", UserID: "bob"})
	assert.Empty(t, engine.TypingUsers())
}

func TestTypingSuppressedByConfirmedMessage(t *testing.T) {
	ctx := context.Background()
	engine := newTestEngine(&stubAPI{}, &stubRooms{})

	engine.HandleTyping(ctx, &types.TypingIndicator{ChatID: "general", UserID: "bob", DisplayName: "Bob"})
	require.Len(t, engine.TypingUsers(), 1)

	engine.HandleMessage(ctx, confirmed(501, "bob", "sent it"))
	assert.Empty(t, engine.TypingUsers())
}

func TestOwnTypingEventsIgnored(t *testing.T) {
	engine := newTestEngine(&stubAPI{}, &stubRooms{})
	engine.HandleTyping(context.Background(), &types.TypingIndicator{ChatID: "general", UserID: "alice"})
	assert.Empty(t, engine.TypingUsers())
}

func TestOpenJoinsRoomAndLoadsHistory(t *testing.T) {
	api := &stubAPI{
		messagesFunc: func(context.Context, string, int) ([]types.Message, error) {
			return []types.Message{*confirmed(1, "bob", "old"), *confirmed(2, "bob", "older")}, nil
		},
	}
	rooms := &stubRooms{}
	engine := newTestEngine(api, rooms)

	require.NoError(t, engine.Open(context.Background()))
	assert.Equal(t, []string{"general"}, rooms.joins)
	assert.Len(t, engine.Snapshot(), 2)

	require.NoError(t, engine.Close())
	assert.Equal(t, []string{"general"}, rooms.leaves)
	assert.ErrorIs(t, engine.SendMessage(context.Background(), "late", types.ContentTypeText, nil, 0), conversation.ErrClosed)
}

func TestReconnectRejoinsAndKeepsPending(t *testing.T) {
	ctx := context.Background()
	release := make(chan struct{})
	api := &stubAPI{
		sendFunc: func(ctx context.Context, _ string, _ gateway.SendMessageRequest) (*types.Message, error) {
			<-release
			return nil, nil
		},
		messagesFunc: func(context.Context, string, int) ([]types.Message, error) {
			return []types.Message{*confirmed(501, "bob", "while you were away")}, nil
		},
	}
	rooms := &stubRooms{}
	engine := newTestEngine(api, rooms)

	done := make(chan error, 1)
	go func() {
		done <- engine.SendMessage(ctx, "hello", types.ContentTypeText, nil, 0)
	}()
	require.Eventually(t, func() bool {
		return len(engine.Snapshot()) == 1
	}, time.Second, 5*time.Millisecond)

	// The channel reconnected while our write was in flight.
	engine.HandleConnected(ctx)

	view := engine.Snapshot()
	require.Len(t, view, 2)
	assert.EqualValues(t, 501, view[0].ID)
	assert.True(t, view[1].Pending)
	assert.Equal(t, "hello", view[1].Body)
	assert.Equal(t, []string{"general"}, rooms.joins)

	close(release)
	require.NoError(t, <-done)
}

func TestUpdateCallbackFires(t *testing.T) {
	var updates int
	engine := newTestEngine(&stubAPI{}, &stubRooms{}, func(cfg *conversation.Config) {
		cfg.OnUpdate = func() { updates++ }
	})
	engine.HandleMessage(context.Background(), confirmed(501, "bob", "hi"))
	assert.Equal(t, 1, updates)
}
