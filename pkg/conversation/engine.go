// parley - client core for the Parley chat service.
// Copyright (C) 2026 The Parley Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package conversation reconciles locally-originated writes against
// authoritative events from the realtime channel into a single ordered view
// of one open conversation. Switching conversations means closing the old
// engine and opening a new one.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.mau.fi/util/jsontime"
	"go.mau.fi/util/random"

	"github.com/parley-im/parley-go/pkg/gateway"
	"github.com/parley-im/parley-go/pkg/types"
)

const (
	// DefaultTypingTTL is how long a participant stays in the typing set
	// without a refreshing typing event.
	DefaultTypingTTL = 3 * time.Second

	// heuristicMatchWindow bounds the fallback match between a pending send
	// and an incoming event without a nonce: same sender, same body, created
	// this recently. Two identical rapid messages from the same sender can
	// be merged by mistake; the nonce pass always runs first to keep that
	// window as narrow as possible.
	heuristicMatchWindow = 5 * time.Second

	defaultHistoryLimit = 50
)

var ErrClosed = errors.New("conversation engine is closed")

// API is the slice of the gateway the engine issues durable writes through.
type API interface {
	Messages(ctx context.Context, chatID string, limit int) ([]types.Message, error)
	SendMessage(ctx context.Context, chatID string, payload gateway.SendMessageRequest) (*types.Message, error)
	EditMessage(ctx context.Context, messageID int64, body string) error
	DeleteMessage(ctx context.Context, messageID int64) error
	AddReaction(ctx context.Context, messageID int64, emoji string) error
	RemoveReaction(ctx context.Context, messageID int64, emoji string) error
	MarkRead(ctx context.Context, chatID string, messageID int64) error
}

// Rooms is the slice of the realtime channel the engine controls room
// membership and outbound typing state through.
type Rooms interface {
	JoinChat(chatID string) error
	LeaveChat(chatID string) error
	StopTyping(chatID string) error
}

// Cache persists confirmed messages locally so a conversation can render
// before history arrives. Optional.
type Cache interface {
	Put(msg types.Message) error
	Recent(chatID string, limit int) ([]types.Message, error)
}

// Directory resolves user ids to profiles, used for typing events that
// arrive without a display name. Optional.
type Directory interface {
	Lookup(ctx context.Context, userID string) (*types.User, error)
}

type Config struct {
	ChatID string
	// SelfID is the local user, needed to tell optimistic reactions and own
	// sends apart from everyone else's.
	SelfID string

	API   API
	Rooms Rooms

	Cache     Cache
	Directory Directory

	// OnUpdate is called after every change to the view, outside the
	// engine's lock. The UI re-reads Snapshot/TypingUsers from it.
	OnUpdate func()

	TypingTTL    time.Duration
	HistoryLimit int
}

type Engine struct {
	chatID       string
	selfID       string
	api          API
	rooms        Rooms
	cache        Cache
	directory    Directory
	onUpdate     func()
	typingTTL    time.Duration
	historyLimit int

	now func() time.Time

	mu       sync.Mutex
	messages []*types.Message
	typing   map[string]*typingEntry
	closed   bool
}

func NewEngine(cfg Config) *Engine {
	ttl := cfg.TypingTTL
	if ttl == 0 {
		ttl = DefaultTypingTTL
	}
	limit := cfg.HistoryLimit
	if limit == 0 {
		limit = defaultHistoryLimit
	}
	return &Engine{
		chatID:       cfg.ChatID,
		selfID:       cfg.SelfID,
		api:          cfg.API,
		rooms:        cfg.Rooms,
		cache:        cfg.Cache,
		directory:    cfg.Directory,
		onUpdate:     cfg.OnUpdate,
		typingTTL:    ttl,
		historyLimit: limit,
		now:          time.Now,
		typing:       make(map[string]*typingEntry),
	}
}

// Open joins the conversation's room and loads history. The room is joined
// first so no event can fall between the history fetch and the
// subscription; any overlap is absorbed by reconciliation.
func (e *Engine) Open(ctx context.Context) error {
	if err := e.rooms.JoinChat(e.chatID); err != nil {
		return fmt.Errorf("failed to join chat %s: %w", e.chatID, err)
	}
	e.seedFromCache(ctx)
	return e.loadHistory(ctx)
}

// Close leaves the room and discards all ephemeral state. In-flight writes
// are not cancelled; their results land in a view nobody renders anymore.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	for _, entry := range e.typing {
		entry.timer.Stop()
	}
	e.typing = make(map[string]*typingEntry)
	e.mu.Unlock()

	if err := e.rooms.LeaveChat(e.chatID); err != nil {
		return fmt.Errorf("failed to leave chat %s: %w", e.chatID, err)
	}
	return nil
}

// Snapshot returns a copy of the ordered message view. Mutation sites always
// replace the reaction slice instead of appending in place, so the shallow
// copies stay consistent.
func (e *Engine) Snapshot() []types.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := make([]types.Message, len(e.messages))
	for i, msg := range e.messages {
		snapshot[i] = *msg
	}
	return snapshot
}

// SendMessage optimistically appends a pending entry and issues the durable
// write. On write failure the entry is rolled back and the error returned;
// retrying is the caller's decision.
func (e *Engine) SendMessage(ctx context.Context, body string, contentType types.ContentType, metadata map[string]string, replyTo int64) error {
	if contentType == "" {
		contentType = types.ContentTypeText
	}
	nonce := random.String(16)
	now := e.now()
	pending := &types.Message{
		// Durable ids are small sequential integers; a nanosecond timestamp
		// can never collide with one.
		ID:          now.UnixNano(),
		Nonce:       nonce,
		ChatID:      e.chatID,
		SenderID:    e.selfID,
		Body:        body,
		ContentType: contentType,
		Metadata:    metadata,
		ReplyTo:     replyTo,
		SentAt:      jsontime.UM(now),
		Pending:     true,
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.messages = append(e.messages, pending)
	e.mu.Unlock()
	e.notify()

	// A send implies typing has ended.
	if err := e.rooms.StopTyping(e.chatID); err != nil {
		zerolog.Ctx(ctx).Debug().Err(err).Msg("Failed to send stop_typing")
	}

	confirmed, err := e.api.SendMessage(ctx, e.chatID, gateway.SendMessageRequest{
		Nonce:       nonce,
		Body:        body,
		ContentType: contentType,
		Metadata:    metadata,
		ReplyTo:     replyTo,
	})
	if err != nil {
		e.removeByNonce(nonce)
		return fmt.Errorf("failed to send message: %w", err)
	}
	// The channel echo usually confirms first; applying the response too is
	// harmless because reconciliation is idempotent, and it covers servers
	// that don't echo sends back to their author.
	if confirmed != nil && confirmed.ID != 0 {
		e.HandleMessage(ctx, confirmed)
	}
	return nil
}

// EditMessage issues the durable edit. The view only changes when the
// message_edited event arrives.
func (e *Engine) EditMessage(ctx context.Context, messageID int64, body string) error {
	if err := e.requireConfirmed(messageID); err != nil {
		return err
	}
	return e.api.EditMessage(ctx, messageID, body)
}

// DeleteMessage issues the durable soft-delete. The view only changes when
// the message_deleted event arrives.
func (e *Engine) DeleteMessage(ctx context.Context, messageID int64) error {
	if err := e.requireConfirmed(messageID); err != nil {
		return err
	}
	return e.api.DeleteMessage(ctx, messageID)
}

// MarkRead reports the conversation read up to the given message.
func (e *Engine) MarkRead(ctx context.Context, messageID int64) error {
	if err := e.requireConfirmed(messageID); err != nil {
		return err
	}
	return e.api.MarkRead(ctx, e.chatID, messageID)
}

// ToggleReaction adds or removes the local user's reaction, optimistically:
// the toggle is visible immediately and silently reverted if the write
// fails. The authoritative set from the next reaction_update event wins
// unconditionally either way.
func (e *Engine) ToggleReaction(ctx context.Context, messageID int64, emoji string) error {
	e.mu.Lock()
	msg := e.findByIDLocked(messageID)
	if msg == nil || msg.Pending {
		e.mu.Unlock()
		return fmt.Errorf("message %d is not confirmed in the view", messageID)
	}
	adding := !msg.ReactedBy(e.selfID, emoji)
	e.setOwnReactionLocked(msg, emoji, adding)
	e.mu.Unlock()
	e.notify()

	var err error
	if adding {
		err = e.api.AddReaction(ctx, messageID, emoji)
	} else {
		err = e.api.RemoveReaction(ctx, messageID, emoji)
	}
	if err != nil {
		e.mu.Lock()
		if msg := e.findByIDLocked(messageID); msg != nil {
			e.setOwnReactionLocked(msg, emoji, !adding)
		}
		e.mu.Unlock()
		e.notify()
		zerolog.Ctx(ctx).Warn().Err(err).
			Int64("message_id", messageID).
			Str("emoji", emoji).
			Msg("Reverted optimistic reaction")
		return err
	}
	return nil
}

func (e *Engine) setOwnReactionLocked(msg *types.Message, emoji string, present bool) {
	reactions := make([]types.Reaction, 0, len(msg.Reactions)+1)
	for _, r := range msg.Reactions {
		if r.UserID == e.selfID && r.Emoji == emoji {
			continue
		}
		reactions = append(reactions, r)
	}
	if present {
		reactions = append(reactions, types.Reaction{Emoji: emoji, UserID: e.selfID})
	}
	msg.Reactions = reactions
}

func (e *Engine) requireConfirmed(messageID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	msg := e.findByIDLocked(messageID)
	if msg == nil || msg.Pending {
		return fmt.Errorf("message %d is not confirmed in the view", messageID)
	}
	return nil
}

func (e *Engine) findByIDLocked(messageID int64) *types.Message {
	for _, msg := range e.messages {
		if msg.ID == messageID {
			return msg
		}
	}
	return nil
}

func (e *Engine) removeByNonce(nonce string) {
	e.mu.Lock()
	e.messages = slices.DeleteFunc(e.messages, func(msg *types.Message) bool {
		return msg.Nonce == nonce && msg.Pending
	})
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) seedFromCache(ctx context.Context) {
	if e.cache == nil {
		return
	}
	cached, err := e.cache.Recent(e.chatID, e.historyLimit)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to read message cache")
		return
	}
	if len(cached) == 0 {
		return
	}
	e.mergeHistory(cached)
}

func (e *Engine) loadHistory(ctx context.Context) error {
	history, err := e.api.Messages(ctx, e.chatID, e.historyLimit)
	if err != nil {
		return fmt.Errorf("failed to load history for chat %s: %w", e.chatID, err)
	}
	e.mergeHistory(history)
	if e.cache != nil {
		for _, msg := range history {
			if err := e.cache.Put(msg); err != nil {
				zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to write message cache")
				break
			}
		}
	}
	return nil
}

// mergeHistory replaces the confirmed part of the view with an authoritative
// listing, keeping pending entries whose confirmation is not in it.
func (e *Engine) mergeHistory(history []types.Message) {
	e.mu.Lock()
	nonces := make(map[string]bool, len(history))
	merged := make([]*types.Message, 0, len(history)+len(e.messages))
	for i := range history {
		msg := history[i]
		msg.Pending = false
		merged = append(merged, &msg)
		if msg.Nonce != "" {
			nonces[msg.Nonce] = true
		}
	}
	for _, msg := range e.messages {
		if msg.Pending && !nonces[msg.Nonce] {
			merged = append(merged, msg)
		}
	}
	e.messages = merged
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) notify() {
	if e.onUpdate != nil {
		e.onUpdate()
	}
}
