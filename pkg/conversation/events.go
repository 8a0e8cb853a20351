package conversation

import (
	"context"
	"slices"

	"github.com/rs/zerolog"

	"github.com/parley-im/parley-go/pkg/realtime"
	"github.com/parley-im/parley-go/pkg/types"
)

// Handlers wires the engine into a realtime channel, including rejoining the
// room after a reconnect.
func (e *Engine) Handlers() realtime.Handlers {
	return realtime.Handlers{
		Connected:      e.HandleConnected,
		Message:        e.HandleMessage,
		MessageEdited:  e.HandleEdited,
		MessageDeleted: e.HandleDeleted,
		MessageRead:    e.HandleRead,
		ReactionUpdate: e.HandleReactions,
		Typing:         e.HandleTyping,
		StopTyping:     e.HandleStopTyping,
	}
}

// HandleConnected re-establishes room membership after a reconnect (the
// channel does not persist it) and reloads history to cover the gap.
func (e *Engine) HandleConnected(ctx context.Context) {
	log := zerolog.Ctx(ctx)
	if e.isClosed() {
		return
	}
	if err := e.rooms.JoinChat(e.chatID); err != nil {
		log.Err(err).Str("chat_id", e.chatID).Msg("Failed to rejoin chat after reconnect")
		return
	}
	if err := e.loadHistory(ctx); err != nil {
		log.Err(err).Str("chat_id", e.chatID).Msg("Failed to reload history after reconnect")
	}
}

// HandleMessage reconciles an incoming message against the view: first by
// nonce, then by durable id, then by the sender+body recency heuristic for
// delivery paths that don't echo the nonce. An event matching nothing is a
// message from another participant and is appended, never dropped.
func (e *Engine) HandleMessage(ctx context.Context, msg *types.Message) {
	if msg.ChatID != e.chatID {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.applyMessageLocked(*msg)
	// A confirmed message means its author is no longer typing.
	e.removeTypingLocked(msg.SenderID)
	e.mu.Unlock()
	e.notify()

	if e.cache != nil {
		if err := e.cache.Put(*msg); err != nil {
			zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to write message cache")
		}
	}
}

func (e *Engine) applyMessageLocked(msg types.Message) {
	msg.Pending = false

	// Identity swap in place: the pending entry keeps its position and its
	// nonce, so a redelivered event still matches here instead of appending.
	if msg.Nonce != "" {
		for _, existing := range e.messages {
			if existing.Nonce == msg.Nonce {
				*existing = msg
				return
			}
		}
	}

	// Redelivery of an already confirmed message.
	for _, existing := range e.messages {
		if !existing.Pending && existing.ID == msg.ID {
			if msg.Nonce == "" {
				msg.Nonce = existing.Nonce
			}
			*existing = msg
			return
		}
	}

	// Nonce-less delivery path: match our own recent pending send.
	if msg.Nonce == "" && msg.SenderID == e.selfID {
		for _, existing := range e.messages {
			if existing.Pending && existing.SenderID == msg.SenderID && existing.Body == msg.Body &&
				e.now().Sub(existing.SentAt.Time) <= heuristicMatchWindow {
				msg.Nonce = existing.Nonce
				*existing = msg
				return
			}
		}
	}

	e.messages = append(e.messages, &msg)
}

// HandleEdited replaces the content of a confirmed message. Edits are never
// optimistic; this event is the only thing that mutates the body.
func (e *Engine) HandleEdited(ctx context.Context, edit *types.MessageEdit) {
	if edit.ChatID != e.chatID {
		return
	}
	e.mu.Lock()
	msg := e.findByIDLocked(edit.MessageID)
	if msg == nil || msg.Pending {
		e.mu.Unlock()
		zerolog.Ctx(ctx).Debug().Int64("message_id", edit.MessageID).Msg("Edit for message not in view")
		return
	}
	msg.Body = edit.Body
	msg.EditedAt = edit.EditedAt
	updated := *msg
	e.mu.Unlock()
	e.notify()
	e.writeCache(ctx, updated)
}

// HandleDeleted hides the content of a confirmed message in place. The
// record is retained so replies and scroll position stay intact.
func (e *Engine) HandleDeleted(ctx context.Context, del *types.MessageDelete) {
	if del.ChatID != e.chatID {
		return
	}
	e.mu.Lock()
	msg := e.findByIDLocked(del.MessageID)
	if msg == nil || msg.Pending {
		e.mu.Unlock()
		return
	}
	msg.Body = ""
	msg.DeletedAt = del.DeletedAt
	updated := *msg
	e.mu.Unlock()
	e.notify()
	e.writeCache(ctx, updated)
}

// HandleRead marks everything up to the receipt's message as read. Receipts
// are cumulative: one receipt covers all earlier messages.
func (e *Engine) HandleRead(ctx context.Context, receipt *types.ReadReceipt) {
	if receipt.ChatID != e.chatID {
		return
	}
	e.mu.Lock()
	changed := false
	for _, msg := range e.messages {
		if !msg.Pending && msg.ID <= receipt.MessageID && msg.ReadAt.IsZero() {
			msg.ReadAt = receipt.ReadAt
			changed = true
		}
	}
	e.mu.Unlock()
	if changed {
		e.notify()
	}
}

// HandleReactions overwrites a message's reaction set with the server's.
// Last write wins by event arrival; any optimistic toggle that disagrees is
// discarded.
func (e *Engine) HandleReactions(ctx context.Context, update *types.ReactionUpdate) {
	if update.ChatID != e.chatID {
		return
	}
	e.mu.Lock()
	msg := e.findByIDLocked(update.MessageID)
	if msg == nil || msg.Pending {
		e.mu.Unlock()
		return
	}
	msg.Reactions = slices.Clone(update.Reactions)
	updated := *msg
	e.mu.Unlock()
	e.notify()
	e.writeCache(ctx, updated)
}

func (e *Engine) writeCache(ctx context.Context, msg types.Message) {
	if e.cache == nil {
		return
	}
	if err := e.cache.Put(msg); err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Msg("Failed to write message cache")
	}
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
