package realtime

import (
	"context"
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/parley-im/parley-go/pkg/types"
)

// envelope is the wire frame for both directions: a name and an
// event-specific payload.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	eventAuth       = "auth"
	eventJoinChat   = "join_chat"
	eventLeaveChat  = "leave_chat"
	eventTyping     = "typing"
	eventStopTyping = "stop_typing"

	eventNewMessage     = "new_message"
	eventMessageEdited  = "message_edited"
	eventMessageDeleted = "message_deleted"
	eventMessageRead    = "message_read"
	eventReactionUpdate = "reaction_update"
	eventUserTyping     = "user_typing"
	eventUserStopTyping = "user_stop_typing"
)

type authPayload struct {
	Token string `json:"token"`
}

type chatPayload struct {
	ChatID string `json:"chatId"`
}

// Handlers holds optional callbacks for connection lifecycle and server
// events. All events arrive in the server's emission order, on the
// connection's read goroutine.
type Handlers struct {
	Connected      func(context.Context)
	Disconnected   func(context.Context, error)
	Message        func(context.Context, *types.Message)
	MessageEdited  func(context.Context, *types.MessageEdit)
	MessageDeleted func(context.Context, *types.MessageDelete)
	MessageRead    func(context.Context, *types.ReadReceipt)
	ReactionUpdate func(context.Context, *types.ReactionUpdate)
	Typing         func(context.Context, *types.TypingIndicator)
	StopTyping     func(context.Context, *types.TypingIndicator)
}

func (h Handlers) onConnected(ctx context.Context) {
	if h.Connected != nil {
		h.Connected(ctx)
	}
}

func (h Handlers) onDisconnected(ctx context.Context, err error) {
	if h.Disconnected != nil {
		h.Disconnected(ctx, err)
	}
}

func (c *Channel) dispatch(ctx context.Context, env envelope) {
	log := zerolog.Ctx(ctx)
	switch env.Event {
	case eventNewMessage:
		dispatchTo(ctx, env, c.handlers.Message)
	case eventMessageEdited:
		dispatchTo(ctx, env, c.handlers.MessageEdited)
	case eventMessageDeleted:
		dispatchTo(ctx, env, c.handlers.MessageDeleted)
	case eventMessageRead:
		dispatchTo(ctx, env, c.handlers.MessageRead)
	case eventReactionUpdate:
		dispatchTo(ctx, env, c.handlers.ReactionUpdate)
	case eventUserTyping:
		dispatchTo(ctx, env, c.handlers.Typing)
	case eventUserStopTyping:
		dispatchTo(ctx, env, c.handlers.StopTyping)
	default:
		log.Warn().Str("event", env.Event).Msg("Unsupported event")
	}
}

func dispatchTo[T any](ctx context.Context, env envelope, handler func(context.Context, *T)) {
	if handler == nil {
		return
	}
	payload := new(T)
	if err := json.Unmarshal(env.Data, payload); err != nil {
		zerolog.Ctx(ctx).Err(err).Str("event", env.Event).Msg("Failed to decode event payload")
		return
	}
	handler(ctx, payload)
}
