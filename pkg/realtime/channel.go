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

// Package realtime maintains the persistent, authenticated event channel to
// the chat backend and fans typed server events out to handler callbacks.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parley-im/parley-go/pkg/health"
)

var ErrNotConnected = errors.New("realtime channel is not connected")

// TokenSource provides a live access token for each (re)connection attempt.
// The gateway implements this; the channel never stores tokens itself.
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

type Config struct {
	// URL is the websocket endpoint, e.g. wss://chat.example.com/ws.
	URL      string
	Tokens   TokenSource
	Health   *health.Monitor
	Handlers Handlers

	// ReconnectDelay is the wait between connection attempts. Defaults to
	// two seconds.
	ReconnectDelay time.Duration

	Dialer *websocket.Dialer
}

type Channel struct {
	url            string
	tokens         TokenSource
	health         *health.Monitor
	handlers       Handlers
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	sessionID      uuid.UUID

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func NewChannel(cfg Config) *Channel {
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	delay := cfg.ReconnectDelay
	if delay == 0 {
		delay = 2 * time.Second
	}
	return &Channel{
		url:            cfg.URL,
		tokens:         cfg.Tokens,
		health:         cfg.Health,
		handlers:       cfg.Handlers,
		dialer:         dialer,
		reconnectDelay: delay,
		sessionID:      uuid.New(),
	}
}

// Connect spawns the connection loop. Calling it while already connected is
// a no-op. Room membership is not restored on reconnect; owners rejoin from
// the Connected handler.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return nil
	}

	log := zerolog.Ctx(ctx).With().
		Str("loop", "realtime_connect").
		Stringer("session_id", c.sessionID).
		Logger()
	ctx, c.cancel = context.WithCancel(log.WithContext(ctx))
	go c.connectLoop(ctx)
	return nil
}

func (c *Channel) Disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// connectLoop continually reconnects to the channel endpoint until the
// context is done.
func (c *Channel) connectLoop(ctx context.Context) {
	log := zerolog.Ctx(ctx)
	log.Info().Msg("Starting realtime connection loop")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Realtime connection loop canceled")
			return
		default:
		}

		err := c.runConnection(ctx)
		if ctx.Err() != nil {
			return
		}
		c.reportFailure(err.Error())
		c.handlers.onDisconnected(ctx, err)
		log.Warn().Err(err).Dur("retry_in", c.reconnectDelay).Msg("Realtime connection lost")

		select {
		case <-ctx.Done():
			return
		case <-time.After(c.reconnectDelay):
		}
	}
}

func (c *Channel) runConnection(ctx context.Context) error {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	conn, resp, err := c.dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		return err
	}
	if err = writeEvent(conn, eventAuth, authPayload{Token: token}); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	c.reportSuccess()
	zerolog.Ctx(ctx).Info().Msg("Realtime channel connected")
	c.handlers.onConnected(ctx)

	for {
		var env envelope
		if err = conn.ReadJSON(&env); err != nil {
			return err
		}
		c.dispatch(ctx, env)
	}
}

// JoinChat subscribes this connection to a conversation's events.
func (c *Channel) JoinChat(chatID string) error {
	return c.send(eventJoinChat, chatPayload{ChatID: chatID})
}

func (c *Channel) LeaveChat(chatID string) error {
	return c.send(eventLeaveChat, chatPayload{ChatID: chatID})
}

// Typing tells the other participants of a conversation that the local user
// is typing. Debouncing keystrokes is the caller's job.
func (c *Channel) Typing(chatID string) error {
	return c.send(eventTyping, chatPayload{ChatID: chatID})
}

func (c *Channel) StopTyping(chatID string) error {
	return c.send(eventStopTyping, chatPayload{ChatID: chatID})
}

func (c *Channel) send(event string, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return ErrNotConnected
	}
	return writeEvent(c.conn, event, payload)
}

func writeEvent(conn *websocket.Conn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return conn.WriteJSON(envelope{Event: event, Data: data})
}

func (c *Channel) reportSuccess() {
	if c.health != nil {
		c.health.ReportSuccess()
	}
}

func (c *Channel) reportFailure(reason string) {
	if c.health != nil {
		c.health.ReportFailure(reason)
	}
}
