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

// Command parley is a terminal chat client, mostly useful for poking at a
// backend and for demonstrating how the pieces wire together.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/parley-im/parley-go/pkg/conversation"
	"github.com/parley-im/parley-go/pkg/gateway"
	"github.com/parley-im/parley-go/pkg/health"
	"github.com/parley-im/parley-go/pkg/msgcache"
	"github.com/parley-im/parley-go/pkg/profile"
	"github.com/parley-im/parley-go/pkg/realtime"
	"github.com/parley-im/parley-go/pkg/types"
)

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func main() {
	apiURL := flag.String("api", getEnv("PARLEY_API", "http://localhost:8080"), "REST API base URL")
	wsURL := flag.String("ws", getEnv("PARLEY_WS", "ws://localhost:8080/ws"), "websocket endpoint")
	username := flag.String("user", getEnv("PARLEY_USER", ""), "username (login only needed once per state dir)")
	password := flag.String("pass", getEnv("PARLEY_PASS", ""), "password")
	chatID := flag.String("chat", getEnv("PARLEY_CHAT", "general"), "conversation to open")
	stateDir := flag.String("state", getEnv("PARLEY_STATE", ".parley"), "directory for tokens and the message cache")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		With().Timestamp().Logger()
	ctx := log.WithContext(context.Background())

	if err := os.MkdirAll(*stateDir, 0o700); err != nil {
		log.Fatal().Err(err).Msg("Failed to create state directory")
	}
	store, err := newFileStore(filepath.Join(*stateDir, "credentials.json"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open credential store")
	}
	selfID, err := resolveUsername(ctx, store, *username)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to resolve username")
	}

	monitor := health.NewMonitor()
	monitor.Subscribe(func(st health.Status) {
		if !st.Reachable {
			fmt.Printf("! offline: %s\n", st.Reason)
		}
	})

	gw := gateway.NewClient(gateway.Config{
		BaseURL: *apiURL,
		Store:   store,
		Health:  monitor,
		OnUnauthenticated: func() {
			fmt.Println("! session expired, log in again")
			os.Exit(1)
		},
	})

	if token, _ := store.Get(ctx, gateway.KeyAccessToken); token == "" {
		if selfID == "" || *password == "" {
			log.Fatal().Msg("No stored session, -user and -pass are required")
		}
		if err = gw.Login(ctx, selfID, *password); err != nil {
			log.Fatal().Err(err).Msg("Login failed")
		}
		log.Info().Str("user", selfID).Msg("Logged in")
	} else if selfID == "" {
		log.Fatal().Msg("Stored session has no username, pass -user once to store it")
	}

	var cache *msgcache.Store
	if cache, err = msgcache.Open(filepath.Join(*stateDir, "messages.db"), 0); err != nil {
		log.Warn().Err(err).Msg("Message cache unavailable, continuing without it")
	} else {
		defer cache.Close()
	}

	// The engine needs the channel for room membership and the channel needs
	// the engine's handlers, so the handlers close over a variable that is
	// assigned before Connect can fire any of them.
	var engine *conversation.Engine
	var opened atomic.Bool
	channel := realtime.NewChannel(realtime.Config{
		URL:    *wsURL,
		Tokens: gw,
		Health: monitor,
		Handlers: realtime.Handlers{
			Connected: func(hctx context.Context) {
				if opened.CompareAndSwap(false, true) {
					if err := engine.Open(hctx); err != nil {
						log.Err(err).Msg("Failed to open conversation")
					}
					return
				}
				engine.HandleConnected(hctx)
			},
			Message:        func(hctx context.Context, msg *types.Message) { engine.HandleMessage(hctx, msg) },
			MessageEdited:  func(hctx context.Context, edit *types.MessageEdit) { engine.HandleEdited(hctx, edit) },
			MessageDeleted: func(hctx context.Context, del *types.MessageDelete) { engine.HandleDeleted(hctx, del) },
			MessageRead:    func(hctx context.Context, rr *types.ReadReceipt) { engine.HandleRead(hctx, rr) },
			ReactionUpdate: func(hctx context.Context, upd *types.ReactionUpdate) { engine.HandleReactions(hctx, upd) },
			Typing:         func(hctx context.Context, ind *types.TypingIndicator) { engine.HandleTyping(hctx, ind) },
			StopTyping:     func(hctx context.Context, ind *types.TypingIndicator) { engine.HandleStopTyping(hctx, ind) },
		},
	})

	engineCfg := conversation.Config{
		ChatID:    *chatID,
		SelfID:    selfID,
		API:       gw,
		Rooms:     channel,
		Directory: profile.NewDirectory(ctx, gw, 0),
		OnUpdate:  func() { render(engine) },
	}
	if cache != nil {
		engineCfg.Cache = cache
	}
	engine = conversation.NewEngine(engineCfg)

	if err = channel.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start realtime channel")
	}
	defer channel.Disconnect()
	defer engine.Close()

	fmt.Printf("joined %s — type to send, /help for commands\n", *chatID)
	runInputLoop(ctx, engine, channel, *chatID)
}

func runInputLoop(ctx context.Context, engine *conversation.Engine, channel *realtime.Channel, chatID string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if !strings.HasPrefix(line, "/") {
			// Best effort; the send itself clears the indicator again.
			_ = channel.Typing(chatID)
			if err := engine.SendMessage(ctx, line, types.ContentTypeText, nil, 0); err != nil {
				fmt.Printf("! send failed: %v\n", err)
			}
			continue
		}
		if err := runCommand(ctx, engine, line); err != nil {
			fmt.Printf("! %v\n", err)
		}
	}
}

func runCommand(ctx context.Context, engine *conversation.Engine, line string) error {
	fields := strings.Fields(line)
	parseID := func() (int64, error) {
		if len(fields) < 2 {
			return 0, fmt.Errorf("usage: %s <message-id> ...", fields[0])
		}
		return strconv.ParseInt(fields[1], 10, 64)
	}
	switch fields[0] {
	case "/help":
		fmt.Println("/edit <id> <body> | /delete <id> | /react <id> <emoji> | /read <id> | /quit")
		return nil
	case "/quit":
		engine.Close()
		os.Exit(0)
		return nil
	case "/edit":
		id, err := parseID()
		if err != nil {
			return err
		}
		if len(fields) < 3 {
			return fmt.Errorf("usage: /edit <id> <body>")
		}
		return engine.EditMessage(ctx, id, strings.Join(fields[2:], " "))
	case "/delete":
		id, err := parseID()
		if err != nil {
			return err
		}
		return engine.DeleteMessage(ctx, id)
	case "/react":
		id, err := parseID()
		if err != nil {
			return err
		}
		if len(fields) < 3 {
			return fmt.Errorf("usage: /react <id> <emoji>")
		}
		return engine.ToggleReaction(ctx, id, fields[2])
	case "/read":
		id, err := parseID()
		if err != nil {
			return err
		}
		return engine.MarkRead(ctx, id)
	default:
		return fmt.Errorf("unknown command %s", fields[0])
	}
}

func render(engine *conversation.Engine) {
	view := engine.Snapshot()
	if len(view) > 0 {
		msg := view[len(view)-1]
		line := msg.Body
		switch {
		case msg.Deleted():
			line = "(deleted)"
		case msg.Pending:
			line += " …"
		case !msg.EditedAt.IsZero():
			line += " (edited)"
		}
		for _, r := range msg.Reactions {
			line += " " + r.Emoji
		}
		fmt.Printf("[%d] %s: %s\n", msg.ID, msg.SenderID, line)
	}
	if typing := engine.TypingUsers(); len(typing) > 0 {
		names := make([]string, len(typing))
		for i, user := range typing {
			if names[i] = user.DisplayName; names[i] == "" {
				names[i] = user.ID
			}
		}
		fmt.Printf("~ %s typing…\n", strings.Join(names, ", "))
	}
}
