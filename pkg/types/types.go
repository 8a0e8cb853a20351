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

// Package types contains the data model shared by the gateway, the realtime
// channel and the conversation engine.
package types

import (
	"go.mau.fi/util/jsontime"
)

type ContentType string

const (
	ContentTypeText  ContentType = "text"
	ContentTypeImage ContentType = "image"
	ContentTypeVoice ContentType = "voice"
	ContentTypeVideo ContentType = "video"
	ContentTypeFile  ContentType = "file"
	ContentTypeGIF   ContentType = "gif"
)

// Reaction is a single emoji reaction by a single user. The full reaction
// set of a message is always replaced wholesale by reaction_update events.
type Reaction struct {
	Emoji  string `json:"emoji"`
	UserID string `json:"userId"`
}

// Message is one entry in a conversation. Before the server confirms a send,
// ID holds a client-generated placeholder and Pending is true; the Nonce ties
// the entry to the new_message event that eventually confirms it.
type Message struct {
	ID       int64  `json:"id"`
	Nonce    string `json:"nonce,omitempty"`
	ChatID   string `json:"chatId"`
	SenderID string `json:"senderId"`

	Body        string            `json:"body"`
	ContentType ContentType       `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ReplyTo     int64             `json:"replyTo,omitempty"`

	SentAt    jsontime.UnixMilli `json:"sentAt,omitempty"`
	EditedAt  jsontime.UnixMilli `json:"editedAt,omitempty"`
	DeletedAt jsontime.UnixMilli `json:"deletedAt,omitempty"`
	ReadAt    jsontime.UnixMilli `json:"readAt,omitempty"`

	Reactions []Reaction `json:"reactions,omitempty"`

	// Pending is client-side state, never sent on the wire.
	Pending bool `json:"-"`
}

// Deleted reports whether the message was soft-deleted. The record stays in
// the view, only its content is hidden.
func (m *Message) Deleted() bool {
	return !m.DeletedAt.IsZero()
}

// ReactedBy reports whether userID currently has the given emoji on the
// message.
func (m *Message) ReactedBy(userID, emoji string) bool {
	for _, r := range m.Reactions {
		if r.UserID == userID && r.Emoji == emoji {
			return true
		}
	}
	return false
}

type User struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// MessageEdit is the payload of a message_edited event.
type MessageEdit struct {
	ChatID    string             `json:"chatId"`
	MessageID int64              `json:"messageId"`
	Body      string             `json:"body"`
	EditedAt  jsontime.UnixMilli `json:"editedAt"`
}

// MessageDelete is the payload of a message_deleted event.
type MessageDelete struct {
	ChatID    string             `json:"chatId"`
	MessageID int64              `json:"messageId"`
	DeletedAt jsontime.UnixMilli `json:"deletedAt"`
}

// ReadReceipt is the payload of a message_read event.
type ReadReceipt struct {
	ChatID    string             `json:"chatId"`
	MessageID int64              `json:"messageId"`
	UserID    string             `json:"userId"`
	ReadAt    jsontime.UnixMilli `json:"readAt"`
}

// ReactionUpdate is the payload of a reaction_update event. Reactions is the
// authoritative full set for the message, not a delta.
type ReactionUpdate struct {
	ChatID    string     `json:"chatId"`
	MessageID int64      `json:"messageId"`
	Reactions []Reaction `json:"reactions"`
}

// TypingIndicator is the payload of user_typing and user_stop_typing events.
type TypingIndicator struct {
	ChatID      string `json:"chatId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
}
