package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/parley-im/parley-go/pkg/types"
)

// SendMessageRequest is the durable-write payload for one send attempt. The
// nonce is echoed back on the resulting new_message event so the engine can
// match it to the optimistic entry.
type SendMessageRequest struct {
	Nonce       string            `json:"nonce"`
	Body        string            `json:"body"`
	ContentType types.ContentType `json:"contentType"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	ReplyTo     int64             `json:"replyTo,omitempty"`
}

type messagesResponse struct {
	Messages []types.Message `json:"messages"`
}

// Messages fetches up to limit messages of a conversation in ascending
// creation order.
func (c *Client) Messages(ctx context.Context, chatID string, limit int) ([]types.Message, error) {
	resp, err := c.newAuthedRequest(http.MethodGet, "/chats/"+url.PathEscape(chatID)+"/messages").
		WithParam("limit", strconv.Itoa(limit)).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch messages for chat %s (statusCode=%d)", chatID, resp.StatusCode)
	}

	var response messagesResponse
	if err = json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode messages response: %w", err)
	}
	return response.Messages, nil
}

func (c *Client) SendMessage(ctx context.Context, chatID string, payload SendMessageRequest) (*types.Message, error) {
	resp, err := c.newAuthedRequest(http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/messages").
		WithJSONPayload(payload).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("failed to send message to chat %s (statusCode=%d)", chatID, resp.StatusCode)
	}

	var msg types.Message
	return &msg, json.NewDecoder(resp.Body).Decode(&msg)
}

type editMessageRequest struct {
	Body string `json:"body"`
}

func (c *Client) EditMessage(ctx context.Context, messageID int64, body string) error {
	resp, err := c.newAuthedRequest(http.MethodPatch, "/messages/"+strconv.FormatInt(messageID, 10)).
		WithJSONPayload(editMessageRequest{Body: body}).
		Do(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to edit message %d (statusCode=%d)", messageID, resp.StatusCode)
	}
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, messageID int64) error {
	resp, err := c.newAuthedRequest(http.MethodDelete, "/messages/"+strconv.FormatInt(messageID, 10)).
		Do(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to delete message %d (statusCode=%d)", messageID, resp.StatusCode)
	}
	return nil
}
