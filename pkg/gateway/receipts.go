package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
)

type markReadRequest struct {
	MessageID int64 `json:"messageId"`
}

// MarkRead reports that the caller has read the conversation up to and
// including the given message. The read timestamp lands on the message via a
// later message_read event, never locally.
func (c *Client) MarkRead(ctx context.Context, chatID string, messageID int64) error {
	resp, err := c.newAuthedRequest(http.MethodPost, "/chats/"+url.PathEscape(chatID)+"/read").
		WithJSONPayload(markReadRequest{MessageID: messageID}).
		Do(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to mark chat %s read (statusCode=%d)", chatID, resp.StatusCode)
	}
	return nil
}
