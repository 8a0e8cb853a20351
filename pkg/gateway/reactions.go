package gateway

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
)

type reactionRequest struct {
	Emoji string `json:"emoji"`
}

func (c *Client) AddReaction(ctx context.Context, messageID int64, emoji string) error {
	return c.doReactAction(ctx, messageID, emoji, http.MethodPut)
}

func (c *Client) RemoveReaction(ctx context.Context, messageID int64, emoji string) error {
	return c.doReactAction(ctx, messageID, emoji, http.MethodDelete)
}

func (c *Client) doReactAction(ctx context.Context, messageID int64, emoji, method string) error {
	resp, err := c.newAuthedRequest(method, "/messages/"+strconv.FormatInt(messageID, 10)+"/reactions").
		WithJSONPayload(reactionRequest{Emoji: emoji}).
		Do(ctx)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to %s reaction %s on message %d (statusCode=%d)", method, emoji, messageID, resp.StatusCode)
	}
	return nil
}
