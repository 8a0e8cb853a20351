package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/parley-im/parley-go/pkg/types"
)

func (c *Client) GetUser(ctx context.Context, userID string) (*types.User, error) {
	resp, err := c.newAuthedRequest(http.MethodGet, "/users/"+url.PathEscape(userID)).
		Do(ctx)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch user %s (statusCode=%d)", userID, resp.StatusCode)
	}

	var user types.User
	return &user, json.NewDecoder(resp.Body).Decode(&user)
}
