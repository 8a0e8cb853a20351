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

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"go.mau.fi/util/exerrors"
)

type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// Login exchanges credentials for a token pair and persists it. It goes
// through the underlying transport directly since there is no token to
// attach yet.
func (c *Client) Login(ctx context.Context, username, password string) error {
	body := exerrors.Must(json.Marshal(loginRequest{Username: username, Password: password}))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		c.reportFailure(err.Error())
		return fmt.Errorf("login request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login failed (statusCode=%d)", resp.StatusCode)
	}

	var tokens TokenPair
	if err = json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return fmt.Errorf("failed to decode login response: %w", err)
	}
	if err = c.persistTokens(ctx, tokens); err != nil {
		return err
	}
	c.reportSuccess()
	return nil
}

// refreshAccessToken funnels every caller through one in-flight refresh.
// Losers of the race block until the winner's result is shared with them.
func (c *Client) refreshAccessToken(ctx context.Context) (string, error) {
	token, err, _ := c.refresh.Do(KeyRefreshToken, func() (any, error) {
		return c.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return token.(string), nil
}

// doRefresh performs the actual refresh call. It goes through the underlying
// transport directly: routing it through the interceptor would deadlock on
// its own single-flight group.
func (c *Client) doRefresh(ctx context.Context) (string, error) {
	log := zerolog.Ctx(ctx)

	refreshToken, err := c.store.Get(ctx, KeyRefreshToken)
	if err != nil {
		return "", fmt.Errorf("failed to read refresh token: %w", err)
	}
	if refreshToken == "" {
		c.teardown(ctx)
		return "", fmt.Errorf("no refresh token stored: %w", ErrUnauthenticated)
	}

	body := exerrors.Must(json.Marshal(refreshRequest{RefreshToken: refreshToken}))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/auth/refresh", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentTypeJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		c.reportFailure(err.Error())
		return "", fmt.Errorf("token refresh failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		// Transient server trouble, the session may still be fine.
		c.reportFailure(fmt.Sprintf("token refresh returned status %d", resp.StatusCode))
		return "", fmt.Errorf("token refresh returned status %d", resp.StatusCode)
	default:
		// The refresh token itself was rejected. The session is over.
		log.Warn().Int("status_code", resp.StatusCode).Msg("Refresh token rejected, tearing down session")
		c.teardown(ctx)
		return "", fmt.Errorf("token refresh rejected (statusCode=%d): %w", resp.StatusCode, ErrUnauthenticated)
	}

	var tokens TokenPair
	if err = json.NewDecoder(resp.Body).Decode(&tokens); err != nil {
		return "", fmt.Errorf("failed to decode refresh response: %w", err)
	}
	if tokens.AccessToken == "" {
		return "", fmt.Errorf("refresh response contained no access token")
	}
	if err = c.persistTokens(ctx, tokens); err != nil {
		return "", err
	}
	c.reportSuccess()
	log.Debug().Msg("Access token refreshed")
	return tokens.AccessToken, nil
}

func (c *Client) persistTokens(ctx context.Context, tokens TokenPair) error {
	if err := c.store.Set(ctx, KeyAccessToken, tokens.AccessToken); err != nil {
		return fmt.Errorf("failed to persist access token: %w", err)
	}
	if tokens.RefreshToken != "" {
		if err := c.store.Set(ctx, KeyRefreshToken, tokens.RefreshToken); err != nil {
			return fmt.Errorf("failed to persist refresh token: %w", err)
		}
	}
	return nil
}

// teardown deletes the stored credentials and fires the unauthenticated
// callback exactly once per Client lifetime.
func (c *Client) teardown(ctx context.Context) {
	log := zerolog.Ctx(ctx)
	if err := c.store.Delete(ctx, KeyAccessToken); err != nil {
		log.Err(err).Msg("Failed to delete access token")
	}
	if err := c.store.Delete(ctx, KeyRefreshToken); err != nil {
		log.Err(err).Msg("Failed to delete refresh token")
	}
	c.unauthOnce.Do(func() {
		if c.onUnauth != nil {
			c.onUnauth()
		}
	})
}

// tokenExpired checks the unverified exp claim of a JWT access token.
// Verification is the server's job; the client only wants to skip calls that
// cannot possibly succeed. Opaque tokens are assumed live.
func tokenExpired(token string, now time.Time) bool {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}
