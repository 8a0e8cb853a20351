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

// Package gateway is the authenticated request pipeline: it attaches the
// current bearer token to every outbound call and transparently recovers
// from token expiry with a single-flight refresh.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/parley-im/parley-go/pkg/health"
)

// CredentialStore is durable, opaque string storage for tokens. The secure
// implementation (keychain, encrypted prefs) lives outside this module.
type CredentialStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
)

var (
	// ErrUnauthenticated means the session is irrecoverably over: the token
	// was rejected and could not be refreshed.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrNoCredentials means no access token is stored at all.
	ErrNoCredentials = errors.New("no stored credentials")
)

type Config struct {
	// BaseURL of the REST API, without a trailing slash.
	BaseURL string
	Store   CredentialStore
	Health  *health.Monitor

	// OnUnauthenticated is called at most once per Client lifetime, when a
	// refresh is definitively rejected and the stored credentials have been
	// deleted. The session layer uses it to force logout.
	OnUnauthenticated func()

	// HTTPClient overrides the transport, mainly for tests.
	HTTPClient *http.Client
}

type Client struct {
	http    *http.Client
	baseURL string
	store   CredentialStore
	health  *health.Monitor

	// refresh collapses concurrent expirations into one refresh call whose
	// result fans back out to every waiter.
	refresh    singleflight.Group
	unauthOnce sync.Once
	onUnauth   func()

	now func() time.Time
}

func NewClient(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		http:     httpClient,
		baseURL:  cfg.BaseURL,
		store:    cfg.Store,
		health:   cfg.Health,
		onUnauth: cfg.OnUnauthenticated,
		now:      time.Now,
	}
}

// AccessToken returns the current access token, refreshing it first if the
// stored one has already expired. The realtime channel uses this when
// (re)connecting.
func (c *Client) AccessToken(ctx context.Context) (string, error) {
	token, err := c.store.Get(ctx, KeyAccessToken)
	if err != nil {
		return "", fmt.Errorf("failed to read access token: %w", err)
	}
	if token == "" {
		return "", ErrNoCredentials
	}
	if tokenExpired(token, c.now()) {
		return c.refreshAccessToken(ctx)
	}
	return token, nil
}

// do sends an authed request, reading the token fresh from the store so a
// refresh completed by another call is immediately visible. A 401 triggers
// one single-flight refresh and one replay; a second 401 is a hard failure.
func (c *Client) do(ctx context.Context, a *authedRequest, retried bool) (*http.Response, error) {
	token, err := c.store.Get(ctx, KeyAccessToken)
	if err != nil {
		return nil, fmt.Errorf("failed to read access token: %w", err)
	}
	if token == "" {
		return nil, ErrNoCredentials
	}
	if !retried && tokenExpired(token, c.now()) {
		// The token can't possibly work, skip the guaranteed 401 round trip.
		if token, err = c.refreshAccessToken(ctx); err != nil {
			return nil, err
		}
	}

	req, err := a.build(ctx)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(req)
	if err != nil {
		c.reportFailure(err.Error())
		return nil, err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		if retried {
			return nil, fmt.Errorf("%s %s failed again after token refresh: %w", a.method, a.url.Path, ErrUnauthenticated)
		}
		// Another call may have finished a refresh while this request was in
		// flight; if the stored token already changed, replaying with it is
		// enough and refreshing again would burn the new refresh token.
		if current, rerr := c.store.Get(ctx, KeyAccessToken); rerr == nil && current != "" && current != token {
			return c.do(ctx, a, true)
		}
		zerolog.Ctx(ctx).Debug().
			Str("method", a.method).
			Str("path", a.url.Path).
			Msg("Access token rejected, refreshing")
		if _, err = c.refreshAccessToken(ctx); err != nil {
			return nil, err
		}
		return c.do(ctx, a, true)
	}

	if resp.StatusCode >= 500 {
		c.reportFailure(fmt.Sprintf("%s %s returned status %d", a.method, a.url.Path, resp.StatusCode))
	} else {
		c.reportSuccess()
	}
	return resp, nil
}

func (c *Client) reportSuccess() {
	if c.health != nil {
		c.health.ReportSuccess()
	}
}

func (c *Client) reportFailure(reason string) {
	if c.health != nil {
		c.health.ReportFailure(reason)
	}
}
