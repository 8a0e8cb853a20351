package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.mau.fi/util/exerrors"
)

const (
	contentTypeJSON = "application/json"
)

// authedRequest keeps its body as bytes rather than a reader so the request
// can be rebuilt for the one replay after a token refresh.
type authedRequest struct {
	parseErr error

	method string
	url    *url.URL
	header http.Header
	params url.Values
	body   []byte

	client *Client
}

func (c *Client) newAuthedRequest(method, path string) *authedRequest {
	ar := authedRequest{header: http.Header{}, method: method, client: c}
	ar.url, ar.parseErr = url.Parse(c.baseURL + path)

	if ar.parseErr == nil {
		ar.params = ar.url.Query()
	} else {
		ar.params = url.Values{}
	}

	ar.header.Set("Accept", contentTypeJSON)
	return &ar
}

func (a *authedRequest) WithHeader(key, value string) *authedRequest {
	a.header.Set(key, value)
	return a
}

func (a *authedRequest) WithParam(key, value string) *authedRequest {
	a.params.Add(key, value)
	return a
}

func (a *authedRequest) WithJSONPayload(payload any) *authedRequest {
	a.body = exerrors.Must(json.Marshal(payload))
	return a.WithContentType(contentTypeJSON)
}

func (a *authedRequest) WithBody(body []byte, contentType string) *authedRequest {
	a.body = body
	return a.WithContentType(contentType)
}

func (a *authedRequest) WithContentType(contentType string) *authedRequest {
	return a.WithHeader("Content-Type", contentType)
}

func (a *authedRequest) build(ctx context.Context) (*http.Request, error) {
	if a.parseErr != nil {
		return nil, a.parseErr
	}
	a.url.RawQuery = a.params.Encode()

	var body io.Reader
	if a.body != nil {
		body = bytes.NewReader(a.body)
	}
	req, err := http.NewRequestWithContext(ctx, a.method, a.url.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to build authed request %s %s: %w", a.method, a.url, err)
	}
	req.Header = a.header.Clone()
	return req, nil
}

func (a *authedRequest) Do(ctx context.Context) (*http.Response, error) {
	return a.client.do(ctx, a, false)
}
