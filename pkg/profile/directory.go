// Package profile caches participant lookups so typing indicators and
// message rendering don't hit the REST API on every event.
package profile

import (
	"context"
	"time"

	"github.com/c-pro/geche"

	"github.com/parley-im/parley-go/pkg/types"
)

const DefaultTTL = 5 * time.Minute

// Getter is the slice of the gateway the directory fetches through.
type Getter interface {
	GetUser(ctx context.Context, userID string) (*types.User, error)
}

type Directory struct {
	api   Getter
	cache geche.Geche[string, types.User]
}

// NewDirectory builds a directory whose cache is cleaned until ctx is done.
func NewDirectory(ctx context.Context, api Getter, ttl time.Duration) *Directory {
	if ttl == 0 {
		ttl = DefaultTTL
	}
	return &Directory{
		api:   api,
		cache: geche.NewMapTTLCache[string, types.User](ctx, ttl, time.Minute),
	}
}

// Lookup returns the cached profile or fetches and caches it. A fetch error
// is returned as-is; nothing negative is cached, so the next lookup retries.
func (d *Directory) Lookup(ctx context.Context, userID string) (*types.User, error) {
	if user, err := d.cache.Get(userID); err == nil {
		return &user, nil
	}
	user, err := d.api.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	d.cache.Set(userID, *user)
	return user, nil
}
