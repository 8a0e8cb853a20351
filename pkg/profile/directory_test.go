package profile_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parley-im/parley-go/pkg/profile"
	"github.com/parley-im/parley-go/pkg/types"
)

type stubGetter struct {
	calls int
	err   error
}

func (s *stubGetter) GetUser(_ context.Context, userID string) (*types.User, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &types.User{ID: userID, DisplayName: "User " + userID}, nil
}

func TestLookupCaches(t *testing.T) {
	ctx := context.Background()
	getter := &stubGetter{}
	dir := profile.NewDirectory(ctx, getter, time.Minute)

	user, err := dir.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "User bob", user.DisplayName)

	_, err = dir.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 1, getter.calls)

	_, err = dir.Lookup(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, 2, getter.calls)
}

func TestLookupErrorNotCached(t *testing.T) {
	ctx := context.Background()
	getter := &stubGetter{err: errors.New("boom")}
	dir := profile.NewDirectory(ctx, getter, time.Minute)

	_, err := dir.Lookup(ctx, "bob")
	assert.Error(t, err)

	getter.err = nil
	user, err := dir.Lookup(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, "bob", user.ID)
	assert.Equal(t, 2, getter.calls)
}
