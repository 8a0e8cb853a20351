package msgcache_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mau.fi/util/jsontime"

	"github.com/parley-im/parley-go/pkg/msgcache"
	"github.com/parley-im/parley-go/pkg/types"
)

func openStore(t *testing.T, limit int) *msgcache.Store {
	t.Helper()
	store, err := msgcache.Open(filepath.Join(t.TempDir(), "cache.db"), limit)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func message(id int64, chatID, body string) types.Message {
	return types.Message{
		ID:          id,
		ChatID:      chatID,
		SenderID:    "bob",
		Body:        body,
		ContentType: types.ContentTypeText,
		SentAt:      jsontime.UM(time.Now().Truncate(time.Millisecond)),
	}
}

func TestPutRecentRoundTrip(t *testing.T) {
	store := openStore(t, 10)

	require.NoError(t, store.Put(message(3, "general", "three")))
	require.NoError(t, store.Put(message(1, "general", "one")))
	require.NoError(t, store.Put(message(2, "general", "two")))
	require.NoError(t, store.Put(message(9, "random", "elsewhere")))

	messages, err := store.Recent("general", 10)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.EqualValues(t, 1, messages[0].ID)
	assert.EqualValues(t, 2, messages[1].ID)
	assert.EqualValues(t, 3, messages[2].ID)
	assert.Equal(t, "one", messages[0].Body)

	// Upsert overwrites in place.
	edited := message(2, "general", "two (edited)")
	require.NoError(t, store.Put(edited))
	messages, err = store.Recent("general", 10)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.Equal(t, "two (edited)", messages[1].Body)
}

func TestRecentHonorsLimit(t *testing.T) {
	store := openStore(t, 10)
	for id := int64(1); id <= 5; id++ {
		require.NoError(t, store.Put(message(id, "general", "m")))
	}

	messages, err := store.Recent("general", 2)
	require.NoError(t, err)
	require.Len(t, messages, 2)
	// The newest two, still in ascending order.
	assert.EqualValues(t, 4, messages[0].ID)
	assert.EqualValues(t, 5, messages[1].ID)
}

func TestPruneKeepsNewest(t *testing.T) {
	store := openStore(t, 3)
	for id := int64(1); id <= 5; id++ {
		require.NoError(t, store.Put(message(id, "general", "m")))
	}

	messages, err := store.Recent("general", 10)
	require.NoError(t, err)
	require.Len(t, messages, 3)
	assert.EqualValues(t, 3, messages[0].ID)
	assert.EqualValues(t, 5, messages[2].ID)
}

func TestPendingNeverCached(t *testing.T) {
	store := openStore(t, 10)
	pending := message(time.Now().UnixNano(), "general", "optimistic")
	pending.Pending = true
	require.NoError(t, store.Put(pending))

	messages, err := store.Recent("general", 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestDrop(t *testing.T) {
	store := openStore(t, 10)
	require.NoError(t, store.Put(message(1, "general", "one")))
	require.NoError(t, store.Drop("general"))
	require.NoError(t, store.Drop("general"))

	messages, err := store.Recent("general", 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestRecentUnknownChat(t *testing.T) {
	store := openStore(t, 10)
	messages, err := store.Recent("nope", 10)
	require.NoError(t, err)
	assert.Empty(t, messages)
}
