// Package msgcache is a small on-disk cache of confirmed messages, so a
// conversation can render its recent history before the network answers.
// It is a cache, not a store of record: the server's history always wins.
package msgcache

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"go.etcd.io/bbolt"

	"github.com/parley-im/parley-go/pkg/types"
)

var bucketChats = []byte("chats")

const DefaultLimit = 200

type Store struct {
	db *bbolt.DB
	// limit is the number of messages kept per chat; older ones are pruned
	// on write.
	limit int
}

func Open(path string, limit int) (*Store, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open message cache: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketChats)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create cache bucket: %w", err)
	}
	return &Store{db: db, limit: limit}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts one confirmed message. Pending messages have no durable
// identity and are never cached.
func (s *Store) Put(msg types.Message) error {
	if msg.Pending {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket(bucketChats).CreateBucketIfNotExists([]byte(msg.ChatID))
		if err != nil {
			return err
		}
		data, err := msgpack.Marshal(msg)
		if err != nil {
			return err
		}
		if err = b.Put(messageKey(msg.ID), data); err != nil {
			return err
		}
		return pruneBucket(b, s.limit)
	})
}

// Recent returns up to limit messages of a chat in ascending id order.
func (s *Store) Recent(chatID string, limit int) ([]types.Message, error) {
	var messages []types.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketChats).Bucket([]byte(chatID))
		if b == nil {
			return nil
		}
		c := b.Cursor()
		for k, v := c.Last(); k != nil && len(messages) < limit; k, v = c.Prev() {
			var msg types.Message
			if err := msgpack.Unmarshal(v, &msg); err != nil {
				return fmt.Errorf("failed to decode cached message: %w", err)
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Walked newest-first, flip to view order.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// Drop forgets a whole chat, e.g. on leaving it for good.
func (s *Store) Drop(chatID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		err := tx.Bucket(bucketChats).DeleteBucket([]byte(chatID))
		if err == bbolt.ErrBucketNotFound {
			return nil
		}
		return err
	})
}

func pruneBucket(b *bbolt.Bucket, limit int) error {
	count := 0
	if err := b.ForEach(func(_, _ []byte) error { count++; return nil }); err != nil {
		return err
	}
	c := b.Cursor()
	for k, _ := c.First(); k != nil && count > limit; k, _ = c.First() {
		if err := b.Delete(k); err != nil {
			return err
		}
		count--
	}
	return nil
}

// messageKey encodes the id big-endian so byte order equals id order.
func messageKey(id int64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(id))
	return key
}
