package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
)

const keyUsername = "username"

// resolveUsername keeps the local user's id in the credential store so a
// resumed session doesn't depend on the -user flag being repeated.
func resolveUsername(ctx context.Context, store *fileStore, flagUser string) (string, error) {
	if flagUser != "" {
		return flagUser, store.Set(ctx, keyUsername, flagUser)
	}
	return store.Get(ctx, keyUsername)
}

// fileStore persists credentials as a JSON map next to the message cache.
// Good enough for a terminal client; a mobile shell would use the platform
// keychain behind the same interface.
type fileStore struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

func newFileStore(path string) (*fileStore, error) {
	store := &fileStore{path: path, values: make(map[string]string)}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return store, nil
	} else if err != nil {
		return nil, err
	}
	if err = json.Unmarshal(data, &store.values); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *fileStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.values[key], nil
}

func (s *fileStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return s.save()
}

func (s *fileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	return s.save()
}

func (s *fileStore) save() error {
	data, err := json.Marshal(s.values)
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}
