package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("item not found")

// Store is a flat string key/value store with the semantics of browser
// local storage. Should be safe to use concurrently.
type Store interface {
	// GetItem returns the value stored under key,
	// or ErrNotFound when there is none.
	GetItem(key string) (string, error)

	// SetItem stores value under key, replacing any existing value.
	SetItem(key string, value string) error

	// RemoveItem deletes key. A key that is not there is not an error.
	RemoveItem(key string) error
}

// ------------------------------------------------------------------------------

type MemoryStore struct {
	items map[string]string
	mutex sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: make(map[string]string),
	}
}

func (s *MemoryStore) GetItem(key string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if value, ok := s.items[key]; ok {
		return value, nil
	}
	return "", fmt.Errorf("%w: %s", ErrNotFound, key)
}

func (s *MemoryStore) SetItem(key string, value string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.items[key] = value
	return nil
}

func (s *MemoryStore) RemoveItem(key string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	delete(s.items, key)
	return nil
}

// ------------------------------------------------------------------------------

type RedisStore struct {
	client    redis.UniversalClient
	namespace string
}

func NewRedisStore(client redis.UniversalClient, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func createKey(namespace, key string) string {
	return fmt.Sprintf("%s:cache:%s", namespace, key)
}

// Entries are written without TTL, freshness is judged by the reader.
func (s *RedisStore) SetItem(key string, value string) error {
	ctx := context.Background()
	return s.client.Set(ctx, createKey(s.namespace, key), value, 0).Err()
}

func (s *RedisStore) GetItem(key string) (string, error) {
	ctx := context.Background()
	value, err := s.client.Get(ctx, createKey(s.namespace, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return value, err
}

func (s *RedisStore) RemoveItem(key string) error {
	ctx := context.Background()
	return s.client.Del(ctx, createKey(s.namespace, key)).Err()
}
