// Package redisstore implements the durable cache tier and offline queue
// persistence on Redis, for deployments where several client processes share
// one support desk profile.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cherrygifts/cherrychat/internal/model"
	"github.com/redis/go-redis/v9"
)

// Store keeps every key under "cherrychat:<namespace>:".
type Store struct {
	client    *redis.Client
	namespace string
}

// New connects to redisURL and verifies the connection.
func New(ctx context.Context, redisURL, namespace string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client, namespace: namespace}, nil
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) prefix(collection string) string {
	return fmt.Sprintf("cherrychat:%s:%s:", s.namespace, collection)
}

func (s *Store) queueKey() string {
	return fmt.Sprintf("cherrychat:%s:offline_queue", s.namespace)
}

// Put stores value and lets Redis expire it at expiresAt.
func (s *Store) Put(ctx context.Context, collection, key string, value []byte, expiresAt time.Time) error {
	var ttl time.Duration
	if !expiresAt.IsZero() {
		ttl = time.Until(expiresAt)
		if ttl <= 0 {
			return s.Delete(ctx, collection, key)
		}
	}
	return s.client.Set(ctx, s.prefix(collection)+key, value, ttl).Err()
}

// Get returns the value and whether it exists.
func (s *Store) Get(ctx context.Context, collection, key string) ([]byte, bool, error) {
	v, err := s.client.Get(ctx, s.prefix(collection)+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, collection, key string) error {
	return s.client.Del(ctx, s.prefix(collection)+key).Err()
}

// Keys lists the keys of collection with the namespace prefix stripped.
func (s *Store) Keys(ctx context.Context, collection string) ([]string, error) {
	prefix := s.prefix(collection)
	var keys []string
	iter := s.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, strings.TrimPrefix(iter.Val(), prefix))
	}
	return keys, iter.Err()
}

// Clear removes every key of collection.
func (s *Store) Clear(ctx context.Context, collection string) error {
	keys, err := s.Keys(ctx, collection)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.prefix(collection) + k
	}
	return s.client.Del(ctx, full...).Err()
}

// DeleteExpired is a no-op: Redis expires keys itself.
func (s *Store) DeleteExpired(context.Context, string, time.Time) (int, error) {
	return 0, nil
}

// SaveQueue stores the whole offline queue as one JSON document.
func (s *Store) SaveQueue(ctx context.Context, entries []model.QueuedMessage) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.queueKey(), data, 0).Err()
}

// LoadQueue reads the offline queue; a missing key is an empty queue.
func (s *Store) LoadQueue(ctx context.Context) ([]model.QueuedMessage, error) {
	data, err := s.client.Get(ctx, s.queueKey()).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []model.QueuedMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode queue: %w", err)
	}
	return entries, nil
}

func escapeGlob(s string) string {
	r := strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)
	return r.Replace(s)
}
