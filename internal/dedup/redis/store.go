// Package redis implements the shared dedup tier with Redis SETNX.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

type commander interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Close() error
}

// Config holds connection and keying parameters.
type Config struct {
	Addr   string
	Prefix string
	TTL    time.Duration
}

// Store claims first-seen ownership of dedup keys in Redis.
type Store struct {
	client commander
	prefix string
	ttl    time.Duration
}

// New connects to Redis at cfg.Addr.
func New(cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	return NewWithClient(redis.NewClient(&redis.Options{Addr: cfg.Addr}), cfg.Prefix, cfg.TTL), nil
}

// NewWithClient builds a Store around an existing client (tests).
func NewWithClient(client commander, prefix string, ttl time.Duration) *Store {
	return &Store{client: client, prefix: prefix, ttl: ttl}
}

// Claim sets key to id when absent. When another owner holds the key it
// returns that owner with claimed=false.
func (s *Store) Claim(ctx context.Context, key, id string) (string, bool, error) {
	full := s.prefix + key
	ok, err := s.client.SetNX(ctx, full, id, s.ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("redis setnx: %w", err)
	}
	if ok {
		return id, true, nil
	}
	owner, err := s.client.Get(ctx, full).Result()
	if errors.Is(err, redis.Nil) {
		// Expired between SETNX and GET; the key is free again.
		return s.Claim(ctx, key, id)
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return owner, false, nil
}

// Close releases the client.
func (s *Store) Close() error {
	return s.client.Close()
}
