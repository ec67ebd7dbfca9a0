// Package cache wraps the shared key-value store used for derived data and
// unread counters. Entries are advisory: every value can be recomputed from
// the relational store, so callers treat any error as a miss.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"strings"
	"time"
)

var (
	// ErrUnavailable wraps every failure talking to the backing store.
	ErrUnavailable = errors.New("cache unavailable")

	// ErrInvalidPattern is returned for patterns that would match everything.
	ErrInvalidPattern = errors.New("invalid cache key pattern")
)

type Store interface {
	Get(ctx context.Context, key string, dst any) (bool, error)
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	DeletePrefix(ctx context.Context, prefix string) (int64, error)
	// IncrExisting adds delta to an integer entry only when it is present,
	// keeping its TTL and clamping the result at zero.
	IncrExisting(ctx context.Context, key string, delta int64) (int64, bool, error)
	Ping(ctx context.Context) error
}

// GetOrLoad reads key into dst, falling back to load on a miss or a store
// failure. A loaded value is written back best-effort.
func GetOrLoad[T any](ctx context.Context, store Store, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	var cached T

	hit, err := store.Get(ctx, key, &cached)
	if err != nil {
		log.Printf("[cache] get %s failed, loading from database: %v", key, err)
	}
	if hit && err == nil {
		return cached, nil
	}

	value, err := load(ctx)
	if err != nil {
		return value, err
	}

	if err := store.Set(ctx, key, value, ttl); err != nil {
		log.Printf("[cache] set %s failed: %v", key, err)
	}

	return value, nil
}

// normalizePrefix turns "project:1:*" or "project:1:" into "project:1:".
func normalizePrefix(pattern string) (string, error) {
	prefix := strings.TrimSuffix(pattern, "*")
	if prefix == "" || strings.ContainsAny(prefix, "*?[]") {
		return "", ErrInvalidPattern
	}
	return prefix, nil
}

func encode(value any) ([]byte, error) {
	return json.Marshal(value)
}

func decode(raw []byte, dst any) error {
	return json.Unmarshal(raw, dst)
}
