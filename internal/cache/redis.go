package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const (
	defaultScanCount = 500
	deleteBatchSize  = 500
)

// incrExistingScript adjusts a counter only if it is already cached, so a
// dropped entry is recomputed from the database instead of restarting at 1.
var incrExistingScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then
  return {0, 0}
end
local value = tonumber(current)
if not value then
  redis.call("DEL", KEYS[1])
  return {0, 0}
end
value = value + tonumber(ARGV[1])
if value < 0 then
  value = 0
end
redis.call("SET", KEYS[1], value, "KEEPTTL")
return {1, value}
`)

// RedisStore is the Store backed by a shared Redis instance.
type RedisStore struct {
	client    *redis.Client
	scanCount int64
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:    client,
		scanCount: defaultScanCount,
	}
}

func unavailable(op, key string, err error) error {
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, key, err)
}

func (s *RedisStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("get", key, err)
	}

	if err := decode(raw, dst); err != nil {
		// A corrupt entry is dropped and reported as a miss.
		s.client.Del(ctx, key)
		return false, nil
	}

	return true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	raw, err := encode(value)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}

	if err := s.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return unavailable("set", key, err)
	}

	return nil
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error) {
	raw, err := encode(value)
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", key, err)
	}

	ok, err := s.client.SetNX(ctx, key, raw, ttl).Result()
	if err != nil {
		return false, unavailable("setnx", key, err)
	}

	return ok, nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return unavailable("del", strings.Join(keys, ","), err)
	}

	return nil
}

// DeletePrefix walks the keyspace with SCAN and deletes matches in batches.
// SCAN never blocks the server the way KEYS does.
func (s *RedisStore) DeletePrefix(ctx context.Context, pattern string) (int64, error) {
	prefix, err := normalizePrefix(pattern)
	if err != nil {
		return 0, err
	}

	match := escapeGlob(prefix) + "*"

	var (
		cursor  uint64
		deleted int64
		batch   = make([]string, 0, deleteBatchSize)
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := s.client.Del(ctx, batch...).Result()
		if err != nil {
			return unavailable("del", prefix+"*", err)
		}
		deleted += n
		batch = batch[:0]
		return nil
	}

	for {
		keys, next, err := s.client.Scan(ctx, cursor, match, s.scanCount).Result()
		if err != nil {
			return deleted, unavailable("scan", match, err)
		}

		for _, key := range keys {
			batch = append(batch, key)
			if len(batch) >= deleteBatchSize {
				if err := flush(); err != nil {
					return deleted, err
				}
			}
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	if err := flush(); err != nil {
		return deleted, err
	}

	return deleted, nil
}

func (s *RedisStore) IncrExisting(ctx context.Context, key string, delta int64) (int64, bool, error) {
	res, err := incrExistingScript.Run(ctx, s.client, []string{key}, delta).Int64Slice()
	if err != nil {
		return 0, false, unavailable("incr", key, err)
	}
	if len(res) != 2 {
		return 0, false, unavailable("incr", key, fmt.Errorf("unexpected script reply %v", res))
	}

	return res[1], res[0] == 1, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", "", err)
	}
	return nil
}

func escapeGlob(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
