package profilecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "billing:profile:"

// RedisStore keeps profile entries in Redis as JSON values.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisStore creates a Redis-backed store. A zero TTL keeps entries until
// the next sync overwrites them.
func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if client == nil {
		panic("profilecache: redis client is required")
	}
	return &RedisStore{client: client, ttl: ttl}
}

func cacheKey(userID uuid.UUID) string {
	return fmt.Sprintf("%s%s", keyPrefix, userID)
}

func (s *RedisStore) Set(ctx context.Context, userID uuid.UUID, entry Entry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, cacheKey(userID), raw, s.ttl).Err(); err != nil {
		return errors.Join(ErrCacheUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, userID uuid.UUID) (Entry, bool, error) {
	raw, err := s.client.Get(ctx, cacheKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, errors.Join(ErrCacheUnavailable, err)
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is treated as a miss; the next sync rewrites it.
		return Entry{}, false, nil
	}
	return entry, true, nil
}

func (s *RedisStore) Delete(ctx context.Context, userID uuid.UUID) error {
	if err := s.client.Del(ctx, cacheKey(userID)).Err(); err != nil {
		return errors.Join(ErrCacheUnavailable, err)
	}
	return nil
}
