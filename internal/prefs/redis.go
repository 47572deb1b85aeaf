package prefs

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps preferences in Redis so they survive restarts and are
// shared across gateway instances.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "modelgate"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(userID string) string {
	return fmt.Sprintf("%s:prefs:user:%s:model", s.prefix, userID)
}

// Get returns the stored preference. On Redis error the caller should log
// and treat the result as no preference.
func (s *RedisStore) Get(ctx context.Context, userID string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, fmt.Errorf("context error: %w", err)
	}

	res, err := s.client.Get(ctx, s.key(userID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get failed: %w", err)
	}
	return res, true, nil
}

func (s *RedisStore) Set(ctx context.Context, userID, modelID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	if err := s.client.Set(ctx, s.key(userID), modelID, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("context error: %w", err)
	}
	return s.client.Del(ctx, s.key(userID)).Err()
}
