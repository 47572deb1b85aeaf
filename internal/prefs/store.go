// Package prefs stores per-user preferred-model overrides consulted by the
// selector before any scoring runs.
package prefs

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Store is the preference lookup used by the selector. Implemented by the
// memory store (dev) and the Redis store (prod).
type Store interface {
	// Get returns the user's preferred model id, if one is stored.
	Get(ctx context.Context, userID string) (modelID string, ok bool, err error)
	Set(ctx context.Context, userID, modelID string) error
	Delete(ctx context.Context, userID string) error
}

// Config selects the backend.
type Config struct {
	Backend string // "memory" or "redis"
	Prefix  string
}

// NewStore builds the configured backend, defaulting to memory.
func NewStore(cfg Config, redisClient *redis.Client) Store {
	switch cfg.Backend {
	case "redis":
		return NewRedisStore(redisClient, cfg.Prefix)
	default:
		return NewMemoryStore()
	}
}
