package conversation

import (
	"context"
	"strings"
	"time"
)

// NewStore picks a driver by configuration: redis when a redis URL is set,
// postgres when a database URL is set, otherwise in-memory.
func NewStore(ctx context.Context, redisURL, databaseURL string, redisTTL time.Duration) (Store, error) {
	if strings.TrimSpace(redisURL) != "" {
		return NewRedisStore(redisURL, redisTTL)
	}
	if strings.TrimSpace(databaseURL) != "" {
		return NewPostgresStore(ctx, databaseURL)
	}
	return NewInMemoryStore(), nil
}
