// Package storage builds the shared redis.Client handed to
// internal/async's progress pub/sub and internal/enginefacade's per-graph
// wiring, so connection options (address, auth, db selection) live in one
// place instead of being repeated at every call site.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// NewRedisClient dials addr and verifies the connection with a bounded
// ping before returning, so callers fail fast at startup rather than on
// the first async step dispatch.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}
