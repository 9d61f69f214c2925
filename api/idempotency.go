package api

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper records processed client request ids in Redis so a retried
// move is applied once across every instance.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(boardID, requestID string) string {
	return "move:" + boardID + ":" + requestID
}

// Add records the request id if it is new for the board. It returns true
// when the id was newly added.
func (r *RedisDeduper) Add(ctx context.Context, boardID, requestID string) (bool, error) {
	return r.client.SetNX(ctx, r.key(boardID, requestID), 1, r.ttl).Result()
}

// Remove forgets a request id after the move failed so the client may retry it.
func (r *RedisDeduper) Remove(ctx context.Context, boardID, requestID string) error {
	return r.client.Del(ctx, r.key(boardID, requestID)).Err()
}
