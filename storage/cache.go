package storage

import (
	"context"
	"errors"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"

	"fleetboard/domain"
)

type backend interface {
	ListWorkOrders(ctx context.Context, boardID string) ([]domain.WorkOrder, error)
	GetWorkOrder(ctx context.Context, boardID, id string) (domain.WorkOrder, string, error)
	UpdateWorkOrder(ctx context.Context, wo domain.WorkOrder, etag string) error
	EnqueueEvent(ctx context.Context, ev domain.BoardUpdateEvent) error
}

// Cache keeps board snapshots in redis in front of a backend. Reads of a
// single work order always hit the backend so its ETag is current.
type Cache struct {
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching wrapper using the provided Redis client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}
	return &Cache{base: base, redis: client, ttl: ttl}
}

// ListWorkOrders serves a board snapshot from redis, filling it from the
// backend on a miss. A fill is dropped when the board was evicted while the
// backend read was in flight.
func (c *Cache) ListWorkOrders(ctx context.Context, boardID string) ([]domain.WorkOrder, error) {
	if items, ok := c.load(ctx, boardID); ok {
		return items, nil
	}
	gen, genOK := c.generation(ctx, boardID)
	items, err := c.base.ListWorkOrders(ctx, boardID)
	if err != nil {
		return nil, err
	}
	if genOK {
		c.store(ctx, boardID, gen, items)
	}
	return items, nil
}

func (c *Cache) GetWorkOrder(ctx context.Context, boardID, id string) (domain.WorkOrder, string, error) {
	return c.base.GetWorkOrder(ctx, boardID, id)
}

func (c *Cache) UpdateWorkOrder(ctx context.Context, wo domain.WorkOrder, etag string) error {
	if err := c.base.UpdateWorkOrder(ctx, wo, etag); err != nil {
		return err
	}
	c.Evict(ctx, wo.BoardID)
	return nil
}

func (c *Cache) EnqueueEvent(ctx context.Context, ev domain.BoardUpdateEvent) error {
	return c.base.EnqueueEvent(ctx, ev)
}

// Evict drops the cached snapshot of a board and bumps its generation so
// fills racing with the eviction are discarded.
func (c *Cache) Evict(ctx context.Context, boardID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, snapshotGenKey(boardID))
		pipe.Del(ctx, snapshotCacheKey(boardID))
		return nil
	})
}

// generation returns the board's eviction counter. The bool is false when
// redis cannot be read, in which case nothing should be cached.
func (c *Cache) generation(ctx context.Context, boardID string) (int64, bool) {
	if c.redis == nil {
		return 0, false
	}
	gen, err := c.redis.Get(ctx, snapshotGenKey(boardID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, true
	}
	return gen, err == nil
}

func (c *Cache) load(ctx context.Context, boardID string) ([]domain.WorkOrder, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, snapshotCacheKey(boardID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			// fall back to the backend without failing the read
			_ = c.redis.Del(ctx, snapshotCacheKey(boardID)).Err()
		}
		return nil, false
	}
	var items []domain.WorkOrder
	if err := sonic.ConfigStd.Unmarshal(data, &items); err != nil {
		_ = c.redis.Del(ctx, snapshotCacheKey(boardID)).Err()
		return nil, false
	}
	return items, true
}

// store caches items unless the board's generation moved past gen. The
// generation check and the write share one WATCH transaction.
func (c *Cache) store(ctx context.Context, boardID string, gen int64, items []domain.WorkOrder) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := sonic.ConfigStd.Marshal(items)
	if err != nil {
		return
	}
	genKey := snapshotGenKey(boardID)
	_ = c.redis.Watch(ctx, func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, genKey).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if cur != gen {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, snapshotCacheKey(boardID), data, c.ttl)
			return nil
		})
		return err
	}, genKey)
}

func snapshotCacheKey(boardID string) string {
	return "board-snapshot:" + boardID
}

func snapshotGenKey(boardID string) string {
	return "board-snapshot-gen:" + boardID
}
