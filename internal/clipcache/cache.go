// Package clipcache holds the derived artifacts produced from regions:
// rendered clip payloads in Redis and rendered image objects in MinIO.
// This package only stores and evicts; rendering happens elsewhere.
package clipcache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrCacheMiss is returned when no rendered payload exists for a region.
var ErrCacheMiss = fmt.Errorf("clipcache: miss")

// Cache is the Redis-backed render cache. Entries are keyed by region id and
// removed whenever the region's geometry or metadata changes.
type Cache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewWithClient(client), nil
}

// NewWithClient creates a cache from an existing Redis client.
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{
		client: client,
		prefix: "clip:",
		ttl:    24 * time.Hour,
	}
}

func (c *Cache) renderKey(regionID string) string {
	return c.prefix + regionID + ":render"
}

func (c *Cache) metaKey(regionID string) string {
	return c.prefix + regionID + ":meta"
}

// SetRender stores a rendered clip payload for a region.
func (c *Cache) SetRender(ctx context.Context, regionID string, payload []byte) error {
	if err := c.client.Set(ctx, c.renderKey(regionID), payload, c.ttl).Err(); err != nil {
		return fmt.Errorf("cache render %s: %w", regionID, err)
	}
	return nil
}

// GetRender returns the cached rendered payload, or ErrCacheMiss.
func (c *Cache) GetRender(ctx context.Context, regionID string) ([]byte, error) {
	payload, err := c.client.Get(ctx, c.renderKey(regionID)).Bytes()
	if err == redis.Nil {
		return nil, ErrCacheMiss
	}
	if err != nil {
		return nil, fmt.Errorf("read render cache %s: %w", regionID, err)
	}
	return payload, nil
}

// InvalidateRegion drops every cached entry tied to the region. Deleting a
// key that does not exist is a no-op, so the call is idempotent.
func (c *Cache) InvalidateRegion(ctx context.Context, documentID, regionID string) error {
	if err := c.client.Del(ctx, c.renderKey(regionID), c.metaKey(regionID)).Err(); err != nil {
		return fmt.Errorf("invalidate region cache %s: %w", regionID, err)
	}
	return nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Ping checks if Redis is reachable.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
