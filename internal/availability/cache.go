package availability

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache stores availability breakdowns in Redis with a short TTL. It is a
// display cache only; reservation commits never trust it.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewCache builds a Cache. TTL zero falls back to 30 seconds.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Cache{client: client, ttl: ttl}
}

func cacheKey(articleID int64) string {
	return fmt.Sprintf("availability:breakdown:%d", articleID)
}

// Get returns a cached breakdown when fresh.
func (c *Cache) Get(ctx context.Context, articleID int64) (Breakdown, bool) {
	if c == nil || c.client == nil {
		return Breakdown{}, false
	}
	raw, err := c.client.Get(ctx, cacheKey(articleID)).Bytes()
	if err != nil {
		return Breakdown{}, false
	}
	var bd Breakdown
	if err := json.Unmarshal(raw, &bd); err != nil {
		return Breakdown{}, false
	}
	return bd, true
}

// Set stores a breakdown. Failures are ignored; the cache is best effort.
func (c *Cache) Set(ctx context.Context, bd Breakdown) {
	if c == nil || c.client == nil {
		return
	}
	raw, err := json.Marshal(bd)
	if err != nil {
		return
	}
	_ = c.client.Set(ctx, cacheKey(bd.ArticleID), raw, c.ttl).Err()
}

// Delete drops the cached breakdown for an article.
func (c *Cache) Delete(ctx context.Context, articleID int64) error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Del(ctx, cacheKey(articleID)).Err()
}
