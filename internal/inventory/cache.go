package inventory

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// AvailabilityCache caches plant-level availability for dashboard reads. It is
// a display convenience only: posting and fulfillment gating always recompute
// availability from the ledger.
type AvailabilityCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewAvailabilityCache constructs the cache.
func NewAvailabilityCache(client *redis.Client, ttl time.Duration) *AvailabilityCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &AvailabilityCache{client: client, ttl: ttl}
}

func availabilityKey(materialID, plantID int64) string {
	return fmt.Sprintf("inventory:avail:%d:%d", materialID, plantID)
}

// Get returns the cached value and whether it was present.
func (c *AvailabilityCache) Get(ctx context.Context, materialID, plantID int64) (float64, bool) {
	if c == nil || c.client == nil {
		return 0, false
	}
	val, err := c.client.Get(ctx, availabilityKey(materialID, plantID)).Result()
	if err != nil {
		return 0, false
	}
	qty, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, false
	}
	return qty, true
}

// Set stores the freshly derived value.
func (c *AvailabilityCache) Set(ctx context.Context, materialID, plantID int64, qty float64) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Set(ctx, availabilityKey(materialID, plantID), strconv.FormatFloat(qty, 'f', -1, 64), c.ttl)
}

// Invalidate drops the cached value after a posting touched the key.
func (c *AvailabilityCache) Invalidate(ctx context.Context, materialID, plantID int64) {
	if c == nil || c.client == nil {
		return
	}
	c.client.Del(ctx, availabilityKey(materialID, plantID))
}
