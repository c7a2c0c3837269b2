package market

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// QuoteCache caches upstream frame batches in Redis for a short TTL.
// A nil cache is valid and disables caching.
type QuoteCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewQuoteCache connects to Redis via URL. An empty URL returns nil,
// which every method tolerates.
func NewQuoteCache(url string, ttl time.Duration) (*QuoteCache, error) {
	if url == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis url: %w", err)
	}
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &QuoteCache{client: redis.NewClient(opts), ttl: ttl}, nil
}

// NewQuoteCacheWithClient wraps an existing client, mainly for tests.
func NewQuoteCacheWithClient(client *redis.Client, ttl time.Duration) *QuoteCache {
	if client == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = 2 * time.Second
	}
	return &QuoteCache{client: client, ttl: ttl}
}

func (c *QuoteCache) key(symbol, interval string, limit int) string {
	return fmt.Sprintf("arena:frames:%s:%s:%d", symbol, interval, limit)
}

// Get returns cached frames or (nil, false). Redis being down is a
// cache miss, never an error.
func (c *QuoteCache) Get(ctx context.Context, symbol, interval string, limit int) ([]Frame, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}

	cacheCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	cached, err := c.client.Get(cacheCtx, c.key(symbol, interval, limit)).Result()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Msg("Quote cache get error - treating as cache miss")
		}
		return nil, false
	}

	var frames []Frame
	if err := json.Unmarshal([]byte(cached), &frames); err != nil {
		log.Warn().Err(err).Msg("Failed to unmarshal cached frames")
		return nil, false
	}
	return frames, true
}

// SetAsync stores frames without blocking the caller. Failures only
// log; the response was already served.
func (c *QuoteCache) SetAsync(symbol, interval string, limit int, frames []Frame) {
	if c == nil || c.client == nil {
		return
	}
	data, err := json.Marshal(frames)
	if err != nil {
		return
	}
	key := c.key(symbol, interval, limit)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Failed to cache frames")
		}
	}()
}

// Close releases the Redis connection.
func (c *QuoteCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
