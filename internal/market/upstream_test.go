package market

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paperarena/arena/internal/apierr"
)

func upstreamServer(t *testing.T, hits *atomic.Int64, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if delay > 0 {
			time.Sleep(delay)
		}
		symbol := r.URL.Query().Get("symbol")
		payload := upstreamFramesPayload{Frames: []Frame{testFrame(symbol, "1m", 1_000_000, 42)}}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestUpstreamFetch(t *testing.T) {
	var hits atomic.Int64
	srv := upstreamServer(t, &hits, 0)
	p := NewUpstreamProvider(srv.URL, 2*time.Second, nil, zerolog.Nop())

	frames, err := p.GetFrames(context.Background(), "600519.SH", "1m", 10)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, "600519.SH", frames[0].Symbol)
	assert.Equal(t, int64(1), hits.Load())
}

func TestUpstreamCoalescesConcurrentRequests(t *testing.T) {
	var hits atomic.Int64
	srv := upstreamServer(t, &hits, 50*time.Millisecond)
	p := NewUpstreamProvider(srv.URL, 2*time.Second, nil, zerolog.Nop())

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			frames, err := p.GetFrames(context.Background(), "600519.SH", "1m", 10)
			assert.NoError(t, err)
			assert.Len(t, frames, 1)
		}()
	}
	wg.Wait()
	// Identical in-flight requests share one upstream round trip.
	assert.Equal(t, int64(1), hits.Load())
}

func TestUpstreamErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)
	p := NewUpstreamProvider(srv.URL, 2*time.Second, nil, zerolog.Nop())

	_, err := p.GetFrames(context.Background(), "600519.SH", "1m", 10)
	assert.Equal(t, "market_proxy_error", apierr.Code(err, "x"))
}

func TestUpstreamBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	p := NewUpstreamProvider(srv.URL, 2*time.Second, nil, zerolog.Nop())

	// Distinct limits defeat coalescing so every call reaches the breaker.
	for i := 0; i < 5; i++ {
		_, err := p.GetFrames(context.Background(), "600519.SH", "1m", 10+i)
		require.Error(t, err)
	}
	assert.Equal(t, int64(5), hits.Load())

	// The open breaker fails fast without touching the wire.
	_, err := p.GetFrames(context.Background(), "600519.SH", "1m", 99)
	assert.Equal(t, "market_proxy_error", apierr.Code(err, "x"))
	assert.Equal(t, int64(5), hits.Load())
}

func TestUpstreamQuoteCache(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cache := NewQuoteCacheWithClient(client, 2*time.Second)

	var hits atomic.Int64
	srv := upstreamServer(t, &hits, 0)
	p := NewUpstreamProvider(srv.URL, 2*time.Second, cache, zerolog.Nop())
	ctx := context.Background()

	frames, err := p.GetFrames(ctx, "600519.SH", "1m", 10)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, int64(1), hits.Load())

	// The write-back is asynchronous; wait for it to land.
	require.Eventually(t, func() bool {
		_, ok := cache.Get(ctx, "600519.SH", "1m", 10)
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	frames, err = p.GetFrames(ctx, "600519.SH", "1m", 10)
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, int64(1), hits.Load())

	// Expired entries miss again.
	mr.FastForward(5 * time.Second)
	_, ok := cache.Get(ctx, "600519.SH", "1m", 10)
	assert.False(t, ok)

	require.NoError(t, cache.Close())
}

func TestQuoteCacheNilSafe(t *testing.T) {
	var c *QuoteCache
	_, ok := c.Get(context.Background(), "600519.SH", "1m", 10)
	assert.False(t, ok)
	c.SetAsync("600519.SH", "1m", 10, nil)
	assert.NoError(t, c.Close())

	cc, err := NewQuoteCache("", time.Second)
	assert.NoError(t, err)
	assert.Nil(t, cc)
}
