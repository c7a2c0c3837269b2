package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/singleflight"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/metrics"
)

// UpstreamProvider fetches frames from an HTTP JSON endpoint. Requests
// for the same (symbol, interval, limit) are coalesced, responses are
// optionally cached, and the endpoint sits behind a circuit breaker so
// a dead upstream fails fast instead of burning the full timeout.
type UpstreamProvider struct {
	client  *resty.Client
	breaker *gobreaker.CircuitBreaker
	group   singleflight.Group
	cache   *QuoteCache
	log     zerolog.Logger
}

type upstreamFramesPayload struct {
	Frames []Frame `json:"frames"`
}

// NewUpstreamProvider builds a provider for baseURL with the given
// request timeout. cache may be nil.
func NewUpstreamProvider(baseURL string, timeout time.Duration, cache *QuoteCache, log zerolog.Logger) *UpstreamProvider {
	logger := log.With().Str("component", "market_upstream").Logger()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "market_upstream",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			metrics.UpstreamBreakerState.WithLabelValues(name).Set(breakerStateValue(to))
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state change")
		},
	})

	return &UpstreamProvider{
		client:  resty.New().SetBaseURL(baseURL).SetTimeout(timeout),
		breaker: breaker,
		cache:   cache,
		log:     logger,
	}
}

// GetFrames fetches at most limit frames for (symbol, interval).
func (p *UpstreamProvider) GetFrames(ctx context.Context, symbol, interval string, limit int) ([]Frame, error) {
	if frames, ok := p.cache.Get(ctx, symbol, interval, limit); ok {
		return frames, nil
	}

	key := fmt.Sprintf("%s|%s|%d", symbol, interval, limit)
	v, err, _ := p.group.Do(key, func() (interface{}, error) {
		return p.fetch(ctx, symbol, interval, limit)
	})
	if err != nil {
		return nil, err
	}
	frames := v.([]Frame)
	p.cache.SetAsync(symbol, interval, limit, frames)
	return frames, nil
}

func (p *UpstreamProvider) fetch(ctx context.Context, symbol, interval string, limit int) ([]Frame, error) {
	out, err := p.breaker.Execute(func() (interface{}, error) {
		var payload upstreamFramesPayload
		resp, err := p.client.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"symbol":   symbol,
				"interval": interval,
				"limit":    strconv.Itoa(limit),
			}).
			SetResult(&payload).
			Get("/frames")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("upstream status %d", resp.StatusCode())
		}
		return payload.Frames, nil
	})
	if err != nil {
		p.log.Warn().Err(err).Str("symbol", symbol).Str("interval", interval).Msg("Upstream fetch failed")
		return nil, apierr.Unavailable("market_proxy_error", err.Error())
	}
	return out.([]Frame), nil
}

func breakerStateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
