package market

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/paperarena/arena/internal/apierr"
	"github.com/paperarena/arena/internal/clock"
)

// Data modes the adapter can run in.
const (
	ModeLiveFile = "live_file"
	ModeReplay   = "replay"
	ModeUpstream = "upstream"
	ModeMock     = "mock"
)

// Adapter gives uniform access to intraday/daily bars regardless of
// the backing mode. In strict live mode only live files may serve;
// everything else fails with live_frames_unavailable.
type Adapter struct {
	mode       string
	strictLive bool
	live       map[Market]*LiveFileProvider
	replay     *ReplayEngine
	upstream   *UpstreamProvider
	mock       *mockProvider
	log        zerolog.Logger
}

// NewAdapter builds the adapter for one data mode. clk seeds the
// synthetic generator used by mock mode.
func NewAdapter(mode string, strictLive bool, live map[Market]*LiveFileProvider, replay *ReplayEngine, upstream *UpstreamProvider, clk clock.Clock, log zerolog.Logger) *Adapter {
	return &Adapter{
		mode:       mode,
		strictLive: strictLive,
		live:       live,
		replay:     replay,
		upstream:   upstream,
		mock:       newMockProvider(clk),
		log:        log.With().Str("component", "market_adapter").Logger(),
	}
}

// Mode returns the configured data mode.
func (a *Adapter) Mode() string {
	return a.mode
}

// StrictLive reports whether non-live sources are forbidden.
func (a *Adapter) StrictLive() bool {
	return a.strictLive
}

// GetFrames returns at most limit frames for (symbol, interval) in
// ascending window order, tagged with the provenance of the data.
func (a *Adapter) GetFrames(ctx context.Context, symbol, interval string, limit int) (Batch, error) {
	if limit <= 0 {
		limit = 180
	}

	switch a.mode {
	case ModeLiveFile:
		return a.liveFrames(symbol, interval, limit)
	case ModeReplay:
		if a.strictLive {
			return Batch{}, apierr.Unavailable("live_frames_unavailable", "strict live mode forbids replay frames")
		}
		if a.replay == nil {
			return Batch{}, apierr.Unavailable("live_frames_unavailable", "replay engine not configured")
		}
		return Batch{Frames: a.replay.GetFrames(symbol, interval, limit), Mode: "mock", Provider: "replay"}, nil
	case ModeUpstream:
		if a.strictLive {
			return Batch{}, apierr.Unavailable("live_frames_unavailable", "strict live mode forbids upstream frames")
		}
		if a.upstream == nil {
			return Batch{}, apierr.Unavailable("live_frames_unavailable", "upstream provider not configured")
		}
		frames, err := a.upstream.GetFrames(ctx, symbol, interval, limit)
		if err != nil {
			return Batch{}, err
		}
		return Batch{Frames: frames, Mode: "real", Provider: "upstream"}, nil
	default:
		if a.strictLive {
			return Batch{}, apierr.Unavailable("live_frames_unavailable", "strict live mode forbids mock frames")
		}
		if a.mock == nil {
			return Batch{}, apierr.Unavailable("live_frames_unavailable", "no frame provider configured")
		}
		return Batch{Frames: a.mock.GetFrames(symbol, interval, limit), Mode: "mock", Provider: "mock"}, nil
	}
}

func (a *Adapter) liveFrames(symbol, interval string, limit int) (Batch, error) {
	provider := a.live[MarketForSymbol(symbol)]
	if provider == nil {
		return Batch{}, apierr.Unavailable("live_frames_unavailable", fmt.Sprintf("no live file provider for %s", symbol))
	}
	if a.strictLive && !provider.Healthy() {
		return Batch{}, apierr.Unavailable("live_frames_unavailable", fmt.Sprintf("live provider for %s is stale or erroring", provider.Market()))
	}
	frames, err := provider.GetFrames(symbol, interval, limit)
	if err != nil {
		return Batch{}, apierr.Unavailable("live_file_error", err.Error())
	}
	return Batch{Frames: frames, Mode: "live", Provider: "live_file"}, nil
}

// GetKlines projects the frames of GetFrames onto the compact shape.
func (a *Adapter) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	batch, err := a.GetFrames(ctx, symbol, interval, limit)
	if err != nil {
		return nil, err
	}
	klines := make([]Kline, len(batch.Frames))
	for i, f := range batch.Frames {
		klines[i] = f.Kline()
	}
	return klines, nil
}

// LiveProvider returns the live file provider for a market, or nil.
func (a *Adapter) LiveProvider(m Market) *LiveFileProvider {
	return a.live[m]
}

// ProviderStatus reports live provider health per market for the
// status blocks of stream packets and the preflight endpoint.
func (a *Adapter) ProviderStatus() map[string]LiveFileStatus {
	out := map[string]LiveFileStatus{}
	for m, p := range a.live {
		if p != nil {
			out[string(m)] = p.Status()
		}
	}
	return out
}

// Symbols lists symbol metadata for a market from its live file, if
// any.
func (a *Adapter) Symbols(m Market) []SymbolInfo {
	if p := a.live[m]; p != nil {
		return p.Symbols()
	}
	return nil
}
