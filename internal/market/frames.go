// Package market provides uniform access to intraday and daily bars
// through live snapshot files, deterministic replay, an HTTP upstream,
// or a synthetic generator, plus the session calendars of the covered
// exchanges.
package market

import "strings"

// Market identifies an exchange group with its own calendar, timezone
// and live feed.
type Market string

const (
	MarketCN Market = "CN-A"
	MarketUS Market = "US"
)

// Markets lists every market the server covers.
func Markets() []Market {
	return []Market{MarketCN, MarketUS}
}

// Window bounds one bar.
type Window struct {
	StartTSMs int64 `json:"start_ts_ms"`
	EndTSMs   int64 `json:"end_ts_ms"`
}

// Frame is one OHLCV bar of a symbol at an interval. The last frame of
// a batch may be partial.
type Frame struct {
	Symbol      string  `json:"symbol"`
	Interval    string  `json:"interval"`
	Window      Window  `json:"window"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	QuoteVolume float64 `json:"quote_volume"`
	Partial     bool    `json:"partial,omitempty"`
}

// Kline is the compact projection of a Frame.
type Kline struct {
	OpenTime    int64   `json:"openTime"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Volume      float64 `json:"volume"`
	QuoteVolume float64 `json:"quoteVolume"`
}

// Kline projects the frame onto the kline shape.
func (f Frame) Kline() Kline {
	return Kline{
		OpenTime:    f.Window.StartTSMs,
		Open:        f.Open,
		High:        f.High,
		Low:         f.Low,
		Close:       f.Close,
		Volume:      f.Volume,
		QuoteVolume: f.QuoteVolume,
	}
}

// Batch is the adapter's answer for one (symbol, interval, limit)
// request. Mode tells consumers the provenance of the data: "live" for
// live files, "real" for upstream fetches, "mock" for replay or
// synthetic frames.
type Batch struct {
	Frames   []Frame `json:"frames"`
	Mode     string  `json:"mode"`
	Provider string  `json:"provider"`
}

// SymbolInfo carries display metadata for a tradable symbol.
type SymbolInfo struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// MarketForSymbol infers the market from the symbol suffix. Mainland
// listings carry .SH / .SZ / .BJ suffixes; everything else trades US.
func MarketForSymbol(symbol string) Market {
	upper := strings.ToUpper(symbol)
	if strings.HasSuffix(upper, ".SH") || strings.HasSuffix(upper, ".SZ") || strings.HasSuffix(upper, ".BJ") {
		return MarketCN
	}
	return MarketUS
}

// MarketForExchange maps a trader's exchange_id onto a market.
func MarketForExchange(exchangeID string) Market {
	switch strings.ToUpper(exchangeID) {
	case "CN-A", "CN", "SSE", "SZSE":
		return MarketCN
	default:
		return MarketUS
	}
}

// TailFrames returns at most limit frames from the end, preserving
// ascending order.
func TailFrames(frames []Frame, limit int) []Frame {
	if limit <= 0 || len(frames) <= limit {
		return frames
	}
	return frames[len(frames)-limit:]
}
