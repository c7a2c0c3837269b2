// Package metrics declares the Prometheus instruments for the arena
// server and a small HTTP server that exposes them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Agent runtime metrics
var (
	CyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_agent_cycles_total",
		Help: "Agent runtime cycles by outcome",
	}, []string{"outcome"}) // success, failure

	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_agent_decisions_total",
		Help: "Decisions dispatched by action",
	}, []string{"action"})

	CycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "arena_agent_cycle_duration_ms",
		Help:    "Duration of one full runtime step in milliseconds",
		Buckets: []float64{50, 100, 250, 500, 1000, 2500, 5000, 15000, 60000},
	})

	LLMCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_llm_calls_total",
		Help: "LLM calls by surface and outcome",
	}, []string{"surface", "outcome"}) // surface: decision, chat; outcome: ok, timeout, error

	KillSwitchActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "arena_kill_switch_active",
		Help: "1 while the global kill switch is active",
	})
)

// Room event bus metrics
var (
	SSESubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_sse_subscribers",
		Help: "Live SSE subscribers per room",
	}, []string{"room_id"})

	PacketBuildsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_packet_builds_total",
		Help: "Stream packet builds by result",
	}, []string{"result"}) // built, joined, skipped, error

	RoomEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_room_events_total",
		Help: "Events recorded into room buffers by type",
	}, []string{"event"})
)

// Chat metrics
var (
	ChatMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_chat_messages_total",
		Help: "Chat messages appended by sender type and kind",
	}, []string{"sender_type", "kind"})

	ChatRateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "arena_chat_rate_limited_total",
		Help: "Chat posts rejected by the per-session rate limit",
	})
)

// Betting ledger metrics
var (
	BetsPlacedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_bets_placed_total",
		Help: "Bets placed or switched by market",
	}, []string{"market"})

	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_bet_settlements_total",
		Help: "Settlement runs by market",
	}, []string{"market"})
)

// Market data metrics
var (
	LiveFileRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_live_file_refresh_total",
		Help: "Live file refreshes by market and result",
	}, []string{"market", "result"}) // ok, parse_error, read_error, unchanged

	UpstreamBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "arena_upstream_breaker_state",
		Help: "Circuit breaker state per upstream (0 closed, 1 half-open, 2 open)",
	}, []string{"name"})
)

// TTS metrics
var (
	TTSDispatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_tts_dispatch_total",
		Help: "TTS dispatches by provider and outcome",
	}, []string{"provider", "outcome"})
)

// RecordCycle bumps the cycle counter for one runtime step.
func RecordCycle(success bool) {
	if success {
		CyclesTotal.WithLabelValues("success").Inc()
	} else {
		CyclesTotal.WithLabelValues("failure").Inc()
	}
}

// RecordDecision bumps the per-action decision counter.
func RecordDecision(action string) {
	DecisionsTotal.WithLabelValues(action).Inc()
}

// RecordLLMCall records one LLM call outcome for a surface.
func RecordLLMCall(surface, outcome string) {
	LLMCallsTotal.WithLabelValues(surface, outcome).Inc()
}

// RecordPacketBuild records the result of one packet build request.
func RecordPacketBuild(result string) {
	PacketBuildsTotal.WithLabelValues(result).Inc()
}

// SetKillSwitch reflects the kill switch state as a gauge.
func SetKillSwitch(active bool) {
	if active {
		KillSwitchActive.Set(1)
	} else {
		KillSwitchActive.Set(0)
	}
}
