package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App     AppConfig     `mapstructure:"app"`
	API     APIConfig     `mapstructure:"api"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Data    DataConfig    `mapstructure:"data"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	Strict  StrictConfig  `mapstructure:"strict"`
	Live    LiveConfig    `mapstructure:"live"`
	Market  MarketConfig  `mapstructure:"market"`
	Replay  ReplayConfig  `mapstructure:"replay"`
	Agent   AgentConfig   `mapstructure:"agent"`
	OpenAI  OpenAIConfig  `mapstructure:"openai"`
	Opening OpeningConfig `mapstructure:"opening"`
	Room    RoomConfig    `mapstructure:"room"`
	Chat    ChatConfig    `mapstructure:"chat"`
	Bets    BetsConfig    `mapstructure:"bets"`
	Control ControlConfig `mapstructure:"control"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Audit   AuditConfig   `mapstructure:"audit"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name      string `mapstructure:"name"`
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"` // "json" or "console"
}

// APIConfig contains HTTP server settings
type APIConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// MetricsConfig contains the Prometheus exporter settings
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// DataConfig contains the persisted-state root and readiness thresholds
type DataConfig struct {
	Dir                    string `mapstructure:"dir"`
	ReadinessMinIntradayOK int    `mapstructure:"readiness_min_intraday_ok"`
	ReadinessMinIntradayWarn int  `mapstructure:"readiness_min_intraday_warn"`
	ReadinessMinDaily      int    `mapstructure:"readiness_min_daily"`
	ReadinessFreshWarnMs   int64  `mapstructure:"readiness_fresh_warn_ms"`
	ReadinessFreshErrorMs  int64  `mapstructure:"readiness_fresh_error_ms"`
}

// RuntimeConfig selects the market-data backing for the agent runtime
type RuntimeConfig struct {
	DataMode string `mapstructure:"data_mode"` // live_file, replay, upstream, mock
}

// StrictConfig forbids any non-live frame source from serving
type StrictConfig struct {
	LiveMode bool `mapstructure:"live_mode"`
}

// LiveConfig contains live snapshot file settings
type LiveConfig struct {
	FramesPathCN       string `mapstructure:"frames_path_cn"`
	FramesPathUS       string `mapstructure:"frames_path_us"`
	RefreshMs          int64  `mapstructure:"refresh_ms"`
	StaleAfterMs       int64  `mapstructure:"stale_after_ms"`
	NewsDigestPath     string `mapstructure:"news_digest_path"`
	MarketOverviewPath string `mapstructure:"market_overview_path"`
}

// MarketConfig contains upstream proxy and market stream settings
type MarketConfig struct {
	UpstreamURL       string `mapstructure:"upstream_url"`
	UpstreamTimeoutMs int64  `mapstructure:"upstream_timeout_ms"`
	StreamPollMs      int64  `mapstructure:"stream_poll_ms"`
	CacheTTLMs        int64  `mapstructure:"cache_ttl_ms"`
}

// ReplayConfig contains deterministic playback settings
type ReplayConfig struct {
	FramesDir  string  `mapstructure:"frames_dir"`
	Speed      float64 `mapstructure:"speed"`
	WarmupBars int     `mapstructure:"warmup_bars"`
	TickMs     int64   `mapstructure:"tick_ms"`
	Loop       bool    `mapstructure:"loop"`
}

// AgentConfig contains the decision runtime settings
type AgentConfig struct {
	ManifestDir       string `mapstructure:"manifest_dir"`
	RuntimeCycleMs    int64  `mapstructure:"runtime_cycle_ms"`
	DecisionEveryBars int    `mapstructure:"decision_every_bars"`

	SessionGuardEnabled             bool  `mapstructure:"session_guard_enabled"`
	SessionGuardCheckMs             int64 `mapstructure:"session_guard_check_ms"`
	SessionGuardRequireFreshLiveData bool `mapstructure:"session_guard_require_fresh_live_data"`

	OpenAIModel        string `mapstructure:"openai_model"`
	LLMTimeoutMs       int64  `mapstructure:"llm_timeout_ms"`
	LLMMaxOutputTokens int    `mapstructure:"llm_max_output_tokens"`
	DevTokenSaver      bool   `mapstructure:"dev_token_saver"`

	InitialBalance float64 `mapstructure:"initial_balance"`
	CommissionRate float64 `mapstructure:"commission_rate"`
	LotSize        int64   `mapstructure:"lot_size"`

	PortfolioMaxPositionCount          int     `mapstructure:"portfolio_max_position_count"`
	PortfolioMaxSymbolConcentrationPct float64 `mapstructure:"portfolio_max_symbol_concentration_pct"`
	PortfolioMinCashReservePct         float64 `mapstructure:"portfolio_min_cash_reserve_pct"`
	PortfolioTurnoverThrottlePct       float64 `mapstructure:"portfolio_turnover_throttle_pct"`

	CandidateSymbolLimit int  `mapstructure:"candidate_symbol_limit"`
	StrictSymbolLoop     bool `mapstructure:"strict_symbol_loop"`
}

// OpenAIConfig contains credentials for the chat-completions provider
type OpenAIConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// OpeningConfig relaxes the readiness gate during the opening phase
type OpeningConfig struct {
	PhaseEnabled       bool    `mapstructure:"phase_enabled"`
	PhaseMinutes       int     `mapstructure:"phase_minutes"`
	PhaseMinIntraday   int     `mapstructure:"phase_min_intraday"`
	PhaseMaxLots       int     `mapstructure:"phase_max_lots"`
	PhaseMaxConfidence float64 `mapstructure:"phase_max_confidence"`
}

// RoomConfig contains SSE event bus settings
type RoomConfig struct {
	EventsKeepaliveMs      int64 `mapstructure:"events_keepalive_ms"`
	EventsPacketIntervalMs int64 `mapstructure:"events_packet_interval_ms"`
	EventsBufferSize       int   `mapstructure:"events_buffer_size"`
	EventsBufferTTLMs      int64 `mapstructure:"events_buffer_ttl_ms"`
}

// ChatConfig contains chat service and proactive cadence settings
type ChatConfig struct {
	OpenAIModel         string  `mapstructure:"openai_model"`
	LLMEnabled          bool    `mapstructure:"llm_enabled"`
	LLMTimeoutMs        int64   `mapstructure:"llm_timeout_ms"`
	MaxConcurrency      int     `mapstructure:"max_concurrency"`
	MaxTextLen          int     `mapstructure:"max_text_len"`
	RateLimitPerMin     int     `mapstructure:"rate_limit_per_min"`
	PublicPlainReplyRate float64 `mapstructure:"public_plain_reply_rate"`

	ProactiveViewerTickMs       int64 `mapstructure:"proactive_viewer_tick_ms"`
	ProactiveRoomsPerInterval   int   `mapstructure:"proactive_rooms_per_interval"`
	ProactiveMinRoomIntervalMs  int64 `mapstructure:"proactive_min_room_interval_ms"`
	ProactiveIntervalMs         int64 `mapstructure:"proactive_interval_ms"`
	ProactiveBurstIntervalMs    int64 `mapstructure:"proactive_burst_interval_ms"`
	ProactiveBurstDurationMs    int64 `mapstructure:"proactive_burst_duration_ms"`
	ProactiveCooldownMs         int64 `mapstructure:"proactive_cooldown_ms"`
	NewsBurstFreshMs            int64 `mapstructure:"news_burst_fresh_ms"`
	NewsBurstMinPriority        int   `mapstructure:"news_burst_min_priority"`
	ActivityWindowMs            int64 `mapstructure:"activity_window_ms"`
	NarrationMinIntervalHoldMs  int64 `mapstructure:"narration_min_interval_hold_ms"`
	NarrationMinIntervalTradeMs int64 `mapstructure:"narration_min_interval_trade_ms"`

	TTSEnabled          bool    `mapstructure:"tts_enabled"`
	TTSProvider         string  `mapstructure:"tts_provider"`
	TTSFallbackProvider string  `mapstructure:"tts_fallback_provider"`
	TTSOpenAIVoice      string  `mapstructure:"tts_openai_voice"`
	TTSOpenAIModel      string  `mapstructure:"tts_openai_model"`
	TTSSelfhostedURL    string  `mapstructure:"tts_selfhosted_url"`
	TTSMaxChars         int     `mapstructure:"tts_max_chars"`
	TTSTimeoutMs        int64   `mapstructure:"tts_timeout_ms"`
	TTSSpeed            float64 `mapstructure:"tts_speed"`
}

// BetsConfig contains betting ledger settings
type BetsConfig struct {
	HouseEdge float64 `mapstructure:"house_edge"`
	StakeMin  int64   `mapstructure:"stake_min"`
	StakeMax  int64   `mapstructure:"stake_max"`
}

// ControlConfig gates mutating endpoints
type ControlConfig struct {
	APIToken string `mapstructure:"api_token"`
}

// NATSConfig enables the optional decision mirror
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// RedisConfig enables the optional upstream quote cache
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// AuditConfig enables the optional Postgres control-audit sink
type AuditConfig struct {
	DatabaseURL string `mapstructure:"database_url"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Env vars map section.key onto SECTION_KEY, e.g. runtime.data_mode
	// comes from RUNTIME_DATA_MODE.
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found; using defaults and environment variables
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "arena")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "console")

	// API defaults
	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9091)

	// Data defaults
	v.SetDefault("data.dir", "data")
	v.SetDefault("data.readiness_min_intraday_ok", 30)
	v.SetDefault("data.readiness_min_intraday_warn", 10)
	v.SetDefault("data.readiness_min_daily", 20)
	v.SetDefault("data.readiness_fresh_warn_ms", 180_000)
	v.SetDefault("data.readiness_fresh_error_ms", 600_000)

	// Runtime defaults
	v.SetDefault("runtime.data_mode", "live_file")
	v.SetDefault("strict.live_mode", false)

	// Live file defaults
	v.SetDefault("live.refresh_ms", 2_000)
	v.SetDefault("live.stale_after_ms", 60_000)

	// Market defaults
	v.SetDefault("market.upstream_timeout_ms", 8_000)
	v.SetDefault("market.stream_poll_ms", 5_000)
	v.SetDefault("market.cache_ttl_ms", 2_000)

	// Replay defaults
	v.SetDefault("replay.speed", 60.0)
	v.SetDefault("replay.warmup_bars", 30)
	v.SetDefault("replay.tick_ms", 1_000)
	v.SetDefault("replay.loop", false)

	// Agent defaults
	v.SetDefault("agent.manifest_dir", "data/agents/manifests")
	v.SetDefault("agent.runtime_cycle_ms", 60_000)
	v.SetDefault("agent.decision_every_bars", 1)
	v.SetDefault("agent.session_guard_enabled", true)
	v.SetDefault("agent.session_guard_check_ms", 5_000)
	v.SetDefault("agent.session_guard_require_fresh_live_data", true)
	v.SetDefault("agent.openai_model", "gpt-4o-mini")
	v.SetDefault("agent.llm_timeout_ms", 30_000)
	v.SetDefault("agent.llm_max_output_tokens", 600)
	v.SetDefault("agent.dev_token_saver", false)
	v.SetDefault("agent.initial_balance", 100_000.0)
	v.SetDefault("agent.commission_rate", 0.00025)
	v.SetDefault("agent.lot_size", 100)
	v.SetDefault("agent.portfolio_max_position_count", 5)
	v.SetDefault("agent.portfolio_max_symbol_concentration_pct", 35.0)
	v.SetDefault("agent.portfolio_min_cash_reserve_pct", 10.0)
	v.SetDefault("agent.portfolio_turnover_throttle_pct", 25.0)
	v.SetDefault("agent.candidate_symbol_limit", 12)
	v.SetDefault("agent.strict_symbol_loop", true)

	// OpenAI defaults
	v.SetDefault("openai.base_url", "https://api.openai.com")

	// Opening phase defaults
	v.SetDefault("opening.phase_enabled", true)
	v.SetDefault("opening.phase_minutes", 15)
	v.SetDefault("opening.phase_min_intraday", 5)
	v.SetDefault("opening.phase_max_lots", 1)
	v.SetDefault("opening.phase_max_confidence", 0.65)

	// Room event defaults
	v.SetDefault("room.events_keepalive_ms", 15_000)
	v.SetDefault("room.events_packet_interval_ms", 5_000)
	v.SetDefault("room.events_buffer_size", 200)
	v.SetDefault("room.events_buffer_ttl_ms", 60_000)

	// Chat defaults
	v.SetDefault("chat.openai_model", "gpt-4o-mini")
	v.SetDefault("chat.llm_enabled", true)
	v.SetDefault("chat.llm_timeout_ms", 8_000)
	v.SetDefault("chat.max_concurrency", 2)
	v.SetDefault("chat.max_text_len", 600)
	v.SetDefault("chat.rate_limit_per_min", 6)
	v.SetDefault("chat.public_plain_reply_rate", 0.25)
	v.SetDefault("chat.proactive_viewer_tick_ms", 2_000)
	v.SetDefault("chat.proactive_rooms_per_interval", 2)
	v.SetDefault("chat.proactive_min_room_interval_ms", 6_000)
	v.SetDefault("chat.proactive_interval_ms", 18_000)
	v.SetDefault("chat.proactive_burst_interval_ms", 9_000)
	v.SetDefault("chat.proactive_burst_duration_ms", 90_000)
	v.SetDefault("chat.proactive_cooldown_ms", 180_000)
	v.SetDefault("chat.news_burst_fresh_ms", 300_000)
	v.SetDefault("chat.news_burst_min_priority", 2)
	v.SetDefault("chat.activity_window_ms", 120_000)
	v.SetDefault("chat.narration_min_interval_hold_ms", 45_000)
	v.SetDefault("chat.narration_min_interval_trade_ms", 20_000)

	// TTS defaults
	v.SetDefault("chat.tts_enabled", false)
	v.SetDefault("chat.tts_provider", "openai")
	v.SetDefault("chat.tts_openai_voice", "alloy")
	v.SetDefault("chat.tts_openai_model", "tts-1")
	v.SetDefault("chat.tts_max_chars", 220)
	v.SetDefault("chat.tts_timeout_ms", 15_000)
	v.SetDefault("chat.tts_speed", 1.0)

	// Bets defaults
	v.SetDefault("bets.house_edge", 0.08)
	v.SetDefault("bets.stake_min", 1)
	v.SetDefault("bets.stake_max", 100_000)
}

// GetAPIAddr returns the API server address
func (c *APIConfig) GetAPIAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetLLMTimeout returns the agent LLM timeout as time.Duration
func (c *AgentConfig) GetLLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutMs) * time.Millisecond
}

// GetCycle returns the live_file cycle period as time.Duration
func (c *AgentConfig) GetCycle() time.Duration {
	return time.Duration(c.RuntimeCycleMs) * time.Millisecond
}
