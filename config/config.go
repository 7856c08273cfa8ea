// Package config loads and validates the NovaPulse configuration from a
// single YAML file with environment variable overrides. Environment values
// always take precedence over file values.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Mode       ModeConfig       `yaml:"mode"`
	Trading    TradingConfig    `yaml:"trading"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	AI         AIConfig         `yaml:"ai"`
	Risk       RiskConfig       `yaml:"risk"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
	Regime     RegimeConfig     `yaml:"regime"`
	Ledger     LedgerConfig     `yaml:"ledger"`
	Redis      RedisConfig      `yaml:"redis"`
	Vault      VaultConfig      `yaml:"vault"`
	Control    ControlConfig    `yaml:"control"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ModeConfig selects paper vs live trading.
type ModeConfig struct {
	TradingMode string `yaml:"trading_mode"` // "paper" or "live"
	Canary      bool   `yaml:"canary"`       // constrains live mode; ignored in paper
}

// TradingConfig holds pipeline parameters.
type TradingConfig struct {
	Pairs                     []string           `yaml:"pairs"`
	ScanIntervalSeconds       int                `yaml:"scan_interval_seconds"`
	PositionCheckIntervalSecs int                `yaml:"position_check_interval_seconds"`
	WarmupBars                int                `yaml:"warmup_bars"`
	Timeframes                []int              `yaml:"timeframes"` // minutes
	MaxConcurrentPositions    int                `yaml:"max_concurrent_positions"`
	CooldownSeconds           int                `yaml:"cooldown_seconds"` // per-pair after close
	EventPriceMovePct         float64            `yaml:"event_price_move_pct"`
	MaxSpreadPct              float64            `yaml:"max_spread_pct"`
	UseClosedCandlesOnly      bool               `yaml:"use_closed_candles_only"`
	SingleStrategyMode        string             `yaml:"single_strategy_mode"` // empty = all strategies
	QuietHoursUTC             []int              `yaml:"quiet_hours_utc"`
	MaxTradesPerHour          int                `yaml:"max_trades_per_hour"`
	MaxTradeDurationMinutes   int                `yaml:"max_trade_duration_minutes"` // 0 = unlimited
	CandleCapacity            int                `yaml:"candle_capacity"`
	OutlierThreshold          float64            `yaml:"outlier_threshold"`
	OutlierThresholdOverrides map[string]float64 `yaml:"outlier_threshold_overrides"`
	StrategyCooldownSeconds   int                `yaml:"strategy_cooldown_seconds"`
	DataDir                   string             `yaml:"data_dir"`
}

// ExchangeConfig holds execution and transport parameters.
type ExchangeConfig struct {
	APIKey                 string  `yaml:"api_key"`
	APISecret              string  `yaml:"api_secret"`
	BaseURL                string  `yaml:"base_url"`
	WSURL                  string  `yaml:"ws_url"`
	MakerFee               float64 `yaml:"maker_fee"`
	TakerFee               float64 `yaml:"taker_fee"`
	PostOnly               bool    `yaml:"post_only"`
	LimitChaseAttempts     int     `yaml:"limit_chase_attempts"`
	LimitChaseDelaySeconds float64 `yaml:"limit_chase_delay_seconds"`
	LimitFallbackToMarket  bool    `yaml:"limit_fallback_to_market"`
	RateLimitPerSecond     int     `yaml:"rate_limit_per_second"`
	MaxRetries             int     `yaml:"max_retries"`
	RetryBaseDelay         float64 `yaml:"retry_base_delay"` // seconds
	RetryMaxDelay          float64 `yaml:"retry_max_delay"`  // seconds
	RequestTimeoutSeconds  int     `yaml:"request_timeout_seconds"`
}

// AIConfig holds confluence behavior parameters.
type AIConfig struct {
	ConfluenceThreshold        int                `yaml:"confluence_threshold"`
	MinConfidence              float64            `yaml:"min_confidence"`
	MinRiskRewardRatio         float64            `yaml:"min_risk_reward_ratio"`
	OBIThreshold               float64            `yaml:"obi_threshold"`
	BookScoreThreshold         float64            `yaml:"book_score_threshold"`
	BookScoreMaxAgeSeconds     int                `yaml:"book_score_max_age_seconds"`
	OBICountsAsConfluence      bool               `yaml:"obi_counts_as_confluence"`
	OBIWeight                  float64            `yaml:"obi_weight"`
	MultiTimeframeMinAgreement float64            `yaml:"multi_timeframe_min_agreement"`
	PrimaryTimeframe           int                `yaml:"primary_timeframe"` // minutes
	StrategyTimeoutSeconds     int                `yaml:"strategy_timeout_seconds"`
	SessionMinSamples          int                `yaml:"session_min_samples"`
	GuardrailWindowTrades      int                `yaml:"strategy_guardrails_window_trades"`
	GuardrailMinTrades         int                `yaml:"strategy_guardrails_min_trades"`
	GuardrailWinRate           float64            `yaml:"strategy_guardrails_win_rate"`
	GuardrailProfitFactor      float64            `yaml:"strategy_guardrails_profit_factor"`
	GuardrailDisableMinutes    int                `yaml:"strategy_guardrails_disable_minutes"`
	StrategyWeights            map[string]float64 `yaml:"strategy_weights"`
}

// SmartExitTier is a partial take-profit level expressed as a multiple of the
// planned TP distance and the fraction of the remaining position to close.
type SmartExitTier struct {
	TPMultiple float64 `yaml:"tp_multiple"`
	Fraction   float64 `yaml:"fraction"`
}

// RiskConfig holds risk parameters.
type RiskConfig struct {
	MaxRiskPerTrade             float64             `yaml:"max_risk_per_trade"`
	MaxDailyLoss                float64             `yaml:"max_daily_loss"`
	MaxDailyTrades              int                 `yaml:"max_daily_trades"` // 0 = unlimited
	MaxPositionUSD              float64             `yaml:"max_position_usd"`
	MinPositionUSD              float64             `yaml:"min_position_usd"`
	InitialBankroll             float64             `yaml:"initial_bankroll"`
	ATRMultiplierSL             float64             `yaml:"atr_multiplier_sl"`
	ATRMultiplierTP             float64             `yaml:"atr_multiplier_tp"`
	TrailingActivationPct       float64             `yaml:"trailing_activation_pct"`
	TrailingStepPct             float64             `yaml:"trailing_step_pct"`
	BreakevenActivationPct      float64             `yaml:"breakeven_activation_pct"`
	KellyFraction               float64             `yaml:"kelly_fraction"`
	MaxKellySize                float64             `yaml:"max_kelly_size"`
	RiskOfRuinThreshold         float64             `yaml:"risk_of_ruin_threshold"`
	MaxTotalExposurePct         float64             `yaml:"max_total_exposure_pct"`
	GlobalCooldownSecondsOnLoss int                 `yaml:"global_cooldown_seconds_on_loss"`
	SmartExitTiers              []SmartExitTier     `yaml:"smart_exit_tiers"`
	CorrelationGroups           map[string][]string `yaml:"correlation_groups"`
	MaxPerCorrelationGroup      int                 `yaml:"max_per_correlation_group"`
}

// MonitoringConfig holds circuit breaker parameters.
type MonitoringConfig struct {
	HealthIntervalSeconds           int     `yaml:"health_interval_seconds"`
	StaleDataPauseAfterChecks       int     `yaml:"stale_data_pause_after_checks"`
	StaleDataMaxAgeSeconds          int     `yaml:"stale_data_max_age_seconds"`
	WSDisconnectPauseAfterSeconds   int     `yaml:"ws_disconnect_pause_after_seconds"`
	ConsecutiveLossesPauseThreshold int     `yaml:"consecutive_losses_pause_threshold"`
	DrawdownPausePct                float64 `yaml:"drawdown_pause_pct"`
	EmergencyCloseOnAutoPause       bool    `yaml:"emergency_close_on_auto_pause"`
	AutoResumeOnRecovery            bool    `yaml:"auto_resume_on_recovery"`
}

// RegimeConfig holds regime detection thresholds and per-regime strategy
// weight multiplier tables. The multiplier map is keyed regime then strategy.
type RegimeConfig struct {
	ADXTrendThreshold float64                       `yaml:"adx_trend_threshold"`
	ATRPctHigh        float64                       `yaml:"atr_pct_high"`
	ATRPctLow         float64                       `yaml:"atr_pct_low"`
	WeightMultipliers map[string]map[string]float64 `yaml:"weight_multipliers"`
}

// LedgerConfig holds the durable store settings.
type LedgerConfig struct {
	DatabaseURL      string `yaml:"database_url"`
	WriteTimeoutSecs int    `yaml:"write_timeout_seconds"`
	MirrorEnabled    bool   `yaml:"mirror_enabled"`
	MirrorStream     string `yaml:"mirror_stream"`
	MirrorMaxLen     int64  `yaml:"mirror_max_len"`
	Tenant           string `yaml:"tenant"`
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// VaultConfig holds HashiCorp Vault settings for live-mode API credentials.
type VaultConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	Token      string `yaml:"token"`
	MountPath  string `yaml:"mount_path"`
	SecretPath string `yaml:"secret_path"`
}

// ControlConfig holds the control-plane HTTP server settings.
type ControlConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Host           string `yaml:"host"`
	Port           int    `yaml:"port"`
	MetricsEnabled bool   `yaml:"metrics_enabled"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json or console
}

// Load reads the config file (if present), applies env overrides, fills
// defaults, and validates. A missing file is not an error; env plus defaults
// must then produce a valid config.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Mode.TradingMode = getEnvOrDefault("NOVAPULSE_TRADING_MODE", c.Mode.TradingMode)
	c.Mode.Canary = getEnvBoolOrDefault("NOVAPULSE_CANARY", c.Mode.Canary)

	if v := os.Getenv("NOVAPULSE_PAIRS"); v != "" {
		c.Trading.Pairs = splitAndTrim(v)
	}
	c.Trading.DataDir = getEnvOrDefault("NOVAPULSE_DATA_DIR", c.Trading.DataDir)
	c.Trading.ScanIntervalSeconds = getEnvIntOrDefault("NOVAPULSE_SCAN_INTERVAL", c.Trading.ScanIntervalSeconds)

	c.Exchange.APIKey = getEnvOrDefault("EXCHANGE_API_KEY", c.Exchange.APIKey)
	c.Exchange.APISecret = getEnvOrDefault("EXCHANGE_API_SECRET", c.Exchange.APISecret)
	c.Exchange.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", c.Exchange.BaseURL)
	c.Exchange.WSURL = getEnvOrDefault("EXCHANGE_WS_URL", c.Exchange.WSURL)

	c.Ledger.DatabaseURL = getEnvOrDefault("DATABASE_URL", c.Ledger.DatabaseURL)
	c.Ledger.Tenant = getEnvOrDefault("NOVAPULSE_TENANT", c.Ledger.Tenant)

	c.Redis.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", c.Redis.Enabled)
	c.Redis.Address = getEnvOrDefault("REDIS_ADDRESS", c.Redis.Address)
	c.Redis.Password = getEnvOrDefault("REDIS_PASSWORD", c.Redis.Password)
	c.Redis.DB = getEnvIntOrDefault("REDIS_DB", c.Redis.DB)

	c.Vault.Enabled = getEnvBoolOrDefault("VAULT_ENABLED", c.Vault.Enabled)
	c.Vault.Address = getEnvOrDefault("VAULT_ADDR", c.Vault.Address)
	c.Vault.Token = getEnvOrDefault("VAULT_TOKEN", c.Vault.Token)

	c.Control.Enabled = getEnvBoolOrDefault("CONTROL_ENABLED", c.Control.Enabled)
	c.Control.Port = getEnvIntOrDefault("CONTROL_PORT", c.Control.Port)

	c.Logging.Level = getEnvOrDefault("LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnvOrDefault("LOG_FORMAT", c.Logging.Format)
}

func (c *Config) applyDefaults() {
	if c.Mode.TradingMode == "" {
		c.Mode.TradingMode = "paper"
	}
	if len(c.Trading.Pairs) == 0 {
		c.Trading.Pairs = []string{"BTC/USD", "ETH/USD"}
	}
	if c.Trading.ScanIntervalSeconds == 0 {
		c.Trading.ScanIntervalSeconds = 60
	}
	if c.Trading.PositionCheckIntervalSecs == 0 {
		c.Trading.PositionCheckIntervalSecs = 2
	}
	if c.Trading.WarmupBars == 0 {
		c.Trading.WarmupBars = 500
	}
	if len(c.Trading.Timeframes) == 0 {
		c.Trading.Timeframes = []int{1, 5, 15}
	}
	if c.Trading.MaxConcurrentPositions == 0 {
		c.Trading.MaxConcurrentPositions = 3
	}
	if c.Trading.CooldownSeconds == 0 {
		c.Trading.CooldownSeconds = 300
	}
	if c.Trading.EventPriceMovePct == 0 {
		c.Trading.EventPriceMovePct = 0.5
	}
	if c.Trading.MaxSpreadPct == 0 {
		c.Trading.MaxSpreadPct = 0.5
	}
	if c.Trading.MaxTradesPerHour == 0 {
		c.Trading.MaxTradesPerHour = 6
	}
	if c.Trading.CandleCapacity == 0 {
		c.Trading.CandleCapacity = 1000
	}
	if c.Trading.OutlierThreshold == 0 {
		c.Trading.OutlierThreshold = 0.20
	}
	if c.Trading.StrategyCooldownSeconds == 0 {
		c.Trading.StrategyCooldownSeconds = 900
	}
	if c.Trading.DataDir == "" {
		c.Trading.DataDir = "./data"
	}

	if c.Exchange.BaseURL == "" {
		c.Exchange.BaseURL = "https://api.kraken.com"
	}
	if c.Exchange.WSURL == "" {
		c.Exchange.WSURL = "wss://ws.kraken.com/v2"
	}
	if c.Exchange.MakerFee == 0 {
		c.Exchange.MakerFee = 0.0016
	}
	if c.Exchange.TakerFee == 0 {
		c.Exchange.TakerFee = 0.0026
	}
	if c.Exchange.LimitChaseAttempts == 0 {
		c.Exchange.LimitChaseAttempts = 3
	}
	if c.Exchange.LimitChaseDelaySeconds == 0 {
		c.Exchange.LimitChaseDelaySeconds = 5
	}
	if c.Exchange.RateLimitPerSecond == 0 {
		c.Exchange.RateLimitPerSecond = 3
	}
	if c.Exchange.MaxRetries == 0 {
		c.Exchange.MaxRetries = 3
	}
	if c.Exchange.RetryBaseDelay == 0 {
		c.Exchange.RetryBaseDelay = 1.0
	}
	if c.Exchange.RetryMaxDelay == 0 {
		c.Exchange.RetryMaxDelay = 30.0
	}
	if c.Exchange.RequestTimeoutSeconds == 0 {
		c.Exchange.RequestTimeoutSeconds = 30
	}

	if c.AI.ConfluenceThreshold == 0 {
		c.AI.ConfluenceThreshold = 3
	}
	if c.AI.MinConfidence == 0 {
		c.AI.MinConfidence = 0.55
	}
	if c.AI.MinRiskRewardRatio == 0 {
		c.AI.MinRiskRewardRatio = 1.5
	}
	if c.AI.OBIThreshold == 0 {
		c.AI.OBIThreshold = 0.2
	}
	if c.AI.BookScoreThreshold == 0 {
		c.AI.BookScoreThreshold = 0.3
	}
	if c.AI.BookScoreMaxAgeSeconds == 0 {
		c.AI.BookScoreMaxAgeSeconds = 30
	}
	if c.AI.OBIWeight == 0 {
		c.AI.OBIWeight = 0.8
	}
	if c.AI.MultiTimeframeMinAgreement == 0 {
		c.AI.MultiTimeframeMinAgreement = 0.5
	}
	if c.AI.PrimaryTimeframe == 0 {
		c.AI.PrimaryTimeframe = 1
	}
	if c.AI.StrategyTimeoutSeconds == 0 {
		c.AI.StrategyTimeoutSeconds = 5
	}
	if c.AI.SessionMinSamples == 0 {
		c.AI.SessionMinSamples = 10
	}
	if c.AI.GuardrailWindowTrades == 0 {
		c.AI.GuardrailWindowTrades = 20
	}
	if c.AI.GuardrailMinTrades == 0 {
		c.AI.GuardrailMinTrades = 8
	}
	if c.AI.GuardrailWinRate == 0 {
		c.AI.GuardrailWinRate = 0.35
	}
	if c.AI.GuardrailProfitFactor == 0 {
		c.AI.GuardrailProfitFactor = 0.85
	}
	if c.AI.GuardrailDisableMinutes == 0 {
		c.AI.GuardrailDisableMinutes = 120
	}

	if c.Risk.MaxRiskPerTrade == 0 {
		c.Risk.MaxRiskPerTrade = 0.02
	}
	if c.Risk.MaxDailyLoss == 0 {
		c.Risk.MaxDailyLoss = 0.05
	}
	if c.Risk.MaxPositionUSD == 0 {
		c.Risk.MaxPositionUSD = 5000
	}
	if c.Risk.MinPositionUSD == 0 {
		c.Risk.MinPositionUSD = 10
	}
	if c.Risk.InitialBankroll == 0 {
		c.Risk.InitialBankroll = 10000
	}
	if c.Risk.ATRMultiplierSL == 0 {
		c.Risk.ATRMultiplierSL = 2.0
	}
	if c.Risk.ATRMultiplierTP == 0 {
		c.Risk.ATRMultiplierTP = 3.0
	}
	if c.Risk.TrailingActivationPct == 0 {
		c.Risk.TrailingActivationPct = 1.5
	}
	if c.Risk.TrailingStepPct == 0 {
		c.Risk.TrailingStepPct = 0.5
	}
	if c.Risk.BreakevenActivationPct == 0 {
		c.Risk.BreakevenActivationPct = 1.0
	}
	if c.Risk.KellyFraction == 0 {
		c.Risk.KellyFraction = 0.5
	}
	if c.Risk.MaxKellySize == 0 {
		c.Risk.MaxKellySize = 0.25
	}
	if c.Risk.RiskOfRuinThreshold == 0 {
		c.Risk.RiskOfRuinThreshold = 0.05
	}
	if c.Risk.MaxTotalExposurePct == 0 {
		c.Risk.MaxTotalExposurePct = 0.5
	}
	if c.Risk.GlobalCooldownSecondsOnLoss == 0 {
		c.Risk.GlobalCooldownSecondsOnLoss = 1800
	}
	if len(c.Risk.SmartExitTiers) == 0 {
		c.Risk.SmartExitTiers = []SmartExitTier{
			{TPMultiple: 0.5, Fraction: 0.33},
			{TPMultiple: 0.75, Fraction: 0.50},
		}
	}
	if len(c.Risk.CorrelationGroups) == 0 {
		c.Risk.CorrelationGroups = map[string][]string{
			"btc":         {"BTC/USD", "BTC/EUR"},
			"eth":         {"ETH/USD", "ETH/EUR"},
			"alt-l1":      {"SOL/USD", "ADA/USD", "AVAX/USD", "DOT/USD"},
			"alt-oracle":  {"LINK/USD"},
			"alt-payment": {"XRP/USD", "LTC/USD"},
		}
	}
	if c.Risk.MaxPerCorrelationGroup == 0 {
		c.Risk.MaxPerCorrelationGroup = 2
	}

	if c.Monitoring.HealthIntervalSeconds == 0 {
		c.Monitoring.HealthIntervalSeconds = 10
	}
	if c.Monitoring.StaleDataPauseAfterChecks == 0 {
		c.Monitoring.StaleDataPauseAfterChecks = 3
	}
	if c.Monitoring.StaleDataMaxAgeSeconds == 0 {
		c.Monitoring.StaleDataMaxAgeSeconds = 120
	}
	if c.Monitoring.WSDisconnectPauseAfterSeconds == 0 {
		c.Monitoring.WSDisconnectPauseAfterSeconds = 120
	}
	if c.Monitoring.ConsecutiveLossesPauseThreshold == 0 {
		c.Monitoring.ConsecutiveLossesPauseThreshold = 5
	}
	if c.Monitoring.DrawdownPausePct == 0 {
		c.Monitoring.DrawdownPausePct = 15.0
	}

	if c.Regime.ADXTrendThreshold == 0 {
		c.Regime.ADXTrendThreshold = 25
	}
	if c.Regime.ATRPctHigh == 0 {
		c.Regime.ATRPctHigh = 2.0
	}
	if c.Regime.ATRPctLow == 0 {
		c.Regime.ATRPctLow = 0.8
	}

	if c.Ledger.WriteTimeoutSecs == 0 {
		c.Ledger.WriteTimeoutSecs = 30
	}
	if c.Ledger.MirrorStream == "" {
		c.Ledger.MirrorStream = "novapulse:mirror"
	}
	if c.Ledger.MirrorMaxLen == 0 {
		c.Ledger.MirrorMaxLen = 10000
	}
	if c.Ledger.Tenant == "" {
		c.Ledger.Tenant = "default"
	}

	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}

	if c.Vault.MountPath == "" {
		c.Vault.MountPath = "secret"
	}
	if c.Vault.SecretPath == "" {
		c.Vault.SecretPath = "novapulse/exchange"
	}

	if c.Control.Host == "" {
		c.Control.Host = "127.0.0.1"
	}
	if c.Control.Port == 0 {
		c.Control.Port = 8787
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate checks every value against its documented bounds. All violations
// are reported together so the operator can fix the file in one pass.
func (c *Config) Validate() error {
	var problems []string

	bad := func(key, detail string) {
		problems = append(problems, fmt.Sprintf("%s: %s", key, detail))
	}

	if c.Mode.TradingMode != "paper" && c.Mode.TradingMode != "live" {
		bad("mode.trading_mode", `must be "paper" or "live"`)
	}
	if c.Mode.TradingMode == "live" && !c.Vault.Enabled && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		bad("exchange.api_key", "live mode requires API credentials (env, file, or vault)")
	}

	if len(c.Trading.Pairs) == 0 {
		bad("trading.pairs", "at least one pair required")
	}
	for _, p := range c.Trading.Pairs {
		if !strings.Contains(p, "/") {
			bad("trading.pairs", fmt.Sprintf("%q is not in BASE/QUOTE form", p))
		}
	}
	if c.Trading.ScanIntervalSeconds < 5 || c.Trading.ScanIntervalSeconds > 3600 {
		bad("trading.scan_interval_seconds", "must be in [5, 3600]")
	}
	if c.Trading.PositionCheckIntervalSecs < 1 || c.Trading.PositionCheckIntervalSecs > 60 {
		bad("trading.position_check_interval_seconds", "must be in [1, 60]")
	}
	if c.Trading.WarmupBars < 50 || c.Trading.WarmupBars > 5000 {
		bad("trading.warmup_bars", "must be in [50, 5000]")
	}
	if c.Trading.CandleCapacity < c.Trading.WarmupBars {
		bad("trading.candle_capacity", "must be >= warmup_bars")
	}
	if c.Trading.OutlierThreshold <= 0 || c.Trading.OutlierThreshold > 1 {
		bad("trading.outlier_threshold", "must be in (0, 1]")
	}
	for pair, thr := range c.Trading.OutlierThresholdOverrides {
		if thr <= 0 || thr > 1 {
			bad("trading.outlier_threshold_overrides", fmt.Sprintf("%s: must be in (0, 1]", pair))
		}
	}
	if c.Trading.EventPriceMovePct <= 0 || c.Trading.EventPriceMovePct > 10 {
		bad("trading.event_price_move_pct", "must be in (0, 10]")
	}
	for _, h := range c.Trading.QuietHoursUTC {
		if h < 0 || h > 23 {
			bad("trading.quiet_hours_utc", fmt.Sprintf("hour %d out of range [0, 23]", h))
		}
	}
	hasPrimary := false
	for _, tf := range c.Trading.Timeframes {
		if tf < 1 || tf > 1440 {
			bad("trading.timeframes", fmt.Sprintf("timeframe %d out of range [1, 1440]", tf))
		}
		if tf == c.AI.PrimaryTimeframe {
			hasPrimary = true
		}
	}
	if !hasPrimary {
		bad("ai.primary_timeframe", "must be one of trading.timeframes")
	}

	if c.Exchange.MakerFee < 0 || c.Exchange.MakerFee > 0.01 {
		bad("exchange.maker_fee", "must be in [0, 0.01]")
	}
	if c.Exchange.TakerFee < 0 || c.Exchange.TakerFee > 0.01 {
		bad("exchange.taker_fee", "must be in [0, 0.01]")
	}
	if c.Exchange.LimitChaseAttempts < 1 || c.Exchange.LimitChaseAttempts > 10 {
		bad("exchange.limit_chase_attempts", "must be in [1, 10]")
	}
	if c.Exchange.RateLimitPerSecond < 1 || c.Exchange.RateLimitPerSecond > 100 {
		bad("exchange.rate_limit_per_second", "must be in [1, 100]")
	}
	if c.Exchange.RetryBaseDelay <= 0 || c.Exchange.RetryBaseDelay > c.Exchange.RetryMaxDelay {
		bad("exchange.retry_base_delay", "must be > 0 and <= retry_max_delay")
	}

	if c.AI.MinConfidence < 0 || c.AI.MinConfidence > 1 {
		bad("ai.min_confidence", "must be in [0, 1]")
	}
	if c.AI.MinRiskRewardRatio < 1 {
		bad("ai.min_risk_reward_ratio", "must be >= 1")
	}
	if c.AI.MultiTimeframeMinAgreement < 0 || c.AI.MultiTimeframeMinAgreement > 1 {
		bad("ai.multi_timeframe_min_agreement", "must be in [0, 1]")
	}
	if c.AI.GuardrailWinRate < 0 || c.AI.GuardrailWinRate > 1 {
		bad("ai.strategy_guardrails_win_rate", "must be in [0, 1]")
	}
	for name, w := range c.AI.StrategyWeights {
		if w < 0 || w > 1 {
			bad("ai.strategy_weights", fmt.Sprintf("%s: must be in [0, 1]", name))
		}
	}

	if c.Risk.MaxRiskPerTrade <= 0 || c.Risk.MaxRiskPerTrade > 0.1 {
		bad("risk.max_risk_per_trade", "must be in (0, 0.1]")
	}
	if c.Risk.MaxDailyLoss <= 0 || c.Risk.MaxDailyLoss > 0.5 {
		bad("risk.max_daily_loss", "must be in (0, 0.5]")
	}
	if c.Risk.InitialBankroll <= 0 {
		bad("risk.initial_bankroll", "must be > 0")
	}
	if c.Risk.KellyFraction <= 0 || c.Risk.KellyFraction > 1 {
		bad("risk.kelly_fraction", "must be in (0, 1]")
	}
	if c.Risk.MaxTotalExposurePct <= 0 || c.Risk.MaxTotalExposurePct > 1 {
		bad("risk.max_total_exposure_pct", "must be in (0, 1]")
	}
	prevTP := 0.0
	for _, t := range c.Risk.SmartExitTiers {
		if t.TPMultiple <= prevTP || t.TPMultiple >= 1 {
			bad("risk.smart_exit_tiers", "tp_multiple values must be increasing and in (0, 1)")
		}
		if t.Fraction <= 0 || t.Fraction > 1 {
			bad("risk.smart_exit_tiers", "fraction must be in (0, 1]")
		}
		prevTP = t.TPMultiple
	}

	if c.Monitoring.StaleDataPauseAfterChecks < 1 {
		bad("monitoring.stale_data_pause_after_checks", "must be >= 1")
	}
	if c.Monitoring.DrawdownPausePct <= 0 || c.Monitoring.DrawdownPausePct > 100 {
		bad("monitoring.drawdown_pause_pct", "must be in (0, 100]")
	}

	if c.Regime.ATRPctLow >= c.Regime.ATRPctHigh {
		bad("regime.atr_pct_low", "must be < regime.atr_pct_high")
	}

	if c.Ledger.WriteTimeoutSecs < 1 || c.Ledger.WriteTimeoutSecs > 300 {
		bad("ledger.write_timeout_seconds", "must be in [1, 300]")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		bad("logging.level", "must be one of debug, info, warn, error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		bad("logging.format", `must be "json" or "console"`)
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  %s", strings.Join(problems, "\n  "))
	}
	return nil
}

// IsLive reports whether live order placement is enabled.
func (c *Config) IsLive() bool {
	return c.Mode.TradingMode == "live"
}

// OutlierThresholdFor returns the outlier rejection threshold for a pair,
// honoring per-pair overrides.
func (c *Config) OutlierThresholdFor(pair string) float64 {
	if thr, ok := c.Trading.OutlierThresholdOverrides[pair]; ok {
		return thr
	}
	return c.Trading.OutlierThreshold
}

// ScanInterval returns the scan fallback interval as a duration.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Trading.ScanIntervalSeconds) * time.Second
}

// PositionCheckInterval returns the position loop cadence as a duration.
func (c *Config) PositionCheckInterval() time.Duration {
	return time.Duration(c.Trading.PositionCheckIntervalSecs) * time.Second
}

// WriteSample writes a sample configuration file populated with defaults.
func WriteSample(path string) error {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	header := "# NovaPulse sample configuration.\n# Every value shown is the default; environment variables override the file.\n"
	return os.WriteFile(path, append([]byte(header), data...), 0644)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
