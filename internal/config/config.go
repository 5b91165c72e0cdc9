// Package config loads and validates the engine's YAML configuration,
// grounded on internal/config/config.go: env-var expansion
// before YAML unmarshal, then hand-rolled Validate/validateXxx methods
// rather than a struct-tag validator library (no suitable tag-validator
// appears anywhere in the retrieval pack, and the validation rules here are
// cross-field — e.g. min < max bounds — which tag validators express
// awkwardly at best).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration object, unmarshaled from the engine's
// YAML config file. Field groups mirror exactly.
type Config struct {
	// Mode selects the policy the monitor drives: "live" places real orders
	// through the Live Executor; "simulation" inserts/closes positions
	// directly for backtest/dry-run use. Defaults to "live".
	Mode string `yaml:"mode"`
	SessionID string `yaml:"session_id"`
	Exchanges ExchangesConfig `yaml:"exchanges"`
	Coins CoinsConfig `yaml:"coins"`
	Spread SpreadConfig `yaml:"spread"`
	Fees FeesConfig `yaml:"fees"`
	Execution ExecutionConfig `yaml:"execution"`
	Position PositionConfig `yaml:"position"`
	Risk RiskConfig `yaml:"risk"`
	Store StoreConfig `yaml:"store"`
	Logging LoggingConfig `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alerts AlertsConfig `yaml:"alerts"`
}

// ExchangesConfig holds per-exchange API credentials and endpoints.
type ExchangesConfig struct {
	Spot SpotExchangeConfig `yaml:"spot"`
	Perp PerpExchangeConfig `yaml:"perp"`
	// FXMarket is the spot-exchange ticker symbol used to resolve the
	// stablecoin/fiat rate (e.g. "USDTKRW") when no dedicated FX feed is
	// configured.
	FXMarket string `yaml:"fx_market"`
}

type SpotExchangeConfig struct {
	Name string `yaml:"name"`
	APIKey Secret `yaml:"api_key"`
	APISecret Secret `yaml:"api_secret"`
	BaseURL string `yaml:"base_url"`
	Quote string `yaml:"quote"` // fiat quote currency symbol suffix, e.g. "KRW"
}

type PerpExchangeConfig struct {
	Name string `yaml:"name"`
	APIKey Secret `yaml:"api_key"`
	APISecret Secret `yaml:"api_secret"`
	BaseURL string `yaml:"base_url"`
	Quote string `yaml:"quote"` // stablecoin quote currency symbol suffix, e.g. "USDT"
}

// CoinsConfig controls the static watchlist and auto-selection.
type CoinsConfig struct {
	Static []string `yaml:"static"`
	Universe []string `yaml:"universe"` // candidate pool the selector scans when auto_select is enabled
	AutoSelect bool `yaml:"auto_select"`
	MaxCoins int `yaml:"max_coins"`
	MinVolume1h decimal.Decimal `yaml:"min_volume_1h"`
	Blacklist []string `yaml:"blacklist"`
	ReselectMins int `yaml:"reselect_interval_min"`
}

// SpreadConfig controls the rolling spread window and entry/exit thresholds.
type SpreadConfig struct {
	WindowSize int `yaml:"window_size"`
	CandleIntervalSec int `yaml:"candle_interval_sec"`
	EntryZScore decimal.Decimal `yaml:"entry_zscore"`
	ExitZScore decimal.Decimal `yaml:"exit_zscore"`
	MinStddevThreshold decimal.Decimal `yaml:"min_stddev_threshold"`
	MaxSpreadStddev decimal.Decimal `yaml:"max_spread_stddev"`
	RegimeShortWindow int `yaml:"regime_short_window"`
	RegimeMultiplier decimal.Decimal `yaml:"regime_multiplier"`
}

// FeesConfig holds per-exchange taker/maker fee rates used in ROI math.
type FeesConfig struct {
	SpotTakerRate decimal.Decimal `yaml:"spot_taker_rate"`
	PerpTakerRate decimal.Decimal `yaml:"perp_taker_rate"`
}

// ExecutionConfig controls order submission behavior.
type ExecutionConfig struct {
	MaxSlippagePct decimal.Decimal `yaml:"max_slippage_pct"`
	OrderTimeoutSec int `yaml:"order_timeout_sec"`
	MaxDustUSDT decimal.Decimal `yaml:"max_dust_usdt"`
	EmergencyWideSlippagePct []decimal.Decimal `yaml:"emergency_wide_slippage_pct"`
	UpbitIOCCooldownSec int `yaml:"upbit_ioc_cooldown_sec"`
	UpbitIOCCooldownMaxEntries int `yaml:"upbit_ioc_cooldown_max_entries"`
}

// PositionConfig controls position sizing, leverage and lifecycle timers.
type PositionConfig struct {
	Leverage decimal.Decimal `yaml:"leverage"`
	BybitMMR decimal.Decimal `yaml:"bybit_mmr"`
	MinPositionUSDT decimal.Decimal `yaml:"min_position_usdt"`
	MaxPositionUSDT decimal.Decimal `yaml:"max_position_usdt"`
	MinExpectedROI decimal.Decimal `yaml:"min_expected_roi"`
	CapitalFractionPct decimal.Decimal `yaml:"capital_fraction_pct"`
	TTLHours decimal.Decimal `yaml:"position_ttl_hours"`
	GracePeriodHours decimal.Decimal `yaml:"grace_period_hours"`
	MaxCacheAgeSec int `yaml:"max_cache_age_sec"`
	// FiatMinimum is the exchange-imposed minimum notional for a fiat-quoted
	// order (e.g. 5100 KRW on Upbit); orders below it are rejected pre-flight.
	FiatMinimum decimal.Decimal `yaml:"fiat_minimum"`
	// VolumeRatioPct caps position size as a percentage of recent orderbook
	// depth, on top of the absolute min/max USDT bounds above.
	VolumeRatioPct decimal.Decimal `yaml:"volume_ratio_pct"`
}

// RiskConfig mirrors internal/risk.Config but in YAML-friendly field names;
// ToRiskManagerConfig exposes it and cmd/engine copies the fields into a
// risk.Config when wiring the engine.
type RiskConfig struct {
	MaxOrderSizeUSDT decimal.Decimal `yaml:"max_order_size_usdt"`
	MaxSingleLossUSDT decimal.Decimal `yaml:"max_single_loss_usdt"`
	MaxDailyLossUSDT decimal.Decimal `yaml:"max_daily_loss_usdt"`
	MaxDrawdownUSDT decimal.Decimal `yaml:"max_drawdown_usdt"`
	MaxRolling24hLossUSDT decimal.Decimal `yaml:"max_rolling_24h_loss_usdt"`
	MaxConcurrentPositions int `yaml:"max_concurrent_positions"`
}

// StoreConfig controls the SQLite position store.
type StoreConfig struct {
	Path string `yaml:"path"`
	MigrationsDir string `yaml:"migrations_dir"`
	BusyTimeoutMs int `yaml:"busy_timeout_ms"`
}

// LoggingConfig controls the zap logger built in internal/logging.
type LoggingConfig struct {
	Level string `yaml:"level"`
	Encoding string `yaml:"encoding"`
	OutputPath string `yaml:"output_path"`
}

// TelemetryConfig controls the OTel meter/exporter setup.
type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
	PrometheusAddr string `yaml:"prometheus_addr"`
}

// AlertsConfig configures the fan-out alert channels.
type AlertsConfig struct {
	Slack SlackAlertConfig `yaml:"slack"`
	Telegram TelegramAlertConfig `yaml:"telegram"`
}

type SlackAlertConfig struct {
	Enabled bool `yaml:"enabled"`
	WebhookURL Secret `yaml:"webhook_url"`
}

type TelegramAlertConfig struct {
	Enabled bool `yaml:"enabled"`
	BotToken Secret `yaml:"bot_token"`
	ChatID string `yaml:"chat_id"`
}

// ValidationError describes a single field that failed validation, in the
// style of accumulating every failure rather than stopping at the
// first one.
type ValidationError struct {
	Field string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a slice of ValidationError implementing error; it
// reports every failure found, not just the first.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs:= make([]string, len(e))
	for i, v:= range e {
		msgs[i] = v.Error()
	}
	return "config validation failed:\n " + strings.Join(msgs, "\n ")
}

// LoadConfig reads path, expands ${ENV_VAR} references, unmarshals the YAML
// and validates the result.
func LoadConfig(path string) (*Config, error) {
	raw, err:= os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded:= expandEnvVars(string(raw))

	var cfg Config
	if err:= yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if errs:= cfg.Validate(); len(errs) > 0 {
		return nil, errs
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR} and $VAR references with the environment
// value, following config loader (os.Expand over a raw read,
// before YAML parsing, so secrets never touch disk in plaintext).
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func (c *Config) applyDefaults() {
	if c.Spread.WindowSize == 0 {
		c.Spread.WindowSize = 60
	}
	if c.Spread.CandleIntervalSec == 0 {
		c.Spread.CandleIntervalSec = 60
	}
	if c.Spread.RegimeShortWindow == 0 {
		c.Spread.RegimeShortWindow = 10
	}
	if c.Spread.RegimeMultiplier.IsZero {
		c.Spread.RegimeMultiplier = decimal.NewFromFloat(1.5)
	}
	if c.Execution.OrderTimeoutSec == 0 {
		c.Execution.OrderTimeoutSec = 10
	}
	if c.Execution.UpbitIOCCooldownMaxEntries == 0 {
		c.Execution.UpbitIOCCooldownMaxEntries = 500
	}
	if c.Position.MaxCacheAgeSec == 0 {
		c.Position.MaxCacheAgeSec = 5
	}
	if c.Store.BusyTimeoutMs == 0 {
		c.Store.BusyTimeoutMs = 5000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Encoding == "" {
		c.Logging.Encoding = "json"
	}
	if c.Exchanges.Spot.Quote == "" {
		c.Exchanges.Spot.Quote = "KRW"
	}
	if c.Exchanges.Perp.Quote == "" {
		c.Exchanges.Perp.Quote = "USDT"
	}
	if c.Position.VolumeRatioPct.IsZero {
		c.Position.VolumeRatioPct = decimal.NewFromInt(100)
	}
	if c.Mode == "" {
		c.Mode = "live"
	}
	if c.SessionID == "" {
		c.SessionID = "default"
	}
}

// Validate checks every cross-field invariant the spec depends on,
// accumulating all failures rather than stopping at the first, matching
// Validate style.
func (c *Config) Validate() ValidationErrors {
	var errs ValidationErrors

	if c.Mode != "live" && c.Mode != "simulation" {
		errs = append(errs, ValidationError{"mode", "must be \"live\" or \"simulation\""})
	}
	errs = append(errs, c.validateCoins()...)
	errs = append(errs, c.validateSpread()...)
	errs = append(errs, c.validatePosition()...)
	errs = append(errs, c.validateExecution()...)
	errs = append(errs, c.validateStore()...)

	return errs
}

func (c *Config) validateCoins() ValidationErrors {
	var errs ValidationErrors
	if !c.Coins().AutoSelect && len(c.Coins().Static) == 0 {
		errs = append(errs, ValidationError{"coins", "either a static coin list or auto_select must be configured"})
	}
	if c.Coins().AutoSelect && c.Coins().MaxCoins <= 0 {
		errs = append(errs, ValidationError{"coins.max_coins", "must be positive when auto_select is enabled"})
	}
	if c.Coins().AutoSelect && len(c.Coins().Universe) == 0 {
		errs = append(errs, ValidationError{"coins.universe", "must be non-empty when auto_select is enabled"})
	}
	if c.Coins().ReselectMins < 0 {
		errs = append(errs, ValidationError{"coins.reselect_interval_min", "must not be negative"})
	}
	return errs
}

func (c *Config) validateSpread() ValidationErrors {
	var errs ValidationErrors
	if c.Spread.WindowSize < 2 {
		errs = append(errs, ValidationError{"spread.window_size", "must be at least 2"})
	}
	if c.Spread.EntryZScore.IsZero {
		errs = append(errs, ValidationError{"spread.entry_zscore", "must be configured"})
	}
	if c.Spread.ExitZScore.GreaterThanOrEqual(c.Spread.EntryZScore) {
		errs = append(errs, ValidationError{"spread.exit_zscore", "must be smaller than entry_zscore"})
	}
	if c.Spread.MinStddevThreshold.IsNegative {
		errs = append(errs, ValidationError{"spread.min_stddev_threshold", "must not be negative"})
	}
	return errs
}

func (c *Config) validatePosition() ValidationErrors {
	var errs ValidationErrors
	if c.Position.Leverage.LessThanOrEqual(decimal.Zero) {
		errs = append(errs, ValidationError{"position.leverage", "must be positive"})
	}
	if c.Position.MinPositionUSDT.IsNegative {
		errs = append(errs, ValidationError{"position.min_position_usdt", "must not be negative"})
	}
	if !c.Position.MaxPositionUSDT.IsZero && c.Position.MaxPositionUSDT.LessThan(c.Position.MinPositionUSDT) {
		errs = append(errs, ValidationError{"position.max_position_usdt", "must not be smaller than min_position_usdt"})
	}
	if c.Position.TTLHours.LessThanOrEqual(decimal.Zero) {
		errs = append(errs, ValidationError{"position.position_ttl_hours", "must be positive"})
	}
	return errs
}

func (c *Config) validateExecution() ValidationErrors {
	var errs ValidationErrors
	if c.Execution.MaxSlippagePct.IsNegative {
		errs = append(errs, ValidationError{"execution.max_slippage_pct", "must not be negative"})
	}
	if c.Execution.OrderTimeoutSec <= 0 {
		errs = append(errs, ValidationError{"execution.order_timeout_sec", "must be positive"})
	}
	for i, pct:= range c.Execution.EmergencyWideSlippagePct {
		if pct.LessThan(c.Execution.MaxSlippagePct) {
			errs = append(errs, ValidationError{"execution.emergency_wide_slippage_pct", fmt.Sprintf("entry %d must not be smaller than max_slippage_pct", i)})
			break
		}
	}
	return errs
}

func (c *Config) validateStore() ValidationErrors {
	var errs ValidationErrors
	if c.Store.Path == "" {
		errs = append(errs, ValidationError{"store.path", "must be configured"})
	}
	return errs
}

// RiskManagerConfig is a convenience alias for wiring Config.Risk into
// internal/risk.Manager without internal/config importing internal/risk
// (cmd/engine performs the field copy at startup).
type RiskManagerConfig struct {
	MaxOrderSizeUSDT decimal.Decimal
	MaxSingleLossUSDT decimal.Decimal
	MaxDailyLossUSDT decimal.Decimal
	MaxDrawdownUSDT decimal.Decimal
	MaxRolling24hLossUSDT decimal.Decimal
	MaxConcurrentPositions int
}

// ToRiskManagerConfig converts the YAML risk section into the shape
// internal/risk.NewManager expects.
func (c *Config) ToRiskManagerConfig() RiskManagerConfig {
	return RiskManagerConfig{
		MaxOrderSizeUSDT: c.Risk.MaxOrderSizeUSDT,
		MaxSingleLossUSDT: c.Risk.MaxSingleLossUSDT,
		MaxDailyLossUSDT: c.Risk.MaxDailyLossUSDT,
		MaxDrawdownUSDT: c.Risk.MaxDrawdownUSDT,
		MaxRolling24hLossUSDT: c.Risk.MaxRolling24hLossUSDT,
		MaxConcurrentPositions: c.Risk.MaxConcurrentPositions,
	}
}

// UpbitIOCCooldown returns the configured cooldown duration.
func (c *Config) UpbitIOCCooldown() time.Duration {
	return time.Duration(c.Execution.UpbitIOCCooldownSec) * time.Second
}
