// Package config loads engine configuration: environment variables via
// github.com/joho/godotenv and per-monitor nested structure via
// gopkg.in/yaml.v3.
//
// The monitor list is an arbitrary-length YAML sequence so one process
// can watch several underlyings with independent tuning.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// LiquidationCooldownKind distinguishes the liquidation_cooldown union.
type LiquidationCooldownKind string

const (
	CooldownMinutes LiquidationCooldownKind = "minutes"
	CooldownHalfDay  LiquidationCooldownKind = "half-day"
	CooldownOneDay   LiquidationCooldownKind = "one-day"
)

// LiquidationCooldown is the tagged-union cooldown value.
type LiquidationCooldown struct {
	Kind    LiquidationCooldownKind `yaml:"kind"`
	Minutes int                     `yaml:"minutes,omitempty"`
}

// AutoSearchConfig is a monitor's auto_search_config block.
type AutoSearchConfig struct {
	Enabled                   bool            `yaml:"enabled"`
	ExpiryMinMonths           int             `yaml:"expiry_min_months"`
	OpenDelayMinutes          int             `yaml:"open_delay_minutes"`
	MinDistancePctBull        decimal.Decimal `yaml:"min_distance_pct_bull"`
	MinDistancePctBear        decimal.Decimal `yaml:"min_distance_pct_bear"`
	MinTurnoverPerMinuteBull  decimal.Decimal `yaml:"min_turnover_per_minute_bull"`
	MinTurnoverPerMinuteBear  decimal.Decimal `yaml:"min_turnover_per_minute_bear"`
	SwitchDistanceRangeBull   [2]decimal.Decimal `yaml:"switch_distance_range_bull"`
	SwitchDistanceRangeBear   [2]decimal.Decimal `yaml:"switch_distance_range_bear"`
}

// DelayedCheckConfig is one leg (buy or sell) of verification_config.
type DelayedCheckConfig struct {
	DelaySeconds int      `yaml:"delay_seconds"`
	Indicators   []string `yaml:"indicators"`
}

// VerificationConfig is a monitor's verification_config block.
type VerificationConfig struct {
	Buy  DelayedCheckConfig `yaml:"buy"`
	Sell DelayedCheckConfig `yaml:"sell"`
}

// ConditionGroupConfig is one AND-group of indicator comparisons.
type ConditionGroupConfig struct {
	Conditions []ConditionConfig `yaml:"conditions"`
}

// ConditionConfig is one indicator comparison.
type ConditionConfig struct {
	Indicator string          `yaml:"indicator"`
	Op        string          `yaml:"op"`
	Threshold decimal.Decimal `yaml:"threshold"`
}

// SignalConfig is a monitor's signal_config block.
type SignalConfig struct {
	BuyCall  []ConditionGroupConfig `yaml:"buycall"`
	SellCall []ConditionGroupConfig `yaml:"sellcall"`
	BuyPut   []ConditionGroupConfig `yaml:"buyput"`
	SellPut  []ConditionGroupConfig `yaml:"sellput"`
}

// MonitorConfig is one entry of the monitor list.
type MonitorConfig struct {
	MonitorSymbol              string               `yaml:"monitor_symbol"`
	LongSymbol                 string               `yaml:"long_symbol"`
	ShortSymbol                string               `yaml:"short_symbol"`
	TargetNotional              decimal.Decimal      `yaml:"target_notional"`
	LotSize                      decimal.Decimal      `yaml:"lot_size"`
	MaxPositionNotional          decimal.Decimal      `yaml:"max_position_notional"`
	MaxDailyLoss                 decimal.Decimal      `yaml:"max_daily_loss"`
	MaxUnrealizedLossPerSymbol   decimal.Decimal      `yaml:"max_unrealized_loss_per_symbol"`
	LiquidationDistancePct       decimal.Decimal      `yaml:"liquidation_distance_pct"`
	BuyIntervalSeconds            int                  `yaml:"buy_interval_seconds"`
	LiquidationCooldown           LiquidationCooldown  `yaml:"liquidation_cooldown"`
	SmartCloseEnabled              bool                 `yaml:"smart_close_enabled"`
	SmartCloseTimeoutMinutes       float64              `yaml:"smart_close_timeout_minutes"`
	AutoSearch                    AutoSearchConfig     `yaml:"auto_search_config"`
	Verification                   VerificationConfig   `yaml:"verification_config"`
	Signals                        SignalConfig         `yaml:"signal_config"`
	OrderOwnershipMapping           map[string]string   `yaml:"order_ownership_mapping"`
}

// OpenProtectionWindow is one half-session's open_protection setting.
type OpenProtectionWindow struct {
	Enabled bool `yaml:"enabled"`
	Minutes int  `yaml:"minutes"`
}

// GlobalConfig holds the engine-wide settings.
type GlobalConfig struct {
	DoomsdayProtection bool `yaml:"doomsday_protection"`
	// Pre-close windows for doomsday protection: pending buys are
	// cancelled within DoomsdayCancelMinutes of the close, and the final
	// DoomsdayClearMinutes trigger full clearance.
	DoomsdayCancelMinutes int  `yaml:"doomsday_cancel_minutes"`
	DoomsdayClearMinutes  int  `yaml:"doomsday_clear_minutes"`
	Debug                 bool `yaml:"debug"`
	OpenProtection     struct {
		Morning   OpenProtectionWindow `yaml:"morning"`
		Afternoon OpenProtectionWindow `yaml:"afternoon"`
	} `yaml:"open_protection"`
	OrderMonitorPriceUpdateIntervalMs int    `yaml:"order_monitor_price_update_interval"`
	TradingOrderType                  string `yaml:"trading_order_type"`
	LiquidationOrderType              string `yaml:"liquidation_order_type"`
	BuyOrderTimeout                   struct {
		Enabled        bool `yaml:"enabled"`
		TimeoutSeconds int  `yaml:"timeout_seconds"`
	} `yaml:"buy_order_timeout"`
	SellOrderTimeout struct {
		Enabled        bool `yaml:"enabled"`
		TimeoutSeconds int  `yaml:"timeout_seconds"`
	} `yaml:"sell_order_timeout"`
	RebuildRetryDelayMs int   `yaml:"rebuild_retry_delay_ms"`
	PriceDecimals       int32 `yaml:"price_decimals"`
	RateLimit           struct {
		MaxCalls int `yaml:"max_calls"`
		WindowMs int `yaml:"window_ms"`
	} `yaml:"rate_limit"`
}

// Config is the fully loaded engine configuration.
type Config struct {
	Global   GlobalConfig    `yaml:"global"`
	Monitors []MonitorConfig `yaml:"monitors"`

	// Env-sourced fields not part of the YAML monitor list.
	BridgeURL   string
	MetricsPort string
	DryRun      bool
	GateMode    string // "strict" | "skip"
}

// LoadEnv hydrates process environment from an optional .env file via
// godotenv, tolerating a missing file so a missing dev .env never fails
// the boot sequence.
func LoadEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return godotenv.Load(path)
}

// LoadYAML reads and parses the monitor-list YAML file named by path.
func LoadYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.BridgeURL = getEnv("BROKER_WS_URL", "")
	cfg.MetricsPort = getEnv("METRICS_PORT", "9090")
	cfg.DryRun = getEnvBool("DRY_RUN", true)
	cfg.GateMode = getEnv("GATE_MODE", "strict")
	return &cfg, nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

// RebuildRetryDelay converts the configured millisecond delay to a
// time.Duration.
func (c *Config) RebuildRetryDelay() time.Duration {
	if c.Global.RebuildRetryDelayMs <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.Global.RebuildRetryDelayMs) * time.Millisecond
}

// PriceUpdateInterval converts the configured millisecond interval to a
// time.Duration.
func (c *Config) PriceUpdateInterval() time.Duration {
	if c.Global.OrderMonitorPriceUpdateIntervalMs <= 0 {
		return 2 * time.Second
	}
	return time.Duration(c.Global.OrderMonitorPriceUpdateIntervalMs) * time.Millisecond
}

// RateLimiterParams returns (max_calls, window) with the broker-safe
// defaults used when the config omits them.
func (c *Config) RateLimiterParams() (int, time.Duration) {
	maxCalls := c.Global.RateLimit.MaxCalls
	if maxCalls <= 0 {
		maxCalls = 5
	}
	window := time.Duration(c.Global.RateLimit.WindowMs) * time.Millisecond
	if window <= 0 {
		window = time.Second
	}
	return maxCalls, window
}

// DoomsdayWindows returns the cancel/clearance windows (minutes before
// close) with defaults applied.
func (c *Config) DoomsdayWindows() (cancelMin, clearMin int) {
	cancelMin = c.Global.DoomsdayCancelMinutes
	if cancelMin <= 0 {
		cancelMin = 5
	}
	clearMin = c.Global.DoomsdayClearMinutes
	if clearMin <= 0 || clearMin > cancelMin {
		clearMin = 2
	}
	return cancelMin, clearMin
}

// CooldownUntil resolves a liquidation_cooldown value to the wall-clock
// time at which buying may resume, given the liquidation's execution time.
// minutes(n) counts from the execution; half-day blocks the remainder of
// the current half-session (morning liquidation resumes at the 13:00
// open, afternoon liquidation resumes next day); one-day blocks until the
// next day's open.
func (lc LiquidationCooldown) CooldownUntil(executedAt time.Time) time.Time {
	switch lc.Kind {
	case CooldownMinutes:
		return executedAt.Add(time.Duration(lc.Minutes) * time.Minute)
	case CooldownHalfDay:
		noon := time.Date(executedAt.Year(), executedAt.Month(), executedAt.Day(), 12, 0, 0, 0, executedAt.Location())
		if executedAt.Before(noon) {
			return time.Date(executedAt.Year(), executedAt.Month(), executedAt.Day(), 13, 0, 0, 0, executedAt.Location())
		}
		return nextOpen(executedAt)
	case CooldownOneDay:
		return nextOpen(executedAt)
	default:
		return executedAt
	}
}

func nextOpen(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day()+1, 9, 30, 0, 0, t.Location())
}
