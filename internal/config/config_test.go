package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
global:
  order_monitor_price_update_interval: 500
  trading_order_type: ELO
  rebuild_retry_delay_ms: 1000
  price_decimals: 3
monitors:
  - monitor_symbol: HSI
    long_symbol: C1.HK
    short_symbol: P1.HK
    target_notional: 50000
    lot_size: 1000
`

func TestLoadYAML_ParsesMonitorsAndGlobals(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	cfg, err := LoadYAML(path)
	require.NoError(t, err)
	require.Len(t, cfg.Monitors, 1)
	assert.Equal(t, "HSI", cfg.Monitors[0].MonitorSymbol)
	assert.Equal(t, "C1.HK", cfg.Monitors[0].LongSymbol)
	assert.Equal(t, int32(3), cfg.Global.PriceDecimals)
}

func TestLoadYAML_MissingFileReturnsError(t *testing.T) {
	_, err := LoadYAML(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadYAML_DefaultsEnvFieldsWhenUnset(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	t.Setenv("BROKER_WS_URL", "")
	t.Setenv("METRICS_PORT", "")
	t.Setenv("DRY_RUN", "")
	t.Setenv("GATE_MODE", "")

	cfg, err := LoadYAML(path)
	require.NoError(t, err)
	assert.Equal(t, "", cfg.BridgeURL)
	assert.Equal(t, "9090", cfg.MetricsPort)
	assert.True(t, cfg.DryRun)
	assert.Equal(t, "strict", cfg.GateMode)
}

func TestLoadYAML_EnvOverridesWin(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleYAML), 0o644))

	t.Setenv("BROKER_WS_URL", "wss://bridge.example")
	t.Setenv("METRICS_PORT", "9999")
	t.Setenv("DRY_RUN", "false")
	t.Setenv("GATE_MODE", "skip")

	cfg, err := LoadYAML(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://bridge.example", cfg.BridgeURL)
	assert.Equal(t, "9999", cfg.MetricsPort)
	assert.False(t, cfg.DryRun)
	assert.Equal(t, "skip", cfg.GateMode)
}

func TestLoadEnv_MissingFileIsTolerated(t *testing.T) {
	err := LoadEnv(filepath.Join(t.TempDir(), "nope.env"))
	assert.NoError(t, err)
}

func TestLoadEnv_LoadsVariablesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("SOME_KEY=some_value\n"), 0o644))

	require.NoError(t, LoadEnv(path))
	v, ok := os.LookupEnv("SOME_KEY")
	require.True(t, ok)
	assert.Equal(t, "some_value", v)
}

func TestRebuildRetryDelay_DefaultsWhenUnconfigured(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 5*time.Second, cfg.RebuildRetryDelay())
}

func TestRebuildRetryDelay_UsesConfiguredMilliseconds(t *testing.T) {
	cfg := &Config{Global: GlobalConfig{RebuildRetryDelayMs: 250}}
	assert.Equal(t, 250*time.Millisecond, cfg.RebuildRetryDelay())
}

func TestPriceUpdateInterval_DefaultsWhenUnconfigured(t *testing.T) {
	cfg := &Config{}
	assert.Equal(t, 2*time.Second, cfg.PriceUpdateInterval())
}

func TestPriceUpdateInterval_UsesConfiguredMilliseconds(t *testing.T) {
	cfg := &Config{Global: GlobalConfig{OrderMonitorPriceUpdateIntervalMs: 750}}
	assert.Equal(t, 750*time.Millisecond, cfg.PriceUpdateInterval())
}

func TestCooldownUntil_Minutes(t *testing.T) {
	lc := LiquidationCooldown{Kind: CooldownMinutes, Minutes: 30}
	at := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, at.Add(30*time.Minute), lc.CooldownUntil(at))
}

func TestCooldownUntil_HalfDayMorningResumesAtAfternoonOpen(t *testing.T) {
	lc := LiquidationCooldown{Kind: CooldownHalfDay}
	at := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	until := lc.CooldownUntil(at)
	assert.Equal(t, time.Date(2026, 7, 31, 13, 0, 0, 0, time.UTC), until)
}

func TestCooldownUntil_HalfDayAfternoonAndOneDayResumeNextOpen(t *testing.T) {
	at := time.Date(2026, 7, 31, 14, 0, 0, 0, time.UTC)
	nextOpen := time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC)

	half := LiquidationCooldown{Kind: CooldownHalfDay}
	assert.Equal(t, nextOpen, half.CooldownUntil(at))

	day := LiquidationCooldown{Kind: CooldownOneDay}
	assert.Equal(t, nextOpen, day.CooldownUntil(at))
}

func TestRateLimiterParams_Defaults(t *testing.T) {
	cfg := &Config{}
	maxCalls, window := cfg.RateLimiterParams()
	assert.Equal(t, 5, maxCalls)
	assert.Equal(t, time.Second, window)
}

func TestRateLimiterParams_FromConfig(t *testing.T) {
	cfg := &Config{}
	cfg.Global.RateLimit.MaxCalls = 10
	cfg.Global.RateLimit.WindowMs = 500
	maxCalls, window := cfg.RateLimiterParams()
	assert.Equal(t, 10, maxCalls)
	assert.Equal(t, 500*time.Millisecond, window)
}

func TestDoomsdayWindows_DefaultsAndClamping(t *testing.T) {
	cfg := &Config{}
	cancelMin, clearMin := cfg.DoomsdayWindows()
	assert.Equal(t, 5, cancelMin)
	assert.Equal(t, 2, clearMin)

	cfg.Global.DoomsdayCancelMinutes = 10
	cfg.Global.DoomsdayClearMinutes = 15 // larger than cancel window: reset to default
	cancelMin, clearMin = cfg.DoomsdayWindows()
	assert.Equal(t, 10, cancelMin)
	assert.Equal(t, 2, clearMin)
}
