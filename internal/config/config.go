// Package config loads and validates the bot's YAML configuration.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full bot configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Liquidity   LiquidityConfig   `yaml:"liquidity"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig selects paper or live trading.
type EnvironmentConfig struct {
	Mode    string `yaml:"mode"` // paper | live
	LogFile string `yaml:"log_file"`
}

// BrokerConfig holds brokerage credentials and knobs.
type BrokerConfig struct {
	Provider  string `yaml:"provider"` // tradier | paper
	APIKey    string `yaml:"api_key"`
	AccountID string `yaml:"account_id"`
	Sandbox   bool   `yaml:"sandbox"`
	// UseCircuitBreaker wraps broker calls so repeated failures trip the
	// loop into HOLD-only mode instead of hammering a failing API.
	UseCircuitBreaker bool `yaml:"use_circuit_breaker"`
}

// StrategyConfig holds the wheel's tunables.
type StrategyConfig struct {
	Underlying   string `yaml:"underlying"`
	TargetShares int    `yaml:"target_shares"`
	// Contracts sold per slot.
	Contracts int `yaml:"contracts"`
	// RollDeltaThreshold is the absolute delta at which a leg rolls.
	RollDeltaThreshold float64 `yaml:"roll_delta_threshold"`
	// BaseDelta and MaxDelta bound the target-delta interpolation.
	BaseDelta float64 `yaml:"base_delta"`
	MaxDelta  float64 `yaml:"max_delta"`
	// NeutralBand is the bias half-width where both sides are permissible.
	NeutralBand float64 `yaml:"neutral_band"`
	// MinDTE rolls a leg at or below this many days to expiry.
	MinDTE int `yaml:"min_dte"`
	// DeltaMaxAge bounds how old a delta observation may be before the leg
	// is excluded from roll logic.
	DeltaMaxAge string `yaml:"delta_max_age"`
}

// ScheduleConfig defines the window size, loop cadence, and trading hours.
type ScheduleConfig struct {
	// Slots is the number of weekly expirations in the window.
	Slots             int    `yaml:"slots"`
	EvalInterval      string `yaml:"eval_interval"`
	OrderPollInterval string `yaml:"order_poll_interval"`
	OrderPollTimeout  string `yaml:"order_poll_timeout"`
	Timezone          string `yaml:"timezone"`      // e.g., "America/New_York"
	TradingStart      string `yaml:"trading_start"` // "HH:MM"
	TradingEnd        string `yaml:"trading_end"`   // "HH:MM"
}

// LiquidityConfig holds chain filter constraints.
type LiquidityConfig struct {
	MinOpenInterest     int64   `yaml:"min_open_interest"`
	MaxSpreadPct        float64 `yaml:"max_spread_pct"`
	StrikeBandPct       float64 `yaml:"strike_band_pct"`
	ExpiryToleranceDays int     `yaml:"expiry_tolerance_days"`
}

// StorageConfig locates the state file.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig controls the status HTTP server.
type DashboardConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Load reads a YAML config file, expanding ${ENV_VAR} references. Unknown
// keys are rejected so typos fail fast.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	expanded := os.ExpandEnv(string(data))
	cfg := defaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Environment: EnvironmentConfig{Mode: "paper"},
		Broker:      BrokerConfig{Provider: "paper", Sandbox: true, UseCircuitBreaker: true},
		Strategy: StrategyConfig{
			Contracts:          1,
			RollDeltaThreshold: 0.70,
			BaseDelta:          0.20,
			MaxDelta:           0.40,
			NeutralBand:        0.05,
			MinDTE:             1,
			DeltaMaxAge:        "30m",
		},
		Schedule: ScheduleConfig{
			Slots:             5,
			EvalInterval:      "15m",
			OrderPollInterval: "2s",
			OrderPollTimeout:  "2m",
			Timezone:          "America/New_York",
			TradingStart:      "09:45",
			TradingEnd:        "15:45",
		},
		Liquidity: LiquidityConfig{
			MinOpenInterest:     100,
			MaxSpreadPct:        0.10,
			StrikeBandPct:       0.15,
			ExpiryToleranceDays: 2,
		},
		Storage:   StorageConfig{Path: "wheelhouse-state.json"},
		Dashboard: DashboardConfig{Listen: "127.0.0.1:9180"},
	}
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	switch c.Environment.Mode {
	case "paper", "live":
	default:
		return fmt.Errorf("environment.mode must be paper or live (got %q)", c.Environment.Mode)
	}

	switch c.Broker.Provider {
	case "paper":
	case "tradier":
		if strings.TrimSpace(c.Broker.APIKey) == "" || strings.TrimSpace(c.Broker.AccountID) == "" {
			return fmt.Errorf("broker.api_key and broker.account_id are required for tradier")
		}
	default:
		return fmt.Errorf("broker.provider must be tradier or paper (got %q)", c.Broker.Provider)
	}
	if c.Environment.Mode == "live" && c.Broker.Provider == "paper" {
		return fmt.Errorf("live mode cannot use the paper broker")
	}

	s := c.Strategy
	if strings.TrimSpace(s.Underlying) == "" {
		return fmt.Errorf("strategy.underlying is required")
	}
	if s.TargetShares <= 0 {
		return fmt.Errorf("strategy.target_shares must be > 0 (got %d)", s.TargetShares)
	}
	if s.Contracts <= 0 {
		return fmt.Errorf("strategy.contracts must be > 0 (got %d)", s.Contracts)
	}
	if s.RollDeltaThreshold <= 0 || s.RollDeltaThreshold > 1 {
		return fmt.Errorf("strategy.roll_delta_threshold must be in (0,1] (got %.2f)", s.RollDeltaThreshold)
	}
	if s.BaseDelta <= 0 || s.MaxDelta >= 1 || s.BaseDelta > s.MaxDelta {
		return fmt.Errorf("strategy delta bounds must satisfy 0 < base_delta <= max_delta < 1 (got %.2f..%.2f)",
			s.BaseDelta, s.MaxDelta)
	}
	if s.MaxDelta >= s.RollDeltaThreshold {
		return fmt.Errorf("strategy.max_delta (%.2f) must stay below roll_delta_threshold (%.2f)",
			s.MaxDelta, s.RollDeltaThreshold)
	}
	if s.NeutralBand < 0 || s.NeutralBand >= 1 {
		return fmt.Errorf("strategy.neutral_band must be in [0,1) (got %.2f)", s.NeutralBand)
	}
	if s.MinDTE < 0 {
		return fmt.Errorf("strategy.min_dte must be >= 0 (got %d)", s.MinDTE)
	}
	if _, err := time.ParseDuration(s.DeltaMaxAge); err != nil {
		return fmt.Errorf("strategy.delta_max_age invalid: %w", err)
	}

	if c.Schedule.Slots <= 0 {
		return fmt.Errorf("schedule.slots must be > 0 (got %d)", c.Schedule.Slots)
	}
	if _, err := time.ParseDuration(c.Schedule.EvalInterval); err != nil {
		return fmt.Errorf("schedule.eval_interval invalid: %w", err)
	}
	pollInterval, err := time.ParseDuration(c.Schedule.OrderPollInterval)
	if err != nil {
		return fmt.Errorf("schedule.order_poll_interval invalid: %w", err)
	}
	pollTimeout, err := time.ParseDuration(c.Schedule.OrderPollTimeout)
	if err != nil {
		return fmt.Errorf("schedule.order_poll_timeout invalid: %w", err)
	}
	if pollInterval <= 0 || pollTimeout <= pollInterval {
		return fmt.Errorf("schedule order polling needs 0 < order_poll_interval < order_poll_timeout")
	}
	if c.Schedule.Timezone != "" {
		if _, err := time.LoadLocation(c.Schedule.Timezone); err != nil {
			return fmt.Errorf("schedule.timezone invalid: %w", err)
		}
	}

	l := c.Liquidity
	if l.MinOpenInterest < 0 {
		return fmt.Errorf("liquidity.min_open_interest must be >= 0 (got %d)", l.MinOpenInterest)
	}
	if l.MaxSpreadPct <= 0 || l.MaxSpreadPct > 1 {
		return fmt.Errorf("liquidity.max_spread_pct must be in (0,1] (got %.2f)", l.MaxSpreadPct)
	}
	if l.StrikeBandPct <= 0 || l.StrikeBandPct > 1 {
		return fmt.Errorf("liquidity.strike_band_pct must be in (0,1] (got %.2f)", l.StrikeBandPct)
	}
	if l.ExpiryToleranceDays < 0 || l.ExpiryToleranceDays > 3 {
		return fmt.Errorf("liquidity.expiry_tolerance_days must be in [0,3] (got %d)", l.ExpiryToleranceDays)
	}

	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Dashboard.Enabled && strings.TrimSpace(c.Dashboard.Listen) == "" {
		return fmt.Errorf("dashboard.listen is required when the dashboard is enabled")
	}
	return nil
}

// IsPaper reports whether the bot trades against the paper broker.
func (c *Config) IsPaper() bool {
	return c.Broker.Provider == "paper"
}

// GetEvalInterval returns the evaluation cadence.
func (c *Config) GetEvalInterval() time.Duration {
	return parseDurationOr(c.Schedule.EvalInterval, 15*time.Minute)
}

// GetOrderPollInterval returns the order status polling cadence.
func (c *Config) GetOrderPollInterval() time.Duration {
	return parseDurationOr(c.Schedule.OrderPollInterval, 2*time.Second)
}

// GetOrderPollTimeout returns how long a working order is polled before
// cancellation.
func (c *Config) GetOrderPollTimeout() time.Duration {
	return parseDurationOr(c.Schedule.OrderPollTimeout, 2*time.Minute)
}

// GetDeltaMaxAge returns the stale-delta cutoff.
func (c *Config) GetDeltaMaxAge() time.Duration {
	return parseDurationOr(c.Strategy.DeltaMaxAge, 30*time.Minute)
}

// IsWithinTradingHours checks whether now falls inside the configured session.
func (c *Config) IsWithinTradingHours(now time.Time) bool {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = "America/New_York"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return false
	}
	local := now.In(loc)

	start, err1 := parseClock(c.Schedule.TradingStart, 9, 45)
	end, err2 := parseClock(c.Schedule.TradingEnd, 15, 45)
	if err1 != nil || err2 != nil {
		return false
	}
	minutes := local.Hour()*60 + local.Minute()
	return minutes >= start && minutes <= end
}

func parseClock(s string, defHour, defMin int) (int, error) {
	if s == "" {
		return defHour*60 + defMin, nil
	}
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
