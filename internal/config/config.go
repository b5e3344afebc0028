// Package config handles configuration management with validation
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"execution_engine/internal/core"
)

// Config represents the complete configuration structure
type Config struct {
	System    SystemConfig           `yaml:"system"`
	Portfolio PortfolioConfig        `yaml:"portfolio"`
	Risk      RiskConfig             `yaml:"risk"`
	Sizing    SizingConfig           `yaml:"sizing"`
	Routing   RoutingConfig          `yaml:"routing"`
	Lifecycle LifecycleConfig        `yaml:"lifecycle"`
	Venues    map[string]VenueConfig `yaml:"venues"`
	Telemetry TelemetryConfig        `yaml:"telemetry"`
	Alerting  AlertingConfig         `yaml:"alerting"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
}

// PortfolioConfig contains portfolio store settings
type PortfolioConfig struct {
	SnapshotDBPath       string `yaml:"snapshot_db_path"`
	InitialCash          int64  `yaml:"initial_cash"` // minor units, used when no snapshot exists
	DailyResetHour       int    `yaml:"daily_reset_hour_utc"`
	SnapshotOnEvery      bool   `yaml:"snapshot_on_every_mutation"`
	SnapshotIntervalSecs int    `yaml:"snapshot_interval_seconds"` // periodic persistence when per-mutation snapshots are off
}

// RiskConfig contains the versioned risk limit values
type RiskConfig struct {
	ConfigVersion       int      `yaml:"config_version"`
	MaxPositionPct      float64  `yaml:"max_position_pct"`
	MaxDailyLossPct     float64  `yaml:"max_daily_loss_pct"`
	MaxOrdersPerWindow  int      `yaml:"max_orders_per_window"`
	OrderRateWindowSecs int      `yaml:"order_rate_window_seconds"`
	MaxDailyTrades      int      `yaml:"max_daily_trades"`
	MaxConcentrationPct float64  `yaml:"max_concentration_pct"`
	CorrelatedGroups    []string `yaml:"correlated_groups"` // comma-joined symbols per group, e.g. "ES,NQ"
	StalenessMillis     int      `yaml:"staleness_threshold_ms"`
}

// SizingConfig selects and parameterizes the position sizing policy
type SizingConfig struct {
	Policy          string  `yaml:"policy"` // fixed_fractional, volatility_scaled, kelly
	PerTradeRiskPct float64 `yaml:"per_trade_risk_pct"`
	FixedFraction   float64 `yaml:"fixed_fraction"`
	KellyWinRate    float64 `yaml:"kelly_win_rate"`
	KellyWinLoss    float64 `yaml:"kelly_win_loss_ratio"`
	MaxKellyCap     float64 `yaml:"max_kelly_cap"`
}

// RoutingConfig selects the venue selection policy
type RoutingConfig struct {
	Policy          string   `yaml:"policy"` // best_score, lowest_fee, lowest_latency, preferred
	PreferredVenues []string `yaml:"preferred_venues"`
	HistorySize     int      `yaml:"history_size"`
}

// LifecycleConfig contains retry/timeout parameters for the order state machine
type LifecycleConfig struct {
	SubmitTimeoutMillis int `yaml:"submit_timeout_ms"`
	MaxSubmitRetries    int `yaml:"max_submit_retries"`
	BaseRetryDelayMs    int `yaml:"base_retry_delay_ms"`
	MaxRetryDelayMs     int `yaml:"max_retry_delay_ms"`
	MaxCommitRetries    int `yaml:"max_commit_retries"`
	WorkerPoolSize      int `yaml:"worker_pool_size"`
	WorkerPoolBuffer    int `yaml:"worker_pool_buffer"`
}

// VenueConfig describes one registered execution venue
type VenueConfig struct {
	Adapter         string   `yaml:"adapter"` // mock, http
	BaseURL         string   `yaml:"base_url"`
	WebsocketURL    string   `yaml:"websocket_url"`
	APIKey          string   `yaml:"api_key"`
	FeeBps          int      `yaml:"fee_bps"`
	LiquidityScore  float64  `yaml:"liquidity_score"`
	LatencyMillis   int      `yaml:"latency_ms"`
	OrderTypes      []string `yaml:"order_types"`
	Symbols         []string `yaml:"symbols"` // empty means all instruments
	RequestTimeoutS int      `yaml:"request_timeout_seconds"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertingConfig contains monitoring sink settings
type AlertingConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file with environment variable expansion
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := os.Expand(string(data), os.Getenv)

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration. Any
// violation aborts startup rather than degrading silently.
func (c *Config) Validate() error {
	var errs []string

	for _, check := range []func() error{
		c.validateSystem,
		c.validatePortfolio,
		c.validateRisk,
		c.validateSizing,
		c.validateRouting,
		c.validateLifecycle,
		c.validateVenues,
	} {
		if err := check(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{
			Field:   "system.log_level",
			Value:   c.System.LogLevel,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", ")),
		}
	}
	return nil
}

func (c *Config) validatePortfolio() error {
	if c.Portfolio.InitialCash < 0 {
		return ValidationError{
			Field:   "portfolio.initial_cash",
			Value:   c.Portfolio.InitialCash,
			Message: "must not be negative",
		}
	}
	if c.Portfolio.DailyResetHour < 0 || c.Portfolio.DailyResetHour > 23 {
		return ValidationError{
			Field:   "portfolio.daily_reset_hour_utc",
			Value:   c.Portfolio.DailyResetHour,
			Message: "must be in [0,23]",
		}
	}
	if !c.Portfolio.SnapshotOnEvery && c.Portfolio.SnapshotIntervalSecs <= 0 {
		return ValidationError{
			Field:   "portfolio.snapshot_interval_seconds",
			Value:   c.Portfolio.SnapshotIntervalSecs,
			Message: "must be positive when snapshot_on_every_mutation is off",
		}
	}
	return nil
}

func (c *Config) validateRisk() error {
	return c.RiskLimits().Validate()
}

func (c *Config) validateSizing() error {
	validPolicies := []string{"fixed_fractional", "volatility_scaled", "kelly"}
	if !contains(validPolicies, c.Sizing.Policy) {
		return ValidationError{
			Field:   "sizing.policy",
			Value:   c.Sizing.Policy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validPolicies, ", ")),
		}
	}
	if c.Sizing.PerTradeRiskPct <= 0 || c.Sizing.PerTradeRiskPct > 1 {
		return ValidationError{
			Field:   "sizing.per_trade_risk_pct",
			Value:   c.Sizing.PerTradeRiskPct,
			Message: "must be in (0,1]",
		}
	}
	if c.Sizing.Policy == "kelly" {
		if c.Sizing.KellyWinRate <= 0 || c.Sizing.KellyWinRate >= 1 {
			return ValidationError{
				Field:   "sizing.kelly_win_rate",
				Value:   c.Sizing.KellyWinRate,
				Message: "must be in (0,1)",
			}
		}
		if c.Sizing.KellyWinLoss <= 0 {
			return ValidationError{
				Field:   "sizing.kelly_win_loss_ratio",
				Value:   c.Sizing.KellyWinLoss,
				Message: "must be positive",
			}
		}
		if c.Sizing.MaxKellyCap <= 0 || c.Sizing.MaxKellyCap > 1 {
			return ValidationError{
				Field:   "sizing.max_kelly_cap",
				Value:   c.Sizing.MaxKellyCap,
				Message: "must be in (0,1]",
			}
		}
	}
	return nil
}

func (c *Config) validateRouting() error {
	validPolicies := []string{"best_score", "lowest_fee", "lowest_latency", "preferred"}
	if !contains(validPolicies, c.Routing.Policy) {
		return ValidationError{
			Field:   "routing.policy",
			Value:   c.Routing.Policy,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validPolicies, ", ")),
		}
	}
	if c.Routing.Policy == "preferred" && len(c.Routing.PreferredVenues) == 0 {
		return ValidationError{
			Field:   "routing.preferred_venues",
			Message: "at least one preferred venue required for the preferred policy",
		}
	}
	for _, name := range c.Routing.PreferredVenues {
		if _, ok := c.Venues[name]; !ok {
			return ValidationError{
				Field:   "routing.preferred_venues",
				Value:   name,
				Message: "venue not found in venues section",
			}
		}
	}
	return nil
}

func (c *Config) validateLifecycle() error {
	if c.Lifecycle.SubmitTimeoutMillis <= 0 {
		return ValidationError{
			Field:   "lifecycle.submit_timeout_ms",
			Value:   c.Lifecycle.SubmitTimeoutMillis,
			Message: "must be positive",
		}
	}
	if c.Lifecycle.MaxSubmitRetries < 0 || c.Lifecycle.MaxSubmitRetries > 20 {
		return ValidationError{
			Field:   "lifecycle.max_submit_retries",
			Value:   c.Lifecycle.MaxSubmitRetries,
			Message: "must be in [0,20]",
		}
	}
	if c.Lifecycle.MaxCommitRetries <= 0 || c.Lifecycle.MaxCommitRetries > 10 {
		return ValidationError{
			Field:   "lifecycle.max_commit_retries",
			Value:   c.Lifecycle.MaxCommitRetries,
			Message: "must be in [1,10]",
		}
	}
	return nil
}

func (c *Config) validateVenues() error {
	if len(c.Venues) == 0 {
		return ValidationError{
			Field:   "venues",
			Message: "at least one venue must be configured",
		}
	}
	validAdapters := []string{"mock", "http"}
	for name, v := range c.Venues {
		if !contains(validAdapters, v.Adapter) {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.adapter", name),
				Value:   v.Adapter,
				Message: fmt.Sprintf("must be one of: %s", strings.Join(validAdapters, ", ")),
			}
		}
		if v.Adapter == "http" && v.BaseURL == "" {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.base_url", name),
				Message: "base URL is required for http adapters",
			}
		}
		if v.FeeBps < 0 {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.fee_bps", name),
				Value:   v.FeeBps,
				Message: "must not be negative",
			}
		}
		if v.LiquidityScore < 0 || v.LiquidityScore > 1 {
			return ValidationError{
				Field:   fmt.Sprintf("venues.%s.liquidity_score", name),
				Value:   v.LiquidityScore,
				Message: "must be in [0,1]",
			}
		}
	}
	return nil
}

// RiskLimits converts the risk section into the immutable core value.
func (c *Config) RiskLimits() core.RiskLimits {
	groups := make(map[string][]string, len(c.Risk.CorrelatedGroups))
	for i, g := range c.Risk.CorrelatedGroups {
		symbols := strings.Split(g, ",")
		for j := range symbols {
			symbols[j] = strings.TrimSpace(symbols[j])
		}
		groups[fmt.Sprintf("group_%d", i)] = symbols
	}
	return core.RiskLimits{
		ConfigVersion:       c.Risk.ConfigVersion,
		MaxPositionPct:      c.Risk.MaxPositionPct,
		MaxDailyLossPct:     c.Risk.MaxDailyLossPct,
		MaxOrdersPerWindow:  c.Risk.MaxOrdersPerWindow,
		OrderRateWindow:     time.Duration(c.Risk.OrderRateWindowSecs) * time.Second,
		MaxDailyTrades:      c.Risk.MaxDailyTrades,
		MaxConcentrationPct: c.Risk.MaxConcentrationPct,
		CorrelatedGroups:    groups,
		StalenessThreshold:  time.Duration(c.Risk.StalenessMillis) * time.Millisecond,
	}
}

// String returns a string representation of the configuration with venue
// credentials masked.
func (c *Config) String() string {
	configCopy := *c
	configCopy.Venues = make(map[string]VenueConfig, len(c.Venues))
	for name, v := range c.Venues {
		v.APIKey = maskString(v.APIKey)
		configCopy.Venues[name] = v
	}
	data, _ := yaml.Marshal(configCopy)
	return string(data)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

func maskString(s string) string {
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
		Portfolio: PortfolioConfig{
			SnapshotDBPath:       "engine_state.db",
			InitialCash:          10_000_000,
			DailyResetHour:       0,
			SnapshotOnEvery:      true,
			SnapshotIntervalSecs: 30,
		},
		Risk: RiskConfig{
			ConfigVersion:       1,
			MaxPositionPct:      0.10,
			MaxDailyLossPct:     0.02,
			MaxOrdersPerWindow:  10,
			OrderRateWindowSecs: 60,
			MaxDailyTrades:      100,
			MaxConcentrationPct: 0.25,
			StalenessMillis:     5000,
		},
		Sizing: SizingConfig{
			Policy:          "volatility_scaled",
			PerTradeRiskPct: 0.02,
			FixedFraction:   0.05,
			KellyWinRate:    0.55,
			KellyWinLoss:    1.5,
			MaxKellyCap:     0.25,
		},
		Routing: RoutingConfig{
			Policy:      "best_score",
			HistorySize: 1000,
		},
		Lifecycle: LifecycleConfig{
			SubmitTimeoutMillis: 2000,
			MaxSubmitRetries:    3,
			BaseRetryDelayMs:    100,
			MaxRetryDelayMs:     2000,
			MaxCommitRetries:    3,
			WorkerPoolSize:      10,
			WorkerPoolBuffer:    100,
		},
		Venues: map[string]VenueConfig{
			"mock": {
				Adapter:        "mock",
				FeeBps:         2,
				LiquidityScore: 0.9,
				LatencyMillis:  5,
				OrderTypes:     []string{"MARKET", "LIMIT"},
			},
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: false,
		},
	}
}
