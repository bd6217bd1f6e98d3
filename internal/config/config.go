// Package config provides configuration management for the execution engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultTakeProfitPct is used when bracket.take_profit_pct is unset
	defaultTakeProfitPct = 60.0
	// defaultStopLossPct is used when bracket.stop_loss_pct is unset
	defaultStopLossPct = 200.0
	// defaultTimezone covers US option markets
	defaultTimezone = "America/New_York"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Strategy    StrategyConfig    `yaml:"strategy"`
	Bracket     BracketConfig     `yaml:"bracket"`
	Engine      EngineConfig      `yaml:"engine"`
	Reconcile   ReconcileConfig   `yaml:"reconcile"`
	Storage     StorageConfig     `yaml:"storage"`
	Dashboard   DashboardConfig   `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// GatewayConfig defines the OMS gateway API settings.
type GatewayConfig struct {
	BaseURL   string `yaml:"base_url"`
	AuthToken string `yaml:"auth_token"` // supports ${ENV_VAR} expansion
	AccountID string `yaml:"account_id"`
}

// StrategyConfig defines the put-selling entry parameters.
type StrategyConfig struct {
	Symbol      string  `yaml:"symbol"`
	TargetDelta float64 `yaml:"target_delta"` // magnitude, e.g. 0.15
	TargetDTE   int     `yaml:"target_dte"`
	MinDTE      int     `yaml:"min_dte"`
	MaxDTE      int     `yaml:"max_dte"`
	Quantity    int     `yaml:"quantity"`
	MinCredit   float64 `yaml:"min_credit"`
}

// BracketConfig defines the exit levels as percentages of the entry fill.
type BracketConfig struct {
	TakeProfitPct float64 `yaml:"take_profit_pct"` // 60 buys back at 40% of credit
	StopLossPct   float64 `yaml:"stop_loss_pct"`   // 200 stops at 3x credit
}

// EngineConfig defines the execution engine's timing and retry knobs.
type EngineConfig struct {
	PollInterval   string `yaml:"poll_interval"`
	OrderTimeout   string `yaml:"order_timeout"`
	CancelWait     string `yaml:"cancel_wait"`
	CallTimeout    string `yaml:"call_timeout"`
	ExitVerifyWait string `yaml:"exit_verify_wait"`
	MaxRetries     int    `yaml:"max_retries"`
	RetryPriceStep float64 `yaml:"retry_price_step"`
}

// ReconcileConfig defines the ledger-vs-broker audit settings.
type ReconcileConfig struct {
	Interval       string  `yaml:"interval"`
	PriceTolerance float64 `yaml:"price_tolerance"`
}

// ScheduleConfig defines the trading schedule and market hours.
type ScheduleConfig struct {
	EntryTime string `yaml:"entry_time"` // "HH:MM" local to Timezone
	Timezone  string `yaml:"timezone"`   // e.g., "America/New_York"
}

// StorageConfig defines where the trade ledger is persisted.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DashboardConfig defines the HTTP status endpoint.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`     // host:port
	AuthToken string `yaml:"auth_token"` // empty disables auth
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables so secrets stay out of the file
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	// The gateway is only reached in live mode; paper mode runs against
	// the in-memory simulator.
	if c.Environment.Mode == "live" {
		if c.Gateway.BaseURL == "" {
			return fmt.Errorf("gateway.base_url is required in live mode")
		}
		if c.Gateway.AuthToken == "" {
			return fmt.Errorf("gateway.auth_token is required in live mode")
		}
		if c.Gateway.AccountID == "" {
			return fmt.Errorf("gateway.account_id is required in live mode")
		}
	}

	if c.Strategy.Symbol == "" {
		return fmt.Errorf("strategy.symbol is required")
	}
	if c.Strategy.TargetDelta <= 0 || c.Strategy.TargetDelta >= 1 {
		return fmt.Errorf("strategy.target_delta must be in (0,1)")
	}
	if c.Strategy.TargetDTE <= 0 {
		return fmt.Errorf("strategy.target_dte must be > 0")
	}
	if c.Strategy.MinDTE < 0 || c.Strategy.MaxDTE <= 0 || c.Strategy.MinDTE > c.Strategy.MaxDTE {
		return fmt.Errorf("strategy DTE window must satisfy 0 <= min_dte <= max_dte")
	}
	if c.Strategy.TargetDTE < c.Strategy.MinDTE || c.Strategy.TargetDTE > c.Strategy.MaxDTE {
		return fmt.Errorf("strategy.target_dte (%d) must be within [%d,%d]",
			c.Strategy.TargetDTE, c.Strategy.MinDTE, c.Strategy.MaxDTE)
	}
	if c.Strategy.Quantity <= 0 {
		return fmt.Errorf("strategy.quantity must be > 0")
	}
	if c.Strategy.MinCredit < 0 {
		return fmt.Errorf("strategy.min_credit must be >= 0")
	}

	c.normalizeBracket()
	if c.Bracket.TakeProfitPct <= 0 || c.Bracket.TakeProfitPct > 100 {
		return fmt.Errorf("bracket.take_profit_pct must be in (0,100]")
	}
	if c.Bracket.StopLossPct <= 0 {
		return fmt.Errorf("bracket.stop_loss_pct must be > 0")
	}

	for name, raw := range map[string]string{
		"engine.poll_interval":    c.Engine.PollInterval,
		"engine.order_timeout":    c.Engine.OrderTimeout,
		"engine.cancel_wait":      c.Engine.CancelWait,
		"engine.call_timeout":     c.Engine.CallTimeout,
		"engine.exit_verify_wait": c.Engine.ExitVerifyWait,
		"reconcile.interval":      c.Reconcile.Interval,
	} {
		if raw == "" {
			continue
		}
		if _, err := time.ParseDuration(raw); err != nil {
			return fmt.Errorf("%s invalid: %w", name, err)
		}
	}
	if c.Engine.MaxRetries < 0 {
		return fmt.Errorf("engine.max_retries must be >= 0")
	}
	if c.Engine.RetryPriceStep < 0 {
		return fmt.Errorf("engine.retry_price_step must be >= 0")
	}
	if c.Reconcile.PriceTolerance < 0 {
		return fmt.Errorf("reconcile.price_tolerance must be >= 0")
	}

	if c.Schedule.EntryTime != "" {
		loc := c.location()
		if _, err := time.ParseInLocation("15:04", c.Schedule.EntryTime, loc); err != nil {
			return fmt.Errorf("schedule.entry_time invalid: %w", err)
		}
	}

	if c.Dashboard.Enabled && c.Dashboard.Listen == "" {
		return fmt.Errorf("dashboard.listen is required when dashboard.enabled")
	}

	return nil
}

// IsPaperTrading returns true if the engine runs against the simulator.
func (c *Config) IsPaperTrading() bool {
	return c.Environment.Mode == "paper"
}

// TakeProfitPct returns the configured take-profit percentage with defaults applied.
func (c *Config) TakeProfitPct() float64 {
	if c.Bracket.TakeProfitPct == 0 {
		return defaultTakeProfitPct
	}
	return c.Bracket.TakeProfitPct
}

// StopLossPct returns the configured stop-loss percentage with defaults applied.
func (c *Config) StopLossPct() float64 {
	if c.Bracket.StopLossPct == 0 {
		return defaultStopLossPct
	}
	return c.Bracket.StopLossPct
}

// Duration parses a duration field, falling back when unset or invalid.
func Duration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return d
}

// NextEntryTime returns the next scheduled entry after now, in the
// configured timezone, skipping weekends.
func (c *Config) NextEntryTime(now time.Time) time.Time {
	loc := c.location()
	clock, err := time.ParseInLocation("15:04", c.Schedule.EntryTime, loc)
	if err != nil {
		clock = time.Date(0, 1, 1, 9, 45, 0, 0, loc)
	}

	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(),
		clock.Hour(), clock.Minute(), 0, 0, loc)
	if !next.After(local) {
		next = next.AddDate(0, 0, 1)
	}
	for next.Weekday() == time.Saturday || next.Weekday() == time.Sunday {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

func (c *Config) location() *time.Location {
	tz := c.Schedule.Timezone
	if tz == "" {
		tz = defaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		// Fallback for minimal containers without tzdata
		loc = time.FixedZone("ET", -5*60*60)
	}
	return loc
}

// normalizeBracket applies defaults for unset bracket percentages.
func (c *Config) normalizeBracket() {
	if c.Bracket.TakeProfitPct == 0 {
		c.Bracket.TakeProfitPct = defaultTakeProfitPct
	}
	if c.Bracket.StopLossPct == 0 {
		c.Bracket.StopLossPct = defaultStopLossPct
	}
}
