// Package config handles configuration management with validation
package config

import (
	"fmt"
	"grid_trader/internal/grid"
	"os"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
type Config struct {
	App       AppConfig                 `yaml:"app"`
	Grid      GridConfig                `yaml:"grid"`
	Exchanges map[string]ExchangeConfig `yaml:"exchanges"`
	Engine    EngineConfig              `yaml:"engine"`
	Store     StoreConfig               `yaml:"store"`
	Telemetry TelemetryConfig           `yaml:"telemetry"`
	Admin     AdminConfig               `yaml:"admin"`
	Alerts    AlertConfig               `yaml:"alerts"`
	System    SystemConfig              `yaml:"system"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Exchange string `yaml:"exchange"` // active venue: mock | binance_spot
}

// GridConfig contains the grid strategy parameters. Prices and amounts are
// YAML strings so they parse to exact decimals, never through float64.
type GridConfig struct {
	Symbol          string `yaml:"symbol"`
	LowerPrice      string `yaml:"lower_price"`
	UpperPrice      string `yaml:"upper_price"`
	NumGrids        int    `yaml:"num_grids"`
	TotalInvestment string `yaml:"total_investment"`
	Spacing         string `yaml:"spacing"` // arithmetic | geometric
	StopLossPct     string `yaml:"stop_loss_pct"`
	TakeProfitPct   string `yaml:"take_profit_pct"`   // empty disables take-profit
	ReserveFraction string `yaml:"reserve_fraction"`  // empty defaults to 0.2
}

// ExchangeConfig contains venue-specific configuration
type ExchangeConfig struct {
	APIKey    Secret `yaml:"api_key"`
	SecretKey Secret `yaml:"secret_key"`
	BaseURL   string `yaml:"base_url"` // optional override for the REST API URL
	WSURL     string `yaml:"ws_url"`   // optional override for the stream URL
}

// EngineConfig contains execution engine settings
type EngineConfig struct {
	OrderRatePerSec      float64 `yaml:"order_rate_per_sec"`
	OrderBurst           int     `yaml:"order_burst"`
	RequestTimeoutSec    int     `yaml:"request_timeout_seconds"`
	ReconcileIntervalSec int     `yaml:"reconcile_interval_seconds"` // 0 reconciles on startup only
	PlacementWorkers     int     `yaml:"placement_workers"`
	MaxConsecutiveErrors int     `yaml:"max_consecutive_errors"`
	FeeEstimateRate      string  `yaml:"fee_estimate_rate"` // fallback when the venue reports no fee
}

// StoreConfig selects the snapshot store backend
type StoreConfig struct {
	Backend string `yaml:"backend"` // file | sqlite | memory
	Path    string `yaml:"path"`
}

// TelemetryConfig contains telemetry settings
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AdminConfig contains the operator HTTP surface settings
type AdminConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// AlertConfig contains alert channel settings. Channels with empty
// credentials are skipped.
type AlertConfig struct {
	Slack    SlackAlertConfig    `yaml:"slack"`
	Telegram TelegramAlertConfig `yaml:"telegram"`
}

// SlackAlertConfig contains Slack webhook settings
type SlackAlertConfig struct {
	WebhookURL Secret `yaml:"webhook_url"`
}

// TelegramAlertConfig contains Telegram bot settings
type TelegramAlertConfig struct {
	BotToken Secret `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// SystemConfig contains system settings
type SystemConfig struct {
	LogLevel     string `yaml:"log_level"`
	CancelOnExit bool   `yaml:"cancel_on_exit"`
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

	// Expand environment variables in the YAML content
	expandedData := expandEnvVars(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.App.Exchange == "" {
		c.App.Exchange = "mock"
	}
	if c.Grid.Spacing == "" {
		c.Grid.Spacing = string(grid.SpacingArithmetic)
	}
	if c.Engine.OrderRatePerSec == 0 {
		c.Engine.OrderRatePerSec = 10
	}
	if c.Engine.OrderBurst == 0 {
		c.Engine.OrderBurst = 5
	}
	if c.Engine.RequestTimeoutSec == 0 {
		c.Engine.RequestTimeoutSec = 10
	}
	if c.Engine.PlacementWorkers == 0 {
		c.Engine.PlacementWorkers = 4
	}
	if c.Engine.MaxConsecutiveErrors == 0 {
		c.Engine.MaxConsecutiveErrors = 5
	}
	if c.Engine.FeeEstimateRate == "" {
		c.Engine.FeeEstimateRate = "0.001"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "file"
	}
	if c.Store.Path == "" && c.Store.Backend != "memory" {
		c.Store.Path = "grid_state.json"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
	if c.Admin.Port == 0 {
		c.Admin.Port = 8085
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	var errors []string

	if err := c.validateAppConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateGridConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateExchanges(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateEngineConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateStoreConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if err := c.validateSystemConfig(); err != nil {
		errors = append(errors, err.Error())
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errors, "\n"))
	}

	return nil
}

func (c *Config) validateAppConfig() error {
	validExchanges := []string{"mock", "binance_spot"}

	if !contains(validExchanges, c.App.Exchange) {
		return ValidationError{
			Field:   "app.exchange",
			Value:   c.App.Exchange,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validExchanges, ", ")),
		}
	}

	if c.App.Exchange == "mock" {
		return nil
	}

	if _, exists := c.Exchanges[c.App.Exchange]; !exists {
		return ValidationError{
			Field:   "app.exchange",
			Value:   c.App.Exchange,
			Message: "exchange configuration not found in exchanges section",
		}
	}

	return nil
}

func (c *Config) validateGridConfig() error {
	// The full feasibility check (bounds ordering, level dedupe) happens in
	// BuildGridConfig; here we only reject values that cannot parse.
	if c.Grid.Symbol == "" {
		return ValidationError{
			Field:   "grid.symbol",
			Message: "trading symbol is required",
		}
	}

	required := map[string]string{
		"grid.lower_price":      c.Grid.LowerPrice,
		"grid.upper_price":      c.Grid.UpperPrice,
		"grid.total_investment": c.Grid.TotalInvestment,
		"grid.stop_loss_pct":    c.Grid.StopLossPct,
	}
	for field, value := range required {
		if value == "" {
			return ValidationError{Field: field, Message: "value is required"}
		}
		if _, err := decimal.NewFromString(value); err != nil {
			return ValidationError{Field: field, Value: value, Message: "not a valid decimal"}
		}
	}

	optional := map[string]string{
		"grid.take_profit_pct":  c.Grid.TakeProfitPct,
		"grid.reserve_fraction": c.Grid.ReserveFraction,
	}
	for field, value := range optional {
		if value == "" {
			continue
		}
		if _, err := decimal.NewFromString(value); err != nil {
			return ValidationError{Field: field, Value: value, Message: "not a valid decimal"}
		}
	}

	if c.Grid.Spacing != string(grid.SpacingArithmetic) && c.Grid.Spacing != string(grid.SpacingGeometric) {
		return ValidationError{
			Field:   "grid.spacing",
			Value:   c.Grid.Spacing,
			Message: "must be arithmetic or geometric",
		}
	}

	return nil
}

func (c *Config) validateExchanges() error {
	for name, exchange := range c.Exchanges {
		if name == "mock" {
			continue
		}

		if exchange.APIKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.api_key", name),
				Message: "API key is required",
			}
		}
		if exchange.SecretKey == "" {
			return ValidationError{
				Field:   fmt.Sprintf("exchanges.%s.secret_key", name),
				Message: "secret key is required",
			}
		}
	}

	return nil
}

func (c *Config) validateEngineConfig() error {
	if c.Engine.OrderRatePerSec <= 0 {
		return ValidationError{
			Field:   "engine.order_rate_per_sec",
			Value:   c.Engine.OrderRatePerSec,
			Message: "must be positive",
		}
	}
	if c.Engine.RequestTimeoutSec <= 0 {
		return ValidationError{
			Field:   "engine.request_timeout_seconds",
			Value:   c.Engine.RequestTimeoutSec,
			Message: "must be positive",
		}
	}
	if _, err := decimal.NewFromString(c.Engine.FeeEstimateRate); err != nil {
		return ValidationError{
			Field:   "engine.fee_estimate_rate",
			Value:   c.Engine.FeeEstimateRate,
			Message: "not a valid decimal",
		}
	}
	return nil
}

func (c *Config) validateStoreConfig() error {
	validBackends := []string{"file", "sqlite", "memory"}
	if !contains(validBackends, c.Store.Backend) {
		return ValidationError{
			Field:   "store.backend",
			Value:   c.Store.Backend,
			Message: fmt.Sprintf("must be one of: %s", strings.Join(validBackends, ", ")),
		}
	}
	if c.Store.Backend != "memory" && c.Store.Path == "" {
		return ValidationError{
			Field:   "store.path",
			Message: "path is required for file and sqlite backends",
		}
	}
	return nil
}

func (c *Config) validateSystemConfig() error {
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

// BuildGridConfig converts the YAML grid section into a validated
// grid.Config with exact decimal fields.
func (c *Config) BuildGridConfig() (*grid.Config, error) {
	lower, err := decimal.NewFromString(c.Grid.LowerPrice)
	if err != nil {
		return nil, fmt.Errorf("grid.lower_price: %w", err)
	}
	upper, err := decimal.NewFromString(c.Grid.UpperPrice)
	if err != nil {
		return nil, fmt.Errorf("grid.upper_price: %w", err)
	}
	investment, err := decimal.NewFromString(c.Grid.TotalInvestment)
	if err != nil {
		return nil, fmt.Errorf("grid.total_investment: %w", err)
	}
	stopLoss, err := decimal.NewFromString(c.Grid.StopLossPct)
	if err != nil {
		return nil, fmt.Errorf("grid.stop_loss_pct: %w", err)
	}

	cfg := &grid.Config{
		Symbol:          c.Grid.Symbol,
		LowerPrice:      lower,
		UpperPrice:      upper,
		NumGrids:        c.Grid.NumGrids,
		TotalInvestment: investment,
		SpacingMode:     grid.SpacingMode(c.Grid.Spacing),
		StopLossPct:     stopLoss,
		ReserveFraction: grid.DefaultReserveFraction,
	}

	if c.Grid.TakeProfitPct != "" {
		tp, err := decimal.NewFromString(c.Grid.TakeProfitPct)
		if err != nil {
			return nil, fmt.Errorf("grid.take_profit_pct: %w", err)
		}
		cfg.TakeProfitPct = &tp
	}
	if c.Grid.ReserveFraction != "" {
		reserve, err := decimal.NewFromString(c.Grid.ReserveFraction)
		if err != nil {
			return nil, fmt.Errorf("grid.reserve_fraction: %w", err)
		}
		cfg.ReserveFraction = reserve
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FeeEstimate returns the fallback fee rate used when the venue reports no
// commission for a fill.
func (c *Config) FeeEstimate() decimal.Decimal {
	rate, err := decimal.NewFromString(c.Engine.FeeEstimateRate)
	if err != nil {
		return decimal.RequireFromString("0.001")
	}
	return rate
}

// String returns a string representation of the configuration with
// sensitive data redacted by the Secret type.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// Helper functions

func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// DefaultConfig returns a default configuration for testing
func DefaultConfig() *Config {
	cfg := &Config{
		App: AppConfig{
			Exchange: "mock",
		},
		Grid: GridConfig{
			Symbol:          "SOLUSDT",
			LowerPrice:      "120",
			UpperPrice:      "150",
			NumGrids:        6,
			TotalInvestment: "45",
			Spacing:         "arithmetic",
			StopLossPct:     "0.10",
		},
		Exchanges: map[string]ExchangeConfig{
			"binance_spot": {
				APIKey:    "test_api_key",
				SecretKey: "test_secret_key",
			},
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Telemetry: TelemetryConfig{
			MetricsPort:   9090,
			EnableMetrics: false,
		},
		System: SystemConfig{
			LogLevel:     "INFO",
			CancelOnExit: true,
		},
	}
	cfg.applyDefaults()
	return cfg
}
