package config

import (
	"errors"
	apperrors "grid_trader/pkg/errors"
	"os"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}

func TestExpandEnvVars(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		envVars  map[string]string
		expected string
	}{
		{
			name:  "expand single env var",
			input: "api_key: ${TEST_API_KEY}",
			envVars: map[string]string{
				"TEST_API_KEY": "test_key_123",
			},
			expected: "api_key: test_key_123",
		},
		{
			name:  "expand multiple env vars",
			input: "api_key: ${API_KEY}\nsecret: ${SECRET_KEY}",
			envVars: map[string]string{
				"API_KEY":    "key_value",
				"SECRET_KEY": "secret_value",
			},
			expected: "api_key: key_value\nsecret: secret_value",
		},
		{
			name:     "missing env var returns empty string",
			input:    "api_key: ${MISSING_VAR}",
			envVars:  map[string]string{},
			expected: "api_key: ",
		},
		{
			name:  "mixed static and env vars",
			input: "static_value: 123\napi_key: ${TEST_KEY}",
			envVars: map[string]string{
				"TEST_KEY": "dynamic_key",
			},
			expected: "static_value: 123\napi_key: dynamic_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.envVars {
				os.Setenv(k, v)
				defer os.Unsetenv(k)
			}

			result := expandEnvVars(tt.input)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestLoadConfigWithEnvVars(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `app:
  exchange: "binance_spot"

grid:
  symbol: "SOLUSDT"
  lower_price: "120"
  upper_price: "150"
  num_grids: 6
  total_investment: "45"
  spacing: "arithmetic"
  stop_loss_pct: "0.10"

exchanges:
  binance_spot:
    api_key: "${TEST_BINANCE_API_KEY}"
    secret_key: "${TEST_BINANCE_SECRET_KEY}"

store:
  backend: "memory"

system:
  log_level: "INFO"
  cancel_on_exit: true
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	os.Setenv("TEST_BINANCE_API_KEY", "test_api_key_from_env")
	os.Setenv("TEST_BINANCE_SECRET_KEY", "test_secret_key_from_env")
	defer os.Unsetenv("TEST_BINANCE_API_KEY")
	defer os.Unsetenv("TEST_BINANCE_SECRET_KEY")

	config, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err, "LoadConfig() error")

	binanceConfig := config.Exchanges["binance_spot"]
	assert.Equal(t, Secret("test_api_key_from_env"), binanceConfig.APIKey)
	assert.Equal(t, Secret("test_secret_key_from_env"), binanceConfig.SecretKey)

	// Unset engine values pick up defaults.
	assert.Equal(t, 10.0, config.Engine.OrderRatePerSec)
	assert.Equal(t, 10, config.Engine.RequestTimeoutSec)
	assert.Equal(t, 5, config.Engine.MaxConsecutiveErrors)
	assert.Equal(t, "0.001", config.Engine.FeeEstimateRate)
}

func TestLoadConfigUnquotedDecimals(t *testing.T) {
	// YAML numbers land in the string fields as their literal text, so the
	// decimal parse sees the exact digits from the file.
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `grid:
  symbol: "SOLUSDT"
  lower_price: 120.50
  upper_price: 150
  num_grids: 6
  total_investment: 45
  stop_loss_pct: 0.10

store:
  backend: "memory"
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	config, err := LoadConfig(tmpFile.Name())
	require.NoError(t, err)

	assert.Equal(t, "120.50", config.Grid.LowerPrice)
	assert.Equal(t, "0.10", config.Grid.StopLossPct)
}

func TestLoadConfigRejectsBadDecimal(t *testing.T) {
	tmpFile, err := os.CreateTemp("", "config-test-*.yaml")
	require.NoError(t, err)
	defer os.Remove(tmpFile.Name())

	configContent := `grid:
  symbol: "SOLUSDT"
  lower_price: "not-a-number"
  upper_price: "150"
  num_grids: 6
  total_investment: "45"
  stop_loss_pct: "0.10"

store:
  backend: "memory"
`

	_, err = tmpFile.Write([]byte(configContent))
	require.NoError(t, err)
	tmpFile.Close()

	_, err = LoadConfig(tmpFile.Name())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "grid.lower_price")
}

func TestValidateRejectsUnknownExchange(t *testing.T) {
	cfg := DefaultConfig()
	cfg.App.Exchange = "kraken"

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "app.exchange")
}

func TestValidateRejectsMissingCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges["binance_spot"] = ExchangeConfig{APIKey: "", SecretKey: "s"}

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestBuildGridConfig(t *testing.T) {
	cfg := DefaultConfig()

	gc, err := cfg.BuildGridConfig()
	require.NoError(t, err)

	assert.Equal(t, "SOLUSDT", gc.Symbol)
	assert.True(t, gc.LowerPrice.Equal(mustDecimal(t, "120")))
	assert.True(t, gc.UpperPrice.Equal(mustDecimal(t, "150")))
	assert.Equal(t, 6, gc.NumGrids)
	assert.True(t, gc.ReserveFraction.Equal(mustDecimal(t, "0.2")), "empty reserve_fraction defaults to 0.2")
	assert.Nil(t, gc.TakeProfitPct)

	cfg.Grid.TakeProfitPct = "0.05"
	cfg.Grid.ReserveFraction = "0.3"
	gc, err = cfg.BuildGridConfig()
	require.NoError(t, err)
	require.NotNil(t, gc.TakeProfitPct)
	assert.True(t, gc.TakeProfitPct.Equal(mustDecimal(t, "0.05")))
	assert.True(t, gc.ReserveFraction.Equal(mustDecimal(t, "0.3")))
}

func TestBuildGridConfigInfeasible(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Grid.NumGrids = 1

	_, err := cfg.BuildGridConfig()
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperrors.ErrConfigInfeasible))
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	_, err := cfg.BuildGridConfig()
	require.NoError(t, err)
}

func TestConfig_String(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exchanges = map[string]ExchangeConfig{
		"binance_spot": {
			APIKey:    Secret("my_super_secret_api_key"),
			SecretKey: Secret("my_super_secret_secret_key"),
		},
	}
	output := cfg.String()

	assert.Contains(t, output, "[REDACTED]", "output should contain the redaction marker")
	assert.NotContains(t, output, "my_super_secret_api_key", "output should NOT contain the API key")
	assert.NotContains(t, output, "my_super_secret_secret_key", "output should NOT contain the secret key")
	assert.NotContains(t, output, "my_s", "output should NOT contain partial secret parts")
}
