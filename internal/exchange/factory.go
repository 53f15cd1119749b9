// Package exchange provides exchange implementations
package exchange

import (
	"fmt"
	"grid_trader/internal/config"
	"grid_trader/internal/core"
	"grid_trader/internal/exchange/binancespot"
	"grid_trader/internal/mock"
	"strings"
)

// NewExchange creates a new exchange instance based on configuration
func NewExchange(exchangeName string, cfg *config.Config, logger core.ILogger) (core.IExchange, error) {
	switch strings.ToLower(exchangeName) {
	case "mock":
		return mock.NewMockExchange("mock"), nil
	case "binance_spot":
		exchangeConfig, exists := cfg.Exchanges[exchangeName]
		if !exists {
			return nil, fmt.Errorf("configuration not found for exchange: %s", exchangeName)
		}
		return binancespot.NewBinanceSpotExchange(&exchangeConfig, logger), nil
	default:
		return nil, fmt.Errorf("unsupported exchange: %s", exchangeName)
	}
}
