package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
arbitrage:
  pairs: ["BTC/EUR", "ETH/EUR"]
  exchanges: ["binance", "kraken"]
  scan_interval: 500ms
  max_quote_age: 5s
risk:
  minimum_profit_percentage: 0.1
  max_capital_per_trade: 1000
  max_capital_percentage: 25
  max_concurrent_trades: 2
  cooldown: 30s
exchanges:
  binance:
    taker_fee_percent: 0.1
    balances:
      EUR: 10000
  kraken:
    taker_fee_percent: 0.26
`

func writeConfig(t *testing.T, dir, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(body), 0o600))
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, validYAML)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, 500*time.Millisecond, cfg.Arbitrage.ScanInterval)
	assert.Equal(t, 20, cfg.Arbitrage.BookDepth)
	assert.Equal(t, 2, cfg.Arbitrage.SellRetries)
	assert.Equal(t, 0.26, cfg.Exchanges["kraken"].TakerFeePercent)

	pairs, err := cfg.Arbitrage.TradingPairs()
	require.NoError(t, err)
	assert.Len(t, pairs, 2)

	profile := cfg.Risk.Profile()
	assert.Equal(t, "0.1", profile.MinimumProfitPercentage.String())
	assert.Equal(t, 30*time.Second, profile.Cooldown)

	rates := cfg.FeeRates()
	assert.Equal(t, "0.001", rates["binance"].String())
}

func TestLoadConfig_RejectsMissingRiskLimits(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
arbitrage:
  pairs: ["BTC/EUR"]
  exchanges: ["binance", "kraken"]
risk:
  minimum_profit_percentage: 0.1
exchanges:
  binance: {taker_fee_percent: 0.1}
  kraken: {taker_fee_percent: 0.26}
`)
	_, err := LoadConfig(dir)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestLoadConfig_RequiresTradingKeys(t *testing.T) {
	cases := map[string]struct {
		from, to string
		key      string
	}{
		"minimum profit": {"  minimum_profit_percentage: 0.1\n", "", "risk.minimum_profit_percentage"},
		"cooldown":       {"  cooldown: 30s\n", "", "risk.cooldown"},
		"taker fee":      {"    taker_fee_percent: 0.26\n", "    websocket_url: wss://ws.kraken.com\n", "exchanges.kraken.taker_fee_percent"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			dir := t.TempDir()
			writeConfig(t, dir, replace(validYAML, tc.from, tc.to))

			_, err := LoadConfig(dir)
			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tc.key)
		})
	}
}

func TestLoadConfig_ZeroCooldownIsAllowedWhenExplicit(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, replace(validYAML, "cooldown: 30s", "cooldown: 0s"))

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Zero(t, cfg.Risk.Cooldown)
}

func TestLoadConfig_RejectsUnknownExchange(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
arbitrage:
  pairs: ["BTC/EUR"]
  exchanges: ["binance", "bitstamp"]
risk:
  max_capital_per_trade: 1000
  max_concurrent_trades: 1
exchanges:
  binance: {taker_fee_percent: 0.1}
  kraken: {taker_fee_percent: 0.26}
`)
	_, err := LoadConfig(dir)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestProvider_Reload(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, validYAML)

	p, err := NewProvider(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, p.RiskProfile().MaxConcurrentTrades)

	writeConfig(t, dir, replace(validYAML, "max_concurrent_trades: 2", "max_concurrent_trades: 5"))
	p.Reload()
	assert.Equal(t, 5, p.RiskProfile().MaxConcurrentTrades)

	writeConfig(t, dir, replace(validYAML, "max_capital_per_trade: 1000", "max_capital_per_trade: 0"))
	p.Reload()
	assert.Equal(t, 5, p.RiskProfile().MaxConcurrentTrades, "invalid reload keeps previous profile")
	assert.Equal(t, "1000", p.RiskProfile().MaxCapitalPerTrade.String())
}

func replace(s, from, to string) string {
	return strings.Replace(s, from, to, 1)
}
