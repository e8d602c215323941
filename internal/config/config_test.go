package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"WALLEX_API_KEY", "EXCHANGE_API_KEY", "EXCHANGE_API_SECRET", "DB_CONN_STR", "TELEGRAM_TOKEN"} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "backtest", cfg.Mode)
	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 14, cfg.Strategy.RSIPeriod)
	assert.Equal(t, 0.3, cfg.Strategy.SignalThreshold)
	assert.InDelta(t, 1.0, cfg.Strategy.Weights.Sum(), 1e-12)
	assert.Equal(t, 10000.0, cfg.Backtest.InitialCapital)
	assert.Equal(t, 50*time.Millisecond, cfg.Backtest.PollInterval)
	assert.Equal(t, 5*time.Minute, cfg.Trade.FillTimeout)
	assert.Zero(t, cfg.Trade.TickSize)
}

func TestLoad_TradeYAML(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: trade
exchange:
  name: mock
trade:
  quantity: 0.01
  tick_size: 0.5
  fill_timeout: 90s
`), 0o644))

	cfg, err := Load([]string{"-config", path})
	require.NoError(t, err)
	assert.Equal(t, 0.5, cfg.Trade.TickSize)
	assert.Equal(t, 90*time.Second, cfg.Trade.FillTimeout)
	assert.Equal(t, 2.0, cfg.Trade.StopLossPercent)
}

func TestLoad_Flags(t *testing.T) {
	clearEnv(t)
	cfg, err := Load([]string{"-mode", "serve", "-storage", "memory", "-addr", ":9999", "-signal-threshold", "0.5"})
	require.NoError(t, err)
	assert.Equal(t, "serve", cfg.Mode)
	assert.Equal(t, "memory", cfg.Storage.Driver)
	assert.Equal(t, ":9999", cfg.Server.Addr)
	assert.Equal(t, 0.5, cfg.Strategy.SignalThreshold)
}

func TestLoad_YAMLOverridesFlags(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: fetch
storage:
  driver: memory
strategy:
  rsi_period: 10
  weights: { rsi: 0.4, macd: 0.2, bollinger: 0.2, volume: 0.2 }
backtest:
  symbol: ETH-USDT
  from: "2024-01-01"
  to: "2024-02-01"
  pause_poll_interval: 10ms
exchange:
  name: rest
  base_url: https://fapi.example.com
  recv_window: 3s
`), 0o644))

	cfg, err := Load([]string{"-config", path, "-symbol", "BTC-USDT"})
	require.NoError(t, err)
	assert.Equal(t, "fetch", cfg.Mode)
	assert.Equal(t, 10, cfg.Strategy.RSIPeriod)
	assert.Equal(t, 0.3, cfg.Strategy.SignalThreshold, "keys absent from the file keep their flag value")
	assert.Equal(t, 0.4, cfg.Strategy.Weights.RSI)
	assert.Equal(t, "ETH-USDT", cfg.Backtest.Symbol)
	assert.Equal(t, 10*time.Millisecond, cfg.Backtest.PollInterval)
	assert.Equal(t, 3*time.Second, cfg.Exchange.RecvWindow)

	from, to, err := cfg.Backtest.Range()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), to)
}

func TestLoad_Env(t *testing.T) {
	clearEnv(t)
	t.Setenv("EXCHANGE_API_KEY", "k")
	t.Setenv("EXCHANGE_API_SECRET", "s")
	t.Setenv("DB_CONN_STR", "postgres://localhost/bt")
	t.Setenv("TELEGRAM_TOKEN", "tg")

	cfg, err := Load([]string{"-storage", "postgres"})
	require.NoError(t, err)
	assert.Equal(t, "k", cfg.Exchange.APIKey)
	assert.Equal(t, "s", cfg.Exchange.APISecret)
	assert.Equal(t, "postgres://localhost/bt", cfg.Storage.ConnStr)
	assert.Equal(t, "tg", cfg.Telegram.Token)

	t.Setenv("WALLEX_API_KEY", "w")
	cfg, err = Load([]string{"-exchange", "wallex"})
	require.NoError(t, err)
	assert.Equal(t, "w", cfg.Exchange.APIKey)
}

func TestLoad_Invalid(t *testing.T) {
	clearEnv(t)
	tests := []struct {
		name string
		args []string
	}{
		{"unknown mode", []string{"-mode", "live"}},
		{"unknown driver", []string{"-storage", "mysql"}},
		{"postgres without conn", []string{"-storage", "postgres"}},
		{"bad threshold", []string{"-signal-threshold", "1.5"}},
		{"short rsi", []string{"-rsi-period", "1"}},
		{"bad date", []string{"-from", "01/02/2024"}},
		{"no capital", []string{"-capital", "0"}},
		{"import without file", []string{"-mode", "import", "-name", "x"}},
		{"trade without quantity", []string{"-mode", "trade", "-exchange", "mock"}},
		{"negative tick", []string{"-mode", "trade", "-exchange", "mock", "-quantity", "1", "-tick-size", "-0.1"}},
		{"rest without url", []string{"-mode", "fetch"}},
		{"unknown flag", []string{"-nope"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(tt.args)
			assert.Error(t, err)
		})
	}
}
