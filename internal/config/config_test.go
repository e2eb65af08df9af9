package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT"}, cfg.Symbols)
	assert.Equal(t, 10, cfg.Leverage)
	assert.InDelta(t, 2.0, cfg.RiskPercent, 1e-9)
	assert.Equal(t, "RISK", cfg.SizingMode)
	assert.Equal(t, 3, cfg.MaxConcurrent)
	assert.InDelta(t, 20.0, cfg.DailyTargetPercent, 1e-9)
	assert.InDelta(t, 10.0, cfg.DailyMaxLossPercent, 1e-9)
	assert.Equal(t, 600*time.Millisecond, cfg.CloseDebounce)
	assert.True(t, cfg.ML.Enabled)
	assert.InDelta(t, 0.55, cfg.ML.Threshold, 1e-9)
	assert.Equal(t, "SIM", cfg.ML.TrainSources)
}

func TestLoadFlags(t *testing.T) {
	cfg, err := Load([]string{
		"--symbols", "btcusdt, ethusdt",
		"--leverage", "20",
		"--risk-percent", "1.5",
		"--testnet",
		"--ml-enabled=false",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Symbols)
	assert.Equal(t, 20, cfg.Leverage)
	assert.InDelta(t, 1.5, cfg.RiskPercent, 1e-9)
	assert.True(t, cfg.Testnet)
	assert.False(t, cfg.ML.Enabled)
}

func TestLoadConfigFileWins(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yamlBody := `
symbols: ["SOLUSDT"]
leverage: 5
risk_percent: 1.0
max_concurrent: 2
ml:
  enabled: false
  threshold: 0.6
`
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	// With a file given, flag values for the same fields are ignored.
	cfg, err := Load([]string{"--leverage", "50", "--config", path})
	require.NoError(t, err)

	assert.Equal(t, []string{"SOLUSDT"}, cfg.Symbols)
	assert.Equal(t, 5, cfg.Leverage)
	assert.InDelta(t, 1.0, cfg.RiskPercent, 1e-9)
	assert.Equal(t, 2, cfg.MaxConcurrent)
	assert.False(t, cfg.ML.Enabled)
	assert.InDelta(t, 0.6, cfg.ML.Threshold, 1e-9)
}

func TestLoadSecretsFromEnv(t *testing.T) {
	t.Setenv("BINANCE_API_KEY", "k")
	t.Setenv("BINANCE_SECRET_KEY", "s")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "chat")
	t.Setenv("DB_CONN_STR", "host=localhost")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "k", cfg.APIKey)
	assert.Equal(t, "s", cfg.SecretKey)
	assert.Equal(t, "tok", cfg.TelegramToken)
	assert.Equal(t, "chat", cfg.TelegramChatID)
	assert.Equal(t, "host=localhost", cfg.DBConnStr)
}

func TestLoadMissingConfigFile(t *testing.T) {
	_, err := Load([]string{"--config", "/nonexistent/config.yaml"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config file")
}

func TestValidate(t *testing.T) {
	base := defaults()

	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"no symbols", func(c *Config) { c.Symbols = nil }, "symbol"},
		{"leverage too low", func(c *Config) { c.Leverage = 0 }, "leverage"},
		{"leverage too high", func(c *Config) { c.Leverage = 200 }, "leverage"},
		{"zero risk", func(c *Config) { c.RiskPercent = 0 }, "risk percent"},
		{"risk above 100", func(c *Config) { c.RiskPercent = 150 }, "risk percent"},
		{"bad sizing mode", func(c *Config) { c.SizingMode = "YOLO" }, "sizing mode"},
		{"zero max concurrent", func(c *Config) { c.MaxConcurrent = 0 }, "max concurrent"},
		{"threshold too low", func(c *Config) { c.ML.Threshold = 0.4 }, "threshold"},
		{"threshold too high", func(c *Config) { c.ML.Threshold = 0.95 }, "threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errSub)
		})
	}

	assert.NoError(t, base.Validate())
}

func TestSplitSymbols(t *testing.T) {
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, splitSymbols("btcusdt, ethusdt,"))
	assert.Nil(t, splitSymbols(" , "))
}
