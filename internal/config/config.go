// Package config
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

/*
YAML config example:
symbols: ["BTCUSDT", "ETHUSDT"]
leverage: 10
risk_percent: 2.0
max_concurrent: 3
db_conn_str: "host=localhost port=5432 ..."
metrics_addr: ":9090"
ml:
  enabled: true
  threshold: 0.55
*/

// MLConfig tunes the online admission model.
type MLConfig struct {
	Enabled          bool    `yaml:"enabled"`
	Threshold        float64 `yaml:"threshold"`
	TrainAfterSeen   int     `yaml:"train_after_seen"`
	FilterAfterSeen  int     `yaml:"filter_after_seen"`
	MinSeenForAction int     `yaml:"min_seen_for_action"`
	AutoAdjust       bool    `yaml:"auto_adjust"`
	TargetPrecision  float64 `yaml:"target_precision"`
	TrainSources     string  `yaml:"train_sources"`
	StatePath        string  `yaml:"state_path"`
}

type Config struct {
	Symbols []string `yaml:"symbols"`

	Testnet   bool   `yaml:"testnet"`
	APIKey    string `yaml:"-"`
	SecretKey string `yaml:"-"`

	Leverage        int     `yaml:"leverage"`
	RiskPercent     float64 `yaml:"risk_percent"`
	SizingMode      string  `yaml:"sizing_mode"` // RISK or ALLOC
	TakerFeePercent float64 `yaml:"taker_fee_percent"`
	MaxConcurrent   int     `yaml:"max_concurrent"`

	DailyTargetPercent  float64       `yaml:"daily_target_percent"`
	DailyMaxLossPercent float64       `yaml:"daily_max_loss_percent"`
	LossStreakLimit     int           `yaml:"loss_streak_limit"`
	LossStreakSuspend   time.Duration `yaml:"loss_streak_suspend"`

	MarginTPPercent float64 `yaml:"margin_tp_percent"`
	MarginSLPercent float64 `yaml:"margin_sl_percent"`
	UseATRExits     bool    `yaml:"use_atr_exits"`
	RetargetTighten bool    `yaml:"retarget_tighten_only"`

	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	RetargetInterval  time.Duration `yaml:"retarget_interval"`
	AutosaveInterval  time.Duration `yaml:"autosave_interval"`
	BalanceInterval   time.Duration `yaml:"balance_interval"`
	CloseDebounce     time.Duration `yaml:"close_debounce"`

	SimStartBalance float64 `yaml:"sim_start_balance"`
	SnapshotPath    string  `yaml:"snapshot_path"`
	LedgerPath      string  `yaml:"ledger_path"`

	DBConnStr   string `yaml:"db_conn_str"`
	MetricsAddr string `yaml:"metrics_addr"`

	TelegramToken  string `yaml:"-"`
	TelegramChatID string `yaml:"-"`

	ML MLConfig `yaml:"ml"`
}

// defaults returns the baseline configuration before flags, file, and
// environment are applied.
func defaults() Config {
	return Config{
		Symbols:             []string{"BTCUSDT"},
		Leverage:            10,
		RiskPercent:         2.0,
		SizingMode:          "RISK",
		TakerFeePercent:     0.04,
		MaxConcurrent:       3,
		DailyTargetPercent:  20.0,
		DailyMaxLossPercent: 10.0,
		LossStreakLimit:     3,
		LossStreakSuspend:   4 * time.Hour,
		MarginTPPercent:     12.0,
		MarginSLPercent:     7.0,
		UseATRExits:         true,
		RetargetTighten:     false,
		ReconcileInterval:   5 * time.Second,
		RetargetInterval:    3 * time.Second,
		AutosaveInterval:    15 * time.Second,
		BalanceInterval:     5 * time.Second,
		CloseDebounce:       600 * time.Millisecond,
		SimStartBalance:     10000,
		SnapshotPath:        "data/sim_state.json",
		LedgerPath:          "data/trades.csv",
		MetricsAddr:         ":9090",
		ML: MLConfig{
			Enabled:          true,
			Threshold:        0.55,
			TrainAfterSeen:   80,
			FilterAfterSeen:  80,
			MinSeenForAction: 30,
			AutoAdjust:       true,
			TargetPrecision:  0.58,
			TrainSources:     "SIM",
			StatePath:        "data/model.json",
		},
	}
}

// Load builds the configuration from flags, an optional YAML file, and
// environment variables for secrets. When a file is given it wins
// wholesale over flag values; secrets always come from the environment.
func Load(args []string) (Config, error) {
	cfg := defaults()

	fs := flag.NewFlagSet("perpwatch", flag.ContinueOnError)
	symbolsFlag := fs.String("symbols", strings.Join(cfg.Symbols, ","), "Comma-separated list of trading symbols")
	testnet := fs.Bool("testnet", cfg.Testnet, "Use the Binance futures testnet")
	leverage := fs.Int("leverage", cfg.Leverage, "Isolated leverage per symbol")
	riskPercent := fs.Float64("risk-percent", cfg.RiskPercent, "Risk percent per trade (e.g., 2.0 for 2%)")
	sizingMode := fs.String("sizing-mode", cfg.SizingMode, "Sizing mode: RISK or ALLOC")
	maxConcurrent := fs.Int("max-concurrent", cfg.MaxConcurrent, "Max concurrent positions per account")
	dailyTarget := fs.Float64("daily-target-percent", cfg.DailyTargetPercent, "Daily profit target percent; halts new entries")
	dailyMaxLoss := fs.Float64("daily-max-loss-percent", cfg.DailyMaxLossPercent, "Daily max loss percent; halts new entries")
	useATRExits := fs.Bool("atr-exits", cfg.UseATRExits, "Derive exits from ATR instead of margin percent")
	reconcileInterval := fs.Duration("reconcile-interval", cfg.ReconcileInterval, "Venue reconciliation poll interval")
	simStartBalance := fs.Float64("sim-balance", cfg.SimStartBalance, "Starting sim account balance")
	snapshotPath := fs.String("snapshot-path", cfg.SnapshotPath, "Path of the persisted sim snapshot")
	ledgerPath := fs.String("ledger-path", cfg.LedgerPath, "Path of the CSV trade ledger")
	metricsAddr := fs.String("metrics-addr", cfg.MetricsAddr, "Prometheus listen address (empty disables)")
	mlEnabled := fs.Bool("ml-enabled", cfg.ML.Enabled, "Enable the online admission model")
	mlThreshold := fs.Float64("ml-threshold", cfg.ML.Threshold, "Admission probability threshold")
	configFile := fs.String("config", "", "Path to YAML config file")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	if *configFile != "" {
		data, err := os.ReadFile(*configFile)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else {
		cfg.Symbols = splitSymbols(*symbolsFlag)
		cfg.Testnet = *testnet
		cfg.Leverage = *leverage
		cfg.RiskPercent = *riskPercent
		cfg.SizingMode = *sizingMode
		cfg.MaxConcurrent = *maxConcurrent
		cfg.DailyTargetPercent = *dailyTarget
		cfg.DailyMaxLossPercent = *dailyMaxLoss
		cfg.UseATRExits = *useATRExits
		cfg.ReconcileInterval = *reconcileInterval
		cfg.SimStartBalance = *simStartBalance
		cfg.SnapshotPath = *snapshotPath
		cfg.LedgerPath = *ledgerPath
		cfg.MetricsAddr = *metricsAddr
		cfg.ML.Enabled = *mlEnabled
		cfg.ML.Threshold = *mlThreshold
	}

	// Secrets come from the environment only.
	cfg.APIKey = os.Getenv("BINANCE_API_KEY")
	cfg.SecretKey = os.Getenv("BINANCE_SECRET_KEY")
	cfg.TelegramToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.TelegramChatID = os.Getenv("TELEGRAM_CHAT_ID")
	if cfg.DBConnStr == "" {
		cfg.DBConnStr = os.Getenv("DB_CONN_STR")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if len(c.Symbols) == 0 {
		return fmt.Errorf("config: at least one symbol required")
	}
	if c.Leverage < 1 || c.Leverage > 125 {
		return fmt.Errorf("config: leverage %d out of range", c.Leverage)
	}
	if c.RiskPercent <= 0 || c.RiskPercent > 100 {
		return fmt.Errorf("config: risk percent %v out of range", c.RiskPercent)
	}
	if c.SizingMode != "RISK" && c.SizingMode != "ALLOC" {
		return fmt.Errorf("config: unknown sizing mode %q", c.SizingMode)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("config: max concurrent must be at least 1")
	}
	if c.ML.Threshold < 0.5 || c.ML.Threshold > 0.9 {
		return fmt.Errorf("config: ml threshold %v outside [0.50, 0.90]", c.ML.Threshold)
	}
	return nil
}

func splitSymbols(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		part = strings.ToUpper(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
