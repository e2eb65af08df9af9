package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/UrbanHao/perpwatch/internal/account"
	"github.com/UrbanHao/perpwatch/internal/config"
	"github.com/UrbanHao/perpwatch/internal/db"
	"github.com/UrbanHao/perpwatch/internal/engine"
	"github.com/UrbanHao/perpwatch/internal/exchange"
	"github.com/UrbanHao/perpwatch/internal/gate"
	"github.com/UrbanHao/perpwatch/internal/journal"
	"github.com/UrbanHao/perpwatch/internal/market"
	"github.com/UrbanHao/perpwatch/internal/metrics"
	"github.com/UrbanHao/perpwatch/internal/ml"
	"github.com/UrbanHao/perpwatch/internal/notifier"
	"github.com/UrbanHao/perpwatch/internal/rules"
	tradesig "github.com/UrbanHao/perpwatch/internal/signal"
	"github.com/UrbanHao/perpwatch/internal/sizing"
	"github.com/UrbanHao/perpwatch/internal/state"
)

const warmupBars = 270

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	liveEnabled := cfg.APIKey != "" && cfg.SecretKey != ""
	log.Printf("Starting perpwatch (symbols=%v live=%v testnet=%v)", cfg.Symbols, liveEnabled, cfg.Testnet)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	// Storage: Postgres when configured, memory otherwise.
	var storage db.Storage
	if cfg.DBConnStr != "" {
		pg, err := db.Open(cfg.DBConnStr)
		if err != nil {
			log.Fatalf("Failed to connect to Postgres: %v", err)
		}
		defer pg.GetDB().Close()
		storage = pg
		log.Println("Connected to Postgres")
	} else {
		storage = db.NewMemory()
		log.Println("No DB_CONN_STR, using in-memory storage")
	}

	var notify notifier.Notifier = notifier.Noop{}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		notify = notifier.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID)
	}

	// The exchange client also serves public endpoints (rules, klines)
	// when no credentials are present; only signed calls need keys.
	bx := exchange.NewBinance(cfg.APIKey, cfg.SecretKey, cfg.Testnet)
	rulesCache := rules.NewCache(bx)

	accounts := map[account.Kind]*account.Account{
		account.Live: account.New(account.Live, 0),
		account.Sim:  account.New(account.Sim, cfg.SimStartBalance),
	}

	registry := market.NewRegistry()
	for _, sym := range cfg.Symbols {
		registry.Ensure(sym)
	}

	// Warm indicator buffers from REST klines before streaming starts.
	for _, sym := range cfg.Symbols {
		bars, err := bx.FetchKlines(ctx, sym, "1m", warmupBars)
		if err != nil {
			log.Printf("Warmup klines for %s failed: %v", sym, err)
			continue
		}
		st := registry.Ensure(sym)
		for _, c := range bars {
			st.AppendBar(c)
		}
		log.Printf("Warmed %s with %d bars", sym, len(bars))
	}

	ledger, err := journal.OpenTradeLedger(cfg.LedgerPath)
	if err != nil {
		log.Fatalf("Failed to open trade ledger: %v", err)
	}
	defer ledger.Close()

	trainSources := map[account.Kind]bool{}
	for _, k := range account.Kinds() {
		trainSources[k] = cfg.ML.TrainSources == "" || containsKind(cfg.ML.TrainSources, k)
	}
	mlManager := ml.NewManager(ml.Config{
		Enabled:          cfg.ML.Enabled,
		Threshold:        cfg.ML.Threshold,
		TrainAfterSeen:   cfg.ML.TrainAfterSeen,
		FilterAfterSeen:  cfg.ML.FilterAfterSeen,
		MinSeenForAction: cfg.ML.MinSeenForAction,
		AutoAdjust:       cfg.ML.AutoAdjust,
		TargetPrecision:  cfg.ML.TargetPrecision,
		TrainSources:     trainSources,
		StatePath:        cfg.ML.StatePath,
	})
	if err := mlManager.Load(); err != nil {
		log.Printf("Model state not loaded (starting fresh): %v", err)
	}

	// Restore the sim book from the last snapshot.
	simStore := state.NewStore(cfg.SnapshotPath)
	if snap, err := simStore.Load(); err != nil {
		log.Fatalf("Failed to load sim snapshot: %v", err)
	} else if snap != nil {
		restored := state.Restore(snap, accounts[account.Sim])
		for sym, pos := range restored {
			registry.Ensure(sym).SetPosition(account.Sim, pos)
		}
		log.Printf("Restored sim snapshot from %s (%d open positions)", snap.SavedAt.Format(time.RFC3339), len(restored))
	}

	sizer := sizing.New(sizing.Params{
		Mode:     sizing.Mode(cfg.SizingMode),
		RiskPct:  cfg.RiskPercent,
		AllocPct: cfg.RiskPercent,
		Leverage: float64(cfg.Leverage),
	})

	stream := exchange.NewBinanceMarketStream(cfg.Testnet)
	stream.Start(ctx, cfg.Symbols)
	defer stream.Close()

	eng := engine.New(engine.Deps{
		Config:      cfg,
		Registry:    registry,
		Accounts:    accounts,
		Exchange:    bx,
		Rules:       rulesCache,
		Gate:        gate.New(rulesCache, sizer),
		Sizer:       sizer,
		ML:          mlManager,
		Storage:     storage,
		Ledger:      ledger,
		SimStore:    simStore,
		Notifier:    notify,
		Stream:      stream,
		Scanner:     tradesig.NewScanner(registry),
		LiveEnabled: liveEnabled,
	})

	if liveEnabled {
		// Adopt whatever the venue already holds before trading.
		if err := eng.ReconcileOnce(ctx); err != nil {
			log.Printf("Startup reconciliation failed: %v", err)
		}

		userStream := exchange.NewBinanceUserStream(bx.Client(), cfg.Testnet)
		if err := userStream.Start(ctx); err != nil {
			log.Fatalf("Failed to start user stream: %v", err)
		}
		defer userStream.Close()
		go eng.ConsumeAccountEvents(ctx, userStream.Events())
	}

	if cfg.MetricsAddr != "" {
		go metrics.Serve(ctx, cfg.MetricsAddr)
	}

	notify.SendWithRetry("perpwatch started")
	eng.Run(ctx)
	log.Println("Shutdown complete")
}

func containsKind(sources string, k account.Kind) bool {
	for _, part := range strings.Split(sources, ",") {
		if parsed, err := account.ParseKind(strings.TrimSpace(part)); err == nil && parsed == k {
			return true
		}
	}
	return false
}
