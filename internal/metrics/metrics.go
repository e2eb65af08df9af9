// Package metrics exposes Prometheus counters and gauges for the engine.
package metrics

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpwatch",
		Name:      "decisions_total",
		Help:      "Open attempts by outcome reason.",
	}, []string{"account", "reason"})

	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpwatch",
		Name:      "orders_placed_total",
		Help:      "Venue orders sent by type.",
	}, []string{"type"})

	Settlements = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "perpwatch",
		Name:      "settlements_total",
		Help:      "Position settlements by account and reason.",
	}, []string{"account", "reason"})

	ReconcileErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "perpwatch",
		Name:      "reconcile_errors_total",
		Help:      "Failed reconciliation passes.",
	})

	Equity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "perpwatch",
		Name:      "equity",
		Help:      "Account equity in quote currency.",
	}, []string{"account"})

	DailyPnl = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "perpwatch",
		Name:      "daily_pnl",
		Help:      "Realized PnL since the daily reset.",
	}, []string{"account"})

	OpenPositions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "perpwatch",
		Name:      "open_positions",
		Help:      "Currently open positions.",
	}, []string{"account"})

	ModelThreshold = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "perpwatch",
		Name:      "model_threshold",
		Help:      "Current admission probability threshold.",
	})

	ModelSeen = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "perpwatch",
		Name:      "model_samples_seen",
		Help:      "Training samples the admission model has consumed.",
	})
)

// Serve runs the /metrics endpoint until ctx is done.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("metrics | Serving on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("metrics | Server stopped: %v", err)
	}
}
