// Package main is the entry point for the KiloLend point engine, the daemon
// that turns a day of lending activity into the daily KILO reward
// distribution.
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/tamago-labs/kilo-point-engine/internal/balance"
	"github.com/tamago-labs/kilo-point-engine/internal/config"
	"github.com/tamago-labs/kilo-point-engine/internal/engine"
	"github.com/tamago-labs/kilo-point-engine/internal/ledger"
	"github.com/tamago-labs/kilo-point-engine/internal/multiplier"
	"github.com/tamago-labs/kilo-point-engine/internal/otel"
	"github.com/tamago-labs/kilo-point-engine/internal/points"
	"github.com/tamago-labs/kilo-point-engine/internal/prices"
	"github.com/tamago-labs/kilo-point-engine/internal/scanner"
	"github.com/tamago-labs/kilo-point-engine/internal/store"
)

// startTime records when the service was initialized for uptime reporting
var startTime = time.Now()

func main() {
	_ = godotenv.Load()
	setupLogging()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Configuration error: %v", err)
	}

	shutdownTracer := otel.InitTracer(cfg.OtelEndpoint)
	defer shutdownTracer()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		logrus.Fatalf("Connecting to RPC endpoint: %v", err)
	}
	if chainID, err := client.ChainID(ctx); err == nil {
		logrus.Infof("Connected to chain ID %s", chainID)
	} else {
		logrus.Warnf("Could not read chain ID: %v", err)
	}

	reader, err := balance.NewEthReader(client)
	if err != nil {
		logrus.Fatalf("Initializing chain reader: %v", err)
	}

	clock := clockwork.NewRealClock()
	balances := balance.NewService(
		reader,
		balance.NewSupplyCache(clock, cfg.SupplyCacheTTL),
		cfg.Markets,
		cfg.BalanceRateLimit,
		cfg.RequestTimeout,
	)
	multipliers := multiplier.NewService(cfg.APIBaseURL, cfg.RequestTimeout)
	leaderboard := store.NewLeaderboardClient(cfg.APIBaseURL, cfg.APIKey, cfg.RequestTimeout, cfg.MinRewardThreshold)
	priceManager := prices.NewManager(cfg.PriceAPIURL(), clock, cfg.PriceCacheTTL, cfg.RequestTimeout)
	calc := points.NewCalculator(cfg.DailyRewardPool)
	led := ledger.New(clock)

	eng := engine.New(led, balances, multipliers, calc, leaderboard, engine.NewMetrics())

	scan, err := scanner.New(client, priceManager, eng, cfg.Markets, cfg.ScanWindowBlocks, cfg.MaxBlocksPerScan)
	if err != nil {
		logrus.Fatalf("Initializing scanner: %v", err)
	}

	logrus.WithFields(logrus.Fields{
		"markets":       len(cfg.Markets),
		"daily_pool":    cfg.DailyRewardPool,
		"poll_interval": cfg.PollInterval,
		"epoch":         led.Date(),
	}).Info("Point engine initialized")
	for _, m := range cfg.Markets {
		logrus.Infof("  %s (%s): %s", m.Symbol, m.UnderlyingSymbol, m.CTokenAddress)
	}

	leaderboard.TestConnection(ctx)
	eng.Bootstrap(ctx)

	if err := scan.Prime(ctx); err != nil {
		logrus.Fatalf("Priming scanner: %v", err)
	}

	// Event scanning on its own ticker; rollover check and the idempotent
	// finalize pass on the cron schedule. Midnight UTC closes the epoch, the
	// hourly pass keeps the stored leaderboard fresh during the day.
	go func() {
		ticker := time.NewTicker(cfg.PollInterval)
		defer ticker.Stop()
		for {
			if err := scan.Scan(ctx); err != nil {
				logrus.Errorf("Scan pass failed: %v", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	schedule := cron.New(cron.WithLocation(time.UTC))
	if _, err := schedule.AddFunc("0 0 * * *", func() {
		eng.MaybeRollover(ctx)
	}); err != nil {
		logrus.Fatalf("Registering midnight rollover: %v", err)
	}
	if _, err := schedule.AddFunc("@hourly", func() {
		eng.MaybeRollover(ctx)
		if err := eng.Finalize(ctx); err != nil {
			logrus.Errorf("Hourly finalize failed: %v", err)
		}
	}); err != nil {
		logrus.Fatalf("Registering hourly finalize: %v", err)
	}
	schedule.Start()
	defer schedule.Stop()

	server := newHTTPServer(cfg.Port, eng)
	go func() {
		logrus.Infof("Health server listening on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.Fatalf("Error starting server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logrus.Info("Shutting down...")
	cancel()

	// Flush the day's standings before exiting.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer flushCancel()
	if led.TotalEvents() > 0 {
		if err := eng.Finalize(flushCtx); err != nil {
			logrus.Errorf("Final flush failed: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.Errorf("Server shutdown failed: %v", err)
	}

	logrus.Info("Point engine stopped")
}

// newHTTPServer builds the health/status/metrics server.
func newHTTPServer(port string, eng *engine.Engine) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/status", handleStatus(eng))
	mux.Handle("/metrics", promhttp.Handler())

	return &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// handleHealth is a simple liveness endpoint.
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{
		"status":    "OK",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleStatus reports the engine's current epoch state.
func handleStatus(eng *engine.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"status": "operational",
			"uptime": time.Since(startTime).String(),
			"engine": eng.Status(),
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(status)
	}
}
