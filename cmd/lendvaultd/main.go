package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"lendvault/config"
	"lendvault/gateway"
	"lendvault/native/common"
	"lendvault/native/guarantee"
	"lendvault/native/ledger"
	"lendvault/native/valuation"
	"lendvault/observability"
	"lendvault/observability/logging"
	"lendvault/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	memory := flag.Bool("memory", false, "DEV ONLY: run on an in-memory database instead of LevelDB")
	flag.Parse()

	env := strings.TrimSpace(os.Getenv("LENDVAULT_ENV"))
	logger := logging.Setup("lendvaultd", env)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	var db storage.Database
	if *memory {
		db = storage.NewMemDB()
	} else {
		leveldb, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
		if err != nil {
			logger.Error("failed to open database", slog.Any("error", err))
			os.Exit(1)
		}
		db = leveldb
	}
	defer db.Close()

	server, err := assemble(cfg, db, logger)
	if err != nil {
		logger.Error("failed to assemble services", slog.Any("error", err))
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway listening", slog.String("address", cfg.ListenAddress))
		errCh <- httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		logger.Info("shutting down", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
	}
}

// assemble wires storage, engines, and the HTTP layer from the configuration.
func assemble(cfg *config.Config, db storage.Database, logger *slog.Logger) (*gateway.Server, error) {
	state := storage.NewManager(db)
	pauses := cfg.Pauses()
	emitter := observability.NewMetricsEmitter(observability.NewLogEmitter(logger, nil))

	var feed valuation.PriceFeed
	if strings.TrimSpace(cfg.FeedURL) != "" {
		feed = valuation.NewHTTPFeed(&http.Client{Timeout: 5 * time.Second}, cfg.FeedURL, os.Getenv("LENDVAULT_FEED_API_KEY"))
	} else {
		logger.Warn("no FeedURL configured, falling back to the manual feed")
		feed = valuation.NewManualFeed()
	}
	valuationSvc, err := valuation.NewService(feed, cfg.Valuation)
	if err != nil {
		return nil, err
	}
	valuationSvc.SetEmitter(emitter)
	valuationSvc.SetLogger(logger)

	ledgerEngine := ledger.NewEngine(cfg.Ledger.MinHealthFactorBps)
	ledgerEngine.SetState(state)
	ledgerEngine.SetValuer(valuationSvc)
	ledgerEngine.SetEmitter(emitter)
	ledgerEngine.SetPauses(pauses)

	store := guarantee.NewStore()
	store.SetState(state)
	store.SetEmitter(emitter)
	store.SetPauses(pauses)
	store.SetEarlyRepayPenaltyDays(cfg.Settlement.EarlyRepayPenaltyDays)

	params, err := cfg.SettlementParams()
	if err != nil {
		return nil, err
	}
	settlement := guarantee.NewSettlementEngine(store, params)
	settlement.SetLedger(ledgerEngine)
	settlement.SetTransferrer(state)
	settlement.SetEmitter(emitter)
	settlement.SetPauses(pauses)

	return gateway.NewServer(gateway.Deps{
		Ledger:     ledgerEngine,
		Store:      store,
		Settlement: settlement,
		Valuation:  valuationSvc,
		Funds:      state,
		Tx:         state,
		Logger:     logger,
		Quota: common.Quota{
			MaxRequestsPerMin: cfg.Gateway.MaxRequestsPerMin,
			EpochSeconds:      uint32(cfg.Gateway.EpochSeconds),
		},
	}), nil
}
