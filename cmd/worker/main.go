// Package main provides the FX sync worker entry point for the trade ledger service.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trade-ledger/internal/app"
	"github.com/trade-ledger/internal/config"
	"github.com/trade-ledger/internal/logging"
	"github.com/trade-ledger/internal/worker"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		logging.GetGlobalLogger().WithError(err).Fatal("Failed to load configuration")
	}

	logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))
	logger := logging.WithField("service", "trade-ledger-worker")
	ctx, cancel := context.WithCancel(logging.WithLogger(context.Background(), logger))
	defer cancel()

	deps, err := app.Open(ctx, cfg, app.Options{})
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize dependencies")
	}
	defer deps.Close()

	fxWorker, err := worker.NewFxSyncWorker(&worker.FxSyncWorkerConfig{
		Syncer:     deps.Fx,
		Schedule:   cfg.MarketData.FxSyncSchedule,
		Currencies: cfg.MarketData.FxSyncCurrencies,
		Lookback:   time.Duration(cfg.MarketData.FxLookbackDays) * 24 * time.Hour,
	})
	if err != nil {
		logger.WithError(err).Fatal("Failed to create FX sync worker")
	}

	if err := fxWorker.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start FX sync worker")
	}

	logger.WithFields(map[string]interface{}{
		"schedule":   cfg.MarketData.FxSyncSchedule,
		"currencies": cfg.MarketData.FxSyncCurrencies,
	}).Info("Worker running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down worker...")
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	if err := fxWorker.Stop(stopCtx); err != nil {
		logger.WithError(err).Error("Worker stop timed out")
	}

	logger.Info("Worker exited")
}
