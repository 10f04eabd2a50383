// Package app wires configuration into stores, caches and services for the
// server, worker and CLI entry points.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/trade-ledger/internal/adapter"
	"github.com/trade-ledger/internal/circuitbreaker"
	"github.com/trade-ledger/internal/config"
	"github.com/trade-ledger/internal/logging"
	"github.com/trade-ledger/internal/service"
	"github.com/trade-ledger/internal/storage"
	"github.com/trade-ledger/internal/valuation"
)

// Options toggles optional dependencies per entry point
type Options struct {
	// Offline skips Redis, ClickHouse and the FX provider
	Offline bool
}

// App holds the wired dependencies; Close releases them in reverse order
type App struct {
	Config    *config.Config
	Store     storage.LedgerStore
	Fx        *service.FxResolver
	Prices    *service.PriceResolver
	Cache     *storage.CacheService
	Ledger    *service.LedgerService
	Portfolio *service.PortfolioService
	Imports   *service.ImportService
	Breakers  *circuitbreaker.Registry

	// Checks are the dependency pings exposed on /health
	Checks map[string]func(ctx context.Context) error

	closers []func()
}

// Open connects every configured dependency. Optional ones (Redis, ClickHouse)
// are skipped with a warning when they cannot be reached.
func Open(ctx context.Context, cfg *config.Config, opts Options) (*App, error) {
	logger := logging.FromContext(ctx).WithField("component", "app")
	a := &App{
		Config:   cfg,
		Breakers: circuitbreaker.NewRegistry(),
		Checks:   make(map[string]func(ctx context.Context) error),
	}

	var (
		fxStore    storage.FxRateStore
		priceStore storage.PriceStore
	)
	switch cfg.Storage.Driver {
	case "sqlite":
		db, err := storage.NewSQLiteLedger(cfg.Database.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open sqlite ledger: %w", err)
		}
		a.onClose(func() { _ = db.Close() })
		a.Store, fxStore, priceStore = db, db, db
	default:
		pg, err := storage.NewPostgresDB(ctx, &cfg.Database.Postgres)
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		a.onClose(pg.Close)
		a.Store = storage.NewPostgresLedger(pg)
		fxStore = storage.NewFxRateRepository(pg)
		priceStore = storage.NewPriceRepository(pg)
	}
	a.Checks["ledger"] = a.Store.Ping

	if cfg.Database.Redis.Enabled && !opts.Offline {
		redis, err := storage.NewRedisCache(ctx, &cfg.Database.Redis)
		if err != nil {
			logger.WithError(err).Warn("Redis unavailable, continuing without cache")
		} else {
			a.onClose(func() { _ = redis.Close() })
			a.Cache = storage.NewCacheService(redis, cfg.Cache.TTL)
			a.Checks["redis"] = redis.Ping
		}
	}

	var history service.HistoryRepository
	if cfg.Database.ClickHouse.Enabled && !opts.Offline {
		ch, err := storage.NewClickHouseDB(ctx, &cfg.Database.ClickHouse)
		if err != nil {
			logger.WithError(err).Warn("ClickHouse unavailable, valuation history disabled")
		} else {
			a.onClose(func() { _ = ch.Close() })
			history = storage.NewValuationHistoryRepository(ch)
			a.Checks["clickhouse"] = ch.Ping
		}
	}

	var provider adapter.FxProvider
	if !opts.Offline && cfg.MarketData.FrankfurterURL != "" {
		breaker := a.Breakers.GetOrCreate("frankfurter", circuitbreaker.DefaultConfig("frankfurter"))
		provider = adapter.NewFrankfurterClient(cfg.MarketData.FrankfurterURL, cfg.MarketData.HTTPTimeout, adapter.WithBreaker(breaker))
	}

	mdCfg := service.MarketDataConfig{
		Lookback: time.Duration(cfg.MarketData.FxLookbackDays) * 24 * time.Hour,
		CacheTTL: cfg.Cache.FxTTL,
		LocalTTL: cfg.Cache.LocalTTL,
	}
	a.Fx = service.NewFxResolver(fxStore, a.Cache, provider, mdCfg)
	a.Prices = service.NewPriceResolver(priceStore, a.Cache, mdCfg)

	a.Ledger = service.NewLedgerService(a.Store, a.Cache)
	a.Portfolio = service.NewPortfolioService(service.PortfolioDeps{
		Store:        a.Store,
		Valuer:       valuation.NewService(cfg.Ledger.ValuationConcurrency),
		Prices:       a.Prices,
		Fx:           a.Fx,
		Cache:        a.Cache,
		History:      history,
		BaseCurrency: cfg.Ledger.BaseCurrency,
	})
	a.Imports = service.NewImportService(a.Ledger, a.Portfolio, cfg.Ledger.MaxImportRows)

	logger.WithFields(map[string]interface{}{
		"driver":  cfg.Storage.Driver,
		"cache":   a.Cache != nil,
		"history": history != nil,
		"fx":      provider != nil,
	}).Info("Dependencies wired")
	return a, nil
}

func (a *App) onClose(fn func()) {
	a.closers = append(a.closers, fn)
}

// Close releases every opened dependency
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
