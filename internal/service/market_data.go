package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"

	"github.com/trade-ledger/internal/adapter"
	"github.com/trade-ledger/internal/logging"
	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/storage"
	"github.com/trade-ledger/internal/valuation"
)

// pivotCurrency is the base of the reference rates the provider publishes
const pivotCurrency = "EUR"

// MarketDataConfig tunes the FX and price resolvers
type MarketDataConfig struct {
	// Lookback is how old a stored rate may be before the provider is asked
	Lookback time.Duration
	// CacheTTL applies to Redis entries
	CacheTTL time.Duration
	// LocalTTL applies to the in-process layer
	LocalTTL time.Duration
}

func (c MarketDataConfig) withDefaults() MarketDataConfig {
	if c.Lookback <= 0 {
		c.Lookback = 7 * 24 * time.Hour
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 6 * time.Hour
	}
	if c.LocalTTL <= 0 {
		c.LocalTTL = 5 * time.Minute
	}
	return c
}

// FxResolver answers "latest rate on or before a date" for any pair. It
// tries the in-process cache, then Redis, then stored rates (direct pair,
// inverse, or a cross through EUR), then the provider, writing what it finds
// back to every layer. The static table is left to the valuation service.
type FxResolver struct {
	store    storage.FxRateStore
	cache    *storage.CacheService
	local    *gocache.Cache
	provider adapter.FxProvider
	cfg      MarketDataConfig
}

// NewFxResolver creates a resolver; cache and provider may be nil
func NewFxResolver(store storage.FxRateStore, cache *storage.CacheService, provider adapter.FxProvider, cfg MarketDataConfig) *FxResolver {
	cfg = cfg.withDefaults()
	return &FxResolver{
		store:    store,
		cache:    cache,
		local:    gocache.New(cfg.LocalTTL, 2*cfg.LocalTTL),
		provider: provider,
		cfg:      cfg,
	}
}

// missMarker is stored locally for pairs nothing could resolve
const missMarker = "-"

// LookupRate implements valuation.FxLookup
func (r *FxResolver) LookupRate(ctx context.Context, from, to string, asOf time.Time) (decimal.Decimal, bool, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), true, nil
	}
	day := dayOf(asOf)
	key := fmt.Sprintf("fx:%s:%s:%s", from, to, day.Format("2006-01-02"))

	if v, ok := r.local.Get(key); ok {
		s := v.(string)
		if s == missMarker {
			return decimal.Zero, false, nil
		}
		return decimal.RequireFromString(s), true, nil
	}

	if r.cache != nil {
		var cached string
		found, err := r.cache.Get(ctx, r.cache.GenerateFxKey(from, to, day), &cached)
		if err != nil {
			logging.FromContext(ctx).WithError(err).Debug("FX cache read failed")
		}
		if found {
			if rate, err := decimal.NewFromString(cached); err == nil {
				r.local.SetDefault(key, cached)
				return rate, true, nil
			}
		}
	}

	rate, fresh, err := r.fromStore(ctx, from, to, day)
	if err != nil {
		return decimal.Zero, false, err
	}
	if !fresh && r.provider != nil {
		if err := r.fetch(ctx, []string{from, to}, day); err != nil {
			logging.FromContext(ctx).WithError(err).Warnf("FX provider refresh for %s/%s failed", from, to)
		} else if refreshed, _, err := r.fromStore(ctx, from, to, day); err == nil && refreshed.IsPositive() {
			rate = refreshed
		}
	}

	if !rate.IsPositive() {
		r.local.Set(key, missMarker, r.cfg.LocalTTL)
		return decimal.Zero, false, nil
	}
	r.local.SetDefault(key, rate.String())
	if r.cache != nil {
		if err := r.cache.SetWithTTL(ctx, r.cache.GenerateFxKey(from, to, day), rate.String(), r.cfg.CacheTTL); err != nil {
			logging.FromContext(ctx).WithError(err).Debug("FX cache write failed")
		}
	}
	return rate, true, nil
}

// Rate converts one unit of currency into base on date, falling back to the
// static table and then to par. It fits metrics.RateFunc.
func (r *FxResolver) Rate(ctx context.Context, base string) func(currency string, date time.Time) decimal.Decimal {
	return func(currency string, date time.Time) decimal.Decimal {
		if rate, ok, err := r.LookupRate(ctx, currency, base, date); err == nil && ok {
			return rate
		}
		if rate, ok := valuation.StaticRate(currency, base); ok {
			return rate
		}
		return decimal.NewFromInt(1)
	}
}

// Sync fetches reference rates for currencies over [from, to] and stores them
func (r *FxResolver) Sync(ctx context.Context, currencies []string, from, to time.Time) (int, error) {
	if r.provider == nil {
		return 0, fmt.Errorf("no FX provider configured")
	}
	rates, err := r.provider.GetRates(ctx, pivotCurrency, currencies, from, to)
	if err != nil {
		return 0, err
	}
	if err := r.store.UpsertRates(ctx, rates); err != nil {
		return 0, err
	}
	r.local.Flush()
	return len(rates), nil
}

func (r *FxResolver) fetch(ctx context.Context, currencies []string, day time.Time) error {
	_, err := r.Sync(ctx, currencies, day.Add(-r.cfg.Lookback), day)
	return err
}

// fromStore resolves a pair from stored rates. fresh is false when nothing
// was found or the newest rate is older than the lookback window.
func (r *FxResolver) fromStore(ctx context.Context, from, to string, day time.Time) (decimal.Decimal, bool, error) {
	rate, date, err := r.pair(ctx, from, to, day)
	if err != nil {
		return decimal.Zero, false, err
	}
	if rate.IsZero() && from != pivotCurrency && to != pivotCurrency {
		a, dateA, err := r.pair(ctx, from, pivotCurrency, day)
		if err != nil {
			return decimal.Zero, false, err
		}
		b, dateB, err := r.pair(ctx, pivotCurrency, to, day)
		if err != nil {
			return decimal.Zero, false, err
		}
		if a.IsPositive() && b.IsPositive() {
			rate = a.Mul(b)
			date = dateA
			if dateB.Before(date) {
				date = dateB
			}
		}
	}
	if rate.IsZero() {
		return decimal.Zero, false, nil
	}
	return rate, !date.Before(day.Add(-r.cfg.Lookback)), nil
}

// pair looks up the direct pair, then its inverse
func (r *FxResolver) pair(ctx context.Context, from, to string, day time.Time) (decimal.Decimal, time.Time, error) {
	direct, err := r.store.LatestRate(ctx, from, to, day)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	if direct != nil && direct.Rate.IsPositive() {
		return direct.Rate, direct.Date, nil
	}
	inverse, err := r.store.LatestRate(ctx, to, from, day)
	if err != nil {
		return decimal.Zero, time.Time{}, err
	}
	if inverse != nil && inverse.Rate.IsPositive() {
		return decimal.NewFromInt(1).DivRound(inverse.Rate, 18), inverse.Date, nil
	}
	return decimal.Zero, time.Time{}, nil
}

// PriceResolver serves the latest stored mark of an instrument, cached in
// process and in Redis
type PriceResolver struct {
	store storage.PriceStore
	cache *storage.CacheService
	local *gocache.Cache
	cfg   MarketDataConfig
}

// NewPriceResolver creates a resolver; cache may be nil
func NewPriceResolver(store storage.PriceStore, cache *storage.CacheService, cfg MarketDataConfig) *PriceResolver {
	cfg = cfg.withDefaults()
	return &PriceResolver{
		store: store,
		cache: cache,
		local: gocache.New(cfg.LocalTTL, 2*cfg.LocalTTL),
		cfg:   cfg,
	}
}

// LookupPrice implements valuation.PriceLookup
func (r *PriceResolver) LookupPrice(ctx context.Context, instrumentKey string, asOf time.Time) (valuation.Quote, bool, error) {
	instrumentKey = strings.ToUpper(instrumentKey)
	day := dayOf(asOf)
	key := fmt.Sprintf("price:%s:%s", instrumentKey, day.Format("2006-01-02"))

	if v, ok := r.local.Get(key); ok {
		q, found := v.(*valuation.Quote)
		if !found || q == nil {
			return valuation.Quote{}, false, nil
		}
		return *q, true, nil
	}

	if r.cache != nil {
		var q valuation.Quote
		found, err := r.cache.Get(ctx, r.cache.GeneratePriceKey(instrumentKey, day), &q)
		if err != nil {
			logging.FromContext(ctx).WithError(err).Debug("Price cache read failed")
		}
		if found && q.Price.IsPositive() {
			r.local.SetDefault(key, &q)
			return q, true, nil
		}
	}

	mark, err := r.store.LatestPrice(ctx, instrumentKey, day)
	if err != nil {
		return valuation.Quote{}, false, err
	}
	if mark == nil {
		r.local.SetDefault(key, (*valuation.Quote)(nil))
		return valuation.Quote{}, false, nil
	}

	q := &valuation.Quote{Price: mark.Price, Currency: mark.Currency, Date: mark.Date, Source: "mark:" + mark.Source}
	r.local.SetDefault(key, q)
	if r.cache != nil {
		if err := r.cache.SetWithTTL(ctx, r.cache.GeneratePriceKey(instrumentKey, day), q, r.cfg.CacheTTL); err != nil {
			logging.FromContext(ctx).WithError(err).Debug("Price cache write failed")
		}
	}
	return *q, true, nil
}

// SetPrices stores marks and drops every cached view they could change
func (r *PriceResolver) SetPrices(ctx context.Context, marks []models.PriceMark) error {
	if err := r.store.UpsertPrices(ctx, marks); err != nil {
		return err
	}
	r.local.Flush()
	if r.cache == nil {
		return nil
	}
	for _, m := range marks {
		if err := r.cache.InvalidatePrices(ctx, m.InstrumentKey); err != nil {
			return err
		}
	}
	return r.cache.InvalidatePattern(ctx, string(storage.CacheKeyOverview)+":*")
}

func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
