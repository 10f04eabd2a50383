package service

import (
	"context"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	apperrors "github.com/trade-ledger/internal/errors"
	"github.com/trade-ledger/internal/ledger"
	"github.com/trade-ledger/internal/logging"
	"github.com/trade-ledger/internal/metrics"
	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/storage"
	"github.com/trade-ledger/internal/types"
	"github.com/trade-ledger/internal/valuation"
)

// HistoryRepository records and lists overview snapshots
type HistoryRepository interface {
	Insert(ctx context.Context, snapshots ...*models.ValuationSnapshot) error
	List(ctx context.Context, userID string, from, to time.Time) ([]*models.ValuationSnapshot, error)
}

// PortfolioDeps are the collaborators of a PortfolioService. Everything but
// Store and Valuer is optional.
type PortfolioDeps struct {
	Store        storage.LedgerStore
	Valuer       *valuation.Service
	Prices       *PriceResolver
	Fx           *FxResolver
	Cache        *storage.CacheService
	History      HistoryRepository
	BaseCurrency string
}

// PortfolioService serves the read side: valued positions, the overview and
// its metrics. It never takes the ledger lock; it reads committed state.
type PortfolioService struct {
	store   storage.LedgerStore
	valuer  *valuation.Service
	prices  valuation.PriceLookup
	fx      *FxResolver
	cache   *storage.CacheService
	history HistoryRepository
	monitor *PerformanceMonitor
	base    string
	now     func() time.Time
}

// NewPortfolioService creates a new portfolio service
func NewPortfolioService(deps PortfolioDeps) *PortfolioService {
	s := &PortfolioService{
		store:   deps.Store,
		valuer:  deps.Valuer,
		fx:      deps.Fx,
		cache:   deps.Cache,
		history: deps.History,
		monitor: NewPerformanceMonitor(0, 0),
		base:    strings.ToUpper(deps.BaseCurrency),
		now:     func() time.Time { return time.Now().UTC() },
	}
	if deps.Prices != nil {
		s.prices = deps.Prices
	}
	if s.base == "" {
		s.base = "EUR"
	}
	return s
}

// Overrides are request-scoped prices and rates that win over stored data
type Overrides struct {
	Prices map[string]decimal.Decimal
	Fx     map[string]decimal.Decimal
}

// PositionsResult is the positions read-model
type PositionsResult struct {
	Positions    []*models.ValuedPosition `json:"positions"`
	BaseCurrency string                   `json:"baseCurrency"`
	AsOf         time.Time                `json:"asOf"`
}

// Overview is the aggregate view of a user's portfolio
type Overview struct {
	BaseCurrency    string              `json:"baseCurrency"`
	EquityBase      decimal.Decimal     `json:"equityBase"`
	CostBase        decimal.Decimal     `json:"costBase"`
	UnrealizedBase  decimal.Decimal     `json:"unrealizedPnlBase"`
	NetDeposits     decimal.Decimal     `json:"netDepositsBase"`
	TWR             float64             `json:"twr"`
	XIRR            float64             `json:"xirr"`
	Allocations     metrics.Allocations `json:"allocations"`
	Positions       int                 `json:"positions"`
	PricedPositions int                 `json:"pricedPositions"`
	AsOf            time.Time           `json:"asOf"`
}

// ResolveBase validates a requested base currency, defaulting to the
// configured one
func (s *PortfolioService) ResolveBase(base string) (string, error) {
	base = strings.ToUpper(strings.TrimSpace(base))
	if base == "" {
		return s.base, nil
	}
	if money.GetCurrency(base) == nil {
		return "", apperrors.NewInvalidParameterError("baseCurrency", "unknown currency code "+base)
	}
	return base, nil
}

// Positions values the user's stored positions in base
func (s *PortfolioService) Positions(ctx context.Context, userID, base string) (*PositionsResult, error) {
	base, err := s.ResolveBase(base)
	if err != nil {
		return nil, err
	}
	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list positions", err)
	}
	asOf := s.now()
	return &PositionsResult{
		Positions:    s.Value(ctx, positions, base, asOf, Overrides{}),
		BaseCurrency: base,
		AsOf:         asOf,
	}, nil
}

// Value enriches positions with prices and rates. Overrides are consulted
// before stored marks and rates.
func (s *PortfolioService) Value(ctx context.Context, positions []*models.Position, base string, asOf time.Time, o Overrides) []*models.ValuedPosition {
	prices := valuation.ChainPrices(valuation.OverridePrices(o.Prices), s.prices)
	fx := valuation.ChainFx(valuation.OverrideFx(o.Fx, base), s.fxLookup())
	return s.valuer.Enrich(ctx, positions, prices, fx, base, asOf)
}

// Overview computes equity, allocations and returns for the user. Results are
// cached per user, base and day until the next write to the ledger.
func (s *PortfolioService) Overview(ctx context.Context, userID, base string) (*Overview, error) {
	base, err := s.ResolveBase(base)
	if err != nil {
		return nil, err
	}
	asOf := s.now()
	start := time.Now()
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{"user_id": userID, "base": base})

	var cacheKey string
	if s.cache != nil {
		cacheKey = s.cache.GenerateOverviewKey(userID, base, asOf)
		var cached Overview
		found, err := s.cache.Get(ctx, cacheKey, &cached)
		if err != nil {
			logger.WithError(err).Debug("Overview cache read failed")
		}
		if found {
			s.monitor.Record(time.Since(start), true)
			return &cached, nil
		}
	}

	positions, err := s.store.ListPositions(ctx, userID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list positions", err)
	}
	txns, err := s.store.ListTransactions(ctx, userID, models.TransactionFilter{})
	if err != nil {
		return nil, apperrors.NewDatabaseError("list transactions", err)
	}

	valued := s.Value(ctx, positions, base, asOf, Overrides{})
	alloc := metrics.Allocate(valued)
	flows := metrics.ExtractCashFlows(txns, s.rateFunc(ctx, base))

	result, err := s.computeMetrics(ctx, userID, txns, flows.Flows, base, asOf)
	if err != nil {
		return nil, err
	}

	ov := &Overview{
		BaseCurrency: base,
		EquityBase:   valuation.RoundMoney(alloc.EquityBase, base),
		CostBase:     decimal.Zero,
		NetDeposits:  valuation.RoundMoney(flows.NetDeposits, base),
		TWR:          result.TWR,
		XIRR:         result.XIRR,
		Allocations:  alloc,
		Positions:    len(valued),
		AsOf:         asOf,
	}
	for _, v := range valued {
		ov.CostBase = ov.CostBase.Add(v.CostBase)
		if v.Priced {
			ov.PricedPositions++
		}
	}
	ov.CostBase = valuation.RoundMoney(ov.CostBase, base)
	ov.UnrealizedBase = ov.EquityBase.Sub(ov.CostBase)

	if s.cache != nil {
		if err := s.cache.Set(ctx, cacheKey, ov); err != nil {
			logger.WithError(err).Debug("Overview cache write failed")
		}
	}
	s.record(ctx, userID, ov)
	s.monitor.Record(time.Since(start), false)
	return ov, nil
}

// Stats reports overview latency and cache effectiveness
func (s *PortfolioService) Stats() *PerformanceStats {
	return s.monitor.GetStats()
}

// ComputeMetrics derives TWR and XIRR for flows, valuing the holdings at each
// flow date by replaying the user's log up to it
func (s *PortfolioService) ComputeMetrics(ctx context.Context, userID string, flows []metrics.CashFlow, base string, asOf time.Time) (metrics.Result, error) {
	txns, err := s.store.ListTransactions(ctx, userID, models.TransactionFilter{})
	if err != nil {
		return metrics.Result{}, apperrors.NewDatabaseError("list transactions", err)
	}
	return s.computeMetrics(ctx, userID, txns, flows, base, asOf)
}

func (s *PortfolioService) computeMetrics(ctx context.Context, userID string, txns []*models.Transaction, flows []metrics.CashFlow, base string, asOf time.Time) (metrics.Result, error) {
	valuer := newHistoricalValuer(userID, txns, base, s)
	result, err := metrics.Compute(ctx, flows, asOf, valuer.ValueAt)
	if err != nil {
		return metrics.Result{}, err
	}
	return result, nil
}

// History lists recorded overview snapshots
func (s *PortfolioService) History(ctx context.Context, userID string, from, to time.Time) ([]*models.ValuationSnapshot, error) {
	if s.history == nil {
		return nil, apperrors.NewServiceUnavailableError("valuation history")
	}
	if to.IsZero() {
		to = s.now()
	}
	if from.IsZero() {
		from = to.AddDate(-1, 0, 0)
	}
	if from.After(to) {
		return nil, apperrors.NewInvalidParameterError("from", "must not be after to")
	}
	snapshots, err := s.history.List(ctx, userID, from, to)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list valuation history", err)
	}
	return snapshots, nil
}

func (s *PortfolioService) record(ctx context.Context, userID string, ov *Overview) {
	if s.history == nil {
		return
	}
	snap := &models.ValuationSnapshot{
		UserID:          userID,
		AsOf:            ov.AsOf,
		BaseCurrency:    ov.BaseCurrency,
		EquityBase:      ov.EquityBase,
		TWR:             ov.TWR,
		XIRR:            ov.XIRR,
		Positions:       uint32(ov.Positions),       // #nosec G115 - bounded by the user's instruments
		PricedPositions: uint32(ov.PricedPositions), // #nosec G115
	}
	if err := s.history.Insert(ctx, snap); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to record valuation snapshot")
	}
}

func (s *PortfolioService) fxLookup() valuation.FxLookup {
	if s.fx == nil {
		return nil
	}
	return s.fx
}

func (s *PortfolioService) rateFunc(ctx context.Context, base string) metrics.RateFunc {
	if s.fx != nil {
		return s.fx.Rate(ctx, base)
	}
	return func(currency string, _ time.Time) decimal.Decimal {
		if strings.EqualFold(currency, base) {
			return decimal.NewFromInt(1)
		}
		if r, ok := valuation.StaticRate(currency, base); ok {
			return r
		}
		return decimal.NewFromInt(1)
	}
}

// historicalValuer values the holdings as they stood at the end of a day.
// Each instrument is priced at its latest mark on or before the day, else
// its last trade price in the log, else average cost. Dates are expected in
// ascending order; the log is swept once and an earlier date restarts it.
type historicalValuer struct {
	userID  string
	ordered []*models.Transaction
	base    string
	service *PortfolioService

	next      int
	cutoff    time.Time
	replay    *ledger.Replayer
	lastTrade map[string]valuation.Quote
}

func newHistoricalValuer(userID string, txns []*models.Transaction, base string, service *PortfolioService) *historicalValuer {
	h := &historicalValuer{
		userID:  userID,
		ordered: ledger.Ordered(txns),
		base:    base,
		service: service,
	}
	h.reset()
	return h
}

func (h *historicalValuer) reset() {
	h.next = 0
	h.cutoff = time.Time{}
	h.replay = ledger.NewReplayer(h.userID)
	h.lastTrade = make(map[string]valuation.Quote)
}

// advance applies every transaction dated before cutoff
func (h *historicalValuer) advance(cutoff time.Time) error {
	if cutoff.Before(h.cutoff) {
		h.reset()
	}
	h.cutoff = cutoff
	for ; h.next < len(h.ordered); h.next++ {
		t := h.ordered[h.next]
		if !t.Date.Before(cutoff) {
			break
		}
		if err := h.replay.Apply(t); err != nil {
			return err
		}
		if (t.Action == types.ActionBuy || t.Action == types.ActionSell) && t.Price.IsPositive() {
			h.lastTrade[t.InstrumentKey] = valuation.Quote{Price: t.Price, Currency: t.Currency, Date: t.Date, Source: "last_trade"}
		}
	}
	return nil
}

func (h *historicalValuer) ValueAt(ctx context.Context, date time.Time) (decimal.Decimal, error) {
	if err := h.advance(dayOf(date).AddDate(0, 0, 1)); err != nil {
		return decimal.Zero, apperrors.NewRecomputeFailedError(h.userID, err)
	}
	result := h.replay.Result(date)

	lastTrade := h.lastTrade
	tradePrices := valuation.PriceLookupFunc(func(_ context.Context, key string, _ time.Time) (valuation.Quote, bool, error) {
		q, ok := lastTrade[key]
		return q, ok, nil
	})
	prices := valuation.ChainPrices(h.service.prices, tradePrices)
	valued := h.service.valuer.Enrich(ctx, result.Positions, prices, h.service.fxLookup(), h.base, date)

	total := decimal.Zero
	for _, v := range valued {
		total = total.Add(v.MarketValueBase)
	}
	return total, nil
}
