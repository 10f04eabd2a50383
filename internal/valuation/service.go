// Package valuation prices positions and converts them into a base currency.
package valuation

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/trade-ledger/internal/errors"
	"github.com/trade-ledger/internal/logging"
	"github.com/trade-ledger/internal/models"
)

// Service enriches positions with prices and FX rates
type Service struct {
	concurrency int
}

// NewService creates a valuation service running at most concurrency
// lookups at a time
func NewService(concurrency int) *Service {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Service{concurrency: concurrency}
}

// Enrich values every position in base as of asOf. It never fails: a missing
// price falls back to average cost with Priced=false, and a missing rate falls
// back to the static table, then to 1 with FxSource=none. Each fallback adds
// its code to Warnings. Output order follows input order.
func (s *Service) Enrich(ctx context.Context, positions []*models.Position, prices PriceLookup, fx FxLookup, base string, asOf time.Time) []*models.ValuedPosition {
	base = strings.ToUpper(base)
	out := make([]*models.ValuedPosition, len(positions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, p := range positions {
		i, p := i, p
		g.Go(func() error {
			out[i] = s.value(gctx, p, prices, fx, base, asOf)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Service) value(ctx context.Context, p *models.Position, prices PriceLookup, fx FxLookup, base string, asOf time.Time) *models.ValuedPosition {
	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"instrument": p.InstrumentKey,
		"currency":   p.Currency,
	})
	v := &models.ValuedPosition{Position: *p, BaseCurrency: base, ValuedAt: asOf}

	if prices != nil {
		q, ok, err := prices.LookupPrice(ctx, p.InstrumentKey, asOf)
		if err != nil {
			logger.WithError(err).Warn("Price lookup failed")
		}
		if ok && q.Price.IsPositive() {
			price := q.Price
			if q.Currency != "" && !strings.EqualFold(q.Currency, p.Currency) {
				rate, _ := s.rate(ctx, fx, q.Currency, p.Currency, asOf)
				if rate.IsPositive() {
					price = price.Mul(rate)
				} else {
					ok = false
				}
			}
			if ok {
				v.MarketPrice = &price
				v.Priced = true
				v.PriceSource = q.Source
			}
		}
	}
	if !v.Priced {
		logger.Debug("No market price, valuing at average cost")
		v.Warnings = append(v.Warnings, apperrors.CodeMissingPrice)
	}

	rate, source := s.rate(ctx, fx, p.Currency, base, asOf)
	if source == models.FxSourceNone {
		logger.Warn("No FX rate, valuing at par")
		rate = decimal.NewFromInt(1)
	}
	v.FxRate = rate
	v.FxSource = source
	if source == models.FxSourceStatic || source == models.FxSourceNone {
		v.Warnings = append(v.Warnings, apperrors.CodeMissingFxRate)
	}

	price := v.EffectivePrice()
	v.MarketValueBase = p.Quantity.Mul(price).Mul(rate)
	v.CostBase = p.Quantity.Mul(p.AvgCost).Mul(rate)
	v.UnrealizedPnLBase = v.MarketValueBase.Sub(v.CostBase)
	return v
}

func (s *Service) rate(ctx context.Context, fx FxLookup, from, to string, asOf time.Time) (decimal.Decimal, models.FxSource) {
	if strings.EqualFold(from, to) {
		return decimal.NewFromInt(1), models.FxSourceIdentity
	}
	r, source, err := lookupWithSource(ctx, fx, from, to, asOf)
	if err != nil {
		logging.FromContext(ctx).WithError(err).Warnf("FX lookup %s/%s failed", from, to)
	}
	if source != models.FxSourceNone {
		return r, source
	}
	if r, ok := StaticRate(from, to); ok {
		return r, models.FxSourceStatic
	}
	return decimal.Zero, models.FxSourceNone
}
