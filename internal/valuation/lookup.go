package valuation

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trade-ledger/internal/models"
)

// Quote is a market price for an instrument
type Quote struct {
	Price    decimal.Decimal
	Currency string // empty means the position's own currency
	Date     time.Time
	Source   string
}

// PriceLookup finds the latest price of an instrument on or before asOf
type PriceLookup interface {
	LookupPrice(ctx context.Context, instrumentKey string, asOf time.Time) (Quote, bool, error)
}

// FxLookup finds the number of units of to per unit of from, using the
// latest rate on or before asOf
type FxLookup interface {
	LookupRate(ctx context.Context, from, to string, asOf time.Time) (decimal.Decimal, bool, error)
}

// PriceLookupFunc adapts a function to PriceLookup
type PriceLookupFunc func(ctx context.Context, instrumentKey string, asOf time.Time) (Quote, bool, error)

func (f PriceLookupFunc) LookupPrice(ctx context.Context, instrumentKey string, asOf time.Time) (Quote, bool, error) {
	return f(ctx, instrumentKey, asOf)
}

// FxLookupFunc adapts a function to FxLookup
type FxLookupFunc func(ctx context.Context, from, to string, asOf time.Time) (decimal.Decimal, bool, error)

func (f FxLookupFunc) LookupRate(ctx context.Context, from, to string, asOf time.Time) (decimal.Decimal, bool, error) {
	return f(ctx, from, to, asOf)
}

type priceChain []PriceLookup

// ChainPrices tries each lookup in order. An error from one lookup does not
// stop the chain; it is returned only when no lookup finds a price.
func ChainPrices(lookups ...PriceLookup) PriceLookup {
	var chain priceChain
	for _, l := range lookups {
		if l != nil {
			chain = append(chain, l)
		}
	}
	return chain
}

func (c priceChain) LookupPrice(ctx context.Context, key string, asOf time.Time) (Quote, bool, error) {
	var firstErr error
	for _, l := range c {
		q, ok, err := l.LookupPrice(ctx, key, asOf)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return q, true, nil
		}
	}
	return Quote{}, false, firstErr
}

type fxChain []FxLookup

// ChainFx tries each FX lookup in order, like ChainPrices
func ChainFx(lookups ...FxLookup) FxLookup {
	var chain fxChain
	for _, l := range lookups {
		if l != nil {
			chain = append(chain, l)
		}
	}
	return chain
}

func (c fxChain) LookupRate(ctx context.Context, from, to string, asOf time.Time) (decimal.Decimal, bool, error) {
	var firstErr error
	for _, l := range c {
		r, ok, err := l.LookupRate(ctx, from, to, asOf)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok && r.IsPositive() {
			return r, true, nil
		}
	}
	return decimal.Zero, false, firstErr
}

// OverridePrices serves request-supplied prices, keyed by instrument key or
// display ticker, case-insensitively. Overrides apply at any date.
func OverridePrices(overrides map[string]decimal.Decimal) PriceLookup {
	if len(overrides) == 0 {
		return nil
	}
	normalized := make(map[string]decimal.Decimal, len(overrides))
	for k, v := range overrides {
		if v.IsPositive() {
			normalized[strings.ToUpper(strings.TrimSpace(k))] = v
		}
	}
	return PriceLookupFunc(func(_ context.Context, key string, asOf time.Time) (Quote, bool, error) {
		p, ok := normalized[strings.ToUpper(key)]
		if !ok {
			return Quote{}, false, nil
		}
		return Quote{Price: p, Date: asOf, Source: "override"}, true, nil
	})
}

// fxOverrides maps (from, to) pairs to request-supplied rates
type fxOverrides map[[2]string]decimal.Decimal

// OverrideFx serves request-supplied rates. A key is either a currency code,
// meaning base units per one unit of it, or an explicit "FROM/TO" pair.
func OverrideFx(overrides map[string]decimal.Decimal, base string) FxLookup {
	if len(overrides) == 0 {
		return nil
	}
	base = strings.ToUpper(base)
	pairs := make(fxOverrides)
	for k, v := range overrides {
		if !v.IsPositive() {
			continue
		}
		k = strings.ToUpper(strings.TrimSpace(k))
		if from, to, ok := strings.Cut(k, "/"); ok {
			pairs[[2]string{from, to}] = v
			continue
		}
		pairs[[2]string{k, base}] = v
	}
	return pairs
}

func (o fxOverrides) LookupRate(_ context.Context, from, to string, _ time.Time) (decimal.Decimal, bool, error) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if r, ok := o[[2]string{from, to}]; ok {
		return r, true, nil
	}
	if r, ok := o[[2]string{to, from}]; ok {
		return decimal.NewFromInt(1).Div(r), true, nil
	}
	return decimal.Zero, false, nil
}

// lookupWithSource resolves a rate and reports whether it came from a
// request override
func lookupWithSource(ctx context.Context, fx FxLookup, from, to string, asOf time.Time) (decimal.Decimal, models.FxSource, error) {
	switch l := fx.(type) {
	case nil:
		return decimal.Zero, models.FxSourceNone, nil
	case fxChain:
		var firstErr error
		for _, member := range l {
			r, src, err := lookupWithSource(ctx, member, from, to, asOf)
			if err != nil && firstErr == nil {
				firstErr = err
			}
			if src != models.FxSourceNone {
				return r, src, nil
			}
		}
		return decimal.Zero, models.FxSourceNone, firstErr
	}
	r, ok, err := fx.LookupRate(ctx, from, to, asOf)
	if err != nil || !ok || !r.IsPositive() {
		return decimal.Zero, models.FxSourceNone, err
	}
	if _, isOverride := fx.(fxOverrides); isOverride {
		return r, models.FxSourceOverride, nil
	}
	return r, models.FxSourceLookup, nil
}
