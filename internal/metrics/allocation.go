package metrics

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/trade-ledger/internal/models"
)

// Slice is one bucket of an allocation breakdown
type Slice struct {
	Key       string          `json:"key"`
	Label     string          `json:"label"`
	ValueBase decimal.Decimal `json:"valueBase"`
	Percent   decimal.Decimal `json:"percent"`
}

// Allocations breaks equity down by instrument and by currency
type Allocations struct {
	EquityBase   decimal.Decimal `json:"equityBase"`
	ByInstrument []Slice         `json:"byInstrument"`
	ByCurrency   []Slice         `json:"byCurrency"`
}

var hundred = decimal.NewFromInt(100)

// Allocate sums the market value of valued positions and expresses each
// instrument and currency as a percentage of it. Buckets are ordered by value,
// largest first.
func Allocate(valued []*models.ValuedPosition) Allocations {
	equity := decimal.Zero
	byInstrument := make(map[string]decimal.Decimal)
	byCurrency := make(map[string]decimal.Decimal)
	labels := make(map[string]string)
	for _, v := range valued {
		labels[v.InstrumentKey] = v.DisplayName
		equity = equity.Add(v.MarketValueBase)
		byInstrument[v.InstrumentKey] = byInstrument[v.InstrumentKey].Add(v.MarketValueBase)
		byCurrency[v.Currency] = byCurrency[v.Currency].Add(v.MarketValueBase)
	}
	return Allocations{
		EquityBase:   equity,
		ByInstrument: toSlices(byInstrument, labels, equity),
		ByCurrency:   toSlices(byCurrency, nil, equity),
	}
}

// Percent returns value as a percentage of equity, rounded to two places
func Percent(value, equity decimal.Decimal) decimal.Decimal {
	if equity.IsZero() {
		return decimal.Zero
	}
	return value.Mul(hundred).Div(equity).Round(2)
}

func toSlices(buckets map[string]decimal.Decimal, labels map[string]string, equity decimal.Decimal) []Slice {
	out := make([]Slice, 0, len(buckets))
	for k, v := range buckets {
		label := labels[k]
		if label == "" {
			label = k
		}
		out = append(out, Slice{Key: k, Label: label, ValueBase: v, Percent: Percent(v, equity)})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ValueBase.Equal(out[j].ValueBase) {
			return out[i].ValueBase.GreaterThan(out[j].ValueBase)
		}
		return out[i].Key < out[j].Key
	})
	return out
}
