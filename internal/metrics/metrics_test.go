package metrics

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func date(month time.Month, day int) time.Time {
	return time.Date(2024, month, day, 0, 0, 0, 0, time.UTC)
}

// valuesByDay serves fixed end-of-day values; unknown days are worth zero
func valuesByDay(values map[time.Time]string) ValuationFunc {
	return func(_ context.Context, day time.Time) (decimal.Decimal, error) {
		if v, ok := values[dayOf(day)]; ok {
			return d(v), nil
		}
		return decimal.Zero, nil
	}
}

func TestExtractCashFlows(t *testing.T) {
	txns := []*models.Transaction{
		{Action: types.ActionDeposit, Total: d("5000"), Currency: "EUR", Date: date(1, 1)},
		{Action: types.ActionBuy, Quantity: d("10"), Price: d("100"), Fee: d("1"), Currency: "USD", Date: date(1, 2)},
		{Action: types.ActionSell, Quantity: d("5"), Price: d("120"), Fee: d("1"), Currency: "USD", Date: date(2, 1)},
		{Action: types.ActionDividend, Total: d("12"), Currency: "USD", Date: date(3, 1)},
		{Action: types.ActionFee, Total: d("3"), Currency: "EUR", Date: date(3, 2)},
		{Action: types.ActionWithdrawal, Total: d("1000"), Currency: "EUR", Date: date(4, 1)},
		{Action: types.ActionSplit, Quantity: d("2"), Currency: "USD", Date: date(5, 1)},
	}
	rate := func(currency string, _ time.Time) decimal.Decimal {
		if currency == "USD" {
			return d("0.5")
		}
		return decimal.NewFromInt(1)
	}

	got := ExtractCashFlows(txns, rate)
	require.Len(t, got.Flows, 4)
	assert.True(t, d("4000").Equal(got.NetDeposits))

	want := []struct {
		amount string
		dir    types.FlowDirection
	}{
		{"500.5", types.DirectionIn},
		{"299.5", types.DirectionOut},
		{"6", types.DirectionOut},
		{"3", types.DirectionIn},
	}
	for i, w := range want {
		assert.True(t, d(w.amount).Equal(got.Flows[i].Amount), "flow %d amount %s", i, got.Flows[i].Amount)
		assert.Equal(t, w.dir, got.Flows[i].Direction, "flow %d", i)
	}
}

func TestCompute_NoFlows(t *testing.T) {
	res, err := Compute(context.Background(), nil, date(6, 30), nil)
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestCompute_RoundTripAtSamePrice(t *testing.T) {
	flows := []CashFlow{
		{Date: date(1, 2), Amount: d("1000"), Direction: types.DirectionIn, Action: types.ActionBuy},
		{Date: date(3, 1), Amount: d("1000"), Direction: types.DirectionOut, Action: types.ActionSell},
	}
	values := valuesByDay(map[time.Time]string{date(1, 2): "1000", date(3, 1): "0"})

	res, err := Compute(context.Background(), flows, date(6, 30), values)
	require.NoError(t, err)
	assert.InDelta(t, 0, res.TWR, 1e-9)
	assert.InDelta(t, 0, res.XIRR, 1e-6)
}

func TestCompute_SingleBuyAndHold(t *testing.T) {
	flows := []CashFlow{{Date: date(1, 1), Amount: d("1000"), Direction: types.DirectionIn, Action: types.ActionBuy}}
	asOf := date(1, 31)
	values := valuesByDay(map[time.Time]string{date(1, 1): "1000", asOf: "1100"})

	res, err := Compute(context.Background(), flows, asOf, values)
	require.NoError(t, err)
	assert.InDelta(t, 0.1, res.TWR, 1e-9)
	assert.InDelta(t, math.Pow(1.1, 365.0/30)-1, res.XIRR, 1e-6)
}

func TestCompute_TWRIgnoresContributionTiming(t *testing.T) {
	// +10% in the first period, then a large contribution, then +10% again
	flows := []CashFlow{
		{Date: date(1, 1), Amount: d("1000"), Direction: types.DirectionIn},
		{Date: date(2, 1), Amount: d("8900"), Direction: types.DirectionIn},
	}
	values := valuesByDay(map[time.Time]string{
		date(1, 1): "1000",
		date(2, 1): "10000",
		date(3, 1): "11000",
	})

	res, err := Compute(context.Background(), flows, date(3, 1), values)
	require.NoError(t, err)
	assert.InDelta(t, 0.21, res.TWR, 1e-9)
}

func TestCompute_DividendCountsAsReturn(t *testing.T) {
	flows := []CashFlow{
		{Date: date(1, 1), Amount: d("1000"), Direction: types.DirectionIn},
		{Date: date(2, 1), Amount: d("50"), Direction: types.DirectionOut, Action: types.ActionDividend},
	}
	values := valuesByDay(map[time.Time]string{date(1, 1): "1000", date(2, 1): "1000", date(3, 1): "1000"})

	res, err := Compute(context.Background(), flows, date(3, 1), values)
	require.NoError(t, err)
	assert.InDelta(t, 0.05, res.TWR, 1e-9)
	assert.Greater(t, res.XIRR, 0.0)
}

func TestCompute_ValuationError(t *testing.T) {
	flows := []CashFlow{{Date: date(1, 1), Amount: d("1"), Direction: types.DirectionIn}}
	failing := func(context.Context, time.Time) (decimal.Decimal, error) {
		return decimal.Zero, errors.New("no prices")
	}
	_, err := Compute(context.Background(), flows, date(2, 1), failing)
	assert.Error(t, err)
}

func TestXIRR_NoSignChange(t *testing.T) {
	flows := []CashFlow{{Date: date(1, 1), Amount: d("100"), Direction: types.DirectionOut}}
	assert.Equal(t, 0.0, XIRR(flows, date(2, 1), decimal.Zero))
}

func TestXIRR_TotalLossUsesBisection(t *testing.T) {
	flows := []CashFlow{{Date: date(1, 1), Amount: d("1000"), Direction: types.DirectionIn}}
	r := XIRR(flows, date(12, 31), d("1"))
	assert.Less(t, r, -0.99)
	assert.Greater(t, r, -1.0)
}

func TestAllocate(t *testing.T) {
	valued := []*models.ValuedPosition{
		{Position: models.Position{InstrumentKey: "AAPL", Currency: "USD"}, MarketValueBase: d("600")},
		{Position: models.Position{InstrumentKey: "CEZ", Currency: "CZK"}, MarketValueBase: d("300")},
		{Position: models.Position{InstrumentKey: "MSFT", Currency: "USD"}, MarketValueBase: d("100")},
	}
	a := Allocate(valued)
	assert.True(t, d("1000").Equal(a.EquityBase))
	require.Len(t, a.ByInstrument, 3)
	assert.Equal(t, "AAPL", a.ByInstrument[0].Key)
	assert.Equal(t, "60", a.ByInstrument[0].Percent.String())
	require.Len(t, a.ByCurrency, 2)
	assert.Equal(t, "USD", a.ByCurrency[0].Key)
	assert.Equal(t, "70", a.ByCurrency[0].Percent.String())

	empty := Allocate(nil)
	assert.True(t, empty.EquityBase.IsZero())
	assert.Empty(t, empty.ByInstrument)
}
