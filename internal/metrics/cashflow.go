// Package metrics computes time-weighted and money-weighted returns and
// allocation breakdowns of a valued portfolio.
package metrics

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/types"
)

// CashFlow is money moving between the investor and the holdings, in the
// base currency. Amount is always a magnitude; Direction carries the sign.
type CashFlow struct {
	Date      time.Time           `json:"date"`
	Amount    decimal.Decimal     `json:"amount"`
	Direction types.FlowDirection `json:"direction"`
	Action    types.Action        `json:"action"`
}

// Signed returns the flow as seen by the holdings: positive when capital
// comes in
func (f CashFlow) Signed() decimal.Decimal {
	if f.Direction == types.DirectionOut {
		return f.Amount.Neg()
	}
	return f.Amount
}

// RateFunc converts one unit of currency into the base currency on date
type RateFunc func(currency string, date time.Time) decimal.Decimal

// Flows is the cash-flow view of a transaction log
type Flows struct {
	Flows []CashFlow
	// NetDeposits is deposits minus withdrawals; these move cash within the
	// account and do not count as investment flows
	NetDeposits decimal.Decimal
}

// ExtractCashFlows derives the investment flows of txns. A buy brings
// capital in at cost plus fee; a sell, or a dividend, returns it net of fees.
// A standalone fee is treated as capital in.
func ExtractCashFlows(txns []*models.Transaction, rate RateFunc) Flows {
	out := Flows{NetDeposits: decimal.Zero}
	for _, t := range txns {
		fx := decimal.NewFromInt(1)
		if rate != nil {
			fx = rate(t.Currency, t.Date)
		}

		var amount decimal.Decimal
		var dir types.FlowDirection
		switch t.Action {
		case types.ActionBuy:
			amount, dir = t.Gross().Add(t.Fee), types.DirectionIn
		case types.ActionSell:
			amount, dir = t.Gross().Sub(t.Fee), types.DirectionOut
		case types.ActionDividend:
			amount, dir = t.Total.Abs().Sub(t.Fee), types.DirectionOut
		case types.ActionFee:
			amount, dir = t.Total.Abs(), types.DirectionIn
		case types.ActionDeposit:
			out.NetDeposits = out.NetDeposits.Add(t.Total.Abs().Mul(fx))
			continue
		case types.ActionWithdrawal:
			out.NetDeposits = out.NetDeposits.Sub(t.Total.Abs().Mul(fx))
			continue
		default:
			continue
		}
		amount = amount.Mul(fx)
		if amount.IsZero() {
			continue
		}
		if amount.IsNegative() {
			// a fee larger than the proceeds flips the direction
			amount = amount.Neg()
			if dir == types.DirectionOut {
				dir = types.DirectionIn
			} else {
				dir = types.DirectionOut
			}
		}
		out.Flows = append(out.Flows, CashFlow{Date: t.Date, Amount: amount, Direction: dir, Action: t.Action})
	}
	sort.SliceStable(out.Flows, func(i, j int) bool {
		return out.Flows[i].Date.Before(out.Flows[j].Date)
	})
	return out
}

// dayOf truncates t to its UTC calendar day
func dayOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

type dayFlow struct {
	day time.Time
	net decimal.Decimal
}

// groupByDay sums signed flows per calendar day, in date order
func groupByDay(flows []CashFlow) []dayFlow {
	var out []dayFlow
	for _, f := range flows {
		day := dayOf(f.Date)
		if n := len(out); n > 0 && out[n-1].day.Equal(day) {
			out[n-1].net = out[n-1].net.Add(f.Signed())
			continue
		}
		out = append(out, dayFlow{day: day, net: f.Signed()})
	}
	return out
}
