package metrics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// ValuationFunc returns the base-currency value of the holdings at the end
// of date, after that day's flows
type ValuationFunc func(ctx context.Context, date time.Time) (decimal.Decimal, error)

// Result holds both return measures as fractions (0.05 is 5%)
type Result struct {
	TWR  float64 `json:"twr"`
	XIRR float64 `json:"xirr"`
}

// Compute derives TWR and XIRR from flows and the value of the holdings over
// time. No flows give a zero result.
func Compute(ctx context.Context, flows []CashFlow, asOf time.Time, valueAt ValuationFunc) (Result, error) {
	if len(flows) == 0 {
		return Result{}, nil
	}
	sorted := make([]CashFlow, len(flows))
	copy(sorted, flows)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	days := groupByDay(sorted)
	values := make([]decimal.Decimal, len(days))
	for i, df := range days {
		v, err := valueAt(ctx, df.day)
		if err != nil {
			return Result{}, fmt.Errorf("failed to value holdings on %s: %w", df.day.Format("2006-01-02"), err)
		}
		values[i] = v
	}
	terminal, err := valueAt(ctx, asOf)
	if err != nil {
		return Result{}, fmt.Errorf("failed to value holdings on %s: %w", asOf.Format("2006-01-02"), err)
	}

	return Result{
		TWR:  timeWeighted(days, values, dayOf(asOf), terminal),
		XIRR: XIRR(sorted, asOf, terminal),
	}, nil
}

// timeWeighted chain-links sub-period returns. Each flow day closes a period
// with factor (V_k - F_k) / V_prev; periods starting from zero value are
// skipped. The series starts at the first day with a nonzero value.
func timeWeighted(days []dayFlow, values []decimal.Decimal, asOf time.Time, terminal decimal.Decimal) float64 {
	growth := decimal.NewFromInt(1)
	prev := decimal.Zero
	started := false

	link := func(value, flow decimal.Decimal) {
		if started && !prev.IsZero() {
			growth = growth.Mul(value.Sub(flow).Div(prev))
		}
		if !value.IsZero() {
			started = true
		}
		prev = value
	}

	for i, df := range days {
		link(values[i], df.net)
	}
	if last := days[len(days)-1].day; asOf.After(last) {
		link(terminal, decimal.Zero)
	}
	return growth.Sub(decimal.NewFromInt(1)).InexactFloat64()
}

const (
	xirrTolerance   = 1e-9
	xirrMaxNewton   = 100
	xirrMaxBisect   = 300
	xirrLowerBound  = -0.9999
	xirrUpperLimit  = 1e6
	daysPerYear     = 365.0
	newtonInitGuess = 0.1
)

// XIRR returns the annualized money-weighted return. Capital in is negative
// from the investor's side; capital returned and the terminal value are
// positive. Newton-Raphson is tried first, then bisection; without a sign
// change the result is 0.
func XIRR(flows []CashFlow, asOf time.Time, terminal decimal.Decimal) float64 {
	if len(flows) == 0 {
		return 0
	}
	start := flows[0].Date
	for _, f := range flows {
		if f.Date.Before(start) {
			start = f.Date
		}
	}

	var amounts, years []float64
	for _, f := range flows {
		amounts = append(amounts, f.Signed().Neg().InexactFloat64())
		years = append(years, f.Date.Sub(start).Hours()/24/daysPerYear)
	}
	if terminal.IsPositive() {
		amounts = append(amounts, terminal.InexactFloat64())
		years = append(years, asOf.Sub(start).Hours()/24/daysPerYear)
	}

	hasNeg, hasPos := false, false
	for _, a := range amounts {
		hasNeg = hasNeg || a < 0
		hasPos = hasPos || a > 0
	}
	if !hasNeg || !hasPos {
		return 0
	}

	npv := func(r float64) float64 {
		sum := 0.0
		for i, a := range amounts {
			sum += a / math.Pow(1+r, years[i])
		}
		return sum
	}
	dnpv := func(r float64) float64 {
		sum := 0.0
		for i, a := range amounts {
			sum -= years[i] * a / math.Pow(1+r, years[i]+1)
		}
		return sum
	}

	if r, ok := newton(npv, dnpv); ok {
		return r
	}
	if r, ok := bisect(npv); ok {
		return r
	}
	return 0
}

func newton(f, df func(float64) float64) (float64, bool) {
	r := newtonInitGuess
	for i := 0; i < xirrMaxNewton; i++ {
		v := f(r)
		if math.Abs(v) < xirrTolerance {
			return r, true
		}
		slope := df(r)
		if slope == 0 || math.IsNaN(slope) || math.IsInf(slope, 0) {
			return 0, false
		}
		next := r - v/slope
		if next <= -1 || math.IsNaN(next) || math.IsInf(next, 0) {
			return 0, false
		}
		if math.Abs(next-r) < xirrTolerance {
			return next, true
		}
		r = next
	}
	return 0, false
}

func bisect(f func(float64) float64) (float64, bool) {
	lo, hi := xirrLowerBound, 1.0
	flo := f(lo)
	fhi := f(hi)
	for flo*fhi > 0 && hi < xirrUpperLimit {
		hi *= 10
		fhi = f(hi)
	}
	if flo*fhi > 0 || math.IsNaN(flo) || math.IsNaN(fhi) {
		return 0, false
	}
	for i := 0; i < xirrMaxBisect; i++ {
		mid := (lo + hi) / 2
		fm := f(mid)
		if math.Abs(fm) < xirrTolerance || (hi-lo)/2 < xirrTolerance {
			return mid, true
		}
		if fm*flo < 0 {
			hi = mid
		} else {
			lo, flo = mid, fm
		}
	}
	return (lo + hi) / 2, true
}
