package valuation

import (
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// staticPerEUR holds approximate units per euro, used when no dated rate exists
var staticPerEUR = map[string]decimal.Decimal{
	"EUR": decimal.NewFromInt(1),
	"USD": decimal.RequireFromString("1.08"),
	"CZK": decimal.RequireFromString("25.0"),
	"GBP": decimal.RequireFromString("0.85"),
	"CHF": decimal.RequireFromString("0.95"),
	"PLN": decimal.RequireFromString("4.3"),
	"HUF": decimal.RequireFromString("390"),
	"SEK": decimal.RequireFromString("11.3"),
	"NOK": decimal.RequireFromString("11.6"),
	"DKK": decimal.RequireFromString("7.46"),
	"JPY": decimal.RequireFromString("160"),
	"CAD": decimal.RequireFromString("1.47"),
	"AUD": decimal.RequireFromString("1.65"),
}

// StaticRate converts between two currencies of the fallback table
func StaticRate(from, to string) (decimal.Decimal, bool) {
	from, to = strings.ToUpper(from), strings.ToUpper(to)
	if from == to {
		return decimal.NewFromInt(1), true
	}
	f, okFrom := staticPerEUR[from]
	t, okTo := staticPerEUR[to]
	if !okFrom || !okTo {
		return decimal.Zero, false
	}
	return t.Div(f), true
}

// StaticCurrencies lists the currencies of the fallback table
func StaticCurrencies() []string {
	out := make([]string, 0, len(staticPerEUR))
	for c := range staticPerEUR {
		out = append(out, c)
	}
	return out
}

// RoundMoney rounds an amount to the minor unit of its currency, two places
// for unknown codes
func RoundMoney(amount decimal.Decimal, currency string) decimal.Decimal {
	places := int32(2)
	if c := money.GetCurrency(strings.ToUpper(currency)); c != nil {
		places = int32(c.Fraction)
	}
	return amount.Round(places)
}
