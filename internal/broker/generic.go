package broker

import (
	"regexp"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/trade-ledger/internal/numparse"
	"github.com/trade-ledger/internal/tabular"
)

var tickerPattern = regexp.MustCompile(`^[A-Z][A-Z0-9]{0,5}(?:[.\-][A-Z0-9]{1,4})?$`)

// maxInferredQuantity bounds what the generic mapper accepts as a share count
var maxInferredQuantity = decimal.NewFromInt(10_000_000)

// inferUnbound fills roles the header did not name from the cells of unbound
// columns: the first date-like cell, an action word, an ISIN or uppercase
// ticker that is not a currency code, a currency code, and for amounts the
// first plausible share count followed by the next number as price. An
// uppercase cell that reads both as a ticker and as an action word (DAN, TAX)
// is the instrument unless another cell already names one. Nothing is
// invented when a cell is missing.
func inferUnbound(row tabular.Row, cols map[Role]int, d *draft) {
	bound := make(map[int]bool, len(cols))
	for _, i := range cols {
		bound[i] = true
	}
	needIdentity := d.isin == "" && d.ticker == "" && d.symbol == ""
	needQty, needPrice := !d.qty.ok, !d.price.ok

	var numbers []value
	var ambiguous []string
	for i := range row.Cells {
		if bound[i] {
			continue
		}
		c := row.Cell(i)
		if c == "" {
			continue
		}

		switch {
		case !d.hasDate && looksLikeDate(c):
			if t, ok := parseDate(c, false); ok {
				d.date, d.hasDate = t, true
			}
		case looksLikeDate(c):
		case needIdentity && isinPattern.MatchString(c):
			d.isin = c
			needIdentity = false
		case isCurrencyCode(c):
			if d.currency == "" {
				d.currency = c
			}
		case tickerPattern.MatchString(c) && isActionWord(c):
			ambiguous = append(ambiguous, c)
		case !d.hasAction && d.actionText == "" && isActionWord(c) && !isNumeric(c):
			d.action, d.hasAction = ParseActionWord(c)
			d.actionText = c
		case needIdentity && tickerPattern.MatchString(c):
			d.ticker = c
			needIdentity = false
		default:
			if v := parseValue(c); v.ok {
				numbers = append(numbers, v)
			}
		}
	}

	for i, c := range ambiguous {
		last := i == len(ambiguous)-1
		switch {
		case needIdentity && (d.hasAction || last):
			d.ticker = c
			needIdentity = false
		case !d.hasAction && d.actionText == "":
			d.action, d.hasAction = ParseActionWord(c)
			d.actionText = c
		}
	}

	if !needQty && !needPrice {
		return
	}

	next := 0
	if needQty {
		for ; next < len(numbers); next++ {
			n := numbers[next].d
			if !n.IsZero() && n.Abs().LessThan(maxInferredQuantity) {
				d.qty = numbers[next]
				next++
				break
			}
		}
	}
	if needPrice {
		for ; next < len(numbers); next++ {
			if numbers[next].d.IsPositive() {
				d.price = numbers[next]
				break
			}
		}
	}
}

func isNumeric(s string) bool {
	_, ok := numparse.Parse(s)
	return ok
}

func isCurrencyCode(s string) bool {
	return len(s) == 3 && strings.ToUpper(s) == s && money.GetCurrency(s) != nil
}
