// Package broker detects the format of a trade export and maps its rows into
// canonical transactions.
package broker

import (
	"strings"

	"github.com/trade-ledger/internal/numparse"
)

// Format identifies a column-mapping strategy
type Format string

const (
	FormatXTB        Format = "xtb"
	FormatTrading212 Format = "trading212"
	FormatDegiro     Format = "degiro"
	FormatRevolut    Format = "revolut"
	FormatIBKR       Format = "ibkr"
	FormatGeneric    Format = "generic"
	FormatUnknown    Format = "unknown"
)

// predicate requires every synonym group to match somewhere in the header
type predicate struct {
	format Format
	groups [][]string
}

// predicates are tried in order; the first full match wins
var predicates = []predicate{
	{FormatTrading212, [][]string{{"action"}, {"no. of shares"}, {"ticker", "isin"}}},
	{FormatRevolut, [][]string{{"ticker"}, {"type"}, {"price per share"}}},
	{FormatIBKR, [][]string{{"tradeprice"}, {"buy/sell", "quantity"}, {"currencyprimary", "ibcommission"}}},
	{FormatDegiro, [][]string{{"produkt", "product"}, {"isin"}, {"pocet", "quantity"}, {"hodnota", "value"}}},
	{FormatXTB, [][]string{{"symbol", "instrument"}, {"type", "side", "|typ|"}, {"volume", "quantity", "objem"}}},
}

// genericHeaderWords mark a header as a trade table even with few columns
var genericHeaderWords = []string{
	"date", "datum", "time", "symbol", "ticker", "isin", "instrument", "security", "akcie", "titul", "cenny papir",
}

// Classify selects the format of an export from its header and, for
// headerless files, its first data row. It has no side effects.
func Classify(header, firstRow []string) Format {
	folded := foldAll(header)
	joined := joinFolded(folded)

	for _, p := range predicates {
		if matchesAll(joined, p.groups) {
			return p.format
		}
	}

	if HeaderIsData(header) {
		return FormatGeneric
	}
	if nonEmpty(folded) >= 3 {
		return FormatGeneric
	}
	for _, h := range folded {
		for _, w := range genericHeaderWords {
			if h != "" && strings.Contains(h, w) {
				return FormatGeneric
			}
		}
	}
	// a short header is still usable when the row under it carries trade data
	if len(firstRow) >= 3 && HeaderIsData(firstRow) && nonEmpty(folded) > 0 {
		return FormatGeneric
	}
	return FormatUnknown
}

// HeaderIsData reports whether a "header" row is really a data record: it
// holds a date, or at least two numbers and no recognizable column name.
func HeaderIsData(cells []string) bool {
	numbers, dates := 0, 0
	for _, c := range cells {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if looksLikeDate(c) {
			dates++
			continue
		}
		if _, ok := numparse.Parse(c); ok {
			numbers++
		}
	}
	return dates > 0 || numbers >= 2
}

// ParseFormat resolves an explicit broker selection
func ParseFormat(s string) (Format, bool) {
	switch strings.ReplaceAll(Fold(s), " ", "") {
	case "xtb":
		return FormatXTB, true
	case "trading212", "t212":
		return FormatTrading212, true
	case "degiro":
		return FormatDegiro, true
	case "revolut":
		return FormatRevolut, true
	case "ibkr", "interactivebrokers", "ib":
		return FormatIBKR, true
	case "generic", "csv":
		return FormatGeneric, true
	}
	return FormatUnknown, false
}

func matchesAll(joined string, groups [][]string) bool {
	for _, group := range groups {
		found := false
		for _, syn := range group {
			if strings.Contains(joined, syn) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func nonEmpty(cells []string) int {
	n := 0
	for _, c := range cells {
		if c != "" {
			n++
		}
	}
	return n
}
