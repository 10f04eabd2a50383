package broker

import (
	"regexp"
	"strings"

	"github.com/trade-ledger/internal/numparse"
	"github.com/trade-ledger/internal/types"
)

// profile holds what differs between export formats
type profile struct {
	// extras are tried before the shared synonyms of a role
	extras map[Role][]string
	// signedQuantity exports carry buy/sell in the sign of the quantity
	signedQuantity bool
	// bind adjusts the column binding after synonym matching
	bind func(header []string, cols map[Role]int)
	// adjust rewrites a row draft before validation
	adjust func(d *draft)
}

var profiles = map[Format]profile{
	FormatTrading212: {
		extras: map[Role][]string{
			RoleCurrency: {"currency (price / share)"},
			RolePrice:    {"price / share"},
			RoleFee:      {"currency conversion fee", "transaction fee", "stamp duty"},
		},
	},
	FormatRevolut: {
		extras: map[Role][]string{
			RolePrice: {"price per share"},
			RoleTotal: {"total amount"},
		},
	},
	FormatIBKR: {
		extras: map[Role][]string{
			RolePrice:    {"tradeprice"},
			RoleCurrency: {"currencyprimary"},
			RoleFee:      {"ibcommission"},
			RoleTotal:    {"proceeds"},
			RoleDate:     {"tradedate", "datetime"},
		},
		signedQuantity: true,
	},
	FormatDegiro: {
		extras: map[Role][]string{
			RoleTotal: {"local value", "hodnota v mistni mene"},
			RoleFee:   {"transaction and/or third", "transaction costs", "transakcni", "poplatky"},
			RoleName:  {"product", "produkt"},
		},
		signedQuantity: true,
		bind:           bindDegiroCurrencies,
		adjust:         convertDegiroFee,
	},
	FormatXTB: {
		extras: map[Role][]string{
			RoleDate:  {"open time", "cas otevreni", "time", "=cas"},
			RolePrice: {"open price", "oteviraci cena"},
			RoleTotal: {"amount", "castka"},
		},
		adjust: parseXTBComment,
	},
	FormatGeneric: {},
}

// bindDegiroCurrencies binds the unnamed columns Degiro prints right after
// price and fee as their currencies
func bindDegiroCurrencies(header []string, cols map[Role]int) {
	unnamedAfter := func(role Role) (int, bool) {
		i, ok := cols[role]
		if !ok || i+1 >= len(header) || strings.TrimSpace(header[i+1]) != "" {
			return 0, false
		}
		return i + 1, true
	}
	if _, ok := cols[RoleCurrency]; !ok {
		if i, ok := unnamedAfter(RolePrice); ok {
			cols[RoleCurrency] = i
		}
	}
	if i, ok := unnamedAfter(RoleFee); ok {
		cols[RoleFeeCurrency] = i
	}
}

// convertDegiroFee moves a fee charged in the account currency into the
// trade currency. Degiro quotes the exchange rate as trade currency per
// account currency unit.
func convertDegiroFee(d *draft) {
	if !d.fee.ok || d.feeCurrency == "" || d.currency == "" {
		return
	}
	if strings.EqualFold(d.feeCurrency, d.currency) {
		return
	}
	if d.fxRate.ok && d.fxRate.d.IsPositive() {
		d.fee = known(d.fee.d.Mul(d.fxRate.d))
	}
}

var xtbComment = regexp.MustCompile(`(?i)\b(buy|sell)\s+([0-9.,]+)(?:/[0-9.,]+)?\s*@\s*([0-9.,]+)`)

// parseXTBComment reads quantity and price from cash-operation comments such
// as "OPEN BUY 10 @ 150.25" when the export has no such columns
func parseXTBComment(d *draft) {
	m := xtbComment.FindStringSubmatch(d.comment)
	if m == nil {
		return
	}
	if !d.qty.ok {
		if q, ok := numparse.Parse(m[2]); ok {
			d.qty = known(q)
		}
	}
	if !d.price.ok {
		if p, ok := numparse.Parse(m[3]); ok {
			d.price = known(p)
		}
	}
	if !d.hasAction || d.action.IsCash() {
		if strings.EqualFold(m[1], "sell") {
			d.action = types.ActionSell
		} else {
			d.action = types.ActionBuy
		}
		d.hasAction = true
	}
}
