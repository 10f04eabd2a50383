package broker

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/trade-ledger/internal/errors"
	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/numparse"
	"github.com/trade-ledger/internal/tabular"
	"github.com/trade-ledger/internal/types"
)

// ColumnMapper turns decoded rows of one export format into transactions
type ColumnMapper interface {
	Format() Format
	MapRow(row tabular.Row) (*models.Transaction, error)
}

// MapperOptions configures row mapping
type MapperOptions struct {
	// DefaultCurrency applies to rows that name no currency anywhere
	DefaultCurrency string
	// Broker is recorded on every transaction; the format id when empty
	Broker string
}

// RowError reports a single row that cannot be mapped. It never aborts an import.
type RowError struct {
	Line   int    `json:"line"`
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

func (e *RowError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Reason)
}

// Unwrap lets callers match the row error with errors.Is(err, ErrUnparseableRow)
func (e *RowError) Unwrap() error {
	return apperrors.ErrUnparseableRow
}

func rowErr(row tabular.Row, format string, args ...interface{}) *RowError {
	return &RowError{Line: row.Line, Code: apperrors.CodeUnparseableRow, Reason: fmt.Sprintf(format, args...)}
}

// value is a parsed cell that may be missing
type value struct {
	d   decimal.Decimal
	ok  bool
	raw string
}

func parseValue(raw string) value {
	d, ok := numparse.Parse(raw)
	return value{d: d, ok: ok, raw: raw}
}

func known(d decimal.Decimal) value {
	return value{d: d, ok: true}
}

// draft collects what a row says before completion and validation
type draft struct {
	action     types.Action
	hasAction  bool
	actionText string

	isin, ticker, symbol, name, comment string

	qty, price, total, fee, ratio, fxRate value

	currency, totalCurrency, feeCurrency string

	date    time.Time
	hasDate bool
}

type columnMapper struct {
	format  Format
	profile profile
	cols    map[Role]int
	opts    MapperOptions
	infer   bool
}

// NewMapper binds the header columns of an export to roles. Named formats
// need at least a date and an amount column; the generic mapper also infers
// roles from the cells of unbound columns and accepts a nil header.
func NewMapper(format Format, header []string, opts MapperOptions) (ColumnMapper, error) {
	p, ok := profiles[format]
	if !ok {
		return nil, fmt.Errorf("%w: format %q", apperrors.ErrUnrecognizedFormat, format)
	}

	m := &columnMapper{
		format:  format,
		profile: p,
		cols:    bindColumns(foldAll(header), p.extras),
		opts:    opts,
		infer:   format == FormatGeneric,
	}
	if p.bind != nil {
		p.bind(header, m.cols)
	}

	if !m.infer {
		_, hasDate := m.cols[RoleDate]
		_, hasQty := m.cols[RoleQuantity]
		_, hasTotal := m.cols[RoleTotal]
		if !hasDate || (!hasQty && !hasTotal) {
			return nil, fmt.Errorf("%w: %s header lacks date or amount columns", apperrors.ErrUnrecognizedFormat, format)
		}
	}
	return m, nil
}

func (m *columnMapper) Format() Format {
	return m.format
}

func (m *columnMapper) cell(row tabular.Row, role Role) string {
	i, ok := m.cols[role]
	if !ok {
		return ""
	}
	return row.Cell(i)
}

// MapRow maps one row. Rows without a usable signal come back as *RowError;
// no value is ever defaulted in.
func (m *columnMapper) MapRow(row tabular.Row) (*models.Transaction, error) {
	d := m.extract(row)
	if m.infer {
		inferUnbound(row, m.cols, d)
	}
	if m.profile.adjust != nil {
		m.profile.adjust(d)
	}
	return m.build(row, d)
}

func (m *columnMapper) extract(row tabular.Row) *draft {
	d := &draft{
		isin:          strings.ToUpper(m.cell(row, RoleISIN)),
		ticker:        m.cell(row, RoleTicker),
		symbol:        m.cell(row, RoleSymbol),
		name:          m.cell(row, RoleName),
		comment:       m.cell(row, RoleComment),
		qty:           parseValue(m.cell(row, RoleQuantity)),
		price:         parseValue(m.cell(row, RolePrice)),
		total:         parseValue(m.cell(row, RoleTotal)),
		fee:           parseValue(m.cell(row, RoleFee)),
		fxRate:        parseValue(m.cell(row, RoleFxRate)),
		currency:      m.cell(row, RoleCurrency),
		totalCurrency: m.cell(row, RoleTotalCurrency),
		feeCurrency:   m.cell(row, RoleFeeCurrency),
	}

	if r := m.cell(row, RoleRatio); r != "" {
		if f, ok := numparse.ParseRatio(r); ok {
			d.ratio = known(f)
		}
	}

	d.actionText = m.cell(row, RoleAction)
	if d.actionText != "" {
		d.action, d.hasAction = ParseActionWord(d.actionText)
	}

	if t, ok := parseDate(m.cell(row, RoleDate), true); ok {
		d.date, d.hasDate = withTime(t, m.cell(row, RoleTime)), true
	}
	return d
}

func (m *columnMapper) build(row tabular.Row, d *draft) (*models.Transaction, error) {
	if err := m.resolveAction(row, d); err != nil {
		return nil, err
	}
	if !d.hasDate {
		return nil, rowErr(row, "missing or invalid date")
	}

	key := instrumentKey(d)
	currency, err := m.resolveCurrency(row, d)
	if err != nil {
		return nil, err
	}

	txn := &models.Transaction{
		ID:            uuid.New().String(),
		Broker:        m.broker(),
		RawLine:       row.Raw,
		RawHash:       models.HashRawLine(row.Raw),
		Action:        d.action,
		InstrumentKey: key,
		DisplayName:   displayName(d, key),
		Currency:      currency,
		Date:          d.date,
	}
	if d.fee.ok {
		txn.Fee = d.fee.d.Abs()
	}

	switch {
	case d.action == types.ActionSplit:
		factor, ok := splitFactor(d)
		if !ok {
			return nil, rowErr(row, "split without a usable ratio")
		}
		if key == types.UnknownInstrument {
			return nil, rowErr(row, "split without an instrument")
		}
		txn.Quantity = factor
		txn.Fee = decimal.Zero

	case d.action.IsTrade():
		if key == types.UnknownInstrument {
			return nil, rowErr(row, "trade without an instrument")
		}
		// a total in another currency than the price cannot complete the trade
		if d.totalCurrency != "" && !strings.EqualFold(d.totalCurrency, currency) {
			d.total = value{}
		}
		qty, price, total, ok := complete(d.qty, d.price, d.total)
		if !ok {
			return nil, rowErr(row, "trade without usable quantity and price")
		}
		txn.Quantity, txn.Price, txn.Total = qty, price, total

	default:
		amount, single, ok := cashAmount(d)
		if !ok {
			return nil, rowErr(row, "%s without an amount", strings.ToLower(string(d.action)))
		}
		txn.Total = amount
		if !single {
			if d.qty.ok {
				txn.Quantity = d.qty.d.Abs()
			}
			if d.price.ok {
				txn.Price = d.price.d.Abs()
			}
		}
	}
	return txn, nil
}

func (m *columnMapper) broker() string {
	if m.opts.Broker != "" {
		return m.opts.Broker
	}
	return string(m.format)
}

// resolveAction settles the action from the action cell, or for sign-carrying
// exports and the generic mapper from the sign of the quantity or total.
func (m *columnMapper) resolveAction(row tabular.Row, d *draft) error {
	if d.hasAction {
		return nil
	}
	if d.actionText != "" && !m.infer {
		return rowErr(row, "unknown action %q", d.actionText)
	}
	if !m.profile.signedQuantity && !m.infer {
		return rowErr(row, "missing action")
	}

	switch {
	case d.qty.ok && d.qty.d.IsPositive():
		d.action = types.ActionBuy
	case d.qty.ok && d.qty.d.IsNegative():
		d.action = types.ActionSell
	case d.total.ok && d.total.d.IsNegative():
		d.action = types.ActionBuy
	case d.total.ok && d.total.d.IsPositive() && m.profile.signedQuantity:
		d.action = types.ActionSell
	case m.infer:
		d.action = types.ActionBuy
	default:
		return rowErr(row, "cannot tell buy from sell")
	}
	d.hasAction = true
	return nil
}

var (
	isinPattern  = regexp.MustCompile(`^[A-Z]{2}[A-Z0-9]{9}[0-9]$`)
	codeInAmount = regexp.MustCompile(`(?:^|[^A-Za-z])([A-Z]{3})(?:[^A-Za-z]|$)`)
)

var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"Kč", "CZK"},
	{"zł", "PLN"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"¥", "JPY"},
	{"$", "USD"},
}

// resolveCurrency takes the currency column, then a symbol or code written on
// an amount, then the import default. An explicit code go-money does not know
// makes the row unparseable.
func (m *columnMapper) resolveCurrency(row tabular.Row, d *draft) (string, error) {
	explicit := d.currency
	if d.action.IsCash() && d.totalCurrency != "" {
		explicit = d.totalCurrency
	}
	if explicit != "" {
		code := normalizeCurrency(explicit)
		if money.GetCurrency(code) == nil {
			return "", rowErr(row, "unknown currency %q", explicit)
		}
		return code, nil
	}

	for _, raw := range []string{d.price.raw, d.total.raw, d.qty.raw} {
		if code, ok := currencyInAmount(raw); ok {
			return code, nil
		}
	}

	if m.opts.DefaultCurrency == "" {
		return "", rowErr(row, "no currency")
	}
	return strings.ToUpper(m.opts.DefaultCurrency), nil
}

func normalizeCurrency(s string) string {
	s = strings.TrimSpace(s)
	for _, cs := range currencySymbols {
		if strings.EqualFold(s, cs.symbol) {
			return cs.code
		}
	}
	return strings.ToUpper(s)
}

func currencyInAmount(raw string) (string, bool) {
	if raw == "" {
		return "", false
	}
	for _, cs := range currencySymbols {
		if strings.Contains(raw, cs.symbol) {
			return cs.code, true
		}
	}
	if m := codeInAmount.FindStringSubmatch(raw); m != nil && money.GetCurrency(m[1]) != nil {
		return m[1], true
	}
	return "", false
}

func instrumentKey(d *draft) string {
	switch {
	case isinPattern.MatchString(d.isin):
		return d.isin
	case d.ticker != "":
		return strings.ToUpper(d.ticker)
	case d.symbol != "":
		return strings.ToUpper(d.symbol)
	default:
		return types.UnknownInstrument
	}
}

func displayName(d *draft, key string) string {
	for _, s := range []string{d.name, d.ticker, d.symbol} {
		if s != "" {
			return s
		}
	}
	return key
}

// complete fills the one missing member of quantity, price and total and
// returns magnitudes. Quantity must end up positive and price known.
func complete(q, p, t value) (qty, price, total decimal.Decimal, ok bool) {
	q.d, p.d, t.d = q.d.Abs(), p.d.Abs(), t.d.Abs()

	switch {
	case q.ok && p.ok && !t.ok:
		t = known(q.d.Mul(p.d))
	case q.ok && !p.ok && t.ok && q.d.IsPositive():
		p = known(t.d.Div(q.d))
	case !q.ok && p.ok && t.ok && p.d.IsPositive():
		q = known(t.d.Div(p.d))
	}

	if !q.ok || !p.ok || !q.d.IsPositive() {
		return decimal.Zero, decimal.Zero, decimal.Zero, false
	}
	if !t.ok {
		t = known(q.d.Mul(p.d))
	}
	return q.d, p.d, t.d, true
}

// cashAmount is the magnitude of a cash row: its total, else quantity*price,
// else the single number the row carries. single reports the last case.
func cashAmount(d *draft) (amount decimal.Decimal, single, ok bool) {
	switch {
	case d.total.ok:
		return d.total.d.Abs(), false, true
	case d.qty.ok && d.price.ok:
		return d.qty.d.Mul(d.price.d).Abs(), false, true
	case d.price.ok:
		return d.price.d.Abs(), true, true
	case d.qty.ok:
		return d.qty.d.Abs(), true, true
	}
	return decimal.Zero, false, false
}

// splitFactor reads the ratio column, then a ratio written in the action or
// comment text ("STOCK SPLIT 2:1")
func splitFactor(d *draft) (decimal.Decimal, bool) {
	if d.ratio.ok {
		return d.ratio.d, true
	}
	for _, text := range []string{d.actionText, d.comment} {
		if m := ratioInText.FindString(text); m != "" {
			if f, ok := numparse.ParseRatio(m); ok {
				return f, true
			}
		}
	}
	return decimal.Zero, false
}

var ratioInText = regexp.MustCompile(`(?i)\d+(?:[.,]\d+)?\s*(?::|/|-?\s*for\s*-?)\s*\d+(?:[.,]\d+)?`)
