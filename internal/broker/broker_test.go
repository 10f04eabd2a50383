package broker

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/trade-ledger/internal/errors"
	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/tabular"
	"github.com/trade-ledger/internal/types"
)

const (
	trading212Header = "Action,Time,ISIN,Ticker,Name,No. of shares,Price / share,Currency (Price / share),Exchange rate,Result,Currency (Result),Total,Currency (Total),Currency conversion fee,Currency (Currency conversion fee),ID"
	revolutHeader    = "Date,Ticker,Type,Quantity,Price per share,Total Amount,Currency,FX Rate"
	ibkrHeader       = "Symbol,ISIN,Description,CurrencyPrimary,TradeDate,Quantity,TradePrice,IBCommission,Buy/Sell,Proceeds"
	degiroHeader     = "Datum,Čas,Produkt,ISIN,Reference,Místo provedení,Počet,Cena,,Hodnota v místní měně,,Hodnota,,Směnný kurz,Transakční a/nebo třetí strany poplatky,,Celkem,,ID objednávky"
	xtbHeader        = "Symbol;Typ;Objem;Čas otevření;Otevírací cena;Komise"
	czechHeader      = "Datum;Akcie;Směr;Počet kusů;Cena;Celkem;Měna"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func decode(t *testing.T, text string) *tabular.Table {
	t.Helper()
	table, err := tabular.DecodeCSV([]byte(text))
	require.NoError(t, err)
	return table
}

func mapAll(t *testing.T, text string, opts MapperOptions) (Format, []*models.Transaction, []error) {
	t.Helper()
	table := decode(t, text)
	var first []string
	if len(table.Rows) > 0 {
		first = table.Rows[0].Cells
	}
	format := Classify(table.Header, first)
	mapper, err := NewMapper(format, table.Header, opts)
	require.NoError(t, err)

	var txns []*models.Transaction
	var errs []error
	for _, row := range table.Rows {
		txn, err := mapper.MapRow(row)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		txns = append(txns, txn)
	}
	return format, txns, errs
}

func assertDecimal(t *testing.T, want string, got decimal.Decimal, field string) {
	t.Helper()
	assert.True(t, dec(want).Equal(got), "%s = %s, want %s", field, got, want)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		header string
		sep    string
		want   Format
	}{
		{"trading212", trading212Header, ",", FormatTrading212},
		{"revolut", revolutHeader, ",", FormatRevolut},
		{"ibkr", ibkrHeader, ",", FormatIBKR},
		{"degiro czech", degiroHeader, ",", FormatDegiro},
		{"degiro english", "Date,Time,Product,ISIN,Reference exchange,Venue,Quantity,Price,,Local value,,Value", ",", FormatDegiro},
		{"xtb czech", xtbHeader, ";", FormatXTB},
		{"xtb english", "Position,Symbol,Type,Volume,Open time,Open price", ",", FormatXTB},
		{"generic czech", czechHeader, ";", FormatGeneric},
		{"generic by date word", "Date,Amount", ",", FormatGeneric},
		{"generic by column count", "a,b,c", ",", FormatGeneric},
		{"unknown", "foo,bar", ",", FormatUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(strings.Split(tt.header, tt.sep), nil))
		})
	}
}

func TestClassify_HeaderlessFile(t *testing.T) {
	header := []string{"2024-01-02", "AAPL", "BUY", "10", "150.25", "USD"}
	assert.True(t, HeaderIsData(header))
	assert.Equal(t, FormatGeneric, Classify(header, nil))
	assert.False(t, HeaderIsData(strings.Split(trading212Header, ",")))
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{
		"XTB":                 FormatXTB,
		"Trading 212":         FormatTrading212,
		"interactive brokers": FormatIBKR,
		"Degiro":              FormatDegiro,
		"generic":             FormatGeneric,
	} {
		got, ok := ParseFormat(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseFormat("my bank")
	assert.False(t, ok)
}

func TestNewMapper_UnknownFormat(t *testing.T) {
	_, err := NewMapper(FormatUnknown, []string{"foo", "bar"}, MapperOptions{})
	assert.ErrorIs(t, err, apperrors.ErrUnrecognizedFormat)

	// a named format forced onto a file without its columns
	_, err = NewMapper(FormatDegiro, []string{"foo", "bar", "baz"}, MapperOptions{})
	assert.ErrorIs(t, err, apperrors.ErrUnrecognizedFormat)
}

func TestMapRow_Trading212(t *testing.T) {
	text := trading212Header + "\n" +
		"Market buy,2024-01-02 14:30:05,US0378331005,AAPL,Apple,10,150.25,USD,0.92,,EUR,1385.26,EUR,1.38,EUR,EOF1\n" +
		"Deposit,2024-01-01 09:00:00,,,,,,,,,,500,EUR,,,D1\n" +
		"Currency conversion,2024-01-03 10:00:00,,,,,,,,,,10,EUR,,,C1\n"

	format, txns, errs := mapAll(t, text, MapperOptions{DefaultCurrency: "CZK"})
	assert.Equal(t, FormatTrading212, format)
	require.Len(t, txns, 2)
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], apperrors.ErrUnparseableRow)

	buy := txns[0]
	assert.Equal(t, types.ActionBuy, buy.Action)
	assert.Equal(t, "US0378331005", buy.InstrumentKey)
	assert.Equal(t, "Apple", buy.DisplayName)
	assert.Equal(t, "USD", buy.Currency)
	assertDecimal(t, "10", buy.Quantity, "quantity")
	assertDecimal(t, "150.25", buy.Price, "price")
	// the EUR total is not mixed into a USD trade
	assertDecimal(t, "1502.5", buy.Total, "total")
	assertDecimal(t, "1.38", buy.Fee, "fee")
	assert.Equal(t, time.Date(2024, 1, 2, 14, 30, 5, 0, time.UTC), buy.Date)
	assert.Equal(t, models.HashRawLine(buy.RawLine), buy.RawHash)
	assert.Equal(t, "trading212", buy.Broker)

	deposit := txns[1]
	assert.Equal(t, types.ActionDeposit, deposit.Action)
	assert.Equal(t, types.UnknownInstrument, deposit.InstrumentKey)
	assert.Equal(t, "EUR", deposit.Currency)
	assertDecimal(t, "500", deposit.Total, "total")
}

func TestMapRow_Revolut(t *testing.T) {
	text := revolutHeader + "\n" +
		"2024-03-01T10:15:30.123Z,TSLA,BUY - MARKET,2,USD 200.50,USD 401.00,USD,1.08\n" +
		"2024-03-05T10:00:00Z,,CASH TOP-UP,,,\"USD 1,000.00\",USD,1.08\n" +
		"2024-04-02T00:00:00Z,TSLA,DIVIDEND,,,USD 1.20,USD,1.08\n" +
		"2024-06-10T00:00:00Z,TSLA,STOCK SPLIT,,,,USD,1.08\n"

	format, txns, errs := mapAll(t, text, MapperOptions{})
	assert.Equal(t, FormatRevolut, format)
	require.Len(t, txns, 3)
	require.Len(t, errs, 1)

	var rowErr *RowError
	require.True(t, errors.As(errs[0], &rowErr))
	assert.Equal(t, 5, rowErr.Line)
	assert.Contains(t, rowErr.Reason, "split")

	assert.Equal(t, types.ActionBuy, txns[0].Action)
	assert.Equal(t, "TSLA", txns[0].InstrumentKey)
	assertDecimal(t, "200.5", txns[0].Price, "price")
	assertDecimal(t, "401", txns[0].Total, "total")

	assert.Equal(t, types.ActionDeposit, txns[1].Action)
	assertDecimal(t, "1000", txns[1].Total, "deposit")

	assert.Equal(t, types.ActionDividend, txns[2].Action)
	assertDecimal(t, "1.2", txns[2].Total, "dividend")
}

func TestMapRow_IBKR(t *testing.T) {
	text := ibkrHeader + "\n" +
		"MSFT,US5949181045,MICROSOFT CORP,USD,20240102,-3,370.10,-1.00,SELL,1110.30\n" +
		"MSFT,US5949181045,MICROSOFT CORP,USD,20231201,5,350,-1.00,,-1750\n"

	format, txns, errs := mapAll(t, text, MapperOptions{})
	assert.Equal(t, FormatIBKR, format)
	require.Empty(t, errs)
	require.Len(t, txns, 2)

	sell := txns[0]
	assert.Equal(t, types.ActionSell, sell.Action)
	assert.Equal(t, "US5949181045", sell.InstrumentKey)
	assert.Equal(t, "MICROSOFT CORP", sell.DisplayName)
	assertDecimal(t, "3", sell.Quantity, "quantity")
	assertDecimal(t, "1", sell.Fee, "fee")
	assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), sell.Date)

	// no Buy/Sell cell: the positive quantity means a buy
	assert.Equal(t, types.ActionBuy, txns[1].Action)
	assertDecimal(t, "5", txns[1].Quantity, "quantity")
}

func TestMapRow_Degiro(t *testing.T) {
	text := degiroHeader + "\n" +
		"15-01-2024,09:31,APPLE INC,US0378331005,NDQ,XNAS,-5,185.50,USD,-927.50,USD,853.10,EUR,1.0872,-2.00,EUR,851.10,EUR,abc\n"

	format, txns, errs := mapAll(t, text, MapperOptions{DefaultCurrency: "EUR"})
	assert.Equal(t, FormatDegiro, format)
	require.Empty(t, errs)
	require.Len(t, txns, 1)

	sell := txns[0]
	assert.Equal(t, types.ActionSell, sell.Action)
	assert.Equal(t, "APPLE INC", sell.DisplayName)
	assert.Equal(t, "USD", sell.Currency)
	assertDecimal(t, "5", sell.Quantity, "quantity")
	assertDecimal(t, "185.5", sell.Price, "price")
	assertDecimal(t, "927.5", sell.Total, "total")
	// 2 EUR at 1.0872 USD per EUR
	assertDecimal(t, "2.1744", sell.Fee, "fee")
	assert.Equal(t, time.Date(2024, 1, 15, 9, 31, 0, 0, time.UTC), sell.Date)
}

func TestMapRow_XTB(t *testing.T) {
	text := xtbHeader + "\n" +
		"AAPL.US;BUY;10;02.01.2024 15:30:01;150,25;-1,50\n" +
		"AAPL.US;Prodej;4;05.02.2024 10:00:00;160;0\n"

	format, txns, errs := mapAll(t, text, MapperOptions{DefaultCurrency: "USD"})
	assert.Equal(t, FormatXTB, format)
	require.Empty(t, errs)
	require.Len(t, txns, 2)

	assert.Equal(t, "AAPL.US", txns[0].InstrumentKey)
	assert.Equal(t, "USD", txns[0].Currency)
	assertDecimal(t, "1502.5", txns[0].Total, "total")
	assertDecimal(t, "1.5", txns[0].Fee, "fee")
	assert.Equal(t, types.ActionSell, txns[1].Action)
}

func TestMapRow_XTBCashOperationComment(t *testing.T) {
	table := decode(t, "ID,Type,Time,Symbol,Comment,Amount\n"+
		"501,Stocks/ETF purchase,02.01.2024 15:30:01,AAPL.US,OPEN BUY 10 @ 150.25,-1502.50\n")

	mapper, err := NewMapper(FormatXTB, table.Header, MapperOptions{DefaultCurrency: "USD"})
	require.NoError(t, err)
	txn, err := mapper.MapRow(table.Rows[0])
	require.NoError(t, err)

	assert.Equal(t, types.ActionBuy, txn.Action)
	assertDecimal(t, "10", txn.Quantity, "quantity")
	assertDecimal(t, "150.25", txn.Price, "price")
	assertDecimal(t, "1502.5", txn.Total, "total")
}

func TestMapRow_GenericCzech(t *testing.T) {
	text := czechHeader + "\n" +
		"15.01.2024;ČEZ;Nákup;10;1 050,50;;CZK\n" +
		"16.01.2024;ČEZ;Prodej;;1 050,50;10 505;CZK\n" +
		"17.01.2024;;Nákup;;;;CZK\n" +
		"18.01.2024;ČEZ;Nákup;1;2;;XYZ\n"

	format, txns, errs := mapAll(t, text, MapperOptions{DefaultCurrency: "CZK"})
	assert.Equal(t, FormatGeneric, format)
	require.Len(t, txns, 2)
	require.Len(t, errs, 2)

	assert.Equal(t, "ČEZ", txns[0].InstrumentKey)
	assertDecimal(t, "10505", txns[0].Total, "total")

	// the quantity is completed from total and price
	sell := txns[1]
	assert.Equal(t, types.ActionSell, sell.Action)
	assertDecimal(t, "10", sell.Quantity, "quantity")

	for _, err := range errs {
		assert.ErrorIs(t, err, apperrors.ErrUnparseableRow)
	}
	assert.Contains(t, errs[1].Error(), "currency")
}

func TestMapRow_GenericHeaderless(t *testing.T) {
	table := decode(t, "2024-01-02,AAPL,BUY,10,150.25,USD\n2024-01-05,MSFT,SELL,2,$400\n2024-01-06,AAPL,BUY\n")
	require.True(t, HeaderIsData(table.Header))

	mapper, err := NewMapper(FormatGeneric, nil, MapperOptions{DefaultCurrency: "EUR"})
	require.NoError(t, err)

	rows := append([]tabular.Row{{Line: 1, Raw: tabular.RenderCSV(table.Header), Cells: table.Header}}, table.Rows...)

	first, err := mapper.MapRow(rows[0])
	require.NoError(t, err)
	assert.Equal(t, types.ActionBuy, first.Action)
	assert.Equal(t, "AAPL", first.InstrumentKey)
	assert.Equal(t, "USD", first.Currency)
	assertDecimal(t, "10", first.Quantity, "quantity")
	assertDecimal(t, "150.25", first.Price, "price")
	assert.Equal(t, "generic", first.Broker)

	second, err := mapper.MapRow(rows[1])
	require.NoError(t, err)
	assert.Equal(t, types.ActionSell, second.Action)
	assert.Equal(t, "USD", second.Currency)
	assertDecimal(t, "400", second.Price, "price")

	// no numbers at all: never defaulted to a made-up price or quantity
	_, err = mapper.MapRow(rows[2])
	assert.ErrorIs(t, err, apperrors.ErrUnparseableRow)
}

func TestMapRow_HeaderlessTickerThatReadsAsAction(t *testing.T) {
	mapper, err := NewMapper(FormatGeneric, nil, MapperOptions{DefaultCurrency: "CZK"})
	require.NoError(t, err)

	txn, err := mapper.MapRow(tabular.Row{Line: 1, Raw: "2024-01-02,DAN,10,20.5", Cells: []string{"2024-01-02", "DAN", "10", "20.5"}})
	require.NoError(t, err)
	assert.Equal(t, types.ActionBuy, txn.Action)
	assert.Equal(t, "DAN", txn.InstrumentKey)
	assertDecimal(t, "10", txn.Quantity, "quantity")
	assertDecimal(t, "20.5", txn.Price, "price")

	// with an instrument already named, the same word is the action
	txn, err = mapper.MapRow(tabular.Row{Line: 2, Raw: "2024-01-03,TAX,ERSTE,1,12", Cells: []string{"2024-01-03", "TAX", "ERSTE", "1", "12"}})
	require.NoError(t, err)
	assert.Equal(t, types.ActionFee, txn.Action)
	assert.Equal(t, "ERSTE", txn.InstrumentKey)
}

func TestMapRow_TradeWithoutInstrument(t *testing.T) {
	text := "Date,Symbol,Action,Quantity,Price,Total,Currency\n" +
		"2024-01-02,AAPL,Buy,10,100,1000,USD\n" +
		"2024-01-03,,Buy,5,50,250,USD\n" +
		"2024-01-04,,Deposit,,,500,USD\n"

	_, txns, errs := mapAll(t, text, MapperOptions{DefaultCurrency: "USD"})
	require.Len(t, txns, 2)
	require.Len(t, errs, 1)

	var rowErr *RowError
	require.True(t, errors.As(errs[0], &rowErr))
	assert.Equal(t, 3, rowErr.Line)
	assert.Equal(t, apperrors.CodeUnparseableRow, rowErr.Code)
	assert.Contains(t, rowErr.Reason, "instrument")

	// cash rows still need no instrument
	assert.Equal(t, types.ActionDeposit, txns[1].Action)
	assert.Equal(t, types.UnknownInstrument, txns[1].InstrumentKey)
}

func TestMapRow_LongSecurityName(t *testing.T) {
	name := "VANGUARD FTSE ALL-WORLD HIGH DIVIDEND YIELD UCITS ETF USD DISTRIBUTING"
	text := "Date,Security,Action,Quantity,Price,Currency\n2024-01-02," + name + ",Buy,3,60,USD\n"

	_, txns, errs := mapAll(t, text, MapperOptions{DefaultCurrency: "USD"})
	require.Empty(t, errs)
	require.Len(t, txns, 1)
	assert.Equal(t, name, txns[0].InstrumentKey)
	assert.Greater(t, len(txns[0].InstrumentKey), 64)
}

func TestMapRow_SplitWithRatio(t *testing.T) {
	table := decode(t, "Date,Symbol,Type,Quantity,Ratio\n2024-06-10,NVDA,Split,,10:1\n")
	mapper, err := NewMapper(Classify(table.Header, nil), table.Header, MapperOptions{DefaultCurrency: "USD"})
	require.NoError(t, err)

	txn, err := mapper.MapRow(table.Rows[0])
	require.NoError(t, err)
	assert.Equal(t, types.ActionSplit, txn.Action)
	assert.Equal(t, "NVDA", txn.InstrumentKey)
	assertDecimal(t, "10", txn.Quantity, "factor")
}

func TestParseActionWord(t *testing.T) {
	tests := map[string]types.Action{
		"Market buy":          types.ActionBuy,
		"SELL - LIMIT":        types.ActionSell,
		"Nákup":               types.ActionBuy,
		"prodej":              types.ActionSell,
		"Vklad":               types.ActionDeposit,
		"Výběr":               types.ActionWithdrawal,
		"Dividenda":           types.ActionDividend,
		"Poplatek":            types.ActionFee,
		"CASH TOP-UP":         types.ActionDeposit,
		"CUSTODY FEE":         types.ActionFee,
		"Stocks/ETF sale":     types.ActionSell,
		"Dividend (Ordinary)": types.ActionDividend,
		"STOCK SPLIT":         types.ActionSplit,
		"Interest on cash":    types.ActionDividend,
	}
	for in, want := range tests {
		got, ok := ParseActionWord(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	_, ok := ParseActionWord("Currency conversion")
	assert.False(t, ok)
}

func TestFold(t *testing.T) {
	assert.Equal(t, "pocet kusu", Fold("  Počet   Kusů "))
	assert.Equal(t, "smenny kurz", Fold("Směnný kurz"))
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in   string
		want time.Time
	}{
		{"2024-01-15", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"15.01.2024", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"15. 1. 2024", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
		{"20240115;093015", time.Date(2024, 1, 15, 9, 30, 15, 0, time.UTC)},
		{"05/02/2024", time.Date(2024, 2, 5, 0, 0, 0, 0, time.UTC)},
		{"02/15/2024", time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)},
		{"45306", time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		got, ok := parseDate(tt.in, true)
		if assert.True(t, ok, tt.in) {
			assert.True(t, tt.want.Equal(got), "%s: got %s", tt.in, got)
		}
	}
	_, ok := parseDate("45306", false)
	assert.False(t, ok)
}
