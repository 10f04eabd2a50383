package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/trade-ledger/internal/broker"
	apperrors "github.com/trade-ledger/internal/errors"
	"github.com/trade-ledger/internal/ledger"
	"github.com/trade-ledger/internal/logging"
	"github.com/trade-ledger/internal/metrics"
	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/tabular"
)

// maxReportedRowErrors caps the row errors returned to the caller
const maxReportedRowErrors = 50

// ImportRow is one source row: its raw text and its cells. An empty Raw is
// replaced by the CSV rendering of Cols.
type ImportRow struct {
	Raw  string   `json:"raw"`
	Cols []string `json:"cols"`
}

// ImportInput is a batch of rows for one user. Without Header, the first row
// is the header.
type ImportInput struct {
	UserID         string                     `json:"-"`
	Broker         string                     `json:"broker"`
	Header         []string                   `json:"header,omitempty"`
	Rows           []ImportRow                `json:"rows"`
	BaseCurrency   string                     `json:"baseCurrency"`
	PriceOverrides map[string]decimal.Decimal `json:"priceOverrides,omitempty"`
	FxOverrides    map[string]decimal.Decimal `json:"fxOverrides,omitempty"`
}

// DebugRow explains how one position was valued
type DebugRow struct {
	Key             string          `json:"key"`
	Qty             decimal.Decimal `json:"qty"`
	LastPrice       decimal.Decimal `json:"last_price"`
	Fx              decimal.Decimal `json:"fx"`
	MarketValueBase decimal.Decimal `json:"market_value_base"`
	Percent         decimal.Decimal `json:"percent"`
}

// ImportResult reports what an import did
type ImportResult struct {
	Broker       string                   `json:"broker"`
	Format       broker.Format            `json:"format"`
	Received     int                      `json:"received"`
	Added        int                      `json:"added"`
	Deduped      int                      `json:"deduped"`
	Malformed    int                      `json:"malformed"`
	BaseCurrency string                   `json:"baseCurrency"`
	Positions    []*models.ValuedPosition `json:"positions"`
	Debug        []DebugRow               `json:"debug"`
	RowErrors    []*broker.RowError       `json:"rowErrors"`
	Oversells    []ledger.Oversell        `json:"oversells,omitempty"`
}

// ImportService classifies, normalizes and appends broker exports
type ImportService struct {
	ledger    *LedgerService
	portfolio *PortfolioService
	maxRows   int
	now       func() time.Time
}

// NewImportService creates an import service; maxRows <= 0 disables the limit
func NewImportService(ledgerService *LedgerService, portfolio *PortfolioService, maxRows int) *ImportService {
	return &ImportService{
		ledger:    ledgerService,
		portfolio: portfolio,
		maxRows:   maxRows,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Import appends a JSON batch of rows
func (s *ImportService) Import(ctx context.Context, in *ImportInput) (*ImportResult, error) {
	if in == nil {
		return nil, apperrors.NewInvalidParameterError("body", "missing import")
	}
	header := in.Header
	rows := in.Rows
	if len(header) == 0 {
		if len(rows) == 0 {
			return nil, apperrors.NewInvalidParameterError("rows", "must not be empty")
		}
		header, rows = rows[0].Cols, rows[1:]
	}

	cells := make([][]string, len(rows))
	raws := make([]string, len(rows))
	for i, r := range rows {
		cells[i], raws[i] = r.Cols, r.Raw
	}
	table := tabular.FromCells(header, cells, raws)
	return s.ImportTable(ctx, in, table)
}

// ImportTable appends the rows of a decoded table. Only the identity, broker,
// base currency and overrides of in are used.
func (s *ImportService) ImportTable(ctx context.Context, in *ImportInput, table *tabular.Table) (*ImportResult, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, apperrors.NewUnauthorizedError("missing user id")
	}
	base, err := s.portfolio.ResolveBase(in.BaseCurrency)
	if err != nil {
		return nil, err
	}
	if s.maxRows > 0 && len(table.Rows) > s.maxRows {
		return nil, apperrors.NewImportTooLargeError(len(table.Rows), s.maxRows)
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"user_id": in.UserID,
		"rows":    len(table.Rows),
	})

	format, err := selectFormat(in.Broker, table)
	if err != nil {
		return nil, err
	}

	// a headerless export: its first line is a trade like the others
	header := table.Header
	rows := table.Rows
	if format == broker.FormatGeneric && broker.HeaderIsData(header) {
		headerRow := tabular.Row{Line: 1, Raw: tabular.RenderCSV(header), Cells: header}
		rows = append([]tabular.Row{headerRow}, rows...)
		header = nil
	}

	mapper, err := broker.NewMapper(format, header, broker.MapperOptions{DefaultCurrency: base, Broker: in.Broker})
	if err != nil {
		if errors.Is(err, apperrors.ErrUnrecognizedFormat) {
			return nil, apperrors.NewUnrecognizedFormatError(table.Header)
		}
		return nil, apperrors.NewInternalError("failed to build column mapper", err)
	}

	result := &ImportResult{
		Broker:       in.Broker,
		Format:       format,
		BaseCurrency: base,
		RowErrors:    []*broker.RowError{},
	}
	if result.Broker == "" {
		result.Broker = string(format)
	}

	var txns []*models.Transaction
	for _, row := range rows {
		if blank(row.Cells) {
			continue
		}
		result.Received++
		txn, err := mapper.MapRow(row)
		if err != nil {
			result.Malformed++
			var rowErr *broker.RowError
			if !errors.As(err, &rowErr) {
				rowErr = &broker.RowError{Line: row.Line, Reason: err.Error()}
			}
			if len(result.RowErrors) < maxReportedRowErrors {
				result.RowErrors = append(result.RowErrors, rowErr)
			}
			continue
		}
		txn.UserID = in.UserID
		txns = append(txns, txn)
	}

	appended, err := s.ledger.Append(ctx, in.UserID, txns)
	if err != nil {
		return nil, err
	}
	result.Added = appended.Added
	result.Deduped = appended.Deduped
	result.Oversells = appended.Ledger.Oversells

	// valuation runs on the committed positions, outside the ledger lock
	valued := s.portfolio.Value(ctx, appended.Ledger.Positions, base, s.now(), Overrides{
		Prices: in.PriceOverrides,
		Fx:     in.FxOverrides,
	})
	result.Positions = valued
	result.Debug = debugRows(valued)

	logger.WithFields(map[string]interface{}{
		"format":    format,
		"added":     result.Added,
		"deduped":   result.Deduped,
		"malformed": result.Malformed,
	}).Info("Import completed")
	return result, nil
}

func selectFormat(explicit string, table *tabular.Table) (broker.Format, error) {
	if f, ok := broker.ParseFormat(explicit); ok && f != broker.FormatUnknown {
		return f, nil
	}
	var first []string
	if len(table.Rows) > 0 {
		first = table.Rows[0].Cells
	}
	f := broker.Classify(table.Header, first)
	if f == broker.FormatUnknown {
		return f, apperrors.NewUnrecognizedFormatError(table.Header)
	}
	return f, nil
}

func debugRows(valued []*models.ValuedPosition) []DebugRow {
	equity := decimal.Zero
	for _, v := range valued {
		equity = equity.Add(v.MarketValueBase)
	}
	out := make([]DebugRow, 0, len(valued))
	for _, v := range valued {
		out = append(out, DebugRow{
			Key:             v.InstrumentKey,
			Qty:             v.Quantity,
			LastPrice:       v.EffectivePrice(),
			Fx:              v.FxRate,
			MarketValueBase: v.MarketValueBase,
			Percent:         metrics.Percent(v.MarketValueBase, equity),
		})
	}
	return out
}

func blank(cells []string) bool {
	for _, c := range cells {
		if strings.TrimSpace(c) != "" {
			return false
		}
	}
	return true
}
