package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/trade-ledger/internal/errors"
	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/storage"
	"github.com/trade-ledger/internal/types"
	"github.com/trade-ledger/internal/valuation"
)

const tradesHeader = "Date,Ticker,Action,Quantity,Price,Total,Currency"

type fixture struct {
	store     *storage.SQLiteLedger
	cache     *storage.CacheService
	redis     *miniredis.Miniredis
	ledger    *LedgerService
	portfolio *PortfolioService
	imports   *ImportService
	history   *memoryHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	cache := storage.NewCacheService(storage.NewRedisCacheFromClient(client), time.Hour)

	cfg := MarketDataConfig{LocalTTL: time.Millisecond}
	history := &memoryHistory{}
	ledgerService := NewLedgerService(store, cache)
	portfolio := NewPortfolioService(PortfolioDeps{
		Store:        store,
		Valuer:       valuation.NewService(4),
		Prices:       NewPriceResolver(store, cache, cfg),
		Fx:           NewFxResolver(store, cache, nil, cfg),
		Cache:        cache,
		History:      history,
		BaseCurrency: "USD",
	})
	return &fixture{
		store:     store,
		cache:     cache,
		redis:     mr,
		ledger:    ledgerService,
		portfolio: portfolio,
		imports:   NewImportService(ledgerService, portfolio, 100),
		history:   history,
	}
}

func rows(lines ...string) []ImportRow {
	out := make([]ImportRow, 0, len(lines)+1)
	for _, l := range append([]string{tradesHeader}, lines...) {
		out = append(out, ImportRow{Raw: l, Cols: splitComma(l)})
	}
	return out
}

func splitComma(s string) []string {
	var cells []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			cells = append(cells, s[start:i])
			start = i + 1
		}
	}
	return append(cells, s[start:])
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type memoryHistory struct {
	mu        sync.Mutex
	snapshots []*models.ValuationSnapshot
}

func (m *memoryHistory) Insert(_ context.Context, snapshots ...*models.ValuationSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots = append(m.snapshots, snapshots...)
	return nil
}

func (m *memoryHistory) List(_ context.Context, userID string, from, to time.Time) ([]*models.ValuationSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.ValuationSnapshot
	for _, s := range m.snapshots {
		if s.UserID == userID && !s.AsOf.Before(from) && !s.AsOf.After(to) {
			out = append(out, s)
		}
	}
	return out, nil
}

func TestImport_IdempotentReimport(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	in := &ImportInput{
		UserID:       "alice",
		BaseCurrency: "USD",
		Rows: rows(
			"2024-01-01,,Deposit,,,3000,USD",
			"2024-01-02,AAPL,Buy,10,150,,USD",
			"2024-01-03,AAPL,Buy,5,170,,USD",
		),
	}

	first, err := f.imports.Import(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 3, first.Received)
	assert.Equal(t, 3, first.Added)
	assert.Equal(t, 0, first.Deduped)
	require.Len(t, first.Positions, 1)

	second, err := f.imports.Import(ctx, in)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Added)
	assert.Equal(t, 3, second.Deduped)

	positions, err := f.store.ListPositions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	p := positions[0]
	assert.Equal(t, "AAPL", p.InstrumentKey)
	assert.True(t, p.Quantity.Equal(d("15")))
	assert.True(t, p.TotalCost.Equal(d("2350")))
	assert.Equal(t, "156.67", p.AvgCost.Round(2).String())
}

func TestImport_FIFOSellAndPruning(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.imports.Import(ctx, &ImportInput{UserID: "alice", Rows: rows(
		"2024-01-02,AAPL,Buy,10,150,,USD",
		"2024-01-03,AAPL,Buy,5,170,,USD",
		"2024-01-04,AAPL,Sell,12,200,,USD",
		"2024-01-05,MSFT,Buy,1,400,,USD",
		"2024-01-06,MSFT,Sell,1,410,,USD",
	)})
	require.NoError(t, err)

	positions, err := f.store.ListPositions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, positions, 1, "closed MSFT must not be listed")
	assert.True(t, positions[0].Quantity.Equal(d("3")))
	assert.True(t, positions[0].TotalCost.Equal(d("510")))
	assert.True(t, positions[0].RealizedPnL.Equal(d("560")))

	// the closed position's history stays queryable
	msft, err := f.store.ListTransactions(ctx, "alice", models.TransactionFilter{InstrumentKey: "MSFT"})
	require.NoError(t, err)
	assert.Len(t, msft, 2)
}

func TestImport_MalformedRowsAreCountedNotInserted(t *testing.T) {
	f := newFixture(t)
	res, err := f.imports.Import(context.Background(), &ImportInput{UserID: "alice", Rows: rows(
		"2024-01-02,AAPL,Buy,10,150,,USD",
		"2024-01-03,AAPL,Buy,,,,USD",
		"not a date,AAPL,Buy,1,1,,USD",
		",,,,,,",
	)})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Received)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 2, res.Malformed)
	require.Len(t, res.RowErrors, 2)
	assert.Equal(t, 3, res.RowErrors[0].Line)
}

func TestImport_TradeWithoutInstrumentIsMalformed(t *testing.T) {
	f := newFixture(t)
	res, err := f.imports.Import(context.Background(), &ImportInput{UserID: "alice", Rows: rows(
		"2024-01-02,AAPL,Buy,10,100,1000,USD",
		"2024-01-03,,Buy,5,50,250,USD",
	)})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Added)
	assert.Equal(t, 1, res.Malformed)
	require.Len(t, res.RowErrors, 1)
	assert.Equal(t, apperrors.CodeUnparseableRow, res.RowErrors[0].Code)

	positions, err := f.store.ListPositions(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, "AAPL", positions[0].InstrumentKey)
}

func TestImport_SameInstrumentInTwoCurrencies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.imports.Import(ctx, &ImportInput{UserID: "alice", Rows: rows(
		"2024-01-02,AAPL,Buy,10,100,,USD",
	)})
	require.NoError(t, err)
	assert.Equal(t, 1, first.Added)

	second, err := f.imports.Import(ctx, &ImportInput{UserID: "alice", Rows: rows(
		"2024-01-03,MSFT,Buy,2,400,,USD",
		"2024-01-04,AAPL,Buy,3,90,,EUR",
	)})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Added)
	assert.Zero(t, second.Malformed)

	positions, err := f.store.ListPositions(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, positions, 3)
	assert.Equal(t, "AAPL", positions[0].InstrumentKey)
	assert.Equal(t, "EUR", positions[0].Currency)
	assert.True(t, positions[0].Quantity.Equal(d("3")))
	assert.Equal(t, "AAPL", positions[1].InstrumentKey)
	assert.Equal(t, "USD", positions[1].Currency)
	assert.True(t, positions[1].Quantity.Equal(d("10")))
	assert.Equal(t, "MSFT", positions[2].InstrumentKey)

	// later recomputes keep working
	_, err = f.ledger.Recompute(ctx, "alice")
	assert.NoError(t, err)
}

func TestImport_OversellIsReported(t *testing.T) {
	f := newFixture(t)
	res, err := f.imports.Import(context.Background(), &ImportInput{UserID: "alice", Rows: rows(
		"2024-01-02,AAPL,Buy,2,100,,USD",
		"2024-01-03,AAPL,Sell,5,110,,USD",
	)})
	require.NoError(t, err)
	assert.Empty(t, res.Positions)
	require.Len(t, res.Oversells, 1)
	assert.True(t, res.Oversells[0].Unfilled.Equal(d("3")))
}

func TestImport_OverridesAndDebug(t *testing.T) {
	f := newFixture(t)
	res, err := f.imports.Import(context.Background(), &ImportInput{
		UserID:         "alice",
		BaseCurrency:   "EUR",
		PriceOverrides: map[string]decimal.Decimal{"aapl": d("200")},
		FxOverrides:    map[string]decimal.Decimal{"USD": d("0.9")},
		Rows: rows(
			"2024-01-02,AAPL,Buy,3,150,,USD",
			"2024-01-02,MSFT,Buy,1,60,,USD",
		),
	})
	require.NoError(t, err)
	assert.Equal(t, "EUR", res.BaseCurrency)
	require.Len(t, res.Positions, 2)

	aapl := res.Positions[0]
	assert.True(t, aapl.Priced)
	assert.Equal(t, models.FxSourceOverride, aapl.FxSource)
	assert.True(t, aapl.MarketValueBase.Equal(d("540")), "got %s", aapl.MarketValueBase)

	msft := res.Positions[1]
	assert.False(t, msft.Priced, "no price for MSFT, valued at cost")
	assert.True(t, msft.MarketValueBase.Equal(d("54")))

	require.Len(t, res.Debug, 2)
	assert.Equal(t, "AAPL", res.Debug[0].Key)
	assert.Equal(t, "200", res.Debug[0].LastPrice.String())
	assert.Equal(t, "90.91", res.Debug[0].Percent.String())
}

func TestImport_HeaderlessRows(t *testing.T) {
	f := newFixture(t)
	res, err := f.imports.Import(context.Background(), &ImportInput{UserID: "alice", Rows: []ImportRow{
		{Cols: []string{"2024-01-02", "AAPL", "BUY", "10", "150.25", "USD"}},
		{Cols: []string{"2024-01-05", "AAPL", "SELL", "2", "160", "USD"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, "generic", string(res.Format))
	assert.Equal(t, 2, res.Received)
	assert.Equal(t, 2, res.Added)
	require.Len(t, res.Positions, 1)
	assert.True(t, res.Positions[0].Quantity.Equal(d("8")))
}

func TestImport_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.imports.Import(ctx, &ImportInput{UserID: "alice", Rows: []ImportRow{{Cols: []string{"foo"}}, {Cols: []string{"bar"}}}})
	assert.ErrorIs(t, err, apperrors.ErrUnrecognizedFormat)
	assert.Equal(t, 400, apperrors.GetHTTPStatusCode(err))

	_, err = f.imports.Import(ctx, &ImportInput{UserID: "", Rows: rows("2024-01-02,AAPL,Buy,1,1,,USD")})
	assert.Equal(t, 401, apperrors.GetHTTPStatusCode(err))

	_, err = f.imports.Import(ctx, &ImportInput{UserID: "alice", BaseCurrency: "XXXX", Rows: rows("2024-01-02,AAPL,Buy,1,1,,USD")})
	assert.Equal(t, 400, apperrors.GetHTTPStatusCode(err))

	small := NewImportService(f.ledger, f.portfolio, 1)
	_, err = small.Import(ctx, &ImportInput{UserID: "alice", Rows: rows(
		"2024-01-02,AAPL,Buy,1,1,,USD",
		"2024-01-03,AAPL,Buy,1,1,,USD",
	)})
	assert.Equal(t, 413, apperrors.GetHTTPStatusCode(err))

	txns, err := f.store.ListTransactions(ctx, "alice", models.TransactionFilter{})
	require.NoError(t, err)
	assert.Empty(t, txns, "rejected imports must not write")
}

func TestImport_ConcurrentSameUser(t *testing.T) {
	f := newFixture(t)
	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.imports.Import(context.Background(), &ImportInput{UserID: "alice", Rows: rows(
				fmt.Sprintf("2024-01-%02d,AAPL,Buy,1,100,,USD", i+1),
			)})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	positions, err := f.store.ListPositions(context.Background(), "alice")
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.True(t, positions[0].Quantity.Equal(d("6")), "every committed import is reflected, got %s", positions[0].Quantity)
}

func TestRecompute_CorruptRowSurfaces(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bad := &models.Transaction{
		ID: uuid.NewString(), UserID: "alice", Broker: "generic", RawLine: "bad", RawHash: models.HashRawLine("bad"),
		Action: types.ActionBuy, InstrumentKey: "AAPL", Quantity: d("1"), Price: d("-5"), Fee: decimal.Zero,
		Total: decimal.Zero, Currency: "USD", Date: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	err := f.store.RunLocked(ctx, "alice", func(ctx context.Context, tx storage.LedgerTx) error {
		_, err := tx.InsertTransactions(ctx, []*models.Transaction{bad})
		return err
	})
	require.NoError(t, err)

	_, err = f.ledger.Recompute(ctx, "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrRecomputeFailed)
	assert.Equal(t, 422, apperrors.GetHTTPStatusCode(err))

	// other users are unaffected
	_, err = f.ledger.Recompute(ctx, "bob")
	assert.NoError(t, err)
}

func TestOverview_MetricsAndCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	buyDay := time.Now().UTC().AddDate(0, 0, -30)

	_, err := f.imports.Import(ctx, &ImportInput{UserID: "alice", Rows: rows(
		buyDay.Format("2006-01-02") + ",AAPL,Buy,10,100,,USD",
	)})
	require.NoError(t, err)
	require.NoError(t, f.portfolio.prices.(*PriceResolver).SetPrices(ctx, []models.PriceMark{
		{InstrumentKey: "AAPL", Date: time.Now().UTC(), Price: d("110"), Currency: "USD", Source: "manual"},
	}))

	ov, err := f.portfolio.Overview(ctx, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, "USD", ov.BaseCurrency)
	assert.Equal(t, "1100", ov.EquityBase.String())
	assert.Equal(t, "1000", ov.CostBase.String())
	assert.Equal(t, "100", ov.UnrealizedBase.String())
	assert.InDelta(t, 0.1, ov.TWR, 1e-9)
	assert.Greater(t, ov.XIRR, 0.1)
	assert.Equal(t, 1, ov.PricedPositions)
	require.Len(t, ov.Allocations.ByInstrument, 1)
	assert.Equal(t, "100", ov.Allocations.ByInstrument[0].Percent.String())
	assert.Len(t, f.history.snapshots, 1)

	key := f.cache.GenerateOverviewKey("alice", "USD", time.Now().UTC())
	assert.True(t, f.redis.Exists(key))

	// a cached overview is served without recording a new snapshot
	_, err = f.portfolio.Overview(ctx, "alice", "USD")
	require.NoError(t, err)
	assert.Len(t, f.history.snapshots, 1)

	_, err = f.imports.Import(ctx, &ImportInput{UserID: "alice", Rows: rows(
		buyDay.Format("2006-01-02") + ",MSFT,Buy,1,50,,USD",
	)})
	require.NoError(t, err)
	assert.False(t, f.redis.Exists(key), "an import invalidates the overview")
}

func TestOverview_NoFlows(t *testing.T) {
	f := newFixture(t)
	ov, err := f.portfolio.Overview(context.Background(), "nobody", "EUR")
	require.NoError(t, err)
	assert.True(t, ov.EquityBase.IsZero())
	assert.Zero(t, ov.TWR)
	assert.Zero(t, ov.XIRR)
}

func TestPositions_CurrencyIdentity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.imports.Import(ctx, &ImportInput{UserID: "alice", Rows: rows("2024-01-02,AAPL,Buy,2,100,,USD")})
	require.NoError(t, err)

	res, err := f.portfolio.Positions(ctx, "alice", "usd")
	require.NoError(t, err)
	require.Len(t, res.Positions, 1)
	v := res.Positions[0]
	assert.Equal(t, models.FxSourceIdentity, v.FxSource)
	assert.True(t, v.FxRate.Equal(decimal.NewFromInt(1)))
	assert.True(t, v.MarketValueBase.Equal(d("200")))
}

func TestHistoricalValuer_SweepsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	day := func(n int) time.Time { return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC) }
	trade := func(action types.Action, key, qty, price string, date time.Time, seq int64) *models.Transaction {
		return &models.Transaction{
			ID: uuid.NewString(), Seq: seq, UserID: "alice", Action: action, InstrumentKey: key,
			Quantity: d(qty), Price: d(price), Fee: decimal.Zero, Currency: "USD", Date: date,
		}
	}
	txns := []*models.Transaction{
		trade(types.ActionSell, "AAPL", "4", "120", day(5), 2),
		trade(types.ActionBuy, "AAPL", "10", "100", day(2), 1),
		trade(types.ActionBuy, "MSFT", "1", "400", day(5), 3),
	}

	valuer := newHistoricalValuer("alice", txns, "USD", f.portfolio)
	tests := []struct {
		date time.Time
		want string
	}{
		{day(1), "0"},
		{day(3), "1000"},
		{day(5), "1120"}, // 6 AAPL at the 120 sell plus 1 MSFT at 400
		{day(9), "1120"},
		{day(3), "1000"}, // an earlier date restarts the sweep
	}
	for _, tt := range tests {
		got, err := valuer.ValueAt(ctx, tt.date)
		require.NoError(t, err)
		assert.True(t, got.Equal(d(tt.want)), "%s: got %s, want %s", tt.date.Format("2006-01-02"), got, tt.want)
	}
}

func TestHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.portfolio.Overview(ctx, "alice", "USD")
	require.NoError(t, err)

	snaps, err := f.portfolio.History(ctx, "alice", time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Len(t, snaps, 1)

	_, err = f.portfolio.History(ctx, "alice", time.Now(), time.Now().AddDate(0, 0, -1))
	assert.Equal(t, 400, apperrors.GetHTTPStatusCode(err))

	noHistory := NewPortfolioService(PortfolioDeps{Store: f.store, Valuer: valuation.NewService(1)})
	_, err = noHistory.History(ctx, "alice", time.Time{}, time.Time{})
	assert.Equal(t, 503, apperrors.GetHTTPStatusCode(err))
}
