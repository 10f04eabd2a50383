package api

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trade-ledger/internal/service"
	"github.com/trade-ledger/internal/storage"
	"github.com/trade-ledger/internal/valuation"
)

// newLedgerServer wires the real services over an in-memory store
func newLedgerServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.NewSQLiteLedger(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := service.MarketDataConfig{LocalTTL: time.Millisecond}
	prices := service.NewPriceResolver(store, nil, cfg)
	ledgerService := service.NewLedgerService(store, nil)
	portfolio := service.NewPortfolioService(service.PortfolioDeps{
		Store:        store,
		Valuer:       valuation.NewService(2),
		Prices:       prices,
		Fx:           service.NewFxResolver(store, nil, nil, cfg),
		BaseCurrency: "USD",
	})

	return NewServer(&ServerConfig{FreeTierRPS: 1000, PaidTierRPS: 1000}, Services{
		Imports:      service.NewImportService(ledgerService, portfolio, 1000),
		Ledger:       ledgerService,
		Portfolio:    portfolio,
		Transactions: store,
		Prices:       prices,
		Stats:        portfolio,
		Checks:       map[string]HealthCheck{"ledger": store.Ping},
	})
}

func do(t *testing.T, s *Server, method, path, userID string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func importBody(t *testing.T, lines ...string) []byte {
	t.Helper()
	rows := make([]map[string]interface{}, 0, len(lines))
	for _, l := range lines {
		rows = append(rows, map[string]interface{}{"raw": l, "cols": strings.Split(l, ",")})
	}
	body, err := json.Marshal(map[string]interface{}{
		"broker":       "generic",
		"baseCurrency": "USD",
		"rows":         rows,
	})
	require.NoError(t, err)
	return body
}

var appleTrades = []string{
	"Date,Ticker,Action,Quantity,Price,Total,Currency",
	"2024-01-02,AAPL,Buy,10,150,1500,USD",
	"2024-01-05,AAPL,Buy,5,170,850,USD",
}

func TestImportThenRead(t *testing.T) {
	s := newLedgerServer(t)

	w := do(t, s, "POST", "/api/imports", "alice", importBody(t, appleTrades...))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result service.ImportResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Received)
	assert.Equal(t, 2, result.Added)
	assert.Equal(t, "USD", result.BaseCurrency)
	require.Len(t, result.Positions, 1)
	assert.True(t, result.Positions[0].Quantity.Equal(decimal.NewFromInt(15)))
	require.Len(t, result.Debug, 1)
	assert.Equal(t, "AAPL", result.Debug[0].Key)

	// replaying the same file changes nothing
	w = do(t, s, "POST", "/api/imports", "alice", importBody(t, appleTrades...))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 0, result.Added)
	assert.Equal(t, 2, result.Deduped)

	w = do(t, s, "GET", "/api/positions", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var positions service.PositionsResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &positions))
	require.Len(t, positions.Positions, 1)
	assert.True(t, positions.Positions[0].TotalCost.Equal(decimal.NewFromInt(2350)))

	// another user sees nothing
	w = do(t, s, "GET", "/api/positions", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &positions))
	assert.Empty(t, positions.Positions)
}

func TestImport_UnrecognizedFormat(t *testing.T) {
	s := newLedgerServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"rows": []map[string]interface{}{
			{"raw": "foo", "cols": []string{"foo"}},
			{"raw": "bar", "cols": []string{"bar"}},
		},
	})
	w := do(t, s, "POST", "/api/imports", "alice", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNRECOGNIZED_FORMAT", decodeError(t, w).Error.Code)
}

func TestImport_InvalidBaseCurrency(t *testing.T) {
	s := newLedgerServer(t)

	body, _ := json.Marshal(map[string]interface{}{
		"baseCurrency": "ZZZ",
		"rows":         []map[string]interface{}{{"raw": "a", "cols": []string{"a"}}},
	})
	w := do(t, s, "POST", "/api/imports", "alice", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_PARAMETER", decodeError(t, w).Error.Code)
}

func TestTransactionsEndpoint(t *testing.T) {
	s := newLedgerServer(t)
	require.Equal(t, http.StatusOK, do(t, s, "POST", "/api/imports", "alice", importBody(t, appleTrades...)).Code)

	var listing struct {
		Count int `json:"count"`
	}
	w := do(t, s, "GET", "/api/transactions?instrument=aapl", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Equal(t, 2, listing.Count)

	w = do(t, s, "GET", "/api/transactions?from=2024-01-03", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Equal(t, 1, listing.Count)

	w = do(t, s, "GET", "/api/transactions?action=sell", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &listing))
	assert.Equal(t, 0, listing.Count)

	w = do(t, s, "GET", "/api/transactions?action=borrow", "alice", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPricesDriveOverview(t *testing.T) {
	s := newLedgerServer(t)
	require.Equal(t, http.StatusOK, do(t, s, "POST", "/api/imports", "alice", importBody(t, appleTrades...)).Code)

	w := do(t, s, "PUT", "/api/prices", "alice", []byte(`{"prices":[{"instrumentKey":"aapl","date":"2024-01-10","price":"200","currency":"USD"}]}`))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, "GET", "/api/overview", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ov service.Overview
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &ov))
	assert.Equal(t, "USD", ov.BaseCurrency)
	assert.True(t, ov.EquityBase.Equal(decimal.NewFromInt(3000)), ov.EquityBase.String())
	assert.True(t, ov.CostBase.Equal(decimal.NewFromInt(2350)))
	assert.Equal(t, 1, ov.PricedPositions)
	require.Len(t, ov.Allocations.ByInstrument, 1)
	assert.True(t, ov.Allocations.ByInstrument[0].Percent.Equal(decimal.NewFromInt(100)))
}

func TestSetPrices_Validation(t *testing.T) {
	s := newLedgerServer(t)

	for _, body := range []string{
		`{"prices":[]}`,
		`{"prices":[{"instrumentKey":"","price":"1","currency":"USD"}]}`,
		`{"prices":[{"instrumentKey":"AAPL","price":"-1","currency":"USD"}]}`,
		`{"prices":[{"instrumentKey":"AAPL","price":"1","currency":"XYZ"}]}`,
		`{"prices":[{"instrumentKey":"AAPL","price":"1","currency":"USD","date":"10/01/2024"}]}`,
	} {
		w := do(t, s, "PUT", "/api/prices", "alice", []byte(body))
		assert.Equal(t, http.StatusBadRequest, w.Code, body)
	}
}

func TestRecomputeEndpoint(t *testing.T) {
	s := newLedgerServer(t)
	require.Equal(t, http.StatusOK, do(t, s, "POST", "/api/imports", "alice", importBody(t, appleTrades...)).Code)

	w := do(t, s, "POST", "/api/ledger/recompute", "alice", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Positions []json.RawMessage `json:"positions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Positions, 1)
}

func TestHistoryWithoutStore(t *testing.T) {
	s := newLedgerServer(t)

	w := do(t, s, "GET", "/api/history?from=2024-01-01&to=2024-02-01", "alice", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestImportFileUpload(t *testing.T) {
	s := newLedgerServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "trades.csv")
	require.NoError(t, err)
	_, err = fw.Write([]byte(strings.Join(appleTrades, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("baseCurrency", "USD"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/imports/file", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", "carol")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var result service.ImportResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, 2, result.Added)
	require.Len(t, result.Positions, 1)
	assert.True(t, result.Positions[0].Quantity.Equal(decimal.NewFromInt(15)))
}

func TestImportFileUpload_MissingFile(t *testing.T) {
	s := newLedgerServer(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("broker", "generic"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/api/imports/file", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-User-ID", "carol")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthWithStore(t *testing.T) {
	s := newLedgerServer(t)

	require.Equal(t, http.StatusOK, do(t, s, "GET", "/api/overview", "alice", nil).Code)

	w := do(t, s, "GET", "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Overview struct {
			Requests int `json:"requests"`
		} `json:"overview"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Overview.Requests)
}
