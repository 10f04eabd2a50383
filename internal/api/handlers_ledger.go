package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"

	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/types"
)

const dateLayout = "2006-01-02"

// requireUser reads the caller identity or writes a 401
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		respondError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "User ID required", nil)
		return "", false
	}
	return userID, true
}

// parseDateParam accepts YYYY-MM-DD or RFC 3339; empty yields the zero time
func parseDateParam(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(dateLayout, value); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, value)
}

// handlePositions handles GET /api/positions?base=
func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	result, err := s.portfolio.Positions(r.Context(), userID, r.URL.Query().Get("base"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// handleOverview handles GET /api/overview?base=
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	overview, err := s.portfolio.Overview(r.Context(), userID, r.URL.Query().Get("base"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, overview)
}

// handleTransactions handles GET /api/transactions?instrument=&action=&from=&to=
func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	query := r.URL.Query()
	filter := models.TransactionFilter{
		InstrumentKey: strings.ToUpper(strings.TrimSpace(query.Get("instrument"))),
	}
	if a := query.Get("action"); a != "" {
		action, ok := types.ParseAction(a)
		if !ok {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid action", map[string]interface{}{"action": a})
			return
		}
		filter.Action = action
	}
	for name, dst := range map[string]**time.Time{"from": &filter.From, "to": &filter.To} {
		t, err := parseDateParam(query.Get(name))
		if err != nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid "+name+" date", nil)
			return
		}
		if !t.IsZero() {
			*dst = &t
		}
	}

	txns, err := s.transactions.ListTransactions(r.Context(), userID, filter)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if txns == nil {
		txns = []*models.Transaction{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txns,
		"count":        len(txns),
	})
}

// handleRecompute handles POST /api/ledger/recompute
func (s *Server) handleRecompute(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	result, err := s.ledger.Recompute(r.Context(), userID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	positions := result.Positions
	if positions == nil {
		positions = []*models.Position{}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"oversells": result.Oversells,
		"realized":  result.Realized,
	})
}

// handleHistory handles GET /api/history?from=&to=
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUser(w, r)
	if !ok {
		return
	}

	from, err := parseDateParam(r.URL.Query().Get("from"))
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid from date", nil)
		return
	}
	to, err := parseDateParam(r.URL.Query().Get("to"))
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid to date", nil)
		return
	}
	if !to.IsZero() && len(r.URL.Query().Get("to")) == len(dateLayout) {
		// a bare date includes the whole day
		to = to.AddDate(0, 0, 1).Add(-time.Nanosecond)
	}

	snapshots, err := s.portfolio.History(r.Context(), userID, from, to)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	if snapshots == nil {
		snapshots = []*models.ValuationSnapshot{}
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"snapshots": snapshots,
	})
}

// priceMarkRequest is one manual price in PUT /api/prices
type priceMarkRequest struct {
	InstrumentKey string          `json:"instrumentKey"`
	Date          string          `json:"date"`
	Price         decimal.Decimal `json:"price"`
	Currency      string          `json:"currency"`
	Source        string          `json:"source"`
}

// handleSetPrices handles PUT /api/prices
func (s *Server) handleSetPrices(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUser(w, r); !ok {
		return
	}
	if s.prices == nil {
		respondError(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Price marks are not enabled", nil)
		return
	}

	var req struct {
		Prices []priceMarkRequest `json:"prices"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", map[string]interface{}{"reason": err.Error()})
		return
	}
	if len(req.Prices) == 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "No prices given", nil)
		return
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	marks := make([]models.PriceMark, 0, len(req.Prices))
	for i, p := range req.Prices {
		mark, reason := p.toMark(today)
		if reason != "" {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, reason, map[string]interface{}{"index": i})
			return
		}
		marks = append(marks, mark)
	}

	if err := s.prices.SetPrices(r.Context(), marks); err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"stored": len(marks)})
}

func (p priceMarkRequest) toMark(today time.Time) (models.PriceMark, string) {
	key := strings.ToUpper(strings.TrimSpace(p.InstrumentKey))
	if key == "" {
		return models.PriceMark{}, "instrumentKey is required"
	}
	if !p.Price.IsPositive() {
		return models.PriceMark{}, "price must be positive"
	}
	currency := strings.ToUpper(strings.TrimSpace(p.Currency))
	if money.GetCurrency(currency) == nil {
		return models.PriceMark{}, "unknown currency " + p.Currency
	}
	date := today
	if p.Date != "" {
		d, err := time.Parse(dateLayout, p.Date)
		if err != nil {
			return models.PriceMark{}, "date must be YYYY-MM-DD"
		}
		date = d
	}
	source := p.Source
	if source == "" {
		source = "manual"
	}
	return models.PriceMark{InstrumentKey: key, Date: date, Price: p.Price, Currency: currency, Source: source}, ""
}
