package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Position is the derived holding of one instrument, rewritten on every recompute
type Position struct {
	UserID        string          `json:"userId" db:"user_id"`
	InstrumentKey string          `json:"instrumentKey" db:"instrument_key"`
	DisplayName   string          `json:"displayName" db:"display_name"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"`
	AvgCost       decimal.Decimal `json:"avgCost" db:"avg_cost"`
	TotalCost     decimal.Decimal `json:"totalCost" db:"total_cost"`
	RealizedPnL   decimal.Decimal `json:"realizedPnl" db:"realized_pnl"`
	Currency      string          `json:"currency" db:"currency"`
	UpdatedAt     time.Time       `json:"updatedAt" db:"updated_at"`
}

// FxSource records where a conversion rate came from
type FxSource string

const (
	FxSourceIdentity FxSource = "identity"
	FxSourceOverride FxSource = "override"
	FxSourceLookup   FxSource = "lookup"
	FxSourceStatic   FxSource = "static"
	FxSourceNone     FxSource = "none"
)

// ValuedPosition is a position enriched with market data in a base currency
type ValuedPosition struct {
	Position
	MarketPrice       *decimal.Decimal `json:"marketPrice"`
	Priced            bool             `json:"priced"`
	PriceSource       string           `json:"priceSource,omitempty"`
	BaseCurrency      string           `json:"baseCurrency"`
	FxRate            decimal.Decimal  `json:"fxRate"`
	FxSource          FxSource         `json:"fxSource"`
	CostBase          decimal.Decimal  `json:"costBase"`
	MarketValueBase   decimal.Decimal  `json:"marketValueBase"`
	UnrealizedPnLBase decimal.Decimal  `json:"unrealizedPnlBase"`
	ValuedAt          time.Time        `json:"valuedAt"`
	// Warnings lists the fallback codes behind a lower-confidence value
	Warnings []string `json:"warnings,omitempty"`
}

// EffectivePrice returns the market price, or average cost when unpriced
func (v *ValuedPosition) EffectivePrice() decimal.Decimal {
	if v.MarketPrice != nil {
		return *v.MarketPrice
	}
	return v.AvgCost
}
