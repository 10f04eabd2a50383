package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// FxRate is the number of quote units per one base unit on a date
type FxRate struct {
	Date   time.Time       `json:"date" db:"rate_date"`
	Base   string          `json:"base" db:"base"`
	Quote  string          `json:"quote" db:"quote"`
	Rate   decimal.Decimal `json:"rate" db:"rate"`
	Source string          `json:"source" db:"source"`
}

// PriceMark is a market price for an instrument on a date
type PriceMark struct {
	InstrumentKey string          `json:"instrumentKey" db:"instrument_key"`
	Date          time.Time       `json:"date" db:"price_date"`
	Price         decimal.Decimal `json:"price" db:"price"`
	Currency      string          `json:"currency" db:"currency"`
	Source        string          `json:"source" db:"source"`
}

// ValuationSnapshot is one recorded overview of a user's portfolio
type ValuationSnapshot struct {
	UserID          string          `json:"userId" ch:"user_id"`
	AsOf            time.Time       `json:"asOf" ch:"as_of"`
	BaseCurrency    string          `json:"baseCurrency" ch:"base_currency"`
	EquityBase      decimal.Decimal `json:"equityBase" ch:"equity_base"`
	TWR             float64         `json:"twr" ch:"twr"`
	XIRR            float64         `json:"xirr" ch:"xirr"`
	Positions       uint32          `json:"positions" ch:"positions"`
	PricedPositions uint32          `json:"pricedPositions" ch:"priced_positions"`
}
