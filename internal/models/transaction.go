package models

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/shopspring/decimal"
	"github.com/trade-ledger/internal/types"
)

// Transaction is one normalized row of a broker export, immutable once stored
type Transaction struct {
	ID            string          `json:"id" db:"id"`
	Seq           int64           `json:"seq" db:"seq"` // insertion order, tie-break for equal dates
	UserID        string          `json:"userId" db:"user_id"`
	Broker        string          `json:"broker" db:"broker"`
	RawHash       string          `json:"rawHash" db:"raw_hash"`
	RawLine       string          `json:"rawLine" db:"raw_line"`
	Action        types.Action    `json:"action" db:"action"`
	InstrumentKey string          `json:"instrumentKey" db:"instrument_key"`
	DisplayName   string          `json:"displayName" db:"display_name"`
	Quantity      decimal.Decimal `json:"quantity" db:"quantity"` // magnitude; split factor for Split
	Price         decimal.Decimal `json:"price" db:"price"`
	Fee           decimal.Decimal `json:"fee" db:"fee"`
	Total         decimal.Decimal `json:"total" db:"total"` // gross amount; the only amount of cash actions
	Currency      string          `json:"currency" db:"currency"`
	Date          time.Time       `json:"date" db:"trade_date"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
}

// HashRawLine returns the dedup hash of a raw source line
func HashRawLine(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// Gross returns quantity*price, or the recorded total when no price is known
func (t *Transaction) Gross() decimal.Decimal {
	if t.Price.IsZero() && !t.Total.IsZero() {
		return t.Total
	}
	return t.Quantity.Mul(t.Price)
}

// TransactionFilter narrows a transaction listing
type TransactionFilter struct {
	InstrumentKey string
	Action        types.Action
	From          *time.Time
	To            *time.Time
}
