// Package ledger replays a user's transaction log into FIFO positions.
package ledger

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	apperrors "github.com/trade-ledger/internal/errors"
	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/types"
)

// DustThreshold is the largest quantity still treated as a closed position
var DustThreshold = decimal.New(1, -8)

// Oversell records a sell that asked for more than the open lots held.
// The excess is ignored.
type Oversell struct {
	Code          string          `json:"code"`
	TransactionID string          `json:"transactionId"`
	InstrumentKey string          `json:"instrumentKey"`
	Date          time.Time       `json:"date"`
	Requested     decimal.Decimal `json:"requested"`
	Unfilled      decimal.Decimal `json:"unfilled"`
}

// BookKey identifies one FIFO book: an instrument held in one currency. A
// dual-listed instrument bought in two currencies keeps two books.
type BookKey struct {
	InstrumentKey string
	Currency      string
}

func (k BookKey) String() string {
	return k.InstrumentKey + "/" + k.Currency
}

// MarshalText lets BookKey serve as a JSON object key
func (k BookKey) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Result is the outcome of a full replay
type Result struct {
	Positions []*models.Position
	Oversells []Oversell
	// Lots holds the open queue per book, including pruned ones
	Lots map[BookKey]LotQueue
	// Realized holds realized P&L per book, including closed ones
	Realized map[BookKey]decimal.Decimal
}

// Position returns the open position for key in any currency, or nil
func (r *Result) Position(key string) *models.Position {
	for _, p := range r.Positions {
		if p.InstrumentKey == key {
			return p
		}
	}
	return nil
}

// RecomputeError reports a stored transaction the replay cannot apply
type RecomputeError struct {
	UserID        string
	TransactionID string
	Reason        string
}

func (e *RecomputeError) Error() string {
	return fmt.Sprintf("recompute for user %s failed at transaction %s: %s", e.UserID, e.TransactionID, e.Reason)
}

type book struct {
	lots        LotQueue
	realized    decimal.Decimal
	displayName string
}

// Recompute replays txns from scratch. Transactions are applied by date, with
// insertion order breaking ties, so the result depends only on the log.
// Cash actions do not touch positions.
func Recompute(userID string, txns []*models.Transaction, now time.Time) (*Result, error) {
	r := NewReplayer(userID)
	for _, t := range Ordered(txns) {
		if err := r.Apply(t); err != nil {
			return nil, err
		}
	}
	return r.Result(now), nil
}

// Ordered returns a copy of txns in replay order: by date, then by Seq
func Ordered(txns []*models.Transaction) []*models.Transaction {
	ordered := make([]*models.Transaction, len(txns))
	copy(ordered, txns)
	sort.SliceStable(ordered, func(i, j int) bool {
		if !ordered[i].Date.Equal(ordered[j].Date) {
			return ordered[i].Date.Before(ordered[j].Date)
		}
		return ordered[i].Seq < ordered[j].Seq
	})
	return ordered
}

// Replayer applies transactions one at a time. Callers feed them in replay
// order and may take a Result between any two of them.
type Replayer struct {
	userID    string
	books     map[BookKey]*book
	order     []BookKey
	oversells []Oversell
}

// NewReplayer starts an empty book set for userID
func NewReplayer(userID string) *Replayer {
	return &Replayer{userID: userID, books: make(map[BookKey]*book)}
}

func (r *Replayer) book(key BookKey) *book {
	b, ok := r.books[key]
	if !ok {
		b = &book{realized: decimal.Zero}
		r.books[key] = b
		r.order = append(r.order, key)
	}
	return b
}

// Apply folds one transaction into the books. Cash actions are ignored.
func (r *Replayer) Apply(t *models.Transaction) error {
	if !t.Action.IsTrade() {
		return nil
	}
	if err := validate(r.userID, t); err != nil {
		return err
	}

	if t.Action == types.ActionSplit {
		// a split changes the instrument, whatever currency it was bought in
		for _, key := range r.order {
			if key.InstrumentKey == t.InstrumentKey {
				b := r.books[key]
				b.lots = b.lots.Split(t.Quantity)
			}
		}
		return nil
	}

	b := r.book(BookKey{InstrumentKey: t.InstrumentKey, Currency: t.Currency})
	if t.DisplayName != "" {
		b.displayName = t.DisplayName
	}

	switch t.Action {
	case types.ActionBuy:
		cost := t.Quantity.Mul(t.Price).Add(t.Fee)
		b.lots = b.lots.PushBack(Lot{Quantity: t.Quantity, Cost: cost, AcquiredDate: t.Date})

	case types.ActionSell:
		var c Consumption
		b.lots, c = b.lots.Consume(t.Quantity)
		if c.Quantity.IsPositive() {
			// the fee is spread over the whole requested quantity
			net := t.Quantity.Mul(t.Price).Sub(t.Fee)
			proceeds := net.Mul(c.Quantity).Div(t.Quantity)
			b.realized = b.realized.Add(proceeds.Sub(c.ReleasedCost))
		}
		if c.Unfilled.IsPositive() {
			r.oversells = append(r.oversells, Oversell{
				Code:          apperrors.CodeOversellFIFOExhausted,
				TransactionID: t.ID,
				InstrumentKey: t.InstrumentKey,
				Date:          t.Date,
				Requested:     t.Quantity,
				Unfilled:      c.Unfilled,
			})
		}
	}
	return nil
}

// Result snapshots the books. Positions are sorted by instrument key, then
// currency. Later Apply calls do not change a returned Result.
func (r *Replayer) Result(now time.Time) *Result {
	result := &Result{
		Oversells: append([]Oversell(nil), r.oversells...),
		Lots:      make(map[BookKey]LotQueue, len(r.books)),
		Realized:  make(map[BookKey]decimal.Decimal, len(r.books)),
	}
	for _, key := range r.order {
		b := r.books[key]
		result.Lots[key] = b.lots
		result.Realized[key] = b.realized

		qty := b.lots.Quantity()
		if qty.LessThanOrEqual(DustThreshold) {
			continue
		}
		cost := b.lots.TotalCost()
		name := b.displayName
		if name == "" {
			name = key.InstrumentKey
		}
		result.Positions = append(result.Positions, &models.Position{
			UserID:        r.userID,
			InstrumentKey: key.InstrumentKey,
			DisplayName:   name,
			Quantity:      qty,
			AvgCost:       cost.Div(qty),
			TotalCost:     cost,
			RealizedPnL:   b.realized,
			Currency:      key.Currency,
			UpdatedAt:     now,
		})
	}
	sort.Slice(result.Positions, func(i, j int) bool {
		a, b := result.Positions[i], result.Positions[j]
		if a.InstrumentKey != b.InstrumentKey {
			return a.InstrumentKey < b.InstrumentKey
		}
		return a.Currency < b.Currency
	})
	return result
}

func validate(userID string, t *models.Transaction) error {
	fail := func(format string, args ...any) error {
		return &RecomputeError{UserID: userID, TransactionID: t.ID, Reason: fmt.Sprintf(format, args...)}
	}
	if t.InstrumentKey == "" || t.InstrumentKey == types.UnknownInstrument {
		return fail("%s without an instrument", t.Action)
	}
	switch t.Action {
	case types.ActionBuy, types.ActionSell:
		if !t.Quantity.IsPositive() {
			return fail("non-positive %s quantity %s", t.Action, t.Quantity)
		}
		if t.Price.IsNegative() {
			return fail("negative price %s", t.Price)
		}
		if t.Fee.IsNegative() {
			return fail("negative fee %s", t.Fee)
		}
	case types.ActionSplit:
		if !t.Quantity.IsPositive() {
			return fail("non-positive split factor %s", t.Quantity)
		}
	}
	return nil
}
