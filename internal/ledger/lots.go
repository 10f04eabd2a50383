package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Lot is an open purchase. Cost is the total paid including fees, so partial
// consumption releases an exact share of it.
type Lot struct {
	Quantity     decimal.Decimal `json:"quantity"`
	Cost         decimal.Decimal `json:"cost"`
	AcquiredDate time.Time       `json:"acquiredDate"`
}

// CostPerUnit returns the lot's cost divided by its quantity
func (l Lot) CostPerUnit() decimal.Decimal {
	if l.Quantity.IsZero() {
		return decimal.Zero
	}
	return l.Cost.Div(l.Quantity)
}

// Consumption describes what a Consume call took from the queue
type Consumption struct {
	Quantity     decimal.Decimal // filled from open lots
	ReleasedCost decimal.Decimal
	Unfilled     decimal.Decimal // requested beyond the open quantity
}

// LotQueue is an immutable FIFO of lots. Every operation returns a new queue
// and leaves the receiver untouched.
type LotQueue struct {
	lots []Lot
}

// NewLotQueue builds a queue from lots in acquisition order
func NewLotQueue(lots ...Lot) LotQueue {
	return LotQueue{lots: append([]Lot(nil), lots...)}
}

// Len returns the number of open lots
func (q LotQueue) Len() int {
	return len(q.lots)
}

// Lots returns a copy of the open lots, oldest first
func (q LotQueue) Lots() []Lot {
	return append([]Lot(nil), q.lots...)
}

// PushBack appends a newly acquired lot
func (q LotQueue) PushBack(l Lot) LotQueue {
	out := make([]Lot, len(q.lots), len(q.lots)+1)
	copy(out, q.lots)
	return LotQueue{lots: append(out, l)}
}

// PushFront puts a lot ahead of all others
func (q LotQueue) PushFront(l Lot) LotQueue {
	out := make([]Lot, 0, len(q.lots)+1)
	out = append(out, l)
	return LotQueue{lots: append(out, q.lots...)}
}

// Quantity sums the open quantity
func (q LotQueue) Quantity() decimal.Decimal {
	total := decimal.Zero
	for _, l := range q.lots {
		total = total.Add(l.Quantity)
	}
	return total
}

// TotalCost sums the cost of the open lots
func (q LotQueue) TotalCost() decimal.Decimal {
	total := decimal.Zero
	for _, l := range q.lots {
		total = total.Add(l.Cost)
	}
	return total
}

// Consume takes qty from the oldest lots first. A partially consumed lot
// keeps cost minus the released share, so released + remainder always
// equals the original cost.
func (q LotQueue) Consume(qty decimal.Decimal) (LotQueue, Consumption) {
	c := Consumption{Quantity: decimal.Zero, ReleasedCost: decimal.Zero, Unfilled: decimal.Zero}
	if !qty.IsPositive() {
		return q, c
	}

	remaining := qty
	i := 0
	var rest []Lot
	for ; i < len(q.lots) && remaining.IsPositive(); i++ {
		lot := q.lots[i]
		if lot.Quantity.LessThanOrEqual(remaining) {
			remaining = remaining.Sub(lot.Quantity)
			c.Quantity = c.Quantity.Add(lot.Quantity)
			c.ReleasedCost = c.ReleasedCost.Add(lot.Cost)
			continue
		}
		released := lot.Cost.Mul(remaining).Div(lot.Quantity)
		c.Quantity = c.Quantity.Add(remaining)
		c.ReleasedCost = c.ReleasedCost.Add(released)
		rest = append(rest, Lot{
			Quantity:     lot.Quantity.Sub(remaining),
			Cost:         lot.Cost.Sub(released),
			AcquiredDate: lot.AcquiredDate,
		})
		remaining = decimal.Zero
		i++
		break
	}
	rest = append(rest, q.lots[i:]...)
	c.Unfilled = remaining
	return LotQueue{lots: rest}, c
}

// Split multiplies the quantity of every lot by factor; cost is unchanged
func (q LotQueue) Split(factor decimal.Decimal) LotQueue {
	out := make([]Lot, len(q.lots))
	for i, l := range q.lots {
		out[i] = Lot{Quantity: l.Quantity.Mul(factor), Cost: l.Cost, AcquiredDate: l.AcquiredDate}
	}
	return LotQueue{lots: out}
}
