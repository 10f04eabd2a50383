package storage

import (
	"context"
	"sync"
	"time"

	"github.com/trade-ledger/internal/models"
)

// LedgerStore holds each user's append-only transaction log and the
// positions derived from it
type LedgerStore interface {
	// RunLocked runs fn in one storage transaction while holding the user's
	// single-writer lock. Work for different users never waits on each other.
	RunLocked(ctx context.Context, userID string, fn func(ctx context.Context, tx LedgerTx) error) error
	ListTransactions(ctx context.Context, userID string, filter models.TransactionFilter) ([]*models.Transaction, error)
	ListPositions(ctx context.Context, userID string) ([]*models.Position, error)
	Ping(ctx context.Context) error
}

// LedgerTx is the view of the store inside RunLocked
type LedgerTx interface {
	// InsertTransactions appends rows, skipping any whose (userId, rawHash)
	// is already stored. Seq and CreatedAt are assigned on insert.
	InsertTransactions(ctx context.Context, txns []*models.Transaction) (InsertResult, error)
	// ListTransactions returns the user's full log in replay order
	ListTransactions(ctx context.Context, userID string) ([]*models.Transaction, error)
	// ReplacePositions swaps the user's positions for the given set
	ReplacePositions(ctx context.Context, userID string, positions []*models.Position) error
}

// InsertResult counts the outcome of an insert
type InsertResult struct {
	Added   int `json:"added"`
	Deduped int `json:"deduped"`
}

// FxRateStore persists daily reference rates
type FxRateStore interface {
	UpsertRates(ctx context.Context, rates []models.FxRate) error
	// LatestRate returns the newest rate for the pair on or before asOf,
	// or nil when none is stored
	LatestRate(ctx context.Context, base, quote string, asOf time.Time) (*models.FxRate, error)
}

// PriceStore persists instrument price marks
type PriceStore interface {
	UpsertPrices(ctx context.Context, marks []models.PriceMark) error
	// LatestPrice returns the newest mark on or before asOf, or nil
	LatestPrice(ctx context.Context, instrumentKey string, asOf time.Time) (*models.PriceMark, error)
}

// keyedMutex hands out one mutex per key and drops it when unused
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedLock)}
}

// Lock blocks until key is free or ctx is done; the returned func unlocks
func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	release := func() {
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}

	acquired := make(chan struct{})
	go func() {
		l.mu.Lock()
		close(acquired)
	}()
	select {
	case <-acquired:
		return func() {
			l.mu.Unlock()
			release()
		}, nil
	case <-ctx.Done():
		// the goroutine still takes the lock; hand it back once it does
		go func() {
			<-acquired
			l.mu.Unlock()
			release()
		}()
		return nil, ctx.Err()
	}
}

func dayStart(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
