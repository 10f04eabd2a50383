package service

import (
	"context"
	"errors"
	"time"

	apperrors "github.com/trade-ledger/internal/errors"
	"github.com/trade-ledger/internal/ledger"
	"github.com/trade-ledger/internal/logging"
	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/storage"
)

// LedgerService owns every write to a user's ledger. Each write runs inside
// the store's per-user single-writer section.
type LedgerService struct {
	store storage.LedgerStore
	cache *storage.CacheService
	now   func() time.Time
}

// NewLedgerService creates a ledger service; cache may be nil
func NewLedgerService(store storage.LedgerStore, cache *storage.CacheService) *LedgerService {
	return &LedgerService{
		store: store,
		cache: cache,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// AppendResult is the outcome of an append followed by a recompute
type AppendResult struct {
	storage.InsertResult
	Ledger *ledger.Result
}

// Append inserts txns, skipping duplicates, and recomputes the user's
// positions in the same locked transaction. A recompute failure rolls the
// insert back.
func (s *LedgerService) Append(ctx context.Context, userID string, txns []*models.Transaction) (*AppendResult, error) {
	out := &AppendResult{}
	err := s.store.RunLocked(ctx, userID, func(ctx context.Context, tx storage.LedgerTx) error {
		inserted, err := tx.InsertTransactions(ctx, txns)
		if err != nil {
			return apperrors.NewDatabaseError("insert transactions", err)
		}
		out.InsertResult = inserted

		out.Ledger, err = s.recomputeLocked(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, userID)
	return out, nil
}

// Recompute replays the user's full log and rewrites their positions
func (s *LedgerService) Recompute(ctx context.Context, userID string) (*ledger.Result, error) {
	var result *ledger.Result
	err := s.store.RunLocked(ctx, userID, func(ctx context.Context, tx storage.LedgerTx) error {
		var err error
		result, err = s.recomputeLocked(ctx, tx, userID)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.invalidate(ctx, userID)
	return result, nil
}

func (s *LedgerService) recomputeLocked(ctx context.Context, tx storage.LedgerTx, userID string) (*ledger.Result, error) {
	logger := logging.FromContext(ctx).WithField("user_id", userID)

	txns, err := tx.ListTransactions(ctx, userID)
	if err != nil {
		return nil, apperrors.NewDatabaseError("list transactions", err)
	}

	result, err := ledger.Recompute(userID, txns, s.now())
	if err != nil {
		var rerr *ledger.RecomputeError
		if errors.As(err, &rerr) {
			logger.WithError(err).WithField("transaction_id", rerr.TransactionID).Error("Ledger recompute failed")
			return nil, apperrors.NewRecomputeFailedError(userID, err)
		}
		return nil, apperrors.NewInternalError("ledger recompute failed", err)
	}

	for _, o := range result.Oversells {
		logger.WithFields(map[string]interface{}{
			"code":           apperrors.CodeOversellFIFOExhausted,
			"instrument":     o.InstrumentKey,
			"transaction_id": o.TransactionID,
			"requested":      o.Requested.String(),
			"unfilled":       o.Unfilled.String(),
		}).Warn("Sell exceeds open lots, excess ignored")
	}

	if err := tx.ReplacePositions(ctx, userID, result.Positions); err != nil {
		return nil, apperrors.NewDatabaseError("replace positions", err)
	}
	logger.WithFields(map[string]interface{}{
		"transactions": len(txns),
		"positions":    len(result.Positions),
	}).Debug("Ledger recomputed")
	return result, nil
}

func (s *LedgerService) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.InvalidateUser(ctx, userID); err != nil {
		logging.FromContext(ctx).WithError(err).Warn("Failed to invalidate overview cache")
	}
}
