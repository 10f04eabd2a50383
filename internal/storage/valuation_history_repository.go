package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/trade-ledger/internal/models"
)

// ValuationHistoryRepository appends overview snapshots to ClickHouse
type ValuationHistoryRepository struct {
	db *ClickHouseDB
}

// NewValuationHistoryRepository creates a new valuation history repository
func NewValuationHistoryRepository(db *ClickHouseDB) *ValuationHistoryRepository {
	return &ValuationHistoryRepository{db: db}
}

// Insert writes snapshots in one batch
func (r *ValuationHistoryRepository) Insert(ctx context.Context, snapshots ...*models.ValuationSnapshot) error {
	if len(snapshots) == 0 {
		return nil
	}

	batch, err := r.db.Conn().PrepareBatch(ctx, `
		INSERT INTO valuation_history (user_id, as_of, base_currency, equity_base, twr, xirr, positions, priced_positions)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, s := range snapshots {
		if err := batch.Append(s.UserID, s.AsOf.UTC(), s.BaseCurrency, s.EquityBase, s.TWR, s.XIRR, s.Positions, s.PricedPositions); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("failed to append snapshot: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// List returns a user's snapshots in [from, to], oldest first
func (r *ValuationHistoryRepository) List(ctx context.Context, userID string, from, to time.Time) ([]*models.ValuationSnapshot, error) {
	rows, err := r.db.Conn().Query(ctx, `
		SELECT user_id, as_of, base_currency, equity_base, twr, xirr, positions, priced_positions
		FROM valuation_history
		WHERE user_id = ? AND as_of >= ? AND as_of <= ?
		ORDER BY as_of
	`, userID, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to query valuation history: %w", err)
	}
	defer rows.Close()

	var out []*models.ValuationSnapshot
	for rows.Next() {
		var s models.ValuationSnapshot
		if err := rows.ScanStruct(&s); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}
