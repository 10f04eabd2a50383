package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/trade-ledger/internal/models"
)

// FxRateRepository stores daily reference rates in Postgres
type FxRateRepository struct {
	db *PostgresDB
}

// NewFxRateRepository creates a new FX rate repository
func NewFxRateRepository(db *PostgresDB) *FxRateRepository {
	return &FxRateRepository{db: db}
}

// UpsertRates inserts rates, replacing any stored for the same pair and day
func (r *FxRateRepository) UpsertRates(ctx context.Context, rates []models.FxRate) error {
	if len(rates) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, rate := range rates {
		batch.Queue(`
			INSERT INTO fx_rates (base, quote, rate_date, rate, source, fetched_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (base, quote, rate_date)
			DO UPDATE SET rate = EXCLUDED.rate, source = EXCLUDED.source, fetched_at = NOW()
		`, strings.ToUpper(rate.Base), strings.ToUpper(rate.Quote), dayStart(rate.Date), rate.Rate.String(), rate.Source)
	}
	if err := r.db.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert fx rates: %w", err)
	}
	return nil
}

// LatestRate returns the newest stored rate on or before asOf
func (r *FxRateRepository) LatestRate(ctx context.Context, base, quote string, asOf time.Time) (*models.FxRate, error) {
	var rate models.FxRate
	var text string
	err := r.db.Pool().QueryRow(ctx, `
		SELECT base, quote, rate_date, rate::text, source
		FROM fx_rates
		WHERE base = $1 AND quote = $2 AND rate_date <= $3
		ORDER BY rate_date DESC
		LIMIT 1
	`, strings.ToUpper(base), strings.ToUpper(quote), dayStart(asOf)).Scan(&rate.Base, &rate.Quote, &rate.Date, &text, &rate.Source)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fx rate: %w", err)
	}
	if err := parseDecimals(decimalField{text, &rate.Rate}); err != nil {
		return nil, err
	}
	rate.Base = strings.TrimSpace(rate.Base)
	rate.Quote = strings.TrimSpace(rate.Quote)
	return &rate, nil
}
