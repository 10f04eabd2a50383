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

// PriceRepository stores instrument price marks in Postgres
type PriceRepository struct {
	db *PostgresDB
}

// NewPriceRepository creates a new price repository
func NewPriceRepository(db *PostgresDB) *PriceRepository {
	return &PriceRepository{db: db}
}

// UpsertPrices writes marks, one per instrument and day
func (r *PriceRepository) UpsertPrices(ctx context.Context, marks []models.PriceMark) error {
	if len(marks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, m := range marks {
		batch.Queue(`
			INSERT INTO instrument_prices (instrument_key, price_date, price, currency, source, updated_at)
			VALUES ($1, $2, $3, $4, $5, NOW())
			ON CONFLICT (instrument_key, price_date)
			DO UPDATE SET price = EXCLUDED.price, currency = EXCLUDED.currency,
				source = EXCLUDED.source, updated_at = NOW()
		`, strings.ToUpper(m.InstrumentKey), dayStart(m.Date), m.Price.String(), strings.ToUpper(m.Currency), m.Source)
	}
	if err := r.db.Pool().SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to upsert prices: %w", err)
	}
	return nil
}

// LatestPrice returns the newest mark on or before asOf
func (r *PriceRepository) LatestPrice(ctx context.Context, instrumentKey string, asOf time.Time) (*models.PriceMark, error) {
	var m models.PriceMark
	var text string
	err := r.db.Pool().QueryRow(ctx, `
		SELECT instrument_key, price_date, price::text, currency, source
		FROM instrument_prices
		WHERE instrument_key = $1 AND price_date <= $2
		ORDER BY price_date DESC
		LIMIT 1
	`, strings.ToUpper(instrumentKey), dayStart(asOf)).Scan(&m.InstrumentKey, &m.Date, &text, &m.Currency, &m.Source)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get price: %w", err)
	}
	if err := parseDecimals(decimalField{text, &m.Price}); err != nil {
		return nil, err
	}
	m.Currency = strings.TrimSpace(m.Currency)
	return &m, nil
}
