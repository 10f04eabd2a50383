package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/types"
)

// PostgresLedger is the production LedgerStore. The per-user lock is a
// transaction-scoped advisory lock, so it holds across server instances.
type PostgresLedger struct {
	db *PostgresDB
}

// NewPostgresLedger creates a ledger store on db
func NewPostgresLedger(db *PostgresDB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// querier is the part of pgxpool.Pool and pgx.Tx the ledger reads through
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

const transactionColumns = `id, seq, user_id, broker, raw_hash, raw_line, action, instrument_key, display_name,
	quantity::text, price::text, fee::text, total::text, currency, trade_date, created_at`

// RunLocked implements LedgerStore
func (l *PostgresLedger) RunLocked(ctx context.Context, userID string, fn func(ctx context.Context, tx LedgerTx) error) error {
	return l.db.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "ledger:"+userID); err != nil {
			return fmt.Errorf("failed to lock ledger for user %s: %w", userID, err)
		}
		return fn(ctx, &pgLedgerTx{tx: tx})
	})
}

// ListTransactions implements LedgerStore
func (l *PostgresLedger) ListTransactions(ctx context.Context, userID string, filter models.TransactionFilter) ([]*models.Transaction, error) {
	where := []string{"user_id = $1"}
	args := []any{userID}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.InstrumentKey != "" {
		add("instrument_key = $%d", strings.ToUpper(filter.InstrumentKey))
	}
	if filter.Action != "" {
		add("action = $%d", string(filter.Action))
	}
	if filter.From != nil {
		add("trade_date >= $%d", *filter.From)
	}
	if filter.To != nil {
		add("trade_date <= $%d", *filter.To)
	}
	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s ORDER BY trade_date, seq`,
		transactionColumns, strings.Join(where, " AND "))
	return queryTransactions(ctx, l.db.Pool(), query, args...)
}

// ListPositions implements LedgerStore
func (l *PostgresLedger) ListPositions(ctx context.Context, userID string) ([]*models.Position, error) {
	rows, err := l.db.Pool().Query(ctx, `
		SELECT user_id, instrument_key, display_name, quantity::text, avg_cost::text, total_cost::text,
			realized_pnl::text, currency, updated_at
		FROM positions
		WHERE user_id = $1
		ORDER BY instrument_key, currency
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []*models.Position
	for rows.Next() {
		var p models.Position
		var qty, avg, cost, realized string
		if err := rows.Scan(&p.UserID, &p.InstrumentKey, &p.DisplayName, &qty, &avg, &cost, &realized, &p.Currency, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		if err := parseDecimals(
			decimalField{qty, &p.Quantity}, decimalField{avg, &p.AvgCost},
			decimalField{cost, &p.TotalCost}, decimalField{realized, &p.RealizedPnL},
		); err != nil {
			return nil, err
		}
		p.Currency = strings.TrimSpace(p.Currency)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Ping implements LedgerStore
func (l *PostgresLedger) Ping(ctx context.Context) error {
	return l.db.Ping(ctx)
}

type pgLedgerTx struct {
	tx pgx.Tx
}

func (t *pgLedgerTx) InsertTransactions(ctx context.Context, txns []*models.Transaction) (InsertResult, error) {
	var res InsertResult
	if len(txns) == 0 {
		return res, nil
	}

	batch := &pgx.Batch{}
	for _, txn := range txns {
		batch.Queue(`
			INSERT INTO transactions (id, user_id, broker, raw_hash, raw_line, action, instrument_key, display_name,
				quantity, price, fee, total, currency, trade_date)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
			ON CONFLICT (user_id, raw_hash) DO NOTHING
			RETURNING seq, created_at
		`,
			txn.ID, txn.UserID, txn.Broker, txn.RawHash, txn.RawLine, string(txn.Action), txn.InstrumentKey, txn.DisplayName,
			txn.Quantity.String(), txn.Price.String(), txn.Fee.String(), txn.Total.String(), txn.Currency, txn.Date,
		)
	}

	results := t.tx.SendBatch(ctx, batch)
	defer results.Close()
	for _, txn := range txns {
		err := results.QueryRow().Scan(&txn.Seq, &txn.CreatedAt)
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			res.Deduped++
		case err != nil:
			return res, fmt.Errorf("failed to insert transaction: %w", err)
		default:
			res.Added++
		}
	}
	return res, nil
}

func (t *pgLedgerTx) ListTransactions(ctx context.Context, userID string) ([]*models.Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE user_id = $1 ORDER BY trade_date, seq`, transactionColumns)
	return queryTransactions(ctx, t.tx, query, userID)
}

func (t *pgLedgerTx) ReplacePositions(ctx context.Context, userID string, positions []*models.Position) error {
	if _, err := t.tx.Exec(ctx, `DELETE FROM positions WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("failed to clear positions: %w", err)
	}
	if len(positions) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, p := range positions {
		batch.Queue(`
			INSERT INTO positions (user_id, instrument_key, display_name, quantity, avg_cost, total_cost,
				realized_pnl, currency, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		`, userID, p.InstrumentKey, p.DisplayName, p.Quantity.String(), p.AvgCost.String(), p.TotalCost.String(),
			p.RealizedPnL.String(), p.Currency, p.UpdatedAt)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to write positions: %w", err)
	}
	return nil
}

func queryTransactions(ctx context.Context, q querier, query string, args ...any) ([]*models.Transaction, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		var action, qty, price, fee, total string
		if err := rows.Scan(&t.ID, &t.Seq, &t.UserID, &t.Broker, &t.RawHash, &t.RawLine, &action,
			&t.InstrumentKey, &t.DisplayName, &qty, &price, &fee, &total, &t.Currency, &t.Date, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Action = types.Action(action)
		t.Currency = strings.TrimSpace(t.Currency)
		t.RawHash = strings.TrimSpace(t.RawHash)
		if err := parseDecimals(
			decimalField{qty, &t.Quantity}, decimalField{price, &t.Price},
			decimalField{fee, &t.Fee}, decimalField{total, &t.Total},
		); err != nil {
			return nil, err
		}
		t.Date = t.Date.UTC()
		out = append(out, &t)
	}
	return out, rows.Err()
}

// decimalField pairs a NUMERIC column read as text with its destination
type decimalField struct {
	text string
	dst  *decimal.Decimal
}

func parseDecimals(fields ...decimalField) error {
	for _, f := range fields {
		d, err := decimal.NewFromString(f.text)
		if err != nil {
			return fmt.Errorf("invalid stored decimal %q: %w", f.text, err)
		}
		*f.dst = d
	}
	return nil
}
