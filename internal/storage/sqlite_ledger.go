package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/trade-ledger/internal/models"
	"github.com/trade-ledger/internal/types"
)

// sqliteTime sorts lexically in chronological order
const (
	sqliteTime = "2006-01-02T15:04:05.000000000Z"
	sqliteDay  = "2006-01-02"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS transactions (
	seq            INTEGER PRIMARY KEY AUTOINCREMENT,
	id             TEXT NOT NULL UNIQUE,
	user_id        TEXT NOT NULL,
	broker         TEXT NOT NULL,
	raw_hash       TEXT NOT NULL,
	raw_line       TEXT NOT NULL,
	action         TEXT NOT NULL,
	instrument_key TEXT NOT NULL,
	display_name   TEXT NOT NULL DEFAULT '',
	quantity       TEXT NOT NULL,
	price          TEXT NOT NULL,
	fee            TEXT NOT NULL,
	total          TEXT NOT NULL,
	currency       TEXT NOT NULL,
	trade_date     TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	UNIQUE (user_id, raw_hash)
);
CREATE INDEX IF NOT EXISTS idx_transactions_user_date ON transactions(user_id, trade_date, seq);
CREATE TRIGGER IF NOT EXISTS transactions_append_only
	BEFORE UPDATE ON transactions
	BEGIN SELECT RAISE(ABORT, 'transactions are append-only'); END;
CREATE TABLE IF NOT EXISTS positions (
	user_id        TEXT NOT NULL,
	instrument_key TEXT NOT NULL,
	display_name   TEXT NOT NULL DEFAULT '',
	quantity       TEXT NOT NULL,
	avg_cost       TEXT NOT NULL,
	total_cost     TEXT NOT NULL,
	realized_pnl   TEXT NOT NULL,
	currency       TEXT NOT NULL,
	updated_at     TEXT NOT NULL,
	PRIMARY KEY (user_id, instrument_key, currency)
);
CREATE TABLE IF NOT EXISTS fx_rates (
	base      TEXT NOT NULL,
	quote     TEXT NOT NULL,
	rate_date TEXT NOT NULL,
	rate      TEXT NOT NULL,
	source    TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (base, quote, rate_date)
);
CREATE TABLE IF NOT EXISTS instrument_prices (
	instrument_key TEXT NOT NULL,
	price_date     TEXT NOT NULL,
	price          TEXT NOT NULL,
	currency       TEXT NOT NULL DEFAULT '',
	source         TEXT NOT NULL DEFAULT 'manual',
	PRIMARY KEY (instrument_key, price_date)
);
`

// SQLiteLedger is an embedded single-file store used by ledgerctl and tests.
// It implements LedgerStore, FxRateStore and PriceStore.
type SQLiteLedger struct {
	db    *sql.DB
	locks *keyedMutex
	now   func() time.Time
}

// NewSQLiteLedger opens (or creates) the database at path; ":memory:" gives
// a private in-memory store
func NewSQLiteLedger(path string) (*SQLiteLedger, error) {
	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// one connection: an in-memory database lives on it, and writers never race
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}

	return &SQLiteLedger{
		db:    db,
		locks: newKeyedMutex(),
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Close closes the database
func (s *SQLiteLedger) Close() error {
	return s.db.Close()
}

// Ping implements LedgerStore
func (s *SQLiteLedger) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// RunLocked implements LedgerStore
func (s *SQLiteLedger) RunLocked(ctx context.Context, userID string, fn func(ctx context.Context, tx LedgerTx) error) error {
	unlock, err := s.locks.Lock(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to lock ledger for user %s: %w", userID, err)
	}
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin ledger transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback() // no-op after commit
	}()

	if err := fn(ctx, &sqliteLedgerTx{tx: tx, now: s.now}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit ledger transaction: %w", err)
	}
	return nil
}

// ListTransactions implements LedgerStore
func (s *SQLiteLedger) ListTransactions(ctx context.Context, userID string, filter models.TransactionFilter) ([]*models.Transaction, error) {
	where := []string{"user_id = ?"}
	args := []any{userID}
	if filter.InstrumentKey != "" {
		where = append(where, "instrument_key = ?")
		args = append(args, strings.ToUpper(filter.InstrumentKey))
	}
	if filter.Action != "" {
		where = append(where, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.From != nil {
		where = append(where, "trade_date >= ?")
		args = append(args, filter.From.UTC().Format(sqliteTime))
	}
	if filter.To != nil {
		where = append(where, "trade_date <= ?")
		args = append(args, filter.To.UTC().Format(sqliteTime))
	}
	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE %s ORDER BY trade_date, seq`,
		sqliteTransactionColumns, strings.Join(where, " AND "))
	return scanSQLiteTransactions(ctx, s.db, query, args...)
}

// ListPositions implements LedgerStore
func (s *SQLiteLedger) ListPositions(ctx context.Context, userID string) ([]*models.Position, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, instrument_key, display_name, quantity, avg_cost, total_cost, realized_pnl, currency, updated_at
		FROM positions WHERE user_id = ? ORDER BY instrument_key, currency
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list positions: %w", err)
	}
	defer rows.Close()

	var out []*models.Position
	for rows.Next() {
		var p models.Position
		var qty, avg, cost, realized, updated string
		if err := rows.Scan(&p.UserID, &p.InstrumentKey, &p.DisplayName, &qty, &avg, &cost, &realized, &p.Currency, &updated); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		if err := parseDecimals(
			decimalField{qty, &p.Quantity}, decimalField{avg, &p.AvgCost},
			decimalField{cost, &p.TotalCost}, decimalField{realized, &p.RealizedPnL},
		); err != nil {
			return nil, err
		}
		if p.UpdatedAt, err = time.Parse(sqliteTime, updated); err != nil {
			return nil, fmt.Errorf("invalid stored time %q: %w", updated, err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// UpsertRates implements FxRateStore
func (s *SQLiteLedger) UpsertRates(ctx context.Context, rates []models.FxRate) error {
	for _, r := range rates {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO fx_rates (base, quote, rate_date, rate, source) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (base, quote, rate_date) DO UPDATE SET rate = excluded.rate, source = excluded.source
		`, strings.ToUpper(r.Base), strings.ToUpper(r.Quote), r.Date.UTC().Format(sqliteDay), r.Rate.String(), r.Source)
		if err != nil {
			return fmt.Errorf("failed to upsert fx rate: %w", err)
		}
	}
	return nil
}

// LatestRate implements FxRateStore
func (s *SQLiteLedger) LatestRate(ctx context.Context, base, quote string, asOf time.Time) (*models.FxRate, error) {
	var r models.FxRate
	var day, text string
	err := s.db.QueryRowContext(ctx, `
		SELECT base, quote, rate_date, rate, source FROM fx_rates
		WHERE base = ? AND quote = ? AND rate_date <= ?
		ORDER BY rate_date DESC LIMIT 1
	`, strings.ToUpper(base), strings.ToUpper(quote), asOf.UTC().Format(sqliteDay)).Scan(&r.Base, &r.Quote, &day, &text, &r.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fx rate: %w", err)
	}
	if err := parseDecimals(decimalField{text, &r.Rate}); err != nil {
		return nil, err
	}
	if r.Date, err = time.Parse(sqliteDay, day); err != nil {
		return nil, fmt.Errorf("invalid stored date %q: %w", day, err)
	}
	return &r, nil
}

// UpsertPrices implements PriceStore
func (s *SQLiteLedger) UpsertPrices(ctx context.Context, marks []models.PriceMark) error {
	for _, m := range marks {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO instrument_prices (instrument_key, price_date, price, currency, source) VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (instrument_key, price_date)
			DO UPDATE SET price = excluded.price, currency = excluded.currency, source = excluded.source
		`, strings.ToUpper(m.InstrumentKey), m.Date.UTC().Format(sqliteDay), m.Price.String(), strings.ToUpper(m.Currency), m.Source)
		if err != nil {
			return fmt.Errorf("failed to upsert price: %w", err)
		}
	}
	return nil
}

// LatestPrice implements PriceStore
func (s *SQLiteLedger) LatestPrice(ctx context.Context, instrumentKey string, asOf time.Time) (*models.PriceMark, error) {
	var m models.PriceMark
	var day, text string
	err := s.db.QueryRowContext(ctx, `
		SELECT instrument_key, price_date, price, currency, source FROM instrument_prices
		WHERE instrument_key = ? AND price_date <= ?
		ORDER BY price_date DESC LIMIT 1
	`, strings.ToUpper(instrumentKey), asOf.UTC().Format(sqliteDay)).Scan(&m.InstrumentKey, &day, &text, &m.Currency, &m.Source)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get price: %w", err)
	}
	if err := parseDecimals(decimalField{text, &m.Price}); err != nil {
		return nil, err
	}
	if m.Date, err = time.Parse(sqliteDay, day); err != nil {
		return nil, fmt.Errorf("invalid stored date %q: %w", day, err)
	}
	return &m, nil
}

type sqliteLedgerTx struct {
	tx  *sql.Tx
	now func() time.Time
}

func (t *sqliteLedgerTx) InsertTransactions(ctx context.Context, txns []*models.Transaction) (InsertResult, error) {
	var res InsertResult
	for _, txn := range txns {
		created := t.now()
		out, err := t.tx.ExecContext(ctx, `
			INSERT INTO transactions (id, user_id, broker, raw_hash, raw_line, action, instrument_key, display_name,
				quantity, price, fee, total, currency, trade_date, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (user_id, raw_hash) DO NOTHING
		`, txn.ID, txn.UserID, txn.Broker, txn.RawHash, txn.RawLine, string(txn.Action), txn.InstrumentKey, txn.DisplayName,
			txn.Quantity.String(), txn.Price.String(), txn.Fee.String(), txn.Total.String(), txn.Currency,
			txn.Date.UTC().Format(sqliteTime), created.Format(sqliteTime))
		if err != nil {
			return res, fmt.Errorf("failed to insert transaction: %w", err)
		}
		n, err := out.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("failed to insert transaction: %w", err)
		}
		if n == 0 {
			res.Deduped++
			continue
		}
		if txn.Seq, err = out.LastInsertId(); err != nil {
			return res, fmt.Errorf("failed to read transaction seq: %w", err)
		}
		txn.CreatedAt = created
		res.Added++
	}
	return res, nil
}

func (t *sqliteLedgerTx) ListTransactions(ctx context.Context, userID string) ([]*models.Transaction, error) {
	query := fmt.Sprintf(`SELECT %s FROM transactions WHERE user_id = ? ORDER BY trade_date, seq`, sqliteTransactionColumns)
	return scanSQLiteTransactions(ctx, t.tx, query, userID)
}

func (t *sqliteLedgerTx) ReplacePositions(ctx context.Context, userID string, positions []*models.Position) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM positions WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("failed to clear positions: %w", err)
	}
	for _, p := range positions {
		_, err := t.tx.ExecContext(ctx, `
			INSERT INTO positions (user_id, instrument_key, display_name, quantity, avg_cost, total_cost,
				realized_pnl, currency, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, userID, p.InstrumentKey, p.DisplayName, p.Quantity.String(), p.AvgCost.String(), p.TotalCost.String(),
			p.RealizedPnL.String(), p.Currency, p.UpdatedAt.UTC().Format(sqliteTime))
		if err != nil {
			return fmt.Errorf("failed to write position %s: %w", p.InstrumentKey, err)
		}
	}
	return nil
}

const sqliteTransactionColumns = `seq, id, user_id, broker, raw_hash, raw_line, action, instrument_key, display_name,
	quantity, price, fee, total, currency, trade_date, created_at`

type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanSQLiteTransactions(ctx context.Context, q sqlQuerier, query string, args ...any) ([]*models.Transaction, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []*models.Transaction
	for rows.Next() {
		var t models.Transaction
		var action, qty, price, fee, total, date, created string
		if err := rows.Scan(&t.Seq, &t.ID, &t.UserID, &t.Broker, &t.RawHash, &t.RawLine, &action, &t.InstrumentKey,
			&t.DisplayName, &qty, &price, &fee, &total, &t.Currency, &date, &created); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		t.Action = types.Action(action)
		if err := parseDecimals(
			decimalField{qty, &t.Quantity}, decimalField{price, &t.Price},
			decimalField{fee, &t.Fee}, decimalField{total, &t.Total},
		); err != nil {
			return nil, err
		}
		if t.Date, err = time.Parse(sqliteTime, date); err != nil {
			return nil, fmt.Errorf("invalid stored time %q: %w", date, err)
		}
		if t.CreatedAt, err = time.Parse(sqliteTime, created); err != nil {
			return nil, fmt.Errorf("invalid stored time %q: %w", created, err)
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
