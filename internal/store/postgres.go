package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/tradetracker/position-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id                   TEXT PRIMARY KEY,
	email                TEXT NOT NULL DEFAULT '',
	display_name         TEXT NOT NULL DEFAULT '',
	portfolio_updated_at TIMESTAMPTZ,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS trades (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	symbol        TEXT NOT NULL DEFAULT '',
	trade_type    TEXT NOT NULL,
	option_type   TEXT NOT NULL DEFAULT '',
	expiry_date   DATE,
	strike_price  NUMERIC,
	action        TEXT NOT NULL,
	quantity      NUMERIC NOT NULL,
	fill_price    NUMERIC NOT NULL,
	fee           NUMERIC NOT NULL DEFAULT 0,
	purchase_date TIMESTAMPTZ NOT NULL,
	posted_date   TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_user_purchase_idx ON trades (user_id, purchase_date DESC);

CREATE TABLE IF NOT EXISTS positions (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	symbol          TEXT NOT NULL DEFAULT '',
	trade_type      TEXT NOT NULL,
	option_type     TEXT NOT NULL DEFAULT '',
	expiry_date     DATE,
	strike_price    NUMERIC,
	open_quantity   NUMERIC NOT NULL,
	closed_quantity NUMERIC NOT NULL,
	average_price   NUMERIC NOT NULL,
	current_price   NUMERIC NOT NULL,
	fees            NUMERIC NOT NULL,
	trade_ids       TEXT[] NOT NULL DEFAULT '{}',
	entry_date      TIMESTAMPTZ NOT NULL,
	exit_date       TIMESTAMPTZ,
	status          TEXT NOT NULL,
	posted_date     TIMESTAMPTZ NOT NULL,
	version         BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS positions_user_status_idx ON positions (user_id, status);
CREATE INDEX IF NOT EXISTS positions_trade_ids_idx ON positions USING GIN (trade_ids);

CREATE TABLE IF NOT EXISTS monthly_metrics (
	user_id         TEXT NOT NULL,
	month_key       TEXT NOT NULL,
	portfolio_value NUMERIC NOT NULL,
	profit_loss     NUMERIC NOT NULL,
	fees            NUMERIC NOT NULL,
	PRIMARY KEY (user_id, month_key)
);
`

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return classify("migrate", err)
}

func (s *PostgresStore) ListUsers(ctx context.Context, pageSize int, pageToken string) ([]model.User, string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, email, display_name, portfolio_updated_at, created_at
		 FROM users WHERE id > $1 ORDER BY id LIMIT $2`, pageToken, pageSize+1)
	if err != nil {
		return nil, "", classify("list users", err)
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PortfolioUpdatedAt, &u.CreatedAt); err != nil {
			return nil, "", classify("list users", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, "", classify("list users", err)
	}

	next := ""
	if len(users) > pageSize {
		users = users[:pageSize]
		next = users[len(users)-1].ID
	}
	return users, next, nil
}

func (s *PostgresStore) UpsertUser(ctx context.Context, u *model.User) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO users (id, email, display_name, portfolio_updated_at, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET email = EXCLUDED.email, display_name = EXCLUDED.display_name,
		     portfolio_updated_at = EXCLUDED.portfolio_updated_at`,
		u.ID, u.Email, u.DisplayName, u.PortfolioUpdatedAt, u.CreatedAt,
	)
	return classify("upsert user", err)
}

const positionColumns = `id, user_id, symbol, trade_type, option_type, expiry_date, strike_price::TEXT,
	open_quantity::TEXT, closed_quantity::TEXT, average_price::TEXT, current_price::TEXT, fees::TEXT,
	trade_ids, entry_date, exit_date, status, posted_date, version`

func (s *PostgresStore) ListPositions(ctx context.Context, userID string) ([]*model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE user_id = $1 ORDER BY posted_date DESC, id`, userID)
	if err != nil {
		return nil, classify("list positions", err)
	}
	defer rows.Close()

	var positions []*model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, classify("list positions", err)
		}
		positions = append(positions, p)
	}
	return positions, classify("list positions", rows.Err())
}

func (s *PostgresStore) FindOpenPosition(ctx context.Context, userID string, key model.InstrumentKey) (*model.Position, error) {
	return findOpen(ctx, s.pool, userID, key)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func findOpen(ctx context.Context, q querier, userID string, key model.InstrumentKey) (*model.Position, error) {
	var row pgx.Row
	if key.TradeType == model.TradeTypeCash {
		row = q.QueryRow(ctx,
			`SELECT `+positionColumns+`
			 FROM positions WHERE user_id = $1 AND trade_type = 'CASH'
			 ORDER BY posted_date DESC, id LIMIT 1`, userID)
	} else {
		expiry, strike := keyArgs(key)
		row = q.QueryRow(ctx,
			`SELECT `+positionColumns+`
			 FROM positions
			 WHERE user_id = $1 AND status = 'OPEN'
			   AND trade_type = $2 AND symbol = $3 AND option_type = $4
			   AND expiry_date IS NOT DISTINCT FROM $5::DATE
			   AND strike_price IS NOT DISTINCT FROM $6::NUMERIC
			 ORDER BY posted_date DESC, id LIMIT 1`,
			userID, key.TradeType, key.Symbol, key.OptionType, expiry, strike)
	}
	p, err := scanPosition(row)
	if err != nil {
		return nil, classify(fmt.Sprintf("find open position %s", key), err)
	}
	return p, nil
}

func (s *PostgresStore) FindPositionByTrade(ctx context.Context, userID, tradeID string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx,
		`SELECT `+positionColumns+`
		 FROM positions WHERE user_id = $1 AND trade_ids @> ARRAY[$2::TEXT]`, userID, tradeID))
	if err != nil {
		return nil, classify(fmt.Sprintf("find position for trade %s", tradeID), err)
	}
	return p, nil
}

const tradeColumns = `id, user_id, symbol, trade_type, option_type, expiry_date, strike_price::TEXT,
	action, quantity::TEXT, fill_price::TEXT, fee::TEXT, purchase_date, posted_date`

func (s *PostgresStore) ListTrades(ctx context.Context, userID string) ([]*model.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+tradeColumns+`
		 FROM trades WHERE user_id = $1 ORDER BY purchase_date DESC, id`, userID)
	if err != nil {
		return nil, classify("list trades", err)
	}
	defer rows.Close()

	var trades []*model.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, classify("list trades", err)
		}
		trades = append(trades, t)
	}
	return trades, classify("list trades", rows.Err())
}

func (s *PostgresStore) GetTrade(ctx context.Context, userID, tradeID string) (*model.Trade, error) {
	t, err := scanTrade(s.pool.QueryRow(ctx,
		`SELECT `+tradeColumns+` FROM trades WHERE user_id = $1 AND id = $2`, userID, tradeID))
	if err != nil {
		return nil, classify(fmt.Sprintf("get trade %s", tradeID), err)
	}
	return t, nil
}

// Commit runs the whole mutation in one transaction. Position writes are
// compare-and-set on version; a miss rolls everything back with ErrConflict.
//
// Commits for one user are serialised by a transaction-scoped advisory lock,
// so the check that no open position already takes a new position's key
// cannot race with another process opening the same instrument.
func (s *PostgresStore) Commit(ctx context.Context, m *Mutation) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, m.UserID); err != nil {
			return err
		}

		for _, p := range m.Positions {
			if p.Version != 0 {
				continue
			}
			existing, err := findOpen(ctx, tx, p.UserID, p.Key())
			switch {
			case err == nil && existing.ID != p.ID:
				return fmt.Errorf("insert position %s: open position %s exists for %s: %w",
					p.ID, existing.ID, p.Key(), ErrConflict)
			case err != nil && !errors.Is(err, ErrNotFound):
				return err
			}
		}

		for _, p := range m.Positions {
			if err := writePosition(ctx, tx, p); err != nil {
				return err
			}
		}

		if m.DeleteTradeID != "" {
			tag, err := tx.Exec(ctx,
				`DELETE FROM trades WHERE user_id = $1 AND id = $2`, m.UserID, m.DeleteTradeID)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return fmt.Errorf("delete trade %s: %w", m.DeleteTradeID, ErrNotFound)
			}
		}

		if t := m.PutTrade; t != nil {
			expiry, strike := keyArgs(t.Key())
			_, err := tx.Exec(ctx,
				`INSERT INTO trades (id, user_id, symbol, trade_type, option_type, expiry_date, strike_price,
				                     action, quantity, fill_price, fee, purchase_date, posted_date)
				 VALUES ($1, $2, $3, $4, $5, $6::DATE, $7::NUMERIC, $8, $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12, $13)
				 ON CONFLICT (id) DO UPDATE
				 SET symbol = EXCLUDED.symbol, trade_type = EXCLUDED.trade_type,
				     option_type = EXCLUDED.option_type, expiry_date = EXCLUDED.expiry_date,
				     strike_price = EXCLUDED.strike_price, action = EXCLUDED.action,
				     quantity = EXCLUDED.quantity, fill_price = EXCLUDED.fill_price,
				     fee = EXCLUDED.fee, purchase_date = EXCLUDED.purchase_date,
				     posted_date = EXCLUDED.posted_date`,
				t.ID, t.UserID, t.Symbol, t.TradeType, t.OptionType, expiry, strike,
				t.Action, t.Quantity.String(), t.FillPrice.String(), t.Fee.String(),
				t.PurchaseDate, t.PostedDate,
			)
			if err != nil {
				return err
			}
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO users (id, portfolio_updated_at, created_at) VALUES ($1, $2, $2)
			 ON CONFLICT (id) DO UPDATE SET portfolio_updated_at = EXCLUDED.portfolio_updated_at`,
			m.UserID, m.At)
		return err
	})
	if err != nil {
		return classify("commit", err)
	}
	for _, p := range m.Positions {
		p.Version++
	}
	return nil
}

func writePosition(ctx context.Context, tx pgx.Tx, p *model.Position) error {
	expiry, strike := keyArgs(p.Key())
	tradeIDs := p.TradeIDs
	if tradeIDs == nil {
		tradeIDs = []string{}
	}
	args := []any{
		p.ID, p.UserID, p.Symbol, p.TradeType, p.OptionType, expiry, strike,
		p.OpenQuantity.String(), p.ClosedQuantity.String(),
		p.AveragePrice.String(), p.CurrentPrice.String(), p.Fees.String(),
		tradeIDs, p.EntryDate, p.ExitDate, p.Status, p.PostedDate, p.Version,
	}

	var sql string
	if p.Version == 0 {
		sql = `INSERT INTO positions (id, user_id, symbol, trade_type, option_type, expiry_date, strike_price,
		                              open_quantity, closed_quantity, average_price, current_price, fees,
		                              trade_ids, entry_date, exit_date, status, posted_date, version)
		       VALUES ($1, $2, $3, $4, $5, $6::DATE, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC,
		               $11::NUMERIC, $12::NUMERIC, $13, $14, $15, $16, $17, $18 + 1)
		       ON CONFLICT (id) DO NOTHING`
	} else {
		sql = `UPDATE positions
		       SET symbol = $3, trade_type = $4, option_type = $5,
		           expiry_date = $6::DATE, strike_price = $7::NUMERIC,
		           open_quantity = $8::NUMERIC, closed_quantity = $9::NUMERIC,
		           average_price = $10::NUMERIC, current_price = $11::NUMERIC, fees = $12::NUMERIC,
		           trade_ids = $13, entry_date = $14, exit_date = $15, status = $16,
		           posted_date = $17, version = $18 + 1
		       WHERE id = $1 AND user_id = $2 AND version = $18`
	}
	tag, err := tx.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("write position %s at version %d: %w", p.ID, p.Version, ErrConflict)
	}
	return nil
}

func (s *PostgresStore) UpsertMetrics(ctx context.Context, userID, monthKey string, m model.Metrics) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO monthly_metrics (user_id, month_key, portfolio_value, profit_loss, fees)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC)
		 ON CONFLICT (user_id, month_key) DO UPDATE
		 SET portfolio_value = EXCLUDED.portfolio_value,
		     profit_loss = EXCLUDED.profit_loss,
		     fees = EXCLUDED.fees`,
		userID, monthKey, m.PortfolioValue.String(), m.ProfitLoss.String(), m.Fees.String(),
	)
	return classify(fmt.Sprintf("upsert metrics %s for %s", monthKey, userID), err)
}

func (s *PostgresStore) ListMetrics(ctx context.Context, userID string, limit int) ([]model.Metrics, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT month_key, portfolio_value::TEXT, profit_loss::TEXT, fees::TEXT
		 FROM (
		     SELECT * FROM monthly_metrics WHERE user_id = $1
		     ORDER BY month_key DESC LIMIT NULLIF($2, 0)
		 ) latest
		 ORDER BY month_key`, userID, limit)
	if err != nil {
		return nil, classify("list metrics", err)
	}
	defer rows.Close()

	var result []model.Metrics
	for rows.Next() {
		var m model.Metrics
		var value, pl, fees string
		if err := rows.Scan(&m.MonthKey, &value, &pl, &fees); err != nil {
			return nil, classify("list metrics", err)
		}
		m.PortfolioValue, _ = decimal.NewFromString(value)
		m.ProfitLoss, _ = decimal.NewFromString(pl)
		m.Fees, _ = decimal.NewFromString(fees)
		result = append(result, m)
	}
	return result, classify("list metrics", rows.Err())
}

// keyArgs renders the nullable key columns as query arguments.
func keyArgs(k model.InstrumentKey) (expiry, strike *string) {
	if k.ExpiryDate != nil {
		e := k.ExpiryDate.UTC().Format("2006-01-02")
		expiry = &e
	}
	if k.StrikePrice != nil {
		s := k.StrikePrice.String()
		strike = &s
	}
	return expiry, strike
}

// scanPosition reads one position row in positionColumns order.
func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var strike *string
	var open, closed, avg, cur, fees string

	if err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &p.TradeType, &p.OptionType,
		&p.ExpiryDate, &strike,
		&open, &closed, &avg, &cur, &fees,
		&p.TradeIDs, &p.EntryDate, &p.ExitDate, &p.Status, &p.PostedDate, &p.Version); err != nil {
		return nil, err
	}

	p.StrikePrice = parseOptional(strike)
	p.OpenQuantity, _ = decimal.NewFromString(open)
	p.ClosedQuantity, _ = decimal.NewFromString(closed)
	p.AveragePrice, _ = decimal.NewFromString(avg)
	p.CurrentPrice, _ = decimal.NewFromString(cur)
	p.Fees, _ = decimal.NewFromString(fees)
	utc(p.ExpiryDate)
	return &p, nil
}

// scanTrade reads one trade row in tradeColumns order.
func scanTrade(row pgx.Row) (*model.Trade, error) {
	var t model.Trade
	var strike *string
	var qty, fill, fee string

	if err := row.Scan(&t.ID, &t.UserID, &t.Symbol, &t.TradeType, &t.OptionType,
		&t.ExpiryDate, &strike, &t.Action, &qty, &fill, &fee,
		&t.PurchaseDate, &t.PostedDate); err != nil {
		return nil, err
	}

	t.StrikePrice = parseOptional(strike)
	t.Quantity, _ = decimal.NewFromString(qty)
	t.FillPrice, _ = decimal.NewFromString(fill)
	t.Fee, _ = decimal.NewFromString(fee)
	utc(t.ExpiryDate)
	return &t, nil
}

func parseOptional(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &v
}

func utc(t *time.Time) {
	if t != nil {
		*t = t.UTC()
	}
}
