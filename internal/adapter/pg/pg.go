package pg

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
	"github.com/shopspring/decimal"
)

//go:embed schema.sql
var schema string

var _ port.Repository = (*PgRepo)(nil)

type PgRepo struct {
	pool *pgxpool.Pool
}

// call Close when finish to work with database.
func NewPgRepo(ctx context.Context, dsn string) (*PgRepo, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pg: ping: %w", err)
	}
	return &PgRepo{pool: pool}, nil
}

func (p *PgRepo) Close(ctx context.Context) {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Migrate creates the tables if they do not exist.
func (p *PgRepo) Migrate(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("pg: migrate: %w", err)
	}
	return nil
}

func (p *PgRepo) BeginTx(ctx context.Context) (port.Tx, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, mapErr(err)
	}
	return &pgTx{tx: tx}, nil
}

const orderColumns = `id, instrument, side, price::text, quantity, owner_id, serial, status, created_at`

func (p *PgRepo) LoadOrder(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanOrder(p.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return o, err
}

// LoadOpenOrders returns the instrument's resting orders in FIFO order.
func (p *PgRepo) LoadOpenOrders(ctx context.Context, instrument string) ([]*domain.Order, error) {
	return p.ListOrders(ctx, domain.OrderFilter{Instrument: instrument})
}

func (p *PgRepo) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	var (
		where []string
		args  []any
	)
	add := func(col, val string) {
		if val == "" {
			return
		}
		args = append(args, val)
		where = append(where, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	add("instrument", filter.Instrument)
	add("side", string(filter.Side))
	add("owner_id", filter.OwnerID)

	q := `SELECT ` + orderColumns + ` FROM orders`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at ASC, serial ASC`

	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []*domain.Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func (p *PgRepo) LoadAccount(ctx context.Context, id string) (*domain.Account, error) {
	accts, err := loadAccounts(ctx, p.pool, false, id)
	if err != nil {
		return nil, err
	}
	a, ok := accts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", domain.ErrNotFound, id)
	}
	return a, nil
}

// LoadHistory returns the newest entries first; limit <= 0 means all.
func (p *PgRepo) LoadHistory(ctx context.Context, accountID string, limit int) ([]domain.HistoryEntry, error) {
	q := `
SELECT id, account_id, action, instrument, price::text, quantity, order_id, matched_order_id, counterparty_id, executed_at
FROM history
WHERE account_id = $1
ORDER BY seq DESC`
	args := []any{accountID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	res := []domain.HistoryEntry{}
	for rows.Next() {
		var (
			h      domain.HistoryEntry
			action string
			price  string
		)
		if err := rows.Scan(&h.ID, &h.AccountID, &action, &h.Instrument, &price, &h.Quantity, &h.OrderID, &h.MatchedOrderID, &h.CounterpartyID, &h.Timestamp); err != nil {
			return nil, err
		}
		h.Action = domain.Action(action)
		if h.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("pg: history %s price: %w", h.ID, err)
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o      domain.Order
		side   string
		status string
		price  string
	)
	if err := row.Scan(&o.ID, &o.Instrument, &side, &price, &o.Quantity, &o.OwnerID, &o.Serial, &status, &o.CreatedAt); err != nil {
		return nil, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("pg: order %s price: %w", o.ID, err)
	}
	o.Price = p
	o.Side = domain.Side(side)
	o.Status = domain.OrderStatus(status)
	return &o, nil
}

// loadAccounts reads accounts and their holdings; forUpdate locks the
// account rows in id order.
func loadAccounts(ctx context.Context, q querier, forUpdate bool, ids ...string) (map[string]*domain.Account, error) {
	lock := ""
	if forUpdate {
		lock = " FOR UPDATE"
	}
	rows, err := q.Query(ctx, `SELECT id, cash::text FROM accounts WHERE id = ANY($1) ORDER BY id`+lock, ids)
	if err != nil {
		return nil, mapErr(err)
	}
	res := make(map[string]*domain.Account, len(ids))
	for rows.Next() {
		var id, cash string
		if err := rows.Scan(&id, &cash); err != nil {
			rows.Close()
			return nil, err
		}
		a := domain.NewAccount(id)
		if a.Cash, err = decimal.NewFromString(cash); err != nil {
			rows.Close()
			return nil, fmt.Errorf("pg: account %s cash: %w", id, err)
		}
		res[id] = a
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	if len(res) == 0 {
		return res, nil
	}

	rows, err = q.Query(ctx, `SELECT account_id, instrument, quantity, avg_cost::text FROM holdings WHERE account_id = ANY($1)`, ids)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id, inst, cost string
			qty            int64
		)
		if err := rows.Scan(&id, &inst, &qty, &cost); err != nil {
			return nil, err
		}
		avg, err := decimal.NewFromString(cost)
		if err != nil {
			return nil, fmt.Errorf("pg: holding %s/%s cost: %w", id, inst, err)
		}
		if a, ok := res[id]; ok {
			a.Holdings[inst] = domain.Holding{Quantity: qty, AvgCost: avg}
		}
	}
	return res, mapErr(rows.Err())
}

// mapErr turns serialization failures and deadlocks into port.ErrTxConflict.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "40001" || pgErr.Code == "40P01") {
		return fmt.Errorf("pg: %s: %w", pgErr.Message, port.ErrTxConflict)
	}
	return err
}
