package pg

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/jackc/pgx/v5"
	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
)

type pgTx struct {
	tx pgx.Tx
}

var _ port.Tx = (*pgTx)(nil)

func (t *pgTx) NextSerial(ctx context.Context, instrument string, side domain.Side) (int64, error) {
	var serial int64
	err := t.tx.QueryRow(ctx, `
INSERT INTO order_serials(instrument, side, last_serial)
VALUES($1, $2, 1)
ON CONFLICT (instrument, side) DO UPDATE SET last_serial = order_serials.last_serial + 1
RETURNING last_serial
`, instrument, string(side)).Scan(&serial)
	return serial, mapErr(err)
}

func (t *pgTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	if o == nil {
		return errors.New("nil order")
	}
	_, err := t.tx.Exec(ctx, `
INSERT INTO orders(id, instrument, side, price, quantity, owner_id, serial, status, created_at)
VALUES($1, $2, $3, $4::numeric, $5, $6, $7, $8, $9)
`, o.ID, o.Instrument, string(o.Side), o.Price.String(), o.Quantity, o.OwnerID, o.Serial, string(o.Status), o.CreatedAt)
	return mapErr(err)
}

func (t *pgTx) LoadOrderForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	o, err := scanOrder(t.tx.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return o, mapErr(err)
}

func (t *pgTx) UpdateOrderQuantity(ctx context.Context, id string, qty int64) error {
	tag, err := t.tx.Exec(ctx, `UPDATE orders SET quantity = $1 WHERE id = $2`, qty, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return nil
}

func (t *pgTx) DeleteOrder(ctx context.Context, id string) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM orders WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return nil
}

func (t *pgTx) LoadAccountsForUpdate(ctx context.Context, ids ...string) (map[string]*domain.Account, error) {
	keys := slices.Clone(ids)
	slices.Sort(keys)
	keys = slices.Compact(keys)
	return loadAccounts(ctx, t.tx, true, keys...)
}

// SaveAccount upserts the cash row and replaces the holdings set.
func (t *pgTx) SaveAccount(ctx context.Context, a *domain.Account) error {
	if a.Cash.IsNegative() {
		return fmt.Errorf("pg: account %s cash would go negative", a.ID)
	}
	if _, err := t.tx.Exec(ctx, `
INSERT INTO accounts(id, cash) VALUES($1, $2::numeric)
ON CONFLICT (id) DO UPDATE SET cash = EXCLUDED.cash
`, a.ID, a.Cash.String()); err != nil {
		return mapErr(err)
	}
	if _, err := t.tx.Exec(ctx, `DELETE FROM holdings WHERE account_id = $1`, a.ID); err != nil {
		return mapErr(err)
	}
	batch := &pgx.Batch{}
	for inst, h := range a.Holdings {
		if h.Quantity <= 0 {
			continue
		}
		batch.Queue(`INSERT INTO holdings(account_id, instrument, quantity, avg_cost) VALUES($1, $2, $3, $4::numeric)`,
			a.ID, inst, h.Quantity, h.AvgCost.String())
	}
	if batch.Len() == 0 {
		return nil
	}
	return mapErr(t.tx.SendBatch(ctx, batch).Close())
}

func (t *pgTx) AppendHistory(ctx context.Context, entries ...domain.HistoryEntry) error {
	for _, h := range entries {
		if _, err := t.tx.Exec(ctx, `
INSERT INTO history(id, account_id, action, instrument, price, quantity, order_id, matched_order_id, counterparty_id, executed_at)
VALUES($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
`, h.ID, h.AccountID, string(h.Action), h.Instrument, h.Price.String(), h.Quantity, h.OrderID, h.MatchedOrderID, h.CounterpartyID, h.Timestamp); err != nil {
			return mapErr(err)
		}
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	return mapErr(t.tx.Commit(ctx))
}

func (t *pgTx) Rollback(ctx context.Context) error {
	err := t.tx.Rollback(ctx)
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}
