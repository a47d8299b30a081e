package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cockroachdb/pebble"
	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
)

var errTxDone = errors.New("pebble: transaction already finished")

// tx holds the store's write lock from BeginTx until Commit or Rollback.
type tx struct {
	store *Store
	batch *pebble.Batch
	done  bool
}

var _ port.Tx = (*tx)(nil)

func (t *tx) setJSON(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("pebble: encode %s: %w", key, err)
	}
	return t.batch.Set(key, data, nil)
}

func (t *tx) NextSerial(ctx context.Context, instrument string, side domain.Side) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	key := serialKey(instrument, side)
	var last uint64
	data, closer, err := t.batch.Get(key)
	switch {
	case errors.Is(err, pebble.ErrNotFound):
	case err != nil:
		return 0, fmt.Errorf("pebble: get serial: %w", err)
	default:
		last = decodeUint(data)
		closer.Close()
	}
	last++
	if err := t.batch.Set(key, encodeUint(last), nil); err != nil {
		return 0, err
	}
	return int64(last), nil
}

func (t *tx) InsertOrder(ctx context.Context, o *domain.Order) error {
	if t.done {
		return errTxDone
	}
	var existing domain.Order
	ok, err := getJSON(t.batch, orderKey(o.ID), &existing)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("pebble: order %s already exists", o.ID)
	}
	return t.setJSON(orderKey(o.ID), o)
}

func (t *tx) LoadOrderForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	if t.done {
		return nil, errTxDone
	}
	var o domain.Order
	ok, err := getJSON(t.batch, orderKey(id), &o)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return &o, nil
}

func (t *tx) UpdateOrderQuantity(ctx context.Context, id string, qty int64) error {
	o, err := t.LoadOrderForUpdate(ctx, id)
	if err != nil {
		return err
	}
	o.Quantity = qty
	return t.setJSON(orderKey(id), o)
}

func (t *tx) DeleteOrder(ctx context.Context, id string) error {
	if _, err := t.LoadOrderForUpdate(ctx, id); err != nil {
		return err
	}
	return t.batch.Delete(orderKey(id), nil)
}

func (t *tx) LoadAccountsForUpdate(ctx context.Context, ids ...string) (map[string]*domain.Account, error) {
	if t.done {
		return nil, errTxDone
	}
	res := make(map[string]*domain.Account, len(ids))
	for _, id := range ids {
		if _, seen := res[id]; seen {
			continue
		}
		a, err := getAccount(t.batch, id)
		if err != nil {
			return nil, err
		}
		if a != nil {
			res[id] = a
		}
	}
	return res, nil
}

func (t *tx) SaveAccount(ctx context.Context, a *domain.Account) error {
	if t.done {
		return errTxDone
	}
	if a.Cash.IsNegative() {
		return fmt.Errorf("pebble: account %s cash would go negative", a.ID)
	}
	return t.setJSON(accountKey(a.ID), a)
}

func (t *tx) AppendHistory(ctx context.Context, entries ...domain.HistoryEntry) error {
	if t.done {
		return errTxDone
	}
	for _, h := range entries {
		seqKey := historySeqKey(h.AccountID)
		var seq uint64
		data, closer, err := t.batch.Get(seqKey)
		switch {
		case errors.Is(err, pebble.ErrNotFound):
		case err != nil:
			return fmt.Errorf("pebble: get history seq: %w", err)
		default:
			seq = decodeUint(data)
			closer.Close()
		}
		seq++
		if err := t.batch.Set(seqKey, encodeUint(seq), nil); err != nil {
			return err
		}
		if err := t.setJSON(historyKey(h.AccountID, seq), h); err != nil {
			return err
		}
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	defer t.store.mu.Unlock()
	defer t.batch.Close()
	if err := t.batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("pebble: commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	defer t.store.mu.Unlock()
	return t.batch.Close()
}
