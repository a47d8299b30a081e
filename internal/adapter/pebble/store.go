package pebble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
)

// Store is an embedded single-node repository. Transactions are indexed
// batches; one writer at a time, reads outside a transaction go to the db.
type Store struct {
	db *pebble.DB
	mu sync.Mutex
}

var _ port.Repository = (*Store)(nil)

// Open opens (or creates) the database at path.
func Open(path string) (*Store, error) {
	opts := &pebble.Options{
		Cache:        pebble.NewCache(64 << 20),
		MemTableSize: 32 << 20,
		BytesPerSync: 512 << 10,
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("pebble: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close(ctx context.Context) {
	_ = s.db.Close()
}

func (s *Store) BeginTx(ctx context.Context) (port.Tx, error) {
	s.mu.Lock()
	if err := ctx.Err(); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	return &tx{store: s, batch: s.db.NewIndexedBatch()}, nil
}

func (s *Store) LoadOrder(ctx context.Context, id string) (*domain.Order, error) {
	var o domain.Order
	ok, err := getJSON(s.db, orderKey(id), &o)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return &o, nil
}

func (s *Store) LoadOpenOrders(ctx context.Context, instrument string) ([]*domain.Order, error) {
	return s.ListOrders(ctx, domain.OrderFilter{Instrument: instrument})
}

// ListOrders scans every order; results come back in FIFO order.
func (s *Store) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: orderPrefix(),
		UpperBound: keyUpperBound(orderPrefix()),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble: iterate orders: %w", err)
	}
	defer iter.Close()

	res := []*domain.Order{}
	for iter.First(); iter.Valid(); iter.Next() {
		var o domain.Order
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, fmt.Errorf("pebble: decode order %s: %w", iter.Key(), err)
		}
		if filter.Match(&o) {
			res = append(res, &o)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Before(res[j]) })
	return res, nil
}

func (s *Store) LoadAccount(ctx context.Context, id string) (*domain.Account, error) {
	a, err := getAccount(s.db, id)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("%w: account %s", domain.ErrNotFound, id)
	}
	return a, nil
}

// LoadHistory walks the account's entries backwards, newest first.
func (s *Store) LoadHistory(ctx context.Context, accountID string, limit int) ([]domain.HistoryEntry, error) {
	prefix := historyPrefix(accountID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble: iterate history: %w", err)
	}
	defer iter.Close()

	res := []domain.HistoryEntry{}
	for iter.Last(); iter.Valid() && (limit <= 0 || len(res) < limit); iter.Prev() {
		var h domain.HistoryEntry
		if err := json.Unmarshal(iter.Value(), &h); err != nil {
			return nil, fmt.Errorf("pebble: decode history %s: %w", iter.Key(), err)
		}
		res = append(res, h)
	}
	return res, nil
}

func getJSON(r pebble.Reader, key []byte, v any) (bool, error) {
	data, closer, err := r.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("pebble: get %s: %w", key, err)
	}
	defer closer.Close()
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("pebble: decode %s: %w", key, err)
	}
	return true, nil
}

// getAccount returns nil when the account does not exist.
func getAccount(r pebble.Reader, id string) (*domain.Account, error) {
	var a domain.Account
	ok, err := getJSON(r, accountKey(id), &a)
	if err != nil || !ok {
		return nil, err
	}
	if a.Holdings == nil {
		a.Holdings = make(map[string]domain.Holding)
	}
	return &a, nil
}
