package in_memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
)

var _ port.Repository = (*MemoryRepo)(nil)

// MemoryRepo keeps orders, accounts and history in maps. An open transaction
// holds the repo lock until it commits or rolls back, so transactions are
// fully serialized.
type MemoryRepo struct {
	mu        sync.Mutex
	orders    map[string]*domain.Order
	serials   map[string]int64
	accounts  map[string]*domain.Account
	history   map[string][]domain.HistoryEntry
	conflicts int
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		orders:   make(map[string]*domain.Order),
		serials:  make(map[string]int64),
		accounts: make(map[string]*domain.Account),
		history:  make(map[string][]domain.HistoryEntry),
	}
}

// InjectConflicts makes the next n commits fail with port.ErrTxConflict.
func (r *MemoryRepo) InjectConflicts(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conflicts = n
}

// PutAccount stores a copy of a, replacing any existing account.
func (r *MemoryRepo) PutAccount(a *domain.Account) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[a.ID] = a.Clone()
}

func serialKey(instrument string, side domain.Side) string {
	return instrument + "|" + string(side)
}

func (r *MemoryRepo) BeginTx(ctx context.Context) (port.Tx, error) {
	r.mu.Lock()
	return &memTx{
		repo:     r,
		orders:   make(map[string]*domain.Order),
		accounts: make(map[string]*domain.Account),
		serials:  make(map[string]int64),
	}, nil
}

func (r *MemoryRepo) LoadOrder(ctx context.Context, id string) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[id]
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (r *MemoryRepo) LoadOpenOrders(ctx context.Context, instrument string) ([]*domain.Order, error) {
	return r.ListOrders(ctx, domain.OrderFilter{Instrument: instrument})
}

func (r *MemoryRepo) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := []*domain.Order{}
	for _, o := range r.orders {
		if filter.Match(o) {
			res = append(res, o.Clone())
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Before(res[j]) })
	return res, nil
}

func (r *MemoryRepo) LoadAccount(ctx context.Context, id string) (*domain.Account, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.accounts[id]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", domain.ErrNotFound, id)
	}
	return a.Clone(), nil
}

// LoadHistory returns the newest entries first.
func (r *MemoryRepo) LoadHistory(ctx context.Context, accountID string, limit int) ([]domain.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	all := r.history[accountID]
	res := make([]domain.HistoryEntry, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(res) == limit {
			break
		}
		res = append(res, all[i])
	}
	return res, nil
}

func (r *MemoryRepo) Close(ctx context.Context) {}

// memTx stages writes and applies them on Commit. A nil order entry marks a delete.
type memTx struct {
	repo     *MemoryRepo
	orders   map[string]*domain.Order
	accounts map[string]*domain.Account
	serials  map[string]int64
	history  []domain.HistoryEntry
	done     bool
}

var errTxDone = errors.New("in_memory: transaction already finished")

func (t *memTx) order(id string) (*domain.Order, bool) {
	if o, staged := t.orders[id]; staged {
		return o, o != nil
	}
	o, ok := t.repo.orders[id]
	return o, ok
}

func (t *memTx) NextSerial(ctx context.Context, instrument string, side domain.Side) (int64, error) {
	if t.done {
		return 0, errTxDone
	}
	k := serialKey(instrument, side)
	hw, ok := t.serials[k]
	if !ok {
		hw = t.repo.serials[k]
	}
	hw++
	t.serials[k] = hw
	return hw, nil
}

func (t *memTx) InsertOrder(ctx context.Context, o *domain.Order) error {
	if t.done {
		return errTxDone
	}
	if _, exists := t.order(o.ID); exists {
		return fmt.Errorf("in_memory: order %s already exists", o.ID)
	}
	t.orders[o.ID] = o.Clone()
	return nil
}

func (t *memTx) LoadOrderForUpdate(ctx context.Context, id string) (*domain.Order, error) {
	if t.done {
		return nil, errTxDone
	}
	o, ok := t.order(id)
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	return o.Clone(), nil
}

func (t *memTx) UpdateOrderQuantity(ctx context.Context, id string, qty int64) error {
	if t.done {
		return errTxDone
	}
	o, ok := t.order(id)
	if !ok {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	c := o.Clone()
	c.Quantity = qty
	t.orders[id] = c
	return nil
}

func (t *memTx) DeleteOrder(ctx context.Context, id string) error {
	if t.done {
		return errTxDone
	}
	if _, ok := t.order(id); !ok {
		return fmt.Errorf("%w: order %s", domain.ErrNotFound, id)
	}
	t.orders[id] = nil
	return nil
}

func (t *memTx) LoadAccountsForUpdate(ctx context.Context, ids ...string) (map[string]*domain.Account, error) {
	if t.done {
		return nil, errTxDone
	}
	res := make(map[string]*domain.Account, len(ids))
	for _, id := range ids {
		if a, ok := t.accounts[id]; ok {
			res[id] = a.Clone()
			continue
		}
		if a, ok := t.repo.accounts[id]; ok {
			res[id] = a.Clone()
		}
	}
	return res, nil
}

func (t *memTx) SaveAccount(ctx context.Context, a *domain.Account) error {
	if t.done {
		return errTxDone
	}
	if a.Cash.IsNegative() {
		return fmt.Errorf("in_memory: account %s cash would go negative", a.ID)
	}
	t.accounts[a.ID] = a.Clone()
	return nil
}

func (t *memTx) AppendHistory(ctx context.Context, entries ...domain.HistoryEntry) error {
	if t.done {
		return errTxDone
	}
	t.history = append(t.history, entries...)
	return nil
}

func (t *memTx) Commit(ctx context.Context) error {
	if t.done {
		return errTxDone
	}
	t.done = true
	defer t.repo.mu.Unlock()

	r := t.repo
	if r.conflicts > 0 {
		r.conflicts--
		return fmt.Errorf("in_memory: injected: %w", port.ErrTxConflict)
	}
	for id, o := range t.orders {
		if o == nil {
			delete(r.orders, id)
			continue
		}
		r.orders[id] = o
	}
	for id, a := range t.accounts {
		r.accounts[id] = a
	}
	for k, v := range t.serials {
		r.serials[k] = v
	}
	for _, h := range t.history {
		r.history[h.AccountID] = append(r.history[h.AccountID], h)
	}
	return nil
}

func (t *memTx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.repo.mu.Unlock()
	return nil
}
