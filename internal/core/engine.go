package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Engine implements the execution API (submit, execute, cancel, resubmit)
// and the read models around it.
type Engine struct {
	repo  port.Repository
	cache port.Cache
	idem  port.IdempotencyStore
	log   *zap.Logger

	book    *OrderBook
	ledger  *Ledger
	matcher *Matcher
	locks   *instrumentLocks

	policy txPolicy
	now    func() time.Time
	newID  func() string
}

type Option func(*Engine)

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(e *Engine) { e.newID = newID }
}

func WithMaxPasses(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.matcher.maxPasses = n
		}
	}
}

func WithTxRetries(n int, backoff time.Duration) Option {
	return func(e *Engine) {
		if n >= 0 {
			e.policy = txPolicy{maxRetries: n, backoff: backoff}
		}
	}
}

// NewEngine wires the engine. cache, idem and publisher may be nil.
func NewEngine(repo port.Repository, cache port.Cache, idem port.IdempotencyStore, publisher port.Publisher, log *zap.Logger, opts ...Option) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	book := NewOrderBook()
	ledger := NewLedger(repo)
	e := &Engine{
		repo:    repo,
		cache:   cache,
		idem:    idem,
		log:     log.Named("engine"),
		book:    book,
		ledger:  ledger,
		matcher: NewMatcher(repo, book, ledger, publisher, log.Named("matcher")),
		locks:   newInstrumentLocks(),
		policy:  defaultTxPolicy,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.matcher.now = e.now
	e.matcher.newID = e.newID
	e.matcher.policy = e.policy
	e.ledger.newID = e.newID
	e.ledger.policy = e.policy
	return e
}

func (e *Engine) Ledger() *Ledger { return e.ledger }

// LoadOpenOrdersFromRepo hydrates the book for the given instruments (used on startup).
func (e *Engine) LoadOpenOrdersFromRepo(ctx context.Context, instruments []string) error {
	for _, s := range instruments {
		s = domain.NormalizeInstrument(s)
		unlock, err := e.locks.lock(ctx, s)
		if err != nil {
			return err
		}
		err = e.load(ctx, s)
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// ensureLoaded must run under the instrument lock.
func (e *Engine) ensureLoaded(ctx context.Context, instrument string) error {
	if e.book.Loaded(instrument) {
		return nil
	}
	return e.load(ctx, instrument)
}

func (e *Engine) load(ctx context.Context, instrument string) error {
	orders, err := e.repo.LoadOpenOrders(ctx, instrument)
	if err != nil {
		return fmt.Errorf("engine: load open orders for %s: %w", instrument, err)
	}
	e.book.Load(instrument, orders)
	return nil
}

// SubmitOrder validates and stores a new resting order with its FIFO serial.
func (e *Engine) SubmitOrder(ctx context.Context, req domain.SubmitOrder) (*domain.Order, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	unlock, err := e.locks.lock(ctx, req.Instrument)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := e.ensureLoaded(ctx, req.Instrument); err != nil {
		return nil, err
	}

	o, err := e.insert(ctx, req, nil)
	if err != nil {
		return nil, err
	}
	e.refreshDepth(ctx, o.Instrument)
	e.log.Info("order submitted",
		zap.String("order_id", o.ID),
		zap.String("instrument", o.Instrument),
		zap.String("side", string(o.Side)),
		zap.String("price", o.Price.String()),
		zap.Int64("quantity", o.Quantity),
		zap.Int64("serial", o.Serial))
	return o.Clone(), nil
}

// insert stores the order in one transaction, optionally deleting replaced
// first, and places it in the book. Callers hold the instrument locks.
func (e *Engine) insert(ctx context.Context, req domain.SubmitOrder, replaced *domain.Order) (*domain.Order, error) {
	o := &domain.Order{
		ID:         e.newID(),
		Instrument: req.Instrument,
		Side:       req.Side,
		Price:      req.Price,
		Quantity:   req.Quantity,
		OwnerID:    req.OwnerID,
		Status:     domain.Pending,
		CreatedAt:  e.now(),
	}
	err := withTx(ctx, e.repo, e.policy, func(tx port.Tx) error {
		if replaced != nil {
			if err := tx.DeleteOrder(ctx, replaced.ID); err != nil {
				return err
			}
		}
		serial, err := tx.NextSerial(ctx, o.Instrument, o.Side)
		if err != nil {
			return err
		}
		o.Serial = serial
		return tx.InsertOrder(ctx, o)
	})
	if err != nil {
		return nil, fmt.Errorf("engine: store order: %w", err)
	}
	if replaced != nil {
		e.book.Remove(replaced.Instrument, replaced.ID)
	}
	e.book.Place(o)
	return o, nil
}

// ExecuteOrder runs the matching protocol for orderID. A non-empty
// idempotencyKey makes retries return the first committed result.
func (e *Engine) ExecuteOrder(ctx context.Context, orderID, idempotencyKey string) (*domain.Execution, error) {
	if idempotencyKey == "" || e.idem == nil {
		return e.execute(ctx, orderID)
	}
	key := orderID + ":" + idempotencyKey
	prev, err := e.idem.Reserve(ctx, key)
	if errors.Is(err, port.ErrKeyInFlight) {
		return nil, fmt.Errorf("%w: execution %q is already in progress", domain.ErrConflict, idempotencyKey)
	}
	if err != nil {
		return nil, fmt.Errorf("engine: reserve idempotency key: %w", err)
	}
	if prev != nil {
		e.log.Info("execution replayed", zap.String("order_id", orderID), zap.String("idempotency_key", idempotencyKey))
		return prev, nil
	}

	res, err := e.execute(ctx, orderID)
	if err != nil {
		if rerr := e.idem.Release(context.WithoutCancel(ctx), key); rerr != nil {
			e.log.Warn("release idempotency key", zap.String("key", key), zap.Error(rerr))
		}
		return nil, err
	}
	if err := e.idem.Complete(context.WithoutCancel(ctx), key, res); err != nil {
		e.log.Warn("store idempotent result", zap.String("key", key), zap.Error(err))
	}
	return res, nil
}

func (e *Engine) execute(ctx context.Context, orderID string) (*domain.Execution, error) {
	o, err := e.repo.LoadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	unlock, err := e.locks.lock(ctx, o.Instrument)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := e.ensureLoaded(ctx, o.Instrument); err != nil {
		return nil, err
	}
	cur, ok := e.book.Get(o.Instrument, orderID)
	if !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	res, err := e.matcher.Execute(ctx, cur)
	e.refreshDepth(ctx, o.Instrument)
	return res, err
}

// CancelOrder deletes the owner's resting order.
func (e *Engine) CancelOrder(ctx context.Context, orderID, ownerID string) error {
	o, err := e.repo.LoadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if o.OwnerID != ownerID {
		return fmt.Errorf("%w: order %s belongs to another owner", domain.ErrForbidden, orderID)
	}
	unlock, err := e.locks.lock(ctx, o.Instrument)
	if err != nil {
		return err
	}
	defer unlock()
	if err := e.ensureLoaded(ctx, o.Instrument); err != nil {
		return err
	}
	err = withTx(ctx, e.repo, e.policy, func(tx port.Tx) error {
		if _, err := tx.LoadOrderForUpdate(ctx, orderID); err != nil {
			return err
		}
		return tx.DeleteOrder(ctx, orderID)
	})
	if err != nil {
		return err
	}
	e.book.Remove(o.Instrument, orderID)
	e.refreshDepth(ctx, o.Instrument)
	e.log.Info("order cancelled", zap.String("order_id", orderID), zap.String("owner_id", ownerID))
	return nil
}

// ResubmitOrder replaces the owner's order with a new one built from the
// original plus overrides. The replacement gets a fresh serial and timestamp.
func (e *Engine) ResubmitOrder(ctx context.Context, orderID, ownerID string, changes domain.ResubmitOrder) (*domain.Order, error) {
	o, err := e.repo.LoadOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: order %s belongs to another owner", domain.ErrForbidden, orderID)
	}
	req := changes.Merge(o)
	if err := req.Validate(); err != nil {
		return nil, err
	}
	unlock, err := e.locks.lock(ctx, o.Instrument, req.Instrument)
	if err != nil {
		return nil, err
	}
	defer unlock()
	for _, inst := range []string{o.Instrument, req.Instrument} {
		if err := e.ensureLoaded(ctx, inst); err != nil {
			return nil, err
		}
	}
	if _, ok := e.book.Get(o.Instrument, orderID); !ok {
		return nil, fmt.Errorf("%w: order %s", domain.ErrNotFound, orderID)
	}
	n, err := e.insert(ctx, req, o)
	if err != nil {
		return nil, err
	}
	e.refreshDepth(ctx, o.Instrument)
	if n.Instrument != o.Instrument {
		e.refreshDepth(ctx, n.Instrument)
	}
	e.log.Info("order resubmitted", zap.String("old_order_id", orderID), zap.String("order_id", n.ID))
	return n.Clone(), nil
}

func (e *Engine) GetOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	return e.repo.LoadOrder(ctx, orderID)
}

// ListOrders returns orders for an instrument, newest first and by serial within a timestamp.
func (e *Engine) ListOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error) {
	filter.Instrument = domain.NormalizeInstrument(filter.Instrument)
	if filter.Instrument == "" && filter.OwnerID == "" {
		return nil, fmt.Errorf("%w: instrument is required", domain.ErrValidation)
	}
	if filter.Side != "" && filter.Side != domain.Buy && filter.Side != domain.Sell {
		return nil, fmt.Errorf("%w: invalid side %q", domain.ErrValidation, filter.Side)
	}
	orders, err := e.repo.ListOrders(ctx, filter)
	if err != nil {
		return nil, err
	}
	sortNewestFirst(orders)
	return orders, nil
}

func (e *Engine) ListOwnerOrders(ctx context.Context, ownerID string) ([]*domain.Order, error) {
	return e.ListOrders(ctx, domain.OrderFilter{OwnerID: ownerID})
}

// GetOrderbook returns aggregated depth, from cache when possible.
func (e *Engine) GetOrderbook(ctx context.Context, instrument string) (*domain.OrderbookSnapshot, error) {
	instrument = domain.NormalizeInstrument(instrument)
	if instrument == "" {
		return nil, fmt.Errorf("%w: instrument is required", domain.ErrValidation)
	}
	if e.cache != nil {
		if ob, err := e.cache.GetOrderbook(ctx, instrument); err == nil && ob != nil {
			return ob, nil
		}
	}
	unlock, err := e.locks.lock(ctx, instrument)
	if err != nil {
		return nil, err
	}
	defer unlock()
	if err := e.ensureLoaded(ctx, instrument); err != nil {
		return nil, err
	}
	return e.refreshDepth(ctx, instrument), nil
}

func (e *Engine) GetAccount(ctx context.Context, accountID string) (*domain.Account, error) {
	return e.repo.LoadAccount(ctx, accountID)
}

// GetHolding reports the holding for instrument and whether the account has one.
func (e *Engine) GetHolding(ctx context.Context, accountID, instrument string) (domain.Holding, bool, error) {
	a, err := e.repo.LoadAccount(ctx, accountID)
	if err != nil {
		return domain.Holding{}, false, err
	}
	h, ok := a.Holding(domain.NormalizeInstrument(instrument))
	return h, ok, nil
}

func (e *Engine) GetHistory(ctx context.Context, accountID string, limit int) ([]domain.HistoryEntry, error) {
	return e.repo.LoadHistory(ctx, accountID, limit)
}

func (e *Engine) Fund(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	return e.ledger.Fund(ctx, accountID, amount)
}

func (e *Engine) Grant(ctx context.Context, accountID, instrument string, qty int64, avgCost decimal.Decimal) (*domain.Account, error) {
	return e.ledger.Grant(ctx, accountID, instrument, qty, avgCost)
}
