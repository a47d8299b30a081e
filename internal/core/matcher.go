package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
	"go.uber.org/zap"
)

const DefaultMaxPasses = 64

// Matcher runs the execution protocol for one initiating order against the
// in-process book. Callers hold the instrument's writer lock.
type Matcher struct {
	repo      port.Repository
	book      *OrderBook
	ledger    *Ledger
	publisher port.Publisher
	log       *zap.Logger

	maxPasses int
	policy    txPolicy
	now       func() time.Time
	newID     func() string
}

func NewMatcher(repo port.Repository, book *OrderBook, ledger *Ledger, publisher port.Publisher, log *zap.Logger) *Matcher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Matcher{
		repo:      repo,
		book:      book,
		ledger:    ledger,
		publisher: publisher,
		log:       log,
		maxPasses: DefaultMaxPasses,
		policy:    defaultTxPolicy,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

type outcome int

const (
	outcomeFilled outcome = iota
	outcomeSkipped
	outcomeStale
	outcomeCancelled
	outcomeGone
)

// settleResult carries what the transaction saw. selfQuantity is the stored
// quantity of the initiating order when the transaction ended; it is zero
// for outcomeGone.
type settleResult struct {
	outcome          outcome
	fill             domain.Fill
	counterRemaining int64
	selfQuantity     int64
}

// Execute matches o until it is filled, cancelled, stops making progress or
// exhausts the pass budget. Fills committed before an error stay committed
// and are reflected in the book.
func (m *Matcher) Execute(ctx context.Context, o *domain.Order) (*domain.Execution, error) {
	exec := &domain.Execution{
		OrderID:          o.ID,
		Instrument:       o.Instrument,
		Side:             o.Side,
		State:            domain.Initiated,
		OriginalQuantity: o.Quantity,
		Fills:            []domain.Fill{},
	}
	log := m.log.With(zap.String("order_id", o.ID), zap.String("instrument", o.Instrument), zap.String("side", string(o.Side)))

	remaining := o.Quantity
	stored := o.Quantity
	cancelled, gone := false, false
	exec.State = domain.Matching

passes:
	for remaining > 0 {
		if exec.Passes >= m.maxPasses {
			log.Warn("pass budget exhausted, remainder rests", zap.Int("passes", exec.Passes), zap.Int64("remaining", remaining))
			break
		}
		candidates := m.book.MatchCandidates(o.Instrument, o.Side.Opposite(), o.Price)
		if len(candidates) == 0 {
			break
		}
		exec.Passes++

		if o.Side == domain.Sell {
			seller, err := m.repo.LoadAccount(ctx, o.OwnerID)
			if err != nil {
				return nil, fmt.Errorf("matcher: load seller: %w", err)
			}
			if held := seller.HoldingQty(o.Instrument); held < remaining {
				remaining = held
			}
			if remaining == 0 {
				if err := m.cancel(ctx, o); err != nil {
					return nil, err
				}
				cancelled = true
				break
			}
		}

		progressed := false
		for _, c := range candidates {
			if remaining == 0 {
				break
			}
			res, err := m.settle(ctx, o, remaining, c)
			if err != nil {
				return nil, err
			}
			if res.outcome != outcomeGone {
				// another writer on the same store may have filled part of o
				if avail := res.selfQuantity + res.fill.Quantity; avail < remaining {
					exec.OriginalQuantity -= remaining - avail
					remaining = avail
					m.book.SetQuantity(o.Instrument, o.ID, remaining)
				}
				stored = res.selfQuantity
			}
			switch res.outcome {
			case outcomeGone:
				m.book.Remove(o.Instrument, o.ID)
				gone = true
				break passes
			case outcomeStale:
				m.book.Remove(o.Instrument, c.ID)
			case outcomeSkipped:
				log.Debug("candidate skipped", zap.String("counter_order_id", c.ID))
			case outcomeCancelled:
				m.book.Remove(o.Instrument, o.ID)
				cancelled = true
				break passes
			case outcomeFilled:
				remaining -= res.fill.Quantity
				progressed = true
				exec.Fills = append(exec.Fills, res.fill)
				m.book.SetQuantity(o.Instrument, c.ID, res.counterRemaining)
				m.book.SetQuantity(o.Instrument, o.ID, remaining)
				m.publish(ctx, res.fill)
			}
		}
		if !progressed {
			break
		}
	}

	exec.RemainingQuantity = exec.OriginalQuantity - exec.FilledQuantity()
	switch {
	case gone && len(exec.Fills) == 0:
		return nil, fmt.Errorf("%w: order %s is no longer resting", domain.ErrNotFound, o.ID)
	case cancelled, gone:
		exec.State = domain.CancelledUnfilled
	case remaining <= 0:
		exec.State = domain.Filled
		m.book.Remove(o.Instrument, o.ID)
	default:
		if stored != remaining {
			if err := m.persistRemainder(ctx, o.ID, remaining); err != nil {
				return nil, err
			}
			m.book.SetQuantity(o.Instrument, o.ID, remaining)
		}
		exec.State = domain.PartiallyResting
		exec.RestingQuantity = remaining
	}

	log.Info("execution finished",
		zap.String("state", string(exec.State)),
		zap.Int("fills", len(exec.Fills)),
		zap.Int64("remaining", exec.RemainingQuantity),
		zap.Int("passes", exec.Passes))
	return exec, nil
}

// settle evaluates one candidate inside a transaction and, when a positive
// quantity is executable, commits the ledger pair and both order updates.
func (m *Matcher) settle(ctx context.Context, o *domain.Order, remaining int64, c *domain.Order) (settleResult, error) {
	var res settleResult
	err := withTx(ctx, m.repo, m.policy, func(tx port.Tx) error {
		res = settleResult{}
		self, err := tx.LoadOrderForUpdate(ctx, o.ID)
		if errors.Is(err, domain.ErrNotFound) {
			res.outcome = outcomeGone
			return nil
		}
		if err != nil {
			return fmt.Errorf("matcher: lock order %s: %w", o.ID, err)
		}
		res.selfQuantity = self.Quantity
		avail := min(remaining, self.Quantity)

		counter, err := tx.LoadOrderForUpdate(ctx, c.ID)
		if errors.Is(err, domain.ErrNotFound) {
			res.outcome = outcomeStale
			return nil
		}
		if err != nil {
			return fmt.Errorf("matcher: lock counter order %s: %w", c.ID, err)
		}

		buyerID, sellerID := o.OwnerID, counter.OwnerID
		if o.Side == domain.Sell {
			buyerID, sellerID = counter.OwnerID, o.OwnerID
		}
		accts, err := tx.LoadAccountsForUpdate(ctx, buyerID, sellerID)
		if err != nil {
			return fmt.Errorf("matcher: lock accounts: %w", err)
		}
		buyer, seller := accts[buyerID], accts[sellerID]

		qty := min(avail, counter.Quantity)
		if o.Side == domain.Buy {
			if buyer == nil {
				return fmt.Errorf("%w: account %s", domain.ErrNotFound, buyerID)
			}
			affordable := buyer.Affordable(o.Price)
			if affordable == 0 {
				if err := tx.DeleteOrder(ctx, o.ID); err != nil {
					return err
				}
				res.outcome = outcomeCancelled
				return nil
			}
			qty = min(qty, affordable, seller.HoldingQty(o.Instrument))
		} else {
			if seller == nil {
				return fmt.Errorf("%w: account %s", domain.ErrNotFound, sellerID)
			}
			qty = min(qty, buyer.Affordable(o.Price), seller.HoldingQty(o.Instrument))
		}
		if qty <= 0 {
			res.outcome = outcomeSkipped
			return nil
		}

		fill := domain.Fill{
			ID:                  m.newID(),
			Instrument:          o.Instrument,
			Side:                o.Side,
			BuyerID:             buyerID,
			SellerID:            sellerID,
			Price:               o.Price,
			Quantity:            qty,
			OrderID:             o.ID,
			CounterpartyOrderID: counter.ID,
			ExecutedAt:          m.now(),
		}
		if err := m.ledger.Settle(ctx, tx, fill, buyer, seller); err != nil {
			return err
		}
		if err := shrink(ctx, tx, counter.ID, counter.Quantity-qty); err != nil {
			return err
		}
		if err := shrink(ctx, tx, o.ID, avail-qty); err != nil {
			return err
		}
		res = settleResult{
			outcome:          outcomeFilled,
			fill:             fill,
			counterRemaining: counter.Quantity - qty,
			selfQuantity:     avail - qty,
		}
		return nil
	})
	return res, err
}

// shrink persists the new quantity, deleting the order at zero.
func shrink(ctx context.Context, tx port.Tx, id string, qty int64) error {
	if qty <= 0 {
		return tx.DeleteOrder(ctx, id)
	}
	return tx.UpdateOrderQuantity(ctx, id, qty)
}

func (m *Matcher) cancel(ctx context.Context, o *domain.Order) error {
	err := withTx(ctx, m.repo, m.policy, func(tx port.Tx) error {
		return tx.DeleteOrder(ctx, o.ID)
	})
	if err != nil {
		return fmt.Errorf("matcher: cancel %s: %w", o.ID, err)
	}
	m.book.Remove(o.Instrument, o.ID)
	return nil
}

func (m *Matcher) persistRemainder(ctx context.Context, id string, qty int64) error {
	return withTx(ctx, m.repo, m.policy, func(tx port.Tx) error {
		return tx.UpdateOrderQuantity(ctx, id, qty)
	})
}

func (m *Matcher) publish(ctx context.Context, f domain.Fill) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.PublishFill(ctx, f); err != nil {
		m.log.Warn("publish fill", zap.String("fill_id", f.ID), zap.Error(err))
	}
}
