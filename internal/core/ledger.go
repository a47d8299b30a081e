package core

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
	"github.com/shopspring/decimal"
)

// Ledger settles fills against accounts and seeds balances for operators.
type Ledger struct {
	repo   port.Repository
	policy txPolicy
	newID  func() string
}

func NewLedger(repo port.Repository) *Ledger {
	return &Ledger{
		repo:   repo,
		policy: defaultTxPolicy,
		newID:  uuid.NewString,
	}
}

// Settle applies one fill to buyer and seller inside tx and records a
// history entry for each side. buyer and seller may be the same account.
func (l *Ledger) Settle(ctx context.Context, tx port.Tx, f domain.Fill, buyer, seller *domain.Account) error {
	// a self-trade nets to zero; applying both legs would re-average the cost
	if seller.ID != buyer.ID {
		if err := buyer.ApplyBuy(f.Instrument, f.Quantity, f.Price); err != nil {
			return err
		}
		if err := seller.ApplySell(f.Instrument, f.Quantity, f.Price); err != nil {
			return err
		}
	}
	if err := tx.SaveAccount(ctx, buyer); err != nil {
		return fmt.Errorf("ledger: save buyer %s: %w", buyer.ID, err)
	}
	if seller.ID != buyer.ID {
		if err := tx.SaveAccount(ctx, seller); err != nil {
			return fmt.Errorf("ledger: save seller %s: %w", seller.ID, err)
		}
	}

	buyOrder, sellOrder := f.OrderID, f.CounterpartyOrderID
	if f.Side == domain.Sell {
		buyOrder, sellOrder = f.CounterpartyOrderID, f.OrderID
	}
	entries := []domain.HistoryEntry{
		{
			ID:             l.newID(),
			AccountID:      buyer.ID,
			Action:         domain.ActionBuy,
			Instrument:     f.Instrument,
			Price:          f.Price,
			Quantity:       f.Quantity,
			OrderID:        buyOrder,
			MatchedOrderID: sellOrder,
			CounterpartyID: seller.ID,
			Timestamp:      f.ExecutedAt,
		},
		{
			ID:             l.newID(),
			AccountID:      seller.ID,
			Action:         domain.ActionSell,
			Instrument:     f.Instrument,
			Price:          f.Price,
			Quantity:       f.Quantity,
			OrderID:        sellOrder,
			MatchedOrderID: buyOrder,
			CounterpartyID: buyer.ID,
			Timestamp:      f.ExecutedAt,
		},
	}
	if err := tx.AppendHistory(ctx, entries...); err != nil {
		return fmt.Errorf("ledger: append history: %w", err)
	}
	return nil
}

// Fund credits cash, creating the account when it does not exist yet.
func (l *Ledger) Fund(ctx context.Context, accountID string, amount decimal.Decimal) (*domain.Account, error) {
	if accountID == "" {
		return nil, fmt.Errorf("%w: account id is required", domain.ErrValidation)
	}
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrValidation)
	}
	return l.mutate(ctx, accountID, func(a *domain.Account) error {
		a.Cash = a.Cash.Add(amount)
		return nil
	})
}

// Grant adds units to a holding at the given cost, re-averaging like a buy
// that does not touch cash.
func (l *Ledger) Grant(ctx context.Context, accountID, instrument string, qty int64, avgCost decimal.Decimal) (*domain.Account, error) {
	instrument = domain.NormalizeInstrument(instrument)
	if accountID == "" || instrument == "" {
		return nil, fmt.Errorf("%w: account id and instrument are required", domain.ErrValidation)
	}
	if qty <= 0 || avgCost.IsNegative() {
		return nil, fmt.Errorf("%w: quantity must be positive and cost non-negative", domain.ErrValidation)
	}
	return l.mutate(ctx, accountID, func(a *domain.Account) error {
		cost := avgCost.Mul(decimal.NewFromInt(qty))
		a.Cash = a.Cash.Add(cost)
		return a.ApplyBuy(instrument, qty, avgCost)
	})
}

func (l *Ledger) mutate(ctx context.Context, accountID string, fn func(*domain.Account) error) (*domain.Account, error) {
	var out *domain.Account
	err := withTx(ctx, l.repo, l.policy, func(tx port.Tx) error {
		accts, err := tx.LoadAccountsForUpdate(ctx, accountID)
		if err != nil {
			return err
		}
		a, ok := accts[accountID]
		if !ok {
			a = domain.NewAccount(accountID)
		}
		if err := fn(a); err != nil {
			return err
		}
		if err := tx.SaveAccount(ctx, a); err != nil {
			return err
		}
		out = a.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
