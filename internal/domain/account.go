package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

type Holding struct {
	Quantity int64           `json:"quantity"`
	AvgCost  decimal.Decimal `json:"avgCost"`
}

// Account is the ledger view of one owner: cash plus per-instrument holdings.
// History lives in its own append-only log.
type Account struct {
	ID       string             `json:"id"`
	Cash     decimal.Decimal    `json:"cash"`
	Holdings map[string]Holding `json:"holdings"`
}

func NewAccount(id string) *Account {
	return &Account{ID: id, Cash: decimal.Zero, Holdings: make(map[string]Holding)}
}

func (a *Account) Clone() *Account {
	c := &Account{ID: a.ID, Cash: a.Cash, Holdings: make(map[string]Holding, len(a.Holdings))}
	for k, v := range a.Holdings {
		c.Holdings[k] = v
	}
	return c
}

// Holding returns the entry for instrument and whether one exists.
func (a *Account) Holding(instrument string) (Holding, bool) {
	h, ok := a.Holdings[instrument]
	return h, ok
}

// HoldingQty is zero when the account holds nothing of instrument.
func (a *Account) HoldingQty(instrument string) int64 {
	if a == nil {
		return 0
	}
	h, ok := a.Holding(instrument)
	if !ok {
		return 0
	}
	return h.Quantity
}

// Affordable is floor(cash / price): how many units the account can pay for.
func (a *Account) Affordable(price decimal.Decimal) int64 {
	if a == nil || !price.IsPositive() || !a.Cash.IsPositive() {
		return 0
	}
	q := a.Cash.Div(price).Floor().IntPart()
	for q > 0 && price.Mul(decimal.NewFromInt(q)).GreaterThan(a.Cash) {
		q--
	}
	for price.Mul(decimal.NewFromInt(q + 1)).LessThanOrEqual(a.Cash) {
		q++
	}
	return q
}

// ApplyBuy debits qty*price and folds the units into the weighted-average cost.
func (a *Account) ApplyBuy(instrument string, qty int64, price decimal.Decimal) error {
	if qty <= 0 {
		return fmt.Errorf("%w: buy quantity must be positive", ErrValidation)
	}
	cost := price.Mul(decimal.NewFromInt(qty))
	if a.Cash.LessThan(cost) {
		return fmt.Errorf("%w: account %s has %s, needs %s", ErrInsufficientFunds, a.ID, a.Cash, cost)
	}
	a.Cash = a.Cash.Sub(cost)

	h, ok := a.Holding(instrument)
	if !ok {
		a.Holdings[instrument] = Holding{Quantity: qty, AvgCost: price}
		return nil
	}
	oldQty := decimal.NewFromInt(h.Quantity)
	newQty := h.Quantity + qty
	h.AvgCost = oldQty.Mul(h.AvgCost).Add(cost).Div(decimal.NewFromInt(newQty))
	h.Quantity = newQty
	a.Holdings[instrument] = h
	return nil
}

// ApplySell credits qty*price. The average cost is left unchanged and the
// holding disappears when it reaches zero.
func (a *Account) ApplySell(instrument string, qty int64, price decimal.Decimal) error {
	if qty <= 0 {
		return fmt.Errorf("%w: sell quantity must be positive", ErrValidation)
	}
	h, ok := a.Holding(instrument)
	if !ok || h.Quantity < qty {
		return fmt.Errorf("%w: account %s holds %d %s, needs %d", ErrInsufficientHoldings, a.ID, h.Quantity, instrument, qty)
	}
	a.Cash = a.Cash.Add(price.Mul(decimal.NewFromInt(qty)))
	h.Quantity -= qty
	if h.Quantity == 0 {
		delete(a.Holdings, instrument)
		return nil
	}
	a.Holdings[instrument] = h
	return nil
}

// HistoryEntry is one line of an account's append-only trade log.
type HistoryEntry struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"accountId"`
	Action         Action          `json:"action"`
	Instrument     string          `json:"instrument"`
	Price          decimal.Decimal `json:"price"`
	Quantity       int64           `json:"quantity"`
	OrderID        string          `json:"orderId"`
	MatchedOrderID string          `json:"matchedOrderId"`
	CounterpartyID string          `json:"counterpartyId"`
	Timestamp      time.Time       `json:"timestamp"`
}
