package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type Side string
type OrderStatus string

const (
	Buy     Side        = "BUY"
	Sell    Side        = "SELL"
	Pending OrderStatus = "PENDING"
)

// ParseSide accepts any letter case.
func ParseSide(s string) (Side, error) {
	switch Side(strings.ToUpper(strings.TrimSpace(s))) {
	case Buy:
		return Buy, nil
	case Sell:
		return Sell, nil
	}
	return "", fmt.Errorf("%w: invalid side %q", ErrValidation, s)
}

func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// NormalizeInstrument returns the canonical upper-case instrument code.
func NormalizeInstrument(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Order is a resting limit order. Quantity is the remaining quantity and is
// always positive while the order exists.
type Order struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Quantity   int64           `json:"quantity"`
	OwnerID    string          `json:"ownerId"`
	Serial     int64           `json:"serial"`
	Status     OrderStatus     `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Before reports FIFO priority: earlier creation first, then lower serial.
func (o *Order) Before(other *Order) bool {
	if !o.CreatedAt.Equal(other.CreatedAt) {
		return o.CreatedAt.Before(other.CreatedAt)
	}
	return o.Serial < other.Serial
}

// SubmitOrder carries the fields of a new order as accepted from a caller.
type SubmitOrder struct {
	Instrument string
	Side       Side
	Price      decimal.Decimal
	Quantity   int64
	OwnerID    string
}

func (s *SubmitOrder) Validate() error {
	s.Instrument = NormalizeInstrument(s.Instrument)
	if s.Instrument == "" {
		return fmt.Errorf("%w: instrument is required", ErrValidation)
	}
	if s.Side != Buy && s.Side != Sell {
		return fmt.Errorf("%w: invalid side %q", ErrValidation, s.Side)
	}
	if !s.Price.IsPositive() {
		return fmt.Errorf("%w: limit price must be positive", ErrValidation)
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("%w: quantity must be a positive integer", ErrValidation)
	}
	if s.OwnerID == "" {
		return fmt.Errorf("%w: owner is required", ErrValidation)
	}
	return nil
}

// ResubmitOrder holds optional overrides applied on top of an existing order.
type ResubmitOrder struct {
	Instrument *string
	Side       *Side
	Price      *decimal.Decimal
	Quantity   *int64
}

// Merge builds the replacement order from the original and the overrides.
func (r ResubmitOrder) Merge(o *Order) SubmitOrder {
	s := SubmitOrder{
		Instrument: o.Instrument,
		Side:       o.Side,
		Price:      o.Price,
		Quantity:   o.Quantity,
		OwnerID:    o.OwnerID,
	}
	if r.Instrument != nil {
		s.Instrument = *r.Instrument
	}
	if r.Side != nil {
		s.Side = *r.Side
	}
	if r.Price != nil {
		s.Price = *r.Price
	}
	if r.Quantity != nil {
		s.Quantity = *r.Quantity
	}
	return s
}

// OrderFilter selects orders for listing. Side is optional.
type OrderFilter struct {
	Instrument string
	Side       Side
	OwnerID    string
}

func (f OrderFilter) Match(o *Order) bool {
	if f.Instrument != "" && o.Instrument != f.Instrument {
		return false
	}
	if f.Side != "" && o.Side != f.Side {
		return false
	}
	if f.OwnerID != "" && o.OwnerID != f.OwnerID {
		return false
	}
	return true
}
