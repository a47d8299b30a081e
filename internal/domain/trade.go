package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Fill is the result of matching the initiating order against one
// counter-order. Side is the side of the initiating order.
type Fill struct {
	ID                  string          `json:"id"`
	Instrument          string          `json:"instrument"`
	Side                Side            `json:"side"`
	BuyerID             string          `json:"buyerId"`
	SellerID            string          `json:"sellerId"`
	Price               decimal.Decimal `json:"price"`
	Quantity            int64           `json:"quantity"`
	OrderID             string          `json:"orderId"`
	CounterpartyOrderID string          `json:"counterpartyOrderId"`
	ExecutedAt          time.Time       `json:"executedAt"`
}

type ExecutionState string

const (
	Initiated         ExecutionState = "INITIATED"
	Matching          ExecutionState = "MATCHING"
	Filled            ExecutionState = "FILLED"
	PartiallyResting  ExecutionState = "PARTIALLY_RESTING"
	CancelledUnfilled ExecutionState = "CANCELLED_UNFILLED"
)

// Execution summarizes one execute request. RemainingQuantity is the
// unfilled part of the original quantity; RestingQuantity is what is left
// in the book afterwards (zero when the order was filled or cancelled).
type Execution struct {
	OrderID           string         `json:"orderId"`
	Instrument        string         `json:"instrument"`
	Side              Side           `json:"side"`
	State             ExecutionState `json:"state"`
	OriginalQuantity  int64          `json:"originalQuantity"`
	RemainingQuantity int64          `json:"remainingQuantity"`
	RestingQuantity   int64          `json:"restingQuantity"`
	Fills             []Fill         `json:"fills"`
	Passes            int            `json:"passes"`
}

func (e *Execution) FilledQuantity() int64 {
	var n int64
	for _, f := range e.Fills {
		n += f.Quantity
	}
	return n
}

// InitiatorID returns the owner of the executed order as recorded on its
// fills. ok is false when nothing was filled.
func (e *Execution) InitiatorID() (id string, ok bool) {
	if len(e.Fills) == 0 {
		return "", false
	}
	if e.Side == Buy {
		return e.Fills[0].BuyerID, true
	}
	return e.Fills[0].SellerID, true
}
