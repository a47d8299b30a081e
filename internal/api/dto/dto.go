package dto

import (
	"time"

	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/shopspring/decimal"
)

type SubmitOrderRequest struct {
	Instrument string          `json:"instrument" validate:"required,max=32"`
	Side       string          `json:"side" validate:"required,oneof=BUY SELL buy sell"`
	LimitPrice decimal.Decimal `json:"limitPrice"`
	Quantity   int64           `json:"quantity" validate:"gt=0"`
}

func (r SubmitOrderRequest) ToDomain(ownerID string) (domain.SubmitOrder, error) {
	side, err := domain.ParseSide(r.Side)
	if err != nil {
		return domain.SubmitOrder{}, err
	}
	return domain.SubmitOrder{
		Instrument: r.Instrument,
		Side:       side,
		Price:      r.LimitPrice,
		Quantity:   r.Quantity,
		OwnerID:    ownerID,
	}, nil
}

// ResubmitOrderRequest overrides only the fields that are present.
type ResubmitOrderRequest struct {
	Instrument *string          `json:"instrument,omitempty" validate:"omitempty,max=32"`
	Side       *string          `json:"side,omitempty" validate:"omitempty,oneof=BUY SELL buy sell"`
	LimitPrice *decimal.Decimal `json:"limitPrice,omitempty"`
	Quantity   *int64           `json:"quantity,omitempty" validate:"omitempty,gt=0"`
}

func (r ResubmitOrderRequest) ToDomain() (domain.ResubmitOrder, error) {
	out := domain.ResubmitOrder{
		Instrument: r.Instrument,
		Price:      r.LimitPrice,
		Quantity:   r.Quantity,
	}
	if r.Side != nil {
		side, err := domain.ParseSide(*r.Side)
		if err != nil {
			return domain.ResubmitOrder{}, err
		}
		out.Side = &side
	}
	return out, nil
}

type Order struct {
	ID         string          `json:"id"`
	Instrument string          `json:"instrument"`
	Side       string          `json:"side"`
	LimitPrice decimal.Decimal `json:"limitPrice"`
	Quantity   int64           `json:"quantity"`
	OwnerID    string          `json:"ownerId"`
	Serial     int64           `json:"serial"`
	Status     string          `json:"status"`
	CreatedAt  time.Time       `json:"createdAt"`
}

func FromOrder(o *domain.Order) Order {
	return Order{
		ID:         o.ID,
		Instrument: o.Instrument,
		Side:       string(o.Side),
		LimitPrice: o.Price,
		Quantity:   o.Quantity,
		OwnerID:    o.OwnerID,
		Serial:     o.Serial,
		Status:     string(o.Status),
		CreatedAt:  o.CreatedAt,
	}
}

type OrderList struct {
	Data  []Order `json:"data"`
	Count int     `json:"count"`
}

func FromOrders(orders []*domain.Order) OrderList {
	res := OrderList{Data: make([]Order, len(orders)), Count: len(orders)}
	for i, o := range orders {
		res.Data[i] = FromOrder(o)
	}
	return res
}

type Fill struct {
	ID                  string          `json:"id"`
	CounterpartyOrderID string          `json:"counterpartyOrderId"`
	BuyerID             string          `json:"buyerId"`
	SellerID            string          `json:"sellerId"`
	Quantity            int64           `json:"quantity"`
	Price               decimal.Decimal `json:"price"`
	ExecutedAt          time.Time       `json:"executedAt"`
}

type ExecuteResponse struct {
	OrderID           string `json:"orderId"`
	Instrument        string `json:"instrument"`
	Side              string `json:"side"`
	State             string `json:"state"`
	OriginalQuantity  int64  `json:"originalQuantity"`
	FilledQuantity    int64  `json:"filledQuantity"`
	RemainingQuantity int64  `json:"remainingQuantity"`
	RestingQuantity   int64  `json:"restingQuantity"`
	Passes            int    `json:"passes"`
	Fills             []Fill `json:"fills"`
}

func FromExecution(e *domain.Execution) ExecuteResponse {
	res := ExecuteResponse{
		OrderID:           e.OrderID,
		Instrument:        e.Instrument,
		Side:              string(e.Side),
		State:             string(e.State),
		OriginalQuantity:  e.OriginalQuantity,
		FilledQuantity:    e.FilledQuantity(),
		RemainingQuantity: e.RemainingQuantity,
		RestingQuantity:   e.RestingQuantity,
		Passes:            e.Passes,
		Fills:             make([]Fill, len(e.Fills)),
	}
	for i, f := range e.Fills {
		res.Fills[i] = Fill{
			ID:                  f.ID,
			CounterpartyOrderID: f.CounterpartyOrderID,
			BuyerID:             f.BuyerID,
			SellerID:            f.SellerID,
			Quantity:            f.Quantity,
			Price:               f.Price,
			ExecutedAt:          f.ExecutedAt,
		}
	}
	return res
}

type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

type Orderbook struct {
	Instrument string       `json:"instrument"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Timestamp  time.Time    `json:"timestamp"`
}

func FromSnapshot(s *domain.OrderbookSnapshot) Orderbook {
	conv := func(levels []domain.PriceLevel) []PriceLevel {
		out := make([]PriceLevel, len(levels))
		for i, l := range levels {
			out[i] = PriceLevel{Price: l.Price, Quantity: l.Quantity, Orders: l.Orders}
		}
		return out
	}
	return Orderbook{
		Instrument: s.Instrument,
		Bids:       conv(s.Bids),
		Asks:       conv(s.Asks),
		Timestamp:  s.Timestamp,
	}
}

type Holding struct {
	Instrument string          `json:"instrument"`
	Quantity   int64           `json:"quantity"`
	AvgCost    decimal.Decimal `json:"avgCost"`
}

type HistoryEntry struct {
	Action         string          `json:"action"`
	Instrument     string          `json:"instrument"`
	Price          decimal.Decimal `json:"price"`
	Quantity       int64           `json:"quantity"`
	OrderID        string          `json:"orderId"`
	MatchedOrderID string          `json:"matchedOrderId"`
	CounterpartyID string          `json:"counterpartyId"`
	Timestamp      time.Time       `json:"timestamp"`
}

type Account struct {
	ID       string          `json:"id"`
	Cash     decimal.Decimal `json:"cash"`
	Holdings []Holding       `json:"holdings"`
	History  []HistoryEntry  `json:"history"`
}

func FromAccount(a *domain.Account, history []domain.HistoryEntry) Account {
	res := Account{
		ID:       a.ID,
		Cash:     a.Cash,
		Holdings: make([]Holding, 0, len(a.Holdings)),
		History:  make([]HistoryEntry, len(history)),
	}
	for inst, h := range a.Holdings {
		res.Holdings = append(res.Holdings, Holding{Instrument: inst, Quantity: h.Quantity, AvgCost: h.AvgCost})
	}
	for i, h := range history {
		res.History[i] = HistoryEntry{
			Action:         string(h.Action),
			Instrument:     h.Instrument,
			Price:          h.Price,
			Quantity:       h.Quantity,
			OrderID:        h.OrderID,
			MatchedOrderID: h.MatchedOrderID,
			CounterpartyID: h.CounterpartyID,
			Timestamp:      h.Timestamp,
		}
	}
	return res
}

// Portfolio reports a single holding; Held is false when the account has none.
type Portfolio struct {
	AccountID  string          `json:"accountId"`
	Instrument string          `json:"instrument"`
	Held       bool            `json:"held"`
	Quantity   int64           `json:"quantity"`
	AvgCost    decimal.Decimal `json:"avgCost"`
}
