package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PriceLevel struct {
	Price    decimal.Decimal `json:"price"`
	Quantity int64           `json:"quantity"`
	Orders   int             `json:"orders"`
}

// OrderbookSnapshot is the aggregated depth of one instrument.
type OrderbookSnapshot struct {
	Instrument string       `json:"instrument"`
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	Timestamp  time.Time    `json:"timestamp"`
}

func (s *OrderbookSnapshot) DeepCopy() *OrderbookSnapshot {
	c := &OrderbookSnapshot{
		Instrument: s.Instrument,
		Bids:       append([]PriceLevel(nil), s.Bids...),
		Asks:       append([]PriceLevel(nil), s.Asks...),
		Timestamp:  s.Timestamp,
	}
	return c
}
