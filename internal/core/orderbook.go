package core

import (
	"sort"
	"sync"
	"time"

	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/shopspring/decimal"
)

// OrderBook is the in-process index of resting orders, one book per
// instrument, each side split into exact price levels kept in FIFO order.
// Mutations for an instrument are expected to happen under that
// instrument's writer lock; mu only guards the maps.
type OrderBook struct {
	mu    sync.RWMutex
	books map[string]*instrumentBook
}

type instrumentBook struct {
	instrument string
	bids       *bookSide
	asks       *bookSide
	orders     map[string]*domain.Order
}

type bookSide struct {
	levels map[string]*priceLevel
	prices []decimal.Decimal // ascending
}

type priceLevel struct {
	price  decimal.Decimal
	orders []*domain.Order
}

func NewOrderBook() *OrderBook {
	return &OrderBook{books: make(map[string]*instrumentBook)}
}

func newInstrumentBook(instrument string) *instrumentBook {
	return &instrumentBook{
		instrument: instrument,
		bids:       &bookSide{levels: make(map[string]*priceLevel)},
		asks:       &bookSide{levels: make(map[string]*priceLevel)},
		orders:     make(map[string]*domain.Order),
	}
}

func priceKey(p decimal.Decimal) string { return p.String() }

// Loaded reports whether the instrument has been hydrated from storage.
func (ob *OrderBook) Loaded(instrument string) bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	_, ok := ob.books[instrument]
	return ok
}

// Load replaces the instrument's book with orders.
func (ob *OrderBook) Load(instrument string, orders []*domain.Order) {
	b := newInstrumentBook(instrument)
	for _, o := range orders {
		b.place(o.Clone())
	}
	ob.mu.Lock()
	ob.books[instrument] = b
	ob.mu.Unlock()
}

// peek never creates a book, so reads cannot mark an instrument as loaded.
func (ob *OrderBook) peek(instrument string) *instrumentBook {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	if b, ok := ob.books[instrument]; ok {
		return b
	}
	return newInstrumentBook(instrument)
}

func (ob *OrderBook) book(instrument string) *instrumentBook {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	b, ok := ob.books[instrument]
	if !ok {
		b = newInstrumentBook(instrument)
		ob.books[instrument] = b
	}
	return b
}

// Place appends the order at its price level. Orders at the same price stay
// distinct entries.
func (ob *OrderBook) Place(o *domain.Order) {
	ob.book(o.Instrument).place(o.Clone())
}

// MatchCandidates returns copies of the resting orders on side at exactly
// price, earliest (CreatedAt, Serial) first.
func (ob *OrderBook) MatchCandidates(instrument string, side domain.Side, price decimal.Decimal) []*domain.Order {
	b := ob.peek(instrument)
	lvl, ok := b.side(side).levels[priceKey(price)]
	if !ok {
		return nil
	}
	res := make([]*domain.Order, len(lvl.orders))
	for i, o := range lvl.orders {
		res[i] = o.Clone()
	}
	return res
}

func (ob *OrderBook) Get(instrument, id string) (*domain.Order, bool) {
	o, ok := ob.peek(instrument).orders[id]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// Decrement reduces the order by qty and removes it at zero. It reports
// whether the order left the book.
func (ob *OrderBook) Decrement(instrument, id string, qty int64) bool {
	o, ok := ob.peek(instrument).orders[id]
	if !ok {
		return false
	}
	return ob.SetQuantity(instrument, id, o.Quantity-qty)
}

// SetQuantity overwrites the remaining quantity; zero or less removes the order.
func (ob *OrderBook) SetQuantity(instrument, id string, qty int64) bool {
	b := ob.peek(instrument)
	o, ok := b.orders[id]
	if !ok {
		return false
	}
	if qty <= 0 {
		b.remove(id)
		return true
	}
	o.Quantity = qty
	return false
}

func (ob *OrderBook) Remove(instrument, id string) bool {
	return ob.peek(instrument).remove(id)
}

// Depth aggregates each side by price: bids high to low, asks low to high.
func (ob *OrderBook) Depth(instrument string, now time.Time) *domain.OrderbookSnapshot {
	b := ob.peek(instrument)
	snap := &domain.OrderbookSnapshot{
		Instrument: instrument,
		Bids:       []domain.PriceLevel{},
		Asks:       []domain.PriceLevel{},
		Timestamp:  now,
	}
	for i := len(b.bids.prices) - 1; i >= 0; i-- {
		snap.Bids = append(snap.Bids, b.bids.levels[priceKey(b.bids.prices[i])].aggregate())
	}
	for _, p := range b.asks.prices {
		snap.Asks = append(snap.Asks, b.asks.levels[priceKey(p)].aggregate())
	}
	return snap
}

func (b *instrumentBook) side(s domain.Side) *bookSide {
	if s == domain.Buy {
		return b.bids
	}
	return b.asks
}

func (b *instrumentBook) place(o *domain.Order) {
	if _, dup := b.orders[o.ID]; dup {
		b.remove(o.ID)
	}
	b.orders[o.ID] = o
	b.side(o.Side).insert(o)
}

func (b *instrumentBook) remove(id string) bool {
	o, ok := b.orders[id]
	if !ok {
		return false
	}
	delete(b.orders, id)
	b.side(o.Side).delete(o)
	return true
}

func (s *bookSide) insert(o *domain.Order) {
	key := priceKey(o.Price)
	lvl, ok := s.levels[key]
	if !ok {
		lvl = &priceLevel{price: o.Price}
		s.levels[key] = lvl
		i := sort.Search(len(s.prices), func(i int) bool { return s.prices[i].GreaterThanOrEqual(o.Price) })
		s.prices = append(s.prices, decimal.Decimal{})
		copy(s.prices[i+1:], s.prices[i:])
		s.prices[i] = o.Price
	}
	i := sort.Search(len(lvl.orders), func(i int) bool { return o.Before(lvl.orders[i]) })
	lvl.orders = append(lvl.orders, nil)
	copy(lvl.orders[i+1:], lvl.orders[i:])
	lvl.orders[i] = o
}

func (s *bookSide) delete(o *domain.Order) {
	key := priceKey(o.Price)
	lvl, ok := s.levels[key]
	if !ok {
		return
	}
	for i, cur := range lvl.orders {
		if cur.ID == o.ID {
			lvl.orders = append(lvl.orders[:i], lvl.orders[i+1:]...)
			break
		}
	}
	if len(lvl.orders) > 0 {
		return
	}
	delete(s.levels, key)
	for i, p := range s.prices {
		if p.Equal(o.Price) {
			s.prices = append(s.prices[:i], s.prices[i+1:]...)
			break
		}
	}
}

func (l *priceLevel) aggregate() domain.PriceLevel {
	pl := domain.PriceLevel{Price: l.price, Orders: len(l.orders)}
	for _, o := range l.orders {
		pl.Quantity += o.Quantity
	}
	return pl
}
