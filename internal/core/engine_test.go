package core

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/olyamironova/trade-execution/internal/adapter/in_memory"
	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stepClock struct {
	mu   sync.Mutex
	t    time.Time
	step time.Duration
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(c.step)
	return c.t
}

type fixture struct {
	repo  *in_memory.MemoryRepo
	cache *in_memory.Cache
	pub   *in_memory.Publisher
	eng   *Engine
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clock := &stepClock{t: time.Date(2024, 1, 2, 9, 30, 0, 0, time.UTC), step: time.Millisecond}
	f := &fixture{
		repo:  in_memory.NewMemoryRepo(),
		cache: in_memory.NewCache(),
		pub:   in_memory.NewPublisher(),
	}
	seq := 0
	base := []Option{
		WithClock(clock.Now),
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("id-%04d", seq) }),
		WithTxRetries(3, 0),
	}
	f.eng = NewEngine(f.repo, f.cache, in_memory.NewIdempotencyStore(time.Hour), f.pub, nil, append(base, opts...)...)
	return f
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func (f *fixture) account(id, cash string, holdings map[string]int64) {
	a := domain.NewAccount(id)
	a.Cash = d(cash)
	for inst, q := range holdings {
		a.Holdings[inst] = domain.Holding{Quantity: q, AvgCost: d("8")}
	}
	f.repo.PutAccount(a)
}

func (f *fixture) submit(t *testing.T, owner string, side domain.Side, price string, qty int64) *domain.Order {
	t.Helper()
	o, err := f.eng.SubmitOrder(context.Background(), domain.SubmitOrder{
		Instrument: "ABC", Side: side, Price: d(price), Quantity: qty, OwnerID: owner,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) mustAccount(t *testing.T, id string) *domain.Account {
	t.Helper()
	a, err := f.repo.LoadAccount(context.Background(), id)
	require.NoError(t, err)
	return a
}

func TestScenarioA_PartialFillRests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account("buyer", "2000", nil)
	f.account("seller", "0", map[string]int64{"ABC": 60})

	sell := f.submit(t, "seller", domain.Sell, "10", 60)
	buy := f.submit(t, "buyer", domain.Buy, "10", 100)

	res, err := f.eng.ExecuteOrder(ctx, buy.ID, "")
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, sell.ID, res.Fills[0].CounterpartyOrderID)
	assert.Equal(t, int64(60), res.Fills[0].Quantity)
	assert.Equal(t, domain.PartiallyResting, res.State)
	assert.Equal(t, int64(40), res.RemainingQuantity)
	assert.Equal(t, int64(40), res.RestingQuantity)

	buyer := f.mustAccount(t, "buyer")
	assert.True(t, buyer.Cash.Equal(d("1400")), "buyer cash %s", buyer.Cash)
	h, ok := buyer.Holding("ABC")
	require.True(t, ok)
	assert.Equal(t, int64(60), h.Quantity)
	assert.True(t, h.AvgCost.Equal(d("10")))

	seller := f.mustAccount(t, "seller")
	assert.True(t, seller.Cash.Equal(d("600")), "seller cash %s", seller.Cash)
	_, ok = seller.Holding("ABC")
	assert.False(t, ok, "seller holding removed at zero")

	_, err = f.repo.LoadOrder(ctx, sell.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	stored, err := f.repo.LoadOrder(ctx, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(40), stored.Quantity)

	hist, err := f.eng.GetHistory(ctx, "buyer", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.ActionBuy, hist[0].Action)
	assert.Equal(t, buy.ID, hist[0].OrderID)
	assert.Equal(t, sell.ID, hist[0].MatchedOrderID)
	hist, err = f.eng.GetHistory(ctx, "seller", 10)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, domain.ActionSell, hist[0].Action)
	assert.Equal(t, sell.ID, hist[0].OrderID)

	assert.Len(t, f.pub.Fills(), 1)
}

func TestScenarioB_UnaffordableRemainderCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account("buyer", "50", nil)
	f.account("seller", "0", map[string]int64{"ABC": 100})

	sell := f.submit(t, "seller", domain.Sell, "10", 100)
	buy := f.submit(t, "buyer", domain.Buy, "10", 100)

	res, err := f.eng.ExecuteOrder(ctx, buy.ID, "")
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, int64(5), res.Fills[0].Quantity)
	assert.Equal(t, domain.CancelledUnfilled, res.State)
	assert.Equal(t, int64(95), res.RemainingQuantity)
	assert.Equal(t, int64(0), res.RestingQuantity)

	_, err = f.repo.LoadOrder(ctx, buy.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound, "buy order deleted, not resting")
	counter, err := f.repo.LoadOrder(ctx, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(95), counter.Quantity)

	buyer := f.mustAccount(t, "buyer")
	assert.True(t, buyer.Cash.IsZero())
	assert.Equal(t, int64(5), buyer.HoldingQty("ABC"))
	assert.Equal(t, int64(95), f.mustAccount(t, "seller").HoldingQty("ABC"))
}

func TestScenarioC_NoCounterOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account("buyer", "1000", nil)
	f.account("seller", "0", map[string]int64{"ABC": 10})
	f.submit(t, "seller", domain.Sell, "11", 10)
	buy := f.submit(t, "buyer", domain.Buy, "10", 5)

	res, err := f.eng.ExecuteOrder(ctx, buy.ID, "")
	require.NoError(t, err)
	assert.Empty(t, res.Fills)
	assert.Equal(t, domain.PartiallyResting, res.State)
	assert.Equal(t, int64(5), res.RemainingQuantity)
	assert.Equal(t, 0, res.Passes)

	stored, err := f.repo.LoadOrder(ctx, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, *buy, *stored)
	assert.True(t, f.mustAccount(t, "buyer").Cash.Equal(d("1000")))
}

func TestExecuteTerminalOrderNotFound(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account("buyer", "1000", nil)
	f.account("seller", "0", map[string]int64{"ABC": 10})
	f.submit(t, "seller", domain.Sell, "10", 10)
	buy := f.submit(t, "buyer", domain.Buy, "10", 10)

	res, err := f.eng.ExecuteOrder(ctx, buy.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.Filled, res.State)
	assert.Equal(t, int64(0), res.RemainingQuantity)

	before := f.mustAccount(t, "buyer")
	_, err = f.eng.ExecuteOrder(ctx, buy.ID, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, before, f.mustAccount(t, "buyer"))

	_, err = f.eng.ExecuteOrder(ctx, "missing", "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFIFOPriority(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account("buyer", "1000", nil)
	for _, s := range []string{"s1", "s2", "s3"} {
		f.account(s, "0", map[string]int64{"ABC": 10})
	}
	first := f.submit(t, "s1", domain.Sell, "10", 10)
	second := f.submit(t, "s2", domain.Sell, "10", 10)
	f.submit(t, "s3", domain.Sell, "10", 10)
	assert.Equal(t, int64(1), first.Serial)
	assert.Equal(t, int64(2), second.Serial)

	buy := f.submit(t, "buyer", domain.Buy, "10", 15)
	res, err := f.eng.ExecuteOrder(ctx, buy.ID, "")
	require.NoError(t, err)
	require.Len(t, res.Fills, 2)
	assert.Equal(t, first.ID, res.Fills[0].CounterpartyOrderID)
	assert.Equal(t, int64(10), res.Fills[0].Quantity)
	assert.Equal(t, second.ID, res.Fills[1].CounterpartyOrderID)
	assert.Equal(t, int64(5), res.Fills[1].Quantity)
	assert.Equal(t, domain.Filled, res.State)
}

func TestFIFOSerialBreaksTimestampTie(t *testing.T) {
	fixed := time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)
	f := newFixture(t, WithClock(func() time.Time { return fixed }))
	ctx := context.Background()
	f.account("buyer", "1000", nil)
	f.account("s1", "0", map[string]int64{"ABC": 10})
	f.account("s2", "0", map[string]int64{"ABC": 10})
	a := f.submit(t, "s1", domain.Sell, "10", 10)
	b := f.submit(t, "s2", domain.Sell, "10", 10)
	require.True(t, a.CreatedAt.Equal(b.CreatedAt))

	cands := f.eng.book.MatchCandidates("ABC", domain.Sell, d("10"))
	require.Len(t, cands, 2)
	assert.Equal(t, a.ID, cands[0].ID)

	buy := f.submit(t, "buyer", domain.Buy, "10", 1)
	res, err := f.eng.ExecuteOrder(ctx, buy.ID, "")
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, a.ID, res.Fills[0].CounterpartyOrderID)
}

func TestBuySkipsSellerWithoutInventory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account("buyer", "1000", nil)
	f.account("empty", "0", nil)
	f.account("full", "0", map[string]int64{"ABC": 10})
	ghost := f.submit(t, "empty", domain.Sell, "10", 10)
	stocked := f.submit(t, "full", domain.Sell, "10", 10)
	buy := f.submit(t, "buyer", domain.Buy, "10", 10)

	res, err := f.eng.ExecuteOrder(ctx, buy.ID, "")
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, stocked.ID, res.Fills[0].CounterpartyOrderID)

	stored, err := f.repo.LoadOrder(ctx, ghost.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stored.Quantity, "skipped candidate untouched")
	assert.True(t, f.mustAccount(t, "empty").Cash.IsZero())
}

func TestSellPathClampsToHoldingsAndSkipsBrokeBuyers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account("seller", "0", map[string]int64{"ABC": 30})
	f.account("b1", "1000", nil)
	f.account("b2", "0", nil)
	f.account("b3", "1000", nil)
	c1 := f.submit(t, "b1", domain.Buy, "10", 20)
	c2 := f.submit(t, "b2", domain.Buy, "10", 20)
	c3 := f.submit(t, "b3", domain.Buy, "10", 20)
	sell := f.submit(t, "seller", domain.Sell, "10", 50)

	res, err := f.eng.ExecuteOrder(ctx, sell.ID, "")
	require.NoError(t, err)
	require.Len(t, res.Fills, 2)
	assert.Equal(t, c1.ID, res.Fills[0].CounterpartyOrderID)
	assert.Equal(t, int64(20), res.Fills[0].Quantity)
	assert.Equal(t, c3.ID, res.Fills[1].CounterpartyOrderID)
	assert.Equal(t, int64(10), res.Fills[1].Quantity)
	assert.Equal(t, int64(20), res.RemainingQuantity)
	assert.Equal(t, res.OriginalQuantity, res.FilledQuantity()+res.RemainingQuantity)

	stored, err := f.repo.LoadOrder(ctx, c2.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(20), stored.Quantity)
	_, err = f.repo.LoadOrder(ctx, sell.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	seller := f.mustAccount(t, "seller")
	assert.True(t, seller.Cash.Equal(d("300")))
	assert.Equal(t, int64(0), seller.HoldingQty("ABC"))
}

func TestSellPathClampRestsReducedQuantity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account("seller", "0", map[string]int64{"ABC": 30})
	f.account("broke", "0", nil)
	f.submit(t, "broke", domain.Buy, "10", 20)
	sell := f.submit(t, "seller", domain.Sell, "10", 50)

	res, err := f.eng.ExecuteOrder(ctx, sell.ID, "")
	require.NoError(t, err)
	assert.Empty(t, res.Fills)
	assert.Equal(t, domain.PartiallyResting, res.State)
	assert.Equal(t, int64(50), res.RemainingQuantity)
	assert.Equal(t, int64(30), res.RestingQuantity)

	stored, err := f.repo.LoadOrder(ctx, sell.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), stored.Quantity)
}

func TestSellWithoutHoldingsIsCancelled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account("seller", "0", nil)
	f.account("buyer", "1000", nil)
	f.submit(t, "buyer", domain.Buy, "10", 5)
	sell := f.submit(t, "seller", domain.Sell, "10", 5)

	res, err := f.eng.ExecuteOrder(ctx, sell.ID, "")
	require.NoError(t, err)
	assert.Equal(t, domain.CancelledUnfilled, res.State)
	assert.Empty(t, res.Fills)
	_, err = f.repo.LoadOrder(ctx, sell.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExecuteMissingInitiatorAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account("seller", "0", map[string]int64{"ABC": 10})
	f.submit(t, "seller", domain.Sell, "10", 10)
	buy := f.submit(t, "ghost", domain.Buy, "10", 10)

	_, err := f.eng.ExecuteOrder(ctx, buy.ID, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	stored, err := f.repo.LoadOrder(ctx, buy.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(10), stored.Quantity)
}

func TestMaxPassesBoundsLoop(t *testing.T) {
	f := newFixture(t, WithMaxPasses(1))
	ctx := context.Background()
	f.account("buyer", "50", nil)
	f.account("seller", "0", map[string]int64{"ABC": 100})
	f.submit(t, "seller", domain.Sell, "10", 100)
	buy := f.submit(t, "buyer", domain.Buy, "10", 100)

	res, err := f.eng.ExecuteOrder(ctx, buy.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Passes)
	assert.Equal(t, domain.PartiallyResting, res.State)
	assert.Equal(t, int64(95), res.RestingQuantity)
}

func TestIdempotencyKeyReplaysResult(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account("buyer", "2000", nil)
	f.account("seller", "0", map[string]int64{"ABC": 100})
	f.submit(t, "seller", domain.Sell, "10", 60)
	buy := f.submit(t, "buyer", domain.Buy, "10", 100)

	first, err := f.eng.ExecuteOrder(ctx, buy.ID, "k1")
	require.NoError(t, err)
	require.Len(t, first.Fills, 1)

	f.submit(t, "seller", domain.Sell, "10", 40)
	again, err := f.eng.ExecuteOrder(ctx, buy.ID, "k1")
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.True(t, f.mustAccount(t, "buyer").Cash.Equal(d("1400")), "replay applies nothing")
	assert.Len(t, f.pub.Fills(), 1)

	fresh, err := f.eng.ExecuteOrder(ctx, buy.ID, "k2")
	require.NoError(t, err)
	require.Len(t, fresh.Fills, 1)
	assert.Equal(t, int64(40), fresh.Fills[0].Quantity)
	assert.Equal(t, domain.Filled, fresh.State)
}

func TestIdempotencyKeyInFlight(t *testing.T) {
	repo := in_memory.NewMemoryRepo()
	idem := in_memory.NewIdempotencyStore(time.Hour)
	eng := NewEngine(repo, nil, idem, nil, nil)
	_, err := idem.Reserve(context.Background(), "o1:k")
	require.NoError(t, err)

	_, err = eng.ExecuteOrder(context.Background(), "o1", "k")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestIdempotencyKeyReleasedOnError(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.ExecuteOrder(context.Background(), "missing", "k")
	require.ErrorIs(t, err, domain.ErrNotFound)
	_, err = f.eng.ExecuteOrder(context.Background(), "missing", "k")
	assert.ErrorIs(t, err, domain.ErrNotFound, "second attempt is not blocked by a stale reservation")
}

func TestConflictsAreRetried(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account("buyer", "2000", nil)
	f.account("seller", "0", map[string]int64{"ABC": 60})
	f.submit(t, "seller", domain.Sell, "10", 60)
	buy := f.submit(t, "buyer", domain.Buy, "10", 100)

	f.repo.InjectConflicts(2)
	res, err := f.eng.ExecuteOrder(ctx, buy.ID, "")
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.True(t, f.mustAccount(t, "buyer").Cash.Equal(d("1400")), "fill applied exactly once")
}

func TestConflictRetriesAreBounded(t *testing.T) {
	f := newFixture(t, WithTxRetries(1, 0))
	f.repo.InjectConflicts(5)
	_, err := f.eng.SubmitOrder(context.Background(), domain.SubmitOrder{
		Instrument: "ABC", Side: domain.Buy, Price: d("1"), Quantity: 1, OwnerID: "u",
	})
	assert.ErrorIs(t, err, port.ErrTxConflict)
}

func TestSubmitValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.eng.SubmitOrder(context.Background(), domain.SubmitOrder{
		Instrument: "ABC", Side: domain.Buy, Price: d("-1"), Quantity: 1, OwnerID: "u",
	})
	assert.ErrorIs(t, err, domain.ErrValidation)

	o, err := f.eng.SubmitOrder(context.Background(), domain.SubmitOrder{
		Instrument: "abc", Side: domain.Sell, Price: d("2.50"), Quantity: 3, OwnerID: "u",
	})
	require.NoError(t, err)
	assert.Equal(t, "ABC", o.Instrument)
	assert.Equal(t, domain.Pending, o.Status)
	assert.Equal(t, int64(1), o.Serial)
}

func TestSerialsStayMonotonicAfterRemoval(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.submit(t, "u", domain.Sell, "10", 1)
	b := f.submit(t, "u", domain.Sell, "10", 1)
	require.NoError(t, f.eng.CancelOrder(ctx, a.ID, "u"))
	c := f.submit(t, "u", domain.Sell, "10", 1)
	assert.Equal(t, []int64{1, 2, 3}, []int64{a.Serial, b.Serial, c.Serial})

	buy := f.submit(t, "u", domain.Buy, "10", 1)
	assert.Equal(t, int64(1), buy.Serial, "serials are scoped per side")
}

func TestCancelAndResubmit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.submit(t, "owner", domain.Sell, "10", 5)

	assert.ErrorIs(t, f.eng.CancelOrder(ctx, o.ID, "intruder"), domain.ErrForbidden)

	price := d("12")
	n, err := f.eng.ResubmitOrder(ctx, o.ID, "owner", domain.ResubmitOrder{Price: &price})
	require.NoError(t, err)
	assert.NotEqual(t, o.ID, n.ID)
	assert.True(t, n.Price.Equal(price))
	assert.Equal(t, o.Quantity, n.Quantity)
	_, err = f.repo.LoadOrder(ctx, o.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	ob, err := f.eng.GetOrderbook(ctx, "abc")
	require.NoError(t, err)
	require.Len(t, ob.Asks, 1)
	assert.True(t, ob.Asks[0].Price.Equal(price))

	_, err = f.eng.ResubmitOrder(ctx, n.ID, "intruder", domain.ResubmitOrder{})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	zero := int64(0)
	_, err = f.eng.ResubmitOrder(ctx, n.ID, "owner", domain.ResubmitOrder{Quantity: &zero})
	assert.ErrorIs(t, err, domain.ErrValidation)

	require.NoError(t, f.eng.CancelOrder(ctx, n.ID, "owner"))
	assert.ErrorIs(t, f.eng.CancelOrder(ctx, n.ID, "owner"), domain.ErrNotFound)

	ob, err = f.eng.GetOrderbook(ctx, "ABC")
	require.NoError(t, err)
	assert.Empty(t, ob.Asks)
}

func TestListOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s1 := f.submit(t, "a", domain.Sell, "10", 1)
	b1 := f.submit(t, "b", domain.Buy, "9", 1)
	s2 := f.submit(t, "a", domain.Sell, "11", 1)

	all, err := f.eng.ListOrders(ctx, domain.OrderFilter{Instrument: "abc"})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{s2.ID, b1.ID, s1.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

	sells, err := f.eng.ListOrders(ctx, domain.OrderFilter{Instrument: "ABC", Side: domain.Sell})
	require.NoError(t, err)
	assert.Len(t, sells, 2)

	mine, err := f.eng.ListOwnerOrders(ctx, "b")
	require.NoError(t, err)
	require.Len(t, mine, 1)
	assert.Equal(t, b1.ID, mine[0].ID)

	_, err = f.eng.ListOrders(ctx, domain.OrderFilter{})
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestOrderbookDepthCached(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "a", domain.Sell, "10", 3)
	f.submit(t, "b", domain.Sell, "10", 2)
	f.submit(t, "c", domain.Sell, "11", 1)
	f.submit(t, "d", domain.Buy, "9", 4)
	f.submit(t, "e", domain.Buy, "9.5", 1)

	ob, err := f.eng.GetOrderbook(ctx, "ABC")
	require.NoError(t, err)
	require.Len(t, ob.Asks, 2)
	assert.Equal(t, int64(5), ob.Asks[0].Quantity)
	assert.Equal(t, 2, ob.Asks[0].Orders)
	require.Len(t, ob.Bids, 2)
	assert.True(t, ob.Bids[0].Price.Equal(d("9.5")))

	cached, err := f.cache.GetOrderbook(ctx, "ABC")
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, len(ob.Asks), len(cached.Asks))
}

func TestFundAndGrant(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a, err := f.eng.Fund(ctx, "new", d("100"))
	require.NoError(t, err)
	assert.True(t, a.Cash.Equal(d("100")))

	a, err = f.eng.Grant(ctx, "new", "abc", 10, d("5"))
	require.NoError(t, err)
	assert.True(t, a.Cash.Equal(d("100")), "grant does not spend cash")
	h, ok, err := f.eng.GetHolding(ctx, "new", "ABC")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(10), h.Quantity)

	_, ok, err = f.eng.GetHolding(ctx, "new", "XYZ")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = f.eng.Fund(ctx, "new", d("0"))
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestConcurrentExecutionsDoNotDoubleFill(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account("seller", "0", map[string]int64{"ABC": 50})
	f.submit(t, "seller", domain.Sell, "10", 50)
	var buys []*domain.Order
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("b%d", i)
		f.account(id, "1000", nil)
		buys = append(buys, f.submit(t, id, domain.Buy, "10", 10))
	}

	var wg sync.WaitGroup
	results := make([]*domain.Execution, len(buys))
	for i, b := range buys {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			res, err := f.eng.ExecuteOrder(ctx, id, "")
			assert.NoError(t, err)
			results[i] = res
		}(i, b.ID)
	}
	wg.Wait()

	var filled int64
	for _, r := range results {
		require.NotNil(t, r)
		filled += r.FilledQuantity()
	}
	assert.Equal(t, int64(50), filled)
	seller := f.mustAccount(t, "seller")
	assert.True(t, seller.Cash.Equal(d("500")))
	assert.Equal(t, int64(0), seller.HoldingQty("ABC"))
}

func TestExecuteResyncsInitiatorFilledByAnotherEngine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	other := NewEngine(f.repo, nil, nil, nil, nil, WithTxRetries(3, 0))
	f.account("buyer", "1000", nil)
	f.account("s1", "0", map[string]int64{"ABC": 6})
	f.account("s2", "0", map[string]int64{"ABC": 10})

	f.submit(t, "s1", domain.Sell, "10", 6)
	buy := f.submit(t, "buyer", domain.Buy, "10", 10)
	_, err := other.GetOrderbook(ctx, "ABC")
	require.NoError(t, err)

	res, err := f.eng.ExecuteOrder(ctx, buy.ID, "")
	require.NoError(t, err)
	require.Equal(t, int64(6), res.FilledQuantity())

	// other still believes the buy rests at 10 and s1 at 6
	s2, err := other.SubmitOrder(ctx, domain.SubmitOrder{Instrument: "ABC", Side: domain.Sell, Price: d("10"), Quantity: 10, OwnerID: "s2"})
	require.NoError(t, err)
	res, err = other.ExecuteOrder(ctx, buy.ID, "")
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, int64(4), res.Fills[0].Quantity)
	assert.Equal(t, domain.Filled, res.State)
	assert.Equal(t, int64(4), res.OriginalQuantity)
	assert.Equal(t, int64(0), res.RemainingQuantity)

	assert.Equal(t, int64(10), f.mustAccount(t, "buyer").HoldingQty("ABC"))
	assert.True(t, f.mustAccount(t, "buyer").Cash.Equal(d("900")))
	_, err = f.repo.LoadOrder(ctx, buy.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	rest, err := f.repo.LoadOrder(ctx, s2.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), rest.Quantity)

	ob, err := other.GetOrderbook(ctx, "ABC")
	require.NoError(t, err)
	assert.Empty(t, ob.Bids)
}

func TestExecuteStopsWhenInitiatorVanished(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account("buyer", "1000", nil)
	f.account("seller", "0", map[string]int64{"ABC": 5})
	sell := f.submit(t, "seller", domain.Sell, "10", 5)

	phantom := &domain.Order{
		ID: "phantom", Instrument: "ABC", Side: domain.Buy, Price: d("10"),
		Quantity: 5, OwnerID: "buyer", Serial: sell.Serial + 1, CreatedAt: sell.CreatedAt,
	}
	book := NewOrderBook()
	book.Load("ABC", []*domain.Order{sell, phantom})
	m := NewMatcher(f.repo, book, NewLedger(f.repo), nil, nil)

	_, err := m.Execute(ctx, phantom)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, ok := book.Get("ABC", "phantom")
	assert.False(t, ok)
	assert.Equal(t, int64(5), f.mustAccount(t, "seller").HoldingQty("ABC"))
}

func TestSelfTradeKeepsAverageCost(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.account("trader", "500", map[string]int64{"ABC": 10})

	sell := f.submit(t, "trader", domain.Sell, "10", 5)
	buy := f.submit(t, "trader", domain.Buy, "10", 5)
	res, err := f.eng.ExecuteOrder(ctx, buy.ID, "")
	require.NoError(t, err)
	require.Len(t, res.Fills, 1)
	assert.Equal(t, sell.ID, res.Fills[0].CounterpartyOrderID)
	assert.Equal(t, domain.Filled, res.State)

	a := f.mustAccount(t, "trader")
	assert.True(t, a.Cash.Equal(d("500")), "cash %s", a.Cash)
	h, ok := a.Holding("ABC")
	require.True(t, ok)
	assert.Equal(t, int64(10), h.Quantity)
	assert.True(t, h.AvgCost.Equal(d("8")), "avg cost %s", h.AvgCost)

	hist, err := f.eng.GetHistory(ctx, "trader", 10)
	require.NoError(t, err)
	require.Len(t, hist, 2)
	assert.ElementsMatch(t, []domain.Action{domain.ActionBuy, domain.ActionSell}, []domain.Action{hist[0].Action, hist[1].Action})
}
