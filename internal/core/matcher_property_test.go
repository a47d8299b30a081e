package core

import (
	"context"
	"fmt"
	"testing"

	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/shopspring/decimal"
	"pgregory.net/rapid"
)

// Random books at one price: executing a buy must conserve quantity, money
// and units, keep every balance non-negative and consume candidates in FIFO order.
func TestExecuteConservesQuantityAndValue(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		ctx := context.Background()
		price := decimal.NewFromInt(rapid.Int64Range(1, 20).Draw(rt, "price"))

		sellers := rapid.IntRange(0, 6).Draw(rt, "sellers")
		var totalUnits int64
		order := map[string]int{}
		for i := 0; i < sellers; i++ {
			id := fmt.Sprintf("s%d", i)
			held := rapid.Int64Range(0, 50).Draw(rt, id+"-held")
			qty := rapid.Int64Range(1, 50).Draw(rt, id+"-qty")
			if held > 0 {
				f.account(id, "0", map[string]int64{"ABC": held})
			} else {
				f.repo.PutAccount(domain.NewAccount(id))
			}
			totalUnits += held
			o := f.submit(t, id, domain.Sell, price.String(), qty)
			order[o.ID] = i
		}
		cash := decimal.NewFromInt(rapid.Int64Range(0, 2000).Draw(rt, "cash"))
		f.account("buyer", cash.String(), nil)
		want := rapid.Int64Range(1, 200).Draw(rt, "want")
		buy := f.submit(t, "buyer", domain.Buy, price.String(), want)

		res, err := f.eng.ExecuteOrder(ctx, buy.ID, "")
		if err != nil {
			rt.Fatalf("execute: %v", err)
		}
		if res.FilledQuantity()+res.RemainingQuantity != want {
			rt.Fatalf("filled %d + remaining %d != %d", res.FilledQuantity(), res.RemainingQuantity, want)
		}
		if res.RestingQuantity > res.RemainingQuantity {
			rt.Fatalf("resting %d exceeds remaining %d", res.RestingQuantity, res.RemainingQuantity)
		}

		last := -1
		for _, fl := range res.Fills {
			if fl.Quantity <= 0 {
				rt.Fatalf("non-positive fill %d", fl.Quantity)
			}
			idx := order[fl.CounterpartyOrderID]
			if idx <= last {
				rt.Fatalf("fill against %s breaks FIFO", fl.CounterpartyOrderID)
			}
			last = idx
		}

		buyer := f.mustAccount(t, "buyer")
		if buyer.Cash.IsNegative() {
			rt.Fatalf("buyer cash negative: %s", buyer.Cash)
		}
		spent := price.Mul(decimal.NewFromInt(res.FilledQuantity()))
		if !cash.Sub(buyer.Cash).Equal(spent) {
			rt.Fatalf("buyer spent %s, fills worth %s", cash.Sub(buyer.Cash), spent)
		}
		if buyer.HoldingQty("ABC") != res.FilledQuantity() {
			rt.Fatalf("buyer holds %d, filled %d", buyer.HoldingQty("ABC"), res.FilledQuantity())
		}

		var units int64
		proceeds := decimal.Zero
		for i := 0; i < sellers; i++ {
			a := f.mustAccount(t, fmt.Sprintf("s%d", i))
			units += a.HoldingQty("ABC")
			proceeds = proceeds.Add(a.Cash)
		}
		if units+buyer.HoldingQty("ABC") != totalUnits {
			rt.Fatalf("units not conserved: %d + %d != %d", units, buyer.HoldingQty("ABC"), totalUnits)
		}
		if !proceeds.Equal(spent) {
			rt.Fatalf("seller proceeds %s != spent %s", proceeds, spent)
		}
	})
}

// The sell path clamps to the seller's holdings: it never sells more than
// held, a seller with nothing is cancelled once bids exist, and bids that
// cannot pay are passed over without breaking FIFO.
func TestExecuteSellConservesQuantityAndValue(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		f := newFixture(t)
		ctx := context.Background()
		price := decimal.NewFromInt(rapid.Int64Range(1, 20).Draw(rt, "price"))

		buyers := rapid.IntRange(0, 6).Draw(rt, "buyers")
		totalCash := decimal.Zero
		order := map[string]int{}
		for i := 0; i < buyers; i++ {
			id := fmt.Sprintf("b%d", i)
			cash := decimal.NewFromInt(rapid.Int64Range(0, 500).Draw(rt, id+"-cash"))
			qty := rapid.Int64Range(1, 50).Draw(rt, id+"-qty")
			f.account(id, cash.String(), nil)
			totalCash = totalCash.Add(cash)
			o := f.submit(t, id, domain.Buy, price.String(), qty)
			order[o.ID] = i
		}
		held := rapid.Int64Range(0, 80).Draw(rt, "held")
		if held > 0 {
			f.account("seller", "0", map[string]int64{"ABC": held})
		} else {
			f.repo.PutAccount(domain.NewAccount("seller"))
		}
		want := rapid.Int64Range(1, 120).Draw(rt, "want")
		sell := f.submit(t, "seller", domain.Sell, price.String(), want)

		res, err := f.eng.ExecuteOrder(ctx, sell.ID, "")
		if err != nil {
			rt.Fatalf("execute: %v", err)
		}
		filled := res.FilledQuantity()
		if filled+res.RemainingQuantity != want {
			rt.Fatalf("filled %d + remaining %d != %d", filled, res.RemainingQuantity, want)
		}
		if filled > held {
			rt.Fatalf("sold %d with only %d held", filled, held)
		}
		if held == 0 && buyers > 0 {
			if res.State != domain.CancelledUnfilled || len(res.Fills) != 0 {
				rt.Fatalf("seller without holdings ended %s with %d fills", res.State, len(res.Fills))
			}
		}

		last := -1
		for _, fl := range res.Fills {
			if fl.Quantity <= 0 {
				rt.Fatalf("non-positive fill %d", fl.Quantity)
			}
			if fl.SellerID != "seller" {
				rt.Fatalf("fill sold by %s", fl.SellerID)
			}
			idx := order[fl.CounterpartyOrderID]
			if idx <= last {
				rt.Fatalf("fill against %s breaks FIFO", fl.CounterpartyOrderID)
			}
			last = idx
		}

		seller := f.mustAccount(t, "seller")
		proceeds := price.Mul(decimal.NewFromInt(filled))
		if !seller.Cash.Equal(proceeds) {
			rt.Fatalf("seller cash %s, fills worth %s", seller.Cash, proceeds)
		}
		if seller.HoldingQty("ABC") != held-filled {
			rt.Fatalf("seller holds %d, want %d", seller.HoldingQty("ABC"), held-filled)
		}
		if res.State == domain.PartiallyResting {
			if res.RestingQuantity > seller.HoldingQty("ABC") && buyers > 0 {
				rt.Fatalf("rests %d with %d held", res.RestingQuantity, seller.HoldingQty("ABC"))
			}
			stored, err := f.repo.LoadOrder(ctx, sell.ID)
			if err != nil {
				rt.Fatalf("resting sell missing: %v", err)
			}
			if stored.Quantity != res.RestingQuantity {
				rt.Fatalf("stored %d, resting %d", stored.Quantity, res.RestingQuantity)
			}
		}

		var units int64
		remainingCash := decimal.Zero
		for i := 0; i < buyers; i++ {
			a := f.mustAccount(t, fmt.Sprintf("b%d", i))
			if a.Cash.IsNegative() {
				rt.Fatalf("buyer %s cash negative: %s", a.ID, a.Cash)
			}
			units += a.HoldingQty("ABC")
			remainingCash = remainingCash.Add(a.Cash)
		}
		if units != filled {
			rt.Fatalf("buyers hold %d, filled %d", units, filled)
		}
		if !totalCash.Sub(remainingCash).Equal(proceeds) {
			rt.Fatalf("buyers spent %s, seller received %s", totalCash.Sub(remainingCash), proceeds)
		}
	})
}
