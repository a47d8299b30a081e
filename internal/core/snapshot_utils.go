package core

import (
	"context"
	"sort"

	"github.com/olyamironova/trade-execution/internal/domain"
	"go.uber.org/zap"
)

// refreshDepth recomputes the depth snapshot from the book and pushes it to
// the cache. A failed write invalidates the entry so readers fall back to the book.
func (e *Engine) refreshDepth(ctx context.Context, instrument string) *domain.OrderbookSnapshot {
	snap := e.book.Depth(instrument, e.now())
	if e.cache == nil {
		return snap
	}
	if err := e.cache.SetOrderbook(ctx, instrument, snap.DeepCopy()); err != nil {
		e.log.Warn("cache orderbook", zap.String("instrument", instrument), zap.Error(err))
		_ = e.cache.Invalidate(ctx, instrument)
	}
	return snap
}

func sortNewestFirst(orders []*domain.Order) {
	sort.SliceStable(orders, func(i, j int) bool {
		if !orders[i].CreatedAt.Equal(orders[j].CreatedAt) {
			return orders[i].CreatedAt.After(orders[j].CreatedAt)
		}
		return orders[i].Serial < orders[j].Serial
	})
}
