package in_memory

import (
	"context"
	"sync"

	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
)

type Cache struct {
	mu    sync.Mutex
	store map[string]*domain.OrderbookSnapshot
}

var _ port.Cache = (*Cache)(nil)

func NewCache() *Cache {
	return &Cache{store: make(map[string]*domain.OrderbookSnapshot)}
}

func (c *Cache) SetOrderbook(ctx context.Context, instrument string, ob *domain.OrderbookSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.store[instrument] = ob.DeepCopy()
	return nil
}

func (c *Cache) GetOrderbook(ctx context.Context, instrument string) (*domain.OrderbookSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ob, ok := c.store[instrument]
	if !ok {
		return nil, nil
	}
	return ob.DeepCopy(), nil
}

func (c *Cache) Invalidate(ctx context.Context, instrument string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.store, instrument)
	return nil
}
