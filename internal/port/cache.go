package port

import (
	"context"
	"errors"

	"github.com/olyamironova/trade-execution/internal/domain"
)

// Cache holds derived order-book depth. A miss returns (nil, nil).
type Cache interface {
	SetOrderbook(ctx context.Context, instrument string, ob *domain.OrderbookSnapshot) error
	GetOrderbook(ctx context.Context, instrument string) (*domain.OrderbookSnapshot, error)
	Invalidate(ctx context.Context, instrument string) error
}

var ErrKeyInFlight = errors.New("idempotency key in flight")

// IdempotencyStore remembers execution results by client key.
//
// Reserve returns the stored result when the key already completed, or
// ErrKeyInFlight while another request holds it. A nil result and nil error
// means the caller now owns the key and must Complete or Release it.
type IdempotencyStore interface {
	Reserve(ctx context.Context, key string) (*domain.Execution, error)
	Complete(ctx context.Context, key string, result *domain.Execution) error
	Release(ctx context.Context, key string) error
}

// Publisher receives committed fills. Delivery is best effort.
type Publisher interface {
	PublishFill(ctx context.Context, f domain.Fill) error
}
