package port

import (
	"context"
	"errors"

	"github.com/olyamironova/trade-execution/internal/domain"
)

// ErrTxConflict marks a transaction that lost a serialization race and may be retried.
var ErrTxConflict = errors.New("transaction conflict")

// Repository is the read side of the order and account stores plus the
// entry point for transactions. Reads outside a Tx see committed state only.
type Repository interface {
	BeginTx(ctx context.Context) (Tx, error)

	LoadOrder(ctx context.Context, id string) (*domain.Order, error)
	LoadOpenOrders(ctx context.Context, instrument string) ([]*domain.Order, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]*domain.Order, error)

	LoadAccount(ctx context.Context, id string) (*domain.Account, error)
	LoadHistory(ctx context.Context, accountID string, limit int) ([]domain.HistoryEntry, error)

	Close(ctx context.Context)
}

// Tx groups the writes of one fill (or one submission) into an atomic unit.
// Load* methods lock what they return until Commit or Rollback.
type Tx interface {
	NextSerial(ctx context.Context, instrument string, side domain.Side) (int64, error)
	InsertOrder(ctx context.Context, o *domain.Order) error
	LoadOrderForUpdate(ctx context.Context, id string) (*domain.Order, error)
	UpdateOrderQuantity(ctx context.Context, id string, qty int64) error
	DeleteOrder(ctx context.Context, id string) error

	// LoadAccountsForUpdate returns the accounts that exist; missing ids are absent from the map.
	LoadAccountsForUpdate(ctx context.Context, ids ...string) (map[string]*domain.Account, error)
	SaveAccount(ctx context.Context, a *domain.Account) error
	AppendHistory(ctx context.Context, entries ...domain.HistoryEntry) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}
