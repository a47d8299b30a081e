package in_memory

import (
	"context"
	"sync"

	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
)

// Publisher records fills in order of publication.
type Publisher struct {
	mu    sync.Mutex
	fills []domain.Fill
}

var _ port.Publisher = (*Publisher)(nil)

func NewPublisher() *Publisher { return &Publisher{} }

func (p *Publisher) PublishFill(ctx context.Context, f domain.Fill) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fills = append(p.fills, f)
	return nil
}

func (p *Publisher) Fills() []domain.Fill {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.Fill(nil), p.fills...)
}
