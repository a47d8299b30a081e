package events

import (
	"context"
	"errors"

	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
)

// Fanout delivers each fill to every publisher and joins their errors.
type Fanout []port.Publisher

var _ port.Publisher = Fanout(nil)

func (f Fanout) PublishFill(ctx context.Context, fill domain.Fill) error {
	var errs []error
	for _, p := range f {
		if p == nil {
			continue
		}
		if err := p.PublishFill(ctx, fill); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
