package core

import (
	"context"
	"errors"
	"time"

	"github.com/olyamironova/trade-execution/internal/port"
)

type txPolicy struct {
	maxRetries int
	backoff    time.Duration
}

// DefaultRetryBackoff is the base delay between conflict retries; attempt n waits n times as long.
const DefaultRetryBackoff = 5 * time.Millisecond

var defaultTxPolicy = txPolicy{maxRetries: 3, backoff: DefaultRetryBackoff}

// withTx runs fn in a transaction and retries the whole attempt while the
// store reports port.ErrTxConflict. fn must be safe to run more than once.
func withTx(ctx context.Context, repo port.Repository, policy txPolicy, fn func(port.Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := runTx(ctx, repo, fn)
		if err == nil || !errors.Is(err, port.ErrTxConflict) || attempt >= policy.maxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(policy.backoff * time.Duration(attempt+1)):
		}
	}
}

func runTx(ctx context.Context, repo port.Repository, fn func(port.Tx) error) error {
	tx, err := repo.BeginTx(ctx)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}
