package core

import (
	"context"
	"slices"
	"sync"
)

// instrumentLocks gives every instrument a single writer. Waiting honours ctx.
type instrumentLocks struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newInstrumentLocks() *instrumentLocks {
	return &instrumentLocks{locks: make(map[string]chan struct{})}
}

func (l *instrumentLocks) get(instrument string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.locks[instrument]
	if !ok {
		ch = make(chan struct{}, 1)
		l.locks[instrument] = ch
	}
	return ch
}

// lock acquires every instrument in sorted order and returns the release func.
func (l *instrumentLocks) lock(ctx context.Context, instruments ...string) (func(), error) {
	keys := slices.Clone(instruments)
	slices.Sort(keys)
	keys = slices.Compact(keys)

	held := make([]chan struct{}, 0, len(keys))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			<-held[i]
		}
	}
	for _, k := range keys {
		ch := l.get(k)
		select {
		case ch <- struct{}{}:
			held = append(held, ch)
		case <-ctx.Done():
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}
