package in_memory

import (
	"context"
	"sync"
	"time"

	"github.com/olyamironova/trade-execution/internal/domain"
	"github.com/olyamironova/trade-execution/internal/port"
)

type idemEntry struct {
	result  *domain.Execution
	expires time.Time
}

// IdempotencyStore keeps execution results in process memory.
type IdempotencyStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*idemEntry
}

var _ port.IdempotencyStore = (*IdempotencyStore)(nil)

func NewIdempotencyStore(ttl time.Duration) *IdempotencyStore {
	return &IdempotencyStore{ttl: ttl, now: time.Now, entries: make(map[string]*idemEntry)}
}

func (s *IdempotencyStore) Reserve(ctx context.Context, key string) (*domain.Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if e, ok := s.entries[key]; ok && (s.ttl <= 0 || now.Before(e.expires)) {
		if e.result == nil {
			return nil, port.ErrKeyInFlight
		}
		return e.result, nil
	}
	s.entries[key] = &idemEntry{expires: now.Add(s.ttl)}
	return nil, nil
}

func (s *IdempotencyStore) Complete(ctx context.Context, key string, result *domain.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &idemEntry{result: result, expires: s.now().Add(s.ttl)}
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
