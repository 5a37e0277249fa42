package history

import (
	"context"
	"maps"
	"sync"
	"time"
)

// DefaultMemoryLimit is the number of exchanges a MemoryStore keeps when no
// limit is given.
const DefaultMemoryLimit = 200

// MemoryStore is an in-process [Store] that keeps at most a fixed number of
// exchanges, discarding the oldest first.
type MemoryStore struct {
	mu        sync.Mutex
	limit     int
	exchanges []Exchange
	closed    bool
	now       func() time.Time
}

// NewMemoryStore returns a MemoryStore holding up to limit exchanges. A limit
// below 1 selects DefaultMemoryLimit.
func NewMemoryStore(limit int) *MemoryStore {
	if limit < 1 {
		limit = DefaultMemoryLimit
	}
	return &MemoryStore{limit: limit, now: time.Now}
}

// Add implements [Store].
func (s *MemoryStore) Add(_ context.Context, e Exchange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	e.Metadata = maps.Clone(e.Metadata)
	s.exchanges = append(s.exchanges, e)
	if over := len(s.exchanges) - s.limit; over > 0 {
		s.exchanges = append(s.exchanges[:0:0], s.exchanges[over:]...)
	}
	return nil
}

// Recent implements [Store].
func (s *MemoryStore) Recent(_ context.Context, limit int) ([]Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	start := 0
	if limit > 0 && len(s.exchanges) > limit {
		start = len(s.exchanges) - limit
	}
	out := make([]Exchange, 0, len(s.exchanges)-start)
	for _, e := range s.exchanges[start:] {
		e.Metadata = maps.Clone(e.Metadata)
		out = append(out, e)
	}
	return out, nil
}

// Clear implements [Store].
func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.exchanges = nil
	return nil
}

// Len returns the number of stored exchanges.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.exchanges)
}

// Close implements [Store].
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.exchanges = nil
	return nil
}

var _ Store = (*MemoryStore)(nil)
