package backup

import (
	"context"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// MemoryStore keeps entries in process memory. It does not survive a crash
// and is meant for tests and kiosk shells without a writable disk.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]model.ViolationLog
	closed  bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string][]model.ViolationLog)}
}

func (s *MemoryStore) Append(_ context.Context, attemptID string, v model.ViolationLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, existing := range s.entries[attemptID] {
		if existing.ID == v.ID {
			return nil
		}
	}
	s.entries[attemptID] = append(s.entries[attemptID], v)
	return nil
}

func (s *MemoryStore) Load(_ context.Context, attemptID string) ([]model.ViolationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := make([]model.ViolationLog, len(s.entries[attemptID]))
	copy(out, s.entries[attemptID])
	return out, nil
}

func (s *MemoryStore) MarkDelivered(_ context.Context, attemptID string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}
	for i := range s.entries[attemptID] {
		if _, ok := want[s.entries[attemptID][i].ID]; ok {
			s.entries[attemptID][i].Delivered = true
		}
	}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, attemptID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.entries, attemptID)
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
