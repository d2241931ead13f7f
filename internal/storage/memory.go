package storage

import (
	"context"
	"sync"
)

type memoryStore struct {
	mu     sync.Mutex
	kv     map[string][]byte
	audit  []AuditEntry
	closed bool
}

// NewMemory returns a process-local Store.
func NewMemory() Store {
	return &memoryStore{kv: map[string][]byte{}}
}

func (s *memoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.kv[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *memoryStore) Put(ctx context.Context, key string, val []byte) error {
	return s.PutBatch(ctx, map[string][]byte{key: val})
}

func (s *memoryStore) PutBatch(_ context.Context, kv map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for k, v := range kv {
		s.kv[k] = append([]byte(nil), v...)
	}
	return nil
}

func (s *memoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	delete(s.kv, key)
	return nil
}

func (s *memoryStore) AppendAudit(_ context.Context, e AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.audit = append(s.audit, e)
	return nil
}

func (s *memoryStore) RecentAudit(_ context.Context, n int) ([]AuditEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	return newestFirst(s.audit, n), nil
}

func (s *memoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

// newestFirst returns the last n entries of in, reversed.
func newestFirst(in []AuditEntry, n int) []AuditEntry {
	if n <= 0 || n > len(in) {
		n = len(in)
	}
	out := make([]AuditEntry, 0, n)
	for i := len(in) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, in[i])
	}
	return out
}
