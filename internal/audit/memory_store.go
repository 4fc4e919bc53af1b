package audit

import (
	"context"
	"sync"
)

// MemoryStore holds audit documents in memory. Used by tests and local runs.
type MemoryStore struct {
	mu   sync.RWMutex
	docs []*Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Append(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
	return nil
}

// Documents returns a snapshot of everything appended so far.
func (s *MemoryStore) Documents() []*Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Document(nil), s.docs...)
}
