package store

import (
	"context"
	"math"
	"sync"

	"github.com/objectfs/tiercache/pkg/digest"
	"github.com/objectfs/tiercache/pkg/types"
)

// MemoryStore keeps entries in a map. It loses everything on exit and is
// used for tests and for caches that only need the eviction bookkeeping.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[digest.ID][]byte
	used    int64
	maxSize int64
}

// NewMemoryStore creates a store bounded to maxSize bytes; zero is unbounded.
func NewMemoryStore(maxSize int64) *MemoryStore {
	return &MemoryStore{
		entries: make(map[digest.ID][]byte),
		maxSize: maxSize,
	}
}

// Get returns a copy of the stored bytes
func (s *MemoryStore) Get(ctx context.Context, id digest.ID) ([]byte, bool, error) {
	if err := canceled(ctx, "Get"); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.entries[id]
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, true, nil
}

// Put stores a copy of data, failing with STORE_FULL past the size limit
func (s *MemoryStore) Put(ctx context.Context, id digest.ID, data []byte) error {
	if err := canceled(ctx, "Put"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(data))
	old := int64(len(s.entries[id]))
	if s.maxSize > 0 && s.used-old+size > s.maxSize {
		return storeFull("Put", size, s.maxSize-s.used+old)
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	s.entries[id] = buf
	s.used += size - old
	return nil
}

// Remove deletes id
func (s *MemoryStore) Remove(ctx context.Context, id digest.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data, ok := s.entries[id]; ok {
		s.used -= int64(len(data))
		delete(s.entries, id)
	}
	return nil
}

// List enumerates the stored entries
func (s *MemoryStore) List(ctx context.Context) ([]types.StoredEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]types.StoredEntry, 0, len(s.entries))
	for id, data := range s.entries {
		entries = append(entries, types.StoredEntry{ID: id, Size: int64(len(data))})
	}
	return entries, nil
}

// Clear removes every entry
func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[digest.ID][]byte)
	s.used = 0
	return nil
}

// FreeSpace returns the bytes left before STORE_FULL
func (s *MemoryStore) FreeSpace() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.maxSize <= 0 {
		return math.MaxInt64
	}
	return s.maxSize - s.used
}

// Used returns the stored bytes
func (s *MemoryStore) Used() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used
}

// Close drops the entries
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[digest.ID][]byte)
	s.used = 0
	return nil
}
