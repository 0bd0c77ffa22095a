package store

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/filter"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/objectfs/tiercache/pkg/digest"
	"github.com/objectfs/tiercache/pkg/types"
)

// LevelDBStore keeps entries in a LevelDB database keyed by the raw digest.
type LevelDBStore struct {
	db      *leveldb.DB
	maxSize int64
	logger  *slog.Logger

	mu    sync.Mutex
	sizes map[digest.ID]int64
	used  int64
}

// NewLevelDBStore opens the database at path; an empty path keeps it in memory.
func NewLevelDBStore(path string, maxSize int64, logger *slog.Logger) (*LevelDBStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	o := &opt.Options{
		OpenFilesCacheCapacity: 500,
		Compression:            opt.SnappyCompression,
		Filter:                 filter.NewBloomFilter(10),
	}

	var err error
	var db *leveldb.DB
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), o)
	} else {
		db, err = leveldb.OpenFile(path, o)
		if lerrors.IsCorrupted(err) {
			logger.Warn("recovering corrupted leveldb store", "path", path)
			db, err = leveldb.RecoverFile(path, o)
		}
	}
	if err != nil {
		return nil, storeError(err, "Open", "failed to open leveldb store").WithContext("path", path)
	}

	s := &LevelDBStore{
		db:      db,
		maxSize: maxSize,
		logger:  logger,
		sizes:   make(map[digest.ID]int64),
	}

	iter := db.NewIterator(nil, nil)
	for iter.Next() {
		var id digest.ID
		if len(iter.Key()) != len(id) {
			continue
		}
		copy(id[:], iter.Key())
		s.sizes[id] = int64(len(iter.Value()))
		s.used += int64(len(iter.Value()))
	}
	iter.Release()
	if err := iter.Error(); err != nil {
		_ = db.Close()
		return nil, storeError(err, "Open", "failed to scan leveldb store")
	}
	return s, nil
}

// Get reads an entry
func (s *LevelDBStore) Get(ctx context.Context, id digest.ID) ([]byte, bool, error) {
	if err := canceled(ctx, "Get"); err != nil {
		return nil, false, err
	}
	data, err := s.db.Get(id[:], nil)
	if err == leveldb.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, storeError(err, "Get", "leveldb read failed")
	}
	return data, true, nil
}

// Put writes an entry, failing with STORE_FULL past the size limit
func (s *LevelDBStore) Put(ctx context.Context, id digest.ID, data []byte) error {
	if err := canceled(ctx, "Put"); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	size := int64(len(data))
	old := s.sizes[id]
	if s.maxSize > 0 && s.used-old+size > s.maxSize {
		return storeFull("Put", size, s.maxSize-s.used+old)
	}
	if err := s.db.Put(id[:], data, nil); err != nil {
		return storeError(err, "Put", "leveldb write failed")
	}
	s.sizes[id] = size
	s.used += size - old
	return nil
}

// Remove deletes an entry
func (s *LevelDBStore) Remove(ctx context.Context, id digest.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.db.Delete(id[:], nil); err != nil {
		return storeError(err, "Remove", "leveldb delete failed")
	}
	s.used -= s.sizes[id]
	delete(s.sizes, id)
	return nil
}

// List enumerates the stored entries
func (s *LevelDBStore) List(ctx context.Context) ([]types.StoredEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]types.StoredEntry, 0, len(s.sizes))
	for id, size := range s.sizes {
		entries = append(entries, types.StoredEntry{ID: id, Size: size})
	}
	return entries, nil
}

// Clear deletes every entry in one batch
func (s *LevelDBStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := leveldb.MakeBatch(len(s.sizes) * 16)
	for id := range s.sizes {
		batch.Delete(id[:])
	}
	if err := s.db.Write(batch, nil); err != nil {
		return storeError(err, "Clear", "leveldb batch delete failed")
	}
	s.sizes = make(map[digest.ID]int64)
	s.used = 0
	return nil
}

// FreeSpace returns the bytes left before STORE_FULL
func (s *LevelDBStore) FreeSpace() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.maxSize <= 0 {
		return math.MaxInt64
	}
	return s.maxSize - s.used
}

// Close closes the database
func (s *LevelDBStore) Close() error {
	return s.db.Close()
}
