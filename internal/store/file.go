package store

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/minio/sha256-simd"

	"github.com/objectfs/tiercache/pkg/digest"
	"github.com/objectfs/tiercache/pkg/types"
)

const indexFile = "index.json"

// FileConfig represents file store configuration
type FileConfig struct {
	Directory   string `yaml:"directory"`
	MaxSize     int64  `yaml:"max_size"`
	Compression bool   `yaml:"compression"`
}

// FileStore keeps one file per entry next to a JSON index. Sizes in the
// index are the uncompressed payload sizes, which is what the byte budget
// accounts for.
type FileStore struct {
	config *FileConfig
	logger *slog.Logger

	mu    sync.RWMutex
	index map[string]*fileEntry
	used  int64
}

type fileEntry struct {
	Size       int64     `json:"size"`
	Compressed bool      `json:"compressed"`
	Checksum   string    `json:"checksum"`
	Written    time.Time `json:"written"`
}

// NewFileStore opens or creates a file store in config.Directory
func NewFileStore(config *FileConfig, logger *slog.Logger) (*FileStore, error) {
	if config == nil || config.Directory == "" {
		return nil, storeError(nil, "Open", "file store needs a directory")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(config.Directory, 0750); err != nil {
		return nil, storeError(err, "Open", "failed to create store directory")
	}

	s := &FileStore{
		config: config,
		logger: logger,
		index:  make(map[string]*fileEntry),
	}
	if err := s.loadIndex(); err != nil {
		return nil, storeError(err, "Open", "failed to load store index")
	}
	return s, nil
}

// Get reads an entry. A missing or corrupt file is dropped and reported as a miss.
func (s *FileStore) Get(ctx context.Context, id digest.ID) ([]byte, bool, error) {
	if err := canceled(ctx, "Get"); err != nil {
		return nil, false, err
	}
	key := id.String()

	s.mu.RLock()
	entry, ok := s.index[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	data, err := s.readFile(key, entry)
	if err != nil {
		s.logger.Warn("dropping unreadable entry", "digest", key, "error", err)
		s.mu.Lock()
		if s.index[key] == entry {
			s.removeLocked(key)
			_ = s.saveIndex()
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return data, true, nil
}

// Put writes data through a temporary file and records it in the index
func (s *FileStore) Put(ctx context.Context, id digest.ID, data []byte) error {
	if err := canceled(ctx, "Put"); err != nil {
		return err
	}
	key := id.String()
	size := int64(len(data))

	s.mu.Lock()
	defer s.mu.Unlock()

	var old int64
	if entry, ok := s.index[key]; ok {
		old = entry.Size
	}
	if s.config.MaxSize > 0 && s.used-old+size > s.config.MaxSize {
		return storeFull("Put", size, s.config.MaxSize-s.used+old)
	}

	entry := &fileEntry{
		Size:       size,
		Compressed: s.config.Compression,
		Checksum:   checksum(data),
		Written:    time.Now(),
	}
	if err := s.writeFile(key, entry, data); err != nil {
		return storeError(err, "Put", "failed to write entry").WithContext("digest", key)
	}

	s.index[key] = entry
	s.used += size - old
	if err := s.saveIndex(); err != nil {
		return storeError(err, "Put", "failed to save index")
	}
	return nil
}

// Remove deletes an entry
func (s *FileStore) Remove(ctx context.Context, id digest.ID) error {
	key := id.String()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[key]; !ok {
		return nil
	}
	s.removeLocked(key)
	if err := s.saveIndex(); err != nil {
		return storeError(err, "Remove", "failed to save index")
	}
	return nil
}

// List enumerates the indexed entries
func (s *FileStore) List(ctx context.Context) ([]types.StoredEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]types.StoredEntry, 0, len(s.index))
	for key, entry := range s.index {
		id, err := digest.Parse(key)
		if err != nil {
			continue
		}
		entries = append(entries, types.StoredEntry{ID: id, Size: entry.Size})
	}
	return entries, nil
}

// Clear removes every entry file and empties the index
func (s *FileStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key := range s.index {
		_ = os.Remove(s.path(key))
	}
	s.index = make(map[string]*fileEntry)
	s.used = 0
	if err := s.saveIndex(); err != nil {
		return storeError(err, "Clear", "failed to save index")
	}
	return nil
}

// FreeSpace returns the bytes left before STORE_FULL
func (s *FileStore) FreeSpace() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.config.MaxSize <= 0 {
		return math.MaxInt64
	}
	return s.config.MaxSize - s.used
}

// Close syncs the index
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveIndex()
}

// Helper methods

func (s *FileStore) path(key string) string {
	return filepath.Join(s.config.Directory, key[:2], key+".entry")
}

func (s *FileStore) removeLocked(key string) {
	entry := s.index[key]
	_ = os.Remove(s.path(key))
	delete(s.index, key)
	s.used -= entry.Size
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (s *FileStore) writeFile(key string, entry *fileEntry, data []byte) error {
	path := s.path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}

	payload := data
	if entry.Compressed {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(data); err != nil {
			return err
		}
		if err := zw.Close(); err != nil {
			return err
		}
		payload = buf.Bytes()
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0640); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileStore) readFile(key string, entry *fileEntry) ([]byte, error) {
	file, err := os.Open(s.path(key))
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	var reader io.Reader = file
	if entry.Compressed {
		zr, err := gzip.NewReader(file)
		if err != nil {
			return nil, err
		}
		defer func() { _ = zr.Close() }()
		reader = zr
	}

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if checksum(data) != entry.Checksum {
		return nil, storeError(nil, "Get", "checksum mismatch").WithContext("digest", key)
	}
	return data, nil
}

func (s *FileStore) loadIndex() error {
	file, err := os.Open(filepath.Join(s.config.Directory, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer func() { _ = file.Close() }()

	var items map[string]*fileEntry
	if err := json.NewDecoder(file).Decode(&items); err != nil {
		return err
	}

	for key, entry := range items {
		if _, err := digest.Parse(key); err != nil || entry == nil {
			continue
		}
		if _, err := os.Stat(s.path(key)); os.IsNotExist(err) {
			continue
		}
		s.index[key] = entry
		s.used += entry.Size
	}
	return nil
}

func (s *FileStore) saveIndex() error {
	path := filepath.Join(s.config.Directory, indexFile)
	tmp := path + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(file).Encode(s.index); err != nil {
		_ = file.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := file.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}
