package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tiercache/pkg/digest"
	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

func mustID(t *testing.T, key string) digest.ID {
	t.Helper()
	id, err := digest.Sum(key)
	require.NoError(t, err)
	return id
}

func backends(t *testing.T, maxSize int64) map[string]types.Store {
	t.Helper()
	dir := t.TempDir()

	file, err := NewFileStore(&FileConfig{Directory: filepath.Join(dir, "file"), MaxSize: maxSize, Compression: true}, nil)
	require.NoError(t, err)
	ldb, err := NewLevelDBStore(filepath.Join(dir, "entries.ldb"), maxSize, nil)
	require.NoError(t, err)
	sqlite, err := NewSQLiteStore(filepath.Join(dir, "entries.db"), maxSize, nil)
	require.NoError(t, err)

	stores := map[string]types.Store{
		"memory":  NewMemoryStore(maxSize),
		"file":    file,
		"leveldb": ldb,
		"sqlite":  sqlite,
	}
	t.Cleanup(func() {
		for _, s := range stores {
			_ = s.Close()
		}
	})
	return stores
}

func TestStores_RoundTrip(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t, 0) {
		t.Run(name, func(t *testing.T) {
			a := mustID(t, "a")
			b := mustID(t, "b")

			_, found, err := s.Get(ctx, a)
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, s.Put(ctx, a, []byte("alpha")))
			require.NoError(t, s.Put(ctx, b, []byte("bravo!")))

			data, found, err := s.Get(ctx, a)
			require.NoError(t, err)
			assert.True(t, found)
			assert.Equal(t, []byte("alpha"), data)

			// replace
			require.NoError(t, s.Put(ctx, a, []byte("a")))
			data, _, err = s.Get(ctx, a)
			require.NoError(t, err)
			assert.Equal(t, []byte("a"), data)

			entries, err := s.List(ctx)
			require.NoError(t, err)
			sizes := map[digest.ID]int64{}
			for _, e := range entries {
				sizes[e.ID] = e.Size
			}
			assert.Equal(t, map[digest.ID]int64{a: 1, b: 6}, sizes)

			require.NoError(t, s.Remove(ctx, a))
			require.NoError(t, s.Remove(ctx, a), "removing an absent entry is not an error")
			_, found, err = s.Get(ctx, a)
			require.NoError(t, err)
			assert.False(t, found)

			require.NoError(t, s.Clear(ctx))
			entries, err = s.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, entries)
		})
	}
}

func TestStores_StoreFull(t *testing.T) {
	ctx := context.Background()
	for name, s := range backends(t, 10) {
		t.Run(name, func(t *testing.T) {
			a := mustID(t, "a")
			require.NoError(t, s.Put(ctx, a, []byte("12345678")))
			assert.Equal(t, int64(2), s.FreeSpace())

			err := s.Put(ctx, mustID(t, "b"), []byte("123"))
			assert.True(t, errors.HasCode(err, errors.ErrCodeStoreFull))

			// replacing an entry only counts the difference
			require.NoError(t, s.Put(ctx, a, []byte("1234567890")))
			assert.Equal(t, int64(0), s.FreeSpace())

			require.NoError(t, s.Remove(ctx, a))
			assert.Equal(t, int64(10), s.FreeSpace())
		})
	}
}

func TestStores_CanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := NewMemoryStore(0)
	err := s.Put(ctx, mustID(t, "a"), []byte("x"))
	assert.True(t, errors.HasCode(err, errors.ErrCodeOperationCanceled))
}

func TestFileStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	config := &FileConfig{Directory: dir, Compression: true}

	s, err := NewFileStore(config, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, mustID(t, "kept"), []byte("persisted value")))
	require.NoError(t, s.Close())

	reopened, err := NewFileStore(config, nil)
	require.NoError(t, err)
	data, found, err := reopened.Get(ctx, mustID(t, "kept"))
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "persisted value", string(data))

	entries, err := reopened.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(len("persisted value")), entries[0].Size)
}

func TestFileStore_CorruptEntryIsAMiss(t *testing.T) {
	ctx := context.Background()
	s, err := NewFileStore(&FileConfig{Directory: t.TempDir()}, nil)
	require.NoError(t, err)

	id := mustID(t, "bad")
	require.NoError(t, s.Put(ctx, id, []byte("original")))
	require.NoError(t, os.WriteFile(s.path(id.String()), []byte("tampered"), 0640))

	_, found, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, found)

	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestFileStore_SkipsMissingFilesOnLoad(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewFileStore(&FileConfig{Directory: dir}, nil)
	require.NoError(t, err)
	id := mustID(t, "gone")
	require.NoError(t, s.Put(ctx, id, []byte("soon deleted")))
	require.NoError(t, os.Remove(s.path(id.String())))

	reopened, err := NewFileStore(&FileConfig{Directory: dir}, nil)
	require.NoError(t, err)
	entries, err := reopened.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLevelDBStore_InMemoryAndReopen(t *testing.T) {
	ctx := context.Background()

	mem, err := NewLevelDBStore("", 0, nil)
	require.NoError(t, err)
	require.NoError(t, mem.Put(ctx, mustID(t, "a"), []byte("x")))
	require.NoError(t, mem.Close())

	path := filepath.Join(t.TempDir(), "db")
	s, err := NewLevelDBStore(path, 0, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, mustID(t, "a"), []byte("abc")))
	require.NoError(t, s.Close())

	s, err = NewLevelDBStore(path, 0, nil)
	require.NoError(t, err)
	defer s.Close()
	entries, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(3), entries[0].Size)
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "entries.db")

	s, err := NewSQLiteStore(path, 100, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, mustID(t, "a"), []byte("abcd")))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, 100, nil)
	require.NoError(t, err)
	defer s.Close()
	assert.Equal(t, int64(96), s.FreeSpace())
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	for _, backend := range []string{BackendMemory, BackendFile, BackendLevelDB, BackendSQLite} {
		s, err := Open(ctx, &Config{Backend: backend, Directory: dir}, "images", nil)
		require.NoError(t, err, backend)
		require.NoError(t, s.Put(ctx, mustID(t, "k"), []byte("v")), backend)
		require.NoError(t, s.Close(), backend)
	}

	_, err := Open(ctx, &Config{Backend: "tape"}, "images", nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfig))

	_, err = Open(ctx, &Config{Backend: BackendMemory}, "", nil)
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))

	assert.Equal(t, "images/", joinPrefix("", "images"))
	assert.Equal(t, "cache/images/", joinPrefix("cache/", "images"))
	assert.Equal(t, "cache/images/", joinPrefix("cache", "images"))
}
