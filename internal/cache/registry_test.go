package cache

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tiercache/internal/store"
	"github.com/objectfs/tiercache/pkg/digest"
	"github.com/objectfs/tiercache/pkg/errors"
)

func fill(t *testing.T, c *StaticCache, prefix string, n, size int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := c.Put(fmt.Sprintf("%s-%d", prefix, i), []byte(strings.Repeat("x", size)))
		require.NoError(t, err)
	}
	flush(t, c)
}

func TestRegistry_RegisterValidation(t *testing.T) {
	pool := newPool(t)
	registry := NewRegistry(100, nil, nil)
	newCache(t, pool, registry, "first", 3)

	_, err := NewStaticCache(&Config{Name: "dup-priority", Priority: 3, Store: newMem(), Pool: pool, Registry: registry})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))

	_, err = NewStaticCache(&Config{Name: "negative", Priority: -1, Store: newMem(), Pool: pool, Registry: registry})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))

	_, err = NewStaticCache(&Config{Name: "first", Priority: 4, Store: newMem(), Pool: pool, Registry: registry})
	assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidArgument))

	assert.Len(t, registry.Caches(), 1)
}

func TestRegistry_Shares(t *testing.T) {
	pool := newPool(t)
	registry := NewRegistry(100, nil, nil)
	low, _ := newCache(t, pool, registry, "low", 1)
	high, _ := newCache(t, pool, registry, "high", 9)

	assert.Equal(t, int64(10), registry.Share(low))
	assert.Equal(t, int64(90), registry.Share(high))
	assert.Equal(t, int64(90), high.Stats().Capacity)
}

func TestRegistry_ReclaimEvictsFromCacheOverItsShare(t *testing.T) {
	pool := newPool(t)
	registry := NewRegistry(100, nil, nil)
	c1, _ := newCache(t, pool, registry, "c1", 1)
	c2, _ := newCache(t, pool, registry, "c2", 9)

	fill(t, c1, "c1", 4, 20) // 80 bytes against a share of 10
	fill(t, c2, "c2", 1, 20) // 20 bytes against a share of 90
	require.Equal(t, int64(100), registry.Used())

	freed, err := registry.Reclaim(context.Background(), 40)
	require.NoError(t, err)
	assert.Equal(t, int64(40), freed)

	assert.Equal(t, int64(40), c1.PersistedBytes())
	assert.Equal(t, int64(20), c2.PersistedBytes(), "the cache under its share is untouched")

	// least recently used entries go first
	assert.False(t, c1.Contains("c1-0"))
	assert.False(t, c1.Contains("c1-1"))
	assert.True(t, c1.Contains("c1-2"))
	assert.True(t, c1.Contains("c1-3"))
	assert.Equal(t, uint64(2), c1.Stats().Evictions)
}

func TestRegistry_ReclaimRespectsRecency(t *testing.T) {
	pool := newPool(t)
	registry := NewRegistry(100, nil, nil)
	c, _ := newCache(t, pool, registry, "recency", 1)

	fill(t, c, "k", 3, 10)
	_, _, err := c.GetSync(context.Background(), "k-0")
	require.NoError(t, err)

	_, err = registry.Reclaim(context.Background(), 10)
	require.NoError(t, err)
	assert.True(t, c.Contains("k-0"), "recently read entry survives")
	assert.False(t, c.Contains("k-1"))
}

func TestRegistry_ReclaimExhaustedIsStoreFull(t *testing.T) {
	pool := newPool(t)
	registry := NewRegistry(100, nil, nil)
	c1, _ := newCache(t, pool, registry, "c1", 1)
	c2, _ := newCache(t, pool, registry, "c2", 9)
	fill(t, c1, "c1", 2, 20)
	fill(t, c2, "c2", 1, 20)

	freed, err := registry.Reclaim(context.Background(), 1000)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStoreFull))
	assert.Equal(t, int64(60), freed)
	assert.Equal(t, int64(0), registry.Used())

	empty := NewRegistry(100, nil, nil)
	_, err = empty.Reclaim(context.Background(), 1)
	assert.True(t, errors.HasCode(err, errors.ErrCodeStoreFull))
}

func TestRegistry_ZeroShareEvictedFirst(t *testing.T) {
	pool := newPool(t)
	registry := NewRegistry(1000, nil, nil)
	scratch, _ := newCache(t, pool, registry, "scratch", 0)
	important, _ := newCache(t, pool, registry, "important", 5)

	fill(t, important, "i", 5, 100)
	fill(t, scratch, "s", 1, 10)

	_, err := registry.Reclaim(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), scratch.PersistedBytes())
	assert.Equal(t, int64(500), important.PersistedBytes())
}

func TestRegistry_WriteOverBudgetEvictsOthers(t *testing.T) {
	pool := newPool(t)
	registry := NewRegistry(100, nil, nil)
	c1, _ := newCache(t, pool, registry, "c1", 1)
	c2, _ := newCache(t, pool, registry, "c2", 9)

	fill(t, c1, "c1", 4, 20)
	fill(t, c2, "c2", 1, 40)

	assert.Equal(t, int64(40), c2.PersistedBytes())
	assert.Equal(t, int64(60), c1.PersistedBytes())
	assert.LessOrEqual(t, registry.Used(), int64(100))
	assert.False(t, c1.Contains("c1-0"))
}

func TestRegistry_EnforceOnLoad(t *testing.T) {
	pool := newPool(t)
	registry := NewRegistry(50, nil, nil)
	mem := newMem()
	for i := 0; i < 4; i++ {
		putDirect(t, mem, fmt.Sprintf("k%d", i), []byte(strings.Repeat("x", 20)))
	}

	c, _ := newCache(t, pool, registry, "loaded", 1, withStore(mem))
	require.NoError(t, c.Load(context.Background()))
	assert.Equal(t, int64(40), c.PersistedBytes())
	assert.Equal(t, int64(40), mem.Used())
}

// gatedStore holds every Put until the gate opens
type gatedStore struct {
	*store.MemoryStore
	once    sync.Once
	entered chan struct{}
	gate    chan struct{}
}

func (s *gatedStore) Put(ctx context.Context, id digest.ID, data []byte) error {
	s.once.Do(func() { close(s.entered) })
	<-s.gate
	return s.MemoryStore.Put(ctx, id, data)
}

func withSerialWorker(idx int) cacheOption {
	return func(c *Config) { c.SerialWorker = idx }
}

func TestRegistry_WriteInFlightDoesNotBlockOtherCaches(t *testing.T) {
	pool := newPool(t)
	registry := NewRegistry(1000, nil, nil)
	slow := &gatedStore{MemoryStore: newMem(), entered: make(chan struct{}), gate: make(chan struct{})}
	var once sync.Once
	open := func() { once.Do(func() { close(slow.gate) }) }
	t.Cleanup(open)

	a, _ := newCache(t, pool, registry, "a", 1, withStore(slow))
	b, _ := newCache(t, pool, registry, "b", 2, withSerialWorker(1))

	_, err := a.Put("slow", []byte("aaaa"))
	require.NoError(t, err)
	select {
	case <-slow.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("write of cache a never reached its store")
	}

	done := make(chan error, 1)
	go func() {
		if _, err := b.Put("fast", []byte("bb")); err != nil {
			done <- err
			return
		}
		err := b.Flush(context.Background())
		_ = b.Stats()
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("cache b waited for the store write of cache a")
	}
	assert.Equal(t, int64(2), b.PersistedBytes())
	assert.Equal(t, int64(2), registry.Used())

	open()
	flush(t, a)
	assert.Equal(t, int64(6), registry.Used())
}

func TestRegistry_ReservationsCountAgainstBudget(t *testing.T) {
	pool := newPool(t)
	registry := NewRegistry(10, nil, nil)
	slow := &gatedStore{MemoryStore: newMem(), entered: make(chan struct{}), gate: make(chan struct{})}
	var once sync.Once
	open := func() { once.Do(func() { close(slow.gate) }) }
	t.Cleanup(open)

	a, _ := newCache(t, pool, registry, "a", 1, withStore(slow))
	b, _ := newCache(t, pool, registry, "b", 2, withSerialWorker(1))

	_, err := a.Put("slow", []byte(strings.Repeat("a", 8)))
	require.NoError(t, err)
	<-slow.entered

	// 8 bytes are held for a, b has nothing to evict
	_, err = b.Put("fast", []byte("bbbb"))
	require.NoError(t, err)
	flush(t, b)
	assert.Equal(t, int64(0), b.PersistedBytes())

	open()
	flush(t, a)
	assert.Equal(t, int64(8), registry.Used())
}
