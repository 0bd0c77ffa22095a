package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/objectfs/tiercache/internal/metrics"
	"github.com/objectfs/tiercache/internal/worker"
	"github.com/objectfs/tiercache/pkg/digest"
	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

// Config represents the configuration of one cache instance
type Config struct {
	Name     string `yaml:"name"`
	Priority int    `yaml:"priority"`

	// SerialWorker is the worker whose serial lane performs this cache's
	// store writes, keeping them in order. Negative uses the NORMAL lane.
	SerialWorker int `yaml:"serial_worker"`

	// WeakPinned is the number of recent values kept strongly reachable
	WeakPinned int `yaml:"weak_pinned"`

	Decoder  types.Decoder      `yaml:"-"`
	Store    types.Store        `yaml:"-"`
	Pool     *worker.Pool       `yaml:"-"`
	Registry *Registry          `yaml:"-"`
	Metrics  *metrics.Collector `yaml:"-"`
	Logger   *slog.Logger       `yaml:"-"`
}

// StaticCache is a two-tier cache: decoded values in a weak RAM tier over
// raw bytes in a persistent store. Reads that miss RAM and every store
// write run as tasks on the worker pool.
type StaticCache struct {
	name     string
	priority int
	serial   int
	decoder  types.Decoder
	store    types.Store
	pool     *worker.Pool
	registry *Registry
	metrics  *metrics.Collector
	logger   *slog.Logger

	weak *WeakCache
	lru  *LRU

	mu       sync.Mutex
	sizes    map[string]int64     // persisted bytes per digest
	queued   map[string]*queuedOp // store ops not yet applied, per digest
	clearing int                  // queued wipes
	version  uint64               // bumped by every Put, Remove and Clear
	used     int64
	writes   []*worker.Task

	hits       atomic.Uint64
	storeHits  atomic.Uint64
	fetchHits  atomic.Uint64
	misses     atomic.Uint64
	evictions  atomic.Uint64
	convErrors atomic.Uint64
}

// queuedOp is the newest write or removal of one key that the store has
// not applied yet. data is nil for a removal.
type queuedOp struct {
	data []byte
	n    int
}

// NewStaticCache creates a cache and registers it with its registry.
func NewStaticCache(config *Config) (*StaticCache, error) {
	if config == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "cache config is required").
			WithComponent("cache")
	}
	if config.Name == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "cache name is required").
			WithComponent("cache")
	}
	if config.Store == nil || config.Pool == nil {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "cache %s needs a store and a worker pool", config.Name).
			WithComponent("cache")
	}
	if config.SerialWorker >= config.Pool.Size() {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "cache %s uses serial worker %d of %d",
			config.Name, config.SerialWorker, config.Pool.Size()).
			WithComponent("cache")
	}

	decoder := config.Decoder
	if decoder == nil {
		decoder = RawDecoder
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := config.Registry
	if registry == nil {
		registry = NewRegistry(0, config.Metrics, logger)
	}

	c := &StaticCache{
		name:     config.Name,
		priority: config.Priority,
		serial:   config.SerialWorker,
		decoder:  decoder,
		store:    config.Store,
		pool:     config.Pool,
		registry: registry,
		metrics:  config.Metrics,
		logger:   logger.With("component", "cache", "cache", config.Name),
		weak:     NewWeakCache(config.WeakPinned),
		lru:      NewLRU(),
		sizes:    make(map[string]int64),
		queued:   make(map[string]*queuedOp),
	}

	if err := registry.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// Name returns the cache name
func (c *StaticCache) Name() string {
	return c.name
}

// Priority returns the priority tag used for budget shares
func (c *StaticCache) Priority() int {
	return c.priority
}

// Load seeds the persisted-size bookkeeping from the store. Called once at
// startup, before the cache serves requests.
func (c *StaticCache) Load(ctx context.Context) error {
	entries, err := c.store.List(ctx)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStoreError, "cannot enumerate store").
			WithComponent("cache").
			WithOperation("Load").
			WithContext("cache", c.name)
	}

	c.mu.Lock()
	for _, entry := range entries {
		key := entry.ID.String()
		c.used += entry.Size - c.sizes[key]
		c.sizes[key] = entry.Size
		c.lru.Touch(key)
	}
	used := c.used
	c.mu.Unlock()

	c.metrics.UpdateCacheSize(c.name, used)
	c.logger.Info("cache loaded", "entries", len(entries), "bytes", used)

	return c.registry.Enforce(ctx)
}

// Get looks key up in RAM, then in the store on a worker at priority.
// A RAM hit returns an already finished task. The task's value is nil when
// the key is in neither tier. onComplete, if set, is called on the
// dispatcher with the outcome.
func (c *StaticCache) Get(key string, priority worker.Priority, onComplete func(any, error)) (*worker.Task, error) {
	id, err := digest.Sum(key)
	if err != nil {
		return nil, err
	}
	if value, ok := c.ramLookup(id); ok {
		c.complete(onComplete, value, nil)
		return worker.Completed(value), nil
	}

	return c.submit("get:"+c.name, priority, onComplete, func(ctx context.Context) (any, error) {
		value, _, err := c.storeLookup(ctx, key, id)
		if err == nil && value == nil {
			c.recordMiss()
		}
		return value, err
	})
}

// GetSync is Get performed on the calling goroutine.
func (c *StaticCache) GetSync(ctx context.Context, key string) (any, bool, error) {
	id, err := digest.Sum(key)
	if err != nil {
		return nil, false, err
	}
	if value, ok := c.ramLookup(id); ok {
		return value, true, nil
	}
	value, found, err := c.storeLookup(ctx, key, id)
	if err == nil && !found {
		c.recordMiss()
	}
	return value, found, err
}

// Peek returns the value for key only if it is resident in RAM.
func (c *StaticCache) Peek(key string) (any, bool) {
	id, err := digest.Sum(key)
	if err != nil {
		return nil, false
	}
	return c.weak.Get(id.String())
}

// Contains reports whether key is resident in RAM or known to the store.
func (c *StaticCache) Contains(key string) bool {
	id, err := digest.Sum(key)
	if err != nil {
		return false
	}
	hex := id.String()
	if c.weak.Resident(hex) {
		return true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.sizes[hex]
	return ok
}

// Put decodes data on the caller, makes the value visible in RAM at once
// and queues the store write. The decoded value is returned. A decode
// failure caches nothing.
func (c *StaticCache) Put(key string, data []byte) (any, error) {
	id, err := digest.Sum(key)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "data must not be nil").
			WithComponent("cache").
			WithOperation("Put").
			WithContext("cache", c.name)
	}

	value, err := c.decode(key, data)
	if err != nil {
		return nil, err
	}

	hex := id.String()
	buf := make([]byte, len(data))
	copy(buf, data)

	settle := c.track(hex, buf)
	c.weak.Put(hex, value)
	c.lru.Touch(hex)

	write := c.pool.NewTask(func(ctx context.Context, _ any) (any, error) {
		defer settle()
		if err := c.persist(ctx, hex, id, buf); err != nil {
			c.discard(ctx, hex, id)
			return nil, err
		}
		return nil, nil
	}, nil).Named("write:" + c.name)
	c.queueWrite(write, func() {
		settle()
		c.forget(hex)
	})

	return value, nil
}

// Remove drops key from RAM at once and from the store in write order.
func (c *StaticCache) Remove(key string) error {
	id, err := digest.Sum(key)
	if err != nil {
		return err
	}
	hex := id.String()
	settle := c.track(hex, nil)
	c.weak.Remove(hex)
	c.lru.Remove(hex)

	remove := c.pool.NewTask(func(ctx context.Context, _ any) (any, error) {
		defer settle()
		if err := c.store.Remove(ctx, id); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStoreError, "cannot remove entry").
				WithComponent("cache").
				WithContext("cache", c.name)
		}
		c.dropPersisted(hex)
		return nil, nil
	}, nil).Named("remove:" + c.name)
	c.queueWrite(remove, settle)
	return nil
}

// Clear empties RAM at once and the store in write order.
func (c *StaticCache) Clear() {
	c.mu.Lock()
	c.version++
	c.clearing++
	c.queued = make(map[string]*queuedOp)
	c.mu.Unlock()
	settle := func() {
		c.mu.Lock()
		c.clearing--
		c.mu.Unlock()
	}

	c.weak.Clear()
	c.lru.Clear()

	wipe := c.pool.NewTask(func(ctx context.Context, _ any) (any, error) {
		defer settle()
		if err := c.store.Clear(ctx); err != nil {
			return nil, errors.Wrap(err, errors.ErrCodeStoreError, "cannot clear store").
				WithComponent("cache").
				WithContext("cache", c.name)
		}
		c.mu.Lock()
		c.sizes = make(map[string]int64)
		c.used = 0
		c.mu.Unlock()
		c.metrics.UpdateCacheSize(c.name, 0)
		return nil, nil
	}, nil).Named("clear:" + c.name)
	c.queueWrite(wipe, settle)
}

// Flush waits until every store write queued so far has completed.
func (c *StaticCache) Flush(ctx context.Context) error {
	c.mu.Lock()
	writes := append([]*worker.Task(nil), c.writes...)
	c.mu.Unlock()

	for _, write := range writes {
		select {
		case <-write.Done():
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "flush interrupted").
				WithComponent("cache").
				WithContext("cache", c.name)
		}
	}
	return nil
}

// PersistedBytes returns the bytes this cache holds in its store
func (c *StaticCache) PersistedBytes() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

// Close unregisters the cache and closes its store once pending writes finish.
func (c *StaticCache) Close(ctx context.Context) error {
	flushErr := c.Flush(ctx)
	c.registry.Unregister(c)
	if err := c.store.Close(); err != nil {
		return err
	}
	return flushErr
}

// Stats returns cache statistics
func (c *StaticCache) Stats() types.CacheStats {
	c.mu.Lock()
	used := c.used
	c.mu.Unlock()

	stats := types.CacheStats{
		Hits:             c.hits.Load(),
		StoreHits:        c.storeHits.Load(),
		FetchHits:        c.fetchHits.Load(),
		Misses:           c.misses.Load(),
		Evictions:        c.evictions.Load(),
		ConversionErrors: c.convErrors.Load(),
		Entries:          c.lru.Size(),
		Resident:         c.weak.ResidentCount(),
		Size:             used,
		Capacity:         c.registry.Share(c),
	}

	total := stats.Hits + stats.StoreHits + stats.FetchHits + stats.Misses
	if total > 0 {
		stats.HitRate = float64(stats.Hits+stats.StoreHits) / float64(total)
	}
	if stats.Capacity > 0 {
		stats.Utilization = float64(stats.Size) / float64(stats.Capacity)
	}
	return stats
}

// Helper methods

func (c *StaticCache) ramLookup(id digest.ID) (any, bool) {
	hex := id.String()
	value, ok := c.weak.Get(hex)
	if !ok {
		return nil, false
	}
	c.lru.Touch(hex)
	c.hits.Add(1)
	c.metrics.RecordCacheHit(c.name, "ram")
	return value, true
}

// storeLookup reads the store and promotes a hit into RAM. A key with a
// queued write or removal is answered from that op instead, since the
// store still holds what came before it.
func (c *StaticCache) storeLookup(ctx context.Context, key string, id digest.ID) (any, bool, error) {
	hex := id.String()

	c.mu.Lock()
	version := c.version
	op, queued := c.queued[hex]
	var pending []byte
	if queued {
		pending = op.data
	}
	wiping := c.clearing > 0
	c.mu.Unlock()

	if queued || wiping {
		if pending == nil {
			return nil, false, nil
		}
		value, err := c.decode(key, pending)
		if err != nil {
			return nil, false, err
		}
		c.promote(hex, version, value, -1)
		c.hits.Add(1)
		c.metrics.RecordCacheHit(c.name, "ram")
		return value, true, nil
	}

	data, found, err := c.store.Get(ctx, id)
	if err != nil {
		c.metrics.RecordError("store_get", err)
		return nil, false, errors.Wrap(err, errors.ErrCodeStoreError, "store read failed").
			WithComponent("cache").
			WithContext("cache", c.name)
	}
	if !found {
		return nil, false, nil
	}

	// a newer value may have been put while the store was read
	if value, ok := c.weak.Get(hex); ok {
		c.lru.Touch(hex)
		c.hits.Add(1)
		return value, true, nil
	}

	value, err := c.decode(key, data)
	if err != nil {
		return nil, false, err
	}

	c.promote(hex, version, value, int64(len(data)))
	c.storeHits.Add(1)
	c.metrics.RecordCacheHit(c.name, "store")
	return value, true, nil
}

// promote makes value resident unless a Put, Remove or Clear happened
// after version was read. size, when not negative, is the persisted size
// to record for a key the bookkeeping does not know yet.
func (c *StaticCache) promote(hex string, version uint64, value any, size int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.version != version {
		return
	}
	c.weak.Put(hex, value)
	c.lru.Touch(hex)
	if _, ok := c.sizes[hex]; !ok && size >= 0 {
		c.sizes[hex] = size
		c.used += size
	}
}

// track records a queued op on hex and returns the func that settles it
// once the store has applied it or it was never queued.
func (c *StaticCache) track(hex string, data []byte) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.version++
	op, ok := c.queued[hex]
	if !ok {
		op = &queuedOp{}
		c.queued[hex] = op
	}
	op.data = data
	op.n++

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		op.n--
		if op.n == 0 && c.queued[hex] == op {
			delete(c.queued, hex)
		}
	}
}

// discard runs after a failed write: the older store entry for hex would
// otherwise come back once the new value leaves RAM.
func (c *StaticCache) discard(ctx context.Context, hex string, id digest.ID) {
	c.mu.Lock()
	_, stale := c.sizes[hex]
	c.mu.Unlock()

	if stale {
		if err := c.store.Remove(ctx, id); err != nil {
			c.logger.Warn("stale entry not removed", "digest", hex, "error", err)
			return
		}
		c.dropPersisted(hex)
	}
	c.forget(hex)
}

// forget drops hex from the LRU unless it is persisted. RAM-only values
// are not eviction candidates.
func (c *StaticCache) forget(hex string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.sizes[hex]; !ok {
		c.lru.Remove(hex)
	}
}

func (c *StaticCache) decode(key string, data []byte) (any, error) {
	value, err := c.decoder.Decode(key, data)
	if err != nil {
		c.convErrors.Add(1)
		c.metrics.RecordError("decode", err)
		if !errors.HasCode(err, errors.ErrCodeConversion) {
			err = errors.Wrap(err, errors.ErrCodeConversion, "decode failed").
				WithComponent("cache").
				WithContext("cache", c.name)
		}
		return nil, err
	}
	if value == nil {
		return nil, errors.NewError(errors.ErrCodeConversion, "decoder produced no value").
			WithComponent("cache").
			WithContext("cache", c.name).
			WithContext("key", key)
	}
	return value, nil
}

func (c *StaticCache) persist(ctx context.Context, hex string, id digest.ID, data []byte) error {
	err := c.registry.admit(ctx, c, hex, int64(len(data)), func() error {
		return c.store.Put(ctx, id, data)
	})
	if err != nil {
		c.metrics.RecordError("store_put", err)
		if errors.HasCode(err, errors.ErrCodeStoreFull) {
			c.logger.Warn("entry kept in RAM only", "digest", hex, "size", len(data), "error", err)
		}
		return err
	}
	return nil
}

// recordPersisted is called by the registry with its lock held.
func (c *StaticCache) recordPersisted(hex string, size int64) {
	c.mu.Lock()
	c.used += size - c.sizes[hex]
	c.sizes[hex] = size
	used := c.used
	c.mu.Unlock()

	// a completed write is not a use
	c.lru.Track(hex)
	c.metrics.UpdateCacheSize(c.name, used)
}

func (c *StaticCache) dropPersisted(hex string) {
	c.mu.Lock()
	c.used -= c.sizes[hex]
	delete(c.sizes, hex)
	used := c.used
	c.mu.Unlock()

	c.metrics.UpdateCacheSize(c.name, used)
}

func (c *StaticCache) persistedSize(hex string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sizes[hex]
}

// evictOldest removes the least recently used persisted entry other than
// skip from both tiers. Keys with a queued op are passed over, their store
// entry is about to change. Called by the registry with its lock held.
func (c *StaticCache) evictOldest(ctx context.Context, skip string) (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	victim := ""
	c.lru.Walk(func(key string) bool {
		if _, busy := c.queued[key]; busy {
			return true
		}
		if _, ok := c.sizes[key]; ok && key != skip {
			victim = key
			return false
		}
		return true
	})
	if victim == "" {
		return 0, false
	}

	id, err := digest.Parse(victim)
	if err != nil {
		return 0, false
	}
	if err := c.store.Remove(ctx, id); err != nil {
		c.logger.Warn("eviction failed", "digest", victim, "error", err)
		return 0, false
	}

	size := c.sizes[victim]
	delete(c.sizes, victim)
	c.used -= size
	c.lru.Remove(victim)
	c.weak.Remove(victim)
	c.evictions.Add(1)
	c.metrics.UpdateCacheSize(c.name, c.used)

	c.logger.Debug("entry evicted", "digest", victim, "size", size)
	return size, true
}

// queueWrite submits a store op in write order; settle runs when the op
// could not be queued.
func (c *StaticCache) queueWrite(task *worker.Task, settle func()) {
	c.mu.Lock()
	pending := c.writes[:0]
	for _, write := range c.writes {
		if !write.Status().IsTerminal() {
			pending = append(pending, write)
		}
	}
	c.writes = append(pending, task)
	c.mu.Unlock()

	var err error
	if c.serial >= 0 {
		err = c.pool.SubmitSerial(task, c.serial)
	} else {
		err = c.pool.Submit(task, worker.PriorityNormal)
	}
	if err != nil {
		task.Cancel(false)
		settle()
		c.metrics.RecordError("store_write", err)
		c.logger.Warn("store write not queued, entry kept in RAM only", "task", task.Name(), "error", err)
	}
}

func (c *StaticCache) submit(name string, priority worker.Priority, onComplete func(any, error), body func(ctx context.Context) (any, error)) (*worker.Task, error) {
	task := c.pool.NewTask(func(ctx context.Context, _ any) (any, error) {
		return body(ctx)
	}, nil).Named(name)

	if onComplete != nil {
		task.OnFinished(func(t *worker.Task) { onComplete(t.Value(), nil) })
		task.OnCanceled(func(t *worker.Task) { onComplete(nil, t.Err()) })
	}

	if err := c.pool.Submit(task, priority); err != nil {
		return nil, err
	}
	return task, nil
}

func (c *StaticCache) complete(onComplete func(any, error), value any, err error) {
	if onComplete == nil {
		return
	}
	c.pool.Dispatch(func() { onComplete(value, err) })
}

func (c *StaticCache) recordMiss() {
	c.misses.Add(1)
	c.metrics.RecordCacheMiss(c.name)
}
