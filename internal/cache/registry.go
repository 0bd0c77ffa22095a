package cache

import (
	"context"
	"log/slog"
	"math"
	"sync"

	"github.com/objectfs/tiercache/internal/metrics"
	"github.com/objectfs/tiercache/pkg/errors"
)

// Registry holds every cache sharing one persistent byte budget and runs
// the cross-cache eviction. Each cache is entitled to a share of the budget
// proportional to its priority; when space runs out the cache exceeding its
// share the most loses its least recently used entries first.
type Registry struct {
	budget  int64
	metrics *metrics.Collector
	logger  *slog.Logger

	mu       sync.Mutex
	caches   []*StaticCache
	reserved int64 // bytes admitted for writes still in flight
}

// NewRegistry creates a registry for budget bytes. A budget of zero or less
// disables the global limit; store STORE_FULL failures still trigger eviction.
func NewRegistry(budget int64, collector *metrics.Collector, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		budget:  budget,
		metrics: collector,
		logger:  logger.With("component", "registry"),
	}
}

// Budget returns the total byte budget
func (r *Registry) Budget() int64 {
	return r.budget
}

// Register adds c to the registry. Names and priorities are unique per
// registry; a duplicate or negative priority fails with INVALID_ARGUMENT.
func (r *Registry) Register(c *StaticCache) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.priority < 0 {
		return errors.Newf(errors.ErrCodeInvalidArgument, "cache %s has negative priority %d", c.name, c.priority).
			WithComponent("registry").
			WithOperation("Register")
	}
	for _, other := range r.caches {
		if other == c {
			return nil
		}
		if other.priority == c.priority {
			return errors.Newf(errors.ErrCodeInvalidArgument, "priority %d already used by cache %s", c.priority, other.name).
				WithComponent("registry").
				WithOperation("Register").
				WithContext("cache", c.name)
		}
		if other.name == c.name {
			return errors.Newf(errors.ErrCodeInvalidArgument, "cache %s already registered", c.name).
				WithComponent("registry").
				WithOperation("Register")
		}
	}

	r.caches = append(r.caches, c)
	r.logger.Debug("cache registered", "cache", c.name, "priority", c.priority)
	return nil
}

// Unregister removes c from the registry
func (r *Registry) Unregister(c *StaticCache) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, other := range r.caches {
		if other == c {
			r.caches = append(r.caches[:i], r.caches[i+1:]...)
			return
		}
	}
}

// Caches returns the registered caches in registration order
func (r *Registry) Caches() []*StaticCache {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*StaticCache(nil), r.caches...)
}

// Used returns the persisted bytes across every registered cache
func (r *Registry) Used() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usedLocked()
}

// Share returns the part of the budget reserved for c.
func (r *Registry) Share(c *StaticCache) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int64(r.shareLocked(c, r.prioritySumLocked()))
}

// Reclaim evicts entries until at least need bytes are freed and returns
// the bytes actually freed. It fails with STORE_FULL when every cache runs
// out of evictable entries first.
func (r *Registry) Reclaim(ctx context.Context, need int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reclaimLocked(ctx, need, nil, "")
}

// Enforce evicts until the persisted bytes fit the budget again.
func (r *Registry) Enforce(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.budget <= 0 {
		return nil
	}
	if over := r.usedLocked() - r.budget; over > 0 {
		_, err := r.reclaimLocked(ctx, over, nil, "")
		return err
	}
	return nil
}

// admit writes size bytes for key of c through write, making room first.
// The registry lock is only held to reserve the bytes and to settle the
// outcome, never across write. A STORE_FULL from write reclaims size bytes
// and retries once.
func (r *Registry) admit(ctx context.Context, c *StaticCache, key string, size int64, write func() error) error {
	reserved, err := r.reserve(ctx, c, key, size)
	if err != nil {
		return err
	}

	err = write()
	if errors.HasCode(err, errors.ErrCodeStoreFull) {
		r.logger.Debug("store full, evicting", "cache", c.name, "size", size)
		r.mu.Lock()
		_, rerr := r.reclaimLocked(ctx, size, c, key)
		r.mu.Unlock()
		if rerr != nil {
			r.settle(c, key, size, reserved, false)
			return errors.Wrap(err, errors.ErrCodeStoreFull, "no space after eviction").
				WithComponent("registry").
				WithContext("cache", c.name)
		}
		err = write()
	}

	r.settle(c, key, size, reserved, err == nil)
	return err
}

// reserve makes room for size bytes of key under the budget and holds them
// until settle. It returns the bytes reserved.
func (r *Registry) reserve(ctx context.Context, c *StaticCache, key string, size int64) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.budget <= 0 {
		return 0, nil
	}
	if size > r.budget {
		return 0, storeFull("entry of %d bytes exceeds the budget of %d bytes", size, r.budget).
			WithContext("cache", c.name)
	}

	need := size - c.persistedSize(key)
	if need <= 0 {
		return 0, nil
	}
	if over := r.usedLocked() + r.reserved + need - r.budget; over > 0 {
		if _, err := r.reclaimLocked(ctx, over, c, key); err != nil {
			return 0, err
		}
	}
	r.reserved += need
	return need, nil
}

func (r *Registry) settle(c *StaticCache, key string, size, reserved int64, written bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reserved -= reserved
	if written {
		c.recordPersisted(key, size)
	}
}

// Helper methods

func (r *Registry) reclaimLocked(ctx context.Context, need int64, exclude *StaticCache, excludeKey string) (int64, error) {
	var freed int64
	exhausted := make(map[*StaticCache]bool)

	for freed < need {
		if err := ctx.Err(); err != nil {
			return freed, errors.Wrap(err, errors.ErrCodeOperationCanceled, "eviction interrupted").
				WithComponent("registry")
		}

		victim := r.pickLocked(exhausted)
		if victim == nil {
			return freed, storeFull("freed %d of %d bytes, nothing left to evict", freed, need)
		}

		skip := ""
		if victim == exclude {
			skip = excludeKey
		}
		n, ok := victim.evictOldest(ctx, skip)
		if !ok {
			exhausted[victim] = true
			continue
		}
		freed += n
		r.metrics.RecordEviction(victim.name, n)
	}

	if freed > 0 {
		r.logger.Debug("evicted", "freed", freed, "requested", need)
	}
	return freed, nil
}

// pickLocked returns the cache whose persisted bytes exceed its share the
// most. A cache with a zero share has an infinite ratio.
func (r *Registry) pickLocked(exhausted map[*StaticCache]bool) *StaticCache {
	sum := r.prioritySumLocked()

	var victim *StaticCache
	best := -1.0
	for _, c := range r.caches {
		if exhausted[c] {
			continue
		}
		used := c.PersistedBytes()
		if used <= 0 {
			continue
		}

		ratio := math.Inf(1)
		if share := r.shareLocked(c, sum); share > 0 {
			ratio = float64(used) / share
		}
		if ratio > best {
			best = ratio
			victim = c
		}
	}
	return victim
}

func (r *Registry) shareLocked(c *StaticCache, sum int) float64 {
	if sum == 0 || r.budget <= 0 {
		return 0
	}
	return float64(r.budget) * float64(c.priority) / float64(sum)
}

func (r *Registry) prioritySumLocked() int {
	sum := 0
	for _, c := range r.caches {
		sum += c.priority
	}
	return sum
}

func (r *Registry) usedLocked() int64 {
	var used int64
	for _, c := range r.caches {
		used += c.PersistedBytes()
	}
	return used
}

func storeFull(format string, args ...interface{}) *errors.Error {
	return errors.Newf(errors.ErrCodeStoreFull, format, args...).
		WithComponent("registry")
}
