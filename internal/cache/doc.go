/*
Package cache provides tiered caches sharing one persistent byte budget.

# Cache Architecture

Every lookup walks the tiers top-down and stops at the first hit:

	┌─────────────────────────────────────────────┐
	│                  Caller                     │
	│      Get / Put / Remove / Clear / Prefetch  │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│  Tier 1: WeakCache + LRU        (RAM)       │
	│   • decoded values, weakly held             │
	│   • the N most recent values pinned         │
	└─────────────────────────────────────────────┘
	                      │ miss (on a worker)
	┌─────────────────────────────────────────────┐
	│  Tier 2: types.Store            (bytes)     │
	│   • keyed by digest of the cache key        │
	│   • decoded on read, promoted to tier 1     │
	└─────────────────────────────────────────────┘
	                      │ miss (WebCache only)
	┌─────────────────────────────────────────────┐
	│  Tier 3: types.Fetcher          (network)   │
	│   • retried on transient errors             │
	│   • one fetch per key at a time             │
	└─────────────────────────────────────────────┘

A Put decodes on the caller and is visible in RAM before it returns. The
store write runs later on the cache's serial worker lane, so writes of one
cache reach the store in the order they were made.

# Eviction

A Registry holds all caches and a total byte budget. Cache i is entitled to

	share(i) = budget * priority(i) / sum(priorities)

When a write would exceed the budget, or the store reports STORE_FULL, the
registry evicts the least recently used persisted entry of the cache with
the highest used/share ratio, repeating until enough bytes are free. A
cache with priority 0 has no share and is drained first. Evicted entries
leave both tiers. If nothing is left to evict the write fails with
STORE_FULL and the value stays in RAM only.

# Lock Order

	Registry.mu → StaticCache.mu → LRU / WeakCache

# Usage Example

	registry := cache.NewRegistry(64<<20, collector, logger)
	images, err := cache.NewStaticCache(&cache.Config{
		Name:     "images",
		Priority: 3,
		Store:    store,
		Pool:     pool,
		Registry: registry,
	})
	if err != nil {
		return err
	}
	web, err := cache.NewWebCache(images, &cache.WebConfig{Fetcher: fetcher})
	if err != nil {
		return err
	}
	task, err := web.Get("https://example.com/logo.png", worker.PriorityNormal, cache.GetAnywhere, nil)
	if err != nil {
		return err
	}
	logo, err := task.Join(10 * time.Second)
*/
package cache
