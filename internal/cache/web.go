package cache

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/objectfs/tiercache/internal/worker"
	"github.com/objectfs/tiercache/pkg/digest"
	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/retry"
	"github.com/objectfs/tiercache/pkg/types"
)

// Mode selects which tiers a WebCache lookup may use.
type Mode int

const (
	// GetLocal uses RAM and the store; a miss is absent, never fetched.
	GetLocal Mode = iota
	// GetAnywhere fetches from the network only on a local miss.
	GetAnywhere
	// GetWeb always fetches and overwrites the local tiers.
	GetWeb
)

// String returns the mode name
func (m Mode) String() string {
	switch m {
	case GetLocal:
		return "local"
	case GetAnywhere:
		return "anywhere"
	case GetWeb:
		return "web"
	default:
		return "unknown"
	}
}

// ParseMode converts a mode name into a Mode
func ParseMode(s string) (Mode, error) {
	switch s {
	case "local":
		return GetLocal, nil
	case "anywhere", "":
		return GetAnywhere, nil
	case "web":
		return GetWeb, nil
	default:
		return GetAnywhere, errors.Newf(errors.ErrCodeInvalidArgument, "unknown mode %q", s).
			WithComponent("cache")
	}
}

// WebConfig represents network tier settings of a WebCache
type WebConfig struct {
	Fetcher    types.Fetcher `yaml:"-"`
	Retries    int           `yaml:"retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// WebCache adds a network tier under a StaticCache. Concurrent lookups of
// one key share a single fetch.
type WebCache struct {
	*StaticCache

	fetcher types.Fetcher
	retryer *retry.Retryer
	logger  *slog.Logger
	pending *xsync.MapOf[string, *fetchCall]
}

type fetchCall struct {
	done  chan struct{}
	value any
	err   error
}

// NewWebCache wraps cache with the network tier described by config.
// Retries default to 3, five seconds apart.
func NewWebCache(cache *StaticCache, config *WebConfig) (*WebCache, error) {
	if cache == nil || config == nil || config.Fetcher == nil {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "web cache needs a cache and a fetcher").
			WithComponent("cache")
	}

	retries := config.Retries
	if retries < 0 {
		retries = 0
	} else if retries == 0 {
		retries = 3
	}
	delay := config.RetryDelay
	if delay <= 0 {
		delay = 5 * time.Second
	}

	w := &WebCache{
		StaticCache: cache,
		fetcher:     config.Fetcher,
		logger:      cache.logger.With("tier", "web"),
		pending:     xsync.NewMapOf[string, *fetchCall](),
	}
	w.retryer = retry.New(retry.Fixed(retries, delay)).WithOnRetry(func(attempt int, err error, delay time.Duration) {
		w.logger.Warn("fetch failed, retrying", "attempt", attempt, "delay", delay, "error", err)
	})
	return w, nil
}

// Get looks url up according to mode. The task's value is nil when a
// GetLocal lookup misses.
func (w *WebCache) Get(url string, priority worker.Priority, mode Mode, onComplete func(any, error)) (*worker.Task, error) {
	return w.GetRequest(&types.Request{URL: url, Method: http.MethodGet}, priority, mode, onComplete)
}

// GetRequest is Get for an arbitrary request; requests with a body are
// cached under the URL plus a digest of the body.
func (w *WebCache) GetRequest(req *types.Request, priority worker.Priority, mode Mode, onComplete func(any, error)) (*worker.Task, error) {
	if req == nil || req.URL == "" {
		return nil, errors.NewError(errors.ErrCodeInvalidArgument, "request URL is required").
			WithComponent("cache").
			WithOperation("Get")
	}

	switch mode {
	case GetLocal:
		return w.StaticCache.Get(req.Key(), priority, onComplete)
	case GetAnywhere:
		if value, ok := w.lookupRAM(req.Key()); ok {
			w.complete(onComplete, value, nil)
			return worker.Completed(value), nil
		}
	case GetWeb:
	default:
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "unknown mode %d", mode).
			WithComponent("cache").
			WithOperation("Get")
	}

	return w.submit("fetch:"+w.name, priority, onComplete, func(ctx context.Context) (any, error) {
		return w.resolve(ctx, req, mode)
	})
}

// GetSync is GetRequest performed on the calling goroutine.
func (w *WebCache) GetSync(ctx context.Context, url string, mode Mode) (any, bool, error) {
	req := &types.Request{URL: url, Method: http.MethodGet}
	if mode == GetLocal {
		return w.StaticCache.GetSync(ctx, req.Key())
	}
	value, err := w.resolve(ctx, req, mode)
	if err != nil {
		return nil, false, err
	}
	return value, value != nil, nil
}

// Prefetch warms the cache for url on the LOW lane unless it is already
// resident in RAM. It returns the lookup task, or nil when nothing was queued.
func (w *WebCache) Prefetch(url string) (*worker.Task, error) {
	if _, ok := w.Peek(url); ok {
		return nil, nil
	}
	return w.Get(url, worker.PriorityLow, GetAnywhere, nil)
}

// Helper methods

func (w *WebCache) lookupRAM(key string) (any, bool) {
	id, err := digest.Sum(key)
	if err != nil {
		return nil, false
	}
	return w.ramLookup(id)
}

// resolve runs on a worker: the local tiers first for GetAnywhere, then
// a fetch shared with every concurrent lookup of the same key.
func (w *WebCache) resolve(ctx context.Context, req *types.Request, mode Mode) (any, error) {
	key := req.Key()

	if mode == GetAnywhere {
		if value, ok := w.lookupRAM(key); ok {
			return value, nil
		}
		id, err := digest.Sum(key)
		if err != nil {
			return nil, err
		}
		value, found, err := w.storeLookup(ctx, key, id)
		if err != nil && !errors.HasCode(err, errors.ErrCodeConversion) {
			return nil, err
		}
		if found {
			return value, nil
		}
	}
	return w.fetchShared(ctx, req, mode)
}

func (w *WebCache) fetchShared(ctx context.Context, req *types.Request, mode Mode) (any, error) {
	key := req.Key()
	call := &fetchCall{done: make(chan struct{})}

	if existing, loaded := w.pending.LoadOrStore(key, call); loaded {
		select {
		case <-existing.done:
			return existing.value, existing.err
		case <-ctx.Done():
			return nil, errors.Wrap(ctx.Err(), errors.ErrCodeOperationCanceled, "wait for shared fetch canceled").
				WithComponent("cache").
				WithContext("cache", w.name)
		}
	}

	defer func() {
		w.pending.Delete(key)
		close(call.done)
	}()

	// a fetch that finished between the local miss and LoadOrStore
	if mode == GetAnywhere {
		if value, ok := w.Peek(key); ok {
			call.value = value
			return value, nil
		}
	}

	call.value, call.err = w.fetch(ctx, req)
	return call.value, call.err
}

func (w *WebCache) fetch(ctx context.Context, req *types.Request) (any, error) {
	var resp *types.Response
	err := w.retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var err error
		resp, err = w.fetcher.Fetch(ctx, req)
		return err
	})
	if err != nil {
		w.metrics.RecordError("fetch", err)
		return nil, errors.Wrap(err, errors.ErrCodeNetworkError, "fetch failed").
			WithComponent("cache").
			WithContext("cache", w.name).
			WithContext("url", req.URL).
			WithRetryable(false)
	}

	value, err := w.Put(req.Key(), resp.Body)
	if err != nil {
		return nil, err
	}
	w.fetchHits.Add(1)
	w.metrics.RecordCacheHit(w.name, "web")
	w.logger.Debug("fetched", "url", req.URL, "size", len(resp.Body))
	return value, nil
}
