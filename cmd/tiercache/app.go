package main

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/objectfs/tiercache/internal/cache"
	"github.com/objectfs/tiercache/internal/circuit"
	"github.com/objectfs/tiercache/internal/config"
	"github.com/objectfs/tiercache/internal/dispatch"
	"github.com/objectfs/tiercache/internal/fetch"
	"github.com/objectfs/tiercache/internal/metrics"
	"github.com/objectfs/tiercache/internal/store"
	"github.com/objectfs/tiercache/internal/store/s3"
	"github.com/objectfs/tiercache/internal/worker"
	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/utils"
)

// app is one process worth of scheduler, caches and network tier
type app struct {
	config   *config.Configuration
	logger   *slog.Logger
	metrics  *metrics.Collector
	loop     *dispatch.Loop
	pool     *worker.Pool
	registry *cache.Registry
	fetcher  *fetch.HTTPFetcher

	caches map[string]*cache.StaticCache
	webs   map[string]*cache.WebCache
}

func newApp(ctx context.Context, cfg *config.Configuration) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var rotation *utils.RotationConfig
	if cfg.Global.LogFile != "" {
		rotation = &utils.RotationConfig{
			Filename:   cfg.Global.LogFile,
			MaxBackups: cfg.Global.LogMaxBackups,
			Compress:   true,
		}
		if cfg.Global.LogMaxSize != "" {
			rotation.MaxSize, _ = utils.ParseBytes(cfg.Global.LogMaxSize)
		}
	}
	logger, err := utils.SetupRotatedLogging(cfg.Global.LogLevel, cfg.Global.LogFormat, rotation)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrCodeInvalidConfig, "cannot set up logging")
	}
	return buildApp(ctx, cfg, logger)
}

func buildApp(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) (*app, error) {
	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   cfg.Metrics.Enabled,
		Port:      cfg.Metrics.Port,
		Namespace: cfg.Metrics.Namespace,
	})
	if err != nil {
		return nil, err
	}

	a := &app{
		config:  cfg,
		logger:  logger,
		metrics: collector,
		loop:    dispatch.NewLoop(logger),
		caches:  make(map[string]*cache.StaticCache),
		webs:    make(map[string]*cache.WebCache),
	}

	a.pool, err = worker.NewPool(&worker.Config{
		Workers:       cfg.Worker.Count,
		ShutdownGrace: cfg.Worker.ShutdownGrace,
		Dispatcher:    a.loop,
		Metrics:       collector,
		Logger:        logger,
	})
	if err != nil {
		a.loop.Close()
		return nil, err
	}

	budget, _ := cfg.TotalBudgetBytes()
	a.registry = cache.NewRegistry(budget, collector, logger)

	maxBody, err := utils.ParseBytes(cfg.Fetch.MaxBodySize)
	if err != nil {
		maxBody = 0
	}
	fetchConfig := &fetch.Config{
		Timeout:     cfg.Fetch.Timeout,
		UserAgent:   cfg.Fetch.UserAgent,
		MaxBodySize: maxBody,
		Metrics:     collector,
		Logger:      logger,
	}
	if cb := cfg.Fetch.CircuitBreaker; cb.Enabled {
		fetchConfig.Breaker = &circuit.Config{
			FailureThreshold: uint32(cb.FailureThreshold),
			Timeout:          cb.Timeout,
		}
	}
	a.fetcher = fetch.New(fetchConfig)

	if err := a.openCaches(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}

	if err := collector.Start(ctx); err != nil {
		_ = a.Close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) openCaches(ctx context.Context) error {
	cfg := a.config
	maxSize, _ := cfg.StoreMaxSizeBytes()
	storeConfig := &store.Config{
		Backend:     cfg.Store.Backend,
		Directory:   cfg.Store.Directory,
		MaxSize:     maxSize,
		Compression: cfg.Store.Compression,
		S3: s3.Config{
			Bucket:          cfg.Store.S3.Bucket,
			Prefix:          cfg.Store.S3.Prefix,
			Region:          cfg.Store.S3.Region,
			Endpoint:        cfg.Store.S3.Endpoint,
			ForcePathStyle:  cfg.Store.S3.ForcePathStyle,
			AccessKeyID:     cfg.Store.S3.AccessKeyID,
			SecretAccessKey: cfg.Store.S3.SecretAccessKey,
			MaxRetries:      cfg.Store.S3.MaxRetries,
			UseCargoShip:    cfg.Store.S3.UseCargoShip,
			Concurrency:     cfg.Store.S3.Concurrency,
		},
	}

	for _, inst := range cfg.Cache.Instances {
		decoder, err := cache.DecoderByName(inst.Decoder)
		if err != nil {
			return err
		}
		st, err := store.Open(ctx, storeConfig, inst.Name, a.logger)
		if err != nil {
			return err
		}

		c, err := cache.NewStaticCache(&cache.Config{
			Name:         inst.Name,
			Priority:     inst.Priority,
			SerialWorker: inst.SerialWorker,
			WeakPinned:   cfg.Cache.WeakPinned,
			Decoder:      decoder,
			Store:        st,
			Pool:         a.pool,
			Registry:     a.registry,
			Metrics:      a.metrics,
			Logger:       a.logger,
		})
		if err != nil {
			_ = st.Close()
			return err
		}
		a.caches[inst.Name] = c
		if err := c.Load(ctx); err != nil {
			return err
		}

		if inst.Web {
			w, err := cache.NewWebCache(c, &cache.WebConfig{
				Fetcher:    a.fetcher,
				Retries:    cfg.Fetch.Retries,
				RetryDelay: cfg.Fetch.RetryDelay,
			})
			if err != nil {
				return err
			}
			a.webs[inst.Name] = w
		}
		a.logger.Debug("cache opened", "cache", inst.Name, "priority", inst.Priority,
			"backend", cfg.Store.Backend, "web", inst.Web)
	}
	return nil
}

// cache returns the named cache; an empty name selects the only or the
// first configured one.
func (a *app) cache(name string) (*cache.StaticCache, error) {
	if name == "" && len(a.config.Cache.Instances) > 0 {
		name = a.config.Cache.Instances[0].Name
	}
	c, ok := a.caches[name]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "no cache named %q", name).
			WithComponent("cli")
	}
	return c, nil
}

func (a *app) web(name string) (*cache.WebCache, error) {
	c, err := a.cache(name)
	if err != nil {
		return nil, err
	}
	w, ok := a.webs[c.Name()]
	if !ok {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "cache %q has no network tier", c.Name()).
			WithComponent("cli")
	}
	return w, nil
}

func (a *app) cacheNames() []string {
	names := make([]string, 0, len(a.caches))
	for name := range a.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close flushes pending writes and closes every cache, then stops the pool.
func (a *app) Close(ctx context.Context) error {
	var first error
	keep := func(err error) {
		if err != nil && first == nil {
			first = err
		}
	}

	for _, name := range a.cacheNames() {
		keep(a.caches[name].Close(ctx))
	}
	if a.pool != nil {
		keep(a.pool.Shutdown(true))
	}
	a.loop.Close()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	keep(a.metrics.Stop(stopCtx))
	return first
}
