package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/objectfs/tiercache/internal/cache"
	"github.com/objectfs/tiercache/internal/circuit"
	"github.com/objectfs/tiercache/internal/worker"
	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
	"github.com/objectfs/tiercache/pkg/utils"
)

var (
	getCmd = &cobra.Command{
		Use:   "get <url|key>",
		Short: "Look up one entry and print its value",
		Long: `Look up one entry and print its value.

With --mode local only RAM and the persistent store are consulted; anywhere
falls back to the network; web always fetches and overwrites the cached copy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				opts := getOptions{}
				opts.cache, _ = cmd.Flags().GetString("cache")
				opts.mode, _ = cmd.Flags().GetString("mode")
				opts.priority, _ = cmd.Flags().GetString("priority")
				opts.timeout, _ = cmd.Flags().GetDuration("timeout")
				return runGet(a, cmd.OutOrStdout(), args[0], opts)
			})
		},
	}

	prefetchCmd = &cobra.Command{
		Use:   "prefetch <url>...",
		Short: "Warm a web cache in the background lane",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				name, _ := cmd.Flags().GetString("cache")
				timeout, _ := cmd.Flags().GetDuration("timeout")
				return runPrefetch(a, cmd.OutOrStdout(), name, args, timeout)
			})
		},
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Print pool, cache and circuit breaker statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				return runStats(a, cmd.OutOrStdout())
			})
		},
	}

	clearCmd = &cobra.Command{
		Use:   "clear",
		Short: "Remove every entry of one or all caches",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app) error {
				name, _ := cmd.Flags().GetString("cache")
				return runClear(ctx, a, cmd.OutOrStdout(), name)
			})
		},
	}
)

func init() {
	getCmd.Flags().String("cache", "", "cache to query (default: the first configured)")
	getCmd.Flags().String("mode", cache.GetAnywhere.String(), "lookup mode (local, anywhere, web)")
	getCmd.Flags().String("priority", "normal", "task priority (high, normal, low)")
	getCmd.Flags().Duration("timeout", 2*time.Minute, "how long to wait for the lookup")

	prefetchCmd.Flags().String("cache", "", "web cache to warm (default: the first configured)")
	prefetchCmd.Flags().Duration("timeout", 5*time.Minute, "how long to wait for all fetches")

	clearCmd.Flags().String("cache", "", "cache to clear (default: all)")
}

func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := loadConfiguration(cmd)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownGrace+5*time.Second)
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

type getOptions struct {
	cache    string
	mode     string
	priority string
	timeout  time.Duration
}

func runGet(a *app, out io.Writer, key string, opts getOptions) error {
	mode, err := cache.ParseMode(opts.mode)
	if err != nil {
		return err
	}
	priority, err := worker.ParsePriority(opts.priority)
	if err != nil {
		return err
	}
	c, err := a.cache(opts.cache)
	if err != nil {
		return err
	}

	var task *worker.Task
	if w, ok := a.webs[c.Name()]; ok {
		task, err = w.Get(key, priority, mode, nil)
	} else if mode == cache.GetWeb {
		return errors.Newf(errors.ErrCodeInvalidArgument, "cache %q has no network tier", c.Name()).
			WithComponent("cli")
	} else {
		task, err = c.Get(key, priority, nil)
	}
	if err != nil {
		return err
	}

	value, err := task.Join(opts.timeout)
	if err != nil {
		return err
	}
	if value == nil {
		return errors.Newf(errors.ErrCodeInvalidArgument, "%s not found in cache %q", key, c.Name()).
			WithComponent("cli").
			WithContext("mode", mode.String())
	}
	return writeValue(out, value)
}

func writeValue(out io.Writer, value any) error {
	switch v := value.(type) {
	case []byte:
		_, err := out.Write(v)
		return err
	case string:
		_, err := fmt.Fprintln(out, v)
		return err
	default:
		data, err := yaml.Marshal(v)
		if err != nil {
			return err
		}
		_, err = out.Write(data)
		return err
	}
}

func runPrefetch(a *app, out io.Writer, name string, urls []string, timeout time.Duration) error {
	w, err := a.web(name)
	if err != nil {
		return err
	}

	tasks := make(map[string]*worker.Task, len(urls))
	for _, url := range urls {
		task, err := w.Prefetch(url)
		if err != nil {
			return err
		}
		tasks[url] = task
	}

	deadline := time.Now().Add(timeout)
	var failed int
	for _, url := range urls {
		task := tasks[url]
		if task == nil {
			fmt.Fprintf(out, "%s: cached\n", url)
			continue
		}
		if _, err := task.Join(time.Until(deadline)); err != nil {
			failed++
			fmt.Fprintf(out, "%s: failed: %v\n", url, err)
			continue
		}
		fmt.Fprintf(out, "%s: fetched\n", url)
	}
	if failed > 0 {
		return errors.Newf(errors.ErrCodeExecutionFailed, "%d of %d prefetches failed", failed, len(urls)).
			WithComponent("cli")
	}
	return nil
}

type statsReport struct {
	Pool     types.PoolStats                 `yaml:"pool"`
	Budget   string                          `yaml:"budget"`
	Used     string                          `yaml:"used"`
	Caches   map[string]cacheReport          `yaml:"caches"`
	Breakers map[string]circuit.BreakerStats `yaml:"breakers,omitempty"`
}

type cacheReport struct {
	Priority int              `yaml:"priority"`
	Share    string           `yaml:"share"`
	Web      bool             `yaml:"web"`
	Stats    types.CacheStats `yaml:"stats"`
}

func runStats(a *app, out io.Writer) error {
	report := statsReport{
		Pool:     a.pool.Stats(),
		Budget:   utils.FormatBytes(a.registry.Budget()),
		Used:     utils.FormatBytes(a.registry.Used()),
		Caches:   make(map[string]cacheReport, len(a.caches)),
		Breakers: a.fetcher.Breakers(),
	}
	for _, name := range a.cacheNames() {
		c := a.caches[name]
		_, web := a.webs[name]
		report.Caches[name] = cacheReport{
			Priority: c.Priority(),
			Share:    utils.FormatBytes(a.registry.Share(c)),
			Web:      web,
			Stats:    c.Stats(),
		}
	}

	data, err := yaml.Marshal(report)
	if err != nil {
		return err
	}
	_, err = out.Write(data)
	return err
}

func runClear(ctx context.Context, a *app, out io.Writer, name string) error {
	names := a.cacheNames()
	if name != "" {
		c, err := a.cache(name)
		if err != nil {
			return err
		}
		names = []string{c.Name()}
	}

	for _, n := range names {
		c := a.caches[n]
		c.Clear()
		if err := c.Flush(ctx); err != nil {
			return err
		}
		fmt.Fprintf(out, "cleared %s\n", n)
	}
	return nil
}
