/*
Package metrics exports scheduler and cache metrics to Prometheus.

The Collector owns a private prometheus.Registry so several collectors can
coexist in one process (tests do this). Every Record method is safe on a nil
or disabled Collector, which lets the worker pool and the caches take an
optional collector without guarding each call.

# Metrics

	<ns>_tasks_total{lane,status}            task runs by lane and terminal status
	<ns>_task_duration_seconds{lane}         body duration histogram
	<ns>_queue_depth{lane}                   queued tasks per lane
	<ns>_cache_requests_total{cache,tier,result}
	<ns>_cache_persisted_bytes{cache}        bytes held in the persistent tier
	<ns>_cache_evictions_total{cache}
	<ns>_cache_evicted_bytes_total{cache}
	<ns>_fetches_total{status}               fetch attempts by status class
	<ns>_fetch_duration_seconds
	<ns>_errors_total{operation,code}        errors keyed by pkg/errors code

# Usage

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Port:      9090,
		Namespace: "tiercache",
	})
	if err != nil {
		return err
	}
	if err := collector.Start(ctx); err != nil {
		return err
	}
	defer collector.Stop(context.Background())
*/
package metrics
