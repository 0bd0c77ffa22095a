/*
Package config provides configuration management for tiercache.

Configuration is assembled from three sources, later sources overriding
earlier ones:

	┌─────────────────────────────────────────────┐
	│        Environment Variables                │ ← Highest Priority
	│           (TIERCACHE_*)                     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│         Configuration Files                 │
	│            (YAML format)                    │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│           Default Values                    │ ← Lowest Priority
	│        (Compiled-in defaults)               │
	└─────────────────────────────────────────────┘

The command line tool layers flags on top through viper.

# Sections

global:   log level, format, file and its rotation
worker:   worker count and the shutdown grace period
cache:    the shared byte budget and the cache instances (name, priority,
          serial worker, decoder, web)
store:    persistent tier backend (memory, file, leveldb, sqlite, s3)
fetch:    network tier timeout, fixed-delay retries, circuit breaker
metrics:  Prometheus endpoint

Example:

	global:
	  log_level: INFO
	worker:
	  count: 4
	  shutdown_grace: 3s
	cache:
	  total_budget: 256MB
	  instances:
	    - name: images
	      priority: 1
	      serial_worker: 0
	      decoder: raw
	      web: true
	    - name: feeds
	      priority: 9
	      serial_worker: 1
	      decoder: json
	      web: true
	store:
	  backend: leveldb
	  directory: /var/cache/tiercache
	fetch:
	  retries: 3
	  retry_delay: 5s

Validate reports problems as INVALID_CONFIG errors.
*/
package config
