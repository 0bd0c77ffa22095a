/*
Package types provides the collaborator contracts and shared data structures
of tiercache.

The scheduler and the cache tiers never reach for a concrete platform
adapter. Everything outside the core is injected through four interfaces:

	┌──────────────────────────────────────────────┐
	│         cache.WebCache / StaticCache         │
	└──────────────────────────────────────────────┘
	      │            │            │           │
	┌─────┴───┐  ┌─────┴───┐  ┌─────┴────┐ ┌────┴──────┐
	│  Store  │  │ Decoder │  │ Fetcher  │ │Dispatcher │
	└─────────┘  └─────────┘  └──────────┘ └───────────┘

Store:
The persistent byte tier, keyed by digest.ID. Implementations live under
internal/store (memory, file, leveldb, sqlite, s3).

Decoder:
Turns stored bytes into the value handed to callers. Decoders are pure and
shared between goroutines.

Fetcher:
The network tier. internal/fetch provides an HTTP implementation.

Dispatcher:
Runs completion and cancellation callbacks on the foreground goroutine.
internal/dispatch provides implementations.
*/
package types
