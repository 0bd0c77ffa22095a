package types

import (
	"context"

	"github.com/objectfs/tiercache/pkg/digest"
)

// Store is the persistent byte tier. Implementations must be safe for
// concurrent use and report capacity exhaustion as STORE_FULL.
type Store interface {
	// Get returns the bytes stored under id; found is false on a miss.
	Get(ctx context.Context, id digest.ID) (data []byte, found bool, err error)
	// Put stores data under id, replacing any previous value.
	Put(ctx context.Context, id digest.ID, data []byte) error
	// Remove deletes id; removing an absent id is not an error.
	Remove(ctx context.Context, id digest.ID) error
	// List enumerates every stored entry. Used once at startup.
	List(ctx context.Context) ([]StoredEntry, error)
	// Clear removes every entry.
	Clear(ctx context.Context) error
	// FreeSpace reports the bytes still available before Put fails with STORE_FULL.
	FreeSpace() int64
	// Close releases the store's resources.
	Close() error
}

// Decoder converts stored bytes into an in-memory value. It must be pure and
// safe for concurrent use; malformed input fails with CONVERSION_ERROR.
type Decoder interface {
	Decode(key string, data []byte) (any, error)
}

// DecoderFunc adapts a function to the Decoder interface.
type DecoderFunc func(key string, data []byte) (any, error)

// Decode calls f(key, data).
func (f DecoderFunc) Decode(key string, data []byte) (any, error) {
	return f(key, data)
}

// Fetcher retrieves bytes from the network tier. Transient failures are
// reported as retryable NETWORK_ERROR, malformed requests as INVALID_ARGUMENT.
type Fetcher interface {
	Fetch(ctx context.Context, req *Request) (*Response, error)
}

// Dispatcher runs callbacks on the single foreground goroutine, in the order
// they were dispatched. Dispatch never blocks on the callback.
type Dispatcher interface {
	Dispatch(fn func())
}
