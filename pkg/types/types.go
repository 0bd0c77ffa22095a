package types

import (
	"net/http"

	"github.com/objectfs/tiercache/pkg/digest"
)

// StoredEntry describes one entry found in a persistent store.
type StoredEntry struct {
	ID   digest.ID `json:"id"`
	Size int64     `json:"size"`
}

// Request describes a network fetch.
type Request struct {
	URL     string      `json:"url"`
	Method  string      `json:"method"`
	Headers http.Header `json:"headers,omitempty"`
	Body    []byte      `json:"body,omitempty"`
}

// Key returns the cache key for the request: the URL for body-less
// requests, the URL plus a digest of the body otherwise.
func (r *Request) Key() string {
	if len(r.Body) == 0 {
		return r.URL
	}
	return r.URL + "#" + digest.Bytes(r.Body).String()
}

// Response is the result of a network fetch.
type Response struct {
	StatusCode int         `json:"status_code"`
	Header     http.Header `json:"header,omitempty"`
	Body       []byte      `json:"-"`
}

// CacheStats represents cache performance statistics
type CacheStats struct {
	Hits             uint64  `json:"hits"`
	StoreHits        uint64  `json:"store_hits"`
	FetchHits        uint64  `json:"fetch_hits"`
	Misses           uint64  `json:"misses"`
	Evictions        uint64  `json:"evictions"`
	ConversionErrors uint64  `json:"conversion_errors"`
	Entries          int     `json:"entries"`
	Resident         int     `json:"resident"`
	Size             int64   `json:"size"`
	Capacity         int64   `json:"capacity"`
	HitRate          float64 `json:"hit_rate"`
	Utilization      float64 `json:"utilization"`
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers   int    `json:"workers"`
	Idle      int    `json:"idle"`
	High      int    `json:"high"`
	Normal    int    `json:"normal"`
	Low       int    `json:"low"`
	Serial    int    `json:"serial"`
	Shutdown  int    `json:"shutdown"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Canceled  uint64 `json:"canceled"`
	Draining  bool   `json:"draining"`
}
