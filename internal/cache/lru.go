package cache

import (
	"container/list"
	"sync"

	"github.com/objectfs/tiercache/pkg/errors"
)

// LRU tracks the recency order of keys. It holds no values: the oldest key
// is the next eviction candidate. Order only ever changes through use, so
// positional insertion is rejected.
type LRU struct {
	mu    sync.Mutex
	items map[string]*list.Element
	order *list.List // front is the least recently used
}

// NewLRU creates an empty LRU
func NewLRU() *LRU {
	return &LRU{
		items: make(map[string]*list.Element),
		order: list.New(),
	}
}

// Touch marks key as most recently used, inserting it if absent.
func (l *LRU) Touch(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.touch(key)
}

// Track inserts key as most recently used if absent and otherwise leaves
// the order alone.
func (l *LRU) Track(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.items[key]; !ok {
		l.items[key] = l.order.PushBack(key)
	}
}

// Contains reports whether key is tracked. Checking counts as use, so a
// tracked key also becomes the most recently used.
func (l *LRU) Contains(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.items[key]
	if ok {
		l.order.MoveToBack(elem)
	}
	return ok
}

// Remove stops tracking key and reports whether it was tracked.
func (l *LRU) Remove(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem, ok := l.items[key]
	if !ok {
		return false
	}
	l.order.Remove(elem)
	delete(l.items, key)
	return true
}

// RemoveOldest removes and returns the least recently used key.
func (l *LRU) RemoveOldest() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem := l.order.Front()
	if elem == nil {
		return "", false
	}
	key := l.order.Remove(elem).(string)
	delete(l.items, key)
	return key, true
}

// Oldest returns the least recently used key without removing it.
func (l *LRU) Oldest() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	elem := l.order.Front()
	if elem == nil {
		return "", false
	}
	return elem.Value.(string), true
}

// Walk calls fn for every key from oldest to newest until fn returns false.
// fn must not call back into the LRU.
func (l *LRU) Walk(fn func(key string) bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for elem := l.order.Front(); elem != nil; elem = elem.Next() {
		if !fn(elem.Value.(string)) {
			return
		}
	}
}

// Keys returns every key from oldest to newest.
func (l *LRU) Keys() []string {
	keys := make([]string, 0, l.Size())
	l.Walk(func(key string) bool {
		keys = append(keys, key)
		return true
	})
	return keys
}

// Size returns the number of tracked keys
func (l *LRU) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}

// Clear forgets every key
func (l *LRU) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.items = make(map[string]*list.Element)
	l.order.Init()
}

// InsertAt always fails: recency order cannot be set by position.
func (l *LRU) InsertAt(index int, key string) error {
	return unsupported("InsertAt")
}

// SetAt always fails: recency order cannot be set by position.
func (l *LRU) SetAt(index int, key string) error {
	return unsupported("SetAt")
}

// Helper methods

func (l *LRU) touch(key string) {
	if elem, ok := l.items[key]; ok {
		l.order.MoveToBack(elem)
		return
	}
	l.items[key] = l.order.PushBack(key)
}

func unsupported(operation string) error {
	return errors.NewError(errors.ErrCodeUnsupportedOperation, "LRU order is recency driven").
		WithComponent("cache").
		WithOperation(operation)
}
