package cache

import (
	"container/list"
	"sync"
	"weak"
)

type weakBox struct {
	value any
}

// WeakCache is the RAM tier. Values are held through weak pointers so the
// garbage collector may reclaim them under memory pressure; the most
// recently used values are pinned with strong references. The key index
// outlives reclaimed values: ContainsKey stays true after a value is
// collected, until Remove.
type WeakCache struct {
	mu       sync.Mutex
	entries  map[string]weak.Pointer[weakBox]
	pins     map[string]*list.Element
	pinOrder *list.List
	pinLimit int
}

type pin struct {
	key string
	box *weakBox
}

// NewWeakCache creates a RAM tier that keeps up to pinned values strongly
// reachable. Zero pins nothing.
func NewWeakCache(pinned int) *WeakCache {
	if pinned < 0 {
		pinned = 0
	}
	return &WeakCache{
		entries:  make(map[string]weak.Pointer[weakBox]),
		pins:     make(map[string]*list.Element),
		pinOrder: list.New(),
		pinLimit: pinned,
	}
}

// Get returns the value for key if it is still reachable.
func (w *WeakCache) Get(key string) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ptr, ok := w.entries[key]
	if !ok {
		return nil, false
	}
	box := ptr.Value()
	if box == nil {
		return nil, false
	}
	w.pin(key, box)
	return box.value, true
}

// Put stores value under key. A nil value removes the key.
func (w *WeakCache) Put(key string, value any) {
	if value == nil {
		w.Remove(key)
		return
	}

	box := &weakBox{value: value}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries[key] = weak.Make(box)
	w.pin(key, box)
}

// ContainsKey reports whether key is indexed, whether or not its value
// has been reclaimed.
func (w *WeakCache) ContainsKey(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok := w.entries[key]
	return ok
}

// Resident reports whether the value for key is still reachable.
func (w *WeakCache) Resident(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	ptr, ok := w.entries[key]
	return ok && ptr.Value() != nil
}

// Remove drops key from the index
func (w *WeakCache) Remove(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.entries, key)
	w.unpin(key)
}

// Clear drops every key
func (w *WeakCache) Clear() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = make(map[string]weak.Pointer[weakBox])
	w.pins = make(map[string]*list.Element)
	w.pinOrder.Init()
}

// Size returns the number of indexed keys, reclaimed or not.
func (w *WeakCache) Size() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// ResidentCount returns the number of values still reachable.
func (w *WeakCache) ResidentCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, ptr := range w.entries {
		if ptr.Value() != nil {
			n++
		}
	}
	return n
}

// Helper methods

func (w *WeakCache) pin(key string, box *weakBox) {
	if w.pinLimit == 0 {
		return
	}
	if elem, ok := w.pins[key]; ok {
		elem.Value.(*pin).box = box
		w.pinOrder.MoveToBack(elem)
		return
	}
	w.pins[key] = w.pinOrder.PushBack(&pin{key: key, box: box})
	for w.pinOrder.Len() > w.pinLimit {
		oldest := w.pinOrder.Front()
		w.pinOrder.Remove(oldest)
		delete(w.pins, oldest.Value.(*pin).key)
	}
}

func (w *WeakCache) unpin(key string) {
	if elem, ok := w.pins[key]; ok {
		w.pinOrder.Remove(elem)
		delete(w.pins, key)
	}
}

// release drops the strong reference to key so the collector can reclaim it.
func (w *WeakCache) release(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.unpin(key)
}
