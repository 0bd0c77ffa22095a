package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/objectfs/tiercache/pkg/errors"
)

func TestLRU_TouchOrder(t *testing.T) {
	lru := NewLRU()
	lru.Touch("a")
	lru.Touch("b")
	lru.Touch("c")
	lru.Touch("a")

	want := []string{"b", "c", "a"}
	got := lru.Keys()
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Keys() = %v, want %v", got, want)
	}
	if lru.Size() != 3 {
		t.Errorf("Size() = %d, want 3", lru.Size())
	}
}

func TestLRU_ContainsTouches(t *testing.T) {
	lru := NewLRU()
	lru.Touch("a")
	lru.Touch("b")

	if !lru.Contains("a") {
		t.Fatal("expected a to be tracked")
	}
	if lru.Contains("missing") {
		t.Error("missing key reported as tracked")
	}

	oldest, ok := lru.RemoveOldest()
	if !ok || oldest != "b" {
		t.Errorf("RemoveOldest() = %q, %v; want b after checking a", oldest, ok)
	}
}

func TestLRU_RemoveOldestEmptiesInOrder(t *testing.T) {
	lru := NewLRU()
	for i := 0; i < 5; i++ {
		lru.Touch(fmt.Sprintf("k%d", i))
	}

	for i := 0; i < 5; i++ {
		key, ok := lru.RemoveOldest()
		if !ok || key != fmt.Sprintf("k%d", i) {
			t.Fatalf("RemoveOldest() = %q, %v; want k%d", key, ok, i)
		}
	}
	if _, ok := lru.RemoveOldest(); ok {
		t.Error("RemoveOldest on empty LRU should report false")
	}
	if _, ok := lru.Oldest(); ok {
		t.Error("Oldest on empty LRU should report false")
	}
}

func TestLRU_Remove(t *testing.T) {
	lru := NewLRU()
	lru.Touch("a")
	lru.Touch("b")

	if !lru.Remove("a") {
		t.Error("Remove(a) = false, want true")
	}
	if lru.Remove("a") {
		t.Error("second Remove(a) = true, want false")
	}
	if oldest, _ := lru.Oldest(); oldest != "b" {
		t.Errorf("Oldest() = %q, want b", oldest)
	}
}

func TestLRU_WalkStops(t *testing.T) {
	lru := NewLRU()
	for i := 0; i < 10; i++ {
		lru.Touch(fmt.Sprintf("k%d", i))
	}

	var seen []string
	lru.Walk(func(key string) bool {
		seen = append(seen, key)
		return len(seen) < 3
	})
	if len(seen) != 3 || seen[0] != "k0" || seen[2] != "k2" {
		t.Errorf("Walk visited %v", seen)
	}
}

func TestLRU_Clear(t *testing.T) {
	lru := NewLRU()
	lru.Touch("a")
	lru.Clear()
	if lru.Size() != 0 {
		t.Errorf("Size() after Clear = %d", lru.Size())
	}
	lru.Touch("b")
	if lru.Size() != 1 {
		t.Errorf("Size() after reuse = %d", lru.Size())
	}
}

func TestLRU_PositionalWritesUnsupported(t *testing.T) {
	lru := NewLRU()

	if err := lru.InsertAt(0, "a"); !errors.HasCode(err, errors.ErrCodeUnsupportedOperation) {
		t.Errorf("InsertAt error = %v, want UNSUPPORTED_OPERATION", err)
	}
	if err := lru.SetAt(0, "a"); !errors.HasCode(err, errors.ErrCodeUnsupportedOperation) {
		t.Errorf("SetAt error = %v, want UNSUPPORTED_OPERATION", err)
	}
	if lru.Size() != 0 {
		t.Error("positional writes must not change the LRU")
	}
}

func TestLRU_ConcurrentTouch(t *testing.T) {
	lru := NewLRU()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				lru.Touch(fmt.Sprintf("k%d", i))
				lru.Contains(fmt.Sprintf("k%d", (i+g)%100))
			}
		}(g)
	}
	wg.Wait()

	if lru.Size() != 100 {
		t.Errorf("Size() = %d, want 100", lru.Size())
	}
}
