package dispatch

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/tiercache/pkg/errors"
	"github.com/objectfs/tiercache/pkg/types"
)

var (
	_ types.Dispatcher = (*Loop)(nil)
	_ types.Dispatcher = Inline{}
)

func TestLoop_RunsInOrder(t *testing.T) {
	loop := NewLoop(nil)
	defer loop.Close()

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		loop.Dispatch(func() { got = append(got, i) })
	}
	require.NoError(t, loop.Flush())

	require.Len(t, got, 100)
	for i, v := range got {
		if v != i {
			t.Fatalf("callback %d ran at position %d", v, i)
		}
	}
}

func TestLoop_ConcurrentProducers(t *testing.T) {
	loop := NewLoop(nil)
	defer loop.Close()

	var mu sync.Mutex
	count := 0
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				loop.Dispatch(func() {
					mu.Lock()
					count++
					mu.Unlock()
				})
			}
		}()
	}
	wg.Wait()
	require.NoError(t, loop.Flush())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 400, count)
}

func TestLoop_PanicDoesNotStopLoop(t *testing.T) {
	loop := NewLoop(nil)
	defer loop.Close()

	ran := false
	loop.Dispatch(func() { panic("bad callback") })
	loop.Dispatch(func() { ran = true })
	require.NoError(t, loop.Flush())
	assert.True(t, ran)
}

func TestLoop_CloseDrains(t *testing.T) {
	loop := NewLoop(nil)

	ran := 0
	for i := 0; i < 10; i++ {
		loop.Dispatch(func() { ran++ })
	}
	loop.Close()
	assert.Equal(t, 10, ran)

	loop.Dispatch(func() { ran++ })
	assert.Equal(t, 10, ran)

	err := loop.Flush()
	assert.True(t, errors.HasCode(err, errors.ErrCodeShutdownInProgress))
}

func TestInline(t *testing.T) {
	ran := false
	Inline{}.Dispatch(func() { ran = true })
	assert.True(t, ran)
}
