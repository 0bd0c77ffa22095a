//go:build benchmark

package cache

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/objectfs/tiercache/internal/worker"
)

// BenchmarkStaticCache_GetRAM benchmarks lookups answered by the RAM tier
func BenchmarkStaticCache_GetRAM(b *testing.B) {
	c, _ := newCache(b, newPool(b), nil, "bench", 1, withDecoder(RawDecoder))

	data := make([]byte, 1024)
	rand.Read(data)
	for i := 0; i < 64; i++ {
		if _, err := c.Put(fmt.Sprintf("key-%d", i), data); err != nil {
			b.Fatal(err)
		}
	}
	flush(b, c)

	b.ResetTimer()
	b.ReportAllocs()

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if _, ok := c.Peek(fmt.Sprintf("key-%d", i%64)); !ok {
				b.Error("expected a RAM hit")
				return
			}
			i++
		}
	})
}

// BenchmarkStaticCache_GetStore benchmarks lookups that go through a task
// to the persistent tier
func BenchmarkStaticCache_GetStore(b *testing.B) {
	mem := newMem()
	data := make([]byte, 1024)
	rand.Read(data)
	for i := 0; i < 1000; i++ {
		putDirect(b, mem, fmt.Sprintf("key-%d", i), data)
	}
	c, _ := newCache(b, newPool(b), nil, "bench", 1, withStore(mem), withDecoder(RawDecoder))
	if err := c.Load(context.Background()); err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		c.weak.Clear()
		if _, _, err := c.GetSync(context.Background(), fmt.Sprintf("key-%d", i%1000)); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkStaticCache_PutVariousSizes benchmarks writes of different sizes
func BenchmarkStaticCache_PutVariousSizes(b *testing.B) {
	sizes := []int{64, 1024, 16384, 65536}

	for _, size := range sizes {
		b.Run(fmt.Sprintf("size-%dB", size), func(b *testing.B) {
			c, _ := newCache(b, newPool(b), nil, "bench", 1)
			data := make([]byte, size)
			rand.Read(data)

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				if _, err := c.Put(fmt.Sprintf("key-%d", i%100), data); err != nil {
					b.Fatal(err)
				}
			}
			flush(b, c)
		})
	}
}

// BenchmarkPool_Go benchmarks task submission and completion per priority
func BenchmarkPool_Go(b *testing.B) {
	for _, priority := range []worker.Priority{worker.PriorityHigh, worker.PriorityNormal, worker.PriorityLow} {
		b.Run(priority.String(), func(b *testing.B) {
			pool := newPool(b)
			noop := func(ctx context.Context, in any) (any, error) { return in, nil }

			b.ResetTimer()
			b.ReportAllocs()

			for i := 0; i < b.N; i++ {
				task, err := pool.Go(noop, i, priority)
				if err != nil {
					b.Fatal(err)
				}
				<-task.Done()
			}
		})
	}
}
