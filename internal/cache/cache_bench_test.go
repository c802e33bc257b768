package cache

import (
	"context"
	"fmt"
	"testing"
)

// BenchmarkInMemoryStore_Get_Hit benchmarks Get on a populated store.
func BenchmarkInMemoryStore_Get_Hit(b *testing.B) {
	s := NewInMemoryStore()
	ctx := context.Background()
	_ = s.Set(ctx, "Seattle", entryAt("Seattle", t0, 15.5))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _, _ = s.Get(ctx, "Seattle")
	}
}

// BenchmarkInMemoryStore_Set benchmarks Set including the newer-entry check.
func BenchmarkInMemoryStore_Set(b *testing.B) {
	s := NewInMemoryStore()
	ctx := context.Background()
	e := entryAt("Seattle", t0, 15.5)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.Set(ctx, "Seattle", e)
	}
}

// BenchmarkInMemoryStore_Entries benchmarks status-style snapshots of a full registry.
func BenchmarkInMemoryStore_Entries(b *testing.B) {
	s := NewInMemoryStore()
	ctx := context.Background()
	for i := 0; i < 250; i++ {
		name := fmt.Sprintf("loc-%d", i)
		_ = s.Set(ctx, name, entryAt(name, t0, 1))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.Entries(ctx)
	}
}

// BenchmarkInMemoryStore_Parallel benchmarks mixed concurrent reads and writes.
func BenchmarkInMemoryStore_Parallel(b *testing.B) {
	s := NewInMemoryStore()
	ctx := context.Background()
	e := entryAt("Seattle", t0, 15.5)
	_ = s.Set(ctx, "Seattle", e)

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			if i%10 == 0 {
				_ = s.Set(ctx, "Seattle", e)
			} else {
				_, _, _ = s.Get(ctx, "Seattle")
			}
			i++
		}
	})
}
