package benchmarks

import (
	"context"
	"fmt"
	"testing"

	"github.com/yusliao/mesevents/pkg/mesevents/bus"
	"github.com/yusliao/mesevents/pkg/mesevents/event"
	"github.com/yusliao/mesevents/pkg/mesevents/registry"
	"github.com/yusliao/mesevents/pkg/mesevents/store"
	"github.com/yusliao/mesevents/pkg/mesevents/transport"
)

func noopRegistry(handlers int) *registry.Registry {
	b := registry.NewBuilder()
	for i := 0; i < handlers; i++ {
		b.MustRegister("ProductionBatchCreatedEvent", event.NewHandler(fmt.Sprintf("h%d", i),
			func(context.Context, *event.Envelope) error { return nil }))
	}
	return b.Build()
}

func mustBus(b *testing.B, reg *registry.Registry, opts ...bus.Option) *bus.Bus {
	b.Helper()
	eb, err := bus.New(store.NewMemoryStore(), reg, opts...)
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = eb.Close(context.Background()) })
	return eb
}

func batch(i int) *event.Envelope {
	n := fmt.Sprintf("B%d", i)
	return event.New(n, event.ProductionBatchCreatedEvent{BatchNumber: n, PlannedQuantity: 500})
}

// BenchmarkPublish_NoHandlers measures encode + append.
func BenchmarkPublish_NoHandlers(b *testing.B) {
	eb := mustBus(b, registry.Empty())
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = eb.Publish(ctx, batch(i))
	}
}

// BenchmarkPublish_1Handler includes starting one handler goroutine.
func BenchmarkPublish_1Handler(b *testing.B) {
	eb := mustBus(b, noopRegistry(1))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = eb.Publish(ctx, batch(i))
	}
}

// BenchmarkPublish_10Handlers fans out to ten handlers.
func BenchmarkPublish_10Handlers(b *testing.B) {
	eb := mustBus(b, noopRegistry(10))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = eb.Publish(ctx, batch(i))
	}
}

// BenchmarkPublish_MemoryTransport adds a broadcast with no subscribers.
func BenchmarkPublish_MemoryTransport(b *testing.B) {
	tr := transport.NewMemoryTransport(transport.DefaultMemoryConfig)
	defer tr.Close()
	eb := mustBus(b, registry.Empty(), bus.WithTransport(tr))
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = eb.Publish(ctx, batch(i))
	}
}

// BenchmarkPublish_Parallel publishes from GOMAXPROCS goroutines.
func BenchmarkPublish_Parallel(b *testing.B) {
	eb := mustBus(b, noopRegistry(1))
	ctx := context.Background()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			_, _ = eb.Publish(ctx, batch(i))
			i++
		}
	})
}
