package benchmarks

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/yusliao/mesevents/pkg/mesevents/store"
)

func mustRecord(b *testing.B, i int) store.Record {
	b.Helper()
	rec, err := store.RecordFrom(batch(i))
	if err != nil {
		b.Fatal(err)
	}
	return rec
}

// BenchmarkAppend_Memory appends to the in-memory store.
func BenchmarkAppend_Memory(b *testing.B) {
	s := store.NewMemoryStore()
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.Append(ctx, mustRecord(b, i))
	}
}

// BenchmarkAppend_SQLite appends to a file-backed SQLite store.
func BenchmarkAppend_SQLite(b *testing.B) {
	s, err := store.NewSQLiteStore(filepath.Join(b.TempDir(), "events.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = s.Append(ctx, mustRecord(b, i))
	}
}

// BenchmarkByTypeSince_SQLite_1000 reads 1000 stored events of one type.
func BenchmarkByTypeSince_SQLite_1000(b *testing.B) {
	s, err := store.NewSQLiteStore(filepath.Join(b.TempDir(), "events.db"))
	if err != nil {
		b.Fatal(err)
	}
	defer s.Close()
	ctx := context.Background()
	for i := 0; i < 1000; i++ {
		if err := s.Append(ctx, mustRecord(b, i)); err != nil {
			b.Fatal(err)
		}
	}
	since := time.Now().Add(-time.Hour)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = s.ByTypeSince(ctx, "ProductionBatchCreatedEvent", since)
	}
}
