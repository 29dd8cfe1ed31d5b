package store

import (
	"fmt"
	"path/filepath"
	"testing"
)

// BenchmarkAddressLog models the book's write pattern: a burst of upserts
// followed by a compaction once the log holds a few records per key.
func BenchmarkAddressLog(b *testing.B) {
	b.ReportAllocs()
	path := filepath.Join(b.TempDir(), "addrbook.jsonl")
	const keys = 64
	live := make([]sample, keys)
	for i := range live {
		live[i] = sample{Key: fmt.Sprintf("203.0.113.%d:8776", i)}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rec := &live[i%keys]
		rec.Seq = i
		rec.Failures = i % 5
		if err := AppendJSONL(path, rec); err != nil {
			b.Fatalf("append: %v", err)
		}
		if i%(4*keys) == 4*keys-1 {
			if err := RewriteJSONL(path, live); err != nil {
				b.Fatalf("rewrite: %v", err)
			}
		}
	}
	b.StopTimer()
	lines, err := ReadJSONL(path, func(sample) {})
	if err != nil {
		b.Fatalf("read: %v", err)
	}
	b.ReportMetric(float64(lines), "lines")
}
