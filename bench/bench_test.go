package main

import (
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	benchlib "github.com/benmathews/bench"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/journalio/store"
)

func openBenchLocal(b *testing.B) (*store.Local, func()) {
	b.Helper()
	tmpDir, err := os.MkdirTemp("", "journal-bench-*")
	require.NoError(b, err)

	// Small enough to profile segment rotation under the append benchmark,
	// large enough to hold the biggest record size exercised below.
	cfg, err := store.NewConfig(store.WithHeaderSize(0), store.WithDataSize(256*1024))
	require.NoError(b, err)
	l, err := store.Open(tmpDir, 0, store.Options{Config: cfg})
	require.NoError(b, err)

	return l, func() {
		l.Close()
		os.RemoveAll(tmpDir)
	}
}

func BenchmarkAppend(b *testing.B) {
	sizes := []int{10, 128, 1024, 64 * 1024}
	sizeNames := []string{"10", "128", "1k", "64k"}
	batchSizes := []int{1, 10}

	for i, s := range sizes {
		for _, bSize := range batchSizes {
			if s*bSize > 256*1024 {
				continue // would exceed the segment data size in one batch
			}
			b.Run(fmt.Sprintf("entrySize=%s/batchSize=%d", sizeNames[i], bSize), func(b *testing.B) {
				l, done := openBenchLocal(b)
				defer done()
				runAppendBench(b, l, s, bSize)
			})
		}
	}
}

func runAppendBench(b *testing.B, l *store.Local, size, batch int) {
	records := make([][]byte, batch)
	for i := range records {
		records[i] = make([]byte, size)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		b.StartTimer()
		_, err := l.AppendBatch(records)
		b.StopTimer()
		if err != nil {
			b.Fatalf("error appending: %s", err)
		}
	}
}

func BenchmarkRead(b *testing.B) {
	sizes := []int{128, 64 * 1024}
	sizeNames := []string{"128", "64k"}

	for i, s := range sizes {
		b.Run(fmt.Sprintf("entrySize=%s", sizeNames[i]), func(b *testing.B) {
			l, done := openBenchLocal(b)
			defer done()
			positions := populateRecords(b, l, 1000, s)
			runReadBench(b, l, positions, s)
		})
	}
}

func populateRecords(b *testing.B, l *store.Local, n, size int) []int64 {
	b.Helper()
	positions := make([]int64, 0, n)
	data := make([]byte, size)
	for i := 0; i < n; i++ {
		max, err := l.Append(data)
		require.NoError(b, err)
		positions = append(positions, max-int64(size))
	}
	require.NoError(b, l.Flush())
	return positions
}

func runReadBench(b *testing.B, l *store.Local, positions []int64, size int) {
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		pos := positions[i%len(positions)]
		_, err := l.Read(pos, int64(size))
		require.NoError(b, err)
	}
}

// appendRequester drives a fixed-rate append load against a shared Local
// store, implementing benmathews/bench's Requester interface so the
// harness can hold a target request rate across a fixed duration rather
// than the tight-loop style of the b.N benchmarks above. It independently
// records each call's wall-clock latency so the caller can summarize them
// with gonum/stat alongside benmathews/bench's own HdrHistogram-backed
// results.
type appendRequester struct {
	l        *store.Local
	data     []byte
	latencMu *sync.Mutex
	latencNs *[]float64
}

func (r *appendRequester) Setup() error { return nil }

func (r *appendRequester) Request() error {
	start := time.Now()
	_, err := r.l.Append(r.data)
	elapsed := float64(time.Since(start).Nanoseconds())

	r.latencMu.Lock()
	*r.latencNs = append(*r.latencNs, elapsed)
	r.latencMu.Unlock()
	return err
}

func (r *appendRequester) Teardown() error { return nil }

type appendRequesterFactory struct {
	l         *store.Local
	entrySize int
	latencMu  sync.Mutex
	latencNs  []float64
}

func (f *appendRequesterFactory) GetRequester(uint64) benchlib.Requester {
	return &appendRequester{
		l:        f.l,
		data:     make([]byte, f.entrySize),
		latencMu: &f.latencMu,
		latencNs: &f.latencNs,
	}
}

// BenchmarkSustainedAppendLoad holds a fixed append rate for a short
// duration and reports latency percentiles plus a mean/stddev summary,
// rather than measuring raw unthrottled throughput like BenchmarkAppend.
func BenchmarkSustainedAppendLoad(b *testing.B) {
	l, done := openBenchLocal(b)
	defer done()

	factory := &appendRequesterFactory{l: l, entrySize: 256}
	results := benchlib.Benchmark(factory, 1000, 8, 2*time.Second)

	b.Logf("hdr: mean=%.0fns p50=%dns p99=%dns total=%d",
		results.Histogram.Mean(),
		results.Histogram.ValueAtQuantile(50),
		results.Histogram.ValueAtQuantile(99),
		results.Histogram.TotalCount())

	if len(factory.latencNs) > 0 {
		mean, std := stat.MeanStdDev(factory.latencNs, nil)
		b.Logf("gonum: mean=%.0fns stddev=%.0fns samples=%d", mean, std, len(factory.latencNs))
	}
}
