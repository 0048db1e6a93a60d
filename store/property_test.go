package store

import (
	"testing"

	"github.com/google/gofuzz"
	"github.com/stretchr/testify/require"
)

// randomBytes fills an array (gofuzz never resizes a fixed-size array the
// way it may resize a slice) and slices it down to n bytes, giving
// randomized content at a length this test controls exactly.
func randomBytes(f *fuzz.Fuzzer, n int) []byte {
	var seed [32]byte
	f.Fuzz(&seed)
	return append([]byte(nil), seed[:n]...)
}

// TestPropertyAppendFlushReadRoundTrip checks that randomized sequences of
// append/flush leave every record readable at its returned position, and
// that min/flushed/max never move backward (spec §8 invariants).
func TestPropertyAppendFlushReadRoundTrip(t *testing.T) {
	f := fuzz.New().NilChance(0)

	for trial := 0; trial < 20; trial++ {
		dir := t.TempDir()
		cfg, err := NewConfig(WithHeaderSize(0), WithDataSize(64))
		require.NoError(t, err)
		l, err := Open(dir, 0, Options{Config: cfg})
		require.NoError(t, err)

		type record struct {
			pos  int64
			data []byte
		}
		var records []record
		var prevMin, prevFlushed, prevMax int64

		var seeds [12]uint8
		f.Fuzz(&seeds)

		for i, raw := range seeds {
			n := int(raw%24) + 1
			data := randomBytes(f, n)

			pos, err := l.Append(data)
			require.NoError(t, err)
			records = append(records, record{pos: pos - int64(n), data: data})

			if i%3 == 0 {
				require.NoError(t, l.Flush())
			}

			require.GreaterOrEqual(t, l.Min(), prevMin)
			require.GreaterOrEqual(t, l.Flushed(), prevFlushed)
			require.GreaterOrEqual(t, l.Max(), prevMax)
			prevMin, prevFlushed, prevMax = l.Min(), l.Flushed(), l.Max()
		}
		require.NoError(t, l.Flush())

		for _, r := range records {
			got, err := l.Read(r.pos, int64(len(r.data)))
			require.NoError(t, err)
			require.Equal(t, r.data, got)
		}
		require.NoError(t, l.Close())
	}
}

// TestPropertyFlushIsIdempotent checks that a second Flush with no new
// writes performs no further advancement of flushed.
func TestPropertyFlushIsIdempotent(t *testing.T) {
	l, _ := openTestLocal(t, 32, 0)
	defer l.Close()

	_, err := l.Append([]byte("some bytes"))
	require.NoError(t, err)
	require.NoError(t, l.Flush())
	flushed := l.Flushed()

	require.NoError(t, l.Flush())
	require.Equal(t, flushed, l.Flushed())
}

// TestPropertyRoundTripAcrossRecover checks that appends made before an
// orderly Close are fully recovered by a fresh Open over the same
// directory (spec §8 "Round-trip").
func TestPropertyRoundTripAcrossRecover(t *testing.T) {
	f := fuzz.New().NilChance(0)
	dir := t.TempDir()
	cfg, err := NewConfig(WithHeaderSize(0), WithDataSize(32))
	require.NoError(t, err)

	l, err := Open(dir, 0, Options{Config: cfg})
	require.NoError(t, err)

	type record struct {
		pos  int64
		data []byte
	}
	var records []record
	var total int64

	var seeds [8]uint8
	f.Fuzz(&seeds)
	for _, raw := range seeds {
		n := int(raw%16) + 1
		data := randomBytes(f, n)
		pos, err := l.Append(data)
		require.NoError(t, err)
		records = append(records, record{pos: pos - int64(n), data: data})
		total += int64(n)
	}
	require.NoError(t, l.Close())

	reopened, err := Open(dir, 0, Options{Config: cfg})
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, total, reopened.Max())
	for _, r := range records {
		got, err := reopened.Read(r.pos, int64(len(r.data)))
		require.NoError(t, err)
		require.Equal(t, r.data, got)
	}
}
