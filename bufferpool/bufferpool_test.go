package bufferpool

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestAddPreLoadEagerlyAllocatesCore(t *testing.T) {
	p := New(prometheus.NewRegistry())
	p.AddPreLoad(1024, 2, 4)

	c := p.classes[1024]
	require.Len(t, c.idle, 2)
}

func TestBorrowReleaseRoundTrip(t *testing.T) {
	p := New(nil)
	p.AddPreLoad(8, 1, 2)

	buf := p.Borrow(8)
	require.Len(t, buf, 8)

	p.Release(8, buf)
	require.Len(t, p.classes[8].idle, 1)
}

func TestReleaseDiscardsBeyondMax(t *testing.T) {
	p := New(nil)
	p.AddPreLoad(8, 0, 1)

	p.Release(8, make([]byte, 8))
	require.Len(t, p.classes[8].idle, 1)

	// Second release exceeds max=1, buffer is dropped, not retained.
	p.Release(8, make([]byte, 8))
	require.Len(t, p.classes[8].idle, 1)
}

func TestRefcountedPreloadMaxima(t *testing.T) {
	p := New(nil)
	p.AddPreLoad(16, 1, 2)
	p.AddPreLoad(16, 3, 5) // higher core/max from a second registrant wins

	c := p.classes[16]
	require.Equal(t, 3, c.core)
	require.Equal(t, 5, c.max)
	require.Equal(t, 2, c.refs)

	p.RemovePreLoad(16)
	require.Contains(t, p.classes, 16) // still one ref held

	p.RemovePreLoad(16)
	require.NotContains(t, p.classes, 16)
}

func TestBorrowWithoutPreloadAllocates(t *testing.T) {
	p := New(nil)
	buf := p.Borrow(32)
	require.Len(t, buf, 32)
	for _, b := range buf {
		require.Zero(t, b)
	}
}
