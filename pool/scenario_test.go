package pool

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/MacMayo1993/Anamnesis/handle"
)

// R2: alloc/release round trip is a no-op on slots_free; repeated cycles
// raise generation_max by exactly the number of releases observed.
func TestAllocReleaseRoundTrip(t *testing.T) {
	p, err := New(Config{SlotSize: 16, SlotCount: 4})
	require.NoError(t, err)

	before := p.Stats().SlotsFree
	for i := 0; i < 5; i++ {
		h := p.Alloc()
		require.False(t, h.IsNull())
		require.True(t, p.Release(h))
	}
	require.Equal(t, before, p.Stats().SlotsFree)
	require.Equal(t, uint32(4), p.Stats().GenerationMax)
}

func TestHandleUniquenessWithinWrapWindow(t *testing.T) {
	p, err := New(Config{SlotSize: 8, SlotCount: 50})
	require.NoError(t, err)

	seen := make(map[handle.Handle]bool)
	for i := 0; i < 500; i++ {
		h := p.Alloc()
		require.False(t, h.IsNull())
		require.False(t, seen[h], "handle %#x reused while slot had not wrapped", h)
		seen[h] = true
		require.True(t, p.Release(h))
	}
}
