package oob

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWatermarkAdvancesOnlyPastInactiveGenerations(t *testing.T) {
	var tr = NewTracker(5)

	tr.AddRef(OOB, 5)
	tr.AddRef(OOB, 5)
	tr.AddRef(XA, 5)
	require.Equal(t, []Entry{{FileNo: 5, OOBRefs: 2, XARefs: 1, OOBRefFileNo: 5, XARefFileNo: 5}}, tr.Entries())

	// Case: the count of active generation 5 drops to zero, which doesn't
	// advance the watermark.
	tr.ReleaseRef(OOB, 5)
	tr.ReleaseRef(OOB, 5)
	require.Equal(t, uint64(5), tr.EarliestOOB())

	// Case: generation 6 becomes active. Generation 5 has no OOB references,
	// but remains referenced by an XA transaction.
	tr.Activate(6)
	require.Equal(t, uint64(6), tr.EarliestOOB())
	require.Equal(t, uint64(5), tr.EarliestXA())

	// Case: a reference into 6 is held as 7 and 8 become active.
	tr.AddRef(OOB, 6)
	tr.Activate(7)
	tr.Activate(8)
	require.Equal(t, uint64(6), tr.EarliestOOB())

	// Releasing it advances the watermark through to the active generation.
	tr.ReleaseRef(OOB, 6)
	require.Equal(t, uint64(8), tr.EarliestOOB())

	// Case: purge eligibility.
	require.False(t, tr.PurgeAllowed(5, 8)) // XA reference.
	tr.ReleaseRef(XA, 5)
	require.Equal(t, uint64(8), tr.EarliestXA())
	require.True(t, tr.PurgeAllowed(5, 8))
	require.True(t, tr.PurgeAllowed(6, 8))
	require.False(t, tr.PurgeAllowed(7, 8)) // Live window.
	require.False(t, tr.PurgeAllowed(8, 8))

	require.Empty(t, tr.Entries())
}

func TestReleaseUnderflowIsClamped(t *testing.T) {
	var tr = NewTracker(0)
	tr.ReleaseRef(XA, 0)
	require.Empty(t, tr.Entries())
	require.Equal(t, uint64(0), tr.EarliestXA())
}

func TestConcurrentReferences(t *testing.T) {
	var tr = NewTracker(10)
	var wg sync.WaitGroup

	for i := 0; i != 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j != 1000; j++ {
				var f = uint64(10 + (i+j)%3)
				tr.AddRef(OOB, f)
				tr.ReleaseRef(OOB, f)
			}
		}(i)
	}
	wg.Wait()

	tr.Activate(13)
	require.Equal(t, uint64(13), tr.EarliestOOB())
	require.Empty(t, tr.Entries())
}
