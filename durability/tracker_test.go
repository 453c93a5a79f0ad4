package durability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/binlog/redo"
)

func TestProcessAdvancesWatermarksInOrder(t *testing.T) {
	var tr = NewTracker(8)
	tr.Start(3, 100)

	for _, e := range []Entry{
		{LSN: 10, FileNo: 3, Offset: 150},
		{LSN: 20, FileNo: 3, Offset: 200},
		{LSN: 30, FileNo: 4, Offset: 40},
	} {
		if e.FileNo == 4 && tr.Written(4) == 0 {
			tr.SetWritten(3, 260) // Final offset of generation 3.
			tr.Start(4, 0)
		}
		tr.SetWritten(e.FileNo, e.Offset)
		require.NoError(t, tr.Push(e.LSN, e.FileNo, e.Offset))
	}
	require.Equal(t, 3, tr.Len())

	// Case: a partial advance.
	require.NoError(t, tr.Process(15))
	require.Equal(t, uint64(150), tr.Durable(3))
	require.Equal(t, uint64(0), tr.Durable(4))
	require.Equal(t, 2, tr.Len())

	// Case: no change.
	require.NoError(t, tr.Process(15))
	require.Equal(t, uint64(150), tr.Durable(3))

	// Case: crossing into generation 4 finalizes generation 3.
	require.NoError(t, tr.Process(35))
	require.Equal(t, uint64(260), tr.Durable(3))
	require.Equal(t, uint64(40), tr.Durable(4))
	require.Equal(t, 0, tr.Len())

	// Case: processing out of order is refused.
	require.Equal(t, ErrLSNOutOfOrder, tr.Process(34))
	// As is pushing out of order.
	require.Equal(t, ErrLSNOutOfOrder, tr.Push(29, 4, 50))

	// Durable never exceeds written.
	for f := uint64(3); f != 5; f++ {
		require.LessOrEqual(t, tr.Durable(f), tr.Written(f))
	}

	tr.Close(3)
	require.Equal(t, Closed, tr.Written(3))
	require.Equal(t, Closed, tr.Durable(3))
}

func TestDurabilityIsMonotonic(t *testing.T) {
	var tr = NewTracker(4)
	tr.Start(0, 0)

	var last uint64
	for i := uint64(1); i != 100; i++ {
		tr.SetWritten(0, i*10)
		require.NoError(t, tr.Push(toLSN(i), 0, i*10))

		if i%3 == 0 || tr.Full() {
			require.NoError(t, tr.Process(toLSN(i)))
		}
		var d = tr.Durable(0)
		require.GreaterOrEqual(t, d, last)
		require.LessOrEqual(t, d, tr.Written(0))
		last = d
	}
}

func TestPushBlocksWhileFull(t *testing.T) {
	var tr = NewTracker(2)
	tr.Start(0, 0)
	tr.SetWritten(0, 30)

	require.NoError(t, tr.Push(1, 0, 10))
	require.NoError(t, tr.Push(2, 0, 20))
	require.True(t, tr.Full())

	var pushed = make(chan error)
	go func() { pushed <- tr.Push(3, 0, 30) }()

	select {
	case <-pushed:
		t.Fatal("push should block")
	case <-time.After(10 * time.Millisecond):
	}
	require.NoError(t, tr.Process(1))
	require.NoError(t, <-pushed)
	require.Equal(t, 2, tr.Len())
}

func TestWaitDurable(t *testing.T) {
	var tr = NewTracker(4)
	tr.Start(2, 0)
	tr.SetWritten(2, 100)
	require.NoError(t, tr.Push(5, 2, 100))

	var ctx, cancel = context.WithTimeout(context.Background(), time.Millisecond)
	require.Equal(t, context.DeadlineExceeded, tr.WaitDurable(ctx, 2, 100))
	cancel()

	var done = make(chan error)
	go func() { done <- tr.WaitDurable(context.Background(), 2, 100) }()

	require.NoError(t, tr.Process(5))
	require.NoError(t, <-done)

	// Case: already durable.
	require.NoError(t, tr.WaitDurable(context.Background(), 2, 50))
}

func toLSN(i uint64) redo.LSN { return redo.LSN(i * 7) }
