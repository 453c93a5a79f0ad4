package fifo

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/binlog/protocol"
	"go.gazette.dev/binlog/redo"
)

const (
	testShift    = 9
	testPageSize = 1 << testShift
	testDir      = "/binlog"
)

func TestCreateGetAndRelease(t *testing.T) {
	var _, f = newTestFIFO(t, 8, 0)

	var p, err = f.CreatePage(0, 0)
	require.NoError(t, err)
	require.Equal(t, 1, p.latched)
	require.False(t, p.lastPage)

	// Case: pages may only be appended in order.
	_, err = f.CreatePage(0, 2)
	require.EqualError(t, err, "page 2 created out of order (expected 1)")
	// Case: generation is not live.
	_, err = f.CreatePage(5, 0)
	require.EqualError(t, err, "generation 5 is not live (first live is 0)")

	p.Write(0, []byte("hello"))

	var p2 = f.GetPage(0, 0)
	require.True(t, p == p2)
	require.Equal(t, 2, p.latched)
	require.Nil(t, f.GetPage(0, 1))
	require.Nil(t, f.GetPage(1, 0))

	f.Release(p)
	f.Release(p2)
	require.Equal(t, 0, p.latched)

	// Case: an extra release is ignored.
	f.Release(p)
	require.Equal(t, 0, p.latched)

	var buf = make([]byte, testPageSize)
	p.CopyTo(buf)
	require.Equal(t, []byte("hello"), buf[:5])
	require.Equal(t, 1, f.NumPages())
}

func TestFlushUpToWritesAndEvicts(t *testing.T) {
	var fs, f = newTestFIFO(t, 8, 0)

	// Two complete pages, and a partial third.
	for i := uint32(0); i != 3; i++ {
		var p, err = f.CreatePage(0, i)
		require.NoError(t, err)

		if i != 2 {
			p.Write(0, bytes.Repeat([]byte{byte('a' + i)}, protocol.PageDataEnd(testPageSize)))
			require.True(t, p.IsComplete())
		} else {
			p.Write(0, []byte("partial"))
			require.False(t, p.IsComplete())
		}
		f.Release(p)
	}

	// Case: an unforced flush writes and evicts only complete pages.
	done, err := f.FlushOnePage(0, false)
	require.NoError(t, err)
	require.False(t, done)
	done, err = f.FlushOnePage(0, false)
	require.NoError(t, err)
	require.False(t, done)
	done, err = f.FlushOnePage(0, false)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, 1, f.NumPages())

	// Case: FlushUpTo forces the final, incomplete page, which remains buffered.
	require.NoError(t, f.FlushUpTo(0, 2))
	require.Equal(t, 1, f.NumPages())
	var _, state = f.GetPage(0, 2).status()
	require.Equal(t, Clean, state)

	var content = readFile(t, fs, 0)
	for i, expect := range []string{"a", "b", "partial"} {
		var page = content[i*testPageSize : (i+1)*testPageSize]
		var empty, err = protocol.VerifyPage(page, 0, uint32(i))
		require.NoError(t, err)
		require.False(t, empty)
		require.Equal(t, expect, string(page[:len(expect)]))
	}

	// Case: a write to the flushed page re-logs its entire prefix.
	var p = f.GetPage(0, 2)
	var offset, data = p.Write(7, []byte("-more"))
	require.Equal(t, 0, offset)
	require.Equal(t, "partial-more", string(data))

	offset, data = p.Write(12, []byte("!"))
	require.Equal(t, 12, offset)
	require.Equal(t, "!", string(data))
	f.Release(p)
	f.Release(p) // Latched twice, by GetPage calls above.
}

func TestConcurrentWriteDuringFlushIsRetried(t *testing.T) {
	var fs, f = newTestFIFO(t, 8, 0)

	var p, err = f.CreatePage(0, 0)
	require.NoError(t, err)
	p.Write(0, []byte("0123456789"))
	f.Release(p)

	// While the page I/O is in flight, a writer appends five more bytes.
	var hooked int
	afterSnapshotHook = func(hp *Page) {
		if hooked++; hooked != 1 {
			return
		}
		var wp = f.GetPage(hp.id.FileNo, hp.id.PageNo)
		require.NotNil(t, wp)
		wp.Write(10, []byte("abcde"))
		f.Release(wp)
	}
	defer func() { afterSnapshotHook = func(*Page) {} }()

	done, err := f.FlushOnePage(0, true)
	require.NoError(t, err)
	require.True(t, done)
	require.Equal(t, 2, hooked) // Page was written a second time.

	var content = readFile(t, fs, 0)
	require.Equal(t, "0123456789abcde", string(content[:15]))
	_, err = protocol.VerifyPage(content[:testPageSize], 0, 0)
	require.NoError(t, err)

	var _, state = p.status()
	require.Equal(t, Clean, state)
}

func TestTablespaceRotation(t *testing.T) {
	var fs, f = newTestFIFO(t, 8, 0)
	createFile(t, fs, 1, 4)
	createFile(t, fs, 2, 4)

	require.NoError(t, f.CreateTablespace(1, 4, 0, nil))

	var p, err = f.CreatePage(0, 0)
	require.NoError(t, err)
	p.Write(0, []byte("unflushed"))
	f.Release(p)

	// Case: generation 2 cannot be made live while 0 has unflushed pages.
	require.Equal(t, ErrTablespaceBusy, f.CreateTablespace(2, 4, 0, nil))
	// Case: neither can generation 0 be released.
	require.Error(t, f.ReleaseTablespace(1))

	require.NoError(t, f.FlushUpTo(0, 0))
	require.NoError(t, f.ReleaseTablespace(0))
	require.Equal(t, uint64(1), f.FirstFileNo())
	require.Equal(t, 0, f.NumPages())

	require.NoError(t, f.CreateTablespace(2, 4, 0, nil))
	require.Equal(t, uint32(4), f.SizeInPages(2))
	require.Equal(t, uint32(0), f.SizeInPages(0))

	// Case: a non-adjacent generation is rejected.
	require.Error(t, f.CreateTablespace(9, 4, 0, nil))

	f.Reset()
	require.Equal(t, NoFile, f.FirstFileNo())
}

func TestCreateTablespaceWithPartialPage(t *testing.T) {
	var _, f = newTestFIFO(t, 8, 3)

	f.Reset()
	require.NoError(t, f.CreateTablespace(3, 4, 2, []byte("recovered")))

	var p = f.GetPage(3, 2)
	require.NotNil(t, p)
	var complete, state = p.status()
	require.False(t, complete)
	require.Equal(t, Clean, state)

	// The next write re-logs the recovered prefix.
	var _, data = p.Write(9, []byte("!"))
	require.Equal(t, "recovered!", string(data))
	f.Release(p)

	// Page 3 is the generation's last page.
	p, err := f.CreatePage(3, 3)
	require.NoError(t, err)
	require.True(t, p.lastPage)
	f.Release(p)
}

func TestDeferredReleaseOfLastPage(t *testing.T) {
	var _, f = newTestFIFO(t, 8, 0)
	var log = redo.NewMemLog()

	var pages []*Page
	for i := uint32(0); i != 4; i++ {
		var p, err = f.CreatePage(0, i)
		require.NoError(t, err)
		pages = append(pages, p)
	}
	var txn = log.Begin()
	pages[2].LogWrite(txn, 0, []byte("x"))
	pages[3].LogWrite(txn, 0, []byte("y"))

	f.ReleaseWithTxn(pages[2], txn)
	f.ReleaseWithTxn(pages[3], txn)
	require.Equal(t, 0, pages[2].latched)
	require.Equal(t, 1, pages[3].latched) // Last page of the generation.

	txn.Commit()
	require.Equal(t, 0, pages[3].latched)

	var n int
	require.NoError(t, log.Replay(0, func(r redo.Record) error {
		n++
		return nil
	}))
	require.Equal(t, 2, n)
}

func TestServeFlushesAndUnblocksWriters(t *testing.T) {
	var fs, f = newTestFIFO(t, 4, 0)

	var ctx, cancel = context.WithCancel(context.Background())
	var served = make(chan error)
	go func() { served <- f.Serve(ctx) }()

	// Write eight complete pages through a FIFO of capacity four.
	// Writers block until the flush loop evicts pages.
	createFile(t, fs, 0, 8)
	f.Reset()
	require.NoError(t, f.CreateTablespace(0, 8, 0, nil))

	for i := uint32(0); i != 8; i++ {
		var p, err = f.CreatePage(0, i)
		require.NoError(t, err)
		p.Write(0, bytes.Repeat([]byte{byte('0' + i)}, protocol.PageDataEnd(testPageSize)))
		f.Release(p)
	}
	require.Eventually(t, func() bool { return f.NumPages() == 0 }, time.Second, time.Millisecond)

	var content = readFile(t, fs, 0)
	for i := 0; i != 8; i++ {
		require.Equal(t, byte('0'+i), content[i*testPageSize])
	}

	cancel()
	require.NoError(t, <-served)
}

func TestServeFlushesPastLatchedLastPage(t *testing.T) {
	var fs, f = newTestFIFO(t, 4, 0)
	createFile(t, fs, 1, 8)
	require.NoError(t, f.CreateTablespace(1, 8, 0, nil))

	var fill = func(fileNo uint64, pageNo uint32) *Page {
		var p, err = f.CreatePage(fileNo, pageNo)
		require.NoError(t, err)
		p.Write(0, bytes.Repeat([]byte{byte('a' + pageNo)}, protocol.PageDataEnd(testPageSize)))
		return p
	}
	for i := uint32(0); i != 3; i++ {
		f.Release(fill(0, i))
	}
	// The last page of generation 0 remains latched, as though by an
	// uncommitted transaction which continues into generation 1.
	var last = fill(0, 3)

	// Case: an unforced flush doesn't wait on the latched page.
	for done := false; !done; {
		var err error
		done, err = f.FlushOnePage(0, false)
		require.NoError(t, err)
	}
	require.Equal(t, 1, f.NumPages())

	var ctx, cancel = context.WithCancel(context.Background())
	var served = make(chan error)
	go func() { served <- f.Serve(ctx) }()

	// Case: eight pages of generation 1 are written through the remaining
	// capacity, as the flush loop evicts them.
	var wrote = make(chan struct{})
	go func() {
		for i := uint32(0); i != 8; i++ {
			f.Release(fill(1, i))
		}
		close(wrote)
	}()

	select {
	case <-wrote:
	case <-time.After(5 * time.Second):
		require.FailNow(t, "writes of generation 1 are blocked")
	}
	require.Eventually(t, func() bool { return f.NumPages() == 1 }, time.Second, time.Millisecond)

	var content = readFile(t, fs, 1)
	for i := 0; i != 8; i++ {
		require.Equal(t, byte('a'+i), content[i*testPageSize])
	}

	// Case: once released, the last page of generation 0 is flushed too.
	f.Release(last)
	require.Eventually(t, func() bool { return f.NumPages() == 0 }, time.Second, time.Millisecond)
	require.Equal(t, byte('d'), readFile(t, fs, 0)[3*testPageSize])

	cancel()
	require.NoError(t, <-served)
}

func newTestFIFO(t *testing.T, maxPages int, fileNo uint64) (afero.Fs, *FIFO) {
	var fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testDir, 0755))
	createFile(t, fs, fileNo, 4)

	var f = New(fs, testDir, testShift, maxPages)
	require.NoError(t, f.CreateTablespace(fileNo, 4, 0, nil))
	return fs, f
}

func createFile(t *testing.T, fs afero.Fs, fileNo uint64, pages int64) {
	var file, err = fs.Create(filepath.Join(testDir, protocol.FileName(fileNo)))
	require.NoError(t, err)
	require.NoError(t, file.Truncate(pages*testPageSize))
	require.NoError(t, file.Close())
}

func readFile(t *testing.T, fs afero.Fs, fileNo uint64) []byte {
	var b, err = afero.ReadFile(fs, filepath.Join(testDir, protocol.FileName(fileNo)))
	require.NoError(t, err)
	return b
}
