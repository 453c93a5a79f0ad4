package lifecycle

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/binlog/durability"
	"go.gazette.dev/binlog/fifo"
	"go.gazette.dev/binlog/oob"
	"go.gazette.dev/binlog/protocol"
	"go.gazette.dev/binlog/redo"
)

func TestPreallocationRotationAndClose(t *testing.T) {
	var m, cleanup = newTestManager(t)
	defer cleanup()

	require.NoError(t, m.CreateGeneration(0))
	var hdr = m.Activate(0)
	require.Equal(t, uint64(0), hdr.FileNo)
	require.Equal(t, uint64(testSize), hdr.PageCount)
	require.NoError(t, hdr.Validate())

	var ctx, cancel = context.WithCancel(context.Background())
	var done = make(chan error)
	go func() { done <- m.Serve(ctx) }()

	// Case: the next generation is pre-created ahead of need.
	require.NoError(t, m.WaitCreated(1))
	require.Equal(t, Precreated, m.State().State(1))
	require.Equal(t, Active, m.State().State(0))

	var files, err = m.Files()
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1}, files)

	// Case: activating 1 drains and closes 0, then pre-creates 2.
	m.Activate(1)
	require.NoError(t, m.WaitCreated(2))
	require.Eventually(t, func() bool { return m.State().State(0) == Closed }, time.Second, time.Millisecond)

	var firstOpen, active, lastCreated = m.State().Pointers()
	require.Equal(t, []uint64{1, 1, 2}, []uint64{firstOpen, active, lastCreated})
	require.Equal(t, uint64(1), m.fifo.FirstFileNo())
	require.Equal(t, durability.Closed, m.dur.Durable(0))

	cancel()
	require.NoError(t, <-done)

	// Case: a stopped Manager fails waits for generations which won't be created.
	require.Equal(t, ErrStopped, m.WaitCreated(5))
}

func TestCreationIsRetried(t *testing.T) {
	var m, cleanup = newTestManager(t)
	defer cleanup()
	m.CreateRetryInterval = time.Millisecond

	var failures = 3
	createFileFn = func(fileNo uint64) error {
		if fileNo == 1 && failures != 0 {
			failures--
			return errors.New("no space left on device")
		}
		return nil
	}
	defer func() { createFileFn = func(uint64) error { return nil } }()

	require.NoError(t, m.CreateGeneration(0))
	m.Activate(0)

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()
	go m.Serve(ctx)

	require.NoError(t, m.WaitCreated(1))
	require.Equal(t, 0, failures)
}

func TestPurge(t *testing.T) {
	var m, cleanup = newTestManager(t)
	defer cleanup()

	require.NoError(t, m.CreateGeneration(0))
	m.Activate(0)
	for f := uint64(1); f != 3; f++ {
		require.NoError(t, m.CreateGeneration(f))
		m.Activate(f)
		require.NoError(t, m.CloseGeneration(f-1))
	}

	// Case: generation 0 is held by a reader.
	var purged, err = m.Purge(2, 0)
	require.Equal(t, ErrPurgeBlocked, pkgerrors.Cause(err))
	require.Empty(t, purged)

	purged, err = m.Purge(1, NoFile)
	require.NoError(t, err)
	require.Equal(t, []uint64{0}, purged)

	// Case: states distinguish purged, closed and not-yet-created generations.
	require.Equal(t, Purged, m.State().State(0))
	require.Equal(t, Closed, m.State().State(1))
	require.Equal(t, Active, m.State().State(2))
	require.Equal(t, Uncreated, m.State().State(3))

	// Case: generation 1 is within the live window of active generation 2.
	purged, err = m.Purge(3, NoFile)
	require.Equal(t, ErrPurgeBlocked, pkgerrors.Cause(err))
	require.Empty(t, purged)

	// Case: generation 1 is referenced by an XA transaction.
	m.refs.AddRef(oob.XA, 2)
	require.NoError(t, m.CreateGeneration(3))
	m.Activate(3)
	require.NoError(t, m.CloseGeneration(2))
	_, err = m.Purge(2, NoFile) // Generation 1 is now purge-able.
	require.NoError(t, err)
	_, err = m.Purge(3, NoFile)
	require.Equal(t, ErrPurgeBlocked, pkgerrors.Cause(err))

	m.refs.ReleaseRef(oob.XA, 2)
	require.NoError(t, m.CreateGeneration(4))
	m.Activate(4)
	purged, err = m.Purge(3, NoFile)
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, purged)

	var files, _ = m.Files()
	require.Equal(t, []uint64{3, 4}, files)
	require.Equal(t, Purged, m.State().State(2))
	require.Equal(t, Uncreated, m.State().State(5))
}

func TestHeaderIsReadAndCached(t *testing.T) {
	var m, cleanup = newTestManager(t)
	defer cleanup()

	require.NoError(t, m.CreateGeneration(0))
	var hdr = m.Activate(0)

	// Case: the header of an activated generation is cached before it's flushed.
	var got, err = m.Header(0)
	require.NoError(t, err)
	require.Equal(t, hdr, got)

	// Case: the header hasn't been written to the file.
	m.headers.Purge()
	_, err = m.Header(0)
	require.True(t, protocol.IsCorruption(err))

	var page = make([]byte, 1<<testShift)
	hdr.MarshalTo(page)
	protocol.SealPage(page)
	require.NoError(t, afero.WriteFile(m.fs, filepath.Join(testDir, protocol.FileName(0)), page, 0644))

	got, err = m.Header(0)
	require.NoError(t, err)
	require.Equal(t, hdr, got)

	// Case: the cached header is returned even after the file is removed.
	require.NoError(t, m.fs.Remove(filepath.Join(testDir, protocol.FileName(0))))
	got, err = m.Header(0)
	require.NoError(t, err)
	require.Equal(t, hdr, got)
}

func TestRestore(t *testing.T) {
	var m, cleanup = newTestManager(t)
	defer cleanup()

	// Generations before 2 were purged prior to startup.
	for f := uint64(2); f != 7; f++ {
		require.NoError(t, afero.WriteFile(m.fs, filepath.Join(testDir, protocol.FileName(f)), nil, 0644))
	}
	m.Restore(4, 5, 6, 1234)
	require.Equal(t, Draining, m.State().State(4))
	require.Equal(t, Active, m.State().State(5))
	require.Equal(t, Precreated, m.State().State(6))
	require.Equal(t, Closed, m.State().State(3))
	require.Equal(t, Closed, m.State().State(2))
	require.Equal(t, Purged, m.State().State(1))
	require.Equal(t, Uncreated, m.State().State(7))
	require.Equal(t, "Uncreated", m.State().State(7).String())
	require.Equal(t, uint64(5), m.State().Active())

	var hdr = m.Activate(6)
	require.Equal(t, uint64(1234), hdr.StartLSN)
	require.Equal(t, Draining, m.State().State(5))
}

func newTestManager(t *testing.T) (*Manager, func()) {
	var prior = protocol.StrictInvariants
	protocol.StrictInvariants = true

	var fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(testDir, 0755))

	var (
		rl   = redo.NewMemLog()
		f    = fifo.New(fs, testDir, testShift, 8)
		dur  = durability.NewTracker(16)
		refs = oob.NewTracker(0)
	)
	var syncRedo = func() error {
		var lsn, err = rl.FlushToDisk(true)
		if err == nil {
			err = dur.Process(lsn)
		}
		return err
	}
	var m = NewManager(Config{
		Dir:           testDir,
		PageSizeShift: testShift,
		SizeInPages:   testSize,
	}, fs, f, rl, dur, refs, syncRedo)

	return m, func() { protocol.StrictInvariants = prior }
}

const (
	testDir   = "/binlog"
	testShift = 9
	testSize  = 4
)
