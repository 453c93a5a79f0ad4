package binlogctlcmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/binlog/binlog"
	"go.gazette.dev/binlog/gtid"
	"go.gazette.dev/binlog/protocol"
	"go.gazette.dev/binlog/redo"
)

func TestAppendInspectAndVerify(t *testing.T) {
	var memFs = afero.NewMemMapFs()
	var cfg = binlog.Config{
		Dir:            "/binlog",
		PageSizeShift:  9,
		GenerationSize: 16 << 9,
	}
	var open = func() (*binlog.Store, *gtid.MemTracker) {
		var tracker = gtid.NewMemTracker()
		var store, err = binlog.Open(context.Background(), cfg, memFs, redo.NewMemLog(), tracker)
		require.NoError(t, err)
		return store, tracker
	}
	var store, tracker = open()

	var input = strings.Join([]string{
		"one",
		"two",
		strings.Repeat("large-", 50), // Written out-of-band.
		"four",
		"five",
	}, "\n")

	var count, pos, err = appendLines(store, tracker, strings.NewReader(input), 0, 1, 100, 64)
	require.NoError(t, err)
	require.Equal(t, 5, count)
	require.Equal(t, uint64(0), pos.FileNo)
	require.Equal(t, "0-1-5", tracker.Current().String())

	// Case: appends continue from the current sequence number of the domain.
	count, _, err = appendLines(store, tracker, strings.NewReader("six"), 0, 1, 100, 64)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, "0-1-6", tracker.Current().String())

	require.NoError(t, store.Flush())

	var out bytes.Buffer
	require.NoError(t, writeStatus(store, tracker, &out))
	require.Contains(t, out.String(), "fileNo: 1\n")
	require.Contains(t, out.String(), "gtidState: 0-1-6\n")
	require.Contains(t, out.String(), "state: Active\n")
	require.NoError(t, store.Close())

	// Case: generations are read from the directory.
	gens, err := readGenerations(memFs, cfg.Dir, cfg.PageSizeShift)
	require.NoError(t, err)
	require.True(t, len(gens) >= 2)
	require.True(t, gens[0].Activated)
	require.True(t, gens[1].Activated)
	require.Equal(t, uint64(16), gens[1].Header.PageCount)
	require.Equal(t, "0-1-6", gens[1].State)

	out.Reset()
	require.NoError(t, listGenerations(memFs, cfg.Dir, cfg.PageSizeShift, &out))
	require.Contains(t, out.String(), protocol.FileName(1))
	require.Contains(t, out.String(), "0-1-6")

	// Case: every record and event group verifies.
	summary, err := verifyDir(memFs, cfg.Dir, cfg.PageSizeShift)
	require.NoError(t, err)
	require.Equal(t, 6, summary.Events)
	require.Equal(t, 6, summary.Records[protocol.ChunkCommit])
	require.Equal(t, 5, summary.Records[protocol.ChunkOOBData]) // 300 bytes of 64-byte pieces.

	out.Reset()
	summary.write(&out)
	require.Contains(t, out.String(), "6 event groups verified")

	// Case: event groups are dumped following a GTID position.
	store, tracker = open()
	require.Equal(t, "0-1-6", tracker.Current().String())

	pos2, err := gtid.ParseState("0-1-2")
	require.NoError(t, err)

	out.Reset()
	require.NoError(t, dumpEvents(store, &out, pos2, true, true))

	var lines = strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 1+4*2)
	require.True(t, strings.HasPrefix(lines[0], "# starting from GTID state"))
	require.True(t, strings.HasPrefix(lines[1], "0-1-3\t0:"))
	require.True(t, strings.HasSuffix(lines[1], "\t300"))
	require.Equal(t, `"four"`, lines[4])
	require.True(t, strings.HasPrefix(lines[7], "0-1-6\t0:"))

	// Case: without a position, every event group is dumped.
	out.Reset()
	require.NoError(t, dumpEvents(store, &out, gtid.State{}, false, false))
	require.Len(t, strings.Split(strings.TrimSpace(out.String()), "\n"), 6)

	require.NoError(t, store.Close())
}

func TestBuildConfig(t *testing.T) {
	var cfg, err = StoreConfig{
		Dir:            "/binlog",
		PageSizeShift:  12,
		GenerationSize: "1MiB",
		StateInterval:  "64KiB",
		MaxRecordSize:  "128KiB",
	}.BuildConfig()
	require.NoError(t, err)
	require.Equal(t, uint64(1<<20), cfg.GenerationSize)
	require.Equal(t, uint64(64<<10), cfg.StateInterval)
	require.Equal(t, 128<<10, cfg.MaxRecordSize)

	// Case: a record may not exceed half the data of a generation.
	_, err = StoreConfig{Dir: "/binlog", PageSizeShift: 12, GenerationSize: "1MiB", StateInterval: "0",
		MaxRecordSize: "1MiB"}.BuildConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid MaxRecordSize")

	_, err = StoreConfig{Dir: "/binlog", PageSizeShift: 12, GenerationSize: "lots", StateInterval: "0", MaxRecordSize: "0"}.BuildConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid generation-size")

	_, err = StoreConfig{Dir: "/binlog", PageSizeShift: 12, GenerationSize: "1MiB", StateInterval: "6KiB", MaxRecordSize: "0"}.BuildConfig()
	require.Error(t, err)
	require.Contains(t, err.Error(), "invalid StateInterval")
}
