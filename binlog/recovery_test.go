package binlog

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/binlog/gtid"
	"go.gazette.dev/binlog/lifecycle"
	"go.gazette.dev/binlog/protocol"
)

func TestRecoveryOfTornFinalPage(t *testing.T) {
	var env = newTestEnv(8)
	env.cfg.SyncCommit = true
	var s = env.open(t)

	var expect []Event
	var seq uint64
	var commit = func() {
		seq++
		var g = gtid.GTID{Domain: 0, Server: 1, SeqNo: seq}
		var data = testData(int(37*seq%200)+1, byte(seq))

		var pos, err = s.Commit(g, data, nil)
		require.NoError(t, err)
		expect = append(expect, Event{GTID: g, FileNo: pos.FileNo, Offset: pos.Offset(testShift), Data: data})
	}

	// Write into generation 1, leaving a partial page.
	for {
		var fileNo, offset = s.Status()
		if fileNo == 1 && offset >= 2*testPageSize && offset%testPageSize != 0 {
			break
		}
		commit()
	}
	var fileNo, offset = s.Status()
	env.crash(t, s)

	// Garble the final page, as though its write was torn.
	tearPage(t, env.fs, fileNo, uint32(offset>>testShift))

	s = env.open(t)

	// Case: the torn page is rebuilt, and all commits are recovered.
	f2, o2 := s.Status()
	require.Equal(t, []uint64{fileNo, offset}, []uint64{f2, o2})
	require.Equal(t, expect, readEvents(t, s))
	require.Equal(t, fmt.Sprintf("0-1-%d", seq), env.gtids.Current().String())

	// Case: the prior generation is intact on disk.
	var r = NewFileReader(env.fs, testDir, testShift)
	r.Seek(0, 0)
	var records = readRecords(t, r)
	require.NoError(t, r.Close())
	require.Equal(t, expect[0].Offset, records[1].Offset)

	// Case: writes continue within the recovered page, and survive a further crash.
	commit()
	commit()
	env.crash(t, s)

	s = env.open(t)
	require.Equal(t, expect, readEvents(t, s))
	require.NoError(t, s.Close())

	// Case: a clean reopen recovers the same log.
	s = env.open(t)
	require.Equal(t, expect, readEvents(t, s))
	require.Equal(t, fmt.Sprintf("0-1-%d", seq), env.gtids.Current().String())
	require.NoError(t, s.Close())
}

func TestRecoveryDropsNonDurableCommits(t *testing.T) {
	var env = newTestEnv(64)
	var s = env.open(t)

	var expect []Event
	for seq := uint64(1); seq <= 23; seq++ {
		var g = gtid.GTID{Domain: 3, Server: 1, SeqNo: seq}
		var data = testData(100, byte(seq))

		var pos, err = s.Commit(g, data, nil)
		require.NoError(t, err)

		if seq <= 20 {
			expect = append(expect, Event{GTID: g, FileNo: pos.FileNo, Offset: pos.Offset(testShift), Data: data})
		}
		if seq == 20 {
			require.NoError(t, s.syncRedo())
		}
	}
	var _, offset = s.Status()
	env.crash(t, s)

	s = env.open(t)
	defer func() { require.NoError(t, s.Close()) }()

	// Case: only durable commits are recovered.
	var fileNo, recovered = s.Status()
	require.Equal(t, uint64(0), fileNo)
	require.True(t, recovered < offset)
	require.Equal(t, expect, readEvents(t, s))
	require.Equal(t, "3-1-20", env.gtids.Current().String())

	// Case: the log continues from the last durable commit.
	var g = gtid.GTID{Domain: 3, Server: 1, SeqNo: 21}
	var pos, err = s.Commit(g, []byte("again"), nil)
	require.NoError(t, err)
	require.Equal(t, protocol.NewPosition(0, recovered, testShift), pos)
}

func TestRecoveryWithDifferentialStates(t *testing.T) {
	var env = newTestEnv(16)
	env.cfg.StateInterval = 2 * testPageSize
	var s = env.open(t)

	// Commits of two domains, spanning generations.
	for seq := uint64(1); seq <= 300; seq++ {
		var domain = uint32(seq % 2)
		var _, err = s.Commit(gtid.GTID{Domain: domain, Server: 1, SeqNo: seq}, testData(40, 'd'), nil)
		require.NoError(t, err)
	}
	var fileNo, offset = s.Status()
	require.NoError(t, s.Close())

	s = env.open(t)
	defer func() { require.NoError(t, s.Close()) }()

	f2, o2 := s.Status()
	require.Equal(t, []uint64{fileNo, offset}, []uint64{f2, o2})
	require.Equal(t, "0-1-300,1-1-299", env.gtids.Current().String())
}

func TestRecoveryOfUnactivatedGeneration(t *testing.T) {
	var env = newTestEnv(8)

	// Case: a generation which was created but never written.
	var s = env.open(t)
	require.NoError(t, s.Close())

	s = env.open(t)
	var fileNo, offset = s.Status()
	require.Equal(t, []uint64{0, 0}, []uint64{fileNo, offset})

	var g = gtid.GTID{Domain: 0, Server: 1, SeqNo: 1}
	var _, err = s.Commit(g, []byte("first"), nil)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s = env.open(t)
	require.Equal(t, []Event{{GTID: g, FileNo: 0, Offset: 517, Data: []byte("first")}}, readEvents(t, s))
	require.NoError(t, s.Close())
}

func TestRecoveryOfCorruptHeader(t *testing.T) {
	var env = newTestEnv(8)
	var s = env.open(t)

	for seq := uint64(1); seq != 5; seq++ {
		var _, err = s.Commit(gtid.GTID{Domain: 0, Server: 1, SeqNo: seq}, []byte("z"), nil)
		require.NoError(t, err)
	}
	require.NoError(t, s.Flush())
	require.NoError(t, s.Close())
	// The redo log no longer holds records of generation 1.
	env.redo.Checkpoint(env.redo.CurrentLSN() + 1)

	// Generation 1 is the newest, having a torn header.
	if ok, _ := afero.Exists(env.fs, filepath.Join(testDir, protocol.FileName(2))); ok {
		require.NoError(t, env.fs.Remove(filepath.Join(testDir, protocol.FileName(2))))
	}
	tearPage(t, env.fs, 1, 0)

	// Case: recovery fails on a corrupt header.
	var _, err = Open(context.Background(), env.cfg, env.fs, env.redo, gtid.NewMemTracker())
	require.True(t, protocol.IsCorruption(err), "%v", err)

	// Case: ForceRecovery skips it, and continues from generation 0.
	env.cfg.ForceRecovery = true
	s = env.open(t)
	defer func() { require.NoError(t, s.Close()) }()

	var fileNo, _ = s.Status()
	require.Equal(t, uint64(0), fileNo)
	require.Equal(t, "0-1-4", env.gtids.Current().String())
}

func TestReopenAtMinimumPageSize(t *testing.T) {
	var env = newTestEnv(4)
	env.cfg.PageSizeShift = protocol.MinPageSizeShift
	var s = env.open(t)

	var expect []Event
	for seq := uint64(1); seq != 21; seq++ {
		var g = gtid.GTID{Domain: 0, Server: 1, SeqNo: seq}
		var data = testData(90, byte(seq))

		var pos, err = s.Commit(g, data, nil)
		require.NoError(t, err)
		expect = append(expect, Event{GTID: g, FileNo: pos.FileNo, Offset: pos.Offset(testShift), Data: data})
	}
	var fileNo, offset = s.Status()
	require.True(t, fileNo >= 1)
	require.NoError(t, s.Close())

	// Case: a cleanly closed log re-opens, having headers which verify.
	s = env.open(t)
	f2, o2 := s.Status()
	require.Equal(t, []uint64{fileNo, offset}, []uint64{f2, o2})
	require.Equal(t, expect, readEvents(t, s))
	require.Equal(t, "0-1-20", env.gtids.Current().String())

	var hdr, err = lifecycle.ReadHeader(env.fs, testDir, fileNo)
	require.NoError(t, err)
	require.Equal(t, uint32(protocol.MinPageSizeShift), hdr.PageSizeShift)
	env.crash(t, s)

	// Case: a torn header page is rebuilt from its redo record.
	tearPage(t, env.fs, fileNo, 0)

	s = env.open(t)
	defer func() { require.NoError(t, s.Close()) }()

	f2, o2 = s.Status()
	require.Equal(t, []uint64{fileNo, offset}, []uint64{f2, o2})
	require.Equal(t, expect, readEvents(t, s))
}

func tearPage(t *testing.T, fs afero.Fs, fileNo uint64, pageNo uint32) {
	var f, err = fs.OpenFile(filepath.Join(testDir, protocol.FileName(fileNo)), os.O_RDWR, 0)
	require.NoError(t, err)

	_, err = f.WriteAt(bytes.Repeat([]byte{0xde}, testPageSize), int64(pageNo)<<testShift)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}
