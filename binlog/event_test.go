package binlog

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/binlog/gtid"
	"go.gazette.dev/binlog/protocol"
)

func TestOOBEventGroupsAreReassembled(t *testing.T) {
	var env = newTestEnv(8)
	var s = env.open(t)
	defer func() { require.NoError(t, s.Close()) }()

	var expect []Event
	var commit = func(seq uint64, inline []byte, c *OOBContext, oob []byte) {
		var g = gtid.GTID{Domain: 0, Server: 1, SeqNo: seq}
		var pos, err = s.Commit(g, inline, c)
		require.NoError(t, err)

		var data = append(append([]byte(nil), oob...), inline...)
		expect = append(expect, Event{GTID: g, FileNo: pos.FileNo, Offset: pos.Offset(testShift), Data: data})
	}
	var writePieces = func(c *OOBContext, n, size int) []byte {
		var all []byte
		for i := 0; i != n; i++ {
			var piece = testData(size, byte('A'+i))
			require.NoError(t, c.Write(piece))
			all = append(all, piece...)
		}
		require.Equal(t, uint64(n), c.Len())
		return all
	}

	commit(1, []byte("plain"), nil, nil)

	// Case: a forest of several trees, which spans a generation rotation.
	var big = s.NewOOBContext()
	var bigData = writePieces(big, 13, 300)

	// Case: an event group committed while another's pieces are outstanding.
	commit(2, []byte("interleaved"), nil, nil)

	// Case: a rolled back group is never read.
	var rb = s.NewOOBContext()
	writePieces(rb, 3, 50)
	rb.Rollback()

	commit(3, []byte("tail"), big, bigData)

	// Case: a group having a single piece, and no inline data.
	var one = s.NewOOBContext()
	var oneData = writePieces(one, 1, 700)
	commit(4, nil, one, oneData)

	var fileNo, _ = s.Status()
	require.NotEqual(t, uint64(0), fileNo)

	// Nil and empty Data are equivalent.
	var events = readEvents(t, s)
	for i := range events {
		require.True(t, bytes.Equal(expect[i].Data, events[i].Data))
		events[i].Data, expect[i].Data = nil, nil
	}
	require.Equal(t, expect, events)

	// Case: a completed context may not be reused.
	require.EqualError(t, big.Write([]byte("x")), "OOBContext was already committed or rolled back")
	var _, err = s.Commit(gtid.GTID{Domain: 0, Server: 1, SeqNo: 5}, nil, rb)
	require.EqualError(t, err, "OOBContext was already committed or rolled back")
	require.EqualError(t, s.NewOOBContext().Write(nil), "expected non-empty OOB data")
}

func TestForestShape(t *testing.T) {
	var env = newTestEnv(64)
	var s = env.open(t)
	defer func() { require.NoError(t, s.Close()) }()

	var c = s.NewOOBContext()
	var heights []uint32

	for i := 0; i != 13; i++ {
		require.NoError(t, c.Write([]byte{byte(i)}))

		heights = heights[:0]
		for _, tree := range c.trees {
			heights = append(heights, tree.height)
		}
		switch i {
		case 0:
			require.Equal(t, []uint32{1}, heights)
		case 2:
			require.Equal(t, []uint32{2}, heights)
		case 5:
			require.Equal(t, []uint32{2, 2}, heights)
		case 6:
			require.Equal(t, []uint32{3}, heights)
		case 12:
			require.Equal(t, []uint32{3, 2, 2}, heights)
		}
	}
	// Roots of the final trees are nodes 6, 9, and 12.
	require.Equal(t, []uint64{6, 9, 12}, []uint64{c.trees[0].index, c.trees[1].index, c.trees[2].index})
	c.Rollback()
}

func TestCorruptCommitIsReported(t *testing.T) {
	var env = newTestEnv(8)
	var s = env.open(t)
	defer func() { require.NoError(t, s.Close()) }()

	// A commit referencing out-of-band data which doesn't exist.
	var b = protocol.AppendVarint(nil, 2)
	for _, v := range []uint64{0, 2000, 0, 2000, 0, 1, 1} {
		b = protocol.AppendVarint(b, v)
	}
	requireWrite(t, s, b, 0, 517)

	var er = s.NewEventReader(false)
	defer er.Close()

	var _, err = er.Next()
	require.True(t, protocol.IsCorruption(err), err.Error())

	// Case: a commit header which is truncated.
	requireWrite(t, s, []byte{0x80}, 0, uint64(517+3+len(b)))

	er2 := s.NewEventReader(false)
	defer er2.Close()
	er2.ChunkReader().Seek(0, uint64(517+3+len(b)))

	_, err = er2.Next()
	require.True(t, protocol.IsCorruption(err))
	require.Contains(t, err.Error(), "decoding OOB count")

	_, err = er2.Next()
	require.Equal(t, io.EOF, err)
}
