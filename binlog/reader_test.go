package binlog

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.gazette.dev/binlog/protocol"
)

func TestReaderSkipsNestedStatesAndPadding(t *testing.T) {
	var fs = afero.NewMemMapFs()
	writeRawGeneration(t, fs, 0, []rawPage{
		{fill: true, chunks: []rawChunk{
			{protocol.ChunkCommit | protocol.ChunkLast, "a"},
			{protocol.ChunkCommit, "bc"},
		}},
		{chunks: []rawChunk{
			{protocol.ChunkGTIDState | protocol.ChunkLast, "s"},
			{protocol.ChunkDummy | protocol.ChunkCont | protocol.ChunkLast, ""},
			{protocol.ChunkCommit | protocol.ChunkCont | protocol.ChunkLast, "d"},
			{protocol.ChunkDummy | protocol.ChunkLast, "pad"},
			{protocol.ChunkOOBData | protocol.ChunkLast, "e"},
		}},
	})

	var r = NewFileReader(fs, testDir, testShift)
	r.Seek(0, 0)
	defer r.Close()

	require.Equal(t, []testRecord{
		{protocol.ChunkCommit, 0, testPageSize, []byte("a")},
		{protocol.ChunkCommit, 0, testPageSize + 4, []byte("bcd")},
		{protocol.ChunkOOBData, 0, 2*testPageSize + 4 + 3 + 4 + 6, []byte("e")},
	}, readRecords(t, r))
}

func TestReaderReportsFramingErrors(t *testing.T) {
	for _, tc := range []struct {
		name   string
		chunks []rawChunk
		expect string
	}{
		{"continuation without start", []rawChunk{
			{protocol.ChunkCommit | protocol.ChunkCont | protocol.ChunkLast, "x"},
		}, "continuation COMMIT|CONT|LAST without a record start"},
		{"type change", []rawChunk{
			{protocol.ChunkCommit, "a"},
			{protocol.ChunkOOBData | protocol.ChunkCont | protocol.ChunkLast, "b"},
		}, "within a record of type COMMIT"},
		{"start within record", []rawChunk{
			{protocol.ChunkCommit, "a"},
			{protocol.ChunkCommit | protocol.ChunkLast, "b"},
		}, "record start COMMIT|LAST within a record of type COMMIT"},
		{"missing last", []rawChunk{
			{protocol.ChunkCommit, "a"},
		}, "record is missing its LAST chunk"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var fs = afero.NewMemMapFs()
			writeRawGeneration(t, fs, 0, []rawPage{{chunks: tc.chunks}})

			var r = NewFileReader(fs, testDir, testShift)
			r.Seek(0, 0)
			defer r.Close()

			var _, _, err = r.ReadRecord(nil)
			require.True(t, protocol.IsCorruption(err), "%v", err)
			require.Contains(t, err.Error(), tc.expect)
		})
	}
}

func TestReaderSkipsPartialRecord(t *testing.T) {
	var fs = afero.NewMemMapFs()
	writeRawGeneration(t, fs, 0, []rawPage{{chunks: []rawChunk{
		{protocol.ChunkOOBData | protocol.ChunkCont, "tail-"},
		{protocol.ChunkGTIDState | protocol.ChunkLast, "s"},
		{protocol.ChunkOOBData | protocol.ChunkCont | protocol.ChunkLast, "end"},
		{protocol.ChunkCommit | protocol.ChunkLast, "y"},
	}}})

	var r = NewFileReader(fs, testDir, testShift)
	r.Seek(0, 0)
	r.SkipPartial(true)
	defer r.Close()

	// Case: a nested state is a record start, and is read.
	var typ, b, err = r.ReadRecord(nil)
	require.NoError(t, err)
	require.Equal(t, protocol.ChunkGTIDState, typ)
	require.Equal(t, "s", string(b))

	// Case: continuations following it are still skipped.
	typ, b, err = r.ReadRecord(nil)
	require.NoError(t, err)
	require.Equal(t, protocol.ChunkCommit, typ)
	require.Equal(t, "y", string(b))

	_, _, err = r.ReadRecord(nil)
	require.Equal(t, io.EOF, err)
}

func TestReaderDetectsChecksumMismatch(t *testing.T) {
	var fs = afero.NewMemMapFs()
	writeRawGeneration(t, fs, 0, []rawPage{{chunks: []rawChunk{
		{protocol.ChunkCommit | protocol.ChunkLast, "hello"},
	}}})

	var r = NewFileReader(fs, testDir, testShift)
	r.Seek(0, 0)

	var typ, b, err = r.ReadRecord(nil)
	require.NoError(t, err)
	require.Equal(t, protocol.ChunkCommit, typ)
	require.Equal(t, "hello", string(b))
	require.NoError(t, r.Close())

	// Flip a byte of the written page.
	f, err := fs.OpenFile(filepath.Join(testDir, protocol.FileName(0)), os.O_RDWR, 0)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'j'}, testPageSize+3)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	r = NewFileReader(fs, testDir, testShift)
	r.Seek(0, 0)
	defer r.Close()

	_, _, err = r.ReadRecord(nil)
	require.True(t, protocol.IsCorruption(err))
	require.Contains(t, err.Error(), "page checksum mismatch")
}

type rawChunk struct {
	typ  protocol.ChunkType
	data string
}

type rawPage struct {
	chunks []rawChunk
	// Pad the remainder of the page with a FILLER chunk.
	fill bool
}

// writeRawGeneration writes a generation file of |pages|, following a
// zeroed header page and followed by an unwritten page.
func writeRawGeneration(t *testing.T, fs afero.Fs, fileNo uint64, pages []rawPage) {
	var b = make([]byte, (len(pages)+2)*testPageSize)

	for i, p := range pages {
		var page = b[(i+1)*testPageSize : (i+2)*testPageSize]
		var off int

		for _, c := range p.chunks {
			protocol.PutChunkHeader(page[off:], c.typ, len(c.data))
			off += protocol.ChunkHeaderSize
			off += copy(page[off:], c.data)
		}
		if p.fill && off != protocol.PageDataEnd(testPageSize) {
			page[off] = byte(protocol.ChunkFiller)
		}
		protocol.SealPage(page)
	}

	require.NoError(t, fs.MkdirAll(testDir, 0755))
	require.NoError(t, afero.WriteFile(fs, filepath.Join(testDir, protocol.FileName(fileNo)), b, 0644))
}
