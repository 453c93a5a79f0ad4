package protocol

import (
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/gogo/protobuf/proto"
)

// Position is a resumable location within the log. Alongside the page
// coordinates, it tracks the state of the chunk being read, which makes it
// suitable for saving and restoring a reader mid-record.
type Position struct {
	FileNo uint64
	PageNo uint32
	// Offset of the current chunk header within the page.
	InPageOffset uint32
	// Length of the current chunk's payload, and bytes of it already read.
	ChunkLen        uint32
	ChunkReadOffset uint32
	// Type (with flags) of the current chunk. ChunkEmpty if there is no
	// current chunk, and InPageOffset is that of the next chunk header.
	ChunkType ChunkType
	// SkipCurrent is set when the remainder of the current record is to be skipped.
	SkipCurrent bool
	// InRecord is set when chunks of a record have been read, but not its LAST chunk.
	InRecord bool
}

// NewPosition returns a Position at byte |offset| of generation |fileNo|.
func NewPosition(fileNo, offset uint64, pageSizeShift uint32) Position {
	return Position{
		FileNo:       fileNo,
		PageNo:       uint32(offset >> pageSizeShift),
		InPageOffset: uint32(offset & (1<<pageSizeShift - 1)),
	}
}

// Offset returns the byte offset of the Position within its generation.
func (p Position) Offset(pageSizeShift uint32) uint64 {
	return uint64(p.PageNo)<<pageSizeShift | uint64(p.InPageOffset)
}

func (p Position) String() string {
	return fmt.Sprintf("%d:%d+%d", p.FileNo, p.PageNo, p.InPageOffset)
}

// FileName returns the generation file name of |fileNo|.
func FileName(fileNo uint64) string {
	return fmt.Sprintf("binlog-%06d.ibb", fileNo)
}

// ParseFileName returns the generation number of a file name produced by
// FileName. Leading directories are ignored. |ok| is false if |name| is not a
// generation file name.
func ParseFileName(name string) (fileNo uint64, ok bool) {
	name = path.Base(name)
	if !strings.HasPrefix(name, "binlog-") || !strings.HasSuffix(name, ".ibb") {
		return 0, false
	}
	var digits = strings.TrimSuffix(strings.TrimPrefix(name, "binlog-"), ".ibb")
	if len(digits) < 6 {
		return 0, false
	}
	var n, err = strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// AppendVarint appends the varint encoding of |v| to |b|.
func AppendVarint(b []byte, v uint64) []byte {
	return append(b, proto.EncodeVarint(v)...)
}

// ConsumeVarint decodes a varint from the front of |b|, returning the value
// and the remainder of |b|.
func ConsumeVarint(b []byte) (uint64, []byte, error) {
	var v, n = proto.DecodeVarint(b)
	if n == 0 {
		return 0, b, errMalformedVarint
	}
	return v, b[n:], nil
}

var errMalformedVarint = fmt.Errorf("malformed varint")
