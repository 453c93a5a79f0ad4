package protocol

import (
	"encoding/binary"
	"fmt"
)

// Page geometry.
const (
	// MinPageSizeShift is the smallest supported page size (512 bytes). Its
	// data region must fit the FileHeader block.
	MinPageSizeShift = 9
	// MaxPageSizeShift is the largest supported page size (64KiB). Chunk
	// lengths are uint16, and may not exceed a page.
	MaxPageSizeShift = 16
	// DefaultPageSizeShift is 16KiB.
	DefaultPageSizeShift = 14

	// PageDataOffset is the offset of the first chunk within a page.
	PageDataOffset = 0
	// PageTrailerSize is the size of the CRC32C trailer ending each page.
	PageTrailerSize = 4
	// ChunkHeaderSize is the size of the type and length prefix of a chunk.
	ChunkHeaderSize = 3
	// MinChunkSpace is the smallest remainder of a page into which a chunk
	// (a header plus at least one payload byte) is written. Smaller
	// remainders are padded with Filler.
	MinChunkSpace = ChunkHeaderSize + 1
	// HeaderBlockSize is the size of the FileHeader block at the start of page
	// zero. It ends before the trailer of a page of MinPageSizeShift.
	HeaderBlockSize = 1<<MinPageSizeShift - PageTrailerSize
)

// ChunkType is the type of a chunk, and of the record it belongs to.
// Its high bits are the ChunkCont and ChunkLast flags.
type ChunkType uint8

const (
	// ChunkEmpty is never written. It's read where a page has not been written
	// past the current offset, and denotes the end of the log.
	ChunkEmpty ChunkType = 0
	// ChunkCommit is a committed event group.
	ChunkCommit ChunkType = 1
	// ChunkGTIDState is a full or differential snapshot of GTID state.
	ChunkGTIDState ChunkType = 2
	// ChunkOOBData is a node of out-of-band event data, referenced by a later commit.
	ChunkOOBData ChunkType = 3
	// ChunkDummy pads out the remainder of a page without conveying data.
	ChunkDummy ChunkType = 4
	// ChunkFiller pads the final bytes of a page which are too few to hold
	// another chunk. As a record type given to a Writer, it performs
	// rotation and state bookkeeping without writing any record at all.
	ChunkFiller ChunkType = 0xff

	// ChunkCont flags a chunk which is not the first of its record.
	ChunkCont ChunkType = 0x80
	// ChunkLast flags the final chunk of its record.
	ChunkLast ChunkType = 0x40
	// ChunkTypeMask masks away ChunkCont and ChunkLast.
	ChunkTypeMask = ^(ChunkCont | ChunkLast)
)

// Base returns the ChunkType stripped of flags. ChunkFiller is returned as-is.
func (t ChunkType) Base() ChunkType {
	if t == ChunkFiller {
		return t
	}
	return t & ChunkTypeMask
}

// IsCont returns whether the ChunkCont flag is set.
func (t ChunkType) IsCont() bool { return t != ChunkFiller && t&ChunkCont != 0 }

// IsLast returns whether the ChunkLast flag is set.
func (t ChunkType) IsLast() bool { return t != ChunkFiller && t&ChunkLast != 0 }

// AllowedNested returns whether records of the base type may appear nested
// within the chunks of another record.
func (t ChunkType) AllowedNested() bool {
	var b = t.Base()
	return b == ChunkGTIDState || b == ChunkDummy
}

func (t ChunkType) String() string {
	var s string
	switch t.Base() {
	case ChunkEmpty:
		s = "EMPTY"
	case ChunkCommit:
		s = "COMMIT"
	case ChunkGTIDState:
		s = "GTID_STATE"
	case ChunkOOBData:
		s = "OOB_DATA"
	case ChunkDummy:
		s = "DUMMY"
	case ChunkFiller:
		return "FILLER"
	default:
		s = fmt.Sprintf("ChunkType(%d)", uint8(t.Base()))
	}
	if t.IsCont() {
		s += "|CONT"
	}
	if t.IsLast() {
		s += "|LAST"
	}
	return s
}

// PutChunkHeader encodes a chunk header of |typ| and payload |length| into |b|.
func PutChunkHeader(b []byte, typ ChunkType, length int) {
	b[0] = byte(typ)
	binary.LittleEndian.PutUint16(b[1:3], uint16(length))
}

// ParseChunkHeader decodes the chunk header at the front of |b|.
func ParseChunkHeader(b []byte) (ChunkType, int) {
	return ChunkType(b[0]), int(binary.LittleEndian.Uint16(b[1:3]))
}
