package protocol

import (
	"encoding/binary"
	"hash/crc32"
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// Checksum returns the CRC32C of |b|.
func Checksum(b []byte) uint32 { return crc32.Checksum(b, crcTable) }

// PageSize returns the page size of a page |shift|.
func PageSize(shift uint32) int { return 1 << shift }

// PageDataEnd returns the end offset of the chunk region of a page of |size|.
func PageDataEnd(size int) int { return size - PageTrailerSize }

// SealPage computes and writes the CRC32C trailer of |page|.
func SealPage(page []byte) {
	var end = PageDataEnd(len(page))
	binary.LittleEndian.PutUint32(page[end:], Checksum(page[:end]))
}

// VerifyPage checks the CRC32C trailer of the page. It returns |empty| if the
// page consists entirely of zeros, which means it has not yet been written.
func VerifyPage(page []byte, fileNo uint64, pageNo uint32) (empty bool, err error) {
	var end = PageDataEnd(len(page))

	if binary.LittleEndian.Uint32(page[end:]) == Checksum(page[:end]) {
		return false, nil
	}
	for _, b := range page {
		if b != 0 {
			return false, &CorruptionError{FileNo: fileNo, PageNo: pageNo, Msg: "page checksum mismatch"}
		}
	}
	return true, nil
}

// PageID identifies a page of a generation.
type PageID struct {
	FileNo uint64
	PageNo uint32
}
