package protocol

import (
	"bytes"
	"encoding/binary"
)

// Version of the generation file format written by this package.
const (
	VersionMajor = 1
	VersionMinor = 0
)

// HeaderMagic begins every generation file.
var HeaderMagic = []byte{0xfe, 0xfe, 0x0d, 0x01}

// FileHeader is written once, at page zero of each generation file.
type FileHeader struct {
	// Shift of the page size (page size is 1 << PageSizeShift).
	PageSizeShift uint32
	VersionMajor  uint32
	VersionMinor  uint32
	// Generation number of the file.
	FileNo uint64
	// Number of pages allocated to the generation at its creation.
	PageCount uint64
	// Redo LSN at the generation's creation. Redo records of the generation
	// all have LSNs at or above StartLSN.
	StartLSN uint64
	// Pages between differential GTID state records. Zero if disabled.
	DiffStateInterval uint64
	// Earliest generation still referenced by out-of-band data, at creation.
	OOBRefFileNo uint64
	// Earliest generation still referenced by an in-doubt XA branch, at creation.
	XARefFileNo uint64
}

const (
	hdrPageSizeShift = 4
	hdrVersionMajor  = 8
	hdrVersionMinor  = 12
	hdrFileNo        = 16
	hdrPageCount     = 24
	hdrStartLSN      = 32
	hdrDiffInterval  = 40
	hdrOOBRefFileNo  = 48
	hdrXARefFileNo   = 56
	hdrChecksum      = HeaderBlockSize - 4
)

// Validate returns an error if the FileHeader is not well-formed.
func (h *FileHeader) Validate() error {
	if h.PageSizeShift < MinPageSizeShift || h.PageSizeShift > MaxPageSizeShift {
		return NewValidationError("invalid PageSizeShift (%d; expected %d <= shift <= %d)",
			h.PageSizeShift, MinPageSizeShift, MaxPageSizeShift)
	} else if h.VersionMajor != VersionMajor {
		return NewValidationError("unsupported VersionMajor (%d; expected %d)", h.VersionMajor, VersionMajor)
	} else if h.PageCount < 2 {
		return NewValidationError("invalid PageCount (%d; expected >= 2)", h.PageCount)
	} else if h.DiffStateInterval&(h.DiffStateInterval-1) != 0 {
		return NewValidationError("DiffStateInterval is not a power of two (%d)", h.DiffStateInterval)
	} else if h.OOBRefFileNo > h.FileNo || h.XARefFileNo > h.FileNo {
		return NewValidationError("reference file numbers (%d, %d) exceed FileNo %d",
			h.OOBRefFileNo, h.XARefFileNo, h.FileNo)
	}
	return nil
}

// MarshalTo encodes the FileHeader block into the front of |page|, which
// must be at least HeaderBlockSize. The remainder of the block is zeroed.
func (h *FileHeader) MarshalTo(page []byte) {
	var b = page[:HeaderBlockSize]
	for i := range b {
		b[i] = 0
	}
	copy(b, HeaderMagic)
	binary.LittleEndian.PutUint32(b[hdrPageSizeShift:], h.PageSizeShift)
	binary.LittleEndian.PutUint32(b[hdrVersionMajor:], h.VersionMajor)
	binary.LittleEndian.PutUint32(b[hdrVersionMinor:], h.VersionMinor)
	binary.LittleEndian.PutUint64(b[hdrFileNo:], h.FileNo)
	binary.LittleEndian.PutUint64(b[hdrPageCount:], h.PageCount)
	binary.LittleEndian.PutUint64(b[hdrStartLSN:], h.StartLSN)
	binary.LittleEndian.PutUint64(b[hdrDiffInterval:], h.DiffStateInterval)
	binary.LittleEndian.PutUint64(b[hdrOOBRefFileNo:], h.OOBRefFileNo)
	binary.LittleEndian.PutUint64(b[hdrXARefFileNo:], h.XARefFileNo)
	binary.LittleEndian.PutUint32(b[hdrChecksum:], Checksum(b[:hdrChecksum]))
}

// ParseFileHeader decodes and verifies the FileHeader block at the front
// of |page|, which is page zero of generation |fileNo|.
func ParseFileHeader(page []byte, fileNo uint64) (FileHeader, error) {
	var h FileHeader

	if len(page) < HeaderBlockSize {
		return h, &CorruptionError{FileNo: fileNo, Msg: "short header page"}
	}
	var b = page[:HeaderBlockSize]

	if !bytes.Equal(b[:len(HeaderMagic)], HeaderMagic) {
		return h, &CorruptionError{FileNo: fileNo, Msg: "invalid header magic"}
	} else if binary.LittleEndian.Uint32(b[hdrChecksum:]) != Checksum(b[:hdrChecksum]) {
		return h, &CorruptionError{FileNo: fileNo, Msg: "header checksum mismatch"}
	}

	h.PageSizeShift = binary.LittleEndian.Uint32(b[hdrPageSizeShift:])
	h.VersionMajor = binary.LittleEndian.Uint32(b[hdrVersionMajor:])
	h.VersionMinor = binary.LittleEndian.Uint32(b[hdrVersionMinor:])
	h.FileNo = binary.LittleEndian.Uint64(b[hdrFileNo:])
	h.PageCount = binary.LittleEndian.Uint64(b[hdrPageCount:])
	h.StartLSN = binary.LittleEndian.Uint64(b[hdrStartLSN:])
	h.DiffStateInterval = binary.LittleEndian.Uint64(b[hdrDiffInterval:])
	h.OOBRefFileNo = binary.LittleEndian.Uint64(b[hdrOOBRefFileNo:])
	h.XARefFileNo = binary.LittleEndian.Uint64(b[hdrXARefFileNo:])

	if h.FileNo != fileNo {
		return h, &CorruptionError{FileNo: fileNo, Msg: "header has wrong file number"}
	} else if err := h.Validate(); err != nil {
		return h, ExtendContext(err, "FileHeader")
	}
	return h, nil
}
