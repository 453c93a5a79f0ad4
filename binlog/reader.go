package binlog

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.gazette.dev/binlog/durability"
	"go.gazette.dev/binlog/lifecycle"
	"go.gazette.dev/binlog/metrics"
	"go.gazette.dev/binlog/protocol"
)

// ChunkReader reads records of the log. Pages of the two newest generations
// are read from the page FIFO of a live Store while they're buffered, and
// other pages are read from generation files.
//
// ReadData returns io.EOF when no further data is available. The reader may
// be polled thereafter, as a live log is appended to.
type ChunkReader struct {
	fs       afero.Fs
	dir      string
	shift    uint32
	pageSize int
	dataEnd  int
	// Live Store, or nil if reading files only.
	store       *Store
	waitDurable bool

	pos         protocol.Position
	saved       protocol.Position
	skipPartial bool
	// Generation and offset of the first chunk of the current record.
	recFileNo, recOffset uint64
	// Generation of |pos|, read by the Store when purging.
	posFileNo atomic.Uint64

	page       []byte
	pageLoaded bool
	pageID     protocol.PageID
	// Readable end of the loaded page.
	pageEnd int
	source  string

	file      afero.File
	fileNo    uint64
	onRelease func()
}

// NewFileReader returns a ChunkReader of the generation files of |dir|,
// which is not backed by a live Store.
func NewFileReader(fs afero.Fs, dir string, pageSizeShift uint32) *ChunkReader {
	return newChunkReader(fs, dir, pageSizeShift, nil, false)
}

func newChunkReader(fs afero.Fs, dir string, shift uint32, store *Store, waitDurable bool) *ChunkReader {
	var pageSize = protocol.PageSize(shift)
	return &ChunkReader{
		fs:          fs,
		dir:         dir,
		shift:       shift,
		pageSize:    pageSize,
		dataEnd:     protocol.PageDataEnd(pageSize),
		store:       store,
		waitDurable: waitDurable,
		pos:         protocol.Position{PageNo: 1},
		page:        make([]byte, pageSize),
	}
}

// Seek to |offset| of generation |fileNo|, which must be a chunk header.
// Offsets within the header page are taken as the start of the generation.
func (r *ChunkReader) Seek(fileNo, offset uint64) {
	var pos = protocol.NewPosition(fileNo, offset, r.shift)
	if pos.PageNo == 0 {
		pos.PageNo, pos.InPageOffset = 1, 0
	}
	r.SetPosition(pos)
}

// Position returns the current Position of the reader.
func (r *ChunkReader) Position() protocol.Position { return r.pos }

// SetPosition restores a Position previously returned by Position.
func (r *ChunkReader) SetPosition(pos protocol.Position) {
	r.setPos(pos)
	r.pageLoaded = false
}

func (r *ChunkReader) setPos(pos protocol.Position) {
	r.pos = pos
	r.posFileNo.Store(pos.FileNo)
}

// RecordStart returns the generation and offset of the current record.
func (r *ChunkReader) RecordStart() (fileNo, offset uint64) { return r.recFileNo, r.recOffset }

// SavePos saves the current Position, to be restored by RestorePos.
func (r *ChunkReader) SavePos() { r.saved = r.pos }

// RestorePos restores the Position saved by SavePos.
func (r *ChunkReader) RestorePos() { r.SetPosition(r.saved) }

// SkipPartial sets whether continuation chunks of a record begun before
// the current position are skipped, rather than treated as corruption.
// It's used when seeking to a position which may be mid-record. Skipping
// ends at the first record start, other than that of a nested record.
func (r *ChunkReader) SkipPartial(skip bool) { r.skipPartial = skip }

// SkipCurrent skips the remainder of the current record.
func (r *ChunkReader) SkipCurrent() {
	r.pos.ChunkReadOffset = r.pos.ChunkLen
	if r.pos.InRecord {
		r.pos.SkipCurrent = true
	}
}

// CurType returns the base type of the current (or just completed) record.
func (r *ChunkReader) CurType() protocol.ChunkType { return r.pos.ChunkType.Base() }

// EndOfRecord returns whether all bytes of the current record have been read.
func (r *ChunkReader) EndOfRecord() bool {
	return r.pos.ChunkType != protocol.ChunkEmpty && r.pos.ChunkType.IsLast() &&
		r.pos.ChunkReadOffset == r.pos.ChunkLen
}

// ReadData reads bytes of a record into |buf|. If a record has been
// completely read, the next record is begun. Bytes of multiple records
// are never returned by one call: check EndOfRecord after each call.
// Unless |multipage|, reading stops at the end of the current page.
//
// ReadData returns io.EOF if no bytes are available at the current position.
// If another error is returned, the Position of the reader is unchanged.
func (r *ChunkReader) ReadData(buf []byte, multipage bool) (int, error) {
	var n int
	var startPos = r.pos

	for n != len(buf) {
		if r.pos.ChunkType != protocol.ChunkEmpty && r.pos.ChunkReadOffset != r.pos.ChunkLen {
			if err := r.loadChunkPage(); err != nil {
				r.setPos(startPos)
				return 0, err
			}
			var from = int(r.pos.InPageOffset) + protocol.ChunkHeaderSize + int(r.pos.ChunkReadOffset)
			var to = int(r.pos.InPageOffset) + protocol.ChunkHeaderSize + int(r.pos.ChunkLen)
			var c = copy(buf[n:], r.page[from:to])

			r.pos.ChunkReadOffset += uint32(c)
			n += c
			continue
		} else if n != 0 && (r.EndOfRecord() || !multipage && r.nextChunkLeavesPage()) {
			break
		}

		if err := r.nextChunk(); err == io.EOF && n != 0 {
			break
		} else if err == io.EOF {
			return 0, err
		} else if err != nil {
			r.setPos(startPos)
			return 0, err
		}
	}
	if n != 0 && r.store != nil {
		metrics.BinlogReadBytesTotal.WithLabelValues(r.source).Add(float64(n))
	}
	return n, nil
}

// ReadRecord reads the next complete record, appending it to |b|. If the
// end of readable data is reached before the record is complete, the
// reader is returned to the record start and a CorruptionError is returned.
func (r *ChunkReader) ReadRecord(b []byte) (protocol.ChunkType, []byte, error) {
	if !r.EndOfRecord() && r.pos.InRecord {
		r.SkipCurrent()
	}
	var startPos = r.pos
	var begun bool

	for {
		if len(b) == cap(b) {
			b = append(b, make([]byte, r.pageSize)...)[:len(b)]
		}
		var n, err = r.ReadData(b[len(b):cap(b)], true)
		b = b[:len(b)+n]

		if err == io.EOF && begun {
			r.setPos(startPos)
			return r.CurType(), b, &protocol.CorruptionError{FileNo: r.pos.FileNo, PageNo: r.pos.PageNo,
				Msg: "record is missing its LAST chunk"}
		} else if err != nil {
			return r.CurType(), b, err
		} else if r.EndOfRecord() {
			return r.CurType(), b, nil
		}
		begun = true
	}
}

// DataAvailable returns whether further bytes may be read without waiting
// for the log to be appended to.
func (r *ChunkReader) DataAvailable() bool {
	if r.pos.ChunkType != protocol.ChunkEmpty && r.pos.ChunkReadOffset != r.pos.ChunkLen {
		return true
	}
	var pos, skip = r.pos, r.skipPartial
	var recFileNo, recOffset = r.recFileNo, r.recOffset

	var err = r.nextChunk()
	r.setPos(pos)
	r.skipPartial, r.recFileNo, r.recOffset = skip, recFileNo, recOffset
	return err == nil
}

// Release resources held by the reader. If |fileEOF|, the reader also
// forgets its loaded page, and reloads it on next use.
func (r *ChunkReader) Release(fileEOF bool) {
	if r.file != nil {
		_ = r.file.Close()
		r.file = nil
	}
	if fileEOF {
		r.pageLoaded = false
	}
}

// Close the reader.
func (r *ChunkReader) Close() error {
	r.Release(true)
	if r.onRelease != nil {
		r.onRelease()
		r.onRelease = nil
	}
	return nil
}

// nextChunkLeavesPage returns whether the chunk following the current one
// is on another page.
func (r *ChunkReader) nextChunkLeavesPage() bool {
	var off = int(r.pos.InPageOffset)
	if r.pos.ChunkType != protocol.ChunkEmpty {
		off += protocol.ChunkHeaderSize + int(r.pos.ChunkLen)
	}
	return r.dataEnd-off < protocol.MinChunkSpace
}

// nextChunk advances to the next chunk of the current record, or the start
// of the next record, skipping padding, nested records and (if requested)
// record continuations. The Position is updated only if a chunk is found.
func (r *ChunkReader) nextChunk() error {
	var (
		fileNo   = r.pos.FileNo
		pageNo   = r.pos.PageNo
		off      = int(r.pos.InPageOffset)
		inRecord = r.pos.InRecord
		skipCur  = r.pos.SkipCurrent
		recType  = r.pos.ChunkType.Base()
		skipPart = r.skipPartial
		started  bool
	)
	if r.pos.ChunkType != protocol.ChunkEmpty {
		off += protocol.ChunkHeaderSize + int(r.pos.ChunkLen)
	}

	for {
		if r.dataEnd-off < protocol.MinChunkSpace {
			pageNo, off = pageNo+1, 0
		}
		if nextFile, err := r.loadPage(fileNo, pageNo, off); err != nil {
			return err
		} else if nextFile {
			fileNo, pageNo, off = fileNo+1, 1, 0
			continue
		}

		var typ, length = protocol.ParseChunkHeader(r.page[off:])
		var base = typ.Base()
		var next = off + protocol.ChunkHeaderSize + length

		var corrupt = func(format string, args ...interface{}) error {
			var err = &protocol.CorruptionError{
				FileNo: fileNo,
				PageNo: pageNo,
				Msg:    fmt.Sprintf(format, args...) + fmt.Sprintf(" (offset %d)", off),
			}
			metrics.BinlogCorruptionErrorsTotal.Inc()
			log.WithField("err", err).Error("failed to read binlog")
			return err
		}

		switch {
		case typ == protocol.ChunkEmpty:
			if r.pageEnd != r.dataEnd {
				return corrupt("unwritten bytes below the end of written data")
			}
			return io.EOF // End of the log.
		case typ == protocol.ChunkFiller:
			off = r.dataEnd
			continue
		case next > r.dataEnd:
			return corrupt("chunk of length %d overruns its page", length)
		case next > r.pageEnd:
			return io.EOF // Not yet readable.
		case inRecord && base != recType:
			if !base.AllowedNested() {
				return corrupt("chunk %s within a record of type %s", typ, recType)
			}
			off = next // Skip a nested record.
			continue
		case inRecord && !typ.IsCont():
			return corrupt("record start %s within a record of type %s", typ, recType)
		case !inRecord && typ.IsCont():
			if !skipPart {
				return corrupt("continuation %s without a record start", typ)
			}
			off = next
			continue
		case !inRecord && base == protocol.ChunkDummy:
			off = next
			continue
		}

		if !inRecord {
			inRecord, recType, started = true, base, true
			if !base.AllowedNested() {
				skipPart = false
			}
		}
		if typ.IsLast() {
			inRecord = false
		}
		if skipCur {
			skipCur = inRecord
			off = next
			continue
		}

		r.setPos(protocol.Position{
			FileNo:       fileNo,
			PageNo:       pageNo,
			InPageOffset: uint32(off),
			ChunkLen:     uint32(length),
			ChunkType:    typ,
			InRecord:     inRecord,
		})
		r.skipPartial = skipPart
		if started {
			r.recFileNo, r.recOffset = fileNo, uint64(pageNo)<<r.shift+uint64(off)
		}
		return nil
	}
}

// loadChunkPage ensures the page of the current chunk is loaded.
func (r *ChunkReader) loadChunkPage() error {
	var end = int(r.pos.InPageOffset) + protocol.ChunkHeaderSize + int(r.pos.ChunkLen)
	var id = protocol.PageID{FileNo: r.pos.FileNo, PageNo: r.pos.PageNo}

	if r.pageLoaded && r.pageID == id && end <= r.pageEnd {
		return nil
	}
	var nextFile, err = r.loadPage(r.pos.FileNo, r.pos.PageNo, int(r.pos.InPageOffset))
	if err == io.EOF || err == nil && (nextFile || end > r.pageEnd) {
		err = &protocol.CorruptionError{FileNo: r.pos.FileNo, PageNo: r.pos.PageNo,
			Msg: "chunk of the reader position is not readable"}
	}
	return err
}

// loadPage loads page |pageNo| of |fileNo| such that bytes at |off| are
// readable, if they've been written. It returns |nextFile| if the
// generation has no further pages, and the next generation should be read.
// io.EOF is returned if the bytes at |off| are not yet readable.
func (r *ChunkReader) loadPage(fileNo uint64, pageNo uint32, off int) (nextFile bool, err error) {
	if r.pageLoaded && r.pageID == (protocol.PageID{FileNo: fileNo, PageNo: pageNo}) && off < r.pageEnd {
		return false, nil
	}
	r.pageLoaded = false

	if r.store != nil {
		var live bool
		if live, nextFile, err = r.loadLivePage(fileNo, pageNo, off); live {
			return nextFile, err
		}
	}
	return r.loadFilePage(fileNo, pageNo)
}

// loadLivePage loads a page of the live window of the Store. Unless
// it returns |live|, the page is instead read from its file.
func (r *ChunkReader) loadLivePage(fileNo uint64, pageNo uint32, off int) (live, nextFile bool, err error) {
	var state = r.store.mgr.State()

	for {
		var active = state.Active()
		if active == lifecycle.NoFile || fileNo > active {
			return true, false, io.EOF
		} else if fileNo+1 < active {
			return false, false, nil // Closed, or soon to be.
		}

		var written = r.store.dur.Written(fileNo)
		var marker = written
		if r.waitDurable {
			marker = r.store.dur.Durable(fileNo)
		}
		if marker == durability.Closed {
			return false, false, nil
		}

		var pageStart = uint64(pageNo) << r.shift
		if pageStart+uint64(off) >= marker {
			// The written offset of a generation is final once its successor is active.
			if fileNo < active && marker == written {
				return true, true, nil
			}
			return true, false, io.EOF
		}

		if p := r.store.fifo.GetPage(fileNo, pageNo); p != nil {
			p.CopyTo(r.page)
			r.store.fifo.Release(p)
			r.source = metrics.SourceFIFO
		} else if nextFile, err = r.loadFilePage(fileNo, pageNo); err != nil || nextFile {
			if err == nil || err == io.EOF {
				err = &protocol.CorruptionError{FileNo: fileNo, PageNo: pageNo,
					Msg: "evicted page is not written to its file"}
			}
			return true, false, err
		}

		// Retry if the generation left the live window while it was read,
		// as its watermarks may have been reused.
		if now := state.Active(); now != active && fileNo+1 < now {
			continue
		}
		r.pageLoaded = true
		r.pageID = protocol.PageID{FileNo: fileNo, PageNo: pageNo}
		r.pageEnd = min(int(marker-pageStart), r.dataEnd)
		return true, false, nil
	}
}

// loadFilePage reads a page from its generation file. It returns |nextFile|
// if the page is past the end of its generation, and a next generation exists.
func (r *ChunkReader) loadFilePage(fileNo uint64, pageNo uint32) (nextFile bool, err error) {
	if r.file == nil || r.fileNo != fileNo {
		r.Release(false)

		var path = filepath.Join(r.dir, protocol.FileName(fileNo))
		var file, err = r.fs.Open(path)
		if os.IsNotExist(err) {
			return false, io.EOF
		} else if err != nil {
			return false, errors.WithMessagef(err, "opening %s", path)
		}
		r.file, r.fileNo = file, fileNo
	}

	var n int
	if n, err = r.file.ReadAt(r.page, int64(pageNo)<<r.shift); n != r.pageSize {
		if err != nil && err != io.EOF {
			return false, errors.WithMessagef(err, "reading page %d of %s", pageNo, r.file.Name())
		}
		return r.hasNextFile(fileNo)
	}

	var empty bool
	if empty, err = protocol.VerifyPage(r.page, fileNo, pageNo); err != nil {
		metrics.BinlogCorruptionErrorsTotal.Inc()
		return false, err
	} else if empty {
		return r.hasNextFile(fileNo)
	}
	r.pageLoaded = true
	r.pageID = protocol.PageID{FileNo: fileNo, PageNo: pageNo}
	r.pageEnd = r.dataEnd
	r.source = metrics.SourceFile
	return false, nil
}

// hasNextFile returns whether the generation following |fileNo| exists,
// or io.EOF if it doesn't.
func (r *ChunkReader) hasNextFile(fileNo uint64) (bool, error) {
	if r.store != nil {
		if active := r.store.mgr.State().Active(); active != lifecycle.NoFile && fileNo < active {
			return true, nil
		}
		return false, io.EOF
	}
	var _, err = r.fs.Stat(filepath.Join(r.dir, protocol.FileName(fileNo+1)))
	if os.IsNotExist(err) {
		return false, io.EOF
	} else if err != nil {
		return false, errors.WithMessage(err, "checking for the next generation")
	}
	return true, nil
}
