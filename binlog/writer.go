package binlog

import (
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/binlog/durability"
	"go.gazette.dev/binlog/fifo"
	"go.gazette.dev/binlog/gtid"
	"go.gazette.dev/binlog/lifecycle"
	"go.gazette.dev/binlog/metrics"
	"go.gazette.dev/binlog/protocol"
	"go.gazette.dev/binlog/redo"
)

// ChunkData is a source of the bytes of a record.
type ChunkData interface {
	// CopyData copies the next bytes of the record into |dst|, returning the
	// number of bytes copied and whether they're the final bytes of the record.
	CopyData(dst []byte) (n int, last bool)
}

// BytesData is a ChunkData of a byte slice.
type BytesData []byte

// CopyData implements ChunkData.
func (b *BytesData) CopyData(dst []byte) (int, bool) {
	var n = copy(dst, *b)
	*b = (*b)[n:]
	return n, len(*b) == 0
}

// Writer appends records to the log as sequences of chunks. It maintains the
// write position, and rotates to the next generation as each fills.
// Writer is not safe for concurrent use: Store serializes its writes.
type Writer struct {
	shift    uint32
	pageSize int
	dataEnd  int
	interval uint64 // Pages between differential states.

	fifo  *fifo.FIFO
	mgr   *lifecycle.Manager
	dur   *durability.Tracker
	gtids gtid.Tracker

	fileNo uint64
	pageNo uint32
	offset int
	// Size of generation |fileNo|, and of new generations, in pages.
	size    uint32
	cfgSize uint32
	// Whether page |pageNo| has been created.
	created bool
	// Latched page |pageNo|, if it's been acquired.
	page *fifo.Page
	// Set while a GTID state is injected into the log.
	injecting bool
	// Sticky error, set when a record is left partially written.
	err error
	buf []byte
}

func newWriter(cfg Config, f *fifo.FIFO, mgr *lifecycle.Manager, dur *durability.Tracker,
	gtids gtid.Tracker) *Writer {

	var pageSize = protocol.PageSize(cfg.PageSizeShift)
	return &Writer{
		shift:    cfg.PageSizeShift,
		pageSize: pageSize,
		dataEnd:  protocol.PageDataEnd(pageSize),
		interval: cfg.stateIntervalPages(),
		fifo:     f,
		mgr:      mgr,
		dur:      dur,
		gtids:    gtids,
		size:     cfg.sizeInPages(),
		cfgSize:  cfg.sizeInPages(),
		buf:      make([]byte, pageSize),
	}
}

// setPosition of the next write, as recovered at startup.
func (w *Writer) setPosition(fileNo uint64, pageNo uint32, offset int, size uint32) {
	w.fileNo, w.pageNo, w.offset, w.size = fileNo, pageNo, offset, size
	w.created, w.page, w.err = offset != 0, nil, nil
}

// Position returns the generation and offset of the next write.
func (w *Writer) Position() (fileNo, offset uint64) {
	return w.fileNo, w.genOffset()
}

func (w *Writer) genOffset() uint64 {
	return uint64(w.pageNo)<<w.shift + uint64(w.offset)
}

// WriteRecord appends a record of |typ| having the content of |data|,
// logging all written bytes to |txn|. It returns the generation and offset
// at which the record begins. If |typ| is ChunkFiller, no record is written
// but the log is advanced to a new page (and generation, if the current one
// is full) as though one were.
//
// Bytes of the record are visible to non-durable readers only once
// WriteRecord returns. If WriteRecord fails after writing part of a record,
// the Writer fails all further writes.
func (w *Writer) WriteRecord(txn redo.Txn, data ChunkData, typ protocol.ChunkType) (uint64, uint64, error) {
	if w.err != nil {
		return 0, 0, w.err
	}
	var startFileNo, startOffset, n, err = w.writeChunks(txn, data, typ)

	if w.page != nil {
		w.fifo.ReleaseWithTxn(w.page, txn)
		w.page = nil
	}
	if err != nil {
		if n != 0 {
			w.err = errors.WithMessage(err, "record was partially written")
		}
		return 0, 0, err
	}
	w.dur.SetWritten(w.fileNo, w.genOffset())

	if typ != protocol.ChunkFiller {
		metrics.BinlogRecordsWrittenTotal.WithLabelValues(typ.String()).Inc()
	}
	return startFileNo, startOffset, nil
}

// writeChunks writes the chunks of a record, returning its start and the
// number of chunks written.
func (w *Writer) writeChunks(txn redo.Txn, data ChunkData, typ protocol.ChunkType) (uint64, uint64, int, error) {
	var startFileNo, startOffset uint64
	var chunks int

	for {
		if w.page == nil {
			if err := w.acquirePage(txn); err != nil {
				return 0, 0, chunks, err
			}
			continue // acquirePage may have filled the page.
		}
		if typ == protocol.ChunkFiller {
			return w.fileNo, w.genOffset(), 0, nil
		}

		var remaining = w.dataEnd - w.offset
		if remaining < protocol.MinChunkSpace {
			w.padPage(txn)
			continue
		}

		var chunk = w.buf[:remaining]
		var n, last = data.CopyData(chunk[protocol.ChunkHeaderSize:])

		var ct = typ
		if chunks != 0 {
			ct |= protocol.ChunkCont
		} else {
			startFileNo, startOffset = w.fileNo, w.genOffset()
		}
		if last {
			ct |= protocol.ChunkLast
		}
		protocol.PutChunkHeader(chunk, ct, n)
		w.write(txn, chunk[:protocol.ChunkHeaderSize+n])
		chunks++

		if last {
			return startFileNo, startOffset, chunks, nil
		}
	}
}

// write |b| at the current offset, releasing the page if it's filled.
func (w *Writer) write(txn redo.Txn, b []byte) {
	w.page.LogWrite(txn, w.offset, b)
	w.offset += len(b)
	metrics.BinlogBytesWrittenTotal.Add(float64(len(b)))

	if w.offset == w.dataEnd {
		w.fifo.ReleaseWithTxn(w.page, txn)
		w.page, w.offset, w.created = nil, 0, false
		w.pageNo++
	}
}

// padPage fills the remainder of the current page with ChunkFiller bytes.
func (w *Writer) padPage(txn redo.Txn) {
	var pad = w.buf[:w.dataEnd-w.offset]
	for i := range pad {
		pad[i] = byte(protocol.ChunkFiller)
	}
	w.write(txn, pad)
}

// FillPage completes the current page with a ChunkDummy record, if the
// page has been started. A remainder too small to hold a chunk is padded.
func (w *Writer) FillPage(txn redo.Txn) error {
	if w.err != nil {
		return w.err
	} else if w.offset == 0 && !w.created {
		return nil
	}
	if w.page == nil {
		if err := w.acquirePage(txn); err != nil {
			return err
		}
	}
	if remaining := w.dataEnd - w.offset; remaining < protocol.MinChunkSpace {
		w.padPage(txn)
	} else {
		var chunk = w.buf[:remaining]
		clear(chunk)
		protocol.PutChunkHeader(chunk, protocol.ChunkDummy|protocol.ChunkLast, remaining-protocol.ChunkHeaderSize)
		w.write(txn, chunk)
	}
	w.dur.SetWritten(w.fileNo, w.genOffset())
	return nil
}

// Truncate the current generation at the current page, which must begin
// a page. Subsequent writes rotate to the next generation.
func (w *Writer) Truncate() error {
	if w.offset != 0 || w.created {
		return errors.Errorf("truncation at %d:%d+%d is not at a page boundary", w.fileNo, w.pageNo, w.offset)
	} else if w.pageNo >= w.size {
		return nil // Already full.
	} else if w.pageNo == 0 {
		return nil // Not yet activated.
	}
	if err := w.fifo.TruncateFileSize(w.fileNo, w.pageNo); err != nil {
		return err
	}
	w.size = w.pageNo
	return nil
}

// acquirePage latches the page at the current position, creating it if
// the position begins a page. A new page of a new generation may first
// require rotation and a header. A new page may also begin with a GTID state.
func (w *Writer) acquirePage(txn redo.Txn) error {
	if w.created {
		if w.page = w.fifo.GetPage(w.fileNo, w.pageNo); w.page == nil {
			protocol.Violation(log.Fields{"fileNo": w.fileNo, "pageNo": w.pageNo},
				"partially written page is not buffered")
			return errors.Errorf("page %d of generation %d is not buffered", w.pageNo, w.fileNo)
		}
		return nil
	}

	if w.pageNo >= w.size {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	if w.pageNo == 0 {
		if err := w.writeHeader(txn); err != nil {
			return err
		}
	}

	var page, err = w.fifo.CreatePage(w.fileNo, w.pageNo)
	if err != nil {
		return err
	}
	w.page, w.created = page, true

	if w.injecting {
		return nil
	} else if w.pageNo == 1 {
		var state = w.gtids.Snapshot()
		// The first state of the log omits a sole, first GTID so that the
		// log start is reachable by GTID position search.
		if w.fileNo == 0 && state.Len() == 1 && state.GTIDs()[0].SeqNo == 1 {
			state = gtid.State{}
		}
		var b = protocol.AppendVarint(nil, w.interval)
		return w.injectState(txn, state.AppendTo(b))
	} else if w.interval != 0 && uint64(w.pageNo)%w.interval == 0 {
		var b = w.gtids.DiffSnapshot().AppendTo(nil)
		// Differential states are skipped if they'd leave no room for data.
		if protocol.ChunkHeaderSize+len(b)+protocol.MinChunkSpace <= w.dataEnd {
			return w.injectState(txn, b)
		}
	}
	return nil
}

func (w *Writer) injectState(txn redo.Txn, b []byte) error {
	w.injecting = true
	defer func() { w.injecting = false }()

	var data = BytesData(b)
	var _, _, _, err = w.writeChunks(txn, &data, protocol.ChunkGTIDState)
	return err
}

// rotate to the next generation, waiting for it to be created.
func (w *Writer) rotate() error {
	var next = w.fileNo + 1
	if err := w.mgr.WaitCreated(next); err != nil {
		return err
	}
	w.dur.SetWritten(w.fileNo, uint64(w.size)<<w.shift)

	w.fileNo, w.pageNo, w.offset, w.size = next, 0, 0, w.cfgSize
	w.dur.Start(next, 0)
	return nil
}

// writeHeader activates the current generation, and writes its header page.
func (w *Writer) writeHeader(txn redo.Txn) error {
	var hdr = w.mgr.Activate(w.fileNo)

	var page, err = w.fifo.CreatePage(w.fileNo, 0)
	if err != nil {
		return err
	}
	hdr.MarshalTo(w.buf)
	page.LogWrite(txn, 0, w.buf[:protocol.HeaderBlockSize])
	page.Complete()
	w.fifo.ReleaseWithTxn(page, txn)

	w.pageNo = 1

	log.WithFields(log.Fields{
		"fileNo":   hdr.FileNo,
		"startLSN": hdr.StartLSN,
		"oobRef":   hdr.OOBRefFileNo,
		"xaRef":    hdr.XARefFileNo,
	}).Info("activated binlog generation")
	return nil
}
