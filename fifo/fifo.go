package fifo

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.gazette.dev/binlog/metrics"
	"go.gazette.dev/binlog/protocol"
	"go.gazette.dev/binlog/redo"
)

// NoFile is the FirstFileNo of a FIFO having no live generations.
const NoFile = ^uint64(0)

// ErrTablespaceBusy is returned when a generation is created in a slot
// still holding unflushed pages of a prior generation.
var ErrTablespaceBusy = errors.New("generation slot still has unflushed pages")

// FIFO buffers pages of the (at most) two live generations of the log.
// Pages of each generation are held in a queue, in page order, indexed by
// the parity of the generation number. New pages are appended to the end
// of a queue, and pages are flushed to their generation file and evicted
// from the front.
//
// A single flush loop (see Serve) writes pages as they're completed, one
// page I/O at a time. The FIFO mutex is not held during page I/O.
type FIFO struct {
	fs       afero.Fs
	dir      string
	pageSize int
	maxPages int

	mu          sync.Mutex
	cond        *sync.Cond
	firstFileNo uint64
	lists       [2]pageList
	numPages    int
	flushing    bool
	stopping    bool
	scratch     []byte
	free        [][]byte
}

type pageList struct {
	fileNo uint64
	// Page number of pages[0], or of the next page to be created.
	firstPageNo uint32
	sizeInPages uint32
	pages       []*Page
	file        afero.File
}

// New returns a FIFO of generation files in |dir| of |fs|. The FIFO holds
// at most |maxPages| buffered pages: page creation blocks until pages have
// been flushed and evicted.
func New(fs afero.Fs, dir string, pageSizeShift uint32, maxPages int) *FIFO {
	if maxPages < 4 {
		maxPages = 4
	}
	var f = &FIFO{
		fs:          fs,
		dir:         dir,
		pageSize:    protocol.PageSize(pageSizeShift),
		maxPages:    maxPages,
		firstFileNo: NoFile,
	}
	f.cond = sync.NewCond(&f.mu)
	f.scratch = make([]byte, f.pageSize)
	return f
}

// list returns the live pageList of |fileNo|, or nil. f.mu must be held.
func (f *FIFO) list(fileNo uint64) *pageList {
	if f.firstFileNo == NoFile || fileNo < f.firstFileNo || fileNo > f.firstFileNo+1 {
		return nil
	}
	var l = &f.lists[fileNo&1]
	if l.fileNo != fileNo || l.sizeInPages == 0 {
		return nil
	}
	return l
}

// CreatePage appends a new, zero-filled page to the end of the queue of
// |fileNo|. The page is returned latched. |pageNo| must be the next page
// of the generation. CreatePage blocks while the FIFO is at capacity.
func (f *FIFO) CreatePage(fileNo uint64, pageNo uint32) (*Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var stalled bool
	for f.numPages >= f.maxPages && !f.stopping {
		if !stalled {
			metrics.BinlogWriterStallsTotal.WithLabelValues(metrics.StallPageSlots).Inc()
			stalled = true
		}
		f.cond.Broadcast() // Wake the flush loop.
		f.cond.Wait()
	}

	var l = f.list(fileNo)
	if l == nil {
		return nil, errors.Errorf("generation %d is not live (first live is %d)", fileNo, f.firstFileNo)
	} else if next := l.firstPageNo + uint32(len(l.pages)); pageNo != next {
		protocol.Violation(log.Fields{"fileNo": fileNo, "pageNo": pageNo, "expect": next},
			"page created out of order")
		return nil, errors.Errorf("page %d created out of order (expected %d)", pageNo, next)
	} else if pageNo >= l.sizeInPages {
		protocol.Violation(log.Fields{"fileNo": fileNo, "pageNo": pageNo, "size": l.sizeInPages},
			"page created past generation size")
		return nil, errors.Errorf("page %d is past generation size %d", pageNo, l.sizeInPages)
	}

	var p = &Page{
		id:       protocol.PageID{FileNo: fileNo, PageNo: pageNo},
		latched:  1,
		lastPage: pageNo+1 == l.sizeInPages,
		buf:      f.allocBuf(),
		state:    Dirty,
	}
	l.pages = append(l.pages, p)
	f.numPages++
	metrics.BinlogPagesBuffered.Set(float64(f.numPages))

	return p, nil
}

// GetPage returns the buffered page |pageNo| of |fileNo|, latched,
// or nil if the page is not buffered.
func (f *FIFO) GetPage(fileNo uint64, pageNo uint32) *Page {
	f.mu.Lock()
	defer f.mu.Unlock()

	var l = f.list(fileNo)
	if l == nil || pageNo < l.firstPageNo || pageNo >= l.firstPageNo+uint32(len(l.pages)) {
		return nil
	}
	var p = l.pages[pageNo-l.firstPageNo]
	p.latched++
	return p
}

// Release a latch of the page.
func (f *FIFO) Release(p *Page) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if p.latched <= 0 {
		protocol.Violation(log.Fields{"page": p.id}, "release of an unlatched page")
		return
	}
	if p.latched--; p.latched == 0 {
		f.cond.Broadcast()
	}
}

// ReleaseWithTxn releases a latch of the page, as does Release, except that
// the last page of a generation is released only once |txn| commits. A
// generation is thus never closed while a transaction which modified it is
// still uncommitted, and recovery never requires more than the two newest
// generations.
func (f *FIFO) ReleaseWithTxn(p *Page, txn redo.Txn) {
	f.mu.Lock()
	var last = p.lastPage
	f.mu.Unlock()

	if last {
		txn.OnCommit(func() { f.Release(p) })
	} else {
		f.Release(p)
	}
}

// FlushOnePage writes the first unflushed page of |fileNo|, and evicts it
// if it's complete. Unless |force|, an incomplete or latched page is not
// written, and FlushOnePage doesn't wait for it. It returns |done| when no
// further pages of the generation can be flushed.
func (f *FIFO) FlushOnePage(fileNo uint64, force bool) (done bool, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushOnePage(fileNo, force)
}

func (f *FIFO) flushOnePage(fileNo uint64, force bool) (bool, error) {
	for {
		var l = f.list(fileNo)
		if l == nil || len(l.pages) == 0 {
			return true, nil
		}
		var p = l.pages[0]
		var complete, state = p.status()

		if !complete && !force {
			return true, nil // Cannot flush past the final, incomplete page.
		} else if f.flushing || p.latched != 0 {
			// The last page of a generation may stay latched until a
			// transaction spanning into the next generation commits.
			// The flush loop moves on to that generation meanwhile.
			if !force {
				return true, nil
			}
			p.pendingFlush = true
			f.cond.Wait()
			continue
		}

		if state == Dirty || state == DirtyAgain {
			var err = f.writePage(l, p)
			if err != nil {
				return false, err
			} else if p.endFlush(true) {
				metrics.BinlogPageFlushRetriesTotal.Inc()
				continue
			}
			complete, state = p.status()
		}
		p.pendingFlush = false

		if !complete {
			return true, nil
		} else if state != Clean || p.latched != 0 {
			continue
		}

		// Evict.
		l.pages[0] = nil
		l.pages = l.pages[1:]
		l.firstPageNo++
		f.freeBuf(p.buf)
		f.numPages--
		metrics.BinlogPagesBuffered.Set(float64(f.numPages))
		f.cond.Broadcast()

		return len(l.pages) == 0, nil
	}
}

// writePage writes |p| to its generation file. f.mu must be held, and is
// released during the I/O.
func (f *FIFO) writePage(l *pageList, p *Page) error {
	var file, err = f.openFile(l)
	if err != nil {
		return err
	}

	f.flushing = true
	p.beginFlush(f.scratch)
	f.mu.Unlock()

	afterSnapshotHook(p)

	protocol.SealPage(f.scratch)
	var started = timeNow()
	_, err = file.WriteAt(f.scratch, int64(p.id.PageNo)*int64(f.pageSize))
	metrics.BinlogPageFlushSeconds.Observe(timeNow().Sub(started).Seconds())

	f.mu.Lock()
	f.flushing = false
	f.cond.Broadcast()

	if err != nil {
		p.endFlush(false)
		return errors.WithMessagef(err, "writing page %d of %s", p.id.PageNo, file.Name())
	}
	metrics.BinlogPagesFlushedTotal.Inc()
	return nil
}

// FlushUpTo writes all pages of |fileNo| through |pageNo|, including a final
// incomplete page. Pages of a prior live generation are flushed first.
func (f *FIFO) FlushUpTo(fileNo uint64, pageNo uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for {
		if f.firstFileNo == NoFile || fileNo < f.firstFileNo || fileNo > f.firstFileNo+1 {
			return nil
		}
		var l = &f.lists[fileNo&1]
		if fileNo == f.firstFileNo && l.firstPageNo > pageNo {
			return nil
		}
		var target = fileNo
		if prior := &f.lists[(fileNo-1)&1]; fileNo == f.firstFileNo+1 && len(prior.pages) != 0 {
			target = fileNo - 1
		}
		if done, err := f.flushOnePage(target, true); err != nil {
			return err
		} else if done && target == fileNo {
			return nil
		} else if done && len(f.lists[target&1].pages) != 0 {
			// The prior generation ends with an incomplete (but flushed)
			// page, which is dropped when that generation is released.
			return f.flushRemaining(fileNo)
		}
	}
}

func remainingFlushed(l *pageList) bool {
	if len(l.pages) != 1 {
		return false
	}
	var complete, state = l.pages[0].status()
	return !complete && state == Clean
}

// flushRemaining flushes |fileNo| without first draining its predecessor.
// f.mu must be held.
func (f *FIFO) flushRemaining(fileNo uint64) error {
	for {
		if done, err := f.flushOnePage(fileNo, true); err != nil || done {
			return err
		}
	}
}

// Fdatasync syncs the file of live generation |fileNo|.
// Generations older than the live window are already synced.
func (f *FIFO) Fdatasync(fileNo uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var l = f.list(fileNo)
	if l == nil || l.file == nil {
		return nil
	}
	return f.syncFile(l.file)
}

// syncFile syncs |file| while holding the flushing flag.
// f.mu must be held, and is released during the I/O.
func (f *FIFO) syncFile(file afero.File) error {
	for f.flushing {
		f.cond.Wait()
	}
	f.flushing = true
	f.mu.Unlock()

	var err = file.Sync()

	f.mu.Lock()
	f.flushing = false
	f.cond.Broadcast()

	if err != nil {
		metrics.BinlogFsyncsTotal.WithLabelValues(metrics.Fail).Inc()
		return errors.WithMessagef(err, "syncing %s", file.Name())
	}
	metrics.BinlogFsyncsTotal.WithLabelValues(metrics.Ok).Inc()
	return nil
}

// CreateTablespace makes generation |fileNo| live, having |sizeInPages|.
// Creating fileNo+1 of a live fileNo is always permitted. Creating fileNo+2
// requires that fileNo has been fully flushed.
//
// When reopening an existing generation at startup, |initPage| is the next
// page to be written (otherwise it's zero). If |partialPage| is non-nil, it
// holds the prefix of bytes already written to |initPage|, which is then
// buffered as a Clean and incomplete page.
func (f *FIFO) CreateTablespace(fileNo uint64, sizeInPages, initPage uint32, partialPage []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var l = &f.lists[fileNo&1]

	switch {
	case f.firstFileNo == NoFile:
		f.firstFileNo = fileNo
	case fileNo == f.firstFileNo+1:
	case fileNo+1 == f.firstFileNo && initPage != 0 && len(f.lists[f.firstFileNo&1].pages) == 0:
		// At startup, the partial generation N-1 may be opened after an empty N.
		f.firstFileNo = fileNo
	case fileNo == f.firstFileNo+2:
		if len(l.pages) != 0 {
			return ErrTablespaceBusy
		}
		if l.file != nil {
			_ = l.file.Close()
		}
		f.firstFileNo = fileNo - 1
	default:
		return protocol.NewValidationError("generation %d cannot be made live (first live is %d)",
			fileNo, f.firstFileNo)
	}

	*l = pageList{fileNo: fileNo, firstPageNo: initPage, sizeInPages: sizeInPages}

	if partialPage != nil {
		var p = &Page{
			id:       protocol.PageID{FileNo: fileNo, PageNo: initPage},
			lastPage: initPage+1 == sizeInPages,
			buf:      f.allocBuf(),
			end:      len(partialPage),
			state:    Clean,
		}
		copy(p.buf, partialPage)
		l.pages = append(l.pages, p)
		f.numPages++
	}
	return nil
}

// ReleaseTablespace syncs and closes the first live generation |fileNo|,
// which must be fully flushed. The next generation becomes the first live one.
func (f *FIFO) ReleaseTablespace(fileNo uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fileNo != f.firstFileNo {
		protocol.Violation(log.Fields{"fileNo": fileNo, "first": f.firstFileNo},
			"release of a generation which is not first")
		return errors.Errorf("generation %d is not the first live generation (%d)", fileNo, f.firstFileNo)
	}
	var l = &f.lists[fileNo&1]

	if len(l.pages) > 1 || (len(l.pages) == 1 && !remainingFlushed(l)) {
		protocol.Violation(log.Fields{"fileNo": fileNo, "pages": len(l.pages)},
			"release of a generation with unflushed pages")
		return errors.Errorf("generation %d has %d unflushed pages", fileNo, len(l.pages))
	}

	if l.file != nil {
		var err = f.syncFile(l.file)
		if closeErr := l.file.Close(); err == nil && closeErr != nil {
			err = errors.WithMessage(closeErr, "closing generation file")
		}
		if err != nil {
			return err
		}
	}
	for _, p := range l.pages {
		f.freeBuf(p.buf)
		f.numPages--
	}
	metrics.BinlogPagesBuffered.Set(float64(f.numPages))

	*l = pageList{}
	f.firstFileNo = fileNo + 1
	f.cond.Broadcast()
	return nil
}

// TruncateFileSize shrinks live generation |fileNo| to |sizeInPages|, which
// must not truncate buffered pages.
func (f *FIFO) TruncateFileSize(fileNo uint64, sizeInPages uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var l = f.list(fileNo)
	if l == nil {
		return errors.Errorf("generation %d is not live", fileNo)
	} else if next := l.firstPageNo + uint32(len(l.pages)); sizeInPages < next {
		protocol.Violation(log.Fields{"fileNo": fileNo, "size": sizeInPages, "next": next},
			"truncation of buffered pages")
		return errors.Errorf("cannot truncate generation %d to %d pages (%d are written)", fileNo, sizeInPages, next)
	}
	var file, err = f.openFile(l)
	if err != nil {
		return err
	} else if err = file.Truncate(int64(sizeInPages) * int64(f.pageSize)); err != nil {
		return errors.WithMessagef(err, "truncating %s", file.Name())
	}
	l.sizeInPages = sizeInPages
	if n := len(l.pages); n != 0 && l.pages[n-1].id.PageNo+1 == sizeInPages {
		l.pages[n-1].lastPage = true
	}
	return f.syncFile(file)
}

// SizeInPages returns the size of live generation |fileNo|, or zero if
// the generation is not live.
func (f *FIFO) SizeInPages(fileNo uint64) uint32 {
	f.mu.Lock()
	defer f.mu.Unlock()

	if l := f.list(fileNo); l != nil {
		return l.sizeInPages
	}
	return 0
}

// FirstFileNo returns the first live generation, or NoFile.
func (f *FIFO) FirstFileNo() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.firstFileNo
}

// NumPages returns the number of buffered pages.
func (f *FIFO) NumPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numPages
}

// Reset drops all buffered pages and closes generation files, once any
// in-progress page I/O completes.
func (f *FIFO) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()

	for f.flushing {
		f.cond.Wait()
	}
	for i := range f.lists {
		var l = &f.lists[i]
		if l.file != nil {
			_ = l.file.Close()
		}
		for _, p := range l.pages {
			f.freeBuf(p.buf)
		}
		*l = pageList{}
	}
	f.numPages = 0
	f.firstFileNo = NoFile
	metrics.BinlogPagesBuffered.Set(0)
	f.cond.Broadcast()
}

// Serve runs the flush loop until |ctx| is cancelled. The loop flushes
// complete pages of the first live generation and then of the second,
// in page order, and otherwise waits for pages to be completed. A latched
// page of the first generation doesn't hold up the second.
func (f *FIFO) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		f.mu.Lock()
		f.stopping = true
		f.cond.Broadcast()
		f.mu.Unlock()
	}()

	f.mu.Lock()
	defer f.mu.Unlock()

	for !f.stopping {
		var first = f.firstFileNo
		var allFlushed = true
		var err error

		if first != NoFile {
			allFlushed, err = f.flushOnePage(first, false)
			// flushOnePage may release f.mu. Guard against a concurrent Reset.
			if err == nil && allFlushed && f.firstFileNo != NoFile && first <= f.firstFileNo {
				allFlushed, err = f.flushOnePage(first+1, false)
			}
		}
		if err != nil {
			log.WithFields(log.Fields{"err": err, "fileNo": first}).
				Error("failed to flush binlog page (will retry)")

			f.mu.Unlock()
			select {
			case <-ctx.Done():
			case <-time.After(flushRetryInterval):
			}
			f.mu.Lock()
		} else if allFlushed && !f.stopping {
			f.cond.Wait()
		}
	}
	f.stopping = false
	return nil
}

// openFile returns the open file of |l|. f.mu must be held.
func (f *FIFO) openFile(l *pageList) (afero.File, error) {
	if l.file != nil {
		return l.file, nil
	}
	var path = filepath.Join(f.dir, protocol.FileName(l.fileNo))
	var file, err = f.fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening %s", path)
	}
	l.file = file
	return file, nil
}

func (f *FIFO) allocBuf() []byte {
	if n := len(f.free); n != 0 {
		var b = f.free[n-1]
		f.free = f.free[:n-1]
		clear(b)
		return b
	}
	return make([]byte, f.pageSize)
}

func (f *FIFO) freeBuf(b []byte) {
	if len(f.free) < f.maxPages/4 {
		f.free = append(f.free, b)
	}
}

var (
	flushRetryInterval = time.Second
	timeNow            = time.Now
	afterSnapshotHook  = func(*Page) {}
)
