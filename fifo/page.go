package fifo

import (
	"sync"

	"go.gazette.dev/binlog/protocol"
	"go.gazette.dev/binlog/redo"
)

// flushState of a Page. A page is written to its file only from Dirty or
// DirtyAgain, and only after moving to Flushing. A write to the page while
// Flushing moves it to DirtyAgain, and the flush is then retried.
//
//	Dirty -> Flushing -> Clean -> Dirty -> ...
//	            \-> DirtyAgain -> Flushing
type flushState int

const (
	// Dirty pages have bytes not yet written to the generation file.
	Dirty flushState = iota
	// Flushing pages are being written to the generation file.
	Flushing
	// Clean pages match their on-disk copy.
	Clean
	// DirtyAgain pages were modified while Flushing.
	DirtyAgain
)

func (s flushState) String() string {
	switch s {
	case Dirty:
		return "Dirty"
	case Flushing:
		return "Flushing"
	case Clean:
		return "Clean"
	case DirtyAgain:
		return "DirtyAgain"
	}
	return "invalid"
}

// Page is a buffered page of a binlog generation.
type Page struct {
	id protocol.PageID

	// Guarded by the FIFO mutex.
	latched      int
	lastPage     bool
	pendingFlush bool

	// Guarded by |mu|.
	mu       sync.Mutex
	buf      []byte
	end      int
	complete bool
	state    flushState
}

// ID returns the PageID of the Page.
func (p *Page) ID() protocol.PageID { return p.id }

// Write |data| at |offset| of the page. It returns the byte range which
// must be redo-logged for the page to be recoverable: if the page has been
// written to its file, that's the entire written prefix of the page.
// Otherwise it's just the new bytes. Writes to a page are append-only.
func (p *Page) Write(offset int, data []byte) (logOffset int, logData []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	copy(p.buf[offset:], data)

	var end = offset + len(data)
	if end > p.end {
		p.end = end
	}
	if end >= protocol.PageDataEnd(len(p.buf)) {
		p.complete = true
	}

	switch p.state {
	case Clean:
		p.state = Dirty
	case Flushing:
		p.state = DirtyAgain
	default:
		return offset, data
	}
	return 0, append([]byte(nil), p.buf[:p.end]...)
}

// LogWrite writes |data| at |offset| of the page, and logs it to |txn|.
func (p *Page) LogWrite(txn redo.Txn, offset int, data []byte) {
	var logOffset, logData = p.Write(offset, data)
	txn.Write(p.id, logOffset, logData)
}

// Complete marks that no further bytes will be written to the page.
func (p *Page) Complete() {
	p.mu.Lock()
	p.complete = true
	p.mu.Unlock()
}

// IsComplete returns whether the page is complete.
func (p *Page) IsComplete() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.complete
}

// CopyTo copies the page into |dst|, which must be a full page.
func (p *Page) CopyTo(dst []byte) {
	p.mu.Lock()
	copy(dst, p.buf)
	p.mu.Unlock()
}

// beginFlush snapshots the page into |dst| and moves it to Flushing.
func (p *Page) beginFlush(dst []byte) {
	p.mu.Lock()
	copy(dst, p.buf)
	p.state = Flushing
	p.mu.Unlock()
}

// endFlush completes a flush. If |ok|, a Flushing page becomes Clean.
// It returns true if the page was modified during the flush.
func (p *Page) endFlush(ok bool) (retry bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch {
	case p.state == Flushing && ok:
		p.state = Clean
	case p.state == DirtyAgain:
		p.state, retry = Dirty, ok
	default:
		p.state = Dirty
	}
	return
}

func (p *Page) status() (complete bool, state flushState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.complete, p.state
}
