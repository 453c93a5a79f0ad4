// Package durability tracks the offsets of binlog generations through which
// written records are durable.
//
// A record is durable once the redo log is durable through the LSN of the
// transaction which wrote it. The Tracker queues the {LSN, generation, offset}
// of each committed record, and as the durable LSN of the redo log advances,
// pops entries in order and advances the durable watermark of their generation.
//
// Watermarks are held for the four most recent generations, indexed by
// generation number modulo four, and are read without locking.
package durability

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/binlog/metrics"
	"go.gazette.dev/binlog/protocol"
	"go.gazette.dev/binlog/redo"
)

// Closed is the watermark of a generation which has been closed and synced.
// It's readable through the end of its file.
const Closed = ^uint64(0)

// ErrLSNOutOfOrder is returned if LSNs are pushed or processed out of order.
var ErrLSNOutOfOrder = errors.New("LSN out of order")

// Entry is a committed record awaiting durability.
type Entry struct {
	LSN    redo.LSN
	FileNo uint64
	// Offset of the end of the record within its generation.
	Offset uint64
}

// Tracker is a bounded FIFO of pending Entries, and the written and durable
// watermarks of recent generations.
type Tracker struct {
	mu         sync.Mutex
	cond       *sync.Cond
	ring       []Entry
	head, n    int
	lastPushed redo.LSN
	processed  redo.LSN
	curFileNo  uint64
	notifyCh   chan struct{}

	written [4]atomic.Uint64
	durable [4]atomic.Uint64
}

// NewTracker returns a Tracker holding at most |capacity| pending Entries.
func NewTracker(capacity int) *Tracker {
	if capacity < 1 {
		capacity = 1
	}
	var t = &Tracker{
		ring:     make([]Entry, capacity),
		notifyCh: make(chan struct{}),
	}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// Push an Entry for a record ending at |offset| of |fileNo|, written by a
// transaction committed at |lsn|. LSNs must be pushed in non-decreasing
// order. Push blocks while the Tracker is full.
func (t *Tracker) Push(lsn redo.LSN, fileNo, offset uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if lsn < t.lastPushed {
		protocol.Violation(log.Fields{"lsn": lsn, "last": t.lastPushed}, "pushed LSN regressed")
		return ErrLSNOutOfOrder
	}
	for t.n == len(t.ring) {
		t.cond.Wait()
	}
	t.ring[(t.head+t.n)%len(t.ring)] = Entry{LSN: lsn, FileNo: fileNo, Offset: offset}
	t.n++
	t.lastPushed = lsn
	metrics.BinlogPendingLSNs.Set(float64(t.n))
	return nil
}

// Full returns whether a Push would block.
func (t *Tracker) Full() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n == len(t.ring)
}

// Len returns the number of pending Entries.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.n
}

// Process pending Entries having LSNs at or below |durable|, advancing the
// durable watermarks of their generations. When an Entry of a new generation
// is popped, the watermark of the prior generation is finalized to its
// written offset. |durable| must not be less than a previously processed LSN.
func (t *Tracker) Process(durable redo.LSN) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if durable < t.processed {
		protocol.Violation(log.Fields{"lsn": durable, "processed": t.processed},
			"processed LSN regressed")
		return ErrLSNOutOfOrder
	}
	t.processed = durable

	var popped bool
	for t.n != 0 && t.ring[t.head].LSN <= durable {
		var e = t.ring[t.head]
		t.head = (t.head + 1) % len(t.ring)
		t.n--
		popped = true

		if e.FileNo > t.curFileNo {
			for f := t.curFileNo; f != e.FileNo; f++ {
				t.finalize(f)
			}
			t.curFileNo = e.FileNo
		}
		t.advance(e.FileNo, e.Offset)
	}
	if popped {
		metrics.BinlogPendingLSNs.Set(float64(t.n))
		close(t.notifyCh)
		t.notifyCh = make(chan struct{})
		t.cond.Broadcast()
	}
	metrics.BinlogDurableLSN.Set(float64(durable))
	return nil
}

// advance the durable watermark of |fileNo| to |offset|, bounded by its
// written watermark. t.mu must be held.
func (t *Tracker) advance(fileNo, offset uint64) {
	var d, w = &t.durable[fileNo%4], t.written[fileNo%4].Load()
	if offset > w {
		protocol.Violation(log.Fields{"fileNo": fileNo, "offset": offset, "written": w},
			"durable offset exceeds written offset")
		offset = w
	}
	if cur := d.Load(); cur != Closed && offset > cur {
		d.Store(offset)
	}
}

// finalize the durable watermark of |fileNo| to its written offset.
// t.mu must be held.
func (t *Tracker) finalize(fileNo uint64) {
	var w = t.written[fileNo%4].Load()
	if d := t.durable[fileNo%4].Load(); d != Closed && w > d {
		t.durable[fileNo%4].Store(w)
	}
}

// Start tracking generation |fileNo|, which has |offset| bytes which are
// already written and durable.
func (t *Tracker) Start(fileNo, offset uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.written[fileNo%4].Store(offset)
	t.durable[fileNo%4].Store(offset)
	if t.n == 0 && fileNo > t.curFileNo {
		t.curFileNo = fileNo
	}
}

// SetWritten advances the written watermark of |fileNo|.
func (t *Tracker) SetWritten(fileNo, offset uint64) {
	var w = &t.written[fileNo%4]
	if cur := w.Load(); cur == Closed || offset < cur {
		protocol.Violation(log.Fields{"fileNo": fileNo, "offset": offset, "written": cur},
			"written offset regressed")
		return
	}
	w.Store(offset)
}

// Close the watermarks of |fileNo|, which has been synced to its file.
func (t *Tracker) Close(fileNo uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.written[fileNo%4].Store(Closed)
	t.durable[fileNo%4].Store(Closed)
	close(t.notifyCh)
	t.notifyCh = make(chan struct{})
}

// Written returns the written watermark of |fileNo|.
func (t *Tracker) Written(fileNo uint64) uint64 { return t.written[fileNo%4].Load() }

// Durable returns the durable watermark of |fileNo|.
func (t *Tracker) Durable(fileNo uint64) uint64 { return t.durable[fileNo%4].Load() }

// WaitDurable blocks until the durable watermark of |fileNo| reaches
// |offset|, or |ctx| is done.
func (t *Tracker) WaitDurable(ctx context.Context, fileNo, offset uint64) error {
	for {
		t.mu.Lock()
		var ch = t.notifyCh
		var d = t.durable[fileNo%4].Load()
		t.mu.Unlock()

		if d >= offset {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Reset discards all pending Entries and watermarks.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.head, t.n = 0, 0
	t.lastPushed, t.processed, t.curFileNo = 0, 0, 0
	for i := range t.written {
		t.written[i].Store(0)
		t.durable[i].Store(0)
	}
	t.cond.Broadcast()
}
