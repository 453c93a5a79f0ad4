// Package oob tracks references into binlog generations held by out-of-band
// event data and by in-doubt XA transactions, which prevent the purge of
// the generations they reference.
package oob

import (
	"sort"
	"sync"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
	"go.gazette.dev/binlog/protocol"
)

// Kind of a reference.
type Kind int

const (
	// OOB references are held by out-of-band data of uncommitted transactions.
	OOB Kind = iota
	// XA references are held by prepared, in-doubt XA transactions.
	XA
)

func (k Kind) String() string {
	if k == OOB {
		return "oob"
	}
	return "xa"
}

// Entry holds the reference counts of a generation.
type Entry struct {
	FileNo  uint64
	OOBRefs int64
	XARefs  int64
	// Earliest generations referenced by OOB data and XA transactions when
	// the Entry was created.
	OOBRefFileNo uint64
	XARefFileNo  uint64
}

const numShards = 16

// Tracker is a sharded map of per-generation reference counts, and the
// watermarks of the earliest referenced generations.
//
// The watermark of a Kind advances past generation G only if G has no
// references of that Kind, and G is no longer active. A reference count of
// the active generation which drops to zero does not advance the watermark:
// the check happens again when the next generation is activated.
type Tracker struct {
	shards [numShards]struct {
		mu sync.Mutex
		m  map[uint64]*Entry
	}
	advanceMu   sync.Mutex
	active      atomic.Uint64
	earliestOOB atomic.Uint64
	earliestXA  atomic.Uint64
}

// NewTracker returns a Tracker with watermarks at |earliest|, which is
// also the active generation.
func NewTracker(earliest uint64) *Tracker {
	var t = new(Tracker)
	for i := range t.shards {
		t.shards[i].m = make(map[uint64]*Entry)
	}
	t.Init(earliest, earliest, earliest)
	return t
}

// Init resets the Tracker to the given watermarks and active generation,
// as recovered at startup. All Entries are discarded.
func (t *Tracker) Init(earliestOOB, earliestXA, active uint64) {
	t.advanceMu.Lock()
	defer t.advanceMu.Unlock()

	for i := range t.shards {
		var s = &t.shards[i]
		s.mu.Lock()
		s.m = make(map[uint64]*Entry)
		s.mu.Unlock()
	}
	t.active.Store(active)
	t.earliestOOB.Store(earliestOOB)
	t.earliestXA.Store(earliestXA)
}

// AddRef adds a reference of |kind| into generation |fileNo|.
func (t *Tracker) AddRef(kind Kind, fileNo uint64) { t.update(kind, fileNo, 1) }

// ReleaseRef releases a reference of |kind| into generation |fileNo|.
// If the generation is no longer active and its count drops to zero,
// the watermark of |kind| is advanced.
func (t *Tracker) ReleaseRef(kind Kind, fileNo uint64) {
	if t.update(kind, fileNo, -1) == 0 && fileNo < t.active.Load() {
		t.advance()
	}
}

func (t *Tracker) update(kind Kind, fileNo uint64, delta int64) int64 {
	if delta > 0 && fileNo < t.earliest(kind) {
		protocol.Violation(log.Fields{"kind": kind, "fileNo": fileNo, "earliest": t.earliest(kind)},
			"reference added behind the purge watermark")
	}
	var s = &t.shards[fileNo%numShards]
	s.mu.Lock()
	defer s.mu.Unlock()

	var e, ok = s.m[fileNo]
	if !ok {
		e = &Entry{
			FileNo:       fileNo,
			OOBRefFileNo: t.earliestOOB.Load(),
			XARefFileNo:  t.earliestXA.Load(),
		}
		s.m[fileNo] = e
	}
	var n = &e.OOBRefs
	if kind == XA {
		n = &e.XARefs
	}
	*n += delta

	if *n < 0 {
		protocol.Violation(log.Fields{"kind": kind, "fileNo": fileNo}, "reference count underflow")
		*n = 0
	}
	var out = *n
	if e.OOBRefs == 0 && e.XARefs == 0 {
		delete(s.m, fileNo)
	}
	return out
}

func (t *Tracker) refs(kind Kind, fileNo uint64) int64 {
	var s = &t.shards[fileNo%numShards]
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.m[fileNo]; !ok {
		return 0
	} else if kind == XA {
		return e.XARefs
	} else {
		return e.OOBRefs
	}
}

// Activate notes that generation |fileNo| became active, and advances
// watermarks past prior generations having no references.
func (t *Tracker) Activate(fileNo uint64) {
	t.active.Store(fileNo)
	t.advance()
}

func (t *Tracker) advance() {
	t.advanceMu.Lock()
	defer t.advanceMu.Unlock()

	var active = t.active.Load()
	for _, kind := range []Kind{OOB, XA} {
		var w = t.watermark(kind)
		var e = w.Load()
		for e < active && t.refs(kind, e) == 0 {
			e++
		}
		if e != w.Load() {
			log.WithFields(log.Fields{"kind": kind, "from": w.Load(), "to": e}).
				Debug("advanced earliest referenced generation")
			w.Store(e)
		}
	}
}

func (t *Tracker) watermark(kind Kind) *atomic.Uint64 {
	if kind == XA {
		return &t.earliestXA
	}
	return &t.earliestOOB
}

func (t *Tracker) earliest(kind Kind) uint64 { return t.watermark(kind).Load() }

// EarliestOOB returns the earliest generation which may be referenced by
// out-of-band data.
func (t *Tracker) EarliestOOB() uint64 { return t.earliestOOB.Load() }

// EarliestXA returns the earliest generation which may be referenced by
// an in-doubt XA transaction.
func (t *Tracker) EarliestXA() uint64 { return t.earliestXA.Load() }

// PurgeAllowed returns whether generation |fileNo| is unreferenced and
// outside the live window of generations |active| and |active|-1.
func (t *Tracker) PurgeAllowed(fileNo, active uint64) bool {
	return fileNo < t.EarliestOOB() && fileNo < t.EarliestXA() && fileNo+1 < active
}

// Entries returns a copy of all Entries having references, ordered on FileNo.
func (t *Tracker) Entries() []Entry {
	var out []Entry
	for i := range t.shards {
		var s = &t.shards[i]
		s.mu.Lock()
		for _, e := range s.m {
			out = append(out, *e)
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FileNo < out[j].FileNo })
	return out
}
