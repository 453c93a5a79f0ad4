package redo

import (
	"sort"
	"sync"

	"go.gazette.dev/binlog/protocol"
)

// MemLog is an in-memory Log. Durable transactions survive a simulated
// Crash, while transactions committed after the last FlushToDisk do not.
// It's intended for tests and for tools which close the store cleanly
// (which flushes every generation to its file).
type MemLog struct {
	mu      sync.Mutex
	lsn     LSN
	durable LSN
	records []Record
	flushes int
}

// NewMemLog returns an empty MemLog.
func NewMemLog() *MemLog { return new(MemLog) }

// Begin implements Log.
func (l *MemLog) Begin() Txn { return &memTxn{log: l} }

// CurrentLSN implements Log.
func (l *MemLog) CurrentLSN() LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lsn
}

// DurableLSN implements Log.
func (l *MemLog) DurableLSN() LSN {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.durable
}

// FlushToDisk implements Log.
func (l *MemLog) FlushToDisk(fsync bool) (LSN, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.durable = l.lsn
	l.flushes++
	return l.durable, nil
}

// Replay implements Log.
func (l *MemLog) Replay(from LSN, fn func(Record) error) error {
	l.mu.Lock()
	var i = sort.Search(len(l.records), func(i int) bool { return l.records[i].LSN >= from })
	var records = append([]Record(nil), l.records[i:]...)
	l.mu.Unlock()

	for _, r := range records {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint implements Log.
func (l *MemLog) Checkpoint(lsn LSN) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var i = sort.Search(len(l.records), func(i int) bool { return l.records[i].LSN >= lsn })
	l.records = append([]Record(nil), l.records[i:]...)
}

// Crash discards all transactions which are not yet durable.
func (l *MemLog) Crash() {
	l.mu.Lock()
	defer l.mu.Unlock()

	var i = sort.Search(len(l.records), func(i int) bool { return l.records[i].LSN > l.durable })
	l.records = l.records[:i]
	l.lsn = l.durable
}

// Flushes returns the number of FlushToDisk calls.
func (l *MemLog) Flushes() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.flushes
}

type memTxn struct {
	log      *MemLog
	records  []Record
	size     int
	onCommit []func()
}

func (t *memTxn) Write(page protocol.PageID, offset int, data []byte) {
	t.records = append(t.records, Record{
		Page:   page,
		Offset: offset,
		Data:   append([]byte(nil), data...),
	})
	t.size += len(data)
}

func (t *memTxn) OnCommit(fn func()) { t.onCommit = append(t.onCommit, fn) }

func (t *memTxn) Commit() LSN {
	var l = t.log
	l.mu.Lock()

	// LSNs advance by the logged volume, and at least one per transaction.
	l.lsn += LSN(t.size + 1)
	for i := range t.records {
		t.records[i].LSN = l.lsn
	}
	l.records = append(l.records, t.records...)
	var lsn = l.lsn
	l.mu.Unlock()

	for _, fn := range t.onCommit {
		fn()
	}
	t.records, t.onCommit = nil, nil
	return lsn
}
