// Package redo defines the write-ahead redo log which the binlog store
// depends upon for crash recovery, and an in-memory implementation of it.
//
// Every byte written to a binlog page is also written to the redo log, within
// a transaction. The redo log assigns a log sequence number (LSN) to each
// committed transaction, and a transaction is durable once the log has been
// flushed to at least its LSN. After a crash, redo records are replayed onto
// the pages of the newest generations to recover bytes which had not yet been
// flushed to their generation files.
package redo

import (
	"go.gazette.dev/binlog/protocol"
)

// LSN is a log sequence number.
type LSN uint64

// Log is a redo log.
type Log interface {
	// Begin a transaction.
	Begin() Txn
	// CurrentLSN returns the LSN of the most recently committed transaction.
	CurrentLSN() LSN
	// DurableLSN returns the LSN through which the log is durable.
	DurableLSN() LSN
	// FlushToDisk makes all committed transactions durable, returning the
	// new durable LSN. If |fsync|, the flush is synced to stable storage.
	FlushToDisk(fsync bool) (LSN, error)
	// Replay calls |fn| with each retained Record of a transaction committed
	// at or after |from|, in LSN order.
	Replay(from LSN, fn func(Record) error) error
	// Checkpoint discards records of transactions before |lsn|, which are
	// no longer required for recovery.
	Checkpoint(lsn LSN)
}

// Txn is a redo log transaction. A Txn is used by a single goroutine.
type Txn interface {
	// Write logs that |data| was written at |offset| of |page|.
	Write(page protocol.PageID, offset int, data []byte)
	// OnCommit registers |fn| to be run after the Txn commits.
	OnCommit(fn func())
	// Commit the Txn, returning its LSN.
	Commit() LSN
}

// Record is a logged write of a page byte range.
type Record struct {
	// LSN of the transaction which wrote the Record.
	LSN    LSN
	Page   protocol.PageID
	Offset int
	Data   []byte
}
