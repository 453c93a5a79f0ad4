// Package binlog implements an append-only log of committed transactions,
// stored as a sequence of fixed-size generation files.
//
// A Store accepts commits of GTID-identified event groups. Each commit is
// written as a record into pages buffered by a fifo.FIFO, and is recorded in
// a redo.Log before its pages reach the file. Pages are flushed by a
// background loop, and a commit becomes durable once its redo records are.
// Large event groups may be written ahead of their commit through an
// OOBContext, which links pieces into a forest of binary trees that the
// commit record references.
//
// Generations are created ahead of use, activated when the writer reaches
// them, and closed once their pages are flushed. Purge removes closed
// generations no longer needed by readers or by outstanding OOB and XA
// references. On Open, the Store recovers from a crash by replaying the
// redo log over the newest generations, and restores the GTID state at the
// end of the log.
//
// A ChunkReader reads records of the log, following it across generations,
// and optionally only through its durable position. An EventReader decodes
// commit records into Events, reassembling out-of-band data.
package binlog
