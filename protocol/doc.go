// Package protocol defines the on-disk format of binlog generation files,
// and the core types shared by writers, readers and the packages which
// manage generations.
//
// A generation file is a sequence of fixed-size pages. Page zero holds the
// generation FileHeader. Each subsequent page holds a packed sequence of
// chunks, each having a one-byte type (with CONT and LAST flag bits), a
// little-endian uint16 length, and a payload. Every page ends with a CRC32C
// trailer computed over the remainder of the page. A page of all zeros has
// never been written, and is interpreted as the end of the log.
//
// A logical record is a run of chunks beginning with a chunk which does not
// carry the CONT flag, and ending with the first chunk carrying LAST. Records
// may span pages and generations. Chunks of GTID state and dummy records may
// be nested within another record, at the start of a page.
package protocol
