package binlog

import (
	"math"
	"time"

	"go.gazette.dev/binlog/protocol"
)

// Config of a Store.
type Config struct {
	// Directory of generation files.
	Dir string
	// Log2 of the page size. Zero is DefaultPageSizeShift.
	PageSizeShift uint32
	// Size of each generation in bytes, rounded down to a whole number of pages.
	// Zero is DefaultGenerationSize.
	GenerationSize uint64
	// Bytes between differential GTID states. It must be a power-of-two
	// multiple of the page size, or zero to disable differential states.
	StateInterval uint64
	// Maximum number of pages buffered in memory. Zero is a quarter of the
	// pages of a generation (and at least MinBufferedPages).
	MaxBufferedPages int
	// Capacity of the queue of committed records awaiting durability.
	// Zero is DefaultPendingLSNCapacity.
	PendingLSNCapacity int
	// Interval at which the redo log is flushed to disk in the background,
	// or zero to flush only on generation close and explicit Flush.
	RedoFlushInterval time.Duration
	// Largest record written to the log. Commit writes larger event data
	// out-of-band ahead of its commit record, and OOBContext splits larger
	// pieces. It may be at most half of the data of a generation, so that a
	// record never spans more than two generations. Zero is a quarter of
	// the data of a generation (and at least MinRecordSize).
	MaxRecordSize int
	// Flush the redo log to disk on every Commit.
	SyncCommit bool
	// Skip generations which fail recovery, rather than failing Open.
	ForceRecovery bool
}

// Defaults of Config.
const (
	DefaultGenerationSize     = 1 << 30
	DefaultPendingLSNCapacity = 4096
	MinBufferedPages          = 8
	MinRecordSize             = 128
)

// Validate returns an error if the Config is not well-formed.
func (c Config) Validate() error {
	var c2 = c.withDefaults()

	if c2.Dir == "" {
		return protocol.NewValidationError("expected Dir")
	} else if c2.PageSizeShift < protocol.MinPageSizeShift || c2.PageSizeShift > protocol.MaxPageSizeShift {
		return protocol.NewValidationError("invalid PageSizeShift (%d; expected %d <= shift <= %d)",
			c2.PageSizeShift, protocol.MinPageSizeShift, protocol.MaxPageSizeShift)
	}

	var pages = c2.GenerationSize >> c2.PageSizeShift
	if pages < 2 {
		return protocol.NewValidationError("invalid GenerationSize (%d; expected at least two pages)",
			c2.GenerationSize)
	} else if pages > math.MaxUint32 {
		return protocol.NewValidationError("invalid GenerationSize (%d; expected at most %d pages)",
			c2.GenerationSize, uint64(math.MaxUint32))
	}

	var pageSize = uint64(1) << c2.PageSizeShift
	if c2.StateInterval%pageSize != 0 {
		return protocol.NewValidationError("invalid StateInterval (%d; expected a multiple of page size %d)",
			c2.StateInterval, pageSize)
	} else if n := c2.StateInterval / pageSize; n&(n-1) != 0 {
		return protocol.NewValidationError("invalid StateInterval (%d; expected a power-of-two number of pages)",
			c2.StateInterval)
	} else if c2.MaxBufferedPages < 0 {
		return protocol.NewValidationError("invalid MaxBufferedPages (%d; expected >= 0)", c2.MaxBufferedPages)
	} else if c2.MaxRecordSize < MinRecordSize || c2.MaxRecordSize > c2.generationData()/2 {
		return protocol.NewValidationError("invalid MaxRecordSize (%d; expected %d <= size <= %d)",
			c2.MaxRecordSize, MinRecordSize, c2.generationData()/2)
	} else if c2.PendingLSNCapacity < 0 {
		return protocol.NewValidationError("invalid PendingLSNCapacity (%d; expected >= 0)", c2.PendingLSNCapacity)
	} else if c2.RedoFlushInterval < 0 {
		return protocol.NewValidationError("invalid RedoFlushInterval (%s; expected >= 0)", c2.RedoFlushInterval)
	}
	return nil
}

// withDefaults returns a copy of the Config with zero-valued fields defaulted.
func (c Config) withDefaults() Config {
	if c.PageSizeShift == 0 {
		c.PageSizeShift = protocol.DefaultPageSizeShift
	}
	if c.GenerationSize == 0 {
		c.GenerationSize = DefaultGenerationSize
	}
	if c.MaxBufferedPages == 0 {
		c.MaxBufferedPages = max(int(c.sizeInPages()/4), MinBufferedPages)
	}
	if c.MaxRecordSize == 0 {
		c.MaxRecordSize = max(c.generationData()/4, MinRecordSize)
	}
	if c.PendingLSNCapacity == 0 {
		c.PendingLSNCapacity = DefaultPendingLSNCapacity
	}
	return c
}

func (c Config) sizeInPages() uint32 {
	return uint32(min(c.GenerationSize>>c.PageSizeShift, math.MaxUint32))
}

// generationData is the number of bytes of the data pages of a generation.
func (c Config) generationData() int {
	var pages = int(min(c.sizeInPages(), math.MaxInt32))
	return (pages - 1) * protocol.PageDataEnd(protocol.PageSize(c.PageSizeShift))
}

// maxPieceSize is the largest data of an OOB_DATA record.
func (c Config) maxPieceSize() int { return c.MaxRecordSize - maxOOBNodeHeader }

// stateIntervalPages is the interval between differential states, in pages.
func (c Config) stateIntervalPages() uint64 { return c.StateInterval >> c.PageSizeShift }
