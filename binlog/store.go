package binlog

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.gazette.dev/binlog/durability"
	"go.gazette.dev/binlog/fifo"
	"go.gazette.dev/binlog/gtid"
	"go.gazette.dev/binlog/lifecycle"
	"go.gazette.dev/binlog/oob"
	"go.gazette.dev/binlog/protocol"
	"go.gazette.dev/binlog/redo"
	"go.gazette.dev/binlog/task"
)

var (
	// ErrStoreClosed is returned by operations of a closed Store.
	ErrStoreClosed = errors.New("binlog store is closed")
	// ErrPurgeBlocked is returned when a generation cannot yet be purged.
	ErrPurgeBlocked = lifecycle.ErrPurgeBlocked
)

// Store is an open binlog. Commits are serialized by the Store, and
// any number of readers may read concurrently with them.
type Store struct {
	cfg   Config
	fs    afero.Fs
	redo  redo.Log
	gtids gtid.Tracker

	fifo *fifo.FIFO
	dur  *durability.Tracker
	refs *oob.Tracker
	mgr  *lifecycle.Manager

	// Serializes writes, and guards |writer| and |closed|.
	mu     sync.Mutex
	writer *Writer
	closed bool

	// Serializes flushes of the redo log with processing of their durable LSN.
	redoMu sync.Mutex

	readersMu sync.Mutex
	readers   map[uuid.UUID]*ChunkReader

	tasks *task.Group
}

// Open the binlog of |cfg.Dir|, recovering its state from its generation
// files and |rl|. |gtids| tracks the GTID state which is embedded in the
// log, and is loaded with the recovered state. The Store runs its
// background loops until Close is called, or |ctx| is cancelled.
func Open(ctx context.Context, cfg Config, fs afero.Fs, rl redo.Log, gtids gtid.Tracker) (*Store, error) {
	if err := cfg.Validate(); err != nil {
		return nil, protocol.ExtendContext(err, "Config")
	}
	cfg = cfg.withDefaults()

	if err := fs.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, errors.WithMessagef(err, "creating %s", cfg.Dir)
	}
	var s = &Store{
		cfg:     cfg,
		fs:      fs,
		redo:    rl,
		gtids:   gtids,
		fifo:    fifo.New(fs, cfg.Dir, cfg.PageSizeShift, cfg.MaxBufferedPages),
		dur:     durability.NewTracker(cfg.PendingLSNCapacity),
		refs:    oob.NewTracker(0),
		readers: make(map[uuid.UUID]*ChunkReader),
	}
	s.mgr = lifecycle.NewManager(lifecycle.Config{
		Dir:               cfg.Dir,
		PageSizeShift:     cfg.PageSizeShift,
		SizeInPages:       cfg.sizeInPages(),
		DiffStateInterval: cfg.stateIntervalPages(),
	}, fs, s.fifo, rl, s.dur, s.refs, s.syncRedo)
	s.writer = newWriter(cfg, s.fifo, s.mgr, s.dur, gtids)

	if err := s.recover(); err != nil {
		s.fifo.Reset()
		return nil, errors.WithMessage(err, "recovering binlog")
	}

	s.tasks = task.NewGroup(ctx)
	s.tasks.Queue("flush pages", func() error { return s.fifo.Serve(s.tasks.Context()) })
	s.tasks.Queue("manage generations", func() error { return s.mgr.Serve(s.tasks.Context()) })
	s.tasks.Queue("flush redo log", func() error { return s.serveRedo(s.tasks.Context()) })
	s.tasks.GoRun()

	return s, nil
}

// Commit an event group having |g|, inline event |data|, and out-of-band
// data previously written to |c| (which may be nil). It returns the
// Position of the commit record. If Config.SyncCommit, the commit is
// durable upon return.
//
// If the commit record would exceed Config.MaxRecordSize, |data| is first
// written out-of-band (to |c|, or to an OOBContext of the Store) and the
// commit record holds no inline data. Readers observe the same Event.
func (s *Store) Commit(g gtid.GTID, data []byte, c *OOBContext) (protocol.Position, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return protocol.Position{}, ErrStoreClosed
	} else if c != nil && c.done {
		return protocol.Position{}, errors.New("OOBContext was already committed or rolled back")
	}

	var rec = appendCommit(nil, g, c, data)
	if len(rec) > s.cfg.MaxRecordSize {
		var spill = c
		if spill == nil {
			spill = s.NewOOBContext()
		}
		if err := spill.writeLocked(data); err != nil {
			if c == nil {
				spill.release()
			}
			return protocol.Position{}, errors.WithMessage(err, "writing commit data out-of-band")
		}
		log.WithFields(log.Fields{"gtid": g, "size": len(data), "pieces": spill.Len()}).
			Debug("wrote large commit data out-of-band")

		c, rec = spill, appendCommit(nil, g, spill, nil)
	}
	// The tracker is updated ahead of the commit record, so that states
	// injected within the record include it.
	s.gtids.Update(g)

	var fileNo, offset, err = s.write(rec, protocol.ChunkCommit)
	if err != nil {
		return protocol.Position{}, err
	}
	if c != nil {
		c.release()
	}
	if s.cfg.SyncCommit {
		if err = s.syncRedo(); err != nil {
			return protocol.Position{}, err
		}
	}
	return protocol.NewPosition(fileNo, offset, s.cfg.PageSizeShift), nil
}

// write a record of |typ| within its own redo transaction, and queue its
// end offset for durability tracking. s.mu must be held.
func (s *Store) write(b []byte, typ protocol.ChunkType) (fileNo, offset uint64, err error) {
	var txn = s.redo.Begin()
	var data = BytesData(b)

	fileNo, offset, err = s.writer.WriteRecord(txn, &data, typ)
	// Always commit: pages may be released only upon commit.
	var lsn = txn.Commit()

	if err != nil {
		return 0, 0, err
	} else if err = s.pushDurable(lsn); err != nil {
		return 0, 0, err
	}
	return fileNo, offset, nil
}

// pushDurable queues the current write position for durability at |lsn|.
// s.mu must be held.
func (s *Store) pushDurable(lsn redo.LSN) error {
	if s.dur.Full() {
		if err := s.syncRedo(); err != nil {
			return err
		}
	}
	var fileNo, offset = s.writer.Position()
	return s.dur.Push(lsn, fileNo, offset)
}

// Flush rotates the log to a new generation, beginning with a full GTID
// state. The current generation is completed with a dummy record (unless
// the write position is at a page boundary) and truncated to its written
// size, and all of its pages are flushed.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	var fromFileNo, fromOffset = s.writer.Position()

	var txn = s.redo.Begin()
	var err = s.writer.FillPage(txn)
	var lsn = txn.Commit()

	if err != nil {
		return errors.WithMessage(err, "completing page")
	} else if err = s.pushDurable(lsn); err != nil {
		return err
	} else if err = s.writer.Truncate(); err != nil {
		return errors.WithMessage(err, "truncating generation")
	} else if err = s.fifo.FlushUpTo(fromFileNo, math.MaxUint32); err != nil {
		return errors.WithMessage(err, "flushing pages")
	} else if _, _, err = s.write(nil, protocol.ChunkFiller); err != nil {
		return errors.WithMessage(err, "rotating generation")
	} else if err = s.syncRedo(); err != nil {
		return err
	}

	var toFileNo, toOffset = s.writer.Position()
	log.WithFields(log.Fields{
		"from":       fromFileNo,
		"fromOffset": fromOffset,
		"to":         toFileNo,
		"toOffset":   toOffset,
	}).Info("flushed binlog")
	return nil
}

// Purge generations before |upTo|. Generations are purged in order, and
// purging stops with ErrPurgeBlocked at the first generation which is
// within the live window, is referenced by out-of-band data or an XA
// transaction, or which may be read by an open reader.
func (s *Store) Purge(upTo uint64) error {
	var limit = upTo

	// A retained generation may hold commits of out-of-band data
	// written to earlier generations.
	if hdr, err := s.mgr.Header(upTo); err == nil {
		limit = min(limit, hdr.OOBRefFileNo, hdr.XARefFileNo)
	}
	var purged, err = s.mgr.Purge(limit, s.minReaderFileNo())

	if err == nil && limit < upTo {
		err = errors.WithMessagef(ErrPurgeBlocked,
			"generation %d references generation %d", upTo, limit)
	}
	if len(purged) != 0 {
		log.WithFields(log.Fields{"upTo": upTo, "purged": len(purged)}).Info("purged binlog")
	}
	return err
}

// Status returns the generation and offset at which the next record
// will be written.
func (s *Store) Status() (fileNo, offset uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writer.Position()
}

// Files lists the retained generations of the log.
func (s *Store) Files() ([]uint64, error) { return s.mgr.Files() }

// GenState returns the lifecycle state of generation |fileNo|.
func (s *Store) GenState(fileNo uint64) lifecycle.GenState { return s.mgr.State().State(fileNo) }

// Config returns the Config of the Store, having defaults applied.
func (s *Store) Config() Config { return s.cfg }

// NewReader returns a ChunkReader positioned at the start of the earliest
// retained generation. If |waitDurable|, the reader reads only records which
// are durable in the redo log. Otherwise it reads all written records,
// which may be lost by a crash.
//
// The reader prevents the purge of generations which it may read,
// and must be closed.
func (s *Store) NewReader(waitDurable bool) *ChunkReader {
	var r = newChunkReader(s.fs, s.cfg.Dir, s.cfg.PageSizeShift, s, waitDurable)
	var id = uuid.New()

	s.readersMu.Lock()
	s.readers[id] = r
	s.readersMu.Unlock()

	// Register before positioning, so that a concurrent purge cannot
	// remove the generation being positioned at.
	r.Seek(s.earliestFileNo(), 0)

	r.onRelease = func() {
		s.readersMu.Lock()
		delete(s.readers, id)
		s.readersMu.Unlock()
		log.WithField("id", id).Debug("closed binlog reader")
	}
	log.WithFields(log.Fields{"id": id, "waitDurable": waitDurable}).Debug("opened binlog reader")
	return r
}

// earliestFileNo returns the earliest generation having a file.
func (s *Store) earliestFileNo() uint64 {
	var files, err = s.mgr.Files()
	if err != nil {
		log.WithField("err", err).Warn("failed to list binlog generations")
	} else if len(files) != 0 {
		return files[0]
	}
	var firstOpen, _, _ = s.mgr.State().Pointers()
	if firstOpen == lifecycle.NoFile {
		return 0
	}
	return firstOpen
}

// minReaderFileNo returns the earliest generation of an open reader,
// or NoFile if there are none.
func (s *Store) minReaderFileNo() uint64 {
	s.readersMu.Lock()
	defer s.readersMu.Unlock()

	var out = lifecycle.NoFile
	for _, r := range s.readers {
		out = min(out, r.posFileNo.Load())
	}
	return out
}

// AddXARef adds a reference of a prepared XA transaction to the active
// generation, which prevents its purge. It returns the referenced generation,
// which must be passed to ReleaseXARef once the transaction is resolved.
func (s *Store) AddXARef() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fileNo, _ = s.writer.Position()
	s.refs.AddRef(oob.XA, fileNo)
	return fileNo
}

// ReleaseXARef releases a reference added by AddXARef.
func (s *Store) ReleaseXARef(fileNo uint64) { s.refs.ReleaseRef(oob.XA, fileNo) }

// Reset drops all generations and begins a new, empty log.
// All readers must be closed.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	s.readersMu.Lock()
	var numReaders = len(s.readers)
	s.readersMu.Unlock()

	if numReaders != 0 {
		return errors.Errorf("cannot reset the binlog while %d readers are open", numReaders)
	}

	s.mgr.Pause()
	defer s.mgr.Resume()

	s.fifo.Reset()

	var files, err = s.mgr.Files()
	if err != nil {
		return err
	}
	for _, fileNo := range files {
		var path = filepath.Join(s.cfg.Dir, protocol.FileName(fileNo))
		if err = s.fs.Remove(path); err != nil {
			return errors.WithMessagef(err, "removing %s", path)
		}
	}

	s.dur.Reset()
	s.refs.Init(0, 0, 0)
	s.gtids.Load(gtid.State{})
	s.mgr.ResetState()
	// Records of the dropped generations must never be replayed.
	s.redo.Checkpoint(s.redo.CurrentLSN() + 1)

	if err = s.startAt(0); err != nil {
		return err
	}
	log.WithField("generations", len(files)).Warn("reset binlog")
	return nil
}

// startAt begins a new log at generation |fileNo|. s.mu must be held.
func (s *Store) startAt(fileNo uint64) error {
	if err := s.mgr.CreateGeneration(fileNo); err != nil {
		return err
	}
	s.dur.Start(fileNo, 0)
	s.refs.Init(fileNo, fileNo, fileNo)
	s.writer.setPosition(fileNo, 0, 0, s.cfg.sizeInPages())
	return nil
}

// Close the Store. Buffered pages are flushed to their files, and the
// redo log is flushed.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStoreClosed
	}
	s.closed = true
	s.mu.Unlock()

	s.tasks.Cancel()
	var err = s.tasks.Wait()

	if first := s.fifo.FirstFileNo(); first != fifo.NoFile {
		if ferr := s.fifo.FlushUpTo(first+1, math.MaxUint32); ferr != nil && err == nil {
			err = errors.WithMessage(ferr, "flushing pages")
		}
		for _, fileNo := range []uint64{first, first + 1} {
			if ferr := s.fifo.Fdatasync(fileNo); ferr != nil && err == nil {
				err = ferr
			}
		}
	}
	if rerr := s.syncRedo(); rerr != nil && err == nil {
		err = rerr
	}
	s.fifo.Reset()
	return err
}

// syncRedo durably flushes the redo log, and advances durable watermarks.
func (s *Store) syncRedo() error {
	s.redoMu.Lock()
	defer s.redoMu.Unlock()

	var lsn, err = s.redo.FlushToDisk(true)
	if err != nil {
		return errors.WithMessage(err, "flushing redo log")
	}
	return s.dur.Process(lsn)
}

// serveRedo periodically flushes the redo log, until |ctx| is cancelled.
func (s *Store) serveRedo(ctx context.Context) error {
	if s.cfg.RedoFlushInterval == 0 {
		<-ctx.Done()
		return nil
	}
	var ticker = time.NewTicker(s.cfg.RedoFlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := s.syncRedo(); err != nil {
			log.WithField("err", err).Warn("failed to flush redo log (will retry)")
		}
	}
}
