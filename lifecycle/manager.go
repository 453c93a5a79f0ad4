// Package lifecycle creates, activates, closes and purges the generation
// files of a binlog.
package lifecycle

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hashicorp/golang-lru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.gazette.dev/binlog/durability"
	"go.gazette.dev/binlog/fifo"
	"go.gazette.dev/binlog/metrics"
	"go.gazette.dev/binlog/oob"
	"go.gazette.dev/binlog/protocol"
	"go.gazette.dev/binlog/redo"
)

var (
	// ErrStopped is returned by a wait on a Manager which is stopping.
	ErrStopped = errors.New("generation manager stopped")
	// ErrPurgeBlocked is returned when a generation cannot yet be purged.
	ErrPurgeBlocked = errors.New("purge blocked")
)

// Config of a Manager.
type Config struct {
	// Directory holding generation files.
	Dir           string
	PageSizeShift uint32
	// Size of each generation, in pages.
	SizeInPages uint32
	// Pages between differential GTID states, or zero.
	DiffStateInterval uint64
}

// Manager drives generations through their lifecycle. Its Serve loop keeps
// a pre-created generation ahead of the active one, and closes generations
// which the writer has moved past. It's the only mutator of its LogState,
// apart from Activate which is called by the writer on rotation.
type Manager struct {
	// Initial and maximum delays between retries of a failed generation creation.
	CreateRetryInterval    time.Duration
	MaxCreateRetryInterval time.Duration

	cfg      Config
	fs       afero.Fs
	fifo     *fifo.FIFO
	redo     redo.Log
	dur      *durability.Tracker
	refs     *oob.Tracker
	syncRedo func() error

	state   *LogState
	headers *lru.Cache

	// Guarded by state.mu.
	startLSN map[uint64]redo.LSN
	paused   bool
	busy     bool
	stopping bool
}

// NewManager returns a Manager of generations in |cfg.Dir| of |fs|.
// |syncRedo| durably flushes the redo log and processes its durable LSN.
func NewManager(cfg Config, fs afero.Fs, f *fifo.FIFO, rl redo.Log, dur *durability.Tracker,
	refs *oob.Tracker, syncRedo func() error) *Manager {

	var headers, err = lru.New(headerCacheSize)
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &Manager{
		CreateRetryInterval:    100 * time.Millisecond,
		MaxCreateRetryInterval: 10 * time.Second,

		cfg:      cfg,
		fs:       fs,
		fifo:     f,
		redo:     rl,
		dur:      dur,
		refs:     refs,
		syncRedo: syncRedo,
		state:    newLogState(),
		headers:  headers,
		startLSN: make(map[uint64]redo.LSN),
	}
}

// State returns the LogState of the Manager.
func (m *Manager) State() *LogState { return m.state }

// Restore the LogState as recovered at startup. Generations in
// [firstOpen, active) are Draining, and (active, lastCreated] are Precreated.
// Generations before the first file of the directory are Purged.
func (m *Manager) Restore(firstOpen, active, lastCreated uint64, startLSN redo.LSN) {
	var firstRetained = firstOpen
	if files, err := m.Files(); err != nil {
		log.WithField("err", err).Warn("failed to list generations (assuming none before the first open)")
	} else if len(files) != 0 && files[0] < firstRetained {
		firstRetained = files[0]
	}

	var s = m.state
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	s.firstOpen, s.active, s.lastCreated = firstOpen, active, lastCreated
	s.firstRetained = firstRetained
	for f := firstOpen; f <= lastCreated; f++ {
		switch {
		case f < active:
			s.states[f] = Draining
		case f == active:
			s.states[f] = Active
		default:
			s.states[f] = Precreated
			m.startLSN[f] = startLSN
		}
	}
	s.activeAtomic.Store(active)
	metrics.BinlogActiveFileNo.Set(float64(active))
	s.cond.Broadcast()
}

// CreateGeneration creates and pre-sizes the file of generation |fileNo|,
// and makes it live in the FIFO. |fileNo| must follow the last created
// generation, if there is one.
func (m *Manager) CreateGeneration(fileNo uint64) error {
	if err := createFileFn(fileNo); err != nil {
		return err
	}
	var path = filepath.Join(m.cfg.Dir, protocol.FileName(fileNo))
	var size = int64(m.cfg.SizeInPages) << m.cfg.PageSizeShift

	var file, err = m.fs.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return errors.WithMessagef(err, "creating %s", path)
	}
	if err = file.Truncate(size); err != nil {
		err = errors.WithMessagef(err, "pre-sizing %s", path)
	} else if err = file.Sync(); err != nil {
		err = errors.WithMessagef(err, "syncing %s", path)
	}
	if closeErr := file.Close(); err == nil && closeErr != nil {
		err = errors.WithMessagef(closeErr, "closing %s", path)
	}
	if err != nil {
		return err
	}
	if err = m.fifo.CreateTablespace(fileNo, m.cfg.SizeInPages, 0, nil); err != nil {
		return errors.WithMessagef(err, "creating tablespace of generation %d", fileNo)
	}

	var s = m.state
	s.mu.Lock()
	m.startLSN[fileNo] = m.redo.CurrentLSN()
	s.states[fileNo] = Precreated
	s.lastCreated = fileNo
	if s.firstOpen == NoFile {
		s.firstOpen = fileNo
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	m.headers.Remove(fileNo)
	metrics.BinlogGenerationsTotal.WithLabelValues("created").Inc()

	log.WithFields(log.Fields{
		"fileNo": fileNo,
		"size":   humanize.IBytes(uint64(size)),
	}).Info("created binlog generation")
	return nil
}

// WaitCreated blocks until generation |fileNo| has been created.
func (m *Manager) WaitCreated(fileNo uint64) error {
	var s = m.state
	s.mu.Lock()
	defer s.mu.Unlock()

	var stalled bool
	for (s.lastCreated == NoFile || s.lastCreated < fileNo) && !m.stopping {
		if !stalled {
			metrics.BinlogWriterStallsTotal.WithLabelValues(metrics.StallGeneration).Inc()
			log.WithField("fileNo", fileNo).Warn("writer waiting for generation to be created")
			stalled = true
		}
		s.cond.Broadcast()
		s.cond.Wait()
	}
	if s.lastCreated == NoFile || s.lastCreated < fileNo {
		return ErrStopped
	}
	return nil
}

// Activate makes created generation |fileNo| active, and the prior active
// generation Draining. It returns the FileHeader to write to page zero of
// the generation.
func (m *Manager) Activate(fileNo uint64) protocol.FileHeader {
	var s = m.state
	s.mu.Lock()

	if st := s.stateLocked(fileNo); st != Precreated {
		protocol.Violation(log.Fields{"fileNo": fileNo, "state": st},
			"activation of a generation which isn't pre-created")
	}
	if s.active != NoFile {
		s.states[s.active] = Draining
	}
	s.active = fileNo
	s.states[fileNo] = Active
	s.activeAtomic.Store(fileNo)

	var startLSN = m.startLSN[fileNo]
	delete(m.startLSN, fileNo)

	s.cond.Broadcast()
	s.mu.Unlock()

	m.refs.Activate(fileNo)
	metrics.BinlogActiveFileNo.Set(float64(fileNo))
	metrics.BinlogGenerationsTotal.WithLabelValues("activated").Inc()

	var hdr = protocol.FileHeader{
		PageSizeShift:     m.cfg.PageSizeShift,
		VersionMajor:      protocol.VersionMajor,
		VersionMinor:      protocol.VersionMinor,
		FileNo:            fileNo,
		PageCount:         uint64(m.cfg.SizeInPages),
		StartLSN:          uint64(startLSN),
		DiffStateInterval: m.cfg.DiffStateInterval,
		OOBRefFileNo:      min(m.refs.EarliestOOB(), fileNo),
		XARefFileNo:       min(m.refs.EarliestXA(), fileNo),
	}
	// The header page may be buffered for some time before it's flushed.
	m.headers.Add(fileNo, hdr)
	return hdr
}

// CloseGeneration drains all buffered pages of Draining generation |fileNo|,
// syncs and closes its file, and durably flushes the redo log. Thereafter
// the generation is read only from its file.
func (m *Manager) CloseGeneration(fileNo uint64) error {
	// The tablespace may already be released by a prior, failed attempt.
	if m.fifo.FirstFileNo() == fileNo {
		if err := m.fifo.FlushUpTo(fileNo, ^uint32(0)); err != nil {
			return errors.WithMessage(err, "flushing pages")
		} else if err = m.fifo.ReleaseTablespace(fileNo); err != nil {
			return errors.WithMessage(err, "releasing tablespace")
		}
	}
	if err := m.syncRedo(); err != nil {
		return errors.WithMessage(err, "syncing redo log")
	}
	m.dur.Close(fileNo)

	// Redo records before the start of the successor are no longer needed.
	if hdr, err := m.Header(fileNo + 1); err == nil {
		m.redo.Checkpoint(redo.LSN(hdr.StartLSN))
	}

	var s = m.state
	s.mu.Lock()
	delete(s.states, fileNo)
	if s.firstOpen == fileNo {
		s.firstOpen = fileNo + 1
	}
	s.cond.Broadcast()
	s.mu.Unlock()

	metrics.BinlogGenerationsTotal.WithLabelValues("closed").Inc()
	log.WithField("fileNo", fileNo).Info("closed binlog generation")
	return nil
}

// Serve the Manager until |ctx| is cancelled.
func (m *Manager) Serve(ctx context.Context) error {
	var s = m.state

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		m.stopping = true
		s.cond.Broadcast()
		s.mu.Unlock()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	for !m.stopping {
		if m.paused || s.active == NoFile {
			s.cond.Wait()
			continue
		}

		// A closed predecessor frees the FIFO slot of the next generation
		// to create, so it's always done first.
		if s.firstOpen < s.active {
			var fileNo = s.firstOpen

			m.busy = true
			s.mu.Unlock()
			var err = m.CloseGeneration(fileNo)
			s.mu.Lock()
			m.busy = false
			s.cond.Broadcast()

			if err != nil {
				log.WithFields(log.Fields{"fileNo": fileNo, "err": err}).
					Error("failed to close binlog generation (will retry)")
				m.sleepLocked(ctx, m.CreateRetryInterval)
			}
			continue
		}

		if s.lastCreated == s.active {
			var fileNo = s.active + 1

			m.busy = true
			s.mu.Unlock()
			var err = m.createWithRetry(ctx, fileNo)
			s.mu.Lock()
			m.busy = false
			s.cond.Broadcast()

			if err != nil {
				break // |ctx| was cancelled.
			}
			continue
		}
		s.cond.Wait()
	}
	return nil
}

func (m *Manager) createWithRetry(ctx context.Context, fileNo uint64) error {
	var delay = m.CreateRetryInterval

	for {
		var err = m.CreateGeneration(fileNo)
		if err == nil {
			return nil
		}
		metrics.BinlogGenerationCreateFailuresTotal.Inc()
		log.WithFields(log.Fields{"fileNo": fileNo, "err": err, "delay": delay}).
			Warn("failed to create binlog generation (will retry)")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		if delay *= 2; delay > m.MaxCreateRetryInterval {
			delay = m.MaxCreateRetryInterval
		}
	}
}

// sleepLocked releases state.mu for |d|, or until |ctx| is done.
func (m *Manager) sleepLocked(ctx context.Context, d time.Duration) {
	m.state.mu.Unlock()
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
	m.state.mu.Lock()
}

// Pause the Serve loop, once any in-progress creation or close completes.
func (m *Manager) Pause() {
	var s = m.state
	s.mu.Lock()
	defer s.mu.Unlock()

	for m.busy {
		s.cond.Wait()
	}
	m.paused = true
}

// Resume a paused Serve loop.
func (m *Manager) Resume() {
	var s = m.state
	s.mu.Lock()
	m.paused = false
	s.cond.Broadcast()
	s.mu.Unlock()
}

// ResetState forgets all generations. The Manager must be paused.
func (m *Manager) ResetState() {
	var s = m.state
	s.mu.Lock()
	defer s.mu.Unlock()

	s.reset()
	m.startLSN = make(map[uint64]redo.LSN)
	m.headers.Purge()
}

// Files lists the generation files of the directory, in ascending order.
func (m *Manager) Files() ([]uint64, error) { return ListFiles(m.fs, m.cfg.Dir) }

// ListFiles lists the generation files of |dir|, in ascending order.
func ListFiles(fs afero.Fs, dir string) ([]uint64, error) {
	var infos, err = afero.ReadDir(fs, dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "listing %s", dir)
	}
	var out []uint64
	for _, info := range infos {
		if fileNo, ok := protocol.ParseFileName(info.Name()); ok && !info.IsDir() {
			out = append(out, fileNo)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Header returns the FileHeader of generation |fileNo|, read from its file.
// Headers are cached. A generation which hasn't yet been activated has no
// header, and an error is returned.
func (m *Manager) Header(fileNo uint64) (protocol.FileHeader, error) {
	if v, ok := m.headers.Get(fileNo); ok {
		return v.(protocol.FileHeader), nil
	}
	var hdr, err = ReadHeader(m.fs, m.cfg.Dir, fileNo)
	if err != nil {
		return hdr, err
	}
	m.headers.Add(fileNo, hdr)
	return hdr, nil
}

// ReadHeader reads and parses the FileHeader of generation |fileNo| in |dir|.
func ReadHeader(fs afero.Fs, dir string, fileNo uint64) (protocol.FileHeader, error) {
	var path = filepath.Join(dir, protocol.FileName(fileNo))
	var file, err = fs.Open(path)
	if err != nil {
		return protocol.FileHeader{}, errors.WithMessagef(err, "opening %s", path)
	}
	defer file.Close()

	var buf = make([]byte, protocol.HeaderBlockSize)
	if _, err = io.ReadFull(file, buf); err != nil {
		return protocol.FileHeader{}, errors.WithMessagef(err, "reading header of %s", path)
	}
	return protocol.ParseFileHeader(buf, fileNo)
}

// Purge removes generation files before |upTo|, in order. Generations still
// referenced by OOB data or XA transactions, within the live window, or at
// or after |minReaderFileNo| (the earliest generation of an open reader)
// are not purged, and stop the purge with ErrPurgeBlocked.
func (m *Manager) Purge(upTo, minReaderFileNo uint64) ([]uint64, error) {
	var files, err = m.Files()
	if err != nil {
		return nil, err
	}
	var _, active, _ = m.state.Pointers()
	var purged []uint64

	for _, fileNo := range files {
		if fileNo >= upTo {
			break
		} else if !m.refs.PurgeAllowed(fileNo, active) {
			return purged, errors.WithMessagef(ErrPurgeBlocked,
				"generation %d is live or referenced (earliest OOB %d, earliest XA %d, active %d)",
				fileNo, m.refs.EarliestOOB(), m.refs.EarliestXA(), active)
		} else if fileNo >= minReaderFileNo {
			return purged, errors.WithMessagef(ErrPurgeBlocked,
				"generation %d is in use by a reader", fileNo)
		}

		var path = filepath.Join(m.cfg.Dir, protocol.FileName(fileNo))
		if err = m.fs.Remove(path); err != nil {
			return purged, errors.WithMessagef(err, "removing %s", path)
		}
		m.headers.Remove(fileNo)
		m.state.markPurged(fileNo + 1)
		purged = append(purged, fileNo)

		metrics.BinlogGenerationsTotal.WithLabelValues("purged").Inc()
		log.WithField("fileNo", fileNo).Info("purged binlog generation")
	}
	return purged, nil
}

const headerCacheSize = 64

var createFileFn = func(fileNo uint64) error { return nil }
