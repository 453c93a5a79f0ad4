package binlog

import (
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.gazette.dev/binlog/gtid"
	"go.gazette.dev/binlog/protocol"
	"go.gazette.dev/binlog/redo"
)

// genImage is a generation file under recovery. Pages are read from the
// file as they're needed, and redo records of the generation are applied
// to them. Modified pages are written back by flush.
type genImage struct {
	fileNo   uint64
	file     afero.File
	shift    uint32
	size     uint32
	records  map[uint32][]redo.Record
	startLSN redo.LSN

	pages map[uint32][]byte
	dirty map[uint32]bool
}

func (s *Store) openImage(fileNo uint64, records map[uint32][]redo.Record) (*genImage, error) {
	var path = filepath.Join(s.cfg.Dir, protocol.FileName(fileNo))
	var file, err = s.fs.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, errors.WithMessagef(err, "opening %s", path)
	}
	var info os.FileInfo
	if info, err = file.Stat(); err != nil {
		_ = file.Close()
		return nil, errors.WithMessagef(err, "stat of %s", path)
	}
	return &genImage{
		fileNo:  fileNo,
		file:    file,
		shift:   s.cfg.PageSizeShift,
		size:    uint32(info.Size() >> s.cfg.PageSizeShift),
		records: records,
		pages:   make(map[uint32][]byte),
		dirty:   make(map[uint32]bool),
	}, nil
}

// page returns page |pageNo| of the generation, having redo records applied.
// Redo records of the header page are always applied, while records of
// other pages must follow the start LSN of the generation.
func (g *genImage) page(pageNo uint32) ([]byte, error) {
	if b, ok := g.pages[pageNo]; ok {
		return b, nil
	}
	var pageSize = protocol.PageSize(g.shift)
	var b = make([]byte, pageSize)

	if n, err := g.file.ReadAt(b, int64(pageNo)<<g.shift); err != nil && err != io.EOF {
		return nil, errors.WithMessagef(err, "reading page %d of %s", pageNo, g.file.Name())
	} else if n != pageSize {
		clear(b[n:])
	}

	var records []redo.Record
	for _, rec := range g.records[pageNo] {
		if pageNo == 0 || rec.LSN > g.startLSN {
			records = append(records, rec)
		}
	}

	if _, err := protocol.VerifyPage(b, g.fileNo, pageNo); err != nil {
		// A torn page is rebuilt if the redo log holds its every byte.
		if len(records) == 0 || records[0].Offset != 0 {
			return nil, err
		}
		log.WithFields(log.Fields{"fileNo": g.fileNo, "pageNo": pageNo}).
			Warn("rebuilding torn binlog page from redo log")
		clear(b)
		g.dirty[pageNo] = true
	}

	var dataEnd = protocol.PageDataEnd(pageSize)
	for _, rec := range records {
		if rec.Offset < 0 || rec.Offset+len(rec.Data) > dataEnd {
			return nil, &protocol.CorruptionError{FileNo: g.fileNo, PageNo: pageNo,
				Msg: "redo record overruns its page"}
		}
		copy(b[rec.Offset:], rec.Data)
		g.dirty[pageNo] = true
	}
	g.pages[pageNo] = b
	return b, nil
}

// isEmpty returns whether page |pageNo| is unwritten.
func (g *genImage) isEmpty(pageNo uint32) (bool, error) {
	var b, err = g.page(pageNo)
	if err != nil {
		return false, err
	}
	return isZero(b[:protocol.PageDataEnd(len(b))]), nil
}

// header returns the FileHeader of the generation, or |activated| false if
// its header page is unwritten.
func (g *genImage) header() (hdr protocol.FileHeader, activated bool, err error) {
	if g.size == 0 {
		return hdr, false, nil
	}
	var b []byte
	if b, err = g.page(0); err != nil {
		return hdr, false, err
	} else if isZero(b) {
		return hdr, false, nil
	} else if hdr, err = protocol.ParseFileHeader(b, g.fileNo); err != nil {
		return hdr, false, err
	}
	g.startLSN = redo.LSN(hdr.StartLSN)
	return hdr, true, nil
}

// end locates the end of written data, returning the next page to write
// and the offset of the next write within it.
func (g *genImage) end() (pageNo uint32, offset int, err error) {
	// Written pages are a prefix of the generation. Find the first empty one.
	var lo, hi = uint32(1), g.size
	for lo < hi {
		var mid = lo + (hi-lo)/2
		var empty bool
		if empty, err = g.isEmpty(mid); err != nil {
			return 0, 0, err
		} else if empty {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	if lo == 1 {
		return 1, 0, nil
	}

	var last = lo - 1
	var b []byte
	if b, err = g.page(last); err != nil {
		return 0, 0, err
	}
	var dataEnd = protocol.PageDataEnd(len(b))

	for offset < dataEnd {
		if dataEnd-offset < protocol.MinChunkSpace {
			offset = dataEnd // Filler.
			break
		}
		var typ, length = protocol.ParseChunkHeader(b[offset:])
		if typ == protocol.ChunkEmpty {
			break
		} else if typ == protocol.ChunkFiller {
			offset = dataEnd
			break
		} else if next := offset + protocol.ChunkHeaderSize + length; next > dataEnd {
			return 0, 0, &protocol.CorruptionError{FileNo: g.fileNo, PageNo: last,
				Msg: "chunk overruns its page"}
		} else {
			offset = next
		}
	}
	if offset == dataEnd {
		return lo, 0, nil
	}
	return last, offset, nil
}

// redoEnd returns the end offset of redo-logged data of the generation, and
// whether the redo log covers the generation from its activation. An end
// which completes a page is returned as the start of the next page.
func (g *genImage) redoEnd() (uint64, bool) {
	if len(g.records[0]) == 0 {
		return 0, false
	}
	var dataEnd = protocol.PageDataEnd(protocol.PageSize(g.shift))
	var out uint64

	for pageNo, records := range g.records {
		for _, rec := range records {
			if pageNo != 0 && rec.LSN <= g.startLSN {
				continue
			}
			var end = rec.Offset + len(rec.Data)
			if end == dataEnd {
				out = max(out, uint64(pageNo+1)<<g.shift)
			} else {
				out = max(out, uint64(pageNo)<<g.shift+uint64(end))
			}
		}
	}
	return out, true
}

// trim zeroes written bytes from |fromPage|:|fromOffset| through the end
// of |toPage|.
func (g *genImage) trim(fromPage uint32, fromOffset int, toPage uint32) error {
	for p := fromPage; p <= toPage && p < g.size; p++ {
		var b, err = g.page(p)
		if err != nil {
			return err
		}
		if p == fromPage {
			clear(b[fromOffset:])
		} else {
			clear(b)
		}
		g.dirty[p] = true
	}
	return nil
}

// flush writes modified pages back to the file, and syncs it.
func (g *genImage) flush() error {
	if len(g.dirty) == 0 {
		return nil
	}
	var pages = make([]uint32, 0, len(g.dirty))
	for p := range g.dirty {
		pages = append(pages, p)
	}
	sort.Slice(pages, func(i, j int) bool { return pages[i] < pages[j] })

	for _, p := range pages {
		var b = g.pages[p]
		if isZero(b[:protocol.PageDataEnd(len(b))]) {
			clear(b)
		} else {
			protocol.SealPage(b)
		}
		if _, err := g.file.WriteAt(b, int64(p)<<g.shift); err != nil {
			return errors.WithMessagef(err, "writing page %d of %s", p, g.file.Name())
		}
	}
	if err := g.file.Sync(); err != nil {
		return errors.WithMessagef(err, "syncing %s", g.file.Name())
	}
	log.WithFields(log.Fields{"fileNo": g.fileNo, "pages": len(pages)}).Info("recovered binlog pages")
	return nil
}

func (g *genImage) close() { _ = g.file.Close() }

// recover the state of the log from its newest generation files and the
// redo log, and position the Writer at the end of recovered data.
func (s *Store) recover() error {
	var files, err = s.mgr.Files()
	if err != nil {
		return err
	} else if len(files) == 0 {
		s.gtids.Load(gtid.State{})
		return s.startAt(0)
	}

	// Only the two newest generations may have unflushed pages.
	var candidates = files[len(files)-1:]
	if n := len(files); n >= 2 && files[n-2]+1 == files[n-1] {
		candidates = files[n-2:]
	}

	var records = make(map[uint64]map[uint32][]redo.Record)
	for _, f := range candidates {
		records[f] = make(map[uint32][]redo.Record)
	}
	if err = s.redo.Replay(0, func(rec redo.Record) error {
		if m, ok := records[rec.Page.FileNo]; ok {
			m[rec.Page.PageNo] = append(m[rec.Page.PageNo], rec)
		}
		return nil
	}); err != nil {
		return errors.WithMessage(err, "replaying redo log")
	}

	var images []*genImage
	defer func() {
		for _, g := range images {
			g.close()
		}
	}()

	var (
		active      *genImage
		activeHdr   protocol.FileHeader
		unactivated = make(map[uint64]*genImage)
		skipped     = make(map[uint64]bool)
	)
	for _, f := range candidates {
		var g *genImage
		if g, err = s.openImage(f, records[f]); err != nil {
			return err
		}
		images = append(images, g)

		var hdr, activated, herr = g.header()
		if herr == nil && activated && hdr.PageSizeShift != s.cfg.PageSizeShift {
			return protocol.NewValidationError("generation %d has PageSizeShift %d (expected %d)",
				f, hdr.PageSizeShift, s.cfg.PageSizeShift)
		} else if herr != nil && s.cfg.ForceRecovery && protocol.IsCorruption(herr) {
			log.WithFields(log.Fields{"fileNo": f, "err": herr}).Warn("skipping corrupt binlog generation")
			skipped[f] = true
			continue
		} else if herr != nil {
			return errors.WithMessagef(herr, "recovering header of generation %d", f)
		} else if !activated {
			unactivated[f] = g
			continue
		}
		active, activeHdr = g, hdr
		clear(unactivated) // Only generations after the active one remain.
	}

	// Replay remaining redo records onto pages of every recovered generation.
	for _, g := range images {
		if skipped[g.fileNo] || unactivated[g.fileNo] != nil {
			continue
		}
		for pageNo := range g.records {
			if pageNo >= g.size {
				continue
			} else if _, err = g.page(pageNo); err != nil {
				return errors.WithMessagef(err, "recovering page %d of generation %d", pageNo, g.fileNo)
			}
		}
	}

	if active == nil {
		return s.recoverUnactivated(files, candidates, unactivated, skipped)
	}

	var pageNo, offset, eerr = active.end()
	if eerr != nil {
		return errors.WithMessagef(eerr, "locating end of generation %d", active.fileNo)
	}
	var scanEnd = uint64(pageNo)<<s.cfg.PageSizeShift + uint64(offset)

	// Bytes which reached the file without a durable redo record are dropped.
	if redoEnd, ok := active.redoEnd(); ok && redoEnd < scanEnd {
		log.WithFields(log.Fields{
			"fileNo":  active.fileNo,
			"end":     scanEnd,
			"redoEnd": redoEnd,
		}).Warn("trimming binlog data which is not in the redo log")

		var trimPage = uint32(redoEnd >> s.cfg.PageSizeShift)
		var trimOffset = int(redoEnd - uint64(trimPage)<<s.cfg.PageSizeShift)
		if err = active.trim(trimPage, trimOffset, pageNo); err != nil {
			return err
		}
		pageNo, offset, scanEnd = trimPage, trimOffset, redoEnd
	}

	for _, g := range images {
		if err = g.flush(); err != nil {
			return err
		}
	}

	var partial []byte
	if offset != 0 {
		var b, _ = active.page(pageNo) // Already loaded.
		partial = append([]byte(nil), b[:offset]...)
	}
	if err = s.fifo.CreateTablespace(active.fileNo, active.size, pageNo, partial); err != nil {
		return errors.WithMessage(err, "creating tablespace of active generation")
	}

	var lastCreated = active.fileNo
	if next, ok := unactivated[active.fileNo+1]; ok && next.size == s.cfg.sizeInPages() {
		if err = s.fifo.CreateTablespace(next.fileNo, next.size, 0, nil); err != nil {
			return errors.WithMessage(err, "creating tablespace of pre-created generation")
		}
		lastCreated = next.fileNo
	}

	if err = s.recoverGTIDs(files, active.fileNo, pageNo+1); err != nil {
		return err
	}

	s.mgr.Restore(active.fileNo, active.fileNo, lastCreated, s.redo.CurrentLSN())
	if active.fileNo != 0 {
		s.dur.Close(active.fileNo - 1)
	}
	s.dur.Start(active.fileNo, scanEnd)
	s.refs.Init(activeHdr.OOBRefFileNo, activeHdr.XARefFileNo, active.fileNo)
	s.writer.setPosition(active.fileNo, pageNo, offset, active.size)

	log.WithFields(log.Fields{
		"fileNo":      active.fileNo,
		"offset":      scanEnd,
		"lastCreated": lastCreated,
		"gtidState":   s.gtids.Current().String(),
	}).Info("recovered binlog")
	return nil
}

// recoverUnactivated begins the log at a new generation, as no candidate
// generation was ever activated.
func (s *Store) recoverUnactivated(files, candidates []uint64, unactivated map[uint64]*genImage, skipped map[uint64]bool) error {
	var next = candidates[len(candidates)-1] + 1
	for i := len(candidates) - 1; i >= 0; i-- {
		if unactivated[candidates[i]] == nil {
			break
		}
		next = candidates[i]
	}

	if next != 0 {
		if err := s.recoverGTIDs(files, next-1, 0); err != nil {
			return err
		}
		s.dur.Close(next - 1)
	} else {
		s.gtids.Load(gtid.State{})
	}
	log.WithFields(log.Fields{"fileNo": next, "skipped": len(skipped)}).Info("binlog has no active generation")
	return s.startAt(next)
}

// recoverGTIDs loads the GTID tracker with the state at the end of the log,
// through generation |upTo| of which |upToPages| pages may be written (or
// zero if its file size bounds it). The newest full state of a generation
// header is loaded, followed by the newest differential state of that
// generation and the GTIDs of every later commit.
func (s *Store) recoverGTIDs(files []uint64, upTo uint64, upToPages uint32) error {
	var r = NewFileReader(s.fs, s.cfg.Dir, s.cfg.PageSizeShift)
	defer r.Close()

	for i := len(files) - 1; i >= 0; i-- {
		var f = files[i]
		if f > upTo {
			continue
		}
		var interval, full, ok, err = readFullState(r, f)
		if protocol.IsCorruption(err) {
			log.WithFields(log.Fields{"fileNo": f, "err": err}).Warn("failed to read GTID state of generation")
			continue
		} else if err != nil {
			return err
		} else if !ok {
			continue
		}
		s.gtids.Load(full)

		var from = uint64(1) << s.cfg.PageSizeShift
		if interval != 0 {
			var pages = upToPages
			if f != upTo || pages == 0 {
				if pages, err = s.filePages(f); err != nil {
					return err
				}
			}
			if p, diff, found, err := s.newestDiffState(r, f, pages, interval); err != nil {
				return err
			} else if found {
				for _, g := range diff.GTIDs() {
					s.gtids.Update(g)
				}
				from = uint64(p) << s.cfg.PageSizeShift
			}
		}
		return s.scanGTIDs(r, f, from)
	}
	log.WithField("upTo", upTo).Warn("binlog has no readable GTID state")
	s.gtids.Load(gtid.State{})
	return nil
}

// newestDiffState returns the differential state of generation |fileNo|
// at the greatest multiple of |interval| below |pages|.
func (s *Store) newestDiffState(r *ChunkReader, fileNo uint64, pages uint32, interval uint64) (uint32, gtid.State, bool, error) {
	if pages == 0 {
		return 0, gtid.State{}, false, nil
	}
	for k := uint64(pages-1) / interval; k != 0; k-- {
		var p = uint32(k * interval)
		if p <= 1 {
			break
		}
		var b, ok, err = readStateAt(r, fileNo, p)
		if err != nil && !protocol.IsCorruption(err) {
			return 0, gtid.State{}, false, err
		} else if !ok || err != nil {
			continue // States are skipped where they don't fit.
		}
		var diff, _, derr = gtid.ConsumeState(b)
		if derr != nil {
			return 0, gtid.State{}, false, &protocol.CorruptionError{FileNo: fileNo, PageNo: p,
				Msg: derr.Error()}
		}
		return p, diff, true, nil
	}
	return 0, gtid.State{}, false, nil
}

// scanGTIDs updates the GTID tracker with each commit from |offset| of
// |fileNo| through the end of the log. Full states of later generations
// replace the tracked state.
func (s *Store) scanGTIDs(r *ChunkReader, fileNo, offset uint64) error {
	r.Seek(fileNo, offset)
	r.SkipPartial(true)

	var buf []byte
	for {
		var typ, rec, err = r.ReadRecord(buf[:0])
		buf = rec
		if err == io.EOF {
			return nil
		} else if err != nil {
			return errors.WithMessage(err, "scanning GTIDs")
		}

		switch typ {
		case protocol.ChunkCommit:
			var hdr, _, perr = parseCommit(rec)
			if perr != nil {
				var f, o = r.RecordStart()
				return &protocol.CorruptionError{FileNo: f, PageNo: uint32(o >> s.cfg.PageSizeShift), Msg: perr.Error()}
			}
			s.gtids.Update(hdr.GTID)
		case protocol.ChunkGTIDState:
			var f, o = r.RecordStart()
			if f == fileNo || o != uint64(1)<<s.cfg.PageSizeShift {
				continue
			}
			var _, full, perr = parseFullState(rec)
			if perr != nil {
				return &protocol.CorruptionError{FileNo: f, PageNo: 1, Msg: perr.Error()}
			}
			s.gtids.Load(full)
		}
	}
}

// filePages returns the size of generation |fileNo| in pages.
func (s *Store) filePages(fileNo uint64) (uint32, error) {
	var path = filepath.Join(s.cfg.Dir, protocol.FileName(fileNo))
	var info, err = s.fs.Stat(path)
	if err != nil {
		return 0, errors.WithMessagef(err, "stat of %s", path)
	}
	return uint32(info.Size() >> s.cfg.PageSizeShift), nil
}

func isZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}
