package binlog

import (
	"io"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/binlog/gtid"
	"go.gazette.dev/binlog/lifecycle"
	"go.gazette.dev/binlog/protocol"
)

// ErrGTIDNotFound is returned when no retained part of the log begins
// before a requested GTID position.
var ErrGTIDNotFound = errors.New("no retained binlog generation precedes the GTID position")

// NewReaderAtGTID returns a ChunkReader positioned at the latest GTID state
// of the log which is before |pos|: every transaction of the state is also
// included in |pos|, and a reader of |pos| therefore misses none of the
// transactions it requires. The GTID state of the returned position is
// also returned. Readers of the log should skip commits included in |pos|.
//
// Generations are searched from newest to oldest by the full state of
// their first page, and then by the differential states within the found
// generation.
func (s *Store) NewReaderAtGTID(pos gtid.State, waitDurable bool) (*ChunkReader, gtid.State, error) {
	var files, err = s.mgr.Files()
	if err != nil {
		return nil, gtid.State{}, err
	}
	var r = s.NewReader(waitDurable)
	var active = s.mgr.State().Active()

	for i := len(files) - 1; i >= 0; i-- {
		var f = files[i]
		if active != lifecycle.NoFile && f > active {
			continue
		}
		var interval, state, ok, err = readFullState(r, f)
		if err != nil {
			_ = r.Close()
			return nil, gtid.State{}, errors.WithMessagef(err, "reading GTID state of generation %d", f)
		} else if !ok || !state.IsBeforePos(pos) {
			continue
		}

		var pageNo uint32 = 1
		if interval != 0 {
			var pages uint32
			if pages, err = s.searchPages(f, active); err != nil {
				_ = r.Close()
				return nil, gtid.State{}, err
			}
			if pageNo, state, err = searchDiffStates(r, f, pages, interval, state, pos); err != nil {
				_ = r.Close()
				return nil, gtid.State{}, err
			}
		}

		r.Seek(f, uint64(pageNo)<<s.cfg.PageSizeShift)
		r.SkipPartial(true)

		log.WithFields(log.Fields{
			"pos":    pos.String(),
			"fileNo": f,
			"pageNo": pageNo,
			"state":  state.String(),
		}).Debug("positioned binlog reader at GTID state")
		return r, state, nil
	}
	_ = r.Close()
	return nil, gtid.State{}, ErrGTIDNotFound
}

// searchPages returns the number of pages of generation |fileNo| which
// may hold GTID states.
func (s *Store) searchPages(fileNo, active uint64) (uint32, error) {
	if fileNo == active {
		var _, offset = s.Status()
		return uint32(offset>>s.cfg.PageSizeShift) + 1, nil
	}
	return s.filePages(fileNo)
}

// searchDiffStates binary searches the differential states of generation
// |fileNo| for the last which is before |pos|. |full| is the state of the
// generation's first page, which is before |pos|. A missing differential
// state is treated as not being before |pos|, which may select an earlier
// (but still correct) page.
func searchDiffStates(r *ChunkReader, fileNo uint64, pages uint32, interval uint64,
	full, pos gtid.State) (uint32, gtid.State, error) {

	// Candidates are pages k*interval, for k in [lo, hi]. Page 1 holds the full state.
	var lo, hi = uint64(1), uint64(0)
	if interval == 1 {
		lo = 2
	}
	if pages != 0 {
		hi = uint64(pages-1) / interval
	}
	var pageNo uint32 = 1
	var state = full

	for lo <= hi {
		var k = lo + (hi-lo)/2
		var p = uint32(k * interval)

		var b, ok, err = readStateAt(r, fileNo, p)
		if err != nil {
			return 0, gtid.State{}, err
		}
		var probe gtid.State
		if ok {
			var diff, _, derr = gtid.ConsumeState(b)
			if derr != nil {
				return 0, gtid.State{}, &protocol.CorruptionError{FileNo: fileNo, PageNo: p, Msg: derr.Error()}
			}
			probe = full.Clone()
			probe.Apply(diff)
		}

		if ok && probe.IsBeforePos(pos) {
			pageNo, state, lo = p, probe, k+1
		} else {
			hi = k - 1
		}
	}
	return pageNo, state, nil
}

// readStateAt reads the GTID_STATE record which begins page |pageNo| of
// |fileNo|. It returns |ok| false if the page doesn't begin with a state.
func readStateAt(r *ChunkReader, fileNo uint64, pageNo uint32) ([]byte, bool, error) {
	var start = uint64(pageNo) << r.shift
	r.Seek(fileNo, start)
	r.SkipPartial(true)

	var typ, b, err = r.ReadRecord(nil)
	if err == io.EOF {
		return nil, false, nil
	} else if err != nil {
		return nil, false, err
	} else if f, o := r.RecordStart(); typ != protocol.ChunkGTIDState || f != fileNo || o != start {
		return nil, false, nil
	}
	return b, true, nil
}

// GenerationState reads the GTID state at the start of generation |fileNo|
// using |r|. It returns false if the generation has no state.
func GenerationState(r *ChunkReader, fileNo uint64) (gtid.State, bool, error) {
	var _, state, ok, err = readFullState(r, fileNo)
	return state, ok, err
}

// readFullState reads the full GTID state of generation |fileNo|, and
// the interval of its differential states.
func readFullState(r *ChunkReader, fileNo uint64) (uint64, gtid.State, bool, error) {
	var b, ok, err = readStateAt(r, fileNo, 1)
	if err != nil || !ok {
		return 0, gtid.State{}, false, err
	}
	var interval, state, perr = parseFullState(b)
	if perr != nil {
		return 0, gtid.State{}, false, &protocol.CorruptionError{FileNo: fileNo, PageNo: 1, Msg: perr.Error()}
	}
	return interval, state, true, nil
}

// parseFullState parses the state record of a generation's first page,
// which is prefixed with the interval of differential states, in pages.
func parseFullState(b []byte) (uint64, gtid.State, error) {
	var interval, rem, err = protocol.ConsumeVarint(b)
	if err != nil {
		return 0, gtid.State{}, errors.WithMessage(err, "decoding state interval")
	}
	var state gtid.State
	if state, _, err = gtid.ConsumeState(rem); err != nil {
		return 0, gtid.State{}, err
	}
	return interval, state, nil
}
