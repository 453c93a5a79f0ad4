package binlog

import (
	"io"

	"github.com/pkg/errors"
	"go.gazette.dev/binlog/gtid"
	"go.gazette.dev/binlog/protocol"
)

// commitHeader prefixes the payload of a COMMIT record.
type commitHeader struct {
	// Number of out-of-band pieces, and the first piece and final tree
	// root of their forest.
	OOBCount    uint64
	OOBFirst    recordPtr
	OOBLastRoot recordPtr
	GTID        gtid.GTID
}

// appendCommit appends the payload of a COMMIT record to |b|.
func appendCommit(b []byte, g gtid.GTID, c *OOBContext, data []byte) []byte {
	if c == nil || c.Len() == 0 {
		b = protocol.AppendVarint(b, 0)
	} else {
		var last = c.trees[len(c.trees)-1].root
		b = protocol.AppendVarint(b, c.Len())
		b = protocol.AppendVarint(b, c.first.FileNo)
		b = protocol.AppendVarint(b, c.first.Offset)
		b = protocol.AppendVarint(b, last.FileNo)
		b = protocol.AppendVarint(b, last.Offset)
	}
	b = protocol.AppendVarint(b, uint64(g.Domain))
	b = protocol.AppendVarint(b, uint64(g.Server))
	b = protocol.AppendVarint(b, g.SeqNo)
	return append(b, data...)
}

// parseCommit parses a COMMIT record payload into its header and inline data.
func parseCommit(b []byte) (commitHeader, []byte, error) {
	var h commitHeader
	var err error

	if h.OOBCount, b, err = protocol.ConsumeVarint(b); err != nil {
		return h, nil, errors.WithMessage(err, "decoding OOB count")
	}
	var fields []*uint64
	if h.OOBCount != 0 {
		fields = append(fields, &h.OOBFirst.FileNo, &h.OOBFirst.Offset,
			&h.OOBLastRoot.FileNo, &h.OOBLastRoot.Offset)
	}
	var domain, server uint64
	fields = append(fields, &domain, &server, &h.GTID.SeqNo)

	for _, f := range fields {
		if *f, b, err = protocol.ConsumeVarint(b); err != nil {
			return h, nil, errors.WithMessage(err, "decoding commit header")
		}
	}
	h.GTID.Domain, h.GTID.Server = uint32(domain), uint32(server)
	return h, b, nil
}

// Event is a committed event group.
type Event struct {
	GTID gtid.GTID
	// Generation and offset of the commit record.
	FileNo, Offset uint64
	// Out-of-band data of the event group, in order, followed by its inline data.
	Data []byte
}

// EventReader reads committed event groups from a ChunkReader.
type EventReader struct {
	r   *ChunkReader
	buf []byte
}

// NewEventReader returns an EventReader of |r|.
func NewEventReader(r *ChunkReader) *EventReader { return &EventReader{r: r} }

// NewEventReader returns an EventReader of a new reader of the Store.
// See NewReader.
func (s *Store) NewEventReader(waitDurable bool) *EventReader {
	return NewEventReader(s.NewReader(waitDurable))
}

// ChunkReader returns the underlying ChunkReader.
func (e *EventReader) ChunkReader() *ChunkReader { return e.r }

// Close the EventReader and its ChunkReader.
func (e *EventReader) Close() error { return e.r.Close() }

// Next returns the next Event. Records other than commits are skipped.
// io.EOF is returned if no complete commit is available.
func (e *EventReader) Next() (Event, error) {
	for {
		var typ, rec, err = e.r.ReadRecord(e.buf[:0])
		e.buf = rec
		if err != nil {
			return Event{}, err
		} else if typ != protocol.ChunkCommit {
			continue
		}

		var fileNo, offset = e.r.RecordStart()
		var hdr, inline, err2 = parseCommit(rec)
		if err2 != nil {
			return Event{}, &protocol.CorruptionError{FileNo: fileNo,
				PageNo: uint32(offset >> e.r.shift), Msg: err2.Error()}
		}
		var out = Event{GTID: hdr.GTID, FileNo: fileNo, Offset: offset}

		if hdr.OOBCount != 0 {
			var pos = e.r.Position()
			var visited uint64

			out.Data, err = e.visitOOB(out.Data, hdr.OOBLastRoot, true, &visited, 0)
			if err == nil && visited != hdr.OOBCount {
				err = &protocol.CorruptionError{FileNo: fileNo, PageNo: uint32(offset >> e.r.shift),
					Msg: "commit has an incorrect count of out-of-band pieces"}
			}
			e.r.SetPosition(pos)
			e.r.recFileNo, e.r.recOffset = fileNo, offset

			if err == io.EOF {
				err = &protocol.CorruptionError{FileNo: fileNo, PageNo: uint32(offset >> e.r.shift),
					Msg: "out-of-band data of commit is not readable"}
			}
			if err != nil {
				return Event{}, err
			}
		}
		out.Data = append(out.Data, inline...)
		return out, nil
	}
}

// visitOOB appends data of the tree rooted at |ptr| to |out|, in post-order.
// The left-most leaf of a tree first visits the prior tree of the forest.
func (e *EventReader) visitOOB(out []byte, ptr recordPtr, leftmost bool, visited *uint64, depth int) ([]byte, error) {
	if depth > maxOOBDepth {
		return nil, &protocol.CorruptionError{FileNo: ptr.FileNo, Msg: "out-of-band data is too deeply nested"}
	}
	e.r.Seek(ptr.FileNo, ptr.Offset)
	e.r.SkipPartial(false)

	var typ, rec, err = e.r.ReadRecord(nil)
	if err != nil {
		return nil, err
	} else if fileNo, offset := e.r.RecordStart(); typ != protocol.ChunkOOBData ||
		fileNo != ptr.FileNo || offset != ptr.Offset {
		return nil, &protocol.CorruptionError{FileNo: ptr.FileNo, PageNo: uint32(ptr.Offset >> e.r.shift),
			Msg: "expected an out-of-band record"}
	}
	var node, data, perr = parseOOBNode(rec)
	if perr != nil {
		return nil, &protocol.CorruptionError{FileNo: ptr.FileNo, PageNo: uint32(ptr.Offset >> e.r.shift),
			Msg: perr.Error()}
	}

	if node.Left.isZero() {
		if leftmost && !node.Right.isZero() {
			if out, err = e.visitOOB(out, node.Right, true, visited, depth+1); err != nil {
				return nil, err
			}
		}
	} else {
		if out, err = e.visitOOB(out, node.Left, leftmost, visited, depth+1); err != nil {
			return nil, err
		} else if out, err = e.visitOOB(out, node.Right, false, visited, depth+1); err != nil {
			return nil, err
		}
	}
	*visited++
	return append(out, data...), nil
}

// Trees of 2^64 pieces have height 64, and are preceded by at most 64 trees.
const maxOOBDepth = 128
