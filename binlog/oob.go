package binlog

import (
	"encoding/binary"

	"github.com/pkg/errors"
	"go.gazette.dev/binlog/oob"
	"go.gazette.dev/binlog/protocol"
)

// OOBContext writes the out-of-band data of a large event group ahead of
// its commit, in pieces. Pieces are written as OOB_DATA records which form
// a forest of perfect binary trees, having strictly decreasing heights
// (except that the final two trees may have equal height):
//
//	        6
//	     _ / \_
//	    2      5      9     12
//	   / \    / \    / \    / \
//	  0   1  3   4  7   8 10  11
//
// Each new node either roots a new tree over the final two trees (if they
// have equal height), or is appended as a leaf tree. Leaves link to the root
// of the prior tree. The commit record references the first node and the
// final tree root, from which a reader recovers all pieces in order by a
// post-order traversal, holding only a logarithmic number of pointers.
//
// Until the event group is committed or rolled back, the OOBContext holds
// a reference which prevents the purge of generations it has written to.
type OOBContext struct {
	store *Store
	// Root of each tree of the forest.
	trees []oobTree
	first recordPtr
	// Generation referenced by the OOBContext, if |hasRef|.
	refFileNo uint64
	hasRef    bool
	done      bool
}

type oobTree struct {
	root   recordPtr
	index  uint64
	height uint32
}

// recordPtr locates a record by its generation and offset.
type recordPtr struct {
	FileNo, Offset uint64
}

func (p recordPtr) isZero() bool { return p == recordPtr{} }

// NewOOBContext returns an OOBContext which writes to the Store.
func (s *Store) NewOOBContext() *OOBContext { return &OOBContext{store: s} }

// Len returns the number of written pieces.
func (c *OOBContext) Len() uint64 {
	if len(c.trees) == 0 {
		return 0
	}
	return c.trees[len(c.trees)-1].index + 1
}

// Write a piece of out-of-band data, which must be non-empty. Data larger
// than Config.MaxRecordSize is written as several pieces.
func (c *OOBContext) Write(data []byte) error {
	if c.done {
		return errors.New("OOBContext was already committed or rolled back")
	} else if len(data) == 0 {
		return protocol.NewValidationError("expected non-empty OOB data")
	}
	c.store.mu.Lock()
	defer c.store.mu.Unlock()

	return c.writeLocked(data)
}

// writeLocked writes |data| as pieces of at most the maximum piece size,
// each within its own redo transaction. c.store.mu must be held.
func (c *OOBContext) writeLocked(data []byte) error {
	if c.store.closed {
		return ErrStoreClosed
	}
	var size = c.store.cfg.maxPieceSize()

	for len(data) != 0 {
		var n = min(len(data), size)
		if err := c.writePiece(data[:n]); err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

func (c *OOBContext) writePiece(data []byte) error {
	var n = len(c.trees)
	var node = oobNode{Index: c.Len()}
	var height uint32 = 1
	var merge = n >= 2 && c.trees[n-2].height == c.trees[n-1].height

	if merge {
		node.Left, node.Right = c.trees[n-2].root, c.trees[n-1].root
		height = c.trees[n-1].height + 1
	} else if n != 0 {
		node.Right = c.trees[n-1].root
	}

	var ptr, err = c.store.writeOOB(c, node.appendTo(nil, data))
	if err != nil {
		return err
	}
	var tree = oobTree{root: ptr, index: node.Index, height: height}

	if merge {
		c.trees = append(c.trees[:n-2], tree)
	} else {
		c.trees = append(c.trees, tree)
	}
	if n == 0 {
		c.first = ptr
	}
	return nil
}

// Rollback the event group. Written pieces are left in the log, where
// readers ignore them.
func (c *OOBContext) Rollback() {
	c.release()
}

func (c *OOBContext) release() {
	if c.hasRef {
		c.store.refs.ReleaseRef(oob.OOB, c.refFileNo)
		c.hasRef = false
	}
	c.done = true
}

// writeOOB writes an OOB_DATA record of |c|. s.mu must be held.
func (s *Store) writeOOB(c *OOBContext, b []byte) (recordPtr, error) {
	// Reference the current generation before writing, as the record
	// may begin in it.
	if !c.hasRef {
		c.refFileNo, _ = s.writer.Position()
		c.hasRef = true
		s.refs.AddRef(oob.OOB, c.refFileNo)
	}
	var fileNo, offset, err = s.write(b, protocol.ChunkOOBData)
	return recordPtr{FileNo: fileNo, Offset: offset}, err
}

// maxOOBNodeHeader bounds the encoded oobNode header of an OOB_DATA record.
const maxOOBNodeHeader = 5 * binary.MaxVarintLen64

// oobNode is the header of an OOB_DATA record. A leaf has a zero Left,
// and its Right is the root of the prior tree (or zero if there is none).
type oobNode struct {
	Index       uint64
	Left, Right recordPtr
}

func (n oobNode) appendTo(b []byte, data []byte) []byte {
	b = protocol.AppendVarint(b, n.Index)
	b = protocol.AppendVarint(b, n.Left.FileNo)
	b = protocol.AppendVarint(b, n.Left.Offset)
	b = protocol.AppendVarint(b, n.Right.FileNo)
	b = protocol.AppendVarint(b, n.Right.Offset)
	return append(b, data...)
}

func parseOOBNode(b []byte) (oobNode, []byte, error) {
	var n oobNode
	var fields = []*uint64{&n.Index, &n.Left.FileNo, &n.Left.Offset, &n.Right.FileNo, &n.Right.Offset}

	for _, f := range fields {
		var err error
		if *f, b, err = protocol.ConsumeVarint(b); err != nil {
			return n, nil, errors.WithMessage(err, "decoding OOB node header")
		}
	}
	return n, b, nil
}
