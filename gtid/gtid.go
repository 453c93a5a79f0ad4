// Package gtid models global transaction identifiers, and the replication
// state formed by the last GTID of each replication domain.
package gtid

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"go.gazette.dev/binlog/protocol"
)

// GTID identifies a transaction as the SeqNo'th of a replication Domain,
// originating at Server.
type GTID struct {
	Domain uint32
	Server uint32
	SeqNo  uint64
}

func (g GTID) String() string { return fmt.Sprintf("%d-%d-%d", g.Domain, g.Server, g.SeqNo) }

// ParseGTID parses a GTID of the form "domain-server-seqno".
func ParseGTID(s string) (GTID, error) {
	var parts = strings.Split(s, "-")
	if len(parts) != 3 {
		return GTID{}, protocol.NewValidationError("expected domain-server-seqno (%q)", s)
	}
	var out GTID

	if d, err := strconv.ParseUint(parts[0], 10, 32); err != nil {
		return GTID{}, protocol.NewValidationError("invalid domain (%q): %s", s, err)
	} else if v, err := strconv.ParseUint(parts[1], 10, 32); err != nil {
		return GTID{}, protocol.NewValidationError("invalid server (%q): %s", s, err)
	} else if n, err := strconv.ParseUint(parts[2], 10, 64); err != nil {
		return GTID{}, protocol.NewValidationError("invalid seqno (%q): %s", s, err)
	} else {
		out = GTID{Domain: uint32(d), Server: uint32(v), SeqNo: n}
	}
	return out, nil
}

// State is the last GTID of each of a set of domains.
// The zero value is an empty State, ready for use.
type State struct {
	domains map[uint32]GTID
}

// NewState returns a State of the given GTIDs.
func NewState(gtids ...GTID) State {
	var s State
	for _, g := range gtids {
		s.Update(g)
	}
	return s
}

// ParseState parses a comma-separated list of GTIDs.
func ParseState(str string) (State, error) {
	var s State
	if str = strings.TrimSpace(str); str == "" {
		return s, nil
	}
	for _, part := range strings.Split(str, ",") {
		var g, err = ParseGTID(strings.TrimSpace(part))
		if err != nil {
			return State{}, err
		}
		s.Update(g)
	}
	return s, nil
}

// Update the State with |g|, replacing the prior GTID of its domain.
func (s *State) Update(g GTID) {
	if s.domains == nil {
		s.domains = make(map[uint32]GTID)
	}
	s.domains[g.Domain] = g
}

// Apply updates the State with all GTIDs of |other|.
func (s *State) Apply(other State) {
	for _, g := range other.domains {
		s.Update(g)
	}
}

// Get returns the GTID of |domain|, if present.
func (s State) Get(domain uint32) (GTID, bool) {
	var g, ok = s.domains[domain]
	return g, ok
}

// Len returns the number of domains of the State.
func (s State) Len() int { return len(s.domains) }

// GTIDs returns GTIDs of the State, ordered on domain.
func (s State) GTIDs() []GTID {
	var out = make([]GTID, 0, len(s.domains))
	for _, g := range s.domains {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Domain < out[j].Domain })
	return out
}

// Clone returns a deep copy of the State.
func (s State) Clone() State {
	var out State
	out.Apply(s)
	return out
}

// IsBeforePos returns true if every transaction included in the State is
// also included in the replication position |pos|. A reader which begins
// at a point of the log having State will then not skip over any
// transaction needed by |pos|.
func (s State) IsBeforePos(pos State) bool {
	for d, g := range s.domains {
		if p, ok := pos.domains[d]; !ok || g.SeqNo > p.SeqNo {
			return false
		}
	}
	return true
}

func (s State) String() string {
	var parts []string
	for _, g := range s.GTIDs() {
		parts = append(parts, g.String())
	}
	return strings.Join(parts, ",")
}

// AppendTo appends the encoding of the State to |b|: a varint count,
// followed by the varint domain, server and seqno of each GTID.
func (s State) AppendTo(b []byte) []byte {
	var gtids = s.GTIDs()

	b = protocol.AppendVarint(b, uint64(len(gtids)))
	for _, g := range gtids {
		b = protocol.AppendVarint(b, uint64(g.Domain))
		b = protocol.AppendVarint(b, uint64(g.Server))
		b = protocol.AppendVarint(b, g.SeqNo)
	}
	return b
}

// ConsumeState decodes a State encoded by AppendTo from the front of |b|,
// returning the remainder of |b|.
func ConsumeState(b []byte) (State, []byte, error) {
	var s State
	var count uint64
	var err error

	if count, b, err = protocol.ConsumeVarint(b); err != nil {
		return s, b, errors.WithMessage(err, "decoding GTID count")
	}
	for i := uint64(0); i != count; i++ {
		var fields [3]uint64
		for j := range fields {
			if fields[j], b, err = protocol.ConsumeVarint(b); err != nil {
				return s, b, errors.WithMessagef(err, "decoding GTID %d of %d", i, count)
			}
		}
		s.Update(GTID{Domain: uint32(fields[0]), Server: uint32(fields[1]), SeqNo: fields[2]})
	}
	return s, b, nil
}
