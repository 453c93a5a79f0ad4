package lifecycle

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// NoFile denotes the absence of a generation.
const NoFile = ^uint64(0)

// GenState is the lifecycle state of a generation.
type GenState int

const (
	// Uncreated generations follow the last created generation.
	Uncreated GenState = iota
	// Precreated generations exist, but have not been written.
	Precreated
	// Active is the single generation receiving writes.
	Active
	// Draining generations are full, and their pages are being flushed.
	Draining
	// Closed generations are fully flushed and synced, and readable only from file.
	Closed
	// Purged generations have been removed.
	Purged
)

func (s GenState) String() string {
	switch s {
	case Uncreated:
		return "Uncreated"
	case Precreated:
		return "Precreated"
	case Active:
		return "Active"
	case Draining:
		return "Draining"
	case Closed:
		return "Closed"
	case Purged:
		return "Purged"
	}
	return fmt.Sprintf("GenState(%d)", int(s))
}

// LogState holds the generation pointers of the log. It's owned by a
// Manager, which performs all transitions. Other packages may only read it.
type LogState struct {
	mu   sync.Mutex
	cond *sync.Cond

	// First generation which is still open (not yet Closed).
	firstOpen uint64
	// Generation receiving writes.
	active uint64
	// Most recently created generation.
	lastCreated uint64
	// Generations before |firstRetained| have been purged.
	firstRetained uint64
	// States of open generations.
	states map[uint64]GenState

	// Copy of |active| for unlocked, dirty reads.
	activeAtomic atomic.Uint64
}

func newLogState() *LogState {
	var s = &LogState{states: make(map[uint64]GenState)}
	s.cond = sync.NewCond(&s.mu)
	s.reset()
	return s
}

// reset to an empty log. s.mu must be held.
func (s *LogState) reset() {
	s.firstOpen, s.active, s.lastCreated = NoFile, NoFile, NoFile
	s.firstRetained = 0
	s.states = make(map[uint64]GenState)
	s.activeAtomic.Store(NoFile)
}

// Active returns the active generation, without locking. The value may be
// stale by the time it's used: readers re-check it after reading a page.
func (s *LogState) Active() uint64 { return s.activeAtomic.Load() }

// Pointers returns the first-open, active and last-created generations.
func (s *LogState) Pointers() (firstOpen, active, lastCreated uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstOpen, s.active, s.lastCreated
}

// State returns the lifecycle state of |fileNo|.
func (s *LogState) State(fileNo uint64) GenState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(fileNo)
}

func (s *LogState) stateLocked(fileNo uint64) GenState {
	if st, ok := s.states[fileNo]; ok {
		return st
	} else if s.lastCreated == NoFile || fileNo > s.lastCreated {
		return Uncreated
	} else if fileNo < s.firstRetained {
		return Purged
	}
	return Closed
}

// markPurged records that generations before |upTo| are purged.
func (s *LogState) markPurged(upTo uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if upTo > s.firstRetained {
		s.firstRetained = upTo
	}
}
