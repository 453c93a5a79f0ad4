package gtid

import "sync"

// Tracker supplies the GTID state which is embedded in the log.
type Tracker interface {
	// Update the tracked state with a GTID about to be logged.
	Update(GTID)
	// Snapshot returns the full current state, and begins a new
	// differential state relative to it.
	Snapshot() State
	// DiffSnapshot returns the GTIDs updated since the last Snapshot.
	DiffSnapshot() State
	// Load replaces the tracked state with |State|, as at startup.
	Load(State)
	// Current returns the full current state.
	Current() State
}

// MemTracker is an in-memory Tracker.
type MemTracker struct {
	mu   sync.Mutex
	full State
	diff State
}

// NewMemTracker returns an empty MemTracker.
func NewMemTracker() *MemTracker { return new(MemTracker) }

// Update implements Tracker.
func (t *MemTracker) Update(g GTID) {
	t.mu.Lock()
	t.full.Update(g)
	t.diff.Update(g)
	t.mu.Unlock()
}

// Snapshot implements Tracker.
func (t *MemTracker) Snapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.diff = State{}
	return t.full.Clone()
}

// DiffSnapshot implements Tracker.
func (t *MemTracker) DiffSnapshot() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.diff.Clone()
}

// Load implements Tracker.
func (t *MemTracker) Load(s State) {
	t.mu.Lock()
	t.full, t.diff = s.Clone(), State{}
	t.mu.Unlock()
}

// Current implements Tracker.
func (t *MemTracker) Current() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.full.Clone()
}
