// Package book maintains the per-symbol price-level ledger and the sequence
// state machine that guards it.
package book

// SyncState enumerates the sequence tracker states.
type SyncState int

const (
	// StateUninitialized means no snapshot has been accepted yet.
	StateUninitialized SyncState = iota
	// StateSynced means diffs advance the ledger one sequence at a time.
	StateSynced
	// StateGapped means a lost update was detected; diffs are discarded until
	// a fresh snapshot restores integrity.
	StateGapped
)

func (s SyncState) String() string {
	switch s {
	case StateSynced:
		return "synced"
	case StateGapped:
		return "gapped"
	default:
		return "uninitialized"
	}
}

// DiffOutcome classifies a diff's sequence number against the tracker state.
type DiffOutcome int

const (
	// DiffAccepted means the diff is the next contiguous sequence and may be applied.
	DiffAccepted DiffOutcome = iota
	// DiffDuplicate means the diff's sequence was already applied; discard silently.
	DiffDuplicate
	// DiffGap means one or more updates were lost; the caller must resync.
	DiffGap
	// DiffAwaitingResync means the tracker is gapped and the diff is discarded.
	DiffAwaitingResync
)

// Gap describes a detected sequence discontinuity.
type Gap struct {
	Expected uint64
	Got      uint64
}

// SequenceTracker classifies incoming sequence numbers for one symbol.
// Sequence numbers from different channels are normalized to uint64 before
// they reach the tracker, so one total order applies. Not safe for concurrent
// use; the orchestrator serializes access per symbol.
type SequenceTracker struct {
	state       SyncState
	lastApplied uint64
	generation  uint64
}

// NewSequenceTracker returns a tracker in the uninitialized state.
func NewSequenceTracker() *SequenceTracker {
	return new(SequenceTracker)
}

// AcceptSnapshot unconditionally resets the tracker onto the snapshot's
// sequence, clearing any gap.
func (t *SequenceTracker) AcceptSnapshot(seq uint64) {
	t.state = StateSynced
	t.lastApplied = seq
}

// AcceptDiff classifies the diff sequence. Only DiffAccepted advances
// last-applied. A gap never gets patched by interpolation: any discontinuity
// is total loss of book integrity until a fresh snapshot arrives.
func (t *SequenceTracker) AcceptDiff(seq uint64) (DiffOutcome, Gap) {
	switch t.state {
	case StateUninitialized:
		return DiffAwaitingResync, Gap{}
	case StateGapped:
		return DiffAwaitingResync, Gap{}
	}

	switch {
	case seq <= t.lastApplied:
		return DiffDuplicate, Gap{}
	case seq == t.lastApplied+1:
		t.lastApplied = seq
		return DiffAccepted, Gap{}
	default:
		gap := Gap{Expected: t.lastApplied + 1, Got: seq}
		t.state = StateGapped
		t.generation++
		return DiffGap, gap
	}
}

// State returns the current tracker state.
func (t *SequenceTracker) State() SyncState {
	return t.state
}

// LastApplied returns the last accepted sequence number.
func (t *SequenceTracker) LastApplied() uint64 {
	return t.lastApplied
}

// Generation increments on every detected gap. A resync result is applied only
// if the generation it was requested under is still current, so a superseded
// resync is discarded instead of clobbering newer state.
func (t *SequenceTracker) Generation() uint64 {
	return t.generation
}
