package wire

import "fmt"

// SequenceIngest classifies one observed sequence number.
type SequenceIngest int

const (
	SequenceAccepted SequenceIngest = iota
	SequenceStale
	SequenceGap
)

func (s SequenceIngest) String() string {
	switch s {
	case SequenceAccepted:
		return "accepted"
	case SequenceStale:
		return "stale"
	case SequenceGap:
		return "gap"
	}
	return fmt.Sprintf("SequenceIngest(%d)", int(s))
}

// SequenceTracker detects gaps and stale deliveries in a peer's sequence
// stream. The first value it sees is accepted unconditionally and becomes the
// baseline; after that only last+1 advances it. A gap never advances the
// baseline: repair happens by resync, after which the snapshot's own seq is
// adopted via Reset.
type SequenceTracker struct {
	last    uint64
	started bool
}

// LastSeen returns the current baseline. ok is false before the first ingest.
func (t *SequenceTracker) LastSeen() (seq uint64, ok bool) {
	return t.last, t.started
}

// Ingest classifies seq and advances the baseline on acceptance. For gaps it
// also reports the expected next value.
func (t *SequenceTracker) Ingest(seq uint64) (result SequenceIngest, expectedNext uint64) {
	if !t.started {
		t.started = true
		t.last = seq
		return SequenceAccepted, seq + 1
	}
	expectedNext = t.last + 1
	switch {
	case seq == expectedNext:
		t.last = seq
		return SequenceAccepted, seq + 1
	case seq <= t.last:
		return SequenceStale, expectedNext
	}
	return SequenceGap, expectedNext
}

// Reset adopts seq as the new baseline, e.g. after applying a full snapshot.
func (t *SequenceTracker) Reset(seq uint64) {
	t.last = seq
	t.started = true
}

// Clear forgets the baseline entirely, as if no sequence was ever seen.
func (t *SequenceTracker) Clear() {
	t.last = 0
	t.started = false
}
