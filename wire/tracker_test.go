package wire

import "testing"

func TestSequenceTrackerFirstValueIsBaseline(t *testing.T) {
	var tr SequenceTracker
	if _, ok := tr.LastSeen(); ok {
		t.Fatalf("fresh tracker should have no baseline")
	}
	// any first value is accepted, even a large one
	result, next := tr.Ingest(57)
	if result != SequenceAccepted {
		t.Fatalf("first ingest: got %v want accepted", result)
	}
	if next != 58 {
		t.Errorf("expected next: got %d want 58", next)
	}
	if last, ok := tr.LastSeen(); !ok || last != 57 {
		t.Errorf("baseline: got %d,%v want 57,true", last, ok)
	}
}

func TestSequenceTrackerIngest(t *testing.T) {
	testCases := []struct {
		name     string
		seed     []uint64
		seq      uint64
		want     SequenceIngest
		wantLast uint64
	}{
		{name: "contiguous advance", seed: []uint64{1, 2}, seq: 3, want: SequenceAccepted, wantLast: 3},
		{name: "gap does not advance", seed: []uint64{1, 2}, seq: 4, want: SequenceGap, wantLast: 2},
		{name: "duplicate is stale", seed: []uint64{1, 2}, seq: 2, want: SequenceStale, wantLast: 2},
		{name: "earlier is stale", seed: []uint64{5}, seq: 3, want: SequenceStale, wantLast: 5},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var tr SequenceTracker
			for _, s := range tc.seed {
				tr.Ingest(s)
			}
			result, _ := tr.Ingest(tc.seq)
			if result != tc.want {
				t.Errorf("result: got %v want %v", result, tc.want)
			}
			if last, _ := tr.LastSeen(); last != tc.wantLast {
				t.Errorf("baseline: got %d want %d", last, tc.wantLast)
			}
		})
	}
}

func TestSequenceTrackerGapThenResync(t *testing.T) {
	var tr SequenceTracker
	tr.Ingest(1)
	tr.Ingest(2)
	if result, _ := tr.Ingest(7); result != SequenceGap {
		t.Fatalf("expected a gap")
	}
	// delivery after the gap is still measured against the old baseline
	if result, _ := tr.Ingest(3); result != SequenceAccepted {
		t.Errorf("seq 3 should still be deliverable after a gap")
	}
	// a snapshot adopts its own seq wholesale
	tr.Reset(42)
	if result, _ := tr.Ingest(43); result != SequenceAccepted {
		t.Errorf("seq 43 should follow the adopted baseline")
	}
	if result, _ := tr.Ingest(10); result != SequenceStale {
		t.Errorf("pre-reset seq should now be stale")
	}
}

func TestSequenceTrackerClear(t *testing.T) {
	var tr SequenceTracker
	tr.Ingest(9)
	tr.Clear()
	if _, ok := tr.LastSeen(); ok {
		t.Fatalf("cleared tracker should have no baseline")
	}
	if result, _ := tr.Ingest(1); result != SequenceAccepted {
		t.Errorf("first value after clear should be accepted")
	}
}
