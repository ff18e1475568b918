package missing

import (
	"math/rand"
	"testing"

	"blastxfer/internal/wire"
)

func TestComputeAllReceived(t *testing.T) {
	received := make([]bool, 11)
	for i := range received {
		received[i] = true
	}
	got := Compute(received, 1, 10)
	if len(got) != 0 {
		t.Fatalf("expected no missing segments, got %v", got)
	}
}

func TestComputeAllMissing(t *testing.T) {
	received := make([]bool, 11)
	got := Compute(received, 1, 10)
	want := []wire.Segment{{Start: 1, End: 10}}
	if len(got) != 1 || got[0] != want[0] {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestComputeInteriorGap(t *testing.T) {
	received := make([]bool, 11)
	for i := range received {
		received[i] = true
	}
	received[3] = false
	received[4] = false
	got := Compute(received, 1, 10)
	want := wire.Segment{Start: 3, End: 4}
	if len(got) != 1 || got[0] != want {
		t.Fatalf("got %v, want [%v]", got, want)
	}
}

func TestComputeEdgeGaps(t *testing.T) {
	received := make([]bool, 11)
	for i := range received {
		received[i] = true
	}
	received[1] = false
	received[10] = false
	got := Compute(received, 1, 10)
	if len(got) != 2 {
		t.Fatalf("got %v, want 2 segments", got)
	}
	if got[0] != (wire.Segment{Start: 1, End: 1}) || got[1] != (wire.Segment{Start: 10, End: 10}) {
		t.Errorf("got %v", got)
	}
}

// isDisjointSortedAndFlanked verifies properties (i), (ii) and (iv) of
// the base spec's missing-range correctness property.
func isDisjointSortedAndFlanked(t *testing.T, received []bool, start, end uint32, segs []wire.Segment) {
	t.Helper()
	prevEnd := int64(start) - 1
	for _, s := range segs {
		if s.Start > s.End {
			t.Fatalf("segment %+v has start > end", s)
		}
		if int64(s.Start) <= prevEnd {
			t.Fatalf("segments not sorted/disjoint: %v", segs)
		}
		if s.Start > start && received[s.Start-1] != true {
			t.Fatalf("segment %+v not flanked by a received index or boundary on the left", s)
		}
		if s.End < end && received[s.End+1] != true {
			t.Fatalf("segment %+v not flanked by a received index or boundary on the right", s)
		}
		prevEnd = int64(s.End)
	}
}

func coversExactlyMissing(t *testing.T, received []bool, start, end uint32, segs []wire.Segment) {
	t.Helper()
	covered := make(map[uint32]bool)
	for _, s := range segs {
		for i := s.Start; i <= s.End; i++ {
			covered[i] = true
		}
	}
	for i := start; i <= end; i++ {
		wantMissing := !received[i]
		if covered[i] != wantMissing {
			t.Fatalf("index %d: covered=%v, want missing=%v", i, covered[i], wantMissing)
		}
	}
}

func TestComputeRandomizedProperties(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for trial := 0; trial < 200; trial++ {
		n := 1 + rng.Intn(200)
		received := make([]bool, n+1)
		for i := 1; i <= n; i++ {
			received[i] = rng.Intn(3) != 0
		}
		start := uint32(1 + rng.Intn(n))
		end := start + uint32(rng.Intn(n-int(start)+1))

		segs := Compute(received, start, end)
		isDisjointSortedAndFlanked(t, received, start, end, segs)
		coversExactlyMissing(t, received, start, end, segs)
	}
}

func TestComputeCapsAtMaxMissingSegments(t *testing.T) {
	n := wire.MaxMissingSegments*2 + 5
	received := make([]bool, n+1)
	for i := 1; i <= n; i += 2 {
		received[i] = true // every other record present -> many single-record gaps
	}
	got := Compute(received, 1, uint32(n))
	if len(got) != wire.MaxMissingSegments {
		t.Fatalf("got %d segments, want capped at %d", len(got), wire.MaxMissingSegments)
	}
}
