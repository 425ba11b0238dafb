package store

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestIntervalSetInsertMerges(t *testing.T) {
	var s intervalSet
	s.Insert(10, 20)
	s.Insert(20, 30) // adjacent, should merge into one run
	s.Insert(40, 50) // disjoint
	s.Insert(25, 45) // bridges the gap between the two runs

	want := []span{{10, 50}}
	if diff := cmp.Diff(want, s.ranges, cmp.AllowUnexported(span{})); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestIntervalSetRemoveSplits(t *testing.T) {
	var s intervalSet
	s.Insert(0, 100)
	s.Remove(40, 60)

	want := []span{{0, 40}, {60, 100}}
	if diff := cmp.Diff(want, s.ranges, cmp.AllowUnexported(span{})); diff != "" {
		t.Errorf("ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestIntervalSetContains(t *testing.T) {
	var s intervalSet
	s.Insert(10, 20)
	for _, v := range []uint64{0, 9, 20, 25} {
		if s.Contains(v) {
			t.Errorf("Contains(%d) = true, want false", v)
		}
	}
	for _, v := range []uint64{10, 15, 19} {
		if !s.Contains(v) {
			t.Errorf("Contains(%d) = false, want true", v)
		}
	}
}

func TestIntervalSetGaps(t *testing.T) {
	var s intervalSet
	s.Insert(10, 20)
	s.Insert(30, 40)

	got := s.Gaps(0, 50)
	want := []span{{0, 10}, {20, 30}, {40, 50}}
	if diff := cmp.Diff(want, got, cmp.AllowUnexported(span{})); diff != "" {
		t.Errorf("Gaps mismatch (-want +got):\n%s", diff)
	}
}
