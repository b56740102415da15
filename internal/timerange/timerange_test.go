package timerange

import (
	"math"
	"testing"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestAddMergesAdjacentAndOverlapping(t *testing.T) {
	t.Parallel()

	var rs Ranges
	rs = rs.Add(0, 10)
	rs = rs.Add(20, 30)
	rs = rs.Add(10, 20)

	if len(rs) != 1 {
		t.Fatalf("ranges: got %v, want one merged range", rs)
	}
	if !approx(rs[0].Start, 0) || !approx(rs[0].End, 30) {
		t.Errorf("range: got %v, want [0, 30)", rs[0])
	}

	rs = rs.Add(40, 50).Add(35, 45)
	if len(rs) != 2 {
		t.Fatalf("ranges: got %v, want 2", rs)
	}
	if !approx(rs[1].Start, 35) || !approx(rs[1].End, 50) {
		t.Errorf("second range: got %v, want [35, 50)", rs[1])
	}
}

func TestAddIgnoresEmptyInterval(t *testing.T) {
	t.Parallel()

	rs := Ranges{}.Add(5, 5)
	if len(rs) != 0 {
		t.Errorf("got %v, want empty", rs)
	}
}

func TestAddKeepsOrder(t *testing.T) {
	t.Parallel()

	rs := Ranges{}.Add(20, 30).Add(0, 5).Add(10, 12)
	want := Ranges{{0, 5}, {10, 12}, {20, 30}}
	if len(rs) != len(want) {
		t.Fatalf("got %v, want %v", rs, want)
	}
	for i := range want {
		if !approx(rs[i].Start, want[i].Start) || !approx(rs[i].End, want[i].End) {
			t.Errorf("range %d: got %v, want %v", i, rs[i], want[i])
		}
	}
}

func TestRemoveSplitsAndTrims(t *testing.T) {
	t.Parallel()

	rs := Ranges{}.Add(0, 30)

	rs = rs.Remove(10, 20)
	if len(rs) != 2 {
		t.Fatalf("after split: got %v", rs)
	}
	if !approx(rs[0].End, 10) || !approx(rs[1].Start, 20) {
		t.Errorf("split edges: got %v", rs)
	}

	rs = rs.Remove(0, 10)
	start, ok := rs.Start()
	if !ok || !approx(start, 20) {
		t.Errorf("start after removing head: got %v %v, want 20", start, ok)
	}

	rs = rs.Remove(0, math.Inf(1))
	if _, ok := rs.Start(); ok {
		t.Errorf("expected empty set, got %v", rs)
	}
}

func TestRemoveOutsideIsNoop(t *testing.T) {
	t.Parallel()

	rs := Ranges{}.Add(10, 20)
	got := rs.Remove(30, 40)
	if len(got) != 1 || !approx(got[0].Start, 10) || !approx(got[0].End, 20) {
		t.Errorf("got %v, want unchanged", got)
	}
}

func TestIntersect(t *testing.T) {
	t.Parallel()

	rs := Ranges{{0, 10}, {20, 30}}
	got := rs.Intersect(5, 25)
	if len(got) != 2 {
		t.Fatalf("got %v", got)
	}
	if !approx(got[0].Start, 5) || !approx(got[1].End, 25) {
		t.Errorf("got %v, want {[5,10) [20,25)}", got)
	}
	if got := rs.Intersect(10, 20); len(got) != 0 {
		t.Errorf("gap intersect: got %v, want empty", got)
	}
}

func TestAheadOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rs   Ranges
		at   float64
		want float64
	}{
		{"empty", nil, 0, 0},
		{"inside", Ranges{{0, 30}}, 0, 30},
		{"middle", Ranges{{0, 30}}, 10, 20},
		{"before first", Ranges{{10, 30}}, 0, 20},
		{"stops at gap", Ranges{{0, 10}, {15, 30}}, 5, 5},
		{"after end", Ranges{{0, 10}}, 12, 0},
		{"second range", Ranges{{0, 10}, {15, 30}}, 12, 15},
		{"adjoining unmerged", Ranges{{0, 10}, {10, 20}}, 0, 20},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.rs.AheadOf(tt.at); !approx(got, tt.want) {
				t.Errorf("AheadOf(%v): got %v, want %v", tt.at, got, tt.want)
			}
		})
	}
}

func TestContains(t *testing.T) {
	t.Parallel()

	rs := Ranges{{10, 20}}
	if rs.Contains(9, 0) {
		t.Error("9 should not be buffered without tolerance")
	}
	if !rs.Contains(9.5, 1) {
		t.Error("9.5 should be buffered with a 1s gap tolerance")
	}
	if rs.Contains(20, 0) {
		t.Error("end is exclusive")
	}
}

func TestTotalAndEnd(t *testing.T) {
	t.Parallel()

	rs := Ranges{{0, 5}, {10, 12}}
	if got := rs.Total(); !approx(got, 7) {
		t.Errorf("Total: got %v, want 7", got)
	}
	end, ok := rs.End()
	if !ok || !approx(end, 12) {
		t.Errorf("End: got %v %v, want 12", end, ok)
	}
}
