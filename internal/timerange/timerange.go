// Package timerange implements the ordered, disjoint interval sets that host
// buffers report as their buffered content, along with the ahead-of and
// start queries the engine answers from them.
package timerange

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Epsilon is the distance under which two interval edges are treated as
// touching. Sample timestamps are derived from a 90 kHz clock, so anything
// below a microsecond is rounding noise.
const Epsilon = 1e-6

// Range is a half-open interval [Start, End) in seconds.
type Range struct {
	Start float64
	End   float64
}

// Duration returns End - Start.
func (r Range) Duration() float64 { return r.End - r.Start }

// Empty reports whether the range covers no time.
func (r Range) Empty() bool { return r.End-r.Start <= Epsilon }

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", formatSeconds(r.Start), formatSeconds(r.End))
}

// Ranges is a sorted set of disjoint, non-touching ranges. The zero value is
// an empty set. Methods never modify the receiver.
type Ranges []Range

// Add returns the set with [start, end) merged in.
func (rs Ranges) Add(start, end float64) Ranges {
	if end-start <= Epsilon {
		return rs.clone()
	}
	out := make(Ranges, 0, len(rs)+1)
	cur := Range{Start: start, End: end}
	inserted := false
	for _, r := range rs {
		switch {
		case r.End < cur.Start-Epsilon:
			out = append(out, r)
		case r.Start > cur.End+Epsilon:
			if !inserted {
				out = append(out, cur)
				inserted = true
			}
			out = append(out, r)
		default:
			cur.Start = math.Min(cur.Start, r.Start)
			cur.End = math.Max(cur.End, r.End)
		}
	}
	if !inserted {
		out = append(out, cur)
	}
	return out
}

// Remove returns the set with [start, end) cut out.
func (rs Ranges) Remove(start, end float64) Ranges {
	out := make(Ranges, 0, len(rs)+1)
	for _, r := range rs {
		if r.End <= start || r.Start >= end {
			out = append(out, r)
			continue
		}
		if r.Start < start && start-r.Start > Epsilon {
			out = append(out, Range{Start: r.Start, End: start})
		}
		if r.End > end && r.End-end > Epsilon {
			out = append(out, Range{Start: end, End: r.End})
		}
	}
	return out
}

// Intersect returns the parts of the set that fall inside [start, end).
func (rs Ranges) Intersect(start, end float64) Ranges {
	var out Ranges
	for _, r := range rs {
		s := math.Max(r.Start, start)
		e := math.Min(r.End, end)
		if e-s > Epsilon {
			out = append(out, Range{Start: s, End: e})
		}
	}
	return out
}

// Start returns the start of the earliest range.
func (rs Ranges) Start() (float64, bool) {
	if len(rs) == 0 {
		return 0, false
	}
	return rs[0].Start, true
}

// End returns the end of the latest range.
func (rs Ranges) End() (float64, bool) {
	if len(rs) == 0 {
		return 0, false
	}
	return rs[len(rs)-1].End, true
}

// Total returns the summed duration of every range.
func (rs Ranges) Total() float64 {
	var total float64
	for _, r := range rs {
		total += r.Duration()
	}
	return total
}

// Contains reports whether t falls inside a range, allowing gaps of up to
// tolerance before a range start.
func (rs Ranges) Contains(t, tolerance float64) bool {
	for _, r := range rs {
		if t >= r.Start-tolerance-Epsilon && t < r.End {
			return true
		}
	}
	return false
}

// AheadOf returns the buffered duration from t onward: the remainder of the
// first range covering or following t, plus every range directly adjoining
// it, stopping at the first gap.
func (rs Ranges) AheadOf(t float64) float64 {
	i := sort.Search(len(rs), func(i int) bool { return rs[i].End > t })
	if i == len(rs) {
		return 0
	}
	ahead := rs[i].End - math.Max(rs[i].Start, t)
	for j := i + 1; j < len(rs); j++ {
		if rs[j].Start-rs[j-1].End > Epsilon {
			break
		}
		ahead += rs[j].Duration()
	}
	return ahead
}

func (rs Ranges) String() string {
	parts := make([]string, len(rs))
	for i, r := range rs {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, " ") + "}"
}

func (rs Ranges) clone() Ranges {
	if rs == nil {
		return nil
	}
	out := make(Ranges, len(rs))
	copy(out, rs)
	return out
}

func formatSeconds(v float64) string {
	if math.IsInf(v, 1) {
		return "inf"
	}
	return fmt.Sprintf("%.3f", v)
}
