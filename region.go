package main

import (
	"encoding/json"
	"slices"
	"sort"
)

// Rect is an axis-aligned integer rectangle in zone coordinates.
type Rect struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

func (r Rect) empty() bool { return r.W <= 0 || r.H <= 0 }

// Region is a set of points stored as disjoint rectangles in canonical band
// order: maximal horizontal bands, each holding merged x-spans. Two regions
// covering the same points always hold identical rectangle lists, so Equal is
// a plain comparison and Union is commutative and idempotent.
type Region struct {
	rects []Rect
}

// NewRegion builds a canonical region from possibly overlapping rectangles.
func NewRegion(rects ...Rect) Region {
	return Region{rects: combine(rects, nil, opUnion)}
}

// Rects returns a copy of the canonical rectangles.
func (r Region) Rects() []Rect {
	return slices.Clone(r.rects)
}

func (r Region) IsEmpty() bool { return len(r.rects) == 0 }

func (r Region) Union(o Region) Region {
	return Region{rects: combine(r.rects, o.rects, opUnion)}
}

func (r Region) Subtract(o Region) Region {
	return Region{rects: combine(r.rects, o.rects, opSubtract)}
}

func (r Region) Equal(o Region) bool {
	return slices.Equal(r.rects, o.rects)
}

// Contains reports whether the unit cell at (x, y) lies in the region.
func (r Region) Contains(x, y int) bool {
	for _, rc := range r.rects {
		if x >= rc.X && x < rc.X+rc.W && y >= rc.Y && y < rc.Y+rc.H {
			return true
		}
	}
	return false
}

// Area returns the number of unit cells covered.
func (r Region) Area() int64 {
	var n int64
	for _, rc := range r.rects {
		n += int64(rc.W) * int64(rc.H)
	}
	return n
}

func (r Region) MarshalJSON() ([]byte, error) {
	if r.rects == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r.rects)
}

func (r *Region) UnmarshalJSON(data []byte) error {
	var rects []Rect
	if err := json.Unmarshal(data, &rects); err != nil {
		return err
	}
	*r = NewRegion(rects...)
	return nil
}

type setOp func(inA, inB bool) bool

var (
	opUnion    setOp = func(a, b bool) bool { return a || b }
	opSubtract setOp = func(a, b bool) bool { return a && !b }
)

type span struct{ x0, x1 int }

// combine applies op to the point sets of a and b and returns the canonical
// rectangle list of the result.
func combine(a, b []Rect, op setOp) []Rect {
	ys := make([]int, 0, 2*(len(a)+len(b)))
	for _, rs := range [][]Rect{a, b} {
		for _, r := range rs {
			if r.empty() {
				continue
			}
			ys = append(ys, r.Y, r.Y+r.H)
		}
	}
	sort.Ints(ys)
	ys = slices.Compact(ys)

	var (
		out     []Rect
		last    []span
		lastIdx int
		lastEnd int
	)
	for i := 0; i+1 < len(ys); i++ {
		y0, y1 := ys[i], ys[i+1]
		spans := combineSpans(bandSpans(a, y0, y1), bandSpans(b, y0, y1), op)
		if len(spans) == 0 {
			last = nil
			continue
		}
		if last != nil && lastEnd == y0 && slices.Equal(spans, last) {
			for j := lastIdx; j < len(out); j++ {
				out[j].H += y1 - y0
			}
			lastEnd = y1
			continue
		}
		lastIdx = len(out)
		for _, s := range spans {
			out = append(out, Rect{X: s.x0, Y: y0, W: s.x1 - s.x0, H: y1 - y0})
		}
		last, lastEnd = spans, y1
	}
	return out
}

// bandSpans returns the merged x-spans of rects fully covering [y0, y1).
func bandSpans(rects []Rect, y0, y1 int) []span {
	var spans []span
	for _, r := range rects {
		if r.empty() || r.Y > y0 || r.Y+r.H < y1 {
			continue
		}
		spans = append(spans, span{r.X, r.X + r.W})
	}
	if len(spans) < 2 {
		return spans
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].x0 < spans[j].x0 })
	merged := spans[:1]
	for _, s := range spans[1:] {
		top := &merged[len(merged)-1]
		if s.x0 <= top.x1 {
			top.x1 = max(top.x1, s.x1)
			continue
		}
		merged = append(merged, s)
	}
	return merged
}

func combineSpans(a, b []span, op setOp) []span {
	xs := make([]int, 0, 2*(len(a)+len(b)))
	for _, s := range a {
		xs = append(xs, s.x0, s.x1)
	}
	for _, s := range b {
		xs = append(xs, s.x0, s.x1)
	}
	sort.Ints(xs)
	xs = slices.Compact(xs)

	var out []span
	for i := 0; i+1 < len(xs); i++ {
		x0, x1 := xs[i], xs[i+1]
		if !op(covers(a, x0), covers(b, x0)) {
			continue
		}
		if n := len(out); n > 0 && out[n-1].x1 == x0 {
			out[n-1].x1 = x1
			continue
		}
		out = append(out, span{x0, x1})
	}
	return out
}

func covers(spans []span, x int) bool {
	for _, s := range spans {
		if x >= s.x0 && x < s.x1 {
			return true
		}
	}
	return false
}
