package rowset

import (
	"fmt"
)

// View is the queryable composition of all live segments: the interval index
// over bounded segments plus the explicit list of unbounded ones. A view is
// immutable; flush and compaction build a replacement and swap it under the
// coordination lock's exclusive mode.
type View struct {
	tree      *IntervalTree
	unbounded []*Shared
	all       []*Shared
}

// NewView routes each segment into the bounded index or the unbounded list
// by whether its bounds are determinable, and builds the index. A segment
// appearing twice is an invariant violation and panics.
func NewView(segs []*Shared) (*View, error) {
	v := &View{}
	seen := make(map[uint64]bool, len(segs))

	var entries []Entry
	for _, s := range segs {
		if seen[s.ID()] {
			panic(fmt.Sprintf("rowset: segment %d present twice in view", s.ID()))
		}
		seen[s.ID()] = true

		v.all = append(v.all, s)
		if min, max, ok := s.RowSet().Bounds(); ok {
			entries = append(entries, Entry{Seg: s, Min: min, Max: max})
		} else {
			v.unbounded = append(v.unbounded, s)
		}
	}

	tree, err := NewIntervalTree(entries)
	if err != nil {
		return nil, err
	}
	v.tree = tree
	return v, nil
}

// All returns every live segment. Callers must not mutate the slice.
func (v *View) All() []*Shared { return v.all }

// Unbounded returns the segments scanned on every query.
func (v *View) Unbounded() []*Shared { return v.unbounded }

// BoundedLen returns the number of segments in the interval index.
func (v *View) BoundedLen() int { return v.tree.Len() }

// Overlapping returns every segment that may hold rows in [lo,hi]: all
// unbounded segments (their true bounds are unknown and may have grown), plus
// the index matches. False positives are expected and resolved by probing the
// segment; false negatives never occur. Never fails.
func (v *View) Overlapping(lo, hi []byte) []*Shared {
	out := make([]*Shared, 0, len(v.unbounded)+4)
	out = append(out, v.unbounded...)
	return append(out, v.tree.FindOverlapping(lo, hi)...)
}

// Containing returns every segment that may hold the key.
func (v *View) Containing(point []byte) []*Shared {
	return v.Overlapping(point, point)
}
