package rowset

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/CVDpl/go-live-tablet/internal/common"
)

// Entry is one bounded segment with its fixed key range.
type Entry struct {
	Seg *Shared
	Min []byte
	Max []byte
}

// IntervalTree is the immutable index over bounded segments. It is built
// once from a fixed entry list and never mutated; structural change means
// building a new tree and swapping the reference under the coordination
// lock, which is what keeps concurrent queries lock-free.
//
// Nodes live in a single flat slice with index-based child links. Each node
// carries the maximum upper bound of its subtree so queries can prune
// subtrees that end before the probe range starts.
type IntervalTree struct {
	nodes []treeNode
	root  int32
}

type treeNode struct {
	entry    Entry
	left     int32
	right    int32
	maxUpper []byte
}

const nilNode = int32(-1)

// NewIntervalTree builds the index from bounded-segment entries. Entries
// with missing or inverted bounds fail construction with ErrInvalidBounds;
// the caller must route segments without determinable bounds to the
// unbounded list instead of the index. An empty entry list is valid and
// yields a tree answering every query with no matches.
func NewIntervalTree(entries []Entry) (*IntervalTree, error) {
	for _, e := range entries {
		if e.Min == nil || e.Max == nil {
			return nil, fmt.Errorf("%w: segment %d has no bounds", common.ErrInvalidBounds, e.Seg.ID())
		}
		if bytes.Compare(e.Min, e.Max) > 0 {
			return nil, fmt.Errorf("%w: segment %d min key after max key", common.ErrInvalidBounds, e.Seg.ID())
		}
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool {
		if c := bytes.Compare(sorted[i].Min, sorted[j].Min); c != 0 {
			return c < 0
		}
		return bytes.Compare(sorted[i].Max, sorted[j].Max) < 0
	})

	t := &IntervalTree{
		nodes: make([]treeNode, 0, len(sorted)),
		root:  nilNode,
	}
	t.root = t.build(sorted, 0, len(sorted))
	return t, nil
}

// build creates a height-balanced subtree from sorted[lo:hi) and returns its
// root index.
func (t *IntervalTree) build(sorted []Entry, lo, hi int) int32 {
	if lo >= hi {
		return nilNode
	}
	mid := lo + (hi-lo)/2

	idx := int32(len(t.nodes))
	t.nodes = append(t.nodes, treeNode{entry: sorted[mid], left: nilNode, right: nilNode})

	left := t.build(sorted, lo, mid)
	right := t.build(sorted, mid+1, hi)

	n := &t.nodes[idx]
	n.left = left
	n.right = right
	n.maxUpper = n.entry.Max
	if left != nilNode && bytes.Compare(t.nodes[left].maxUpper, n.maxUpper) > 0 {
		n.maxUpper = t.nodes[left].maxUpper
	}
	if right != nilNode && bytes.Compare(t.nodes[right].maxUpper, n.maxUpper) > 0 {
		n.maxUpper = t.nodes[right].maxUpper
	}
	return idx
}

// Len returns the number of indexed segments.
func (t *IntervalTree) Len() int { return len(t.nodes) }

// FindOverlapping returns every segment whose [min,max] range intersects
// [lo,hi]. Result order is unspecified. Queries never fail; no matches
// yields an empty result.
func (t *IntervalTree) FindOverlapping(lo, hi []byte) []*Shared {
	var out []*Shared
	t.visit(t.root, lo, hi, &out)
	return out
}

// FindContaining returns every segment whose range contains the point key.
func (t *IntervalTree) FindContaining(point []byte) []*Shared {
	return t.FindOverlapping(point, point)
}

func (t *IntervalTree) visit(idx int32, lo, hi []byte, out *[]*Shared) {
	if idx == nilNode {
		return
	}
	n := &t.nodes[idx]

	// Every interval below this node ends before the probe starts.
	if bytes.Compare(n.maxUpper, lo) < 0 {
		return
	}

	t.visit(n.left, lo, hi, out)

	if bytes.Compare(n.entry.Min, hi) <= 0 && bytes.Compare(n.entry.Max, lo) >= 0 {
		*out = append(*out, n.entry.Seg)
	}

	// Right-subtree minimums are >= this node's minimum; if that already
	// starts past the probe end, nothing to the right can intersect.
	if bytes.Compare(n.entry.Min, hi) <= 0 {
		t.visit(n.right, lo, hi, out)
	}
}
