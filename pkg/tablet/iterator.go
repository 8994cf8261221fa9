package tablet

import (
	"bytes"
	"container/heap"

	"github.com/CVDpl/go-live-tablet/pkg/tablet/mvcc"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/row"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/rowset"
)

// RowIterator yields live rows in ascending key order at a fixed
// visibility horizon.
type RowIterator interface {
	// Next advances to the next live row. Returns false at the end or on
	// error; check Err afterwards.
	Next() bool

	// Row returns the current row. Valid until the next call to Next.
	Row() *row.Row

	// Err returns the first error the iteration hit, if any.
	Err() error

	// Close releases the iterator's pinned sources.
	Close()
}

// mergeSource is one captured iterator positioned on its current entry.
type mergeSource struct {
	it  rowset.Iterator
	idx int
}

type mergeHeap []*mergeSource

func (h mergeHeap) Len() int { return len(h) }

func (h mergeHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].it.Key(), h[j].it.Key()); c != 0 {
		return c < 0
	}
	return h[i].idx < h[j].idx
}

func (h mergeHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *mergeHeap) Push(x interface{}) { *h = append(*h, x.(*mergeSource)) }

func (h *mergeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	src := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return src
}

// mergedIterator merges the per-row-set iterators into one key-ordered
// stream. A key may surface from several sources; the newest visible
// version decides, and deletion markers suppress the key.
type mergedIterator struct {
	captured   *CapturedIterators
	h          mergeHeap
	projection row.Projection
	cur        *row.Row
	err        error
	closed     bool
}

// NewRowIterator captures the tablet's row sets and returns a merged
// iterator over every live row visible at snap. A nil projection selects
// every column.
func (t *tabletImpl) NewRowIterator(projection row.Projection, snap mvcc.Snapshot) (RowIterator, error) {
	captured, err := t.CaptureIterators(snap)
	if err != nil {
		return nil, err
	}
	m := &mergedIterator{
		captured:   captured,
		projection: projection,
	}
	for i, it := range captured.Iterators() {
		if it.Next() {
			m.h = append(m.h, &mergeSource{it: it, idx: i})
			continue
		}
		if err := it.Err(); err != nil {
			m.err = err
		}
	}
	heap.Init(&m.h)
	if m.err != nil {
		captured.Close()
		return nil, m.err
	}
	return m, nil
}

func (m *mergedIterator) Next() bool {
	if m.closed || m.err != nil {
		return false
	}
	for len(m.h) > 0 {
		key := append([]byte(nil), m.h[0].it.Key()...)

		var (
			best  rowset.Version
			found bool
		)
		for len(m.h) > 0 && bytes.Equal(m.h[0].it.Key(), key) {
			src := m.h[0]
			v := src.it.Version()
			if !found || v.Txn > best.Txn {
				best = v
				found = true
			}
			if src.it.Next() {
				heap.Fix(&m.h, 0)
				continue
			}
			if err := src.it.Err(); err != nil {
				m.err = err
				return false
			}
			heap.Pop(&m.h)
		}

		if best.Deleted {
			continue
		}
		r := &row.Row{Key: key, Cells: best.Cells}
		m.cur = r.Project(m.projection)
		return true
	}
	return false
}

func (m *mergedIterator) Row() *row.Row { return m.cur }

func (m *mergedIterator) Err() error { return m.err }

func (m *mergedIterator) Close() {
	if m.closed {
		return
	}
	m.closed = true
	m.captured.Close()
	m.h = nil
	m.cur = nil
}
