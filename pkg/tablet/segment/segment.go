// Package segment implements the tablet's immutable on-disk runs: block
// compressed row data with a key filter and JSON metadata, written once by a
// flush or compaction and then only read. Mutations to rows owned by a
// segment accumulate in an in-memory delta store overlaying the base data.
package segment

import (
	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/mvcc"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/row"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/rowset"
)

// Segment is one immutable run plus its delta store. Its key bounds are
// fixed at build time, so the view indexes it in the bounded-segment
// interval tree.
type Segment struct {
	id     uint64
	reader *Reader
	deltas *DeltaStore
	logger common.Logger
}

// Open opens the segment under dir/<segmentID>/ with a fresh, empty delta
// store.
func Open(segmentID uint64, dir string, logger common.Logger, verifyChecksums bool) (*Segment, error) {
	if logger == nil {
		logger = &common.NullLogger{}
	}
	reader, err := NewReader(segmentID, dir, logger, verifyChecksums)
	if err != nil {
		return nil, err
	}
	return &Segment{
		id:     segmentID,
		reader: reader,
		deltas: NewDeltaStore(),
		logger: logger,
	}, nil
}

// ID returns the segment's ID.
func (s *Segment) ID() uint64 { return s.id }

// Bounds returns the fixed key range covered by the segment.
func (s *Segment) Bounds() (min, max []byte, ok bool) {
	return s.reader.MinKey(), s.reader.MaxKey(), true
}

// Reader exposes the base data for compaction rewrites.
func (s *Segment) Reader() *Reader { return s.reader }

// Deltas exposes the overlay store for flush re-updates and compaction.
func (s *Segment) Deltas() *DeltaStore { return s.deltas }

// Metadata returns the segment's metadata.
func (s *Segment) Metadata() *Metadata { return s.reader.Metadata() }

// combined returns the base chain extended with any overlay versions.
func (s *Segment) combined(base []rowset.Version, key []byte) []rowset.Version {
	overlay := s.deltas.Chain(key)
	if len(overlay) == 0 {
		return base
	}
	out := make([]rowset.Version, 0, len(base)+len(overlay))
	out = append(out, base...)
	return append(out, overlay...)
}

// CheckRowPresent reports whether the segment holds a live row for key,
// overlay mutations included.
func (s *Segment) CheckRowPresent(key []byte) (bool, error) {
	base, _, found, err := s.reader.Lookup(key)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}
	return rowset.LiveAtLatest(s.combined(base, key)), nil
}

// GetVersion returns the newest version of the row visible to snap.
func (s *Segment) GetVersion(key []byte, snap mvcc.Snapshot) (rowset.Version, bool, error) {
	base, _, found, err := s.reader.Lookup(key)
	if err != nil {
		return rowset.Version{}, false, err
	}
	if !found {
		return rowset.Version{}, false, nil
	}
	v, ok := rowset.LatestVisible(s.combined(base, key), snap)
	return v, ok, nil
}

// MutateRow appends an overlay version for an existing live row. The caller
// must hold the key's row lock.
func (s *Segment) MutateRow(txn *mvcc.Txn, key []byte, cl row.ChangeList) error {
	base, ordinal, found, err := s.reader.Lookup(key)
	if err != nil {
		return err
	}
	if !found {
		return common.ErrNotFound
	}

	chain := s.combined(base, key)
	if !rowset.LiveAtLatest(chain) {
		return common.ErrNotFound
	}

	var next rowset.Version
	if cl.Delete {
		next = rowset.Version{Txn: txn.ID(), Deleted: true}
	} else {
		latest := chain[len(chain)-1]
		next = rowset.Version{Txn: txn.ID(), Cells: row.ApplyChanges(latest.Cells, cl)}
	}
	s.deltas.Append(ordinal, key, next)
	return nil
}

// NewIterator returns a cursor over rows with a version visible to snap, in
// key order, overlay mutations applied.
func (s *Segment) NewIterator(snap mvcc.Snapshot) rowset.Iterator {
	return &segmentIterator{seg: s, chains: s.reader.NewChainIterator(), snap: snap}
}

// RowCount returns the number of keys in the base data.
func (s *Segment) RowCount() uint64 { return s.reader.RowCount() }

// SizeBytes returns the on-disk size plus the overlay footprint.
func (s *Segment) SizeBytes() uint64 {
	return s.reader.SizeBytes() + s.deltas.SizeBytes()
}

// Close unmaps the base data. Called by the owning handle after the last
// reference drops.
func (s *Segment) Close() error { return s.reader.Close() }

// segmentIterator resolves base chains plus overlays against a snapshot.
type segmentIterator struct {
	seg    *Segment
	chains *ChainIterator
	snap   mvcc.Snapshot
	cur    rowset.Version
	valid  bool
}

func (it *segmentIterator) Next() bool {
	for it.chains.Next() {
		chain := it.seg.combined(it.chains.Chain(), it.chains.Key())
		v, ok := rowset.LatestVisible(chain, it.snap)
		if !ok {
			continue
		}
		it.cur = v
		it.valid = true
		return true
	}
	it.valid = false
	return false
}

func (it *segmentIterator) Key() []byte {
	if !it.valid {
		return nil
	}
	return it.chains.Key()
}

func (it *segmentIterator) Version() rowset.Version { return it.cur }

func (it *segmentIterator) Err() error { return it.chains.Err() }

func (it *segmentIterator) Close() error { return nil }

var _ rowset.RowSet = (*Segment)(nil)
