package memtable

import (
	"github.com/CVDpl/go-live-tablet/pkg/tablet/mvcc"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/rowset"
)

// iterator walks a captured key list, skipping rows with no version visible
// to the snapshot. Tombstone versions are yielded so that merged readers can
// shadow older segments.
type iterator struct {
	keys   [][]byte
	chains [][]rowset.Version
	snap   mvcc.Snapshot
	pos    int
	cur    rowset.Version
	valid  bool
}

func (it *iterator) Next() bool {
	for it.pos+1 < len(it.keys) {
		it.pos++
		v, ok := rowset.LatestVisible(it.chains[it.pos], it.snap)
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

func (it *iterator) Key() []byte {
	if !it.valid {
		return nil
	}
	return it.keys[it.pos]
}

func (it *iterator) Version() rowset.Version { return it.cur }

func (it *iterator) Err() error { return nil }

func (it *iterator) Close() error { return nil }
