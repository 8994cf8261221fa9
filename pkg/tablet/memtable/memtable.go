// Package memtable implements the tablet's mutable in-memory buffer: the one
// segment inserts append to. Rows live in a concurrent ordered skipmap so
// appliers holding the coordination lock in shared mode can write in
// parallel; per-key version chains carry MVCC states.
package memtable

import (
	"bytes"
	"sync/atomic"
	"time"

	"github.com/zhangyunhao116/skipmap"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/mvcc"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/row"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/rowset"
)

// Memtable is the mutable buffer. Its bounds are undeterminable (they grow
// with every insert), so the row-set view always routes it to the unbounded
// list and scans it on every query.
type Memtable struct {
	id        uint64
	rows      *skipmap.FuncMap[[]byte, *versionedRow]
	keyCount  atomic.Int64
	sizeBytes atomic.Int64
	createdAt time.Time
}

// versionedRow is one key's chain of MVCC states. The slice is append-only
// and replaced wholesale through the pointer, so readers never race with the
// single writer serialized by the row lock.
type versionedRow struct {
	versions atomic.Pointer[[]rowset.Version]
}

func (vr *versionedRow) load() []rowset.Version {
	return *vr.versions.Load()
}

func (vr *versionedRow) store(vs []rowset.Version) {
	vr.versions.Store(&vs)
}

// New creates an empty memtable with the given segment ID.
func New(id uint64) *Memtable {
	return &Memtable{
		id: id,
		rows: skipmap.NewFunc[[]byte, *versionedRow](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		createdAt: time.Now(),
	}
}

// ID returns the memtable's segment ID.
func (m *Memtable) ID() uint64 { return m.id }

// Bounds reports undeterminable bounds; the memtable is always unbounded.
func (m *Memtable) Bounds() (min, max []byte, ok bool) { return nil, nil, false }

// CreatedAt returns the creation time.
func (m *Memtable) CreatedAt() time.Time { return m.createdAt }

// IsEmpty reports whether the memtable holds no rows at all.
func (m *Memtable) IsEmpty() bool { return m.keyCount.Load() == 0 }

// RowCount returns the number of keys in the buffer, deleted ones included.
func (m *Memtable) RowCount() uint64 { return uint64(m.keyCount.Load()) }

// SizeBytes returns the approximate memory footprint of the buffered rows.
func (m *Memtable) SizeBytes() uint64 { return uint64(m.sizeBytes.Load()) }

// Close is a no-op; memtable storage is garbage collected.
func (m *Memtable) Close() error { return nil }

// Insert appends a new row under txn. Fails with ErrAlreadyPresent when the
// key's newest version is live. Reinserting over a deleted key extends the
// existing chain. The caller must hold the key's row lock.
func (m *Memtable) Insert(txn *mvcc.Txn, r *row.Row) error {
	base := rowset.Version{Txn: txn.ID(), Cells: row.CloneCells(r.Cells)}

	fresh := &versionedRow{}
	fresh.store([]rowset.Version{base})

	key := append([]byte(nil), r.Key...)
	existing, loaded := m.rows.LoadOrStore(key, fresh)
	if !loaded {
		m.keyCount.Add(1)
		m.sizeBytes.Add(int64(len(key)) + versionSize(base))
		return nil
	}

	vs := existing.load()
	if rowset.LiveAtLatest(vs) {
		return common.ErrAlreadyPresent
	}

	next := make([]rowset.Version, 0, len(vs)+1)
	next = append(next, vs...)
	next = append(next, base)
	existing.store(next)
	m.sizeBytes.Add(versionSize(base))
	return nil
}

// MutateRow applies a change list to an existing live row under txn. Fails
// with ErrNotFound when the key is absent or its newest version is deleted.
// The caller must hold the key's row lock.
func (m *Memtable) MutateRow(txn *mvcc.Txn, key []byte, cl row.ChangeList) error {
	vr, ok := m.rows.Load(key)
	if !ok {
		return common.ErrNotFound
	}

	vs := vr.load()
	if !rowset.LiveAtLatest(vs) {
		return common.ErrNotFound
	}

	var next rowset.Version
	if cl.Delete {
		next = rowset.Version{Txn: txn.ID(), Deleted: true}
	} else {
		latest := vs[len(vs)-1]
		next = rowset.Version{Txn: txn.ID(), Cells: row.ApplyChanges(latest.Cells, cl)}
	}

	updated := make([]rowset.Version, 0, len(vs)+1)
	updated = append(updated, vs...)
	updated = append(updated, next)
	vr.store(updated)
	m.sizeBytes.Add(versionSize(next))
	return nil
}

// AdoptChain installs a raw version chain for a key, bypassing insert and
// mutation rules. Used while swapping in a replacement buffer during flush:
// rows inserted after the flush snapshot move here wholesale so nothing is
// lost across the swap. The caller must hold the coordination lock
// exclusively.
func (m *Memtable) AdoptChain(key []byte, versions []rowset.Version) {
	vr := &versionedRow{}
	vr.store(versions)
	keyCopy := append([]byte(nil), key...)
	if _, loaded := m.rows.LoadOrStore(keyCopy, vr); loaded {
		panic("memtable: AdoptChain over existing key")
	}
	m.keyCount.Add(1)
	size := int64(len(keyCopy))
	for _, v := range versions {
		size += versionSize(v)
	}
	m.sizeBytes.Add(size)
}

// CheckRowPresent reports whether the key's newest version is live.
func (m *Memtable) CheckRowPresent(key []byte) (bool, error) {
	vr, ok := m.rows.Load(key)
	if !ok {
		return false, nil
	}
	return rowset.LiveAtLatest(vr.load()), nil
}

// GetVersion returns the newest version of the row visible to snap.
func (m *Memtable) GetVersion(key []byte, snap mvcc.Snapshot) (rowset.Version, bool, error) {
	vr, ok := m.rows.Load(key)
	if !ok {
		return rowset.Version{}, false, nil
	}
	v, ok := rowset.LatestVisible(vr.load(), snap)
	return v, ok, nil
}

// Scan calls fn for every key in ascending order with its full version
// chain, until fn returns false. Chains are immutable snapshots; concurrent
// writers replace rather than edit them.
func (m *Memtable) Scan(fn func(key []byte, versions []rowset.Version) bool) {
	m.rows.Range(func(key []byte, vr *versionedRow) bool {
		return fn(key, vr.load())
	})
}

// NewIterator returns a cursor over rows with a version visible to snap, in
// key order. The row set is captured at creation; later inserts are not
// observed.
func (m *Memtable) NewIterator(snap mvcc.Snapshot) rowset.Iterator {
	it := &iterator{snap: snap, pos: -1}
	m.Scan(func(key []byte, versions []rowset.Version) bool {
		it.keys = append(it.keys, key)
		it.chains = append(it.chains, versions)
		return true
	})
	return it
}

func versionSize(v rowset.Version) int64 {
	size := int64(16)
	for _, c := range v.Cells {
		size += int64(len(c.Column) + len(c.Value))
	}
	return size
}

var _ rowset.RowSet = (*Memtable)(nil)
