// Package rowset defines the segment abstraction shared by the mutable
// in-memory buffer and immutable on-disk runs, the refcounted handles that
// keep replaced segments alive for in-flight readers, and the bounded-segment
// interval index plus the row-set view composed over it.
package rowset

import (
	"sync/atomic"

	"github.com/CVDpl/go-live-tablet/pkg/tablet/mvcc"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/row"
)

// RowSet is a container of rows: either the growing in-memory buffer or a
// fixed immutable on-disk run.
type RowSet interface {
	// ID returns the segment's identity, unique within the tablet.
	ID() uint64

	// Bounds returns the fixed key range covered by the segment. ok is
	// false for segments whose range still grows (the mutable buffer);
	// such segments must be routed to the unbounded list and scanned on
	// every query.
	Bounds() (min, max []byte, ok bool)

	// CheckRowPresent reports whether the segment holds a live (newest
	// version not deleted) row for key. Callers racing on the same key
	// are serialized by the row lock, so no snapshot is involved.
	CheckRowPresent(key []byte) (bool, error)

	// GetVersion returns the newest version of the row visible to snap.
	// ok is false when the segment has no visible version for key. A
	// returned tombstone (Deleted true) is a real result: when several
	// segments answer for one key, the caller keeps the version with the
	// highest transaction ID, and a winning tombstone means not found.
	GetVersion(key []byte, snap mvcc.Snapshot) (v Version, ok bool, err error)

	// MutateRow applies a change list to an existing row under txn.
	// Returns common.ErrNotFound if the segment holds no live row for key.
	MutateRow(txn *mvcc.Txn, key []byte, cl row.ChangeList) error

	// NewIterator returns a cursor over the rows visible to snap in key
	// order. The iterator takes no locks.
	NewIterator(snap mvcc.Snapshot) Iterator

	// RowCount and SizeBytes are approximate footprint figures used by
	// compaction policies and stats.
	RowCount() uint64
	SizeBytes() uint64

	// Close releases the segment's resources. Called only by the owning
	// handle after the last reference drops.
	Close() error
}

// Iterator walks one segment's rows in ascending key order, yielding for
// each key the newest version visible to the snapshot the iterator was
// created with. Tombstones are yielded, not skipped: merging across segments
// needs them to shadow older live versions of the same key.
type Iterator interface {
	// Next advances to the next row with a visible version, returning
	// false at the end or on error.
	Next() bool

	// Key returns the current row key. Valid until the next call to Next.
	Key() []byte

	// Version returns the newest visible version of the current row.
	Version() Version

	// Err returns the first error encountered, if any.
	Err() error

	Close() error
}

// Shared is a refcounted handle to a RowSet. The view holds one reference;
// every captured iterator set holds another. The underlying segment is closed
// and the release callback runs when the last reference drops, so replaced
// segments stay readable until no in-flight reader needs them.
type Shared struct {
	rs         RowSet
	refs       atomic.Int64
	retired    atomic.Bool
	compacting atomic.Bool
	onRelease  atomic.Value // func()
}

// NewShared wraps a RowSet with an initial reference owned by the caller.
func NewShared(rs RowSet) *Shared {
	s := &Shared{rs: rs}
	s.refs.Store(1)
	return s
}

// RowSet returns the underlying segment.
func (s *Shared) RowSet() RowSet { return s.rs }

// ID returns the underlying segment's ID.
func (s *Shared) ID() uint64 { return s.rs.ID() }

// IncRef adds a reference. The caller must already hold one (e.g. via the
// view under the coordination lock).
func (s *Shared) IncRef() {
	if s.refs.Add(1) <= 1 {
		panic("rowset: IncRef on released segment handle")
	}
}

// DecRef drops a reference. When the count reaches zero the segment is
// closed and the release callback, if set, runs.
func (s *Shared) DecRef() {
	n := s.refs.Add(-1)
	if n > 0 {
		return
	}
	if n < 0 {
		panic("rowset: DecRef below zero")
	}
	_ = s.rs.Close()
	if f, ok := s.onRelease.Load().(func()); ok && f != nil {
		f()
	}
}

// SetOnRelease registers a callback invoked after the last reference drops
// and the segment is closed. Used to delete replaced segments' storage once
// no reader can touch them.
func (s *Shared) SetOnRelease(f func()) {
	s.onRelease.Store(f)
}

// MarkRetired records that the segment was swapped out of the view. A
// prepared operation targeting a retired segment must fail and re-prepare.
func (s *Shared) MarkRetired() { s.retired.Store(true) }

// Retired reports whether the segment was swapped out of the view.
func (s *Shared) Retired() bool { return s.retired.Load() }

// TryLockForCompaction marks the segment as a compaction input. Returns
// false if another pass already selected it. Serialized selection plus this
// flag guarantees two passes never pick overlapping input sets.
func (s *Shared) TryLockForCompaction() bool {
	return s.compacting.CompareAndSwap(false, true)
}

// UnlockCompaction clears the compaction input mark.
func (s *Shared) UnlockCompaction() {
	if !s.compacting.CompareAndSwap(true, false) {
		panic("rowset: UnlockCompaction on unmarked segment")
	}
}
