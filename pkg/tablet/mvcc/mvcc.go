// Package mvcc issues transaction IDs and snapshots for multi-version
// concurrency control. A snapshot captures the set of transactions committed
// at a point in time; row versions stamped with a transaction ID are visible
// to a snapshot only if that transaction committed before the capture.
package mvcc

import (
	"sort"
	"sync"

	"github.com/zhangyunhao116/skipset"
)

// Manager issues monotonically increasing transaction IDs and tracks which
// are in flight, committed, or aborted. All methods are safe for concurrent
// use; visibility checks on captured snapshots are lock-free.
type Manager struct {
	mu       sync.Mutex
	next     uint64
	inflight *skipset.Uint64Set
	aborted  *skipset.Uint64Set
}

// NewManager creates a transaction manager. IDs start at 1; 0 is never a
// valid transaction ID.
func NewManager() *Manager {
	return &Manager{
		next:     1,
		inflight: skipset.NewUint64(),
		aborted:  skipset.NewUint64(),
	}
}

// Txn is an in-flight transaction handle. It is created by BeginTxn and
// finished exactly once by Commit or Abort.
type Txn struct {
	id   uint64
	done bool
}

// ID returns the transaction's ID.
func (t *Txn) ID() uint64 { return t.id }

// BeginTxn starts a new transaction.
func (m *Manager) BeginTxn() *Txn {
	m.mu.Lock()
	id := m.next
	m.next++
	m.inflight.Add(id)
	m.mu.Unlock()
	return &Txn{id: id}
}

// Commit marks the transaction committed. Its writes become visible to
// snapshots taken after this call. Committing a finished transaction is a
// no-op.
func (m *Manager) Commit(t *Txn) {
	m.mu.Lock()
	if !t.done {
		t.done = true
		m.inflight.Remove(t.id)
	}
	m.mu.Unlock()
}

// Abort marks the transaction aborted. Its ID never becomes visible to any
// snapshot. Aborting a finished transaction is a no-op.
func (m *Manager) Abort(t *Txn) {
	m.mu.Lock()
	if !t.done {
		t.done = true
		m.aborted.Add(t.id)
		m.inflight.Remove(t.id)
	}
	m.mu.Unlock()
}

// Aborted reports whether the transaction was aborted. Aborted versions are
// invisible to every snapshot, so chain rewrites may drop them outright.
func (m *Manager) Aborted(txnID uint64) bool {
	return m.aborted.Contains(txnID)
}

// Snapshot is an immutable visibility token: all transactions assigned before
// the capture are visible except those still in flight or aborted.
type Snapshot struct {
	mgr       *Manager
	allBefore uint64
	excluded  []uint64
}

// Snapshot captures the set of committed transactions visible at this
// instant.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	snap := Snapshot{mgr: m, allBefore: m.next}
	m.inflight.Range(func(id uint64) bool {
		snap.excluded = append(snap.excluded, id)
		return true
	})
	m.mu.Unlock()
	return snap
}

// IsVisible reports whether a row version written by the given transaction is
// visible to the snapshot.
func (m *Manager) IsVisible(txnID uint64, snap Snapshot) bool {
	return snap.IsVisible(txnID)
}

// IsVisible reports whether a row version written by the given transaction is
// visible to this snapshot.
func (s Snapshot) IsVisible(txnID uint64) bool {
	if txnID == 0 || txnID >= s.allBefore {
		return false
	}
	i := sort.Search(len(s.excluded), func(i int) bool { return s.excluded[i] >= txnID })
	if i < len(s.excluded) && s.excluded[i] == txnID {
		return false
	}
	if s.mgr != nil && s.mgr.aborted.Contains(txnID) {
		return false
	}
	return true
}

// Valid reports whether the snapshot was captured from a manager. The zero
// Snapshot sees nothing.
func (s Snapshot) Valid() bool { return s.mgr != nil }
