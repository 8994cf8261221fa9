// Package locks provides the per-row lock manager serializing concurrent
// writers to the same key. Locks are exclusive, blocking, and held at most
// for one prepare/apply pair.
package locks

import (
	"sync"

	"github.com/CVDpl/go-live-tablet/pkg/tablet/utils"
)

const numShards = 64

// Manager hands out exclusive per-key locks. Lock entries are created on
// demand and removed once the last holder or waiter releases, so the table
// only holds keys with active contention.
type Manager struct {
	shards [numShards]shard
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	mu      sync.Mutex
	holders int // holders + waiters, guarded by the shard mutex
}

// Handle proves ownership of a row lock until released.
type Handle struct {
	mgr      *Manager
	key      []byte
	e        *entry
	released bool
}

// Key returns the locked key.
func (h *Handle) Key() []byte { return h.key }

// NewManager creates a row lock manager.
func NewManager() *Manager {
	m := &Manager{}
	for i := range m.shards {
		m.shards[i].entries = make(map[string]*entry)
	}
	return m
}

func (m *Manager) shard(key []byte) *shard {
	return &m.shards[utils.ComputeCRC32C(key)%numShards]
}

// Acquire blocks until the exclusive lock for key is held and returns the
// handle proving it.
func (m *Manager) Acquire(key []byte) *Handle {
	s := m.shard(key)

	s.mu.Lock()
	e := s.entries[string(key)]
	if e == nil {
		e = &entry{}
		s.entries[string(key)] = e
	}
	e.holders++
	s.mu.Unlock()

	e.mu.Lock()
	return &Handle{mgr: m, key: key, e: e}
}

// Release releases the lock. Releasing a handle twice is a programming bug
// and panics.
func (m *Manager) Release(h *Handle) {
	if h.released {
		panic("locks: release of already released row lock")
	}
	h.released = true

	s := m.shard(h.key)

	h.e.mu.Unlock()

	s.mu.Lock()
	h.e.holders--
	if h.e.holders == 0 {
		delete(s.entries, string(h.key))
	}
	s.mu.Unlock()
}
