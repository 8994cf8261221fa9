// Package consensus persists the tablet's Raft bookkeeping: current term,
// vote, and the committed and pending peer configurations. It is a separate,
// independently flushed piece of durable state; flushing row data never
// touches it and vice versa.
package consensus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/CVDpl/go-live-tablet/internal/common"
)

// Role is this peer's part in the active configuration.
type Role uint8

const (
	RoleFollower Role = iota
	RoleLeader
	RoleLearner
	RoleNonParticipant

	// RoleUnknown packs into the all-ones 3-bit value; see packRoleAndTerm.
	RoleUnknown Role = 7
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "FOLLOWER"
	case RoleLeader:
		return "LEADER"
	case RoleLearner:
		return "LEARNER"
	case RoleNonParticipant:
		return "NON_PARTICIPANT"
	default:
		return "UNKNOWN"
	}
}

// Role and term share one uint64 so readers can fetch both with a single
// atomic load: bits 0..60 hold the term, bits 61..63 the role.
const (
	packedRoleBits = 3
	packedTermBits = 64 - packedRoleBits
	termMask       = (uint64(1) << packedTermBits) - 1
	roleMask       = ^termMask
)

func packRoleAndTerm(role Role, term uint64) uint64 {
	// A term wide enough to collide with the role bits cannot be stored;
	// termMask is reserved to flag that case so corrupt input does not
	// silently alias a valid term.
	if term&roleMask != 0 {
		term = termMask
	}
	return uint64(role)<<packedTermBits | term
}

func unpackRole(packed uint64) Role {
	return Role(packed >> packedTermBits)
}

func unpackTerm(packed uint64) uint64 {
	t := packed & termMask
	if t == termMask {
		panic("consensus: packed term is invalid")
	}
	return t
}

var (
	// ErrNoPendingConfig is returned when a pending configuration is
	// requested but none is staged.
	ErrNoPendingConfig = errors.New("no pending config")

	// ErrPendingConfigExists is returned when the committed configuration
	// is replaced while a pending one is still staged.
	ErrPendingConfigExists = errors.New("pending config exists")
)

// Metadata is the in-memory image of the consensus META file. The hard
// state and committed configuration are durable; the pending configuration,
// leader, and derived role are volatile until the next Flush.
type Metadata struct {
	mu sync.Mutex

	dir      string
	tabletID string
	peerID   uint64

	hardState raftpb.HardState
	committed raftpb.ConfState
	pending   *raftpb.ConfState
	leaderID  uint64

	activeRole Role

	// roleAndTerm caches the packed active role and current term for
	// lock-free readers on the hot path.
	roleAndTerm atomic.Uint64

	flushCount atomic.Int64
	logger     common.Logger
}

// State is a point-in-time copy of the consensus state.
type State struct {
	Term      uint64
	LeaderID  uint64
	Committed raftpb.ConfState
	Pending   *raftpb.ConfState
}

// CurrentTerm returns the durable current term.
func (m *Metadata) CurrentTerm() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hardState.Term
}

// SetCurrentTerm records a new current term. Durable after the next Flush.
func (m *Metadata) SetCurrentTerm(term uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hardState.Term = term
	m.updateRoleAndTermCache()
}

// VotedFor returns the peer voted for in the current term, 0 for none.
func (m *Metadata) VotedFor() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hardState.Vote
}

// SetVotedFor records a vote for the current term.
func (m *Metadata) SetVotedFor(peerID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hardState.Vote = peerID
}

// ClearVotedFor erases the recorded vote.
func (m *Metadata) ClearVotedFor() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hardState.Vote = 0
}

// CommittedConfig returns the durable peer configuration.
func (m *Metadata) CommittedConfig() raftpb.ConfState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.committed
}

// SetCommittedConfig replaces the committed configuration. It refuses while
// a pending configuration is staged; use MergeCommittedState for that.
func (m *Metadata) SetCommittedConfig(cc raftpb.ConfState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending != nil {
		return ErrPendingConfigExists
	}
	if err := verifyConfig(cc); err != nil {
		return err
	}
	m.committed = cc
	m.updateActiveRoleLocked()
	return nil
}

// HasPendingConfig reports whether a configuration change is staged.
func (m *Metadata) HasPendingConfig() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending != nil
}

// PendingConfig returns the staged configuration.
func (m *Metadata) PendingConfig() (raftpb.ConfState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return raftpb.ConfState{}, ErrNoPendingConfig
	}
	return *m.pending, nil
}

// SetPendingConfig stages a configuration change. The staged configuration
// becomes the active one immediately but is not durable until committed.
func (m *Metadata) SetPendingConfig(cc raftpb.ConfState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := verifyConfig(cc); err != nil {
		return err
	}
	pc := cc
	m.pending = &pc
	m.updateActiveRoleLocked()
	return nil
}

// ClearPendingConfig abandons the staged configuration change.
func (m *Metadata) ClearPendingConfig() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = nil
	m.updateActiveRoleLocked()
}

// ActiveConfig returns the pending configuration when one is staged,
// otherwise the committed one.
func (m *Metadata) ActiveConfig() raftpb.ConfState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeConfigLocked()
}

func (m *Metadata) activeConfigLocked() raftpb.ConfState {
	if m.pending != nil {
		return *m.pending
	}
	return m.committed
}

// LeaderID returns the current leader, 0 when unknown.
func (m *Metadata) LeaderID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.leaderID
}

// SetLeaderID records the current leader and rederives this peer's role.
func (m *Metadata) SetLeaderID(peerID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.leaderID = peerID
	m.updateActiveRoleLocked()
}

// ActiveRole returns this peer's role in the active configuration.
func (m *Metadata) ActiveRole() Role {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeRole
}

// RoleAndTerm returns the active role and current term from the packed
// cache without taking the lock.
func (m *Metadata) RoleAndTerm() (Role, uint64) {
	packed := m.roleAndTerm.Load()
	return unpackRole(packed), unpackTerm(packed)
}

// ToState copies the full consensus state.
func (m *Metadata) ToState() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := State{
		Term:      m.hardState.Term,
		LeaderID:  m.leaderID,
		Committed: m.committed,
	}
	if m.pending != nil {
		pc := *m.pending
		st.Pending = &pc
	}
	return st
}

// MergeCommittedState folds a remotely committed consensus state into this
// one: a higher term clears the local vote, the committed configuration is
// replaced, and any staged change is abandoned.
func (m *Metadata) MergeCommittedState(st State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st.Term > m.hardState.Term {
		m.hardState.Term = st.Term
		m.hardState.Vote = 0
	}
	m.leaderID = 0
	m.committed = st.Committed
	m.pending = nil
	m.updateActiveRoleLocked()
}

// FlushCount returns how many times this metadata has been flushed. Used by
// tests to assert on flush-avoidance behavior.
func (m *Metadata) FlushCount() int64 {
	return m.flushCount.Load()
}

// updateActiveRoleLocked rederives the role from the leader and the active
// configuration. Caller holds m.mu.
func (m *Metadata) updateActiveRoleLocked() {
	m.activeRole = roleFor(m.peerID, m.leaderID, m.activeConfigLocked())
	m.updateRoleAndTermCache()
	m.logger.Debug("updated active role",
		"tablet", m.tabletID, "peer", m.peerID,
		"role", m.activeRole.String(), "term", m.hardState.Term)
}

// updateRoleAndTermCache repacks the atomic cache. Caller holds m.mu.
func (m *Metadata) updateRoleAndTermCache() {
	m.roleAndTerm.Store(packRoleAndTerm(m.activeRole, m.hardState.Term))
}

// roleFor derives a peer's role from the leader and a configuration.
func roleFor(peerID, leaderID uint64, cc raftpb.ConfState) Role {
	for _, id := range cc.Voters {
		if id == peerID {
			if peerID == leaderID {
				return RoleLeader
			}
			return RoleFollower
		}
	}
	for _, id := range cc.Learners {
		if id == peerID {
			return RoleLearner
		}
	}
	return RoleNonParticipant
}

// verifyConfig rejects configurations that must never reach disk.
func verifyConfig(cc raftpb.ConfState) error {
	if len(cc.Voters) == 0 {
		return fmt.Errorf("config has no voters")
	}
	seen := make(map[uint64]struct{}, len(cc.Voters)+len(cc.Learners))
	for _, id := range cc.Voters {
		if id == 0 {
			return fmt.Errorf("config has zero voter ID")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate peer ID %d in config", id)
		}
		seen[id] = struct{}{}
	}
	for _, id := range cc.Learners {
		if id == 0 {
			return fmt.Errorf("config has zero learner ID")
		}
		if _, dup := seen[id]; dup {
			return fmt.Errorf("duplicate peer ID %d in config", id)
		}
		seen[id] = struct{}{}
	}
	return nil
}
