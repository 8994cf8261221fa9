package consensus

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/CVDpl/go-live-tablet/internal/common"
)

func threeVoters() raftpb.ConfState {
	return raftpb.ConfState{Voters: []uint64{1, 2, 3}}
}

func TestCreateLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m, err := Create(dir, "tablet-a", 1, threeVoters(), 5, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.SetVotedFor(2)
	if err := m.Flush(Overwrite); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	loaded, err := Load(dir, "tablet-a", 1, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := loaded.CurrentTerm(); got != 5 {
		t.Errorf("CurrentTerm = %d, want 5", got)
	}
	if got := loaded.VotedFor(); got != 2 {
		t.Errorf("VotedFor = %d, want 2", got)
	}
	if got := loaded.CommittedConfig(); len(got.Voters) != 3 {
		t.Errorf("committed voters = %v, want 3 entries", got.Voters)
	}
	if loaded.HasPendingConfig() {
		t.Error("fresh metadata should have no pending config")
	}
}

func TestCreateRefusesToClobber(t *testing.T) {
	dir := t.TempDir()

	if _, err := Create(dir, "tablet-a", 1, threeVoters(), 1, nil); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	if _, err := Create(dir, "tablet-a", 1, threeVoters(), 1, nil); !errors.Is(err, common.ErrAlreadyPresent) {
		t.Fatalf("second Create: err = %v, want ErrAlreadyPresent", err)
	}
}

func TestCreateRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()

	if _, err := Create(dir, "tablet-a", 1, raftpb.ConfState{}, 1, nil); err == nil {
		t.Fatal("Create with no voters should fail")
	}
	bad := raftpb.ConfState{Voters: []uint64{1, 1}}
	if _, err := Create(dir, "tablet-a", 1, bad, 1, nil); err == nil {
		t.Fatal("Create with duplicate voters should fail")
	}
}

func TestRoleDerivation(t *testing.T) {
	dir := t.TempDir()

	cc := raftpb.ConfState{Voters: []uint64{1, 2}, Learners: []uint64{3}}

	voter, err := Create(filepath.Join(dir, "v"), "tablet-a", 1, cc, 1, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := voter.ActiveRole(); got != RoleFollower {
		t.Errorf("voter with no leader: role = %v, want FOLLOWER", got)
	}
	voter.SetLeaderID(1)
	if got := voter.ActiveRole(); got != RoleLeader {
		t.Errorf("voter as leader: role = %v, want LEADER", got)
	}
	voter.SetLeaderID(2)
	if got := voter.ActiveRole(); got != RoleFollower {
		t.Errorf("voter after losing leadership: role = %v, want FOLLOWER", got)
	}

	learner, err := Create(filepath.Join(dir, "l"), "tablet-a", 3, cc, 1, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := learner.ActiveRole(); got != RoleLearner {
		t.Errorf("learner role = %v, want LEARNER", got)
	}

	outsider, err := Create(filepath.Join(dir, "o"), "tablet-a", 9, cc, 1, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := outsider.ActiveRole(); got != RoleNonParticipant {
		t.Errorf("outsider role = %v, want NON_PARTICIPANT", got)
	}
}

func TestPendingConfigOverlay(t *testing.T) {
	dir := t.TempDir()

	m, err := Create(dir, "tablet-a", 1, threeVoters(), 3, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	next := raftpb.ConfState{Voters: []uint64{1, 2, 3, 4}}
	if err := m.SetPendingConfig(next); err != nil {
		t.Fatalf("SetPendingConfig: %v", err)
	}
	if got := m.ActiveConfig(); len(got.Voters) != 4 {
		t.Errorf("active config voters = %v, want the pending 4", got.Voters)
	}
	if got := m.CommittedConfig(); len(got.Voters) != 3 {
		t.Errorf("committed config voters = %v, want the original 3", got.Voters)
	}

	// Committed-config replacement must go through merge while a change is
	// staged.
	if err := m.SetCommittedConfig(next); !errors.Is(err, ErrPendingConfigExists) {
		t.Fatalf("SetCommittedConfig with pending: err = %v, want ErrPendingConfigExists", err)
	}

	m.SetVotedFor(2)
	m.MergeCommittedState(State{Term: 7, Committed: next})
	if m.HasPendingConfig() {
		t.Error("merge should clear the pending config")
	}
	if got := m.CurrentTerm(); got != 7 {
		t.Errorf("term after merge = %d, want 7", got)
	}
	if got := m.VotedFor(); got != 0 {
		t.Errorf("vote should clear when the term advances, got %d", got)
	}
	if got := m.CommittedConfig(); len(got.Voters) != 4 {
		t.Errorf("committed voters after merge = %v, want 4", got.Voters)
	}
}

func TestFlushPersistsPendingConfig(t *testing.T) {
	dir := t.TempDir()

	m, err := Create(dir, "tablet-a", 1, threeVoters(), 2, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := m.SetPendingConfig(raftpb.ConfState{Voters: []uint64{1, 2, 3, 4}}); err != nil {
		t.Fatalf("SetPendingConfig: %v", err)
	}
	if err := m.Flush(Overwrite); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	loaded, err := Load(dir, "tablet-a", 1, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	pc, err := loaded.PendingConfig()
	if err != nil {
		t.Fatalf("PendingConfig after reload: %v", err)
	}
	if len(pc.Voters) != 4 {
		t.Errorf("pending voters = %v, want 4", pc.Voters)
	}
}

func TestRoleAndTermCache(t *testing.T) {
	dir := t.TempDir()

	m, err := Create(dir, "tablet-a", 1, threeVoters(), 11, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	m.SetLeaderID(1)

	role, term := m.RoleAndTerm()
	if role != RoleLeader || term != 11 {
		t.Errorf("RoleAndTerm = (%v, %d), want (LEADER, 11)", role, term)
	}

	m.SetCurrentTerm(12)
	m.SetLeaderID(3)
	role, term = m.RoleAndTerm()
	if role != RoleFollower || term != 12 {
		t.Errorf("RoleAndTerm after step-down = (%v, %d), want (FOLLOWER, 12)", role, term)
	}
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	dir := t.TempDir()

	if _, err := Create(dir, "tablet-a", 1, threeVoters(), 1, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	path := filepath.Join(dir, common.FileConsensus)

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read META: %v", err)
	}

	// Flip one payload byte: the checksum must catch it.
	tampered := append([]byte(nil), data...)
	tampered[8] ^= 0xFF
	if err := os.WriteFile(path, tampered, 0o644); err != nil {
		t.Fatalf("write tampered META: %v", err)
	}
	if _, err := Load(dir, "tablet-a", 1, nil); !errors.Is(err, common.ErrCorrupt) {
		t.Errorf("Load tampered: err = %v, want ErrCorrupt", err)
	}

	// Wrong magic.
	bad := append([]byte(nil), data...)
	bad[0] ^= 0xFF
	if err := os.WriteFile(path, bad, 0o644); err != nil {
		t.Fatalf("write bad-magic META: %v", err)
	}
	if _, err := Load(dir, "tablet-a", 1, nil); !errors.Is(err, common.ErrInvalidMagic) {
		t.Errorf("Load bad magic: err = %v, want ErrInvalidMagic", err)
	}

	// Truncated.
	if err := os.WriteFile(path, data[:5], 0o644); err != nil {
		t.Fatalf("write truncated META: %v", err)
	}
	if _, err := Load(dir, "tablet-a", 1, nil); !errors.Is(err, common.ErrCorrupt) {
		t.Errorf("Load truncated: err = %v, want ErrCorrupt", err)
	}
}

func TestDeleteOnDiskData(t *testing.T) {
	dir := t.TempDir()

	if _, err := Create(dir, "tablet-a", 1, threeVoters(), 1, nil); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := DeleteOnDiskData(dir, "tablet-a"); err != nil {
		t.Fatalf("DeleteOnDiskData: %v", err)
	}
	if _, err := Load(dir, "tablet-a", 1, nil); err == nil {
		t.Fatal("Load after delete should fail")
	}
}
