package rowset

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/mvcc"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/row"
)

// stubRowSet is a minimal RowSet for index and view tests.
type stubRowSet struct {
	id       uint64
	min, max []byte
	bounded  bool
	closed   bool
}

func (s *stubRowSet) ID() uint64 { return s.id }

func (s *stubRowSet) Bounds() (min, max []byte, ok bool) {
	if !s.bounded {
		return nil, nil, false
	}
	return s.min, s.max, true
}

func (s *stubRowSet) CheckRowPresent(key []byte) (bool, error) { return false, nil }

func (s *stubRowSet) GetVersion(key []byte, snap mvcc.Snapshot) (Version, bool, error) {
	return Version{}, false, nil
}

func (s *stubRowSet) MutateRow(txn *mvcc.Txn, key []byte, cl row.ChangeList) error {
	return common.ErrNotFound
}

func (s *stubRowSet) NewIterator(snap mvcc.Snapshot) Iterator { return nil }

func (s *stubRowSet) RowCount() uint64  { return 0 }
func (s *stubRowSet) SizeBytes() uint64 { return 0 }

func (s *stubRowSet) Close() error {
	s.closed = true
	return nil
}

func bounded(id uint64, min, max string) *Shared {
	return NewShared(&stubRowSet{id: id, min: []byte(min), max: []byte(max), bounded: true})
}

func unbounded(id uint64) *Shared {
	return NewShared(&stubRowSet{id: id})
}

func TestIntervalTreeMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	key := func() []byte {
		return []byte(fmt.Sprintf("%04d", rng.Intn(1000)))
	}

	for round := 0; round < 20; round++ {
		n := rng.Intn(40)
		entries := make([]Entry, 0, n)
		for i := 0; i < n; i++ {
			a, b := key(), key()
			if bytes.Compare(a, b) > 0 {
				a, b = b, a
			}
			entries = append(entries, Entry{Seg: bounded(uint64(i), string(a), string(b)), Min: a, Max: b})
		}

		tree, err := NewIntervalTree(entries)
		if err != nil {
			t.Fatalf("round %d: build: %v", round, err)
		}

		for q := 0; q < 50; q++ {
			lo, hi := key(), key()
			if q%5 == 0 {
				hi = lo // degenerate point query
			}
			if bytes.Compare(lo, hi) > 0 {
				lo, hi = hi, lo
			}

			want := make(map[uint64]bool)
			for _, e := range entries {
				if bytes.Compare(e.Min, hi) <= 0 && bytes.Compare(e.Max, lo) >= 0 {
					want[e.Seg.ID()] = true
				}
			}

			got := tree.FindOverlapping(lo, hi)
			if len(got) != len(want) {
				t.Fatalf("round %d query [%s,%s]: got %d segments, want %d", round, lo, hi, len(got), len(want))
			}
			for _, s := range got {
				if !want[s.ID()] {
					t.Fatalf("round %d query [%s,%s]: unexpected segment %d", round, lo, hi, s.ID())
				}
			}
		}
	}
}

func TestIntervalTreeEmptyIsQueryable(t *testing.T) {
	tree, err := NewIntervalTree(nil)
	if err != nil {
		t.Fatalf("build empty: %v", err)
	}
	if got := tree.FindOverlapping([]byte("a"), []byte("z")); len(got) != 0 {
		t.Fatalf("empty tree returned %d segments", len(got))
	}
	if got := tree.FindContaining([]byte("k")); len(got) != 0 {
		t.Fatalf("empty tree point query returned %d segments", len(got))
	}
}

func TestIntervalTreeRejectsBadBounds(t *testing.T) {
	s := bounded(1, "b", "a")
	_, err := NewIntervalTree([]Entry{{Seg: s, Min: []byte("b"), Max: []byte("a")}})
	if !errors.Is(err, common.ErrInvalidBounds) {
		t.Fatalf("inverted bounds: got %v", err)
	}

	_, err = NewIntervalTree([]Entry{{Seg: s, Min: nil, Max: []byte("a")}})
	if !errors.Is(err, common.ErrInvalidBounds) {
		t.Fatalf("nil bounds: got %v", err)
	}
}

func TestViewAlwaysIncludesUnboundedSegments(t *testing.T) {
	mem := unbounded(100)
	segs := []*Shared{
		mem,
		bounded(1, "a", "f"),
		bounded(2, "m", "r"),
	}
	v, err := NewView(segs)
	if err != nil {
		t.Fatalf("build view: %v", err)
	}

	for _, probe := range []string{"a", "zzz", "g", ""} {
		got := v.Containing([]byte(probe))
		found := false
		for _, s := range got {
			if s.ID() == mem.ID() {
				found = true
			}
		}
		if !found {
			t.Errorf("point %q: unbounded segment missing from result", probe)
		}
	}

	// Bounded matching still works through the same view.
	got := v.Containing([]byte("n"))
	ids := make(map[uint64]bool)
	for _, s := range got {
		ids[s.ID()] = true
	}
	if !ids[2] || ids[1] {
		t.Errorf("point n: got ids %v, want unbounded+2 only", ids)
	}
}

func TestViewPartitionsBySegmentVariant(t *testing.T) {
	v, err := NewView([]*Shared{unbounded(10), bounded(11, "a", "b")})
	if err != nil {
		t.Fatalf("build view: %v", err)
	}
	if len(v.All()) != 2 {
		t.Errorf("all: %d", len(v.All()))
	}
	if len(v.Unbounded()) != 1 || v.Unbounded()[0].ID() != 10 {
		t.Errorf("unbounded list wrong: %v", v.Unbounded())
	}
	if v.BoundedLen() != 1 {
		t.Errorf("bounded len: %d", v.BoundedLen())
	}
}

func TestViewPanicsOnDuplicateSegment(t *testing.T) {
	s := bounded(7, "a", "b")
	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate segment did not panic")
		}
	}()
	_, _ = NewView([]*Shared{s, s})
}

func TestSharedReleaseRunsAfterLastRef(t *testing.T) {
	stub := &stubRowSet{id: 1}
	s := NewShared(stub)

	released := false
	s.SetOnRelease(func() { released = true })

	s.IncRef() // a reader captured it
	s.DecRef() // view dropped its reference
	if released || stub.closed {
		t.Fatalf("segment released while a reader still holds it")
	}

	s.DecRef() // reader finished
	if !released || !stub.closed {
		t.Fatalf("segment not released after last reference dropped")
	}
}

func TestSharedCompactionLockIsExclusive(t *testing.T) {
	s := bounded(1, "a", "b")
	if !s.TryLockForCompaction() {
		t.Fatalf("first selection failed")
	}
	if s.TryLockForCompaction() {
		t.Fatalf("second selection picked an already selected segment")
	}
	s.UnlockCompaction()
	if !s.TryLockForCompaction() {
		t.Fatalf("selection failed after unlock")
	}
}
