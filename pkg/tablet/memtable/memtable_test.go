package memtable

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/mvcc"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/row"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/rowset"
)

func insertRow(t *testing.T, m *Memtable, mgr *mvcc.Manager, key string, cells ...row.Cell) {
	t.Helper()
	txn := mgr.BeginTxn()
	if err := m.Insert(txn, &row.Row{Key: []byte(key), Cells: cells}); err != nil {
		t.Fatalf("Insert(%q): %v", key, err)
	}
	mgr.Commit(txn)
}

// liveVersion resolves key under snap, reporting ok only for a live row.
func liveVersion(t *testing.T, m *Memtable, key string, snap mvcc.Snapshot) (rowset.Version, bool) {
	t.Helper()
	v, ok, err := m.GetVersion([]byte(key), snap)
	if err != nil {
		t.Fatalf("GetVersion(%q): %v", key, err)
	}
	if !ok || v.Deleted {
		return rowset.Version{}, false
	}
	return v, true
}

func TestInsertThenGet(t *testing.T) {
	mgr := mvcc.NewManager()
	m := New(1)

	insertRow(t, m, mgr, "alpha", row.Cell{Column: "val", Value: []byte("1")})

	v, ok := liveVersion(t, m, "alpha", mgr.Snapshot())
	if !ok {
		t.Fatal("inserted row not found")
	}
	if len(v.Cells) != 1 || v.Cells[0].Column != "val" || !bytes.Equal(v.Cells[0].Value, []byte("1")) {
		t.Fatalf("unexpected cells: %+v", v.Cells)
	}
	if m.RowCount() != 1 {
		t.Fatalf("RowCount = %d, want 1", m.RowCount())
	}
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	mgr := mvcc.NewManager()
	m := New(1)

	insertRow(t, m, mgr, "k", row.Cell{Column: "v", Value: []byte("a")})

	txn := mgr.BeginTxn()
	err := m.Insert(txn, &row.Row{Key: []byte("k"), Cells: []row.Cell{{Column: "v", Value: []byte("b")}}})
	if !errors.Is(err, common.ErrAlreadyPresent) {
		t.Fatalf("duplicate insert: got %v, want ErrAlreadyPresent", err)
	}
	mgr.Abort(txn)

	v, ok := liveVersion(t, m, "k", mgr.Snapshot())
	if !ok {
		t.Fatal("row lost after failed insert")
	}
	if !bytes.Equal(v.Cells[0].Value, []byte("a")) {
		t.Fatalf("original value clobbered: %q", v.Cells[0].Value)
	}
}

func TestDeleteThenReinsert(t *testing.T) {
	mgr := mvcc.NewManager()
	m := New(1)

	insertRow(t, m, mgr, "k", row.Cell{Column: "v", Value: []byte("old")})
	beforeDelete := mgr.Snapshot()

	del := mgr.BeginTxn()
	if err := m.MutateRow(del, []byte("k"), row.ChangeList{Delete: true}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	mgr.Commit(del)

	if _, ok := liveVersion(t, m, "k", mgr.Snapshot()); ok {
		t.Fatal("deleted row still resolves as live")
	}
	present, err := m.CheckRowPresent([]byte("k"))
	if err != nil || present {
		t.Fatalf("CheckRowPresent after delete = (%v, %v), want (false, nil)", present, err)
	}

	insertRow(t, m, mgr, "k", row.Cell{Column: "v", Value: []byte("new")})

	v, ok := liveVersion(t, m, "k", mgr.Snapshot())
	if !ok {
		t.Fatal("reinserted row not found")
	}
	if !bytes.Equal(v.Cells[0].Value, []byte("new")) {
		t.Fatalf("reinserted value = %q, want %q", v.Cells[0].Value, "new")
	}

	// The pre-delete snapshot still resolves to the original state.
	old, ok := liveVersion(t, m, "k", beforeDelete)
	if !ok {
		t.Fatal("old snapshot lost the row")
	}
	if !bytes.Equal(old.Cells[0].Value, []byte("old")) {
		t.Fatalf("old snapshot value = %q, want %q", old.Cells[0].Value, "old")
	}
	if m.RowCount() != 1 {
		t.Fatalf("RowCount after reinsert = %d, want 1", m.RowCount())
	}
}

func TestMutateMissingOrDeletedRow(t *testing.T) {
	mgr := mvcc.NewManager()
	m := New(1)

	txn := mgr.BeginTxn()
	err := m.MutateRow(txn, []byte("ghost"), row.ChangeList{Updates: []row.Cell{{Column: "v", Value: []byte("x")}}})
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("mutate missing: got %v, want ErrNotFound", err)
	}
	mgr.Abort(txn)

	insertRow(t, m, mgr, "k", row.Cell{Column: "v", Value: []byte("a")})
	del := mgr.BeginTxn()
	if err := m.MutateRow(del, []byte("k"), row.ChangeList{Delete: true}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	mgr.Commit(del)

	txn2 := mgr.BeginTxn()
	err = m.MutateRow(txn2, []byte("k"), row.ChangeList{Updates: []row.Cell{{Column: "v", Value: []byte("x")}}})
	if !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("mutate deleted: got %v, want ErrNotFound", err)
	}
	mgr.Abort(txn2)
}

func TestMutateUpdatesOnlyNamedColumns(t *testing.T) {
	mgr := mvcc.NewManager()
	m := New(1)

	insertRow(t, m, mgr, "k",
		row.Cell{Column: "a", Value: []byte("1")},
		row.Cell{Column: "b", Value: []byte("2")},
	)

	txn := mgr.BeginTxn()
	if err := m.MutateRow(txn, []byte("k"), row.ChangeList{Updates: []row.Cell{{Column: "b", Value: []byte("20")}}}); err != nil {
		t.Fatalf("mutate: %v", err)
	}
	mgr.Commit(txn)

	v, ok := liveVersion(t, m, "k", mgr.Snapshot())
	if !ok {
		t.Fatal("row not found after mutate")
	}
	want := map[string]string{"a": "1", "b": "20"}
	if len(v.Cells) != len(want) {
		t.Fatalf("cell count = %d, want %d", len(v.Cells), len(want))
	}
	for _, c := range v.Cells {
		if want[c.Column] != string(c.Value) {
			t.Errorf("column %q = %q, want %q", c.Column, c.Value, want[c.Column])
		}
	}
}

func TestUncommittedWriteInvisibleToSnapshot(t *testing.T) {
	mgr := mvcc.NewManager()
	m := New(1)

	txn := mgr.BeginTxn()
	if err := m.Insert(txn, &row.Row{Key: []byte("k"), Cells: []row.Cell{{Column: "v", Value: []byte("x")}}}); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if _, ok := liveVersion(t, m, "k", mgr.Snapshot()); ok {
		t.Fatal("uncommitted row visible")
	}

	mgr.Commit(txn)
	if _, ok := liveVersion(t, m, "k", mgr.Snapshot()); !ok {
		t.Fatal("committed row not visible")
	}
}

func TestIteratorOrderAndTombstones(t *testing.T) {
	mgr := mvcc.NewManager()
	m := New(1)

	for _, key := range []string{"delta", "alpha", "charlie", "bravo"} {
		insertRow(t, m, mgr, key, row.Cell{Column: "v", Value: []byte(key)})
	}
	del := mgr.BeginTxn()
	if err := m.MutateRow(del, []byte("bravo"), row.ChangeList{Delete: true}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	mgr.Commit(del)

	it := m.NewIterator(mgr.Snapshot())
	defer it.Close()

	var live, dead []string
	for it.Next() {
		if it.Version().Deleted {
			dead = append(dead, string(it.Key()))
		} else {
			live = append(live, string(it.Key()))
		}
	}
	if err := it.Err(); err != nil {
		t.Fatalf("iterator error: %v", err)
	}

	wantLive := []string{"alpha", "charlie", "delta"}
	if len(live) != len(wantLive) {
		t.Fatalf("live keys = %v, want %v", live, wantLive)
	}
	for i := range wantLive {
		if live[i] != wantLive[i] {
			t.Fatalf("live keys = %v, want %v", live, wantLive)
		}
	}
	// The tombstone must be yielded so merged readers can shadow older
	// segments holding the same key.
	if len(dead) != 1 || dead[0] != "bravo" {
		t.Fatalf("tombstone keys = %v, want [bravo]", dead)
	}
}

func TestConcurrentInsertsDistinctKeys(t *testing.T) {
	mgr := mvcc.NewManager()
	m := New(1)

	const workers = 8
	const perWorker = 100

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				key := fmt.Sprintf("w%02d-%04d", w, i)
				txn := mgr.BeginTxn()
				if err := m.Insert(txn, &row.Row{Key: []byte(key), Cells: []row.Cell{{Column: "v", Value: []byte("x")}}}); err != nil {
					t.Errorf("Insert(%q): %v", key, err)
				}
				mgr.Commit(txn)
			}
		}(w)
	}
	wg.Wait()

	if got := m.RowCount(); got != workers*perWorker {
		t.Fatalf("RowCount = %d, want %d", got, workers*perWorker)
	}

	it := m.NewIterator(mgr.Snapshot())
	defer it.Close()
	var prev []byte
	n := 0
	for it.Next() {
		if prev != nil && bytes.Compare(prev, it.Key()) >= 0 {
			t.Fatalf("keys out of order: %q then %q", prev, it.Key())
		}
		prev = append(prev[:0], it.Key()...)
		n++
	}
	if n != workers*perWorker {
		t.Fatalf("iterated %d rows, want %d", n, workers*perWorker)
	}
}
