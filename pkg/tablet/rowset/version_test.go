package rowset

import (
	"bytes"
	"testing"

	"github.com/CVDpl/go-live-tablet/pkg/tablet/mvcc"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/row"
)

func TestLatestVisiblePicksNewestCommitted(t *testing.T) {
	mgr := mvcc.NewManager()

	t1 := mgr.BeginTxn()
	mgr.Commit(t1)
	t2 := mgr.BeginTxn()
	mgr.Commit(t2)
	t3 := mgr.BeginTxn() // left in flight

	chain := []Version{
		{Txn: t1.ID(), Cells: []row.Cell{{Column: "v", Value: []byte("one")}}},
		{Txn: t2.ID(), Cells: []row.Cell{{Column: "v", Value: []byte("two")}}},
		{Txn: t3.ID(), Cells: []row.Cell{{Column: "v", Value: []byte("three")}}},
	}

	v, ok := LatestVisible(chain, mgr.Snapshot())
	if !ok {
		t.Fatal("no visible version")
	}
	if !bytes.Equal(v.Cells[0].Value, []byte("two")) {
		t.Fatalf("visible value = %q, want %q", v.Cells[0].Value, "two")
	}

	if _, ok := LatestVisible(chain, mvcc.Snapshot{}); ok {
		t.Fatal("zero snapshot resolved a version")
	}
}

func TestLiveAtLatestIgnoresSnapshots(t *testing.T) {
	chain := []Version{
		{Txn: 1, Cells: []row.Cell{{Column: "v", Value: []byte("x")}}},
		{Txn: 2, Deleted: true},
	}
	if LiveAtLatest(chain) {
		t.Fatal("chain ending in tombstone reported live")
	}

	chain = append(chain, Version{Txn: 3, Cells: []row.Cell{{Column: "v", Value: []byte("y")}}})
	if !LiveAtLatest(chain) {
		t.Fatal("reinserted chain reported dead")
	}

	if LiveAtLatest(nil) {
		t.Fatal("empty chain reported live")
	}
}

func TestVersionChainCodecRoundTrip(t *testing.T) {
	chain := []Version{
		{Txn: 7, Cells: []row.Cell{{Column: "a", Value: []byte("1")}, {Column: "b", Value: []byte("2")}}},
		{Txn: 9, Deleted: true},
		{Txn: 12, Cells: []row.Cell{{Column: "a", Value: []byte("10")}}},
	}

	encoded := EncodeVersionChain(chain)
	decoded, err := DecodeVersionChain(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(decoded) != len(chain) {
		t.Fatalf("decoded %d versions, want %d", len(decoded), len(chain))
	}
	for i := range chain {
		if decoded[i].Txn != chain[i].Txn || decoded[i].Deleted != chain[i].Deleted {
			t.Fatalf("version %d: got %+v, want %+v", i, decoded[i], chain[i])
		}
		if len(decoded[i].Cells) != len(chain[i].Cells) {
			t.Fatalf("version %d: cell count %d, want %d", i, len(decoded[i].Cells), len(chain[i].Cells))
		}
		for j := range chain[i].Cells {
			if decoded[i].Cells[j].Column != chain[i].Cells[j].Column ||
				!bytes.Equal(decoded[i].Cells[j].Value, chain[i].Cells[j].Value) {
				t.Fatalf("version %d cell %d mismatch", i, j)
			}
		}
	}
}

func TestDecodeVersionChainTruncated(t *testing.T) {
	encoded := EncodeVersionChain([]Version{{Txn: 1, Cells: []row.Cell{{Column: "v", Value: []byte("x")}}}})
	if _, err := DecodeVersionChain(bytes.NewReader(encoded[:len(encoded)-2])); err == nil {
		t.Fatal("truncated chain decoded without error")
	}
}
