package tablet

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/row"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/rowset"
)

func flushRows(t *testing.T, tb Tablet, prefix string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if err := tb.Insert(testRow(fmt.Sprintf("%s-%03d", prefix, i), "v", prefix)); err != nil {
			t.Fatalf("Failed to insert: %v", err)
		}
	}
	if err := tb.Flush(context.Background()); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}
}

func TestCompactionMergesSegments(t *testing.T) {
	dir := t.TempDir()

	tb, err := Open(dir, quietOpts())
	if err != nil {
		t.Fatalf("Failed to open tablet: %v", err)
	}

	for g := 0; g < 4; g++ {
		flushRows(t, tb, fmt.Sprintf("s%d", g), 5)
	}
	if s := tb.Stats(); s.BoundedSegments != 4 {
		t.Fatalf("Expected 4 segments before compaction, got %d", s.BoundedSegments)
	}

	var inputIDs []uint64
	for _, e := range tb.Descriptor().Segments {
		inputIDs = append(inputIDs, e.ID)
	}

	if err := tb.CompactNow(context.Background()); err != nil {
		t.Fatalf("Failed to compact: %v", err)
	}

	if s := tb.Stats(); s.BoundedSegments != 1 {
		t.Errorf("Expected 1 segment after compaction, got %d", s.BoundedSegments)
	}
	if got := countRows(t, tb); got != 20 {
		t.Errorf("Expected 20 rows after compaction, got %d", got)
	}
	r, err := tb.Get([]byte("s2-003"), nil)
	if err != nil {
		t.Fatalf("Failed to get after compaction: %v", err)
	}
	if cellValue(t, r, "v") != "s2" {
		t.Errorf("Wrong value after compaction: %s", cellValue(t, r, "v"))
	}

	// The output records its lineage and replaces the inputs on disk
	d := tb.Descriptor()
	if len(d.Segments) != 1 {
		t.Fatalf("Expected 1 descriptor segment, got %d", len(d.Segments))
	}
	out := d.Segments[0]
	if len(out.Parents) != len(inputIDs) {
		t.Fatalf("Expected %d parents, got %d", len(inputIDs), len(out.Parents))
	}
	for i, id := range inputIDs {
		if out.Parents[i] != id {
			t.Errorf("Parent %d: expected %d, got %d", i, id, out.Parents[i])
		}
	}
	for _, id := range inputIDs {
		p := filepath.Join(dir, common.DirSegments, common.FormatSegmentID(id))
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("Input segment %d still on disk", id)
		}
	}
	tb.Close()

	// The merged state is the durable one
	tb2, err := Open(dir, quietOpts())
	if err != nil {
		t.Fatalf("Failed to reopen tablet: %v", err)
	}
	defer tb2.Close()
	if got := countRows(t, tb2); got != 20 {
		t.Errorf("Expected 20 rows after reopen, got %d", got)
	}
}

// TestCompactionDeferredInputDeletion holds an iterator across a
// compaction: the input segments must stay on disk until the last
// reader lets go.
func TestCompactionDeferredInputDeletion(t *testing.T) {
	dir := t.TempDir()

	tb, err := Open(dir, quietOpts())
	if err != nil {
		t.Fatalf("Failed to open tablet: %v", err)
	}
	defer tb.Close()

	for g := 0; g < 4; g++ {
		flushRows(t, tb, fmt.Sprintf("d%d", g), 3)
	}
	var inputIDs []uint64
	for _, e := range tb.Descriptor().Segments {
		inputIDs = append(inputIDs, e.ID)
	}

	it, err := tb.NewRowIterator(nil, tb.Snapshot())
	if err != nil {
		t.Fatalf("Failed to create iterator: %v", err)
	}

	if err := tb.CompactNow(context.Background()); err != nil {
		t.Fatalf("Failed to compact: %v", err)
	}

	for _, id := range inputIDs {
		p := filepath.Join(dir, common.DirSegments, common.FormatSegmentID(id))
		if _, err := os.Stat(p); err != nil {
			t.Errorf("Input segment %d deleted while an iterator holds it: %v", id, err)
		}
	}

	count := 0
	for it.Next() {
		count++
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Iterator error: %v", err)
	}
	if count != 12 {
		t.Errorf("Expected 12 rows from pre-compaction capture, got %d", count)
	}
	it.Close()

	for _, id := range inputIDs {
		p := filepath.Join(dir, common.DirSegments, common.FormatSegmentID(id))
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("Input segment %d still on disk after last release", id)
		}
	}
}

// TestCompactionGhostRows deletes a flushed row and reinserts it into a
// newer segment. The merge must keep the newer version on top; losing
// the order would resurrect the deleted one.
func TestCompactionGhostRows(t *testing.T) {
	dir := t.TempDir()

	opts := quietOpts()
	opts.CompactionThreshold = 2

	tb, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Failed to open tablet: %v", err)
	}

	if err := tb.Insert(testRow("g", "v", "first")); err != nil {
		t.Fatalf("Failed to insert: %v", err)
	}
	if err := tb.Flush(context.Background()); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}
	if err := tb.Delete([]byte("g")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}
	if err := tb.Insert(testRow("g", "v", "second")); err != nil {
		t.Fatalf("Failed to reinsert: %v", err)
	}
	if err := tb.Flush(context.Background()); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}

	if err := tb.CompactNow(context.Background()); err != nil {
		t.Fatalf("Failed to compact: %v", err)
	}
	if s := tb.Stats(); s.BoundedSegments != 1 {
		t.Fatalf("Expected 1 segment, got %d", s.BoundedSegments)
	}

	r, err := tb.Get([]byte("g"), nil)
	if err != nil {
		t.Fatalf("Failed to get after compaction: %v", err)
	}
	if cellValue(t, r, "v") != "second" {
		t.Errorf("Ghost resurrected: v=%s", cellValue(t, r, "v"))
	}
	if got := countRows(t, tb); got != 1 {
		t.Errorf("Expected 1 row, got %d", got)
	}
	tb.Close()

	tb2, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Failed to reopen tablet: %v", err)
	}
	defer tb2.Close()
	r, err = tb2.Get([]byte("g"), nil)
	if err != nil {
		t.Fatalf("Failed to get after reopen: %v", err)
	}
	if cellValue(t, r, "v") != "second" {
		t.Errorf("Ghost resurrected after reopen: v=%s", cellValue(t, r, "v"))
	}
}

// TestCompactionCarriesDeltas bakes pending segment mutations into the
// merged output, including tombstones.
func TestCompactionCarriesDeltas(t *testing.T) {
	dir := t.TempDir()

	opts := quietOpts()
	opts.CompactionThreshold = 2

	tb, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Failed to open tablet: %v", err)
	}
	defer tb.Close()

	flushRows(t, tb, "a", 10)

	cl := row.ChangeList{Updates: []row.Cell{{Column: "v", Value: []byte("updated")}}}
	if err := tb.Mutate([]byte("a-003"), cl); err != nil {
		t.Fatalf("Failed to mutate: %v", err)
	}
	if err := tb.Delete([]byte("a-007")); err != nil {
		t.Fatalf("Failed to delete: %v", err)
	}

	flushRows(t, tb, "b", 3)

	if err := tb.CompactNow(context.Background()); err != nil {
		t.Fatalf("Failed to compact: %v", err)
	}

	r, err := tb.Get([]byte("a-003"), nil)
	if err != nil {
		t.Fatalf("Failed to get mutated row: %v", err)
	}
	if cellValue(t, r, "v") != "updated" {
		t.Errorf("Update lost in compaction: v=%s", cellValue(t, r, "v"))
	}
	if _, err := tb.Get([]byte("a-007"), nil); !errors.Is(err, common.ErrNotFound) {
		t.Errorf("Tombstone lost in compaction: %v", err)
	}
	if got := countRows(t, tb); got != 12 {
		t.Errorf("Expected 12 live rows, got %d", got)
	}

	// Dead chains are kept: the output still holds all 13 keys
	d := tb.Descriptor()
	if len(d.Segments) != 1 {
		t.Fatalf("Expected 1 descriptor segment, got %d", len(d.Segments))
	}
	if d.Segments[0].Rows != 13 {
		t.Errorf("Expected 13 chains in output, got %d", d.Segments[0].Rows)
	}
}

// TestCompactionOverlappingRanges merges two segments whose key ranges
// interleave. Every key must come out with its latest visible version.
func TestCompactionOverlappingRanges(t *testing.T) {
	dir := t.TempDir()

	opts := quietOpts()
	opts.CompactionThreshold = 2

	tb, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Failed to open tablet: %v", err)
	}
	defer tb.Close()

	// Segment A: odd keys 001..049. Segment B: even keys 030..080. The
	// ranges overlap on [030, 049] with no shared keys.
	for i := 1; i < 50; i += 2 {
		if err := tb.Insert(testRow(fmt.Sprintf("k-%03d", i), "src", "A")); err != nil {
			t.Fatalf("Failed to insert: %v", err)
		}
	}
	if err := tb.Flush(context.Background()); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}
	for i := 30; i <= 80; i += 2 {
		if err := tb.Insert(testRow(fmt.Sprintf("k-%03d", i), "src", "B")); err != nil {
			t.Fatalf("Failed to insert: %v", err)
		}
	}
	// Mutate one key from each side of the overlap before the merge
	cl := row.ChangeList{Updates: []row.Cell{{Column: "src", Value: []byte("patched")}}}
	if err := tb.Mutate([]byte("k-031"), cl); err != nil {
		t.Fatalf("Failed to mutate: %v", err)
	}
	if err := tb.Flush(context.Background()); err != nil {
		t.Fatalf("Failed to flush: %v", err)
	}
	if err := tb.Mutate([]byte("k-040"), cl); err != nil {
		t.Fatalf("Failed to mutate: %v", err)
	}

	if err := tb.CompactNow(context.Background()); err != nil {
		t.Fatalf("Failed to compact: %v", err)
	}
	if s := tb.Stats(); s.BoundedSegments != 1 {
		t.Fatalf("Expected 1 segment, got %d", s.BoundedSegments)
	}

	it, err := tb.NewRowIterator(nil, tb.Snapshot())
	if err != nil {
		t.Fatalf("Failed to create iterator: %v", err)
	}
	defer it.Close()
	got := make(map[string]string)
	prev := ""
	for it.Next() {
		k := string(it.Row().Key)
		if prev != "" && k <= prev {
			t.Fatalf("Keys out of order: %q after %q", k, prev)
		}
		prev = k
		got[k] = cellValue(t, it.Row(), "src")
	}
	if err := it.Err(); err != nil {
		t.Fatalf("Iterator error: %v", err)
	}

	want := 0
	for i := 1; i < 50; i += 2 {
		key := fmt.Sprintf("k-%03d", i)
		if v, ok := got[key]; !ok || (v != "A" && key != "k-031") {
			t.Errorf("Key %s: expected A, got %q (present=%v)", key, v, ok)
		}
		want++
	}
	for i := 30; i <= 80; i += 2 {
		key := fmt.Sprintf("k-%03d", i)
		if v, ok := got[key]; !ok || (v != "B" && key != "k-040") {
			t.Errorf("Key %s: expected B, got %q (present=%v)", key, v, ok)
		}
		want++
	}
	if got["k-031"] != "patched" || got["k-040"] != "patched" {
		t.Errorf("Mutations lost in merge: k-031=%q k-040=%q", got["k-031"], got["k-040"])
	}
	if len(got) != want {
		t.Errorf("Expected %d rows, got %d", want, len(got))
	}
}

// TestMutationAfterCompaction pins an owner that a compaction retires
// before apply; the retry resolves the merged output.
func TestMutationAfterCompaction(t *testing.T) {
	dir := t.TempDir()

	opts := quietOpts()
	opts.CompactionThreshold = 2

	tb, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Failed to open tablet: %v", err)
	}
	defer tb.Close()

	flushRows(t, tb, "m", 3)
	flushRows(t, tb, "n", 3)

	cl := row.ChangeList{Updates: []row.Cell{{Column: "v", Value: []byte("late")}}}
	op, err := tb.PrepareMutate([]byte("m-001"), cl)
	if err != nil {
		t.Fatalf("Failed to prepare mutate: %v", err)
	}

	if err := tb.CompactNow(context.Background()); err != nil {
		t.Fatalf("Failed to compact with prepared operation pending: %v", err)
	}

	if err := tb.Apply(op); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound applying against compacted owner, got %v", err)
	}

	op, err = tb.PrepareMutate([]byte("m-001"), cl)
	if err != nil {
		t.Fatalf("Failed to re-prepare: %v", err)
	}
	if err := tb.Apply(op); err != nil {
		t.Fatalf("Failed to apply against merged segment: %v", err)
	}

	r, err := tb.Get([]byte("m-001"), nil)
	if err != nil {
		t.Fatalf("Failed to get: %v", err)
	}
	if cellValue(t, r, "v") != "late" {
		t.Errorf("Expected v=late, got %s", cellValue(t, r, "v"))
	}
}

func TestCompactionBelowThreshold(t *testing.T) {
	dir := t.TempDir()

	tb, err := Open(dir, quietOpts())
	if err != nil {
		t.Fatalf("Failed to open tablet: %v", err)
	}
	defer tb.Close()

	flushRows(t, tb, "x", 3)
	flushRows(t, tb, "y", 3)

	preGen := tb.Descriptor().GenID
	if err := tb.CompactNow(context.Background()); err != nil {
		t.Fatalf("CompactNow failed: %v", err)
	}
	if s := tb.Stats(); s.BoundedSegments != 2 {
		t.Errorf("Compaction ran below threshold: %d segments", s.BoundedSegments)
	}
	if tb.Descriptor().GenID != preGen {
		t.Error("No-op compaction advanced the descriptor")
	}
}

// allBoundedPolicy selects every bounded segment regardless of count.
type allBoundedPolicy struct{}

func (allBoundedPolicy) Select(v *rowset.View) []*rowset.Shared {
	var sel []*rowset.Shared
	for _, m := range v.All() {
		if _, _, bounded := m.RowSet().Bounds(); bounded {
			sel = append(sel, m)
		}
	}
	if len(sel) < 2 {
		return nil
	}
	return sel
}

func TestCompactionCustomPolicy(t *testing.T) {
	dir := t.TempDir()

	opts := quietOpts()
	opts.CompactionPolicy = allBoundedPolicy{}

	tb, err := Open(dir, opts)
	if err != nil {
		t.Fatalf("Failed to open tablet: %v", err)
	}
	defer tb.Close()

	flushRows(t, tb, "p", 4)
	flushRows(t, tb, "q", 4)

	if err := tb.CompactNow(context.Background()); err != nil {
		t.Fatalf("Failed to compact: %v", err)
	}
	if s := tb.Stats(); s.BoundedSegments != 1 {
		t.Errorf("Custom policy ignored: %d segments", s.BoundedSegments)
	}
	if got := countRows(t, tb); got != 8 {
		t.Errorf("Expected 8 rows, got %d", got)
	}
}
