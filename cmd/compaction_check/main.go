package main

import (
	"context"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/CVDpl/go-live-tablet/pkg/tablet"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/row"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/rowset"
)

// mergeAllPolicy selects every bounded segment so one pass collapses the
// whole tablet.
type mergeAllPolicy struct{}

func (mergeAllPolicy) Select(v *rowset.View) []*rowset.Shared {
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

func main() {
	n := flag.Int("n", 10000, "number of inserts")
	m := flag.Int("m", 5000, "number of deletes from the first N keys")
	k := flag.Int("k", 0, "number of updates among surviving keys")
	keep := flag.Bool("keep", false, "keep the output directory and print its path")
	outDir := flag.String("out", "", "output directory; empty means a fresh temp dir")
	phaseTimeout := flag.Duration("timeout", 10*time.Minute, "timeout per phase (flush/scan/compact)")
	verifyScan := flag.Bool("verify", true, "perform a full scan to count live rows")
	pruneWAL := flag.Bool("prune_wal", true, "prune flushed WAL files after compaction")
	assertLive := flag.Bool("assert_live", true, "exit with non-zero status if the live count is off")
	flag.Parse()

	dir := *outDir
	if dir == "" {
		d, err := os.MkdirTemp(".", "tablet-compact-*")
		if err != nil {
			panic(err)
		}
		dir = d
		if !*keep {
			defer os.RemoveAll(dir)
		}
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		panic(err)
	}
	fmt.Printf("output dir: %s\n", dir)

	opts := tablet.DefaultOptions()
	// No background work during measurement.
	opts.DisableBackgroundCompaction = true
	opts.DisableAutoFlush = true
	opts.CompactionPolicy = mergeAllPolicy{}
	tb, err := tablet.Open(dir, opts)
	if err != nil {
		panic(err)
	}

	phase := func(name string, fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), *phaseTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			panic(fmt.Sprintf("%s: %v", name, err))
		}
	}

	// Phase 1: insert n rows, flush to the first segment.
	for i := 0; i < *n; i++ {
		r := &row.Row{
			Key:   []byte(fmt.Sprintf("key-%05d", i)),
			Cells: []row.Cell{{Column: "v", Value: []byte(fmt.Sprintf("value-%05d", i))}},
		}
		if err := tb.Insert(r); err != nil {
			panic(err)
		}
	}
	phase("flush inserts", tb.Flush)

	// Phase 2: delete the first m keys, flush the tombstones.
	if *m > *n {
		*m = *n
	}
	for i := 0; i < *m; i++ {
		if err := tb.Delete([]byte(fmt.Sprintf("key-%05d", i))); err != nil {
			panic(err)
		}
	}
	phase("flush deletes", tb.Flush)

	// Phase 3: update k surviving keys.
	survivors := *n - *m
	if *k > survivors {
		*k = survivors
	}
	for i := 0; i < *k; i++ {
		key := []byte(fmt.Sprintf("key-%05d", *m+i))
		cl := row.ChangeList{Updates: []row.Cell{{Column: "v", Value: []byte("updated")}}}
		if err := tb.Mutate(key, cl); err != nil {
			panic(err)
		}
	}
	if *k > 0 {
		phase("flush updates", tb.Flush)
	}

	segDir := filepath.Join(dir, "segments")
	beforeActive := activeBytes(tb)
	liveBefore := survivors
	if *verifyScan {
		liveBefore = mustCountLive(tb)
	}

	fmt.Println("-- segments before --")
	listSegments(tb)
	listFiles(segDir)

	phase("compact", tb.CompactNow)

	if *pruneWAL {
		if err := tb.PruneWAL(); err != nil {
			fmt.Println("PruneWAL error:", err)
		}
	}

	afterActive := activeBytes(tb)
	liveAfter := survivors
	if *verifyScan || *assertLive {
		liveAfter = mustCountLive(tb)
	}

	fmt.Println("-- segments after --")
	listSegments(tb)
	listFiles(segDir)

	stats := tb.Stats()
	_ = tb.Close()

	if *assertLive {
		if liveAfter != survivors {
			fmt.Printf("assert_live failed: %d live rows after compaction, expected %d\n", liveAfter, survivors)
			os.Exit(1)
		}
		fmt.Println("assert_live passed: live row count unchanged by compaction")
	}

	fmt.Printf("n=%d m=%d k=%d\n", *n, *m, *k)
	fmt.Printf("live before: %d, live after: %d\n", liveBefore, liveAfter)
	fmt.Printf("flushes: %d, compactions: %d, compaction time: %s\n",
		stats.Flushes, stats.Compactions, stats.CompactionTime)
	fmt.Printf("active size before: %d bytes\n", beforeActive)
	fmt.Printf("active size after:  %d bytes\n", afterActive)
	fmt.Printf("fs size (raw) after: %d bytes\n", treeBytes(segDir))
	if beforeActive > 0 {
		reduction := float64(beforeActive-afterActive) / float64(beforeActive) * 100.0
		fmt.Printf("reduction: %.2f%%\n", reduction)
	}
}

func mustCountLive(tb tablet.Tablet) int {
	iter, err := tb.NewRowIterator(nil, tb.Snapshot())
	if err != nil {
		panic(err)
	}
	defer iter.Close()
	cnt := 0
	for iter.Next() {
		cnt++
	}
	if err := iter.Err(); err != nil {
		panic(err)
	}
	return cnt
}

// treeBytes sums file sizes under root.
func treeBytes(root string) int64 {
	var total int64
	filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, ierr := d.Info(); ierr == nil {
			total += fi.Size()
		}
		return nil
	})
	return total
}

// listFiles prints every file under root with its size.
func listFiles(root string) {
	filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if fi, ierr := d.Info(); ierr == nil {
			fmt.Printf("FILE %s (%d bytes)\n", path, fi.Size())
		}
		return nil
	})
}

// listSegments prints the descriptor's segment entries with lineage.
func listSegments(tb tablet.Tablet) {
	d := tb.Descriptor()
	for _, e := range d.Segments {
		fmt.Printf("SEG %d rows=%d bytes=%d parents=%v\n", e.ID, e.Rows, e.SizeBytes, e.Parents)
	}
}

// activeBytes sums the sizes of segments the descriptor references.
func activeBytes(tb tablet.Tablet) int64 {
	var total int64
	for _, e := range tb.Descriptor().Segments {
		total += int64(e.SizeBytes)
	}
	return total
}
