package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/monitoring"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/row"
)

func cells(pairs ...string) []row.Cell {
	out := make([]row.Cell, 0, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out = append(out, row.Cell{Column: pairs[i], Value: []byte(pairs[i+1])})
	}
	return out
}

func main() {
	// Create a temporary directory for the example
	tempDir, err := os.MkdirTemp(".", "tablet-example-*")
	if err != nil {
		log.Fatalf("Failed to create temp directory: %v", err)
	}
	defer func() {
		fmt.Printf("\nTablet data persisted in: %s\n", tempDir)
		fmt.Println("Remove with: rm -rf", tempDir)
	}()

	// Create tablet options; TABLET_CONFIG can point at a YAML file that
	// overrides them
	opts := tablet.DefaultOptions()
	opts.Parallelism = 4
	opts.VerifyChecksumsOnOpen = true
	opts.MemtableTargetBytes = 1024 * 1024 // 1MB
	if os.Getenv("TABLET_DEBUG") != "" {
		opts.Logger = tablet.NewDefaultLoggerWithLevel(common.LogLevelDebug)
	}
	if cfg := os.Getenv("TABLET_CONFIG"); cfg != "" {
		loaded, err := tablet.LoadOptionsFile(cfg, opts)
		if err != nil {
			log.Fatalf("Failed to load config %s: %v", cfg, err)
		}
		opts = loaded
		fmt.Printf("Loaded options from %s\n", cfg)
	}

	fmt.Printf("Tablet Example\n")
	fmt.Printf("==============\n")
	fmt.Printf("Using temporary directory: %s\n\n", tempDir)

	// Open the tablet
	fmt.Println("1. Opening tablet...")
	tb, err := tablet.Open(tempDir, opts)
	if err != nil {
		log.Fatalf("Failed to open tablet: %v", err)
	}
	defer tb.Close()
	fmt.Printf("   ✓ Tablet %s opened successfully\n", tb.ID())

	// Optional debug server: enable by setting TABLET_PPROF_ADDR (e.g., ":6060")
	if addr := os.Getenv("TABLET_PPROF_ADDR"); addr != "" {
		srv, err := monitoring.StartDebugServer(addr, func() interface{} { return tb.Stats() })
		if err == nil {
			defer func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = monitoring.StopDebugServer(ctx, srv)
				cancel()
			}()
			fmt.Printf("   pprof and /debug/tablet/stats listening on %s\n", addr)
		} else {
			fmt.Printf("   failed to start debug server on %s: %v\n", addr, err)
		}
	}

	// Insert sample rows
	fmt.Println("\n2. Inserting sample rows...")
	sample := []*row.Row{
		{Key: []byte("user:alice"), Cells: cells("role", "admin", "city", "oslo")},
		{Key: []byte("user:bob"), Cells: cells("role", "user", "city", "bergen")},
		{Key: []byte("user:charlie"), Cells: cells("role", "user", "city", "oslo")},
		{Key: []byte("product:laptop"), Cells: cells("category", "electronics", "price", "999")},
		{Key: []byte("product:phone"), Cells: cells("category", "electronics", "price", "599")},
		{Key: []byte("product:chair"), Cells: cells("category", "furniture", "price", "149")},
		{Key: []byte("order:12345"), Cells: cells("status", "pending", "user", "alice")},
		{Key: []byte("order:12346"), Cells: cells("status", "shipped", "user", "bob")},
	}
	for _, r := range sample {
		if err := tb.Insert(r); err != nil {
			log.Printf("Warning: Failed to insert %q: %v", r.Key, err)
		} else {
			fmt.Printf("   ✓ Inserted: %s\n", r.Key)
		}
	}

	// Point reads
	fmt.Println("\n3. Reading rows back...")
	full, err := tb.Get([]byte("user:alice"), nil)
	if err != nil {
		log.Printf("Warning: Failed to read user:alice: %v", err)
	} else {
		fmt.Printf("   ✓ user:alice: %d cells\n", len(full.Cells))
	}
	projected, err := tb.Get([]byte("product:laptop"), row.Projection{"price"})
	if err != nil {
		log.Printf("Warning: Failed to read product:laptop: %v", err)
	} else {
		fmt.Printf("   ✓ product:laptop projected to %d cell(s)\n", len(projected.Cells))
	}

	// Mutate and delete
	fmt.Println("\n4. Updating and deleting...")
	update := row.ChangeList{Updates: cells("status", "delivered")}
	if err := tb.Mutate([]byte("order:12346"), update); err != nil {
		log.Printf("Warning: Failed to update order:12346: %v", err)
	} else {
		fmt.Println("   ✓ Updated: order:12346 status=delivered")
	}
	if err := tb.Delete([]byte("user:charlie")); err != nil {
		log.Printf("Warning: Failed to delete user:charlie: %v", err)
	} else {
		fmt.Println("   ✓ Deleted: user:charlie")
	}

	// Atomic batch
	fmt.Println("\n5. Committing a batch...")
	b := tb.NewBatch()
	_ = b.Insert(&row.Row{Key: []byte("order:12347"), Cells: cells("status", "pending", "user", "bob")})
	_ = b.Insert(&row.Row{Key: []byte("order:12348"), Cells: cells("status", "pending", "user", "alice")})
	_ = b.Mutate([]byte("order:12345"), row.ChangeList{Updates: cells("status", "shipped")})
	if err := b.Commit(); err != nil {
		log.Printf("Warning: Failed to commit batch: %v", err)
	} else {
		fmt.Printf("   ✓ Batch of %d operations committed atomically\n", 3)
	}

	// Scan a snapshot
	fmt.Println("\n6. Scanning a snapshot...")
	it, err := tb.NewRowIterator(nil, tb.Snapshot())
	if err != nil {
		log.Printf("Warning: Failed to create iterator: %v", err)
	} else {
		count := 0
		for it.Next() {
			count++
		}
		if err := it.Err(); err != nil {
			log.Printf("Warning: Iterator error: %v", err)
		}
		it.Close()
		fmt.Printf("   ✓ Snapshot holds %d live rows\n", count)
	}

	// Test persistence
	fmt.Println("\n7. Flushing to disk...")
	ctx := context.Background()
	flushCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := tb.Flush(flushCtx); err != nil {
		log.Printf("Warning: Failed to flush: %v", err)
	} else {
		fmt.Println("   ✓ Buffer flushed to a segment")
	}

	// Tablet statistics
	fmt.Println("\n8. Tablet statistics...")
	stats := tb.Stats()
	fmt.Printf("   Inserts: %d, mutates: %d, deletes: %d\n", stats.Inserts, stats.Mutates, stats.Deletes)
	fmt.Printf("   Point reads: %d, iterator captures: %d\n", stats.PointReads, stats.IteratorCaptures)
	fmt.Printf("   Segments: %d (%d bytes), buffer rows: %d\n",
		stats.BoundedSegments, stats.SegmentsBytes, stats.BufferRows)
	fmt.Printf("   Descriptor generation: %d, flushed WAL seq: %d\n",
		stats.DescriptorGen, stats.LastFlushedWALSeq)
	fmt.Printf("   Consensus role: %s (term %d)\n", stats.Role, stats.Term)

	// Force compaction
	fmt.Println("\n9. Triggering compaction...")
	compactCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := tb.CompactNow(compactCtx); err != nil {
		log.Printf("Warning: Failed to trigger compaction: %v", err)
	} else {
		fmt.Println("   ✓ Compaction pass completed")
	}

	// Check if segments were created
	segmentsDir := filepath.Join(tempDir, "segments")
	if _, err := os.Stat(segmentsDir); err == nil {
		fmt.Printf("   ✓ Segments directory created: %s\n", segmentsDir)
	} else {
		fmt.Println("   ℹ Segments directory not yet created (normal for small datasets)")
	}

	// Test reopening tablet
	fmt.Println("\n10. Testing tablet persistence...")
	tb.Close()

	tb2, err := tablet.Open(tempDir, opts)
	if err != nil {
		log.Printf("Warning: Failed to reopen tablet: %v", err)
	} else {
		fmt.Println("   ✓ Tablet reopened successfully")

		r, err := tb2.Get([]byte("order:12346"), nil)
		if err != nil {
			log.Printf("Warning: Failed to verify data: %v", err)
		} else {
			status := ""
			for _, c := range r.Cells {
				if c.Column == "status" {
					status = string(c.Value)
				}
			}
			if status == "delivered" {
				fmt.Println("   ✓ Data successfully persisted and recovered")
			} else {
				fmt.Printf("   ⚠ Unexpected status after reopen: %q\n", status)
			}
		}
		tb2.Close()
	}

	fmt.Println("\n✅ Example completed successfully!")
}
