package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/meta"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/segment"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/utils"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/wal"
)

// loadDescriptor reads the current descriptor without opening the tablet,
// so the check never bootstraps or mutates anything.
func loadDescriptor(dir string) (*meta.Descriptor, error) {
	metaDir := filepath.Join(dir, common.DirMeta)
	var path string
	if data, err := os.ReadFile(filepath.Join(metaDir, common.FileCurrent)); err == nil {
		candidate := filepath.Join(metaDir, strings.TrimSpace(string(data)))
		if utils.FileExists(candidate) {
			path = candidate
		}
	}
	if path == "" {
		all, err := filepath.Glob(filepath.Join(metaDir, "*.json"))
		if err != nil || len(all) == 0 {
			return nil, fmt.Errorf("no descriptor found in %s", metaDir)
		}
		var files []string
		for _, f := range all {
			name := strings.TrimSuffix(filepath.Base(f), ".json")
			if _, ok := common.ParseSegmentID(name); ok {
				files = append(files, f)
			}
		}
		if len(files) == 0 {
			return nil, fmt.Errorf("no descriptor found in %s", metaDir)
		}
		sort.Strings(files)
		path = files[len(files)-1]
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var d meta.Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &d, nil
}

// checkSegment validates one referenced segment directory against its
// descriptor entry.
func checkSegment(dir string, e meta.SegmentEntry, verify bool) error {
	segDir := filepath.Join(dir, common.DirSegments, common.FormatSegmentID(e.ID))
	m, err := segment.LoadMetadata(filepath.Join(segDir, common.FileSegmentMeta))
	if err != nil {
		return fmt.Errorf("metadata: %w", err)
	}
	if m.SegmentID != e.ID {
		return fmt.Errorf("metadata names segment %d", m.SegmentID)
	}
	if m.Counts.Rows != e.Rows {
		return fmt.Errorf("row count mismatch: descriptor %d, metadata %d", e.Rows, m.Counts.Rows)
	}
	if m.MinKeyHex != e.MinKeyHex || m.MaxKeyHex != e.MaxKeyHex {
		return fmt.Errorf("key range mismatch with descriptor")
	}

	f, err := os.Open(filepath.Join(segDir, m.Files.Data))
	if err != nil {
		return fmt.Errorf("data file: %w", err)
	}
	hdr, err := segment.ReadDataHeader(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("data header: %w", err)
	}
	if hdr.Compression != segment.CompressionZstd {
		return fmt.Errorf("unknown compression %d", hdr.Compression)
	}
	if _, err := os.Stat(filepath.Join(segDir, m.Files.Bloom)); err != nil {
		return fmt.Errorf("bloom file: %w", err)
	}

	if verify {
		for rel, want := range m.Blake3 {
			got, err := utils.ComputeBLAKE3File(filepath.Join(segDir, rel))
			if err != nil {
				return fmt.Errorf("blake3 %s: %w", rel, err)
			}
			if got != want {
				return fmt.Errorf("blake3 mismatch %s: want=%s got=%s", rel, want, got)
			}
		}
	}
	return nil
}

func main() {
	dir := flag.String("dir", "", "tablet directory (e.g., /path/to/tablet)")
	verify := flag.Bool("verify", true, "re-hash segment files against recorded BLAKE3 sums")
	scanWAL := flag.Bool("wal", true, "scan WAL records beyond the flushed mark")
	flag.Parse()
	if *dir == "" {
		fmt.Println("-dir is required")
		os.Exit(2)
	}

	d, err := loadDescriptor(*dir)
	if err != nil {
		fmt.Println("descriptor:", err)
		os.Exit(1)
	}
	fmt.Printf("tablet %s gen=%d segments=%d nextSegmentID=%d flushedWALSeq=%d\n",
		d.TabletID, d.GenID, len(d.Segments), d.NextSegmentID, d.LastFlushedWALSeq)

	failed := false
	referenced := make(map[uint64]bool, len(d.Segments))
	for _, e := range d.Segments {
		referenced[e.ID] = true
		if err := checkSegment(*dir, e, *verify); err != nil {
			fmt.Printf("segment %d: %v\n", e.ID, err)
			failed = true
		} else {
			fmt.Printf("segment %d: OK (%d rows, %d bytes)\n", e.ID, e.Rows, e.SizeBytes)
		}
	}

	// Directories the descriptor does not reference are flush or
	// compaction leftovers; open discards them.
	if entries, err := os.ReadDir(filepath.Join(*dir, common.DirSegments)); err == nil {
		for _, ent := range entries {
			if !ent.IsDir() {
				continue
			}
			id, ok := common.ParseSegmentID(ent.Name())
			if !ok || referenced[id] {
				continue
			}
			fmt.Printf("segment %d: unreferenced (removed on next open)\n", id)
		}
	}

	if *scanWAL {
		var records, inserts, mutates, deletes uint64
		err := wal.ReplayDir(filepath.Join(*dir, common.DirWAL), d.LastFlushedWALSeq, nil,
			func(rec wal.Record) error {
				records++
				switch rec.Op {
				case common.OpInsert:
					inserts++
				case common.OpMutate:
					mutates++
				case common.OpDelete:
					deletes++
				}
				return nil
			})
		if err != nil {
			fmt.Println("WAL:", err)
			failed = true
		} else {
			fmt.Printf("WAL: OK (%d records beyond mark: %d inserts, %d mutates, %d deletes)\n",
				records, inserts, mutates, deletes)
		}
	}

	if failed {
		os.Exit(1)
	}
}
