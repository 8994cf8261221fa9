package meta

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/CVDpl/go-live-tablet/internal/common"
)

func TestBootstrapAndReload(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d := s.Current()
	if d.TabletID == "" {
		t.Fatal("bootstrap should assign a tablet ID")
	}
	if d.NextSegmentID != 1 {
		t.Errorf("NextSegmentID = %d, want 1", d.NextSegmentID)
	}
	if len(d.Segments) != 0 {
		t.Errorf("fresh descriptor has %d segments", len(d.Segments))
	}

	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	d2 := s2.Current()
	if d2.TabletID != d.TabletID {
		t.Errorf("tablet ID changed across reopen: %s vs %s", d2.TabletID, d.TabletID)
	}
	if d2.GenID != d.GenID {
		t.Errorf("GenID changed across reopen without a persist: %d vs %d", d2.GenID, d.GenID)
	}
}

func TestPersistIsFullRewrite(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	d := s.Current()
	d.NextSegmentID = 3
	d.LastFlushedWALSeq = 42
	d.Segments = append(d.Segments,
		SegmentEntry{ID: 1, MinKeyHex: "61", MaxKeyHex: "7a", Rows: 100, SizeBytes: 4096},
		SegmentEntry{ID: 2, MinKeyHex: "41", MaxKeyHex: "5a", Rows: 50, SizeBytes: 2048, Parents: []uint64{1}},
	)
	if err := s.Persist(d); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	// A later persist carrying a smaller segment set must fully replace the
	// previous one, not merge with it.
	d = s.Current()
	d.Segments = d.Segments[:1]
	if err := s.Persist(d); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got := s2.Current()
	if len(got.Segments) != 1 || got.Segments[0].ID != 1 {
		t.Fatalf("reloaded segments = %+v, want only segment 1", got.Segments)
	}
	if got.LastFlushedWALSeq != 42 {
		t.Errorf("LastFlushedWALSeq = %d, want 42", got.LastFlushedWALSeq)
	}
	if got.NextSegmentID != 3 {
		t.Errorf("NextSegmentID = %d, want 3", got.NextSegmentID)
	}
}

func TestPersistFailureKeepsCurrent(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	before := s.Current()

	// Making the directory read-only forces the numbered-file write to fail.
	if err := os.Chmod(dir, 0o555); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	defer os.Chmod(dir, 0o755)

	d := before.Clone()
	d.NextSegmentID = 99
	if err := s.Persist(d); err == nil {
		t.Fatal("Persist should fail on a read-only directory")
	}

	after := s.Current()
	if after.GenID != before.GenID || after.NextSegmentID != before.NextSegmentID {
		t.Errorf("failed persist mutated current descriptor: %+v vs %+v", after, before)
	}
}

func TestLoadFallsBackWithoutCurrentPointer(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	d := s.Current()
	d.NextSegmentID = 7
	if err := s.Persist(d); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, common.FileCurrent)); err != nil {
		t.Fatalf("remove CURRENT: %v", err)
	}

	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen without CURRENT: %v", err)
	}
	if got := s2.Current().NextSegmentID; got != 7 {
		t.Errorf("fallback loaded NextSegmentID = %d, want 7", got)
	}
}

func TestCorruptDescriptorRejected(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	gen := s.Current().GenID

	path := filepath.Join(dir, fmt.Sprintf("%016d.json", gen))
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("corrupt descriptor: %v", err)
	}

	if _, err := Open(dir, nil); !errors.Is(err, common.ErrCorrupt) {
		t.Fatalf("Open on corrupt descriptor: err = %v, want ErrCorrupt", err)
	}
}

func TestPruneRetainsRecentDescriptors(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < keepDescriptors+5; i++ {
		d := s.Current()
		d.NextSegmentID++
		if err := s.Persist(d); err != nil {
			t.Fatalf("Persist %d: %v", i, err)
		}
	}

	files, err := s.descriptorFiles()
	if err != nil {
		t.Fatalf("descriptorFiles: %v", err)
	}
	if len(files) > keepDescriptors {
		t.Errorf("%d descriptor files retained, want at most %d", len(files), keepDescriptors)
	}

	// The newest generation must survive pruning and still load.
	s2, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen after prune: %v", err)
	}
	if got, want := s2.Current().GenID, s.Current().GenID; got != want {
		t.Errorf("reloaded GenID = %d, want %d", got, want)
	}
}
