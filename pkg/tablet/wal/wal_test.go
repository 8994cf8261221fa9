package wal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/CVDpl/go-live-tablet/internal/common"
)

func collectRecords(t *testing.T, w *WAL, from uint64) []Record {
	t.Helper()
	var recs []Record
	if err := w.Replay(from, func(rec Record) error {
		recs = append(recs, rec)
		return nil
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	return recs
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	for i := 1; i <= 5; i++ {
		seq, err := w.Append(Entry{
			Txn:     uint64(i * 10),
			Op:      common.OpInsert,
			Key:     []byte(fmt.Sprintf("key-%d", i)),
			Payload: []byte(fmt.Sprintf("payload-%d", i)),
		})
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		if seq != uint64(i) {
			t.Errorf("Append %d returned seq %d", i, seq)
		}
	}
	if got := w.LastSeq(); got != 5 {
		t.Errorf("LastSeq = %d, want 5", got)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	w2, err := New(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	recs := collectRecords(t, w2, 0)
	if len(recs) != 5 {
		t.Fatalf("replayed %d records, want 5", len(recs))
	}
	for i, rec := range recs {
		want := uint64(i + 1)
		if rec.Seq != want {
			t.Errorf("record %d: seq = %d, want %d", i, rec.Seq, want)
		}
		if rec.Txn != want*10 {
			t.Errorf("record %d: txn = %d, want %d", i, rec.Txn, want*10)
		}
		if rec.Op != common.OpInsert {
			t.Errorf("record %d: op = %d", i, rec.Op)
		}
		if !bytes.Equal(rec.Key, []byte(fmt.Sprintf("key-%d", want))) {
			t.Errorf("record %d: key = %q", i, rec.Key)
		}
		if !bytes.Equal(rec.Payload, []byte(fmt.Sprintf("payload-%d", want))) {
			t.Errorf("record %d: payload = %q", i, rec.Payload)
		}
	}

	// Sequence counter resumes past recovered records.
	seq, err := w2.Append(Entry{Txn: 99, Op: common.OpDelete, Key: []byte("key-1")})
	if err != nil {
		t.Fatalf("Append after reopen: %v", err)
	}
	if seq != 6 {
		t.Errorf("Append after reopen: seq = %d, want 6", seq)
	}
}

func TestReplayFromSequence(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	for i := 1; i <= 10; i++ {
		if _, err := w.Append(Entry{Txn: uint64(i), Op: common.OpInsert, Key: []byte{byte(i)}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	recs := collectRecords(t, w, 6)
	if len(recs) != 4 {
		t.Fatalf("replayed %d records above seq 6, want 4", len(recs))
	}
	for i, rec := range recs {
		if want := uint64(7 + i); rec.Seq != want {
			t.Errorf("record %d: seq = %d, want %d", i, rec.Seq, want)
		}
	}
}

func TestAppendBatchAssignsConsecutiveSequences(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer w.Close()

	last, err := w.AppendBatch([]Entry{
		{Txn: 1, Op: common.OpInsert, Key: []byte("a"), Payload: []byte("1")},
		{Txn: 1, Op: common.OpInsert, Key: []byte("b"), Payload: []byte("2")},
		{Txn: 1, Op: common.OpMutate, Key: []byte("a"), Payload: []byte("3")},
	})
	if err != nil {
		t.Fatalf("AppendBatch: %v", err)
	}
	if last != 3 {
		t.Errorf("AppendBatch last seq = %d, want 3", last)
	}

	seq, err := w.Append(Entry{Txn: 2, Op: common.OpDelete, Key: []byte("b")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq != 4 {
		t.Errorf("Append after batch: seq = %d, want 4", seq)
	}

	recs := collectRecords(t, w, 0)
	if len(recs) != 4 {
		t.Fatalf("replayed %d records, want 4", len(recs))
	}
	for i, rec := range recs {
		if rec.Seq != uint64(i+1) {
			t.Errorf("record %d: seq = %d", i, rec.Seq)
		}
	}
}

func TestTornTailTruncatedOnReopen(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if _, err := w.Append(Entry{Txn: uint64(i), Op: common.OpInsert, Key: []byte{byte(i)}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Simulate a torn write at the tail.
	files, err := listFiles(dir)
	if err != nil || len(files) == 0 {
		t.Fatalf("listFiles: %v (%d files)", err, len(files))
	}
	f, err := os.OpenFile(files[len(files)-1], os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open for tear: %v", err)
	}
	if _, err := f.Write([]byte{0xDE, 0xAD}); err != nil {
		t.Fatalf("write tear: %v", err)
	}
	f.Close()

	w2, err := New(dir, nil)
	if err != nil {
		t.Fatalf("reopen torn WAL: %v", err)
	}
	defer w2.Close()

	recs := collectRecords(t, w2, 0)
	if len(recs) != 3 {
		t.Fatalf("replayed %d records after tear, want 3", len(recs))
	}
	seq, err := w2.Append(Entry{Txn: 9, Op: common.OpInsert, Key: []byte("x")})
	if err != nil {
		t.Fatalf("Append after tear: %v", err)
	}
	if seq != 4 {
		t.Errorf("seq after tear = %d, want 4", seq)
	}
}

func TestCorruptRecordDropsTail(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	var offsets []int64
	for i := 1; i <= 3; i++ {
		if _, err := w.Append(Entry{Txn: uint64(i), Op: common.OpInsert, Key: []byte{byte(i)}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
		w.mu.Lock()
		offsets = append(offsets, w.currentSize)
		w.mu.Unlock()
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Flip a byte inside the second record. Everything from that record on
	// is discarded; the first record survives.
	files, _ := listFiles(dir)
	f, err := os.OpenFile(files[0], os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	target := offsets[0] + 2
	var b [1]byte
	if _, err := f.ReadAt(b[:], target); err != nil {
		t.Fatalf("read: %v", err)
	}
	b[0] ^= 0xFF
	if _, err := f.WriteAt(b[:], target); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Close()

	w2, err := New(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer w2.Close()

	recs := collectRecords(t, w2, 0)
	if len(recs) != 1 || recs[0].Seq != 1 {
		t.Fatalf("replayed %d records, want only seq 1 (got %+v)", len(recs), recs)
	}
	seq, err := w2.Append(Entry{Txn: 9, Op: common.OpInsert, Key: []byte("x")})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if seq != 2 {
		t.Errorf("seq after truncation = %d, want 2", seq)
	}
}

func TestQuarantineUnreadableHeader(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := w.Append(Entry{Txn: 1, Op: common.OpInsert, Key: []byte("a")}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, _ := listFiles(dir)
	f, err := os.OpenFile(files[0], os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.WriteAt([]byte{0, 0, 0, 0}, 0); err != nil {
		t.Fatalf("zero magic: %v", err)
	}
	f.Close()

	w2, err := New(dir, nil)
	if err != nil {
		t.Fatalf("reopen with bad header: %v", err)
	}
	defer w2.Close()

	if recs := collectRecords(t, w2, 0); len(recs) != 0 {
		t.Errorf("replayed %d records from quarantined file, want 0", len(recs))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	quarantined := false
	for _, e := range entries {
		if strings.Contains(e.Name(), ".corrupt") {
			quarantined = true
		}
	}
	if !quarantined {
		t.Error("expected a quarantined .corrupt file")
	}
}

func TestRotateAndPrune(t *testing.T) {
	dir := t.TempDir()

	// Tiny rotate size: every append seals the previous file.
	w, err := NewWithConfig(dir, nil, Config{RotateSize: headerSize + 1})
	if err != nil {
		t.Fatalf("NewWithConfig: %v", err)
	}
	defer w.Close()

	for i := 1; i <= 5; i++ {
		if _, err := w.Append(Entry{Txn: uint64(i), Op: common.OpInsert, Key: []byte{byte(i)}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	files, err := listFiles(dir)
	if err != nil {
		t.Fatalf("listFiles: %v", err)
	}
	if len(files) < 3 {
		t.Fatalf("expected rotation to produce several files, got %d", len(files))
	}

	if err := w.Prune(3); err != nil {
		t.Fatalf("Prune: %v", err)
	}

	above := collectRecords(t, w, 3)
	if len(above) != 2 || above[0].Seq != 4 || above[1].Seq != 5 {
		t.Fatalf("records above prune floor = %+v, want seqs 4 and 5", above)
	}

	after, _ := listFiles(dir)
	if len(after) >= len(files) {
		t.Errorf("prune did not remove files: %d before, %d after", len(files), len(after))
	}
}

func TestReplayDirIsReadOnly(t *testing.T) {
	dir := t.TempDir()

	w, err := New(dir, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 1; i <= 2; i++ {
		if _, err := w.Append(Entry{Txn: uint64(i), Op: common.OpInsert, Key: []byte{byte(i)}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	files, _ := listFiles(dir)
	path := files[0]
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := f.Write([]byte{0xBA, 0xD0}); err != nil {
		t.Fatalf("write tear: %v", err)
	}
	f.Close()
	before, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}

	var seen int
	if err := ReplayDir(dir, 0, nil, func(rec Record) error {
		seen++
		return nil
	}); err != nil {
		t.Fatalf("ReplayDir: %v", err)
	}
	if seen != 2 {
		t.Errorf("ReplayDir saw %d records, want 2", seen)
	}

	after, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat after: %v", err)
	}
	if after.Size() != before.Size() {
		t.Errorf("ReplayDir modified the file: %d -> %d bytes", before.Size(), after.Size())
	}
}

func TestReplayDirMissingDirectory(t *testing.T) {
	if err := ReplayDir(filepath.Join(t.TempDir(), "absent"), 0, nil, func(Record) error {
		t.Fatal("handler should not run")
		return nil
	}); err != nil {
		t.Fatalf("ReplayDir on missing dir: %v", err)
	}
}
