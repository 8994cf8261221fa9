// Package meta persists the tablet descriptor: the durable record of which
// immutable segments exist, the next segment ID, and the WAL position
// covered by flushed data. Every persist writes a complete numbered
// descriptor file and repoints CURRENT; nothing is edited incrementally.
// Change lists rewrite row data destructively during compaction, so the
// descriptor must always name exactly the segments that exist, not a chain
// of edits to replay.
package meta

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/utils"
)

// descriptorFormatVersion is bumped when the descriptor schema changes.
const descriptorFormatVersion = 1

// keepDescriptors is how many superseded descriptor files are retained for
// inspection before pruning.
const keepDescriptors = 8

// Descriptor is one durable snapshot of the tablet's state.
type Descriptor struct {
	FormatVersion     int            `json:"formatVersion"`
	TabletID          string         `json:"tabletID"`
	GenID             uint64         `json:"genID"`
	NextSegmentID     uint64         `json:"nextSegmentID"`
	LastFlushedWALSeq uint64         `json:"lastFlushedWALSeq"`
	Segments          []SegmentEntry `json:"segments"`
	CreatedAtUnix     int64          `json:"createdAtUnix"`
	UpdatedAtUnix     int64          `json:"updatedAtUnix"`
}

// SegmentEntry names one live segment.
type SegmentEntry struct {
	ID            uint64   `json:"id"`
	MinKeyHex     string   `json:"minKeyHex"`
	MaxKeyHex     string   `json:"maxKeyHex"`
	Rows          uint64   `json:"rows"`
	SizeBytes     uint64   `json:"sizeBytes"`
	Parents       []uint64 `json:"parents,omitempty"`
	CreatedAtUnix int64    `json:"createdAtUnix"`
}

// Clone returns a deep copy safe to mutate before the next Persist.
func (d *Descriptor) Clone() *Descriptor {
	out := *d
	out.Segments = make([]SegmentEntry, len(d.Segments))
	copy(out.Segments, d.Segments)
	for i := range out.Segments {
		if p := d.Segments[i].Parents; p != nil {
			out.Segments[i].Parents = append([]uint64(nil), p...)
		}
	}
	return &out
}

// Store reads and writes descriptor files under one directory.
type Store struct {
	mu      sync.Mutex
	dir     string
	current *Descriptor
	logger  common.Logger
}

// Open loads the newest descriptor from dir, bootstrapping a fresh one for
// an empty directory.
func Open(dir string, logger common.Logger) (*Store, error) {
	if logger == nil {
		logger = &common.NullLogger{}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create meta directory: %w", err)
	}

	s := &Store{dir: dir, logger: logger}

	d, err := s.load()
	switch {
	case err == nil:
		s.current = d
		logger.Info("loaded tablet descriptor",
			"tablet", d.TabletID, "gen", d.GenID, "segments", len(d.Segments))
	case err == common.ErrDescriptorNotFound:
		now := time.Now().Unix()
		s.current = &Descriptor{
			FormatVersion: descriptorFormatVersion,
			TabletID:      uuid.NewString(),
			GenID:         0,
			NextSegmentID: 1,
			Segments:      []SegmentEntry{},
			CreatedAtUnix: now,
			UpdatedAtUnix: now,
		}
		if err := s.persistLocked(s.current.Clone()); err != nil {
			return nil, fmt.Errorf("bootstrap descriptor: %w", err)
		}
		logger.Info("bootstrapped tablet descriptor", "tablet", s.current.TabletID)
	default:
		return nil, err
	}

	return s, nil
}

// Current returns a copy of the newest persisted descriptor.
func (s *Store) Current() *Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current.Clone()
}

// Persist durably writes d as the next generation. On success d becomes the
// current descriptor; on failure the previous one remains current.
func (s *Store) Persist(d *Descriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := d.Clone()
	next.FormatVersion = descriptorFormatVersion
	next.TabletID = s.current.TabletID
	next.CreatedAtUnix = s.current.CreatedAtUnix
	next.GenID = s.current.GenID + 1
	next.UpdatedAtUnix = time.Now().Unix()

	if err := s.persistLocked(next); err != nil {
		return err
	}
	return nil
}

// persistLocked writes next as a numbered descriptor file and repoints
// CURRENT. Caller holds s.mu.
func (s *Store) persistLocked(next *Descriptor) error {
	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal descriptor: %w", err)
	}

	filename := fmt.Sprintf("%016d.json", next.GenID)
	path := filepath.Join(s.dir, filename)

	af, err := utils.NewAtomicFile(path)
	if err != nil {
		return fmt.Errorf("create descriptor file: %w", err)
	}
	defer af.Close()
	if _, err := af.Write(data); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := af.Commit(); err != nil {
		return fmt.Errorf("commit descriptor: %w", err)
	}

	// Repoint CURRENT. Best effort: on crash before the rename, recovery
	// falls back to the highest numbered file, which is the one just
	// written.
	currentPath := filepath.Join(s.dir, common.FileCurrent)
	tmp := currentPath + ".tmp"
	if err := os.WriteFile(tmp, []byte(filename+"\n"), 0o644); err == nil {
		_ = os.Rename(tmp, currentPath)
		_ = utils.SyncDir(s.dir)
	}

	s.current = next
	s.logger.Debug("persisted tablet descriptor",
		"gen", next.GenID, "segments", len(next.Segments), "walSeq", next.LastFlushedWALSeq)

	s.pruneLocked()
	return nil
}

// load reads the descriptor named by CURRENT, falling back to the highest
// numbered file. Returns ErrDescriptorNotFound when the directory holds no
// descriptors at all.
func (s *Store) load() (*Descriptor, error) {
	var path string
	if data, err := os.ReadFile(filepath.Join(s.dir, common.FileCurrent)); err == nil {
		name := strings.TrimSpace(string(data))
		candidate := filepath.Join(s.dir, name)
		if utils.FileExists(candidate) {
			path = candidate
		}
	}
	if path == "" {
		files, err := s.descriptorFiles()
		if err != nil {
			return nil, err
		}
		if len(files) == 0 {
			return nil, common.ErrDescriptorNotFound
		}
		path = files[len(files)-1]
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor: %w", err)
	}
	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("%w: descriptor %s: %v", common.ErrCorrupt, filepath.Base(path), err)
	}
	if d.FormatVersion != descriptorFormatVersion {
		return nil, fmt.Errorf("%w: descriptor format %d", common.ErrUnsupportedVersion, d.FormatVersion)
	}
	return &d, nil
}

// descriptorFiles returns numbered descriptor paths sorted ascending.
// Non-numbered JSON files in the directory are ignored.
func (s *Store) descriptorFiles() ([]string, error) {
	all, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	files := all[:0]
	for _, f := range all {
		name := strings.TrimSuffix(filepath.Base(f), ".json")
		if _, ok := common.ParseSegmentID(name); ok {
			files = append(files, f)
		}
	}
	sort.Strings(files)
	return files, nil
}

// pruneLocked removes superseded descriptor files beyond the retention
// count. Best effort; caller holds s.mu.
func (s *Store) pruneLocked() {
	files, err := s.descriptorFiles()
	if err != nil || len(files) <= keepDescriptors {
		return
	}
	for _, f := range files[:len(files)-keepDescriptors] {
		if err := os.Remove(f); err != nil {
			s.logger.Warn("failed to prune descriptor", "file", f, "error", err)
		}
	}
}
