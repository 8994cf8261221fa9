package tablet

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/consensus"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/locks"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/memtable"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/meta"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/mvcc"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/rowset"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/segment"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/utils"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/wal"
)

// components is the tablet's structural state: the mutable buffer and the
// row-set view containing it. Swapped wholesale under the exclusive
// coordination lock, never edited in place.
type components struct {
	buffer       *memtable.Memtable
	bufferHandle *rowset.Shared
	view         *rowset.View
}

// tabletImpl is the main implementation of the Tablet interface.
type tabletImpl struct {
	dir    string
	opts   *Options
	logger common.Logger

	tabletID string
	readonly bool

	// coordMu is the coordination lock: shared for write appliers and
	// iterator capture, exclusive for structural swaps. A blocked
	// exclusive acquirer blocks later shared acquirers, so swaps cannot
	// starve.
	coordMu sync.RWMutex

	// selectMu serializes compaction candidate selection. Acquired only
	// through a sharedGuard, which makes "selection implies shared
	// coordination" structural.
	selectMu sync.Mutex

	comps atomic.Pointer[components]

	mvcc        *mvcc.Manager
	locks       *locks.Manager
	wal         *wal.WAL
	meta        *meta.Store
	cmeta       *consensus.Metadata
	anchors     walAnchors
	deltaFloors deltaAnchors

	segIDSeq atomic.Uint64

	// metaMu serializes descriptor computation with its persistence so a
	// concurrent flush and compaction cannot overwrite each other with
	// stale views.
	metaMu sync.Mutex

	flushMu      sync.Mutex // one flush at a time
	flushWg      sync.WaitGroup
	flushPending atomic.Bool

	policy         Policy
	compactLimiter *rate.Limiter

	closed atomic.Bool

	flushStop   chan struct{}
	compactStop chan struct{}
	bgWg        sync.WaitGroup

	stats *StatsCollector
}

// sharedGuard proves its holder acquired the coordination lock in shared
// mode.
type sharedGuard struct {
	t *tabletImpl
}

func (t *tabletImpl) lockShared() sharedGuard {
	t.coordMu.RLock()
	return sharedGuard{t: t}
}

func (g sharedGuard) unlock() {
	g.t.coordMu.RUnlock()
}

func (g sharedGuard) components() *components {
	return g.t.comps.Load()
}

// selectionGuard proves its holder owns the selection lock.
type selectionGuard struct {
	t *tabletImpl
}

// lockSelection serializes compaction candidate selection. Only reachable
// with the coordination lock held shared.
func (g sharedGuard) lockSelection() selectionGuard {
	g.t.selectMu.Lock()
	return selectionGuard{t: g.t}
}

func (s selectionGuard) unlock() {
	s.t.selectMu.Unlock()
}

// Open creates or opens a tablet at the specified directory.
func Open(dir string, opts *Options) (Tablet, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts = opts.withDefaults()

	if !opts.ReadOnly {
		if err := createTabletDirectories(dir); err != nil {
			return nil, fmt.Errorf("create tablet directories: %w", err)
		}
	}

	t := &tabletImpl{
		dir:      dir,
		opts:     opts,
		logger:   opts.Logger,
		readonly: opts.ReadOnly,
		mvcc:     mvcc.NewManager(),
		locks:    locks.NewManager(),
		stats:    NewStatsCollector(),
	}
	t.anchors.byTxn = make(map[uint64]uint64)
	t.deltaFloors.bySeg = make(map[uint64]uint64)
	t.policy = opts.CompactionPolicy
	if t.policy == nil {
		t.policy = &SizeTieredPolicy{Threshold: opts.CompactionThreshold}
	}
	if opts.CompactionRateLimitBytes > 0 {
		t.compactLimiter = rate.NewLimiter(rate.Limit(opts.CompactionRateLimitBytes), int(opts.CompactionRateLimitBytes))
	}

	metaDir := filepath.Join(dir, common.DirMeta)
	if opts.ReadOnly && !utils.DirExists(metaDir) {
		return nil, fmt.Errorf("open tablet read-only: %w", common.ErrDescriptorNotFound)
	}
	ms, err := meta.Open(metaDir, t.logger)
	if err != nil {
		return nil, fmt.Errorf("open tablet descriptor: %w", err)
	}
	t.meta = ms
	d := ms.Current()
	t.tabletID = d.TabletID
	t.segIDSeq.Store(d.NextSegmentID)

	if !t.readonly {
		t.removeUnreferencedSegments(d)
	}

	shareds, err := t.loadSegments(d)
	if err != nil {
		return nil, err
	}

	buf := memtable.New(t.allocSegmentID())
	bufShared := rowset.NewShared(buf)
	view, err := rowset.NewView(append(shareds, bufShared))
	if err != nil {
		for _, s := range shareds {
			s.DecRef()
		}
		bufShared.DecRef()
		return nil, fmt.Errorf("build row-set view: %w", err)
	}
	t.comps.Store(&components{buffer: buf, bufferHandle: bufShared, view: view})

	if err := t.openConsensus(); err != nil {
		t.releaseComponents()
		return nil, err
	}

	walDir := filepath.Join(dir, common.DirWAL)
	if !t.readonly {
		wcfg := wal.Config{
			RotateSize:       opts.WALRotateSize,
			BufferSize:       opts.WALBufferSize,
			SyncOnEveryWrite: opts.WALSyncOnEveryWrite,
			FlushEveryBytes:  opts.WALFlushEveryBytes,
		}
		w, err := wal.NewWithConfig(walDir, t.logger, wcfg)
		if err != nil {
			t.releaseComponents()
			return nil, fmt.Errorf("initialize WAL: %w", err)
		}
		t.wal = w
		if err := t.replayWAL(d.LastFlushedWALSeq); err != nil {
			t.releaseComponents()
			_ = w.Close()
			return nil, fmt.Errorf("replay WAL: %w", err)
		}
	} else {
		// Read-only: best-effort replay without creating or truncating
		// any file.
		err := wal.ReplayDir(walDir, d.LastFlushedWALSeq, t.logger, func(rec wal.Record) error {
			_, err := t.applyReplayRecord(rec)
			return err
		})
		if err != nil {
			t.logger.Warn("failed to replay WAL in read-only mode", "error", err)
		}
	}

	if !t.readonly {
		t.startBackgroundTasks()
	}

	t.logger.Info("tablet opened", "dir", dir, "tablet", t.tabletID,
		"segments", len(shareds), "readonly", t.readonly)
	return t, nil
}

// withDefaults returns a copy with zero fields replaced by defaults. The
// caller's struct is never mutated.
func (o *Options) withDefaults() *Options {
	out := *o
	if out.Logger == nil {
		out.Logger = NewDefaultLogger()
	}
	if out.MemtableTargetBytes <= 0 {
		out.MemtableTargetBytes = common.DefaultMemtableTargetBytes
	}
	if out.BlockSize <= 0 {
		out.BlockSize = common.DefaultBlockSize
	}
	if out.BloomFPR <= 0 {
		out.BloomFPR = common.DefaultBloomFPR
	}
	if out.CompactionThreshold <= 0 {
		out.CompactionThreshold = common.DefaultCompactionThreshold
	}
	if out.Parallelism <= 0 {
		out.Parallelism = common.DefaultParallelism
	}
	if out.WALRotateSize <= 0 {
		out.WALRotateSize = common.WALRotateSize
	}
	if out.WALBufferSize <= 0 {
		out.WALBufferSize = int(common.WALBufferSize)
	}
	if out.PeerID == 0 {
		out.PeerID = 1
	}
	return &out
}

func createTabletDirectories(dir string) error {
	for _, sub := range []string{common.DirWAL, common.DirSegments, common.DirMeta, common.DirConsensus} {
		if err := utils.CreateDirIfNotExists(filepath.Join(dir, sub)); err != nil {
			return err
		}
	}
	return nil
}

// allocSegmentID reserves the next segment ID. The reservation becomes
// durable with the next descriptor persist.
func (t *tabletImpl) allocSegmentID() uint64 {
	return t.segIDSeq.Add(1) - 1
}

// removeUnreferencedSegments deletes segment directories the descriptor
// does not name: leftovers of an operation that crashed before persisting
// metadata. WAL replay restores whatever they held.
func (t *tabletImpl) removeUnreferencedSegments(d *meta.Descriptor) {
	segmentsDir := filepath.Join(t.dir, common.DirSegments)
	entries, err := os.ReadDir(segmentsDir)
	if err != nil {
		return
	}
	referenced := make(map[uint64]bool, len(d.Segments))
	for _, e := range d.Segments {
		referenced[e.ID] = true
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, ok := common.ParseSegmentID(e.Name())
		if !ok || referenced[id] {
			continue
		}
		path := filepath.Join(segmentsDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			t.logger.Warn("failed to remove unreferenced segment directory", "path", path, "error", err)
			continue
		}
		t.logger.Warn("removed unreferenced segment directory", "segment_id", id)
	}
}

// loadSegments opens every segment the descriptor names, in parallel. Any
// failure closes the segments already opened and fails the open: a missing
// or corrupt referenced segment means lost data and is never papered over.
func (t *tabletImpl) loadSegments(d *meta.Descriptor) ([]*rowset.Shared, error) {
	if len(d.Segments) == 0 {
		return nil, nil
	}
	segmentsDir := filepath.Join(t.dir, common.DirSegments)
	out := make([]*rowset.Shared, len(d.Segments))

	g := new(errgroup.Group)
	g.SetLimit(t.opts.Parallelism)
	for i, entry := range d.Segments {
		g.Go(func() error {
			seg, err := segment.Open(entry.ID, segmentsDir, t.logger, t.opts.VerifyChecksumsOnOpen)
			if err != nil {
				return fmt.Errorf("open segment %d: %w", entry.ID, err)
			}
			out[i] = rowset.NewShared(seg)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		for _, s := range out {
			if s != nil {
				s.DecRef()
			}
		}
		return nil, err
	}
	return out, nil
}

// openConsensus loads the replica's consensus metadata, creating it with
// the configured voter set on first open.
func (t *tabletImpl) openConsensus() error {
	consDir := filepath.Join(t.dir, common.DirConsensus)
	if utils.FileExists(filepath.Join(consDir, common.FileConsensus)) {
		cm, err := consensus.Load(consDir, t.tabletID, t.opts.PeerID, t.logger)
		if err != nil {
			return fmt.Errorf("load consensus metadata: %w", err)
		}
		t.cmeta = cm
		return nil
	}
	if t.readonly {
		return nil
	}
	voters := t.opts.Voters
	if len(voters) == 0 {
		voters = []uint64{t.opts.PeerID}
	}
	cm, err := consensus.Create(consDir, t.tabletID, t.opts.PeerID, raftpb.ConfState{Voters: voters}, 0, t.logger)
	if err != nil {
		return fmt.Errorf("create consensus metadata: %w", err)
	}
	t.cmeta = cm
	return nil
}

// releaseComponents drops the view's segment references and clears the
// component pointer. Used on open failure and close.
func (t *tabletImpl) releaseComponents() {
	t.coordMu.Lock()
	defer t.coordMu.Unlock()
	comps := t.comps.Load()
	if comps == nil {
		return
	}
	for _, s := range comps.view.All() {
		s.DecRef()
	}
	t.comps.Store(nil)
}

func (t *tabletImpl) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	t.logger.Info("closing tablet", "dir", t.dir, "tablet", t.tabletID)

	t.stopBackgroundTasks()

	if !t.readonly && !t.opts.DisableFlushOnClose {
		comps := t.comps.Load()
		if comps != nil && !comps.buffer.IsEmpty() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			if err := t.Flush(ctx); err != nil {
				t.logger.Error("failed to flush buffer during close; rows remain recoverable from the WAL", "error", err)
				if t.wal != nil {
					if serr := t.wal.Sync(); serr != nil {
						t.logger.Error("failed to sync WAL during close", "error", serr)
					}
				}
			}
			cancel()
		}
	}

	t.flushWg.Wait()

	// Releasing components under the exclusive lock drains in-flight
	// appliers before the WAL goes away.
	t.releaseComponents()

	if t.wal != nil {
		if err := t.wal.Close(); err != nil {
			t.logger.Error("failed to close WAL", "error", err)
		}
	}

	t.logger.Info("tablet closed", "dir", t.dir, "tablet", t.tabletID)
	return nil
}

func (t *tabletImpl) ID() string { return t.tabletID }

func (t *tabletImpl) Descriptor() *meta.Descriptor { return t.meta.Current() }

func (t *tabletImpl) Consensus() *consensus.Metadata { return t.cmeta }

func (t *tabletImpl) PruneWAL() error {
	if t.readonly || t.wal == nil {
		return common.ErrReadOnly
	}
	return t.wal.Prune(t.meta.Current().LastFlushedWALSeq)
}

// persistDescriptor rewrites the whole tablet descriptor from the current
// view. walMark 0 keeps the recorded flush mark.
func (t *tabletImpl) persistDescriptor(walMark uint64) error {
	t.metaMu.Lock()
	defer t.metaMu.Unlock()

	d := t.meta.Current()
	d.NextSegmentID = t.segIDSeq.Load()
	if walMark > d.LastFlushedWALSeq {
		d.LastFlushedWALSeq = walMark
	}
	d.Segments = d.Segments[:0]

	g := t.lockShared()
	comps := g.components()
	if comps == nil {
		g.unlock()
		return common.ErrClosed
	}
	for _, s := range comps.view.All() {
		rs := s.RowSet()
		min, max, ok := rs.Bounds()
		if !ok {
			continue // the buffer is not durable state
		}
		entry := meta.SegmentEntry{
			ID:        rs.ID(),
			MinKeyHex: hex.EncodeToString(min),
			MaxKeyHex: hex.EncodeToString(max),
			Rows:      rs.RowCount(),
			SizeBytes: rs.SizeBytes(),
		}
		if seg, isSeg := rs.(*segment.Segment); isSeg {
			md := seg.Metadata()
			entry.Parents = md.Parents
			entry.CreatedAtUnix = md.CreatedAtUnix
		}
		d.Segments = append(d.Segments, entry)
	}
	g.unlock()

	sort.Slice(d.Segments, func(i, j int) bool { return d.Segments[i].ID < d.Segments[j].ID })
	return t.meta.Persist(d)
}

// removeSegmentDir deletes one segment's directory, best effort.
func (t *tabletImpl) removeSegmentDir(id uint64) {
	path := filepath.Join(t.dir, common.DirSegments, common.FormatSegmentID(id))
	if err := os.RemoveAll(path); err != nil {
		t.logger.Warn("failed to remove segment directory", "segment_id", id, "error", err)
		return
	}
	t.logger.Debug("removed segment directory", "segment_id", id)
}

// startBackgroundTasks starts the flush and compaction drivers.
func (t *tabletImpl) startBackgroundTasks() {
	if !t.opts.DisableAutoFlush {
		t.flushStop = make(chan struct{})
		t.bgWg.Add(1)
		go t.flushTask()
	}
	if !t.opts.DisableBackgroundCompaction {
		t.compactStop = make(chan struct{})
		t.bgWg.Add(1)
		go t.compactionTask()
	}
}

// stopBackgroundTasks stops the drivers and waits for them to exit.
func (t *tabletImpl) stopBackgroundTasks() {
	if t.flushStop != nil {
		close(t.flushStop)
	}
	if t.compactStop != nil {
		close(t.compactStop)
	}
	t.bgWg.Wait()
}

// flushTask flushes the buffer when it outgrows its target size.
func (t *tabletImpl) flushTask() {
	defer t.bgWg.Done()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-t.flushStop:
			return
		case <-ticker.C:
			if t.shouldFlush() {
				if err := t.Flush(context.Background()); err != nil {
					t.logger.Error("periodic flush failed", "error", err)
				}
			}
		}
	}
}

// shouldFlush checks if the buffer has outgrown its target size.
func (t *tabletImpl) shouldFlush() bool {
	comps := t.comps.Load()
	return comps != nil && int64(comps.buffer.SizeBytes()) >= t.opts.MemtableTargetBytes
}

// triggerFlush runs one asynchronous flush. The pending flag keeps write
// appliers from spawning one goroutine each.
func (t *tabletImpl) triggerFlush() {
	if !t.flushPending.CompareAndSwap(false, true) {
		return
	}
	go func() {
		defer t.flushPending.Store(false)
		if t.closed.Load() {
			return
		}
		if err := t.Flush(context.Background()); err != nil {
			t.logger.Error("size-triggered flush failed", "error", err)
		}
	}()
}
