package tablet

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/memtable"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/mvcc"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/rowset"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/segment"
)

// Flush persists the buffer's visible rows as a new immutable segment and
// swaps in a fresh buffer. The sequence is: freeze the buffer under the
// exclusive coordination lock, write the segment without any lock, then
// under the exclusive lock route post-snapshot residue (deltas to the new
// segment, whole unflushed chains to the replacement buffer) and swap.
// Metadata persists last; if that write fails the swap stays visible and
// the WAL keeps covering the flushed rows, so the failure is fatal for the
// flush only, never for the tablet.
func (t *tabletImpl) Flush(ctx context.Context) error {
	if t.readonly {
		return common.ErrReadOnly
	}

	t.flushMu.Lock()
	defer t.flushMu.Unlock()
	t.flushWg.Add(1)
	defer t.flushWg.Done()

	hooks := t.opts.FlushHooks
	start := time.Now()

	// Freeze. The exclusive hold keeps every applied-but-uncommitted
	// write out: appliers commit before releasing the shared lock, so the
	// snapshot splits the buffer into a fully-visible prefix per chain.
	t.coordMu.Lock()
	comps := t.comps.Load()
	if comps == nil {
		t.coordMu.Unlock()
		return common.ErrClosed
	}
	frozen := comps.buffer
	if frozen.IsEmpty() {
		t.coordMu.Unlock()
		return nil
	}
	snap := t.mvcc.Snapshot()
	walMark := t.wal.LastSeq()
	if floor := t.anchors.floor(); floor != 0 && floor <= walMark {
		// An open transaction has logged records at or below the mark.
		// Its writes are invisible to the snapshot, so replay must keep
		// seeing them.
		walMark = floor - 1
	}
	if floor := t.deltaFloors.floor(); floor != 0 && floor <= walMark {
		// Segment deltas live only in memory and in the WAL. Their
		// records stay replayable until a compaction bakes the deltas
		// into a durable base.
		walMark = floor - 1
	}
	t.coordMu.Unlock()

	if err := hooks.postTakeSnapshot(); err != nil {
		return fmt.Errorf("flush aborted after snapshot: %w", err)
	}

	t.logger.Info("starting flush",
		"buffer_rows", frozen.RowCount(),
		"buffer_bytes", frozen.SizeBytes(),
		"wal_mark", walMark)

	// Write the segment. Writers keep appending to the frozen buffer
	// beyond the snapshot; those versions are skipped here and picked up
	// by the re-update pass.
	segID := t.allocSegmentID()
	segmentsDir := filepath.Join(t.dir, common.DirSegments)
	builder, err := segment.NewBuilder(segID, segmentsDir, segment.BuilderOptions{
		BlockSize:    t.opts.BlockSize,
		BloomFPR:     t.opts.BloomFPR,
		ExpectedRows: frozen.RowCount(),
	}, t.logger)
	if err != nil {
		return fmt.Errorf("create segment builder: %w", err)
	}

	var written uint64
	var buildErr error
	frozen.Scan(func(key []byte, versions []rowset.Version) bool {
		if err := ctx.Err(); err != nil {
			buildErr = err
			return false
		}
		chain := t.scrubAborted(versions)
		n := rowset.VisiblePrefix(chain, snap)
		if n == 0 {
			return true
		}
		if err := builder.Add(key, chain[:n]); err != nil {
			buildErr = err
			return false
		}
		written++
		return true
	})
	if buildErr != nil {
		builder.Abort()
		return fmt.Errorf("write segment %d: %w", segID, buildErr)
	}
	if written == 0 {
		builder.Abort()
		t.logger.Info("flush found nothing visible to persist")
		return nil
	}
	if _, err := builder.Build(); err != nil {
		return fmt.Errorf("build segment %d: %w", segID, err)
	}
	if err := hooks.postWriteSegments(); err != nil {
		t.removeSegmentDir(segID)
		return fmt.Errorf("flush aborted after segment write: %w", err)
	}

	seg, err := segment.Open(segID, segmentsDir, t.logger, false)
	if err != nil {
		t.removeSegmentDir(segID)
		return fmt.Errorf("open flushed segment %d: %w", segID, err)
	}
	out := rowset.NewShared(seg)

	replacement := memtable.New(t.allocSegmentID())

	// Re-update and swap under one exclusive hold, so no write lands in
	// the frozen buffer between residue routing and the swap.
	t.coordMu.Lock()
	cur := t.comps.Load()
	if cur == nil {
		t.coordMu.Unlock()
		out.DecRef()
		t.removeSegmentDir(segID)
		return common.ErrClosed
	}
	if cur.buffer != frozen {
		t.coordMu.Unlock()
		panic("tablet: buffer replaced during flush")
	}

	adopted, reupdated, err := t.reupdateFlushResidue(frozen, seg, replacement, snap)
	if err != nil {
		t.coordMu.Unlock()
		out.DecRef()
		t.removeSegmentDir(segID)
		return fmt.Errorf("re-update missed deltas: %w", err)
	}
	if err := hooks.postReupdateMissedDeltas(); err != nil {
		t.coordMu.Unlock()
		out.DecRef()
		t.removeSegmentDir(segID)
		return fmt.Errorf("flush aborted after re-update: %w", err)
	}

	oldHandle := cur.bufferHandle
	all := cur.view.All()
	next := make([]*rowset.Shared, 0, len(all)+1)
	for _, s := range all {
		if s != oldHandle {
			next = append(next, s)
		}
	}
	next = append(next, out)
	replShared := rowset.NewShared(replacement)
	next = append(next, replShared)
	view, err := rowset.NewView(next)
	if err != nil {
		t.coordMu.Unlock()
		out.DecRef()
		replShared.DecRef()
		t.removeSegmentDir(segID)
		return fmt.Errorf("build row-set view: %w", err)
	}
	t.comps.Store(&components{buffer: replacement, bufferHandle: replShared, view: view})
	oldHandle.MarkRetired()
	t.coordMu.Unlock()

	// The swap is now visible. Later failures must not tear it down:
	// captured readers may already hold the new segment.
	if err := hooks.postSwap(); err != nil {
		oldHandle.DecRef()
		return fmt.Errorf("flush aborted after swap: %w", err)
	}

	if err := t.persistDescriptor(walMark); err != nil {
		oldHandle.DecRef()
		t.logger.Error("flush metadata persist failed; swap stays visible and the WAL retains the flushed rows", "error", err)
		return fmt.Errorf("persist descriptor: %w", err)
	}
	if err := hooks.postPersistMetadata(); err != nil {
		oldHandle.DecRef()
		return fmt.Errorf("flush aborted after metadata persist: %w", err)
	}

	oldHandle.DecRef()

	if err := t.wal.Prune(walMark); err != nil {
		t.logger.Warn("failed to prune WAL after flush", "error", err)
	}

	t.stats.RecordFlush(time.Since(start))
	t.logger.Info("flush completed",
		"segment_id", segID,
		"rows", written,
		"adopted", adopted,
		"reupdated", reupdated,
		"wal_mark", walMark,
		"duration", time.Since(start).String())
	return nil
}

// reupdateFlushResidue routes buffer versions the snapshot missed. A chain
// with a flushed prefix sends its suffix to the new segment's delta store;
// a chain with nothing flushed moves whole into the replacement buffer.
// Caller holds the exclusive coordination lock.
func (t *tabletImpl) reupdateFlushResidue(frozen *memtable.Memtable, seg *segment.Segment, replacement *memtable.Memtable, snap mvcc.Snapshot) (adopted, reupdated int, err error) {
	reader := seg.Reader()
	frozen.Scan(func(key []byte, versions []rowset.Version) bool {
		chain := t.scrubAborted(versions)
		n := rowset.VisiblePrefix(chain, snap)
		switch {
		case n == 0:
			if len(chain) > 0 {
				replacement.AdoptChain(key, chain)
				adopted++
			}
		case n == len(chain):
			// fully flushed
		default:
			_, ordinal, found, lerr := reader.Lookup(key)
			if lerr != nil {
				err = fmt.Errorf("lookup %q in segment %d: %w", key, seg.ID(), lerr)
				return false
			}
			if !found {
				err = fmt.Errorf("%w: flushed row %q missing from segment %d", common.ErrCorrupt, key, seg.ID())
				return false
			}
			for _, v := range chain[n:] {
				seg.Deltas().Append(ordinal, key, v)
				reupdated++
			}
		}
		return true
	})
	return adopted, reupdated, err
}

// scrubAborted drops aborted versions from a chain. Aborted versions are
// invisible to every snapshot, so no read changes. The input slice is not
// modified; the common all-clean case allocates nothing.
func (t *tabletImpl) scrubAborted(versions []rowset.Version) []rowset.Version {
	clean := true
	for _, v := range versions {
		if t.mvcc.Aborted(v.Txn) {
			clean = false
			break
		}
	}
	if clean {
		return versions
	}
	out := make([]rowset.Version, 0, len(versions))
	for _, v := range versions {
		if !t.mvcc.Aborted(v.Txn) {
			out = append(out, v)
		}
	}
	return out
}
