package tablet

import (
	"bytes"
	"container/heap"
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/zhangyunhao116/fastrand"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/mvcc"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/rowset"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/segment"
)

// Policy picks which bounded segments a compaction merges. Select runs
// under the selection lock with shared coordination held; it must return
// members of the given view and must not block.
type Policy interface {
	Select(view *rowset.View) []*rowset.Shared
}

// SizeTieredPolicy merges the smallest segments first, once enough bounded
// segments have accumulated.
type SizeTieredPolicy struct {
	// Threshold is both the minimum number of bounded segments that
	// justifies a compaction and the number of inputs per merge.
	Threshold int
}

func (p *SizeTieredPolicy) Select(view *rowset.View) []*rowset.Shared {
	threshold := p.Threshold
	if threshold < 2 {
		threshold = 2
	}
	var bounded []*rowset.Shared
	for _, s := range view.All() {
		if _, _, ok := s.RowSet().Bounds(); ok {
			bounded = append(bounded, s)
		}
	}
	if len(bounded) < threshold {
		return nil
	}
	sort.Slice(bounded, func(i, j int) bool {
		return bounded[i].RowSet().SizeBytes() < bounded[j].RowSet().SizeBytes()
	})
	return bounded[:threshold]
}

// CompactNow runs one compaction round synchronously. It returns nil when
// the policy finds nothing to merge or another compaction holds the
// candidates.
func (t *tabletImpl) CompactNow(ctx context.Context) error {
	if t.readonly {
		return common.ErrReadOnly
	}
	if t.closed.Load() {
		return common.ErrClosed
	}
	did, err := t.compactOnce(ctx)
	if err != nil {
		return err
	}
	if !did {
		t.logger.Debug("compaction found nothing to merge")
	}
	return nil
}

// compactOnce merges one policy selection into a new segment. The shape
// mirrors flush: select and mark inputs, snapshot, merge without locks,
// then re-update residue and swap under the exclusive lock, persist
// metadata, and hand input deletion to the refcount.
func (t *tabletImpl) compactOnce(ctx context.Context) (bool, error) {
	hooks := t.opts.CompactionHooks
	start := time.Now()

	// Selection. Marking inputs before releasing the locks keeps two
	// compactions from claiming overlapping sets.
	g := t.lockShared()
	comps := g.components()
	if comps == nil {
		g.unlock()
		return false, common.ErrClosed
	}
	sel := g.lockSelection()
	inputs := t.policy.Select(comps.view)
	if len(inputs) == 0 {
		sel.unlock()
		g.unlock()
		return false, nil
	}
	var marked []*rowset.Shared
	for _, s := range inputs {
		if !s.TryLockForCompaction() {
			for _, m := range marked {
				m.UnlockCompaction()
			}
			sel.unlock()
			g.unlock()
			return false, nil
		}
		marked = append(marked, s)
	}
	sel.unlock()
	g.unlock()

	committed := false
	defer func() {
		if !committed {
			for _, s := range inputs {
				s.UnlockCompaction()
			}
		}
	}()

	t.coordMu.Lock()
	snap := t.mvcc.Snapshot()
	t.coordMu.Unlock()

	if err := hooks.postTakeSnapshot(); err != nil {
		return false, fmt.Errorf("compaction aborted after snapshot: %w", err)
	}

	inputIDs := make([]uint64, len(inputs))
	for i, s := range inputs {
		inputIDs[i] = s.ID()
	}
	t.logger.Info("starting compaction", "inputs", inputIDs)

	outID := t.allocSegmentID()
	written, err := t.mergeSegments(ctx, outID, inputs, snap)
	if err != nil {
		return false, fmt.Errorf("merge segments into %d: %w", outID, err)
	}
	if err := hooks.postWriteSegments(); err != nil {
		if written > 0 {
			t.removeSegmentDir(outID)
		}
		return false, fmt.Errorf("compaction aborted after segment write: %w", err)
	}

	// Everything in the inputs may be dead; the merge then produces no
	// segment and the swap just drops the inputs.
	var out *rowset.Shared
	var outSeg *segment.Segment
	if written > 0 {
		segmentsDir := filepath.Join(t.dir, common.DirSegments)
		outSeg, err = segment.Open(outID, segmentsDir, t.logger, false)
		if err != nil {
			t.removeSegmentDir(outID)
			return false, fmt.Errorf("open compacted segment %d: %w", outID, err)
		}
		out = rowset.NewShared(outSeg)
	}

	t.coordMu.Lock()
	cur := t.comps.Load()
	if cur == nil {
		t.coordMu.Unlock()
		if out != nil {
			out.DecRef()
			t.removeSegmentDir(outID)
		}
		return false, common.ErrClosed
	}

	var reupdated int
	if out != nil {
		reupdated, err = t.reupdateCompactionResidue(inputs, outSeg, snap)
		if err != nil {
			t.coordMu.Unlock()
			out.DecRef()
			t.removeSegmentDir(outID)
			return false, fmt.Errorf("re-update missed deltas: %w", err)
		}
	}
	if err := hooks.postReupdateMissedDeltas(); err != nil {
		t.coordMu.Unlock()
		if out != nil {
			out.DecRef()
			t.removeSegmentDir(outID)
		}
		return false, fmt.Errorf("compaction aborted after re-update: %w", err)
	}

	inputSet := make(map[*rowset.Shared]bool, len(inputs))
	for _, s := range inputs {
		inputSet[s] = true
	}
	all := cur.view.All()
	next := make([]*rowset.Shared, 0, len(all))
	for _, s := range all {
		if !inputSet[s] {
			next = append(next, s)
		}
	}
	if out != nil {
		next = append(next, out)
	}
	view, err := rowset.NewView(next)
	if err != nil {
		t.coordMu.Unlock()
		if out != nil {
			out.DecRef()
			t.removeSegmentDir(outID)
		}
		return false, fmt.Errorf("build row-set view: %w", err)
	}
	t.comps.Store(&components{buffer: cur.buffer, bufferHandle: cur.bufferHandle, view: view})
	for _, s := range inputs {
		s.MarkRetired()
	}
	committed = true
	t.coordMu.Unlock()

	// Input storage outlives the swap until every captured reader drops
	// its reference; deletion rides on the final release.
	releaseInputs := func(deleteStorage bool) {
		for _, s := range inputs {
			if deleteStorage {
				id := s.ID()
				s.SetOnRelease(func() { t.removeSegmentDir(id) })
			}
			s.DecRef()
		}
	}

	if err := hooks.postSwap(); err != nil {
		releaseInputs(false)
		return false, fmt.Errorf("compaction aborted after swap: %w", err)
	}

	if err := t.persistDescriptor(0); err != nil {
		releaseInputs(false)
		t.logger.Error("compaction metadata persist failed; swap stays visible, input storage kept", "error", err)
		return false, fmt.Errorf("persist descriptor: %w", err)
	}
	if out != nil {
		// The output base now durably holds the inputs' pre-snapshot
		// deltas; only forwarded residue still leans on the WAL.
		t.deltaFloors.transfer(inputIDs, outID)
	}
	if err := hooks.postPersistMetadata(); err != nil {
		releaseInputs(true)
		return false, fmt.Errorf("compaction aborted after metadata persist: %w", err)
	}

	releaseInputs(true)

	t.stats.RecordCompaction(time.Since(start))
	t.logger.Info("compaction completed",
		"inputs", inputIDs,
		"output_id", outID,
		"rows", written,
		"reupdated", reupdated,
		"duration", time.Since(start).String())
	return true, nil
}

// chainSource is one input segment's chain iterator positioned on its
// current row.
type chainSource struct {
	seg *segment.Segment
	it  *segment.ChainIterator
	ord int
}

type chainHeap []*chainSource

func (h chainHeap) Len() int { return len(h) }

func (h chainHeap) Less(i, j int) bool {
	if c := bytes.Compare(h[i].it.Key(), h[j].it.Key()); c != 0 {
		return c < 0
	}
	return h[i].ord < h[j].ord
}

func (h chainHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *chainHeap) Push(x interface{}) { *h = append(*h, x.(*chainSource)) }

func (h *chainHeap) Pop() interface{} {
	old := *h
	n := len(old)
	src := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return src
}

// mergeSegments writes the merge of the inputs' visible state into segment
// outID. Returns the number of rows written; zero means no segment was
// produced. Per key, each input contributes the visible prefix of its base
// chain plus delta overlay, concatenated in input ID order: a row deleted
// in one era and reinserted in a later one keeps both histories in order.
func (t *tabletImpl) mergeSegments(ctx context.Context, outID uint64, inputs []*rowset.Shared, snap mvcc.Snapshot) (uint64, error) {
	segs := make([]*segment.Segment, len(inputs))
	for i, s := range inputs {
		seg, ok := s.RowSet().(*segment.Segment)
		if !ok {
			panic("tablet: compaction input is not a segment")
		}
		segs[i] = seg
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].ID() < segs[j].ID() })

	parents := make([]uint64, len(segs))
	var expected uint64
	for i, seg := range segs {
		parents[i] = seg.ID()
		expected += seg.RowCount()
	}

	segmentsDir := filepath.Join(t.dir, common.DirSegments)
	builder, err := segment.NewBuilder(outID, segmentsDir, segment.BuilderOptions{
		BlockSize:    t.opts.BlockSize,
		BloomFPR:     t.opts.BloomFPR,
		ExpectedRows: expected,
		Parents:      parents,
	}, t.logger)
	if err != nil {
		return 0, fmt.Errorf("create segment builder: %w", err)
	}

	var h chainHeap
	for i, seg := range segs {
		it := seg.Reader().NewChainIterator()
		if it.Next() {
			h = append(h, &chainSource{seg: seg, it: it, ord: i})
			continue
		}
		if err := it.Err(); err != nil {
			builder.Abort()
			return 0, fmt.Errorf("iterate segment %d: %w", seg.ID(), err)
		}
	}
	heap.Init(&h)

	var written uint64
	for len(h) > 0 {
		if err := ctx.Err(); err != nil {
			builder.Abort()
			return 0, err
		}
		key := append([]byte(nil), h[0].it.Key()...)

		var merged []rowset.Version
		for len(h) > 0 && bytes.Equal(h[0].it.Key(), key) {
			src := h[0]
			full := src.it.Chain()
			if overlay := src.seg.Deltas().Chain(key); len(overlay) > 0 {
				full = append(append(make([]rowset.Version, 0, len(full)+len(overlay)), full...), overlay...)
			}
			full = t.scrubAborted(full)
			merged = append(merged, full[:rowset.VisiblePrefix(full, snap)]...)

			if src.it.Next() {
				heap.Fix(&h, 0)
				continue
			}
			if err := src.it.Err(); err != nil {
				builder.Abort()
				return 0, fmt.Errorf("iterate segment %d: %w", src.seg.ID(), err)
			}
			heap.Pop(&h)
		}

		if len(merged) == 0 {
			continue
		}
		if err := t.waitCompactionBudget(ctx, chainCost(key, merged)); err != nil {
			builder.Abort()
			return 0, err
		}
		if err := builder.Add(key, merged); err != nil {
			builder.Abort()
			return 0, fmt.Errorf("write merged chain: %w", err)
		}
		written++
	}

	if written == 0 {
		builder.Abort()
		return 0, nil
	}
	if _, err := builder.Build(); err != nil {
		return 0, fmt.Errorf("build segment %d: %w", outID, err)
	}
	return written, nil
}

// chainCost approximates the bytes a merged chain writes, for rate
// limiting.
func chainCost(key []byte, versions []rowset.Version) int {
	cost := len(key)
	for _, v := range versions {
		cost += 16
		for _, c := range v.Cells {
			cost += len(c.Column) + len(c.Value)
		}
	}
	return cost
}

// waitCompactionBudget blocks until the rate limiter grants n bytes.
// Requests larger than the burst are chunked.
func (t *tabletImpl) waitCompactionBudget(ctx context.Context, n int) error {
	if t.compactLimiter == nil || n <= 0 {
		return nil
	}
	burst := t.compactLimiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := t.compactLimiter.WaitN(ctx, chunk); err != nil {
			return err
		}
		n -= chunk
	}
	return nil
}

// reupdateCompactionResidue forwards input delta versions the snapshot
// missed to the output's delta store. Base chains are fully visible to any
// snapshot taken after their segment went live, so only delta overlays can
// hold residue. Caller holds the exclusive coordination lock.
func (t *tabletImpl) reupdateCompactionResidue(inputs []*rowset.Shared, out *segment.Segment, snap mvcc.Snapshot) (int, error) {
	reader := out.Reader()
	var reupdated int
	for _, s := range inputs {
		seg := s.RowSet().(*segment.Segment)
		var scanErr error
		seg.Deltas().Scan(func(key []byte, versions []rowset.Version) bool {
			overlay := t.scrubAborted(versions)
			residue := overlay[rowset.VisiblePrefix(overlay, snap):]
			if len(residue) == 0 {
				return true
			}
			_, ordinal, found, err := reader.Lookup(key)
			if err != nil {
				scanErr = fmt.Errorf("lookup %q in segment %d: %w", key, out.ID(), err)
				return false
			}
			if !found {
				scanErr = fmt.Errorf("%w: mutated row %q missing from compacted segment %d", common.ErrCorrupt, key, out.ID())
				return false
			}
			for _, v := range residue {
				out.Deltas().Append(ordinal, key, v)
				reupdated++
			}
			return true
		})
		if scanErr != nil {
			return reupdated, scanErr
		}
	}
	return reupdated, nil
}

// compactionTask periodically runs compaction rounds, backing off
// exponentially after failures.
func (t *tabletImpl) compactionTask() {
	defer t.bgWg.Done()

	const base = 10 * time.Second
	var failures uint
	timer := time.NewTimer(jittered(base))
	defer timer.Stop()

	for {
		select {
		case <-t.compactStop:
			return
		case <-timer.C:
			_, err := t.compactOnce(context.Background())
			if err != nil {
				if failures < 5 {
					failures++
				}
				t.logger.Error("background compaction failed", "error", err, "consecutive_failures", failures)
			} else {
				failures = 0
			}
			timer.Reset(jittered(base << failures))
		}
	}
}

// jittered spreads a delay by ±25% so tablets sharing a process do not
// compact in lockstep.
func jittered(d time.Duration) time.Duration {
	quarter := int64(d) / 4
	if quarter <= 0 {
		return d
	}
	return d - time.Duration(quarter) + time.Duration(fastrand.Int63n(2*quarter))
}
