package tablet

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/locks"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/mvcc"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/row"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/rowset"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/segment"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/wal"
)

// walAnchors tracks, per open transaction, the lowest WAL sequence the
// transaction has logged. A flush may not advance the durable mark past an
// open transaction's anchor: after a crash, replay must still see records
// whose effects the flushed segment excluded.
type walAnchors struct {
	mu    sync.Mutex
	byTxn map[uint64]uint64
}

func (a *walAnchors) record(txnID, seq uint64) {
	a.mu.Lock()
	if cur, ok := a.byTxn[txnID]; !ok || seq < cur {
		a.byTxn[txnID] = seq
	}
	a.mu.Unlock()
}

func (a *walAnchors) drop(txnID uint64) {
	a.mu.Lock()
	delete(a.byTxn, txnID)
	a.mu.Unlock()
}

func (a *walAnchors) has(txnID uint64) bool {
	a.mu.Lock()
	_, ok := a.byTxn[txnID]
	a.mu.Unlock()
	return ok
}

// floor returns the lowest anchored sequence, or 0 when none.
func (a *walAnchors) floor() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var lowest uint64
	for _, seq := range a.byTxn {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	return lowest
}

// deltaAnchors tracks, per segment, the lowest WAL sequence backing one of
// the segment's in-memory delta versions. Deltas stay volatile until a
// compaction bakes them into a new base, so the WAL is their only durable
// form: a flush may not prune past a live delta's record.
type deltaAnchors struct {
	mu    sync.Mutex
	bySeg map[uint64]uint64
}

func (a *deltaAnchors) record(segID, seq uint64) {
	a.mu.Lock()
	if cur, ok := a.bySeg[segID]; !ok || seq < cur {
		a.bySeg[segID] = seq
	}
	a.mu.Unlock()
}

// transfer folds the inputs' floors into the output segment and forgets
// the inputs. Residue deltas forwarded to the output keep their coverage:
// each of their records sits at or above its input's floor. Called only
// after the output is durably referenced by the descriptor.
func (a *deltaAnchors) transfer(inputs []uint64, output uint64) {
	a.mu.Lock()
	var lowest uint64
	for _, id := range inputs {
		if seq, ok := a.bySeg[id]; ok {
			if lowest == 0 || seq < lowest {
				lowest = seq
			}
			delete(a.bySeg, id)
		}
	}
	if lowest != 0 {
		if cur, ok := a.bySeg[output]; !ok || lowest < cur {
			a.bySeg[output] = lowest
		}
	}
	a.mu.Unlock()
}

// floor returns the lowest sequence any live delta depends on, or 0.
func (a *deltaAnchors) floor() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	var lowest uint64
	for _, seq := range a.bySeg {
		if lowest == 0 || seq < lowest {
			lowest = seq
		}
	}
	return lowest
}

// PreparedOp is a write that has passed its decision phase: the row lock
// and transaction are held, and for mutations the owning row set is
// resolved and pinned. Exactly one Apply or ApplyUnlocked call consumes
// it.
type PreparedOp struct {
	t        *tabletImpl
	op       uint8
	row      *row.Row
	key      []byte
	changes  row.ChangeList
	target   *rowset.Shared
	lock     *locks.Handle
	txn      *mvcc.Txn
	owned    bool
	consumed bool
}

// Key returns the primary key the operation addresses.
func (op *PreparedOp) Key() []byte { return op.key }

// resolveOwner finds the row set holding the live row for key. Live-row
// membership is mutually exclusive across the view, so the first hit wins.
// Returns nil when no member holds the key live.
func resolveOwner(v *rowset.View, key []byte) (*rowset.Shared, error) {
	for _, s := range v.Containing(key) {
		present, err := s.RowSet().CheckRowPresent(key)
		if err != nil {
			return nil, err
		}
		if present {
			return s, nil
		}
	}
	return nil, nil
}

// PrepareInsert readies an insert: it validates the key, acquires the row
// lock, and opens a transaction. Duplicate detection happens at apply
// time, under the coordination lock.
func (t *tabletImpl) PrepareInsert(r *row.Row) (*PreparedOp, error) {
	if t.closed.Load() {
		return nil, common.ErrClosed
	}
	if t.readonly {
		return nil, common.ErrReadOnly
	}
	if r == nil {
		return nil, fmt.Errorf("insert: nil row")
	}
	if err := row.ValidateKey(r.Key); err != nil {
		return nil, err
	}
	h := t.locks.Acquire(r.Key)
	clone := r.Clone()
	return &PreparedOp{
		t:     t,
		op:    common.OpInsert,
		row:   clone,
		key:   clone.Key,
		lock:  h,
		txn:   t.mvcc.BeginTxn(),
		owned: true,
	}, nil
}

// PrepareMutate readies an update or delete: it acquires the row lock,
// opens a transaction, and resolves which row set owns the key's live row.
// The owner is pinned until the operation is applied; if it gets retired
// by a concurrent flush or compaction before then, Apply reports
// ErrNotFound and the caller re-prepares.
func (t *tabletImpl) PrepareMutate(key []byte, cl row.ChangeList) (*PreparedOp, error) {
	if t.closed.Load() {
		return nil, common.ErrClosed
	}
	if t.readonly {
		return nil, common.ErrReadOnly
	}
	if err := row.ValidateKey(key); err != nil {
		return nil, err
	}
	h := t.locks.Acquire(key)
	txn := t.mvcc.BeginTxn()
	op, err := t.prepareMutate(txn, key, cl)
	if err != nil {
		t.mvcc.Abort(txn)
		t.locks.Release(h)
		return nil, err
	}
	op.lock = h
	op.owned = true
	return op, nil
}

// PrepareInsertUnlocked is PrepareInsert for callers that manage the row
// lock and transaction themselves. The handle must cover the row's key.
func (t *tabletImpl) PrepareInsertUnlocked(h *locks.Handle, txn *mvcc.Txn, r *row.Row) (*PreparedOp, error) {
	if t.closed.Load() {
		return nil, common.ErrClosed
	}
	if t.readonly {
		return nil, common.ErrReadOnly
	}
	if r == nil {
		return nil, fmt.Errorf("insert: nil row")
	}
	if err := row.ValidateKey(r.Key); err != nil {
		return nil, err
	}
	if h == nil || !bytes.Equal(h.Key(), r.Key) {
		return nil, fmt.Errorf("insert: row lock does not cover key %q", r.Key)
	}
	if txn == nil {
		return nil, fmt.Errorf("insert: nil transaction")
	}
	clone := r.Clone()
	return &PreparedOp{
		t:   t,
		op:  common.OpInsert,
		row: clone,
		key: clone.Key,
		txn: txn,
	}, nil
}

// PrepareMutateUnlocked is PrepareMutate for callers that manage the row
// lock and transaction themselves.
func (t *tabletImpl) PrepareMutateUnlocked(h *locks.Handle, txn *mvcc.Txn, key []byte, cl row.ChangeList) (*PreparedOp, error) {
	if t.closed.Load() {
		return nil, common.ErrClosed
	}
	if t.readonly {
		return nil, common.ErrReadOnly
	}
	if err := row.ValidateKey(key); err != nil {
		return nil, err
	}
	if h == nil || !bytes.Equal(h.Key(), key) {
		return nil, fmt.Errorf("mutate: row lock does not cover key %q", key)
	}
	if txn == nil {
		return nil, fmt.Errorf("mutate: nil transaction")
	}
	return t.prepareMutate(txn, key, cl)
}

// prepareMutate resolves the live row's owner under the shared
// coordination lock and pins it with an extra reference.
func (t *tabletImpl) prepareMutate(txn *mvcc.Txn, key []byte, cl row.ChangeList) (*PreparedOp, error) {
	g := t.lockShared()
	comps := g.components()
	if comps == nil {
		g.unlock()
		return nil, common.ErrClosed
	}
	owner, err := resolveOwner(comps.view, key)
	if err != nil {
		g.unlock()
		return nil, err
	}
	if owner == nil {
		g.unlock()
		return nil, common.ErrNotFound
	}
	owner.IncRef()
	g.unlock()

	return &PreparedOp{
		t:       t,
		op:      common.OpMutate,
		key:     append([]byte(nil), key...),
		changes: row.ChangeList{Delete: cl.Delete, Updates: row.CloneCells(cl.Updates)},
		target:  owner,
		txn:     txn,
	}, nil
}

// Apply executes a prepared operation, commits its transaction, and
// releases its row lock. On error the transaction is aborted; a prepared
// operation is consumed either way.
func (t *tabletImpl) Apply(op *PreparedOp) error {
	if op == nil || op.consumed {
		return common.ErrOpConsumed
	}
	if !op.owned {
		return fmt.Errorf("apply: operation holds a caller-managed lock, use ApplyUnlocked")
	}
	op.consumed = true

	err := t.applyOp(op)

	if op.target != nil {
		op.target.DecRef()
		op.target = nil
	}
	if err != nil {
		t.anchors.drop(op.txn.ID())
		t.mvcc.Abort(op.txn)
	}
	t.locks.Release(op.lock)
	op.lock = nil

	if err == nil {
		t.maybeTriggerFlush()
	}
	return err
}

// ApplyUnlocked executes a prepared operation without touching its
// transaction or row lock; both stay with the caller. The caller must
// commit the transaction eventually, and must not release the row lock
// before its last operation on that key is applied.
func (t *tabletImpl) ApplyUnlocked(op *PreparedOp) error {
	if op == nil || op.consumed {
		return common.ErrOpConsumed
	}
	if op.owned {
		return fmt.Errorf("apply: operation owns its lock, use Apply")
	}
	op.consumed = true

	err := t.applyOp(op)

	if op.target != nil {
		op.target.DecRef()
		op.target = nil
	}
	if err == nil {
		t.maybeTriggerFlush()
	}
	return err
}

// applyOp runs the operation's apply phase under the shared coordination
// lock. Owned operations also commit inside the hold, so a flush snapshot
// never separates an applied write from its commit.
func (t *tabletImpl) applyOp(op *PreparedOp) error {
	if t.closed.Load() {
		return common.ErrClosed
	}
	g := t.lockShared()
	defer g.unlock()
	comps := g.components()
	if comps == nil {
		return common.ErrClosed
	}
	if err := t.applyOpLocked(comps, op); err != nil {
		return err
	}
	if op.owned {
		t.mvcc.Commit(op.txn)
		t.anchors.drop(op.txn.ID())
	}
	return nil
}

// applyOpLocked logs the operation and applies it in memory. Caller holds
// the shared coordination lock and the row lock.
func (t *tabletImpl) applyOpLocked(comps *components, op *PreparedOp) error {
	switch op.op {
	case common.OpInsert:
		owner, err := resolveOwner(comps.view, op.key)
		if err != nil {
			return err
		}
		if owner != nil {
			return common.ErrAlreadyPresent
		}
		seq, err := t.wal.Append(wal.Entry{
			Txn:     op.txn.ID(),
			Op:      common.OpInsert,
			Key:     op.key,
			Payload: row.EncodeCells(op.row.Cells),
		})
		if err != nil {
			return fmt.Errorf("append insert to WAL: %w", err)
		}
		t.anchors.record(op.txn.ID(), seq)
		t.stats.RecordWALAppend()
		if err := comps.buffer.Insert(op.txn, op.row); err != nil {
			return err
		}
		t.stats.RecordInsert()
		return nil

	case common.OpMutate:
		// The pinned owner may have been retired by a flush or
		// compaction since prepare; its replacement now holds the live
		// row, so the caller must re-prepare against it.
		if op.target.Retired() {
			return common.ErrNotFound
		}
		walOp := common.OpMutate
		var payload []byte
		if op.changes.Delete {
			walOp = common.OpDelete
		} else {
			payload = row.EncodeChangeList(op.changes)
		}
		seq, err := t.wal.Append(wal.Entry{
			Txn:     op.txn.ID(),
			Op:      walOp,
			Key:     op.key,
			Payload: payload,
		})
		if err != nil {
			return fmt.Errorf("append mutation to WAL: %w", err)
		}
		t.anchors.record(op.txn.ID(), seq)
		t.stats.RecordWALAppend()
		if err := op.target.RowSet().MutateRow(op.txn, op.key, op.changes); err != nil {
			return err
		}
		if seg, ok := op.target.RowSet().(*segment.Segment); ok {
			t.deltaFloors.record(seg.ID(), seq)
		}
		if op.changes.Delete {
			t.stats.RecordDelete()
		} else {
			t.stats.RecordMutate()
		}
		return nil

	default:
		return fmt.Errorf("unknown operation code %d", op.op)
	}
}

// maybeTriggerFlush starts an asynchronous flush when the buffer has
// outgrown its target.
func (t *tabletImpl) maybeTriggerFlush() {
	if t.opts.DisableAutoFlush {
		return
	}
	if t.shouldFlush() {
		t.triggerFlush()
	}
}

// Insert adds a new row. Returns ErrAlreadyPresent if a live row with the
// same key exists anywhere in the tablet.
func (t *tabletImpl) Insert(r *row.Row) error {
	op, err := t.PrepareInsert(r)
	if err != nil {
		return err
	}
	return t.Apply(op)
}

// Mutate applies a change list to an existing live row. When the row's
// owner is retired between prepare and apply the mutation is re-prepared
// against the owner's replacement, so callers never see a spurious
// ErrNotFound caused by a concurrent flush or compaction.
func (t *tabletImpl) Mutate(key []byte, cl row.ChangeList) error {
	for {
		op, err := t.PrepareMutate(key, cl)
		if err != nil {
			return err
		}
		err = t.Apply(op)
		if err == nil || !errors.Is(err, common.ErrNotFound) {
			return err
		}
	}
}

// Delete removes a live row by writing a deletion marker.
func (t *tabletImpl) Delete(key []byte) error {
	return t.Mutate(key, row.ChangeList{Delete: true})
}

// replayWAL reconstructs buffer state from records past the last flushed
// sequence. Each record is re-checked against the rebuilt view: records
// whose effects already live in a flushed segment no longer apply and are
// skipped.
func (t *tabletImpl) replayWAL(from uint64) error {
	var applied, skipped int
	err := t.wal.Replay(from, func(rec wal.Record) error {
		ok, err := t.applyReplayRecord(rec)
		if err != nil {
			return err
		}
		if ok {
			applied++
		} else {
			skipped++
		}
		return nil
	})
	if err != nil {
		return err
	}
	if applied > 0 || skipped > 0 {
		t.logger.Info("WAL replay completed", "from", from, "applied", applied, "skipped", skipped)
	}
	return nil
}

// applyReplayRecord applies one replayed record under a fresh committed
// transaction. Applicability is re-derived from current state, which makes
// replay idempotent: re-inserting a present row or mutating an absent one
// is skipped, not an error.
func (t *tabletImpl) applyReplayRecord(rec wal.Record) (bool, error) {
	comps := t.comps.Load()
	if comps == nil {
		return false, common.ErrClosed
	}
	txn := t.mvcc.BeginTxn()

	switch rec.Op {
	case common.OpInsert:
		cells, err := row.DecodeCells(rec.Payload)
		if err != nil {
			t.mvcc.Abort(txn)
			return false, fmt.Errorf("decode insert payload at seq %d: %w", rec.Seq, err)
		}
		owner, err := resolveOwner(comps.view, rec.Key)
		if err != nil {
			t.mvcc.Abort(txn)
			return false, err
		}
		if owner != nil {
			t.mvcc.Abort(txn)
			return false, nil
		}
		if err := comps.buffer.Insert(txn, &row.Row{Key: rec.Key, Cells: cells}); err != nil {
			t.mvcc.Abort(txn)
			if errors.Is(err, common.ErrAlreadyPresent) {
				return false, nil
			}
			return false, err
		}

	case common.OpMutate, common.OpDelete:
		var cl row.ChangeList
		if rec.Op == common.OpDelete {
			cl = row.ChangeList{Delete: true}
		} else {
			var err error
			cl, err = row.DecodeChangeList(rec.Payload)
			if err != nil {
				t.mvcc.Abort(txn)
				return false, fmt.Errorf("decode mutation payload at seq %d: %w", rec.Seq, err)
			}
		}
		owner, err := resolveOwner(comps.view, rec.Key)
		if err != nil {
			t.mvcc.Abort(txn)
			return false, err
		}
		if owner == nil {
			t.mvcc.Abort(txn)
			return false, nil
		}
		if err := owner.RowSet().MutateRow(txn, rec.Key, cl); err != nil {
			t.mvcc.Abort(txn)
			if errors.Is(err, common.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		// A replayed delta is as volatile as a fresh one; its record must
		// survive until a compaction bakes it in.
		if seg, ok := owner.RowSet().(*segment.Segment); ok {
			t.deltaFloors.record(seg.ID(), rec.Seq)
		}

	default:
		t.mvcc.Abort(txn)
		t.logger.Warn("skipping WAL record with unknown operation", "seq", rec.Seq, "op", rec.Op)
		return false, nil
	}

	t.mvcc.Commit(txn)
	return true, nil
}

func (t *tabletImpl) BeginTxn() *mvcc.Txn { return t.mvcc.BeginTxn() }

// CommitTxn commits under the shared coordination lock, so a flush
// snapshot observes a transaction's applied writes and its commit on the
// same side.
func (t *tabletImpl) CommitTxn(txn *mvcc.Txn) {
	if txn == nil {
		return
	}
	g := t.lockShared()
	t.mvcc.Commit(txn)
	t.anchors.drop(txn.ID())
	g.unlock()
}

// AbortTxn aborts a transaction that has logged nothing. A transaction
// with WAL records must commit instead: replay assigns fresh committed
// transactions to surviving records, so an abort would not stick across a
// restart.
func (t *tabletImpl) AbortTxn(txn *mvcc.Txn) error {
	if txn == nil {
		return nil
	}
	if t.anchors.has(txn.ID()) {
		return fmt.Errorf("transaction %d has logged operations and must be committed", txn.ID())
	}
	t.mvcc.Abort(txn)
	return nil
}

// AcquireRowLock blocks until the caller holds the key's row lock.
func (t *tabletImpl) AcquireRowLock(key []byte) *locks.Handle {
	return t.locks.Acquire(key)
}

// ReleaseRowLock releases a handle from AcquireRowLock.
func (t *tabletImpl) ReleaseRowLock(h *locks.Handle) {
	t.locks.Release(h)
}
