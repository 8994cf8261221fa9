package tablet

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/locks"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/row"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/segment"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/wal"
)

// batchOp is one staged operation.
type batchOp struct {
	op      uint8
	row     *row.Row
	key     []byte
	changes row.ChangeList
}

// BatchWriter stages operations and commits them atomically: every
// operation becomes visible under one transaction, or none does and
// nothing reaches the WAL. A writer is single-use; Commit or Abort
// finishes it.
//
// Operations apply in staging order, against the state earlier staged
// operations produced. A BatchWriter is not safe for concurrent use.
type BatchWriter struct {
	t    *tabletImpl
	ops  []batchOp
	done bool
}

// NewBatch returns an empty batch writer.
func (t *tabletImpl) NewBatch() *BatchWriter {
	return &BatchWriter{t: t}
}

// Insert stages an insert.
func (b *BatchWriter) Insert(r *row.Row) error {
	if b.done {
		return common.ErrOpConsumed
	}
	if r == nil {
		return fmt.Errorf("insert: nil row")
	}
	if err := row.ValidateKey(r.Key); err != nil {
		return err
	}
	clone := r.Clone()
	b.ops = append(b.ops, batchOp{op: common.OpInsert, row: clone, key: clone.Key})
	return nil
}

// Mutate stages an update of an existing row.
func (b *BatchWriter) Mutate(key []byte, cl row.ChangeList) error {
	if b.done {
		return common.ErrOpConsumed
	}
	if err := row.ValidateKey(key); err != nil {
		return err
	}
	b.ops = append(b.ops, batchOp{
		op:      common.OpMutate,
		key:     append([]byte(nil), key...),
		changes: row.ChangeList{Delete: cl.Delete, Updates: row.CloneCells(cl.Updates)},
	})
	return nil
}

// Delete stages a row deletion.
func (b *BatchWriter) Delete(key []byte) error {
	return b.Mutate(key, row.ChangeList{Delete: true})
}

// Len returns the number of staged operations.
func (b *BatchWriter) Len() int { return len(b.ops) }

// Abort discards the staged operations.
func (b *BatchWriter) Abort() {
	b.done = true
	b.ops = nil
}

// Commit applies every staged operation under one transaction. Row locks
// are taken in sorted key order, so concurrent batches over overlapping
// keys cannot deadlock. The WAL sees either every record or none: records
// are appended in one batch only after all in-memory applies succeeded,
// and a mid-batch failure aborts the transaction, leaving the partial
// versions permanently invisible.
func (b *BatchWriter) Commit() error {
	if b.done {
		return common.ErrOpConsumed
	}
	b.done = true
	t := b.t

	if t.closed.Load() {
		return common.ErrClosed
	}
	if t.readonly {
		return common.ErrReadOnly
	}
	if len(b.ops) == 0 {
		return nil
	}

	keys := make([][]byte, 0, len(b.ops))
	for _, op := range b.ops {
		keys = append(keys, op.key)
	}
	sort.Slice(keys, func(i, j int) bool { return bytes.Compare(keys[i], keys[j]) < 0 })
	handles := make([]*locks.Handle, 0, len(keys))
	for i, k := range keys {
		if i > 0 && bytes.Equal(k, keys[i-1]) {
			continue
		}
		handles = append(handles, t.locks.Acquire(k))
	}
	defer func() {
		for _, h := range handles {
			t.locks.Release(h)
		}
	}()

	txn := t.mvcc.BeginTxn()

	g := t.lockShared()
	comps := g.components()
	if comps == nil {
		g.unlock()
		t.mvcc.Abort(txn)
		return common.ErrClosed
	}

	fail := func(i int, key []byte, err error) error {
		g.unlock()
		t.mvcc.Abort(txn)
		return fmt.Errorf("batch operation %d on key %q: %w", i, key, err)
	}

	entries := make([]wal.Entry, 0, len(b.ops))
	touchedSegs := make(map[uint64]bool)
	var inserts, mutates, deletes int
	for i, op := range b.ops {
		switch op.op {
		case common.OpInsert:
			owner, err := resolveOwner(comps.view, op.key)
			if err != nil {
				return fail(i, op.key, err)
			}
			if owner != nil {
				return fail(i, op.key, common.ErrAlreadyPresent)
			}
			if err := comps.buffer.Insert(txn, op.row); err != nil {
				return fail(i, op.key, err)
			}
			entries = append(entries, wal.Entry{
				Txn:     txn.ID(),
				Op:      common.OpInsert,
				Key:     op.key,
				Payload: row.EncodeCells(op.row.Cells),
			})
			inserts++

		case common.OpMutate:
			owner, err := resolveOwner(comps.view, op.key)
			if err != nil {
				return fail(i, op.key, err)
			}
			if owner == nil {
				return fail(i, op.key, common.ErrNotFound)
			}
			if err := owner.RowSet().MutateRow(txn, op.key, op.changes); err != nil {
				return fail(i, op.key, err)
			}
			if seg, ok := owner.RowSet().(*segment.Segment); ok {
				touchedSegs[seg.ID()] = true
			}
			walOp := common.OpMutate
			var payload []byte
			if op.changes.Delete {
				walOp = common.OpDelete
				deletes++
			} else {
				payload = row.EncodeChangeList(op.changes)
				mutates++
			}
			entries = append(entries, wal.Entry{
				Txn:     txn.ID(),
				Op:      walOp,
				Key:     op.key,
				Payload: payload,
			})

		default:
			return fail(i, op.key, fmt.Errorf("unknown operation code %d", op.op))
		}
	}

	lastSeq, err := t.wal.AppendBatch(entries)
	if err != nil {
		g.unlock()
		t.mvcc.Abort(txn)
		return fmt.Errorf("append batch to WAL: %w", err)
	}
	if len(touchedSegs) > 0 {
		firstSeq := lastSeq - uint64(len(entries)) + 1
		for segID := range touchedSegs {
			t.deltaFloors.record(segID, firstSeq)
		}
	}

	// Commit inside the shared hold: a flush snapshot sees the whole
	// batch as committed or as invisible, never split.
	t.mvcc.Commit(txn)
	g.unlock()

	t.stats.recordBatch(inserts, mutates, deletes, len(entries))
	t.maybeTriggerFlush()
	return nil
}
