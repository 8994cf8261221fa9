// Package tablet implements the mutable storage core of a single table
// partition: a mutable in-memory buffer, immutable on-disk segments indexed
// by key range, MVCC snapshots, per-row write orchestration, and the
// flush/compaction machinery that moves data between them. One Tablet owns
// one directory tree (wal/, segments/, meta/, consensus/).
package tablet

import (
	"context"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/consensus"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/locks"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/meta"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/mvcc"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/row"
)

// Tablet is the storage engine for one partition.
type Tablet interface {
	// Close flushes the buffer (unless disabled), stops background tasks,
	// and releases all segments. The tablet is unusable afterwards.
	Close() error

	// ID returns the tablet's durable identity.
	ID() string

	// Insert adds a new row. Returns ErrAlreadyPresent when a live row
	// with the same key exists anywhere in the tablet.
	Insert(r *row.Row) error

	// Mutate applies a change list to an existing live row. Returns
	// ErrNotFound when no live row with the key exists.
	Mutate(key []byte, cl row.ChangeList) error

	// Delete marks an existing live row deleted. Returns ErrNotFound when
	// no live row with the key exists.
	Delete(key []byte) error

	// Get returns the newest visible state of the row, restricted to the
	// projected columns (nil projection selects all). Returns ErrNotFound
	// for absent or deleted rows.
	Get(key []byte, projection row.Projection) (*row.Row, error)

	// PrepareInsert acquires the row lock and a transaction for an insert.
	// The returned operation must be passed to Apply exactly once.
	PrepareInsert(r *row.Row) (*PreparedOp, error)

	// PrepareMutate acquires the row lock and a transaction, and resolves
	// the segment owning the live row. Returns ErrNotFound when nothing
	// owns the key. The returned operation must be passed to Apply exactly
	// once.
	PrepareMutate(key []byte, cl row.ChangeList) (*PreparedOp, error)

	// Apply consumes a prepared operation: logs it, applies it, commits
	// the transaction, and releases the row lock. A mutation whose target
	// segment was swapped out since prepare fails with ErrNotFound; the
	// caller re-prepares. Applying a consumed operation fails with
	// ErrOpConsumed.
	Apply(op *PreparedOp) error

	// BeginTxn starts a transaction for use with the unlocked variants.
	BeginTxn() *mvcc.Txn

	// CommitTxn commits a transaction begun with BeginTxn. Writes applied
	// under it become visible to snapshots taken afterwards.
	CommitTxn(txn *mvcc.Txn)

	// AbortTxn abandons a transaction that has applied nothing. Once a
	// transaction has been through ApplyUnlocked its operations are in the
	// log and it must be committed; aborting it then returns an error.
	AbortTxn(txn *mvcc.Txn) error

	// AcquireRowLock blocks until the caller holds the write lock for key.
	AcquireRowLock(key []byte) *locks.Handle

	// ReleaseRowLock releases a lock acquired with AcquireRowLock.
	ReleaseRowLock(h *locks.Handle)

	// PrepareInsertUnlocked is PrepareInsert against a caller-held lock and
	// transaction. Apply of the result performs no commit or release;
	// ordering and cleanup are the caller's responsibility.
	PrepareInsertUnlocked(h *locks.Handle, txn *mvcc.Txn, r *row.Row) (*PreparedOp, error)

	// PrepareMutateUnlocked is PrepareMutate against a caller-held lock and
	// transaction.
	PrepareMutateUnlocked(h *locks.Handle, txn *mvcc.Txn, key []byte, cl row.ChangeList) (*PreparedOp, error)

	// ApplyUnlocked consumes an operation prepared with an unlocked
	// variant, leaving the transaction open and the row lock held.
	ApplyUnlocked(op *PreparedOp) error

	// NewBatch returns a writer that stages operations and applies them
	// under one transaction with deadlock-free lock acquisition.
	NewBatch() *BatchWriter

	// Snapshot captures the set of writes visible to subsequent reads.
	Snapshot() mvcc.Snapshot

	// CaptureIterators returns one cursor per segment in the current view,
	// each bound to the snapshot. The segments stay readable until the set
	// is closed, regardless of concurrent flushes or compactions. The set
	// observes every row visible at the snapshot and possibly newer ones.
	CaptureIterators(snap mvcc.Snapshot) (*CapturedIterators, error)

	// NewRowIterator returns a merged cursor over the whole tablet in key
	// order, yielding the newest visible version of each live row.
	NewRowIterator(projection row.Projection, snap mvcc.Snapshot) (RowIterator, error)

	// Flush persists the mutable buffer as a new immutable segment and
	// installs a fresh empty buffer. No-op when the buffer is empty.
	Flush(ctx context.Context) error

	// CompactNow runs one synchronous compaction pass with the configured
	// policy. No-op when the policy selects nothing.
	CompactNow(ctx context.Context) error

	// PruneWAL deletes log files wholly covered by flushed data.
	PruneWAL() error

	// Stats returns a point-in-time snapshot of operation counters and
	// storage footprint.
	Stats() Stats

	// Descriptor returns a copy of the current durable tablet descriptor.
	Descriptor() *meta.Descriptor

	// Consensus returns the tablet's consensus metadata, nil when the
	// tablet was opened read-only without any on disk.
	Consensus() *consensus.Metadata
}

// Options configures a tablet. Zero values select defaults where noted.
type Options struct {
	// Logger receives structured log output. Defaults to a JSON logger on
	// stderr; use NewNullLogger to silence.
	Logger common.Logger

	// ReadOnly opens the tablet without a WAL or background tasks and
	// rejects writes with ErrReadOnly.
	ReadOnly bool

	// VerifyChecksumsOnOpen re-hashes every segment file against its
	// recorded digest while opening. Slower, catches bit rot early.
	VerifyChecksumsOnOpen bool

	// MemtableTargetBytes is the buffer size that triggers an automatic
	// flush. Defaults to 64MB.
	MemtableTargetBytes int64

	// BlockSize is the uncompressed row block size for new segments.
	// Defaults to 32KB.
	BlockSize int

	// BloomFPR is the target false positive rate for segment key filters.
	// Defaults to 0.01.
	BloomFPR float64

	// CompactionThreshold is the number of on-disk segments that makes the
	// default policy schedule a pass. Defaults to 4. Ignored when
	// CompactionPolicy is set.
	CompactionThreshold int

	// CompactionPolicy picks the segments each pass merges. Defaults to a
	// size-tiered policy driven by CompactionThreshold.
	CompactionPolicy Policy

	// CompactionRateLimitBytes caps compaction write throughput in bytes
	// per second. 0 disables the limiter.
	CompactionRateLimitBytes int64

	// DisableAutoFlush turns off size-triggered and periodic flushes;
	// Flush must be called explicitly.
	DisableAutoFlush bool

	// DisableBackgroundCompaction turns off the compaction driver;
	// CompactNow still works.
	DisableBackgroundCompaction bool

	// DisableFlushOnClose skips the final flush in Close. Buffered writes
	// then survive only through the WAL.
	DisableFlushOnClose bool

	// Parallelism bounds concurrent segment opens at startup. Defaults
	// to 4.
	Parallelism int

	// WALSyncOnEveryWrite fsyncs the log after every append. Durable
	// against power loss, slow.
	WALSyncOnEveryWrite bool

	// WALFlushEveryBytes pushes the log buffer to the OS after this many
	// bytes. 0 leaves flushing to rotation and sync points.
	WALFlushEveryBytes int

	// WALRotateSize is the log segment rotation size. Defaults to 128MB.
	WALRotateSize int64

	// WALBufferSize is the log write buffer size. Defaults to 256KB.
	WALBufferSize int

	// PeerID is this replica's identity in consensus metadata. Defaults
	// to 1.
	PeerID uint64

	// Voters is the initial committed voter set when bootstrapping
	// consensus metadata. Defaults to just PeerID. Ignored once metadata
	// exists on disk.
	Voters []uint64

	// FlushHooks and CompactionHooks inject callbacks after each state
	// machine step. Used by tests to fail specific steps.
	FlushHooks      *StepHooks
	CompactionHooks *StepHooks
}

// DefaultOptions returns the default tablet configuration.
func DefaultOptions() *Options {
	return &Options{
		MemtableTargetBytes: common.DefaultMemtableTargetBytes,
		BlockSize:           common.DefaultBlockSize,
		BloomFPR:            common.DefaultBloomFPR,
		CompactionThreshold: common.DefaultCompactionThreshold,
		Parallelism:         common.DefaultParallelism,
		WALRotateSize:       common.WALRotateSize,
		WALBufferSize:       int(common.WALBufferSize),
		PeerID:              1,
	}
}
