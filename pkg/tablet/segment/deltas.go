package segment

import (
	"bytes"
	"sync"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/zhangyunhao116/skipmap"

	"github.com/CVDpl/go-live-tablet/pkg/tablet/rowset"
)

// DeltaStore holds the in-memory mutations applied to an immutable segment
// since it was written: per-key overlay version chains appended after the
// base chain, plus a bitmap of mutated row ordinals consulted by compaction
// policies. Appends to one key are serialized by the row lock; different
// keys append concurrently.
type DeltaStore struct {
	rows *skipmap.FuncMap[[]byte, *deltaChain]

	mu      sync.Mutex
	mutated *roaring.Bitmap

	deltaCount atomic.Int64
	sizeBytes  atomic.Int64
}

// deltaChain is one key's overlay versions, replaced wholesale on append.
type deltaChain struct {
	versions atomic.Pointer[[]rowset.Version]
}

// NewDeltaStore creates an empty delta store.
func NewDeltaStore() *DeltaStore {
	return &DeltaStore{
		rows: skipmap.NewFunc[[]byte, *deltaChain](func(a, b []byte) bool {
			return bytes.Compare(a, b) < 0
		}),
		mutated: roaring.New(),
	}
}

// Append records a new overlay version for the row at the given ordinal.
func (d *DeltaStore) Append(ordinal uint64, key []byte, v rowset.Version) {
	fresh := &deltaChain{}
	base := []rowset.Version{v}
	fresh.versions.Store(&base)

	chain, loaded := d.rows.LoadOrStore(append([]byte(nil), key...), fresh)
	if loaded {
		cur := *chain.versions.Load()
		next := make([]rowset.Version, 0, len(cur)+1)
		next = append(next, cur...)
		next = append(next, v)
		chain.versions.Store(&next)
	}

	d.mu.Lock()
	d.mutated.Add(uint32(ordinal))
	d.mu.Unlock()

	d.deltaCount.Add(1)
	size := int64(16 + len(key))
	for _, c := range v.Cells {
		size += int64(len(c.Column) + len(c.Value))
	}
	d.sizeBytes.Add(size)
}

// Chain returns the overlay versions for key, nil when none exist. The
// returned slice is immutable.
func (d *DeltaStore) Chain(key []byte) []rowset.Version {
	chain, ok := d.rows.Load(key)
	if !ok {
		return nil
	}
	return *chain.versions.Load()
}

// Scan calls fn for every mutated key in ascending order with its overlay
// chain, until fn returns false.
func (d *DeltaStore) Scan(fn func(key []byte, versions []rowset.Version) bool) {
	d.rows.Range(func(key []byte, chain *deltaChain) bool {
		return fn(key, *chain.versions.Load())
	})
}

// DeltaCount returns the number of overlay versions recorded.
func (d *DeltaStore) DeltaCount() uint64 { return uint64(d.deltaCount.Load()) }

// MutatedRows returns the number of distinct rows with overlays.
func (d *DeltaStore) MutatedRows() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mutated.GetCardinality()
}

// SizeBytes returns the approximate memory footprint of the overlays.
func (d *DeltaStore) SizeBytes() uint64 { return uint64(d.sizeBytes.Load()) }
