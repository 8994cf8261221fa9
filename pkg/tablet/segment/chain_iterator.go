package segment

import (
	"bytes"
	"fmt"

	"github.com/CVDpl/go-live-tablet/pkg/tablet/rowset"
)

// ChainIterator walks every row of the segment's base data in key order,
// yielding full version chains. It backs the segment's row iterator and
// compaction rewrites. Delta-store overlays are the caller's concern.
type ChainIterator struct {
	r        *Reader
	blockIdx int
	rd       *bytes.Reader
	rowsLeft uint32

	key     []byte
	chain   []rowset.Version
	ordinal uint64
	next    uint64
	err     error
}

// NewChainIterator returns an iterator positioned before the first row.
func (r *Reader) NewChainIterator() *ChainIterator {
	return &ChainIterator{r: r, blockIdx: -1}
}

// Next advances to the next row, returning false at the end or on error.
func (it *ChainIterator) Next() bool {
	if it.err != nil {
		return false
	}
	for {
		if it.rd == nil || it.rowsLeft == 0 {
			it.blockIdx++
			if it.blockIdx >= len(it.r.blocks) {
				return false
			}
			raw, err := it.r.loadBlock(it.blockIdx)
			if err != nil {
				it.err = err
				return false
			}
			it.rd = bytes.NewReader(raw)
			it.rowsLeft = it.r.blocks[it.blockIdx].rows
			continue
		}

		key, chain, err := decodeRowEntry(it.rd)
		if err != nil {
			it.err = fmt.Errorf("segment %d block %d: %w", it.r.segmentID, it.blockIdx, err)
			return false
		}
		it.rowsLeft--
		it.key = key
		it.chain = chain
		it.ordinal = it.next
		it.next++
		return true
	}
}

// Key returns the current row key.
func (it *ChainIterator) Key() []byte { return it.key }

// Chain returns the current row's full base version chain.
func (it *ChainIterator) Chain() []rowset.Version { return it.chain }

// Ordinal returns the current row's position in the segment's key order.
func (it *ChainIterator) Ordinal() uint64 { return it.ordinal }

// Err returns the first error encountered.
func (it *ChainIterator) Err() error { return it.err }
