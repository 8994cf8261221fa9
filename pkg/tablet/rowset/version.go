package rowset

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/mvcc"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/row"
)

// Version is one MVCC state of a row: the full materialized cell set (or a
// delete marker) stamped with the writing transaction. Rows carry their
// versions oldest-first; mutations append, nothing is edited in place.
type Version struct {
	Txn     uint64
	Deleted bool
	Cells   []row.Cell
}

// LatestVisible returns the newest version visible to the snapshot.
// ok is false when no version is visible (the row did not exist yet at the
// snapshot, or every visible version is newer than it).
func LatestVisible(versions []Version, snap mvcc.Snapshot) (Version, bool) {
	for i := len(versions) - 1; i >= 0; i-- {
		if snap.IsVisible(versions[i].Txn) {
			return versions[i], true
		}
	}
	return Version{}, false
}

// LiveAtLatest reports whether the newest version of the chain is a live row
// (present and not deleted), ignoring snapshots. Used for duplicate-key
// detection and mutation routing, where the caller holds the row lock.
func LiveAtLatest(versions []Version) bool {
	if len(versions) == 0 {
		return false
	}
	return !versions[len(versions)-1].Deleted
}

// VisiblePrefix returns the length of the longest leading run of versions
// visible to snap. For chains captured under the exclusive coordination lock
// the visible set is exactly such a prefix: appliers commit before releasing
// the shared lock, so every version appended by then is visible, and versions
// appended afterwards are not.
func VisiblePrefix(versions []Version, snap mvcc.Snapshot) int {
	for i, v := range versions {
		if !snap.IsVisible(v.Txn) {
			return i
		}
	}
	return len(versions)
}

// EncodeVersionChain encodes a version chain: a uvarint count, then per
// version the transaction ID, a deleted flag, and the cell set.
func EncodeVersionChain(versions []Version) []byte {
	var buf bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(tmp[:], uint64(len(versions)))
	buf.Write(tmp[:n])
	for _, v := range versions {
		n = binary.PutUvarint(tmp[:], v.Txn)
		buf.Write(tmp[:n])
		if v.Deleted {
			buf.WriteByte(1)
			continue
		}
		buf.WriteByte(0)
		buf.Write(row.EncodeCells(v.Cells))
	}
	return buf.Bytes()
}

// DecodeVersionChain decodes a chain produced by EncodeVersionChain from the
// reader, leaving any following bytes unread.
func DecodeVersionChain(r *bytes.Reader) ([]Version, error) {
	count, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: version count: %v", common.ErrCorrupt, err)
	}
	if count > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: version count %d exceeds remaining bytes", common.ErrCorrupt, count)
	}

	versions := make([]Version, 0, count)
	for i := uint64(0); i < count; i++ {
		txn, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("%w: version txn: %v", common.ErrCorrupt, err)
		}
		flag, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("%w: version flag: %v", common.ErrCorrupt, err)
		}
		v := Version{Txn: txn}
		switch flag {
		case 1:
			v.Deleted = true
		case 0:
			cells, err := row.DecodeCellsFrom(r)
			if err != nil {
				return nil, err
			}
			v.Cells = cells
		default:
			return nil, fmt.Errorf("%w: version flag %d", common.ErrCorrupt, flag)
		}
		versions = append(versions, v)
	}
	return versions, nil
}
