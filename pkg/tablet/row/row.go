// Package row defines the row model shared by the write path, the in-memory
// buffer and the on-disk segments: a primary key with named column cells, the
// change lists applied by mutations, and the compact binary encoding used in
// WAL records and segment blocks.
package row

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/CVDpl/go-live-tablet/internal/common"
)

// Cell is a single named column value.
type Cell struct {
	Column string
	Value  []byte
}

// Row is a primary key plus its column cells.
type Row struct {
	Key   []byte
	Cells []Cell
}

// ChangeList describes a mutation against an existing row: either a delete
// marker or a set of column updates. A delete ignores Updates.
type ChangeList struct {
	Delete  bool
	Updates []Cell
}

// Projection selects a subset of columns by name. A nil projection selects
// every column.
type Projection []string

// Includes reports whether the projection selects the given column.
func (p Projection) Includes(column string) bool {
	if p == nil {
		return true
	}
	for _, c := range p {
		if c == column {
			return true
		}
	}
	return false
}

// ValidateKey checks a row key against the tablet's key constraints.
func ValidateKey(key []byte) error {
	if len(key) == 0 {
		return common.ErrEmptyKey
	}
	if len(key) > common.MaxKeySize {
		return common.ErrKeyTooLarge
	}
	return nil
}

// Clone returns a deep copy of the row.
func (r *Row) Clone() *Row {
	out := &Row{Key: append([]byte(nil), r.Key...)}
	out.Cells = CloneCells(r.Cells)
	return out
}

// Project returns a copy of the row restricted to the projected columns.
func (r *Row) Project(p Projection) *Row {
	if p == nil {
		return r.Clone()
	}
	out := &Row{Key: append([]byte(nil), r.Key...)}
	for _, c := range r.Cells {
		if p.Includes(c.Column) {
			out.Cells = append(out.Cells, Cell{Column: c.Column, Value: append([]byte(nil), c.Value...)})
		}
	}
	return out
}

// CloneCells deep-copies a cell slice.
func CloneCells(cells []Cell) []Cell {
	if cells == nil {
		return nil
	}
	out := make([]Cell, len(cells))
	for i, c := range cells {
		out[i] = Cell{Column: c.Column, Value: append([]byte(nil), c.Value...)}
	}
	return out
}

// ApplyChanges applies a non-delete change list to a cell slice and returns a
// new slice; the input is never modified. Updates replace matching columns in
// place and append columns the row did not have yet.
func ApplyChanges(cells []Cell, cl ChangeList) []Cell {
	out := CloneCells(cells)
	for _, u := range cl.Updates {
		replaced := false
		for i := range out {
			if out[i].Column == u.Column {
				out[i].Value = append([]byte(nil), u.Value...)
				replaced = true
				break
			}
		}
		if !replaced {
			out = append(out, Cell{Column: u.Column, Value: append([]byte(nil), u.Value...)})
		}
	}
	return out
}

// EncodeCells encodes a cell slice: a uvarint cell count followed by
// length-prefixed column names and values.
func EncodeCells(cells []Cell) []byte {
	var buf bytes.Buffer
	writeUvarint(&buf, uint64(len(cells)))
	for _, c := range cells {
		writeUvarint(&buf, uint64(len(c.Column)))
		buf.WriteString(c.Column)
		writeUvarint(&buf, uint64(len(c.Value)))
		buf.Write(c.Value)
	}
	return buf.Bytes()
}

// DecodeCells decodes a cell slice produced by EncodeCells.
func DecodeCells(data []byte) ([]Cell, error) {
	r := bytes.NewReader(data)
	cells, err := DecodeCellsFrom(r)
	if err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after cells", common.ErrCorrupt, r.Len())
	}
	return cells, nil
}

// EncodeChangeList encodes a change list: a flag byte (1 = delete) followed by
// the update cells.
func EncodeChangeList(cl ChangeList) []byte {
	var buf bytes.Buffer
	if cl.Delete {
		buf.WriteByte(1)
		return buf.Bytes()
	}
	buf.WriteByte(0)
	buf.Write(EncodeCells(cl.Updates))
	return buf.Bytes()
}

// DecodeChangeList decodes a change list produced by EncodeChangeList.
func DecodeChangeList(data []byte) (ChangeList, error) {
	if len(data) == 0 {
		return ChangeList{}, fmt.Errorf("%w: empty change list", common.ErrCorrupt)
	}
	if data[0] == 1 {
		if len(data) != 1 {
			return ChangeList{}, fmt.Errorf("%w: delete marker with trailing bytes", common.ErrCorrupt)
		}
		return ChangeList{Delete: true}, nil
	}
	cells, err := DecodeCells(data[1:])
	if err != nil {
		return ChangeList{}, err
	}
	return ChangeList{Updates: cells}, nil
}

// DecodeCellsFrom reads one encoded cell set from the reader, leaving any
// following bytes unread.
func DecodeCellsFrom(r *bytes.Reader) ([]Cell, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: cell count: %v", common.ErrCorrupt, err)
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: cell count %d exceeds remaining bytes", common.ErrCorrupt, n)
	}
	cells := make([]Cell, 0, n)
	for i := uint64(0); i < n; i++ {
		col, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		val, err := readBytes(r)
		if err != nil {
			return nil, err
		}
		cells = append(cells, Cell{Column: string(col), Value: val})
	}
	return cells, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("%w: length prefix: %v", common.ErrCorrupt, err)
	}
	if n > uint64(r.Len()) {
		return nil, fmt.Errorf("%w: length %d exceeds remaining bytes", common.ErrCorrupt, n)
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("%w: short read: %v", common.ErrCorrupt, err)
	}
	return out, nil
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}
