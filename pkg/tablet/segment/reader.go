package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/internal/filters"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/rowset"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/utils"
)

// Reader provides read access to an immutable segment's base data. The data
// file is memory mapped; lookups binary search the block index, decompress
// one block, and scan it.
type Reader struct {
	segmentID uint64
	dir       string
	metadata  *Metadata

	mmap   *utils.MemoryMap
	data   []byte
	blocks []blockEntry
	// blockOrdinalBase[i] is the ordinal of the first row in block i.
	blockOrdinalBase []uint64

	bloom  *filters.BloomFilter
	minKey []byte
	maxKey []byte

	logger common.Logger
}

// NewReader opens the segment under dir/<segmentID>/, validating headers,
// the block index checksum, and, when verifyChecksums is set, the BLAKE3
// hashes recorded in the metadata.
func NewReader(segmentID uint64, dir string, logger common.Logger, verifyChecksums bool) (*Reader, error) {
	if logger == nil {
		logger = &common.NullLogger{}
	}

	segmentDir := filepath.Join(dir, common.FormatSegmentID(segmentID))

	metadata, err := LoadMetadata(filepath.Join(segmentDir, common.FileSegmentMeta))
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	if metadata.SegmentID != segmentID {
		return nil, fmt.Errorf("%w: metadata names segment %d, directory names %d",
			common.ErrCorrupt, metadata.SegmentID, segmentID)
	}

	r := &Reader{
		segmentID: segmentID,
		dir:       segmentDir,
		metadata:  metadata,
		logger:    logger,
	}

	if verifyChecksums {
		if err := r.verifyFileHashes(); err != nil {
			return nil, err
		}
	}

	dataPath := filepath.Join(segmentDir, metadata.Files.Data)
	r.mmap, err = utils.MapFile(dataPath)
	if err != nil {
		return nil, fmt.Errorf("map data file: %w", err)
	}
	r.data = r.mmap.Data()

	if err := r.parseDataFile(); err != nil {
		r.mmap.Close()
		return nil, err
	}

	r.minKey, err = metadata.MinKey()
	if err != nil {
		r.mmap.Close()
		return nil, fmt.Errorf("%w: min key: %v", common.ErrCorrupt, err)
	}
	r.maxKey, err = metadata.MaxKey()
	if err != nil {
		r.mmap.Close()
		return nil, fmt.Errorf("%w: max key: %v", common.ErrCorrupt, err)
	}

	r.loadBloom()
	return r, nil
}

// verifyFileHashes checks the metadata's BLAKE3 entries against the files on
// disk.
func (r *Reader) verifyFileHashes() error {
	for name, want := range r.metadata.Blake3 {
		got, err := utils.ComputeBLAKE3File(filepath.Join(r.dir, name))
		if err != nil {
			return fmt.Errorf("hash %s: %w", name, err)
		}
		if got != want {
			return fmt.Errorf("%w: BLAKE3 mismatch for %s", common.ErrCorrupt, name)
		}
	}
	return nil
}

// parseDataFile validates the mapped data file and decodes the block index.
func (r *Reader) parseDataFile() error {
	if len(r.data) < dataHeaderSize+footerSize {
		return fmt.Errorf("%w: data file too small (%d bytes)", common.ErrCorrupt, len(r.data))
	}

	if _, err := ReadDataHeader(bytes.NewReader(r.data[:dataHeaderSize])); err != nil {
		return err
	}

	footer, err := decodeFooter(r.data[len(r.data)-footerSize:])
	if err != nil {
		return err
	}
	if footer.IndexOffset+footer.IndexLen > uint64(len(r.data)-footerSize) {
		return fmt.Errorf("%w: block index out of range", common.ErrCorrupt)
	}

	indexBytes := r.data[footer.IndexOffset : footer.IndexOffset+footer.IndexLen]
	if !utils.VerifyCRC32C(indexBytes, footer.IndexCRC32C) {
		return fmt.Errorf("%w: block index", common.ErrCRCMismatch)
	}

	r.blocks, err = decodeBlockIndex(indexBytes)
	if err != nil {
		return err
	}

	r.blockOrdinalBase = make([]uint64, len(r.blocks))
	ord := uint64(0)
	for i, blk := range r.blocks {
		r.blockOrdinalBase[i] = ord
		ord += uint64(blk.rows)
	}
	if ord != footer.RowCount {
		return fmt.Errorf("%w: index rows %d, footer rows %d", common.ErrCorrupt, ord, footer.RowCount)
	}
	return nil
}

// loadBloom reads the key filter. The filter is an optimization: a missing
// or damaged one degrades lookups to always probing blocks, but never
// affects correctness, so failures are logged and tolerated.
func (r *Reader) loadBloom() {
	path := filepath.Join(r.dir, r.metadata.Files.Bloom)
	data, err := os.ReadFile(path)
	if err != nil {
		r.logger.Warn("key filter unavailable", "segment", r.segmentID, "error", err)
		return
	}
	if len(data) < 6+4 {
		r.logger.Warn("key filter truncated", "segment", r.segmentID)
		return
	}

	body, tail := data[:len(data)-4], data[len(data)-4:]
	if utils.ComputeCRC32C(body) != binary.LittleEndian.Uint32(tail) {
		r.logger.Warn("key filter checksum mismatch", "segment", r.segmentID)
		return
	}
	hdr, err := ReadCommonHeader(bytes.NewReader(body))
	if err != nil || ValidateHeader(hdr, common.MagicBloom, common.VersionSegment) != nil {
		r.logger.Warn("key filter header invalid", "segment", r.segmentID)
		return
	}

	r.bloom = filters.UnmarshalBloomFilter(body[6:])
	if r.bloom == nil {
		r.logger.Warn("key filter payload invalid", "segment", r.segmentID)
	}
}

// SegmentID returns the segment's ID.
func (r *Reader) SegmentID() uint64 { return r.segmentID }

// Metadata returns the segment's metadata.
func (r *Reader) Metadata() *Metadata { return r.metadata }

// Bloom returns the loaded key filter, nil when unavailable.
func (r *Reader) Bloom() *filters.BloomFilter { return r.bloom }

// MinKey returns a copy of the smallest key.
func (r *Reader) MinKey() []byte { return append([]byte(nil), r.minKey...) }

// MaxKey returns a copy of the largest key.
func (r *Reader) MaxKey() []byte { return append([]byte(nil), r.maxKey...) }

// RowCount returns the number of keys in the segment.
func (r *Reader) RowCount() uint64 { return r.metadata.Counts.Rows }

// SizeBytes returns the size of the mapped data file.
func (r *Reader) SizeBytes() uint64 { return uint64(len(r.data)) }

// Close unmaps the data file.
func (r *Reader) Close() error {
	if r.mmap == nil {
		return nil
	}
	err := r.mmap.Close()
	r.mmap = nil
	r.data = nil
	return err
}

// Lookup finds the version chain for key. ordinal is the row's position in
// the segment's key order, used to address the delta store. found is false
// when the segment does not contain the key.
func (r *Reader) Lookup(key []byte) (chain []rowset.Version, ordinal uint64, found bool, err error) {
	if len(r.blocks) == 0 {
		return nil, 0, false, nil
	}
	if bytes.Compare(key, r.minKey) < 0 || bytes.Compare(key, r.maxKey) > 0 {
		return nil, 0, false, nil
	}
	if r.bloom != nil && !r.bloom.Contains(key) {
		return nil, 0, false, nil
	}

	// First block whose last key is >= key.
	idx := sort.Search(len(r.blocks), func(i int) bool {
		return bytes.Compare(r.blocks[i].lastKey, key) >= 0
	})
	if idx == len(r.blocks) || bytes.Compare(r.blocks[idx].firstKey, key) > 0 {
		return nil, 0, false, nil
	}

	raw, err := r.loadBlock(idx)
	if err != nil {
		return nil, 0, false, err
	}

	rd := bytes.NewReader(raw)
	for i := uint32(0); i < r.blocks[idx].rows; i++ {
		entryKey, versions, err := decodeRowEntry(rd)
		if err != nil {
			return nil, 0, false, fmt.Errorf("segment %d block %d: %w", r.segmentID, idx, err)
		}
		cmp := bytes.Compare(entryKey, key)
		if cmp == 0 {
			return versions, r.blockOrdinalBase[idx] + uint64(i), true, nil
		}
		if cmp > 0 {
			break
		}
	}
	return nil, 0, false, nil
}

// loadBlock verifies and decompresses block idx.
func (r *Reader) loadBlock(idx int) ([]byte, error) {
	blk := r.blocks[idx]
	end := blk.offset + blockFrameSize + uint64(blk.compLen)
	if end > uint64(len(r.data)) {
		return nil, fmt.Errorf("%w: block %d out of range", common.ErrCorrupt, idx)
	}

	frame := r.data[blk.offset : blk.offset+blockFrameSize]
	rawLen := binary.LittleEndian.Uint32(frame[0:4])
	compLen := binary.LittleEndian.Uint32(frame[4:8])
	crc := binary.LittleEndian.Uint32(frame[8:12])
	if rawLen != blk.rawLen || compLen != blk.compLen {
		return nil, fmt.Errorf("%w: block %d frame disagrees with index", common.ErrCorrupt, idx)
	}

	compressed := r.data[blk.offset+blockFrameSize : end]
	if !utils.VerifyCRC32C(compressed, crc) {
		return nil, fmt.Errorf("%w: block %d", common.ErrCRCMismatch, idx)
	}

	raw, err := decompressBlock(compressed, int(rawLen))
	if err != nil {
		return nil, fmt.Errorf("%w: block %d: %v", common.ErrCorrupt, idx, err)
	}
	if uint32(len(raw)) != rawLen {
		return nil, fmt.Errorf("%w: block %d decompressed to %d bytes, expected %d",
			common.ErrCorrupt, idx, len(raw), rawLen)
	}
	return raw, nil
}

// decodeRowEntry decodes one key + version chain from a block.
func decodeRowEntry(rd *bytes.Reader) ([]byte, []rowset.Version, error) {
	keyLen, err := binary.ReadUvarint(rd)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: row key length: %v", common.ErrCorrupt, err)
	}
	if keyLen > uint64(rd.Len()) {
		return nil, nil, fmt.Errorf("%w: row key length %d exceeds block", common.ErrCorrupt, keyLen)
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(rd, key); err != nil {
		return nil, nil, fmt.Errorf("%w: row key: %v", common.ErrCorrupt, err)
	}
	versions, err := rowset.DecodeVersionChain(rd)
	if err != nil {
		return nil, nil, err
	}
	return key, versions, nil
}

// decodeBlockIndex parses the block index section.
func decodeBlockIndex(data []byte) ([]blockEntry, error) {
	rd := bytes.NewReader(data)
	var count uint32
	if err := binary.Read(rd, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: block count: %v", common.ErrCorrupt, err)
	}

	entries := make([]blockEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e blockEntry
		if err := binary.Read(rd, binary.LittleEndian, &e.offset); err != nil {
			return nil, fmt.Errorf("%w: block %d offset: %v", common.ErrCorrupt, i, err)
		}
		if err := binary.Read(rd, binary.LittleEndian, &e.rawLen); err != nil {
			return nil, fmt.Errorf("%w: block %d raw length: %v", common.ErrCorrupt, i, err)
		}
		if err := binary.Read(rd, binary.LittleEndian, &e.compLen); err != nil {
			return nil, fmt.Errorf("%w: block %d compressed length: %v", common.ErrCorrupt, i, err)
		}
		if err := binary.Read(rd, binary.LittleEndian, &e.rows); err != nil {
			return nil, fmt.Errorf("%w: block %d rows: %v", common.ErrCorrupt, i, err)
		}
		var err error
		if e.firstKey, err = readIndexKey(rd); err != nil {
			return nil, fmt.Errorf("%w: block %d first key: %v", common.ErrCorrupt, i, err)
		}
		if e.lastKey, err = readIndexKey(rd); err != nil {
			return nil, fmt.Errorf("%w: block %d last key: %v", common.ErrCorrupt, i, err)
		}
		entries = append(entries, e)
	}
	if rd.Len() != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes after block index", common.ErrCorrupt, rd.Len())
	}
	return entries, nil
}

// readIndexKey reads a length-prefixed key from the block index.
func readIndexKey(rd *bytes.Reader) ([]byte, error) {
	var n uint32
	if err := binary.Read(rd, binary.LittleEndian, &n); err != nil {
		return nil, err
	}
	if uint64(n) > uint64(rd.Len()) {
		return nil, fmt.Errorf("key length %d exceeds remaining bytes", n)
	}
	key := make([]byte, n)
	if _, err := io.ReadFull(rd, key); err != nil {
		return nil, err
	}
	return key, nil
}
