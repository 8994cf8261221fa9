package segment

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/internal/filters"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/rowset"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/utils"
)

// BuilderOptions controls segment construction.
type BuilderOptions struct {
	// BlockSize is the uncompressed block size target in bytes.
	BlockSize int

	// BloomFPR is the target false positive rate for the key filter.
	BloomFPR float64

	// ExpectedRows sizes the key filter. An estimate is fine.
	ExpectedRows uint64

	// Parents are the IDs of the segments this one replaces, empty for a
	// flush output.
	Parents []uint64
}

// Builder writes an immutable segment from rows added in ascending key
// order. Full blocks are streamed to disk as they fill; only the block index
// and the key filter stay in memory until Build.
type Builder struct {
	segmentID uint64
	dir       string
	opts      BuilderOptions
	logger    common.Logger

	file *os.File
	off  uint64

	block     bytes.Buffer
	blockRows uint32
	firstKey  []byte
	lastKey   []byte

	index []blockEntry
	bloom *filters.BloomFilter

	minKey    []byte
	maxKey    []byte
	prevKey   []byte
	rows      uint64
	versions  uint64
	live      uint64
	built     bool
	abandoned bool
}

// blockEntry locates one block and its key range within the data file.
type blockEntry struct {
	offset   uint64
	rawLen   uint32
	compLen  uint32
	rows     uint32
	firstKey []byte
	lastKey  []byte
}

// NewBuilder creates a builder writing into dir/<segmentID>/.
func NewBuilder(segmentID uint64, dir string, opts BuilderOptions, logger common.Logger) (*Builder, error) {
	if logger == nil {
		logger = &common.NullLogger{}
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = common.DefaultBlockSize
	}
	if opts.BloomFPR <= 0 || opts.BloomFPR >= 1 {
		opts.BloomFPR = common.DefaultBloomFPR
	}

	segmentDir := filepath.Join(dir, common.FormatSegmentID(segmentID))
	if err := os.MkdirAll(segmentDir, 0o755); err != nil {
		return nil, fmt.Errorf("create segment directory: %w", err)
	}

	f, err := os.Create(filepath.Join(segmentDir, common.FileSegmentData))
	if err != nil {
		return nil, fmt.Errorf("create data file: %w", err)
	}
	if err := WriteDataHeader(f, uint32(opts.BlockSize)); err != nil {
		f.Close()
		return nil, fmt.Errorf("write data header: %w", err)
	}

	return &Builder{
		segmentID: segmentID,
		dir:       segmentDir,
		opts:      opts,
		logger:    logger,
		file:      f,
		off:       dataHeaderSize,
		bloom:     filters.NewBloomFilter(opts.ExpectedRows, opts.BloomFPR),
	}, nil
}

// Dir returns the segment's directory.
func (b *Builder) Dir() string { return b.dir }

// Add appends one row's version chain. Keys must arrive in strictly
// ascending order and chains must be non-empty.
func (b *Builder) Add(key []byte, versions []rowset.Version) error {
	if b.built || b.abandoned {
		return fmt.Errorf("builder for segment %d already finished", b.segmentID)
	}
	if len(versions) == 0 {
		return fmt.Errorf("empty version chain for key %x", key)
	}
	if b.prevKey != nil && bytes.Compare(key, b.prevKey) <= 0 {
		return fmt.Errorf("keys must be strictly ascending: %x after %x", key, b.prevKey)
	}

	keyCopy := append([]byte(nil), key...)
	if b.block.Len() == 0 {
		b.firstKey = keyCopy
	}
	b.lastKey = keyCopy
	b.prevKey = keyCopy
	if b.minKey == nil {
		b.minKey = keyCopy
	}
	b.maxKey = keyCopy

	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], uint64(len(keyCopy)))
	b.block.Write(tmp[:n])
	b.block.Write(keyCopy)
	b.block.Write(rowset.EncodeVersionChain(versions))
	b.blockRows++

	b.bloom.Add(keyCopy)
	b.rows++
	b.versions += uint64(len(versions))
	if rowset.LiveAtLatest(versions) {
		b.live++
	}

	if b.block.Len() >= b.opts.BlockSize {
		return b.flushBlock()
	}
	return nil
}

// flushBlock compresses and writes the pending block and records its index
// entry.
func (b *Builder) flushBlock() error {
	if b.block.Len() == 0 {
		return nil
	}

	raw := b.block.Bytes()
	compressed := compressBlock(raw)

	frame := make([]byte, blockFrameSize)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(len(raw)))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(len(compressed)))
	binary.LittleEndian.PutUint32(frame[8:12], utils.ComputeCRC32C(compressed))
	if _, err := b.file.Write(frame); err != nil {
		return fmt.Errorf("write block frame: %w", err)
	}
	if _, err := b.file.Write(compressed); err != nil {
		return fmt.Errorf("write block: %w", err)
	}

	b.index = append(b.index, blockEntry{
		offset:   b.off,
		rawLen:   uint32(len(raw)),
		compLen:  uint32(len(compressed)),
		rows:     b.blockRows,
		firstKey: b.firstKey,
		lastKey:  b.lastKey,
	})
	b.off += blockFrameSize + uint64(len(compressed))
	b.block.Reset()
	b.blockRows = 0
	b.firstKey = nil
	return nil
}

// Build finalizes the segment: flushes the last block, writes the block
// index, footer, key filter, and metadata, and syncs everything to disk.
func (b *Builder) Build() (*Metadata, error) {
	if b.built || b.abandoned {
		return nil, fmt.Errorf("builder for segment %d already finished", b.segmentID)
	}
	if b.rows == 0 {
		b.Abort()
		return nil, fmt.Errorf("no rows to build segment %d", b.segmentID)
	}

	if err := b.flushBlock(); err != nil {
		b.Abort()
		return nil, err
	}

	indexBytes := encodeBlockIndex(b.index)
	footer := &Footer{
		IndexOffset: b.off,
		IndexLen:    uint64(len(indexBytes)),
		IndexCRC32C: utils.ComputeCRC32C(indexBytes),
		RowCount:    b.rows,
		Magic:       common.MagicSegment,
	}
	if _, err := b.file.Write(indexBytes); err != nil {
		b.Abort()
		return nil, fmt.Errorf("write block index: %w", err)
	}
	if _, err := b.file.Write(encodeFooter(footer)); err != nil {
		b.Abort()
		return nil, fmt.Errorf("write footer: %w", err)
	}
	if err := b.file.Sync(); err != nil {
		b.Abort()
		return nil, fmt.Errorf("sync data file: %w", err)
	}
	if err := b.file.Close(); err != nil {
		b.file = nil
		b.Abort()
		return nil, fmt.Errorf("close data file: %w", err)
	}
	b.file = nil

	bloomPath := filepath.Join(b.dir, common.FileSegmentBloom)
	if err := writeBloomFile(bloomPath, b.bloom); err != nil {
		b.Abort()
		return nil, fmt.Errorf("write key filter: %w", err)
	}

	metadata := NewMetadata(b.segmentID)
	metadata.SetKeyRange(b.minKey, b.maxKey)
	metadata.BlockSize = uint32(b.opts.BlockSize)
	metadata.Counts = Counts{
		Rows:     b.rows,
		Versions: b.versions,
		Live:     b.live,
		Blocks:   uint64(len(b.index)),
	}
	metadata.Filters.KeyBloom = &BloomFilterInfo{
		Bits: uint64(b.bloom.SizeInBytes()) * 8,
		K:    b.bloom.NumHashes(),
		FPR:  b.opts.BloomFPR,
	}
	metadata.Parents = b.opts.Parents

	metadata.Blake3 = map[string]string{}
	dataPath := filepath.Join(b.dir, common.FileSegmentData)
	if h, err := utils.ComputeBLAKE3File(dataPath); err == nil {
		metadata.Blake3[common.FileSegmentData] = h
	}
	if h, err := utils.ComputeBLAKE3File(bloomPath); err == nil {
		metadata.Blake3[common.FileSegmentBloom] = h
	}

	if err := metadata.Save(filepath.Join(b.dir, common.FileSegmentMeta)); err != nil {
		b.Abort()
		return nil, fmt.Errorf("save metadata: %w", err)
	}
	if err := utils.SyncDir(b.dir); err != nil {
		b.Abort()
		return nil, fmt.Errorf("sync segment directory: %w", err)
	}

	b.built = true
	b.logger.Info("segment built",
		"id", b.segmentID,
		"rows", b.rows,
		"versions", b.versions,
		"blocks", len(b.index),
		"bytes", b.off+uint64(len(indexBytes))+footerSize,
	)
	return metadata, nil
}

// Abort discards the partially written segment. Safe to call after a failed
// Add or Build; a no-op once Build succeeded.
func (b *Builder) Abort() {
	if b.built || b.abandoned {
		return
	}
	b.abandoned = true
	if b.file != nil {
		b.file.Close()
		b.file = nil
	}
	if err := os.RemoveAll(b.dir); err != nil {
		b.logger.Warn("failed to remove aborted segment directory", "dir", b.dir, "error", err)
	}
}

// encodeBlockIndex serializes block index entries.
func encodeBlockIndex(entries []blockEntry) []byte {
	var buf bytes.Buffer
	var tmp [8]byte

	binary.LittleEndian.PutUint32(tmp[:4], uint32(len(entries)))
	buf.Write(tmp[:4])
	for _, e := range entries {
		binary.LittleEndian.PutUint64(tmp[:8], e.offset)
		buf.Write(tmp[:8])
		binary.LittleEndian.PutUint32(tmp[:4], e.rawLen)
		buf.Write(tmp[:4])
		binary.LittleEndian.PutUint32(tmp[:4], e.compLen)
		buf.Write(tmp[:4])
		binary.LittleEndian.PutUint32(tmp[:4], e.rows)
		buf.Write(tmp[:4])
		binary.LittleEndian.PutUint32(tmp[:4], uint32(len(e.firstKey)))
		buf.Write(tmp[:4])
		buf.Write(e.firstKey)
		binary.LittleEndian.PutUint32(tmp[:4], uint32(len(e.lastKey)))
		buf.Write(tmp[:4])
		buf.Write(e.lastKey)
	}
	return buf.Bytes()
}

// writeBloomFile writes the key filter with a common header and a trailing
// CRC32C over everything before it.
func writeBloomFile(path string, bloom *filters.BloomFilter) error {
	var buf bytes.Buffer
	if err := WriteCommonHeader(&buf, common.MagicBloom, common.VersionSegment); err != nil {
		return err
	}
	buf.Write(bloom.Marshal())

	var crc [4]byte
	binary.LittleEndian.PutUint32(crc[:], utils.ComputeCRC32C(buf.Bytes()))
	buf.Write(crc[:])

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
