// Package wal implements the tablet write-ahead log. Every insert, mutate,
// and delete is framed and appended here before it touches the memtable, so
// a crash loses nothing past the last sync. Files are numbered by the first
// record sequence they hold; replay streams records above a caller-supplied
// sequence and pruning removes files wholly covered by flushed data.
package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/utils"
)

const headerSize = 14

// WAL is a write-ahead log over numbered files in one directory.
type WAL struct {
	mu          sync.Mutex
	dir         string
	currentFile *os.File
	currentPath string
	writer      *bufio.Writer
	currentBase uint64
	currentSize int64
	nextSeq     uint64
	rotateSize  int64
	bufferSize  int
	logger      common.Logger
	closed      bool

	syncOnEveryWrite    bool
	flushEveryBytes     int
	bytesSinceLastFlush int

	encodeBuf []byte
}

// Config controls WAL sizing and durability.
type Config struct {
	RotateSize int64
	BufferSize int
	// SyncOnEveryWrite makes every append fsync before returning.
	SyncOnEveryWrite bool
	// FlushEveryBytes pushes the buffer to the OS after this many bytes;
	// 0 leaves flushing to rotation and explicit Sync calls.
	FlushEveryBytes int
}

// Record is one logged operation.
type Record struct {
	Seq     uint64
	Txn     uint64
	Op      uint8
	Key     []byte
	Payload []byte
}

// Entry is an operation to append; the WAL assigns its sequence.
type Entry struct {
	Txn     uint64
	Op      uint8
	Key     []byte
	Payload []byte
}

// New creates a WAL with default configuration.
func New(dir string, logger common.Logger) (*WAL, error) {
	return NewWithConfig(dir, logger, Config{})
}

// NewWithConfig creates a WAL, recovering the sequence counter from any
// existing files. A corrupt tail in the newest file is truncated; a file
// with an unreadable header is quarantined.
func NewWithConfig(dir string, logger common.Logger, cfg Config) (*WAL, error) {
	if err := utils.CreateDirIfNotExists(dir); err != nil {
		return nil, fmt.Errorf("create WAL directory: %w", err)
	}
	if logger == nil {
		logger = common.NewNullLogger()
	}
	if cfg.RotateSize <= 0 {
		cfg.RotateSize = common.WALRotateSize
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = int(common.WALBufferSize)
	}

	w := &WAL{
		dir:              dir,
		rotateSize:       cfg.RotateSize,
		bufferSize:       cfg.BufferSize,
		syncOnEveryWrite: cfg.SyncOnEveryWrite,
		flushEveryBytes:  cfg.FlushEveryBytes,
		logger:           logger,
		nextSeq:          1,
	}

	if err := w.openOrCreateFile(); err != nil {
		return nil, err
	}
	return w, nil
}

// openOrCreateFile resumes the newest usable WAL file or creates the first
// one.
func (w *WAL) openOrCreateFile() error {
	for {
		files, err := listFiles(w.dir)
		if err != nil {
			return fmt.Errorf("list WAL files: %w", err)
		}
		if len(files) == 0 {
			return w.createNewFile(w.nextSeq)
		}

		latest := files[len(files)-1]
		err = w.resumeFile(latest)
		if err == nil {
			return nil
		}
		if errors.Is(err, errBadHeader) {
			// The file's records are unreadable; set it aside and try the
			// one before it.
			w.logger.Warn("quarantining WAL file with unreadable header", "path", latest)
			if qerr := utils.QuarantineFile(latest); qerr != nil {
				return fmt.Errorf("quarantine WAL file: %w", qerr)
			}
			continue
		}
		return err
	}
}

var errBadHeader = errors.New("bad WAL header")

// resumeFile scans path, truncates any corrupt tail, and reopens it for
// appending with the sequence counter set past the last valid record.
func (w *WAL) resumeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open WAL file: %w", err)
	}

	if err := readHeader(f); err != nil {
		f.Close()
		return fmt.Errorf("%w: %s: %v", errBadHeader, path, err)
	}

	base := extractSequence(path)
	lastSeq := base - 1
	offset := int64(headerSize)
	validOffset := offset
	records := 0

	reader := bufio.NewReaderSize(f, 1<<20)
	for {
		rec, size, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			w.logger.Warn("truncating WAL file at corrupt record",
				"path", path, "offset", validOffset, "error", err)
			break
		}
		offset += int64(size)
		validOffset = offset
		lastSeq = rec.Seq
		records++
	}
	f.Close()

	if err := os.Truncate(path, validOffset); err != nil {
		return fmt.Errorf("truncate WAL file: %w", err)
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen WAL file: %w", err)
	}

	w.currentFile = file
	w.currentPath = path
	w.currentBase = base
	w.currentSize = validOffset
	w.nextSeq = lastSeq + 1
	w.writer = bufio.NewWriterSize(file, w.bufferSize)

	w.logger.Info("resumed WAL file",
		"path", path, "records", records, "nextSeq", w.nextSeq)
	return nil
}

// createNewFile starts a fresh WAL file whose name is the sequence its
// first record will carry.
func (w *WAL) createNewFile(base uint64) error {
	path := filepath.Join(w.dir, fmt.Sprintf("%016d.log", base))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("create WAL file: %w", err)
	}

	var hdr [headerSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], common.MagicWAL)
	binary.LittleEndian.PutUint16(hdr[4:6], common.VersionWAL)
	binary.LittleEndian.PutUint64(hdr[6:14], uint64(time.Now().Unix()))
	if _, err := file.Write(hdr[:]); err != nil {
		file.Close()
		os.Remove(path)
		return fmt.Errorf("write WAL header: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("sync WAL file: %w", err)
	}

	w.currentFile = file
	w.currentPath = path
	w.currentBase = base
	w.currentSize = headerSize
	w.writer = bufio.NewWriterSize(file, w.bufferSize)

	w.logger.Info("created new WAL file", "path", path, "base", base)
	return nil
}

// Append logs one operation and returns its assigned sequence.
func (w *WAL) Append(e Entry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, common.ErrClosed
	}
	if len(e.Key) > common.MaxKeySize {
		return 0, common.ErrKeyTooLarge
	}

	seq := w.nextSeq
	w.encodeBuf = appendRecord(w.encodeBuf[:0], seq, e)
	if err := w.writeEncoded(len(w.encodeBuf)); err != nil {
		return 0, err
	}
	w.nextSeq = seq + 1
	return seq, nil
}

// AppendBatch logs a batch of operations with consecutive sequences and
// returns the last one. The batch reaches disk together: either every
// record is written or the batch fails before any sequence is consumed.
func (w *WAL) AppendBatch(entries []Entry) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, common.ErrClosed
	}
	if len(entries) == 0 {
		return w.nextSeq - 1, nil
	}

	w.encodeBuf = w.encodeBuf[:0]
	seq := w.nextSeq
	for _, e := range entries {
		if len(e.Key) > common.MaxKeySize {
			return 0, common.ErrKeyTooLarge
		}
		w.encodeBuf = appendRecord(w.encodeBuf, seq, e)
		seq++
	}
	if err := w.writeEncoded(len(w.encodeBuf)); err != nil {
		return 0, err
	}
	w.nextSeq = seq
	return seq - 1, nil
}

// writeEncoded writes w.encodeBuf[:n] honoring rotation and the durability
// policy. Caller holds w.mu.
func (w *WAL) writeEncoded(n int) error {
	if w.currentSize+int64(n) > w.rotateSize && w.currentSize > headerSize {
		if err := w.rotate(); err != nil {
			return fmt.Errorf("rotate WAL: %w", err)
		}
	}

	if _, err := w.writer.Write(w.encodeBuf[:n]); err != nil {
		return fmt.Errorf("write WAL record: %w", err)
	}
	w.currentSize += int64(n)
	w.bytesSinceLastFlush += n

	if w.flushEveryBytes > 0 && w.bytesSinceLastFlush >= w.flushEveryBytes {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("flush WAL buffer: %w", err)
		}
		w.bytesSinceLastFlush = 0
	}
	if w.syncOnEveryWrite {
		if err := w.writer.Flush(); err != nil {
			return fmt.Errorf("flush WAL buffer before sync: %w", err)
		}
		w.bytesSinceLastFlush = 0
		if err := w.currentFile.Sync(); err != nil {
			return fmt.Errorf("sync WAL file: %w", err)
		}
	}
	return nil
}

// Flush pushes buffered records to the OS without fsync.
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return common.ErrClosed
	}
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush WAL buffer: %w", err)
	}
	w.bytesSinceLastFlush = 0
	return nil
}

// Sync makes all appended records durable.
func (w *WAL) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return common.ErrClosed
	}
	return w.syncLocked()
}

func (w *WAL) syncLocked() error {
	if err := w.writer.Flush(); err != nil {
		return fmt.Errorf("flush WAL buffer: %w", err)
	}
	w.bytesSinceLastFlush = 0
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("sync WAL file: %w", err)
	}
	return nil
}

// rotate seals the current file and starts a new one. Caller holds w.mu.
func (w *WAL) rotate() error {
	if err := w.syncLocked(); err != nil {
		return err
	}
	w.currentFile.Close()

	oldBase := w.currentBase
	if err := w.createNewFile(w.nextSeq); err != nil {
		// Fall back to the sealed file so appends can continue.
		if rerr := w.resumeFile(w.currentPath); rerr != nil {
			return fmt.Errorf("create new WAL file: %w (and resume failed: %v)", err, rerr)
		}
		return fmt.Errorf("create new WAL file: %w", err)
	}

	w.logger.Info("rotated WAL file", "oldBase", oldBase, "newBase", w.currentBase)
	return nil
}

// Rotate seals the current WAL file and starts a new one.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return common.ErrClosed
	}
	return w.rotate()
}

// LastSeq returns the sequence of the most recently appended record, 0 when
// nothing has been logged.
func (w *WAL) LastSeq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.nextSeq - 1
}

// Close flushes, syncs, and closes the WAL.
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.writer != nil {
		w.writer.Flush()
	}
	if w.currentFile != nil {
		w.currentFile.Sync()
		w.currentFile.Close()
	}
	return nil
}

// Replay streams every record with Seq > from to handler, oldest first. A
// corrupt tail is truncated so appends continue from clean state; replay of
// the remaining files goes on.
func (w *WAL) Replay(from uint64, handler func(Record) error) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	files, err := listFiles(w.dir)
	if err != nil {
		return fmt.Errorf("list WAL files: %w", err)
	}

	for i, path := range files {
		// A file is wholly below the floor when its successor starts at or
		// below from+1.
		if i+1 < len(files) && extractSequence(files[i+1]) <= from+1 {
			continue
		}
		if err := w.replayFile(path, from, handler); err != nil {
			return err
		}
	}
	return nil
}

func (w *WAL) replayFile(path string, from uint64, handler func(Record) error) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open WAL file: %w", err)
	}
	defer f.Close()

	if err := readHeader(f); err != nil {
		w.logger.Warn("quarantining WAL file with unreadable header", "path", path, "error", err)
		f.Close()
		if qerr := utils.QuarantineFile(path); qerr != nil {
			w.logger.Error("failed to quarantine WAL file", "path", path, "error", qerr)
		}
		return nil
	}

	offset := int64(headerSize)
	validOffset := offset
	records := 0

	reader := bufio.NewReaderSize(f, 1<<20)
	for {
		rec, size, err := readRecord(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			w.logger.Warn("truncating WAL file at corrupt record",
				"path", path, "offset", validOffset, "error", err)
			f.Close()
			if terr := os.Truncate(path, validOffset); terr != nil {
				w.logger.Error("failed to truncate WAL file", "path", path, "error", terr)
			}
			break
		}
		offset += int64(size)
		validOffset = offset

		if rec.Seq > from {
			if herr := handler(rec); herr != nil {
				return fmt.Errorf("replay handler: %w", herr)
			}
			records++
		}
	}

	w.logger.Info("replayed WAL file", "path", path, "records", records)
	return nil
}

// Prune removes files whose records are all at or below upTo. The active
// file always survives.
func (w *WAL) Prune(upTo uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	files, err := listFiles(w.dir)
	if err != nil {
		return fmt.Errorf("list WAL files: %w", err)
	}

	deleted := 0
	for i, path := range files {
		if i+1 >= len(files) {
			break
		}
		if extractSequence(files[i+1]) > upTo+1 {
			break
		}
		if err := os.Remove(path); err != nil {
			w.logger.Warn("failed to prune WAL file", "path", path, "error", err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		w.logger.Info("pruned WAL files", "deleted", deleted, "upTo", upTo)
	}
	return nil
}

// ReplayDir streams records with Seq > from without opening the WAL for
// writing: nothing is truncated or quarantined. Used by offline tooling.
func ReplayDir(dir string, from uint64, logger common.Logger, handler func(Record) error) error {
	if logger == nil {
		logger = common.NewNullLogger()
	}
	files, err := listFiles(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("list WAL files: %w", err)
	}

	for i, path := range files {
		if i+1 < len(files) && extractSequence(files[i+1]) <= from+1 {
			continue
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open WAL file: %w", err)
		}
		if err := readHeader(f); err != nil {
			logger.Warn("skipping WAL file with unreadable header", "path", path, "error", err)
			f.Close()
			continue
		}
		reader := bufio.NewReaderSize(f, 1<<20)
		for {
			rec, _, rerr := readRecord(reader)
			if errors.Is(rerr, io.EOF) {
				break
			}
			if rerr != nil {
				logger.Warn("stopping replay at corrupt record", "path", path, "error", rerr)
				break
			}
			if rec.Seq > from {
				if herr := handler(rec); herr != nil {
					f.Close()
					return fmt.Errorf("replay handler: %w", herr)
				}
			}
		}
		f.Close()
	}
	return nil
}

// listFiles returns WAL file paths sorted by base sequence, skipping
// quarantined files.
func listFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".log") {
			continue
		}
		if strings.Contains(name, ".corrupt") {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Slice(files, func(i, j int) bool {
		return extractSequence(files[i]) < extractSequence(files[j])
	})
	return files, nil
}

// extractSequence parses the base sequence out of a WAL filename.
func extractSequence(path string) uint64 {
	base := filepath.Base(path)
	name, _, ok := strings.Cut(base, ".")
	if !ok {
		return 0
	}
	seq, _ := strconv.ParseUint(name, 10, 64)
	return seq
}

// readHeader validates the fixed file header.
func readHeader(f *os.File) error {
	var buf [headerSize]byte
	if _, err := io.ReadFull(f, buf[:]); err != nil {
		return err
	}
	magic := binary.LittleEndian.Uint32(buf[0:4])
	if magic != common.MagicWAL {
		return fmt.Errorf("%w: got 0x%08x, expected 0x%08x", common.ErrInvalidMagic, magic, common.MagicWAL)
	}
	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != common.VersionWAL {
		return fmt.Errorf("%w: got 0x%04x, expected 0x%04x", common.ErrUnsupportedVersion, version, common.VersionWAL)
	}
	return nil
}

// appendRecord encodes one record onto buf: uvarint seq, txn, op, key and
// payload with length prefixes, then CRC32C over the record bytes.
func appendRecord(buf []byte, seq uint64, e Entry) []byte {
	start := len(buf)
	buf = binary.AppendUvarint(buf, seq)
	buf = binary.AppendUvarint(buf, e.Txn)
	buf = binary.AppendUvarint(buf, uint64(e.Op))
	buf = binary.AppendUvarint(buf, uint64(len(e.Key)))
	buf = append(buf, e.Key...)
	buf = binary.AppendUvarint(buf, uint64(len(e.Payload)))
	buf = append(buf, e.Payload...)
	crc := utils.ComputeCRC32C(buf[start:])
	return binary.LittleEndian.AppendUint32(buf, crc)
}

// readRecord decodes one record, verifying its checksum. Returns the number
// of bytes consumed.
func readRecord(reader *bufio.Reader) (Record, int, error) {
	seq, err := binary.ReadUvarint(reader)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, 0, io.EOF
		}
		return Record{}, 0, fmt.Errorf("read seq: %w", err)
	}
	txn, err := binary.ReadUvarint(reader)
	if err != nil {
		return Record{}, 0, fmt.Errorf("read txn: %w", err)
	}
	op, err := binary.ReadUvarint(reader)
	if err != nil {
		return Record{}, 0, fmt.Errorf("read op: %w", err)
	}
	keyLen, err := binary.ReadUvarint(reader)
	if err != nil {
		return Record{}, 0, fmt.Errorf("read key length: %w", err)
	}
	if keyLen > uint64(common.MaxKeySize) {
		return Record{}, 0, fmt.Errorf("key length %d exceeds maximum", keyLen)
	}
	key := make([]byte, keyLen)
	if _, err := io.ReadFull(reader, key); err != nil {
		return Record{}, 0, fmt.Errorf("read key: %w", err)
	}
	payloadLen, err := binary.ReadUvarint(reader)
	if err != nil {
		return Record{}, 0, fmt.Errorf("read payload length: %w", err)
	}
	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(reader, payload); err != nil {
		return Record{}, 0, fmt.Errorf("read payload: %w", err)
	}
	var crcBuf [4]byte
	if _, err := io.ReadFull(reader, crcBuf[:]); err != nil {
		return Record{}, 0, fmt.Errorf("read CRC: %w", err)
	}
	expectedCRC := binary.LittleEndian.Uint32(crcBuf[:])

	// Rebuild the canonical encoding to verify the checksum.
	var img bytes.Buffer
	var tmp [binary.MaxVarintLen64]byte
	for _, v := range []uint64{seq, txn, op, keyLen} {
		n := binary.PutUvarint(tmp[:], v)
		img.Write(tmp[:n])
	}
	img.Write(key)
	n := binary.PutUvarint(tmp[:], payloadLen)
	img.Write(tmp[:n])
	img.Write(payload)

	if utils.ComputeCRC32C(img.Bytes()) != expectedCRC {
		return Record{}, 0, common.ErrCRCMismatch
	}

	return Record{
		Seq:     seq,
		Txn:     txn,
		Op:      uint8(op),
		Key:     key,
		Payload: payload,
	}, img.Len() + 4, nil
}
