package common

import (
	"errors"
	"fmt"
	"strconv"
)

// Operation codes for WAL records and prepared row operations.
const (
	OpInsert uint8 = 1
	OpMutate uint8 = 2
	OpDelete uint8 = 3
)

// File format magic numbers (little-endian)
const (
	MagicWAL       uint32 = 0x314C4157 // "WAL1" in little-endian
	MagicSegment   uint32 = 0x31474553 // "SEG1" in little-endian
	MagicBloom     uint32 = 0x4D4F4C42 // "BLOM" in little-endian
	MagicConsensus uint32 = 0x54454D43 // "CMET" in little-endian
)

// File format versions
const (
	VersionWAL       uint16 = 0x0100
	VersionSegment   uint16 = 0x0100
	VersionConsensus uint16 = 0x0100
)

// Size limits
const (
	MaxKeySize         = 1024 * 1024 // 1MB max key size
	RecommendedKeySize = 64 * 1024   // 64KB recommended max
)

// Default configuration values
const (
	DefaultMemtableTargetBytes = 64 * 1024 * 1024  // 64MB
	DefaultMaxSegmentSize      = 512 * 1024 * 1024 // 512MB
	DefaultBlockSize           = 32 * 1024         // 32KB row blocks before compression
	DefaultBloomFPR            = 0.01
	DefaultCompactionThreshold = 4 // input segments before a pass is scheduled
	DefaultParallelism         = 4
)

// WAL tuning
const (
	WALRotateSize  = 128 * 1024 * 1024  // rotate to a fresh file past 128MB
	WALMaxFileSize = 1024 * 1024 * 1024 // hard cap per file
	WALBufferSize  = 256 * 1024         // buffered writer size
)

// Common errors
var (
	ErrClosed             = errors.New("tablet is closed")
	ErrReadOnly           = errors.New("tablet is read-only")
	ErrNotFound           = errors.New("key not found")
	ErrAlreadyPresent     = errors.New("key already present")
	ErrInvalidBounds      = errors.New("segment bounds undeterminable")
	ErrOpConsumed         = errors.New("prepared operation already consumed")
	ErrCorrupt            = errors.New("data corruption detected")
	ErrUnsupportedVersion = errors.New("unsupported file version")
	ErrKeyTooLarge        = errors.New("key exceeds maximum size")
	ErrInvalidMagic       = errors.New("invalid file magic number")
	ErrCRCMismatch        = errors.New("CRC checksum mismatch")
	ErrSegmentNotFound    = errors.New("segment not found")
	ErrDescriptorNotFound = errors.New("tablet descriptor not found")
	ErrWALCorrupted       = errors.New("WAL file corrupted")
	ErrEmptyKey           = errors.New("empty key not allowed")
	ErrAlreadyExists      = errors.New("file already exists")
)

// File paths within the tablet directory
const (
	DirWAL        = "wal"
	DirSegments   = "segments"
	DirMeta       = "meta"
	DirConsensus  = "consensus"
	FileCurrent   = "CURRENT"
	FileConsensus = "META"
)

// Segment file names
const (
	FileSegmentData  = "data.blk"
	FileSegmentBloom = "keys.bf"
	FileSegmentMeta  = "segment.json"
)

// FormatSegmentID renders a segment ID as its zero-padded directory name.
func FormatSegmentID(id uint64) string {
	return fmt.Sprintf("%016d", id)
}

// ParseSegmentID parses a zero-padded segment directory name. ok is false
// for names that are not segment directories.
func ParseSegmentID(name string) (uint64, bool) {
	if len(name) != 16 {
		return 0, false
	}
	id, err := strconv.ParseUint(name, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// Logger is the structured logging interface every component accepts.
// Fields are alternating key/value pairs.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
}

// LogLevel orders message severities for filtering.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)
