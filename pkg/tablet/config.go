package tablet

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// OptionsFile is the YAML form of Options. Absent fields keep the base
// value, so a file only has to name what it changes. Callbacks and the
// logger are code-only and have no file form.
type OptionsFile struct {
	ReadOnly                    *bool    `yaml:"readOnly"`
	VerifyChecksumsOnOpen       *bool    `yaml:"verifyChecksumsOnOpen"`
	MemtableTargetBytes         *int64   `yaml:"memtableTargetBytes"`
	BlockSize                   *int     `yaml:"blockSize"`
	BloomFPR                    *float64 `yaml:"bloomFPR"`
	CompactionThreshold         *int     `yaml:"compactionThreshold"`
	CompactionRateLimitBytes    *int64   `yaml:"compactionRateLimitBytes"`
	DisableAutoFlush            *bool    `yaml:"disableAutoFlush"`
	DisableBackgroundCompaction *bool    `yaml:"disableBackgroundCompaction"`
	DisableFlushOnClose         *bool    `yaml:"disableFlushOnClose"`
	Parallelism                 *int     `yaml:"parallelism"`
	WALSyncOnEveryWrite         *bool    `yaml:"walSyncOnEveryWrite"`
	WALFlushEveryBytes          *int     `yaml:"walFlushEveryBytes"`
	WALRotateSize               *int64   `yaml:"walRotateSize"`
	WALBufferSize               *int     `yaml:"walBufferSize"`
	PeerID                      *uint64  `yaml:"peerID"`
	Voters                      []uint64 `yaml:"voters"`
}

// LoadOptionsFile reads a YAML options file and applies it over base. A
// nil base starts from DefaultOptions. The base is not modified.
func LoadOptionsFile(path string, base *Options) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options file: %w", err)
	}
	var f OptionsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse options file %s: %w", path, err)
	}

	var opts Options
	if base != nil {
		opts = *base
	} else {
		opts = *DefaultOptions()
	}

	if f.ReadOnly != nil {
		opts.ReadOnly = *f.ReadOnly
	}
	if f.VerifyChecksumsOnOpen != nil {
		opts.VerifyChecksumsOnOpen = *f.VerifyChecksumsOnOpen
	}
	if f.MemtableTargetBytes != nil {
		opts.MemtableTargetBytes = *f.MemtableTargetBytes
	}
	if f.BlockSize != nil {
		opts.BlockSize = *f.BlockSize
	}
	if f.BloomFPR != nil {
		opts.BloomFPR = *f.BloomFPR
	}
	if f.CompactionThreshold != nil {
		opts.CompactionThreshold = *f.CompactionThreshold
	}
	if f.CompactionRateLimitBytes != nil {
		opts.CompactionRateLimitBytes = *f.CompactionRateLimitBytes
	}
	if f.DisableAutoFlush != nil {
		opts.DisableAutoFlush = *f.DisableAutoFlush
	}
	if f.DisableBackgroundCompaction != nil {
		opts.DisableBackgroundCompaction = *f.DisableBackgroundCompaction
	}
	if f.DisableFlushOnClose != nil {
		opts.DisableFlushOnClose = *f.DisableFlushOnClose
	}
	if f.Parallelism != nil {
		opts.Parallelism = *f.Parallelism
	}
	if f.WALSyncOnEveryWrite != nil {
		opts.WALSyncOnEveryWrite = *f.WALSyncOnEveryWrite
	}
	if f.WALFlushEveryBytes != nil {
		opts.WALFlushEveryBytes = *f.WALFlushEveryBytes
	}
	if f.WALRotateSize != nil {
		opts.WALRotateSize = *f.WALRotateSize
	}
	if f.WALBufferSize != nil {
		opts.WALBufferSize = *f.WALBufferSize
	}
	if f.PeerID != nil {
		opts.PeerID = *f.PeerID
	}
	if f.Voters != nil {
		opts.Voters = append([]uint64(nil), f.Voters...)
	}
	return &opts, nil
}
