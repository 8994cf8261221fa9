package segment

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/utils"
)

const (
	metadataFormat  = "tablet-segment"
	metadataVersion = "1.0.0"
)

// Metadata describes an immutable segment, stored as segment.json next to
// the data files.
type Metadata struct {
	Format        string            `json:"format"`
	Version       string            `json:"version"`
	SegmentID     uint64            `json:"segmentID"`
	MinKeyHex     string            `json:"minKeyHex"`
	MaxKeyHex     string            `json:"maxKeyHex"`
	Counts        Counts            `json:"counts"`
	Compression   string            `json:"compression"`
	BlockSize     uint32            `json:"blockSize"`
	Filters       Filters           `json:"filters"`
	Files         Files             `json:"files"`
	CreatedAtUnix int64             `json:"createdAtUnix"`
	Parents       []uint64          `json:"parents,omitempty"`
	Blake3        map[string]string `json:"blake3,omitempty"`
}

// Counts contains row and block counts.
type Counts struct {
	Rows     uint64 `json:"rows"`
	Versions uint64 `json:"versions"`
	Live     uint64 `json:"live"`
	Blocks   uint64 `json:"blocks"`
}

// Filters describes filter configurations.
type Filters struct {
	KeyBloom *BloomFilterInfo `json:"keyBloom,omitempty"`
}

// BloomFilterInfo records the key bloom filter's shape.
type BloomFilterInfo struct {
	Bits uint64  `json:"bits"`
	K    uint32  `json:"k"`
	FPR  float64 `json:"fpr"`
}

// Files lists the segment's files.
type Files struct {
	Data  string `json:"data"`
	Bloom string `json:"bloom"`
}

// NewMetadata creates metadata for a fresh segment.
func NewMetadata(segmentID uint64) *Metadata {
	return &Metadata{
		Format:        metadataFormat,
		Version:       metadataVersion,
		SegmentID:     segmentID,
		Compression:   "zstd",
		CreatedAtUnix: time.Now().Unix(),
		Files: Files{
			Data:  common.FileSegmentData,
			Bloom: common.FileSegmentBloom,
		},
	}
}

// SetKeyRange records the segment's key bounds as hex.
func (m *Metadata) SetKeyRange(minKey, maxKey []byte) {
	m.MinKeyHex = hex.EncodeToString(minKey)
	m.MaxKeyHex = hex.EncodeToString(maxKey)
}

// MinKey decodes the lower key bound.
func (m *Metadata) MinKey() ([]byte, error) {
	return hex.DecodeString(m.MinKeyHex)
}

// MaxKey decodes the upper key bound.
func (m *Metadata) MaxKey() ([]byte, error) {
	return hex.DecodeString(m.MaxKeyHex)
}

// Save writes the metadata to path atomically.
func (m *Metadata) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal segment metadata: %w", err)
	}
	af, err := utils.NewAtomicFile(path)
	if err != nil {
		return err
	}
	defer af.Close()
	if _, err := af.Write(data); err != nil {
		return err
	}
	return af.Commit()
}

// LoadMetadata reads and validates segment metadata from path.
func LoadMetadata(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse segment metadata: %w", err)
	}
	if m.Format != metadataFormat {
		return nil, fmt.Errorf("unexpected segment metadata format %q", m.Format)
	}
	return &m, nil
}
