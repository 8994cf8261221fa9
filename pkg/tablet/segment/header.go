package segment

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/CVDpl/go-live-tablet/internal/common"
)

// CommonHeader opens every segment file.
type CommonHeader struct {
	Magic   uint32
	Version uint16
}

// DataHeader opens the row data file. Blocks follow immediately; the block
// index and footer sit at the end so the file is written in one pass.
type DataHeader struct {
	CommonHeader
	BlockSize   uint32
	Compression uint32 // zstd = 1
}

// dataHeaderSize is the encoded size of DataHeader.
const dataHeaderSize = 6 + 4 + 4

// CompressionZstd is the only compression scheme currently written.
const CompressionZstd = 1

// Footer closes the row data file.
type Footer struct {
	IndexOffset uint64
	IndexLen    uint64
	IndexCRC32C uint32
	RowCount    uint64
	Magic       uint32
}

// footerSize is the encoded size of Footer.
const footerSize = 8 + 8 + 4 + 8 + 4

// blockFrameSize is the per-block frame header: raw length, compressed
// length, CRC32C of the compressed payload.
const blockFrameSize = 4 + 4 + 4

// WriteCommonHeader writes a common header.
func WriteCommonHeader(w io.Writer, magic uint32, version uint16) error {
	if err := binary.Write(w, binary.LittleEndian, magic); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, version)
}

// ReadCommonHeader reads a common header.
func ReadCommonHeader(r io.Reader) (*CommonHeader, error) {
	var h CommonHeader
	if err := binary.Read(r, binary.LittleEndian, &h.Magic); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Version); err != nil {
		return nil, err
	}
	return &h, nil
}

// ValidateHeader checks magic and version.
func ValidateHeader(h *CommonHeader, expectedMagic uint32, expectedVersion uint16) error {
	if h.Magic != expectedMagic {
		return fmt.Errorf("%w: got 0x%08x, expected 0x%08x",
			common.ErrInvalidMagic, h.Magic, expectedMagic)
	}
	if h.Version != expectedVersion {
		return fmt.Errorf("%w: got 0x%04x, expected 0x%04x",
			common.ErrUnsupportedVersion, h.Version, expectedVersion)
	}
	return nil
}

// WriteDataHeader writes the row data file header.
func WriteDataHeader(w io.Writer, blockSize uint32) error {
	if err := WriteCommonHeader(w, common.MagicSegment, common.VersionSegment); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, blockSize); err != nil {
		return err
	}
	return binary.Write(w, binary.LittleEndian, uint32(CompressionZstd))
}

// ReadDataHeader reads and validates the row data file header.
func ReadDataHeader(r io.Reader) (*DataHeader, error) {
	commonHdr, err := ReadCommonHeader(r)
	if err != nil {
		return nil, err
	}
	if err := ValidateHeader(commonHdr, common.MagicSegment, common.VersionSegment); err != nil {
		return nil, err
	}

	h := &DataHeader{CommonHeader: *commonHdr}
	if err := binary.Read(r, binary.LittleEndian, &h.BlockSize); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &h.Compression); err != nil {
		return nil, err
	}
	if h.Compression != CompressionZstd {
		return nil, fmt.Errorf("%w: compression scheme %d", common.ErrUnsupportedVersion, h.Compression)
	}
	return h, nil
}

// encodeFooter encodes the footer into a fixed-size buffer.
func encodeFooter(f *Footer) []byte {
	buf := make([]byte, footerSize)
	binary.LittleEndian.PutUint64(buf[0:8], f.IndexOffset)
	binary.LittleEndian.PutUint64(buf[8:16], f.IndexLen)
	binary.LittleEndian.PutUint32(buf[16:20], f.IndexCRC32C)
	binary.LittleEndian.PutUint64(buf[20:28], f.RowCount)
	binary.LittleEndian.PutUint32(buf[28:32], f.Magic)
	return buf
}

// decodeFooter decodes a footer, validating its magic.
func decodeFooter(buf []byte) (*Footer, error) {
	if len(buf) != footerSize {
		return nil, fmt.Errorf("%w: footer size %d", common.ErrCorrupt, len(buf))
	}
	f := &Footer{
		IndexOffset: binary.LittleEndian.Uint64(buf[0:8]),
		IndexLen:    binary.LittleEndian.Uint64(buf[8:16]),
		IndexCRC32C: binary.LittleEndian.Uint32(buf[16:20]),
		RowCount:    binary.LittleEndian.Uint64(buf[20:28]),
		Magic:       binary.LittleEndian.Uint32(buf[28:32]),
	}
	if f.Magic != common.MagicSegment {
		return nil, fmt.Errorf("%w: footer magic 0x%08x", common.ErrInvalidMagic, f.Magic)
	}
	return f, nil
}
