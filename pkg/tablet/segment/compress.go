package segment

import "github.com/klauspost/compress/zstd"

// Shared zstd coders; EncodeAll/DecodeAll are safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	zstdEncoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	zstdDecoder, _ = zstd.NewReader(nil)
}

func compressBlock(raw []byte) []byte {
	return zstdEncoder.EncodeAll(raw, nil)
}

func decompressBlock(compressed []byte, rawLen int) ([]byte, error) {
	return zstdDecoder.DecodeAll(compressed, make([]byte, 0, rawLen))
}
