// Package filters provides the probabilistic key filters attached to
// immutable segments.
package filters

import (
	"encoding/binary"
	"math"
	"math/bits"
)

// BloomFilter answers approximate key-membership queries. False positives
// occur at the configured rate; false negatives never. The filter is written
// once by a segment builder and then probed concurrently by readers, so
// hashing is stateless.
type BloomFilter struct {
	bits    []uint64
	numBits uint64
	numHash uint32
}

// NewBloomFilter sizes a filter for the expected number of keys and target
// false positive rate.
func NewBloomFilter(numElements uint64, falsePositiveRate float64) *BloomFilter {
	if numElements == 0 {
		numElements = 1
	}

	// m = -n * ln(p) / ln(2)^2, rounded up to whole words.
	m := uint64(math.Ceil(-float64(numElements) * math.Log(falsePositiveRate) / math.Pow(math.Ln2, 2)))
	m = ((m + 63) / 64) * 64

	// k = (m/n) * ln(2)
	k := uint32(math.Ceil(float64(m) / float64(numElements) * math.Ln2))
	if k < 1 {
		k = 1
	}
	if k > 10 {
		k = 10
	}

	return &BloomFilter{
		bits:    make([]uint64, m/64),
		numBits: m,
		numHash: k,
	}
}

// Add records a key in the filter.
func (bf *BloomFilter) Add(key []byte) {
	h1, h2 := hashKey(key)
	for i := uint32(0); i < bf.numHash; i++ {
		pos := (h1 + uint64(i)*h2) % bf.numBits
		bf.bits[pos/64] |= uint64(1) << (pos % 64)
	}
}

// Contains reports whether the key might have been added. Safe for
// concurrent use once the filter is sealed.
func (bf *BloomFilter) Contains(key []byte) bool {
	if bf.numBits == 0 {
		return false
	}
	h1, h2 := hashKey(key)
	for i := uint32(0); i < bf.numHash; i++ {
		pos := (h1 + uint64(i)*h2) % bf.numBits
		if bf.bits[pos/64]&(uint64(1)<<(pos%64)) == 0 {
			return false
		}
	}
	return true
}

// SizeInBytes returns the size of the bit array.
func (bf *BloomFilter) SizeInBytes() int {
	return len(bf.bits) * 8
}

// NumHashes returns the number of hash functions.
func (bf *BloomFilter) NumHashes() uint32 {
	return bf.numHash
}

// EstimateFalsePositiveRate estimates the current false positive rate from
// the fill ratio.
func (bf *BloomFilter) EstimateFalsePositiveRate() float64 {
	setBits := 0
	for _, word := range bf.bits {
		setBits += bits.OnesCount64(word)
	}
	fillRatio := float64(setBits) / float64(bf.numBits)
	return math.Pow(fillRatio, float64(bf.numHash))
}

// Marshal serializes the filter.
func (bf *BloomFilter) Marshal() []byte {
	buf := make([]byte, 16+len(bf.bits)*8)
	binary.LittleEndian.PutUint64(buf[0:8], bf.numBits)
	binary.LittleEndian.PutUint32(buf[8:12], bf.numHash)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(bf.bits)))
	for i, word := range bf.bits {
		binary.LittleEndian.PutUint64(buf[16+i*8:], word)
	}
	return buf
}

// UnmarshalBloomFilter deserializes a filter produced by Marshal. Returns
// nil when the payload is malformed.
func UnmarshalBloomFilter(data []byte) *BloomFilter {
	if len(data) < 16 {
		return nil
	}
	numBits := binary.LittleEndian.Uint64(data[0:8])
	numHash := binary.LittleEndian.Uint32(data[8:12])
	numWords := binary.LittleEndian.Uint32(data[12:16])
	if uint64(numWords)*64 != numBits || len(data) < 16+int(numWords)*8 {
		return nil
	}

	words := make([]uint64, numWords)
	for i := range words {
		words[i] = binary.LittleEndian.Uint64(data[16+i*8:])
	}
	return &BloomFilter{
		bits:    words,
		numBits: numBits,
		numHash: numHash,
	}
}

const (
	fnvOffset64 = 14695981039346656037
	fnvPrime64  = 1099511628211
)

// hashKey derives two FNV-1a hashes for double hashing, the second salted.
func hashKey(key []byte) (uint64, uint64) {
	h1 := uint64(fnvOffset64)
	for _, b := range key {
		h1 ^= uint64(b)
		h1 *= fnvPrime64
	}

	h2 := uint64(fnvOffset64)
	h2 ^= 0x42
	h2 *= fnvPrime64
	for _, b := range key {
		h2 ^= uint64(b)
		h2 *= fnvPrime64
	}
	return h1, h2
}
