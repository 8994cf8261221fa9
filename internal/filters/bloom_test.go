package filters

import (
	"fmt"
	"testing"
)

func TestBloomFilterMembership(t *testing.T) {
	bf := NewBloomFilter(1000, 0.01)

	for i := 0; i < 1000; i++ {
		bf.Add([]byte(fmt.Sprintf("key-%06d", i)))
	}

	for i := 0; i < 1000; i++ {
		if !bf.Contains([]byte(fmt.Sprintf("key-%06d", i))) {
			t.Fatalf("false negative for key-%06d", i)
		}
	}

	falsePositives := 0
	for i := 0; i < 10000; i++ {
		if bf.Contains([]byte(fmt.Sprintf("absent-%06d", i))) {
			falsePositives++
		}
	}
	// 1% target rate; allow generous slack.
	if falsePositives > 500 {
		t.Fatalf("false positive count %d out of 10000 is far above the 1%% target", falsePositives)
	}
}

func TestBloomFilterMarshalRoundTrip(t *testing.T) {
	bf := NewBloomFilter(100, 0.01)
	keys := [][]byte{[]byte("alpha"), []byte("bravo"), []byte("charlie")}
	for _, k := range keys {
		bf.Add(k)
	}

	restored := UnmarshalBloomFilter(bf.Marshal())
	if restored == nil {
		t.Fatal("UnmarshalBloomFilter returned nil for valid payload")
	}
	for _, k := range keys {
		if !restored.Contains(k) {
			t.Fatalf("restored filter lost key %q", k)
		}
	}
	if restored.SizeInBytes() != bf.SizeInBytes() {
		t.Fatalf("restored size %d != original %d", restored.SizeInBytes(), bf.SizeInBytes())
	}
}

func TestBloomFilterRejectsMalformedPayload(t *testing.T) {
	if UnmarshalBloomFilter(nil) != nil {
		t.Error("nil payload accepted")
	}
	if UnmarshalBloomFilter(make([]byte, 8)) != nil {
		t.Error("short payload accepted")
	}

	valid := NewBloomFilter(10, 0.01).Marshal()
	if UnmarshalBloomFilter(valid[:len(valid)-4]) != nil {
		t.Error("truncated payload accepted")
	}
}

func TestBloomFilterZeroElements(t *testing.T) {
	bf := NewBloomFilter(0, 0.01)
	if bf.Contains([]byte("anything")) {
		t.Error("empty filter reported membership")
	}
	bf.Add([]byte("x"))
	if !bf.Contains([]byte("x")) {
		t.Error("added key not found")
	}
}
