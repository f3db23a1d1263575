package wireproto

import (
	"bytes"
	"testing"
)

func TestCompressBlockRoundTrip(t *testing.T) {
	t.Parallel()

	small := []byte("short")
	large := bytes.Repeat([]byte("compress me please "), 100)

	for _, b := range [][]byte{small, large, nil} {
		sealed, err := compressBlock(b)
		if err != nil {
			t.Fatalf("compressBlock: %v", err)
		}
		got, err := decompressBlock(sealed)
		if err != nil {
			t.Fatalf("decompressBlock: %v", err)
		}
		if !bytes.Equal(got, b) {
			t.Errorf("round trip mismatch: got %x, want %x", got, b)
		}
	}
}

func TestCompressBlockBelowThresholdStaysRaw(t *testing.T) {
	t.Parallel()

	b := bytes.Repeat([]byte{0x41}, compressThreshold-1)
	sealed, err := compressBlock(b)
	if err != nil {
		t.Fatalf("compressBlock: %v", err)
	}
	if sealed[0] != blockTagRaw {
		t.Fatalf("tag = %d, want raw tag for a sub-threshold block", sealed[0])
	}
}
