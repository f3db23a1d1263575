package frame

import (
	"bytes"
	"testing"
)

func TestMaskBytesRoundTrip(t *testing.T) {
	t.Parallel()

	key := [4]byte{0xde, 0xad, 0xbe, 0xef}
	sizes := []int{0, 1, 3, 4, 7, 8, 15, 16, 63, 64, 65, 1000}

	for _, n := range sizes {
		original := bytes.Repeat([]byte{0x5a}, n)
		got := append([]byte(nil), original...)

		pos := maskBytes(key, 0, got)
		if n > 0 && bytes.Equal(got, original) {
			t.Errorf("size %d: masking did not change the payload", n)
		}

		maskBytes(key, 0, got)
		if !bytes.Equal(got, original) {
			t.Errorf("size %d: double mask did not recover original payload", n)
		}
		if want := n & 3; pos != want {
			t.Errorf("size %d: pos = %d, want %d", n, pos, want)
		}
	}
}

func TestMaskBytesChainedAcrossWrites(t *testing.T) {
	t.Parallel()

	key := [4]byte{1, 2, 3, 4}
	whole := bytes.Repeat([]byte{0x11}, 20)

	maskedWhole := append([]byte(nil), whole...)
	maskBytes(key, 0, maskedWhole)

	split := append([]byte(nil), whole...)
	pos := maskBytes(key, 0, split[:7])
	maskBytes(key, pos, split[7:])

	if !bytes.Equal(maskedWhole, split) {
		t.Errorf("masking in two chunks diverged from masking in one pass:\nwhole: %x\nsplit: %x", maskedWhole, split)
	}
}
