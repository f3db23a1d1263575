package frame

import "encoding/binary"

// maskBytes applies the RFC 6455 masking algorithm to b in place, using key
// cycled starting at key[pos&3]. It returns the position to resume at for a
// subsequent call, so a payload can be masked/unmasked across multiple
// writes without re-deriving where in the 4 byte key the next byte falls.
//
// See https://tools.ietf.org/html/rfc6455#section-5.3
func maskBytes(key [4]byte, pos int, b []byte) int {
	if len(b) >= 16 {
		var aligned [8]byte
		for i := range aligned {
			aligned[i] = key[(i+pos)&3]
		}
		k := binary.LittleEndian.Uint64(aligned[:])

		for len(b) >= 64 {
			for i := 0; i < 64; i += 8 {
				v := binary.LittleEndian.Uint64(b[i:])
				binary.LittleEndian.PutUint64(b[i:], v^k)
			}
			b = b[64:]
		}
		for len(b) >= 8 {
			v := binary.LittleEndian.Uint64(b)
			binary.LittleEndian.PutUint64(b, v^k)
			b = b[8:]
		}
	}

	for i := range b {
		b[i] ^= key[pos&3]
		pos++
	}
	return pos & 3
}
