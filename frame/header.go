package frame

import (
	"encoding/binary"
	"io"
	"math"

	"golang.org/x/xerrors"
)

// header is the decoded form of the fixed + extended length portion of a
// WebSocket frame. See https://tools.ietf.org/html/rfc6455#section-5.2.
type header struct {
	fin              bool
	rsv1, rsv2, rsv3 bool
	opcode           Opcode
	payloadLength    int64
	masked           bool
	maskKey          [4]byte
}

// First byte: FIN, RSV1-3, opcode. Second byte: MASK, len7.
// Up to 8 bytes of extended length. Up to 4 bytes of mask key.
const maxHeaderSize = 1 + 1 + 8 + 4

// bytes renders h into its wire form, reusing b's backing array if it has
// enough capacity.
func (h header) bytes(b []byte) []byte {
	if cap(b) < maxHeaderSize {
		b = make([]byte, maxHeaderSize)
	}
	b = b[:2]
	b[0] = 0

	if h.fin {
		b[0] |= 1 << 7
	}
	if h.rsv1 {
		b[0] |= 1 << 6
	}
	if h.rsv2 {
		b[0] |= 1 << 5
	}
	if h.rsv3 {
		b[0] |= 1 << 4
	}
	b[0] |= byte(h.opcode) & 0xf

	switch {
	case h.payloadLength < 0:
		panic("frame: negative payload length")
	case h.payloadLength < 126:
		b[1] = byte(h.payloadLength)
	case h.payloadLength <= math.MaxUint16:
		b[1] = 126
		b = b[:len(b)+2]
		binary.BigEndian.PutUint16(b[len(b)-2:], uint16(h.payloadLength))
	default:
		b[1] = 127
		b = b[:len(b)+8]
		binary.BigEndian.PutUint64(b[len(b)-8:], uint64(h.payloadLength))
	}

	if h.masked {
		b[1] |= 1 << 7
		b = b[:len(b)+4]
		copy(b[len(b)-4:], h.maskKey[:])
	}

	return b
}

// readHeader reads a header from r.
func readHeader(r io.Reader) (header, error) {
	var b [2]byte
	_, err := io.ReadFull(r, b[:])
	if err != nil {
		return header{}, xerrors.Errorf("failed to read frame header: %w", err)
	}

	var h header
	h.fin = b[0]&(1<<7) != 0
	h.rsv1 = b[0]&(1<<6) != 0
	h.rsv2 = b[0]&(1<<5) != 0
	h.rsv3 = b[0]&(1<<4) != 0
	h.opcode = Opcode(b[0] & 0xf)

	h.masked = b[1]&(1<<7) != 0
	payloadLength := b[1] &^ (1 << 7)

	switch payloadLength {
	case 127:
		var ext [8]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return header{}, xerrors.Errorf("failed to read extended length: %w", err)
		}
		hi := binary.BigEndian.Uint32(ext[:4])
		if hi != 0 {
			return header{}, xerrors.New("frame: 64 bit payload length has non-zero high bits")
		}
		h.payloadLength = int64(binary.BigEndian.Uint32(ext[4:]))
	case 126:
		var ext [2]byte
		if _, err := io.ReadFull(r, ext[:]); err != nil {
			return header{}, xerrors.Errorf("failed to read extended length: %w", err)
		}
		h.payloadLength = int64(binary.BigEndian.Uint16(ext[:]))
	default:
		h.payloadLength = int64(payloadLength)
	}

	if h.masked {
		if _, err := io.ReadFull(r, h.maskKey[:]); err != nil {
			return header{}, xerrors.Errorf("failed to read mask key: %w", err)
		}
	}

	return h, nil
}
