package frame

import (
	"crypto/rand"
	"io"
	"time"
	"unicode/utf8"

	"golang.org/x/xerrors"

	"github.com/mbndr/synowire/internal/bufpool"
)

// MaxFrameSize is the hard ceiling on any single frame, and on a fully
// reassembled fragmented message. Frames or reassembled messages larger
// than this are rejected with ErrProtocol.
const MaxFrameSize = 256 << 20 // 256 MiB

// MaxControlPayload is the RFC 6455 limit on control frame payloads.
// Keeping control payloads within it is the caller's responsibility: the
// codec enforces it neither on encode nor on decode, where only
// MaxFrameSize applies.
const MaxControlPayload = 125

// ErrProtocol indicates a frame-level protocol violation: a bad length
// field, a continuation frame that doesn't follow the fragment-opcode
// rules, or a reassembled message over MaxFrameSize.
var ErrProtocol = xerrors.New("frame: protocol violation")

// Frame is a single application-visible WebSocket frame: the opcode of
// the (possibly reassembled) message, and its payload. Text payloads are
// guaranteed valid UTF-8 once returned from GetFrame.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// Socket is the minimal surface GetFrame/SendFrame need from the
// underlying transport. The socket itself - connect/accept, buffered
// I/O, timed peek - is an external collaborator; this interface is the
// seam the frame codec needs to stay independent of any particular
// implementation (a raw net.Conn wrapped in a bufio.Reader, a test pipe,
// etc).
type Socket interface {
	io.Reader
	io.Writer

	// Peek reports whether at least n bytes are available to read without
	// blocking for longer than timeout, without consuming them. A
	// timeout of zero performs a single non-blocking check.
	Peek(n int, timeout time.Duration) (bool, error)
}

// GetFrame reads one logical frame from sock, waiting up to timeout for
// the first two header bytes to become available. If none arrive within
// timeout, it returns ok == false with a nil error ("no frame yet").
//
// Fragmented messages are reassembled transparently: continuation frames
// are folded into the first fragment and discarded, and the returned
// Frame's Opcode is the first fragment's opcode. A continuation frame
// whose opcode is neither Continuation nor the first fragment's opcode is
// a protocol error, as is any frame (or reassembled total) exceeding
// MaxFrameSize.
func GetFrame(sock Socket, timeout time.Duration) (f Frame, ok bool, err error) {
	avail, err := sock.Peek(2, timeout)
	if err != nil {
		return Frame{}, false, xerrors.Errorf("frame: peek failed: %w", err)
	}
	if !avail {
		return Frame{}, false, nil
	}

	h, err := readHeader(sock)
	if err != nil {
		return Frame{}, false, xerrors.Errorf("%w: %v", ErrProtocol, err)
	}
	if h.rsv1 || h.rsv2 || h.rsv3 {
		return Frame{}, false, xerrors.Errorf("%w: reserved bits set", ErrProtocol)
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)

	first := h
	for {
		if h.payloadLength < 0 || int64(buf.Len())+h.payloadLength > MaxFrameSize {
			return Frame{}, false, xerrors.Errorf("%w: frame exceeds %d bytes", ErrProtocol, MaxFrameSize)
		}

		n, err := io.CopyN(buf, sock, h.payloadLength)
		if err != nil {
			return Frame{}, false, xerrors.Errorf("frame: failed to read payload (%d of %d bytes): %w", n, h.payloadLength, err)
		}

		if h.masked {
			tail := buf.Bytes()[buf.Len()-int(n):]
			maskBytes(h.maskKey, 0, tail)
		}

		if h.fin {
			break
		}

		h, err = readHeader(sock)
		if err != nil {
			return Frame{}, false, xerrors.Errorf("%w: %v", ErrProtocol, err)
		}
		if h.opcode != OpContinuation && h.opcode != first.opcode {
			return Frame{}, false, xerrors.Errorf("%w: continuation frame opcode %v does not match first fragment opcode %v", ErrProtocol, h.opcode, first.opcode)
		}
		if h.rsv1 || h.rsv2 || h.rsv3 {
			return Frame{}, false, xerrors.Errorf("%w: reserved bits set on continuation frame", ErrProtocol)
		}
	}

	payload := make([]byte, buf.Len())
	copy(payload, buf.Bytes())

	if first.opcode == OpText && !isValidUTF8(payload) {
		return Frame{}, false, xerrors.Errorf("%w: text frame is not valid UTF-8", ErrProtocol)
	}

	return Frame{Opcode: first.opcode, Payload: payload}, true, nil
}

// largeWriteThreshold is the payload size at or above which SendFrame writes
// the payload directly to sock instead of through the pooled header
// buffer, to avoid double-buffering large messages.
const largeWriteThreshold = 65536

// SendFrame encodes f as a single, unfragmented frame (FIN always set) and
// writes it to sock. If mask is true, a fresh masking key is generated
// and the payload is masked in place - callers must treat f.Payload as
// consumed after this call, since masking mutates it.
func SendFrame(sock Socket, f Frame, mask bool) error {
	h := header{
		fin:           true,
		opcode:        f.Opcode,
		payloadLength: int64(len(f.Payload)),
		masked:        mask,
	}
	if mask {
		if _, err := rand.Read(h.maskKey[:]); err != nil {
			return xerrors.Errorf("frame: failed to generate mask key: %w", err)
		}
		maskBytes(h.maskKey, 0, f.Payload)
	}

	hb := h.bytes(make([]byte, 0, maxHeaderSize))

	if len(f.Payload) >= largeWriteThreshold {
		if _, err := sock.Write(hb); err != nil {
			return xerrors.Errorf("frame: failed to write header: %w", err)
		}
		if _, err := sock.Write(f.Payload); err != nil {
			return xerrors.Errorf("frame: failed to write payload: %w", err)
		}
		return nil
	}

	buf := bufpool.Get()
	defer bufpool.Put(buf)
	buf.Write(hb)
	buf.Write(f.Payload)

	if _, err := sock.Write(buf.Bytes()); err != nil {
		return xerrors.Errorf("frame: failed to write frame: %w", err)
	}
	return nil
}

func isValidUTF8(b []byte) bool {
	return utf8.Valid(b)
}
