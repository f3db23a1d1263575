package wireproto

import (
	"bytes"
	"compress/flate"
	"io"

	"golang.org/x/xerrors"
)

// compressThreshold is the payload size below which the compressor
// stores the block uncompressed behind the raw tag rather than paying
// the DEFLATE framing overhead for a net loss.
const compressThreshold = 512

const (
	blockTagRaw   byte = 0
	blockTagFlate byte = 1
)

// compressBlock tags and optionally DEFLATE-compresses b. Blocks below
// compressThreshold are left raw.
func compressBlock(b []byte) ([]byte, error) {
	if len(b) < compressThreshold {
		return append([]byte{blockTagRaw}, b...), nil
	}

	var buf bytes.Buffer
	buf.WriteByte(blockTagFlate)

	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, xerrors.Errorf("wireproto: failed to create flate writer: %w", err)
	}
	if _, err := w.Write(b); err != nil {
		return nil, xerrors.Errorf("wireproto: failed to compress block: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, xerrors.Errorf("wireproto: failed to flush flate writer: %w", err)
	}

	if buf.Len() >= len(b)+1 {
		return append([]byte{blockTagRaw}, b...), nil
	}
	return buf.Bytes(), nil
}

// decompressBlock reverses compressBlock.
func decompressBlock(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, xerrors.New("wireproto: empty compressed block")
	}

	tag, body := b[0], b[1:]
	switch tag {
	case blockTagRaw:
		return body, nil
	case blockTagFlate:
		r := flate.NewReader(bytes.NewReader(body))
		defer r.Close()
		out, err := io.ReadAll(r)
		if err != nil {
			return nil, xerrors.Errorf("wireproto: failed to decompress block: %w", err)
		}
		return out, nil
	default:
		return nil, xerrors.Errorf("wireproto: unknown compression tag %d", tag)
	}
}
