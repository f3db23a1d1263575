package wireproto

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	"golang.org/x/xerrors"

	"github.com/mbndr/synowire/frame"
)

const fieldSep = 0x01

// binaryAdapter implements the synopsebinary wire encoding: head token,
// then a 0x01 separator, then a field block optionally flate-compressed
// and then AES-CFB encrypted.
type binaryAdapter struct {
	compress bool
	encrypt  bool
	key      []byte
}

func (a *binaryAdapter) clone() adapter {
	return &binaryAdapter{compress: a.compress, encrypt: a.encrypt, key: a.key}
}

func joinFields(fields ...[]byte) []byte {
	return bytes.Join(fields, []byte{fieldSep})
}

// splitFields splits b on exactly n-1 separators, leaving the final
// field (the content body, which may itself legitimately contain 0x01
// bytes) intact.
func splitFields(b []byte, n int) ([][]byte, error) {
	out := make([][]byte, 0, n)
	for len(out) < n-1 {
		i := bytes.IndexByte(b, fieldSep)
		if i == -1 {
			return nil, xerrors.Errorf("wireproto: expected %d fields, ran out of separators at field %d", n, len(out))
		}
		out = append(out, b[:i])
		b = b[i+1:]
	}
	out = append(out, b)
	return out, nil
}

func headerBytes(h http.Header) ([]byte, error) {
	if h == nil {
		h = http.Header{}
	}
	b, err := json.Marshal(h)
	if err != nil {
		return nil, xerrors.Errorf("wireproto: failed to encode headers: %w", err)
	}
	return []byte(base64.StdEncoding.EncodeToString(b)), nil
}

func parseHeaderBytes(b []byte) (http.Header, error) {
	raw, err := base64.StdEncoding.DecodeString(string(b))
	if err != nil {
		return nil, xerrors.Errorf("wireproto: failed to decode headers: %w", err)
	}
	h := http.Header{}
	if len(raw) == 0 {
		return h, nil
	}
	if err := json.Unmarshal(raw, &h); err != nil {
		return nil, xerrors.Errorf("wireproto: failed to unmarshal headers: %w", err)
	}
	return h, nil
}

func (a *binaryAdapter) sealBlock(block []byte) ([]byte, error) {
	if a.compress {
		b, err := compressBlock(block)
		if err != nil {
			return nil, err
		}
		block = b
	}
	if a.encrypt {
		b, err := encryptCFB(a.key, block)
		if err != nil {
			return nil, err
		}
		block = b
	}
	return block, nil
}

func (a *binaryAdapter) openBlock(block []byte) ([]byte, error) {
	if a.encrypt {
		b, err := decryptCFB(a.key, block)
		if err != nil {
			return nil, err
		}
		block = b
	}
	if a.compress {
		b, err := decompressBlock(block)
		if err != nil {
			return nil, err
		}
		block = b
	}
	return block, nil
}

func (a *binaryAdapter) encodeRequest(ctx RequestContext) (frame.Frame, error) {
	headers, err := headerBytes(ctx.Headers)
	if err != nil {
		return frame.Frame{}, err
	}
	noAnswer := byte('0')
	if ctx.NoAnswer {
		noAnswer = '1'
	}

	block := joinFields([]byte(ctx.Method), []byte(ctx.URL), headers, []byte{noAnswer}, []byte(ctx.ContentType), ctx.Body)
	sealed, err := a.sealBlock(block)
	if err != nil {
		return frame.Frame{}, err
	}

	payload := joinFields([]byte(headRequest), sealed)
	return frame.Frame{Opcode: frame.OpBinary, Payload: payload}, nil
}

func (a *binaryAdapter) decodeRequest(f frame.Frame) (RequestContext, bool, error) {
	head, rest, ok := splitHead(f.Payload)
	if !ok {
		return RequestContext{}, false, xerrors.New("wireproto: binary frame has no head separator")
	}
	if !strings.EqualFold(string(head), headRequest) {
		return RequestContext{}, false, nil
	}

	block, err := a.openBlock(rest)
	if err != nil {
		return RequestContext{}, false, err
	}
	fields, err := splitFields(block, 6)
	if err != nil {
		return RequestContext{}, false, err
	}

	headers, err := parseHeaderBytes(fields[2])
	if err != nil {
		return RequestContext{}, false, err
	}

	return RequestContext{
		Method:      string(fields[0]),
		URL:         string(fields[1]),
		Headers:     headers,
		NoAnswer:    len(fields[3]) > 0 && fields[3][0] == '1',
		ContentType: string(fields[4]),
		Body:        fields[5],
	}, true, nil
}

func (a *binaryAdapter) encodeAnswer(ctx ResponseContext) (frame.Frame, error) {
	headers, err := headerBytes(ctx.Headers)
	if err != nil {
		return frame.Frame{}, err
	}

	block := joinFields([]byte(ctx.Status), headers, []byte(ctx.ContentType), ctx.Body)
	sealed, err := a.sealBlock(block)
	if err != nil {
		return frame.Frame{}, err
	}

	payload := joinFields([]byte(headAnswer), sealed)
	return frame.Frame{Opcode: frame.OpBinary, Payload: payload}, nil
}

func (a *binaryAdapter) decodeAnswer(f frame.Frame) (ResponseContext, bool, error) {
	head, rest, ok := splitHead(f.Payload)
	if !ok {
		return ResponseContext{}, false, xerrors.New("wireproto: binary frame has no head separator")
	}
	if !strings.EqualFold(string(head), headAnswer) {
		return ResponseContext{}, false, nil
	}

	block, err := a.openBlock(rest)
	if err != nil {
		return ResponseContext{}, false, err
	}
	fields, err := splitFields(block, 4)
	if err != nil {
		return ResponseContext{}, false, err
	}

	headers, err := parseHeaderBytes(fields[1])
	if err != nil {
		return ResponseContext{}, false, err
	}

	return ResponseContext{
		Status:      string(fields[0]),
		Headers:     headers,
		ContentType: string(fields[2]),
		Body:        fields[3],
	}, true, nil
}

func splitHead(b []byte) (head, rest []byte, ok bool) {
	i := bytes.IndexByte(b, fieldSep)
	if i == -1 {
		return nil, nil, false
	}
	return b[:i], b[i+1:], true
}
