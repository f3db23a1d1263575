// Package wireproto implements the two application-level wire encodings
// layered over the frame codec: a human-readable JSON encoding and a
// compact binary encoding with optional compression and encryption. Both
// encode/decode a request/response triple (method, url, headers, body,
// content type) to and from a single frame.
package wireproto

import (
	"net/http"

	"github.com/mbndr/synowire/frame"
)

// Kind selects which encoder strategy a Protocol uses.
type Kind int

const (
	// KindChat is a server-to-client push-only protocol that bypasses
	// the REST request/answer machinery entirely; frame payloads are
	// delivered to the handler unparsed.
	KindChat Kind = iota
	// KindRestJSON encodes request/answer pairs as JSON text frames.
	KindRestJSON
	// KindRestBinary encodes request/answer pairs as a binary frame of
	// 0x01-separated fields, with optional compression and encryption.
	KindRestBinary
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindRestJSON:
		return "rest-json"
	case KindRestBinary:
		return "rest-binary"
	default:
		return "unknown"
	}
}

// RequestContext is the value an encoding adapter decodes an inbound
// request frame into, and that a client encodes before sending one. It
// lives only across a single ProcessFrame or NotifyCallback call.
type RequestContext struct {
	Method      string
	URL         string
	Headers     http.Header
	Body        []byte
	ContentType string
	NoAnswer    bool
}

// ResponseContext is the value a user request handler returns, and that
// an encoding adapter encodes into an answer frame.
type ResponseContext struct {
	Status      string
	Headers     http.Header
	Body        []byte
	ContentType string
}

// adapter is the small strategy interface every REST encoding
// implements. Chat protocols have no adapter since they skip the REST
// machinery.
type adapter interface {
	encodeRequest(RequestContext) (frame.Frame, error)
	decodeRequest(frame.Frame) (RequestContext, bool, error)
	encodeAnswer(ResponseContext) (frame.Frame, error)
	decodeAnswer(frame.Frame) (ResponseContext, bool, error)
	clone() adapter
}

// Protocol is an immutable-once-registered template describing a
// subprotocol: its advertised name, the path it is scoped to, and the
// encoding it speaks. A template is cloned per accepted connection so
// per-connection mutable state, such as an encryption codec's IV
// schedule, is isolated.
type Protocol struct {
	name string
	uri  string
	kind Kind
	adp  adapter
}

// NewChatProtocol builds a push-only protocol template.
func NewChatProtocol(name, uri string) *Protocol {
	return &Protocol{name: name, uri: uri, kind: KindChat}
}

// NewJSONProtocol builds a JSON REST protocol template.
func NewJSONProtocol(name, uri string) *Protocol {
	return &Protocol{name: name, uri: uri, kind: KindRestJSON, adp: &jsonAdapter{}}
}

// BinaryOption configures NewBinaryProtocol.
type BinaryOption func(*binaryAdapter)

// WithCompression enables flate-based compression of field blocks of 512
// bytes or more, matching the reference implementation's LZ codec.
func WithCompression() BinaryOption {
	return func(a *binaryAdapter) { a.compress = true }
}

// WithEncryption enables AES-CFB encryption keyed by a SHA-256 digest of
// key, giving a 256 bit key regardless of the input length.
func WithEncryption(key []byte) BinaryOption {
	return func(a *binaryAdapter) { a.encrypt = true; a.key = deriveKey(key) }
}

// NewBinaryProtocol builds a binary REST protocol template.
func NewBinaryProtocol(name, uri string, opts ...BinaryOption) *Protocol {
	a := &binaryAdapter{}
	for _, o := range opts {
		o(a)
	}
	return &Protocol{name: name, uri: uri, kind: KindRestBinary, adp: a}
}

func (p *Protocol) Name() string { return p.name }
func (p *Protocol) URI() string  { return p.uri }
func (p *Protocol) Kind() Kind   { return p.kind }

// Clone returns a fresh instance of p suitable for binding to a newly
// accepted connection. The result is always a new Protocol value; REST
// protocols also clone their adapter, while Chat protocols have none.
func (p *Protocol) Clone() *Protocol {
	c := &Protocol{name: p.name, uri: p.uri, kind: p.kind}
	if p.adp != nil {
		c.adp = p.adp.clone()
	}
	return c
}

// EncodeRequest serializes ctx as the request half of p's encoding.
func (p *Protocol) EncodeRequest(ctx RequestContext) (frame.Frame, error) {
	return p.adp.encodeRequest(ctx)
}

// DecodeRequest parses f as a request. ok is false when f's head token
// does not match "request" (the frame is meant for someone else, e.g. a
// reply the arbitrator is waiting on, and should be silently dropped).
func (p *Protocol) DecodeRequest(f frame.Frame) (RequestContext, bool, error) {
	return p.adp.decodeRequest(f)
}

// EncodeAnswer serializes ctx as the answer half of p's encoding.
func (p *Protocol) EncodeAnswer(ctx ResponseContext) (frame.Frame, error) {
	return p.adp.encodeAnswer(ctx)
}

// DecodeAnswer parses f as an answer. ok is false on a head token
// mismatch, signaling a misdirected frame that must be dropped rather
// than treated as the awaited reply.
func (p *Protocol) DecodeAnswer(f frame.Frame) (ResponseContext, bool, error) {
	return p.adp.decodeAnswer(f)
}
