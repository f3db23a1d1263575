// Package handshake performs the RFC 6455 upgrade handshake on both the
// server and client side: header validation, subprotocol negotiation
// against a wireproto.Registry, and Sec-WebSocket-Accept derivation and
// verification.
package handshake

import (
	"bufio"
	"crypto/sha1"
	"encoding/base64"
	"io"
	"net/http"
	"net/textproto"

	"golang.org/x/net/http/httpguts"
	"golang.org/x/xerrors"

	"github.com/mbndr/synowire/wireproto"
)

// acceptGUID is the magic constant from RFC 6455 section 1.3.
const acceptGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// Result is the outcome of a successful handshake: the negotiated
// protocol instance and the hijacked, buffered connection it runs over.
type Result struct {
	Protocol *wireproto.Protocol
	Closer   io.Closer
	Reader   *bufio.Reader
	Writer   *bufio.Writer
}

func headerContainsToken(h http.Header, key, token string) bool {
	key = textproto.CanonicalMIMEHeaderKey(key)
	return httpguts.HeaderValuesContainsToken(h[key], token)
}

func acceptHash(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(acceptGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// validSecWebSocketKey reports whether key base64-decodes to exactly 16
// bytes, as RFC 6455 requires.
func validSecWebSocketKey(key string) bool {
	decoded, err := base64.StdEncoding.DecodeString(key)
	return err == nil && len(decoded) == 16
}

var errNoProtocolMatch = xerrors.New("handshake: no registered protocol matches the request")
