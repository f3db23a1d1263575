package handshake

import (
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/xerrors"

	"github.com/mbndr/synowire/wireproto"
)

// minWebSocketVersion is the RFC 6455 protocol version; clients
// advertising anything lower speak an older, incompatible draft.
const minWebSocketVersion = 13

// Accept validates an incoming HTTP request as a WebSocket upgrade,
// negotiates a protocol out of registry, hijacks the connection, and
// writes the 101 Switching Protocols response. The request path is used
// both for protocol matching and as the uri half of (name, uri) lookups.
//
// Matching follows registry's rule: split Sec-WebSocket-Protocol on
// commas and try clone_by_name for each candidate in order, stopping at
// the first match. If the header is absent, fall back to clone_by_uri
// on the request path. If the request is not a valid upgrade or nothing
// matches, the upgrade is rejected: Accept writes a 400 Bad Request to w
// and returns an error, so r cannot be served as ordinary HTTP afterwards.
func Accept(w http.ResponseWriter, r *http.Request, registry *wireproto.Registry) (*Result, error) {
	if err := verifyUpgradeRequest(r); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil, err
	}

	proto, ok := selectProtocol(r, registry)
	if !ok {
		http.Error(w, errNoProtocolMatch.Error(), http.StatusBadRequest)
		return nil, errNoProtocolMatch
	}

	hj, ok := w.(http.Hijacker)
	if !ok {
		err := xerrors.New("handshake: response writer does not implement http.Hijacker")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return nil, err
	}

	key := r.Header.Get("Sec-WebSocket-Key")
	w.Header().Set("Upgrade", "websocket")
	w.Header().Set("Connection", "Upgrade")
	w.Header().Set("Sec-WebSocket-Accept", acceptHash(key))
	w.Header().Set("Sec-WebSocket-Protocol", proto.Name())
	w.WriteHeader(http.StatusSwitchingProtocols)
	// gin's ResponseWriter only records the status in WriteHeader; force
	// it onto the wire before the connection is hijacked.
	if ginWriter, ok := w.(interface{ WriteHeaderNow() }); ok {
		ginWriter.WriteHeaderNow()
	}

	conn, brw, err := hj.Hijack()
	if err != nil {
		return nil, xerrors.Errorf("handshake: failed to hijack connection: %w", err)
	}

	return &Result{Protocol: proto, Closer: conn, Reader: brw.Reader, Writer: brw.Writer}, nil
}

func verifyUpgradeRequest(r *http.Request) error {
	if r.Method != http.MethodGet {
		return xerrors.Errorf("handshake: request method %q is not GET", r.Method)
	}
	if !headerContainsToken(r.Header, "Connection", "Upgrade") {
		return xerrors.Errorf("handshake: Connection header %q does not contain Upgrade", r.Header.Get("Connection"))
	}
	if !headerContainsToken(r.Header, "Upgrade", "websocket") {
		return xerrors.Errorf("handshake: Upgrade header %q does not contain websocket", r.Header.Get("Upgrade"))
	}
	version := r.Header.Get("Sec-WebSocket-Version")
	if version == "" {
		return xerrors.New("handshake: missing Sec-WebSocket-Version")
	}
	v, err := strconv.Atoi(version)
	if err != nil || v < minWebSocketVersion {
		return xerrors.Errorf("handshake: Sec-WebSocket-Version %q is not >= %d", version, minWebSocketVersion)
	}
	key := r.Header.Get("Sec-WebSocket-Key")
	if key == "" {
		return xerrors.New("handshake: missing Sec-WebSocket-Key")
	}
	if !validSecWebSocketKey(key) {
		return xerrors.Errorf("handshake: Sec-WebSocket-Key %q does not decode to 16 bytes", key)
	}
	return nil
}

func selectProtocol(r *http.Request, registry *wireproto.Registry) (*wireproto.Protocol, bool) {
	path := r.URL.Path
	header := r.Header.Get("Sec-WebSocket-Protocol")
	if header == "" {
		return registry.CloneByURI(path)
	}

	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if p, ok := registry.CloneByName(candidate, path); ok {
			return p, true
		}
	}
	return nil, false
}
