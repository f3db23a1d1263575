package handshake

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/xerrors"

	"github.com/mbndr/synowire/internal/bufpool"
	"github.com/mbndr/synowire/wireproto"
)

// DialOption configures Dial.
type DialOption interface {
	dialOption()
}

type dialHTTPClient http.Client

func (o *dialHTTPClient) dialOption() {}

// DialHTTPClient sets the http.Client used for the handshake request.
// Its Transport must speak HTTP/1.1 and return writable, hijackable
// response bodies; the default client's Transport does.
func DialHTTPClient(hc *http.Client) DialOption {
	return (*dialHTTPClient)(hc)
}

type dialHeader http.Header

func (o dialHeader) dialOption() {}

// DialHeader sets additional HTTP headers sent with the handshake
// request.
func DialHeader(h http.Header) DialOption {
	return dialHeader(h)
}

// Dial performs a client-side WebSocket handshake against u, offering
// every name in registry as a Sec-WebSocket-Protocol candidate.
//
// Unlike a client that hardcodes a fixed key because "the accept hash
// doesn't matter", Dial generates a fresh random nonce per call and
// verifies the server's Sec-WebSocket-Accept against it; a mismatch
// fails the dial.
func Dial(ctx context.Context, u string, registry *wireproto.Registry, opts ...DialOption) (_ *Result, _ *http.Response, err error) {
	httpClient := http.DefaultClient
	header := http.Header{}
	for _, o := range opts {
		switch o := o.(type) {
		case dialHeader:
			header = http.Header(o)
		case *dialHTTPClient:
			httpClient = (*http.Client)(o)
		}
	}

	parsed, err := url.Parse(u)
	if err != nil {
		return nil, nil, xerrors.Errorf("handshake: failed to parse url: %w", err)
	}
	switch parsed.Scheme {
	case "ws":
		parsed.Scheme = "http"
	case "wss":
		parsed.Scheme = "https"
	default:
		return nil, nil, xerrors.Errorf("handshake: unknown scheme %q", parsed.Scheme)
	}

	var nonce [16]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, nil, xerrors.Errorf("handshake: failed to generate nonce: %w", err)
	}
	key := base64.StdEncoding.EncodeToString(nonce[:])

	req, err := http.NewRequest(http.MethodGet, parsed.String(), nil)
	if err != nil {
		return nil, nil, xerrors.Errorf("handshake: failed to build request: %w", err)
	}
	req = req.WithContext(ctx)
	req.Header = header
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Version", "13")
	req.Header.Set("Sec-WebSocket-Key", key)
	if names := registry.Names(); len(names) > 0 {
		req.Header.Set("Sec-WebSocket-Protocol", strings.Join(names, ","))
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, nil, xerrors.Errorf("handshake: request failed: %w", err)
	}
	defer func() {
		if err != nil {
			respBody := resp.Body
			b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			resp.Body = ioutil.NopCloser(bytes.NewReader(b))
			respBody.Close()
		}
	}()

	if err = verifyUpgradeResponse(resp, key); err != nil {
		return nil, resp, err
	}

	proto, ok := registry.CloneByName(resp.Header.Get("Sec-WebSocket-Protocol"), "")
	if !ok {
		return nil, resp, xerrors.Errorf("handshake: server selected unknown subprotocol %q", resp.Header.Get("Sec-WebSocket-Protocol"))
	}

	rwc, ok := resp.Body.(io.ReadWriteCloser)
	if !ok {
		return nil, resp, xerrors.Errorf("handshake: response body is not a read-write-closer: %T", resp.Body)
	}

	return &Result{
		Protocol: proto,
		Closer:   rwc,
		Reader:   bufpool.GetReader(rwc),
		Writer:   bufpool.GetWriter(rwc),
	}, resp, nil
}

func verifyUpgradeResponse(resp *http.Response, key string) error {
	if resp.StatusCode != http.StatusSwitchingProtocols {
		return xerrors.Errorf("handshake: expected status %d, got %d", http.StatusSwitchingProtocols, resp.StatusCode)
	}
	if !headerContainsToken(resp.Header, "Connection", "Upgrade") {
		return xerrors.Errorf("handshake: Connection header %q does not contain Upgrade", resp.Header.Get("Connection"))
	}
	if !headerContainsToken(resp.Header, "Upgrade", "websocket") {
		return xerrors.Errorf("handshake: Upgrade header %q does not contain websocket", resp.Header.Get("Upgrade"))
	}

	want := acceptHash(key)
	got := resp.Header.Get("Sec-WebSocket-Accept")
	if got != want {
		return xerrors.Errorf("handshake: Sec-WebSocket-Accept %q does not match expected %q", got, want)
	}
	return nil
}
