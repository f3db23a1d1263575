// Package client implements the consumer-facing client driver described
// in the design: a plain HTTP/1.1 requester before upgrade, and a
// WebSocket-backed RPC channel after it. Every post-upgrade Request call
// is rewritten as a BlockWithAnswer callback over the engine package's
// arbitrator.
package client

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/xerrors"

	"github.com/mbndr/synowire/engine"
	"github.com/mbndr/synowire/handshake"
	"github.com/mbndr/synowire/internal/bufpool"
	"github.com/mbndr/synowire/internal/errd"
	"github.com/mbndr/synowire/wireproto"
)

// defaultHeartbeat is the heartbeat interval used once EnableHeartbeat
// has been called; servers usually drive the heartbeat so this only
// matters for client-to-client or diagnostic use.
const defaultHeartbeat = 15 * time.Second

// PushHandler is invoked for every server-initiated request that
// arrives once the client is upgraded, mirroring the design's
// on_push = fn(ctxt) -> status.
type PushHandler func(ctx context.Context, req wireproto.RequestContext) wireproto.ResponseContext

// Client is a WebSocket-aware HTTP client. Before Upgrade it behaves
// like a plain http.Client; after a successful Upgrade, Request funnels
// through the connection engine's callback arbitrator instead.
type Client struct {
	httpClient *http.Client
	registry   *wireproto.Registry

	mu      sync.RWMutex
	conn    *engine.Connection
	br      *bufio.Reader
	bw      *bufio.Writer
	onPush  PushHandler
	heartbt bool
}

// New returns a Client that will offer every template in registry as a
// Sec-WebSocket-Protocol candidate during Upgrade.
func New(registry *wireproto.Registry) *Client {
	return &Client{httpClient: http.DefaultClient, registry: registry}
}

// OnPush registers the handler invoked for inbound server-initiated
// requests after Upgrade. It must be set before Upgrade to take effect
// on the very first push.
func (c *Client) OnPush(h PushHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPush = h
}

// Upgrade performs the WebSocket handshake against url and starts the
// connection engine's processing loop in the background. Subsequent
// calls to Request are rewritten as arbitrated RPCs over the upgraded
// connection.
func (c *Client) Upgrade(ctx context.Context, url string, opts ...handshake.DialOption) (err error) {
	defer errd.Wrap(&err, "client: failed to upgrade %s", url)

	opts = append(opts, handshake.DialHTTPClient(c.httpClient))
	res, _, err := handshake.Dial(ctx, url, c.registry, opts...)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	handler := func(ctx context.Context, req wireproto.RequestContext) wireproto.ResponseContext {
		if c.onPush == nil {
			return wireproto.ResponseContext{Status: "404 Not Found"}
		}
		return c.onPush(ctx, req)
	}

	cfg := engine.Config{MaskOutgoing: true}
	if c.heartbt {
		cfg.Heartbeat = defaultHeartbeat
	}

	rwc, ok := res.Closer.(io.ReadWriteCloser)
	if !ok {
		return xerrors.Errorf("client: hijacked connection %T is not a read-write-closer", res.Closer)
	}

	c.conn = engine.New(rwc, res.Reader, res.Protocol, handler, cfg)
	c.br = res.Reader
	c.bw = res.Writer
	go c.conn.Run(context.Background())
	return nil
}

// EnableHeartbeat turns on client-initiated heartbeat pings, off by
// default since servers usually drive the heartbeat.
func (c *Client) EnableHeartbeat() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.heartbt = true
}

// Request issues a request. Before Upgrade it uses the plain HTTP
// client; after Upgrade it blocks on a BlockWithAnswer callback over the
// WebSocket connection.
func (c *Client) Request(ctx context.Context, req wireproto.RequestContext) (wireproto.ResponseContext, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil {
		return c.requestHTTP(ctx, req)
	}

	resp, err := conn.NotifyCallback(ctx, req, engine.BlockWithAnswer)
	if err != nil {
		if xerrors.Is(err, engine.ErrNotFound) || xerrors.Is(err, engine.ErrConnectionClosed) {
			return wireproto.ResponseContext{Status: "404 Not Found"}, err
		}
		return wireproto.ResponseContext{}, err
	}
	return resp, nil
}

func (c *Client) requestHTTP(ctx context.Context, req wireproto.RequestContext) (wireproto.ResponseContext, error) {
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL, body)
	if err != nil {
		return wireproto.ResponseContext{}, xerrors.Errorf("client: failed to build request: %w", err)
	}
	httpReq.Header = req.Headers

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return wireproto.ResponseContext{}, xerrors.Errorf("client: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return wireproto.ResponseContext{}, xerrors.Errorf("client: failed to read response body: %w", err)
	}

	return wireproto.ResponseContext{
		Status:      resp.Status,
		Headers:     resp.Header,
		Body:        respBody,
		ContentType: resp.Header.Get("Content-Type"),
	}, nil
}

// Close tears down the upgraded connection, if any, and returns its
// pooled bufio.Reader/Writer (acquired from bufpool during Upgrade) to
// the pool.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	br, bw := c.br, c.bw
	c.conn, c.br, c.bw = nil, nil, nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	err := conn.Close()

	if br != nil {
		bufpool.PutReader(br)
	}
	if bw != nil {
		bufpool.PutWriter(bw)
	}
	return err
}
