// Package engine implements the per-connection state machine
// (ProcessLoop) and the callback arbitration protocol that lets either
// endpoint initiate a blocking RPC over a shared, full-duplex
// WebSocket connection without interleaving frames from concurrent
// initiators.
package engine

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/eapache/queue"
	"github.com/google/uuid"
	"golang.org/x/xerrors"

	"github.com/mbndr/synowire/frame"
	"github.com/mbndr/synowire/internal/atomicint"
	"github.com/mbndr/synowire/wireproto"
)

// Handler processes a decoded inbound request and produces the answer to
// send back, unless req.NoAnswer is set. Panics inside Handler are
// recovered by ProcessOne and surfaced as Result Error.
type Handler func(ctx context.Context, req wireproto.RequestContext) wireproto.ResponseContext

// Config holds the tunables of a Connection. Zero values pick the
// defaults used throughout the design notes.
type Config struct {
	// MaskOutgoing is true on the client side (masking is mandatory for
	// client-to-server frames) and false on the server side.
	MaskOutgoing bool
	// Heartbeat is the idle interval after which ProcessLoop emits an
	// unsolicited Ping. Zero disables heartbeating.
	Heartbeat time.Duration
	// LoopDelay caps the adaptive idle sleep the outer loop uses between
	// ProcessOne calls. Zero means no cap.
	LoopDelay time.Duration
	// AcquireTimeout bounds how long NotifyCallback waits to acquire the
	// connection lock.
	AcquireTimeout time.Duration
	// AnswerTimeout bounds how long a BlockWithAnswer call waits for the
	// reply frame after sending its request.
	AnswerTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.AcquireTimeout == 0 {
		c.AcquireTimeout = 2 * time.Second
	}
	if c.AnswerTimeout == 0 {
		c.AnswerTimeout = 5 * time.Second
	}
	return c
}

// Connection is one upgraded WebSocket connection: its socket, its
// negotiated protocol instance, the arbitrator lock, and the deferred
// send queue.
type Connection struct {
	ID       uuid.UUID
	sock     *socket
	closer   io.Closer
	protocol *wireproto.Protocol
	handler  Handler
	cfg      Config

	L mu

	pendingMu sync.Mutex
	pendingTx *queue.Queue

	triesInFlight atomicint.Int64
	lastPingTicks atomicint.Int64 // unix milliseconds

	closing   atomicint.Int64 // 0/1, set once ConnectionClose is observed
	lastDone  atomicint.Int64 // unix milliseconds of the last Done result
}

// New wraps an already-hijacked, upgraded connection.
func New(rwc io.ReadWriteCloser, br *bufio.Reader, protocol *wireproto.Protocol, handler Handler, cfg Config) *Connection {
	c := &Connection{
		ID:        uuid.New(),
		sock:      newSocket(rwc, br),
		closer:    rwc,
		protocol:  protocol,
		handler:   handler,
		cfg:       cfg.withDefaults(),
		L:         newMu(),
		pendingTx: queue.New(),
	}
	c.lastPingTicks.Store(nowMillis())
	c.lastDone.Store(nowMillis())
	return c
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}

// Result is the outcome of one ProcessOne iteration.
type Result int

const (
	ResultNone Result = iota
	ResultPing
	ResultDone
	ResultError
	ResultClosed
)

func (r Result) String() string {
	switch r {
	case ResultNone:
		return "none"
	case ResultPing:
		return "ping"
	case ResultDone:
		return "done"
	case ResultError:
		return "error"
	case ResultClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// IsClosing reports whether a ConnectionClose frame has been observed on
// this connection.
func (c *Connection) IsClosing() bool {
	return c.closing.Load() != 0
}

// enqueue appends f to the async send queue, drained at the top of the
// next ProcessOne iteration.
func (c *Connection) enqueue(f frame.Frame) {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	c.pendingTx.Add(f)
}

// ProcessOne runs a single iteration of the connection state machine. It
// tries to acquire L within a 5ms budget; if it cannot, it returns
// ResultNone immediately without blocking the caller's loop.
func (c *Connection) ProcessOne(ctx context.Context) (Result, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, 5*time.Millisecond)
	defer cancel()

	if err := c.L.Lock(acquireCtx); err != nil {
		return ResultNone, nil
	}
	defer c.L.Unlock()

	return c.processLocked(ctx)
}

// processLocked runs the body of ProcessOne assuming L is already held
// by the caller. It is shared with the arbitrator's drain-before-send
// step, which holds L across several processLocked calls.
func (c *Connection) processLocked(ctx context.Context) (Result, error) {
	if err := c.drainPendingLocked(); err != nil {
		return ResultError, err
	}

	f, ok, err := frame.GetFrame(c.sock, 0)
	if err != nil {
		return ResultError, err
	}
	if !ok {
		if !c.IsClosing() && c.cfg.Heartbeat != 0 && time.Since(millisToTime(c.lastPingTicks.Load())) > c.cfg.Heartbeat {
			if err := c.sendFrame(frame.Frame{Opcode: frame.OpPing}); err != nil {
				return ResultError, err
			}
			return ResultPing, nil
		}
		return ResultNone, nil
	}

	return c.dispatch(ctx, f)
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func (c *Connection) drainPendingLocked() error {
	c.pendingMu.Lock()
	n := c.pendingTx.Length()
	frames := make([]frame.Frame, 0, n)
	for i := 0; i < n; i++ {
		frames = append(frames, c.pendingTx.Remove().(frame.Frame))
	}
	c.pendingMu.Unlock()

	if len(frames) == 0 {
		return nil
	}
	for _, f := range frames {
		if err := c.sendFrame(f); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) sendFrame(f frame.Frame) error {
	if err := frame.SendFrame(c.sock, f, c.cfg.MaskOutgoing); err != nil {
		return err
	}
	c.lastPingTicks.Store(nowMillis())
	return nil
}

func (c *Connection) dispatch(ctx context.Context, f frame.Frame) (result Result, err error) {
	switch {
	case f.Opcode.Control():
		return c.dispatchControl(f)

	case f.Opcode.Data() && f.Opcode != frame.OpContinuation:
		return c.dispatchREST(ctx, f)

	default:
		// Reserved opcodes, and a bare Continuation frame with no
		// leading fragment, are ignored without an echo. A strict
		// reimplementation would instead tear the connection down with
		// close code 1002; this engine preserves the lenient behavior.
		return ResultDone, nil
	}
}

// dispatchControl handles the three RFC 6455 control opcodes. Reserved
// control opcodes (11-15) never reach it: Opcode.Control is false for
// them, so dispatch's default case ignores them without an echo.
func (c *Connection) dispatchControl(f frame.Frame) (Result, error) {
	switch f.Opcode {
	case frame.OpPing:
		if err := c.sendFrame(frame.Frame{Opcode: frame.OpPong, Payload: f.Payload}); err != nil {
			return ResultError, err
		}
		return ResultPing, nil

	case frame.OpPong:
		return ResultPing, nil

	case frame.OpClose:
		c.closing.Store(1)
		if err := c.sendFrame(frame.Frame{Opcode: frame.OpClose, Payload: f.Payload}); err != nil {
			return ResultError, err
		}
		return ResultClosed, nil

	default:
		return ResultDone, nil
	}
}

func (c *Connection) dispatchREST(ctx context.Context, f frame.Frame) (result Result, err error) {
	if c.protocol.Kind() == wireproto.KindChat {
		return c.dispatchChat(ctx, f)
	}

	req, ok, err := c.protocol.DecodeRequest(f)
	if err != nil || !ok {
		// Decode mismatch (bad head token, bad AES padding, bad LZ
		// header) is not fatal: the frame is silently dropped.
		return ResultDone, nil
	}

	resp, handlerErr := c.invokeHandler(ctx, req)
	if handlerErr != nil {
		return ResultError, handlerErr
	}

	if !req.NoAnswer {
		answer, err := c.protocol.EncodeAnswer(resp)
		if err != nil {
			return ResultError, err
		}
		if err := c.sendFrame(answer); err != nil {
			return ResultError, err
		}
	}
	return ResultDone, nil
}

// dispatchChat handles an inbound frame on a Chat-kind connection: Chat
// has no head token and no adapter, so the frame payload is delivered to
// the handler as-is and any non-empty reply body is pushed back raw,
// using the same opcode the peer sent.
func (c *Connection) dispatchChat(ctx context.Context, f frame.Frame) (Result, error) {
	req := wireproto.RequestContext{Body: f.Payload, ContentType: chatContentType(f.Opcode)}

	resp, handlerErr := c.invokeHandler(ctx, req)
	if handlerErr != nil {
		return ResultError, handlerErr
	}

	if len(resp.Body) > 0 {
		if err := c.sendFrame(frame.Frame{Opcode: f.Opcode, Payload: resp.Body}); err != nil {
			return ResultError, err
		}
	}
	return ResultDone, nil
}

// chatContentType is the content-type a Chat dispatch assigns to an
// inbound frame's RequestContext, based on which opcode carried it.
func chatContentType(op frame.Opcode) string {
	if op == frame.OpBinary {
		return "application/octet-stream"
	}
	return "text/plain"
}

// chatOpcode is the inverse of chatContentType: it picks the outgoing
// opcode for a Chat NotifyCallback send based on the caller's declared
// content type.
func chatOpcode(contentType string) frame.Opcode {
	if strings.HasPrefix(contentType, "application/") {
		return frame.OpBinary
	}
	return frame.OpText
}

// invokeHandler calls c.handler, converting a panic into an error so
// ProcessOne can surface it as Result Error rather than crashing the
// connection's goroutine.
func (c *Connection) invokeHandler(ctx context.Context, req wireproto.RequestContext) (resp wireproto.ResponseContext, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.Errorf("engine: handler panicked: %v", r)
		}
	}()
	if c.handler == nil {
		return wireproto.ResponseContext{Status: "404 Not Found"}, nil
	}
	return c.handler(ctx, req), nil
}

// Close tears down the underlying connection, then waits until no
// goroutine is inside NotifyCallback's acquire phase before returning.
// Each acquirer gives up after its AcquireTimeout, so the wait is bounded.
func (c *Connection) Close() error {
	err := c.closer.Close()
	c.WaitIdle(context.Background())
	return err
}

// WaitIdle blocks until no goroutine is inside NotifyCallback's acquire
// phase, so the connection can be safely destroyed.
func (c *Connection) WaitIdle(ctx context.Context) error {
	for c.triesInFlight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
	return nil
}
