package engine

import (
	"context"
	"time"

	"github.com/mbndr/synowire/frame"
	"github.com/mbndr/synowire/wireproto"
)

// Mode selects how NotifyCallback interacts with the connection lock and
// the reply.
type Mode int

const (
	// BlockWithAnswer acquires L, drains already-buffered inbound work,
	// sends the request, and blocks for the reply.
	BlockWithAnswer Mode = iota
	// BlockWithoutAnswer is identical but returns immediately after the
	// request is sent, without waiting for a reply.
	BlockWithoutAnswer
	// NonBlockWithoutAnswer appends the serialized request to the async
	// send queue and returns immediately; the engine loop sends it at
	// the start of its next iteration.
	NonBlockWithoutAnswer
)

// NotifyCallback is an out-of-band RPC initiated by the holder of the
// connection toward its peer. It is the only way to send a request from
// outside ProcessLoop, and is safe to call concurrently with Run and
// with other NotifyCallback calls: all outbound and inbound activity on
// the connection is serialized through L.
func (c *Connection) NotifyCallback(ctx context.Context, req wireproto.RequestContext, mode Mode) (wireproto.ResponseContext, error) {
	reqFrame, err := c.encodeCallbackFrame(req)
	if err != nil {
		return wireproto.ResponseContext{}, err
	}

	if mode == NonBlockWithoutAnswer {
		if err := c.acquireBriefly(ctx); err != nil {
			return wireproto.ResponseContext{}, ErrNotFound
		}
		c.enqueue(reqFrame)
		c.L.Unlock()
		return wireproto.ResponseContext{}, nil
	}

	if err := c.acquire(ctx, c.cfg.AcquireTimeout); err != nil {
		return wireproto.ResponseContext{}, ErrNotFound
	}
	defer c.L.Unlock()

	// Drain-before-send: process everything already readable so the
	// next frame on the wire, once we send, is our reply rather than a
	// request the peer beat us to.
drain:
	for {
		result, err := c.processLocked(ctx)
		switch result {
		case ResultNone:
			break drain
		case ResultError:
			return wireproto.ResponseContext{}, err
		case ResultClosed:
			return wireproto.ResponseContext{}, ErrConnectionClosed
		}
	}

	if err := c.sendFrame(reqFrame); err != nil {
		return wireproto.ResponseContext{}, err
	}

	if mode == BlockWithoutAnswer {
		return wireproto.ResponseContext{}, nil
	}

	return c.awaitAnswer(ctx)
}

// encodeCallbackFrame builds the outbound frame for NotifyCallback. Chat
// has no adapter and no head token, so the request body is sent as a raw
// Text/Binary frame instead of going through Protocol.EncodeRequest.
func (c *Connection) encodeCallbackFrame(req wireproto.RequestContext) (frame.Frame, error) {
	if c.protocol.Kind() == wireproto.KindChat {
		return frame.Frame{Opcode: chatOpcode(req.ContentType), Payload: req.Body}, nil
	}
	return c.protocol.EncodeRequest(req)
}

func (c *Connection) awaitAnswer(ctx context.Context) (wireproto.ResponseContext, error) {
	deadline := time.Now().Add(c.cfg.AnswerTimeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return wireproto.ResponseContext{}, ErrNotFound
		}

		f, ok, err := frame.GetFrame(c.sock, remaining)
		if err != nil {
			return wireproto.ResponseContext{}, err
		}
		if !ok {
			return wireproto.ResponseContext{}, ErrNotFound
		}

		if f.Opcode == frame.OpClose {
			c.closing.Store(1)
			return wireproto.ResponseContext{}, ErrConnectionClosed
		}
		if f.Opcode == frame.OpPing || f.Opcode == frame.OpPong {
			continue
		}

		if c.protocol.Kind() == wireproto.KindChat {
			return wireproto.ResponseContext{Body: f.Payload, ContentType: chatContentType(f.Opcode)}, nil
		}

		resp, ok, err := c.protocol.DecodeAnswer(f)
		if err != nil {
			return wireproto.ResponseContext{}, err
		}
		if !ok {
			// Both peers raced a BlockWithAnswer: this frame is the
			// peer's own request, not our reply. Per the source design
			// it is dropped rather than re-dispatched.
			return wireproto.ResponseContext{}, ErrNotFound
		}
		return resp, nil
	}
}

// acquire spins with a 1ms initial backoff, widening to 5ms after 5
// attempts, bailing when timeout or ctx elapses.
func (c *Connection) acquire(ctx context.Context, timeout time.Duration) error {
	c.triesInFlight.Increment(1)
	defer c.triesInFlight.Increment(-1)

	deadline := time.Now().Add(timeout)
	backoff := time.Millisecond
	attempts := 0
	for {
		if c.L.TryLock() {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrNotFound
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		attempts++
		if attempts >= 5 {
			backoff = 5 * time.Millisecond
		}
	}
}

func (c *Connection) acquireBriefly(ctx context.Context) error {
	return c.acquire(ctx, c.cfg.AcquireTimeout)
}
