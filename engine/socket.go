package engine

import (
	"bufio"
	"io"
	"net"
	"time"

	"golang.org/x/xerrors"

	"github.com/mbndr/synowire/frame"
)

// deadlineReadWriteCloser is the subset of net.Conn that socket needs to
// implement a blocking-with-timeout Peek. A server-side connection
// (from http.Hijacker.Hijack) always satisfies this; a client-side one
// (the hijacked body an http.Client hands back after a 101 response)
// sometimes does not, depending on the Transport, so socket degrades
// gracefully when it's absent.
type deadlineReadWriteCloser interface {
	io.ReadWriteCloser
	SetReadDeadline(time.Time) error
}

// socket adapts the connection into the frame.Socket interface the
// codec needs: a buffered reader for Peek, a direct writer so
// SendFrame's separate header/payload writes for large messages aren't
// double-buffered.
type socket struct {
	rwc      io.ReadWriteCloser
	deadline deadlineReadWriteCloser // nil if rwc doesn't support deadlines
	br       *bufio.Reader
}

var _ frame.Socket = (*socket)(nil)

func newSocket(rwc io.ReadWriteCloser, br *bufio.Reader) *socket {
	s := &socket{rwc: rwc, br: br}
	if d, ok := rwc.(deadlineReadWriteCloser); ok {
		s.deadline = d
	}
	return s
}

func (s *socket) Read(p []byte) (int, error) {
	return s.br.Read(p)
}

func (s *socket) Write(p []byte) (int, error) {
	return s.rwc.Write(p)
}

// Peek reports whether n bytes can be read without blocking past
// timeout. A timeout of zero is a near non-blocking check: bytes already
// buffered by a previous Read satisfy it at once; otherwise the read
// deadline is set one millisecond ahead, so bytes already waiting in the
// kernel socket buffer are still picked up (a deadline already in the
// past would fail the read before it reached the socket).
//
// When the underlying connection doesn't support read deadlines, Peek
// falls back to checking only what bufio has already buffered; it never
// blocks waiting for more to arrive, which biases ProcessOne toward more
// frequent, shorter iterations rather than risking an unbounded block.
func (s *socket) Peek(n int, timeout time.Duration) (bool, error) {
	if s.deadline == nil {
		if s.br.Buffered() < n {
			return false, nil
		}
		_, err := s.br.Peek(n)
		if err != nil {
			return false, xerrors.Errorf("engine: peek failed: %w", err)
		}
		return true, nil
	}

	if timeout <= 0 {
		if s.br.Buffered() >= n {
			return true, nil
		}
		timeout = time.Millisecond
	}
	if err := s.deadline.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return false, xerrors.Errorf("engine: failed to set read deadline: %w", err)
	}
	defer s.deadline.SetReadDeadline(time.Time{})

	_, err := s.br.Peek(n)
	switch {
	case err == nil:
		return true, nil
	case isTimeout(err):
		return false, nil
	default:
		return false, xerrors.Errorf("engine: peek failed: %w", err)
	}
}

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
