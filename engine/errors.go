package engine

import "golang.org/x/xerrors"

// ErrNotFound is the sentinel NotifyCallback returns when the lock could
// not be acquired in time, the answer did not arrive in time, or the
// answer was silently dropped as a misdirected frame. Per §7 of the
// callback arbitration design this is not treated as fatal: callers
// translate it to an HTTP 404 and may retry.
var ErrNotFound = xerrors.New("engine: not found")

// ErrConnectionClosed is the sentinel surfaced when a ConnectionClose
// frame is observed in the middle of an outstanding blocking call. It is
// numerically distinct from ErrNotFound in the source design
// (WEBSOCKETCLOSED, value 0) but callers translate both to the same HTTP
// 404 at the boundary; the connection itself records the close, so
// IsClosing reports true afterwards.
var ErrConnectionClosed = xerrors.New("engine: connection closed")
