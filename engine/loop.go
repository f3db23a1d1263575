package engine

import (
	"context"
	"time"
)

// Run drives ProcessOne in a loop until the connection closes
// gracefully, the socket fails, or ctx is canceled. It returns true if
// the loop exited because a ConnectionClose was observed and echoed
// (Result Closed), false on any other exit.
func (c *Connection) Run(ctx context.Context) (closedGracefully bool, err error) {
	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}

		result, procErr := c.ProcessOne(ctx)
		switch result {
		case ResultDone:
			c.lastDone.Store(nowMillis())
		case ResultClosed:
			return true, nil
		case ResultError:
			return false, procErr
		}

		time.Sleep(c.idleSleep(result))
	}
}

// idleSleep picks the adaptive backoff for the outer loop based on the
// most recent ProcessOne result and how long it has been since a Done
// result (busy activity resets the idle timer to zero).
func (c *Connection) idleSleep(result Result) time.Duration {
	var d time.Duration
	switch result {
	case ResultDone:
		d = 0
	case ResultPing:
		d = time.Millisecond
	case ResultError:
		d = 10 * time.Millisecond
	default: // ResultNone
		idle := time.Since(millisToTime(c.lastDone.Load()))
		switch {
		case idle <= 200*time.Millisecond:
			d = time.Millisecond
		case idle <= 500*time.Millisecond:
			d = 5 * time.Millisecond
		case idle <= 2*time.Second:
			d = 50 * time.Millisecond
		case idle <= 5*time.Second:
			d = 100 * time.Millisecond
		default:
			d = 500 * time.Millisecond
		}
	}
	if c.cfg.LoopDelay != 0 && d > c.cfg.LoopDelay {
		d = c.cfg.LoopDelay
	}
	return d
}
