package xhci

import (
	"context"
	"fmt"
	"time"
)

// Clock is the time source for register polls.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// waitFor polls done until it returns true, the timeout expires, or ctx is
// canceled. A negative timeout polls forever.
func (c *Controller) waitFor(ctx context.Context, cond string, done func() bool) error {
	var (
		clk      = c.cfg.Clock
		start    = clk.Now()
		deadline = start.Add(c.cfg.Timeout)
	)

	for polls := 1; ; polls++ {
		if done() {
			c.log.Debug("condition met", "cond", cond, "polls", polls, "elapsed", clk.Now().Sub(start))
			return nil
		}

		if c.cfg.Timeout >= 0 && !clk.Now().Before(deadline) {
			return fmt.Errorf("%w: %s after %v (%d polls)", ErrTimeout, cond, c.cfg.Timeout, polls)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s: %w", cond, ctx.Err())
		case <-clk.After(c.cfg.PollInterval):
		}
	}
}
