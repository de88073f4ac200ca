package backoff

import (
	"context"
	"time"
)

// Policy is an exponential backoff: Initial, doubling each attempt, never
// more than Max. There is no attempt limit.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		Initial: 1 * time.Second,
		Max:     30 * time.Second,
	}
}

func (p Policy) normalize() Policy {
	if p.Initial <= 0 {
		p.Initial = time.Second
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	return p
}

// Next returns the delay following d.
func (p Policy) Next(d time.Duration) time.Duration {
	p = p.normalize()
	if d >= p.Max/2 {
		return p.Max
	}
	return 2 * d
}

// SleepFunc waits for d or until ctx is done, whichever is first.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
