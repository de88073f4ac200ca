package relay

import "sync/atomic"

// Counter issues the sequence ids of one origin session: starting at 0,
// gapless, unique and increasing, also with several concurrent callers.
type Counter struct {
	next atomic.Uint64
}

func NewCounter() *Counter {
	return &Counter{}
}

// Next issues the next id.
func (c *Counter) Next() uint64 {
	return c.next.Add(1) - 1
}

// Issued returns how many ids have been issued so far.
func (c *Counter) Issued() uint64 {
	return c.next.Load()
}
