package transport

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by a Receiver after Close.
	ErrClosed = errors.New("transport closed")
	// ErrTooLarge is returned when an envelope does not fit in one datagram.
	ErrTooLarge = errors.New("envelope exceeds datagram size")
)

// Kind selects the relay leg transport. Both ends must agree.
type Kind string

const (
	// TCP carries newline-delimited JSON envelopes over one persistent connection.
	TCP Kind = "tcp"
	// UDP carries exactly one JSON envelope per datagram.
	UDP Kind = "udp"
)

func ParseKind(s string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(s))); k {
	case TCP, UDP:
		return k, nil
	}
	return "", errors.Errorf("unknown relay transport %q, expected tcp or udp", s)
}

// maxDatagram is the largest UDP payload over IPv4.
const maxDatagram = 65507

// Arrival is one unit read from the relay leg: a stream line or a datagram.
type Arrival struct {
	Data []byte
	// ReceivedAt is taken as soon as the read returns, before any parsing
	ReceivedAt time.Time
	// Peer numbers the stream connection the unit was read from, starting
	// at 1 and incremented on every accept. Sequence ids are only
	// comparable within one peer. Datagrams and upstream messages carry 0.
	Peer uint64
}

// bindDeadline bounds the next blocking socket call by ctx: the ctx deadline
// becomes the socket deadline and cancelling ctx interrupts the call. The
// returned stop func must be called once the call has returned.
func bindDeadline(ctx context.Context, set func(time.Time) error) (stop func() bool) {
	deadline, _ := ctx.Deadline()
	_ = set(deadline)
	return context.AfterFunc(ctx, func() {
		// a deadline in the past wakes up a blocked call immediately
		_ = set(time.Unix(1, 0))
	})
}

// contextError maps a socket error caused by the bound ctx back to the ctx
// error. It returns nil when err was not caused by ctx.
func contextError(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return cerr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		if d, ok := ctx.Deadline(); ok && !time.Now().Before(d) {
			return context.DeadlineExceeded
		}
	}
	return nil
}
