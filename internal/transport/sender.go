package transport

import (
	"context"
	"net"
	"time"

	"github.com/DrC0ns0le/feed-perf/internal/envelope"
	"github.com/pkg/errors"
)

// Sender writes envelopes to the destination. A Sender is owned by the
// relay session that dialed it.
type Sender interface {
	// Send writes one envelope. The write is bounded by ctx.
	Send(ctx context.Context, e envelope.Envelope) error
	RemoteAddr() net.Addr
	Close() error
}

// Dial opens the origin side of the relay leg.
func Dial(ctx context.Context, kind Kind, addr string, timeout time.Duration) (Sender, error) {
	d := net.Dialer{Timeout: timeout}

	switch kind {
	case TCP:
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "error connecting to destination %s", addr)
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}
		return &streamSender{conn: conn}, nil
	case UDP:
		conn, err := d.DialContext(ctx, "udp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "error resolving destination %s", addr)
		}
		return &datagramSender{conn: conn}, nil
	}

	return nil, errors.Errorf("unknown relay transport %q", kind)
}

type streamSender struct {
	conn net.Conn
}

func (s *streamSender) Send(ctx context.Context, e envelope.Envelope) error {
	line, err := envelope.MarshalLine(e)
	if err != nil {
		return err
	}

	stop := bindDeadline(ctx, s.conn.SetWriteDeadline)
	defer stop()

	if _, err := s.conn.Write(line); err != nil {
		return errors.Wrapf(err, "error writing envelope %d to %s", e.SequenceID, s.conn.RemoteAddr())
	}
	return nil
}

func (s *streamSender) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *streamSender) Close() error { return s.conn.Close() }

type datagramSender struct {
	conn net.Conn
}

func (s *datagramSender) Send(ctx context.Context, e envelope.Envelope) error {
	data, err := envelope.Marshal(e)
	if err != nil {
		return err
	}
	if len(data) > maxDatagram {
		return errors.Wrapf(ErrTooLarge, "envelope %d is %d bytes", e.SequenceID, len(data))
	}

	stop := bindDeadline(ctx, s.conn.SetWriteDeadline)
	defer stop()

	if _, err := s.conn.Write(data); err != nil {
		return errors.Wrapf(err, "error sending envelope %d to %s", e.SequenceID, s.conn.RemoteAddr())
	}
	return nil
}

func (s *datagramSender) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }

func (s *datagramSender) Close() error { return s.conn.Close() }
