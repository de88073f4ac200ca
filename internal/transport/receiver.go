package transport

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DrC0ns0le/feed-perf/pkg/logging"
	"github.com/pkg/errors"
)

const acceptRetryDelay = 100 * time.Millisecond

// Receiver is the destination side of the relay leg.
type Receiver interface {
	// Recv blocks until the next unit arrives or ctx is done. Abandoning a
	// wait on ctx never loses data that was already read.
	Recv(ctx context.Context) (Arrival, error)
	Addr() net.Addr
	Close() error
}

// Listen binds the destination side of the relay leg. A bind failure is
// returned as is, the caller is expected to treat it as fatal.
func Listen(kind Kind, addr string, logger logging.Logger) (Receiver, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	switch kind {
	case TCP:
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "error listening on %s", addr)
		}
		return &streamReceiver{
			ln:     ln.(*net.TCPListener),
			logger: logger.With("component", "receiver", "transport", string(TCP)),
		}, nil
	case UDP:
		udpAddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, errors.Wrapf(err, "error resolving %s", addr)
		}
		conn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "error listening on %s", addr)
		}
		return &datagramReceiver{
			conn: conn,
			buf:  make([]byte, maxDatagram),
		}, nil
	}

	return nil, errors.Errorf("unknown relay transport %q", kind)
}

// streamReceiver serves one peer connection at a time. When the peer goes
// away the next Recv accepts a new one and numbers it, so a restarted
// origin, whose ids start again at 0, is told apart from the previous one.
type streamReceiver struct {
	ln     *net.TCPListener
	logger logging.Logger
	closed atomic.Bool

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader
	peerID uint64

	// bytes of a line interrupted by ctx, completed by the next Recv
	pending []byte
}

func (r *streamReceiver) Recv(ctx context.Context) (Arrival, error) {
	for {
		conn, reader, peerID, err := r.peer(ctx)
		if err != nil {
			return Arrival{}, err
		}

		stop := bindDeadline(ctx, conn.SetReadDeadline)
		line, err := reader.ReadBytes('\n')
		receivedAt := time.Now()
		stop()

		if err == nil {
			if len(r.pending) > 0 {
				line = append(r.pending, line...)
				r.pending = nil
			}
			return Arrival{Data: line, ReceivedAt: receivedAt, Peer: peerID}, nil
		}

		r.pending = append(r.pending, line...)
		if cerr := contextError(ctx, err); cerr != nil {
			return Arrival{}, cerr
		}
		if r.closed.Load() {
			return Arrival{}, ErrClosed
		}

		if err == io.EOF {
			r.logger.Infof("relay peer %s disconnected", conn.RemoteAddr())
		} else {
			r.logger.Errorf("error reading from relay peer %s: %v", conn.RemoteAddr(), err)
		}
		if len(r.pending) > 0 {
			r.logger.Warn("discarding truncated record", "reason", "malformed", "bytes", len(r.pending))
			r.pending = nil
		}
		r.dropPeer()
	}
}

// peer returns the current connection, accepting one if there is none.
func (r *streamReceiver) peer(ctx context.Context) (net.Conn, *bufio.Reader, uint64, error) {
	r.mu.Lock()
	conn, reader, peerID := r.conn, r.reader, r.peerID
	r.mu.Unlock()
	if conn != nil {
		return conn, reader, peerID, nil
	}

	for {
		if r.closed.Load() {
			return nil, nil, 0, ErrClosed
		}

		stop := bindDeadline(ctx, r.ln.SetDeadline)
		conn, err := r.ln.Accept()
		stop()
		if err == nil {
			r.mu.Lock()
			r.peerID++
			r.conn = conn
			r.reader = bufio.NewReader(conn)
			reader, peerID = r.reader, r.peerID
			r.mu.Unlock()

			r.logger.Infof("accepted relay peer %s (peer %d)", conn.RemoteAddr(), peerID)

			// a Close racing with the accept must not leak the new peer
			if r.closed.Load() {
				r.dropPeer()
				return nil, nil, 0, ErrClosed
			}
			return conn, reader, peerID, nil
		}

		if cerr := contextError(ctx, err); cerr != nil {
			return nil, nil, 0, cerr
		}
		if r.closed.Load() || errors.Is(err, net.ErrClosed) {
			return nil, nil, 0, ErrClosed
		}

		r.logger.Errorf("error accepting relay peer: %v", err)
		t := time.NewTimer(acceptRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, nil, 0, ctx.Err()
		case <-t.C:
		}
	}
}

func (r *streamReceiver) dropPeer() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn != nil {
		r.conn.Close()
	}
	r.conn = nil
	r.reader = nil
}

func (r *streamReceiver) Addr() net.Addr {
	return r.ln.Addr()
}

func (r *streamReceiver) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	err := r.ln.Close()
	r.dropPeer()
	return err
}

// datagramReceiver accepts datagrams from any sender.
type datagramReceiver struct {
	conn   *net.UDPConn
	buf    []byte
	closed atomic.Bool
}

func (r *datagramReceiver) Recv(ctx context.Context) (Arrival, error) {
	stop := bindDeadline(ctx, r.conn.SetReadDeadline)
	n, _, err := r.conn.ReadFromUDP(r.buf)
	receivedAt := time.Now()
	stop()

	if err != nil {
		if cerr := contextError(ctx, err); cerr != nil {
			return Arrival{}, cerr
		}
		if r.closed.Load() || errors.Is(err, net.ErrClosed) {
			return Arrival{}, ErrClosed
		}
		return Arrival{}, errors.Wrap(err, "error reading datagram")
	}

	data := make([]byte, n)
	copy(data, r.buf[:n])
	return Arrival{Data: data, ReceivedAt: receivedAt}, nil
}

func (r *datagramReceiver) Addr() net.Addr {
	return r.conn.LocalAddr()
}

func (r *datagramReceiver) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	return r.conn.Close()
}
