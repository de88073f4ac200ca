package feed

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/websocket"
)

// Message is one raw upstream message together with the local time it was
// handed to us by the socket. ReceivedAt is the reference point for every
// latency derived from the message, so it is taken before anything else.
type Message struct {
	Data       []byte
	ReceivedAt time.Time
}

// Conn is a live subscription to the upstream stream.
type Conn interface {
	// Read blocks until the next text message arrives or ctx is done.
	Read(ctx context.Context) (Message, error)
	Close() error
}

// Dialer opens a new upstream subscription.
type Dialer func(ctx context.Context) (Conn, error)

const defaultReadLimit = 1 << 20

type wsConn struct {
	url  string
	conn *websocket.Conn
}

// NewWebsocketDialer returns a Dialer subscribing to a websocket stream URL,
// e.g. wss://stream.binance.com:9443/ws/btcusdt@bookTicker.
func NewWebsocketDialer(url string, dialTimeout time.Duration) Dialer {
	return func(ctx context.Context) (Conn, error) {
		if dialTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, dialTimeout)
			defer cancel()
		}

		c, _, err := websocket.Dial(ctx, url, nil)
		if err != nil {
			return nil, fmt.Errorf("error dialing upstream %s: %w", url, err)
		}
		c.SetReadLimit(defaultReadLimit)

		return &wsConn{url: url, conn: c}, nil
	}
}

func (w *wsConn) Read(ctx context.Context) (Message, error) {
	for {
		typ, data, err := w.conn.Read(ctx)
		receivedAt := time.Now()
		if err != nil {
			return Message{}, fmt.Errorf("error reading from upstream %s: %w", w.url, err)
		}

		// control frames are handled by the library, binary frames are not part of the stream
		if typ != websocket.MessageText {
			continue
		}

		return Message{Data: data, ReceivedAt: receivedAt}, nil
	}
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}
