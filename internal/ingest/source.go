package ingest

import (
	"context"

	"github.com/DrC0ns0le/feed-perf/internal/backoff"
	"github.com/DrC0ns0le/feed-perf/internal/feed"
	"github.com/DrC0ns0le/feed-perf/internal/transport"
	"github.com/DrC0ns0le/feed-perf/pkg/logging"
)

// Source yields inbound units with their arrival time. transport.Receiver
// is the relay source.
type Source interface {
	Recv(ctx context.Context) (transport.Arrival, error)
}

// runner is implemented by sources that keep a connection alive in the
// background. The session runs it for as long as it ingests.
type runner interface {
	Run(ctx context.Context) error
}

// FeedSource reads the upstream stream directly, for baseline runs. The
// subscription reconnects with backoff like the origin's upstream leg.
type FeedSource struct {
	leg *backoff.Leg[feed.Conn]
}

func NewFeedSource(dial feed.Dialer, policy backoff.Policy, logger logging.Logger) *FeedSource {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &FeedSource{
		leg: backoff.NewLeg("upstream", backoff.DialFunc[feed.Conn](dial), backoff.Options{
			Policy: policy,
			Logger: logger.With("component", "ingest"),
		}),
	}
}

func (f *FeedSource) Run(ctx context.Context) error {
	return f.leg.Run(ctx)
}

// Recv returns the next upstream message. Read failures are reported to the
// leg and never returned; only ctx ends the wait.
func (f *FeedSource) Recv(ctx context.Context) (transport.Arrival, error) {
	for {
		conn, gen, err := f.leg.Wait(ctx)
		if err != nil {
			return transport.Arrival{}, err
		}

		msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return transport.Arrival{}, ctx.Err()
			}
			f.leg.Fail(gen, err)
			continue
		}

		return transport.Arrival{Data: msg.Data, ReceivedAt: msg.ReceivedAt}, nil
	}
}
