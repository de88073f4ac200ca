package relay

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DrC0ns0le/feed-perf/internal/backoff"
	"github.com/DrC0ns0le/feed-perf/internal/envelope"
	"github.com/DrC0ns0le/feed-perf/internal/feed"
	"github.com/DrC0ns0le/feed-perf/internal/transport"
	"github.com/DrC0ns0le/feed-perf/pkg/logging"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ErrForwardDropped is returned for an envelope that could not be delivered
// even after the single retry. The envelope is lost and its sequence id
// shows up as a gap at the destination.
var ErrForwardDropped = errors.New("envelope dropped")

var (
	receivedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedperf_relay_received_total",
		Help: "upstream messages received by the origin",
	})
	forwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedperf_relay_forwarded_total",
		Help: "envelopes written to the destination",
	})
	retriedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedperf_relay_retried_total",
		Help: "envelopes whose first send failed and were retried",
	})
	droppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedperf_relay_dropped_total",
		Help: "envelopes dropped after the retry failed",
	})
	malformedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedperf_relay_malformed_total",
		Help: "upstream messages dropped because they could not be parsed",
	})
)

const DefaultRetryTimeout = 2 * time.Second

type Config struct {
	// RetryTimeout bounds each send attempt. Only the retry waits for the
	// destination leg to come back. A message is dropped after two attempts.
	RetryTimeout time.Duration

	// Backoff applies to both legs independently.
	Backoff backoff.Policy
	// Sleep overrides the backoff timer, for tests.
	Sleep backoff.SleepFunc
}

// Stats is a snapshot of the session counters.
type Stats struct {
	Received  uint64 `json:"received"`
	Forwarded uint64 `json:"forwarded"`
	Dropped   uint64 `json:"dropped"`
	Malformed uint64 `json:"malformed"`
	Issued    uint64 `json:"issued"`
}

func (s Stats) String() string {
	return fmt.Sprintf("received=%d forwarded=%d dropped=%d malformed=%d issued=%d",
		s.Received, s.Forwarded, s.Dropped, s.Malformed, s.Issued)
}

// Session is the origin: it subscribes upstream, stamps every message and
// forwards it to the destination. Each leg reconnects on its own.
type Session struct {
	cfg     Config
	counter *Counter

	upstream   *backoff.Leg[feed.Conn]
	downstream *backoff.Leg[transport.Sender]

	received  atomic.Uint64
	forwarded atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64

	logger logging.Logger
}

// NewSession builds a session issuing ids from counter. A nil counter
// starts a new sequence at 0.
func NewSession(cfg Config, counter *Counter, upstream feed.Dialer, downstream backoff.DialFunc[transport.Sender], logger logging.Logger) *Session {
	if cfg.RetryTimeout <= 0 {
		cfg.RetryTimeout = DefaultRetryTimeout
	}
	if counter == nil {
		counter = NewCounter()
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.With("component", "relay")

	opts := backoff.Options{Policy: cfg.Backoff, Sleep: cfg.Sleep, Logger: logger}

	return &Session{
		cfg:        cfg,
		counter:    counter,
		upstream:   backoff.NewLeg("upstream", backoff.DialFunc[feed.Conn](upstream), opts),
		downstream: backoff.NewLeg("downstream", downstream, opts),
		logger:     logger,
	}
}

// Run forwards until ctx is done. Connectivity failures on either leg are
// handled inside the session; Run only returns once ctx is done.
func (s *Session) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for _, run := range []func(context.Context) error{s.upstream.Run, s.downstream.Run} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			run(ctx)
		}()
	}

	s.logger.Infof("relay session started")
	for {
		conn, gen, err := s.upstream.Wait(ctx)
		if err != nil {
			break
		}

		msg, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			s.upstream.Fail(gen, err)
			continue
		}

		s.Handle(ctx, msg)
	}

	wg.Wait()
	s.logger.Infof("relay session stopped: %s", s.Stats())
	return ctx.Err()
}

// Handle processes one upstream message. It returns feed.ErrMalformed for a
// message that does not parse, which consumes no sequence id, and
// ErrForwardDropped when forwarding failed.
func (s *Session) Handle(ctx context.Context, msg feed.Message) error {
	s.received.Add(1)
	receivedTotal.Inc()

	ev, err := feed.ParseEvent(msg.Data)
	if err != nil {
		s.malformed.Add(1)
		malformedTotal.Inc()
		s.logger.Warn("dropping upstream message", "reason", "malformed", "error", err)
		return err
	}

	env := envelope.New(s.counter.Next(), msg.ReceivedAt, ev.EventTime, msg.Data)
	return s.Forward(ctx, env)
}

// Forward sends env to the destination. If the send fails the connection
// is reported broken and the send is retried once, on the reconnected leg.
// The first attempt never waits: while the leg is already down it fails at
// once and only the retry waits for the reconnect, bounded by RetryTimeout,
// so a destination outage costs each message one timeout at most.
func (s *Session) Forward(ctx context.Context, env envelope.Envelope) error {
	var lastErr error
	for attempt := 1; attempt <= 2; attempt++ {
		err := s.send(ctx, env, attempt > 1)
		if err == nil {
			s.forwarded.Add(1)
			forwardedTotal.Inc()
			return nil
		}
		lastErr = err

		if ctx.Err() != nil || errors.Is(err, transport.ErrTooLarge) {
			break
		}
		if attempt == 1 {
			retriedTotal.Inc()
			s.logger.Warnf("retrying envelope %d: %v", env.SequenceID, err)
		}
	}

	s.dropped.Add(1)
	droppedTotal.Inc()
	s.logger.Error("dropping envelope", "reason", "forward_failed", "sequence_id", env.SequenceID, "error", lastErr)

	return errors.Wrapf(ErrForwardDropped, "envelope %d: %v", env.SequenceID, lastErr)
}

// errNotConnected fails a first attempt while the destination is down.
var errNotConnected = errors.New("destination not connected")

// send makes one bounded attempt. Only a retry waits for the leg to come
// back.
func (s *Session) send(ctx context.Context, env envelope.Envelope, wait bool) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RetryTimeout)
	defer cancel()

	var (
		sender transport.Sender
		gen    uint64
	)
	if wait {
		var err error
		sender, gen, err = s.downstream.Wait(ctx)
		if err != nil {
			return errors.Wrap(err, "destination not connected")
		}
	} else {
		var ok bool
		sender, gen, ok = s.downstream.Current()
		if !ok {
			return errNotConnected
		}
	}

	if err := sender.Send(ctx, env); err != nil {
		if !errors.Is(err, transport.ErrTooLarge) {
			s.downstream.Fail(gen, err)
		}
		return err
	}
	return nil
}

func (s *Session) Stats() Stats {
	return Stats{
		Received:  s.received.Load(),
		Forwarded: s.forwarded.Load(),
		Dropped:   s.dropped.Load(),
		Malformed: s.malformed.Load(),
		Issued:    s.counter.Issued(),
	}
}

// Legs returns the upstream and downstream leg states.
func (s *Session) Legs() (upstream, downstream backoff.State) {
	return s.upstream.State(), s.downstream.State()
}
