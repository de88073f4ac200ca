package backoff

import (
	"context"
	"io"
	"sync"

	"github.com/DrC0ns0le/feed-perf/pkg/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	legState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feedperf_leg_state",
		Help: "connection state of a leg, 0 disconnected, 1 connecting, 2 connected",
	}, []string{"leg"})
	legAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedperf_leg_connect_attempts_total",
		Help: "number of connection attempts per leg and outcome",
	}, []string{"leg", "outcome"})
)

// State of one logical connection.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	}
	return "unknown"
}

// DialFunc opens one connection of a leg.
type DialFunc[T io.Closer] func(ctx context.Context) (T, error)

type Options struct {
	Policy Policy
	// Sleep defaults to the real timer based Sleep
	Sleep  SleepFunc
	Logger logging.Logger
}

// Leg keeps one connection alive. Run drives the state machine
// Disconnected -> Connecting -> Connected -> Disconnected in its own
// goroutine; users take the current connection with Current or Wait and
// report broken ones with Fail.
type Leg[T io.Closer] struct {
	name   string
	dial   DialFunc[T]
	policy Policy
	sleep  SleepFunc
	logger logging.Logger

	mu    sync.Mutex
	state State
	conn  T
	gen   uint64
	// closed while Connected, replaced on every disconnect
	ready chan struct{}

	failed chan struct{}
}

func NewLeg[T io.Closer](name string, dial DialFunc[T], opts Options) *Leg[T] {
	if opts.Sleep == nil {
		opts.Sleep = Sleep
	}
	if opts.Logger == nil {
		opts.Logger = logging.NewNopLogger()
	}

	l := &Leg[T]{
		name:   name,
		dial:   dial,
		policy: opts.Policy.normalize(),
		sleep:  opts.Sleep,
		logger: opts.Logger.With("leg", name),
		ready:  make(chan struct{}),
		failed: make(chan struct{}, 1),
	}
	legState.WithLabelValues(name).Set(float64(Disconnected))

	return l
}

func (l *Leg[T]) Name() string {
	return l.name
}

func (l *Leg[T]) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Run connects, then reconnects after every reported failure, until ctx is
// done. The first attempt is immediate; after a failure the leg waits
// before each attempt, starting from the policy's initial delay.
func (l *Leg[T]) Run(ctx context.Context) error {
	waitFirst := false
	for {
		conn, err := l.establish(ctx, waitFirst)
		if err != nil {
			l.setState(Disconnected)
			return err
		}
		l.connected(conn)

		select {
		case <-ctx.Done():
			l.shutdown()
			return ctx.Err()
		case <-l.failed:
		}
		waitFirst = true
	}
}

func (l *Leg[T]) establish(ctx context.Context, waitFirst bool) (T, error) {
	var zero T

	delay := l.policy.Initial
	for attempt := 1; ; attempt++ {
		if waitFirst || attempt > 1 {
			l.logger.Infof("reconnecting %s in %s (attempt %d)", l.name, delay, attempt)
			if err := l.sleep(ctx, delay); err != nil {
				return zero, err
			}
			delay = l.policy.Next(delay)
		}

		if err := ctx.Err(); err != nil {
			return zero, err
		}

		l.setState(Connecting)
		conn, err := l.dial(ctx)
		if err != nil {
			legAttempts.WithLabelValues(l.name, "failure").Inc()
			l.logger.Errorf("attempt %d to connect %s failed: %v", attempt, l.name, err)
			l.setState(Disconnected)
			continue
		}

		legAttempts.WithLabelValues(l.name, "success").Inc()
		if waitFirst || attempt > 1 {
			l.logger.Infof("reconnected %s after %d attempt(s)", l.name, attempt)
		} else {
			l.logger.Infof("connected %s", l.name)
		}
		return conn, nil
	}
}

func (l *Leg[T]) connected(conn T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.conn = conn
	l.gen++
	l.state = Connected
	close(l.ready)
	legState.WithLabelValues(l.name).Set(float64(Connected))
}

// Current returns the live connection and its generation. ok is false
// unless the leg is Connected.
func (l *Leg[T]) Current() (conn T, gen uint64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != Connected {
		return conn, 0, false
	}
	return l.conn, l.gen, true
}

// Wait blocks until the leg is Connected or ctx is done.
func (l *Leg[T]) Wait(ctx context.Context) (T, uint64, error) {
	for {
		l.mu.Lock()
		if l.state == Connected {
			conn, gen := l.conn, l.gen
			l.mu.Unlock()
			return conn, gen, nil
		}
		ready := l.ready
		l.mu.Unlock()

		select {
		case <-ready:
		case <-ctx.Done():
			var zero T
			return zero, 0, ctx.Err()
		}
	}
}

// Fail reports that the connection of generation gen is broken. Reports
// for a connection that was already replaced are ignored, so several users
// of one connection can report the same failure.
func (l *Leg[T]) Fail(gen uint64, cause error) {
	l.mu.Lock()
	if l.state != Connected || gen != l.gen {
		l.mu.Unlock()
		return
	}

	conn := l.conn
	l.disconnectLocked()
	l.mu.Unlock()

	l.logger.Errorf("%s connection lost: %v", l.name, cause)
	if err := conn.Close(); err != nil {
		l.logger.Debugf("error closing %s connection: %v", l.name, err)
	}

	select {
	case l.failed <- struct{}{}:
	default:
	}
}

func (l *Leg[T]) shutdown() {
	l.mu.Lock()
	if l.state != Connected {
		l.mu.Unlock()
		return
	}
	conn := l.conn
	l.disconnectLocked()
	l.mu.Unlock()

	if err := conn.Close(); err != nil {
		l.logger.Debugf("error closing %s connection: %v", l.name, err)
	}
}

func (l *Leg[T]) disconnectLocked() {
	var zero T
	l.conn = zero
	l.state = Disconnected
	l.ready = make(chan struct{})
	legState.WithLabelValues(l.name).Set(float64(Disconnected))
}

func (l *Leg[T]) setState(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.state = s
	legState.WithLabelValues(l.name).Set(float64(s))
}
