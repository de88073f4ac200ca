package backoff

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	id     int
	closed atomic.Bool
}

func (f *fakeConn) Close() error {
	f.closed.Store(true)
	return nil
}

// fakeDialer fails while failures is positive, then hands out new conns.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	dials    int
	conns    []*fakeConn
}

func (d *fakeDialer) dial(ctx context.Context) (*fakeConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{id: len(d.conns)}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFailures(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures = n
}

// recordingSleep records requested delays without waiting.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleep) snapshot() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func TestPolicy_Next(t *testing.T) {
	p := Policy{Initial: time.Second, Max: 30 * time.Second}

	d := p.Initial
	var got []time.Duration
	for i := 0; i < 7; i++ {
		got = append(got, d)
		d = p.Next(d)
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}, got)

	// Max below Initial is raised to Initial
	p = Policy{Initial: 2 * time.Second, Max: time.Second}
	assert.Equal(t, 2*time.Second, p.Next(2*time.Second))
}

func TestLeg_InitialConnectBacksOff(t *testing.T) {
	dialer := &fakeDialer{failures: 6}
	sleeper := &recordingSleep{}
	leg := NewLeg("test-initial", dialer.dial, Options{
		Policy: Policy{Initial: time.Second, Max: 8 * time.Second},
		Sleep:  sleeper.sleep,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go leg.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()
	conn, gen, err := leg.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, 0, conn.id)
	assert.Equal(t, uint64(1), gen)
	assert.Equal(t, Connected, leg.State())

	// first attempt immediate, then 1 2 4 8 8 8
	assert.Equal(t, []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second,
		8 * time.Second, 8 * time.Second, 8 * time.Second,
	}, sleeper.snapshot())
	assert.Equal(t, float64(Connected), testutil.ToFloat64(legState.WithLabelValues("test-initial")))
	assert.Equal(t, 6.0, testutil.ToFloat64(legAttempts.WithLabelValues("test-initial", "failure")))
}

func TestLeg_FailReconnectsAndResetsDelay(t *testing.T) {
	dialer := &fakeDialer{failures: 2}
	sleeper := &recordingSleep{}
	leg := NewLeg("test-reset", dialer.dial, Options{
		Policy: Policy{Initial: time.Second, Max: 30 * time.Second},
		Sleep:  sleeper.sleep,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go leg.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()

	first, gen, err := leg.Wait(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, sleeper.snapshot())

	dialer.setFailures(1)
	leg.Fail(gen, errors.New("broken pipe"))
	assert.True(t, first.closed.Load())

	second, gen2, err := leg.Wait(waitCtx)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Greater(t, gen2, gen)

	// after a failure the leg waits first, starting again from Initial
	assert.Equal(t, []time.Duration{
		time.Second, 2 * time.Second,
		time.Second, 2 * time.Second,
	}, sleeper.snapshot())
}

func TestLeg_StaleFailIgnored(t *testing.T) {
	dialer := &fakeDialer{}
	leg := NewLeg("test-stale", dialer.dial, Options{Sleep: (&recordingSleep{}).sleep})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go leg.Run(ctx)

	waitCtx, waitCancel := context.WithTimeout(ctx, 5*time.Second)
	defer waitCancel()

	_, gen, err := leg.Wait(waitCtx)
	require.NoError(t, err)

	leg.Fail(gen, errors.New("first report"))
	conn, gen2, err := leg.Wait(waitCtx)
	require.NoError(t, err)

	// a second report about the old connection must not drop the new one
	leg.Fail(gen, errors.New("late report"))
	current, gen3, ok := leg.Current()
	require.True(t, ok)
	assert.Same(t, conn, current)
	assert.Equal(t, gen2, gen3)
	assert.False(t, conn.closed.Load())
}

func TestLeg_WaitHonoursContext(t *testing.T) {
	dialer := &fakeDialer{failures: 1 << 30}
	leg := NewLeg("test-wait", dialer.dial, Options{Sleep: (&recordingSleep{}).sleep})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _, err := leg.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	_, _, ok := leg.Current()
	assert.False(t, ok)
}

func TestLeg_RunStopsAndClosesOnCancel(t *testing.T) {
	dialer := &fakeDialer{}
	leg := NewLeg("test-stop", dialer.dial, Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- leg.Run(ctx) }()

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer waitCancel()
	conn, _, err := leg.Wait(waitCtx)
	require.NoError(t, err)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, conn.closed.Load())
	assert.Equal(t, Disconnected, leg.State())
}

func TestSleep(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
