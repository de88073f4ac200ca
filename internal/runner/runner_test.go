package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/DrC0ns0le/feed-perf/internal/ingest"
	"github.com/DrC0ns0le/feed-perf/internal/results"
	"github.com/DrC0ns0le/feed-perf/internal/stats"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// idleCollector returns its result once ctx is done, like a session that
// never received anything more.
type idleCollector struct {
	result ingest.Result
	err    error
	calls  atomic.Int32
}

func (c *idleCollector) Run(ctx context.Context) (ingest.Result, error) {
	c.calls.Add(1)
	if c.err != nil {
		return ingest.Result{}, c.err
	}
	<-ctx.Done()
	return c.result, nil
}

type recordingSink struct {
	name string
	err  error

	mu      sync.Mutex
	reports []results.Report
	ctxErr  error
}

func (s *recordingSink) Name() string { return s.name }

func (s *recordingSink) Write(ctx context.Context, r results.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reports = append(s.reports, r)
	s.ctxErr = ctx.Err()
	return s.err
}

type recordingHealth struct {
	mu     sync.Mutex
	states []bool
}

func (h *recordingHealth) SetServing(serving bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.states = append(h.states, serving)
}

func TestController_EndsAtDeadlineWithZeroSamples(t *testing.T) {
	sink := &recordingSink{name: "json"}
	health := &recordingHealth{}
	runID := uuid.NewString()

	c := New(Config{Mode: stats.ModeRelay, RunID: runID, Duration: 150 * time.Millisecond},
		&idleCollector{}, []results.Sink{sink}, health, nil)

	start := time.Now()
	summary, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
	assert.Equal(t, 0, summary.SampleCount)
	assert.Equal(t, runID, summary.RunID)
	assert.Equal(t, stats.ModeRelay, summary.SetupType)
	assert.False(t, summary.FinishedAt.Before(summary.StartedAt))

	require.Len(t, sink.reports, 1)
	assert.NoError(t, sink.ctxErr, "sinks run with a live context after the deadline")
	assert.Equal(t, []bool{true, false}, health.states)
}

func TestController_SummarizesOnce(t *testing.T) {
	records := []stats.Record{
		stats.NewRelayRecord(0, 1_000, 1_001_000_000, 1_004_000_000),
		stats.NewRelayRecord(2, 1_000, 1_001_000_000, 1_006_000_000),
	}
	collector := &idleCollector{result: ingest.Result{Records: records, Lost: 1, Malformed: 3}}
	sink := &recordingSink{name: "csv"}

	c := New(Config{Mode: stats.ModeRelay, Duration: 20 * time.Millisecond}, collector, []results.Sink{sink}, nil, nil)

	first, err := c.Run(context.Background())
	require.NoError(t, err)
	second, err := c.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), collector.calls.Load())
	require.Len(t, sink.reports, 1)

	assert.Equal(t, 2, first.SampleCount)
	assert.Equal(t, uint64(1), first.EventsLost)
	assert.Equal(t, uint64(3), first.MalformedMessages)
	assert.InDelta(t, 5.0, first.AvgLatencyMs, 1e-9)
	assert.Equal(t, records, sink.reports[0].Records)
}

func TestController_ParentCancelFinalizes(t *testing.T) {
	sink := &recordingSink{name: "json"}
	c := New(Config{Mode: stats.ModeBaseline}, &idleCollector{}, []results.Sink{sink}, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := c.Run(ctx)
	require.NoError(t, err)
	require.Len(t, sink.reports, 1)
	assert.NoError(t, sink.ctxErr)
}

func TestController_SinkFailuresAreJoined(t *testing.T) {
	failing := &recordingSink{name: "elastic", err: errors.New("cluster unavailable")}
	ok := &recordingSink{name: "json"}

	c := New(Config{Mode: stats.ModeRelay, Duration: 10 * time.Millisecond},
		&idleCollector{}, []results.Sink{failing, ok}, nil, nil)

	summary, err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "elastic: cluster unavailable")
	assert.Equal(t, stats.ModeRelay, summary.SetupType)
	assert.Len(t, ok.reports, 1, "a failing sink does not stop the others")
}

func TestController_CollectorFailure(t *testing.T) {
	sink := &recordingSink{name: "json"}
	c := New(Config{Mode: stats.ModeRelay, Duration: time.Second},
		&idleCollector{err: errors.New("listener closed")}, []results.Sink{sink}, nil, nil)

	_, err := c.Run(context.Background())
	assert.ErrorContains(t, err, "listener closed")
	assert.Empty(t, sink.reports)
}
