package ingest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DrC0ns0le/feed-perf/internal/envelope"
	"github.com/DrC0ns0le/feed-perf/internal/feed"
	"github.com/DrC0ns0le/feed-perf/internal/stats"
	"github.com/DrC0ns0le/feed-perf/internal/transport"
	"github.com/DrC0ns0le/feed-perf/pkg/logging"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	receivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedperf_ingest_received_total",
		Help: "inbound units read by the destination",
	}, []string{"mode"})
	malformedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "feedperf_ingest_malformed_total",
		Help: "inbound units that could not be parsed",
	}, []string{"mode"})
	duplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "feedperf_ingest_duplicate_total",
		Help: "envelopes whose sequence id was already seen",
	})
	windowLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feedperf_window_latency_ms",
		Help: "end-to-end latency over the last window in milliseconds",
	}, []string{"mode", "stat"})
	windowSamples = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feedperf_window_samples",
		Help: "samples received in the last window",
	}, []string{"mode"})
)

// WindowPublisher receives every rolling window report.
type WindowPublisher interface {
	PublishWindow(ctx context.Context, ws stats.WindowStats) error
}

type Config struct {
	Mode stats.Mode
	// Window is the rolling report interval, one second by default
	Window time.Duration
}

// Result is what a session collected. The records are handed over to the
// caller, the session keeps no reference to them.
type Result struct {
	Records    []stats.Record
	Lost       uint64
	Malformed  uint64
	Duplicates uint64
}

// Stats is a live snapshot of the session counters.
type Stats struct {
	Received   uint64 `json:"received"`
	Records    uint64 `json:"records"`
	Malformed  uint64 `json:"malformed"`
	Duplicates uint64 `json:"duplicates"`
	Peers      int    `json:"peers"`
}

// Session is the destination: it stamps every arrival, builds measurement
// records and keeps the rolling view.
type Session struct {
	cfg       Config
	src       Source
	publisher WindowPublisher
	logger    logging.Logger

	records []stats.Record
	// one tracker per relay peer connection, ids restart with every origin session
	trackers map[uint64]*stats.SequenceTracker
	window   *stats.Window

	received   atomic.Uint64
	recorded   atomic.Uint64
	malformed  atomic.Uint64
	duplicates atomic.Uint64
	peers      atomic.Int64
}

func NewSession(cfg Config, src Source, publisher WindowPublisher, logger logging.Logger) (*Session, error) {
	if !cfg.Mode.Valid() {
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if src == nil {
		return nil, fmt.Errorf("no source for %s mode", cfg.Mode)
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Second
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Session{
		cfg:       cfg,
		src:       src,
		publisher: publisher,
		logger:    logger.With("component", "ingest", "mode", string(cfg.Mode)),
		trackers:  make(map[uint64]*stats.SequenceTracker),
	}, nil
}

// Run ingests until ctx is done, then returns everything it collected.
// Having received nothing is not an error. Run must only be called once.
func (s *Session) Run(ctx context.Context) (Result, error) {
	var wg sync.WaitGroup
	if r, ok := s.src.(runner); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Run(ctx)
		}()
	}
	defer wg.Wait()

	s.window = stats.NewWindow(s.cfg.Window, time.Now())
	s.logger.Infof("ingestion started")

	for {
		a, err := s.src.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				break
			}
			s.logger.Errorf("error receiving: %v", err)
			continue
		}
		s.handle(ctx, a)
	}

	if ws, ok := s.window.Flush(time.Now()); ok {
		s.report(context.WithoutCancel(ctx), ws)
	}

	res := s.result()
	s.logger.Infof("ingestion finished: %d records, %d lost, %d malformed", len(res.Records), res.Lost, res.Malformed)
	return res, nil
}

func (s *Session) handle(ctx context.Context, a transport.Arrival) {
	mode := string(s.cfg.Mode)
	s.received.Add(1)
	receivedTotal.WithLabelValues(mode).Inc()

	rec, err := s.record(a)
	if err != nil {
		s.malformed.Add(1)
		malformedTotal.WithLabelValues(mode).Inc()
		s.logger.Warn("dropping inbound unit", "reason", "malformed", "error", err)
		return
	}
	if rec == nil {
		return
	}

	s.records = append(s.records, *rec)
	s.recorded.Add(1)
	if ws, ok := s.window.Add(a.ReceivedAt, *rec); ok {
		s.report(ctx, ws)
	}
}

// record builds the measurement for a. A nil record without error means the
// unit was valid but is not counted.
func (s *Session) record(a transport.Arrival) (*stats.Record, error) {
	receivedAt := a.ReceivedAt.UnixNano()

	if s.cfg.Mode == stats.ModeBaseline {
		ev, err := feed.ParseEvent(a.Data)
		if err != nil {
			return nil, err
		}
		rec := stats.NewBaselineRecord(uint64(len(s.records)), ev.EventTime, receivedAt)
		return &rec, nil
	}

	env, err := envelope.Unmarshal(a.Data)
	if err != nil {
		return nil, err
	}
	if !s.tracker(a.Peer).Observe(env.SequenceID) {
		s.duplicates.Add(1)
		duplicateTotal.Inc()
		s.logger.Warnf("ignoring duplicate sequence id %d from peer %d", env.SequenceID, a.Peer)
		return nil, nil
	}
	rec := stats.NewRelayRecord(env.SequenceID, env.SourceEventTime, env.OriginReceiveTime, receivedAt)
	return &rec, nil
}

// tracker returns the sequence tracker of peer, starting a new one the
// first time the peer is seen.
func (s *Session) tracker(peer uint64) *stats.SequenceTracker {
	t, ok := s.trackers[peer]
	if !ok {
		if len(s.trackers) > 0 {
			s.logger.Infof("new relay peer %d, sequence tracking starts over", peer)
		}
		t = stats.NewSequenceTracker()
		s.trackers[peer] = t
		s.peers.Add(1)
	}
	return t
}

// Stats is safe to call while Run is in progress.
func (s *Session) Stats() Stats {
	return Stats{
		Received:   s.received.Load(),
		Records:    s.recorded.Load(),
		Malformed:  s.malformed.Load(),
		Duplicates: s.duplicates.Load(),
		Peers:      int(s.peers.Load()),
	}
}

func (s *Session) report(ctx context.Context, ws stats.WindowStats) {
	mode := string(s.cfg.Mode)
	windowSamples.WithLabelValues(mode).Set(float64(ws.Count))
	windowLatency.WithLabelValues(mode, "avg").Set(ws.AvgLatencyMs)
	windowLatency.WithLabelValues(mode, "min").Set(ws.MinLatencyMs)
	windowLatency.WithLabelValues(mode, "max").Set(ws.MaxLatencyMs)

	args := []any{
		"elapsed", ws.Elapsed.Truncate(time.Millisecond),
		"count", ws.Count,
		"avg_ms", fmt.Sprintf("%.3f", ws.AvgLatencyMs),
		"min_ms", fmt.Sprintf("%.3f", ws.MinLatencyMs),
		"max_ms", fmt.Sprintf("%.3f", ws.MaxLatencyMs),
	}
	if ws.BackboneAvgLatencyMs != nil {
		windowLatency.WithLabelValues(mode, "backbone_avg").Set(*ws.BackboneAvgLatencyMs)
		args = append(args, "backbone_avg_ms", fmt.Sprintf("%.3f", *ws.BackboneAvgLatencyMs))
	}
	s.logger.Info("window", args...)

	if s.publisher != nil {
		if err := s.publisher.PublishWindow(ctx, ws); err != nil {
			s.logger.Debugf("error publishing window: %v", err)
		}
	}
}

func (s *Session) result() Result {
	res := Result{
		Records:    s.records,
		Malformed:  s.malformed.Load(),
		Duplicates: s.duplicates.Load(),
	}
	// baseline has no hop to lose anything over
	if s.cfg.Mode == stats.ModeRelay {
		for _, t := range s.trackers {
			res.Lost += t.Lost()
		}
	}
	s.records = nil
	return res
}
