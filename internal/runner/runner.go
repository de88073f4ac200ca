package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/DrC0ns0le/feed-perf/internal/ingest"
	"github.com/DrC0ns0le/feed-perf/internal/results"
	"github.com/DrC0ns0le/feed-perf/internal/stats"
	"github.com/DrC0ns0le/feed-perf/pkg/logging"
)

const defaultSinkTimeout = 30 * time.Second

// Collector is a session that ingests until its context is done.
type Collector interface {
	Run(ctx context.Context) (ingest.Result, error)
}

// Health is told when the run stops serving data.
type Health interface {
	SetServing(serving bool)
}

type Config struct {
	Mode  stats.Mode
	RunID string
	// Duration bounds the collection. Zero runs until the parent context is done.
	Duration time.Duration
	// SinkTimeout bounds persistence after the deadline
	SinkTimeout time.Duration
}

// Controller bounds one run, computes the summary once and hands it to the
// sinks.
type Controller struct {
	cfg       Config
	collector Collector
	sinks     []results.Sink
	health    Health
	logger    logging.Logger

	once    sync.Once
	summary stats.Summary
	err     error
}

func New(cfg Config, collector Collector, sinks []results.Sink, health Health, logger logging.Logger) *Controller {
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &Controller{
		cfg:       cfg,
		collector: collector,
		sinks:     sinks,
		health:    health,
		logger:    logger.With("component", "runner"),
	}
}

// Run collects until the deadline (or until ctx is done), then finalizes.
// A run without any data is a valid run. Calling Run again returns the
// first outcome without collecting again.
func (c *Controller) Run(ctx context.Context) (stats.Summary, error) {
	c.once.Do(func() {
		c.summary, c.err = c.run(ctx)
	})
	return c.summary, c.err
}

func (c *Controller) run(ctx context.Context) (stats.Summary, error) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.cfg.Duration > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.cfg.Duration)
	}
	defer cancel()

	started := time.Now()
	if c.health != nil {
		c.health.SetServing(true)
	}
	if c.cfg.Duration > 0 {
		c.logger.Infof("run %s started, %s mode, ends at %s", c.cfg.RunID, c.cfg.Mode, started.Add(c.cfg.Duration).Format(time.RFC3339))
	} else {
		c.logger.Infof("run %s started, %s mode, until stopped", c.cfg.RunID, c.cfg.Mode)
	}

	res, err := c.collector.Run(runCtx)
	if err != nil && runCtx.Err() == nil {
		return stats.Summary{}, fmt.Errorf("collection failed: %w", err)
	}

	return c.finalize(ctx, res, started)
}

func (c *Controller) finalize(ctx context.Context, res ingest.Result, started time.Time) (stats.Summary, error) {
	if c.health != nil {
		c.health.SetServing(false)
	}

	summary := stats.Summarize(c.cfg.Mode, res.Records, res.Lost)
	summary.RunID = c.cfg.RunID
	summary.MalformedMessages = res.Malformed
	summary.StartedAt = started.UTC()
	summary.FinishedAt = time.Now().UTC()

	c.logger.Info("run finished",
		"samples", summary.SampleCount,
		"lost", summary.EventsLost,
		"malformed", summary.MalformedMessages,
		"avg_ms", fmt.Sprintf("%.3f", summary.AvgLatencyMs),
		"p99_ms", fmt.Sprintf("%.3f", summary.P99LatencyMs),
		"jitter_ms", fmt.Sprintf("%.3f", summary.JitterStddevMs),
	)

	// the run context is already done, persistence gets its own budget
	sinkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.SinkTimeout)
	defer cancel()

	report := results.Report{Summary: summary, Records: res.Records}

	var errs []error
	for _, sink := range c.sinks {
		if err := sink.Write(sinkCtx, report); err != nil {
			c.logger.Errorf("error writing results to %s: %v", sink.Name(), err)
			errs = append(errs, fmt.Errorf("%s: %w", sink.Name(), err))
			continue
		}
		c.logger.Debugf("results written to %s", sink.Name())
	}

	return summary, errors.Join(errs...)
}
