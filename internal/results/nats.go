package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/DrC0ns0le/feed-perf/internal/stats"
	"github.com/DrC0ns0le/feed-perf/pkg/logging"
	"github.com/nats-io/nats.go"
)

const DefaultWindowSubject = "feedperf.window"

type NATSConfig struct {
	URL     string
	Subject string
	// SummarySubject, when set, also receives the final summary
	SummarySubject string
}

// publisher is the part of *nats.Conn the publisher uses.
type publisher interface {
	Publish(subj string, data []byte) error
	Flush() error
	Close()
}

// NATSPublisher streams rolling window reports live and can publish the
// final summary as a Sink. Publishing never blocks ingestion: messages are
// buffered by the client and dropped while disconnected.
type NATSPublisher struct {
	cfg       NATSConfig
	runID     string
	setupType stats.Mode
	conn      publisher
	logger    logging.Logger
}

// windowMessage is the payload published for every window.
type windowMessage struct {
	RunID     string     `json:"run_id"`
	SetupType stats.Mode `json:"setup_type"`
	Timestamp time.Time  `json:"@timestamp"`
	stats.WindowStats
}

func NewNATSPublisher(cfg NATSConfig, runID string, mode stats.Mode, logger logging.Logger) (*NATSPublisher, error) {
	if cfg.URL == "" {
		cfg.URL = nats.DefaultURL
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.With("component", "nats")

	conn, err := nats.Connect(cfg.URL,
		nats.Name("feed-perf-"+runID),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.Timeout(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			logger.Infof("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return newNATSPublisher(cfg, runID, mode, conn, logger), nil
}

func newNATSPublisher(cfg NATSConfig, runID string, mode stats.Mode, conn publisher, logger logging.Logger) *NATSPublisher {
	if cfg.Subject == "" {
		cfg.Subject = DefaultWindowSubject
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &NATSPublisher{
		cfg:       cfg,
		runID:     runID,
		setupType: mode,
		conn:      conn,
		logger:    logger,
	}
}

func (p *NATSPublisher) PublishWindow(ctx context.Context, ws stats.WindowStats) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(windowMessage{
		RunID:       p.runID,
		SetupType:   p.setupType,
		Timestamp:   time.Now().UTC(),
		WindowStats: ws,
	})
	if err != nil {
		return fmt.Errorf("marshal window: %w", err)
	}
	return p.conn.Publish(p.cfg.Subject, data)
}

func (p *NATSPublisher) Name() string { return "nats" }

// Write publishes the summary when a summary subject is configured.
func (p *NATSPublisher) Write(ctx context.Context, r Report) error {
	if p.cfg.SummarySubject == "" {
		return nil
	}

	data, err := json.Marshal(r.Summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	if err := p.conn.Publish(p.cfg.SummarySubject, data); err != nil {
		return fmt.Errorf("publish summary: %w", err)
	}
	return p.conn.Flush()
}

func (p *NATSPublisher) Close() {
	if err := p.conn.Flush(); err != nil {
		p.logger.Debugf("error flushing nats: %v", err)
	}
	p.conn.Close()
}
