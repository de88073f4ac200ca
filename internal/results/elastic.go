package results

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/DrC0ns0le/feed-perf/internal/stats"
	"github.com/DrC0ns0le/feed-perf/pkg/logging"
	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

const (
	DefaultSummaryIndex = "feed-perf-summary"
	DefaultRecordsIndex = "feed-perf-records"
)

type ElasticConfig struct {
	Addresses []string
	Username  string
	Password  string
	// Insecure skips TLS certificate verification
	Insecure bool

	SummaryIndex string
	RecordsIndex string
	// SkipRecords only indexes the summary
	SkipRecords bool
}

// ElasticSink indexes the summary as one document keyed by run id and bulk
// indexes every measurement record.
type ElasticSink struct {
	cfg    ElasticConfig
	client *elasticsearch.Client
	logger logging.Logger
}

func NewElasticSink(cfg ElasticConfig, logger logging.Logger) (*ElasticSink, error) {
	if cfg.SummaryIndex == "" {
		cfg.SummaryIndex = DefaultSummaryIndex
	}
	if cfg.RecordsIndex == "" {
		cfg.RecordsIndex = DefaultRecordsIndex
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	esCfg := elasticsearch.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
	}
	if cfg.Insecure {
		esCfg.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: true, //nolint:gosec
			},
		}
	}

	client, err := elasticsearch.NewClient(esCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating elasticsearch client: %w", err)
	}

	return &ElasticSink{
		cfg:    cfg,
		client: client,
		logger: logger.With("component", "elastic"),
	}, nil
}

func (s *ElasticSink) Name() string { return "elastic" }

type summaryDoc struct {
	Timestamp time.Time `json:"@timestamp"`
	stats.Summary
}

type recordDoc struct {
	Timestamp              time.Time  `json:"@timestamp"`
	RunID                  string     `json:"run_id"`
	SetupType              stats.Mode `json:"setup_type"`
	SequenceID             uint64     `json:"sequence_id"`
	SourceEventTime        int64      `json:"source_time"`
	MidPathReceiveTime     *int64     `json:"mid_path_time,omitempty"`
	DestinationReceiveTime int64      `json:"destination_time"`
	EndToEndLatencyMs      float64    `json:"latency_ms"`
	MidPathLatencyMs       *float64   `json:"mid_path_latency_ms,omitempty"`
}

func (s *ElasticSink) Write(ctx context.Context, r Report) error {
	if err := s.indexSummary(ctx, r.Summary); err != nil {
		return err
	}
	if s.cfg.SkipRecords || len(r.Records) == 0 {
		return nil
	}
	return s.indexRecords(ctx, r)
}

func (s *ElasticSink) indexSummary(ctx context.Context, summary stats.Summary) error {
	data, err := json.Marshal(summaryDoc{Timestamp: summary.FinishedAt, Summary: summary})
	if err != nil {
		return fmt.Errorf("error encoding summary: %w", err)
	}

	opts := []func(*esapi.IndexRequest){s.client.Index.WithContext(ctx)}
	if summary.RunID != "" {
		opts = append(opts, s.client.Index.WithDocumentID(summary.RunID))
	}

	res, err := s.client.Index(s.cfg.SummaryIndex, bytes.NewReader(data), opts...)
	if err != nil {
		return fmt.Errorf("error indexing summary: %w", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("error indexing summary: %s", res.String())
	}
	return nil
}

func (s *ElasticSink) indexRecords(ctx context.Context, r Report) error {
	var failed atomic.Uint64

	bulkIndexer, err := esutil.NewBulkIndexer(esutil.BulkIndexerConfig{
		Index:         s.cfg.RecordsIndex,
		Client:        s.client,
		FlushBytes:    5242880, // 5MB
		FlushInterval: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create bulk indexer: %w", err)
	}

	for i, rec := range r.Records {
		doc := recordDoc{
			Timestamp:              time.Unix(0, rec.DestinationReceiveTime).UTC(),
			RunID:                  r.Summary.RunID,
			SetupType:              r.Summary.SetupType,
			SequenceID:             rec.SequenceID,
			SourceEventTime:        rec.SourceEventTime,
			MidPathReceiveTime:     rec.MidPathReceiveTime,
			DestinationReceiveTime: rec.DestinationReceiveTime,
			EndToEndLatencyMs:      rec.EndToEndLatencyMs,
			MidPathLatencyMs:       rec.MidPathLatencyMs,
		}
		data, err := json.Marshal(doc)
		if err != nil {
			s.logger.Errorf("failed to marshal record %d: %v", rec.SequenceID, err)
			continue
		}

		item := esutil.BulkIndexerItem{
			Action: "index",
			Body:   bytes.NewReader(data),
			OnFailure: func(ctx context.Context, item esutil.BulkIndexerItem, res esutil.BulkIndexerResponseItem, err error) {
				failed.Add(1)
				if err != nil {
					s.logger.Errorf("failed to index record: %v", err)
				} else {
					s.logger.Errorf("failed to index record: %s: %s", res.Error.Type, res.Error.Reason)
				}
			},
		}
		// sequence ids repeat when the origin restarts, the position does not
		if r.Summary.RunID != "" {
			item.DocumentID = fmt.Sprintf("%s-%d", r.Summary.RunID, i)
		}

		if err := bulkIndexer.Add(ctx, item); err != nil {
			s.logger.Errorf("failed to add record to bulk indexer: %v", err)
		}
	}

	if err := bulkIndexer.Close(ctx); err != nil {
		return fmt.Errorf("failed to close bulk indexer: %w", err)
	}

	st := bulkIndexer.Stats()
	s.logger.Infof("indexed %d records into %s", st.NumIndexed, s.cfg.RecordsIndex)
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d of %d records failed to index", n, len(r.Records))
	}
	return nil
}
