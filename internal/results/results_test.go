package results

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/DrC0ns0le/feed-perf/internal/stats"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() Report {
	records := []stats.Record{
		stats.NewRelayRecord(0, 1_700_000_000_000, 1_700_000_000_002_000_000, 1_700_000_000_012_345_678),
		stats.NewBaselineRecord(1, 1_700_000_000_001, 1_700_000_000_009_000_000),
	}
	summary := stats.Summarize(stats.ModeRelay, records, 0)
	summary.RunID = uuid.NewString()
	summary.StartedAt = time.Unix(1_700_000_000, 0).UTC()
	summary.FinishedAt = time.Unix(1_700_000_060, 0).UTC()

	return Report{Summary: summary, Records: records}
}

func TestWriteRecords(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRecords(&buf, sampleReport().Records))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assert.Equal(t, []string{"sequence_id", "source_time", "mid_path_time", "destination_time", "latency_ms", "mid_path_latency_ms"}, rows[0])
	assert.Equal(t, []string{"0", "1700000000000", "1700000000002000000", "1700000000012345678", "12.346", "10.346"}, rows[1])
	// baseline record: no relay leg
	assert.Equal(t, []string{"1", "1700000000001", "", "1700000000009000000", "8.000", ""}, rows[2])
}

func TestWriteRecords_EmptyHasHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteRecords(&buf, nil))
	assert.Equal(t, strings.Join(CSVHeader, ",")+"\n", buf.String())
}

func TestWriteSummary(t *testing.T) {
	r := sampleReport()

	var buf bytes.Buffer
	require.NoError(t, WriteSummary(&buf, r.Summary))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, r.Summary.RunID, got["run_id"])
	assert.Equal(t, "relay", got["setup_type"])
	assert.Equal(t, 2.0, got["sample_count"])
	assert.Contains(t, got, "jitter_stddev_ms")
	assert.Contains(t, got, "backbone_avg_latency_ms")

	// absent, not zero, without a relay leg
	var baseline bytes.Buffer
	require.NoError(t, WriteSummary(&baseline, stats.Summarize(stats.ModeBaseline, nil, 0)))
	assert.NotContains(t, baseline.String(), "backbone_avg_latency_ms")
	assert.Contains(t, baseline.String(), `"sample_count": 0`)
}

func TestFileSinks(t *testing.T) {
	dir := t.TempDir()
	r := sampleReport()

	jsonSink := &JSONSink{Path: filepath.Join(dir, "summary.json")}
	csvSink := &CSVSink{Path: filepath.Join(dir, "records.csv")}
	for _, s := range []Sink{jsonSink, csvSink} {
		require.NoError(t, s.Write(context.Background(), r), s.Name())
	}

	data, err := os.ReadFile(jsonSink.Path)
	require.NoError(t, err)
	var summary stats.Summary
	require.NoError(t, json.Unmarshal(data, &summary))
	assert.Equal(t, r.Summary.RunID, summary.RunID)
	assert.Equal(t, r.Summary.SampleCount, summary.SampleCount)

	f, err := os.Open(csvSink.Path)
	require.NoError(t, err)
	defer f.Close()
	lines := 0
	for sc := bufio.NewScanner(f); sc.Scan(); {
		lines++
	}
	assert.Equal(t, 3, lines)

	bad := &JSONSink{Path: filepath.Join(dir, "missing", "summary.json")}
	assert.Error(t, bad.Write(context.Background(), r))
}

// fakeElastic answers index and bulk requests like a single node cluster.
type fakeElastic struct {
	mu        sync.Mutex
	summaries map[string][]byte
	records   []map[string]any
	failBulk  bool
}

func (f *fakeElastic) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Elastic-Product", "Elasticsearch")
	w.Header().Set("Content-Type", "application/json")

	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case strings.HasSuffix(r.URL.Path, "/_bulk"):
		var items []string
		sc := bufio.NewScanner(r.Body)
		sc.Buffer(make([]byte, 1<<20), 1<<20)
		for sc.Scan() {
			var action map[string]map[string]any
			_ = json.Unmarshal(sc.Bytes(), &action)
			if !sc.Scan() {
				break
			}
			var doc map[string]any
			_ = json.Unmarshal(sc.Bytes(), &doc)

			if f.failBulk {
				items = append(items, fmt.Sprintf(`{"index":{"_index":"feed-perf-records","_id":%q,"status":400,"error":{"type":"mapper_parsing_exception","reason":"bad"}}}`,
					action["index"]["_id"]))
				continue
			}
			f.records = append(f.records, doc)
			items = append(items, fmt.Sprintf(`{"index":{"_index":"feed-perf-records","_id":%q,"status":201}}`, action["index"]["_id"]))
		}
		fmt.Fprintf(w, `{"took":1,"errors":%t,"items":[%s]}`, f.failBulk, strings.Join(items, ","))
	case strings.HasPrefix(r.URL.Path, "/"+DefaultSummaryIndex+"/_doc/"):
		var buf bytes.Buffer
		buf.ReadFrom(r.Body)
		id := strings.TrimPrefix(r.URL.Path, "/"+DefaultSummaryIndex+"/_doc/")
		f.summaries[id] = buf.Bytes()
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, `{"_index":%q,"_id":%q,"result":"created"}`, DefaultSummaryIndex, id)
	default:
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"not found"}`)
	}
}

func TestElasticSink_IndexesSummaryAndRecords(t *testing.T) {
	fake := &fakeElastic{summaries: map[string][]byte{}}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	sink, err := NewElasticSink(ElasticConfig{Addresses: []string{srv.URL}}, nil)
	require.NoError(t, err)

	r := sampleReport()
	require.NoError(t, sink.Write(context.Background(), r))

	fake.mu.Lock()
	defer fake.mu.Unlock()

	require.Contains(t, fake.summaries, r.Summary.RunID)
	var summary map[string]any
	require.NoError(t, json.Unmarshal(fake.summaries[r.Summary.RunID], &summary))
	assert.Equal(t, "relay", summary["setup_type"])
	assert.Contains(t, summary, "@timestamp")

	// bulk workers may flush in any order
	require.Len(t, fake.records, 2)
	bySeq := map[float64]map[string]any{}
	for _, doc := range fake.records {
		assert.Equal(t, r.Summary.RunID, doc["run_id"])
		bySeq[doc["sequence_id"].(float64)] = doc
	}
	assert.Contains(t, bySeq[0], "mid_path_latency_ms")
	assert.NotContains(t, bySeq[1], "mid_path_latency_ms")
}

func TestElasticSink_ReportsFailedRecords(t *testing.T) {
	fake := &fakeElastic{summaries: map[string][]byte{}, failBulk: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	sink, err := NewElasticSink(ElasticConfig{Addresses: []string{srv.URL}}, nil)
	require.NoError(t, err)

	err = sink.Write(context.Background(), sampleReport())
	assert.ErrorContains(t, err, "2 of 2 records failed")
}

func TestElasticSink_SummaryRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":"forbidden"}`)
	}))
	defer srv.Close()

	sink, err := NewElasticSink(ElasticConfig{Addresses: []string{srv.URL}, SkipRecords: true}, nil)
	require.NoError(t, err)
	assert.Error(t, sink.Write(context.Background(), sampleReport()))
}

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	closed   bool
}

func (f *fakeConn) Publish(subj string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subj)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) Flush() error { return nil }

func (f *fakeConn) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func TestNATSPublisher_PublishesWindows(t *testing.T) {
	conn := &fakeConn{}
	p := newNATSPublisher(NATSConfig{SummarySubject: "feedperf.summary"}, "run-1", stats.ModeRelay, conn, nil)

	avg := 4.5
	ws := stats.WindowStats{Elapsed: 3 * time.Second, Count: 12, AvgLatencyMs: 10, MinLatencyMs: 8, MaxLatencyMs: 14, BackboneAvgLatencyMs: &avg}
	require.NoError(t, p.PublishWindow(context.Background(), ws))
	require.NoError(t, p.Write(context.Background(), sampleReport()))
	p.Close()

	conn.mu.Lock()
	defer conn.mu.Unlock()

	assert.Equal(t, []string{DefaultWindowSubject, "feedperf.summary"}, conn.subjects)
	assert.True(t, conn.closed)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(conn.payloads[0], &msg))
	assert.Equal(t, "run-1", msg["run_id"])
	assert.Equal(t, "relay", msg["setup_type"])
	assert.Equal(t, 12.0, msg["count"])
	assert.Equal(t, 4.5, msg["backbone_avg_latency_ms"])
}

func TestNATSPublisher_SkipsSummaryWithoutSubject(t *testing.T) {
	conn := &fakeConn{}
	p := newNATSPublisher(NATSConfig{}, "run-2", stats.ModeBaseline, conn, nil)

	require.NoError(t, p.Write(context.Background(), sampleReport()))
	assert.Empty(t, conn.subjects)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.PublishWindow(ctx, stats.WindowStats{}), context.Canceled)
}
