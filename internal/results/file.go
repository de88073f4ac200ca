package results

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/DrC0ns0le/feed-perf/internal/stats"
)

// CSVHeader is the first row of the records file.
var CSVHeader = []string{
	"sequence_id",
	"source_time",
	"mid_path_time",
	"destination_time",
	"latency_ms",
	"mid_path_latency_ms",
}

// JSONSink writes the summary as an indented JSON object.
type JSONSink struct {
	Path string
}

func (s *JSONSink) Name() string { return "json" }

func (s *JSONSink) Write(ctx context.Context, r Report) error {
	return writeFile(s.Path, func(w io.Writer) error {
		return WriteSummary(w, r.Summary)
	})
}

func WriteSummary(w io.Writer, summary stats.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(summary); err != nil {
		return fmt.Errorf("error encoding summary: %w", err)
	}
	return nil
}

// CSVSink writes one row per measurement record.
type CSVSink struct {
	Path string
}

func (s *CSVSink) Name() string { return "csv" }

func (s *CSVSink) Write(ctx context.Context, r Report) error {
	return writeFile(s.Path, func(w io.Writer) error {
		return WriteRecords(w, r.Records)
	})
}

// WriteRecords writes the header and one row per record. Latencies have
// three decimals; absent mid-path values are left blank.
func WriteRecords(w io.Writer, records []stats.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("error writing csv header: %w", err)
	}

	row := make([]string, len(CSVHeader))
	for _, r := range records {
		row[0] = strconv.FormatUint(r.SequenceID, 10)
		row[1] = strconv.FormatInt(r.SourceEventTime, 10)
		row[2] = ""
		if r.MidPathReceiveTime != nil {
			row[2] = strconv.FormatInt(*r.MidPathReceiveTime, 10)
		}
		row[3] = strconv.FormatInt(r.DestinationReceiveTime, 10)
		row[4] = strconv.FormatFloat(r.EndToEndLatencyMs, 'f', 3, 64)
		row[5] = ""
		if r.MidPathLatencyMs != nil {
			row[5] = strconv.FormatFloat(*r.MidPathLatencyMs, 'f', 3, 64)
		}

		if err := cw.Write(row); err != nil {
			return fmt.Errorf("error writing record %d: %w", r.SequenceID, err)
		}
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("error flushing csv: %w", err)
	}
	return nil
}

func writeFile(path string, write func(w io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", path, err)
	}

	if err := write(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("error closing %s: %w", path, err)
	}
	return nil
}
