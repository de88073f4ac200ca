package results

import (
	"context"

	"github.com/DrC0ns0le/feed-perf/internal/stats"
)

// Report is everything a finished run hands to persistence: the summary and
// the measurement records in arrival order.
type Report struct {
	Summary stats.Summary
	Records []stats.Record
}

// Sink persists a finished run. Sinks only read the report.
type Sink interface {
	Name() string
	Write(ctx context.Context, r Report) error
}
