package stats

import (
	"math"
	"sort"
	"time"
)

// Mode is the experiment setup a summary was produced for.
type Mode string

const (
	// ModeBaseline reads the upstream stream directly at the destination.
	ModeBaseline Mode = "baseline"
	// ModeRelay receives envelopes forwarded by the origin.
	ModeRelay Mode = "relay"
)

func (m Mode) Valid() bool {
	return m == ModeBaseline || m == ModeRelay
}

// Summary is the aggregate of one run. It is produced exactly once, when
// the run completes.
type Summary struct {
	RunID     string `json:"run_id,omitempty"`
	SetupType Mode   `json:"setup_type"`

	SampleCount       int    `json:"sample_count"`
	EventsLost        uint64 `json:"events_lost"`
	MalformedMessages uint64 `json:"malformed_messages"`

	// End-to-end latency, producer to destination
	AvgLatencyMs    float64 `json:"avg_latency_ms"`
	MedianLatencyMs float64 `json:"median_latency_ms"`
	P95LatencyMs    float64 `json:"p95_latency_ms"`
	P99LatencyMs    float64 `json:"p99_latency_ms"`
	MinLatencyMs    float64 `json:"min_latency_ms"`
	MaxLatencyMs    float64 `json:"max_latency_ms"`

	// Population standard deviation of the end-to-end latency
	JitterStddevMs float64 `json:"jitter_stddev_ms"`

	// Relay leg only, origin to destination. Absent when no record has one.
	BackboneAvgLatencyMs    *float64 `json:"backbone_avg_latency_ms,omitempty"`
	BackboneMedianLatencyMs *float64 `json:"backbone_median_latency_ms,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Summarize computes the final aggregate over records, ordered by arrival.
// An empty collection is a valid outcome: every statistic is zero and lost
// is reported as given. records is only read.
func Summarize(mode Mode, records []Record, lost uint64) Summary {
	s := Summary{
		SetupType:   mode,
		SampleCount: len(records),
		EventsLost:  lost,
	}

	if len(records) == 0 {
		return s
	}

	latencies := make([]float64, 0, len(records))
	backbone := make([]float64, 0)
	for _, r := range records {
		latencies = append(latencies, r.EndToEndLatencyMs)
		if r.MidPathLatencyMs != nil {
			backbone = append(backbone, *r.MidPathLatencyMs)
		}
	}
	sort.Float64s(latencies)

	s.AvgLatencyMs = Mean(latencies)
	s.MedianLatencyMs = Percentile(latencies, 0.50)
	s.P95LatencyMs = Percentile(latencies, 0.95)
	s.P99LatencyMs = Percentile(latencies, 0.99)
	s.MinLatencyMs = latencies[0]
	s.MaxLatencyMs = latencies[len(latencies)-1]
	s.JitterStddevMs = StdDev(latencies, s.AvgLatencyMs)

	if len(backbone) > 0 {
		sort.Float64s(backbone)
		avg := Mean(backbone)
		median := Percentile(backbone, 0.50)
		s.BackboneAvgLatencyMs = &avg
		s.BackboneMedianLatencyMs = &median
	}

	return s
}

// Percentile returns the p-th percentile (p in [0,1]) of sorted values,
// interpolating linearly between the two closest ranks.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	switch {
	case n == 0:
		return 0
	case n == 1:
		return sorted[0]
	}

	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[n-1]
	}

	index := p * float64(n-1)
	lower := int(math.Floor(index))
	upper := int(math.Ceil(index))
	weight := index - float64(lower)

	return sorted[lower]*(1-weight) + sorted[upper]*weight
}

// Mean returns the arithmetic mean. A constant collection returns its value
// exactly, so its standard deviation is exactly zero.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	constant := true
	for _, v := range values {
		sum += v
		if v != values[0] {
			constant = false
		}
	}
	if constant {
		return values[0]
	}
	return sum / float64(len(values))
}

// StdDev is the population standard deviation of values around mean.
func StdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}

	var sum float64
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(values)))
}
