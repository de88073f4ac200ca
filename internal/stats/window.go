package stats

import (
	"math"
	"time"
)

// WindowStats describes the samples that arrived during one interval.
type WindowStats struct {
	// Offset of the window end from the start of the run
	Elapsed time.Duration `json:"elapsed"`
	Count   int           `json:"count"`

	AvgLatencyMs float64 `json:"avg_latency_ms"`
	MinLatencyMs float64 `json:"min_latency_ms"`
	MaxLatencyMs float64 `json:"max_latency_ms"`

	BackboneAvgLatencyMs *float64 `json:"backbone_avg_latency_ms,omitempty"`
}

// Window accumulates latencies for a fixed interval and reports them when the
// interval has passed. It is a display-only view: nothing it keeps feeds the
// final summary.
type Window struct {
	interval time.Duration
	runStart time.Time
	start    time.Time

	count    int
	sum      float64
	min, max float64

	midCount int
	midSum   float64
}

func NewWindow(interval time.Duration, now time.Time) *Window {
	if interval <= 0 {
		interval = time.Second
	}

	w := &Window{
		interval: interval,
		runStart: now,
	}
	w.reset(now)
	return w
}

// Add accumulates r, which arrived at now. When the current interval has
// elapsed the accumulated stats are returned with ok set, and the
// accumulator starts over.
func (w *Window) Add(now time.Time, r Record) (WindowStats, bool) {
	w.count++
	w.sum += r.EndToEndLatencyMs
	w.min = math.Min(w.min, r.EndToEndLatencyMs)
	w.max = math.Max(w.max, r.EndToEndLatencyMs)
	if r.MidPathLatencyMs != nil {
		w.midCount++
		w.midSum += *r.MidPathLatencyMs
	}

	if now.Sub(w.start) < w.interval {
		return WindowStats{}, false
	}

	return w.emit(now), true
}

// Flush returns whatever has accumulated since the last report. ok is false
// when the window is empty.
func (w *Window) Flush(now time.Time) (WindowStats, bool) {
	if w.count == 0 {
		return WindowStats{}, false
	}
	return w.emit(now), true
}

func (w *Window) emit(now time.Time) WindowStats {
	ws := WindowStats{
		Elapsed:      now.Sub(w.runStart),
		Count:        w.count,
		AvgLatencyMs: w.sum / float64(w.count),
		MinLatencyMs: w.min,
		MaxLatencyMs: w.max,
	}
	if w.midCount > 0 {
		avg := w.midSum / float64(w.midCount)
		ws.BackboneAvgLatencyMs = &avg
	}

	w.reset(now)
	return ws
}

func (w *Window) reset(now time.Time) {
	w.start = now
	w.count = 0
	w.sum = 0
	w.min = math.Inf(1)
	w.max = math.Inf(-1)
	w.midCount = 0
	w.midSum = 0
}
