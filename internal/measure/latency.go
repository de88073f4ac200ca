package measure

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/DrC0ns0le/feed-perf/internal/measure/latency"
	"github.com/cespare/xxhash"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	latencyStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feedperf_probe_status",
		Help: "outcome of the last probe round, 1 when the peer answered",
	}, []string{"type", "target"})
	latencyDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feedperf_probe_rtt",
		Help: "round trip time to the relay peer in microseconds",
	}, []string{"type", "target"})
	latencyJitter = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feedperf_probe_jitter",
		Help: "round trip time standard deviation in microseconds",
	}, []string{"type", "target"})
	latencyLoss = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "feedperf_probe_loss",
		Help: "probe loss in percent",
	}, []string{"type", "target"})
)

func startLatencyWorker(ctx context.Context, worker *Worker) {
	key := fmt.Sprintf("target=%s, port=%d", worker.client.TargetIP, worker.cfg.Port)

	h := xxhash.Sum64String(key)

	// spread probes of several nodes across the first seconds
	randSleep := time.Duration(float64(5*time.Second) * (float64(h) / (1 << 64)))
	select {
	case <-time.After(randSleep):
	case <-ctx.Done():
		return
	case <-worker.stopCh:
		return
	}

	var (
		wg                      = &sync.WaitGroup{}
		workerCtx, workerCancel = context.WithCancel(ctx)

		doMeasure = func() {
			ctx, cancel := context.WithTimeout(workerCtx, worker.cfg.Timeout)
			defer cancel()

			wg.Add(1)
			go func() {
				defer wg.Done()
				data, err := worker.client.MeasureTCP(ctx, worker.cfg.Port)
				if err != nil {
					worker.logger.Errorf("error measuring TCP latency: %v", err)
				}
				generateLatencyMetrics(data, worker)
			}()

			if worker.cfg.ICMP {
				wg.Add(1)
				go func() {
					defer wg.Done()
					data, err := worker.client.MeasureICMP(ctx)
					if err != nil {
						worker.logger.Errorf("error measuring ICMP latency: %v", err)
					}
					generateLatencyMetrics(data, worker)
				}()
			}

			wg.Wait()
		}
	)
	defer workerCancel()

	worker.logger.Debugf("starting latency measurement every %s", worker.cfg.Interval)

	ticker := time.NewTicker(worker.cfg.Interval)
	defer ticker.Stop()

	doMeasure()
	for {
		select {
		case <-ticker.C:
			doMeasure()
		case <-ctx.Done():
		case <-worker.stopCh:
		}
		if ctx.Err() != nil || stopped(worker.stopCh) {
			worker.logger.Info("stopping latency measurement")
			workerCancel()
			wg.Wait()
			unregisterLatencyMetrics(worker)
			return
		}
	}
}

func stopped(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func generateLatencyMetrics(data latency.Result, worker *Worker) {
	var avgLatency float64
	var jitter float64
	var loss float64
	if data.Status == 1 {
		avgLatency = float64(data.AvgLatency)
		jitter = float64(data.Jitter)
		loss = data.Loss

		worker.logger.Info("probe",
			"type", data.Protocol,
			"rtt_us", data.AvgLatency,
			"jitter_us", data.Jitter,
			"loss", data.Loss,
			"one_way_ms", fmt.Sprintf("%.3f", data.OneWay()),
		)
	} else {
		avgLatency = math.NaN()
		jitter = math.NaN()
		loss = math.NaN()
	}

	target := worker.client.TargetIP.String()
	latencyStatus.WithLabelValues(data.Protocol, target).Set(float64(data.Status))
	latencyLoss.WithLabelValues(data.Protocol, target).Set(loss)
	latencyDuration.WithLabelValues(data.Protocol, target).Set(avgLatency)
	latencyJitter.WithLabelValues(data.Protocol, target).Set(jitter)
}

func unregisterLatencyMetrics(worker *Worker) {
	target := worker.client.TargetIP.String()
	for _, protocol := range []string{latency.ProtocolTCP, latency.ProtocolICMP} {
		latencyStatus.DeleteLabelValues(protocol, target)
		latencyLoss.DeleteLabelValues(protocol, target)
		latencyDuration.DeleteLabelValues(protocol, target)
		latencyJitter.DeleteLabelValues(protocol, target)
	}
}
