package measure

import (
	"context"
	"flag"
	"fmt"
	"net"
	"time"

	"github.com/DrC0ns0le/feed-perf/internal/measure/latency"
	"github.com/DrC0ns0le/feed-perf/internal/system"
	"github.com/DrC0ns0le/feed-perf/pkg/logging"
)

var (
	probeEnabled    = flag.Bool("probe.enabled", false, "periodically measure round trip time to the relay peer")
	probePort       = flag.Int("probe.port", 22, "tcp port on the relay peer used for handshake timing")
	probeInterval   = flag.Duration("probe.interval", 15*time.Second, "interval between probe rounds")
	probeICMP       = flag.Bool("probe.icmp", true, "also probe with icmp echo")
	probePrivileged = flag.Bool("probe.privileged", false, "use raw icmp sockets, needs CAP_NET_RAW")
)

type Config struct {
	// Target is the relay peer, host or host:port
	Target     string
	Port       int
	Interval   time.Duration
	Timeout    time.Duration
	ICMP       bool
	Privileged bool
}

// Enabled reports whether -probe.enabled was set.
func Enabled() bool {
	return *probeEnabled
}

// ConfigFromFlags builds a Config for target from the -probe.* flags.
func ConfigFromFlags(target string) Config {
	return Config{
		Target:     target,
		Port:       *probePort,
		Interval:   *probeInterval,
		ICMP:       *probeICMP,
		Privileged: *probePrivileged,
	}
}

// Worker probes the relay peer so relay leg latencies can be checked
// against half the round trip time. Timestamps from the two hosts are
// only comparable if their clocks agree; the probe does not correct them.
type Worker struct {
	cfg    Config
	client *latency.Client

	stopCh chan struct{}
	logger logging.Logger
}

func NewWorker(global *system.Node, cfg Config) (*Worker, error) {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	host := cfg.Target
	if h, _, err := net.SplitHostPort(cfg.Target); err == nil {
		host = h
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("error resolving probe target %s: %v", host, err)
	}

	return &Worker{
		cfg: cfg,
		client: &latency.Client{
			TargetIP:   ips[0],
			Privileged: cfg.Privileged,
		},
		stopCh: global.StopCh,
		logger: global.Logger.With("component", "probe", "target", ips[0].String()),
	}, nil
}

// Run probes until ctx is done or the node is stopped.
func (w *Worker) Run(ctx context.Context) {
	startLatencyWorker(ctx, w)
}
