package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/DrC0ns0le/feed-perf/internal/backoff"
	"github.com/DrC0ns0le/feed-perf/internal/feed"
	"github.com/DrC0ns0le/feed-perf/internal/ingest"
	"github.com/DrC0ns0le/feed-perf/internal/results"
	"github.com/DrC0ns0le/feed-perf/internal/runner"
	"github.com/DrC0ns0le/feed-perf/internal/server"
	"github.com/DrC0ns0le/feed-perf/internal/stats"
	"github.com/DrC0ns0le/feed-perf/internal/system"
	"github.com/DrC0ns0le/feed-perf/internal/transport"
	"github.com/DrC0ns0le/feed-perf/pkg/logging"
)

var (
	mode = flag.String("mode", string(stats.ModeRelay), "baseline reads the upstream directly, relay listens for the origin")

	upstreamURL = flag.String("upstream.url", "wss://fstream.binance.com/ws/btcusdt@bookTicker", "upstream market data websocket, baseline mode")
	backoffMax  = flag.Duration("backoff.max", 30*time.Second, "maximum reconnect delay, baseline mode")
	dialTimeout = flag.Duration("dial.timeout", 5*time.Second, "timeout of a single connection attempt, baseline mode")

	relayAddr      = flag.String("relay.addr", ":9000", "listen address for the origin, relay mode")
	relayTransport = flag.String("relay.transport", "tcp", "relay leg transport, tcp or udp")

	runDuration = flag.Duration("run.duration", time.Minute, "how long to collect")
	window      = flag.Duration("run.window", time.Second, "rolling report interval")

	outputJSON    = flag.String("output.json", "summary.json", "summary file, empty to skip")
	outputCSV     = flag.String("output.csv", "records.csv", "measurement records file, empty to skip")
	outputTimeout = flag.Duration("output.timeout", 30*time.Second, "time budget for writing results")

	elasticAddr        = flag.String("elastic.addr", "", "comma separated elasticsearch addresses, empty to skip")
	elasticUser        = flag.String("elastic.username", "", "elasticsearch username")
	elasticPassword    = flag.String("elastic.password", "", "elasticsearch password")
	elasticInsecure    = flag.Bool("elastic.insecure", false, "skip elasticsearch certificate verification")
	elasticSkipRecords = flag.Bool("elastic.summaryonly", false, "only index the summary")

	natsURL            = flag.String("nats.url", "", "nats server for live window reports, empty to skip")
	natsSubject        = flag.String("nats.subject", results.DefaultWindowSubject, "subject for window reports")
	natsSummarySubject = flag.String("nats.summary", "", "subject for the final summary, empty to skip")
)

func main() {
	flag.Parse()

	node := system.NewNode(system.RoleDestination, logging.NewDefaultLogger())
	if err := run(node); err != nil {
		node.Logger.Errorf("run failed: %v", err)
		os.Exit(1)
	}
}

// run collects for one run and writes the results. Setup failures exit
// immediately; a failed run or sink is returned.
func run(node *system.Node) error {

	runMode := stats.Mode(*mode)
	if !runMode.Valid() {
		node.Logger.Fatalf("invalid mode %q, want baseline or relay", *mode)
	}
	node.Logger.Infof("starting feed-perf destination in %s mode", runMode)

	var src ingest.Source
	switch runMode {
	case stats.ModeRelay:
		kind, err := transport.ParseKind(*relayTransport)
		if err != nil {
			node.Logger.Fatalf("invalid relay transport: %v", err)
		}
		receiver, err := transport.Listen(kind, *relayAddr, node.Logger)
		if err != nil {
			node.Logger.Fatalf("failed to listen: %v", err)
		}
		defer receiver.Close()
		src = receiver
	case stats.ModeBaseline:
		policy := backoff.DefaultPolicy()
		policy.Max = *backoffMax
		src = ingest.NewFeedSource(feed.NewWebsocketDialer(*upstreamURL, *dialTimeout), policy, node.Logger)
	}

	var sinks []results.Sink
	if *outputJSON != "" {
		sinks = append(sinks, &results.JSONSink{Path: *outputJSON})
	}
	if *outputCSV != "" {
		sinks = append(sinks, &results.CSVSink{Path: *outputCSV})
	}
	if *elasticAddr != "" {
		sink, err := results.NewElasticSink(results.ElasticConfig{
			Addresses:   strings.Split(*elasticAddr, ","),
			Username:    *elasticUser,
			Password:    *elasticPassword,
			Insecure:    *elasticInsecure,
			SkipRecords: *elasticSkipRecords,
		}, node.Logger)
		if err != nil {
			node.Logger.Fatalf("failed to set up elasticsearch: %v", err)
		}
		sinks = append(sinks, sink)
	}

	var publisher ingest.WindowPublisher
	if *natsURL != "" {
		nc, err := results.NewNATSPublisher(results.NATSConfig{
			URL:            *natsURL,
			Subject:        *natsSubject,
			SummarySubject: *natsSummarySubject,
		}, node.RunID, runMode, node.Logger)
		if err != nil {
			node.Logger.Fatalf("failed to set up nats: %v", err)
		}
		defer nc.Close()
		publisher = nc
		sinks = append(sinks, nc)
	}

	session, err := ingest.NewSession(ingest.Config{Mode: runMode, Window: *window}, src, publisher, node.Logger)
	if err != nil {
		node.Logger.Fatalf("failed to create ingest session: %v", err)
	}

	grpcServer := server.NewGRPCServer(node)
	manager := server.NewServerManager(node,
		server.NewHTTPServer(node, func() any { return session.Stats() }),
		grpcServer,
	)
	managerDone := make(chan struct{})
	go func() {
		defer close(managerDone)
		if err := manager.Start(); err != nil {
			node.Logger.Errorf("server manager: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	controller := runner.New(runner.Config{
		Mode:        runMode,
		RunID:       node.RunID,
		Duration:    *runDuration,
		SinkTimeout: *outputTimeout,
	}, session, sinks, grpcServer, node.Logger)

	_, err = controller.Run(ctx)

	close(node.StopCh)
	<-managerDone

	return err
}
