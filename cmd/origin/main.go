package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"
	"time"

	"github.com/DrC0ns0le/feed-perf/internal/backoff"
	"github.com/DrC0ns0le/feed-perf/internal/feed"
	"github.com/DrC0ns0le/feed-perf/internal/measure"
	"github.com/DrC0ns0le/feed-perf/internal/relay"
	"github.com/DrC0ns0le/feed-perf/internal/server"
	"github.com/DrC0ns0le/feed-perf/internal/system"
	"github.com/DrC0ns0le/feed-perf/internal/transport"
	"github.com/DrC0ns0le/feed-perf/pkg/logging"
)

var (
	upstreamURL = flag.String("upstream.url", "wss://fstream.binance.com/ws/btcusdt@bookTicker", "upstream market data websocket")

	relayAddr      = flag.String("relay.addr", "127.0.0.1:9000", "destination address")
	relayTransport = flag.String("relay.transport", "tcp", "relay leg transport, tcp or udp")
	retryTimeout   = flag.Duration("relay.retrytimeout", relay.DefaultRetryTimeout, "how long a failed send waits for the destination before it is dropped")

	backoffMax  = flag.Duration("backoff.max", 30*time.Second, "maximum reconnect delay")
	dialTimeout = flag.Duration("dial.timeout", 5*time.Second, "timeout of a single connection attempt")

	runDuration = flag.Duration("run.duration", 0, "stop relaying after this long, 0 runs until signalled")
)

func main() {
	flag.Parse()

	node := system.NewNode(system.RoleOrigin, logging.NewDefaultLogger())
	node.Logger.Infof("starting feed-perf origin")

	kind, err := transport.ParseKind(*relayTransport)
	if err != nil {
		node.Logger.Fatalf("invalid relay transport: %v", err)
	}

	policy := backoff.DefaultPolicy()
	policy.Max = *backoffMax

	session := relay.NewSession(
		relay.Config{RetryTimeout: *retryTimeout, Backoff: policy},
		relay.NewCounter(),
		feed.NewWebsocketDialer(*upstreamURL, *dialTimeout),
		func(ctx context.Context) (transport.Sender, error) {
			return transport.Dial(ctx, kind, *relayAddr, *dialTimeout)
		},
		node.Logger,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *runDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *runDuration)
		defer cancel()
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

	if measure.Enabled() {
		worker, err := measure.NewWorker(node, measure.ConfigFromFlags(*relayAddr))
		if err != nil {
			node.Logger.Warnf("relay probe disabled: %v", err)
		} else {
			go worker.Run(ctx)
		}
	}

	grpcServer.SetServing(true)
	session.Run(ctx)
	grpcServer.SetServing(false)

	node.Logger.Infof("relay session finished: %s", session.Stats())

	close(node.StopCh)
	<-managerDone
}
