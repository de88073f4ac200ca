package server

import (
	"context"
	"encoding/json"
	"flag"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/DrC0ns0le/feed-perf/internal/system"
	"github.com/DrC0ns0le/feed-perf/pkg/logging"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpPort    = flag.Int("http.port", 5120, "port for http server")
	metricsPath = flag.String("http.metrics.path", "/metrics", "path for metrics")
)

// StatusFunc reports live counters of the running session for /status.
type StatusFunc func() any

type HTTPServer struct {
	node          *system.Node
	listenAddress string
	status        StatusFunc
	logger        logging.Logger

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

func NewHTTPServer(global *system.Node, status StatusFunc) *HTTPServer {
	return newHTTPServer(global, ":"+strconv.Itoa(*httpPort), status)
}

func newHTTPServer(global *system.Node, address string, status StatusFunc) *HTTPServer {
	return &HTTPServer{
		node:          global,
		listenAddress: address,
		status:        status,
		logger:        global.Logger.With("component", "http"),
	}
}

func (s *HTTPServer) Name() string { return "http" }

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/hello", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	mux.Handle("GET /status", http.HandlerFunc(s.handleStatus))
	mux.Handle(*metricsPath, promhttp.Handler())
	return mux
}

func (s *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", s.listenAddress)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.server = srv
	s.listener = listener
	s.mu.Unlock()

	s.logger.With("listener", listener.Addr().String()).Info("http server running")
	if err := srv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Addr is the bound listener address, nil before Start.
func (s *HTTPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *HTTPServer) Stop() error {
	s.mu.Lock()
	srv := s.server
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	s.logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

type statusResponse struct {
	RunID   string      `json:"run_id"`
	Role    system.Role `json:"role"`
	Session any         `json:"session,omitempty"`
}

func (s *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		RunID: s.node.RunID,
		Role:  s.node.Role,
	}
	if s.status != nil {
		resp.Session = s.status()
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Errorf("error encoding status: %v", err)
	}
}
