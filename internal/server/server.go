package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/DrC0ns0le/feed-perf/internal/system"
	"github.com/DrC0ns0le/feed-perf/pkg/logging"
)

// Server is an auxiliary endpoint of a node. None of them is needed for a
// run to complete, so a server that fails never stops the node.
type Server interface {
	Name() string
	Start() error
	Stop() error
}

type serverError struct {
	name string
	err  error
}

// ServerManager runs the auxiliary servers of a node until the node stops.
type ServerManager struct {
	stopCh  chan struct{}
	servers []Server
	logger  logging.Logger

	mu     sync.Mutex
	failed map[string]error
}

func NewServerManager(global *system.Node, servers ...Server) *ServerManager {
	return &ServerManager{
		stopCh:  global.StopCh,
		servers: servers,
		logger:  global.Logger.With("component", "servers"),
		failed:  make(map[string]error),
	}
}

// Start blocks until the node's stop channel is closed, then stops every
// server that is still running. Servers that failed to start are logged by
// name and skipped on shutdown.
func (n *ServerManager) Start() error {
	errCh := make(chan serverError, len(n.servers))
	for _, s := range n.servers {
		go func(s Server) {
			if err := s.Start(); err != nil {
				errCh <- serverError{name: s.Name(), err: err}
			}
		}(s)
	}

	for {
		select {
		case e := <-errCh:
			n.mu.Lock()
			n.failed[e.name] = e.err
			n.mu.Unlock()
			n.logger.Error("server failed, run continues without it", "server", e.name, "error", e.err)

		case <-n.stopCh:
			return n.stopAll()
		}
	}
}

// Failed returns the start error of every server that is not running.
func (n *ServerManager) Failed() map[string]error {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make(map[string]error, len(n.failed))
	for name, err := range n.failed {
		out[name] = err
	}
	return out
}

func (n *ServerManager) stopAll() error {
	n.logger.Info("node stopping, shutting down servers")
	failed := n.Failed()

	var (
		mu   sync.Mutex
		errs []error
		wg   sync.WaitGroup
	)
	for _, s := range n.servers {
		if _, ok := failed[s.Name()]; ok {
			continue
		}
		wg.Add(1)
		go func(s Server) {
			defer wg.Done()
			if err := s.Stop(); err != nil {
				n.logger.Error("error stopping server", "server", s.Name(), "error", err)
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	return errors.Join(errs...)
}
