package system

import (
	"github.com/DrC0ns0le/feed-perf/pkg/logging"
	"github.com/google/uuid"
)

// Role identifies which end of the relay this process is.
type Role string

const (
	RoleOrigin      Role = "origin"
	RoleDestination Role = "destination"
)

type Node struct {
	StopCh chan struct{}

	Role  Role
	RunID string

	Logger logging.Logger
}

func NewNode(role Role, logger logging.Logger) *Node {
	runID := uuid.NewString()
	return &Node{
		StopCh: make(chan struct{}),
		Role:   role,
		RunID:  runID,
		Logger: logger.With("role", string(role), "run", runID),
	}
}
