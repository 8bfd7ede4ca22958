package state

import (
	"context"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"
)

type Module interface {
	Init(s *State) error
	Cleanup(s *State) error
}

// State access must be done only on a single Goroutine
type State struct {
	*Env
	Modules   map[string]Module
	Neighbors []*Neighbor
	Mesh      MeshState
}

// MeshState is the controller-owned slice of node state: role, coordinator
// identity, and the adaptive discovery cadence.
type MeshState struct {
	Role              Role
	Coordinator       NodeId
	HasCoordinator    bool
	CoordinatorSeen   time.Time
	DiscoveryInterval time.Duration
	DiscoveryCycles   int
}

func (s *State) GetNeighbor(node NodeId) *Neighbor {
	nIdx := slices.IndexFunc(s.Neighbors, func(neighbor *Neighbor) bool {
		return neighbor.Id == node
	})
	if nIdx == -1 {
		return nil
	}
	return s.Neighbors[nIdx]
}

// Env can be read from any Goroutine
type Env struct {
	DispatchChannel chan func(s *State) error
	NodeCfg
	TransportCfg
	Context  context.Context
	Cancel   context.CancelCauseFunc
	Log      *slog.Logger
	Started  atomic.Bool
	Stopping atomic.Bool
}
