package core

import (
	"time"

	"github.com/brambleworks/bramble/protocol"
	"github.com/brambleworks/bramble/state"
)

// Mesh owns node role, coordinator election and failover, and the periodic
// housekeeping that keeps the other tables honest. It carries no
// application payloads itself.
//
// The role state machine is DISCOVERING -> MEMBER | COORDINATOR, with
// failover back to COORDINATOR on coordinator silence. Election is
// self-promotion on silence with a lowest-id tie-break, not a consensus
// protocol: at these node counts a vanished coordinator and a brief spell
// of two coordinators are both tolerable, and the tie-break converges as
// soon as the competing advertisements are heard. In a partitioned
// topology the tie-break can be deferred indefinitely; that limitation is
// inherited deliberately rather than papered over.
type Mesh struct {
	*state.State
}

func (m *Mesh) Init(s *state.State) error {
	m.State = s
	s.Mesh = state.MeshState{
		Role:              state.RoleDiscovering,
		DiscoveryInterval: state.DiscoveryIntervalMin,
	}
	s.RepeatTask(m.heartbeat, state.HeartbeatDelay)
	s.RepeatTask(m.housekeeping, state.PruneDelay)
	s.RepeatTask(func(s *state.State) error {
		Get[*Router](s).Optimize(s)
		return nil
	}, state.OptimizeDelay)
	// startup discovery runs at a short cadence until a role is settled
	s.ScheduleTask(m.discoveryCycle, state.DiscoveryStartupDelay)
	return nil
}

func (m *Mesh) Cleanup(s *state.State) error {
	return nil
}

// heartbeat advertises our presence, role and coordinator view. Peers feed
// these into their link trackers and election logic.
func (m *Mesh) heartbeat(s *state.State) error {
	hello := &protocol.Hello{
		Role:           s.Mesh.Role,
		Coordinator:    s.Mesh.Coordinator,
		HasCoordinator: s.Mesh.HasCoordinator,
		Neighbors:      uint8(min(len(s.Neighbors), 255)),
	}
	Get[*Bramble](s).SendFrame(hello.Marshal(s.Id))
	return nil
}

// discoveryCycle drives the adaptive discovery interval. While DISCOVERING
// it runs at a short fixed cadence and counts cycles toward
// self-promotion; once joined, the interval stretches with stability and
// snaps back to the minimum after any upset.
func (m *Mesh) discoveryCycle(s *state.State) error {
	ms := &s.Mesh
	switch ms.Role {
	case state.RoleDiscovering:
		ms.DiscoveryCycles++
		if ms.DiscoveryCycles >= state.DiscoveryCyclesToPromote {
			m.promote(s, "no coordinator heard")
		} else {
			m.heartbeat(s)
			s.ScheduleTask(m.discoveryCycle, state.HeartbeatDelay/2)
			return nil
		}
	default:
		m.heartbeat(s)
		// stable network: back off toward the maximum interval
		ms.DiscoveryInterval = min(ms.DiscoveryInterval*3/2, state.DiscoveryIntervalMax)
	}
	s.ScheduleTask(m.discoveryCycle, s.Mesh.DiscoveryInterval)
	return nil
}

// housekeeping prunes stale neighbors and checks for coordinator silence.
func (m *Mesh) housekeeping(s *state.State) error {
	Get[*LinkTracker](s).PruneStale(s, time.Now(), state.NeighborStaleTime)

	ms := &s.Mesh
	if ms.Role == state.RoleMember && ms.HasCoordinator &&
		time.Since(ms.CoordinatorSeen) > state.CoordinatorSilenceTime {
		m.promote(s, "coordinator silent")
	}
	return nil
}

func (m *Mesh) promote(s *state.State, reason string) {
	ms := &s.Mesh
	s.Log.Info("promoting self to coordinator", "reason", reason, "previous_role", ms.Role)
	ms.Role = state.RoleCoordinator
	ms.Coordinator = s.Id
	ms.HasCoordinator = true
	ms.CoordinatorSeen = time.Now()
	ms.DiscoveryInterval = state.DiscoveryIntervalMin
}

func (m *Mesh) demote(s *state.State, winner state.NodeId) {
	ms := &s.Mesh
	s.Log.Info("demoting to member, coordinator tie-break lost", "winner", winner)
	ms.Role = state.RoleMember
	ms.Coordinator = winner
	ms.HasCoordinator = true
	ms.CoordinatorSeen = time.Now()
	ms.DiscoveryInterval = state.DiscoveryIntervalMin
}

// NoteDiscoveryFailure snaps the adaptive discovery interval back to its
// minimum; a failed route lookup means the mesh is less stable than the
// current cadence assumed.
func (m *Mesh) NoteDiscoveryFailure(s *state.State) {
	s.Mesh.DiscoveryInterval = state.DiscoveryIntervalMin
}

// HandleHello folds a peer's advertisement into our election state.
func (m *Mesh) HandleHello(s *state.State, from state.NodeId, hello *protocol.Hello) {
	ms := &s.Mesh
	now := time.Now()

	if hello.Role == state.RoleCoordinator {
		switch ms.Role {
		case state.RoleDiscovering:
			s.Log.Info("adopting coordinator", "coordinator", from)
			ms.Role = state.RoleMember
			ms.Coordinator = from
			ms.HasCoordinator = true
			ms.CoordinatorSeen = now
			ms.DiscoveryCycles = 0
			ms.DiscoveryInterval = state.DiscoveryIntervalMin
		case state.RoleMember:
			if from == ms.Coordinator {
				ms.CoordinatorSeen = now
			} else {
				// a second coordinator appeared; follow the same tie-break
				// the coordinators themselves apply
				if from < ms.Coordinator || time.Since(ms.CoordinatorSeen) > state.CoordinatorSilenceTime {
					ms.Coordinator = from
					ms.CoordinatorSeen = now
				}
			}
		case state.RoleCoordinator:
			// simultaneous self-promotion: lowest id wins, deterministically
			if from < s.Id {
				m.demote(s, from)
			}
		}
		return
	}

	// member advertisements relay the coordinator's identity; treat an
	// agreeing report as weak evidence the coordinator is still alive, so
	// multi-hop members do not fail over on radio range alone
	if hello.HasCoordinator && ms.HasCoordinator && hello.Coordinator == ms.Coordinator && ms.Role == state.RoleMember {
		if now.Sub(ms.CoordinatorSeen) > state.HeartbeatDelay {
			ms.CoordinatorSeen = now.Add(-state.HeartbeatDelay)
		}
	}

	if hello.HasCoordinator && ms.Role == state.RoleDiscovering {
		// someone knows a coordinator we cannot hear directly; join as a
		// member and let routing reach it over multiple hops
		s.Log.Info("adopting relayed coordinator", "coordinator", hello.Coordinator, "via", from)
		ms.Role = state.RoleMember
		ms.Coordinator = hello.Coordinator
		ms.HasCoordinator = true
		ms.CoordinatorSeen = now
		ms.DiscoveryCycles = 0
	}
}
