package core

import (
	"reflect"
	"testing"
	"time"

	"github.com/brambleworks/bramble/mock"
	"github.com/brambleworks/bramble/protocol"
	"github.com/brambleworks/bramble/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestMesh builds a mesh controller with just enough modules around it
// to heartbeat into a mock channel. No dispatch loop runs; tests drive the
// controller's entry points directly.
func newTestMesh(t *testing.T, id state.NodeId) (*state.State, *Mesh) {
	t.Helper()
	s := newTestState(t, id)
	ch := mock.NewChannel(1)
	b := &Bramble{Driver: ch.AddNode(id)}
	b.State = s
	lt := &LinkTracker{}
	m := &Mesh{State: s}
	for _, mod := range []state.Module{lt, b, m} {
		s.Modules[reflect.TypeOf(mod).String()] = mod
	}
	s.Mesh = state.MeshState{
		Role:              state.RoleDiscovering,
		DiscoveryInterval: state.DiscoveryIntervalMin,
	}
	return s, m
}

func TestSelfPromotionAfterSilentDiscovery(t *testing.T) {
	s, m := newTestMesh(t, 3)

	for i := 0; i < state.DiscoveryCyclesToPromote; i++ {
		require.NoError(t, m.discoveryCycle(s))
	}
	assert.Equal(t, state.RoleCoordinator, s.Mesh.Role)
	assert.Equal(t, state.NodeId(3), s.Mesh.Coordinator)
	assert.True(t, s.Mesh.HasCoordinator)
}

func TestCoordinatorHeardDuringDiscovery(t *testing.T) {
	s, m := newTestMesh(t, 3)

	m.HandleHello(s, 7, &protocol.Hello{Role: state.RoleCoordinator, Coordinator: 7, HasCoordinator: true})
	assert.Equal(t, state.RoleMember, s.Mesh.Role)
	assert.Equal(t, state.NodeId(7), s.Mesh.Coordinator)

	// further discovery cycles no longer count toward promotion
	require.NoError(t, m.discoveryCycle(s))
	assert.Equal(t, state.RoleMember, s.Mesh.Role)
	assert.Zero(t, s.Mesh.DiscoveryCycles)
}

func TestRelayedCoordinatorAdoption(t *testing.T) {
	s, m := newTestMesh(t, 3)

	// a member in range relays a coordinator we cannot hear
	m.HandleHello(s, 5, &protocol.Hello{Role: state.RoleMember, Coordinator: 9, HasCoordinator: true})
	assert.Equal(t, state.RoleMember, s.Mesh.Role)
	assert.Equal(t, state.NodeId(9), s.Mesh.Coordinator)
}

func TestCoordinatorHeartbeatDefersFailover(t *testing.T) {
	s, m := newTestMesh(t, 3)
	m.HandleHello(s, 7, &protocol.Hello{Role: state.RoleCoordinator, Coordinator: 7, HasCoordinator: true})

	// silence just short of the threshold, then a heartbeat arrives
	s.Mesh.CoordinatorSeen = time.Now().Add(-state.CoordinatorSilenceTime + time.Second)
	m.HandleHello(s, 7, &protocol.Hello{Role: state.RoleCoordinator, Coordinator: 7, HasCoordinator: true})

	require.NoError(t, m.housekeeping(s))
	assert.Equal(t, state.RoleMember, s.Mesh.Role, "a live coordinator must not be failed over")
}

func TestCoordinatorSilenceFailover(t *testing.T) {
	s, m := newTestMesh(t, 3)
	m.HandleHello(s, 7, &protocol.Hello{Role: state.RoleCoordinator, Coordinator: 7, HasCoordinator: true})

	s.Mesh.CoordinatorSeen = time.Now().Add(-state.CoordinatorSilenceTime - time.Second)
	require.NoError(t, m.housekeeping(s))
	assert.Equal(t, state.RoleCoordinator, s.Mesh.Role)
	assert.Equal(t, state.NodeId(3), s.Mesh.Coordinator)
}

func TestCoordinatorTieBreakLowestIdWins(t *testing.T) {
	s, m := newTestMesh(t, 3)
	m.promote(s, "test setup")

	// a higher-id coordinator does not displace us
	m.HandleHello(s, 8, &protocol.Hello{Role: state.RoleCoordinator, Coordinator: 8, HasCoordinator: true})
	assert.Equal(t, state.RoleCoordinator, s.Mesh.Role)

	// a lower-id one does
	m.HandleHello(s, 2, &protocol.Hello{Role: state.RoleCoordinator, Coordinator: 2, HasCoordinator: true})
	assert.Equal(t, state.RoleMember, s.Mesh.Role)
	assert.Equal(t, state.NodeId(2), s.Mesh.Coordinator)
}

func TestMemberFollowsTieBreak(t *testing.T) {
	s, m := newTestMesh(t, 9)
	m.HandleHello(s, 7, &protocol.Hello{Role: state.RoleCoordinator, Coordinator: 7, HasCoordinator: true})

	// a competing coordinator with a higher id is ignored while ours is live
	m.HandleHello(s, 8, &protocol.Hello{Role: state.RoleCoordinator, Coordinator: 8, HasCoordinator: true})
	assert.Equal(t, state.NodeId(7), s.Mesh.Coordinator)

	// but the lower id wins the tie-break here too
	m.HandleHello(s, 2, &protocol.Hello{Role: state.RoleCoordinator, Coordinator: 2, HasCoordinator: true})
	assert.Equal(t, state.NodeId(2), s.Mesh.Coordinator)
	assert.Equal(t, state.RoleMember, s.Mesh.Role)
}

func TestAgreeingMemberIsWeakLivenessEvidence(t *testing.T) {
	s, m := newTestMesh(t, 9)
	m.HandleHello(s, 7, &protocol.Hello{Role: state.RoleCoordinator, Coordinator: 7, HasCoordinator: true})

	// out of radio range of the coordinator for a while
	stale := time.Now().Add(-state.CoordinatorSilenceTime + 2*time.Second)
	s.Mesh.CoordinatorSeen = stale

	m.HandleHello(s, 5, &protocol.Hello{Role: state.RoleMember, Coordinator: 7, HasCoordinator: true})
	assert.True(t, s.Mesh.CoordinatorSeen.After(stale), "an agreeing member keeps the coordinator alive")

	// a member reporting a different coordinator is no such evidence
	seen := s.Mesh.CoordinatorSeen
	m.HandleHello(s, 6, &protocol.Hello{Role: state.RoleMember, Coordinator: 4, HasCoordinator: true})
	assert.Equal(t, seen, s.Mesh.CoordinatorSeen)
}

func TestDiscoveryIntervalAdapts(t *testing.T) {
	s, m := newTestMesh(t, 3)
	m.HandleHello(s, 7, &protocol.Hello{Role: state.RoleCoordinator, Coordinator: 7, HasCoordinator: true})
	require.Equal(t, state.DiscoveryIntervalMin, s.Mesh.DiscoveryInterval)

	// stability stretches the cadence, bounded above
	for i := 0; i < 50; i++ {
		require.NoError(t, m.discoveryCycle(s))
	}
	assert.Equal(t, state.DiscoveryIntervalMax, s.Mesh.DiscoveryInterval)

	// any discovery failure snaps it back
	m.NoteDiscoveryFailure(s)
	assert.Equal(t, state.DiscoveryIntervalMin, s.Mesh.DiscoveryInterval)
}
