//go:build integration

package integration

import (
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/brambleworks/bramble/core"
	"github.com/brambleworks/bramble/mock"
	"github.com/brambleworks/bramble/state"
)

// ConfigureConstants shrinks every mesh timing so multi-node scenarios
// settle in test time instead of field time.
func ConfigureConstants() {
	state.HeartbeatDelay = 100 * time.Millisecond
	state.DiscoveryStartupDelay = 50 * time.Millisecond
	state.DiscoveryIntervalMin = 300 * time.Millisecond
	state.DiscoveryIntervalMax = 2 * time.Second
	state.CoordinatorSilenceTime = time.Second
	state.NeighborStaleTime = 3 * time.Second
	state.PruneDelay = 100 * time.Millisecond
	state.DiscoveryTimeout = 500 * time.Millisecond
	state.OptimizeDelay = 500 * time.Millisecond
	state.TickDelay = 10 * time.Millisecond
	state.NoRouteRetryDelay = 50 * time.Millisecond
	state.StatsWindow = 5 * time.Second
}

// testTransport is a fast-retry profile override for the simulated channel.
// The retry budget is provisioned for lossy-link scenarios: at 30% loss per
// hop in each direction a fragment's end-to-end round trip succeeds roughly
// one attempt in four, so the budget leaves ample headroom over the expected
// attempt count.
func testTransport() *state.TransportCfg {
	return &state.TransportCfg{
		MaxRetries:   25,
		AckTimeout:   200 * time.Millisecond,
		BackoffBase:  50 * time.Millisecond,
		BackoffMax:   500 * time.Millisecond,
		RateLimit:    64 * 1024,
		BurstSize:    16 * 1024,
		MinPacketGap: time.Millisecond,
	}
}

// VirtualMesh runs several in-process nodes over one mock radio channel.
type VirtualMesh struct {
	t       *testing.T
	Channel *mock.Channel
	States  map[state.NodeId]*state.State
	done    map[state.NodeId]chan struct{}

	Delivered chan core.Delivery
	Outcomes  chan error
}

func NewVirtualMesh(t *testing.T, seed int64) *VirtualMesh {
	return &VirtualMesh{
		t:         t,
		Channel:   mock.NewChannel(seed),
		States:    make(map[state.NodeId]*state.State),
		done:      make(map[state.NodeId]chan struct{}),
		Delivered: make(chan core.Delivery, 16),
		Outcomes:  make(chan error, 16),
	}
}

// AddNode builds and starts one node attached to the shared channel.
func (v *VirtualMesh) AddNode(id state.NodeId) {
	cfg := state.NodeCfg{Id: id, Transport: testTransport()}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if testing.Verbose() {
		logger = slog.Default().With("node", id)
	}

	s, err := core.NewNode(cfg, v.Channel.AddNode(id), logger)
	if err != nil {
		v.t.Fatal(err)
	}

	tr := core.Get[*core.Transport](s)
	tr.OnDeliver = func(s *state.State, d core.Delivery) {
		v.Delivered <- d
	}
	tr.Notify = func(s *state.State, txId state.TransmissionId, err error) {
		v.Outcomes <- err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := core.MainLoop(s); err != nil {
			v.t.Error(err)
		}
	}()
	v.States[id] = s
	v.done[id] = done
}

// Link makes a and b mutually audible with the given loss rate.
func (v *VirtualMesh) Link(a, b state.NodeId, loss float64) {
	v.Channel.SetLink(a, b, mock.Link{Loss: loss, Rssi: -85, Snr: 7})
}

// Stop shuts every node down and waits for its loop to drain.
func (v *VirtualMesh) Stop() {
	for _, s := range v.States {
		s.Cancel(fmt.Errorf("test harness stop"))
	}
	for _, done := range v.done {
		<-done
	}
}

// Snapshot reads a node's status on its own control loop.
func (v *VirtualMesh) Snapshot(id state.NodeId) state.NetworkStatus {
	res, err := v.States[id].DispatchWait(func(s *state.State) (any, error) {
		return core.BuildStatus(s), nil
	})
	if err != nil {
		v.t.Fatal(err)
	}
	return res.(state.NetworkStatus)
}

// Transmit enqueues a payload on node id's control loop.
func (v *VirtualMesh) Transmit(id, dest state.NodeId, packetType state.PacketType, payload []byte, prio state.Priority) {
	_, err := v.States[id].DispatchWait(func(s *state.State) (any, error) {
		return core.Get[*core.Transport](s).Transmit(s, dest, packetType, payload, prio, true)
	})
	if err != nil {
		v.t.Fatal(err)
	}
}

// Eventually polls cond until it holds or the deadline passes.
func (v *VirtualMesh) Eventually(cond func() bool, timeout time.Duration, msg string) {
	v.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	v.t.Fatalf("condition never held: %s", msg)
}

// Coordinators returns the ids currently holding the coordinator role.
func (v *VirtualMesh) Coordinators() []state.NodeId {
	var out []state.NodeId
	for id := range v.States {
		if v.Snapshot(id).Role == state.RoleCoordinator {
			out = append(out, id)
		}
	}
	return out
}
