package core

import (
	"fmt"
	"time"

	"github.com/brambleworks/bramble/protocol"
	"github.com/brambleworks/bramble/state"
)

// Router owns the route table and discovery engine and wires the algorithm
// in router_algo.go to the radio.
type Router struct {
	*state.State
	Table *RouteTable
}

func (r *Router) Init(s *state.State) error {
	r.State = s
	r.Table = NewRouteTable(s.Id)
	s.RepeatTask(func(s *state.State) error {
		TickDiscovery(r.Table, r, time.Now())
		return nil
	}, time.Second)
	return nil
}

func (r *Router) Cleanup(s *state.State) error {
	return nil
}

// NextHop is the transport scheduler's read-only view of the route table.
func (r *Router) NextHop(s *state.State, dest state.NodeId) (state.NodeId, error) {
	return NextHop(s, r.Table, r, dest)
}

func (r *Router) HandleRouteRequest(s *state.State, h protocol.Header, req *protocol.RouteRequest) {
	HandleRouteRequest(s, r.Table, r, h, req)
}

func (r *Router) HandleRouteReply(s *state.State, h protocol.Header, rep *protocol.RouteReply) {
	HandleRouteReply(s, r.Table, r, h, rep)
}

func (r *Router) Optimize(s *state.State) {
	OptimizeRoutes(s, r.Table, r, time.Now())
}

// Emitter implementation

func (r *Router) BroadcastRouteRequest(req *protocol.RouteRequest) {
	Get[*Bramble](r.State).SendFrame(req.Marshal(r.Id))
}

func (r *Router) SendRouteReply(to state.NodeId, rep *protocol.RouteReply) {
	Get[*Bramble](r.State).SendFrame(rep.Marshal(r.Id, to))
}

func (r *Router) Log(event RouterEvent, desc string, args ...any) {
	if event == DiscoveryFailed {
		Get[*Mesh](r.State).NoteDiscoveryFailure(r.State)
	}
	if event >= 1000 {
		r.Env.Log.Warn(fmt.Sprintf("%s %s", event.String(), desc), args...)
	} else {
		r.Env.Log.Debug(fmt.Sprintf("%s %s", event.String(), desc), args...)
	}
}
