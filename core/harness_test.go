package core

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/brambleworks/bramble/protocol"
	"github.com/brambleworks/bramble/state"
)

func newTestState(t *testing.T, id state.NodeId) *state.State {
	t.Helper()
	ctx, cancel := context.WithCancelCause(context.Background())
	t.Cleanup(func() { cancel(context.Canceled) })
	cfg := state.NodeCfg{Id: id}
	tc, err := cfg.ResolveTransport()
	if err != nil {
		t.Fatal(err)
	}
	return &state.State{
		Env: &state.Env{
			DispatchChannel: make(chan func(*state.State) error, 128),
			NodeCfg:         cfg,
			TransportCfg:    tc,
			Context:         ctx,
			Cancel:          cancel,
			Log:             slog.New(slog.NewTextHandler(io.Discard, nil)),
		},
		Modules: make(map[string]state.Module),
	}
}

// routerAction records one outbound control frame for later assertion.
type routerAction struct {
	Kind string
	To   state.NodeId
	Rreq *protocol.RouteRequest
	Rrep *protocol.RouteReply
}

func (a routerAction) String() string {
	switch a.Kind {
	case "RREQ":
		return fmt.Sprintf("RREQ origin=%s target=%s seq=%d hops=%d", a.Rreq.Origin, a.Rreq.Target, a.Rreq.Seqno, a.Rreq.HopCount)
	case "RREP":
		return fmt.Sprintf("RREP to=%s origin=%s target=%s hops=%d", a.To, a.Rrep.Origin, a.Rrep.Target, a.Rrep.HopCount)
	}
	return a.Kind
}

// routerHarness implements Emitter, recording actions instead of touching
// the radio.
type routerHarness struct {
	actions []routerAction
	events  []RouterEvent
}

func (h *routerHarness) BroadcastRouteRequest(req *protocol.RouteRequest) {
	h.actions = append(h.actions, routerAction{Kind: "RREQ", Rreq: req})
}

func (h *routerHarness) SendRouteReply(to state.NodeId, rep *protocol.RouteReply) {
	h.actions = append(h.actions, routerAction{Kind: "RREP", To: to, Rrep: rep})
}

func (h *routerHarness) Log(event RouterEvent, desc string, args ...any) {
	h.events = append(h.events, event)
}

func (h *routerHarness) drain() []routerAction {
	a := h.actions
	h.actions = nil
	return a
}

func (h *routerHarness) sawEvent(e RouterEvent) bool {
	for _, got := range h.events {
		if got == e {
			return true
		}
	}
	return false
}
