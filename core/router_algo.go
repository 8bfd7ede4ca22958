package core

import (
	"errors"
	"time"

	"github.com/brambleworks/bramble/protocol"
	"github.com/brambleworks/bramble/state"
	"github.com/jellydator/ttlcache/v3"
)

// ErrNoRoute reports a topology failure, distinct from radio errors:
// callers should defer and retry rather than back off as if the channel
// were congested.
var ErrNoRoute = errors.New("no route to destination")

type RouterEvent int

// trace events

const (
	RouteAdded RouterEvent = iota
	RouteImproved
	RouteInvalidated
	RouteEvicted
	DiscoveryStarted
	DiscoveryFailed
	DuplicateRequestDropped
)

// warn events

const (
	ReplyPathLost RouterEvent = iota + 1000
)

func (e RouterEvent) String() string {
	switch e {
	case RouteAdded:
		return "ROUTE_ADDED"
	case RouteImproved:
		return "ROUTE_IMPROVED"
	case RouteInvalidated:
		return "ROUTE_INVALIDATED"
	case RouteEvicted:
		return "ROUTE_EVICTED"
	case DiscoveryStarted:
		return "DISCOVERY_STARTED"
	case DiscoveryFailed:
		return "DISCOVERY_FAILED"
	case DuplicateRequestDropped:
		return "DUPLICATE_RREQ_DROPPED"
	case ReplyPathLost:
		return "REPLY_PATH_LOST"
	}
	return "UNKNOWN"
}

// Emitter is the side-effect surface of the discovery algorithm, so the
// algorithm itself can be exercised against a recording harness.
type Emitter interface {
	BroadcastRouteRequest(req *protocol.RouteRequest)
	SendRouteReply(to state.NodeId, rep *protocol.RouteReply)
	Log(event RouterEvent, desc string, args ...any)
}

// PendingDiscovery is an in-flight route lookup, re-evaluated on each tick
// rather than blocked on.
type PendingDiscovery struct {
	Seqno    uint16
	Deadline time.Time
}

// RouteTable holds the routing state of one node. One active route per
// destination; the table is bounded and evicts least-recently-used
// destinations.
type RouteTable struct {
	Id      state.NodeId
	Seqno   uint16
	Routes  map[state.NodeId]*state.Route
	Pending map[state.NodeId]*PendingDiscovery
	// seen maps (origin, seqno) to the best path cost relayed so far. A
	// duplicate flood is dropped unless it arrived over a strictly better
	// path, which keeps rebroadcast storms bounded while still letting a
	// more reliable path displace the first one heard.
	seen *ttlcache.Cache[rreqKey, float64]
}

type rreqKey struct {
	Origin state.NodeId
	Seqno  uint16
}

func NewRouteTable(id state.NodeId) *RouteTable {
	return &RouteTable{
		Id:      id,
		Routes:  make(map[state.NodeId]*state.Route),
		Pending: make(map[state.NodeId]*PendingDiscovery),
		seen: ttlcache.New[rreqKey, float64](
			ttlcache.WithTTL[rreqKey, float64](state.RreqDedupTTL),
			ttlcache.WithDisableTouchOnHit[rreqKey, float64](),
		),
	}
}

// routeCost combines hop count with the weakest reliability along the path.
// Fewer hops and stronger links both reduce cost. The coefficients are
// tunables, not gospel; they are validated against behavior, not derived.
func routeCost(hops uint8, pathRel float64) float64 {
	return state.RouteHopWeight*float64(hops) + state.RouteReliabilityWeight*(1-pathRel)
}

// NextHop resolves the next hop for dest, kicking off discovery when no
// usable route exists. A route whose next hop has gone stale is invalidated
// here, lazily, rather than eagerly scanned for.
func NextHop(s *state.State, rt *RouteTable, e Emitter, dest state.NodeId) (state.NodeId, error) {
	if dest == rt.Id {
		return rt.Id, nil
	}
	now := time.Now()
	if route, ok := rt.Routes[dest]; ok {
		if s.GetNeighbor(route.NextHop) != nil {
			route.LastUsed = now
			return route.NextHop, nil
		}
		delete(rt.Routes, dest)
		e.Log(RouteInvalidated, "next hop no longer a neighbor", "route", route)
	}
	StartDiscovery(rt, e, dest, now)
	return 0, ErrNoRoute
}

// StartDiscovery floods a route request unless one is already outstanding.
func StartDiscovery(rt *RouteTable, e Emitter, dest state.NodeId, now time.Time) {
	if p, ok := rt.Pending[dest]; ok && now.Before(p.Deadline) {
		return
	}
	rt.Seqno++
	rt.Pending[dest] = &PendingDiscovery{
		Seqno:    rt.Seqno,
		Deadline: now.Add(state.DiscoveryTimeout),
	}
	e.Log(DiscoveryStarted, "flooding route request", "dest", dest, "seqno", rt.Seqno)
	e.BroadcastRouteRequest(&protocol.RouteRequest{
		Origin:         rt.Id,
		Target:         dest,
		Seqno:          rt.Seqno,
		MinReliability: 255,
	})
}

// TickDiscovery expires lookups that received no reply. "No route" is a
// transient condition; the next NextHop call will retry the flood.
func TickDiscovery(rt *RouteTable, e Emitter, now time.Time) {
	for dest, p := range rt.Pending {
		if now.After(p.Deadline) {
			delete(rt.Pending, dest)
			e.Log(DiscoveryFailed, "discovery timed out", "dest", dest, "seqno", p.Seqno)
		}
	}
}

// HandleRouteRequest processes a flooded request: deduplicate, learn the
// reverse path to the requester, then either answer (we are the target, or
// we hold a fresh route to it) or rebroadcast with the hop count
// incremented and the path floor updated.
func HandleRouteRequest(s *state.State, rt *RouteTable, e Emitter, h protocol.Header, req *protocol.RouteRequest) {
	if req.Origin == rt.Id {
		return // our own flood echoed back
	}
	linkRel := neighborReliability(s, h.Src)
	pathRel := min(unquantizeReliability(req.MinReliability), linkRel)

	key := rreqKey{Origin: req.Origin, Seqno: req.Seqno}
	cost := routeCost(req.HopCount+1, pathRel)
	if prev := rt.seen.Get(key); prev != nil && cost >= prev.Value() {
		e.Log(DuplicateRequestDropped, "already relayed over a path at least as good", "origin", req.Origin, "seqno", req.Seqno)
		return
	}
	rt.seen.Set(key, cost, ttlcache.DefaultTTL)

	// reverse path back to the requester, used to source the reply
	installRoute(rt, e, req.Origin, h.Src, req.HopCount+1, pathRel)

	if req.Target == rt.Id {
		e.SendRouteReply(h.Src, &protocol.RouteReply{
			Origin:         req.Origin,
			Target:         req.Target,
			Seqno:          req.Seqno,
			HopCount:       0,
			MinReliability: 255,
		})
		return
	}

	if route, ok := rt.Routes[req.Target]; ok &&
		time.Since(route.LastValidated) < state.RouteStaleTime/2 &&
		s.GetNeighbor(route.NextHop) != nil {
		// answer on the destination's behalf from a fresh cached route
		e.SendRouteReply(h.Src, &protocol.RouteReply{
			Origin:         req.Origin,
			Target:         req.Target,
			Seqno:          req.Seqno,
			HopCount:       route.HopCount,
			MinReliability: quantizeReliability(route.PathReliability),
		})
		return
	}

	if req.HopCount+1 >= state.DiscoveryMaxHops {
		return // flood has traveled far enough
	}
	e.BroadcastRouteRequest(&protocol.RouteRequest{
		Origin:         req.Origin,
		Target:         req.Target,
		Seqno:          req.Seqno,
		HopCount:       req.HopCount + 1,
		MinReliability: quantizeReliability(pathRel),
	})
}

// HandleRouteReply installs the forward route and, when we are not the
// requester, relays the reply one hop along the cached reverse path.
func HandleRouteReply(s *state.State, rt *RouteTable, e Emitter, h protocol.Header, rep *protocol.RouteReply) {
	linkRel := neighborReliability(s, h.Src)
	pathRel := min(unquantizeReliability(rep.MinReliability), linkRel)
	hops := rep.HopCount + 1

	if rep.Origin == rt.Id {
		// the first reply to arrive establishes the route
		delete(rt.Pending, rep.Target)
	}
	installRoute(rt, e, rep.Target, h.Src, hops, pathRel)

	if rep.Origin == rt.Id {
		return
	}
	nh, ok := rt.Routes[rep.Origin]
	if !ok || s.GetNeighbor(nh.NextHop) == nil {
		e.Log(ReplyPathLost, "no reverse path to requester", "origin", rep.Origin, "target", rep.Target)
		return
	}
	e.SendRouteReply(nh.NextHop, &protocol.RouteReply{
		Origin:         rep.Origin,
		Target:         rep.Target,
		Seqno:          rep.Seqno,
		HopCount:       hops,
		MinReliability: quantizeReliability(pathRel),
	})
}

// installRoute creates or improves the single active route for dest. An
// existing route is only replaced when the new cost clears the hysteresis
// margin, so marginally-different alternates do not cause thrash.
func installRoute(rt *RouteTable, e Emitter, dest, nextHop state.NodeId, hops uint8, pathRel float64) {
	if dest == rt.Id {
		return
	}
	now := time.Now()
	cost := routeCost(hops, pathRel)
	cur, exists := rt.Routes[dest]
	if exists {
		if cur.NextHop == nextHop {
			// same path, refresh in place
			cur.HopCount = hops
			cur.PathReliability = pathRel
			cur.Cost = cost
			cur.LastValidated = now
			return
		}
		if cost >= cur.Cost*state.RouteSwitchHysteresis {
			return // not better enough to justify switching
		}
	}
	if !exists && len(rt.Routes) >= state.MaxRoutes {
		evictLRU(rt, e)
	}
	rt.Routes[dest] = &state.Route{
		Dest:            dest,
		NextHop:         nextHop,
		HopCount:        hops,
		PathReliability: pathRel,
		Cost:            cost,
		LastValidated:   now,
		LastUsed:        now,
	}
	if exists {
		e.Log(RouteImproved, "replaced with lower-cost path", "dest", dest, "via", nextHop, "cost", cost)
	} else {
		e.Log(RouteAdded, "installed route", "dest", dest, "via", nextHop, "hops", hops, "cost", cost)
	}
}

// OptimizeRoutes re-evaluates cached routes against current link quality:
// routes through vanished neighbors are dropped, costs are refreshed so a
// degrading first hop shows up in future comparisons, and destinations
// nobody has asked about in a long time are aged out.
func OptimizeRoutes(s *state.State, rt *RouteTable, e Emitter, now time.Time) {
	for dest, route := range rt.Routes {
		n := s.GetNeighbor(route.NextHop)
		if n == nil {
			delete(rt.Routes, dest)
			e.Log(RouteInvalidated, "next hop pruned", "route", route)
			continue
		}
		if now.Sub(route.LastUsed) > state.RouteStaleTime {
			delete(rt.Routes, dest)
			e.Log(RouteEvicted, "route unused", "route", route)
			continue
		}
		rel := min(route.PathReliability, n.Reliability)
		route.Cost = routeCost(route.HopCount, rel)
	}
}

func evictLRU(rt *RouteTable, e Emitter) {
	var victim state.NodeId
	var oldest time.Time
	first := true
	for dest, route := range rt.Routes {
		if first || route.LastUsed.Before(oldest) {
			victim = dest
			oldest = route.LastUsed
			first = false
		}
	}
	if !first {
		e.Log(RouteEvicted, "table full, evicting least recently used", "dest", victim)
		delete(rt.Routes, victim)
	}
}

func neighborReliability(s *state.State, node state.NodeId) float64 {
	if n := s.GetNeighbor(node); n != nil {
		return n.Reliability
	}
	return 0
}
